// Package wheelhouse serves the compiled-wheel cache over HTTP. It is the
// private package index the unprivileged installation phase resolves
// against: a flat find-links page plus file downloads, nothing more.
package wheelhouse

import (
	"context"
	"fmt"
	"html"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// Server serves one wheel cache directory for the duration of a build.
type Server struct {
	dir    string
	logger *zap.Logger

	srv      *http.Server
	listener net.Listener
}

// NewServer creates a wheelhouse over dir, binding to addr. The address must
// be reachable from inside build containers (the docker bridge gateway by
// default).
func NewServer(addr, dir string, logger *zap.Logger) *Server {
	s := &Server{
		dir:    dir,
		logger: logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/", s.handleIndex)
	r.Get("/{file}", s.handleFile)

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start begins listening and serving in the background. It returns once the
// listener is bound so the caller can hand the address to the build.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("binding wheelhouse listener: %w", err)
	}
	s.listener = ln

	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Wheelhouse server failed", zap.Error(err))
		}
	}()

	s.logger.Info("Wheelhouse serving",
		zap.String("addr", ln.Addr().String()),
		zap.String("dir", s.dir),
	)
	return nil
}

// Addr returns the bound address (host:port).
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.srv.Addr
	}
	return s.listener.Addr().String()
}

// Shutdown stops the server, draining in-flight downloads.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.listener == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// handleIndex renders the find-links page: one anchor per distributable
// artifact, sorted for stable output.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		http.Error(w, "wheel cache unavailable", http.StatusInternalServerError)
		return
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if strings.HasSuffix(name, ".whl") || strings.HasSuffix(name, ".tar.gz") {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, "<!DOCTYPE html><html><body>\n")
	for _, name := range names {
		fmt.Fprintf(w, "<a href=%q>%s</a><br/>\n", name, html.EscapeString(name))
	}
	fmt.Fprint(w, "</body></html>\n")
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "file")
	// URL parameters never contain a path separator, but keep the base
	// check so the handler cannot serve outside the cache.
	if name != filepath.Base(name) {
		http.NotFound(w, r)
		return
	}
	http.ServeFile(w, r, filepath.Join(s.dir, name))
}
