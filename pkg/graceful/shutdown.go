package graceful

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Shutdownable is anything that can be stopped with a deadline.
type Shutdownable interface {
	Shutdown(ctx context.Context) error
}

// Handler coordinates teardown of per-build services (currently the
// wheelhouse index server) both on normal completion and on SIGINT/SIGTERM.
type Handler struct {
	logger   *zap.Logger
	services []Shutdownable
	timeout  time.Duration
}

// NewHandler creates a shutdown handler.
func NewHandler(logger *zap.Logger, timeout time.Duration) *Handler {
	return &Handler{
		logger:  logger,
		timeout: timeout,
	}
}

// Register adds a service to shut down.
func (h *Handler) Register(service Shutdownable) {
	h.services = append(h.services, service)
}

// WithSignals derives a context that is cancelled on SIGINT or SIGTERM, so a
// build in progress aborts at the next engine call.
func (h *Handler) WithSignals(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

// Shutdown stops every registered service within the handler's timeout.
// Errors are logged, not propagated: teardown must not mask the build result.
func (h *Handler) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	for _, service := range h.services {
		if err := service.Shutdown(ctx); err != nil {
			h.logger.Error("Service shutdown error", zap.Error(err))
		}
	}
}
