package provision

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// Well-known names inside the scratch directory and the container-side
// locations the provisioning scripts expect.
const (
	// ScratchMount is where the scratch directory is mounted inside
	// provisioning containers.
	ScratchMount = "/provision"

	RootScriptName     = "system_provision.sh"
	UnprivilegedScript = "provision.sh"
	CompileScriptName  = "compile.sh"
	HandoffFileName    = "handoff"
	IndexHostFileName  = "index-host"
	ConstraintFileName = "constraints.txt"

	// WheelMount is where the host wheel cache is mounted during the
	// compile phase.
	WheelMount = "/wheelhouse"

	// ServiceUser is the unprivileged account the application-installation
	// phase runs as.
	ServiceUser = "app"
	ServiceHome = "/home/app"
	// VenvDir is the isolated runtime environment rooted at the service
	// account's home; it is the build artifact extracted into the runner
	// image.
	VenvDir = ServiceHome + "/venv"
)

// Scratch is the restricted-permission shared directory used for the
// privilege handoff of one build. It is exclusively owned by the build in
// progress and deleted at the end of the unprivileged phase.
type Scratch struct {
	Dir string
}

// NewScratch creates a uuid-named scratch directory under root (or the
// system temp directory when root is empty). Created 0700: only the
// orchestrator can read it until Widen is called.
func NewScratch(root string) (*Scratch, error) {
	if root == "" {
		root = os.TempDir()
	}
	dir := filepath.Join(root, "bakery-"+uuid.NewString())
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating scratch directory: %w", err)
	}
	return &Scratch{Dir: dir}, nil
}

// WriteScript stores an executable provisioning script.
func (s *Scratch) WriteScript(name, content string) error {
	return os.WriteFile(filepath.Join(s.Dir, name), []byte(content), 0o700)
}

// WriteHandoff stores the phase handoff record.
func (s *Scratch) WriteHandoff(h Handoff) error {
	return os.WriteFile(filepath.Join(s.Dir, HandoffFileName), h.Marshal(), 0o600)
}

// WriteIndexHost records the private package index address for the
// unprivileged installer.
func (s *Scratch) WriteIndexHost(addr string) error {
	return os.WriteFile(filepath.Join(s.Dir, IndexHostFileName), []byte(addr+"\n"), 0o600)
}

// CopyConstraint copies the optional pip constraint file into the scratch
// directory under its well-known name.
func (s *Scratch) CopyConstraint(path string) error {
	src, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening constraint file: %w", err)
	}
	defer src.Close()
	dst, err := os.OpenFile(filepath.Join(s.Dir, ConstraintFileName), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer dst.Close()
	_, err = io.Copy(dst, src)
	return err
}

// Widen grants read/traverse permissions on the scratch tree so the service
// account can consume the provisioning inputs after the identity switch.
// Scripts stay executable.
func (s *Scratch) Widen() error {
	return filepath.WalkDir(s.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		mode := os.FileMode(0o644)
		if d.IsDir() || info.Mode()&0o100 != 0 {
			mode = 0o755
		}
		return os.Chmod(path, mode)
	})
}

// Remove deletes the scratch directory. Called unconditionally after the
// unprivileged phase so no provisioning material leaks into image layers.
func (s *Scratch) Remove() error {
	return os.RemoveAll(s.Dir)
}
