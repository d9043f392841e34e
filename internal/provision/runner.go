package provision

import (
	"context"
	"path"

	"go.uber.org/zap"

	bkerrors "bakery/internal/errors"
)

// Identity is the execution identity of one provisioning task.
type Identity string

const (
	IdentityRoot    Identity = "root"
	IdentityService Identity = ServiceUser
)

// Task is one unit of provisioning work: a script executed under an explicit
// identity inside a build container. The two-phase model replaces the old
// convention of one script re-invoking itself as a different user.
type Task struct {
	Name     string
	Identity Identity
	Command  []string
	// NoCommit marks a task whose effects land outside the image (e.g.
	// on a host mount); the executor runs it without committing a layer.
	NoCommit bool
}

// RootTask wraps a rendered root-phase script.
func RootTask() Task {
	return Task{
		Name:     "system_provision",
		Identity: IdentityRoot,
		Command:  []string{"/bin/sh", path.Join(ScratchMount, RootScriptName)},
	}
}

// UnprivilegedTask wraps a rendered application-installation script.
func UnprivilegedTask() Task {
	return Task{
		Name:     "provision",
		Identity: IdentityService,
		Command:  []string{"/bin/sh", path.Join(ScratchMount, UnprivilegedScript)},
	}
}

// CompileTask wraps a rendered wheel-compilation script.
func CompileTask() Task {
	return Task{
		Name:     "compile",
		Identity: IdentityService,
		Command:  []string{"/bin/sh", path.Join(ScratchMount, CompileScriptName)},
		NoCommit: true,
	}
}

// Executor runs one task to completion and returns an error on any non-zero
// exit. The production executor runs containers through the build engine;
// tests substitute a fake.
type Executor interface {
	Exec(ctx context.Context, task Task) error
}

// Runner sequences the two provisioning phases of one image-build step.
type Runner struct {
	scratch *Scratch
	logger  *zap.Logger
}

// NewRunner creates a runner over an already populated scratch directory.
func NewRunner(scratch *Scratch, logger *zap.Logger) *Runner {
	return &Runner{
		scratch: scratch,
		logger:  logger,
	}
}

// Run executes the root phase, widens the scratch permissions, then executes
// the unprivileged phase. The scratch directory is removed unconditionally,
// success or failure. Any phase failure aborts immediately and propagates.
func (r *Runner) Run(ctx context.Context, exec Executor, tasks ...Task) error {
	defer func() {
		if err := r.scratch.Remove(); err != nil {
			r.logger.Warn("Failed to remove scratch directory",
				zap.String("dir", r.scratch.Dir), zap.Error(err))
		}
	}()

	widened := false
	for _, task := range tasks {
		if task.Identity != IdentityRoot && !widened {
			if err := r.scratch.Widen(); err != nil {
				return bkerrors.Wrap(bkerrors.ErrorCodePrivilegeHandoffFailed,
					"widening scratch permissions", err)
			}
			widened = true
		}
		r.logger.Info("Running provisioning task",
			zap.String("task", task.Name),
			zap.String("identity", string(task.Identity)),
		)
		if err := exec.Exec(ctx, task); err != nil {
			return bkerrors.Wrap(bkerrors.ErrorCodeDependencyInstallFailed,
				"provisioning task "+task.Name+" failed", err)
		}
	}
	return nil
}
