package builder

import (
	"context"
	"io"
)

// Version is the tool version stamped onto every image label
// (overridden at link time).
var Version = "dev"

// Label keys applied to every image, container and volume the pipeline
// creates, so purge can find its own artifacts and nothing else.
const (
	LabelVersion = "bakery.version"
	LabelRole    = "bakery.image.role"
)

// Image roles.
const (
	RoleRoot   = "root"
	RoleBuild  = "build"
	RoleRunner = "runner"
)

// RunSpec describes one container execution.
type RunSpec struct {
	Image   string
	Command []string
	// User is the identity inside the container ("root" or the service
	// account); empty means the image default.
	User   string
	Binds  []string
	Env    []string
	Labels map[string]string
	// Output receives the container's combined stdout/stderr when set.
	Output io.Writer
}

// Engine is the container-engine seam: everything the orchestrator needs
// from the daemon, and nothing it does not. The production implementation
// wraps the docker client; tests substitute a fake so the stage machine can
// be exercised without a daemon.
type Engine interface {
	// ImageExists reports whether an image is present locally.
	ImageExists(ctx context.Context, name string) (bool, error)

	// PullImage fetches an image from its registry.
	PullImage(ctx context.Context, name string) error

	// PushImage uploads an image and returns its repo digest.
	PushImage(ctx context.Context, name string) (string, error)

	// BuildImage builds contextDir (containing a Dockerfile) into tag.
	BuildImage(ctx context.Context, contextDir, tag string, labels map[string]string) error

	// RunAndCommit runs spec to completion and commits the stopped
	// container as tag. A non-zero exit is an error and nothing is
	// committed. An empty tag runs the container without committing.
	RunAndCommit(ctx context.Context, spec RunSpec, tag string, labels map[string]string) error

	// RunForOutput runs spec to completion and returns its combined
	// output. Used for the one-shot package-manager family probe.
	RunForOutput(ctx context.Context, spec RunSpec) (string, error)

	// ExtractPath streams a tar archive of path inside image to dst.
	ExtractPath(ctx context.Context, image, path string, dst io.Writer) error

	// RemoveImage deletes a local image tag.
	RemoveImage(ctx context.Context, name string) error
}
