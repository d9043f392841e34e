package builder

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	bkerrors "bakery/internal/errors"
)

// DockerEngine implements Engine over the docker daemon API.
type DockerEngine struct {
	client *client.Client
	logger *zap.Logger
	output io.Writer
}

// NewDockerEngine creates a docker-backed engine. Build and provisioning
// output is streamed to out.
func NewDockerEngine(dockerHost string, logger *zap.Logger, out io.Writer) (*DockerEngine, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if dockerHost != "" {
		opts = append(opts, client.WithHost(dockerHost))
	} else {
		opts = append(opts, client.FromEnv)
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create Docker client: %w", err)
	}
	if out == nil {
		out = io.Discard
	}
	return &DockerEngine{
		client: cli,
		logger: logger,
		output: out,
	}, nil
}

// Close closes the Docker client.
func (e *DockerEngine) Close() error {
	return e.client.Close()
}

// Client exposes the underlying docker client for sibling services (purge).
func (e *DockerEngine) Client() *client.Client {
	return e.client
}

func (e *DockerEngine) ImageExists(ctx context.Context, name string) (bool, error) {
	_, _, err := e.client.ImageInspectWithRaw(ctx, name)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to inspect image %s: %w", name, err)
	}
	return true, nil
}

func (e *DockerEngine) PullImage(ctx context.Context, name string) error {
	e.logger.Info("Pulling image", zap.String("image", name))
	rc, err := e.client.ImagePull(ctx, name, image.PullOptions{})
	if err != nil {
		return err
	}
	defer rc.Close()
	return jsonmessage.DisplayJSONMessagesStream(rc, e.output, 0, false, nil)
}

func (e *DockerEngine) PushImage(ctx context.Context, name string) (string, error) {
	e.logger.Info("Pushing image", zap.String("image", name))
	// The API requires an auth header even for anonymous pushes.
	auth := base64.URLEncoding.EncodeToString([]byte("{}"))
	rc, err := e.client.ImagePush(ctx, name, image.PushOptions{RegistryAuth: auth})
	if err != nil {
		return "", err
	}
	defer rc.Close()
	if err := jsonmessage.DisplayJSONMessagesStream(rc, e.output, 0, false, nil); err != nil {
		return "", err
	}

	inspect, _, err := e.client.ImageInspectWithRaw(ctx, name)
	if err != nil {
		return "", fmt.Errorf("failed to inspect pushed image: %w", err)
	}
	for _, repoDigest := range inspect.RepoDigests {
		if _, digest, ok := strings.Cut(repoDigest, "@"); ok {
			return digest, nil
		}
	}
	return "", nil
}

// BuildImage builds a tar of contextDir and streams it to the daemon,
// then verifies the tag exists (the build stream can end without error on
// some daemon failures).
func (e *DockerEngine) BuildImage(ctx context.Context, contextDir, tag string, labels map[string]string) error {
	e.logger.Info("Building image",
		zap.String("context_path", contextDir),
		zap.String("image_tag", tag),
	)

	tarReader, err := createTarArchive(contextDir)
	if err != nil {
		return fmt.Errorf("failed to create tar archive: %w", err)
	}
	defer tarReader.Close()

	resp, err := e.client.ImageBuild(ctx, tarReader, types.ImageBuildOptions{
		Dockerfile:  "Dockerfile",
		Tags:        []string{tag},
		Remove:      true,
		ForceRemove: true,
		Labels:      labels,
	})
	if err != nil {
		return fmt.Errorf("failed to start image build: %w", err)
	}
	defer resp.Body.Close()

	if err := jsonmessage.DisplayJSONMessagesStream(resp.Body, e.output, 0, false, nil); err != nil {
		return bkerrors.Wrap(bkerrors.ErrorCodeBuildFailed, "image build stream reported an error", err)
	}

	if exists, err := e.ImageExists(ctx, tag); err != nil {
		return err
	} else if !exists {
		return bkerrors.Newf(bkerrors.ErrorCodeBuildFailed, "image %s missing after build", tag)
	}
	return nil
}

func (e *DockerEngine) RunAndCommit(ctx context.Context, spec RunSpec, tag string, labels map[string]string) error {
	id, code, err := e.runContainer(ctx, spec, spec.Output)
	if id != "" {
		defer e.removeContainer(id)
	}
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("container exited with status %d", code)
	}
	if tag == "" {
		return nil
	}

	_, err = e.client.ContainerCommit(ctx, id, container.CommitOptions{
		Reference: tag,
		Config:    &container.Config{Labels: labels},
	})
	if err != nil {
		return fmt.Errorf("failed to commit container: %w", err)
	}
	return nil
}

func (e *DockerEngine) RunForOutput(ctx context.Context, spec RunSpec) (string, error) {
	var buf bytes.Buffer
	id, code, err := e.runContainer(ctx, spec, &buf)
	if id != "" {
		defer e.removeContainer(id)
	}
	if err != nil {
		return "", err
	}
	if code != 0 {
		return "", fmt.Errorf("container exited with status %d", code)
	}
	return buf.String(), nil
}

// runContainer creates, starts and waits for one container, streaming its
// combined output. It returns the container ID (for removal by the caller)
// and the exit status.
func (e *DockerEngine) runContainer(ctx context.Context, spec RunSpec, out io.Writer) (string, int64, error) {
	created, err := e.client.ContainerCreate(ctx,
		&container.Config{
			Image:  spec.Image,
			Cmd:    spec.Command,
			User:   spec.User,
			Env:    spec.Env,
			Labels: spec.Labels,
		},
		&container.HostConfig{Binds: spec.Binds},
		nil, nil, "")
	if err != nil {
		return "", 0, fmt.Errorf("failed to create container: %w", err)
	}

	if err := e.client.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return created.ID, 0, fmt.Errorf("failed to start container: %w", err)
	}

	if out == nil {
		out = e.output
	}
	logs, err := e.client.ContainerLogs(ctx, created.ID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
	})
	if err != nil {
		return created.ID, 0, fmt.Errorf("failed to attach container logs: %w", err)
	}
	defer logs.Close()
	if _, err := stdcopy.StdCopy(out, out, logs); err != nil && err != io.EOF {
		return created.ID, 0, fmt.Errorf("failed to stream container logs: %w", err)
	}

	waitCh, errCh := e.client.ContainerWait(ctx, created.ID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return created.ID, 0, fmt.Errorf("failed waiting for container: %w", err)
	case status := <-waitCh:
		return created.ID, status.StatusCode, nil
	}
}

func (e *DockerEngine) removeContainer(id string) {
	// Removal uses a fresh context so cleanup happens even after cancel.
	if err := e.client.ContainerRemove(context.Background(), id, container.RemoveOptions{Force: true}); err != nil {
		e.logger.Warn("Failed to remove container", zap.String("container_id", id), zap.Error(err))
	}
}

func (e *DockerEngine) ExtractPath(ctx context.Context, img, path string, dst io.Writer) error {
	created, err := e.client.ContainerCreate(ctx,
		&container.Config{Image: img, Cmd: []string{"true"}},
		nil, nil, nil, "")
	if err != nil {
		return fmt.Errorf("failed to create extraction container: %w", err)
	}
	defer e.removeContainer(created.ID)

	rc, _, err := e.client.CopyFromContainer(ctx, created.ID, path)
	if err != nil {
		if client.IsErrNotFound(err) {
			return bkerrors.Newf(bkerrors.ErrorCodeArtifactMissing, "path %s not present in %s", path, img)
		}
		return fmt.Errorf("failed to copy from container: %w", err)
	}
	defer rc.Close()

	if _, err := io.Copy(dst, rc); err != nil {
		return fmt.Errorf("failed to stream extracted archive: %w", err)
	}
	return nil
}

func (e *DockerEngine) RemoveImage(ctx context.Context, name string) error {
	_, err := e.client.ImageRemove(ctx, name, image.RemoveOptions{PruneChildren: true})
	return err
}

// createTarArchive creates a tar archive of the build context.
func createTarArchive(contextPath string) (io.ReadCloser, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	err := filepath.Walk(contextPath, func(file string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		relPath, err := filepath.Rel(contextPath, file)
		if err != nil {
			return err
		}
		if relPath == "." {
			return nil
		}

		header, err := tar.FileInfoHeader(fi, fi.Name())
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(relPath)

		if err := tw.WriteHeader(header); err != nil {
			return err
		}

		if !fi.IsDir() {
			data, err := os.Open(file)
			if err != nil {
				return err
			}
			defer data.Close()
			if _, err := io.Copy(tw, data); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create tar archive: %w", err)
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("failed to close tar writer: %w", err)
	}
	return io.NopCloser(&buf), nil
}
