package builder

import (
	"context"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"go.uber.org/zap"
)

// PurgeService removes containers, volumes and images this tool created,
// identified by their labels. Nothing unlabelled is ever touched.
type PurgeService struct {
	client *client.Client
	logger *zap.Logger
}

// NewPurgeService creates a purge service over an existing engine client.
func NewPurgeService(engine *DockerEngine, logger *zap.Logger) *PurgeService {
	return &PurgeService{
		client: engine.Client(),
		logger: logger,
	}
}

// PurgeOptions selects what to remove.
type PurgeOptions struct {
	// CurrentVersion also removes artifacts created by this tool version;
	// otherwise only older versions are purged.
	CurrentVersion bool
	// Runners also removes final runner images, not just the intermediate
	// root/build/compiler ones.
	Runners bool
}

// PurgeResult reports what was removed.
type PurgeResult struct {
	ContainersRemoved int
	VolumesRemoved    int
	ImagesRemoved     int
}

// Purge removes labelled containers, then volumes, then images, in that
// order so nothing is still referenced when its turn comes.
func (s *PurgeService) Purge(ctx context.Context, opts PurgeOptions) (*PurgeResult, error) {
	result := &PurgeResult{}
	labelFilter := filters.NewArgs(filters.Arg("label", LabelVersion))

	containers, err := s.client.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: labelFilter,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}
	for _, c := range containers {
		if !s.selected(c.Labels, opts) {
			continue
		}
		if err := s.client.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil {
			s.logger.Warn("Failed to remove container", zap.String("container_id", c.ID), zap.Error(err))
			continue
		}
		result.ContainersRemoved++
	}

	volumes, err := s.client.VolumeList(ctx, volume.ListOptions{Filters: labelFilter})
	if err != nil {
		return nil, fmt.Errorf("failed to list volumes: %w", err)
	}
	for _, v := range volumes.Volumes {
		if !s.selected(v.Labels, opts) {
			continue
		}
		if err := s.client.VolumeRemove(ctx, v.Name, false); err != nil {
			s.logger.Warn("Failed to remove volume", zap.String("volume", v.Name), zap.Error(err))
			continue
		}
		result.VolumesRemoved++
	}

	images, err := s.client.ImageList(ctx, image.ListOptions{
		All:     true,
		Filters: labelFilter,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list images: %w", err)
	}
	for _, img := range images {
		if !s.selected(img.Labels, opts) {
			continue
		}
		if img.Labels[LabelRole] == RoleRunner && !opts.Runners {
			continue
		}
		ref := img.ID
		if len(img.RepoTags) > 0 {
			ref = img.RepoTags[0]
		}
		if _, err := s.client.ImageRemove(ctx, ref, image.RemoveOptions{
			Force:         true,
			PruneChildren: true,
		}); err != nil {
			s.logger.Warn("Failed to remove image", zap.String("image", ref), zap.Error(err))
			continue
		}
		result.ImagesRemoved++
	}

	s.logger.Info("Purge completed",
		zap.Int("containers_removed", result.ContainersRemoved),
		zap.Int("volumes_removed", result.VolumesRemoved),
		zap.Int("images_removed", result.ImagesRemoved),
	)
	return result, nil
}

// selected applies the version filter: old versions always qualify, the
// current version only when explicitly requested.
func (s *PurgeService) selected(labels map[string]string, opts PurgeOptions) bool {
	version, ok := labels[LabelVersion]
	if !ok {
		return false
	}
	if strings.TrimSpace(version) == Version {
		return opts.CurrentVersion
	}
	return true
}
