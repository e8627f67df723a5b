package container

import (
	"context"
	"fmt"

	"repair-bench/internal/logging"

	"github.com/docker/docker/api/types"
	containertypes "github.com/docker/docker/api/types/container"
)

// Leftovers are the containers and images carrying the repair-bench label.
type Leftovers struct {
	Containers []string
	Images     []string
}

func (l Leftovers) Empty() bool {
	return len(l.Containers) == 0 && len(l.Images) == 0
}

// Cleaner finds and removes everything repair-bench created.
type Cleaner struct {
	client *Client
}

func NewCleaner(c *Client) *Cleaner {
	return &Cleaner{client: c}
}

func (c *Cleaner) List(ctx context.Context) (Leftovers, error) {
	var out Leftovers

	containers, err := c.client.api.ContainerList(ctx, containertypes.ListOptions{All: true, Filters: labelFilter()})
	if err != nil {
		return out, fmt.Errorf("failed to list containers: %w", err)
	}
	for _, ctr := range containers {
		out.Containers = append(out.Containers, ctr.ID)
	}

	images, err := c.client.api.ImageList(ctx, types.ImageListOptions{Filters: labelFilter()})
	if err != nil {
		return out, fmt.Errorf("failed to list images: %w", err)
	}
	for _, img := range images {
		out.Images = append(out.Images, img.ID)
	}
	return out, nil
}

// Remove removes containers before images. It keeps going after a failure
// and returns the number of failures.
func (c *Cleaner) Remove(ctx context.Context, l Leftovers) int {
	logger := logging.GetLogger()
	failed := 0

	for _, id := range l.Containers {
		err := c.client.api.ContainerRemove(ctx, id, containertypes.RemoveOptions{Force: true, RemoveVolumes: true})
		if err != nil {
			logger.WithField("container_id", shortID(id)).WithError(err).Warn("Failed to remove container")
			failed++
			continue
		}
		logger.WithField("container_id", shortID(id)).Info("Container removed")
	}
	for _, id := range l.Images {
		if _, err := c.client.api.ImageRemove(ctx, id, types.ImageRemoveOptions{Force: true, PruneChildren: true}); err != nil {
			logger.WithField("image_id", shortID(id)).WithError(err).Warn("Failed to remove image")
			failed++
			continue
		}
		logger.WithField("image_id", shortID(id)).Info("Image removed")
	}
	return failed
}
