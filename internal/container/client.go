package container

import (
	"context"
	"fmt"
	"io"

	"repair-bench/internal/logging"

	"github.com/docker/docker/api/types"
	containertypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

// Label marks every image and container created by repair-bench.
const Label = "repair-bench"

// DigestLabel carries the digest of the inputs an image was built from.
const DigestLabel = "repair-bench.digest"

// dockerAPI is the part of the Docker client repair-bench uses.
type dockerAPI interface {
	ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error)
	ImagePull(ctx context.Context, ref string, options types.ImagePullOptions) (io.ReadCloser, error)
	ImageBuild(ctx context.Context, buildContext io.Reader, options types.ImageBuildOptions) (types.ImageBuildResponse, error)
	ImageList(ctx context.Context, options types.ImageListOptions) ([]image.Summary, error)
	ImageRemove(ctx context.Context, imageID string, options types.ImageRemoveOptions) ([]image.DeleteResponse, error)

	ContainerCreate(ctx context.Context, config *containertypes.Config, hostConfig *containertypes.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (containertypes.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options containertypes.StartOptions) error
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerWait(ctx context.Context, containerID string, condition containertypes.WaitCondition) (<-chan containertypes.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options containertypes.LogsOptions) (io.ReadCloser, error)
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerRemove(ctx context.Context, containerID string, options containertypes.RemoveOptions) error
	ContainerList(ctx context.Context, options containertypes.ListOptions) ([]types.Container, error)

	Close() error
}

// Client is the Docker connection shared by the image builder, the executor
// and the cleaner.
type Client struct {
	api dockerAPI
}

// NewClient connects to host, or to the daemon the environment names when
// host is empty.
func NewClient(host string) (*Client, error) {
	logger := logging.GetLogger()

	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		logger.WithField("docker_host", host).WithError(err).Error("Failed to create Docker client")
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Client{api: cli}, nil
}

func (c *Client) Close() error {
	return c.api.Close()
}

func (c *Client) imageExists(ctx context.Context, ref string) (types.ImageInspect, bool, error) {
	info, _, err := c.api.ImageInspectWithRaw(ctx, ref)
	if err == nil {
		return info, true, nil
	}
	if client.IsErrNotFound(err) {
		return info, false, nil
	}
	return info, false, err
}

// EnsureImage makes ref available locally, pulling it when missing.
func (c *Client) EnsureImage(ctx context.Context, ref string) error {
	logger := logging.GetLogger()

	_, ok, err := c.imageExists(ctx, ref)
	if err != nil {
		return fmt.Errorf("failed to inspect image %s: %w", ref, err)
	}
	if ok {
		logger.WithField("image", ref).Debug("Image present")
		return nil
	}

	logger.WithField("image", ref).Info("Pulling image")
	resp, err := c.api.ImagePull(ctx, ref, types.ImagePullOptions{})
	if err != nil {
		logger.WithField("image", ref).WithError(err).Error("Failed to pull image")
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer resp.Close()

	if _, err := io.Copy(io.Discard, resp); err != nil {
		logger.WithField("image", ref).WithError(err).Error("Failed to complete image pull")
		return fmt.Errorf("failed to complete image pull for %s: %w", ref, err)
	}
	logger.WithField("image", ref).Info("Image pulled successfully")
	return nil
}

func labelFilter() filters.Args {
	return filters.NewArgs(filters.Arg("label", Label+"=1"))
}
