package container

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"repair-bench/internal/benchmark"
	"repair-bench/internal/execution"
	"repair-bench/internal/logging"
	"repair-bench/internal/task"
	"repair-bench/internal/tool"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/opencontainers/go-digest"
	"github.com/otiai10/copy"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
)

var ErrBuildFailed = errors.New("image build failed")

// Tool images copy /tool out of the tool's own image unless the tool brings
// its own build steps.
const defaultToolSteps = "COPY --from=tool /tool /tool"

type buildStepper interface {
	BuildSteps() string
}

type benchmarkRoot interface {
	Dir() string
}

// ImageBuilder builds experiment and tool images. Builds of the same image
// are serialized and at most maxBuilds run at once.
type ImageBuilder struct {
	client *Client
	sem    *semaphore.Weighted
	locks  sync.Map // image name -> *sync.Mutex
}

func NewImageBuilder(c *Client, maxBuilds int) *ImageBuilder {
	return &ImageBuilder{client: c, sem: semaphore.NewWeighted(int64(max(1, maxBuilds)))}
}

func (b *ImageBuilder) lock(name string) func() {
	l, _ := b.locks.LoadOrStore(name, &sync.Mutex{})
	mu := l.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// PrepareExperiment builds the image of one bug from its directory. A
// Dockerfile in the bug directory wins over one at the benchmark root.
func (b *ImageBuilder) PrepareExperiment(ctx context.Context, ec execution.ExecutionContext, bench benchmark.Benchmark, item benchmark.ExperimentItem, cpuset string) (string, error) {
	logger := logging.GetLogger()
	name := task.BugImageIdentifier(bench, item)
	defer b.lock(name)()

	bugDir := bench.BugDir(item)
	dockerfile, err := experimentDockerfile(bench, bugDir)
	if err != nil {
		logger.WithField("bug_dir", bugDir).WithError(err).Error("No Dockerfile for experiment")
		return "", err
	}
	sum := digest.FromString(strings.Join([]string{string(dockerfile), bench.Name(), item.Subject, item.BugID}, "\n"))

	if !ec.RebuildAll && !ec.RebuildBase {
		reuse, err := b.upToDate(ctx, name, sum)
		if err != nil {
			return "", err
		}
		if reuse {
			logger.WithField("image", name).Info("Experiment image up to date, reusing image")
			return name, nil
		}
	}

	buildDir, err := os.MkdirTemp("", "repair-bench-build-")
	if err != nil {
		return "", fmt.Errorf("failed to create build context: %w", err)
	}
	defer os.RemoveAll(buildDir)

	if err := copy.Copy(bugDir, buildDir, copy.Options{
		Skip: func(_ os.FileInfo, src, _ string) (bool, error) {
			return filepath.Base(src) == ".git", nil
		},
	}); err != nil {
		logger.WithField("bug_dir", bugDir).WithError(err).Error("Failed to stage build context")
		return "", fmt.Errorf("failed to stage %s: %w", bugDir, err)
	}
	if err := os.WriteFile(filepath.Join(buildDir, "Dockerfile"), dockerfile, 0o644); err != nil {
		return "", fmt.Errorf("failed to write Dockerfile: %w", err)
	}

	args := map[string]*string{
		"BENCHMARK": ptr(bench.Name()),
		"SUBJECT":   ptr(item.Subject),
		"BUG_ID":    ptr(item.BugID),
	}
	if err := b.build(ctx, buildDir, name, sum, cpuset, args, ec.UseCache); err != nil {
		return "", err
	}
	return name, nil
}

// PrepareTool builds imageName from the experiment image and the tool's
// image.
func (b *ImageBuilder) PrepareTool(ctx context.Context, ec execution.ExecutionContext, experimentImage string, t tool.Tool, imageName string) error {
	logger := logging.GetLogger()
	defer b.lock(imageName)()

	steps := defaultToolSteps
	if s, ok := t.(buildStepper); ok && strings.TrimSpace(s.BuildSteps()) != "" {
		steps = s.BuildSteps()
	}
	dockerfile := toolDockerfile(t.Image(), experimentImage, steps)

	base, ok, err := b.client.imageExists(ctx, experimentImage)
	if err != nil {
		return fmt.Errorf("failed to inspect image %s: %w", experimentImage, err)
	}
	if !ok {
		return fmt.Errorf("experiment image %s missing", experimentImage)
	}
	sum := digest.FromString(dockerfile + "\n" + base.ID)

	if !ec.RebuildAll {
		reuse, err := b.upToDate(ctx, imageName, sum)
		if err != nil {
			return err
		}
		if reuse {
			logger.WithField("image", imageName).Info("Tool image up to date, reusing image")
			return nil
		}
	}

	buildDir, err := os.MkdirTemp("", "repair-bench-tool-")
	if err != nil {
		return fmt.Errorf("failed to create build context: %w", err)
	}
	defer os.RemoveAll(buildDir)
	if err := os.WriteFile(filepath.Join(buildDir, "Dockerfile"), []byte(dockerfile), 0o644); err != nil {
		return fmt.Errorf("failed to write Dockerfile: %w", err)
	}
	return b.build(ctx, buildDir, imageName, sum, "", nil, ec.UseCache)
}

func (b *ImageBuilder) upToDate(ctx context.Context, name string, sum digest.Digest) (bool, error) {
	info, ok, err := b.client.imageExists(ctx, name)
	if err != nil {
		return false, fmt.Errorf("failed to inspect image %s: %w", name, err)
	}
	if !ok || info.Config == nil {
		return false, nil
	}
	return info.Config.Labels[DigestLabel] == sum.String(), nil
}

func (b *ImageBuilder) build(ctx context.Context, dir, name string, sum digest.Digest, cpuset string, args map[string]*string, useCache bool) error {
	logger := logging.GetLogger().WithFields(logrus.Fields{
		"image":  name,
		"cpuset": cpuset,
	})

	if err := b.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer b.sem.Release(1)

	buildCtx, err := archive.TarWithOptions(dir, &archive.TarOptions{})
	if err != nil {
		return fmt.Errorf("failed to create build context for %s: %w", name, err)
	}
	defer buildCtx.Close()

	logger.Info("Building image")
	resp, err := b.client.api.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:        []string{name},
		BuildArgs:   args,
		CPUSetCPUs:  cpuset,
		NoCache:     !useCache,
		Remove:      true,
		ForceRemove: true,
		Labels: map[string]string{
			Label:       "1",
			DigestLabel: sum.String(),
		},
	})
	if err != nil {
		logger.WithError(err).Error("Failed to build image")
		return fmt.Errorf("%w: %s: %v", ErrBuildFailed, name, err)
	}
	defer resp.Body.Close()

	if err := readBuildOutput(resp.Body); err != nil {
		logger.WithError(err).Error("Image build reported an error")
		return fmt.Errorf("%w: %s: %v", ErrBuildFailed, name, err)
	}
	logger.Info("Image built")
	return nil
}

// readBuildOutput drains a build response stream and returns the first error
// message it carries.
func readBuildOutput(r io.Reader) error {
	logger := logging.GetLogger()
	dec := json.NewDecoder(r)
	for {
		var msg jsonmessage.JSONMessage
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to read build output: %w", err)
		}
		if msg.Error != nil {
			return msg.Error
		}
		if msg.ErrorMessage != "" {
			return errors.New(msg.ErrorMessage)
		}
		if line := strings.TrimSpace(msg.Stream); line != "" {
			logger.Trace(line)
		}
	}
}

func experimentDockerfile(bench benchmark.Benchmark, bugDir string) ([]byte, error) {
	candidates := []string{filepath.Join(bugDir, "Dockerfile")}
	if root, ok := bench.(benchmarkRoot); ok && root.Dir() != "" {
		candidates = append(candidates, filepath.Join(root.Dir(), "Dockerfile"))
	}
	for _, c := range candidates {
		data, err := os.ReadFile(c)
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: no Dockerfile in %s", ErrBuildFailed, strings.Join(candidates, " or "))
}

func toolDockerfile(toolImage, experimentImage, steps string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "FROM %s AS tool\n", toolImage)
	fmt.Fprintf(&sb, "FROM %s\n", experimentImage)
	sb.WriteString(strings.TrimSpace(steps))
	sb.WriteString("\n")
	return sb.String()
}

func ptr[T any](v T) *T { return &v }
