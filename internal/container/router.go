package container

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"repair-bench/internal/benchmark"
	"repair-bench/internal/execution"
	"repair-bench/internal/logging"
	"repair-bench/internal/resources"
	"repair-bench/internal/task"
	"repair-bench/internal/tool"
)

// ErrNoRuntime is returned for container runs when no container runtime was
// configured for the invocation.
var ErrNoRuntime = errors.New("container runtime not configured")

// Runtime is the container side of one Docker host.
type Runtime struct {
	Images    execution.ImagePreparer
	Container execution.RunExecutor
	close     func()
}

// NewRuntime builds the image builder and executor of one Docker client.
// Closing the runtime closes the client.
func NewRuntime(c *Client, maxBuilds int, rdt resources.RDTClasses) *Runtime {
	return &Runtime{
		Images:    NewImageBuilder(c, maxBuilds),
		Container: NewExecutor(c, rdt),
		close:     func() { c.Close() },
	}
}

// Runtimes hands out one Runtime per Docker host and opens it on first use.
// The empty host is the environment's default daemon.
type Runtimes struct {
	open func(host string) (*Runtime, error)

	mu     sync.Mutex
	byHost map[string]*Runtime
}

func NewRuntimes(open func(host string) (*Runtime, error)) *Runtimes {
	return &Runtimes{open: open, byHost: make(map[string]*Runtime)}
}

// Add registers an already opened runtime for host.
func (r *Runtimes) Add(host string, rt *Runtime) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byHost[host] = rt
}

// Get returns the runtime of host. Failed opens are retried on the next call.
func (r *Runtimes) Get(host string) (*Runtime, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rt, ok := r.byHost[host]; ok {
		return rt, nil
	}
	if r.open == nil {
		return nil, ErrNoRuntime
	}
	rt, err := r.open(host)
	if err != nil {
		return nil, fmt.Errorf("docker host %q: %w", host, err)
	}
	r.byHost[host] = rt
	logging.GetLogger().WithField("docker_host", host).Debug("Opened container runtime")
	return rt, nil
}

// Close closes every runtime handed out so far.
func (r *Runtimes) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for host, rt := range r.byHost {
		if rt.close != nil {
			rt.close()
		}
		delete(r.byHost, host)
	}
}

// Router sends every task either to the container runtime of its Docker host
// or to the host itself, following the task's use-container setting.
// Runtimes may be nil when no task uses containers.
type Router struct {
	Runtimes *Runtimes
	Local    execution.RunExecutor
}

func (r *Router) runtime(ec execution.ExecutionContext) (*Runtime, error) {
	if r.Runtimes == nil {
		return nil, ErrNoRuntime
	}
	return r.Runtimes.Get(ec.DockerHost)
}

func (r *Router) PrepareExperiment(ctx context.Context, ec execution.ExecutionContext, bench benchmark.Benchmark, item benchmark.ExperimentItem, cpuset string) (string, error) {
	if ec.UseContainer {
		rt, err := r.runtime(ec)
		if err != nil {
			return "", err
		}
		return rt.Images.PrepareExperiment(ctx, ec, bench, item, cpuset)
	}
	bugDir := bench.BugDir(item)
	info, err := os.Stat(bugDir)
	if err != nil {
		return "", fmt.Errorf("bug directory %s: %w", bugDir, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("bug directory %s is not a directory", bugDir)
	}
	return task.BugImageIdentifier(bench, item), nil
}

func (r *Router) PrepareTool(ctx context.Context, ec execution.ExecutionContext, experimentImage string, t tool.Tool, imageName string) error {
	if !ec.UseContainer {
		return nil
	}
	rt, err := r.runtime(ec)
	if err != nil {
		return err
	}
	return rt.Images.PrepareTool(ctx, ec, experimentImage, t, imageName)
}

func (r *Router) Run(ctx context.Context, req execution.RunRequest) (execution.RunResult, error) {
	if !req.Context.UseContainer {
		return r.Local.Run(ctx, req)
	}
	rt, err := r.runtime(req.Context)
	if err != nil {
		return execution.RunResult{ExitCode: -1}, err
	}
	return rt.Container.Run(ctx, req)
}
