package container

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"repair-bench/internal/execution"
	"repair-bench/internal/logging"
	"repair-bench/internal/resources"

	"github.com/dchest/uniuri"
	containertypes "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"github.com/docker/go-units"
	"github.com/phayes/freeport"
	"github.com/sirupsen/logrus"
)

// ErrExitCode is returned for runs whose tool exited non-zero.
var ErrExitCode = errors.New("tool exited with non-zero status")

// OutputMount is where a run's artifact directory appears in its container.
const OutputMount = "/output"

type envProvider interface {
	Environment() map[string]string
}

// Executor runs each task run in its own container.
type Executor struct {
	client   *Client
	rdt      resources.RDTClasses
	openPerf func(cgroup string, cpus []int) (counterGroup, error)
}

// NewExecutor returns an executor on c. rdt may be nil when no container
// profile names an RDT class.
func NewExecutor(c *Client, rdt resources.RDTClasses) *Executor {
	return &Executor{client: c, rdt: rdt, openPerf: newPerfCounters}
}

func (e *Executor) Run(ctx context.Context, req execution.RunRequest) (execution.RunResult, error) {
	logger := logging.ForRun(req.Identifier)
	ec := req.Context
	result := execution.RunResult{ExitCode: -1}

	outDir, err := prepareRunDirs(ec.OutputDir, req.Identifier)
	if err != nil {
		return result, err
	}

	cfg, hostCfg, err := containerSpec(req, outDir)
	if err != nil {
		logger.WithError(err).Error("Invalid container profile")
		return result, err
	}

	name := containerName(req.Identifier)
	created, err := e.client.api.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		logger.WithField("container_name", name).WithError(err).Error("Failed to create container")
		return result, fmt.Errorf("failed to create container %s: %w", name, err)
	}
	id := created.ID
	cleanupCtx := context.WithoutCancel(ctx)
	if !ec.KeepContainers {
		defer e.remove(cleanupCtx, id)
	}

	statusCh, errCh := e.client.api.ContainerWait(ctx, id, containertypes.WaitConditionNextExit)
	if err := e.client.api.ContainerStart(ctx, id, containertypes.StartOptions{}); err != nil {
		logger.WithField("container_id", shortID(id)).WithError(err).Error("Failed to start container")
		return result, fmt.Errorf("failed to start container %s: %w", name, err)
	}

	info, err := e.client.api.ContainerInspect(ctx, id)
	if err != nil {
		e.kill(cleanupCtx, id)
		return result, fmt.Errorf("failed to inspect container %s: %w", name, err)
	}
	pid := 0
	if info.ContainerJSONBase != nil && info.State != nil {
		pid = info.State.Pid
	}
	logger.WithFields(logrus.Fields{
		"container_id": shortID(id),
		"pid":          pid,
		"image":        req.ImageName,
		"cpuset":       req.CPUSet,
	}).Info("Container started")

	cp := req.ContainerProfile
	if cp != nil && cp.RDTClass != "" {
		if e.rdt == nil {
			e.kill(cleanupCtx, id)
			return result, fmt.Errorf("rdt class %s requested but rdt is not enabled", cp.RDTClass)
		}
		if err := e.rdt.Assign(pid, cp.RDTClass); err != nil {
			e.kill(cleanupCtx, id)
			return result, fmt.Errorf("failed to assign rdt class %s: %w", cp.RDTClass, err)
		}
	}

	var counters counterGroup
	if cp != nil && cp.Perf && e.openPerf != nil {
		counters, err = e.openPerf(cgroupPath(id), resources.CPUList(cp, ec.CPUs))
		if err != nil {
			logger.WithError(err).Warn("Perf counters unavailable, continuing without them")
			counters = nil
		} else {
			defer counters.Close()
		}
	}

	var waitErr error
	select {
	case status := <-statusCh:
		result.ExitCode = int(status.StatusCode)
		if status.Error != nil && status.Error.Message != "" {
			waitErr = errors.New(status.Error.Message)
		}
	case err := <-errCh:
		waitErr = err
	case <-ctx.Done():
	}

	if counters != nil {
		result.Counters = counters.Read()
	}
	if ctx.Err() != nil {
		e.kill(cleanupCtx, id)
		e.writeLogs(cleanupCtx, id, ec.OutputDir, req.Identifier)
		return result, context.Cause(ctx)
	}
	e.writeLogs(cleanupCtx, id, ec.OutputDir, req.Identifier)

	if waitErr != nil {
		logger.WithError(waitErr).Error("Failed to wait for container")
		return result, fmt.Errorf("failed to wait for container %s: %w", name, waitErr)
	}
	if result.ExitCode != 0 {
		return result, fmt.Errorf("%w: %d", ErrExitCode, result.ExitCode)
	}
	return result, nil
}

func (e *Executor) kill(ctx context.Context, id string) {
	if err := e.client.api.ContainerKill(ctx, id, "SIGKILL"); err != nil {
		logging.GetLogger().WithField("container_id", shortID(id)).WithError(err).Debug("Failed to kill container")
	}
}

func (e *Executor) remove(ctx context.Context, id string) {
	logger := logging.GetLogger()
	err := e.client.api.ContainerRemove(ctx, id, containertypes.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil {
		logger.WithField("container_id", shortID(id)).WithError(err).Warn("Failed to force remove container")
		return
	}
	logger.WithField("container_id", shortID(id)).Debug("Container force removed")
}

func (e *Executor) writeLogs(ctx context.Context, id, outputDir, identifier string) {
	logger := logging.GetLogger().WithField("container_id", shortID(id))

	rc, err := e.client.api.ContainerLogs(ctx, id, containertypes.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		logger.WithError(err).Warn("Failed to fetch container logs")
		return
	}
	defer rc.Close()

	f, err := os.Create(LogPath(outputDir, identifier))
	if err != nil {
		logger.WithError(err).Warn("Failed to create run log")
		return
	}
	defer f.Close()

	if _, err := stdcopy.StdCopy(f, f, rc); err != nil {
		logger.WithError(err).Warn("Failed to copy container logs")
	}
}

// LogPath is the file a run's tool output is written to.
func LogPath(outputDir, identifier string) string {
	return filepath.Join(outputDir, "logs", identifier+".log")
}

// ArtifactDir is the directory a run's tool writes its results to.
func ArtifactDir(outputDir, identifier string) string {
	return filepath.Join(outputDir, "artifacts", identifier)
}

func prepareRunDirs(outputDir, identifier string) (string, error) {
	if err := os.MkdirAll(filepath.Join(outputDir, "logs"), 0o755); err != nil {
		return "", fmt.Errorf("failed to create log directory: %w", err)
	}
	dir, err := filepath.Abs(ArtifactDir(outputDir, identifier))
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create artifact directory: %w", err)
	}
	return dir, nil
}

// containerName derives a Docker container name ([a-zA-Z0-9][a-zA-Z0-9_.-]*)
// from a run identifier. Other characters become '-'.
func containerName(identifier string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '.', r == '-':
			return r
		default:
			return '-'
		}
	}, strings.ToLower(identifier))
	if name == "" || !isAlnum(name[0]) {
		name = "rb-" + name
	}
	return name + "-" + strings.ToLower(uniuri.NewLen(8))
}

func isAlnum(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9')
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}

// runEnv is the environment every run sees: the tool's own variables, then
// the run description.
func runEnv(req execution.RunRequest) []string {
	ec := req.Context
	env := make(map[string]string)
	if p, ok := req.Tool.(envProvider); ok {
		for k, v := range p.Environment() {
			env[k] = v
		}
	}
	env["RB_TASK_TYPE"] = string(ec.TaskType)
	env["RB_IDENTIFIER"] = req.Identifier
	env["RB_BENCHMARK"] = req.Benchmark.Name()
	env["RB_SUBJECT"] = req.Item.Subject
	env["RB_BUG_ID"] = req.Item.BugID
	env["RB_RUN_INDEX"] = strconv.Itoa(req.RunIndex)
	env["RB_OUTPUT"] = OutputMount
	env["RB_TOOL_PARAMS"] = ec.ToolParams
	env["RB_TOOL_TAG"] = ec.ToolTag
	env["RB_DUMP_PATCHES"] = strconv.FormatBool(ec.DumpPatches)
	env["RB_COMPACT_RESULTS"] = strconv.FormatBool(ec.CompactResults)
	env["RB_ONLY_INSTRUMENT"] = strconv.FormatBool(ec.OnlyInstrument)
	env["RB_ONLY_TEST"] = strconv.FormatBool(ec.OnlyTest)
	env["RB_DEBUG"] = strconv.FormatBool(ec.Debug)

	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	slices.Sort(out)
	return out
}

func containerSpec(req execution.RunRequest, outDir string) (*containertypes.Config, *containertypes.HostConfig, error) {
	ec := req.Context
	cp := req.ContainerProfile

	cfg := &containertypes.Config{
		Image:  req.ImageName,
		Cmd:    req.Tool.Command(ec.ToolParams),
		Env:    runEnv(req),
		Labels: map[string]string{Label: "1", Label + ".identifier": req.Identifier},
	}
	hostCfg := &containertypes.HostConfig{
		Binds: []string{outDir + ":" + OutputMount},
	}
	hostCfg.CpusetCpus = req.CPUSet

	network := false
	if cp != nil {
		network = cp.EnableNetwork
		if cp.MemLimit != "" {
			mem, err := units.RAMInBytes(cp.MemLimit)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid mem-limit %q: %w", cp.MemLimit, err)
			}
			hostCfg.Memory = mem
		}
		if len(cp.Ports) > 0 {
			exposed, bindings, err := publishPorts(cp.Ports)
			if err != nil {
				return nil, nil, err
			}
			cfg.ExposedPorts = exposed
			hostCfg.PortBindings = bindings
			network = true
		}
	}
	if !network {
		cfg.NetworkDisabled = true
		hostCfg.NetworkMode = "none"
	}

	if ec.UseGPU {
		hostCfg.DeviceRequests = []containertypes.DeviceRequest{{
			Driver:       "nvidia",
			Count:        -1,
			Capabilities: [][]string{{"gpu"}},
		}}
	}
	return cfg, hostCfg, nil
}

// publishPorts binds every container port to a free host port.
func publishPorts(ports []string) (nat.PortSet, nat.PortMap, error) {
	exposed := make(nat.PortSet)
	bindings := make(nat.PortMap)
	for _, p := range ports {
		proto, port := nat.SplitProtoPort(p)
		natPort, err := nat.NewPort(proto, port)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid port %q: %w", p, err)
		}
		hostPort, err := freeport.GetFreePort()
		if err != nil {
			return nil, nil, fmt.Errorf("no free host port for %s: %w", p, err)
		}
		exposed[natPort] = struct{}{}
		bindings[natPort] = []nat.PortBinding{{HostPort: strconv.Itoa(hostPort)}}
	}
	return exposed, bindings, nil
}
