package cmd

import (
	"context"
	"fmt"
	"slices"

	"repair-bench/internal/benchmark"
	"repair-bench/internal/config"
	"repair-bench/internal/profile"
	"repair-bench/internal/task"
	"repair-bench/internal/tool"
)

// entryRequest is one task entry, resolved and ready to enumerate.
type entryRequest struct {
	settings config.Settings
	req      task.EnumerateRequest
}

func (e entryRequest) open() (*task.Stream, error) {
	if e.settings.TaskType == config.TaskPrepare {
		return task.EnumerateExperiments(e.req)
	}
	return task.Enumerate(e.req)
}

// taskSource loads the benchmarks, tools and profiles the entries of one
// experiment refer to. Profile files are shared by every entry.
type taskSource struct {
	registry          *tool.Registry
	taskProfiles      map[string]*profile.TaskProfile
	containerProfiles map[string]*profile.ContainerProfile
	benchmarks        map[string]*benchmark.Catalog
}

func newTaskSource(general config.Settings, checker tool.ImageChecker) (*taskSource, error) {
	registry, err := tool.LoadRegistry(general.ToolsFile, checker)
	if err != nil {
		return nil, &config.ConfigError{Kind: "tools file", Err: err}
	}
	taskProfiles, err := profile.LoadTaskProfiles(general.TaskProfilesFile)
	if err != nil {
		return nil, &config.ConfigError{Kind: "task profiles file", Err: err}
	}
	containerProfiles, err := profile.LoadContainerProfiles(general.ContainerProfilesFile)
	if err != nil {
		return nil, &config.ConfigError{Kind: "container profiles file", Err: err}
	}
	return &taskSource{
		registry:          registry,
		taskProfiles:      taskProfiles,
		containerProfiles: containerProfiles,
		benchmarks:        make(map[string]*benchmark.Catalog),
	}, nil
}

func (src *taskSource) benchmark(dir, name string) (*benchmark.Catalog, error) {
	if c, ok := src.benchmarks[name]; ok {
		return c, nil
	}
	c, err := benchmark.Load(dir, name)
	if err != nil {
		return nil, &config.ConfigError{Kind: "benchmark", ID: name, Err: err}
	}
	src.benchmarks[name] = c
	return c, nil
}

// request resolves one entry. Tool images are checked unless checkImages is
// false or the entry only analyses.
func (src *taskSource) request(ctx context.Context, general config.Settings, entry config.TaskEntry, checkImages bool) (entryRequest, error) {
	s, tc := entry.Resolve(general)
	bench, err := src.benchmark(s.BenchmarksDir, s.Benchmark)
	if err != nil {
		return entryRequest{}, err
	}

	onlyAnalyse := !checkImages || (tc.OnlyAnalyse != nil && *tc.OnlyAnalyse)
	tools, err := src.registry.Load(ctx, s.Tools, s.TaskType, onlyAnalyse)
	if err != nil {
		return entryRequest{}, err
	}

	return entryRequest{
		settings: s,
		req: task.EnumerateRequest{
			Tools:               tools,
			Benchmark:           bench,
			TaskProfiles:        src.taskProfiles,
			ContainerProfiles:   src.containerProfiles,
			TaskProfileIDs:      s.TaskProfileIDs,
			ContainerProfileIDs: s.ContainerProfileIDs,
			Filter:              task.FilterFromSettings(s.Filter),
			Config:              tc,
			ToolParams:          s.ToolParams,
			ToolTag:             s.ToolTag,
		},
	}, nil
}

// requests resolves every entry of exp in order.
func (src *taskSource) requests(ctx context.Context, exp *config.ExperimentFile, checkImages bool) ([]entryRequest, error) {
	var out []entryRequest
	for i, entry := range exp.Entries() {
		r, err := src.request(ctx, exp.General, entry, checkImages)
		if err != nil {
			if len(exp.Tasks) > 0 {
				return nil, fmt.Errorf("task %d: %w", i, err)
			}
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// planRuns expands every entry into its runs without consuming the streams
// the entries are executed with.
func planRuns(entries []entryRequest, defaultRuns int) ([]task.PlannedRun, error) {
	var plan []task.PlannedRun
	for _, e := range entries {
		stream, err := e.open()
		if err != nil {
			return nil, err
		}
		plan = append(plan, task.Plan(stream, defaultRuns)...)
	}
	return plan, nil
}

// toolNames lists the tools of all entries in first-use order.
func toolNames(entries []entryRequest) []string {
	var names []string
	for _, e := range entries {
		for _, t := range e.req.Tools {
			if !slices.Contains(names, t.Name()) {
				names = append(names, t.Name())
			}
		}
	}
	return names
}

// usesContainers reports whether any entry runs in containers.
func usesContainers(exp *config.ExperimentFile) bool {
	if exp.General.UseContainer {
		return true
	}
	for _, e := range exp.Tasks {
		if e.Overrides.UseContainer != nil && *e.Overrides.UseContainer {
			return true
		}
	}
	return false
}

// needsRDT reports whether any container profile an entry selects names an
// RDT class.
func needsRDT(entries []entryRequest) bool {
	for _, e := range entries {
		for _, id := range e.req.ContainerProfileIDs {
			if cp, ok := e.req.ContainerProfiles[id]; ok && cp.RDTClass != "" {
				return true
			}
		}
	}
	return false
}
