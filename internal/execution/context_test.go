package execution

import (
	"testing"
	"time"

	"repair-bench/internal/benchmark"
	"repair-bench/internal/config"
	"repair-bench/internal/profile"
	"repair-bench/internal/task"
)

func oneBugCatalog(t *testing.T) *benchmark.Catalog {
	t.Helper()
	bench, err := benchmark.NewCatalog("Bench", "", []benchmark.ExperimentItem{{Subject: "s", BugID: "1"}})
	if err != nil {
		t.Fatalf("NewCatalog: %v", err)
	}
	return bench
}

func TestMerge_OverridesOnlySetFields(t *testing.T) {
	base := config.DefaultSettings()
	base.DockerHost = "unix:///var/run/docker.sock"
	base.UseCache = true
	base.Timeout = time.Hour

	yes, cpus := true, 8
	tc := config.TaskConfig{TaskType: config.TaskAnalyze, OnlyInstrument: &yes, CPUs: &cpus}

	bench := oneBugCatalog(t)
	d := task.TaskData{
		Benchmark:        bench,
		Item:             bench.Experiments()[0],
		TaskProfile:      &profile.TaskProfile{ID: "tp", ToolTag: "tag", ToolParams: "-p", Timeout: 5 * time.Minute},
		ContainerProfile: &profile.ContainerProfile{ID: "cp"},
	}

	ec := Merge(base, tc, d)
	if ec.TaskType != config.TaskAnalyze {
		t.Errorf("task type: got %s", ec.TaskType)
	}
	if !ec.OnlyInstrument || ec.OnlySetup {
		t.Errorf("only-instrument and only-setup must be independent: instrument=%v setup=%v", ec.OnlyInstrument, ec.OnlySetup)
	}
	if ec.CPUs != 8 || ec.Runs != base.Runs {
		t.Errorf("cpus/runs: got %d/%d", ec.CPUs, ec.Runs)
	}
	if ec.DockerHost != "unix:///var/run/docker.sock" || !ec.UseCache {
		t.Errorf("base settings lost: host=%q cache=%v", ec.DockerHost, ec.UseCache)
	}
	if ec.Timeout != 5*time.Minute {
		t.Errorf("profile timeout not applied: %s", ec.Timeout)
	}
	if ec.TaskProfileID != "tp" || ec.ContainerProfileID != "cp" {
		t.Errorf("profile ids: got %q/%q", ec.TaskProfileID, ec.ContainerProfileID)
	}
	if ec.ToolTag != "tag" || ec.ToolParams != "-p" {
		t.Errorf("tool tag/params: got %q/%q", ec.ToolTag, ec.ToolParams)
	}
	if ec.JobIdentifier != "bench-s-1" {
		t.Errorf("job identifier: got %q", ec.JobIdentifier)
	}
}

func TestMerge_TaskDockerHost(t *testing.T) {
	base := config.DefaultSettings()
	base.DockerHost = "unix:///var/run/docker.sock"
	host := "tcp://builder:2375"
	bench := oneBugCatalog(t)

	ec := Merge(base, config.TaskConfig{DockerHost: &host}, task.TaskData{Benchmark: bench, Item: bench.Experiments()[0]})
	if ec.DockerHost != host {
		t.Fatalf("expected task docker host %q, got %q", host, ec.DockerHost)
	}
}

func TestMerge_NoJobIdentifierWithoutContainer(t *testing.T) {
	no := false
	bench := oneBugCatalog(t)
	ec := Merge(config.DefaultSettings(), config.TaskConfig{UseContainer: &no}, task.TaskData{
		Benchmark: bench,
		Item:      bench.Experiments()[0],
	})
	if ec.UseContainer || ec.JobIdentifier != "" {
		t.Fatalf("expected host run without job identifier, got container=%v job=%q", ec.UseContainer, ec.JobIdentifier)
	}
	if ec.Timeout != time.Hour {
		t.Fatalf("expected default timeout of 1h, got %s", ec.Timeout)
	}
}

func TestMerge_FullBundleMatchesSettings(t *testing.T) {
	base := config.DefaultSettings()
	base.DumpPatches = true
	base.UseGPU = true
	base.CPUs = 3

	ec := Merge(config.DefaultSettings(), config.TaskConfigFromSettings(base), task.TaskData{})
	if !ec.DumpPatches || !ec.UseGPU || ec.CPUs != 3 {
		t.Fatalf("bundle not applied: dump=%v gpu=%v cpus=%d", ec.DumpPatches, ec.UseGPU, ec.CPUs)
	}
}
