package execution

import (
	"time"

	"repair-bench/internal/config"
	"repair-bench/internal/task"
)

// ExecutionContext is the effective configuration of one task. It is built
// per task and never shared or modified afterwards.
type ExecutionContext struct {
	TaskType config.TaskType

	CompactResults bool
	DumpPatches    bool
	DockerHost     string
	OnlyAnalyse    bool
	OnlySetup      bool
	OnlyInstrument bool
	OnlyTest       bool
	RebuildAll     bool
	RebuildBase    bool
	UseCache       bool
	UseContainer   bool
	UseGPU         bool
	UsePurge       bool
	CPUs           int
	Runs           int

	Timeout        time.Duration
	OutputDir      string
	KeepContainers bool
	Debug          bool
	SecureHash     bool

	TaskProfileID      string
	ContainerProfileID string
	ToolParams         string
	ToolTag            string

	// JobIdentifier is the bug image identifier when runs use containers.
	JobIdentifier string
}

// Merge builds the context of one task: base settings, then every field the
// task config sets, then the task's profiles.
func Merge(base config.Settings, tc config.TaskConfig, d task.TaskData) ExecutionContext {
	ec := ExecutionContext{
		TaskType:       base.TaskType,
		CompactResults: base.CompactResults,
		DumpPatches:    base.DumpPatches,
		DockerHost:     base.DockerHost,
		OnlyAnalyse:    base.OnlyAnalyse,
		OnlySetup:      base.OnlySetup,
		OnlyInstrument: base.OnlyInstrument,
		OnlyTest:       base.OnlyTest,
		RebuildAll:     base.RebuildAll,
		RebuildBase:    base.RebuildBase,
		UseCache:       base.UseCache,
		UseContainer:   base.UseContainer,
		UseGPU:         base.UseGPU,
		UsePurge:       base.UsePurge,
		CPUs:           base.CPUs,
		Runs:           base.Runs,
		Timeout:        base.Timeout,
		OutputDir:      base.OutputDir,
		KeepContainers: base.KeepContainers,
		Debug:          base.Debug,
		SecureHash:     base.SecureHash,
	}

	if tc.TaskType != "" {
		ec.TaskType = tc.TaskType
	}
	if tc.CompactResults != nil {
		ec.CompactResults = *tc.CompactResults
	}
	if tc.DumpPatches != nil {
		ec.DumpPatches = *tc.DumpPatches
	}
	if tc.DockerHost != nil {
		ec.DockerHost = *tc.DockerHost
	}
	if tc.OnlyAnalyse != nil {
		ec.OnlyAnalyse = *tc.OnlyAnalyse
	}
	if tc.OnlySetup != nil {
		ec.OnlySetup = *tc.OnlySetup
	}
	if tc.OnlyInstrument != nil {
		ec.OnlyInstrument = *tc.OnlyInstrument
	}
	if tc.OnlyTest != nil {
		ec.OnlyTest = *tc.OnlyTest
	}
	if tc.RebuildAll != nil {
		ec.RebuildAll = *tc.RebuildAll
	}
	if tc.RebuildBase != nil {
		ec.RebuildBase = *tc.RebuildBase
	}
	if tc.UseCache != nil {
		ec.UseCache = *tc.UseCache
	}
	if tc.UseContainer != nil {
		ec.UseContainer = *tc.UseContainer
	}
	if tc.UseGPU != nil {
		ec.UseGPU = *tc.UseGPU
	}
	if tc.UsePurge != nil {
		ec.UsePurge = *tc.UsePurge
	}
	if tc.CPUs != nil {
		ec.CPUs = *tc.CPUs
	}
	if tc.Runs != nil {
		ec.Runs = *tc.Runs
	}

	if tp := d.TaskProfile; tp != nil {
		ec.TaskProfileID = tp.ID
		ec.ToolParams = tp.ToolParams
		ec.ToolTag = tp.ToolTag
		if tp.Timeout > 0 {
			ec.Timeout = tp.Timeout
		}
	}
	if cp := d.ContainerProfile; cp != nil {
		ec.ContainerProfileID = cp.ID
	}
	if ec.UseContainer && d.Benchmark != nil {
		ec.JobIdentifier = task.BugImageIdentifier(d.Benchmark, d.Item)
	}
	return ec
}
