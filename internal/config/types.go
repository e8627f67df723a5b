package config

import (
	"time"
)

type TaskType string

const (
	TaskRepair   TaskType = "repair"
	TaskAnalyze  TaskType = "analyze"
	TaskPrepare  TaskType = "prepare"
	TaskValidate TaskType = "validate"
	TaskTest     TaskType = "test"
	TaskFuzz     TaskType = "fuzz"
)

var knownTaskTypes = map[TaskType]bool{
	TaskRepair:   true,
	TaskAnalyze:  true,
	TaskPrepare:  true,
	TaskValidate: true,
	TaskTest:     true,
	TaskFuzz:     true,
}

// ExperimentFile is the on-disk experiment description. General holds the
// run-wide settings; every entry of Tasks is a sparse overlay on top of it.
type ExperimentFile struct {
	General Settings    `yaml:"general"`
	Tasks   []TaskEntry `yaml:"tasks"`
}

// Settings are the run-wide values of one invocation, from flags or from the
// general section of an experiment file.
type Settings struct {
	TaskType TaskType `yaml:"task-type" default:"repair"`

	Tools     []string `yaml:"tools"`
	Benchmark string   `yaml:"benchmark"`

	BenchmarksDir         string `yaml:"benchmarks-dir" default:"benchmarks"`
	ToolsFile             string `yaml:"tools-file" default:"profiles/tools.yaml"`
	TaskProfilesFile      string `yaml:"task-profiles-file" default:"profiles/task-profiles.yaml"`
	ContainerProfilesFile string `yaml:"container-profiles-file" default:"profiles/container-profiles.yaml"`

	TaskProfileIDs      []string `yaml:"task-profile-ids"`
	ContainerProfileIDs []string `yaml:"container-profile-ids"`

	ToolParams string `yaml:"tool-params"`
	ToolTag    string `yaml:"tool-tag"`

	Filter FilterSettings `yaml:"filter"`

	CompactResults bool   `yaml:"compact-results"`
	DumpPatches    bool   `yaml:"dump-patches"`
	DockerHost     string `yaml:"docker-host"`
	OnlyAnalyse    bool   `yaml:"only-analyse"`
	OnlySetup      bool   `yaml:"only-setup"`
	OnlyInstrument bool   `yaml:"only-instrument"`
	OnlyTest       bool   `yaml:"only-test"`
	RebuildAll     bool   `yaml:"rebuild-all"`
	RebuildBase    bool   `yaml:"rebuild-base"`
	UseCache       bool   `yaml:"use-cache"`
	UseContainer   bool   `yaml:"use-container" default:"true"`
	UseGPU         bool   `yaml:"use-gpu"`
	UsePurge       bool   `yaml:"use-purge"`
	CPUs           int    `yaml:"cpus" default:"2"`
	Runs           int    `yaml:"runs" default:"1"`

	Parallel bool `yaml:"parallel"`
	Workers  int  `yaml:"workers"`

	// Timeout bounds a single run when the task profile declares none.
	Timeout time.Duration `yaml:"timeout" default:"1h"`

	OutputDir           string `yaml:"output-dir" default:"output"`
	Resume              bool   `yaml:"resume"`
	KeepContainers      bool   `yaml:"keep-containers"`
	StatusAddr          string `yaml:"status-addr"`
	Debug               bool   `yaml:"debug"`
	SecureHash          bool   `yaml:"secure-hash"`
	MaxConcurrentBuilds int    `yaml:"max-concurrent-builds" default:"2"`

	Backends BackendSettings `yaml:"backends"`
}

// FilterSettings select experiment items. Zero values never restrict.
type FilterSettings struct {
	BugIDs      []string `yaml:"bug-ids"`
	BugIndices  []int    `yaml:"bug-indices"`
	SkipIndices []string `yaml:"skip-indices"`
	Subject     string   `yaml:"subject"`
	StartIndex  int      `yaml:"start-index"`
	EndIndex    int      `yaml:"end-index"`
}

// BackendSettings toggle the optional recording backends. Credentials come
// from the environment.
type BackendSettings struct {
	Influx         bool   `yaml:"influx"`
	LedgerURL      string `yaml:"ledger-url"`
	ArtifactBucket string `yaml:"artifact-bucket"`
	SpoolDir       string `yaml:"spool-dir"`
}

// TaskConfig is the override bundle shared by every task of one enumeration.
// Nil fields keep the base value when merged onto the run context.
type TaskConfig struct {
	TaskType TaskType `yaml:"task-type"`

	CompactResults *bool   `yaml:"compact-results"`
	DumpPatches    *bool   `yaml:"dump-patches"`
	DockerHost     *string `yaml:"docker-host"`
	OnlyAnalyse    *bool   `yaml:"only-analyse"`
	OnlySetup      *bool   `yaml:"only-setup"`
	OnlyInstrument *bool   `yaml:"only-instrument"`
	OnlyTest       *bool   `yaml:"only-test"`
	RebuildAll     *bool   `yaml:"rebuild-all"`
	RebuildBase    *bool   `yaml:"rebuild-base"`
	UseCache       *bool   `yaml:"use-cache"`
	UseContainer   *bool   `yaml:"use-container"`
	UseGPU         *bool   `yaml:"use-gpu"`
	UsePurge       *bool   `yaml:"use-purge"`
	CPUs           *int    `yaml:"cpus"`
	Runs           *int    `yaml:"runs"`
}

// TaskEntry is one chunk of work in an experiment file.
type TaskEntry struct {
	Tools               []string        `yaml:"tools"`
	Benchmark           string          `yaml:"benchmark"`
	TaskProfileIDs      []string        `yaml:"task-profile-ids"`
	ContainerProfileIDs []string        `yaml:"container-profile-ids"`
	ToolParams          *string         `yaml:"tool-params"`
	ToolTag             *string         `yaml:"tool-tag"`
	Filter              *FilterSettings `yaml:"filter"`
	Overrides           TaskConfig      `yaml:",inline"`
}

// RunsOrDefault is the number of runs the bundle asks for, falling back to def.
func (tc TaskConfig) RunsOrDefault(def int) int {
	if tc.Runs != nil {
		return *tc.Runs
	}
	return def
}

func ptr[T any](v T) *T {
	return &v
}
