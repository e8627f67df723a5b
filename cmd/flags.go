package cmd

import (
	"fmt"
	"time"

	"repair-bench/internal/config"

	"github.com/spf13/pflag"
)

// settingFlag is a command line flag backed by one field of config.Settings.
type settingFlag struct {
	name  string
	bind  func(fs *pflag.FlagSet, s *config.Settings)
	apply func(dst, src *config.Settings)
}

func newFlag[T any](name, usage string, define func(*pflag.FlagSet, *T, string, T, string), field func(*config.Settings) *T) settingFlag {
	return settingFlag{
		name: name,
		bind: func(fs *pflag.FlagSet, s *config.Settings) {
			p := field(s)
			define(fs, p, name, *p, usage)
		},
		apply: func(dst, src *config.Settings) {
			*field(dst) = *field(src)
		},
	}
}

var (
	stringVar   = (*pflag.FlagSet).StringVar
	boolVar     = (*pflag.FlagSet).BoolVar
	intVar      = (*pflag.FlagSet).IntVar
	stringsVar  = (*pflag.FlagSet).StringSliceVar
	intsVar     = (*pflag.FlagSet).IntSliceVar
	durationVar = (*pflag.FlagSet).DurationVar
)

var settingFlags = []settingFlag{
	newFlag("task-type", "Task type (repair, analyze, prepare, validate, test, fuzz)", stringVar,
		func(s *config.Settings) *string { return (*string)(&s.TaskType) }),
	newFlag("tool", "Tools to run, comma separated", stringsVar,
		func(s *config.Settings) *[]string { return &s.Tools }),
	newFlag("benchmark", "Benchmark name", stringVar,
		func(s *config.Settings) *string { return &s.Benchmark }),
	newFlag("benchmarks-dir", "Directory holding the benchmarks", stringVar,
		func(s *config.Settings) *string { return &s.BenchmarksDir }),
	newFlag("tools-file", "Tool definitions file", stringVar,
		func(s *config.Settings) *string { return &s.ToolsFile }),
	newFlag("task-profiles-file", "Task profiles file", stringVar,
		func(s *config.Settings) *string { return &s.TaskProfilesFile }),
	newFlag("container-profiles-file", "Container profiles file", stringVar,
		func(s *config.Settings) *string { return &s.ContainerProfilesFile }),
	newFlag("task-profile", "Task profile ids, comma separated", stringsVar,
		func(s *config.Settings) *[]string { return &s.TaskProfileIDs }),
	newFlag("container-profile", "Container profile ids, comma separated", stringsVar,
		func(s *config.Settings) *[]string { return &s.ContainerProfileIDs }),
	newFlag("tool-params", "Extra parameters passed to every tool", stringVar,
		func(s *config.Settings) *string { return &s.ToolParams }),
	newFlag("tool-tag", "Tag distinguishing tool configurations", stringVar,
		func(s *config.Settings) *string { return &s.ToolTag }),

	newFlag("bug-id", "Only run these bug ids", stringsVar,
		func(s *config.Settings) *[]string { return &s.Filter.BugIDs }),
	newFlag("bug-index", "Only run these bug indices", intsVar,
		func(s *config.Settings) *[]int { return &s.Filter.BugIndices }),
	newFlag("skip-index", "Skip these bug indices or ranges (3, 5-8)", stringsVar,
		func(s *config.Settings) *[]string { return &s.Filter.SkipIndices }),
	newFlag("subject", "Only run bugs of this subject", stringVar,
		func(s *config.Settings) *string { return &s.Filter.Subject }),
	newFlag("start-index", "First bug index to run", intVar,
		func(s *config.Settings) *int { return &s.Filter.StartIndex }),
	newFlag("end-index", "Last bug index to run", intVar,
		func(s *config.Settings) *int { return &s.Filter.EndIndex }),

	newFlag("compact-results", "Ask tools for compact results", boolVar,
		func(s *config.Settings) *bool { return &s.CompactResults }),
	newFlag("dump-patches", "Ask tools to dump generated patches", boolVar,
		func(s *config.Settings) *bool { return &s.DumpPatches }),
	newFlag("docker-host", "Docker daemon address", stringVar,
		func(s *config.Settings) *string { return &s.DockerHost }),
	newFlag("only-analyse", "Only analyse existing results, skip tool image checks", boolVar,
		func(s *config.Settings) *bool { return &s.OnlyAnalyse }),
	newFlag("only-setup", "Only build images, do not run tools", boolVar,
		func(s *config.Settings) *bool { return &s.OnlySetup }),
	newFlag("only-instrument", "Only instrument the subject", boolVar,
		func(s *config.Settings) *bool { return &s.OnlyInstrument }),
	newFlag("only-test", "Only run the test suite", boolVar,
		func(s *config.Settings) *bool { return &s.OnlyTest }),
	newFlag("rebuild-all", "Rebuild every image", boolVar,
		func(s *config.Settings) *bool { return &s.RebuildAll }),
	newFlag("rebuild-base", "Rebuild experiment images", boolVar,
		func(s *config.Settings) *bool { return &s.RebuildBase }),
	newFlag("use-cache", "Use the build cache", boolVar,
		func(s *config.Settings) *bool { return &s.UseCache }),
	newFlag("use-container", "Run tools in containers", boolVar,
		func(s *config.Settings) *bool { return &s.UseContainer }),
	newFlag("use-gpu", "Expose GPUs to run containers", boolVar,
		func(s *config.Settings) *bool { return &s.UseGPU }),
	newFlag("use-purge", "Remove run images after the run", boolVar,
		func(s *config.Settings) *bool { return &s.UsePurge }),
	newFlag("cpus", "CPUs per run when the container profile sets none", intVar,
		func(s *config.Settings) *int { return &s.CPUs }),
	newFlag("runs", "Runs per task", intVar,
		func(s *config.Settings) *int { return &s.Runs }),

	newFlag("parallel", "Run tasks in parallel", boolVar,
		func(s *config.Settings) *bool { return &s.Parallel }),
	newFlag("workers", "Parallel workers (0 derives from the core count)", intVar,
		func(s *config.Settings) *int { return &s.Workers }),
	newFlag("timeout", "Run timeout when the task profile sets none", durationVar,
		func(s *config.Settings) *time.Duration { return &s.Timeout }),
	newFlag("output-dir", "Directory for logs, artifacts and summaries", stringVar,
		func(s *config.Settings) *string { return &s.OutputDir }),
	newFlag("resume", "Skip runs the ledger reports as completed", boolVar,
		func(s *config.Settings) *bool { return &s.Resume }),
	newFlag("keep-containers", "Keep run containers after they exit", boolVar,
		func(s *config.Settings) *bool { return &s.KeepContainers }),
	newFlag("status-addr", "Serve run status on this address", stringVar,
		func(s *config.Settings) *string { return &s.StatusAddr }),
	newFlag("debug", "Run tools in debug mode", boolVar,
		func(s *config.Settings) *bool { return &s.Debug }),
	newFlag("secure-hash", "Use a cryptographic hash for run identifiers", boolVar,
		func(s *config.Settings) *bool { return &s.SecureHash }),
	newFlag("max-concurrent-builds", "Concurrent image builds", intVar,
		func(s *config.Settings) *int { return &s.MaxConcurrentBuilds }),

	newFlag("influx", "Record runs in InfluxDB (INFLUXDB_* environment)", boolVar,
		func(s *config.Settings) *bool { return &s.Backends.Influx }),
	newFlag("ledger-url", "PostgreSQL URL of the run ledger", stringVar,
		func(s *config.Settings) *string { return &s.Backends.LedgerURL }),
	newFlag("artifact-bucket", "Upload run artifacts to this bucket (MINIO_* environment)", stringVar,
		func(s *config.Settings) *string { return &s.Backends.ArtifactBucket }),
	newFlag("spool-dir", "Directory for final report artifacts", stringVar,
		func(s *config.Settings) *string { return &s.Backends.SpoolDir }),
}

// experimentFlags are the flags shared by every command that reads an
// experiment.
type experimentFlags struct {
	configFile string
	settings   config.Settings
}

func addExperimentFlags(fs *pflag.FlagSet) *experimentFlags {
	ef := &experimentFlags{settings: config.DefaultSettings()}
	fs.StringVarP(&ef.configFile, "config", "c", "", "Path to experiment configuration file")
	for _, f := range settingFlags {
		f.bind(fs, &ef.settings)
	}
	return ef
}

// overlayChanged copies every flag the user set explicitly from src to dst.
func overlayChanged(fs *pflag.FlagSet, dst, src *config.Settings) {
	for _, f := range settingFlags {
		if fs.Changed(f.name) {
			f.apply(dst, src)
		}
	}
}

// load builds the experiment. With a config file, explicitly set flags
// override its general section; otherwise the flags alone describe a single
// task entry.
func (ef *experimentFlags) load(fs *pflag.FlagSet) (*config.ExperimentFile, string, error) {
	if ef.configFile == "" {
		exp := &config.ExperimentFile{General: ef.settings}
		if err := exp.Validate(); err != nil {
			return nil, "", err
		}
		return exp, "", nil
	}

	exp, content, err := config.ReadConfig(ef.configFile)
	if err != nil {
		return nil, "", err
	}
	overlayChanged(fs, &exp.General, &ef.settings)
	if err := exp.Validate(); err != nil {
		return nil, "", fmt.Errorf("invalid config: %w", err)
	}
	return exp, content, nil
}
