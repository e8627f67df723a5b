package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"repair-bench/internal/logging"

	"github.com/creasty/defaults"
	"gopkg.in/yaml.v3"
)

// DefaultSettings returns Settings populated from the struct defaults.
func DefaultSettings() Settings {
	var s Settings
	if err := defaults.Set(&s); err != nil {
		// Only malformed default tags fail here.
		panic(fmt.Sprintf("invalid settings defaults: %v", err))
	}
	return s
}

func LoadConfig(filepath string) (*ExperimentFile, error) {
	config, _, err := LoadConfigWithContent(filepath)
	return config, err
}

func LoadConfigWithContent(filepath string) (*ExperimentFile, string, error) {
	config, content, err := ReadConfig(filepath)
	if err != nil {
		return nil, "", err
	}
	if err := config.Validate(); err != nil {
		return nil, "", fmt.Errorf("invalid config: %w", err)
	}
	return config, content, nil
}

// ReadConfig parses an experiment file without validating it, for callers
// that complete it from another source first.
func ReadConfig(filepath string) (*ExperimentFile, string, error) {
	logger := logging.GetLogger()

	data, err := os.ReadFile(filepath)
	if err != nil {
		logger.WithField("filepath", filepath).WithError(err).Error("Failed to read config file")
		return nil, "", err
	}

	originalContent := string(data)

	// Expand environment variables
	expanded := expandEnvVars(originalContent)

	config := ExperimentFile{General: DefaultSettings()}
	if err := yaml.Unmarshal([]byte(expanded), &config); err != nil {
		logger.WithField("filepath", filepath).WithError(err).Error("Failed to parse config file")
		return nil, "", err
	}

	return &config, originalContent, nil
}

func expandEnvVars(content string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(content, func(match string) string {
		envVar := strings.Trim(match, "${}")
		if value := os.Getenv(envVar); value != "" {
			return value
		}
		return match
	})
}

// TaskConfigFromSettings snapshots every behavioral flag of s into a fully
// populated TaskConfig.
func TaskConfigFromSettings(s Settings) TaskConfig {
	return TaskConfig{
		TaskType:       s.TaskType,
		CompactResults: ptr(s.CompactResults),
		DumpPatches:    ptr(s.DumpPatches),
		DockerHost:     ptr(s.DockerHost),
		OnlyAnalyse:    ptr(s.OnlyAnalyse),
		OnlySetup:      ptr(s.OnlySetup),
		OnlyInstrument: ptr(s.OnlyInstrument),
		OnlyTest:       ptr(s.OnlyTest),
		RebuildAll:     ptr(s.RebuildAll),
		RebuildBase:    ptr(s.RebuildBase),
		UseCache:       ptr(s.UseCache),
		UseContainer:   ptr(s.UseContainer),
		UseGPU:         ptr(s.UseGPU),
		UsePurge:       ptr(s.UsePurge),
		CPUs:           ptr(s.CPUs),
		Runs:           ptr(s.Runs),
	}
}

// Overlay returns a copy of tc where every non-nil field of o replaces the
// corresponding field of tc.
func (tc TaskConfig) Overlay(o TaskConfig) TaskConfig {
	out := tc
	if o.TaskType != "" {
		out.TaskType = o.TaskType
	}
	if o.CompactResults != nil {
		out.CompactResults = ptr(*o.CompactResults)
	}
	if o.DumpPatches != nil {
		out.DumpPatches = ptr(*o.DumpPatches)
	}
	if o.DockerHost != nil {
		out.DockerHost = ptr(*o.DockerHost)
	}
	if o.OnlyAnalyse != nil {
		out.OnlyAnalyse = ptr(*o.OnlyAnalyse)
	}
	if o.OnlySetup != nil {
		out.OnlySetup = ptr(*o.OnlySetup)
	}
	if o.OnlyInstrument != nil {
		out.OnlyInstrument = ptr(*o.OnlyInstrument)
	}
	if o.OnlyTest != nil {
		out.OnlyTest = ptr(*o.OnlyTest)
	}
	if o.RebuildAll != nil {
		out.RebuildAll = ptr(*o.RebuildAll)
	}
	if o.RebuildBase != nil {
		out.RebuildBase = ptr(*o.RebuildBase)
	}
	if o.UseCache != nil {
		out.UseCache = ptr(*o.UseCache)
	}
	if o.UseContainer != nil {
		out.UseContainer = ptr(*o.UseContainer)
	}
	if o.UseGPU != nil {
		out.UseGPU = ptr(*o.UseGPU)
	}
	if o.UsePurge != nil {
		out.UsePurge = ptr(*o.UsePurge)
	}
	if o.CPUs != nil {
		out.CPUs = ptr(*o.CPUs)
	}
	if o.Runs != nil {
		out.Runs = ptr(*o.Runs)
	}
	return out
}

// Resolve applies the entry on top of general and returns the settings and
// task config the entry should be enumerated with.
func (e TaskEntry) Resolve(general Settings) (Settings, TaskConfig) {
	s := general
	if len(e.Tools) > 0 {
		s.Tools = append([]string(nil), e.Tools...)
	}
	if e.Benchmark != "" {
		s.Benchmark = e.Benchmark
	}
	if len(e.TaskProfileIDs) > 0 {
		s.TaskProfileIDs = append([]string(nil), e.TaskProfileIDs...)
	}
	if len(e.ContainerProfileIDs) > 0 {
		s.ContainerProfileIDs = append([]string(nil), e.ContainerProfileIDs...)
	}
	if e.ToolParams != nil {
		s.ToolParams = *e.ToolParams
	}
	if e.ToolTag != nil {
		s.ToolTag = *e.ToolTag
	}
	if e.Filter != nil {
		s.Filter = *e.Filter
	}
	if e.Overrides.TaskType != "" {
		s.TaskType = e.Overrides.TaskType
	}
	return s, TaskConfigFromSettings(general).Overlay(e.Overrides)
}

// Validate checks the settings needed before any enumeration starts.
func (s *Settings) Validate() error {
	if !knownTaskTypes[s.TaskType] {
		return &ConfigError{Kind: "task type", ID: string(s.TaskType)}
	}
	if s.Benchmark == "" {
		return &ConfigError{Kind: "benchmark", Err: fmt.Errorf("benchmark name is required")}
	}
	if s.TaskType != TaskPrepare && len(s.Tools) == 0 {
		return &ConfigError{Kind: "tool", Err: fmt.Errorf("at least one tool is required for task type %s", s.TaskType)}
	}
	if len(s.TaskProfileIDs) == 0 {
		return &ConfigError{Kind: "task profile", Err: fmt.Errorf("at least one task profile id is required")}
	}
	if len(s.ContainerProfileIDs) == 0 {
		return &ConfigError{Kind: "container profile", Err: fmt.Errorf("at least one container profile id is required")}
	}
	if s.CPUs <= 0 {
		return &ConfigError{Kind: "cpus", Err: fmt.Errorf("cpus must be greater than 0")}
	}
	if s.Runs <= 0 {
		return &ConfigError{Kind: "runs", Err: fmt.Errorf("runs must be greater than 0")}
	}
	if s.Workers < 0 {
		return &ConfigError{Kind: "workers", Err: fmt.Errorf("workers must not be negative")}
	}
	f := s.Filter
	if f.StartIndex < 0 || f.EndIndex < 0 {
		return &ConfigError{Kind: "filter", Err: fmt.Errorf("start and end index must not be negative")}
	}
	if f.StartIndex != 0 && f.EndIndex != 0 && f.StartIndex > f.EndIndex {
		return &ConfigError{Kind: "filter", Err: fmt.Errorf("start index %d is after end index %d", f.StartIndex, f.EndIndex)}
	}
	return nil
}

// Validate checks the general section and every task entry resolved on top
// of it.
func (f *ExperimentFile) Validate() error {
	if len(f.Tasks) == 0 {
		return f.General.Validate()
	}
	for i, entry := range f.Tasks {
		s, tc := entry.Resolve(f.General)
		if err := s.Validate(); err != nil {
			return fmt.Errorf("task %d: %w", i, err)
		}
		if tc.Runs != nil && *tc.Runs <= 0 {
			return fmt.Errorf("task %d: %w", i, &ConfigError{Kind: "runs", Err: fmt.Errorf("runs must be greater than 0")})
		}
		if tc.CPUs != nil && *tc.CPUs <= 0 {
			return fmt.Errorf("task %d: %w", i, &ConfigError{Kind: "cpus", Err: fmt.Errorf("cpus must be greater than 0")})
		}
	}
	return nil
}

// Entries are the task entries to enumerate. A file without tasks runs its
// general section as a single entry.
func (f *ExperimentFile) Entries() []TaskEntry {
	if len(f.Tasks) == 0 {
		return []TaskEntry{{}}
	}
	return f.Tasks
}

// FormatCPUList renders cpus as an explicit comma-separated list ("0,1,2").
func FormatCPUList(cpus []int) string {
	parts := make([]string, len(cpus))
	for i, cpu := range cpus {
		parts[i] = strconv.Itoa(cpu)
	}
	return strings.Join(parts, ",")
}

// Clone returns a copy of tc that shares no pointers with it.
func (tc TaskConfig) Clone() TaskConfig {
	return TaskConfig{TaskType: tc.TaskType}.Overlay(tc)
}
