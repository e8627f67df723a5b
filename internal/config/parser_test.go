package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "experiment.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultSettings(t *testing.T) {
	s := DefaultSettings()
	assert.Equal(t, TaskRepair, s.TaskType)
	assert.Equal(t, 2, s.CPUs)
	assert.Equal(t, 1, s.Runs)
	assert.True(t, s.UseContainer)
	assert.Equal(t, time.Hour, s.Timeout)
	assert.Equal(t, "output", s.OutputDir)
}

func TestLoadConfig_GeneralAndTasks(t *testing.T) {
	t.Setenv("REPAIR_BENCH_TEST_TAG", "nightly")
	path := writeConfig(t, `
general:
  benchmark: Defects4J
  tools: [arja]
  task-profile-ids: [default]
  container-profile-ids: [small]
  tool-tag: ${REPAIR_BENCH_TEST_TAG}
  cpus: 4
  timeout: 30m
tasks:
  - tools: [prapr, arja]
    runs: 3
    only-setup: true
  - benchmark: QuixBugs
    filter:
      subject: quicksort
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "nightly", cfg.General.ToolTag)
	assert.Equal(t, 4, cfg.General.CPUs)
	assert.Equal(t, 30*time.Minute, cfg.General.Timeout)
	require.Len(t, cfg.Tasks, 2)

	s0, tc0 := cfg.Tasks[0].Resolve(cfg.General)
	assert.Equal(t, []string{"prapr", "arja"}, s0.Tools)
	assert.Equal(t, "Defects4J", s0.Benchmark)
	assert.Equal(t, 3, tc0.RunsOrDefault(1))
	require.NotNil(t, tc0.OnlySetup)
	assert.True(t, *tc0.OnlySetup)
	require.NotNil(t, tc0.CPUs)
	assert.Equal(t, 4, *tc0.CPUs)

	s1, tc1 := cfg.Tasks[1].Resolve(cfg.General)
	assert.Equal(t, "QuixBugs", s1.Benchmark)
	assert.Equal(t, "quicksort", s1.Filter.Subject)
	assert.Equal(t, 1, tc1.RunsOrDefault(99))
	assert.False(t, *tc1.OnlySetup)
}

func TestLoadConfig_UnsetEnvIsKept(t *testing.T) {
	path := writeConfig(t, `
general:
  benchmark: Defects4J
  tools: [arja]
  task-profile-ids: [default]
  container-profile-ids: [small]
  tool-params: ${REPAIR_BENCH_SURELY_UNSET_VAR}
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "${REPAIR_BENCH_SURELY_UNSET_VAR}", cfg.General.ToolParams)
}

func TestLoadConfig_InvalidTask(t *testing.T) {
	path := writeConfig(t, `
general:
  benchmark: Defects4J
  tools: [arja]
  task-profile-ids: [default]
  container-profile-ids: [small]
tasks:
  - runs: 0
`)
	_, err := LoadConfig(path)
	require.Error(t, err)
	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "runs", cfgErr.Kind)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestSettingsValidate(t *testing.T) {
	cases := []struct {
		name   string
		modify func(*Settings)
		kind   string
	}{
		{"ok", func(*Settings) {}, ""},
		{"unknown task type", func(s *Settings) { s.TaskType = "juggle" }, "task type"},
		{"no benchmark", func(s *Settings) { s.Benchmark = "" }, "benchmark"},
		{"no tools", func(s *Settings) { s.Tools = nil }, "tool"},
		{"prepare needs no tools", func(s *Settings) { s.TaskType = TaskPrepare; s.Tools = nil }, ""},
		{"no task profiles", func(s *Settings) { s.TaskProfileIDs = nil }, "task profile"},
		{"no container profiles", func(s *Settings) { s.ContainerProfileIDs = nil }, "container profile"},
		{"zero cpus", func(s *Settings) { s.CPUs = 0 }, "cpus"},
		{"negative workers", func(s *Settings) { s.Workers = -1 }, "workers"},
		{"inverted window", func(s *Settings) { s.Filter.StartIndex = 7; s.Filter.EndIndex = 3 }, "filter"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := baseSettings()
			tc.modify(&s)
			err := s.Validate()
			if tc.kind == "" {
				assert.NoError(t, err)
				return
			}
			var cfgErr *ConfigError
			require.True(t, errors.As(err, &cfgErr), "expected ConfigError, got %v", err)
			assert.Equal(t, tc.kind, cfgErr.Kind)
		})
	}
}

func TestOverlay_KeepsBaseWhenAbsent(t *testing.T) {
	base := TaskConfigFromSettings(baseSettings())
	out := base.Overlay(TaskConfig{UseGPU: ptr(true)})

	assert.True(t, *out.UseGPU)
	assert.False(t, *base.UseGPU, "overlay must not mutate the base")
	assert.Equal(t, *base.CPUs, *out.CPUs)
	assert.Equal(t, base.TaskType, out.TaskType)
}

func TestFormatCPUList(t *testing.T) {
	assert.Equal(t, "0,1,2,3", FormatCPUList([]int{0, 1, 2, 3}))
	assert.Equal(t, "", FormatCPUList(nil))
}
