package task

import (
	"strconv"
	"strings"

	"repair-bench/internal/benchmark"
	"repair-bench/internal/profile"
	"repair-bench/internal/tool"
)

// TaskImageIdentifier names the image a tool runs a bug in. Tasks sharing
// tool, benchmark, subject, bug and tag share the image.
func TaskImageIdentifier(t tool.Tool, b benchmark.Benchmark, item benchmark.ExperimentItem, tag string) string {
	parts := []string{t.Name(), b.Name(), item.Subject, item.BugID}
	if tag != "" {
		parts = append(parts, tag)
	}
	return strings.ToLower(strings.Join(parts, "-"))
}

// BugImageIdentifier names the tool-independent image of a bug.
func BugImageIdentifier(b benchmark.Benchmark, item benchmark.ExperimentItem) string {
	return strings.ToLower(strings.Join([]string{b.Name(), item.Subject, item.BugID}, "-"))
}

// RunIdentifier is the key a run's results are recorded under. Case is kept.
func RunIdentifier(
	b benchmark.Benchmark,
	tp *profile.TaskProfile,
	cp *profile.ContainerProfile,
	item benchmark.ExperimentItem,
	t tool.Tool,
	runIndex int,
	toolTag string,
) string {
	toolName := t.Name()
	if toolTag != "" {
		toolName = toolName + "-" + toolTag
	}
	return strings.Join([]string{
		b.Name(),
		toolName,
		item.Subject,
		item.BugID,
		tp.ID,
		cp.ID,
		strconv.Itoa(runIndex),
	}, "-")
}
