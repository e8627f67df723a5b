package task

import (
	"strings"

	"github.com/opencontainers/go-digest"
)

// PlannedRun is one run of an enumeration, in dispatch order.
type PlannedRun struct {
	Identifier       string `json:"identifier"`
	ImageName        string `json:"image_name"`
	Tool             string `json:"tool,omitempty"`
	Subject          string `json:"subject"`
	BugID            string `json:"bug_id"`
	BugIndex         int    `json:"bug_index"`
	TaskProfile      string `json:"task_profile"`
	ContainerProfile string `json:"container_profile"`
	RunIndex         int    `json:"run_index"`
}

// Plan drains the stream and expands every task into its runs. Tasks without
// a tool contribute one entry keyed by the bug image.
func Plan(s *Stream, defaultRuns int) []PlannedRun {
	var plan []PlannedRun
	for t := range s.All() {
		d := t.Data
		base := PlannedRun{
			Subject:          d.Item.Subject,
			BugID:            d.Item.BugID,
			BugIndex:         d.BugIndex,
			TaskProfile:      d.TaskProfile.ID,
			ContainerProfile: d.ContainerProfile.ID,
		}
		if d.Tool == nil {
			base.Identifier = BugImageIdentifier(d.Benchmark, d.Item)
			base.ImageName = base.Identifier
			plan = append(plan, base)
			continue
		}
		base.Tool = d.Tool.Name()
		base.ImageName = TaskImageIdentifier(d.Tool, d.Benchmark, d.Item, d.TaskProfile.ToolTag)
		for run := 0; run < t.Config.RunsOrDefault(defaultRuns); run++ {
			r := base
			r.RunIndex = run
			r.Identifier = RunIdentifier(d.Benchmark, d.TaskProfile, d.ContainerProfile, d.Item, d.Tool, run, d.TaskProfile.ToolTag)
			plan = append(plan, r)
		}
	}
	return plan
}

// PlanChecksum digests the ordered identifiers of a plan.
func PlanChecksum(plan []PlannedRun) digest.Digest {
	ids := make([]string, len(plan))
	for i, r := range plan {
		ids[i] = r.Identifier
	}
	return digest.FromString(strings.Join(ids, "\n"))
}
