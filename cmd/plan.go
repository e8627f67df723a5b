package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"repair-bench/internal/task"

	"github.com/spf13/cobra"
)

var (
	planFlags *experimentFlags
	planJSON  bool
)

var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Print the runs an experiment would execute",
	RunE: func(cmd *cobra.Command, args []string) error {
		exp, _, err := planFlags.load(cmd.Flags())
		if err != nil {
			return err
		}
		src, err := newTaskSource(exp.General, nil)
		if err != nil {
			return err
		}
		entries, err := src.requests(cmd.Context(), exp, false)
		if err != nil {
			return err
		}
		plan, err := planRuns(entries, exp.General.Runs)
		if err != nil {
			return err
		}
		if planJSON {
			return writePlanJSON(cmd.OutOrStdout(), plan)
		}
		return writePlan(cmd.OutOrStdout(), plan)
	},
}

func init() {
	planFlags = addExperimentFlags(planCmd.Flags())
	planCmd.Flags().BoolVar(&planJSON, "json", false, "Print the plan as JSON")
}

func planChecksum(plan []task.PlannedRun) string {
	return task.PlanChecksum(plan).String()
}

func writePlan(w io.Writer, plan []task.PlannedRun) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "IDENTIFIER\tIMAGE\tTOOL\tBUG\tTASK PROFILE\tCONTAINER PROFILE\tRUN")
	for _, r := range plan {
		tool := r.Tool
		if tool == "" {
			tool = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s/%s\t%s\t%s\t%d\n",
			r.Identifier, r.ImageName, tool, r.Subject, r.BugID, r.TaskProfile, r.ContainerProfile, r.RunIndex)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(w, "\n%d runs, plan checksum %s\n", len(plan), planChecksum(plan))
	return err
}

type planOutput struct {
	Checksum string            `json:"checksum"`
	Runs     []task.PlannedRun `json:"runs"`
}

func writePlanJSON(w io.Writer, plan []task.PlannedRun) error {
	if plan == nil {
		plan = []task.PlannedRun{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(planOutput{Checksum: planChecksum(plan), Runs: plan})
}
