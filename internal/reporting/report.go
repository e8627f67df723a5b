package reporting

import (
	"context"
	"errors"
	"time"

	"repair-bench/internal/accounting"
	"repair-bench/internal/host"
	"repair-bench/internal/lifecycle"
	"repair-bench/internal/logging"
	"repair-bench/internal/task"

	"github.com/sirupsen/logrus"
)

// Report is the final account of one invocation. Exactly one is produced per
// invocation, whatever way it ended.
type Report struct {
	Version   int       `json:"version"`
	SessionID string    `json:"session_id"`
	CreatedAt time.Time `json:"created_at"`

	Benchmark         string   `json:"benchmark"`
	Tools             []string `json:"tools"`
	SelectionChecksum string   `json:"selection_checksum"`
	PlanChecksum      string   `json:"plan_checksum,omitempty"`
	ConfigContent     string   `json:"config_content,omitempty"`

	Classification lifecycle.Classification `json:"classification"`
	Error          string                   `json:"error,omitempty"`
	Summary        accounting.Summary       `json:"summary"`
	Host           *host.Info               `json:"host,omitempty"`
	Records        []accounting.RunRecord   `json:"records"`
}

// Build assembles the report from the lifecycle outcome and the run
// accounting.
func Build(sessionID string, outcome lifecycle.Outcome, acc *accounting.Accountant) Report {
	r := Report{
		Version:        1,
		SessionID:      sessionID,
		CreatedAt:      time.Now(),
		Classification: outcome.Classification,
		Host:           host.GetInfo(),
	}
	if outcome.Err != nil && outcome.Classification == lifecycle.Errored {
		r.Error = outcome.Err.Error()
	}
	if acc != nil {
		r.Summary = acc.Summary()
		r.Records = acc.Records()
	}
	return r
}

// IsError reports an invocation that ended in an error or had a failed run.
// A termination request alone is not an error.
func (r Report) IsError() bool {
	return r.Classification == lifecycle.Errored || r.Summary.Failed
}

// Reporter receives the final report.
type Reporter interface {
	End(ctx context.Context, r Report) error
}

// Multi hands the report to every reporter and joins their errors.
type Multi []Reporter

func (m Multi) End(ctx context.Context, r Report) error {
	var errs []error
	for _, rep := range m {
		if err := rep.End(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogReporter writes the summary to the log.
type LogReporter struct{}

func (LogReporter) End(_ context.Context, r Report) error {
	logger := logging.GetLogger()
	fields := logrus.Fields{
		"session_id":     r.SessionID,
		"classification": r.Classification,
		"iterations":     r.Summary.Iterations,
		"duration":       r.Summary.Duration.Round(time.Second).String(),
	}
	for _, state := range []task.RunState{task.StateCompleted, task.StateFailed, task.StateSkipped} {
		fields[string(state)] = r.Summary.Totals[state]
	}

	entry := logger.WithFields(fields)
	switch {
	case r.IsError():
		if r.Error != "" {
			entry = entry.WithField("error", r.Error)
		}
		entry.Error("Experiment finished with errors")
	case r.Classification == lifecycle.Terminated:
		entry.Warn("Experiment terminated")
	default:
		entry.Info("Experiment completed")
	}
	return nil
}
