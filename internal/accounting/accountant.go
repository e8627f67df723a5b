package accounting

import (
	"sync"
	"time"

	"repair-bench/internal/logging"
	"repair-bench/internal/task"

	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
)

// RunRecord is the outcome of one run.
type RunRecord struct {
	Iteration        int           `json:"iteration"`
	Identifier       string        `json:"identifier"`
	ImageName        string        `json:"image_name,omitempty"`
	Benchmark        string        `json:"benchmark"`
	Tool             string        `json:"tool,omitempty"`
	Subject          string        `json:"subject"`
	BugID            string        `json:"bug_id"`
	BugIndex         int           `json:"bug_index"`
	TaskProfile      string        `json:"task_profile"`
	ContainerProfile string        `json:"container_profile"`
	RunIndex         int           `json:"run_index"`
	CPUSet           string        `json:"cpuset"`
	State            task.RunState `json:"state"`
	Error            string        `json:"error,omitempty"`
	TimedOut         bool          `json:"timed_out,omitempty"`
	// Aborted marks a run interrupted by a termination request.
	Aborted  bool              `json:"aborted,omitempty"`
	Started  time.Time         `json:"started"`
	Finished time.Time         `json:"finished"`
	Counters map[string]uint64 `json:"counters,omitempty"`
}

func (r RunRecord) Duration() time.Duration {
	if r.Finished.IsZero() || r.Started.IsZero() {
		return 0
	}
	return r.Finished.Sub(r.Started)
}

// Summary is the aggregate view of an invocation.
type Summary struct {
	Iterations int                   `json:"iterations"`
	Totals     map[task.RunState]int `json:"totals"`
	Failed     bool                  `json:"failed"`
	Started    time.Time             `json:"started"`
	Duration   time.Duration         `json:"duration"`
}

// Accountant owns the run accounting of one invocation: the iteration
// counter, per-state totals, the failure flag and every run record. It is
// safe for concurrent use by parallel workers.
type Accountant struct {
	iteration *atomic.Int64
	failed    *atomic.Bool
	started   time.Time
	logger    *logrus.Logger

	mu      sync.RWMutex
	records []RunRecord
	totals  map[task.RunState]int
}

func NewAccountant() *Accountant {
	return &Accountant{
		iteration: atomic.NewInt64(0),
		failed:    atomic.NewBool(false),
		started:   time.Now(),
		logger:    logging.GetLogger(),
		totals:    make(map[task.RunState]int),
	}
}

// NextIteration increments the iteration counter and returns the new value.
func (a *Accountant) NextIteration() int {
	return int(a.iteration.Inc())
}

// Reserve hands out n consecutive iteration numbers and returns the first.
func (a *Accountant) Reserve(n int) int {
	return int(a.iteration.Add(int64(n))) - n + 1
}

func (a *Accountant) Iteration() int {
	return int(a.iteration.Load())
}

// MarkFailed sets the failure flag. It is never cleared.
func (a *Accountant) MarkFailed() {
	a.failed.Store(true)
}

func (a *Accountant) Failed() bool {
	return a.failed.Load()
}

// Record stores the final state of a run. FAILED records set the failure
// flag unless the run was aborted by a termination request.
func (a *Accountant) Record(r RunRecord) {
	if r.State == task.StateFailed && !r.Aborted {
		a.MarkFailed()
	}

	a.mu.Lock()
	a.records = append(a.records, r)
	a.totals[r.State]++
	a.mu.Unlock()

	a.logger.WithFields(logrus.Fields{
		"identifier": r.Identifier,
		"iteration":  r.Iteration,
		"state":      r.State,
		"duration":   r.Duration().String(),
	}).Debug("Run recorded")
}

// Records returns the records in the order they were recorded.
func (a *Accountant) Records() []RunRecord {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]RunRecord, len(a.records))
	copy(out, a.records)
	return out
}

func (a *Accountant) Totals() map[task.RunState]int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[task.RunState]int, len(a.totals))
	for k, v := range a.totals {
		out[k] = v
	}
	return out
}

func (a *Accountant) Summary() Summary {
	return Summary{
		Iterations: a.Iteration(),
		Totals:     a.Totals(),
		Failed:     a.Failed(),
		Started:    a.started,
		Duration:   time.Since(a.started),
	}
}
