package execution

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"repair-bench/internal/accounting"
	"repair-bench/internal/benchmark"
	"repair-bench/internal/config"
	"repair-bench/internal/lifecycle"
	"repair-bench/internal/logging"
	"repair-bench/internal/profile"
	"repair-bench/internal/resources"
	"repair-bench/internal/task"
	"repair-bench/internal/tool"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// ImagePreparer builds the images a task runs in.
type ImagePreparer interface {
	// PrepareExperiment builds (or reuses) the bug image and returns its name.
	PrepareExperiment(ctx context.Context, ec ExecutionContext, b benchmark.Benchmark, item benchmark.ExperimentItem, cpuset string) (string, error)
	// PrepareTool builds the tool image named imageName on top of the bug image.
	PrepareTool(ctx context.Context, ec ExecutionContext, experimentImage string, t tool.Tool, imageName string) error
}

// RunRequest is everything a single run needs.
type RunRequest struct {
	Context          ExecutionContext
	Benchmark        benchmark.Benchmark
	Tool             tool.Tool
	Item             benchmark.ExperimentItem
	TaskProfile      *profile.TaskProfile
	ContainerProfile *profile.ContainerProfile
	Identifier       string
	CPUSet           string
	ImageName        string
	Iteration        int
	RunIndex         int
}

type RunResult struct {
	ExitCode int
	Counters map[string]uint64
}

// RunExecutor executes one run. It must return promptly once ctx is done.
type RunExecutor interface {
	Run(ctx context.Context, req RunRequest) (RunResult, error)
}

// Recorder receives every finished run record.
type Recorder interface {
	RecordRun(ctx context.Context, r accounting.RunRecord) error
}

// CompletionChecker reports runs that already completed in an earlier
// invocation.
type CompletionChecker interface {
	Completed(ctx context.Context, identifier string) (bool, error)
}

type Options struct {
	Settings   config.Settings
	Preparer   ImagePreparer
	Executor   RunExecutor
	Recorders  []Recorder
	Resume     CompletionChecker
	Lifecycle  *lifecycle.Manager
	Accountant *accounting.Accountant
}

// Orchestrator consumes a task stream and dispatches its runs.
type Orchestrator struct {
	settings   config.Settings
	preparer   ImagePreparer
	executor   RunExecutor
	recorders  []Recorder
	resume     CompletionChecker
	lifecycle  *lifecycle.Manager
	accountant *accounting.Accountant
	logger     *logrus.Logger

	running sync.Map // identifier -> time.Time
}

func New(opts Options) *Orchestrator {
	if opts.Lifecycle == nil {
		opts.Lifecycle = lifecycle.NewManager(nil)
	}
	if opts.Accountant == nil {
		opts.Accountant = accounting.NewAccountant()
	}
	return &Orchestrator{
		settings:   opts.Settings,
		preparer:   opts.Preparer,
		executor:   opts.Executor,
		recorders:  opts.Recorders,
		resume:     opts.Resume,
		lifecycle:  opts.Lifecycle,
		accountant: opts.Accountant,
		logger:     logging.GetLogger(),
	}
}

func (o *Orchestrator) Accountant() *accounting.Accountant {
	return o.accountant
}

// Run dispatches the stream in the mode the settings select.
func (o *Orchestrator) Run(ctx context.Context, stream *task.Stream) error {
	if o.settings.Parallel {
		return o.RunParallel(ctx, stream)
	}
	return o.RunSequential(ctx, stream)
}

// RunSequential runs every task to completion before starting the next.
// It returns lifecycle.ErrTerminated if a termination request stopped it.
func (o *Orchestrator) RunSequential(ctx context.Context, stream *task.Stream) error {
	o.logger.Info("Starting sequential execution")
	for t := range stream.All() {
		if lifecycle.WasTerminated(ctx) {
			return lifecycle.ErrTerminated
		}
		if err := o.processTask(ctx, t, o.accountant.NextIteration); err != nil {
			return err
		}
	}
	if lifecycle.WasTerminated(ctx) {
		return lifecycle.ErrTerminated
	}
	return nil
}

// Workers is the effective size of the parallel pool.
func (o *Orchestrator) Workers() int {
	if o.settings.Workers > 0 {
		return o.settings.Workers
	}
	return max(1, runtime.NumCPU()/max(1, o.settings.CPUs))
}

// RunParallel runs tasks on a bounded pool. Tasks are handed out in stream
// order and get their iteration numbers when they are handed out.
func (o *Orchestrator) RunParallel(ctx context.Context, stream *task.Stream) error {
	workers := o.Workers()
	o.logger.WithField("workers", workers).Info("Starting parallel execution")

	var g errgroup.Group
	g.SetLimit(workers)

	for t := range stream.All() {
		if lifecycle.WasTerminated(ctx) {
			break
		}
		runs := 1
		if t.Data.Tool != nil {
			runs = max(0, t.Config.RunsOrDefault(o.settings.Runs))
		}
		next := o.accountant.Reserve(runs)
		iterate := func() int {
			it := next
			next++
			return it
		}
		g.Go(func() (err error) {
			defer lifecycle.CapturePanic(&err)
			return o.processTask(ctx, t, iterate)
		})
	}

	err := g.Wait()
	if err != nil && !errors.Is(err, lifecycle.ErrTerminated) {
		return err
	}
	if err != nil || lifecycle.WasTerminated(ctx) {
		return lifecycle.ErrTerminated
	}
	return nil
}

// taskRun is the per-run bookkeeping shared by the steps of processTask.
type taskRun struct {
	state  task.RunState
	record accounting.RunRecord
}

func (o *Orchestrator) newRecord(t task.Task, cpuset string) accounting.RunRecord {
	d := t.Data
	r := accounting.RunRecord{
		Benchmark:        d.Benchmark.Name(),
		Subject:          d.Item.Subject,
		BugID:            d.Item.BugID,
		BugIndex:         d.BugIndex,
		TaskProfile:      d.TaskProfile.ID,
		ContainerProfile: d.ContainerProfile.ID,
		CPUSet:           cpuset,
	}
	if d.Tool != nil {
		r.Tool = d.Tool.Name()
	}
	return r
}

// processTask prepares the images of one task and runs it Runs times. Only a
// termination request makes it return an error.
func (o *Orchestrator) processTask(ctx context.Context, t task.Task, iterate func() int) error {
	if lifecycle.WasTerminated(ctx) {
		return lifecycle.ErrTerminated
	}
	d := t.Data
	ec := Merge(o.settings, t.Config, d)
	cpuset := resources.CPUSet(d.ContainerProfile, ec.CPUs)

	logger := o.logger.WithFields(logrus.Fields{
		"benchmark":         d.Benchmark.Name(),
		"subject":           d.Item.Subject,
		"bug_id":            d.Item.BugID,
		"bug_index":         d.BugIndex,
		"task_profile":      ec.TaskProfileID,
		"container_profile": ec.ContainerProfileID,
		"cpuset":            cpuset,
	})

	if d.Tool == nil {
		return o.prepareOnly(ctx, t, ec, cpuset, iterate, logger)
	}

	runs := max(0, ec.Runs)
	imageName := task.TaskImageIdentifier(d.Tool, d.Benchmark, d.Item, ec.ToolTag)
	identifiers := make([]string, runs)
	for i := range identifiers {
		identifiers[i] = task.RunIdentifier(d.Benchmark, d.TaskProfile, d.ContainerProfile, d.Item, d.Tool, i, ec.ToolTag)
	}

	done := o.completedRuns(ctx, identifiers)

	state, _ := task.Transition(task.StatePending, task.StateConfigured)
	prepErr := o.prepareImages(ctx, ec, t, cpuset, imageName)
	if prepErr == nil {
		state, _ = task.Transition(state, task.StateImagePrepared)
	}

	for i, id := range identifiers {
		if lifecycle.WasTerminated(ctx) {
			return lifecycle.ErrTerminated
		}
		run := taskRun{state: state, record: o.newRecord(t, cpuset)}
		run.record.Iteration = iterate()
		run.record.Identifier = id
		run.record.RunIndex = i
		run.record.ImageName = imageName

		runLogger := logger.WithFields(logrus.Fields{
			"identifier": id,
			"iteration":  run.record.Iteration,
			"run_index":  i,
		})
		runLogger.Infof("Experiment #%d - Bug #%d Run #%d", run.record.Iteration, d.BugIndex, i+1)

		if prepErr != nil {
			run.state, _ = task.Transition(run.state, task.StateFailed)
			run.record.State = run.state
			run.record.Error = prepErr.Error()
			run.record.Aborted = lifecycle.WasTerminated(ctx)
			o.finish(ctx, run.record)
			continue
		}

		if ec.OnlySetup || done[id] {
			run.state, _ = task.Transition(run.state, task.StateSkipped)
			run.record.State = run.state
			o.finish(ctx, run.record)
			continue
		}

		o.execute(ctx, ec, t, &run, cpuset, imageName, runLogger)
		o.finish(ctx, run.record)
		if run.record.Aborted {
			return lifecycle.ErrTerminated
		}
	}
	if lifecycle.WasTerminated(ctx) {
		return lifecycle.ErrTerminated
	}
	return nil
}

// prepareExperiment builds the bug image. A panicking preparer fails the
// task like any other preparation error.
func (o *Orchestrator) prepareExperiment(ctx context.Context, ec ExecutionContext, d task.TaskData, cpuset string) (image string, err error) {
	defer lifecycle.CapturePanic(&err)
	return o.preparer.PrepareExperiment(ctx, ec, d.Benchmark, d.Item, cpuset)
}

func (o *Orchestrator) prepareTool(ctx context.Context, ec ExecutionContext, experimentImage string, d task.TaskData, imageName string) (err error) {
	defer lifecycle.CapturePanic(&err)
	return o.preparer.PrepareTool(ctx, ec, experimentImage, d.Tool, imageName)
}

func (o *Orchestrator) prepareImages(ctx context.Context, ec ExecutionContext, t task.Task, cpuset, imageName string) error {
	d := t.Data
	experimentImage, err := o.prepareExperiment(ctx, ec, d, cpuset)
	if err != nil {
		o.logger.WithField("job_identifier", ec.JobIdentifier).WithError(err).Error("Failed to prepare experiment image")
		return fmt.Errorf("prepare experiment: %w", err)
	}
	if err := o.prepareTool(ctx, ec, experimentImage, d, imageName); err != nil {
		o.logger.WithField("image", imageName).WithError(err).Error("Failed to prepare tool image")
		return fmt.Errorf("prepare tool: %w", err)
	}
	return nil
}

func (o *Orchestrator) prepareOnly(ctx context.Context, t task.Task, ec ExecutionContext, cpuset string, iterate func() int, logger *logrus.Entry) error {
	d := t.Data
	rec := o.newRecord(t, cpuset)
	rec.Iteration = iterate()
	rec.Identifier = task.BugImageIdentifier(d.Benchmark, d.Item)
	rec.Started = time.Now()

	state, _ := task.Transition(task.StatePending, task.StateConfigured)
	image, err := o.prepareExperiment(ctx, ec, d, cpuset)
	if err != nil {
		logger.WithError(err).Error("Failed to prepare experiment image")
		state, _ = task.Transition(state, task.StateFailed)
		rec.Error = err.Error()
		rec.Aborted = lifecycle.WasTerminated(ctx)
	} else {
		state, _ = task.Transition(state, task.StateImagePrepared)
		state, _ = task.Transition(state, task.StateSkipped)
		rec.ImageName = image
	}
	rec.State = state
	rec.Finished = time.Now()
	o.finish(ctx, rec)

	if lifecycle.WasTerminated(ctx) {
		return lifecycle.ErrTerminated
	}
	return nil
}

func (o *Orchestrator) execute(ctx context.Context, ec ExecutionContext, t task.Task, run *taskRun, cpuset, imageName string, logger *logrus.Entry) {
	d := t.Data
	run.state, _ = task.Transition(run.state, task.StateExecuting)

	runCtx, release := o.lifecycle.RunScope(ctx, ec.Timeout)
	defer release()

	o.running.Store(run.record.Identifier, time.Now())
	defer o.running.Delete(run.record.Identifier)

	run.record.Started = time.Now()
	result, err := o.run(runCtx, RunRequest{
		Context:          ec,
		Benchmark:        d.Benchmark,
		Tool:             d.Tool,
		Item:             d.Item,
		TaskProfile:      d.TaskProfile,
		ContainerProfile: d.ContainerProfile,
		Identifier:       run.record.Identifier,
		CPUSet:           cpuset,
		ImageName:        imageName,
		Iteration:        run.record.Iteration,
		RunIndex:         run.record.RunIndex,
	})
	run.record.Finished = time.Now()
	run.record.Counters = result.Counters

	switch {
	case lifecycle.WasTerminated(runCtx):
		run.state, _ = task.Transition(run.state, task.StateFailed)
		run.record.Aborted = true
		run.record.Error = lifecycle.ErrTerminated.Error()
		logger.Warn("Run aborted by termination request")
	case lifecycle.TimedOut(runCtx):
		run.state, _ = task.Transition(run.state, task.StateFailed)
		run.record.TimedOut = true
		run.record.Error = lifecycle.ErrTimeout.Error()
		logger.WithField("timeout", ec.Timeout.String()).Error("Run timed out")
	case err != nil:
		run.state, _ = task.Transition(run.state, task.StateFailed)
		run.record.Error = err.Error()
		logger.WithError(err).Error("Run failed")
	default:
		run.state, _ = task.Transition(run.state, task.StateCompleted)
		logger.WithField("duration", run.record.Duration().Round(time.Millisecond).String()).Info("Run completed")
	}
	run.record.State = run.state
}

// run calls the executor. A panicking executor fails the run.
func (o *Orchestrator) run(ctx context.Context, req RunRequest) (result RunResult, err error) {
	defer lifecycle.CapturePanic(&err)
	return o.executor.Run(ctx, req)
}

func (o *Orchestrator) completedRuns(ctx context.Context, identifiers []string) map[string]bool {
	done := make(map[string]bool)
	if o.resume == nil || !o.settings.Resume {
		return done
	}
	for _, id := range identifiers {
		ok, err := o.resume.Completed(ctx, id)
		if err != nil {
			o.logger.WithField("identifier", id).WithError(err).Warn("Failed to look up previous run, running it again")
			continue
		}
		if ok {
			done[id] = true
		}
	}
	return done
}

// finish records a run with the accountant and every recorder. Recorder
// failures are logged and do not fail the run.
func (o *Orchestrator) finish(ctx context.Context, r accounting.RunRecord) {
	o.accountant.Record(r)
	recordCtx := context.WithoutCancel(ctx)
	for _, rec := range o.recorders {
		if err := record(recordCtx, rec, r); err != nil {
			o.logger.WithField("identifier", r.Identifier).WithError(err).Warn("Failed to record run")
		}
	}
}

// Running returns the identifiers of runs currently executing and when they
// started.
func (o *Orchestrator) Running() map[string]time.Time {
	out := make(map[string]time.Time)
	o.running.Range(func(k, v any) bool {
		out[k.(string)] = v.(time.Time)
		return true
	})
	return out
}

func record(ctx context.Context, rec Recorder, r accounting.RunRecord) (err error) {
	defer lifecycle.CapturePanic(&err)
	return rec.RecordRun(ctx, r)
}
