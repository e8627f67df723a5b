package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"repair-bench/internal/accounting"
	"repair-bench/internal/artifacts"
	"repair-bench/internal/config"
	"repair-bench/internal/container"
	"repair-bench/internal/database"
	"repair-bench/internal/execution"
	"repair-bench/internal/ledger"
	"repair-bench/internal/lifecycle"
	"repair-bench/internal/logging"
	"repair-bench/internal/reporting"
	"repair-bench/internal/resources"
	"repair-bench/internal/tool"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// ErrRunsFailed is returned when every step succeeded but at least one run
// failed.
var ErrRunsFailed = errors.New("one or more runs failed")

const reportTimeout = 30 * time.Second

var runFlags *experimentFlags

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run an experiment",
	RunE: func(cmd *cobra.Command, args []string) error {
		exp, content, err := runFlags.load(cmd.Flags())
		if err != nil {
			return err
		}
		return runExperiment(cmd.Context(), exp, content)
	},
}

func init() {
	runFlags = addExperimentFlags(runCmd.Flags())
}

var outputSubdirs = []string{"logs", "artifacts", "results", "experiments", "summaries"}

func createOutputDirectories(outputDir string) error {
	for _, sub := range outputSubdirs {
		if err := os.MkdirAll(filepath.Join(outputDir, sub), 0o755); err != nil {
			return fmt.Errorf("failed to create output directory %s: %w", sub, err)
		}
	}
	return nil
}

// invocation is one execution of an experiment. Everything it opens is
// released by close.
type invocation struct {
	sessionID string
	exp       *config.ExperimentFile
	content   string
	logger    *logrus.Logger

	accountant *accounting.Accountant
	reporters  reporting.Multi
	recorders  []execution.Recorder
	resume     execution.CompletionChecker
	closers    []func()

	tools        []string
	planChecksum string
	report       reporting.Report
}

func runExperiment(ctx context.Context, exp *config.ExperimentFile, content string) error {
	general := exp.General
	inv := &invocation{
		sessionID:  uuid.NewString(),
		exp:        exp,
		content:    content,
		logger:     logging.GetLogger(),
		accountant: accounting.NewAccountant(),
	}

	if err := createOutputDirectories(general.OutputDir); err != nil {
		return err
	}
	logFile, err := os.Create(filepath.Join(general.OutputDir, "logs", "repair-bench-"+inv.sessionID+".log"))
	if err != nil {
		return fmt.Errorf("failed to create session log: %w", err)
	}
	defer logFile.Close()
	logging.AddFileOutput(logFile)
	defer logging.AddFileOutput(io.Discard)

	spoolDir := general.Backends.SpoolDir
	if spoolDir == "" {
		spoolDir = filepath.Join(general.OutputDir, "summaries")
	}
	inv.reporters = reporting.Multi{reporting.LogReporter{}, database.SpoolReporter{Dir: spoolDir}}

	inv.logger.WithFields(logrus.Fields{
		"session_id": inv.sessionID,
		"task_type":  general.TaskType,
		"benchmark":  general.Benchmark,
		"entries":    len(exp.Entries()),
	}).Info("Starting experiment")

	m := lifecycle.NewManager(inv.finish)
	root := m.Arm(ctx)
	defer m.Stop()
	defer inv.close()

	return inv.run(root, m, inv.execute)
}

// run executes body and hands its outcome to the final report, also when body
// panics. Termination alone is not an error; ErrRunsFailed is returned when
// body succeeded but a run failed.
func (inv *invocation) run(ctx context.Context, m *lifecycle.Manager, body func(context.Context, *lifecycle.Manager) error) (err error) {
	defer func() {
		m.Finish(err)
		switch {
		case !inv.report.IsError():
			err = nil
		case err == nil:
			err = ErrRunsFailed
		}
	}()
	defer lifecycle.CapturePanic(&err)

	return body(ctx, m)
}

func (inv *invocation) execute(ctx context.Context, m *lifecycle.Manager) error {
	general := inv.exp.General

	if err := inv.openBackends(ctx); err != nil {
		return err
	}

	var docker *container.Client
	if usesContainers(inv.exp) {
		c, err := container.NewClient(general.DockerHost)
		if err != nil {
			return err
		}
		docker = c
		inv.closers = append(inv.closers, func() { docker.Close() })
	}

	var checker tool.ImageChecker
	if docker != nil {
		checker = docker
	}
	src, err := newTaskSource(general, checker)
	if err != nil {
		return err
	}
	entries, err := src.requests(ctx, inv.exp, true)
	if err != nil {
		return err
	}
	inv.tools = toolNames(entries)

	plan, err := planRuns(entries, general.Runs)
	if err != nil {
		return err
	}
	inv.planChecksum = planChecksum(plan)
	inv.logger.WithFields(logrus.Fields{
		"planned_runs":  len(plan),
		"plan_checksum": inv.planChecksum,
	}).Info("Experiment planned")

	router := &container.Router{Local: &container.LocalExecutor{WaitDelay: 10 * time.Second}}
	if docker != nil {
		var rdt resources.RDTClasses
		if needsRDT(entries) {
			rdt = resources.NewRDTClasses()
		}
		runtimes := container.NewRuntimes(func(host string) (*container.Runtime, error) {
			c, err := container.NewClient(host)
			if err != nil {
				return nil, err
			}
			return container.NewRuntime(c, general.MaxConcurrentBuilds, rdt), nil
		})
		runtimes.Add(general.DockerHost, &container.Runtime{
			Images:    container.NewImageBuilder(docker, general.MaxConcurrentBuilds),
			Container: container.NewExecutor(docker, rdt),
		})
		inv.closers = append(inv.closers, runtimes.Close)
		router.Runtimes = runtimes
	}

	o := execution.New(execution.Options{
		Settings:   general,
		Preparer:   router,
		Executor:   router,
		Recorders:  inv.recorders,
		Resume:     inv.resume,
		Lifecycle:  m,
		Accountant: inv.accountant,
	})

	if general.StatusAddr != "" {
		status := execution.NewStatusServer(general.StatusAddr, o, len(plan))
		status.Start()
		inv.closers = append(inv.closers, func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := status.Shutdown(shutdownCtx); err != nil {
				inv.logger.WithError(err).Warn("Failed to stop status server")
			}
		})
	}

	for i, e := range entries {
		stream, err := e.open()
		if err != nil {
			return err
		}
		inv.logger.WithFields(logrus.Fields{
			"entry":     i,
			"task_type": e.settings.TaskType,
			"benchmark": e.settings.Benchmark,
			"tools":     e.settings.Tools,
		}).Info("Running task entry")
		if err := o.Run(ctx, stream); err != nil {
			return err
		}
	}
	return nil
}

// openBackends connects the optional recording backends the settings enable.
func (inv *invocation) openBackends(ctx context.Context) error {
	backends := inv.exp.General.Backends

	if backends.Influx {
		cfg, err := database.InfluxConfigFromEnv()
		if err != nil {
			return err
		}
		idb, err := database.NewInfluxDBClient(cfg, inv.sessionID)
		if err != nil {
			return err
		}
		inv.closers = append(inv.closers, idb.Close)
		inv.recorders = append(inv.recorders, idb)
		inv.reporters = append(inv.reporters, idb)
	}

	if backends.LedgerURL != "" {
		l, err := ledger.Open(ctx, ledger.DefaultConfig(backends.LedgerURL), inv.sessionID)
		if err != nil {
			return err
		}
		inv.closers = append(inv.closers, func() { l.Close() })
		inv.recorders = append(inv.recorders, l)
		if inv.exp.General.Resume {
			inv.resume = l
		}
	}
	if inv.exp.General.Resume && inv.resume == nil {
		inv.logger.Warn("Resume requested without a run ledger, every run will execute")
	}

	if backends.ArtifactBucket != "" {
		up, err := artifacts.New(ctx, artifacts.ConfigFromEnv(backends.ArtifactBucket), inv.exp.General.OutputDir, inv.sessionID)
		if err != nil {
			return err
		}
		inv.recorders = append(inv.recorders, up)
	}
	return nil
}

// finish builds the final report and hands it to every reporter.
func (inv *invocation) finish(outcome lifecycle.Outcome) {
	general := inv.exp.General
	r := reporting.Build(inv.sessionID, outcome, inv.accountant)
	r.Benchmark = general.Benchmark
	r.Tools = inv.tools
	r.PlanChecksum = inv.planChecksum
	r.ConfigContent = inv.content
	checksum, err := config.SelectionChecksum(&general)
	if err != nil {
		inv.logger.WithError(err).Warn("Failed to compute selection checksum")
	}
	r.SelectionChecksum = checksum
	inv.report = r

	ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
	defer cancel()
	if err := inv.reporters.End(ctx, r); err != nil {
		inv.logger.WithError(err).Error("Failed to deliver final report")
	}
}

func (inv *invocation) close() {
	for i := len(inv.closers) - 1; i >= 0; i-- {
		inv.closers[i]()
	}
	inv.closers = nil
}
