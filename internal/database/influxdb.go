package database

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"repair-bench/internal/accounting"
	"repair-bench/internal/logging"
	"repair-bench/internal/reporting"
	"repair-bench/internal/task"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sirupsen/logrus"
)

// InfluxConfig locates the bucket run metrics are written to.
type InfluxConfig struct {
	Host   string
	Token  string
	Org    string
	Bucket string
}

var influxEnv = []string{
	"INFLUXDB_HOST",
	"INFLUXDB_TOKEN",
	"INFLUXDB_ORG",
	"INFLUXDB_BUCKET",
}

// InfluxConfigFromEnv reads the INFLUXDB_* variables, usually loaded from
// a .env file.
func InfluxConfigFromEnv() (InfluxConfig, error) {
	logger := logging.GetLogger()

	var missing []string
	for _, name := range influxEnv {
		if os.Getenv(name) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		logger.WithField("missing_vars", missing).Error("Missing required environment variables")
		return InfluxConfig{}, fmt.Errorf("missing required environment variables: %v. Please ensure your .env file contains these variables", missing)
	}
	return InfluxConfig{
		Host:   os.Getenv("INFLUXDB_HOST"),
		Token:  os.Getenv("INFLUXDB_TOKEN"),
		Org:    os.Getenv("INFLUXDB_ORG"),
		Bucket: os.Getenv("INFLUXDB_BUCKET"),
	}, nil
}

// InfluxDBClient writes one point per finished run and one summary point
// per invocation. It is both a run recorder and a reporter.
type InfluxDBClient struct {
	client    influxdb2.Client
	writeAPI  api.WriteAPIBlocking
	bucket    string
	org       string
	sessionID string
}

func NewInfluxDBClient(cfg InfluxConfig, sessionID string) (*InfluxDBClient, error) {
	logger := logging.GetLogger()

	client := influxdb2.NewClient(cfg.Host, cfg.Token)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		logger.WithField("host", cfg.Host).WithError(err).Error("Failed to connect to InfluxDB")
		return nil, err
	}
	if health.Status != "pass" {
		client.Close()
		message := ""
		if health.Message != nil {
			message = *health.Message
		}
		logger.WithFields(logrus.Fields{
			"host":    cfg.Host,
			"status":  health.Status,
			"message": message,
		}).Error("InfluxDB health check failed")
		return nil, fmt.Errorf("influxdb at %s is not healthy: %s", cfg.Host, health.Status)
	}

	logger.WithFields(logrus.Fields{
		"host":   cfg.Host,
		"bucket": cfg.Bucket,
		"org":    cfg.Org,
	}).Info("Connected to InfluxDB")

	return &InfluxDBClient{
		client:    client,
		writeAPI:  client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		bucket:    cfg.Bucket,
		org:       cfg.Org,
		sessionID: sessionID,
	}, nil
}

func (idb *InfluxDBClient) RecordRun(ctx context.Context, r accounting.RunRecord) error {
	if err := idb.writeAPI.WritePoint(ctx, runPoint(idb.sessionID, r)); err != nil {
		return fmt.Errorf("failed to write run point: %w", err)
	}
	return nil
}

func (idb *InfluxDBClient) End(ctx context.Context, r reporting.Report) error {
	if err := idb.writeAPI.WritePoint(ctx, summaryPoint(r)); err != nil {
		logging.GetLogger().WithError(err).Error("Failed to export summary")
		return fmt.Errorf("failed to write summary: %w", err)
	}
	return nil
}

func (idb *InfluxDBClient) Close() {
	idb.client.Close()
}

func runPoint(sessionID string, r accounting.RunRecord) *write.Point {
	fields := map[string]interface{}{
		"identifier":       r.Identifier,
		"iteration":        r.Iteration,
		"bug_index":        r.BugIndex,
		"run_index":        r.RunIndex,
		"cpuset":           r.CPUSet,
		"duration_seconds": r.Duration().Seconds(),
		"timed_out":        r.TimedOut,
		"aborted":          r.Aborted,
	}
	if r.Error != "" {
		fields["error"] = r.Error
	}
	for name, value := range r.Counters {
		fields["perf_"+name] = value
	}

	ts := r.Finished
	if ts.IsZero() {
		ts = time.Now()
	}
	return influxdb2.NewPoint("run_metrics",
		map[string]string{
			"session_id":        sessionID,
			"benchmark":         r.Benchmark,
			"tool":              r.Tool,
			"subject":           r.Subject,
			"bug_id":            r.BugID,
			"task_profile":      r.TaskProfile,
			"container_profile": r.ContainerProfile,
			"state":             string(r.State),
		},
		fields,
		ts)
}

func summaryPoint(r reporting.Report) *write.Point {
	fields := map[string]interface{}{
		"classification":     string(r.Classification),
		"is_error":           r.IsError(),
		"iterations":         r.Summary.Iterations,
		"duration_seconds":   int64(r.Summary.Duration.Seconds()),
		"selection_checksum": r.SelectionChecksum,
		"plan_checksum":      r.PlanChecksum,
	}
	for _, state := range []task.RunState{task.StateCompleted, task.StateFailed, task.StateSkipped} {
		fields["total_"+string(state)] = r.Summary.Totals[state]
	}
	if r.Host != nil {
		fields["hostname"] = r.Host.Hostname
		fields["kernel_version"] = r.Host.KernelVersion
		fields["cpu_model"] = r.Host.CPUModel
		fields["total_cpu_cores"] = r.Host.TotalCores
	}

	return influxdb2.NewPoint("experiment_meta",
		map[string]string{
			"session_id": r.SessionID,
			"benchmark":  r.Benchmark,
			"tools":      strings.Join(r.Tools, ","),
		},
		fields,
		r.CreatedAt)
}
