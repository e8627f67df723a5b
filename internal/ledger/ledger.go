// Package ledger keeps a Postgres record of every finished run so later
// invocations can resume where an earlier one stopped.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"repair-bench/internal/accounting"
	"repair-bench/internal/logging"
	"repair-bench/internal/task"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/sirupsen/logrus"
)

type Config struct {
	URL          string
	PingTimeout  time.Duration
	MaxOpenConns int
}

func (c Config) Validate() error {
	if c.URL == "" {
		return errors.New("ledger url is required")
	}
	if c.PingTimeout <= 0 {
		return errors.New("ledger ping timeout must be positive")
	}
	if c.MaxOpenConns < 1 {
		return errors.New("ledger max open conns must be >= 1")
	}
	return nil
}

// DefaultConfig returns the settings used for a ledger URL given on the
// command line.
func DefaultConfig(url string) Config {
	return Config{URL: url, PingTimeout: 5 * time.Second, MaxOpenConns: 4}
}

const schema = `CREATE TABLE IF NOT EXISTS repair_bench_runs (
	session_id        TEXT NOT NULL,
	identifier        TEXT NOT NULL,
	iteration         INTEGER NOT NULL,
	benchmark         TEXT NOT NULL,
	tool              TEXT NOT NULL,
	subject           TEXT NOT NULL,
	bug_id            TEXT NOT NULL,
	task_profile      TEXT NOT NULL,
	container_profile TEXT NOT NULL,
	run_index         INTEGER NOT NULL,
	cpuset            TEXT NOT NULL,
	state             TEXT NOT NULL,
	error             TEXT NOT NULL DEFAULT '',
	timed_out         BOOLEAN NOT NULL DEFAULT FALSE,
	started_at        TIMESTAMPTZ,
	finished_at       TIMESTAMPTZ,
	PRIMARY KEY (session_id, identifier)
)`

const insertRun = `INSERT INTO repair_bench_runs (
	session_id, identifier, iteration, benchmark, tool, subject, bug_id,
	task_profile, container_profile, run_index, cpuset, state, error,
	timed_out, started_at, finished_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
ON CONFLICT (session_id, identifier) DO UPDATE SET
	state = EXCLUDED.state,
	error = EXCLUDED.error,
	timed_out = EXCLUDED.timed_out,
	finished_at = EXCLUDED.finished_at`

const completedRun = `SELECT EXISTS (
	SELECT 1 FROM repair_bench_runs WHERE identifier = $1 AND state = $2
)`

// Ledger records runs of one session.
type Ledger struct {
	db        *sql.DB
	sessionID string
}

// Open connects to Postgres through pgx and creates the runs table when it
// does not exist yet.
func Open(ctx context.Context, cfg Config, sessionID string) (*Ledger, error) {
	return open(ctx, "pgx", cfg, sessionID)
}

func open(ctx context.Context, driver string, cfg Config, sessionID string) (*Ledger, error) {
	logger := logging.GetLogger()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		logger.WithError(err).Error("Failed to reach run ledger")
		return nil, fmt.Errorf("ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	logger.WithField("session_id", sessionID).Info("Connected to run ledger")
	return &Ledger{db: db, sessionID: sessionID}, nil
}

func (l *Ledger) RecordRun(ctx context.Context, r accounting.RunRecord) error {
	_, err := l.db.ExecContext(ctx, insertRun,
		l.sessionID, r.Identifier, r.Iteration, r.Benchmark, r.Tool, r.Subject, r.BugID,
		r.TaskProfile, r.ContainerProfile, r.RunIndex, r.CPUSet, string(r.State), r.Error,
		r.TimedOut, nullTime(r.Started), nullTime(r.Finished),
	)
	if err != nil {
		logging.GetLogger().WithFields(logrus.Fields{
			"identifier": r.Identifier,
			"state":      r.State,
		}).WithError(err).Error("Failed to record run")
		return fmt.Errorf("record run %s: %w", r.Identifier, err)
	}
	return nil
}

// Completed reports whether any session recorded identifier as completed.
func (l *Ledger) Completed(ctx context.Context, identifier string) (bool, error) {
	var done bool
	if err := l.db.QueryRowContext(ctx, completedRun, identifier, string(task.StateCompleted)).Scan(&done); err != nil {
		return false, fmt.Errorf("look up run %s: %w", identifier, err)
	}
	return done, nil
}

func (l *Ledger) Close() error {
	return l.db.Close()
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
