package ledger

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"repair-bench/internal/accounting"
	"repair-bench/internal/task"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordingDriver is a database/sql driver that remembers executed
// statements and answers the completion query from a fixed set.
type recordingDriver struct {
	mu        sync.Mutex
	execs     []string
	args      [][]driver.Value
	completed map[string]bool
}

func (d *recordingDriver) Open(string) (driver.Conn, error) { return &recordingConn{d: d}, nil }

type recordingConn struct{ d *recordingDriver }

func (c *recordingConn) Prepare(query string) (driver.Stmt, error) {
	return &recordingStmt{d: c.d, query: query}, nil
}
func (c *recordingConn) Close() error              { return nil }
func (c *recordingConn) Begin() (driver.Tx, error) { return nil, driver.ErrSkip }

type recordingStmt struct {
	d     *recordingDriver
	query string
}

func (s *recordingStmt) Close() error  { return nil }
func (s *recordingStmt) NumInput() int { return -1 }

func (s *recordingStmt) Exec(args []driver.Value) (driver.Result, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	s.d.execs = append(s.d.execs, s.query)
	s.d.args = append(s.d.args, args)
	return driver.RowsAffected(1), nil
}

func (s *recordingStmt) Query(args []driver.Value) (driver.Rows, error) {
	s.d.mu.Lock()
	defer s.d.mu.Unlock()
	id, _ := args[0].(string)
	return &boolRows{value: s.d.completed[id]}, nil
}

type boolRows struct {
	value bool
	done  bool
}

func (r *boolRows) Columns() []string { return []string{"exists"} }
func (r *boolRows) Close() error      { return nil }
func (r *boolRows) Next(dest []driver.Value) error {
	if r.done {
		return io.EOF
	}
	r.done = true
	dest[0] = r.value
	return nil
}

var (
	testDriver = &recordingDriver{completed: map[string]bool{"Bench-T1-s-1-P-C-0": true}}
	registerMu sync.Once
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	registerMu.Do(func() { sql.Register("recording", testDriver) })
	l, err := open(context.Background(), "recording", DefaultConfig("recording://"), "session-1")
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig("postgres://localhost/rb").Validate())
	assert.Error(t, Config{}.Validate())
	assert.Error(t, Config{URL: "x", PingTimeout: time.Second}.Validate())
	assert.Error(t, Config{URL: "x", MaxOpenConns: 1}.Validate())
}

func TestOpenCreatesSchema(t *testing.T) {
	openTestLedger(t)
	testDriver.mu.Lock()
	defer testDriver.mu.Unlock()
	require.NotEmpty(t, testDriver.execs)
	assert.True(t, strings.HasPrefix(testDriver.execs[0], "CREATE TABLE IF NOT EXISTS repair_bench_runs"))
}

func TestRecordRun(t *testing.T) {
	l := openTestLedger(t)
	err := l.RecordRun(context.Background(), accounting.RunRecord{
		Iteration:  3,
		Identifier: "Bench-T1-s-2-P-C-0",
		State:      task.StateFailed,
		Error:      "tool crashed",
	})
	require.NoError(t, err)

	testDriver.mu.Lock()
	defer testDriver.mu.Unlock()
	last := testDriver.args[len(testDriver.args)-1]
	assert.Equal(t, "session-1", last[0])
	assert.Equal(t, "Bench-T1-s-2-P-C-0", last[1])
	assert.Equal(t, "FAILED", last[11])
	assert.Nil(t, last[14], "a run that never started has no start time")
}

func TestCompleted(t *testing.T) {
	l := openTestLedger(t)
	done, err := l.Completed(context.Background(), "Bench-T1-s-1-P-C-0")
	require.NoError(t, err)
	assert.True(t, done)

	done, err = l.Completed(context.Background(), "Bench-T1-s-9-P-C-0")
	require.NoError(t, err)
	assert.False(t, done)
}
