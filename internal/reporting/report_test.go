package reporting

import (
	"context"
	"errors"
	"testing"

	"repair-bench/internal/accounting"
	"repair-bench/internal/lifecycle"
	"repair-bench/internal/task"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeReporter struct {
	reports []Report
	err     error
}

func (f *fakeReporter) End(_ context.Context, r Report) error {
	f.reports = append(f.reports, r)
	return f.err
}

func TestBuild(t *testing.T) {
	acc := accounting.NewAccountant()
	acc.Record(accounting.RunRecord{Iteration: acc.NextIteration(), Identifier: "a", State: task.StateCompleted})
	acc.Record(accounting.RunRecord{Iteration: acc.NextIteration(), Identifier: "b", State: task.StateFailed})

	r := Build("session", lifecycle.Outcome{Classification: lifecycle.Completed}, acc)
	assert.Equal(t, "session", r.SessionID)
	assert.Len(t, r.Records, 2)
	assert.Equal(t, 2, r.Summary.Iterations)
	assert.NotNil(t, r.Host)
	assert.True(t, r.IsError(), "a failed run makes the report an error")
}

func TestIsError(t *testing.T) {
	terminated := Build("s", lifecycle.Outcome{Err: lifecycle.ErrTerminated, Classification: lifecycle.Terminated}, accounting.NewAccountant())
	assert.False(t, terminated.IsError())
	assert.Empty(t, terminated.Error)

	failed := Build("s", lifecycle.Outcome{Err: errors.New("boom"), Classification: lifecycle.Errored}, nil)
	assert.True(t, failed.IsError())
	assert.Equal(t, "boom", failed.Error)
}

func TestMulti(t *testing.T) {
	a, b := &fakeReporter{}, &fakeReporter{err: errors.New("unreachable")}
	c := &fakeReporter{}
	err := Multi{a, b, c, LogReporter{}}.End(context.Background(), Report{SessionID: "s"})
	require.Error(t, err)
	assert.Len(t, a.reports, 1)
	assert.Len(t, c.reports, 1, "a failing reporter does not stop the others")
}
