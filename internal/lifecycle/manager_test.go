package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitDone(t *testing.T, ctx context.Context) {
	t.Helper()
	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("context was not cancelled")
	}
}

func TestClassify(t *testing.T) {
	assert.Equal(t, Completed, Classify(nil))
	assert.Equal(t, Terminated, Classify(ErrTerminated))
	assert.Equal(t, Terminated, Classify(fmt.Errorf("run loop: %w", ErrTerminated)))
	assert.Equal(t, Errored, Classify(errors.New("boom")))
	assert.Equal(t, Errored, Classify(ErrTimeout))
}

func TestManager_TerminationSignal(t *testing.T) {
	m := NewManager(nil)
	defer m.Stop()
	root := m.Arm(context.Background())

	m.signals <- syscall.SIGTERM
	waitDone(t, root)
	assert.True(t, WasTerminated(root))
}

func TestManager_ArmIsIdempotent(t *testing.T) {
	m := NewManager(nil)
	defer m.Stop()
	first := m.Arm(context.Background())
	second := m.Arm(context.Background())
	assert.Equal(t, first, second)
}

func TestManager_AlarmCancelsRunScopesOnly(t *testing.T) {
	m := NewManager(nil)
	defer m.Stop()
	root := m.Arm(context.Background())

	runCtx, release := m.RunScope(root, 0)
	defer release()

	m.signals <- syscall.SIGALRM
	waitDone(t, runCtx)
	assert.True(t, TimedOut(runCtx))
	assert.NoError(t, root.Err(), "alarm must not stop the invocation")
}

func TestManager_RunScopeDeadline(t *testing.T) {
	m := NewManager(nil)
	runCtx, release := m.RunScope(context.Background(), 20*time.Millisecond)
	defer release()

	waitDone(t, runCtx)
	assert.True(t, TimedOut(runCtx))
}

func TestManager_RunScopeRelease(t *testing.T) {
	m := NewManager(nil)
	_, release := m.RunScope(context.Background(), time.Minute)
	assert.Equal(t, 1, m.OpenScopes())
	release()
	assert.Equal(t, 0, m.OpenScopes())
}

func TestManager_TerminationReachesRunScope(t *testing.T) {
	m := NewManager(nil)
	defer m.Stop()
	root := m.Arm(context.Background())
	runCtx, release := m.RunScope(root, time.Minute)
	defer release()

	m.Terminate()
	waitDone(t, runCtx)
	assert.True(t, WasTerminated(runCtx))
	assert.False(t, TimedOut(runCtx))
}

func TestManager_FinishRunsOnce(t *testing.T) {
	var (
		mu       sync.Mutex
		outcomes []Outcome
	)
	m := NewManager(func(o Outcome) {
		mu.Lock()
		defer mu.Unlock()
		outcomes = append(outcomes, o)
	})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.Finish(ErrTerminated)
		}()
	}
	wg.Wait()
	assert.False(t, m.Finish(errors.New("late")))

	require.Len(t, outcomes, 1)
	assert.Equal(t, Terminated, outcomes[0].Classification)
	assert.False(t, outcomes[0].IsError())
}

func TestCapturePanic(t *testing.T) {
	run := func() (err error) {
		defer CapturePanic(&err)
		var m map[string]int
		m["x"] = 1
		return nil
	}
	err := run()
	require.ErrorIs(t, err, ErrPanic)
	assert.Contains(t, err.Error(), "nil map")
	assert.Equal(t, Errored, Classify(err))

	calm := func() (err error) {
		defer CapturePanic(&err)
		return ErrTerminated
	}
	assert.ErrorIs(t, calm(), ErrTerminated)
}
