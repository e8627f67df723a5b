package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"sync"
	"syscall"
	"time"

	"repair-bench/internal/logging"

	"github.com/sirupsen/logrus"
)

var (
	// ErrTerminated is the cancellation cause after a termination request.
	ErrTerminated = errors.New("terminated by signal")
	// ErrTimeout is the cancellation cause of a run that hit its deadline or
	// was interrupted by an alarm.
	ErrTimeout = errors.New("run timed out")
	// ErrPanic wraps a panic recovered by CapturePanic.
	ErrPanic = errors.New("panic")
)

type Classification string

const (
	Completed  Classification = "completed"
	Terminated Classification = "terminated"
	Errored    Classification = "error"
)

// Classify maps the error an invocation ended with to its report class.
// Termination is a clean exit.
func Classify(err error) Classification {
	switch {
	case err == nil:
		return Completed
	case errors.Is(err, ErrTerminated):
		return Terminated
	default:
		return Errored
	}
}

// Outcome is handed to the finish hook.
type Outcome struct {
	Err            error
	Classification Classification
	Started        time.Time
	Duration       time.Duration
}

func (o Outcome) IsError() bool {
	return o.Classification == Errored
}

// Manager turns process signals into context cancellation and guarantees a
// single final report.
//
// SIGINT and SIGTERM cancel the root context with ErrTerminated. SIGALRM
// cancels every open run scope with ErrTimeout and leaves the root context
// alone.
type Manager struct {
	logger   *logrus.Logger
	onFinish func(Outcome)
	started  time.Time

	signals chan os.Signal

	armOnce    sync.Once
	root       context.Context
	cancelRoot context.CancelCauseFunc

	finishOnce sync.Once

	mu     sync.Mutex
	nextID uint64
	scopes map[uint64]context.CancelCauseFunc
}

// NewManager returns a manager that calls onFinish exactly once from Finish.
func NewManager(onFinish func(Outcome)) *Manager {
	return &Manager{
		logger:   logging.GetLogger(),
		onFinish: onFinish,
		started:  time.Now(),
		signals:  make(chan os.Signal, 4),
		scopes:   make(map[uint64]context.CancelCauseFunc),
	}
}

// Arm installs the signal handlers and returns the root context of the
// invocation. Only the first call installs anything; later calls return the
// same context.
func (m *Manager) Arm(ctx context.Context) context.Context {
	m.armOnce.Do(func() {
		m.root, m.cancelRoot = context.WithCancelCause(ctx)
		signal.Notify(m.signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGALRM)
		go m.handleSignals()
	})
	return m.root
}

func (m *Manager) handleSignals() {
	for {
		select {
		case sig := <-m.signals:
			switch sig {
			case syscall.SIGALRM:
				m.logger.Warn("Received alarm, aborting in-flight runs")
				m.TimeoutAll()
			default:
				m.logger.WithField("signal", sig.String()).Info("Received termination signal, shutting down")
				m.Terminate()
			}
		case <-m.root.Done():
			return
		}
	}
}

// Terminate cancels the root context with ErrTerminated.
func (m *Manager) Terminate() {
	if m.cancelRoot != nil {
		m.cancelRoot(ErrTerminated)
	}
}

// TimeoutAll cancels every open run scope with ErrTimeout.
func (m *Manager) TimeoutAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, cancel := range m.scopes {
		cancel(ErrTimeout)
	}
}

// RunScope derives the context of one run. A positive timeout bounds it;
// either way an alarm cancels it with ErrTimeout. The returned cancel must be
// called when the run ends.
func (m *Manager) RunScope(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	cancelTimeout := context.CancelFunc(func() {})
	if timeout > 0 {
		ctx, cancelTimeout = context.WithTimeoutCause(ctx, timeout, ErrTimeout)
	}
	ctx, cancel := context.WithCancelCause(ctx)

	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.scopes[id] = cancel
	m.mu.Unlock()

	return ctx, func() {
		m.mu.Lock()
		delete(m.scopes, id)
		m.mu.Unlock()
		cancel(context.Canceled)
		cancelTimeout()
	}
}

// OpenScopes is the number of run scopes not yet released.
func (m *Manager) OpenScopes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.scopes)
}

// Finish classifies err and runs the finish hook. Only the first call has
// any effect; it reports whether this call ran the hook.
func (m *Manager) Finish(err error) bool {
	ran := false
	m.finishOnce.Do(func() {
		ran = true
		outcome := Outcome{
			Err:            err,
			Classification: Classify(err),
			Started:        m.started,
			Duration:       time.Since(m.started),
		}
		m.logger.WithFields(logrus.Fields{
			"classification": outcome.Classification,
			"duration":       outcome.Duration.Round(time.Millisecond).String(),
		}).Info("Finishing")
		if m.onFinish != nil {
			m.onFinish(outcome)
		}
	})
	return ran
}

// Stop uninstalls the signal handlers and releases the root context.
func (m *Manager) Stop() {
	signal.Stop(m.signals)
	if m.cancelRoot != nil {
		m.cancelRoot(context.Canceled)
	}
}

// TimedOut reports whether ctx was cancelled because of a deadline or alarm.
func TimedOut(ctx context.Context) bool {
	return errors.Is(context.Cause(ctx), ErrTimeout)
}

// WasTerminated reports whether ctx was cancelled by a termination request.
func WasTerminated(ctx context.Context) bool {
	return errors.Is(context.Cause(ctx), ErrTerminated)
}

// CapturePanic must be deferred directly. It turns a panic of the deferring
// function into an error wrapping ErrPanic stored in *err.
func CapturePanic(err *error) {
	v := recover()
	if v == nil {
		return
	}
	*err = fmt.Errorf("%w: %v", ErrPanic, v)
	logging.GetLogger().WithField("stack", string(debug.Stack())).WithError(*err).Error("Recovered from panic")
}
