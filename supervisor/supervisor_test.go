package supervisor

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signal18/pg-ha-keeper/internal/kerrors"
	"github.com/signal18/pg-ha-keeper/retry"
)

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetLevel(logrus.PanicLevel)
	return logrus.NewEntry(l)
}

func TestRunNoErrorAfterServiceReturnsCleanly(t *testing.T) {
	s := New(testLog(), Service{
		Name: "clean",
		Run:  func(ctx context.Context) error { return nil },
	})
	s.RestartPolicy = retry.Policy{Base: time.Millisecond, Factor: 2, Cap: 10 * time.Millisecond, MaxAttempts: 1}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after its context expired")
	}
}

func TestRunRestartsCrashedService(t *testing.T) {
	var attempts int32
	s := New(testLog(), Service{
		Name: "flaky",
		Run: func(ctx context.Context) error {
			n := atomic.AddInt32(&attempts, 1)
			if n < 3 {
				return errors.New("transient hiccup")
			}
			<-ctx.Done()
			return nil
		},
	})
	s.RestartPolicy = retry.Policy{Base: time.Millisecond, Factor: 1.5, Cap: 10 * time.Millisecond, MaxAttempts: 10}

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	err := s.Run(ctx)
	assert.NoError(t, err)
	assert.GreaterOrEqual(t, int(atomic.LoadInt32(&attempts)), 3)
}

func TestRunStopsOnFatalServiceExhaustion(t *testing.T) {
	fatalErr := kerrors.New(kerrors.Consistency, "test_op", "", "", errors.New("state diverged"))

	s := New(testLog(), Service{
		Name:  "critical",
		Fatal: true,
		Run: func(ctx context.Context) error {
			return fatalErr
		},
	})
	s.RestartPolicy = retry.Policy{Base: time.Millisecond, Factor: 1, Cap: time.Millisecond, MaxAttempts: 3}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := s.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, fatalErr)
}

func TestRunGivesUpOnNonFatalServiceWithoutStoppingOthers(t *testing.T) {
	var flakyAttempts int32
	var steadyRunning int32

	s := New(testLog(),
		Service{
			Name: "flaky-nonfatal",
			Run: func(ctx context.Context) error {
				atomic.AddInt32(&flakyAttempts, 1)
				return errors.New("keeps failing")
			},
		},
		Service{
			Name: "steady",
			Run: func(ctx context.Context) error {
				atomic.StoreInt32(&steadyRunning, 1)
				<-ctx.Done()
				return nil
			},
		},
	)
	s.RestartPolicy = retry.Policy{Base: time.Millisecond, Factor: 1, Cap: time.Millisecond, MaxAttempts: 3}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	err := s.Run(ctx)
	assert.NoError(t, err)
	assert.Equal(t, int32(3), atomic.LoadInt32(&flakyAttempts))
	assert.Equal(t, int32(1), atomic.LoadInt32(&steadyRunning))
}

func TestPIDLockRejectsSecondAcquire(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/keeper.pid"

	l1, err := Acquire(path)
	require.NoError(t, err)
	defer l1.Release()

	_, err = Acquire(path)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
}

func TestPIDLockReleaseAllowsReacquire(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/keeper.pid"

	l1, err := Acquire(path)
	require.NoError(t, err)
	require.NoError(t, l1.Release())

	l2, err := Acquire(path)
	require.NoError(t, err)
	require.NoError(t, l2.Release())
}
