package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/umuteyi/movliqbot/internal/coordinator"
)

type fakeSessions struct {
	mu        sync.Mutex
	refreshed []string
	all       atomic.Int32
	requests  chan string
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{requests: make(chan string, 4)}
}

func (f *fakeSessions) Refresh(ctx context.Context, email string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshed = append(f.refreshed, email)
	return nil
}

func (f *fakeSessions) RefreshAll(ctx context.Context) (int, error) {
	f.all.Add(1)
	return 1, nil
}

func (f *fakeSessions) RefreshRequests() <-chan string { return f.requests }

func (f *fakeSessions) refreshedEmails() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.refreshed...)
}

type fakeCycler struct {
	calls    atomic.Int32
	inFlight atomic.Int32
	hold     time.Duration
	err      error
	panicOn  int32
}

func (f *fakeCycler) RunCycle(ctx context.Context) (bool, error) {
	n := f.calls.Add(1)
	if n == f.panicOn {
		panic("boom")
	}
	f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	if f.hold > 0 {
		select {
		case <-time.After(f.hold):
		case <-ctx.Done():
		}
	}
	return true, f.err
}

type fakeStopper struct {
	calls    atomic.Int32
	inFlight func() int32
	sawBusy  atomic.Bool
}

func (f *fakeStopper) StopAll(ctx context.Context) error {
	f.calls.Add(1)
	if f.inFlight != nil && f.inFlight() != 0 {
		f.sawBusy.Store(true)
	}
	return nil
}

func run(t *testing.T, s *Scheduler) (cancel func()) {
	t.Helper()
	ctx, cancelCtx := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	return func() {
		cancelCtx()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(2 * time.Second):
			t.Fatal("scheduler did not stop")
		}
	}
}

func TestRoomCheckRunsImmediatelyAndPeriodically(t *testing.T) {
	t.Parallel()

	sessions := newFakeSessions()
	cycler := &fakeCycler{}
	stopper := &fakeStopper{}
	s := New(sessions, cycler, stopper, Options{
		TokenRefreshInterval: time.Hour,
		RoomCheckInterval:    time.Hour,
	})

	stop := run(t, s)
	require.Eventually(t, func() bool { return cycler.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	stop()
	require.Equal(t, int32(1), stopper.calls.Load())

	s = New(sessions, cycler, stopper, Options{
		TokenRefreshInterval: time.Hour,
		RoomCheckInterval:    10 * time.Millisecond,
	})
	stop = run(t, s)
	require.Eventually(t, func() bool { return cycler.calls.Load() >= 4 }, time.Second, 5*time.Millisecond)
	stop()
}

func TestShutdownWaitsForCycles(t *testing.T) {
	t.Parallel()

	cycler := &fakeCycler{hold: 50 * time.Millisecond}
	stopper := &fakeStopper{inFlight: cycler.inFlight.Load}
	s := New(newFakeSessions(), cycler, stopper, Options{
		TokenRefreshInterval: time.Hour,
		RoomCheckInterval:    time.Hour,
	})

	stop := run(t, s)
	require.Eventually(t, func() bool { return cycler.inFlight.Load() == 1 }, time.Second, time.Millisecond)
	stop()

	require.Equal(t, int32(1), stopper.calls.Load())
	require.False(t, stopper.sawBusy.Load())
}

func TestRefreshLoop(t *testing.T) {
	t.Parallel()

	sessions := newFakeSessions()
	s := New(sessions, &fakeCycler{}, &fakeStopper{}, Options{
		TokenRefreshInterval: 20 * time.Millisecond,
		RoomCheckInterval:    time.Hour,
	})

	stop := run(t, s)
	sessions.requests <- "a@x.io"
	require.Eventually(t, func() bool {
		return len(sessions.refreshedEmails()) == 1 && sessions.all.Load() >= 2
	}, time.Second, 5*time.Millisecond)
	stop()
	require.Equal(t, []string{"a@x.io"}, sessions.refreshedEmails())
}

func TestNoValidTokenForcesRefresh(t *testing.T) {
	t.Parallel()

	sessions := newFakeSessions()
	cycler := &fakeCycler{err: coordinator.ErrNoValidToken}
	s := New(sessions, cycler, &fakeStopper{}, Options{
		TokenRefreshInterval: time.Hour,
		RoomCheckInterval:    5 * time.Millisecond,
		ForcedRefreshGap:     time.Hour,
	})

	stop := run(t, s)
	require.Eventually(t, func() bool { return cycler.calls.Load() >= 5 }, time.Second, 5*time.Millisecond)
	stop()

	// The first failed cycle forces one refresh; the gap throttles the rest.
	require.Equal(t, int32(1), sessions.all.Load())
}

func TestCyclePanicIsContained(t *testing.T) {
	t.Parallel()

	cycler := &fakeCycler{panicOn: 1}
	s := New(newFakeSessions(), cycler, &fakeStopper{}, Options{
		TokenRefreshInterval: time.Hour,
		RoomCheckInterval:    5 * time.Millisecond,
	})

	stop := run(t, s)
	require.Eventually(t, func() bool { return cycler.calls.Load() >= 3 }, time.Second, 5*time.Millisecond)
	stop()
}
