// Package scheduler runs the bot's periodic loops: token refresh and room
// checks. It owns shutdown ordering: loops stop first, in-flight cycles
// finish, then every telemetry connection is stopped.
package scheduler

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/umuteyi/movliqbot/internal/coordinator"
	"github.com/umuteyi/movliqbot/pkg/logger"
)

// Sessions refreshes agent tokens.
type Sessions interface {
	Refresh(ctx context.Context, email string) error
	RefreshAll(ctx context.Context) (int, error)
	RefreshRequests() <-chan string
}

// Cycler runs one non-overlapping join cycle.
type Cycler interface {
	RunCycle(ctx context.Context) (bool, error)
}

// Stopper stops every telemetry connection.
type Stopper interface {
	StopAll(ctx context.Context) error
}

// Options sets the loop periods.
type Options struct {
	TokenRefreshInterval time.Duration
	RoomCheckInterval    time.Duration
	// ForcedRefreshGap is the minimum time between the full refreshes
	// triggered when no agent holds a valid token.
	ForcedRefreshGap time.Duration
}

// Scheduler drives the Sessions, Cycler and Stopper.
type Scheduler struct {
	sessions Sessions
	cycler   Cycler
	stopper  Stopper
	opts     Options
	log      *logger.Logger

	cycles     sync.WaitGroup
	refreshNow chan struct{}
}

// New returns a Scheduler.
func New(sessions Sessions, cycler Cycler, stopper Stopper, opts Options) *Scheduler {
	if opts.TokenRefreshInterval <= 0 {
		opts.TokenRefreshInterval = 30 * time.Minute
	}
	if opts.RoomCheckInterval <= 0 {
		opts.RoomCheckInterval = 5 * time.Second
	}
	if opts.ForcedRefreshGap <= 0 {
		opts.ForcedRefreshGap = time.Minute
	}
	return &Scheduler{
		sessions:   sessions,
		cycler:     cycler,
		stopper:    stopper,
		opts:       opts,
		log:        logger.With("scheduler"),
		refreshNow: make(chan struct{}, 1),
	}
}

// Run blocks until ctx is canceled, then waits for in-flight cycles and
// stops all connections. The shutdown uses a fresh context; each
// connection bounds its own stop.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Infof("started: room check every %s, token refresh every %s",
		s.opts.RoomCheckInterval, s.opts.TokenRefreshInterval)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.refreshLoop(gctx) })
	g.Go(func() error { return s.roomLoop(gctx) })
	err := g.Wait()

	s.cycles.Wait()
	s.log.Infof("stopping telemetry connections")
	if stopErr := s.stopper.StopAll(context.Background()); stopErr != nil {
		s.log.Warnf("shutdown: %v", stopErr)
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Scheduler) refreshLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.TokenRefreshInterval)
	defer ticker.Stop()

	var last time.Time
	refreshAll := func() {
		last = time.Now()
		s.safely("token refresh", func() {
			n, err := s.sessions.RefreshAll(ctx)
			if err != nil && ctx.Err() == nil {
				s.log.Warnf("token refresh: %v", err)
			}
			s.log.Infof("token refresh: %d agent(s) refreshed", n)
		})
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			refreshAll()
		case <-s.refreshNow:
			if time.Since(last) < s.opts.ForcedRefreshGap {
				continue
			}
			s.log.Infof("no valid token, refreshing all agents now")
			refreshAll()
		case email := <-s.sessions.RefreshRequests():
			s.safely("refresh "+email, func() {
				if err := s.sessions.Refresh(ctx, email); err != nil && ctx.Err() == nil {
					s.log.Warnf("refresh %s: %v", email, err)
				}
			})
		}
	}
}

func (s *Scheduler) roomLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.RoomCheckInterval)
	defer ticker.Stop()

	s.startCycle(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.startCycle(ctx)
		}
	}
}

// startCycle runs a cycle in the background so a slow cycle never delays
// the ticker; the coordinator itself drops overlapping cycles.
func (s *Scheduler) startCycle(ctx context.Context) {
	s.cycles.Add(1)
	go func() {
		defer s.cycles.Done()
		s.safely("room check", func() {
			ran, err := s.cycler.RunCycle(ctx)
			switch {
			case !ran:
			case errors.Is(err, coordinator.ErrNoValidToken):
				s.log.Warnf("room check: %v", err)
				select {
				case s.refreshNow <- struct{}{}:
				default:
				}
			case err != nil && ctx.Err() == nil:
				s.log.Warnf("room check: %v", err)
			}
		})
	}()
}

// safely runs fn, logging instead of propagating a panic.
func (s *Scheduler) safely(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorf("%s panicked: %v\n%s", what, r, debug.Stack())
		}
	}()
	fn()
}
