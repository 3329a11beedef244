package telemetry

import (
	"context"
	"sync"
	"time"

	"github.com/umuteyi/movliqbot/internal/actor"
	"github.com/umuteyi/movliqbot/internal/hub"
	"github.com/umuteyi/movliqbot/pkg/logger"
)

// CheckpointFunc observes the 30 second checkpoints of a stream.
type CheckpointFunc func(agent string, room int64, cp Checkpoint)

// Runtime interprets connection effects against a hub transport.
//
// Runtime never touches State. Everything it learns goes back to the loop
// through emit.
type Runtime struct {
	agent         string
	transport     hub.Transport
	invokeTimeout time.Duration
	sample        func() Sample
	now           func() time.Time
	onCheckpoint  CheckpointFunc
	log           *logger.Logger

	mu         sync.Mutex
	warmups    map[int64]*time.Timer
	generators map[int64]context.CancelFunc
	stopped    bool
}

func newRuntime(agent string, transport hub.Transport, opts Options, log *logger.Logger) *Runtime {
	return &Runtime{
		agent:         agent,
		transport:     transport,
		invokeTimeout: opts.InvokeTimeout,
		sample:        opts.Sampler,
		now:           opts.Now,
		onCheckpoint:  opts.OnCheckpoint,
		log:           log,
		warmups:       make(map[int64]*time.Timer),
		generators:    make(map[int64]context.CancelFunc),
	}
}

// HandleEffects implements actor.Runtime.
func (r *Runtime) HandleEffects(ctx context.Context, effects []actor.Effect, emit func(actor.Input)) {
	for _, eff := range effects {
		select {
		case <-ctx.Done():
			return
		default:
		}

		switch e := eff.(type) {
		case effConnect:
			r.connect(ctx, emit)
		case effJoinRoom:
			go func() {
				err := r.invoke(ctx, hub.MethodJoinRoom, e.Room)
				if err != nil {
					r.log.Warnf("join room %d: %v", e.Room, err)
				} else {
					r.log.Infof("subscribed to room %d", e.Room)
				}
				emit(evJoinDone{Room: e.Room, Err: err})
			}()
		case effLeaveRoom:
			go func() {
				err := r.invoke(ctx, hub.MethodLeaveRoom, e.Room)
				emit(evLeaveDone{Room: e.Room, Err: err, Reply: e.Reply})
			}()
		case effStartWarmup:
			r.startWarmup(e, emit)
		case effStartGenerator:
			r.startGenerator(ctx, e, emit)
		case effStopGenerator:
			r.stopGenerator(e.Room)
		case effPushLocation:
			go r.push(ctx, e, emit)
		case effCheckpoint:
			r.checkpoint(e)
		case effDisconnect:
			go r.disconnect(ctx, e, emit)
		default:
			// Unknown effect: ignore.
		}
	}
}

// Stop implements actor.Runtime. It cancels timers and generators and
// closes the transport.
func (r *Runtime) Stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	for room, t := range r.warmups {
		t.Stop()
		delete(r.warmups, room)
	}
	for room, cancel := range r.generators {
		cancel()
		delete(r.generators, room)
	}
	r.mu.Unlock()

	if err := r.transport.Close(); err != nil {
		r.log.Debugf("close transport: %v", err)
	}
}

func (r *Runtime) connect(ctx context.Context, emit func(actor.Input)) {
	go func() {
		if err := r.transport.Start(ctx); err != nil {
			if ctx.Err() == nil {
				r.log.Warnf("connect: %v", err)
			}
			emit(evConnectFailed{Err: err})
		}
	}()
}

func (r *Runtime) invoke(ctx context.Context, method string, args ...any) error {
	if r.invokeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.invokeTimeout)
		defer cancel()
	}
	return r.transport.Invoke(ctx, method, args...)
}

func (r *Runtime) startWarmup(e effStartWarmup, emit func(actor.Input)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	if t, ok := r.warmups[e.Room]; ok {
		t.Stop()
	}
	r.log.Debugf("room %d: telemetry starts in %s", e.Room, e.Delay)
	r.warmups[e.Room] = time.AfterFunc(e.Delay, func() {
		emit(evWarmupDone{Room: e.Room, Gen: e.Gen, At: r.now()})
	})
}

func (r *Runtime) startGenerator(ctx context.Context, e effStartGenerator, emit func(actor.Input)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}
	if cancel, ok := r.generators[e.Room]; ok {
		cancel()
	}
	genCtx, cancel := context.WithCancel(ctx)
	r.generators[e.Room] = cancel

	go func() {
		ticker := time.NewTicker(e.Period)
		defer ticker.Stop()
		for {
			select {
			case <-genCtx.Done():
				return
			case <-ticker.C:
				emit(evTick{Room: e.Room, Gen: e.Gen, At: r.now(), Sample: r.sample()})
			}
		}
	}()
}

func (r *Runtime) stopGenerator(room int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.warmups[room]; ok {
		t.Stop()
		delete(r.warmups, room)
	}
	if cancel, ok := r.generators[room]; ok {
		cancel()
		delete(r.generators, room)
	}
}

func (r *Runtime) push(ctx context.Context, e effPushLocation, emit func(actor.Input)) {
	t := e.Totals
	err := r.invoke(ctx, hub.MethodUpdateLocation, e.Room, t.Distance, t.Steps, t.Calories, t.Pace)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		r.log.Warnf("room %d: location update failed: %v", e.Room, err)
		emit(evPushFailed{Room: e.Room, Gen: e.Gen, Err: err})
		return
	}
	r.log.Tracef("room %d: distance=%.2f steps=%d calories=%d pace=%.3f",
		e.Room, t.Distance, t.Steps, t.Calories, t.Pace)
}

func (r *Runtime) checkpoint(e effCheckpoint) {
	if r.onCheckpoint != nil {
		r.onCheckpoint(r.agent, e.Room, e.Checkpoint)
		return
	}
	r.log.Debugf("room %d: checkpoint distance=%.2f steps=%d",
		e.Room, e.Checkpoint.Distance, e.Checkpoint.Steps)
}

// disconnect leaves the given rooms best-effort, then closes the transport.
func (r *Runtime) disconnect(ctx context.Context, e effDisconnect, emit func(actor.Input)) {
	for _, room := range e.Rooms {
		if err := r.invoke(ctx, hub.MethodLeaveRoom, room); err != nil {
			r.log.Debugf("leave room %d: %v", room, err)
		}
	}
	if err := r.transport.Close(); err != nil {
		r.log.Debugf("close transport: %v", err)
	}
	emit(evStopped{})
}
