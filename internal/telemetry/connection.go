// Package telemetry keeps one hub connection per agent and streams synthetic
// movement for every room the agent has joined.
//
// Each Connection is an actor: a pure reducer owns the connection and room
// state, and a Runtime performs transport calls, warm-up timers and tick
// generators, reporting back through events. Race events from the hub
// restart or stop a room's generator.
package telemetry

import (
	"context"
	"errors"
	"time"

	"github.com/umuteyi/movliqbot/internal/actor"
	"github.com/umuteyi/movliqbot/internal/hub"
	"github.com/umuteyi/movliqbot/pkg/logger"
)

// Options tunes a Connection.
type Options struct {
	// WarmupDelay separates a successful join, or a race start, from the
	// first tick.
	WarmupDelay time.Duration
	// TickPeriod is the interval between location pushes.
	TickPeriod time.Duration
	// InvokeTimeout bounds each hub invocation; zero leaves it to the
	// caller's context.
	InvokeTimeout time.Duration

	// Sampler draws a tick's increment; nil uses RandomSample.
	Sampler func() Sample
	// Now stamps ticks; nil uses time.Now.
	Now func() time.Time
	// OnCheckpoint observes checkpoints; nil logs them.
	OnCheckpoint CheckpointFunc
}

// Defaults.
const (
	DefaultWarmupDelay   = 10 * time.Second
	DefaultTickPeriod    = 5 * time.Second
	DefaultInvokeTimeout = 15 * time.Second
)

func (o Options) withDefaults() Options {
	if o.WarmupDelay <= 0 {
		o.WarmupDelay = DefaultWarmupDelay
	}
	if o.TickPeriod <= 0 {
		o.TickPeriod = DefaultTickPeriod
	}
	if o.InvokeTimeout < 0 {
		o.InvokeTimeout = 0
	}
	if o.Sampler == nil {
		o.Sampler = RandomSample
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Connection is one agent's hub connection.
type Connection struct {
	agent string
	token string
	log   *logger.Logger
	actor *actor.Actor[State]
}

// NewConnection builds and starts the connection loop for agent. The
// transport is dialed lazily by Start or the first Subscribe.
func NewConnection(agent, token string, dial hub.Dialer, opts Options) *Connection {
	opts = opts.withDefaults()
	log := logger.With("telemetry " + agent)

	bridge := &listener{log: log}
	transport := dial(token, bridge)
	rt := newRuntime(agent, transport, opts, log)

	c := &Connection{
		agent: agent,
		token: token,
		log:   log,
		actor: actor.New(
			newState(agent, opts.WarmupDelay, opts.TickPeriod),
			Reduce,
			rt,
			actor.WithHooks(actor.Hooks[State]{
				OnPanic: func(r any) {
					log.Errorf("connection loop panicked: %v", r)
				},
			}),
		),
	}
	bridge.target = c.actor
	c.actor.Start()
	return c
}

// Agent returns the agent's email.
func (c *Connection) Agent() string { return c.agent }

// Token returns the token the connection authenticates with.
func (c *Connection) Token() string { return c.token }

// Done is closed once the connection loop has exited.
func (c *Connection) Done() <-chan struct{} { return c.actor.Done() }

// Start connects and waits until the transport is up. It is idempotent.
func (c *Connection) Start(ctx context.Context) error {
	return c.request(ctx, func(reply chan error) actor.Input {
		return cmdStart{Reply: reply}
	})
}

// Subscribe joins room on the hub and, once joined, starts streaming
// telemetry for it after the warm-up delay. Subscribing to a room that is
// already subscribed succeeds immediately. If ctx ends first the
// subscription stays queued and completes in the background.
func (c *Connection) Subscribe(ctx context.Context, room int64) error {
	return c.request(ctx, func(reply chan error) actor.Input {
		return cmdSubscribe{Room: room, Reply: reply}
	})
}

// Resume subscribes room continuing the stream described by from, a room
// snapshot taken from another connection of the same agent. Totals carry
// over, so the hub never sees them go back.
func (c *Connection) Resume(ctx context.Context, room int64, from RoomSnapshot) error {
	return c.request(ctx, func(reply chan error) actor.Input {
		return cmdSubscribe{Room: room, Reply: reply, Seed: from.acc, Racing: from.Racing}
	})
}

// Unsubscribe stops the room's generator and leaves the room.
func (c *Connection) Unsubscribe(ctx context.Context, room int64) error {
	return c.request(ctx, func(reply chan error) actor.Input {
		return cmdUnsubscribe{Room: room, Reply: reply}
	})
}

// Stop leaves every room, closes the transport and ends the loop. If ctx
// ends before the orderly shutdown completes the transport is closed
// anyway.
func (c *Connection) Stop(ctx context.Context) error {
	defer c.actor.Stop()
	err := c.request(ctx, func(reply chan error) actor.Input {
		return cmdStop{Reply: reply}
	})
	if errors.Is(err, ErrStopped) {
		return nil
	}
	return err
}

// Detach stops the connection like Stop but keeps its rooms joined on the
// hub. It returns the rooms' state as of the stop, for Resume on a
// replacement connection.
func (c *Connection) Detach(ctx context.Context) (Snapshot, error) {
	defer c.actor.Stop()
	handoff := make(chan Snapshot, 1)
	err := c.request(ctx, func(reply chan error) actor.Input {
		return cmdStop{Reply: reply, Handoff: handoff}
	})
	if errors.Is(err, ErrStopped) {
		err = nil
	}
	select {
	case snap := <-handoff:
		return snap, err
	default:
		return Snapshot{}, err
	}
}

// Snapshot returns a copy of the connection's state.
func (c *Connection) Snapshot(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	if err := c.send(ctx, cmdSnapshot{Reply: reply}); err != nil {
		return Snapshot{}, err
	}
	select {
	case s := <-reply:
		return s, nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	case <-c.actor.Done():
		return Snapshot{}, ErrStopped
	}
}

func (c *Connection) request(ctx context.Context, build func(chan error) actor.Input) error {
	reply := make(chan error, 1)
	if err := c.send(ctx, build(reply)); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.actor.Done():
		return ErrStopped
	}
}

func (c *Connection) send(ctx context.Context, in actor.Input) error {
	err := c.actor.Send(ctx, in)
	if errors.Is(err, actor.ErrStopped) {
		return ErrStopped
	}
	return err
}

// listener forwards transport callbacks into the connection loop.
type listener struct {
	log    *logger.Logger
	target interface{ Enqueue(actor.Input) bool }
}

func (l *listener) enqueue(in actor.Input) {
	if l.target == nil {
		return
	}
	if !l.target.Enqueue(in) {
		l.log.Debugf("dropped %T", in)
	}
}

func (l *listener) OnConnected() {
	l.log.Infof("hub connected")
	l.enqueue(evConnected{})
}

func (l *listener) OnReconnecting(err error) {
	l.log.Warnf("hub connection lost, reconnecting: %v", err)
	l.enqueue(evReconnecting{Err: err})
}

func (l *listener) OnClosed(err error) {
	if err != nil {
		l.log.Warnf("hub connection closed: %v", err)
	} else {
		l.log.Debugf("hub connection closed")
	}
	l.enqueue(evTransportClosed{Err: err})
}

func (l *listener) OnMessage(msg hub.Message) {
	event, err := hub.Decode(msg)
	if err != nil {
		l.log.Warnf("bad %s message: %v", msg.Target, err)
		return
	}
	switch e := event.(type) {
	case hub.UserJoined:
		l.log.Debugf("user joined: %s", e.User)
	case hub.UserLeft:
		l.log.Debugf("user left: %s", e.User)
	case hub.RoomParticipants:
		l.log.Tracef("participants: %s", e.Participants)
	case hub.LocationUpdated:
		l.log.Tracef("location of %s: distance=%.2f steps=%.0f", e.Email, e.Distance, e.Steps)
	case hub.StartRace:
		l.log.Infof("race started in room %d", e.RoomID)
		l.enqueue(evHub{Event: e})
	case hub.RaceAlreadyStarted:
		l.log.Infof("race in room %d already running, %.0fs left", e.RoomID, e.RemainingTimeSeconds)
		l.enqueue(evHub{Event: e})
	case hub.RaceEnded:
		l.log.Infof("race ended in room %d", e.RoomID)
		l.enqueue(evHub{Event: e})
	default:
		l.log.Debugf("unhandled hub message %s", msg.Target)
	}
}
