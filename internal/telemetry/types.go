package telemetry

import (
	"time"

	"github.com/umuteyi/movliqbot/internal/actor"
	"github.com/umuteyi/movliqbot/internal/hub"
)

// ConnState is the lifecycle of the hub connection.
type ConnState string

const (
	// StateDisconnected means no transport is running.
	StateDisconnected ConnState = "Disconnected"
	// StateConnecting means the transport is dialing or reconnecting.
	StateConnecting ConnState = "Connecting"
	// StateConnected means invocations can be issued.
	StateConnected ConnState = "Connected"
)

// RoomPhase is the subscription lifecycle of one room.
type RoomPhase string

const (
	// PhaseSubscribing means JoinRoom has not completed yet.
	PhaseSubscribing RoomPhase = "Subscribing"
	// PhaseStreaming means the room is joined; telemetry flows once the
	// warm-up has passed.
	PhaseStreaming RoomPhase = "Streaming"
)

// roomState is the loop-owned state of one subscribed room.
type roomState struct {
	Phase RoomPhase

	// Gen identifies the current warm-up/generator run. Timer and tick
	// events carry it so events of a cancelled run are dropped.
	Gen int64

	// JoinInFlight is set while JoinRoom is outstanding.
	JoinInFlight bool
	Warming      bool
	Generating   bool
	// Paused marks a generator stopped by connection loss; it resumes on
	// reconnect.
	Paused bool

	Acc    Accumulator
	HasAcc bool

	// Replies are Subscribe callers waiting for JoinRoom.
	Replies []chan error
}

// State is the loop-owned state of a Connection.
type State struct {
	Agent string
	Conn  ConnState

	// Closed is set once the transport is gone for good.
	Closed   bool
	Stopping bool

	WarmupDelay time.Duration
	TickPeriod  time.Duration

	Rooms  map[int64]*roomState
	Racing map[int64]bool

	NextGen int64

	StartReplies []chan error
	StopReplies  []chan error
}

// newState returns the initial state for agent.
func newState(agent string, warmup, tick time.Duration) State {
	return State{
		Agent:       agent,
		Conn:        StateDisconnected,
		WarmupDelay: warmup,
		TickPeriod:  tick,
		Rooms:       make(map[int64]*roomState),
		Racing:      make(map[int64]bool),
	}
}

// RoomSnapshot is a copy of one room's state.
type RoomSnapshot struct {
	Phase      RoomPhase
	Warming    bool
	Generating bool
	Racing     bool
	Totals     Totals

	// acc is the room's accumulator once streaming has begun. Resume seeds
	// a new connection with it.
	acc *Accumulator
}

// Snapshot is a race-free copy of a Connection's state.
type Snapshot struct {
	Agent string
	Conn  ConnState
	Rooms map[int64]RoomSnapshot
}

// RoomIDs returns the subscribed rooms in ascending order.
func (s Snapshot) RoomIDs() []int64 {
	out := make([]int64, 0, len(s.Rooms))
	for id := range s.Rooms {
		out = append(out, id)
	}
	sortIDs(out)
	return out
}

// Commands.

type cmdStart struct {
	actor.InputBase
	Reply chan error
}

type cmdSubscribe struct {
	actor.InputBase
	Room  int64
	Reply chan error

	// Seed continues the totals of a stream handed over from another
	// connection.
	Seed   *Accumulator
	Racing bool
}

type cmdUnsubscribe struct {
	actor.InputBase
	Room  int64
	Reply chan error
}

type cmdStop struct {
	actor.InputBase
	Reply chan error

	// Handoff, when set, receives the state of the rooms before they are
	// dropped, and the rooms are not left on the hub.
	Handoff chan Snapshot
}

type cmdSnapshot struct {
	actor.InputBase
	Reply chan Snapshot
}

// Events emitted by the runtime and the transport listener.

type evConnected struct {
	actor.InputBase
}

type evReconnecting struct {
	actor.InputBase
	Err error
}

type evConnectFailed struct {
	actor.InputBase
	Err error
}

type evTransportClosed struct {
	actor.InputBase
	Err error
}

type evJoinDone struct {
	actor.InputBase
	Room int64
	Err  error
}

type evLeaveDone struct {
	actor.InputBase
	Room  int64
	Err   error
	Reply chan error
}

type evWarmupDone struct {
	actor.InputBase
	Room int64
	Gen  int64
	At   time.Time
}

type evTick struct {
	actor.InputBase
	Room   int64
	Gen    int64
	At     time.Time
	Sample Sample
}

type evPushFailed struct {
	actor.InputBase
	Room int64
	Gen  int64
	Err  error
}

type evHub struct {
	actor.InputBase
	Event hub.Event
}

type evStopped struct {
	actor.InputBase
}

// Effects interpreted by Runtime.

type effConnect struct {
	actor.EffectBase
}

type effJoinRoom struct {
	actor.EffectBase
	Room int64
}

type effLeaveRoom struct {
	actor.EffectBase
	Room  int64
	Reply chan error
}

type effStartWarmup struct {
	actor.EffectBase
	Room  int64
	Gen   int64
	Delay time.Duration
}

type effStartGenerator struct {
	actor.EffectBase
	Room   int64
	Gen    int64
	Period time.Duration
}

type effStopGenerator struct {
	actor.EffectBase
	Room int64
}

type effPushLocation struct {
	actor.EffectBase
	Room   int64
	Gen    int64
	Totals Totals
}

type effCheckpoint struct {
	actor.EffectBase
	Room       int64
	Checkpoint Checkpoint
}

// effDisconnect leaves Rooms, closes the transport and emits evStopped.
type effDisconnect struct {
	actor.EffectBase
	Rooms []int64
}
