package telemetry

import (
	"errors"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/umuteyi/movliqbot/internal/actor"
	"github.com/umuteyi/movliqbot/internal/hub"
)

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

const room = int64(7)

func step(t *testing.T, s State, in actor.Input) (State, []actor.Effect) {
	t.Helper()
	return actor.Step(s, in, Reduce)
}

// streaming returns a connected state whose room is past its warm-up.
func streaming(t *testing.T) State {
	t.Helper()
	s, effs := actor.Replay(newState("a@x.io", 10*time.Second, 5*time.Second), Reduce,
		cmdSubscribe{Room: room},
		evConnected{},
		evJoinDone{Room: room},
	)
	require.Equal(t, []actor.Effect{
		effConnect{},
		effJoinRoom{Room: room},
		effStopGenerator{Room: room},
		effStartWarmup{Room: room, Gen: 1, Delay: 10 * time.Second},
	}, effs)

	s, effs = step(t, s, evWarmupDone{Room: room, Gen: s.Rooms[room].Gen, At: t0})
	require.Equal(t, []actor.Effect{effStartGenerator{Room: room, Gen: 1, Period: 5 * time.Second}}, effs)
	return s
}

func effectOf[T actor.Effect](t *testing.T, effs []actor.Effect) T {
	t.Helper()
	for _, e := range effs {
		if v, ok := e.(T); ok {
			return v
		}
	}
	var zero T
	t.Fatalf("no %T in %#v", zero, effs)
	return zero
}

func hasEffect[T actor.Effect](effs []actor.Effect) bool {
	for _, e := range effs {
		if _, ok := e.(T); ok {
			return true
		}
	}
	return false
}

func TestSubscribeLifecycle(t *testing.T) {
	t.Parallel()

	s := newState("a@x.io", 10*time.Second, 5*time.Second)
	reply := make(chan error, 1)

	s, effs := step(t, s, cmdSubscribe{Room: room, Reply: reply})
	require.Equal(t, StateConnecting, s.Conn)
	require.Equal(t, []actor.Effect{effConnect{}}, effs)
	require.Equal(t, PhaseSubscribing, s.Rooms[room].Phase)

	s, effs = step(t, s, evConnected{})
	require.Equal(t, StateConnected, s.Conn)
	require.Equal(t, []actor.Effect{effJoinRoom{Room: room}}, effs)

	s, effs = step(t, s, evJoinDone{Room: room})
	require.NoError(t, <-reply)
	require.Equal(t, PhaseStreaming, s.Rooms[room].Phase)
	warm := effectOf[effStartWarmup](t, effs)
	require.Equal(t, 10*time.Second, warm.Delay)
	require.True(t, s.Rooms[room].Warming)

	// No ticks are honored during the warm-up.
	_, effs = step(t, s, evTick{Room: room, Gen: warm.Gen, At: t0, Sample: SampleTable[0]})
	require.Empty(t, effs)

	s, effs = step(t, s, evWarmupDone{Room: room, Gen: warm.Gen, At: t0})
	gen := effectOf[effStartGenerator](t, effs)
	require.Equal(t, 5*time.Second, gen.Period)
	require.True(t, s.Rooms[room].Generating)

	s, effs = step(t, s, evTick{Room: room, Gen: gen.Gen, At: t0.Add(5 * time.Second), Sample: SampleTable[1]})
	push := effectOf[effPushLocation](t, effs)
	require.Equal(t, Totals{Distance: 0.02, Steps: 27, Calories: 1, Pace: Pace(0.02, 27)}, push.Totals)
	require.Equal(t, push.Totals, s.Rooms[room].Acc.Totals)

	// A second subscribe is a no-op success.
	again := make(chan error, 1)
	_, effs = step(t, s, cmdSubscribe{Room: room, Reply: again})
	require.Empty(t, effs)
	require.NoError(t, <-again)
}

func TestTotalsNeverDecrease(t *testing.T) {
	t.Parallel()

	s := streaming(t)
	gen := s.Rooms[room].Gen
	r := rand.New(rand.NewPCG(1, 2))

	var prev Totals
	at := t0
	checkpoints := 0
	for i := 0; i < 200; i++ {
		at = at.Add(5 * time.Second)
		var effs []actor.Effect
		s, effs = step(t, s, evTick{Room: room, Gen: gen, At: at, Sample: SampleTable[r.IntN(len(SampleTable))]})
		got := effectOf[effPushLocation](t, effs).Totals

		require.Greater(t, got.Distance, prev.Distance)
		require.Greater(t, got.Steps, prev.Steps)
		require.GreaterOrEqual(t, got.Calories, prev.Calories)
		require.InDelta(t, float64(got.Steps)/got.Distance/1000, got.Pace, 1e-12)
		if hasEffect[effCheckpoint](effs) {
			checkpoints++
		}
		prev = got
	}
	// 200 ticks of 5s are 1000s, one checkpoint per 30s.
	require.Equal(t, 33, checkpoints)
}

func TestStaleTicksAreDropped(t *testing.T) {
	t.Parallel()

	s := streaming(t)
	gen := s.Rooms[room].Gen

	_, effs := step(t, s, evTick{Room: room, Gen: gen - 1, At: t0.Add(time.Second), Sample: SampleTable[0]})
	require.Empty(t, effs)
	_, effs = step(t, s, evTick{Room: room + 1, Gen: gen, At: t0.Add(time.Second), Sample: SampleTable[0]})
	require.Empty(t, effs)
}

func TestRaceEndedStopsEveryAgent(t *testing.T) {
	t.Parallel()

	for _, agent := range []string{"a@x.io", "b@x.io", "c@x.io"} {
		s := streaming(t)
		s.Agent = agent
		gen := s.Rooms[room].Gen

		s, effs := step(t, s, evHub{Event: hub.RaceEnded{RoomID: room}})
		require.Equal(t, []actor.Effect{effStopGenerator{Room: room}}, effs, agent)
		require.NotContains(t, s.Rooms, room)
		require.False(t, s.Racing[room])

		_, effs = step(t, s, evTick{Room: room, Gen: gen, At: t0.Add(5 * time.Second), Sample: SampleTable[0]})
		require.Empty(t, effs, agent)
	}
}

func TestRaceStartRestartsWarmup(t *testing.T) {
	t.Parallel()

	s := streaming(t)
	oldGen := s.Rooms[room].Gen
	s, _ = step(t, s, evTick{Room: room, Gen: oldGen, At: t0.Add(5 * time.Second), Sample: SampleTable[2]})

	s, effs := step(t, s, evHub{Event: hub.StartRace{RoomID: room}})
	warm := effectOf[effStartWarmup](t, effs)
	require.True(t, hasEffect[effStopGenerator](effs))
	require.Greater(t, warm.Gen, oldGen)
	require.True(t, s.Racing[room])
	require.False(t, s.Rooms[room].Generating)

	_, effs = step(t, s, evTick{Room: room, Gen: oldGen, At: t0.Add(10 * time.Second), Sample: SampleTable[0]})
	require.Empty(t, effs)

	// The totals survive the restart.
	s, _ = step(t, s, evWarmupDone{Room: room, Gen: warm.Gen, At: t0.Add(20 * time.Second)})
	_, effs = step(t, s, evTick{Room: room, Gen: warm.Gen, At: t0.Add(25 * time.Second), Sample: SampleTable[0]})
	push := effectOf[effPushLocation](t, effs)
	require.InDelta(t, 0.04, push.Totals.Distance, 1e-9)
	require.Equal(t, 47, push.Totals.Steps)

	// Race events for rooms that are not subscribed are ignored.
	_, effs = step(t, s, evHub{Event: hub.RaceAlreadyStarted{RoomID: room + 1}})
	require.Empty(t, effs)
}

func TestReconnectPausesAndResumes(t *testing.T) {
	t.Parallel()

	s := streaming(t)

	s, effs := step(t, s, evReconnecting{Err: errors.New("read: eof")})
	require.Equal(t, StateConnecting, s.Conn)
	require.Equal(t, []actor.Effect{effStopGenerator{Room: room}}, effs)
	require.True(t, s.Rooms[room].Paused)

	s, effs = step(t, s, evConnected{})
	require.Len(t, effs, 1)
	gen := effectOf[effStartGenerator](t, effs)
	require.Equal(t, gen.Gen, s.Rooms[room].Gen)
	require.True(t, s.Rooms[room].Generating)
	require.Equal(t, PhaseStreaming, s.Rooms[room].Phase)
}

func TestPushFailure(t *testing.T) {
	t.Parallel()

	s := streaming(t)
	gen := s.Rooms[room].Gen

	s, effs := step(t, s, evPushFailed{Room: room, Gen: gen, Err: errors.New("server rejected")})
	require.Empty(t, effs)
	require.True(t, s.Rooms[room].Generating)

	s, effs = step(t, s, evPushFailed{Room: room, Gen: gen, Err: errors.New("Connection was closed")})
	require.Equal(t, []actor.Effect{effStopGenerator{Room: room}}, effs)
	require.False(t, s.Rooms[room].Generating)
	require.True(t, s.Rooms[room].Paused)
}

func TestJoinFailure(t *testing.T) {
	t.Parallel()

	s := newState("a@x.io", time.Second, time.Second)
	s, _ = step(t, s, evConnected{})

	reply := make(chan error, 1)
	s, effs := step(t, s, cmdSubscribe{Room: room, Reply: reply})
	require.Equal(t, []actor.Effect{effJoinRoom{Room: room}}, effs)

	// Connection loss with the transport up retries immediately.
	s, effs = step(t, s, evJoinDone{Room: room, Err: hub.ErrConnectionLost})
	require.Equal(t, []actor.Effect{effJoinRoom{Room: room}}, effs)
	require.Empty(t, reply)

	rejected := errors.New("room is full")
	s, effs = step(t, s, evJoinDone{Room: room, Err: rejected})
	require.Empty(t, effs)
	require.ErrorIs(t, <-reply, rejected)
	require.NotContains(t, s.Rooms, room)
}

func TestUnsubscribe(t *testing.T) {
	t.Parallel()

	s := streaming(t)
	reply := make(chan error, 1)
	s, effs := step(t, s, cmdUnsubscribe{Room: room, Reply: reply})
	require.True(t, hasEffect[effStopGenerator](effs))
	leave := effectOf[effLeaveRoom](t, effs)
	require.NotContains(t, s.Rooms, room)

	_, _ = step(t, s, evLeaveDone{Room: room, Reply: leave.Reply})
	require.NoError(t, <-reply)

	none := make(chan error, 1)
	_, effs = step(t, s, cmdUnsubscribe{Room: 99, Reply: none})
	require.Empty(t, effs)
	require.NoError(t, <-none)
}

func TestStop(t *testing.T) {
	t.Parallel()

	s := streaming(t)
	pending := make(chan error, 1)
	s, _ = step(t, s, cmdSubscribe{Room: room + 1, Reply: pending})

	reply := make(chan error, 1)
	s, effs := step(t, s, cmdStop{Reply: reply})
	require.Equal(t, effDisconnect{Rooms: []int64{room}}, effs[len(effs)-1])
	require.ErrorIs(t, <-pending, ErrStopped)
	require.Empty(t, s.Rooms)
	require.Empty(t, reply)

	s, _ = step(t, s, evStopped{})
	require.NoError(t, <-reply)
	require.Equal(t, StateDisconnected, s.Conn)

	sub := make(chan error, 1)
	s, effs = step(t, s, cmdSubscribe{Room: room, Reply: sub})
	require.Empty(t, effs)
	require.ErrorIs(t, <-sub, ErrStopped)

	again := make(chan error, 1)
	_, _ = step(t, s, cmdStop{Reply: again})
	require.NoError(t, <-again)
}

func TestStopIdle(t *testing.T) {
	t.Parallel()

	s := newState("a@x.io", time.Second, time.Second)
	reply := make(chan error, 1)
	s, effs := step(t, s, cmdStop{Reply: reply})
	require.Empty(t, effs)
	require.NoError(t, <-reply)
	require.True(t, s.Stopping)
}

func TestTransportGone(t *testing.T) {
	t.Parallel()

	s := streaming(t)
	start := make(chan error, 1)
	s, _ = step(t, s, cmdStart{Reply: start})
	require.NoError(t, <-start)

	s, effs := step(t, s, evTransportClosed{Err: errors.New("server closed")})
	require.Equal(t, []actor.Effect{effStopGenerator{Room: room}}, effs)
	require.Equal(t, StateDisconnected, s.Conn)
	require.Empty(t, s.Rooms)

	sub := make(chan error, 1)
	_, _ = step(t, s, cmdSubscribe{Room: room, Reply: sub})
	require.ErrorIs(t, <-sub, ErrNotConnected)
}

func TestSnapshot(t *testing.T) {
	t.Parallel()

	s := streaming(t)
	s, _ = step(t, s, evHub{Event: hub.RaceAlreadyStarted{RoomID: room}})

	reply := make(chan Snapshot, 1)
	_, _ = step(t, s, cmdSnapshot{Reply: reply})
	snap := <-reply
	require.Equal(t, "a@x.io", snap.Agent)
	require.Equal(t, StateConnected, snap.Conn)
	require.Equal(t, []int64{room}, snap.RoomIDs())
	require.True(t, snap.Rooms[room].Racing)
	require.True(t, snap.Rooms[room].Warming)
}

func TestHandoffKeepsTotals(t *testing.T) {
	t.Parallel()

	s := streaming(t)
	for i := 1; i <= 2; i++ {
		s, _ = step(t, s, evTick{Room: room, Gen: s.Rooms[room].Gen, At: t0.Add(time.Duration(i) * 5 * time.Second), Sample: SampleTable[2]})
	}
	s.Racing[room] = true

	handoff := make(chan Snapshot, 1)
	s, effs := step(t, s, cmdStop{Handoff: handoff})
	require.Empty(t, effectOf[effDisconnect](t, effs).Rooms)
	require.Empty(t, s.Rooms)

	snap := <-handoff
	from := snap.Rooms[room]
	require.Equal(t, 72, from.Totals.Steps)

	next, _ := actor.Replay(newState("a@x.io", 10*time.Second, 5*time.Second), Reduce,
		cmdSubscribe{Room: room, Seed: from.acc, Racing: from.Racing},
		evConnected{},
		evJoinDone{Room: room},
	)
	require.True(t, next.Racing[room])
	next, _ = step(t, next, evWarmupDone{Room: room, Gen: next.Rooms[room].Gen, At: t0.Add(time.Minute)})
	_, effs = step(t, next, evTick{Room: room, Gen: next.Rooms[room].Gen, At: t0.Add(time.Minute + 5*time.Second), Sample: SampleTable[0]})

	push := effectOf[effPushLocation](t, effs)
	require.Equal(t, 72+11, push.Totals.Steps)
	require.InDelta(t, 0.07, push.Totals.Distance, 1e-9)
}
