package telemetry

import (
	"sort"

	"github.com/umuteyi/movliqbot/internal/actor"
	"github.com/umuteyi/movliqbot/internal/hub"
)

// Reduce is the connection reducer. Wall-clock time and random samples
// arrive inside events, so it stays deterministic.
func Reduce(state State, input actor.Input) (State, []actor.Effect) {
	switch in := input.(type) {
	case cmdStart:
		return reduceStart(state, in)
	case cmdSubscribe:
		return reduceSubscribe(state, in)
	case cmdUnsubscribe:
		return reduceUnsubscribe(state, in)
	case cmdStop:
		return reduceStop(state, in)
	case cmdSnapshot:
		select {
		case in.Reply <- snapshot(state):
		default:
		}
		return state, nil

	case evConnected:
		return reduceConnected(state)
	case evReconnecting:
		return reduceReconnecting(state)
	case evConnectFailed:
		return reduceTransportGone(state, in.Err)
	case evTransportClosed:
		return reduceTransportGone(state, in.Err)
	case evJoinDone:
		return reduceJoinDone(state, in)
	case evLeaveDone:
		reply(in.Reply, in.Err)
		return state, nil
	case evWarmupDone:
		return reduceWarmupDone(state, in)
	case evTick:
		return reduceTick(state, in)
	case evPushFailed:
		return reducePushFailed(state, in)
	case evHub:
		return reduceHubEvent(state, in.Event)
	case evStopped:
		return reduceStopped(state)
	default:
		return state, nil
	}
}

func reduceStart(state State, cmd cmdStart) (State, []actor.Effect) {
	switch {
	case state.Stopping:
		reply(cmd.Reply, ErrStopped)
		return state, nil
	case state.Closed:
		reply(cmd.Reply, ErrNotConnected)
		return state, nil
	case state.Conn == StateConnected:
		reply(cmd.Reply, nil)
		return state, nil
	}
	if cmd.Reply != nil {
		state.StartReplies = append(state.StartReplies, cmd.Reply)
	}
	return connect(state)
}

// connect moves a disconnected connection to Connecting.
func connect(state State) (State, []actor.Effect) {
	if state.Conn != StateDisconnected {
		return state, nil
	}
	state.Conn = StateConnecting
	return state, []actor.Effect{effConnect{}}
}

func reduceSubscribe(state State, cmd cmdSubscribe) (State, []actor.Effect) {
	if state.Stopping {
		reply(cmd.Reply, ErrStopped)
		return state, nil
	}
	if state.Closed {
		reply(cmd.Reply, ErrNotConnected)
		return state, nil
	}

	if rs, ok := state.Rooms[cmd.Room]; ok {
		if cmd.Seed != nil && !rs.HasAcc {
			rs.Acc = *cmd.Seed
			rs.HasAcc = true
		}
		if rs.Phase == PhaseStreaming {
			reply(cmd.Reply, nil)
			return state, nil
		}
		if cmd.Reply != nil {
			rs.Replies = append(rs.Replies, cmd.Reply)
		}
		return state, nil
	}

	rs := &roomState{Phase: PhaseSubscribing}
	if cmd.Reply != nil {
		rs.Replies = []chan error{cmd.Reply}
	}
	if cmd.Seed != nil {
		rs.Acc = *cmd.Seed
		rs.HasAcc = true
	}
	state.Rooms[cmd.Room] = rs
	if cmd.Racing {
		state.Racing[cmd.Room] = true
	}

	// A subscribe on an idle connection starts it; the join is issued once
	// Connected.
	if state.Conn != StateConnected {
		return connect(state)
	}
	rs.JoinInFlight = true
	return state, []actor.Effect{effJoinRoom{Room: cmd.Room}}
}

func reduceUnsubscribe(state State, cmd cmdUnsubscribe) (State, []actor.Effect) {
	rs, ok := state.Rooms[cmd.Room]
	if !ok {
		reply(cmd.Reply, nil)
		return state, nil
	}
	failReplies(rs, ErrStopped)
	delete(state.Rooms, cmd.Room)
	delete(state.Racing, cmd.Room)

	effects := []actor.Effect{effStopGenerator{Room: cmd.Room}}
	if state.Conn != StateConnected || rs.Phase != PhaseStreaming {
		reply(cmd.Reply, nil)
		return state, effects
	}
	return state, append(effects, effLeaveRoom{Room: cmd.Room, Reply: cmd.Reply})
}

func reduceStop(state State, cmd cmdStop) (State, []actor.Effect) {
	if cmd.Handoff != nil {
		select {
		case cmd.Handoff <- snapshot(state):
		default:
		}
	}
	if state.Conn == StateDisconnected && (state.Closed || !state.Stopping) {
		state.Stopping = true
		state.Closed = true
		state = dropRooms(state, ErrStopped)
		reply(cmd.Reply, nil)
		return state, nil
	}
	if cmd.Reply != nil {
		state.StopReplies = append(state.StopReplies, cmd.Reply)
	}
	if state.Stopping {
		return state, nil
	}
	state.Stopping = true

	var leave []int64
	var effects []actor.Effect
	for _, id := range sortedRooms(state) {
		effects = append(effects, effStopGenerator{Room: id})
		if cmd.Handoff == nil && state.Conn == StateConnected && state.Rooms[id].Phase == PhaseStreaming {
			leave = append(leave, id)
		}
	}
	for _, ch := range state.StartReplies {
		reply(ch, ErrStopped)
	}
	state.StartReplies = nil
	state = dropRooms(state, ErrStopped)
	return state, append(effects, effDisconnect{Rooms: leave})
}

func reduceStopped(state State) (State, []actor.Effect) {
	state.Conn = StateDisconnected
	state.Closed = true
	for _, ch := range state.StopReplies {
		reply(ch, nil)
	}
	state.StopReplies = nil
	return state, nil
}

func reduceConnected(state State) (State, []actor.Effect) {
	if state.Stopping || state.Closed {
		return state, nil
	}
	state.Conn = StateConnected
	for _, ch := range state.StartReplies {
		reply(ch, nil)
	}
	state.StartReplies = nil

	var effects []actor.Effect
	for _, id := range sortedRooms(state) {
		rs := state.Rooms[id]
		switch {
		case rs.Phase == PhaseSubscribing && !rs.JoinInFlight:
			rs.JoinInFlight = true
			effects = append(effects, effJoinRoom{Room: id})
		case rs.Paused:
			// The transport reconnected transparently; the server still
			// has the room, so only the generator resumes.
			rs.Paused = false
			rs.Generating = true
			state.NextGen++
			rs.Gen = state.NextGen
			effects = append(effects, effStartGenerator{Room: id, Gen: rs.Gen, Period: state.TickPeriod})
		}
	}
	return state, effects
}

func reduceReconnecting(state State) (State, []actor.Effect) {
	if state.Stopping || state.Closed {
		return state, nil
	}
	state.Conn = StateConnecting

	var effects []actor.Effect
	for _, id := range sortedRooms(state) {
		rs := state.Rooms[id]
		if rs.Generating {
			rs.Generating = false
			rs.Paused = true
			effects = append(effects, effStopGenerator{Room: id})
		}
	}
	return state, effects
}

// reduceTransportGone handles a transport that will not come back.
func reduceTransportGone(state State, err error) (State, []actor.Effect) {
	if state.Stopping {
		return state, nil
	}
	if err == nil {
		err = ErrNotConnected
	}
	state.Conn = StateDisconnected
	state.Closed = true
	for _, ch := range state.StartReplies {
		reply(ch, err)
	}
	state.StartReplies = nil

	var effects []actor.Effect
	for _, id := range sortedRooms(state) {
		effects = append(effects, effStopGenerator{Room: id})
	}
	state = dropRooms(state, ErrNotConnected)
	return state, effects
}

func reduceJoinDone(state State, ev evJoinDone) (State, []actor.Effect) {
	rs, ok := state.Rooms[ev.Room]
	if !ok || rs.Phase != PhaseSubscribing {
		return state, nil
	}
	rs.JoinInFlight = false

	if ev.Err != nil {
		if hub.IsConnectionLoss(ev.Err) && !state.Closed {
			// Callers keep waiting. The join is retried now if the
			// transport already came back, else on the next evConnected.
			if state.Conn != StateConnected {
				return state, nil
			}
			rs.JoinInFlight = true
			return state, []actor.Effect{effJoinRoom{Room: ev.Room}}
		}
		failReplies(rs, ev.Err)
		delete(state.Rooms, ev.Room)
		return state, nil
	}

	rs.Phase = PhaseStreaming
	for _, ch := range rs.Replies {
		reply(ch, nil)
	}
	rs.Replies = nil
	return startWarmup(state, ev.Room)
}

// startWarmup cancels any generator of room and schedules a fresh one after
// the warm-up delay.
func startWarmup(state State, room int64) (State, []actor.Effect) {
	rs := state.Rooms[room]
	state.NextGen++
	rs.Gen = state.NextGen
	rs.Warming = true
	rs.Generating = false
	rs.Paused = false
	return state, []actor.Effect{
		effStopGenerator{Room: room},
		effStartWarmup{Room: room, Gen: rs.Gen, Delay: state.WarmupDelay},
	}
}

func reduceWarmupDone(state State, ev evWarmupDone) (State, []actor.Effect) {
	rs, ok := state.Rooms[ev.Room]
	if !ok || !rs.Warming || rs.Gen != ev.Gen {
		return state, nil
	}
	rs.Warming = false
	if !rs.HasAcc {
		rs.Acc = NewAccumulator(ev.At)
		rs.HasAcc = true
	} else {
		// A restarted run keeps the totals but not the idle time.
		rs.Acc.LastTick = ev.At
	}
	if state.Conn != StateConnected {
		rs.Paused = true
		return state, nil
	}
	rs.Generating = true
	return state, []actor.Effect{effStartGenerator{Room: ev.Room, Gen: rs.Gen, Period: state.TickPeriod}}
}

func reduceTick(state State, ev evTick) (State, []actor.Effect) {
	rs, ok := state.Rooms[ev.Room]
	if !ok || !rs.Generating || rs.Gen != ev.Gen {
		return state, nil
	}
	if state.Conn != StateConnected {
		return state, nil
	}

	acc, cp, ok := rs.Acc.Add(ev.Sample, ev.At)
	rs.Acc = acc
	effects := []actor.Effect{effPushLocation{Room: ev.Room, Gen: rs.Gen, Totals: acc.Totals}}
	if ok {
		effects = append(effects, effCheckpoint{Room: ev.Room, Checkpoint: cp})
	}
	return state, effects
}

func reducePushFailed(state State, ev evPushFailed) (State, []actor.Effect) {
	rs, ok := state.Rooms[ev.Room]
	if !ok || !rs.Generating || rs.Gen != ev.Gen || !hub.IsConnectionLoss(ev.Err) {
		return state, nil
	}
	rs.Generating = false
	rs.Paused = true
	return state, []actor.Effect{effStopGenerator{Room: ev.Room}}
}

func reduceHubEvent(state State, event hub.Event) (State, []actor.Effect) {
	switch e := event.(type) {
	case hub.StartRace:
		return reduceRaceStarted(state, e.RoomID)
	case hub.RaceAlreadyStarted:
		return reduceRaceStarted(state, e.RoomID)
	case hub.RaceEnded:
		if _, ok := state.Rooms[e.RoomID]; !ok {
			return state, nil
		}
		delete(state.Rooms, e.RoomID)
		delete(state.Racing, e.RoomID)
		return state, []actor.Effect{effStopGenerator{Room: e.RoomID}}
	default:
		return state, nil
	}
}

// reduceRaceStarted restarts the warm-up for a subscribed room. Rooms still
// subscribing warm up when their join completes.
func reduceRaceStarted(state State, room int64) (State, []actor.Effect) {
	rs, ok := state.Rooms[room]
	if !ok || rs.Phase != PhaseStreaming {
		return state, nil
	}
	state.Racing[room] = true
	return startWarmup(state, room)
}

// dropRooms forgets every room, failing waiting subscribers with err.
func dropRooms(state State, err error) State {
	for _, rs := range state.Rooms {
		failReplies(rs, err)
	}
	state.Rooms = make(map[int64]*roomState)
	state.Racing = make(map[int64]bool)
	return state
}

func failReplies(rs *roomState, err error) {
	for _, ch := range rs.Replies {
		reply(ch, err)
	}
	rs.Replies = nil
}

func reply(ch chan error, err error) {
	if ch == nil {
		return
	}
	select {
	case ch <- err:
	default:
	}
}

func snapshot(state State) Snapshot {
	out := Snapshot{
		Agent: state.Agent,
		Conn:  state.Conn,
		Rooms: make(map[int64]RoomSnapshot, len(state.Rooms)),
	}
	for id, rs := range state.Rooms {
		room := RoomSnapshot{
			Phase:      rs.Phase,
			Warming:    rs.Warming,
			Generating: rs.Generating,
			Racing:     state.Racing[id],
			Totals:     rs.Acc.Totals,
		}
		if rs.HasAcc {
			acc := rs.Acc
			room.acc = &acc
		}
		out.Rooms[id] = room
	}
	return out
}

func sortedRooms(state State) []int64 {
	out := make([]int64, 0, len(state.Rooms))
	for id := range state.Rooms {
		out = append(out, id)
	}
	sortIDs(out)
	return out
}

func sortIDs(ids []int64) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
