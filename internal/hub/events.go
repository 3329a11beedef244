package hub

import (
	"encoding/json"
	"fmt"
)

// Server-to-client event names.
const (
	EventUserJoined         = "UserJoined"
	EventUserLeft           = "UserLeft"
	EventRoomParticipants   = "RoomParticipants"
	EventLocationUpdated    = "LocationUpdated"
	EventRaceAlreadyStarted = "RaceAlreadyStarted"
	EventRaceEnded          = "RaceEnded"
	EventStartRace          = "StartRace"
)

// EventNames lists every server event a transport subscribes to.
var EventNames = []string{
	EventUserJoined,
	EventUserLeft,
	EventRoomParticipants,
	EventLocationUpdated,
	EventRaceAlreadyStarted,
	EventRaceEnded,
	EventStartRace,
}

// Event is a decoded server event. The concrete types below form a closed
// set; switch on them with a type switch.
type Event interface {
	isHubEvent()
}

type eventBase struct{}

func (eventBase) isHubEvent() {}

// UserJoined announces a participant entering a room.
type UserJoined struct {
	eventBase
	User string
}

// UserLeft announces a participant leaving a room.
type UserLeft struct {
	eventBase
	User string
}

// RoomParticipants is the current participant list of a room.
type RoomParticipants struct {
	eventBase
	Participants json.RawMessage
}

// LocationUpdated is another participant's telemetry.
type LocationUpdated struct {
	eventBase
	Email    string
	Distance float64
	Steps    float64
}

// RaceAlreadyStarted tells a late joiner the race is running.
type RaceAlreadyStarted struct {
	eventBase
	RoomID               int64
	RemainingTimeSeconds float64
}

// RaceEnded closes a race.
type RaceEnded struct {
	eventBase
	RoomID int64
}

// StartRace opens a race.
type StartRace struct {
	eventBase
	RoomID int64
}

// Unknown carries a server invocation this client does not model.
type Unknown struct {
	eventBase
	Target string
	Args   []json.RawMessage
}

// roomPayload accepts both the PascalCase and camelCase property names the
// hub serializer may produce; encoding/json matches case-insensitively.
type roomPayload struct {
	RoomID               int64   `json:"roomId"`
	RemainingTimeSeconds float64 `json:"remainingTimeSeconds"`
}

// Decode converts a raw server message into an Event.
func Decode(msg Message) (Event, error) {
	switch msg.Target {
	case EventUserJoined:
		var user string
		if err := decodeArg(msg, 0, &user); err != nil {
			return nil, err
		}
		return UserJoined{User: user}, nil

	case EventUserLeft:
		var user string
		if err := decodeArg(msg, 0, &user); err != nil {
			return nil, err
		}
		return UserLeft{User: user}, nil

	case EventRoomParticipants:
		var raw json.RawMessage
		if len(msg.Args) > 0 {
			raw = msg.Args[0]
		}
		return RoomParticipants{Participants: raw}, nil

	case EventLocationUpdated:
		ev := LocationUpdated{}
		if err := decodeArg(msg, 0, &ev.Email); err != nil {
			return nil, err
		}
		if len(msg.Args) > 1 {
			if err := decodeArg(msg, 1, &ev.Distance); err != nil {
				return nil, err
			}
		}
		if len(msg.Args) > 2 {
			if err := decodeArg(msg, 2, &ev.Steps); err != nil {
				return nil, err
			}
		}
		return ev, nil

	case EventRaceAlreadyStarted:
		var p roomPayload
		if err := decodeArg(msg, 0, &p); err != nil {
			return nil, err
		}
		return RaceAlreadyStarted{RoomID: p.RoomID, RemainingTimeSeconds: p.RemainingTimeSeconds}, nil

	case EventRaceEnded:
		var p roomPayload
		if err := decodeArg(msg, 0, &p); err != nil {
			return nil, err
		}
		return RaceEnded{RoomID: p.RoomID}, nil

	case EventStartRace:
		var p roomPayload
		if err := decodeArg(msg, 0, &p); err != nil {
			return nil, err
		}
		return StartRace{RoomID: p.RoomID}, nil

	default:
		return Unknown{Target: msg.Target, Args: msg.Args}, nil
	}
}

func decodeArg(msg Message, i int, out any) error {
	if i >= len(msg.Args) {
		return fmt.Errorf("hub: %s: missing argument %d", msg.Target, i)
	}
	if err := json.Unmarshal(msg.Args[i], out); err != nil {
		return fmt.Errorf("hub: %s: argument %d: %w", msg.Target, i, err)
	}
	return nil
}
