package wsserver

import (
	"talk-relay/domain"
	"time"
)

const (
	TypeJoined   = "joined"
	TypeEvent    = "event"
	TypeError    = "error"
	TypeKeyPress = "keyPress"
)

// ServerMessage is every frame the relay writes to a client.
type ServerMessage struct {
	Type      string        `json:"type"`
	RoomID    string        `json:"roomId,omitempty"`
	SessionID string        `json:"sessionId,omitempty"`
	Event     *EventMessage `json:"event,omitempty"`
	Error     string        `json:"error,omitempty"`
}

type EventMessage struct {
	Seq     uint64    `json:"seq"`
	Sender  string    `json:"sender"`
	Kind    string    `json:"kind"`
	Payload string    `json:"payload,omitempty"`
	At      time.Time `json:"at"`
}

// ClientMessage is what a client sends: one key press per frame.
type ClientMessage struct {
	Type string `json:"type"`
	Key  string `json:"key"`
}

func joinedMessage(roomID domain.RoomID, sessionID domain.SessionID) ServerMessage {
	return ServerMessage{Type: TypeJoined, RoomID: string(roomID), SessionID: string(sessionID)}
}

func eventMessage(evt domain.CharEvent) ServerMessage {
	return ServerMessage{
		Type: TypeEvent,
		Event: &EventMessage{
			Seq:     evt.Sequence,
			Sender:  string(evt.Sender),
			Kind:    string(evt.Kind),
			Payload: evt.Payload,
			At:      evt.At,
		},
	}
}

func errorMessage(err error) ServerMessage {
	return ServerMessage{Type: TypeError, Error: err.Error()}
}
