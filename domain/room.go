package domain

import (
	"fmt"
	"slices"
	"talk-relay/errors"
	"time"
)

type RoomID string

// Room ids travel in URL paths, so separators and escapes are refused.
const roomIDRule = "required,max=64,printascii,excludesall=/?#% "

func (id RoomID) Validate() error {
	if err := validate.Var(string(id), roomIDRule); err != nil {
		return fmt.Errorf("%w: %q", errors.ErrInvalidRoomID, string(id))
	}
	return nil
}

type RoomState int

const (
	RoomEmpty RoomState = iota
	RoomActive
	RoomIdle
	RoomEvicting
	RoomEvicted
)

func (s RoomState) String() string {
	switch s {
	case RoomEmpty:
		return "empty"
	case RoomActive:
		return "active"
	case RoomIdle:
		return "idle"
	case RoomEvicting:
		return "evicting"
	case RoomEvicted:
		return "evicted"
	default:
		return fmt.Sprintf("RoomState(%d)", int(s))
	}
}

// Outbox is the delivery side of a session as seen by its room.
// Offer must never block: false means the session's queue is full.
type Outbox interface {
	SessionID() SessionID
	Offer(evt CharEvent) bool
}

// RoomSnapshot is the durable part of a room. Live sessions are never persisted.
type RoomSnapshot struct {
	ID             RoomID
	Transcript     []CharEvent
	CreatedAt      time.Time
	LastActivityAt time.Time
}

// RoomStats is a point-in-time view of a room, for logs and tooling.
type RoomStats struct {
	ID             RoomID
	State          RoomState
	Sessions       int
	Transcript     int
	LastActivityAt time.Time
}

// Room is a single serialized append log shared by its members.
// It is not safe for concurrent use: the runtime drives every Room
// from exactly one goroutine.
type Room struct {
	id             RoomID
	state          RoomState
	createdAt      time.Time
	lastActivityAt time.Time
	members        []Outbox
	transcript     []CharEvent
	nextSeq        uint64
	dirty          bool
}

func NewRoom(id RoomID, now time.Time) *Room {
	return &Room{
		id:             id,
		state:          RoomEmpty,
		createdAt:      now.UTC(),
		lastActivityAt: now.UTC(),
		nextSeq:        1,
		dirty:          true,
	}
}

// RestoreRoom rebuilds a room loaded from storage. Sessions never survive a
// restart, so a restored room is always Idle. A missing lastActivityAt means the
// process stopped while the room was occupied: the room became empty at load time.
func RestoreRoom(s RoomSnapshot, now time.Time) *Room {
	r := &Room{
		id:             s.ID,
		state:          RoomIdle,
		createdAt:      s.CreatedAt,
		lastActivityAt: s.LastActivityAt,
		transcript:     slices.Clone(s.Transcript),
		nextSeq:        1,
	}
	if n := len(r.transcript); n > 0 {
		r.nextSeq = r.transcript[n-1].Sequence + 1
	}
	if r.lastActivityAt.IsZero() {
		r.lastActivityAt = now.UTC()
		r.dirty = true
	}
	return r
}

func (r *Room) ID() RoomID                { return r.id }
func (r *Room) State() RoomState          { return r.state }
func (r *Room) CreatedAt() time.Time      { return r.createdAt }
func (r *Room) LastActivityAt() time.Time { return r.lastActivityAt }
func (r *Room) SessionCount() int         { return len(r.members) }
func (r *Room) TranscriptLen() int        { return len(r.transcript) }

func (r *Room) Transcript() []CharEvent {
	return slices.Clone(r.transcript)
}

func (r *Room) IsMember(id SessionID) bool {
	return r.indexOf(id) >= 0
}

func (r *Room) indexOf(id SessionID) int {
	return slices.IndexFunc(r.members, func(o Outbox) bool { return o.SessionID() == id })
}

// Join attaches out and returns the history it must see before any live event.
// replayWindow bounds the history to the most recent events, 0 means all of it.
func (r *Room) Join(out Outbox, replayWindow int) ([]CharEvent, error) {
	if r.state == RoomEvicting || r.state == RoomEvicted {
		return nil, fmt.Errorf("%w: room %s is %s", errors.ErrRoomUnavailable, r.id, r.state)
	}
	if !r.IsMember(out.SessionID()) {
		r.members = append(r.members, out)
	}
	if r.state != RoomActive {
		r.state = RoomActive
		r.lastActivityAt = time.Time{}
		r.dirty = true
	}
	return r.replay(replayWindow), nil
}

func (r *Room) replay(window int) []CharEvent {
	from := 0
	if window > 0 && len(r.transcript) > window {
		from = len(r.transcript) - window
	}
	return slices.Clone(r.transcript[from:])
}

// Leave detaches a session. It reports false when the session was not a
// member, which makes a second leave a no-op.
func (r *Room) Leave(id SessionID, now time.Time) (Outbox, bool) {
	i := r.indexOf(id)
	if i < 0 {
		return nil, false
	}
	out := r.members[i]
	r.members = slices.Delete(r.members, i, i+1)
	if len(r.members) == 0 {
		r.becomeIdle(now)
	}
	return out, true
}

// DetachAll removes every member, used when the process shuts down.
func (r *Room) DetachAll(now time.Time) []Outbox {
	detached := r.members
	r.members = nil
	if len(detached) > 0 {
		r.becomeIdle(now)
	}
	return detached
}

func (r *Room) becomeIdle(now time.Time) {
	r.state = RoomIdle
	r.lastActivityAt = now.UTC()
	r.dirty = true
}

// Submit sequences an event from sender, appends it to the transcript and
// offers it to every other member. Members that cannot take it are detached
// and returned so the caller can disconnect them.
func (r *Room) Submit(sender SessionID, kind EventKind, payload string, now time.Time) (CharEvent, []Outbox, error) {
	if !r.IsMember(sender) {
		return CharEvent{}, nil, fmt.Errorf("%w: session %s in room %s", errors.ErrForeignSession, sender, r.id)
	}
	evt := CharEvent{
		Sequence: r.nextSeq,
		Sender:   sender,
		Kind:     kind,
		Payload:  payload,
		At:       now.UTC(),
	}
	if err := evt.Validate(); err != nil {
		return CharEvent{}, nil, err
	}
	r.nextSeq++
	r.transcript = append(r.transcript, evt)
	r.dirty = true

	var dropped []Outbox
	for _, m := range r.members {
		if m.SessionID() == sender {
			continue
		}
		if !m.Offer(evt) {
			dropped = append(dropped, m)
		}
	}
	for _, d := range dropped {
		r.Leave(d.SessionID(), now)
	}
	return evt, dropped, nil
}

// Expired reports whether the room has had no session for at least threshold.
func (r *Room) Expired(now time.Time, threshold time.Duration) bool {
	if r.state != RoomIdle && r.state != RoomEmpty {
		return false
	}
	if len(r.members) > 0 {
		return false
	}
	return now.Sub(r.lastActivityAt) >= threshold
}

// BeginEviction is the commit point of an eviction: the precondition is checked
// and the room stops admitting sessions in the same step.
func (r *Room) BeginEviction(now time.Time, threshold time.Duration) error {
	if !r.Expired(now, threshold) {
		return fmt.Errorf("%w: room %s is %s with %d sessions",
			errors.ErrEvictionPrecondition, r.id, r.state, len(r.members))
	}
	r.state = RoomEvicting
	return nil
}

// AbortEviction returns an evicting room to Idle, e.g. when its record could not be deleted.
func (r *Room) AbortEviction() {
	if r.state == RoomEvicting {
		r.state = RoomIdle
	}
}

func (r *Room) CompleteEviction() {
	if r.state == RoomEvicting {
		r.state = RoomEvicted
	}
}

func (r *Room) Snapshot() RoomSnapshot {
	return RoomSnapshot{
		ID:             r.id,
		Transcript:     slices.Clone(r.transcript),
		CreatedAt:      r.createdAt,
		LastActivityAt: r.lastActivityAt,
	}
}

// TakeDirty returns a snapshot and clears the dirty flag if the room changed
// since the last successful save.
func (r *Room) TakeDirty() (RoomSnapshot, bool) {
	if !r.dirty || r.state == RoomEvicting || r.state == RoomEvicted {
		return RoomSnapshot{}, false
	}
	r.dirty = false
	return r.Snapshot(), true
}

func (r *Room) MarkDirty() {
	r.dirty = true
}
