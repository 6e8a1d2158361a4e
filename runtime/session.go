package runtime

import (
	"context"
	"sync"
	"talk-relay/contract"
	"talk-relay/domain"
	"time"
)

var _ domain.Outbox = (*Session)(nil)

// Session is one connected participant inside exactly one room.
// The room owns it while it is a member; the session only keeps a
// lookup reference to the room worker to route its own submissions.
type Session struct {
	ID       domain.SessionID
	RoomID   domain.RoomID
	JoinedAt time.Time

	room   *RoomWorker
	conn   contract.Conn
	queue  chan domain.CharEvent
	replay []domain.CharEvent

	closeOnce sync.Once
	left      chan struct{}
}

func newSession(roomID domain.RoomID, room *RoomWorker, conn contract.Conn, queueSize int, now time.Time) *Session {
	return &Session{
		ID:       domain.NewSessionID(),
		RoomID:   roomID,
		JoinedAt: now,
		room:     room,
		conn:     conn,
		queue:    make(chan domain.CharEvent, queueSize),
		left:     make(chan struct{}),
	}
}

func (s *Session) SessionID() domain.SessionID { return s.ID }

// Offer enqueues without blocking. Only the room worker calls it,
// and never after the session was detached.
func (s *Session) Offer(evt domain.CharEvent) bool {
	select {
	case s.queue <- evt:
		return true
	default:
		return false
	}
}

// Replay is the history captured when the session joined.
func (s *Session) Replay() []domain.CharEvent {
	return s.replay
}

// Events yields live events and is closed once the session leaves its room.
func (s *Session) Events() <-chan domain.CharEvent {
	return s.queue
}

// Done is closed once the session has been detached from its room.
func (s *Session) Done() <-chan struct{} {
	return s.left
}

// Submit relays one event from this session to the rest of its room.
func (s *Session) Submit(ctx context.Context, kind domain.EventKind, payload string) (domain.CharEvent, error) {
	return s.room.Submit(ctx, s.ID, kind, payload)
}

// Pump writes the replay and then every live event, in order, until the
// session is detached, write fails or ctx is done.
func (s *Session) Pump(ctx context.Context, write func(domain.CharEvent) error) error {
	for _, evt := range s.replay {
		if err := write(evt); err != nil {
			return err
		}
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-s.queue:
			if !ok {
				return nil
			}
			if err := write(evt); err != nil {
				return err
			}
		}
	}
}

// detach is called by the room worker once the session is no longer a member.
// Events still queued remain readable before Events is seen closed.
func (s *Session) detach() {
	s.closeOnce.Do(func() {
		close(s.queue)
		close(s.left)
	})
}

// disconnect detaches and closes the transport, forcing the participant out.
func (s *Session) disconnect() {
	s.detach()
	if s.conn != nil {
		go func() { _ = s.conn.Close() }()
	}
}
