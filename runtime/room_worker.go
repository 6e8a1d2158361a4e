package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"talk-relay/contract"
	"talk-relay/domain"
	"talk-relay/errors"
	"talk-relay/internal/clock"
	"time"
)

var _ contract.Worker = (*RoomWorker)(nil)

type roomOp struct {
	fn    func(room *domain.Room) error
	reply chan error
}

// RoomWorker is the serialization point of one room: every read or mutation of
// the room runs as an op on its single goroutine, in arrival order.
type RoomWorker struct {
	room         *domain.Room
	ops          chan roomOp
	stopped      chan struct{}
	halt         bool
	closing      bool
	replayWindow int
	clock        clock.Clock
	onChange     func(domain.RoomID)
	log          *slog.Logger
}

func NewRoomWorker(room *domain.Room, replayWindow int, clk clock.Clock,
	onChange func(domain.RoomID), log *slog.Logger) *RoomWorker {
	return &RoomWorker{
		room:         room,
		ops:          make(chan roomOp),
		stopped:      make(chan struct{}),
		replayWindow: replayWindow,
		clock:        clk,
		onChange:     onChange,
		log:          log.With("room_id", room.ID()),
	}
}

func (w *RoomWorker) ID() domain.RoomID { return w.room.ID() }

// Run processes ops until the room is evicted (returns nil) or ctx is done.
func (w *RoomWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			w.stop()
			return ctx.Err()
		case <-w.stopped:
			return nil
		case op := <-w.ops:
			op.reply <- w.apply(op.fn)
			if w.halt {
				w.stop()
				w.log.Debug("Room worker stopped")
				return nil
			}
		}
	}
}

func (w *RoomWorker) stop() {
	select {
	case <-w.stopped:
	default:
		close(w.stopped)
	}
}

func (w *RoomWorker) apply(fn func(room *domain.Room) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("Room operation panicked", "panic", r)
			err = errors.ErrWorkerPanic
		}
	}()
	return fn(w.room)
}

// do runs fn on the room goroutine and waits for it. ops is unbuffered, so an
// op that was handed over always gets its reply, even if the room stops right after.
func (w *RoomWorker) do(ctx context.Context, fn func(room *domain.Room) error) error {
	op := roomOp{fn: fn, reply: make(chan error, 1)}
	select {
	case w.ops <- op:
	case <-w.stopped:
		return fmt.Errorf("%w: room %s is stopped", errors.ErrRoomUnavailable, w.room.ID())
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-op.reply
}

func (w *RoomWorker) changed() {
	if w.onChange != nil {
		w.onChange(w.room.ID())
	}
}

// Join attaches s and hands it the replay it must deliver before live events.
func (w *RoomWorker) Join(ctx context.Context, s *Session) error {
	return w.do(ctx, func(room *domain.Room) error {
		if w.closing {
			return fmt.Errorf("%w: room %s is shutting down", errors.ErrRoomUnavailable, room.ID())
		}
		previous := room.State()
		replay, err := room.Join(s, w.replayWindow)
		if err != nil {
			return err
		}
		s.replay = replay
		if previous != domain.RoomActive {
			w.log.Info("Room is active", "from", previous.String(), "session_id", s.ID)
			w.changed()
		}
		return nil
	})
}

// Leave detaches the session if it is still a member and reports whether it was.
func (w *RoomWorker) Leave(ctx context.Context, id domain.SessionID) (bool, error) {
	var left bool
	err := w.do(ctx, func(room *domain.Room) error {
		out, ok := room.Leave(id, w.clock.Now())
		if !ok {
			return nil
		}
		left = true
		if s, ok := out.(*Session); ok {
			s.detach()
		}
		if room.State() == domain.RoomIdle {
			w.log.Info("Room is idle", "last_activity_at", room.LastActivityAt())
			w.changed()
		}
		return nil
	})
	return left, err
}

// Submit sequences and fans out one event. Sessions too slow to take it are disconnected.
func (w *RoomWorker) Submit(ctx context.Context, sender domain.SessionID, kind domain.EventKind, payload string) (domain.CharEvent, error) {
	var evt domain.CharEvent
	err := w.do(ctx, func(room *domain.Room) error {
		var (
			dropped []domain.Outbox
			err     error
		)
		evt, dropped, err = room.Submit(sender, kind, payload, w.clock.Now())
		if err != nil {
			return err
		}
		for _, out := range dropped {
			w.log.Warn("Outbound queue overflow, disconnecting session", "session_id", out.SessionID())
			if s, ok := out.(*Session); ok {
				s.disconnect()
			}
		}
		return nil
	})
	return evt, err
}

func (w *RoomWorker) Expired(ctx context.Context, threshold time.Duration) (bool, error) {
	var expired bool
	err := w.do(ctx, func(room *domain.Room) error {
		expired = room.Expired(w.clock.Now(), threshold)
		return nil
	})
	return expired, err
}

func (w *RoomWorker) BeginEviction(ctx context.Context, threshold time.Duration) error {
	return w.do(ctx, func(room *domain.Room) error {
		return room.BeginEviction(w.clock.Now(), threshold)
	})
}

func (w *RoomWorker) AbortEviction(ctx context.Context) error {
	return w.do(ctx, func(room *domain.Room) error {
		room.AbortEviction()
		return nil
	})
}

// CompleteEviction marks the room evicted and stops the worker.
func (w *RoomWorker) CompleteEviction(ctx context.Context) error {
	return w.do(ctx, func(room *domain.Room) error {
		room.CompleteEviction()
		w.halt = true
		return nil
	})
}

func (w *RoomWorker) TakeDirty(ctx context.Context) (domain.RoomSnapshot, bool, error) {
	var (
		snapshot domain.RoomSnapshot
		dirty    bool
	)
	err := w.do(ctx, func(room *domain.Room) error {
		snapshot, dirty = room.TakeDirty()
		return nil
	})
	return snapshot, dirty, err
}

func (w *RoomWorker) MarkDirty(ctx context.Context) error {
	return w.do(ctx, func(room *domain.Room) error {
		room.MarkDirty()
		return nil
	})
}

// DisconnectAll forces every session out, leaving the room idle. Later joins
// fail with ErrRoomUnavailable.
func (w *RoomWorker) DisconnectAll(ctx context.Context) (int, error) {
	var count int
	err := w.do(ctx, func(room *domain.Room) error {
		w.closing = true
		detached := room.DetachAll(w.clock.Now())
		count = len(detached)
		for _, out := range detached {
			if s, ok := out.(*Session); ok {
				s.disconnect()
			}
		}
		return nil
	})
	return count, err
}

func (w *RoomWorker) Stats(ctx context.Context) (domain.RoomStats, error) {
	var stats domain.RoomStats
	err := w.do(ctx, func(room *domain.Room) error {
		stats = domain.RoomStats{
			ID:             room.ID(),
			State:          room.State(),
			Sessions:       room.SessionCount(),
			Transcript:     room.TranscriptLen(),
			LastActivityAt: room.LastActivityAt(),
		}
		return nil
	})
	return stats, err
}

// Transcript returns a copy of the room's events, in relay order.
func (w *RoomWorker) Transcript(ctx context.Context) ([]domain.CharEvent, error) {
	var transcript []domain.CharEvent
	err := w.do(ctx, func(room *domain.Room) error {
		transcript = room.Transcript()
		return nil
	})
	return transcript, err
}
