package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"talk-relay/contract"
	"talk-relay/domain"
	"talk-relay/errors"
	"talk-relay/infrastructure/storage"
	"talk-relay/internal/clock"
	"talk-relay/mocks"
	"talk-relay/runtime/workers"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/samber/lo"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"golang.org/x/sync/errgroup"
)

const idleThreshold = 12 * time.Hour

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func newBadgerStore(t *testing.T) *storage.RoomRepository {
	t.Helper()
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLoggingLevel(badger.ERROR))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return storage.NewRoomRepository(db, slog.Default())
}

func newTestRegistry(t *testing.T, store contract.RoomStore, clk clock.Clock, queueSize int) *Registry {
	t.Helper()
	supervisor := workers.NewSupervisor(slog.Default(), 10*time.Millisecond)
	registry := NewRegistry(slog.Default(), store, supervisor, clk, RegistryConfig{
		IdleThreshold:     idleThreshold,
		OutboundQueueSize: queueSize,
	})
	t.Cleanup(registry.cancel)
	return registry
}

// drain reads whatever is queued for s without blocking.
func drain(s *Session) []domain.CharEvent {
	var events []domain.CharEvent
	for {
		select {
		case evt, ok := <-s.Events():
			if !ok {
				return events
			}
			events = append(events, evt)
		default:
			return events
		}
	}
}

func payloads(events []domain.CharEvent) []string {
	return lo.Map(events, func(e domain.CharEvent, _ int) string { return e.Payload })
}

func statsOf(t *testing.T, registry *Registry, id domain.RoomID) domain.RoomStats {
	t.Helper()
	stats, ok := lo.Find(registry.Stats(context.Background()), func(s domain.RoomStats) bool { return s.ID == id })
	require.True(t, ok, "room %s should be in memory", id)
	return stats
}

func TestRegistry_Relay_Then_Idle_Then_Evicted(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	clk := clock.NewFake(t0)
	store := newBadgerStore(t)
	registry := newTestRegistry(t, store, clk, 16)

	// Given two sessions in room r1
	a, err := registry.JoinRoom(ctx, "r1", nil)
	req.NoError(err)
	b, err := registry.JoinRoom(ctx, "r1", nil)
	req.NoError(err)

	// When A types "hi"
	_, err = a.Submit(ctx, domain.KindChar, "h")
	req.NoError(err)
	_, err = a.Submit(ctx, domain.KindChar, "i")
	req.NoError(err)

	// Then B sees both in order and A sees nothing
	req.Equal([]string{"h", "i"}, payloads(drain(b)))
	req.Empty(drain(a))

	// When both leave
	req.NoError(registry.LeaveRoom(ctx, a))
	clk.Advance(time.Minute)
	req.NoError(registry.LeaveRoom(ctx, b))

	// Then the room is idle since the last leave
	stats := statsOf(t, registry, "r1")
	req.Equal(domain.RoomIdle, stats.State)
	req.Equal(t0.Add(time.Minute), stats.LastActivityAt)
	req.NoError(registry.Checkpoint(ctx))
	_, found, err := store.Get("r1")
	req.NoError(err)
	req.True(found)

	// And it is kept until the threshold is reached
	clk.Advance(idleThreshold - time.Second)
	req.Empty(registry.ExpiredRooms(ctx))
	req.ErrorIs(registry.EvictRoom(ctx, "r1"), errors.ErrEvictionPrecondition)

	// When the threshold has passed
	clk.Advance(2 * time.Second)
	req.Equal([]domain.RoomID{"r1"}, registry.ExpiredRooms(ctx))
	req.NoError(registry.EvictRoom(ctx, "r1"))

	// Then it is gone from memory and from the store
	req.Empty(registry.Stats(ctx))
	_, found, err = store.Get("r1")
	req.NoError(err)
	req.False(found)
	req.ErrorIs(registry.EvictRoom(ctx, "r1"), errors.ErrRoomNotFound)
}

func TestRegistry_Leave_Is_Idempotent(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	clk := clock.NewFake(t0)
	registry := newTestRegistry(t, newBadgerStore(t), clk, 16)

	a, err := registry.JoinRoom(ctx, "r1", nil)
	req.NoError(err)
	b, err := registry.JoinRoom(ctx, "r1", nil)
	req.NoError(err)

	// When A leaves twice
	req.NoError(registry.LeaveRoom(ctx, a))
	req.NoError(registry.LeaveRoom(ctx, a))

	// Then only one session was removed
	req.Equal(1, statsOf(t, registry, "r1").Sessions)

	// When B leaves, then leaves again later
	req.NoError(registry.LeaveRoom(ctx, b))
	clk.Advance(time.Hour)
	req.NoError(registry.LeaveRoom(ctx, b))

	// Then the idle timestamp is not moved by the second leave
	stats := statsOf(t, registry, "r1")
	req.Equal(0, stats.Sessions)
	req.Equal(t0, stats.LastActivityAt)
}

func TestRegistry_Foreign_Session_Is_Rejected(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	registry := newTestRegistry(t, newBadgerStore(t), clock.NewFake(t0), 16)

	a, err := registry.JoinRoom(ctx, "r1", nil)
	req.NoError(err)
	b, err := registry.JoinRoom(ctx, "r1", nil)
	req.NoError(err)
	req.NoError(registry.LeaveRoom(ctx, a))

	// When a departed session submits
	_, err = a.Submit(ctx, domain.KindChar, "x")

	// Then the event is rejected and the room keeps working
	req.ErrorIs(err, errors.ErrForeignSession)
	evt, err := b.Submit(ctx, domain.KindChar, "y")
	req.NoError(err)
	req.Equal(uint64(1), evt.Sequence)
}

func TestRegistry_Rejects_Invalid_Room_ID(t *testing.T) {
	registry := newTestRegistry(t, newBadgerStore(t), clock.NewFake(t0), 16)

	_, err := registry.JoinRoom(context.Background(), "a/b", nil)

	require.ErrorIs(t, err, errors.ErrInvalidRoomID)
}

func TestRegistry_Join_During_Eviction_Is_Unavailable(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	clk := clock.NewFake(t0)
	registry := newTestRegistry(t, newBadgerStore(t), clk, 16)

	a, err := registry.JoinRoom(ctx, "r1", nil)
	req.NoError(err)
	req.NoError(registry.LeaveRoom(ctx, a))
	clk.Advance(idleThreshold)

	// Given an eviction that passed its commit point
	worker, ok := registry.lookup("r1")
	req.True(ok)
	req.NoError(worker.BeginEviction(ctx, idleThreshold))

	// Then a join is refused
	_, err = registry.JoinRoom(ctx, "r1", nil)
	req.ErrorIs(err, errors.ErrRoomUnavailable)

	// When the eviction is abandoned, joining works again
	req.NoError(worker.AbortEviction(ctx))
	_, err = registry.JoinRoom(ctx, "r1", nil)
	req.NoError(err)

	// And the room can no longer be evicted
	req.ErrorIs(registry.EvictRoom(ctx, "r1"), errors.ErrEvictionPrecondition)
}

func TestRegistry_Join_And_Eviction_Race(t *testing.T) {
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		req := require.New(t)
		clk := clock.NewFake(t0)
		registry := newTestRegistry(t, newBadgerStore(t), clk, 16)

		// Given an expired room holding one event
		a, err := registry.JoinRoom(ctx, "r1", nil)
		req.NoError(err)
		_, err = a.Submit(ctx, domain.KindChar, "x")
		req.NoError(err)
		req.NoError(registry.LeaveRoom(ctx, a))
		req.NoError(registry.Checkpoint(ctx))
		clk.Advance(idleThreshold + time.Minute)

		// When a join and an eviction race
		var (
			wg       sync.WaitGroup
			evictErr error
			joined   *Session
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			evictErr = registry.EvictRoom(ctx, "r1")
		}()
		go func() {
			defer wg.Done()
			for {
				s, err := registry.JoinRoom(ctx, "r1", nil)
				if errors.Is(err, errors.ErrRoomUnavailable) {
					continue
				}
				joined = s
				return
			}
		}()
		wg.Wait()

		// Then exactly one of them took effect
		req.NotNil(joined)
		transcript, err := joined.room.Transcript(ctx)
		req.NoError(err)
		if evictErr == nil {
			req.Empty(transcript, "join after eviction must land in a fresh room")
		} else {
			req.ErrorIs(evictErr, errors.ErrEvictionPrecondition)
			req.Len(transcript, 1, "join before eviction keeps the room")
		}
		req.Equal(1, statsOf(t, registry, "r1").Sessions)
	}
}

func TestRegistry_Load_Then_First_Sweep_Evicts_Stale_Room(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	clk := clock.NewFake(t0)
	store := newBadgerStore(t)

	// Given a room persisted 13 hours ago and a recent one
	req.NoError(store.Save(domain.RoomSnapshot{
		ID:             "old",
		CreatedAt:      t0.Add(-14 * time.Hour),
		LastActivityAt: t0.Add(-13 * time.Hour),
	}))
	req.NoError(store.Save(domain.RoomSnapshot{
		ID:             "recent",
		CreatedAt:      t0.Add(-2 * time.Hour),
		LastActivityAt: t0.Add(-time.Hour),
	}))

	// When the process restarts
	registry := newTestRegistry(t, store, clk, 16)
	req.NoError(registry.Load(ctx))
	req.Equal(domain.RoomIdle, statsOf(t, registry, "old").State)

	// Then the first sweep evicts the stale room without anyone joining
	evicted := workers.NewExpiryReaper(slog.Default(), registry, time.Hour).Sweep(ctx)
	req.Equal(1, evicted)
	_, found, err := store.Get("old")
	req.NoError(err)
	req.False(found)
	_, found, err = store.Get("recent")
	req.NoError(err)
	req.True(found)
}

func TestRegistry_Restored_Room_Continues_Sequence(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store := newBadgerStore(t)
	req.NoError(store.Save(domain.RoomSnapshot{
		ID: "r1",
		Transcript: []domain.CharEvent{
			{Sequence: 1, Sender: "alice", Kind: domain.KindChar, Payload: "o", At: t0},
			{Sequence: 2, Sender: "alice", Kind: domain.KindChar, Payload: "k", At: t0},
		},
		CreatedAt:      t0,
		LastActivityAt: t0,
	}))
	registry := newTestRegistry(t, store, clock.NewFake(t0.Add(time.Hour)), 16)

	// When a session joins a room only known to the store
	a, err := registry.JoinRoom(ctx, "r1", nil)
	req.NoError(err)

	// Then it gets the stored history and numbering goes on
	req.Equal([]string{"o", "k"}, payloads(a.Replay()))
	evt, err := a.Submit(ctx, domain.KindNewline, "")
	req.NoError(err)
	req.Equal(uint64(3), evt.Sequence)
}

func TestRegistry_Expired_Record_Is_Not_Revived_By_Join(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store := newBadgerStore(t)
	req.NoError(store.Save(domain.RoomSnapshot{
		ID:             "r1",
		Transcript:     []domain.CharEvent{{Sequence: 1, Sender: "alice", Kind: domain.KindChar, Payload: "o", At: t0}},
		CreatedAt:      t0,
		LastActivityAt: t0,
	}))
	registry := newTestRegistry(t, store, clock.NewFake(t0.Add(13*time.Hour)), 16)

	a, err := registry.JoinRoom(ctx, "r1", nil)
	req.NoError(err)

	req.Empty(a.Replay())
}

func TestRegistry_Corrupt_Record_Does_Not_Block_Room(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLoggingLevel(badger.ERROR))
	req.NoError(err)
	t.Cleanup(func() { _ = db.Close() })
	store := storage.NewRoomRepository(db, slog.Default())

	// Given an unreadable record for room x
	req.NoError(db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(storage.RoomPrefix+"x"), []byte("garbage"))
	}))
	registry := newTestRegistry(t, store, clock.NewFake(t0), 16)
	req.NoError(registry.Load(ctx))

	// When a session joins room x
	a, err := registry.JoinRoom(ctx, "x", nil)

	// Then it lands in a fresh room
	req.NoError(err)
	req.Empty(a.Replay())
	_, err = a.Submit(ctx, domain.KindChar, "z")
	req.NoError(err)

	// And the next checkpoint replaces the bad record
	req.NoError(registry.Checkpoint(ctx))
	snapshot, found, err := store.Get("x")
	req.NoError(err)
	req.True(found)
	req.Equal([]string{"z"}, payloads(snapshot.Transcript))
}

func TestRegistry_Delete_Failure_Aborts_Eviction(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	store := mocks.NewMockRoomStore(ctrl)
	clk := clock.NewFake(t0)
	registry := newTestRegistry(t, store, clk, 16)

	store.EXPECT().Get(domain.RoomID("r1")).Return(domain.RoomSnapshot{}, false, nil)
	gomock.InOrder(
		store.EXPECT().Delete(domain.RoomID("r1")).Return(fmt.Errorf("disk unplugged")),
		store.EXPECT().Delete(domain.RoomID("r1")).Return(nil),
	)

	a, err := registry.JoinRoom(ctx, "r1", nil)
	req.NoError(err)
	req.NoError(registry.LeaveRoom(ctx, a))
	clk.Advance(idleThreshold)

	// When the store cannot delete the record
	err = registry.EvictRoom(ctx, "r1")

	// Then the room stays, idle and still expired
	req.ErrorIs(err, errors.ErrPersistenceFailure)
	req.Equal(domain.RoomIdle, statsOf(t, registry, "r1").State)
	req.Equal([]domain.RoomID{"r1"}, registry.ExpiredRooms(ctx))

	// And a later attempt succeeds
	req.NoError(registry.EvictRoom(ctx, "r1"))
	req.Empty(registry.Stats(ctx))
}

func TestRegistry_Checkpoint_Failure_Retries_Later(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	store := mocks.NewMockRoomStore(ctrl)
	registry := newTestRegistry(t, store, clock.NewFake(t0), 16)

	store.EXPECT().Get(domain.RoomID("r1")).Return(domain.RoomSnapshot{}, false, nil)
	gomock.InOrder(
		store.EXPECT().Save(gomock.Any()).Return(fmt.Errorf("disk full")),
		store.EXPECT().Save(gomock.Any()).DoAndReturn(func(s domain.RoomSnapshot) error {
			req.Equal(domain.RoomID("r1"), s.ID)
			req.Len(s.Transcript, 1)
			return nil
		}),
	)

	a, err := registry.JoinRoom(ctx, "r1", nil)
	req.NoError(err)
	_, err = a.Submit(ctx, domain.KindChar, "z")
	req.NoError(err)

	// When the first checkpoint fails
	req.ErrorIs(registry.Checkpoint(ctx), errors.ErrPersistenceFailure)

	// Then the room keeps working and is saved by the next one
	req.NoError(registry.Checkpoint(ctx))

	// And nothing is written while it stays unchanged
	req.NoError(registry.Checkpoint(ctx))
}

func TestRegistry_Checkpoint_Never_Resurrects_Evicted_Room(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	clk := clock.NewFake(t0)
	store := newBadgerStore(t)
	registry := newTestRegistry(t, store, clk, 16)

	// Given a modified room that was never checkpointed
	a, err := registry.JoinRoom(ctx, "r1", nil)
	req.NoError(err)
	req.NoError(registry.LeaveRoom(ctx, a))
	clk.Advance(idleThreshold)

	// When it is evicted and a checkpoint follows
	req.NoError(registry.EvictRoom(ctx, "r1"))
	req.NoError(registry.Checkpoint(ctx))

	// Then the store does not hold it
	_, found, err := store.Get("r1")
	req.NoError(err)
	req.False(found)
}

func TestRegistry_Concurrent_Submissions_Keep_One_Order(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	const senders, perSender = 8, 50
	registry := newTestRegistry(t, newBadgerStore(t), clock.NewFake(t0), senders*perSender)

	observer, err := registry.JoinRoom(ctx, "r1", nil)
	req.NoError(err)
	sessions := make([]*Session, senders)
	for i := range sessions {
		sessions[i], err = registry.JoinRoom(ctx, "r1", nil)
		req.NoError(err)
	}

	// When every session types at once
	g, gctx := errgroup.WithContext(ctx)
	for i, s := range sessions {
		payload := string(rune('a' + i))
		g.Go(func() error {
			for j := 0; j < perSender; j++ {
				if _, err := s.Submit(gctx, domain.KindChar, payload); err != nil {
					return err
				}
			}
			return nil
		})
	}
	req.NoError(g.Wait())

	// Then the observer saw exactly the transcript, in order
	transcript, err := observer.room.Transcript(ctx)
	req.NoError(err)
	req.Len(transcript, senders*perSender)
	req.Equal(transcript, drain(observer))
	for i, evt := range transcript {
		req.Equal(uint64(i+1), evt.Sequence)
	}
}

func TestRegistry_Slow_Session_Is_Disconnected(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	registry := newTestRegistry(t, newBadgerStore(t), clock.NewFake(t0), 1)

	closed := make(chan struct{})
	slowConn := mocks.NewMockConn(ctrl)
	slowConn.EXPECT().Close().DoAndReturn(func() error {
		close(closed)
		return nil
	}).Times(1)

	a, err := registry.JoinRoom(ctx, "r1", nil)
	req.NoError(err)
	slow, err := registry.JoinRoom(ctx, "r1", slowConn)
	req.NoError(err)
	fast, err := registry.JoinRoom(ctx, "r1", nil)
	req.NoError(err)

	// When the slow session stops reading and its queue fills up
	_, err = a.Submit(ctx, domain.KindChar, "1")
	req.NoError(err)
	req.Len(drain(fast), 1)
	_, err = a.Submit(ctx, domain.KindChar, "2")
	req.NoError(err)

	// Then only the slow one is forced out
	select {
	case <-closed:
	case <-time.After(time.Second):
		req.Fail("slow connection should be closed")
	}
	<-slow.Done()
	req.Equal([]string{"1"}, payloads(drain(slow)))
	req.Equal([]string{"2"}, payloads(drain(fast)))
	req.Equal(2, statsOf(t, registry, "r1").Sessions)

	// And leaving it again is harmless
	req.NoError(registry.LeaveRoom(ctx, slow))
}

func TestRegistry_Close_Disconnects_And_Flushes(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	ctrl := gomock.NewController(t)
	store := newBadgerStore(t)
	registry := newTestRegistry(t, store, clock.NewFake(t0), 16)

	closed := make(chan struct{})
	conn := mocks.NewMockConn(ctrl)
	conn.EXPECT().Close().DoAndReturn(func() error {
		close(closed)
		return nil
	}).Times(1)

	a, err := registry.JoinRoom(ctx, "r1", conn)
	req.NoError(err)
	_, err = a.Submit(ctx, domain.KindChar, "q")
	req.NoError(err)

	// When the registry closes
	req.NoError(registry.Close(ctx))

	// Then the session is forced out and the room is saved idle
	<-closed
	<-a.Done()
	snapshot, found, err := store.Get("r1")
	req.NoError(err)
	req.True(found)
	req.Len(snapshot.Transcript, 1)
	req.Equal(t0, snapshot.LastActivityAt)

	// And nobody can join anymore
	_, err = registry.JoinRoom(ctx, "r1", nil)
	req.ErrorIs(err, errors.ErrRoomUnavailable)
}

func TestRegistry_Join_Is_Rejected_Once_Room_Disconnected_All(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	registry := newTestRegistry(t, newBadgerStore(t), clock.NewFake(t0), 16)

	a, err := registry.JoinRoom(ctx, "r1", nil)
	req.NoError(err)
	worker, ok := registry.lookup("r1")
	req.True(ok)

	// Given the room already forced its sessions out during shutdown
	n, err := worker.DisconnectAll(ctx)
	req.NoError(err)
	req.Equal(1, n)
	<-a.Done()

	// When a join that passed the registry check reaches the room
	late := newSession("r1", worker, nil, 16, t0)
	err = worker.Join(ctx, late)

	// Then it is turned away instead of being left attached
	req.ErrorIs(err, errors.ErrRoomUnavailable)
	req.Equal(0, statsOf(t, registry, "r1").Sessions)
}
