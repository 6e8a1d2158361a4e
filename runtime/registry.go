package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"talk-relay/contract"
	"talk-relay/domain"
	"talk-relay/errors"
	"talk-relay/internal/clock"
	"time"

	"github.com/samber/lo"
)

var (
	_ contract.RoomReaper   = (*Registry)(nil)
	_ contract.Checkpointer = (*Registry)(nil)
	_ contract.StatsSource  = (*Registry)(nil)
)

type RegistryConfig struct {
	IdleThreshold     time.Duration
	OutboundQueueSize int
	ReplayWindow      int
}

// Registry is the process-wide map of rooms and the only way in or out of one.
// mu guards the map only; per-room traffic goes through each RoomWorker.
// persistMu serializes store writes so a checkpoint can never save a room
// after its eviction deleted it.
type Registry struct {
	mu        sync.RWMutex
	rooms     map[domain.RoomID]*RoomWorker
	closed    bool
	persistMu sync.Mutex

	store      contract.RoomStore
	supervisor contract.ISupervisor
	clock      clock.Clock
	config     RegistryConfig
	log        *slog.Logger
	flush      chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

func NewRegistry(log *slog.Logger, store contract.RoomStore, supervisor contract.ISupervisor,
	clk clock.Clock, config RegistryConfig) *Registry {
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		rooms:      make(map[domain.RoomID]*RoomWorker),
		store:      store,
		supervisor: supervisor,
		clock:      clk,
		config:     config,
		log:        log,
		flush:      make(chan struct{}, 1),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Load repopulates the registry from the store. Rooms come back Idle; the
// ones already past the idle threshold are left for the reaper's first sweep.
func (r *Registry) Load(_ context.Context) error {
	snapshots, err := r.store.Load()
	if err != nil {
		return fmt.Errorf("%w: %w", errors.ErrPersistenceFailure, err)
	}
	now := r.clock.Now()
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, snapshot := range snapshots {
		if _, ok := r.rooms[id]; ok {
			continue
		}
		r.startRoom(domain.RestoreRoom(snapshot, now))
	}
	r.log.Info("Rooms loaded from store", "count", len(snapshots))
	return nil
}

// startRoom must be called with mu held.
func (r *Registry) startRoom(room *domain.Room) *RoomWorker {
	worker := NewRoomWorker(room, r.config.ReplayWindow, r.clock, r.requestFlush, r.log)
	r.rooms[room.ID()] = worker
	r.supervisor.Start(r.ctx, worker)
	return worker
}

func (r *Registry) lookup(id domain.RoomID) (*RoomWorker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	worker, ok := r.rooms[id]
	return worker, ok
}

// getOrCreate returns the room's worker, creating the room if needed. The store
// is read outside the lock; if two joins race, the first insert wins.
func (r *Registry) getOrCreate(id domain.RoomID) (*RoomWorker, error) {
	if worker, ok := r.lookup(id); ok {
		return worker, nil
	}

	now := r.clock.Now()
	room := domain.NewRoom(id, now)
	snapshot, found, err := r.store.Get(id)
	switch {
	case errors.Is(err, errors.ErrCorruptRecord):
		// The next checkpoint overwrites the bad record.
		r.log.Warn("Stored room is unreadable, starting fresh", "room_id", id, "error", err)
	case err != nil:
		return nil, fmt.Errorf("%w: %w", errors.ErrPersistenceFailure, err)
	case found:
		restored := domain.RestoreRoom(snapshot, now)
		if restored.Expired(now, r.config.IdleThreshold) {
			r.log.Info("Stored room expired, starting fresh", "room_id", id)
		} else {
			room = restored
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, fmt.Errorf("%w: registry is closed", errors.ErrRoomUnavailable)
	}
	if worker, ok := r.rooms[id]; ok {
		return worker, nil
	}
	return r.startRoom(room), nil
}

// JoinRoom admits a new session for conn into the room. ErrRoomUnavailable
// means the room is being evicted: retrying will land in a fresh room.
func (r *Registry) JoinRoom(ctx context.Context, id domain.RoomID, conn contract.Conn) (*Session, error) {
	if err := id.Validate(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return nil, fmt.Errorf("%w: registry is closed", errors.ErrRoomUnavailable)
	}
	worker, err := r.getOrCreate(id)
	if err != nil {
		return nil, err
	}
	session := newSession(id, worker, conn, r.config.OutboundQueueSize, r.clock.Now())
	if err := worker.Join(ctx, session); err != nil {
		return nil, err
	}
	r.log.Debug("Session joined", "room_id", id, "session_id", session.ID, "replay", len(session.replay))
	return session, nil
}

// LeaveRoom detaches the session. Leaving twice is a no-op.
func (r *Registry) LeaveRoom(ctx context.Context, session *Session) error {
	select {
	case <-session.Done():
		return nil
	default:
	}
	_, err := session.room.Leave(ctx, session.ID)
	if errors.Is(err, errors.ErrRoomUnavailable) {
		// The room stopped and took its sessions with it.
		session.detach()
		return nil
	}
	return err
}

// ExpiredRooms lists rooms that have been empty for at least the idle threshold.
func (r *Registry) ExpiredRooms(ctx context.Context) []domain.RoomID {
	var expired []domain.RoomID
	for _, worker := range r.workers() {
		ok, err := worker.Expired(ctx, r.config.IdleThreshold)
		if err != nil {
			continue
		}
		if ok {
			expired = append(expired, worker.ID())
		}
	}
	return expired
}

// EvictRoom removes an expired room from memory and from the store. The
// precondition is re-checked inside the room, so a join that got there first
// wins and the eviction fails with ErrEvictionPrecondition.
func (r *Registry) EvictRoom(ctx context.Context, id domain.RoomID) error {
	worker, ok := r.lookup(id)
	if !ok {
		return fmt.Errorf("%w: %s", errors.ErrRoomNotFound, id)
	}
	if err := worker.BeginEviction(ctx, r.config.IdleThreshold); err != nil {
		return err
	}

	r.persistMu.Lock()
	err := r.store.Delete(id)
	r.persistMu.Unlock()
	if err != nil {
		if abortErr := worker.AbortEviction(ctx); abortErr != nil {
			r.log.Error("Failed to abort eviction", "room_id", id, "error", abortErr)
		}
		return fmt.Errorf("%w: deleting room %s: %w", errors.ErrPersistenceFailure, id, err)
	}

	r.mu.Lock()
	if current, ok := r.rooms[id]; ok && current == worker {
		delete(r.rooms, id)
	}
	r.mu.Unlock()

	if err := worker.CompleteEviction(ctx); err != nil {
		r.log.Warn("Room worker already stopped", "room_id", id, "error", err)
	}
	r.log.Info("Room evicted", "room_id", id)
	return nil
}

func (r *Registry) requestFlush(domain.RoomID) {
	select {
	case r.flush <- struct{}{}:
	default:
	}
}

func (r *Registry) FlushRequests() <-chan struct{} {
	return r.flush
}

// Checkpoint saves every room modified since its last save. A failed save
// leaves the room dirty so the next checkpoint retries it.
func (r *Registry) Checkpoint(ctx context.Context) error {
	r.persistMu.Lock()
	defer r.persistMu.Unlock()

	var errs []error
	saved := 0
	for _, worker := range r.workers() {
		snapshot, dirty, err := worker.TakeDirty(ctx)
		if err != nil || !dirty {
			continue
		}
		if err := r.store.Save(snapshot); err != nil {
			r.log.Warn("Failed to save room, will retry", "room_id", snapshot.ID, "error", err)
			if markErr := worker.MarkDirty(ctx); markErr != nil {
				r.log.Debug("Room stopped before it could be marked dirty", "room_id", snapshot.ID)
			}
			errs = append(errs, fmt.Errorf("%w: saving room %s: %w", errors.ErrPersistenceFailure, snapshot.ID, err))
			continue
		}
		saved++
	}
	if saved > 0 {
		r.log.Debug("Checkpoint done", "saved", saved)
	}
	return errors.Join(errs...)
}

// Stats reports every room currently held in memory.
func (r *Registry) Stats(ctx context.Context) []domain.RoomStats {
	var stats []domain.RoomStats
	for _, worker := range r.workers() {
		s, err := worker.Stats(ctx)
		if err != nil {
			continue
		}
		stats = append(stats, s)
	}
	return stats
}

func (r *Registry) workers() []*RoomWorker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Values(r.rooms)
}

// Close disconnects every session, flushes all pending room state and stops
// the room workers. Joins fail with ErrRoomUnavailable afterwards.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	disconnected := 0
	for _, worker := range r.workers() {
		n, err := worker.DisconnectAll(ctx)
		if err != nil {
			continue
		}
		disconnected += n
	}
	err := r.Checkpoint(ctx)
	r.cancel()
	r.log.Info("Registry closed", "disconnected_sessions", disconnected)
	return err
}
