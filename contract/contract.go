//go:generate go run go.uber.org/mock/mockgen -source=contract.go -destination=../mocks/mock_contract.go -package=mocks
package contract

import (
	"context"
	"reflect"
	"talk-relay/domain"
)

type ISupervisor interface {
	Add(worker ...Worker) ISupervisor
	Run(ctx context.Context)
	Start(ctx context.Context, worker Worker)
	Stop()
}

type WorkerName string

// Worker doesn't protect itself
// Can be silly, focused
type Worker interface {
	Run(ctx context.Context) error
}

// GetWorkerName uses reflection to retrieve the type name of the worker.
// This is used for logging and supervision purposes during worker initialization
// or lifecycle events, avoiding the need for manual naming in the Worker interface.
func GetWorkerName(w Worker) string {
	if w == nil {
		return "NilWorker"
	}
	t := reflect.TypeOf(w)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}

// Conn is the transport handle behind a session.
// Closing it is how the relay forces a participant out.
type Conn interface {
	Close() error
}

// RoomStore is the durable home of room snapshots. Get reports an unusable
// record with errors.ErrCorruptRecord.
type RoomStore interface {
	Load() (map[domain.RoomID]domain.RoomSnapshot, error)
	Get(id domain.RoomID) (domain.RoomSnapshot, bool, error)
	Save(snapshot domain.RoomSnapshot) error
	Delete(id domain.RoomID) error
}

// RoomReaper is what the expiry reaper needs from the registry.
type RoomReaper interface {
	ExpiredRooms(ctx context.Context) []domain.RoomID
	EvictRoom(ctx context.Context, id domain.RoomID) error
}

// Checkpointer flushes modified rooms to the store.
// FlushRequests fires when a room changed state and should be saved early.
type Checkpointer interface {
	Checkpoint(ctx context.Context) error
	FlushRequests() <-chan struct{}
}

// StatsSource reports every room currently held in memory.
type StatsSource interface {
	Stats(ctx context.Context) []domain.RoomStats
}
