package storage

import (
	"fmt"
	"log/slog"
	"talk-relay/contract"
	"talk-relay/domain"
	"talk-relay/errors"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/samber/lo"
)

// RoomPrefix is the key prefix of every room record.
const RoomPrefix = "room:"

var _ contract.RoomStore = (*RoomRepository)(nil)

// DiskRoom is the durable record of one room.
// Times are stored as Unix nanoseconds, 0 meaning unset.
type DiskRoom struct {
	ID             string      `cbor:"1,keyasint"`
	CreatedAt      int64       `cbor:"2,keyasint"`
	LastActivityAt int64       `cbor:"3,keyasint"`
	Transcript     []DiskEvent `cbor:"4,keyasint"`
}

type DiskEvent struct {
	Sequence uint64 `cbor:"1,keyasint"`
	Sender   string `cbor:"2,keyasint"`
	Kind     string `cbor:"3,keyasint"`
	Payload  string `cbor:"4,keyasint,omitempty"`
	At       int64  `cbor:"5,keyasint"`
}

type RoomRepository struct {
	db  *badger.DB
	log *slog.Logger
}

func NewRoomRepository(db *badger.DB, log *slog.Logger) *RoomRepository {
	return &RoomRepository{db: db, log: log}
}

func roomKey(id domain.RoomID) []byte {
	return []byte(RoomPrefix + string(id))
}

// Load reads every room record. A record that cannot be decoded or fails
// validation is skipped with a warning so one bad room never hides the others.
func (r *RoomRepository) Load() (map[domain.RoomID]domain.RoomSnapshot, error) {
	rooms := make(map[domain.RoomID]domain.RoomSnapshot)
	prefix := []byte(RoomPrefix)

	err := r.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key := string(item.KeyCopy(nil))
			value, err := item.ValueCopy(nil)
			if err != nil {
				r.log.Warn("Skipping unreadable room record", "key", key, "error", err)
				continue
			}
			snapshot, err := DecodeRoom(value)
			if err != nil {
				r.log.Warn("Skipping malformed room record", "key", key, "error", err)
				continue
			}
			if RoomPrefix+string(snapshot.ID) != key {
				r.log.Warn("Skipping room record stored under a foreign key", "key", key, "room_id", snapshot.ID)
				continue
			}
			rooms[snapshot.ID] = snapshot
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("loading rooms: %w", err)
	}
	return rooms, nil
}

// Get reads one room. A record that cannot be decoded, or that belongs to
// another room, is reported as ErrCorruptRecord.
func (r *RoomRepository) Get(id domain.RoomID) (domain.RoomSnapshot, bool, error) {
	var value []byte
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(roomKey(id))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return domain.RoomSnapshot{}, false, nil
	}
	if err != nil {
		return domain.RoomSnapshot{}, false, fmt.Errorf("reading room %s: %w", id, err)
	}
	snapshot, err := DecodeRoom(value)
	if err != nil {
		return domain.RoomSnapshot{}, false, fmt.Errorf("%w: decoding room %s: %w", errors.ErrCorruptRecord, id, err)
	}
	if snapshot.ID != id {
		return domain.RoomSnapshot{}, false, fmt.Errorf("%w: key of room %s holds room %s", errors.ErrCorruptRecord, id, snapshot.ID)
	}
	return snapshot, true, nil
}

// Save replaces the record of the snapshot's room.
func (r *RoomRepository) Save(snapshot domain.RoomSnapshot) error {
	data, err := EncodeRoom(snapshot)
	if err != nil {
		return fmt.Errorf("encoding room %s: %w", snapshot.ID, err)
	}
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Set(roomKey(snapshot.ID), data)
	})
}

// Delete removes the room's record. Deleting a missing room is not an error.
func (r *RoomRepository) Delete(id domain.RoomID) error {
	return r.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(roomKey(id))
	})
}

// EncodeRoom is the stored form of a snapshot.
func EncodeRoom(snapshot domain.RoomSnapshot) ([]byte, error) {
	return marshal(toDiskRoom(snapshot))
}

// DecodeRoom parses and checks one stored record.
func DecodeRoom(value []byte) (domain.RoomSnapshot, error) {
	var disk DiskRoom
	if err := unmarshal(value, &disk); err != nil {
		return domain.RoomSnapshot{}, err
	}
	snapshot := toSnapshot(disk)
	if err := snapshot.ID.Validate(); err != nil {
		return domain.RoomSnapshot{}, err
	}
	var previous uint64
	for _, evt := range snapshot.Transcript {
		if err := evt.Validate(); err != nil {
			return domain.RoomSnapshot{}, fmt.Errorf("event %d: %w", evt.Sequence, err)
		}
		if evt.Sequence <= previous {
			return domain.RoomSnapshot{}, fmt.Errorf("event %d follows %d: sequence not increasing", evt.Sequence, previous)
		}
		previous = evt.Sequence
	}
	return snapshot, nil
}

func toDiskRoom(s domain.RoomSnapshot) DiskRoom {
	return DiskRoom{
		ID:             string(s.ID),
		CreatedAt:      toNanos(s.CreatedAt),
		LastActivityAt: toNanos(s.LastActivityAt),
		Transcript: lo.Map(s.Transcript, func(e domain.CharEvent, _ int) DiskEvent {
			return DiskEvent{
				Sequence: e.Sequence,
				Sender:   string(e.Sender),
				Kind:     string(e.Kind),
				Payload:  e.Payload,
				At:       toNanos(e.At),
			}
		}),
	}
}

func toSnapshot(d DiskRoom) domain.RoomSnapshot {
	var transcript []domain.CharEvent
	if len(d.Transcript) > 0 {
		transcript = lo.Map(d.Transcript, func(e DiskEvent, _ int) domain.CharEvent {
			return domain.CharEvent{
				Sequence: e.Sequence,
				Sender:   domain.SessionID(e.Sender),
				Kind:     domain.EventKind(e.Kind),
				Payload:  e.Payload,
				At:       fromNanos(e.At),
			}
		})
	}
	return domain.RoomSnapshot{
		ID:             domain.RoomID(d.ID),
		CreatedAt:      fromNanos(d.CreatedAt),
		LastActivityAt: fromNanos(d.LastActivityAt),
		Transcript:     transcript,
	}
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
