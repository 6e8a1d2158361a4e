package services

import (
	"context"
	"log/slog"
	"talk-relay/contract"
	"talk-relay/domain"
	"talk-relay/errors"
	"talk-relay/runtime"
	"time"

	"github.com/samber/lo"
)

var roomIDAlphabet = []rune("0123456789abcdef")

const roomIDLength = 6

// RoomDirectory is the part of the registry the relay service drives.
type RoomDirectory interface {
	JoinRoom(ctx context.Context, id domain.RoomID, conn contract.Conn) (*runtime.Session, error)
	LeaveRoom(ctx context.Context, session *runtime.Session) error
}

type IRelayService interface {
	NewRoomID() domain.RoomID
	Join(ctx context.Context, id domain.RoomID, conn contract.Conn) (*runtime.Session, error)
	Leave(ctx context.Context, session *runtime.Session) error
	Press(ctx context.Context, session *runtime.Session, key string) (domain.CharEvent, bool, error)
}

type RelayService struct {
	log        *slog.Logger
	rooms      RoomDirectory
	retries    int
	retryDelay time.Duration
}

func NewRelayService(log *slog.Logger, rooms RoomDirectory, retries int, retryDelay time.Duration) *RelayService {
	return &RelayService{log: log, rooms: rooms, retries: retries, retryDelay: retryDelay}
}

func (s *RelayService) NewRoomID() domain.RoomID {
	return domain.RoomID(lo.RandomString(roomIDLength, roomIDAlphabet))
}

// Join admits conn into the room. A room caught in the middle of its eviction
// is retried: once gone, the next attempt creates it afresh.
func (s *RelayService) Join(ctx context.Context, id domain.RoomID, conn contract.Conn) (*runtime.Session, error) {
	var (
		session *runtime.Session
		err     error
	)
	for attempt := 0; attempt <= s.retries; attempt++ {
		session, err = s.rooms.JoinRoom(ctx, id, conn)
		if !errors.Is(err, errors.ErrRoomUnavailable) {
			return session, err
		}
		s.log.Debug("Room unavailable, retrying join", "room_id", id, "attempt", attempt+1)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.retryDelay):
		}
	}
	return nil, err
}

func (s *RelayService) Leave(ctx context.Context, session *runtime.Session) error {
	return s.rooms.LeaveRoom(ctx, session)
}

// Press turns a raw key into an event and relays it. Keys with no meaning in
// a transcript are dropped and reported with false.
func (s *RelayService) Press(ctx context.Context, session *runtime.Session, key string) (domain.CharEvent, bool, error) {
	kind, payload, err := domain.ParseKey(key)
	if errors.Is(err, errors.ErrIgnoredKey) {
		return domain.CharEvent{}, false, nil
	}
	if err != nil {
		return domain.CharEvent{}, false, err
	}
	evt, err := session.Submit(ctx, kind, payload)
	if err != nil {
		return domain.CharEvent{}, false, err
	}
	return evt, true, nil
}
