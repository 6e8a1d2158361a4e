package errors

import (
	"errors"
	"fmt"
)

var (
	ErrWorkerPanic          = fmt.Errorf("worker panic")
	ErrRoomUnavailable      = fmt.Errorf("room unavailable")
	ErrRoomNotFound         = fmt.Errorf("room not found")
	ErrForeignSession       = fmt.Errorf("session is not a member of this room")
	ErrEvictionPrecondition = fmt.Errorf("room is not eligible for eviction")
	ErrPersistenceFailure   = fmt.Errorf("persistence failure")
	ErrCorruptRecord        = fmt.Errorf("corrupt room record")
	ErrInvalidEvent         = fmt.Errorf("invalid character event")
	ErrInvalidRoomID        = fmt.Errorf("invalid room id")
	ErrIgnoredKey           = fmt.Errorf("key does not map to a character event")
)

// Is and Join are re-exported so callers importing this package
// don't need to alias the standard library one.
func Is(err, target error) bool { return errors.Is(err, target) }

func Join(errs ...error) error { return errors.Join(errs...) }
