// Package domain contains core concepts of the relay.
// This file defines character events, the atomic unit relayed between sessions.
// Events are immutable once sequenced by their room.
package domain

import (
	"fmt"
	"talk-relay/errors"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

type EventKind string

const (
	KindChar      EventKind = "char"
	KindBackspace EventKind = "backspace"
	KindNewline   EventKind = "newline"
	KindClear     EventKind = "clear"
)

type SessionID string

func NewSessionID() SessionID {
	return SessionID(uuid.NewString())
}

// CharEvent is one typed character or control operation.
// Sequence is authoritative for ordering, At is informational only.
type CharEvent struct {
	Sequence uint64    `validate:"gt=0"`
	Sender   SessionID `validate:"required"`
	Kind     EventKind `validate:"required,oneof=char backspace newline clear"`
	Payload  string    `validate:"payload_for_kind"`
	At       time.Time `validate:"required"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// A char carries exactly one rune, control operations carry nothing.
	_ = v.RegisterValidation("payload_for_kind", func(fl validator.FieldLevel) bool {
		payload := fl.Field().String()
		evt, ok := fl.Parent().Interface().(CharEvent)
		if !ok {
			return false
		}
		if evt.Kind == KindChar {
			return utf8.RuneCountInString(payload) == 1 && utf8.ValidString(payload)
		}
		return payload == ""
	})
	return v
}

// Validate checks the event is well-formed.
func (e CharEvent) Validate() error {
	if err := validate.Struct(e); err != nil {
		return fmt.Errorf("%w: %v", errors.ErrInvalidEvent, err)
	}
	return nil
}
