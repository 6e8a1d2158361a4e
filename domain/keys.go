package domain

import (
	"talk-relay/errors"
	"unicode/utf8"
)

var namedKeys = map[string]EventKind{
	"Backspace": KindBackspace,
	"\b":        KindBackspace,
	"\x7f":      KindBackspace,
	"Enter":     KindNewline,
	"\n":        KindNewline,
	"\r":        KindNewline,
	"Clear":     KindClear,
	"\f":        KindClear,
}

// ParseKey translates a raw key name, as reported by a browser keydown
// or a terminal, into an event kind and payload. Modifier and navigation
// keys ("Shift", "ArrowLeft", ...) return ErrIgnoredKey.
func ParseKey(key string) (EventKind, string, error) {
	if kind, ok := namedKeys[key]; ok {
		return kind, "", nil
	}
	if key == "Tab" {
		return KindChar, "\t", nil
	}
	if utf8.RuneCountInString(key) != 1 || !utf8.ValidString(key) {
		return "", "", errors.ErrIgnoredKey
	}
	r, _ := utf8.DecodeRuneInString(key)
	if r < 0x20 && r != '\t' {
		return "", "", errors.ErrIgnoredKey
	}
	return KindChar, key, nil
}
