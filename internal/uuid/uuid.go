// Package uuid provides idempotency keys for queued writes.
//
// Every queued record and mutation carries one key for its whole life, so a
// replay after a crash between remote success and local delete presents the
// same key to the server.
package uuid

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// NewKey generates a fresh idempotency key (a random v4 UUID).
func NewKey() string {
	return uuid.New().String()
}

// ParseKey parses an idempotency key. Only canonical, dashed v4 UUIDs are
// accepted.
func ParseKey(s string) (uuid.UUID, error) {
	if len(s) != 36 || strings.Count(s, "-") != 4 {
		return uuid.Nil, fmt.Errorf("invalid idempotency key %q: not in canonical form", s)
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid idempotency key: %w", err)
	}
	if id.Version() != 4 {
		return uuid.Nil, fmt.Errorf("invalid idempotency key: expected v4, got v%d", id.Version())
	}
	if id.Variant() != uuid.RFC4122 {
		return uuid.Nil, fmt.Errorf("invalid idempotency key: unexpected variant %s", id.Variant())
	}
	return id, nil
}

// IsValidKey reports whether s is a usable idempotency key.
func IsValidKey(s string) bool {
	_, err := ParseKey(s)
	return err == nil
}

// EnsureKey returns key unchanged when valid, or a fresh key otherwise.
// Rows written before keys existed get one on first replay.
func EnsureKey(key string) string {
	if IsValidKey(key) {
		return key
	}
	return NewKey()
}
