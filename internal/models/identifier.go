// Package models provides data model definitions for the offline sync engine.
package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// OfflinePrefix tags the textual form of a locally-assigned identifier.
const OfflinePrefix = "offline-"

// IdentifierKind distinguishes server-assigned from locally-assigned ids.
type IdentifierKind uint8

const (
	KindRemote IdentifierKind = iota + 1
	KindLocal
)

// Identifier is either Local(n), a store key for a record not yet created
// remotely, or Remote(n), a server-assigned id. The zero value is invalid.
type Identifier struct {
	kind  IdentifierKind
	value int64
}

// Local returns a locally-assigned identifier.
func Local(n int64) Identifier {
	return Identifier{kind: KindLocal, value: n}
}

// Remote returns a server-assigned identifier.
func Remote(n int64) Identifier {
	return Identifier{kind: KindRemote, value: n}
}

// Kind returns the identifier kind.
func (id Identifier) Kind() IdentifierKind {
	return id.kind
}

// Value returns the numeric key without its tag.
func (id Identifier) Value() int64 {
	return id.value
}

// IsLocal reports whether the identifier has not been confirmed by the server.
func (id Identifier) IsLocal() bool {
	return id.kind == KindLocal
}

// IsRemote reports whether the identifier was assigned by the server.
func (id Identifier) IsRemote() bool {
	return id.kind == KindRemote
}

// IsZero reports whether the identifier is unset.
func (id Identifier) IsZero() bool {
	return id.kind == 0
}

// String returns "offline-<n>" for local ids and "<n>" for remote ids.
func (id Identifier) String() string {
	switch id.kind {
	case KindLocal:
		return OfflinePrefix + strconv.FormatInt(id.value, 10)
	case KindRemote:
		return strconv.FormatInt(id.value, 10)
	}
	return ""
}

// ParseIdentifier parses the textual form produced by String.
func ParseIdentifier(s string) (Identifier, error) {
	s = strings.TrimSpace(s)
	local := strings.HasPrefix(s, OfflinePrefix)
	digits := strings.TrimPrefix(s, OfflinePrefix)

	if digits == "" || strings.TrimLeft(digits, "0123456789") != "" {
		return Identifier{}, fmt.Errorf("invalid identifier %q", s)
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil || n <= 0 {
		return Identifier{}, fmt.Errorf("invalid identifier %q", s)
	}
	if local {
		return Local(n), nil
	}
	return Remote(n), nil
}

// IsOfflineIdentifier reports whether s is the textual form of a local id.
func IsOfflineIdentifier(s string) bool {
	id, err := ParseIdentifier(s)
	return err == nil && id.IsLocal()
}

// MarshalJSON encodes the textual form.
func (id Identifier) MarshalJSON() ([]byte, error) {
	if id.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(id.String())
}

// UnmarshalJSON accepts the textual form or a bare number (remote id).
func (id *Identifier) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*id = Identifier{}
		return nil
	}

	var n int64
	if err := json.Unmarshal(data, &n); err == nil {
		if n <= 0 {
			return fmt.Errorf("invalid identifier %d", n)
		}
		*id = Remote(n)
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("identifier must be a string or number: %w", err)
	}
	parsed, err := ParseIdentifier(s)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
