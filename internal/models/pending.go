package models

import (
	"encoding/json"
	"time"
)

// Payload is an opaque JSON object exchanged with the server. Array and
// scalar bodies are not representable.
type Payload map[string]interface{}

// Clone returns a shallow copy of the payload.
func (p Payload) Clone() Payload {
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// Merge overlays the fields of other onto a copy of p.
func (p Payload) Merge(other Payload) Payload {
	out := p.Clone()
	for k, v := range other {
		out[k] = v
	}
	return out
}

// Marshal encodes the payload for storage. A nil payload encodes as {}.
func (p Payload) Marshal() ([]byte, error) {
	if p == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]interface{}(p))
}

// UnmarshalPayload decodes a stored payload.
func UnmarshalPayload(data []byte) (Payload, error) {
	p := Payload{}
	if len(data) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, err
	}
	return p, nil
}

// PendingRecord is a feedback record created while offline and not yet
// confirmed by the server.
type PendingRecord struct {
	LocalID        int64   `db:"local_id" json:"local_id"`
	Payload        Payload `db:"payload" json:"payload"`
	CreatedAt      int64   `db:"created_at" json:"created_at"`
	UpdatedAt      int64   `db:"updated_at" json:"updated_at"`
	Synced         bool    `db:"synced" json:"synced"`
	IdempotencyKey string  `db:"idempotency_key" json:"idempotency_key"`
	Attempts       int     `db:"attempts" json:"attempts"`
	LastError      string  `db:"last_error" json:"last_error,omitempty"`
}

// TableName returns the table name for PendingRecord.
func (PendingRecord) TableName() string {
	return "pending_records"
}

// ID returns the record's local identifier.
func (r *PendingRecord) ID() Identifier {
	return Local(r.LocalID)
}

// CreatedAtTime returns CreatedAt as time.Time.
func (r *PendingRecord) CreatedAtTime() time.Time {
	return time.UnixMilli(r.CreatedAt)
}

// PendingMutation is a generic request captured while offline, replayed
// verbatim against the server. Its body is a JSON object; a nil body is
// stored as {}.
type PendingMutation struct {
	LocalID        int64   `db:"local_id" json:"local_id"`
	URL            string  `db:"url" json:"url"`
	Method         string  `db:"method" json:"method"`
	Payload        Payload `db:"payload" json:"payload"`
	Timestamp      int64   `db:"timestamp" json:"timestamp"`
	IdempotencyKey string  `db:"idempotency_key" json:"idempotency_key"`
	Attempts       int     `db:"attempts" json:"attempts"`
	LastError      string  `db:"last_error" json:"last_error,omitempty"`
}

// TableName returns the table name for PendingMutation.
func (PendingMutation) TableName() string {
	return "pending_mutations"
}

// AttachmentStatus is the lifecycle state of a queued attachment.
type AttachmentStatus string

const (
	StatusPending AttachmentStatus = "pending"
	StatusSynced  AttachmentStatus = "synced"
	StatusError   AttachmentStatus = "error"
)

// Valid reports whether the status is a known value.
func (s AttachmentStatus) Valid() bool {
	switch s {
	case StatusPending, StatusSynced, StatusError:
		return true
	}
	return false
}

// CanTransition reports whether moving from s to next is allowed.
// A synced attachment never changes status again.
func (s AttachmentStatus) CanTransition(next AttachmentStatus) bool {
	if !next.Valid() {
		return false
	}
	if s == next {
		return true
	}
	switch s {
	case StatusPending:
		return next == StatusSynced || next == StatusError
	case StatusError:
		return next == StatusPending || next == StatusSynced
	}
	return false
}

// PendingAttachment is a binary upload queued against a feedback record.
type PendingAttachment struct {
	LocalID         int64            `db:"local_id" json:"local_id"`
	FeedbackID      Identifier       `db:"feedback_id" json:"feedback_id"`
	Data            []byte           `db:"data" json:"-"`
	MimeType        string           `db:"mime_type" json:"mime_type"`
	Filename        string           `db:"filename" json:"filename"`
	Size            int64            `db:"size" json:"size"`
	Status          AttachmentStatus `db:"status" json:"status"`
	CreatedAt       int64            `db:"created_at" json:"created_at"`
	UpdatedAt       int64            `db:"updated_at" json:"updated_at,omitempty"`
	ErrorMessage    string           `db:"error_message" json:"error_message,omitempty"`
	ErrorCode       string           `db:"error_code" json:"error_code,omitempty"`
	RetryCount      int              `db:"retry_count" json:"retry_count"`
	LastSyncAttempt int64            `db:"last_sync_attempt" json:"last_sync_attempt,omitempty"`
	RemoteID        int64            `db:"remote_id" json:"remote_id,omitempty"`
	SyncedAt        int64            `db:"synced_at" json:"synced_at,omitempty"`
}

// TableName returns the table name for PendingAttachment.
func (PendingAttachment) TableName() string {
	return "pending_attachments"
}

// AttachmentUpdate carries optional fields applied alongside a status change.
// Nil fields are left untouched.
type AttachmentUpdate struct {
	RemoteID        *int64
	SyncedAt        *int64
	ErrorMessage    *string
	ErrorCode       *string
	RetryCount      *int
	LastSyncAttempt *int64
}

// RemoteRecord is the server's answer to a successful create.
type RemoteRecord struct {
	ID      int64   `json:"id"`
	Payload Payload `json:"-"`
}

// RemoteAttachment is the server's answer to a successful upload.
type RemoteAttachment struct {
	ID       int64  `json:"id"`
	URL      string `json:"url,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// NowMillis returns the current time in unix milliseconds.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}
