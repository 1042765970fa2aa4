// Package remote provides the server collaborator used for live writes and
// for replaying queued work.
package remote

import (
	"context"

	"github.com/yaroing/feedback-platform/internal/models"
)

// Client is the remote service contract. Implementations must return
// errors coded ErrRemoteRejected for permanent refusals and
// ErrRemoteUnreachable for transport failures and transient statuses.
type Client interface {
	// CreateRemote creates a feedback record and returns its server id.
	CreateRemote(ctx context.Context, payload models.Payload) (*models.RemoteRecord, error)
	// ReplayMutation sends a queued request verbatim.
	ReplayMutation(ctx context.Context, url, method string, payload models.Payload) (*Response, error)
	// UploadRemote uploads an attachment for a server-side feedback record.
	UploadRemote(ctx context.Context, feedbackID int64, data []byte, mimeType, filename string) (*models.RemoteAttachment, error)
}

// Response is the raw answer to a replayed mutation.
type Response struct {
	StatusCode int
	Body       []byte
}

type contextKey string

// String returns the string representation of the context key.
func (c contextKey) String() string {
	return string(c)
}

// ContextIdempotencyKey is the context key carrying a queued item's key.
var ContextIdempotencyKey = contextKey("idempotencyKey")

// WithIdempotencyKey returns a context carrying key for the next remote call.
func WithIdempotencyKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, ContextIdempotencyKey, key)
}

// IdempotencyKey retrieves the key set by WithIdempotencyKey.
func IdempotencyKey(ctx context.Context) (string, bool) {
	key, ok := ctx.Value(ContextIdempotencyKey).(string)
	return key, ok && key != ""
}
