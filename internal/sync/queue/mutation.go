package queue

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/yaroing/feedback-platform/internal/db"
	apperrors "github.com/yaroing/feedback-platform/internal/errors"
	"github.com/yaroing/feedback-platform/internal/logging"
	"github.com/yaroing/feedback-platform/internal/models"
	"github.com/yaroing/feedback-platform/internal/uuid"
)

// replayableMethods are the HTTP methods a mutation may carry.
var replayableMethods = map[string]bool{
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
}

// MutationQueue is an append-only FIFO of requests to replay verbatim.
type MutationQueue struct {
	repo *db.Repository
	now  func() time.Time
}

// NewMutationQueue creates a MutationQueue over repo.
func NewMutationQueue(repo *db.Repository) *MutationQueue {
	return &MutationQueue{repo: repo, now: time.Now}
}

// Enqueue appends a mutation. The method is normalized to upper case.
func (q *MutationQueue) Enqueue(ctx context.Context, url, method string, payload models.Payload) (*models.PendingMutation, error) {
	return q.EnqueueWithKey(ctx, url, method, payload, "")
}

// EnqueueWithKey is Enqueue for a request that was already attempted live
// under key. An invalid key is replaced.
func (q *MutationQueue) EnqueueWithKey(ctx context.Context, url, method string, payload models.Payload, key string) (*models.PendingMutation, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "mutation url is required")
	}
	method = strings.ToUpper(strings.TrimSpace(method))
	if !replayableMethods[method] {
		return nil, apperrors.Newf(apperrors.ErrInvalid, "method %q cannot be queued", method)
	}

	m := &models.PendingMutation{
		URL:            url,
		Method:         method,
		Payload:        payload,
		Timestamp:      q.now().UnixMilli(),
		IdempotencyKey: uuid.EnsureKey(key),
	}
	if err := q.repo.CreateMutation(ctx, m); err != nil {
		return nil, err
	}

	logging.Info("Mutation queued", map[string]interface{}{
		"local_id": m.LocalID,
		"method":   m.Method,
		"url":      m.URL,
	})
	return m, nil
}

// Get returns a queued mutation, or (nil, nil) if absent.
func (q *MutationQueue) Get(ctx context.Context, localID int64) (*models.PendingMutation, error) {
	return q.repo.GetMutation(ctx, localID)
}

// ListAll returns every queued mutation in insertion order.
func (q *MutationQueue) ListAll(ctx context.Context) ([]*models.PendingMutation, error) {
	return q.repo.ListMutations(ctx)
}

// Remove deletes a mutation after a successful replay or an explicit discard.
func (q *MutationQueue) Remove(ctx context.Context, localID int64) error {
	ok, err := q.repo.DeleteMutation(ctx, localID)
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.Newf(apperrors.ErrNotFound, "pending mutation %d not found", localID)
	}
	logging.Debug("Mutation removed", map[string]interface{}{"local_id": localID})
	return nil
}

// MarkFailed records a failed replay. The mutation stays queued.
func (q *MutationQueue) MarkFailed(ctx context.Context, localID int64, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	ok, err := q.repo.MarkMutationFailed(ctx, localID, msg)
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.Newf(apperrors.ErrNotFound, "pending mutation %d not found", localID)
	}
	return nil
}

// Count returns the number of queued mutations.
func (q *MutationQueue) Count(ctx context.Context) (int, error) {
	return q.repo.CountMutations(ctx)
}
