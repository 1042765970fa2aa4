// Package attachment provides the durable queue of binary uploads attached to
// feedback records.
package attachment

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/yaroing/feedback-platform/internal/db"
	apperrors "github.com/yaroing/feedback-platform/internal/errors"
	"github.com/yaroing/feedback-platform/internal/logging"
	"github.com/yaroing/feedback-platform/internal/media"
	"github.com/yaroing/feedback-platform/internal/models"
)

// Queue stores attachments until they are uploaded. Rows are never removed
// by syncing; only Delete removes them.
type Queue struct {
	repo *db.Repository
	now  func() time.Time
}

// NewQueue creates a Queue over repo.
func NewQueue(repo *db.Repository) *Queue {
	return &Queue{repo: repo, now: time.Now}
}

// Save queues an attachment for feedbackID. An empty mimeType is sniffed
// from the content. Images are downsampled when opts is non-nil; if the
// codec fails the original bytes are stored.
func (q *Queue) Save(ctx context.Context, feedbackID models.Identifier, data []byte, mimeType, filename string, opts *media.Options) (*models.PendingAttachment, error) {
	if feedbackID.IsZero() {
		return nil, apperrors.New(apperrors.ErrInvalid, "attachment requires a feedback id")
	}
	if len(data) == 0 {
		return nil, apperrors.New(apperrors.ErrInvalid, "attachment data is empty")
	}

	mimeType = strings.TrimSpace(mimeType)
	if mimeType == "" {
		mimeType = media.DetectMimeType(data)
	}

	stored, storedType := data, mimeType
	if opts != nil && media.IsImage(mimeType) {
		res, err := media.Compress(data, mimeType, opts)
		if err != nil {
			logging.Warn("Image compression failed, storing original", map[string]interface{}{
				"feedback_id": feedbackID.String(),
				"filename":    filename,
				"error":       err.Error(),
			})
		} else {
			stored, storedType = res.Data, res.MimeType
		}
	}

	now := q.now().UnixMilli()
	a := &models.PendingAttachment{
		FeedbackID: feedbackID,
		Data:       stored,
		MimeType:   storedType,
		Filename:   filename,
		Size:       int64(len(stored)),
		Status:     models.StatusPending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := q.repo.CreateAttachment(ctx, a); err != nil {
		return nil, err
	}

	logging.Info("Attachment queued", map[string]interface{}{
		"local_id":      a.LocalID,
		"feedback_id":   feedbackID.String(),
		"mime_type":     a.MimeType,
		"original_size": len(data),
		"stored_size":   a.Size,
	})
	return a, nil
}

// Get returns an attachment, or (nil, nil) if absent.
func (q *Queue) Get(ctx context.Context, localID int64) (*models.PendingAttachment, error) {
	return q.repo.GetAttachment(ctx, localID)
}

// ListByFeedbackID returns attachments for a record, including those saved
// against its former local id.
func (q *Queue) ListByFeedbackID(ctx context.Context, feedbackID models.Identifier) ([]*models.PendingAttachment, error) {
	if feedbackID.IsZero() {
		return nil, apperrors.New(apperrors.ErrInvalid, "feedback id is required")
	}
	return q.repo.ListAttachmentsByFeedback(ctx, feedbackID)
}

// ListByStatus returns attachments in the given status.
func (q *Queue) ListByStatus(ctx context.Context, status models.AttachmentStatus) ([]*models.PendingAttachment, error) {
	if !status.Valid() {
		return nil, apperrors.Newf(apperrors.ErrInvalid, "unknown attachment status %q", status)
	}
	return q.repo.ListAttachmentsByStatus(ctx, status)
}

// ListSyncable returns the attachments a sync pass should attempt: every
// pending one, plus failed ones whose error is transient and whose retry
// budget is not exhausted.
func (q *Queue) ListSyncable(ctx context.Context, maxRetries int) ([]*models.PendingAttachment, error) {
	pending, err := q.repo.ListAttachmentsByStatus(ctx, models.StatusPending)
	if err != nil {
		return nil, err
	}
	failed, err := q.repo.ListAttachmentsByStatus(ctx, models.StatusError)
	if err != nil {
		return nil, err
	}

	for _, a := range failed {
		if a.RetryCount < maxRetries && apperrors.IsTransientCode(apperrors.ErrorCode(a.ErrorCode)) {
			pending = append(pending, a)
		}
	}
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].LocalID < pending[j].LocalID
	})
	return pending, nil
}

// UpdateStatus moves an attachment to status and applies the non-nil fields
// of extra. Moving out of synced, or to an unknown status, is refused.
func (q *Queue) UpdateStatus(ctx context.Context, localID int64, status models.AttachmentStatus, extra *models.AttachmentUpdate) (*models.PendingAttachment, error) {
	var updated *models.PendingAttachment
	err := q.repo.WithTx(ctx, func(tx *db.Repository) error {
		a, err := tx.GetAttachment(ctx, localID)
		if err != nil {
			return err
		}
		if a == nil {
			return apperrors.Newf(apperrors.ErrNotFound, "attachment %d not found", localID)
		}
		if !a.Status.CanTransition(status) {
			return apperrors.Newf(apperrors.ErrInvalid, "attachment %d cannot move from %s to %s", localID, a.Status, status)
		}

		a.Status = status
		a.UpdatedAt = q.now().UnixMilli()
		applyUpdate(a, extra)

		if _, err := tx.UpdateAttachment(ctx, a); err != nil {
			return err
		}
		updated = a
		return nil
	})
	if err != nil {
		return nil, err
	}

	logging.Debug("Attachment status updated", map[string]interface{}{
		"local_id": localID,
		"status":   string(status),
	})
	return updated, nil
}

func applyUpdate(a *models.PendingAttachment, u *models.AttachmentUpdate) {
	if u == nil {
		return
	}
	if u.RemoteID != nil {
		a.RemoteID = *u.RemoteID
	}
	if u.SyncedAt != nil {
		a.SyncedAt = *u.SyncedAt
	}
	if u.ErrorMessage != nil {
		a.ErrorMessage = *u.ErrorMessage
	}
	if u.ErrorCode != nil {
		a.ErrorCode = *u.ErrorCode
	}
	if u.RetryCount != nil {
		a.RetryCount = *u.RetryCount
	}
	if u.LastSyncAttempt != nil {
		a.LastSyncAttempt = *u.LastSyncAttempt
	}
}

// Retry moves a failed attachment back to pending and clears its error
// state, including the retry counter.
func (q *Queue) Retry(ctx context.Context, localID int64) (*models.PendingAttachment, error) {
	var updated *models.PendingAttachment
	err := q.repo.WithTx(ctx, func(tx *db.Repository) error {
		a, err := tx.GetAttachment(ctx, localID)
		if err != nil {
			return err
		}
		if a == nil {
			return apperrors.Newf(apperrors.ErrNotFound, "attachment %d not found", localID)
		}
		if a.Status != models.StatusError {
			return apperrors.Newf(apperrors.ErrInvalid, "attachment %d is %s, only failed attachments can be retried", localID, a.Status)
		}

		a.Status = models.StatusPending
		a.ErrorMessage = ""
		a.ErrorCode = ""
		a.RetryCount = 0
		a.UpdatedAt = q.now().UnixMilli()
		if _, err := tx.UpdateAttachment(ctx, a); err != nil {
			return err
		}
		updated = a
		return nil
	})
	if err != nil {
		return nil, err
	}

	logging.Info("Attachment retry requested", map[string]interface{}{"local_id": localID})
	return updated, nil
}

// Delete removes an attachment. It reports whether one existed.
func (q *Queue) Delete(ctx context.Context, localID int64) (bool, error) {
	ok, err := q.repo.DeleteAttachment(ctx, localID)
	if err != nil {
		return false, err
	}
	if ok {
		logging.Info("Attachment deleted", map[string]interface{}{"local_id": localID})
	}
	return ok, nil
}

// CountByStatus returns attachment counts for every status.
func (q *Queue) CountByStatus(ctx context.Context) (map[models.AttachmentStatus]int, error) {
	return q.repo.CountAttachmentsByStatus(ctx)
}
