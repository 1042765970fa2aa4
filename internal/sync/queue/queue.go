// Package queue provides the durable record and mutation queues used while
// offline.
package queue

import (
	"context"
	"time"

	"github.com/yaroing/feedback-platform/internal/db"
	apperrors "github.com/yaroing/feedback-platform/internal/errors"
	"github.com/yaroing/feedback-platform/internal/logging"
	"github.com/yaroing/feedback-platform/internal/models"
	"github.com/yaroing/feedback-platform/internal/uuid"
)

// ResolutionState describes what an identifier currently refers to.
type ResolutionState int

const (
	// Resolved means the identifier maps to a remote id.
	Resolved ResolutionState = iota
	// StillPending means the local record has not been created remotely yet.
	StillPending
	// Orphaned means the local record is neither queued nor remapped.
	Orphaned
)

// String returns the state name.
func (s ResolutionState) String() string {
	switch s {
	case Resolved:
		return "resolved"
	case StillPending:
		return "pending"
	case Orphaned:
		return "orphaned"
	}
	return "unknown"
}

// Resolution is the result of RecordQueue.Resolve.
type Resolution struct {
	State    ResolutionState
	RemoteID int64
}

// RecordQueue holds feedback records created while offline until the server
// confirms them.
type RecordQueue struct {
	repo *db.Repository
	now  func() time.Time
}

// NewRecordQueue creates a RecordQueue over repo.
func NewRecordQueue(repo *db.Repository) *RecordQueue {
	return &RecordQueue{repo: repo, now: time.Now}
}

// EnqueueCreate stores a new pending record and returns it with its
// assigned LocalID.
func (q *RecordQueue) EnqueueCreate(ctx context.Context, payload models.Payload) (*models.PendingRecord, error) {
	return q.EnqueueCreateWithKey(ctx, payload, "")
}

// EnqueueCreateWithKey is EnqueueCreate for a write that was already
// attempted live under key. An invalid key is replaced.
func (q *RecordQueue) EnqueueCreateWithKey(ctx context.Context, payload models.Payload, key string) (*models.PendingRecord, error) {
	if payload == nil {
		payload = models.Payload{}
	}

	rec := &models.PendingRecord{
		Payload:        payload.Clone(),
		CreatedAt:      q.now().UnixMilli(),
		Synced:         false,
		IdempotencyKey: uuid.EnsureKey(key),
	}
	if err := q.repo.CreateRecord(ctx, rec); err != nil {
		return nil, err
	}

	logging.Info("Record queued", map[string]interface{}{
		"local_id": rec.LocalID,
		"id":       rec.ID().String(),
	})
	return rec, nil
}

// Get returns the pending record, or (nil, nil) if it is not queued.
func (q *RecordQueue) Get(ctx context.Context, localID int64) (*models.PendingRecord, error) {
	return q.repo.GetRecord(ctx, localID)
}

// Update merges partial into the stored payload. New fields overwrite,
// absent fields are retained.
func (q *RecordQueue) Update(ctx context.Context, localID int64, partial models.Payload) (*models.PendingRecord, error) {
	var updated *models.PendingRecord
	err := q.repo.WithTx(ctx, func(tx *db.Repository) error {
		rec, err := tx.GetRecord(ctx, localID)
		if err != nil {
			return err
		}
		if rec == nil {
			return apperrors.Newf(apperrors.ErrNotFound, "pending record %d not found", localID)
		}

		rec.Payload = rec.Payload.Merge(partial)
		rec.UpdatedAt = q.now().UnixMilli()
		if _, err := tx.UpdateRecordPayload(ctx, localID, rec.Payload, rec.UpdatedAt); err != nil {
			return err
		}
		updated = rec
		return nil
	})
	if err != nil {
		return nil, err
	}

	logging.Debug("Record updated", map[string]interface{}{"local_id": localID})
	return updated, nil
}

// ListAll returns every pending record ordered by LocalID.
func (q *RecordQueue) ListAll(ctx context.Context) ([]*models.PendingRecord, error) {
	return q.repo.ListRecords(ctx)
}

// Remove discards a pending record without syncing it.
func (q *RecordQueue) Remove(ctx context.Context, localID int64) error {
	ok, err := q.repo.DeleteRecord(ctx, localID)
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.Newf(apperrors.ErrNotFound, "pending record %d not found", localID)
	}
	logging.Info("Record removed", map[string]interface{}{"local_id": localID})
	return nil
}

// Complete deletes the synced record and records its remote id in one
// transaction.
func (q *RecordQueue) Complete(ctx context.Context, localID, remoteID int64) error {
	err := q.repo.WithTx(ctx, func(tx *db.Repository) error {
		ok, err := tx.DeleteRecord(ctx, localID)
		if err != nil {
			return err
		}
		if !ok {
			return apperrors.Newf(apperrors.ErrNotFound, "pending record %d not found", localID)
		}
		return tx.CreateRemap(ctx, localID, remoteID, q.now().UnixMilli())
	})
	if err != nil {
		return err
	}

	logging.Info("Record synced", map[string]interface{}{
		"local_id":  localID,
		"remote_id": remoteID,
	})
	return nil
}

// MarkFailed records a failed create attempt. The record stays queued.
func (q *RecordQueue) MarkFailed(ctx context.Context, localID int64, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	ok, err := q.repo.MarkRecordFailed(ctx, localID, msg)
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.Newf(apperrors.ErrNotFound, "pending record %d not found", localID)
	}
	return nil
}

// Resolve maps an identifier to the remote id it currently stands for.
func (q *RecordQueue) Resolve(ctx context.Context, id models.Identifier) (Resolution, error) {
	switch {
	case id.IsRemote():
		return Resolution{State: Resolved, RemoteID: id.Value()}, nil
	case !id.IsLocal():
		return Resolution{}, apperrors.New(apperrors.ErrInvalid, "cannot resolve an empty identifier")
	}

	remoteID, ok, err := q.repo.GetRemap(ctx, id.Value())
	if err != nil {
		return Resolution{}, err
	}
	if ok {
		return Resolution{State: Resolved, RemoteID: remoteID}, nil
	}

	rec, err := q.repo.GetRecord(ctx, id.Value())
	if err != nil {
		return Resolution{}, err
	}
	if rec != nil {
		return Resolution{State: StillPending}, nil
	}
	return Resolution{State: Orphaned}, nil
}

// Count returns the number of pending records.
func (q *RecordQueue) Count(ctx context.Context) (int, error) {
	return q.repo.CountRecords(ctx)
}
