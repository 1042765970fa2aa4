// Package db provides unit tests for CRUD repository operations.
package db

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/yaroing/feedback-platform/internal/errors"
	"github.com/yaroing/feedback-platform/internal/models"
)

// newTestRepo creates a repository over a fresh in-memory store.
func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	db, err := OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewRepository(db)
}

// =====================================================
// PendingRecord Tests
// =====================================================

func TestRepository_RecordLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	rec := &models.PendingRecord{
		Payload:        models.Payload{"subject": "a", "rating": float64(3)},
		CreatedAt:      100,
		IdempotencyKey: "key-1",
	}
	require.NoError(t, repo.CreateRecord(ctx, rec))
	assert.Equal(t, int64(1), rec.LocalID)

	got, err := repo.GetRecord(ctx, rec.LocalID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "a", got.Payload["subject"])
	assert.Equal(t, float64(3), got.Payload["rating"])
	assert.False(t, got.Synced)
	assert.Equal(t, "key-1", got.IdempotencyKey)

	ok, err := repo.UpdateRecordPayload(ctx, rec.LocalID, models.Payload{"subject": "b"}, 200)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.MarkRecordFailed(ctx, rec.LocalID, "503")
	require.NoError(t, err)
	assert.True(t, ok)

	got, err = repo.GetRecord(ctx, rec.LocalID)
	require.NoError(t, err)
	assert.Equal(t, "b", got.Payload["subject"])
	assert.Equal(t, int64(200), got.UpdatedAt)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, "503", got.LastError)

	ok, err = repo.DeleteRecord(ctx, rec.LocalID)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err = repo.GetRecord(ctx, rec.LocalID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRepository_GetRecord_absent(t *testing.T) {
	repo := newTestRepo(t)

	got, err := repo.GetRecord(context.Background(), 99)
	assert.NoError(t, err)
	assert.Nil(t, got)
}

func TestRepository_UpdateRecordPayload_absent(t *testing.T) {
	repo := newTestRepo(t)

	ok, err := repo.UpdateRecordPayload(context.Background(), 99, models.Payload{}, 1)
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestRepository_LocalIDsNeverReused(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	first := &models.PendingRecord{CreatedAt: 1}
	require.NoError(t, repo.CreateRecord(ctx, first))
	_, err := repo.DeleteRecord(ctx, first.LocalID)
	require.NoError(t, err)

	second := &models.PendingRecord{CreatedAt: 2}
	require.NoError(t, repo.CreateRecord(ctx, second))
	assert.Greater(t, second.LocalID, first.LocalID)
}

func TestRepository_ListRecords_ordered(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	for i := 0; i < 3; i++ {
		require.NoError(t, repo.CreateRecord(ctx, &models.PendingRecord{CreatedAt: int64(10 - i)}))
	}

	records, err := repo.ListRecords(ctx)
	require.NoError(t, err)
	require.Len(t, records, 3)
	for i, rec := range records {
		assert.Equal(t, int64(i+1), rec.LocalID)
	}

	n, err := repo.CountRecords(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

// =====================================================
// RecordRemap Tests
// =====================================================

func TestRepository_Remap(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	_, ok, err := repo.GetRemap(ctx, 1)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, repo.CreateRemap(ctx, 1, 42, 500))

	remoteID, ok, err := repo.GetRemap(ctx, 1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(42), remoteID)
}

// =====================================================
// PendingMutation Tests
// =====================================================

func TestRepository_MutationLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	a := &models.PendingMutation{URL: "/api/feedback/1/", Method: "PATCH", Payload: models.Payload{"status": "closed"}, Timestamp: 1}
	b := &models.PendingMutation{URL: "/api/feedback/1/respond/", Method: "POST", Timestamp: 2}
	require.NoError(t, repo.CreateMutation(ctx, a))
	require.NoError(t, repo.CreateMutation(ctx, b))

	list, err := repo.ListMutations(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "PATCH", list[0].Method)
	assert.Equal(t, "closed", list[0].Payload["status"])
	assert.Equal(t, "POST", list[1].Method)
	assert.NotNil(t, list[1].Payload)

	ok, err := repo.MarkMutationFailed(ctx, a.LocalID, "boom")
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := repo.GetMutation(ctx, a.LocalID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Attempts)

	ok, err = repo.DeleteMutation(ctx, a.LocalID)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = repo.DeleteMutation(ctx, a.LocalID)
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := repo.CountMutations(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRepository_CreateMutation_rejectsGET(t *testing.T) {
	repo := newTestRepo(t)

	err := repo.CreateMutation(context.Background(), &models.PendingMutation{URL: "/x", Method: "GET", Timestamp: 1})
	assert.True(t, apperrors.Is(err, apperrors.ErrStorageUnavailable), "schema CHECK should reject GET")
}

// =====================================================
// PendingAttachment Tests
// =====================================================

func newAttachment(id models.Identifier, status models.AttachmentStatus) *models.PendingAttachment {
	return &models.PendingAttachment{
		FeedbackID: id,
		Data:       []byte("%PDF-1.4"),
		MimeType:   "application/pdf",
		Filename:   "report.pdf",
		Size:       8,
		Status:     status,
		CreatedAt:  1,
	}
}

func TestRepository_AttachmentLifecycle(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	a := newAttachment(models.Local(1), models.StatusPending)
	require.NoError(t, repo.CreateAttachment(ctx, a))

	got, err := repo.GetAttachment(ctx, a.LocalID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, models.Local(1), got.FeedbackID)
	assert.Equal(t, []byte("%PDF-1.4"), got.Data)

	got.Status = models.StatusSynced
	got.RemoteID = 77
	got.SyncedAt = 900
	ok, err := repo.UpdateAttachment(ctx, got)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err = repo.GetAttachment(ctx, a.LocalID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSynced, got.Status)
	assert.Equal(t, int64(77), got.RemoteID)

	ok, err = repo.DeleteAttachment(ctx, a.LocalID)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err = repo.GetAttachment(ctx, a.LocalID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRepository_ListAttachmentsByFeedback(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	local := newAttachment(models.Local(1), models.StatusPending)
	remoteSame := newAttachment(models.Remote(1), models.StatusPending)
	remote42 := newAttachment(models.Remote(42), models.StatusPending)
	for _, a := range []*models.PendingAttachment{local, remoteSame, remote42} {
		require.NoError(t, repo.CreateAttachment(ctx, a))
	}

	// Local(1) and Remote(1) never collide
	list, err := repo.ListAttachmentsByFeedback(ctx, models.Local(1))
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, local.LocalID, list[0].LocalID)

	list, err = repo.ListAttachmentsByFeedback(ctx, models.Remote(42))
	require.NoError(t, err)
	require.Len(t, list, 1)

	// After Local(1) is remapped to 42 its attachments are listed under 42 too
	require.NoError(t, repo.CreateRemap(ctx, 1, 42, 1))
	list, err = repo.ListAttachmentsByFeedback(ctx, models.Remote(42))
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, local.LocalID, list[0].LocalID)
	assert.Equal(t, remote42.LocalID, list[1].LocalID)

	list, err = repo.ListAttachmentsByFeedback(ctx, models.Remote(7))
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.NotNil(t, list)
}

func TestRepository_AttachmentStatusQueries(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	statuses := []models.AttachmentStatus{models.StatusPending, models.StatusPending, models.StatusError}
	for _, s := range statuses {
		require.NoError(t, repo.CreateAttachment(ctx, newAttachment(models.Remote(5), s)))
	}

	pending, err := repo.ListAttachmentsByStatus(ctx, models.StatusPending)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	counts, err := repo.CountAttachmentsByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[models.StatusPending])
	assert.Equal(t, 1, counts[models.StatusError])
	assert.Equal(t, 0, counts[models.StatusSynced])
}

func TestRepository_CreateAttachment_requiresFeedbackID(t *testing.T) {
	repo := newTestRepo(t)

	err := repo.CreateAttachment(context.Background(), newAttachment(models.Identifier{}, models.StatusPending))
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
}

// =====================================================
// Transaction Tests
// =====================================================

func TestRepository_WithTx_rollback(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)
	sentinel := errors.New("abort")

	err := repo.WithTx(ctx, func(tx *Repository) error {
		if err := tx.CreateRecord(ctx, &models.PendingRecord{CreatedAt: 1}); err != nil {
			return err
		}
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)

	n, err := repo.CountRecords(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRepository_WithTx_commitAndNest(t *testing.T) {
	ctx := context.Background()
	repo := newTestRepo(t)

	rec := &models.PendingRecord{CreatedAt: 1}
	require.NoError(t, repo.CreateRecord(ctx, rec))

	err := repo.WithTx(ctx, func(tx *Repository) error {
		if _, err := tx.DeleteRecord(ctx, rec.LocalID); err != nil {
			return err
		}
		return tx.WithTx(ctx, func(inner *Repository) error {
			return inner.CreateRemap(ctx, rec.LocalID, 42, 2)
		})
	})
	require.NoError(t, err)

	got, err := repo.GetRecord(ctx, rec.LocalID)
	require.NoError(t, err)
	assert.Nil(t, got)

	remoteID, ok, err := repo.GetRemap(ctx, rec.LocalID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(42), remoteID)
}
