package attachment

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yaroing/feedback-platform/internal/db"
	apperrors "github.com/yaroing/feedback-platform/internal/errors"
	"github.com/yaroing/feedback-platform/internal/media"
	"github.com/yaroing/feedback-platform/internal/models"
)

var pdfBytes = []byte("%PDF-1.4\n1 0 obj\n<< /Type /Catalog >>\nendobj\ntrailer\n%%EOF\n")

func newTestQueue(t *testing.T) (*Queue, *db.Repository) {
	t.Helper()
	store, err := db.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	repo := db.NewRepository(store)
	return NewQueue(repo), repo
}

func ptr[T any](v T) *T { return &v }

func TestQueue_Save_nonImageByteIdentical(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	a, err := q.Save(ctx, models.Local(1), pdfBytes, "application/pdf", "report.pdf", media.DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, a.Status)
	assert.Equal(t, int64(len(pdfBytes)), a.Size)

	got, err := q.Get(ctx, a.LocalID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, bytes.Equal(pdfBytes, got.Data), "non-image bytes must be stored unchanged")
	assert.Equal(t, "application/pdf", got.MimeType)
	assert.Equal(t, "report.pdf", got.Filename)
}

func TestQueue_Save_sniffsMimeType(t *testing.T) {
	q, _ := newTestQueue(t)

	a, err := q.Save(context.Background(), models.Remote(3), pdfBytes, "", "scan", nil)
	require.NoError(t, err)
	assert.Equal(t, "application/pdf", a.MimeType)
}

func TestQueue_Save_downsamplesImage(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, imaging.New(4000, 3000, color.White), imaging.JPEG))

	a, err := q.Save(ctx, models.Local(1), buf.Bytes(), "image/jpeg", "photo.jpg", media.DefaultOptions())
	require.NoError(t, err)

	got, err := q.Get(ctx, a.LocalID)
	require.NoError(t, err)
	cfg, _, err := image.DecodeConfig(bytes.NewReader(got.Data))
	require.NoError(t, err)
	assert.Equal(t, 1200, cfg.Width)
	assert.Equal(t, 900, cfg.Height)
	assert.Equal(t, int64(len(got.Data)), got.Size)
}

func TestQueue_Save_codecFailureKeepsOriginal(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)
	corrupt := []byte("\xff\xd8\xff this is not really a jpeg")

	a, err := q.Save(ctx, models.Local(1), corrupt, "image/jpeg", "broken.jpg", media.DefaultOptions())
	require.NoError(t, err)

	got, err := q.Get(ctx, a.LocalID)
	require.NoError(t, err)
	assert.Equal(t, corrupt, got.Data)
	assert.Equal(t, "image/jpeg", got.MimeType)
}

func TestQueue_Save_validation(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	_, err := q.Save(ctx, models.Identifier{}, pdfBytes, "application/pdf", "a.pdf", nil)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))

	_, err = q.Save(ctx, models.Local(1), nil, "application/pdf", "a.pdf", nil)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
}

func TestQueue_UpdateStatus_transitions(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	a, err := q.Save(ctx, models.Remote(5), pdfBytes, "application/pdf", "a.pdf", nil)
	require.NoError(t, err)

	failed, err := q.UpdateStatus(ctx, a.LocalID, models.StatusError, &models.AttachmentUpdate{
		ErrorMessage: ptr("503 Service Unavailable"),
		ErrorCode:    ptr(string(apperrors.ErrRemoteUnreachable)),
		RetryCount:   ptr(1),
	})
	require.NoError(t, err)
	assert.Equal(t, models.StatusError, failed.Status)
	assert.Equal(t, 1, failed.RetryCount)

	synced, err := q.UpdateStatus(ctx, a.LocalID, models.StatusSynced, &models.AttachmentUpdate{
		RemoteID: ptr(int64(77)),
		SyncedAt: ptr(int64(1000)),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(77), synced.RemoteID)
	assert.Equal(t, "503 Service Unavailable", synced.ErrorMessage, "fields not in the update are retained")

	_, err = q.UpdateStatus(ctx, a.LocalID, models.StatusPending, nil)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid), "synced attachments are final")

	_, err = q.UpdateStatus(ctx, 999, models.StatusSynced, nil)
	assert.True(t, apperrors.Is(err, apperrors.ErrNotFound))
}

func TestQueue_Retry(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	a, err := q.Save(ctx, models.Remote(5), pdfBytes, "application/pdf", "a.pdf", nil)
	require.NoError(t, err)

	_, err = q.Retry(ctx, a.LocalID)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid), "pending attachments cannot be retried")

	_, err = q.UpdateStatus(ctx, a.LocalID, models.StatusError, &models.AttachmentUpdate{
		ErrorMessage: ptr("rejected"),
		ErrorCode:    ptr(string(apperrors.ErrRemoteRejected)),
		RetryCount:   ptr(3),
	})
	require.NoError(t, err)

	retried, err := q.Retry(ctx, a.LocalID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, retried.Status)
	assert.Empty(t, retried.ErrorMessage)
	assert.Empty(t, retried.ErrorCode)
	assert.Zero(t, retried.RetryCount)
}

func TestQueue_ListSyncable(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	save := func() *models.PendingAttachment {
		a, err := q.Save(ctx, models.Remote(1), pdfBytes, "application/pdf", "a.pdf", nil)
		require.NoError(t, err)
		return a
	}
	fail := func(a *models.PendingAttachment, code apperrors.ErrorCode, retries int) {
		_, err := q.UpdateStatus(ctx, a.LocalID, models.StatusError, &models.AttachmentUpdate{
			ErrorCode:  ptr(string(code)),
			RetryCount: ptr(retries),
		})
		require.NoError(t, err)
	}

	pending := save()
	transient := save()
	fail(transient, apperrors.ErrRemoteUnreachable, 1)
	exhausted := save()
	fail(exhausted, apperrors.ErrRemoteUnreachable, 3)
	rejected := save()
	fail(rejected, apperrors.ErrRemoteRejected, 1)
	synced := save()
	_, err := q.UpdateStatus(ctx, synced.LocalID, models.StatusSynced, nil)
	require.NoError(t, err)

	list, err := q.ListSyncable(ctx, 3)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, pending.LocalID, list[0].LocalID)
	assert.Equal(t, transient.LocalID, list[1].LocalID)
}

func TestQueue_ListByFeedbackID_followsRemap(t *testing.T) {
	ctx := context.Background()
	q, repo := newTestQueue(t)

	a, err := q.Save(ctx, models.Local(1), pdfBytes, "application/pdf", "a.pdf", nil)
	require.NoError(t, err)

	list, err := q.ListByFeedbackID(ctx, models.Remote(42))
	require.NoError(t, err)
	assert.Empty(t, list)

	require.NoError(t, repo.CreateRemap(ctx, 1, 42, 1))

	list, err = q.ListByFeedbackID(ctx, models.Remote(42))
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, a.LocalID, list[0].LocalID)
}

func TestQueue_DeleteAndCount(t *testing.T) {
	ctx := context.Background()
	q, _ := newTestQueue(t)

	a, err := q.Save(ctx, models.Remote(1), pdfBytes, "application/pdf", "a.pdf", nil)
	require.NoError(t, err)
	_, err = q.Save(ctx, models.Remote(1), pdfBytes, "application/pdf", "b.pdf", nil)
	require.NoError(t, err)

	counts, err := q.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, counts[models.StatusPending])

	ok, err := q.Delete(ctx, a.LocalID)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = q.Delete(ctx, a.LocalID)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = q.ListByStatus(ctx, models.AttachmentStatus("bogus"))
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalid))
}
