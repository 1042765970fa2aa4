package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	apperrors "github.com/yaroing/feedback-platform/internal/errors"
	"github.com/yaroing/feedback-platform/internal/models"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Repository provides CRUD operations for all queued collections.
type Repository struct {
	db *sql.DB
	q  querier
	tx bool
}

// NewRepository creates a new Repository instance.
func NewRepository(db *DB) *Repository {
	return &Repository{db: db.DB, q: db.DB}
}

// WithTx runs fn with a Repository bound to a single transaction. The
// transaction commits when fn returns nil and rolls back otherwise. Calls
// nested inside an open transaction reuse it.
func (r *Repository) WithTx(ctx context.Context, fn func(tx *Repository) error) error {
	if r.tx {
		return fn(r)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("begin transaction", err)
	}
	if err := fn(&Repository{db: r.db, q: tx, tx: true}); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return storageErr("commit transaction", err)
	}
	return nil
}

// storageErr wraps a driver error as StorageUnavailable.
func storageErr(op string, err error) error {
	return apperrors.Wrap(apperrors.ErrStorageUnavailable, op, err)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// =====================================================
// PendingRecord Operations
// =====================================================

const recordColumns = `local_id, payload, created_at, updated_at, synced, idempotency_key, attempts, last_error`

// CreateRecord inserts a pending record and sets its LocalID.
func (r *Repository) CreateRecord(ctx context.Context, rec *models.PendingRecord) error {
	payload, err := rec.Payload.Marshal()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "payload is not JSON-encodable", err)
	}

	query := `
	INSERT INTO pending_records (payload, created_at, updated_at, synced, idempotency_key, attempts, last_error)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	res, err := r.q.ExecContext(ctx, query, string(payload), rec.CreatedAt, rec.UpdatedAt,
		boolToInt(rec.Synced), rec.IdempotencyKey, rec.Attempts, rec.LastError)
	if err != nil {
		return storageErr("insert pending record", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return storageErr("read pending record id", err)
	}
	rec.LocalID = id
	return nil
}

// GetRecord retrieves a pending record. It returns (nil, nil) when absent.
func (r *Repository) GetRecord(ctx context.Context, localID int64) (*models.PendingRecord, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM pending_records WHERE local_id = ?`, localID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get pending record", err)
	}
	return rec, nil
}

// ListRecords returns all pending records ordered by LocalID.
func (r *Repository) ListRecords(ctx context.Context) ([]*models.PendingRecord, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT `+recordColumns+` FROM pending_records ORDER BY local_id`)
	if err != nil {
		return nil, storageErr("list pending records", err)
	}
	defer rows.Close()

	records := []*models.PendingRecord{}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, storageErr("scan pending record", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list pending records", err)
	}
	return records, nil
}

// UpdateRecordPayload replaces the stored payload. It reports whether a row
// was updated.
func (r *Repository) UpdateRecordPayload(ctx context.Context, localID int64, payload models.Payload, updatedAt int64) (bool, error) {
	data, err := payload.Marshal()
	if err != nil {
		return false, apperrors.Wrap(apperrors.ErrInvalid, "payload is not JSON-encodable", err)
	}
	res, err := r.q.ExecContext(ctx,
		`UPDATE pending_records SET payload = ?, updated_at = ? WHERE local_id = ?`,
		string(data), updatedAt, localID)
	if err != nil {
		return false, storageErr("update pending record", err)
	}
	return affected(res)
}

// MarkRecordFailed increments the attempt counter and records the error.
func (r *Repository) MarkRecordFailed(ctx context.Context, localID int64, message string) (bool, error) {
	res, err := r.q.ExecContext(ctx,
		`UPDATE pending_records SET attempts = attempts + 1, last_error = ? WHERE local_id = ?`,
		message, localID)
	if err != nil {
		return false, storageErr("mark pending record failed", err)
	}
	return affected(res)
}

// DeleteRecord removes a pending record. It reports whether a row existed.
func (r *Repository) DeleteRecord(ctx context.Context, localID int64) (bool, error) {
	res, err := r.q.ExecContext(ctx, `DELETE FROM pending_records WHERE local_id = ?`, localID)
	if err != nil {
		return false, storageErr("delete pending record", err)
	}
	return affected(res)
}

// CountRecords returns the number of pending records.
func (r *Repository) CountRecords(ctx context.Context) (int, error) {
	var n int
	if err := r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_records`).Scan(&n); err != nil {
		return 0, storageErr("count pending records", err)
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(s scanner) (*models.PendingRecord, error) {
	var rec models.PendingRecord
	var payload string
	var synced int
	if err := s.Scan(&rec.LocalID, &payload, &rec.CreatedAt, &rec.UpdatedAt, &synced,
		&rec.IdempotencyKey, &rec.Attempts, &rec.LastError); err != nil {
		return nil, err
	}
	p, err := models.UnmarshalPayload([]byte(payload))
	if err != nil {
		return nil, fmt.Errorf("decode payload of record %d: %w", rec.LocalID, err)
	}
	rec.Payload = p
	rec.Synced = synced == 1
	return &rec, nil
}

// =====================================================
// RecordRemap Operations
// =====================================================

// CreateRemap records that localID was created remotely as remoteID.
func (r *Repository) CreateRemap(ctx context.Context, localID, remoteID, syncedAt int64) error {
	_, err := r.q.ExecContext(ctx,
		`INSERT OR REPLACE INTO record_remaps (local_id, remote_id, synced_at) VALUES (?, ?, ?)`,
		localID, remoteID, syncedAt)
	if err != nil {
		return storageErr("insert record remap", err)
	}
	return nil
}

// GetRemap returns the remote id for localID, if one was recorded.
func (r *Repository) GetRemap(ctx context.Context, localID int64) (int64, bool, error) {
	var remoteID int64
	err := r.q.QueryRowContext(ctx, `SELECT remote_id FROM record_remaps WHERE local_id = ?`, localID).Scan(&remoteID)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, storageErr("get record remap", err)
	}
	return remoteID, true, nil
}

// =====================================================
// PendingMutation Operations
// =====================================================

const mutationColumns = `local_id, url, method, payload, timestamp, idempotency_key, attempts, last_error`

// CreateMutation appends a mutation and sets its LocalID.
func (r *Repository) CreateMutation(ctx context.Context, m *models.PendingMutation) error {
	payload, err := m.Payload.Marshal()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "payload is not JSON-encodable", err)
	}

	query := `
	INSERT INTO pending_mutations (url, method, payload, timestamp, idempotency_key, attempts, last_error)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	res, err := r.q.ExecContext(ctx, query, m.URL, m.Method, string(payload), m.Timestamp,
		m.IdempotencyKey, m.Attempts, m.LastError)
	if err != nil {
		return storageErr("insert pending mutation", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return storageErr("read pending mutation id", err)
	}
	m.LocalID = id
	return nil
}

// GetMutation retrieves a pending mutation. It returns (nil, nil) when absent.
func (r *Repository) GetMutation(ctx context.Context, localID int64) (*models.PendingMutation, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+mutationColumns+` FROM pending_mutations WHERE local_id = ?`, localID)
	m, err := scanMutation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get pending mutation", err)
	}
	return m, nil
}

// ListMutations returns all pending mutations in insertion order.
func (r *Repository) ListMutations(ctx context.Context) ([]*models.PendingMutation, error) {
	rows, err := r.q.QueryContext(ctx, `SELECT `+mutationColumns+` FROM pending_mutations ORDER BY local_id`)
	if err != nil {
		return nil, storageErr("list pending mutations", err)
	}
	defer rows.Close()

	mutations := []*models.PendingMutation{}
	for rows.Next() {
		m, err := scanMutation(rows)
		if err != nil {
			return nil, storageErr("scan pending mutation", err)
		}
		mutations = append(mutations, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list pending mutations", err)
	}
	return mutations, nil
}

// MarkMutationFailed increments the attempt counter and records the error.
func (r *Repository) MarkMutationFailed(ctx context.Context, localID int64, message string) (bool, error) {
	res, err := r.q.ExecContext(ctx,
		`UPDATE pending_mutations SET attempts = attempts + 1, last_error = ? WHERE local_id = ?`,
		message, localID)
	if err != nil {
		return false, storageErr("mark pending mutation failed", err)
	}
	return affected(res)
}

// DeleteMutation removes a pending mutation. It reports whether a row existed.
func (r *Repository) DeleteMutation(ctx context.Context, localID int64) (bool, error) {
	res, err := r.q.ExecContext(ctx, `DELETE FROM pending_mutations WHERE local_id = ?`, localID)
	if err != nil {
		return false, storageErr("delete pending mutation", err)
	}
	return affected(res)
}

// CountMutations returns the number of pending mutations.
func (r *Repository) CountMutations(ctx context.Context) (int, error) {
	var n int
	if err := r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM pending_mutations`).Scan(&n); err != nil {
		return 0, storageErr("count pending mutations", err)
	}
	return n, nil
}

func scanMutation(s scanner) (*models.PendingMutation, error) {
	var m models.PendingMutation
	var payload string
	if err := s.Scan(&m.LocalID, &m.URL, &m.Method, &payload, &m.Timestamp,
		&m.IdempotencyKey, &m.Attempts, &m.LastError); err != nil {
		return nil, err
	}
	p, err := models.UnmarshalPayload([]byte(payload))
	if err != nil {
		return nil, fmt.Errorf("decode payload of mutation %d: %w", m.LocalID, err)
	}
	m.Payload = p
	return &m, nil
}

// =====================================================
// PendingAttachment Operations
// =====================================================

const attachmentColumns = `local_id, feedback_id, data, mime_type, filename, size, status, created_at,
	updated_at, error_message, error_code, retry_count, last_sync_attempt, remote_id, synced_at`

// CreateAttachment inserts an attachment and sets its LocalID.
func (r *Repository) CreateAttachment(ctx context.Context, a *models.PendingAttachment) error {
	if a.FeedbackID.IsZero() {
		return apperrors.New(apperrors.ErrInvalid, "attachment requires a feedback id")
	}
	data := a.Data
	if data == nil {
		data = []byte{}
	}

	query := `
	INSERT INTO pending_attachments (feedback_id, feedback_local, feedback_key, data, mime_type, filename,
		size, status, created_at, updated_at, error_message, error_code, retry_count, last_sync_attempt,
		remote_id, synced_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	res, err := r.q.ExecContext(ctx, query,
		a.FeedbackID.String(), boolToInt(a.FeedbackID.IsLocal()), a.FeedbackID.Value(),
		data, a.MimeType, a.Filename, a.Size, string(a.Status), a.CreatedAt, a.UpdatedAt,
		a.ErrorMessage, a.ErrorCode, a.RetryCount, a.LastSyncAttempt, a.RemoteID, a.SyncedAt)
	if err != nil {
		return storageErr("insert pending attachment", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return storageErr("read pending attachment id", err)
	}
	a.LocalID = id
	return nil
}

// GetAttachment retrieves an attachment. It returns (nil, nil) when absent.
func (r *Repository) GetAttachment(ctx context.Context, localID int64) (*models.PendingAttachment, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+attachmentColumns+` FROM pending_attachments WHERE local_id = ?`, localID)
	a, err := scanAttachment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get pending attachment", err)
	}
	return a, nil
}

// ListAttachmentsByFeedback returns attachments saved against id. For a
// remote id this includes attachments saved against a local id that has
// since been remapped to it.
func (r *Repository) ListAttachmentsByFeedback(ctx context.Context, id models.Identifier) ([]*models.PendingAttachment, error) {
	var query string
	var args []interface{}
	if id.IsLocal() {
		query = `SELECT ` + attachmentColumns + ` FROM pending_attachments
			WHERE feedback_local = 1 AND feedback_key = ? ORDER BY local_id`
		args = []interface{}{id.Value()}
	} else {
		query = `SELECT ` + attachmentColumns + ` FROM pending_attachments
			WHERE (feedback_local = 0 AND feedback_key = ?)
			   OR (feedback_local = 1 AND feedback_key IN (SELECT local_id FROM record_remaps WHERE remote_id = ?))
			ORDER BY local_id`
		args = []interface{}{id.Value(), id.Value()}
	}
	return r.listAttachments(ctx, query, args...)
}

// ListAttachmentsByStatus returns attachments with the given status.
func (r *Repository) ListAttachmentsByStatus(ctx context.Context, status models.AttachmentStatus) ([]*models.PendingAttachment, error) {
	return r.listAttachments(ctx,
		`SELECT `+attachmentColumns+` FROM pending_attachments WHERE status = ? ORDER BY local_id`,
		string(status))
}

func (r *Repository) listAttachments(ctx context.Context, query string, args ...interface{}) ([]*models.PendingAttachment, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr("list pending attachments", err)
	}
	defer rows.Close()

	attachments := []*models.PendingAttachment{}
	for rows.Next() {
		a, err := scanAttachment(rows)
		if err != nil {
			return nil, storageErr("scan pending attachment", err)
		}
		attachments = append(attachments, a)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list pending attachments", err)
	}
	return attachments, nil
}

// UpdateAttachment writes the mutable fields of a. It reports whether a row
// was updated.
func (r *Repository) UpdateAttachment(ctx context.Context, a *models.PendingAttachment) (bool, error) {
	query := `
	UPDATE pending_attachments
	SET status = ?, updated_at = ?, error_message = ?, error_code = ?, retry_count = ?,
		last_sync_attempt = ?, remote_id = ?, synced_at = ?
	WHERE local_id = ?
	`
	res, err := r.q.ExecContext(ctx, query, string(a.Status), a.UpdatedAt, a.ErrorMessage, a.ErrorCode,
		a.RetryCount, a.LastSyncAttempt, a.RemoteID, a.SyncedAt, a.LocalID)
	if err != nil {
		return false, storageErr("update pending attachment", err)
	}
	return affected(res)
}

// DeleteAttachment removes an attachment. It reports whether a row existed.
func (r *Repository) DeleteAttachment(ctx context.Context, localID int64) (bool, error) {
	res, err := r.q.ExecContext(ctx, `DELETE FROM pending_attachments WHERE local_id = ?`, localID)
	if err != nil {
		return false, storageErr("delete pending attachment", err)
	}
	return affected(res)
}

// CountAttachmentsByStatus returns attachment counts keyed by status. Every
// known status is present in the result.
func (r *Repository) CountAttachmentsByStatus(ctx context.Context) (map[models.AttachmentStatus]int, error) {
	counts := map[models.AttachmentStatus]int{
		models.StatusPending: 0,
		models.StatusSynced:  0,
		models.StatusError:   0,
	}

	rows, err := r.q.QueryContext(ctx, `SELECT status, COUNT(*) FROM pending_attachments GROUP BY status`)
	if err != nil {
		return nil, storageErr("count pending attachments", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, storageErr("scan attachment count", err)
		}
		counts[models.AttachmentStatus(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("count pending attachments", err)
	}
	return counts, nil
}

func scanAttachment(s scanner) (*models.PendingAttachment, error) {
	var a models.PendingAttachment
	var feedbackID, status string
	if err := s.Scan(&a.LocalID, &feedbackID, &a.Data, &a.MimeType, &a.Filename, &a.Size, &status,
		&a.CreatedAt, &a.UpdatedAt, &a.ErrorMessage, &a.ErrorCode, &a.RetryCount, &a.LastSyncAttempt,
		&a.RemoteID, &a.SyncedAt); err != nil {
		return nil, err
	}
	id, err := models.ParseIdentifier(feedbackID)
	if err != nil {
		return nil, fmt.Errorf("decode feedback id of attachment %d: %w", a.LocalID, err)
	}
	a.FeedbackID = id
	a.Status = models.AttachmentStatus(status)
	return &a, nil
}

func affected(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageErr("read affected rows", err)
	}
	return n > 0, nil
}
