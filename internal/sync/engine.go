// Package sync drains the offline queues against the remote service.
package sync

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/yaroing/feedback-platform/internal/attachment"
	"github.com/yaroing/feedback-platform/internal/connectivity"
	apperrors "github.com/yaroing/feedback-platform/internal/errors"
	"github.com/yaroing/feedback-platform/internal/logging"
	"github.com/yaroing/feedback-platform/internal/models"
	"github.com/yaroing/feedback-platform/internal/remote"
	"github.com/yaroing/feedback-platform/internal/sync/queue"
)

// DefaultMaxAttachmentRetries bounds automatic re-uploads of a failed
// attachment.
const DefaultMaxAttachmentRetries = 3

// Status represents the current sync status.
type Status string

const (
	StatusIdle    Status = "idle"
	StatusSyncing Status = "syncing"
	StatusFailed  Status = "failed"
)

// ItemKind identifies the queue an item came from.
type ItemKind string

const (
	KindRecord     ItemKind = "record"
	KindMutation   ItemKind = "mutation"
	KindAttachment ItemKind = "attachment"
)

// Outcome is the per-item result of a pass.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
)

// ItemResult describes what happened to one queued item.
type ItemResult struct {
	Kind      ItemKind            `json:"kind"`
	LocalID   int64               `json:"local_id"`
	RemoteID  int64               `json:"remote_id,omitempty"`
	Outcome   Outcome             `json:"outcome"`
	Error     string              `json:"error,omitempty"`
	ErrorCode apperrors.ErrorCode `json:"error_code,omitempty"`
}

// Result is the outcome of one SyncAll pass.
type Result struct {
	Total          int           `json:"total"`
	SucceededCount int           `json:"succeeded"`
	FailedCount    int           `json:"failed"`
	SkippedCount   int           `json:"skipped"`
	Items          []ItemResult  `json:"items"`
	Offline        bool          `json:"offline,omitempty"`
	StartTime      time.Time     `json:"start_time"`
	EndTime        time.Time     `json:"end_time"`
	Duration       time.Duration `json:"duration"`
}

func (r *Result) add(item ItemResult) {
	r.Items = append(r.Items, item)
	r.Total++
	switch item.Outcome {
	case OutcomeSucceeded:
		r.SucceededCount++
	case OutcomeFailed:
		r.FailedCount++
	case OutcomeSkipped:
		r.SkippedCount++
	}
}

func (r *Result) fail(kind ItemKind, localID int64, err error) {
	code := apperrors.CodeOf(err)
	if code == "" {
		code = apperrors.ErrInternal
	}
	r.add(ItemResult{Kind: kind, LocalID: localID, Outcome: OutcomeFailed, Error: err.Error(), ErrorCode: code})
}

// PendingCounts summarises the queues.
type PendingCounts struct {
	Records     int                             `json:"records"`
	Mutations   int                             `json:"mutations"`
	Attachments map[models.AttachmentStatus]int `json:"attachments"`
}

// Hook runs after every completed pass. Errors are logged.
type Hook func(ctx context.Context, result *Result) error

// Engine is the Synchronizer. A single pass runs at a time.
type Engine struct {
	records     *queue.RecordQueue
	mutations   *queue.MutationQueue
	attachments *attachment.Queue
	client      remote.Client
	provider    connectivity.Provider
	maxRetries  int
	now         func() time.Time

	running atomic.Bool

	mu       sync.RWMutex
	status   Status
	lastSync *time.Time
	lastErr  error
	handler  EventHandler
	hooks    []Hook
}

// NewEngine creates an Engine.
func NewEngine(records *queue.RecordQueue, mutations *queue.MutationQueue, attachments *attachment.Queue, client remote.Client, provider connectivity.Provider) *Engine {
	return &Engine{
		records:     records,
		mutations:   mutations,
		attachments: attachments,
		client:      client,
		provider:    provider,
		maxRetries:  DefaultMaxAttachmentRetries,
		now:         time.Now,
		status:      StatusIdle,
	}
}

// SetMaxAttachmentRetries sets the automatic retry budget. Values below one
// disable automatic retries.
func (e *Engine) SetMaxAttachmentRetries(n int) {
	if n < 0 {
		n = 0
	}
	e.maxRetries = n
}

// SetEventHandler sets the event handler for sync notifications.
func (e *Engine) SetEventHandler(handler EventHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handler = handler
}

// AddHook registers a post-sync hook.
func (e *Engine) AddHook(h Hook) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hooks = append(e.hooks, h)
}

// Status returns the current sync status.
func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

// LastSync returns the time of the last completed pass.
func (e *Engine) LastSync() *time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastSync
}

// LastError returns the error that aborted the last pass.
func (e *Engine) LastError() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.lastErr
}

// Pending counts the items still waiting in each queue.
func (e *Engine) Pending(ctx context.Context) (*PendingCounts, error) {
	records, err := e.records.Count(ctx)
	if err != nil {
		return nil, err
	}
	mutations, err := e.mutations.Count(ctx)
	if err != nil {
		return nil, err
	}
	attachments, err := e.attachments.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	return &PendingCounts{Records: records, Mutations: mutations, Attachments: attachments}, nil
}

func (e *Engine) emit(event Event) {
	e.mu.RLock()
	handler := e.handler
	e.mu.RUnlock()
	if handler == nil {
		return
	}
	event.Timestamp = e.now()
	handler.OnSyncEvent(event)
}

// SyncAll drains records, then mutations, then attachments. When offline it
// returns an empty result. A concurrent call returns ErrSyncInProgress.
// Per-item failures are reported in the result; only storage failures and
// cancellation abort the pass with an error.
func (e *Engine) SyncAll(ctx context.Context) (*Result, error) {
	if !e.provider.IsOnline() {
		logging.Debug("Sync skipped while offline", nil)
		return &Result{Items: []ItemResult{}, Offline: true}, nil
	}
	if !e.running.CompareAndSwap(false, true) {
		return nil, apperrors.New(apperrors.ErrSyncInProgress, "sync already in progress")
	}
	defer e.running.Store(false)

	e.mu.Lock()
	e.status = StatusSyncing
	e.lastErr = nil
	e.mu.Unlock()
	e.emit(Event{Type: EventStarted})

	result := &Result{Items: []ItemResult{}, StartTime: e.now()}
	logging.Info("Sync started", nil)

	err := e.syncRecords(ctx, result)
	if err == nil {
		err = e.syncMutations(ctx, result)
	}
	if err == nil {
		err = e.syncAttachments(ctx, result)
	}

	result.EndTime = e.now()
	result.Duration = result.EndTime.Sub(result.StartTime)

	if err != nil {
		e.mu.Lock()
		e.status = StatusFailed
		e.lastErr = err
		e.mu.Unlock()
		logging.ErrorWithCode("Sync aborted", string(apperrors.CodeOf(err)), err, map[string]interface{}{
			"processed": result.Total,
		})
		e.emit(Event{Type: EventFailed, Result: result, Error: err.Error()})
		return result, err
	}

	end := result.EndTime
	e.mu.Lock()
	e.status = StatusIdle
	e.lastSync = &end
	hooks := append([]Hook(nil), e.hooks...)
	e.mu.Unlock()

	logging.Info("Sync completed", map[string]interface{}{
		"total":       result.Total,
		"succeeded":   result.SucceededCount,
		"failed":      result.FailedCount,
		"skipped":     result.SkippedCount,
		"duration_ms": result.Duration.Milliseconds(),
	})
	e.emit(Event{Type: EventCompleted, Result: result})

	for _, h := range hooks {
		if hookErr := h(ctx, result); hookErr != nil {
			logging.Warn("Post-sync hook failed", map[string]interface{}{"error": hookErr.Error()})
		}
	}
	return result, nil
}

func (e *Engine) syncRecords(ctx context.Context, result *Result) error {
	pending, err := e.records.ListAll(ctx)
	if err != nil {
		return err
	}

	for _, rec := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}

		created, err := e.client.CreateRemote(remote.WithIdempotencyKey(ctx, rec.IdempotencyKey), rec.Payload)
		if err == nil && (created == nil || created.ID <= 0) {
			err = apperrors.New(apperrors.ErrRemoteRejected, "create returned no record id")
		}
		if err != nil {
			if markErr := e.records.MarkFailed(ctx, rec.LocalID, err); markErr != nil && !apperrors.Is(markErr, apperrors.ErrNotFound) {
				return markErr
			}
			logging.Warn("Record sync failed", map[string]interface{}{
				"local_id":   rec.LocalID,
				"error":      err.Error(),
				"error_code": string(apperrors.CodeOf(err)),
			})
			result.fail(KindRecord, rec.LocalID, err)
			continue
		}

		if err := e.records.Complete(ctx, rec.LocalID, created.ID); err != nil {
			if !apperrors.Is(err, apperrors.ErrNotFound) {
				return fmt.Errorf("complete record %d: %w", rec.LocalID, err)
			}
			logging.Warn("Record removed during sync", map[string]interface{}{
				"local_id":  rec.LocalID,
				"remote_id": created.ID,
			})
		}
		logging.Info("Record synced", map[string]interface{}{
			"local_id":  rec.LocalID,
			"remote_id": created.ID,
		})
		result.add(ItemResult{Kind: KindRecord, LocalID: rec.LocalID, RemoteID: created.ID, Outcome: OutcomeSucceeded})
	}
	return nil
}

func (e *Engine) syncMutations(ctx context.Context, result *Result) error {
	pending, err := e.mutations.ListAll(ctx)
	if err != nil {
		return err
	}

	// urls with a failed mutation earlier in this pass
	blocked := make(map[string]bool)

	for _, m := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		if blocked[m.URL] {
			result.add(ItemResult{
				Kind:    KindMutation,
				LocalID: m.LocalID,
				Outcome: OutcomeSkipped,
				Error:   "waiting on an earlier mutation to the same url",
			})
			continue
		}

		if _, err := e.client.ReplayMutation(remote.WithIdempotencyKey(ctx, m.IdempotencyKey), m.URL, m.Method, m.Payload); err != nil {
			blocked[m.URL] = true
			if markErr := e.mutations.MarkFailed(ctx, m.LocalID, err); markErr != nil && !apperrors.Is(markErr, apperrors.ErrNotFound) {
				return markErr
			}
			logging.Warn("Mutation replay failed", map[string]interface{}{
				"local_id":   m.LocalID,
				"method":     m.Method,
				"url":        m.URL,
				"error":      err.Error(),
				"error_code": string(apperrors.CodeOf(err)),
			})
			result.fail(KindMutation, m.LocalID, err)
			continue
		}

		if err := e.mutations.Remove(ctx, m.LocalID); err != nil && !apperrors.Is(err, apperrors.ErrNotFound) {
			return fmt.Errorf("remove mutation %d: %w", m.LocalID, err)
		}
		logging.Info("Mutation replayed", map[string]interface{}{
			"local_id": m.LocalID,
			"method":   m.Method,
			"url":      m.URL,
		})
		result.add(ItemResult{Kind: KindMutation, LocalID: m.LocalID, Outcome: OutcomeSucceeded})
	}
	return nil
}

func (e *Engine) syncAttachments(ctx context.Context, result *Result) error {
	pending, err := e.attachments.ListSyncable(ctx, e.maxRetries)
	if err != nil {
		return err
	}

	for _, a := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}

		res, err := e.records.Resolve(ctx, a.FeedbackID)
		if err != nil {
			return err
		}

		switch res.State {
		case queue.StillPending:
			logging.Debug("Attachment deferred until parent syncs", map[string]interface{}{
				"local_id":    a.LocalID,
				"feedback_id": a.FeedbackID.String(),
			})
			result.add(ItemResult{
				Kind:    KindAttachment,
				LocalID: a.LocalID,
				Outcome: OutcomeSkipped,
				Error:   "parent record not yet synced",
			})
			continue
		case queue.Orphaned:
			cause := apperrors.Newf(apperrors.ErrNotFound, "parent record %s missing", a.FeedbackID)
			if err := e.markAttachmentFailed(ctx, a, cause); err != nil {
				return err
			}
			result.fail(KindAttachment, a.LocalID, cause)
			continue
		}

		uploaded, err := e.client.UploadRemote(ctx, res.RemoteID, a.Data, a.MimeType, a.Filename)
		if err == nil && (uploaded == nil || uploaded.ID <= 0) {
			err = apperrors.New(apperrors.ErrRemoteRejected, "upload returned no attachment id")
		}
		if err != nil {
			if markErr := e.markAttachmentFailed(ctx, a, err); markErr != nil {
				return markErr
			}
			logging.Warn("Attachment upload failed", map[string]interface{}{
				"local_id":    a.LocalID,
				"feedback_id": res.RemoteID,
				"retry_count": a.RetryCount + 1,
				"error":       err.Error(),
			})
			result.fail(KindAttachment, a.LocalID, err)
			continue
		}

		now := e.now().UnixMilli()
		_, err = e.attachments.UpdateStatus(ctx, a.LocalID, models.StatusSynced, &models.AttachmentUpdate{
			RemoteID:        &uploaded.ID,
			SyncedAt:        &now,
			LastSyncAttempt: &now,
		})
		if err != nil && !ignorableUpdateErr(err) {
			return err
		}
		logging.Info("Attachment synced", map[string]interface{}{
			"local_id":    a.LocalID,
			"feedback_id": res.RemoteID,
			"remote_id":   uploaded.ID,
		})
		result.add(ItemResult{Kind: KindAttachment, LocalID: a.LocalID, RemoteID: uploaded.ID, Outcome: OutcomeSucceeded})
	}
	return nil
}

func (e *Engine) markAttachmentFailed(ctx context.Context, a *models.PendingAttachment, cause error) error {
	now := e.now().UnixMilli()
	msg := cause.Error()
	code := string(apperrors.CodeOf(cause))
	if code == "" {
		code = string(apperrors.ErrInternal)
	}
	retries := a.RetryCount + 1

	_, err := e.attachments.UpdateStatus(ctx, a.LocalID, models.StatusError, &models.AttachmentUpdate{
		ErrorMessage:    &msg,
		ErrorCode:       &code,
		RetryCount:      &retries,
		LastSyncAttempt: &now,
	})
	if err != nil && !ignorableUpdateErr(err) {
		return err
	}
	return nil
}

// ignorableUpdateErr covers attachments deleted or finalised concurrently.
func ignorableUpdateErr(err error) bool {
	return apperrors.Is(err, apperrors.ErrNotFound) || apperrors.Is(err, apperrors.ErrInvalid)
}
