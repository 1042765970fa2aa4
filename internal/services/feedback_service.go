// Package services provides the feedback operations used by the application.
// Each write goes to the server when online and is queued locally otherwise,
// so callers always get a usable result.
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/yaroing/feedback-platform/internal/attachment"
	"github.com/yaroing/feedback-platform/internal/connectivity"
	apperrors "github.com/yaroing/feedback-platform/internal/errors"
	"github.com/yaroing/feedback-platform/internal/logging"
	"github.com/yaroing/feedback-platform/internal/media"
	"github.com/yaroing/feedback-platform/internal/models"
	"github.com/yaroing/feedback-platform/internal/remote"
	"github.com/yaroing/feedback-platform/internal/sync/queue"
	"github.com/yaroing/feedback-platform/internal/uuid"
)

// Envelope flags set on results that have not reached the server.
const (
	FlagOffline     = "_offline"
	FlagPendingSync = "_pendingSync"
)

// StatusNew is the status reported for records created offline.
const StatusNew = "new"

// isoLayout matches the millisecond UTC timestamps the server emits.
const isoLayout = "2006-01-02T15:04:05.000Z07:00"

// Envelope is a result shaped like the server's JSON response.
type Envelope map[string]interface{}

// ID returns the envelope's id as a string.
func (e Envelope) ID() string {
	switch v := e["id"].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// Offline reports whether the result exists only locally.
func (e Envelope) Offline() bool {
	b, _ := e[FlagOffline].(bool)
	return b
}

// PendingSync reports whether the result is waiting to be replayed.
func (e Envelope) PendingSync() bool {
	b, _ := e[FlagPendingSync].(bool)
	return b
}

// FeedbackService is the facade over the offline queues and the remote client.
type FeedbackService struct {
	records     *queue.RecordQueue
	mutations   *queue.MutationQueue
	attachments *attachment.Queue
	client      remote.Client
	provider    connectivity.Provider
	compression *media.Options
	now         func() time.Time
}

// NewFeedbackService creates a FeedbackService. compression may be nil to
// store attachments unchanged.
func NewFeedbackService(records *queue.RecordQueue, mutations *queue.MutationQueue, attachments *attachment.Queue, client remote.Client, provider connectivity.Provider, compression *media.Options) *FeedbackService {
	return &FeedbackService{
		records:     records,
		mutations:   mutations,
		attachments: attachments,
		client:      client,
		provider:    provider,
		compression: compression,
		now:         time.Now,
	}
}

func (s *FeedbackService) timestamp() string {
	return s.now().UTC().Format(isoLayout)
}

func millisToISO(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(isoLayout)
}

// =====================================================
// Records
// =====================================================

// Create submits a new feedback record. Offline, or when the server cannot
// be reached, the record is queued and an offline envelope is returned.
func (s *FeedbackService) Create(ctx context.Context, data models.Payload) (Envelope, error) {
	if !s.provider.IsOnline() {
		return s.queueCreate(ctx, data, "")
	}

	key := uuid.NewKey()
	created, err := s.client.CreateRemote(remote.WithIdempotencyKey(ctx, key), data)
	if err != nil {
		if !apperrors.IsTransient(err) {
			return nil, err
		}
		logging.Warn("Live create failed, queueing feedback", map[string]interface{}{
			"error": err.Error(),
		})
		return s.queueCreate(ctx, data, key)
	}

	env := Envelope(created.Payload.Clone())
	env["id"] = created.ID
	return env, nil
}

func (s *FeedbackService) queueCreate(ctx context.Context, data models.Payload, key string) (Envelope, error) {
	rec, err := s.records.EnqueueCreateWithKey(ctx, data, key)
	if err != nil {
		return nil, err
	}
	return recordEnvelope(rec, false), nil
}

func recordEnvelope(rec *models.PendingRecord, pendingUpdate bool) Envelope {
	env := Envelope(rec.Payload.Clone())
	env["id"] = rec.ID().String()
	env["created_at"] = millisToISO(rec.CreatedAt)
	env["status"] = StatusNew
	env[FlagOffline] = true
	if pendingUpdate {
		env[FlagPendingSync] = true
		env["updated_at"] = millisToISO(rec.UpdatedAt)
	}
	if rec.LastError != "" {
		env["_lastError"] = rec.LastError
	}
	return env
}

// Update changes a feedback record. Offline records are merged in place;
// server records are patched live or queued as a PATCH mutation.
func (s *FeedbackService) Update(ctx context.Context, id models.Identifier, data models.Payload) (Envelope, error) {
	switch {
	case id.IsLocal():
		rec, err := s.records.Update(ctx, id.Value(), data)
		if err != nil {
			return nil, err
		}
		return recordEnvelope(rec, true), nil
	case id.IsZero():
		return nil, apperrors.New(apperrors.ErrInvalid, "feedback id is required")
	}

	url := feedbackURL(id.Value())
	resp, queued, err := s.sendOrQueue(ctx, url, "PATCH", data)
	if err != nil {
		return nil, err
	}
	if queued {
		env := Envelope(data.Clone())
		env["id"] = id.Value()
		env["updated_at"] = s.timestamp()
		env[FlagPendingSync] = true
		return env, nil
	}

	env := decodeEnvelope(resp)
	if env == nil {
		env = Envelope(data.Clone())
	}
	if _, ok := env["id"]; !ok {
		env["id"] = id.Value()
	}
	return env, nil
}

// Respond posts a response to a server-side feedback record. Offline
// records cannot be responded to.
func (s *FeedbackService) Respond(ctx context.Context, id models.Identifier, content string) (Envelope, error) {
	if id.IsLocal() {
		return nil, apperrors.Newf(apperrors.ErrInvalid, "cannot respond to offline feedback %s", id)
	}
	if id.IsZero() {
		return nil, apperrors.New(apperrors.ErrInvalid, "feedback id is required")
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, apperrors.New(apperrors.ErrValidation, "response content is empty")
	}

	payload := models.Payload{"content": content, "feedback": id.Value()}
	resp, queued, err := s.sendOrQueue(ctx, feedbackURL(id.Value())+"respond/", "POST", payload)
	if err != nil {
		return nil, err
	}
	if queued {
		env := Envelope(payload)
		env["created_at"] = s.timestamp()
		env[FlagPendingSync] = true
		return env, nil
	}

	if env := decodeEnvelope(resp); env != nil {
		return env, nil
	}
	return Envelope(payload), nil
}

// PendingFeedback lists the records still waiting to be created remotely.
func (s *FeedbackService) PendingFeedback(ctx context.Context) ([]Envelope, error) {
	recs, err := s.records.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Envelope, 0, len(recs))
	for _, rec := range recs {
		out = append(out, recordEnvelope(rec, rec.UpdatedAt != 0))
	}
	return out, nil
}

// sendOrQueue replays a mutation live when online and queues it when offline
// or when the server is unreachable. Rejections are returned.
func (s *FeedbackService) sendOrQueue(ctx context.Context, url, method string, payload models.Payload) (*remote.Response, bool, error) {
	if !s.provider.IsOnline() {
		if _, err := s.mutations.Enqueue(ctx, url, method, payload); err != nil {
			return nil, false, err
		}
		return nil, true, nil
	}

	key := uuid.NewKey()
	resp, err := s.client.ReplayMutation(remote.WithIdempotencyKey(ctx, key), url, method, payload)
	if err == nil {
		return resp, false, nil
	}
	if !apperrors.IsTransient(err) {
		return nil, false, err
	}

	logging.Warn("Live request failed, queueing for sync", map[string]interface{}{
		"method": method,
		"url":    url,
		"error":  err.Error(),
	})
	if _, qErr := s.mutations.EnqueueWithKey(ctx, url, method, payload, key); qErr != nil {
		return nil, false, qErr
	}
	return nil, true, nil
}

func feedbackURL(id int64) string {
	return fmt.Sprintf("/api/feedback/%d/", id)
}

func decodeEnvelope(resp *remote.Response) Envelope {
	if resp == nil || len(resp.Body) == 0 {
		return nil
	}
	var env Envelope
	if err := json.Unmarshal(resp.Body, &env); err != nil || env == nil {
		return nil
	}
	return env
}
