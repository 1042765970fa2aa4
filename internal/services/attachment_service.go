package services

import (
	"context"
	"fmt"

	apperrors "github.com/yaroing/feedback-platform/internal/errors"
	"github.com/yaroing/feedback-platform/internal/logging"
	"github.com/yaroing/feedback-platform/internal/media"
	"github.com/yaroing/feedback-platform/internal/models"
)

func attachmentEnvelope(a *models.PendingAttachment) Envelope {
	env := Envelope{
		"id":          models.Local(a.LocalID).String(),
		"local_id":    a.LocalID,
		"feedback_id": a.FeedbackID.String(),
		"filename":    a.Filename,
		"mime_type":   a.MimeType,
		"size":        a.Size,
		"status":      string(a.Status),
		"created_at":  millisToISO(a.CreatedAt),
	}
	if a.RemoteID != 0 {
		env["remote_id"] = a.RemoteID
	}
	if a.ErrorMessage != "" {
		env["error_message"] = a.ErrorMessage
		env["error_code"] = a.ErrorCode
		env["retry_count"] = a.RetryCount
	}
	return env
}

// UploadAttachment attaches a file to a feedback record. Attachments for
// offline records are always queued; for server records the upload is tried
// live and queued if the server cannot be reached.
func (s *FeedbackService) UploadAttachment(ctx context.Context, feedbackID models.Identifier, data []byte, mimeType, filename string) (Envelope, error) {
	if feedbackID.IsZero() {
		return nil, apperrors.New(apperrors.ErrInvalid, "feedback id is required")
	}
	if len(data) == 0 {
		return nil, apperrors.New(apperrors.ErrInvalid, "attachment data is empty")
	}

	if feedbackID.IsLocal() {
		a, err := s.attachments.Save(ctx, feedbackID, data, mimeType, filename, s.compression)
		if err != nil {
			return nil, err
		}
		env := attachmentEnvelope(a)
		env[FlagOffline] = true
		return env, nil
	}

	if !s.provider.IsOnline() {
		return s.queueAttachment(ctx, feedbackID, data, mimeType, filename, s.compression)
	}

	if mimeType == "" {
		mimeType = media.DetectMimeType(data)
	}
	body, bodyType := data, mimeType
	if s.compression != nil && media.IsImage(mimeType) {
		if res, err := media.Compress(data, mimeType, s.compression); err == nil {
			body, bodyType = res.Data, res.MimeType
		}
	}

	uploaded, err := s.client.UploadRemote(ctx, feedbackID.Value(), body, bodyType, filename)
	if err != nil {
		if !apperrors.IsTransient(err) {
			return nil, err
		}
		logging.Warn("Live upload failed, queueing attachment", map[string]interface{}{
			"feedback_id": feedbackID.String(),
			"filename":    filename,
			"error":       err.Error(),
		})
		return s.queueAttachment(ctx, feedbackID, body, bodyType, filename, nil)
	}

	env := Envelope{
		"id":          uploaded.ID,
		"feedback_id": feedbackID.Value(),
		"filename":    filename,
		"mime_type":   bodyType,
		"size":        int64(len(body)),
	}
	if uploaded.Filename != "" {
		env["filename"] = uploaded.Filename
	}
	if uploaded.URL != "" {
		env["file"] = uploaded.URL
	}
	return env, nil
}

func (s *FeedbackService) queueAttachment(ctx context.Context, feedbackID models.Identifier, data []byte, mimeType, filename string, opts *media.Options) (Envelope, error) {
	a, err := s.attachments.Save(ctx, feedbackID, data, mimeType, filename, opts)
	if err != nil {
		return nil, err
	}
	env := attachmentEnvelope(a)
	env[FlagPendingSync] = true
	return env, nil
}

// ListAttachments returns the locally held attachments of a record,
// including those saved before the record received its server id.
func (s *FeedbackService) ListAttachments(ctx context.Context, feedbackID models.Identifier) ([]Envelope, error) {
	list, err := s.attachments.ListByFeedbackID(ctx, feedbackID)
	if err != nil {
		return nil, err
	}

	out := make([]Envelope, 0, len(list))
	for _, a := range list {
		env := attachmentEnvelope(a)
		switch {
		case feedbackID.IsLocal():
			env[FlagOffline] = true
		case a.Status != models.StatusSynced:
			env[FlagPendingSync] = true
		}
		out = append(out, env)
	}
	return out, nil
}

// DeleteAttachment removes an attachment. Local attachments are deleted from
// the queue; server attachments are deleted live or queued as a DELETE.
func (s *FeedbackService) DeleteAttachment(ctx context.Context, feedbackID, attachmentID models.Identifier) (Envelope, error) {
	if attachmentID.IsLocal() {
		ok, err := s.attachments.Delete(ctx, attachmentID.Value())
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, apperrors.Newf(apperrors.ErrNotFound, "attachment %s not found", attachmentID)
		}
		return Envelope{"success": true}, nil
	}
	if attachmentID.IsZero() {
		return nil, apperrors.New(apperrors.ErrInvalid, "attachment id is required")
	}
	if !feedbackID.IsRemote() {
		return nil, apperrors.Newf(apperrors.ErrInvalid, "server attachment %s needs a server feedback id", attachmentID)
	}

	url := fmt.Sprintf("%sattachments/%d/", feedbackURL(feedbackID.Value()), attachmentID.Value())
	_, queued, err := s.sendOrQueue(ctx, url, "DELETE", models.Payload{})
	if err != nil {
		return nil, err
	}
	env := Envelope{"success": true}
	if queued {
		env[FlagPendingSync] = true
	}
	return env, nil
}
