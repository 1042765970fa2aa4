// Package remotetest provides an in-memory remote.Client for tests.
package remotetest

import (
	"context"
	"sync"

	apperrors "github.com/yaroing/feedback-platform/internal/errors"
	"github.com/yaroing/feedback-platform/internal/models"
	"github.com/yaroing/feedback-platform/internal/remote"
)

// Call is one recorded request.
type Call struct {
	Op             string
	URL            string
	Method         string
	FeedbackID     int64
	Filename       string
	Payload        models.Payload
	IdempotencyKey string
}

// Client records every call and answers from its hooks. With no hook set,
// creates and uploads succeed with sequential ids starting at NextID.
type Client struct {
	mu     sync.Mutex
	calls  []Call
	NextID int64

	CreateFunc func(payload models.Payload) (*models.RemoteRecord, error)
	ReplayFunc func(url, method string, payload models.Payload) (*remote.Response, error)
	UploadFunc func(feedbackID int64, filename string) (*models.RemoteAttachment, error)
}

// New returns a Client whose first assigned id is firstID.
func New(firstID int64) *Client {
	return &Client{NextID: firstID}
}

func (c *Client) record(ctx context.Context, call Call) {
	call.IdempotencyKey, _ = remote.IdempotencyKey(ctx)
	c.mu.Lock()
	c.calls = append(c.calls, call)
	c.mu.Unlock()
}

func (c *Client) nextID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.NextID
	c.NextID++
	return id
}

// Calls returns a copy of the recorded calls.
func (c *Client) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Call, len(c.calls))
	copy(out, c.calls)
	return out
}

// CallsFor returns the recorded calls for op.
func (c *Client) CallsFor(op string) []Call {
	var out []Call
	for _, call := range c.Calls() {
		if call.Op == op {
			out = append(out, call)
		}
	}
	return out
}

// CreateRemote implements remote.Client.
func (c *Client) CreateRemote(ctx context.Context, payload models.Payload) (*models.RemoteRecord, error) {
	c.record(ctx, Call{Op: "create", Payload: payload.Clone()})
	if c.CreateFunc != nil {
		return c.CreateFunc(payload)
	}
	return &models.RemoteRecord{ID: c.nextID(), Payload: payload.Clone()}, nil
}

// ReplayMutation implements remote.Client.
func (c *Client) ReplayMutation(ctx context.Context, url, method string, payload models.Payload) (*remote.Response, error) {
	c.record(ctx, Call{Op: "replay", URL: url, Method: method, Payload: payload.Clone()})
	if c.ReplayFunc != nil {
		return c.ReplayFunc(url, method, payload)
	}
	return &remote.Response{StatusCode: 200, Body: []byte("{}")}, nil
}

// UploadRemote implements remote.Client.
func (c *Client) UploadRemote(ctx context.Context, feedbackID int64, data []byte, mimeType, filename string) (*models.RemoteAttachment, error) {
	c.record(ctx, Call{Op: "upload", FeedbackID: feedbackID, Filename: filename})
	if c.UploadFunc != nil {
		return c.UploadFunc(feedbackID, filename)
	}
	return &models.RemoteAttachment{ID: c.nextID(), Filename: filename}, nil
}

// Unreachable is a ready-made transient failure.
func Unreachable() error {
	return apperrors.New(apperrors.ErrRemoteUnreachable, "connection refused")
}

// Rejected is a ready-made permanent failure.
func Rejected() error {
	return apperrors.New(apperrors.ErrRemoteRejected, "status 400")
}

var _ remote.Client = (*Client)(nil)
