package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/yaroing/feedback-platform/internal/errors"
	"github.com/yaroing/feedback-platform/internal/logging"
	"github.com/yaroing/feedback-platform/internal/models"
)

// IdempotencyHeader carries the queued item's idempotency key.
const IdempotencyHeader = "Idempotency-Key"

const (
	primaryPrefix = "/api/feedback/"
	legacyPrefix  = "/api/inbound/feedback/"
	createPath    = "/api/inbound/feedback/"

	maxResponseBody = 4 << 20
)

// Config holds HTTP client configuration.
type Config struct {
	BaseURL string
	Timeout time.Duration
	// LegacyFallback retries a failed /api/feedback/ call on the
	// /api/inbound/feedback/ route.
	LegacyFallback bool
	// Token, when set, is sent as a bearer token.
	Token string
}

// HTTPClient implements Client over the feedback platform's REST API.
type HTTPClient struct {
	base   *url.URL
	http   *http.Client
	legacy bool
	token  string
}

// NewHTTPClient creates an HTTPClient.
func NewHTTPClient(cfg Config) (*HTTPClient, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, apperrors.Newf(apperrors.ErrConfigInvalid, "invalid server url %q", cfg.BaseURL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &HTTPClient{
		base:   base,
		http:   &http.Client{Timeout: timeout},
		legacy: cfg.LegacyFallback,
		token:  cfg.Token,
	}, nil
}

// strategies returns the ordered paths to try for path.
func (c *HTTPClient) strategies(path string) []string {
	paths := []string{path}
	if c.legacy && strings.HasPrefix(path, primaryPrefix) {
		paths = append(paths, legacyPrefix+strings.TrimPrefix(path, primaryPrefix))
	}
	return paths
}

// CreateRemote creates a feedback record.
func (c *HTTPClient) CreateRemote(ctx context.Context, payload models.Payload) (*models.RemoteRecord, error) {
	body, err := payload.Marshal()
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "payload is not JSON-encodable", err)
	}

	resp, err := c.do(ctx, http.MethodPost, createPath, "application/json", body)
	if err != nil {
		return nil, err
	}

	doc, id, err := decodeWithID(resp.Body)
	if err != nil {
		return nil, err
	}
	return &models.RemoteRecord{ID: id, Payload: doc}, nil
}

// ReplayMutation sends a queued request. Relative urls are resolved against
// the base url.
func (c *HTTPClient) ReplayMutation(ctx context.Context, rawURL, method string, payload models.Payload) (*Response, error) {
	var body []byte
	if method != http.MethodDelete || len(payload) > 0 {
		var err error
		if body, err = payload.Marshal(); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrInvalid, "payload is not JSON-encodable", err)
		}
	}

	var lastErr error
	for _, path := range c.strategies(rawURL) {
		resp, err := c.do(ctx, method, path, "application/json", body)
		if err == nil {
			return resp, nil
		}
		lastErr = err
		if !fallbackWorthy(err) {
			break
		}
	}
	return nil, lastErr
}

// UploadRemote uploads an attachment as multipart form data under "file".
func (c *HTTPClient) UploadRemote(ctx context.Context, feedbackID int64, data []byte, mimeType, filename string) (*models.RemoteAttachment, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, filename))
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	header.Set("Content-Type", mimeType)

	part, err := mw.CreatePart(header)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to build upload", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to build upload", err)
	}
	if err := mw.Close(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to build upload", err)
	}

	path := primaryPrefix + strconv.FormatInt(feedbackID, 10) + "/attachments/"
	var lastErr error
	for _, p := range c.strategies(path) {
		resp, err := c.do(ctx, http.MethodPost, p, mw.FormDataContentType(), buf.Bytes())
		if err != nil {
			lastErr = err
			if !fallbackWorthy(err) {
				break
			}
			continue
		}

		doc, id, err := decodeWithID(resp.Body)
		if err != nil {
			return nil, err
		}
		att := &models.RemoteAttachment{ID: id}
		if s, ok := doc["file"].(string); ok {
			att.URL = s
		} else if s, ok := doc["url"].(string); ok {
			att.URL = s
		}
		if s, ok := doc["filename"].(string); ok {
			att.Filename = s
		}
		return att, nil
	}
	return nil, lastErr
}

// do sends one request and classifies the outcome.
func (c *HTTPClient) do(ctx context.Context, method, path, contentType string, body []byte) (*Response, error) {
	target, err := c.resolve(path)
	if err != nil {
		return nil, err
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "failed to build request", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", contentType)
	}
	if key, ok := IdempotencyKey(ctx); ok {
		req.Header.Set(IdempotencyHeader, key)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		logging.Debug("Remote call failed", map[string]interface{}{
			"method": method,
			"url":    target,
			"error":  err.Error(),
		})
		return nil, apperrors.Wrap(apperrors.ErrRemoteUnreachable, fmt.Sprintf("%s %s", method, path), err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrRemoteUnreachable, "failed to read response", err)
	}

	logging.Debug("Remote call", map[string]interface{}{
		"method":      method,
		"url":         target,
		"status":      resp.StatusCode,
		"duration_ms": time.Since(start).Milliseconds(),
	})

	if err := classify(method, path, resp.StatusCode, respBody); err != nil {
		return nil, err
	}
	return &Response{StatusCode: resp.StatusCode, Body: respBody}, nil
}

func (c *HTTPClient) resolve(path string) (string, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return "", apperrors.Wrap(apperrors.ErrInvalid, "invalid request url", err)
	}
	if ref.IsAbs() {
		return ref.String(), nil
	}
	return c.base.ResolveReference(ref).String(), nil
}

// StatusError is the underlying error for a non-2xx response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("status %d", e.StatusCode)
	}
	return fmt.Sprintf("status %d: %s", e.StatusCode, e.Body)
}

// classify maps an HTTP status to nil, ErrRemoteRejected or
// ErrRemoteUnreachable.
func classify(method, path string, status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}

	snippet := strings.TrimSpace(string(body))
	if len(snippet) > 200 {
		snippet = snippet[:200]
	}
	cause := &StatusError{StatusCode: status, Body: snippet}
	msg := fmt.Sprintf("%s %s", method, path)

	switch {
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return apperrors.Wrap(apperrors.ErrRemoteUnreachable, msg, cause)
	default:
		return apperrors.Wrap(apperrors.ErrRemoteRejected, msg, cause)
	}
}

// fallbackWorthy reports whether the next endpoint strategy should be tried.
// Transport failures are not retried on another route.
func fallbackWorthy(err error) bool {
	var status *StatusError
	return errors.As(err, &status)
}

// decodeWithID decodes a JSON object and extracts its numeric "id".
func decodeWithID(body []byte) (models.Payload, int64, error) {
	doc := models.Payload{}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return nil, 0, apperrors.Wrap(apperrors.ErrRemoteRejected, "response is not a JSON object", err)
	}

	var id int64
	switch v := doc["id"].(type) {
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return nil, 0, apperrors.Wrap(apperrors.ErrRemoteRejected, "response id is not an integer", err)
		}
		id = n
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, 0, apperrors.Wrap(apperrors.ErrRemoteRejected, "response id is not an integer", err)
		}
		id = n
	}
	if id <= 0 {
		return nil, 0, apperrors.New(apperrors.ErrRemoteRejected, "response has no id")
	}
	return doc, id, nil
}

var _ Client = (*HTTPClient)(nil)
