package remote

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/yaroing/feedback-platform/internal/errors"
	"github.com/yaroing/feedback-platform/internal/models"
)

type recorded struct {
	method string
	path   string
	key    string
	body   []byte
}

func newTestServer(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) (*HTTPClient, *[]recorded) {
	t.Helper()
	var (
		mu    sync.Mutex
		calls []recorded
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		calls = append(calls, recorded{method: r.Method, path: r.URL.Path, key: r.Header.Get(IdempotencyHeader), body: body})
		mu.Unlock()
		handler(w, r)
	}))
	t.Cleanup(srv.Close)

	c, err := NewHTTPClient(Config{BaseURL: srv.URL + "/", LegacyFallback: true})
	require.NoError(t, err)
	return c, &calls
}

func TestNewHTTPClient_invalidURL(t *testing.T) {
	_, err := NewHTTPClient(Config{BaseURL: "not a url"})
	assert.True(t, apperrors.Is(err, apperrors.ErrConfigInvalid))
}

func TestCreateRemote(t *testing.T) {
	c, calls := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id": 42, "message": "hello", "status": "new"}`))
	})

	ctx := WithIdempotencyKey(context.Background(), "3f1c2d9e-8a7b-4c6d-9e0f-1a2b3c4d5e6f")
	rec, err := c.CreateRemote(ctx, models.Payload{"message": "hello"})
	require.NoError(t, err)
	assert.Equal(t, int64(42), rec.ID)
	assert.Equal(t, "hello", rec.Payload["message"])

	require.Len(t, *calls, 1)
	call := (*calls)[0]
	assert.Equal(t, http.MethodPost, call.method)
	assert.Equal(t, "/api/inbound/feedback/", call.path)
	assert.Equal(t, "3f1c2d9e-8a7b-4c6d-9e0f-1a2b3c4d5e6f", call.key)

	var sent map[string]interface{}
	require.NoError(t, json.Unmarshal(call.body, &sent))
	assert.Equal(t, "hello", sent["message"])
}

func TestCreateRemote_missingID(t *testing.T) {
	c, _ := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status": "new"}`))
	})

	_, err := c.CreateRemote(context.Background(), models.Payload{})
	assert.True(t, apperrors.Is(err, apperrors.ErrRemoteRejected))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		status int
		want   apperrors.ErrorCode
	}{
		{http.StatusBadRequest, apperrors.ErrRemoteRejected},
		{http.StatusForbidden, apperrors.ErrRemoteRejected},
		{http.StatusUnprocessableEntity, apperrors.ErrRemoteRejected},
		{http.StatusRequestTimeout, apperrors.ErrRemoteUnreachable},
		{http.StatusTooManyRequests, apperrors.ErrRemoteUnreachable},
		{http.StatusInternalServerError, apperrors.ErrRemoteUnreachable},
		{http.StatusServiceUnavailable, apperrors.ErrRemoteUnreachable},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			err := classify(http.MethodPost, "/x", tt.status, []byte("nope"))
			assert.Equal(t, tt.want, apperrors.CodeOf(err))
		})
	}
	assert.NoError(t, classify(http.MethodPost, "/x", http.StatusNoContent, nil))
}

func TestReplayMutation_legacyFallback(t *testing.T) {
	c, calls := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/feedback/7/" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"id": 7}`))
	})

	resp, err := c.ReplayMutation(context.Background(), "/api/feedback/7/", http.MethodPatch, models.Payload{"status": "closed"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.Len(t, *calls, 2)
	assert.Equal(t, "/api/feedback/7/", (*calls)[0].path)
	assert.Equal(t, "/api/inbound/feedback/7/", (*calls)[1].path)
	assert.Equal(t, http.MethodPatch, (*calls)[1].method)
}

func TestReplayMutation_noFallbackOutsideFeedbackRoutes(t *testing.T) {
	c, calls := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})

	_, err := c.ReplayMutation(context.Background(), "/api/other/1/", http.MethodPut, models.Payload{})
	assert.True(t, apperrors.Is(err, apperrors.ErrRemoteRejected))
	assert.Len(t, *calls, 1)
}

func TestReplayMutation_deleteWithoutBody(t *testing.T) {
	c, calls := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})

	_, err := c.ReplayMutation(context.Background(), "/api/feedback/1/attachments/2/", http.MethodDelete, nil)
	require.NoError(t, err)
	require.Len(t, *calls, 1)
	assert.Empty(t, (*calls)[0].body)
}

func TestReplayMutation_unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := NewHTTPClient(Config{BaseURL: url})
	require.NoError(t, err)

	_, err = c.ReplayMutation(context.Background(), "/api/feedback/1/", http.MethodPatch, models.Payload{})
	assert.True(t, apperrors.Is(err, apperrors.ErrRemoteUnreachable))
}

func TestUploadRemote(t *testing.T) {
	var (
		gotName string
		gotType string
		gotData []byte
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/feedback/42/attachments/" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		file, header, err := r.FormFile("file")
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer file.Close()
		gotName = header.Filename
		gotType = header.Header.Get("Content-Type")
		gotData, _ = io.ReadAll(file)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id": 9, "file": "/media/report.pdf", "filename": "report.pdf"}`))
	}))
	defer srv.Close()

	c, err := NewHTTPClient(Config{BaseURL: srv.URL})
	require.NoError(t, err)

	att, err := c.UploadRemote(context.Background(), 42, []byte("%PDF-1.4"), "application/pdf", "report.pdf")
	require.NoError(t, err)
	assert.Equal(t, int64(9), att.ID)
	assert.Equal(t, "/media/report.pdf", att.URL)
	assert.Equal(t, "report.pdf", gotName)
	assert.Equal(t, "application/pdf", gotType)
	assert.Equal(t, []byte("%PDF-1.4"), gotData)
}

func TestUploadRemote_fallsBackToInbound(t *testing.T) {
	c, calls := newTestServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/inbound/feedback/42/attachments/" {
			_, _ = w.Write([]byte(`{"id": "11"}`))
			return
		}
		w.WriteHeader(http.StatusMethodNotAllowed)
	})

	att, err := c.UploadRemote(context.Background(), 42, []byte("x"), "", "a.bin")
	require.NoError(t, err)
	assert.Equal(t, int64(11), att.ID)
	assert.Len(t, *calls, 2)
}

func TestIdempotencyKey(t *testing.T) {
	_, ok := IdempotencyKey(context.Background())
	assert.False(t, ok)

	_, ok = IdempotencyKey(WithIdempotencyKey(context.Background(), ""))
	assert.False(t, ok)

	key, ok := IdempotencyKey(WithIdempotencyKey(context.Background(), "k"))
	assert.True(t, ok)
	assert.Equal(t, "k", key)
}
