package services

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

	"github.com/yaroing/feedback-platform/internal/attachment"
	"github.com/yaroing/feedback-platform/internal/connectivity"
	"github.com/yaroing/feedback-platform/internal/db"
	"github.com/yaroing/feedback-platform/internal/models"
	"github.com/yaroing/feedback-platform/internal/remote"
	syncpkg "github.com/yaroing/feedback-platform/internal/sync"
	"github.com/yaroing/feedback-platform/internal/sync/queue"
)

// feedbackServer mimics the platform API: the primary feedback routes only
// accept attachments, record edits only exist on the inbound routes.
type feedbackServer struct {
	mu      sync.Mutex
	created []map[string]interface{}
	keys    []string
	patches []string
	uploads []string
}

func (s *feedbackServer) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/inbound/feedback/", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/api/inbound/feedback/":
			var body map[string]interface{}
			if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&body)) {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			s.created = append(s.created, body)
			s.keys = append(s.keys, r.Header.Get(remote.IdempotencyHeader))
			w.WriteHeader(http.StatusCreated)
			io.WriteString(w, `{"id": 7}`)
		case r.Method == http.MethodPatch:
			s.patches = append(s.patches, r.URL.Path)
			io.WriteString(w, `{"id": 7, "status": "closed"}`)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	})
	mux.HandleFunc("/api/feedback/", func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, header, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.uploads = append(s.uploads, r.URL.Path+header.Filename)
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"id": 99, "file": "/media/note.txt"}`)
	})
	return mux
}

// TestOfflineFlow drives a record, an edit and an attachment through the
// queues while offline and replays them against an HTTP server.
func TestOfflineFlow(t *testing.T) {
	fs := &feedbackServer{}
	srv := httptest.NewServer(fs.handler(t))
	defer srv.Close()

	client, err := remote.NewHTTPClient(remote.Config{BaseURL: srv.URL, LegacyFallback: true})
	require.NoError(t, err)

	store, err := db.Open(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	repo := db.NewRepository(store)
	records := queue.NewRecordQueue(repo)
	mutations := queue.NewMutationQueue(repo)
	attachments := attachment.NewQueue(repo)
	monitor := connectivity.NewMonitor(false)

	svc := NewFeedbackService(records, mutations, attachments, client, monitor, nil)
	engine := syncpkg.NewEngine(records, mutations, attachments, client, monitor)
	ctx := context.Background()

	env, err := svc.Create(ctx, models.Payload{"message": "borehole dry", "channel": "sms"})
	require.NoError(t, err)
	require.Equal(t, "offline-1", env.ID())

	local, err := models.ParseIdentifier(env.ID())
	require.NoError(t, err)
	_, err = svc.Update(ctx, local, models.Payload{"priority": "high"})
	require.NoError(t, err)
	_, err = svc.UploadAttachment(ctx, local, []byte("site notes"), "text/plain", "note.txt")
	require.NoError(t, err)

	_, err = svc.Update(ctx, models.Remote(7), models.Payload{"status": "closed"})
	require.NoError(t, err)

	// nothing reaches the server while offline
	result, err := engine.SyncAll(ctx)
	require.NoError(t, err)
	assert.True(t, result.Offline)
	assert.Empty(t, fs.created)

	monitor.SetOnline(true)
	result, err = engine.SyncAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, result.SucceededCount, "items: %+v", result.Items)
	assert.Equal(t, 0, result.FailedCount)

	require.Len(t, fs.created, 1)
	assert.Equal(t, "borehole dry", fs.created[0]["message"])
	assert.Equal(t, "high", fs.created[0]["priority"])
	assert.NotEmpty(t, fs.keys[0])
	assert.Equal(t, []string{"/api/inbound/feedback/7/"}, fs.patches)
	assert.Equal(t, []string{"/api/feedback/7/attachments/note.txt"}, fs.uploads)

	synced, err := attachments.ListByStatus(ctx, models.StatusSynced)
	require.NoError(t, err)
	require.Len(t, synced, 1)
	assert.Equal(t, int64(99), synced[0].RemoteID)

	pending, err := engine.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, pending.Records)
	assert.Equal(t, 0, pending.Mutations)
}
