// Package api exposes the sync engine over a local HTTP control surface and
// pushes sync events to websocket clients.
package api

import (
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	validatorv10 "github.com/go-playground/validator/v10"

	"github.com/yaroing/feedback-platform/internal/attachment"
	"github.com/yaroing/feedback-platform/internal/connectivity"
	apperrors "github.com/yaroing/feedback-platform/internal/errors"
	"github.com/yaroing/feedback-platform/internal/logging"
	"github.com/yaroing/feedback-platform/internal/models"
	"github.com/yaroing/feedback-platform/internal/services"
	syncpkg "github.com/yaroing/feedback-platform/internal/sync"
	"github.com/yaroing/feedback-platform/internal/sync/queue"
	"github.com/yaroing/feedback-platform/internal/sync/scheduler"
)

// DefaultMaxUploadBytes caps multipart attachment uploads.
const DefaultMaxUploadBytes = 32 << 20

// Deps are the components served by the API. Scheduler may be nil, in which
// case POST /api/sync calls the engine directly.
type Deps struct {
	Engine         syncpkg.Syncer
	Scheduler      *scheduler.Scheduler
	Monitor        *connectivity.Monitor
	Records        *queue.RecordQueue
	Mutations      *queue.MutationQueue
	Attachments    *attachment.Queue
	Feedback       *services.FeedbackService
	MaxUploadBytes int64
}

// Server holds the router and the websocket hub.
type Server struct {
	deps     Deps
	hub      *Hub
	router   *gin.Engine
	validate *validatorv10.Validate
	sub      *connectivity.Subscription
}

type connectivityRequest struct {
	Online *bool `json:"online" validate:"required"`
}

type respondRequest struct {
	Content string `json:"content" validate:"required"`
}

// NewServer wires the routes. The hub receives the engine's sync events and
// the monitor's connectivity edges.
func NewServer(deps Deps) *Server {
	if deps.MaxUploadBytes <= 0 {
		deps.MaxUploadBytes = DefaultMaxUploadBytes
	}

	s := &Server{
		deps:     deps,
		hub:      NewHub(),
		validate: validatorv10.New(),
	}
	deps.Engine.SetEventHandler(s.hub)
	s.sub = deps.Monitor.Subscribe(
		func() { s.hub.BroadcastConnectivity(true) },
		func() { s.hub.BroadcastConnectivity(false) },
	)
	s.router = s.setupRouter()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Hub returns the websocket hub.
func (s *Server) Hub() *Hub { return s.hub }

// Close detaches from the monitor and disconnects websocket clients.
func (s *Server) Close() {
	s.sub.Unsubscribe()
	s.hub.Close()
}

func (s *Server) setupRouter() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	r.GET("/api/health", s.health)
	r.GET("/ws", gin.WrapH(s.hub))

	r.GET("/api/sync/status", s.syncStatus)
	r.POST("/api/sync", s.syncNow)
	r.PUT("/api/connectivity", s.setConnectivity)

	q := r.Group("/api/queue")
	q.GET("/records", s.listRecords)
	q.GET("/mutations", s.listMutations)
	q.DELETE("/mutations/:id", s.deleteMutation)
	q.GET("/feedback", s.pendingFeedback)

	a := r.Group("/api/attachments")
	a.GET("", s.listAttachments)
	a.POST("/:id/retry", s.retryAttachment)
	a.DELETE("/:id", s.deleteAttachment)

	f := r.Group("/api/feedback")
	f.POST("", s.createFeedback)
	f.PATCH("/:id", s.updateFeedback)
	f.POST("/:id/respond", s.respondFeedback)
	f.GET("/:id/attachments", s.feedbackAttachments)
	f.POST("/:id/attachments", s.uploadAttachment)
	f.DELETE("/:id/attachments/:aid", s.deleteFeedbackAttachment)

	return r
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logging.Debug("HTTP request", map[string]interface{}{
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
			"status":      c.Writer.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
		})
	}
}

// =====================================================
// Sync and connectivity
// =====================================================

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "feedbacksync",
		"online":  s.deps.Monitor.IsOnline(),
	})
}

func (s *Server) syncStatus(c *gin.Context) {
	pending, err := s.deps.Engine.Pending(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}

	body := gin.H{
		"status":  s.deps.Engine.Status(),
		"online":  s.deps.Monitor.IsOnline(),
		"pending": pending,
	}
	if t := s.deps.Engine.LastSync(); t != nil {
		body["last_sync"] = t
	}
	if err := s.deps.Engine.LastError(); err != nil {
		body["last_error"] = err.Error()
	}
	if s.deps.Scheduler != nil {
		body["scheduler"] = s.deps.Scheduler.GetStatus()
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) syncNow(c *gin.Context) {
	var (
		result *syncpkg.Result
		err    error
	)
	if s.deps.Scheduler != nil {
		result, err = s.deps.Scheduler.SyncNow(c.Request.Context())
	} else {
		result, err = s.deps.Engine.SyncAll(c.Request.Context())
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) setConnectivity(c *gin.Context) {
	var req connectivityRequest
	if !bindAndValidate(c, &req, s.validate) {
		return
	}
	s.deps.Monitor.SetOnline(*req.Online)
	c.JSON(http.StatusOK, gin.H{"online": s.deps.Monitor.IsOnline()})
}

// =====================================================
// Queues
// =====================================================

func (s *Server) listRecords(c *gin.Context) {
	list, err := s.deps.Records.ListAll(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"records": list, "count": len(list)})
}

func (s *Server) listMutations(c *gin.Context) {
	list, err := s.deps.Mutations.ListAll(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"mutations": list, "count": len(list)})
}

func (s *Server) deleteMutation(c *gin.Context) {
	id, ok := localIDParam(c, "id")
	if !ok {
		return
	}
	if err := s.deps.Mutations.Remove(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) pendingFeedback(c *gin.Context) {
	list, err := s.deps.Feedback.PendingFeedback(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"feedback": list, "count": len(list)})
}

// =====================================================
// Attachments
// =====================================================

func (s *Server) listAttachments(c *gin.Context) {
	ctx := c.Request.Context()
	var (
		list []*models.PendingAttachment
		err  error
	)

	switch {
	case c.Query("feedback_id") != "":
		id, perr := models.ParseIdentifier(c.Query("feedback_id"))
		if perr != nil {
			respondError(c, apperrors.Wrap(apperrors.ErrInvalid, "invalid feedback_id", perr))
			return
		}
		list, err = s.deps.Attachments.ListByFeedbackID(ctx, id)
	case c.Query("status") != "":
		list, err = s.deps.Attachments.ListByStatus(ctx, models.AttachmentStatus(c.Query("status")))
	default:
		respondError(c, apperrors.New(apperrors.ErrInvalid, "feedback_id or status is required"))
		return
	}
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"attachments": list, "count": len(list)})
}

func (s *Server) retryAttachment(c *gin.Context) {
	id, ok := localIDParam(c, "id")
	if !ok {
		return
	}
	a, err := s.deps.Attachments.Retry(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	s.hub.Broadcast(EventAttachmentRetried, map[string]interface{}{"local_id": a.LocalID})
	if s.deps.Scheduler != nil {
		s.deps.Scheduler.TriggerSync()
	}
	c.JSON(http.StatusOK, a)
}

func (s *Server) deleteAttachment(c *gin.Context) {
	id, ok := localIDParam(c, "id")
	if !ok {
		return
	}
	deleted, err := s.deps.Attachments.Delete(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	if !deleted {
		respondError(c, apperrors.Newf(apperrors.ErrNotFound, "attachment %d not found", id))
		return
	}
	c.Status(http.StatusNoContent)
}

// =====================================================
// Feedback
// =====================================================

func (s *Server) createFeedback(c *gin.Context) {
	var data models.Payload
	if err := c.ShouldBindJSON(&data); err != nil {
		respondError(c, apperrors.Wrap(apperrors.ErrInvalid, "invalid request body", err))
		return
	}
	env, err := s.deps.Feedback.Create(c.Request.Context(), data)
	if err != nil {
		respondError(c, err)
		return
	}
	if env.Offline() {
		s.hub.Broadcast(EventFeedbackQueued, map[string]interface{}{"id": env.ID()})
	}
	c.JSON(http.StatusCreated, env)
}

func (s *Server) updateFeedback(c *gin.Context) {
	id, ok := identifierParam(c, "id")
	if !ok {
		return
	}
	var data models.Payload
	if err := c.ShouldBindJSON(&data); err != nil {
		respondError(c, apperrors.Wrap(apperrors.ErrInvalid, "invalid request body", err))
		return
	}
	env, err := s.deps.Feedback.Update(c.Request.Context(), id, data)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, env)
}

func (s *Server) respondFeedback(c *gin.Context) {
	id, ok := identifierParam(c, "id")
	if !ok {
		return
	}
	var req respondRequest
	if !bindAndValidate(c, &req, s.validate) {
		return
	}
	env, err := s.deps.Feedback.Respond(c.Request.Context(), id, req.Content)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, env)
}

func (s *Server) feedbackAttachments(c *gin.Context) {
	id, ok := identifierParam(c, "id")
	if !ok {
		return
	}
	list, err := s.deps.Feedback.ListAttachments(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, list)
}

func (s *Server) uploadAttachment(c *gin.Context) {
	id, ok := identifierParam(c, "id")
	if !ok {
		return
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.deps.MaxUploadBytes)
	header, err := c.FormFile("file")
	if err != nil {
		respondError(c, apperrors.Wrap(apperrors.ErrInvalid, "multipart field \"file\" is required", err))
		return
	}
	data, err := readFormFile(header)
	if err != nil {
		respondError(c, apperrors.Wrap(apperrors.ErrInvalid, "failed to read upload", err))
		return
	}

	env, err := s.deps.Feedback.UploadAttachment(c.Request.Context(), id, data, header.Header.Get("Content-Type"), header.Filename)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, env)
}

func (s *Server) deleteFeedbackAttachment(c *gin.Context) {
	fid, ok := identifierParam(c, "id")
	if !ok {
		return
	}
	aid, ok := identifierParam(c, "aid")
	if !ok {
		return
	}
	env, err := s.deps.Feedback.DeleteAttachment(c.Request.Context(), fid, aid)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, env)
}

// =====================================================
// Helpers
// =====================================================

func readFormFile(header *multipart.FileHeader) ([]byte, error) {
	f, err := header.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

// localIDParam parses a queue row id given as "12" or "offline-12".
func localIDParam(c *gin.Context, name string) (int64, bool) {
	raw := c.Param(name)
	id, err := models.ParseIdentifier(raw)
	if err != nil {
		respondError(c, apperrors.Newf(apperrors.ErrInvalid, "invalid %s %q", name, raw))
		return 0, false
	}
	return id.Value(), true
}

func identifierParam(c *gin.Context, name string) (models.Identifier, bool) {
	id, err := models.ParseIdentifier(c.Param(name))
	if err != nil {
		respondError(c, apperrors.Wrap(apperrors.ErrInvalid, "invalid "+name, err))
		return models.Identifier{}, false
	}
	return id, true
}

// Serve runs the server on addr until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("Control API listening", map[string]interface{}{"addr": addr})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.hub.Close()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}
