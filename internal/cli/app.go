package cli

import (
	"context"

	"github.com/yaroing/feedback-platform/internal/attachment"
	"github.com/yaroing/feedback-platform/internal/config"
	"github.com/yaroing/feedback-platform/internal/connectivity"
	"github.com/yaroing/feedback-platform/internal/db"
	"github.com/yaroing/feedback-platform/internal/logging"
	"github.com/yaroing/feedback-platform/internal/models"
	"github.com/yaroing/feedback-platform/internal/remote"
	"github.com/yaroing/feedback-platform/internal/services"
	syncpkg "github.com/yaroing/feedback-platform/internal/sync"
	"github.com/yaroing/feedback-platform/internal/sync/queue"
	"github.com/yaroing/feedback-platform/internal/sync/scheduler"
)

// App is the wired set of components behind every command.
type App struct {
	Config      *config.Config
	Store       *db.DB
	Records     *queue.RecordQueue
	Mutations   *queue.MutationQueue
	Attachments *attachment.Queue
	Monitor     *connectivity.Monitor
	Client      remote.Client
	Engine      *syncpkg.Engine
	Scheduler   *scheduler.Scheduler
	Feedback    *services.FeedbackService

	log *logging.Logger
}

// NewApp opens the store and wires the engine. online sets the initial
// connectivity state.
func NewApp(cfg *config.Config, online bool) (*App, error) {
	client, err := remote.NewHTTPClient(remote.Config{
		BaseURL:        cfg.ServerURL,
		Timeout:        cfg.HTTPTimeout,
		LegacyFallback: cfg.LegacyFallback,
		Token:          cfg.Token,
	})
	if err != nil {
		return nil, err
	}
	return newApp(cfg, client, online)
}

func newApp(cfg *config.Config, client remote.Client, online bool) (*App, error) {
	store, err := db.Open(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	repo := db.NewRepository(store)
	app := &App{
		Config:      cfg,
		Store:       store,
		Records:     queue.NewRecordQueue(repo),
		Mutations:   queue.NewMutationQueue(repo),
		Attachments: attachment.NewQueue(repo),
		Monitor:     connectivity.NewMonitor(online),
		Client:      client,
		log:         logging.Get(),
	}

	app.Engine = syncpkg.NewEngine(app.Records, app.Mutations, app.Attachments, client, app.Monitor)
	app.Engine.SetMaxAttachmentRetries(cfg.MaxAttachmentRetries)
	app.Engine.AddHook(app.logBacklog)
	app.Scheduler = scheduler.NewScheduler(app.Engine, app.Monitor, &scheduler.SchedulerConfig{
		SyncInterval: cfg.SyncInterval,
		SyncTimeout:  cfg.SyncTimeout,
	})
	app.Feedback = services.NewFeedbackService(app.Records, app.Mutations, app.Attachments, client, app.Monitor, cfg.Compression)
	return app, nil
}

// logBacklog reports what a pass left behind in the queues.
func (a *App) logBacklog(ctx context.Context, result *syncpkg.Result) error {
	if result.FailedCount == 0 && result.SkippedCount == 0 {
		return nil
	}
	pending, err := a.Engine.Pending(ctx)
	if err != nil {
		return err
	}
	a.log.Warn("Sync backlog remaining", map[string]interface{}{
		"records":     pending.Records,
		"mutations":   pending.Mutations,
		"attachments": pending.Attachments[models.StatusPending] + pending.Attachments[models.StatusError],
		"failed":      result.FailedCount,
		"skipped":     result.SkippedCount,
	})
	return nil
}

// Close stops the scheduler and closes the store.
func (a *App) Close() error {
	a.Scheduler.Stop()
	return a.Store.Close()
}
