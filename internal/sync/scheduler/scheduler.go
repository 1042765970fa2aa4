// Package scheduler decides when the synchronizer runs: on every online
// transition, periodically while online, and on demand.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/yaroing/feedback-platform/internal/connectivity"
	"github.com/yaroing/feedback-platform/internal/errors"
	"github.com/yaroing/feedback-platform/internal/logging"
	syncpkg "github.com/yaroing/feedback-platform/internal/sync"
)

// BackgroundSyncTag is the tag registered with the platform background hook.
const BackgroundSyncTag = "sync-feedback"

// BackgroundSync is an optional platform hook that wakes the process to sync
// after it has been suspended. Without one, sync runs only in the foreground.
type BackgroundSync interface {
	Register(tag string) error
}

// Scheduler manages background sync operations.
type Scheduler struct {
	engine       syncpkg.Syncer
	provider     connectivity.Provider
	background   BackgroundSync
	syncInterval time.Duration
	syncTimeout  time.Duration

	trigger chan struct{}
	stopCh  chan struct{}
	wg      sync.WaitGroup

	mu           sync.RWMutex
	isRunning    bool
	sub          *connectivity.Subscription
	lastSyncTime time.Time
	lastResult   *syncpkg.Result
}

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	SyncInterval time.Duration // How often to sync while online (default: 5 minutes)
	SyncTimeout  time.Duration // Upper bound for one pass (default: 5 minutes)
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		SyncInterval: 5 * time.Minute,
		SyncTimeout:  5 * time.Minute,
	}
}

// NewScheduler creates a new Scheduler.
func NewScheduler(engine syncpkg.Syncer, provider connectivity.Provider, config *SchedulerConfig) *Scheduler {
	if config == nil {
		config = DefaultSchedulerConfig()
	}
	defaults := DefaultSchedulerConfig()
	if config.SyncInterval <= 0 {
		config.SyncInterval = defaults.SyncInterval
	}
	if config.SyncTimeout <= 0 {
		config.SyncTimeout = defaults.SyncTimeout
	}

	return &Scheduler{
		engine:       engine,
		provider:     provider,
		syncInterval: config.SyncInterval,
		syncTimeout:  config.SyncTimeout,
		trigger:      make(chan struct{}, 1),
	}
}

// SetBackgroundSync installs the platform background hook. Call before Start.
func (s *Scheduler) SetBackgroundSync(bg BackgroundSync) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.background = bg
}

// Start subscribes to connectivity changes and starts the sync loop.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.stopCh = make(chan struct{})
	stop := s.stopCh
	bg := s.background
	s.sub = s.provider.Subscribe(s.onOnline, s.onOffline)
	s.mu.Unlock()

	if bg != nil {
		if err := bg.Register(BackgroundSyncTag); err != nil {
			logging.Warn("Background sync unavailable, foreground sync only", map[string]interface{}{
				"tag":   BackgroundSyncTag,
				"error": err.Error(),
			})
		}
	}

	s.wg.Add(1)
	go s.loop(ctx, stop)

	if s.provider.IsOnline() {
		s.TriggerSync()
	}

	logging.Info("Background sync scheduler started", map[string]interface{}{
		"interval_seconds": s.syncInterval.Seconds(),
	})
}

// Stop stops the scheduler and waits for an in-flight pass to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	sub := s.sub
	s.sub = nil
	stop := s.stopCh
	s.mu.Unlock()

	sub.Unsubscribe()
	close(stop)
	s.wg.Wait()

	logging.Info("Background sync scheduler stopped", nil)
}

func (s *Scheduler) onOnline() {
	logging.Info("Connectivity restored, scheduling sync", nil)
	s.TriggerSync()
}

func (s *Scheduler) onOffline() {
	logging.Info("Connectivity lost, sync paused", nil)
}

func (s *Scheduler) loop(ctx context.Context, stop <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if !s.provider.IsOnline() {
				continue
			}
			s.runSync(ctx, "periodic")
		case <-s.trigger:
			s.runSync(ctx, "triggered")
		}
	}
}

// TriggerSync asks the loop to run a pass soon. It reports false if a pass is
// already queued.
func (s *Scheduler) TriggerSync() bool {
	select {
	case s.trigger <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Scheduler) runSync(ctx context.Context, reason string) {
	result, err := s.SyncNow(ctx)
	if err != nil {
		if errors.Is(err, errors.ErrSyncInProgress) {
			logging.Debug("Sync already in progress, skipping", map[string]interface{}{"reason": reason})
			return
		}
		logging.ErrorWithCode("Scheduled sync failed", string(errors.CodeOf(err)), err,
			map[string]interface{}{"reason": reason})
		return
	}
	if result.Offline {
		return
	}

	logging.Info("Scheduled sync completed",
		map[string]interface{}{
			"reason":    reason,
			"succeeded": result.SucceededCount,
			"failed":    result.FailedCount,
			"skipped":   result.SkippedCount,
		})
}

// SyncNow runs a pass immediately and waits for it.
func (s *Scheduler) SyncNow(ctx context.Context) (*syncpkg.Result, error) {
	syncCtx, cancel := context.WithTimeout(ctx, s.syncTimeout)
	defer cancel()

	result, err := s.engine.SyncAll(syncCtx)
	if err != nil {
		return result, err
	}

	if !result.Offline {
		s.mu.Lock()
		s.lastSyncTime = time.Now()
		s.lastResult = result
		s.mu.Unlock()
	}
	return result, nil
}

// SchedulerStatus is a point-in-time view of the scheduler.
type SchedulerStatus struct {
	IsRunning      bool            `json:"is_running"`
	IsOnline       bool            `json:"is_online"`
	SyncInProgress bool            `json:"sync_in_progress"`
	LastSyncTime   *time.Time      `json:"last_sync_time,omitempty"`
	LastResult     *syncpkg.Result `json:"last_result,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
}

// GetStatus returns the current status of the scheduler.
func (s *Scheduler) GetStatus() SchedulerStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := SchedulerStatus{
		IsRunning:      s.isRunning,
		IsOnline:       s.provider.IsOnline(),
		SyncInProgress: s.engine.Status() == syncpkg.StatusSyncing,
		LastResult:     s.lastResult,
	}
	if !s.lastSyncTime.IsZero() {
		t := s.lastSyncTime
		status.LastSyncTime = &t
	}
	if err := s.engine.LastError(); err != nil {
		status.LastError = err.Error()
	}
	return status
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}
