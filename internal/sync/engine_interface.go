package sync

import (
	"context"
	"time"
)

// Syncer defines the synchronizer operations used by the scheduler, the
// control API and the CLI. It allows for mocking in tests.
type Syncer interface {
	// SyncAll drains every queue once.
	SyncAll(ctx context.Context) (*Result, error)

	// SetEventHandler sets the handler for sync notifications.
	SetEventHandler(handler EventHandler)

	// Status returns the current sync status.
	Status() Status

	// LastSync returns the time of the last completed pass.
	LastSync() *time.Time

	// LastError returns the error that aborted the last pass, if any.
	LastError() error

	// Pending counts what is still waiting to be synced.
	Pending(ctx context.Context) (*PendingCounts, error)
}

// EventType names a sync notification.
type EventType string

const (
	EventStarted   EventType = "sync.started"
	EventCompleted EventType = "sync.completed"
	EventFailed    EventType = "sync.failed"
)

// Event is delivered to an EventHandler around each pass.
type Event struct {
	Type      EventType
	Result    *Result
	Error     string
	Timestamp time.Time
}

// EventHandler receives sync events. OnSyncEvent is called synchronously
// from the syncing goroutine and must not block.
type EventHandler interface {
	OnSyncEvent(event Event)
}

// EventHandlerFunc adapts a function to EventHandler.
type EventHandlerFunc func(Event)

// OnSyncEvent implements EventHandler.
func (f EventHandlerFunc) OnSyncEvent(event Event) { f(event) }

var _ Syncer = (*Engine)(nil)
