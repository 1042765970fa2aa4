// Package connectivity tracks whether the device believes it is online and
// notifies subscribers on transitions.
//
// The flag is necessary but not sufficient: a replay can still fail while
// the monitor reports online, and callers must treat remote failures as
// normal.
package connectivity

import (
	"context"
	"sync"

	"github.com/yaroing/feedback-platform/internal/logging"
)

// Provider is the read side of connectivity used by the sync engine and the
// feedback service.
type Provider interface {
	IsOnline() bool
	Subscribe(onOnline, onOffline func()) *Subscription
}

// Subscription is a registered pair of transition callbacks.
type Subscription struct {
	monitor   *Monitor
	onOnline  func()
	onOffline func()
}

// Unsubscribe removes the subscription. Calling it more than once is a no-op.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.monitor == nil {
		return
	}
	s.monitor.Unsubscribe(s)
}

// Monitor is the platform-fed connectivity flag.
type Monitor struct {
	mu     sync.Mutex
	online bool
	subs   []*Subscription
}

// NewMonitor creates a Monitor with the given initial state.
func NewMonitor(initial bool) *Monitor {
	return &Monitor{online: initial}
}

// IsOnline reports the last known connectivity state.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline records a platform connectivity signal. Callbacks run only when
// the state actually changes, after the lock is released, in subscription
// order.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	subs := make([]*Subscription, len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()

	logging.Info("Connectivity changed", map[string]interface{}{
		"online":      online,
		"subscribers": len(subs),
	})

	for _, sub := range subs {
		cb := sub.onOffline
		if online {
			cb = sub.onOnline
		}
		if cb != nil {
			cb()
		}
	}
}

// Subscribe registers transition callbacks. Either callback may be nil.
func (m *Monitor) Subscribe(onOnline, onOffline func()) *Subscription {
	sub := &Subscription{monitor: m, onOnline: onOnline, onOffline: onOffline}

	m.mu.Lock()
	m.subs = append(m.subs, sub)
	m.mu.Unlock()

	return sub
}

// Unsubscribe removes sub by identity. Unknown or already removed
// subscriptions are ignored.
func (m *Monitor) Unsubscribe(sub *Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, s := range m.subs {
		if s == sub {
			m.subs = append(m.subs[:i], m.subs[i+1:]...)
			return
		}
	}
}

// Watch feeds platform signals from ch into the monitor until ctx is done or
// ch is closed.
func (m *Monitor) Watch(ctx context.Context, ch <-chan bool) {
	for {
		select {
		case <-ctx.Done():
			return
		case online, ok := <-ch:
			if !ok {
				return
			}
			m.SetOnline(online)
		}
	}
}

// Static is a Provider with a fixed state, for callers that have no platform
// signal. Subscriptions never fire.
type Static bool

// IsOnline reports the fixed state.
func (s Static) IsOnline() bool {
	return bool(s)
}

// Subscribe returns a subscription that never fires.
func (s Static) Subscribe(onOnline, onOffline func()) *Subscription {
	return &Subscription{}
}

var (
	_ Provider = (*Monitor)(nil)
	_ Provider = Static(false)
)
