// Package ratelimit throttles outbound registry calls per source with a
// sliding-window log and keeps a short-term result cache that doubles as a
// stale fallback when a source's quota is exhausted.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limit allows Requests calls in any rolling Window.
type Limit struct {
	Requests int           `yaml:"requests" mapstructure:"requests"`
	Window   time.Duration `yaml:"window" mapstructure:"window"`
}

// Unlimited reports whether the limit is disabled.
func (l Limit) Unlimited() bool {
	return l.Requests <= 0 || l.Window <= 0
}

// WindowStore records admitted calls per key. Reserve must be atomic: two
// concurrent callers can never both take the last slot.
type WindowStore interface {
	// Reserve admits a call at now when fewer than limit.Requests calls were
	// admitted in (now-limit.Window, now]. When the window is full it returns
	// the earliest instant a slot frees up.
	Reserve(ctx context.Context, key string, limit Limit, now time.Time) (ok bool, retryAt time.Time, err error)
}

// MemoryWindows is an in-process WindowStore guarded by a mutex.
type MemoryWindows struct {
	mu   sync.Mutex
	logs map[string][]time.Time
}

// NewMemoryWindows creates an empty in-memory window store.
func NewMemoryWindows() *MemoryWindows {
	return &MemoryWindows{logs: make(map[string][]time.Time)}
}

// Reserve implements WindowStore.
func (m *MemoryWindows) Reserve(_ context.Context, key string, limit Limit, now time.Time) (bool, time.Time, error) {
	if limit.Unlimited() {
		return true, time.Time{}, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := now.Add(-limit.Window)
	log := m.logs[key]
	i := 0
	for i < len(log) && !log[i].After(cutoff) {
		i++
	}
	log = log[i:]

	if len(log) < limit.Requests {
		m.logs[key] = append(log, now)
		return true, time.Time{}, nil
	}
	m.logs[key] = log
	return false, log[len(log)-limit.Requests].Add(limit.Window), nil
}

// Count returns the number of admitted calls still inside the window at now.
func (m *MemoryWindows) Count(key string, window time.Duration, now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := now.Add(-window)
	n := 0
	for _, t := range m.logs[key] {
		if t.After(cutoff) {
			n++
		}
	}
	return n
}
