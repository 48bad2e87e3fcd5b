package routing

import (
	"context"
	"sync"
	"time"
)

// CooldownStore remembers nodes that recently failed.
type CooldownStore interface {
	// MarkFailed excludes node from selection for ttl.
	MarkFailed(ctx context.Context, node string, ttl time.Duration) error

	// IsCoolingDown reports whether node has an unexpired mark.
	IsCoolingDown(ctx context.Context, node string) (bool, error)
}

type cooldownEntry struct {
	mu    sync.Mutex
	until time.Time
	// evicted entries are unlinked from the map and must not be reused.
	evicted bool
}

// MemoryCooldown is an in-process CooldownStore. Each node has its own lock;
// expired marks are evicted lazily on lookup.
type MemoryCooldown struct {
	entries sync.Map // node -> *cooldownEntry
	now     func() time.Time
}

// NewMemoryCooldown creates an empty in-memory cooldown store.
func NewMemoryCooldown() *MemoryCooldown {
	return &MemoryCooldown{now: time.Now}
}

// MarkFailed implements CooldownStore. A non-positive ttl is a no-op.
func (m *MemoryCooldown) MarkFailed(_ context.Context, node string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	until := m.now().Add(ttl)

	for {
		v, _ := m.entries.LoadOrStore(node, &cooldownEntry{})
		e := v.(*cooldownEntry)

		e.mu.Lock()
		if e.evicted {
			e.mu.Unlock()
			continue
		}
		if until.After(e.until) {
			e.until = until
		}
		e.mu.Unlock()
		return nil
	}
}

// IsCoolingDown implements CooldownStore.
func (m *MemoryCooldown) IsCoolingDown(_ context.Context, node string) (bool, error) {
	v, ok := m.entries.Load(node)
	if !ok {
		return false, nil
	}
	e := v.(*cooldownEntry)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.evicted {
		return false, nil
	}
	if !m.now().Before(e.until) {
		e.evicted = true
		m.entries.CompareAndDelete(node, e)
		return false, nil
	}
	return true, nil
}

// Len returns the number of nodes currently tracked (including expired
// marks not yet looked up).
func (m *MemoryCooldown) Len() int {
	n := 0
	m.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
