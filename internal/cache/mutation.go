package cache

import (
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/bcnelson/fellowship/internal/domain"
	"github.com/bcnelson/fellowship/internal/metrics"
)

// State is the lifecycle state of one mutation attempt.
type State int

const (
	StateIdle State = iota
	StateApplied
	StateCommitted
	StateRolledBack
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateApplied:
		return "optimistic-applied"
	case StateCommitted:
		return "committed"
	case StateRolledBack:
		return "rolled-back"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether no further transition leaves s.
func (s State) Terminal() bool {
	return s == StateCommitted || s == StateRolledBack
}

type snapshot struct {
	entry   Entry
	present bool
}

// Mutation is one optimistic write attempt over a fixed set of keys. It holds
// the mutation lock of every key from Begin until Commit or Rollback, so a
// later attempt on the same keys snapshots this attempt's settled result.
type Mutation struct {
	c     *Cache
	seq   uint64
	epoch uint64
	keys  []string
	snaps map[string]snapshot

	mu    sync.Mutex
	state State
}

// Begin locks keys in sorted order, snapshots them and returns the new
// attempt. It waits for other attempts holding any of the keys, or until ctx
// is done.
func (c *Cache) Begin(ctx context.Context, keys ...string) (*Mutation, error) {
	sorted := slices.Clone(keys)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)

	for i, key := range sorted {
		if err := c.lock(ctx, key); err != nil {
			c.unlock(sorted[:i])
			return nil, err
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	m := &Mutation{
		c:     c,
		seq:   c.seq,
		epoch: c.epoch,
		keys:  sorted,
		snaps: make(map[string]snapshot, len(sorted)),
	}
	for _, key := range sorted {
		if e, ok := c.entries[key]; ok {
			m.snaps[key] = snapshot{entry: *e, present: true}
		} else {
			m.snaps[key] = snapshot{}
		}
	}
	return m, nil
}

// Seq is the attempt sequence number, unique per cache.
func (m *Mutation) Seq() uint64 { return m.seq }

// State returns the current state.
func (m *Mutation) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Keys returns the locked keys in lock order.
func (m *Mutation) Keys() []string { return slices.Clone(m.keys) }

// Snapshot returns the entry key held when the mutation began.
func (m *Mutation) Snapshot(key string) (Entry, bool) {
	s, ok := m.snaps[key]
	if !ok || !s.present {
		return Entry{}, false
	}
	return s.entry, true
}

// Apply writes the synthesized as-if-succeeded value for key.
func (m *Mutation) Apply(key string, v any) error {
	return m.put(key, v, StateApplied)
}

// Set writes the authoritative value for key, normally the store's response.
func (m *Mutation) Set(key string, v any) error {
	return m.put(key, v, StateIdle)
}

func (m *Mutation) put(key string, v any, to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Terminal() {
		return domain.ErrMutationClosed
	}
	if _, ok := m.snaps[key]; !ok {
		return fmt.Errorf("cache: key %q is not held by mutation %d", key, m.seq)
	}
	m.c.mu.Lock()
	if m.c.epoch == m.epoch {
		m.c.write(key, v)
	}
	m.c.mu.Unlock()
	if to == StateApplied {
		m.state = StateApplied
	}
	return nil
}

// Commit keeps the written values, marks invalidate stale and releases the
// keys.
func (m *Mutation) Commit(invalidate ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Terminal() {
		return domain.ErrMutationClosed
	}
	m.c.Invalidate(invalidate...)
	m.state = StateCommitted
	m.c.unlock(m.keys)
	m.c.opts.Metrics.ObserveMutation(metrics.OutcomeCommitted)
	return nil
}

// Rollback restores every key to its snapshot exactly, removing keys that
// did not exist, and releases the keys.
func (m *Mutation) Rollback() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Terminal() {
		return domain.ErrMutationClosed
	}
	m.c.mu.Lock()
	if m.c.epoch == m.epoch {
		for key, s := range m.snaps {
			if s.present {
				e := s.entry
				m.c.entries[key] = &e
			} else {
				delete(m.c.entries, key)
			}
		}
	}
	m.c.mu.Unlock()
	m.state = StateRolledBack
	m.c.unlock(m.keys)
	m.c.opts.Metrics.ObserveMutation(metrics.OutcomeRolledBack)
	return nil
}

// Done rolls back a mutation that was neither committed nor rolled back.
// Deferred right after Begin, it guarantees a synthesized value never
// outlives an error return or a panic.
func (m *Mutation) Done() {
	if !m.State().Terminal() {
		m.Rollback()
	}
}
