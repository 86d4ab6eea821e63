// Package reflock serializes in-process writers per (project, ref) and
// fronts the persisted lease protocol. The local mutex keeps concurrent
// in-process attempts from piling onto the database row lock; the lease
// is the cross-process authority.
package reflock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/loomlabs/loom/internal/storage"
	"github.com/loomlabs/loom/internal/types"
)

// DefaultAcquireTimeout bounds the wait on the local mutex.
const DefaultAcquireTimeout = 5 * time.Second

// defaultIdleTTL is how long an uncontended entry survives before the
// cleanup loop drops it.
const defaultIdleTTL = 10 * time.Minute

type refKey struct {
	projectID string
	refID     string
}

// entry is a channel-based mutex so Acquire can select against a
// context.
type entry struct {
	ch       chan struct{}
	lastUsed time.Time
}

// Manager owns the mutex map and the lease operations.
type Manager struct {
	store storage.Storage

	mu      sync.Mutex
	entries map[refKey]*entry

	acquireTimeout time.Duration
	leaseTTL       time.Duration

	stopCleanup chan struct{}
	stopOnce    sync.Once
}

// New builds a Manager over the given store. leaseTTL is the TTL handed
// to every lease upsert; values below 10s are raised to 10s.
func New(store storage.Storage, leaseTTL time.Duration) *Manager {
	if leaseTTL < 10*time.Second {
		leaseTTL = 10 * time.Second
	}
	m := &Manager{
		store:          store,
		entries:        make(map[refKey]*entry),
		acquireTimeout: DefaultAcquireTimeout,
		leaseTTL:       leaseTTL,
		stopCleanup:    make(chan struct{}),
	}
	go m.cleanupLoop()
	return m
}

// Close stops the background cleanup loop.
func (m *Manager) Close() {
	m.stopOnce.Do(func() { close(m.stopCleanup) })
}

// LeaseTTL returns the configured lease TTL.
func (m *Manager) LeaseTTL() time.Duration { return m.leaseTTL }

func (m *Manager) entryFor(projectID, refID string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := refKey{projectID, refID}
	e, ok := m.entries[key]
	if !ok {
		e = &entry{ch: make(chan struct{}, 1)}
		e.ch <- struct{}{}
		m.entries[key] = e
	}
	e.lastUsed = time.Now()
	return e
}

// Acquire takes the local mutex for (project, ref), waiting up to the
// manager's bound. The returned release function must be called exactly
// once.
func (m *Manager) Acquire(ctx context.Context, projectID, refID string) (func(), error) {
	e := m.entryFor(projectID, refID)

	ctx, cancel := context.WithTimeout(ctx, m.acquireTimeout)
	defer cancel()

	select {
	case <-e.ch:
		var once sync.Once
		return func() {
			once.Do(func() {
				m.mu.Lock()
				e.lastUsed = time.Now()
				m.mu.Unlock()
				e.ch <- struct{}{}
			})
		}, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: local lock on ref %s", types.ErrRefLocked, refID)
	}
}

// AcquireLease takes or refreshes the persisted lease for the caller.
func (m *Manager) AcquireLease(ctx context.Context, projectID, refID, userID, session string) (*storage.LeaseGrant, error) {
	return m.store.AcquireRefLease(ctx, projectID, refID, userID, session, m.leaseTTL)
}

// RefreshLease is the stream heartbeat.
func (m *Manager) RefreshLease(ctx context.Context, projectID, refID, userID, session string) (*storage.LeaseGrant, error) {
	return m.store.RefreshRefLease(ctx, projectID, refID, userID, session, m.leaseTTL)
}

// ReleaseLease drops the caller's lease; foreign leases are untouched.
func (m *Manager) ReleaseLease(ctx context.Context, projectID, refID, session string) error {
	return m.store.ReleaseRefLease(ctx, projectID, refID, session, false)
}

// HeldBy reports whether the persisted lease currently belongs to the
// given (user, session). The stream coordinator checks this before its
// assistant append; a false answer after a stream means the session was
// preempted.
func (m *Manager) HeldBy(ctx context.Context, projectID, refID, userID, session string) (bool, error) {
	lease, err := m.store.GetRefLease(ctx, projectID, refID)
	if err != nil {
		return false, err
	}
	if lease == nil || lease.Expired(time.Now()) {
		return false, nil
	}
	return lease.HeldBy(userID, session), nil
}

// List is the diagnostic lease read.
func (m *Manager) List(ctx context.Context, projectID string) ([]*types.Lease, error) {
	return m.store.ListRefLeases(ctx, projectID)
}

func (m *Manager) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweep(time.Now())
		case <-m.stopCleanup:
			return
		}
	}
}

// sweep drops idle entries. Only unheld mutexes (token present in the
// channel) are eligible.
func (m *Manager) sweep(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, e := range m.entries {
		if now.Sub(e.lastUsed) < defaultIdleTTL {
			continue
		}
		select {
		case <-e.ch:
			delete(m.entries, key)
		default:
			// Held; leave it alone.
		}
	}
}
