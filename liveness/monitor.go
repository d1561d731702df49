// Package liveness periodically re-evaluates which nodes are online.
package liveness

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"climate_monitor/store"
	"climate_monitor/telemetry"
)

// Source yields node snapshots with liveness evaluated at now.
// Implemented by *store.Store.
type Source interface {
	SnapshotAt(now time.Time, timeout time.Duration) telemetry.Snapshot
}

// Monitor drives liveness evaluation on a fixed interval.
// A node is Offline once now - LastSeen exceeds the timeout.
//
// The monitor compares each evaluation with the statuses it reported last,
// not with the status stored on the node, so reads by other consumers and
// readings that revive a node between ticks never hide a transition. A node
// the monitor has not reported yet counts as Offline.
type Monitor struct {
	nodes    Source
	timeout  time.Duration
	interval time.Duration
	clock    clock.Clock
	log      *slog.Logger

	mu           sync.Mutex
	reported     map[string]telemetry.Status
	onTransition func(store.Transition)
	onCounts     func(online, offline int)
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock overrides the wall clock, for tests.
func WithClock(c clock.Clock) Option {
	return func(m *Monitor) { m.clock = c }
}

// WithLogger sets the logger used for status transitions.
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) { m.log = l }
}

// NewMonitor creates a monitor over nodes.
//
// Example:
//
//	m := liveness.NewMonitor(st, 30*time.Second, time.Second)
//	go m.Start(ctx)
func NewMonitor(nodes Source, timeout, interval time.Duration, opts ...Option) *Monitor {
	m := &Monitor{
		nodes:    nodes,
		reported: make(map[string]telemetry.Status),
		timeout:  timeout,
		interval: interval,
		clock:    clock.New(),
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetOnTransition registers a callback invoked for every status change the
// monitor observes. It runs on the monitor goroutine and must not block.
func (m *Monitor) SetOnTransition(callback func(store.Transition)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTransition = callback
}

// SetOnCounts registers a callback receiving the online and offline node
// counts after every evaluation.
func (m *Monitor) SetOnCounts(callback func(online, offline int)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onCounts = callback
}

// Timeout returns the offline threshold.
func (m *Monitor) Timeout() time.Duration {
	return m.timeout
}

// Now returns the monitor clock's current time.
func (m *Monitor) Now() time.Time {
	return m.clock.Now()
}

// Start evaluates immediately and then on every interval until ctx is done.
// It blocks; run it in its own goroutine.
func (m *Monitor) Start(ctx context.Context) {
	ticker := m.clock.Ticker(m.interval)
	defer ticker.Stop()

	m.log.Info("liveness monitor started", "interval", m.interval, "timeout", m.timeout)
	m.Evaluate(m.clock.Now())

	for {
		select {
		case <-ticker.C:
			m.Evaluate(m.clock.Now())
		case <-ctx.Done():
			m.log.Info("liveness monitor stopped")
			return
		}
	}
}

// Evaluate recomputes every node's status against now and reports the
// changes since the previous evaluation, sorted by node id.
func (m *Monitor) Evaluate(now time.Time) []store.Transition {
	snap := m.nodes.SnapshotAt(now, m.timeout)

	m.mu.Lock()
	var changed []store.Transition
	for id, n := range snap {
		if prev := m.reported[id]; prev != n.Status {
			changed = append(changed, store.Transition{NodeID: id, From: prev, To: n.Status})
		}
		m.reported[id] = n.Status
	}
	onTransition, onCounts := m.onTransition, m.onCounts
	m.mu.Unlock()

	sort.Slice(changed, func(i, j int) bool { return changed[i].NodeID < changed[j].NodeID })

	for _, tr := range changed {
		if tr.To == telemetry.Offline {
			m.log.Info("node went offline", "node_id", tr.NodeID, "timeout", m.timeout)
		} else {
			m.log.Info("node came online", "node_id", tr.NodeID)
		}
		if onTransition != nil {
			onTransition(tr)
		}
	}
	if onCounts != nil {
		onCounts(snap.Counts())
	}
	return changed
}
