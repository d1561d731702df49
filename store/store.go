// Package store keeps the latest aggregated state of every sensor node.
//
// The Store is the single shared mutable resource of the ingestion pipeline.
// Every mutation and every copy happens inside one store-wide critical section,
// so readers never observe a node whose buffer, last-seen time and status
// disagree. Callers only ever receive copies.
package store

import (
	"sort"
	"sync"
	"time"

	"climate_monitor/telemetry"
)

// DefaultCapacity is the number of readings buffered per node when none is configured.
const DefaultCapacity = 50

// nodeState is the live, mutable state of one node. Guarded by Store.mu.
type nodeState struct {
	readings *Ring[telemetry.Reading]
	lastSeen time.Time
	position telemetry.Position
	status   telemetry.Status
}

func (n *nodeState) copyOut(id string) telemetry.NodeState {
	return telemetry.NodeState{
		NodeID:   id,
		Recent:   n.readings.Items(),
		LastSeen: n.lastSeen,
		Position: n.position,
		Status:   n.status,
	}
}

// Store maps node ids to their aggregated state.
// Thread-safe: all methods are safe for concurrent access.
type Store struct {
	mu       sync.RWMutex
	nodes    map[string]*nodeState
	capacity int
}

// New creates an empty store buffering up to capacity readings per node.
func New(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		nodes:    make(map[string]*nodeState),
		capacity: capacity,
	}
}

// Capacity returns the per-node ring buffer capacity.
func (s *Store) Capacity() int {
	return s.capacity
}

// Apply records an accepted reading.
//
// The node is created on first sight. The reading is appended to the node's
// ring buffer, evicting the oldest entry beyond capacity. LastSeen never moves
// backwards, so a late, out-of-order reading cannot make a node look older
// than it is. Status is set to Online; the liveness evaluator recomputes it
// from LastSeen before any consumer reads it.
func (s *Store) Apply(r telemetry.Reading) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.applyLocked(r)
}

// Seed applies a batch of historical readings in order under a single lock.
// Used to warm the store from the durable log at startup.
func (s *Store) Seed(readings []telemetry.Reading) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range readings {
		s.applyLocked(r)
	}
}

func (s *Store) applyLocked(r telemetry.Reading) {
	n, ok := s.nodes[r.NodeID]
	if !ok {
		n = &nodeState{readings: NewRing[telemetry.Reading](s.capacity)}
		s.nodes[r.NodeID] = n
	}

	n.readings.Push(r)
	if r.Timestamp.After(n.lastSeen) {
		n.lastSeen = r.Timestamp
	}
	n.position = r.Position
	n.status = telemetry.Online
}

// Refresh recomputes the status of every node from its LastSeen time.
// A node is Offline when now - LastSeen exceeds timeout, Online otherwise.
// It returns the status changes it made, sorted by node id.
func (s *Store) Refresh(now time.Time, timeout time.Duration) []Transition {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.refreshLocked(now, timeout)
}

// Transition records a status change produced by Refresh.
type Transition struct {
	NodeID string
	From   telemetry.Status
	To     telemetry.Status
}

func (s *Store) refreshLocked(now time.Time, timeout time.Duration) []Transition {
	var changed []Transition
	for id, n := range s.nodes {
		status := telemetry.StatusFor(n.lastSeen, now, timeout)
		if status != n.status {
			changed = append(changed, Transition{NodeID: id, From: n.status, To: status})
			n.status = status
		}
	}
	sort.Slice(changed, func(i, j int) bool { return changed[i].NodeID < changed[j].NodeID })
	return changed
}

// Snapshot returns an independent copy of every node's state.
// The copy reflects a single instant: no reading is partially visible.
func (s *Store) Snapshot() telemetry.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.snapshotLocked()
}

// SnapshotAt refreshes liveness against now and copies the store inside one
// critical section, so consumers always see statuses computed for this read.
func (s *Store) SnapshotAt(now time.Time, timeout time.Duration) telemetry.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.refreshLocked(now, timeout)
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() telemetry.Snapshot {
	out := make(telemetry.Snapshot, len(s.nodes))
	for id, n := range s.nodes {
		out[id] = n.copyOut(id)
	}
	return out
}

// Node returns a copy of a single node's state.
func (s *Store) Node(id string) (telemetry.NodeState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.nodes[id]
	if !ok {
		return telemetry.NodeState{}, false
	}
	return n.copyOut(id), true
}

// Position returns the last known position of a node.
func (s *Store) Position(id string) (telemetry.Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.nodes[id]
	if !ok {
		return telemetry.Position{}, false
	}
	return n.position, true
}

// Len returns the number of known nodes.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.nodes)
}
