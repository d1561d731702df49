package telemetry

import (
	"math"
	"time"
)

// NodeState is an independent copy of one node's aggregated state.
// Recent is ordered oldest first.
type NodeState struct {
	NodeID   string    `json:"node_id"`
	Recent   []Reading `json:"recent_readings"`
	LastSeen time.Time `json:"last_seen"`
	Position Position  `json:"position"`
	Status   Status    `json:"status"`
}

// Latest returns the most recent reading, if any.
func (n NodeState) Latest() (Reading, bool) {
	if len(n.Recent) == 0 {
		return Reading{}, false
	}
	return n.Recent[len(n.Recent)-1], true
}

// Range summarizes one measured quantity.
type Range struct {
	Min  float64 `json:"min"`
	Max  float64 `json:"max"`
	Mean float64 `json:"mean"`
}

// Stats summarizes the buffered readings of a node.
type Stats struct {
	Samples     int   `json:"samples"`
	Temperature Range `json:"temperature"`
	Humidity    Range `json:"humidity"`
}

// Stats computes min/max/mean over the buffered readings.
func (n NodeState) Stats() Stats {
	s := Stats{Samples: len(n.Recent)}
	if s.Samples == 0 {
		return s
	}

	s.Temperature = Range{Min: math.Inf(1), Max: math.Inf(-1)}
	s.Humidity = Range{Min: math.Inf(1), Max: math.Inf(-1)}
	var tSum, hSum float64
	for _, r := range n.Recent {
		s.Temperature.Min = math.Min(s.Temperature.Min, r.Temperature)
		s.Temperature.Max = math.Max(s.Temperature.Max, r.Temperature)
		s.Humidity.Min = math.Min(s.Humidity.Min, r.Humidity)
		s.Humidity.Max = math.Max(s.Humidity.Max, r.Humidity)
		tSum += r.Temperature
		hSum += r.Humidity
	}
	s.Temperature.Mean = tSum / float64(s.Samples)
	s.Humidity.Mean = hSum / float64(s.Samples)
	return s
}

// Snapshot is a point-in-time copy of every node keyed by node id.
type Snapshot map[string]NodeState

// Counts returns how many nodes are online and offline.
func (s Snapshot) Counts() (online, offline int) {
	for _, n := range s {
		if n.Status == Online {
			online++
		} else {
			offline++
		}
	}
	return online, offline
}

// AllowList is a static set of permitted node ids. An empty list admits every node.
type AllowList map[string]struct{}

// NewAllowList builds an allow-list from configured ids, ignoring blanks.
func NewAllowList(ids []string) AllowList {
	a := make(AllowList, len(ids))
	for _, id := range ids {
		if id != "" {
			a[id] = struct{}{}
		}
	}
	return a
}

// Allows reports whether readings from nodeID may be ingested.
func (a AllowList) Allows(nodeID string) bool {
	if len(a) == 0 {
		return true
	}
	_, ok := a[nodeID]
	return ok
}
