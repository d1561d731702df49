package server

import (
	"sort"
	"time"

	"climate_monitor/telemetry"
)

// View is the payload served to consumers: every node at one instant.
// AwaitingData is true until the first reading has been accepted. Pending
// lists expected nodes that have never reported.
type View struct {
	GeneratedAt  time.Time           `json:"generated_at"`
	AwaitingData bool                `json:"awaiting_data"`
	Online       int                 `json:"online"`
	Offline      int                 `json:"offline"`
	Nodes        map[string]NodeView `json:"nodes"`
	Pending      []string            `json:"pending"`
}

// NodeView is one node as consumers see it.
type NodeView struct {
	NodeID         string              `json:"node_id"`
	Temperature    *float64            `json:"temperature"`
	Humidity       *float64            `json:"humidity"`
	Position       telemetry.Position  `json:"position"`
	Status         telemetry.Status    `json:"status"`
	LastSeen       time.Time           `json:"last_seen"`
	RecentReadings []telemetry.Reading `json:"recent_readings"`
	Stats          telemetry.Stats     `json:"stats"`
	Alert          *telemetry.Alert    `json:"alert"`
}

func nodeView(n telemetry.NodeState, th telemetry.Thresholds) NodeView {
	v := NodeView{
		NodeID:         n.NodeID,
		Position:       n.Position,
		Status:         n.Status,
		LastSeen:       n.LastSeen,
		RecentReadings: n.Recent,
		Stats:          n.Stats(),
	}
	if latest, ok := n.Latest(); ok {
		v.Temperature = &latest.Temperature
		v.Humidity = &latest.Humidity
		alert := th.Classify(latest)
		v.Alert = &alert
	}
	if v.RecentReadings == nil {
		v.RecentReadings = []telemetry.Reading{}
	}
	return v
}

func newView(now time.Time, snap telemetry.Snapshot, th telemetry.Thresholds, expected []string) View {
	online, offline := snap.Counts()
	v := View{
		GeneratedAt:  now,
		AwaitingData: len(snap) == 0,
		Online:       online,
		Offline:      offline,
		Nodes:        make(map[string]NodeView, len(snap)),
		Pending:      []string{},
	}
	for id, n := range snap {
		v.Nodes[id] = nodeView(n, th)
	}
	for _, id := range expected {
		if _, ok := snap[id]; !ok {
			v.Pending = append(v.Pending, id)
		}
	}
	sort.Strings(v.Pending)
	return v
}
