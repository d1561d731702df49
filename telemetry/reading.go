// Package telemetry holds the domain types shared by the ingestion pipeline:
// sensor readings, the per-node state view handed to consumers, and the error
// taxonomy used to classify discarded messages.
package telemetry

import (
	"fmt"
	"math"
	"time"
)

// Mode selects how strictly positions are required in payloads.
type Mode string

const (
	// ModeSingle accepts readings without a position.
	ModeSingle Mode = "single"
	// ModeMulti requires pos_x and pos_y on every reading.
	ModeMulti Mode = "multi"
)

// ParseMode converts a configuration string to a Mode.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeSingle, ModeMulti:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("unknown mode %q", s)
	}
}

// Position is the fixed spatial location of a node.
type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Reading is a single validated measurement from a node.
type Reading struct {
	NodeID      string    `json:"node_id"`
	Temperature float64   `json:"temperature"`
	Humidity    float64   `json:"humidity"`
	Position    Position  `json:"position"`
	Timestamp   time.Time `json:"timestamp"`
	Topic       string    `json:"-"`
	ReceivedAt  time.Time `json:"-"`
}

// Status is the liveness classification of a node.
type Status int

const (
	// Offline means no reading arrived within the liveness timeout.
	Offline Status = iota
	// Online means the node reported within the liveness timeout.
	Online
)

func (s Status) String() string {
	if s == Online {
		return "online"
	}
	return "offline"
}

// MarshalText renders the status as "online" or "offline".
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText parses "online" or "offline".
func (s *Status) UnmarshalText(text []byte) error {
	switch string(text) {
	case "online":
		*s = Online
	case "offline":
		*s = Offline
	default:
		return fmt.Errorf("unknown status %q", text)
	}
	return nil
}

// StatusFor derives liveness from the last accepted reading.
func StatusFor(lastSeen, now time.Time, timeout time.Duration) Status {
	if now.Sub(lastSeen) > timeout {
		return Offline
	}
	return Online
}

// maxEpochSeconds is 9999-12-31T23:59:59Z. Millisecond epochs exceed it.
const maxEpochSeconds = 253402300799

// EpochSeconds converts Unix seconds, fractions allowed, to a time.
// Negative, non-finite and out of range values are rejected.
func EpochSeconds(secs float64) (time.Time, bool) {
	if math.IsNaN(secs) || secs < 0 || secs > maxEpochSeconds {
		return time.Time{}, false
	}
	whole, frac := math.Modf(secs)
	return time.Unix(int64(whole), int64(frac*float64(time.Second))), true
}
