// Package decoder turns raw broker messages into validated sensor readings.
//
// Decoding never panics and never returns a fatal condition: every outcome is
// either a telemetry.Reading or an error wrapping one of the telemetry decode
// sentinels, which the caller logs and discards.
package decoder

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/relvacode/iso8601"
	"github.com/xeipuuv/gojsonschema"

	"climate_monitor/telemetry"
)

// PositionSource supplies the last known position of a node.
type PositionSource interface {
	Position(nodeID string) (telemetry.Position, bool)
}

// Decoder validates payloads for one ingestion mode.
type Decoder struct {
	mode      telemetry.Mode
	allow     telemetry.AllowList
	positions PositionSource
	clock     clock.Clock
	schema    *gojsonschema.Schema
}

// Option configures a Decoder.
type Option func(*Decoder)

// WithAllowList restricts decoding to the given node ids.
func WithAllowList(a telemetry.AllowList) Option {
	return func(d *Decoder) { d.allow = a }
}

// WithPositions sets where single-node mode looks up a missing position.
func WithPositions(p PositionSource) Option {
	return func(d *Decoder) { d.positions = p }
}

// WithClock overrides the clock used for ingestion timestamps.
func WithClock(c clock.Clock) Option {
	return func(d *Decoder) { d.clock = c }
}

// New creates a decoder for mode.
func New(mode telemetry.Mode, opts ...Option) (*Decoder, error) {
	schema, err := compileSchema(mode)
	if err != nil {
		return nil, err
	}
	d := &Decoder{
		mode:   mode,
		clock:  clock.New(),
		schema: schema,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Mode returns the ingestion mode the decoder validates for.
func (d *Decoder) Mode() telemetry.Mode {
	return d.mode
}

type measurements struct {
	Temperature float64         `json:"temperature"`
	Humidity    float64         `json:"humidity"`
	PosX        *float64        `json:"pos_x"`
	PosY        *float64        `json:"pos_y"`
	Timestamp   json.RawMessage `json:"timestamp"`
	TS          json.RawMessage `json:"ts"`
}

// Decode parses one message published on topic.
//
// Steps, in order: parse the JSON object, resolve the node id (payload field,
// else last topic level), apply the allow-list, validate measurements against
// the schema, resolve the position, resolve the timestamp.
func (d *Decoder) Decode(topic string, raw []byte) (telemetry.Reading, error) {
	now := d.clock.Now()

	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return telemetry.Reading{}, fmt.Errorf("%w: %v", telemetry.ErrMalformedPayload, err)
	}
	if doc == nil {
		return telemetry.Reading{}, fmt.Errorf("%w: payload is not an object", telemetry.ErrMalformedPayload)
	}

	nodeID := resolveNodeID(doc, topic)
	if nodeID == "" {
		return telemetry.Reading{}, fmt.Errorf("%w: topic %q", telemetry.ErrMissingNodeID, topic)
	}

	if !d.allow.Allows(nodeID) {
		return telemetry.Reading{}, fmt.Errorf("%w: %s", telemetry.ErrNodeNotAllowed, nodeID)
	}

	// Explicit nulls count as absent.
	for k, v := range doc {
		if v == nil {
			delete(doc, k)
		}
	}
	if err := validate(d.schema, doc); err != nil {
		return telemetry.Reading{}, fmt.Errorf("node %s: %w", nodeID, err)
	}

	var m measurements
	if err := json.Unmarshal(raw, &m); err != nil {
		return telemetry.Reading{}, fmt.Errorf("%w: %v", telemetry.ErrMalformedPayload, err)
	}

	return telemetry.Reading{
		NodeID:      nodeID,
		Temperature: m.Temperature,
		Humidity:    m.Humidity,
		Position:    d.resolvePosition(nodeID, m.PosX, m.PosY),
		Timestamp:   resolveTimestamp(now, m.Timestamp, m.TS), // "timestamp" wins over "ts"
		Topic:       topic,
		ReceivedAt:  now,
	}, nil
}

func resolveNodeID(doc map[string]any, topic string) string {
	if id, ok := doc["node_id"].(string); ok {
		if id = strings.TrimSpace(id); id != "" {
			return id
		}
	}
	return LastTopicLevel(topic)
}

// LastTopicLevel returns the final level of an MQTT topic name.
func LastTopicLevel(topic string) string {
	topic = strings.TrimSuffix(topic, "/")
	if i := strings.LastIndexByte(topic, '/'); i >= 0 {
		topic = topic[i+1:]
	}
	return strings.TrimSpace(topic)
}

func (d *Decoder) resolvePosition(nodeID string, x, y *float64) telemetry.Position {
	var pos telemetry.Position
	if (x == nil || y == nil) && d.positions != nil {
		if known, ok := d.positions.Position(nodeID); ok {
			pos = known
		}
	}
	if x != nil {
		pos.X = *x
	}
	if y != nil {
		pos.Y = *y
	}
	return pos
}

func resolveTimestamp(now time.Time, candidates ...json.RawMessage) time.Time {
	for _, raw := range candidates {
		if t, ok := parseTimestamp(raw); ok {
			return t
		}
	}
	return now
}

// parseTimestamp accepts Unix epoch seconds as a JSON number or numeric
// string, or an ISO-8601 string.
func parseTimestamp(raw json.RawMessage) (time.Time, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}, false
	}

	if raw[0] != '"' {
		return epochSeconds(string(raw))
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return time.Time{}, false
	}
	if t, ok := epochSeconds(s); ok {
		return t, true
	}
	if t, err := iso8601.ParseString(strings.TrimSpace(s)); err == nil {
		return t, true
	}
	return time.Time{}, false
}

func epochSeconds(text string) (time.Time, bool) {
	secs, err := strconv.ParseFloat(strings.TrimSpace(text), 64)
	if err != nil {
		return time.Time{}, false
	}
	return telemetry.EpochSeconds(secs)
}
