// Package history appends accepted readings to the durable log and reads them back.
package history

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"climate_monitor/models"
	"climate_monitor/telemetry"
)

// DefaultWriteTimeout bounds a single durable write when none is configured.
const DefaultWriteTimeout = 5 * time.Second

// batchSize is the insert batch used by AppendBatch.
const batchSize = 1000

// Observer receives the duration and outcome of every durable write.
type Observer func(d time.Duration, err error)

// Writer is the durable log. Writes are serialized; reads are not.
type Writer struct {
	db           *gorm.DB
	mu           sync.Mutex
	writeTimeout time.Duration
	observe      Observer
}

// Option configures a Writer.
type Option func(*Writer)

// WithWriteTimeout bounds each Append.
func WithWriteTimeout(d time.Duration) Option {
	return func(w *Writer) {
		if d > 0 {
			w.writeTimeout = d
		}
	}
}

// WithObserver reports write latency, used for metrics.
func WithObserver(o Observer) Option {
	return func(w *Writer) { w.observe = o }
}

// New creates a writer on db. The schema must already exist.
func New(db *gorm.DB, opts ...Option) *Writer {
	w := &Writer{
		db:           db,
		writeTimeout: DefaultWriteTimeout,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

func toRecord(r telemetry.Reading) models.ClimateReading {
	return models.ClimateReading{
		NodeID:      r.NodeID,
		Timestamp:   r.Timestamp.UTC(),
		Temperature: r.Temperature,
		Humidity:    r.Humidity,
		PosX:        r.Position.X,
		PosY:        r.Position.Y,
	}
}

func toReading(rec models.ClimateReading) telemetry.Reading {
	return telemetry.Reading{
		NodeID:      rec.NodeID,
		Temperature: rec.Temperature,
		Humidity:    rec.Humidity,
		Position:    telemetry.Position{X: rec.PosX, Y: rec.PosY},
		Timestamp:   rec.Timestamp,
	}
}

// Append durably records one reading: a climate_data row plus the node_info
// upsert, in one transaction. The error wraps telemetry.ErrStorageWrite.
func (w *Writer) Append(ctx context.Context, r telemetry.Reading) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, w.writeTimeout)
	defer cancel()

	start := time.Now()
	err := w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec := toRecord(r)
		if err := tx.Create(&rec).Error; err != nil {
			return err
		}
		return upsertNode(tx, r)
	})
	if w.observe != nil {
		w.observe(time.Since(start), err)
	}
	if err != nil {
		return fmt.Errorf("%w: node %s: %v", telemetry.ErrStorageWrite, r.NodeID, err)
	}
	return nil
}

func upsertNode(tx *gorm.DB, r telemetry.Reading) error {
	info := models.NodeInfo{
		NodeID:   r.NodeID,
		PosX:     r.Position.X,
		PosY:     r.Position.Y,
		Status:   telemetry.Online.String(),
		LastSeen: r.Timestamp.UTC(),
	}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "node_id"}},
		UpdateAll: true,
	}).Create(&info).Error
}

// AppendBatch inserts historical readings without touching node_info.
// It returns how many rows were written before any error.
func (w *Writer) AppendBatch(ctx context.Context, readings []telemetry.Reading) (int, error) {
	if len(readings) == 0 {
		return 0, nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	written := 0
	for i := 0; i < len(readings); i += batchSize {
		end := min(i+batchSize, len(readings))

		batch := make([]models.ClimateReading, 0, end-i)
		for _, r := range readings[i:end] {
			batch = append(batch, toRecord(r))
		}
		if err := w.db.WithContext(ctx).CreateInBatches(batch, batchSize).Error; err != nil {
			return written, fmt.Errorf("%w: batch at row %d: %v", telemetry.ErrStorageWrite, i, err)
		}
		written += len(batch)
	}
	return written, nil
}

// Recent returns readings with a timestamp after since, in insertion order.
// perNode > 0 keeps only the newest perNode readings of each node.
func (w *Writer) Recent(ctx context.Context, since time.Time, perNode int) ([]telemetry.Reading, error) {
	var rows []models.ClimateReading
	err := w.db.WithContext(ctx).
		Where("timestamp > ?", since.UTC()).
		Order("id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load recent readings: %w", err)
	}

	if perNode > 0 {
		rows = lastPerNode(rows, perNode)
	}

	out := make([]telemetry.Reading, 0, len(rows))
	for _, rec := range rows {
		out = append(out, toReading(rec))
	}
	return out, nil
}

// lastPerNode keeps the trailing n rows of each node, preserving order.
func lastPerNode(rows []models.ClimateReading, n int) []models.ClimateReading {
	seen := make(map[string]int)
	keep := make([]bool, len(rows))
	for i := len(rows) - 1; i >= 0; i-- {
		id := rows[i].NodeID
		if seen[id] < n {
			seen[id]++
			keep[i] = true
		}
	}
	out := rows[:0]
	for i, rec := range rows {
		if keep[i] {
			out = append(out, rec)
		}
	}
	return out
}

// Count returns the number of readings in the log.
func (w *Writer) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := w.db.WithContext(ctx).Model(&models.ClimateReading{}).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("failed to count readings: %w", err)
	}
	return n, nil
}

// Nodes returns every node_info row ordered by node id.
func (w *Writer) Nodes(ctx context.Context) ([]models.NodeInfo, error) {
	var nodes []models.NodeInfo
	if err := w.db.WithContext(ctx).Order("node_id ASC").Find(&nodes).Error; err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	return nodes, nil
}
