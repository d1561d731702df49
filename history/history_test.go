package history

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"climate_monitor/config"
	"climate_monitor/database"
	"climate_monitor/telemetry"
)

var t0 = time.Date(2025, 9, 19, 12, 0, 0, 0, time.UTC)

func openDB(t *testing.T, migrate bool) *gorm.DB {
	t.Helper()
	cfg := &config.Config{}
	cfg.Database.Driver = "sqlite"
	cfg.Database.SQLite.Path = filepath.Join(t.TempDir(), "history.db")
	cfg.ApplyDefaults()

	db, err := database.Connect(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close(db) })

	if migrate {
		_, err = database.NewMigrationRunner(db, cfg.Migration.MigrationTable, nil).RunMigrations(context.Background())
		require.NoError(t, err)
	}
	return db
}

func reading(node string, i int) telemetry.Reading {
	return telemetry.Reading{
		NodeID:      node,
		Temperature: float64(i),
		Humidity:    50,
		Position:    telemetry.Position{X: 1, Y: 2},
		Timestamp:   t0.Add(time.Duration(i) * time.Second),
	}
}

func TestAppendWritesReadingAndNodeInfo(t *testing.T) {
	w := New(openDB(t, true))
	ctx := context.Background()

	require.NoError(t, w.Append(ctx, reading("node_001", 1)))

	moved := reading("node_001", 2)
	moved.Position = telemetry.Position{X: 30, Y: 40}
	require.NoError(t, w.Append(ctx, moved))

	n, err := w.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	nodes, err := w.Nodes(ctx)
	require.NoError(t, err)
	require.Len(t, nodes, 1, "node_info is upserted, not duplicated")
	assert.Equal(t, "node_001", nodes[0].NodeID)
	assert.Equal(t, 30.0, nodes[0].PosX)
	assert.Equal(t, 40.0, nodes[0].PosY)
	assert.Equal(t, "online", nodes[0].Status)
	assert.True(t, nodes[0].LastSeen.Equal(moved.Timestamp))
}

// TestConcurrentAppendExactlyOnce checks every reading lands exactly once and
// that each producer's readings keep their order in the log.
func TestConcurrentAppendExactlyOnce(t *testing.T) {
	w := New(openDB(t, true))
	ctx := context.Background()

	const (
		producers = 6
		perNode   = 25
	)

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(node string) {
			defer wg.Done()
			for i := 0; i < perNode; i++ {
				assert.NoError(t, w.Append(ctx, reading(node, i)))
			}
		}(fmt.Sprintf("node_%03d", p))
	}
	wg.Wait()

	n, err := w.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, producers*perNode, n)

	all, err := w.Recent(ctx, time.Time{}, 0)
	require.NoError(t, err)
	require.Len(t, all, producers*perNode)

	next := make(map[string]int)
	for _, r := range all {
		assert.Equal(t, float64(next[r.NodeID]), r.Temperature, "node %s out of order", r.NodeID)
		next[r.NodeID]++
	}
	for node, count := range next {
		assert.Equal(t, perNode, count, node)
	}
}

func TestAppendFailureWrapsStorageWrite(t *testing.T) {
	var observed []error
	w := New(openDB(t, false), WithObserver(func(_ time.Duration, err error) {
		observed = append(observed, err)
	}))

	err := w.Append(context.Background(), reading("node_001", 1))
	assert.ErrorIs(t, err, telemetry.ErrStorageWrite)
	assert.Contains(t, err.Error(), "node_001")
	require.Len(t, observed, 1)
	assert.Error(t, observed[0])
}

func TestAppendRespectsCancelledContext(t *testing.T) {
	w := New(openDB(t, true), WithWriteTimeout(time.Second))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := w.Append(ctx, reading("node_001", 1))
	assert.ErrorIs(t, err, telemetry.ErrStorageWrite)

	n, err := w.Count(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRecentFiltersAndLimitsPerNode(t *testing.T) {
	w := New(openDB(t, true))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, w.Append(ctx, reading("A", i)))
		require.NoError(t, w.Append(ctx, reading("B", i)))
	}

	since, err := w.Recent(ctx, t0.Add(2*time.Second), 0)
	require.NoError(t, err)
	assert.Len(t, since, 4)

	limited, err := w.Recent(ctx, time.Time{}, 2)
	require.NoError(t, err)
	require.Len(t, limited, 4)
	assert.Equal(t, "A", limited[0].NodeID)
	assert.Equal(t, 3.0, limited[0].Temperature)
	assert.Equal(t, "B", limited[3].NodeID)
	assert.Equal(t, 4.0, limited[3].Temperature)
	assert.Equal(t, telemetry.Position{X: 1, Y: 2}, limited[0].Position)
}

func TestAppendBatch(t *testing.T) {
	w := New(openDB(t, true))
	ctx := context.Background()

	written, err := w.AppendBatch(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, written)

	var batch []telemetry.Reading
	for i := 0; i < 1500; i++ {
		batch = append(batch, reading("node_002", i))
	}
	written, err = w.AppendBatch(ctx, batch)
	require.NoError(t, err)
	assert.Equal(t, 1500, written)

	nodes, err := w.Nodes(ctx)
	require.NoError(t, err)
	assert.Empty(t, nodes, "backfill leaves node_info alone")
}
