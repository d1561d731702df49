package scanner

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"climate_monitor/config"
	"climate_monitor/database"
	"climate_monitor/history"
	"climate_monitor/telemetry"
)

type memoryLog struct {
	mu       sync.Mutex
	readings []telemetry.Reading
	err      error
}

func (m *memoryLog) AppendBatch(_ context.Context, readings []telemetry.Reading) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	m.readings = append(m.readings, readings...)
	return len(readings), nil
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func newScanner(log BatchAppender) *CSVScanner {
	return NewCSVScanner(log, slog.New(slog.DiscardHandler))
}

func TestParseTimestamp(t *testing.T) {
	want := time.Date(2025, 9, 19, 10, 30, 0, 0, time.UTC)
	for _, s := range []string{
		"2025-09-19T10:30:00Z",
		"2025-09-19T10:30:00",
		"2025-09-19 10:30:00",
		"1758277800",
	} {
		got, err := parseTimestamp(s)
		require.NoError(t, err, s)
		assert.True(t, want.Equal(got), "%s: got %v", s, got)
	}

	for _, bad := range []string{"yesterday", "1757000000000", "1e20", "-1"} {
		_, err := parseTimestamp(bad)
		assert.Error(t, err, bad)
	}
}

func TestIsHeaderRow(t *testing.T) {
	assert.True(t, isHeaderRow([]string{"timestamp", "node_id", "temperature", "humidity"}))
	assert.True(t, isHeaderRow([]string{"Time", "node"}))
	assert.False(t, isHeaderRow([]string{"2025-09-19 10:30:00", "node_001", "25", "60"}))
	assert.False(t, isHeaderRow(nil))
}

func TestParseRow(t *testing.T) {
	r, err := parseRow([]string{"1758277800", "node_001", "25.5", "61", "10", "20"})
	require.NoError(t, err)
	assert.Equal(t, "node_001", r.NodeID)
	assert.Equal(t, 25.5, r.Temperature)
	assert.Equal(t, 61.0, r.Humidity)
	assert.Equal(t, telemetry.Position{X: 10, Y: 20}, r.Position)

	r, err = parseRow([]string{"1758277800", "node_002", "20", "40"})
	require.NoError(t, err)
	assert.Equal(t, telemetry.Position{}, r.Position)

	for _, bad := range [][]string{
		{"1758277800", "node_001", "25"},
		{"1758277800", "", "25", "60"},
		{"1758277800", "node_001", "hot", "60"},
		{"1758277800", "node_001", "25", "wet"},
		{"1758277800", "node_001", "25", "60", "left", "1"},
		{"later", "node_001", "25", "60"},
	} {
		_, err := parseRow(bad)
		assert.Error(t, err, "%v", bad)
	}
}

func TestScanDirectoryImportsAllFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.csv", "timestamp,node_id,temperature,humidity,pos_x,pos_y\n"+
		"2025-09-19 10:00:00,node_001,25,60,10,20\n"+
		"2025-09-19 10:00:05,node_001,25.5,61,10,20\n")
	writeFile(t, dir, "b.CSV", "1758276000,node_002,19,45\n"+
		"not-a-time,node_002,19,45\n"+
		"1758276005,node_002,19.5,46\n")
	writeFile(t, dir, "notes.txt", "ignored")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested"), 0o755))
	writeFile(t, filepath.Join(dir, "nested"), "c.csv", "1758276000,node_003,1,1\n")

	log := &memoryLog{}
	sc := newScanner(log)
	sc.SetWorkerCount(2)

	summary, err := sc.ScanDirectory(context.Background(), dir)
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Files)
	assert.Equal(t, 0, summary.Failed)
	assert.Equal(t, 4, summary.Records)
	assert.Equal(t, 1, summary.ParseErrors)
	assert.Len(t, log.readings, 4)
}

func TestScanDirectoryAllowList(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.csv", "1758276000,node_001,25,60\n1758276000,node_999,25,60\n")

	log := &memoryLog{}
	sc := newScanner(log)
	sc.SetAllowList(telemetry.NewAllowList([]string{"node_001"}))

	summary, err := sc.ScanDirectory(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Records)
	assert.Equal(t, 1, summary.Skipped)
	require.Len(t, log.readings, 1)
	assert.Equal(t, "node_001", log.readings[0].NodeID)
}

func TestScanDirectoryReportsFailures(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "empty.csv", "")
	writeFile(t, dir, "ok.csv", "1758276000,node_001,25,60\n")

	sc := newScanner(&memoryLog{err: errors.New("disk full")})
	summary, err := sc.ScanDirectory(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Files)
	assert.Equal(t, 2, summary.Failed)
	assert.Equal(t, 0, summary.Records)
}

func TestScanDirectoryRejectsMissingPath(t *testing.T) {
	sc := newScanner(&memoryLog{})

	_, err := sc.ScanDirectory(context.Background(), filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)

	file := filepath.Join(t.TempDir(), "a.csv")
	require.NoError(t, os.WriteFile(file, nil, 0o644))
	_, err = sc.ScanDirectory(context.Background(), file)
	assert.Error(t, err)
}

func TestScanDirectoryEmpty(t *testing.T) {
	summary, err := newScanner(&memoryLog{}).ScanDirectory(context.Background(), t.TempDir())
	require.NoError(t, err)
	assert.Zero(t, summary.Files)
}

func TestScanDirectoryIntoSQLite(t *testing.T) {
	cfg := &config.Config{}
	cfg.Database.Driver = "sqlite"
	cfg.Database.SQLite.Path = filepath.Join(t.TempDir(), "import.db")
	cfg.ApplyDefaults()

	db, err := database.Connect(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { database.Close(db) })
	_, err = database.NewMigrationRunner(db, cfg.Migration.MigrationTable, nil).RunMigrations(context.Background())
	require.NoError(t, err)

	dir := t.TempDir()
	writeFile(t, dir, "a.csv", "timestamp,node_id,temperature,humidity\n"+
		"2025-09-19T10:00:00Z,node_001,25,60\n"+
		"2025-09-19T10:00:05Z,node_002,26,61\n")

	w := history.New(db)
	summary, err := newScanner(w).ScanDirectory(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Records)

	n, err := w.Count(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)
}

func TestGeneratedFilesRoundTrip(t *testing.T) {
	gen := Generator{
		Nodes: []string{"node_001", "node_002"},
		Start: time.Date(2025, 9, 19, 0, 0, 0, 0, time.UTC),
		Step:  5 * time.Minute,
		Count: 12,
		Position: func(node int) telemetry.Position {
			return telemetry.Position{X: float64(node * 10), Y: 5}
		},
	}
	readings := gen.Readings(rand.New(rand.NewSource(1)))
	require.Len(t, readings, 24)
	for _, r := range readings {
		assert.GreaterOrEqual(t, r.Humidity, 0.0)
		assert.LessOrEqual(t, r.Humidity, 100.0)
	}

	dir := t.TempDir()
	f, err := os.Create(filepath.Join(dir, "generated.csv"))
	require.NoError(t, err)
	require.NoError(t, WriteCSV(f, readings))
	require.NoError(t, f.Close())

	log := &memoryLog{}
	summary, err := newScanner(log).ScanDirectory(context.Background(), dir)
	require.NoError(t, err)
	assert.Equal(t, 24, summary.Records)
	assert.Zero(t, summary.ParseErrors)
	assert.Equal(t, readings, log.readings)
}
