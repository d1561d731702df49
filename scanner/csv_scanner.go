package scanner

import (
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/relvacode/iso8601"

	"climate_monitor/telemetry"
)

// BatchAppender writes historical readings to the durable log.
// Implemented by *history.Writer.
type BatchAppender interface {
	AppendBatch(ctx context.Context, readings []telemetry.Reading) (int, error)
}

// CSVScanner backfills the durable log from exported CSV files with columns
// timestamp,node_id,temperature,humidity[,pos_x,pos_y].
type CSVScanner struct {
	log         BatchAppender
	logger      *slog.Logger
	workerCount int
	allow       telemetry.AllowList
}

// FileJob represents a CSV file to be processed
type FileJob struct {
	FilePath string
	FileName string
}

// ProcessResult contains the result of processing a CSV file
type ProcessResult struct {
	FilePath    string
	RecordCount int
	ErrorCount  int
	Skipped     int
	Duration    time.Duration
	Error       error
}

// Summary totals a directory import.
type Summary struct {
	Files       int
	Failed      int
	Records     int
	ParseErrors int
	Skipped     int
	Duration    time.Duration
	Results     []ProcessResult
}

// NewCSVScanner creates a new CSV scanner
func NewCSVScanner(log BatchAppender, logger *slog.Logger) *CSVScanner {
	workerCount := runtime.NumCPU()
	if workerCount > 8 {
		workerCount = 8
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &CSVScanner{
		log:         log,
		logger:      logger,
		workerCount: workerCount,
	}
}

// SetWorkerCount sets the number of parallel workers
func (cs *CSVScanner) SetWorkerCount(count int) {
	if count > 0 {
		cs.workerCount = count
	}
}

// SetAllowList skips rows from nodes outside the list. Empty admits all.
func (cs *CSVScanner) SetAllowList(a telemetry.AllowList) {
	cs.allow = a
}

// ScanDirectory imports every CSV file in directoryPath (non-recursive) in parallel.
func (cs *CSVScanner) ScanDirectory(ctx context.Context, directoryPath string) (Summary, error) {
	cs.logger.Info("scanning directory", "path", directoryPath)

	info, err := os.Stat(directoryPath)
	if err != nil {
		return Summary{}, fmt.Errorf("directory does not exist: %s", directoryPath)
	}
	if !info.IsDir() {
		return Summary{}, fmt.Errorf("not a directory: %s", directoryPath)
	}

	csvFiles, err := cs.findCSVFiles(directoryPath)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to find CSV files: %w", err)
	}

	if len(csvFiles) == 0 {
		cs.logger.Info("no CSV files found in the directory")
		return Summary{}, nil
	}

	cs.logger.Info("found CSV files", "count", len(csvFiles), "workers", cs.workerCount)

	summary := summarize(cs.processFilesParallel(ctx, csvFiles))
	cs.logSummary(summary)
	return summary, nil
}

// findCSVFiles finds all CSV files in the specified directory (non-recursive)
func (cs *CSVScanner) findCSVFiles(directoryPath string) ([]FileJob, error) {
	entries, err := os.ReadDir(directoryPath)
	if err != nil {
		return nil, err
	}

	var csvFiles []FileJob
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.ToLower(filepath.Ext(entry.Name())) == ".csv" {
			csvFiles = append(csvFiles, FileJob{
				FilePath: filepath.Join(directoryPath, entry.Name()),
				FileName: entry.Name(),
			})
		}
	}
	return csvFiles, nil
}

// processFilesParallel processes CSV files in parallel using worker goroutines
func (cs *CSVScanner) processFilesParallel(ctx context.Context, files []FileJob) []ProcessResult {
	jobs := make(chan FileJob, len(files))
	results := make(chan ProcessResult, len(files))

	var wg sync.WaitGroup
	for i := 0; i < cs.workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				results <- cs.processCSVFile(ctx, job)
			}
		}()
	}

	for _, file := range files {
		jobs <- file
	}
	close(jobs)

	go func() {
		wg.Wait()
		close(results)
	}()

	var all []ProcessResult
	for result := range results {
		all = append(all, result)
	}
	return all
}

// processCSVFile processes a single CSV file
func (cs *CSVScanner) processCSVFile(ctx context.Context, job FileJob) ProcessResult {
	start := time.Now()
	result := ProcessResult{FilePath: job.FilePath}
	defer func() { result.Duration = time.Since(start) }()

	if err := ctx.Err(); err != nil {
		result.Error = err
		return result
	}

	cs.logger.Debug("processing file", "file", job.FileName)

	file, err := os.Open(job.FilePath)
	if err != nil {
		result.Error = fmt.Errorf("failed to open file: %w", err)
		return result
	}
	defer file.Close()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	records, err := reader.ReadAll()
	if err != nil {
		result.Error = fmt.Errorf("failed to read CSV: %w", err)
		return result
	}
	if len(records) == 0 {
		result.Error = fmt.Errorf("empty CSV file")
		return result
	}

	readings, errorCount, skipped := cs.parseCSVRecords(records, job.FileName)
	result.ErrorCount = errorCount
	result.Skipped = skipped

	if len(readings) > 0 {
		written, err := cs.log.AppendBatch(ctx, readings)
		result.RecordCount = written
		if err != nil {
			result.Error = fmt.Errorf("failed to insert data: %w", err)
			return result
		}
	}

	cs.logger.Info("file imported", "file", job.FileName,
		"records", result.RecordCount, "errors", result.ErrorCount, "skipped", result.Skipped)
	return result
}

// parseCSVRecords converts rows to readings, counting rows it cannot parse
// and rows from nodes outside the allow-list.
func (cs *CSVScanner) parseCSVRecords(records [][]string, fileName string) ([]telemetry.Reading, int, int) {
	var readings []telemetry.Reading
	var errorCount, skipped int

	startRow := 0
	if isHeaderRow(records[0]) {
		startRow = 1
	}

	for i := startRow; i < len(records); i++ {
		record := records[i]
		if len(record) == 0 || (len(record) == 1 && strings.TrimSpace(record[0]) == "") {
			continue
		}

		r, err := parseRow(record)
		if err != nil {
			errorCount++
			cs.logger.Warn("invalid row", "file", fileName, "row", i+1, "error", err)
			continue
		}
		if !cs.allow.Allows(r.NodeID) {
			skipped++
			continue
		}
		readings = append(readings, r)
	}
	return readings, errorCount, skipped
}

func parseRow(record []string) (telemetry.Reading, error) {
	if len(record) < 4 {
		return telemetry.Reading{}, fmt.Errorf("expected at least 4 columns, got %d", len(record))
	}
	field := func(i int) string { return strings.TrimSpace(record[i]) }

	ts, err := parseTimestamp(field(0))
	if err != nil {
		return telemetry.Reading{}, err
	}

	r := telemetry.Reading{NodeID: field(1), Timestamp: ts}
	if r.NodeID == "" {
		return telemetry.Reading{}, fmt.Errorf("empty node id")
	}

	if r.Temperature, err = strconv.ParseFloat(field(2), 64); err != nil {
		return telemetry.Reading{}, fmt.Errorf("invalid temperature %q", field(2))
	}
	if r.Humidity, err = strconv.ParseFloat(field(3), 64); err != nil {
		return telemetry.Reading{}, fmt.Errorf("invalid humidity %q", field(3))
	}

	if len(record) >= 6 && field(4) != "" && field(5) != "" {
		if r.Position.X, err = strconv.ParseFloat(field(4), 64); err != nil {
			return telemetry.Reading{}, fmt.Errorf("invalid pos_x %q", field(4))
		}
		if r.Position.Y, err = strconv.ParseFloat(field(5), 64); err != nil {
			return telemetry.Reading{}, fmt.Errorf("invalid pos_y %q", field(5))
		}
	}
	return r, nil
}

// parseTimestamp accepts Unix seconds, ISO-8601 and "2006-01-02 15:04:05".
func parseTimestamp(s string) (time.Time, error) {
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		if t, ok := telemetry.EpochSeconds(secs); ok {
			return t.UTC(), nil
		}
		return time.Time{}, fmt.Errorf("timestamp out of range: %s", s)
	}
	if t, err := iso8601.ParseString(s); err == nil {
		return t.UTC(), nil
	}
	if t, err := time.Parse(time.DateTime, s); err == nil {
		return t.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("invalid timestamp format: %s", s)
}

// isHeaderRow checks if the first row is likely a header
func isHeaderRow(row []string) bool {
	if len(row) == 0 {
		return false
	}
	first := strings.ToLower(strings.TrimSpace(row[0]))
	for _, word := range []string{"timestamp", "time", "date", "datetime", "ts"} {
		if first == word {
			return true
		}
	}
	_, err := parseTimestamp(strings.TrimSpace(row[0]))
	return err != nil
}

func summarize(results []ProcessResult) Summary {
	s := Summary{Files: len(results), Results: results}
	for _, r := range results {
		if r.Error != nil {
			s.Failed++
		}
		s.Records += r.RecordCount
		s.ParseErrors += r.ErrorCount
		s.Skipped += r.Skipped
		s.Duration += r.Duration
	}
	return s
}

// logSummary logs a summary of the processing results
func (cs *CSVScanner) logSummary(s Summary) {
	for _, r := range s.Results {
		if r.Error != nil {
			cs.logger.Error("file failed", "file", filepath.Base(r.FilePath), "error", r.Error)
		}
	}
	cs.logger.Info("import summary",
		"files", s.Files,
		"successful", s.Files-s.Failed,
		"failed", s.Failed,
		"records", s.Records,
		"parse_errors", s.ParseErrors,
		"skipped", s.Skipped,
		"duration", s.Duration)
}
