// Package ingest wires decoded broker messages into the node store and the
// durable log.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"climate_monitor/telemetry"
	"climate_monitor/transport"
)

// Decoder turns a raw message into a reading.
type Decoder interface {
	Decode(topic string, raw []byte) (telemetry.Reading, error)
}

// Applier holds the in-memory node state.
type Applier interface {
	Apply(r telemetry.Reading)
}

// Appender is the durable log.
type Appender interface {
	Append(ctx context.Context, r telemetry.Reading) error
}

// Recorder counts message outcomes. *metrics.Metrics implements it.
type Recorder interface {
	ReadingAccepted()
	ReadingRejected(err error)
	ReadingFiltered()
}

type nopRecorder struct{}

func (nopRecorder) ReadingAccepted()      {}
func (nopRecorder) ReadingRejected(error) {}
func (nopRecorder) ReadingFiltered()      {}

// Outcome classifies what happened to one message.
type Outcome int

const (
	Accepted Outcome = iota
	Filtered
	Rejected
)

// Result reports the handling of one message. Err is set for Filtered and
// Rejected outcomes, and for Accepted readings whose durable write failed.
type Result struct {
	Outcome Outcome
	Reading telemetry.Reading
	Err     error
}

// Stats are running totals since the pipeline was created.
type Stats struct {
	Accepted      int64
	Filtered      int64
	Rejected      int64
	StorageErrors int64
}

// Pipeline decodes messages and applies accepted readings.
// Handle is safe for concurrent use.
type Pipeline struct {
	decoder  Decoder
	store    Applier
	history  Appender
	recorder Recorder
	log      *slog.Logger
	workers  int

	accepted      atomic.Int64
	filtered      atomic.Int64
	rejected      atomic.Int64
	storageErrors atomic.Int64
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithHistory enables durable writes of accepted readings.
func WithHistory(a Appender) Option {
	return func(p *Pipeline) { p.history = a }
}

// WithRecorder reports outcomes to metrics.
func WithRecorder(r Recorder) Option {
	return func(p *Pipeline) {
		if r != nil {
			p.recorder = r
		}
	}
}

// WithLogger sets the pipeline logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.log = l }
}

// WithWorkers sets how many messages are handled concurrently. One worker
// preserves arrival order across all nodes.
func WithWorkers(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.workers = n
		}
	}
}

// New creates a pipeline feeding store from decoder.
func New(decoder Decoder, store Applier, opts ...Option) *Pipeline {
	p := &Pipeline{
		decoder:  decoder,
		store:    store,
		recorder: nopRecorder{},
		log:      slog.Default(),
		workers:  1,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run handles messages with the configured number of workers until msgs is
// closed or ctx is done, then waits for in-flight messages to finish.
func (p *Pipeline) Run(ctx context.Context, msgs <-chan transport.Message) error {
	p.log.Info("ingest pipeline started", "workers", p.workers)

	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.worker(ctx, msgs)
		}()
	}
	wg.Wait()

	s := p.Stats()
	p.log.Info("ingest pipeline stopped",
		"accepted", s.Accepted, "filtered", s.Filtered,
		"rejected", s.Rejected, "storage_errors", s.StorageErrors)
	return nil
}

func (p *Pipeline) worker(ctx context.Context, msgs <-chan transport.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			p.Handle(ctx, msg)
		}
	}
}

// Handle processes one message: decode, apply to the store, append to the
// durable log. A storage failure is logged and counted but the in-memory
// update stands. No failure here ever stops the pipeline.
func (p *Pipeline) Handle(ctx context.Context, msg transport.Message) (res Result) {
	defer func() {
		if rec := recover(); rec != nil {
			err := fmt.Errorf("panic handling message on %s: %v", msg.Topic, rec)
			p.log.Error("recovered from panic", "topic", msg.Topic, "panic", rec)
			p.rejected.Add(1)
			p.recorder.ReadingRejected(err)
			res = Result{Outcome: Rejected, Err: err}
		}
	}()

	r, err := p.decoder.Decode(msg.Topic, msg.Payload)
	if err != nil {
		if errors.Is(err, telemetry.ErrNodeNotAllowed) {
			p.filtered.Add(1)
			p.recorder.ReadingFiltered()
			p.log.Debug("message filtered", "topic", msg.Topic, "error", err)
			return Result{Outcome: Filtered, Err: err}
		}
		p.rejected.Add(1)
		p.recorder.ReadingRejected(err)
		p.log.Warn("message rejected", "topic", msg.Topic, "reason", telemetry.Reason(err), "error", err)
		return Result{Outcome: Rejected, Err: err}
	}

	p.store.Apply(r)
	p.accepted.Add(1)
	p.recorder.ReadingAccepted()
	p.log.Debug("reading accepted", "node_id", r.NodeID,
		"temperature", r.Temperature, "humidity", r.Humidity)

	if p.history != nil {
		if err := p.history.Append(ctx, r); err != nil {
			p.storageErrors.Add(1)
			p.log.Error("durable write failed", "node_id", r.NodeID, "error", err)
			return Result{Outcome: Accepted, Reading: r, Err: err}
		}
	}
	return Result{Outcome: Accepted, Reading: r}
}

// Stats returns the running outcome totals.
func (p *Pipeline) Stats() Stats {
	return Stats{
		Accepted:      p.accepted.Load(),
		Filtered:      p.filtered.Load(),
		Rejected:      p.rejected.Load(),
		StorageErrors: p.storageErrors.Load(),
	}
}
