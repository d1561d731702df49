// Package retry runs broker operations under an exponential backoff policy.
//
// ExponentialBackoff is adapted from the retry package of
// github.com/Azure/iot-operations-sdks (go/mqtt/retry).
// Copyright (c) Microsoft Corporation. Licensed under the MIT License.
package retry

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/benbjohnson/clock"

	"climate_monitor/config"
)

// Task is a retryable operation. It reports whether a failure may be retried.
type Task = func(context.Context) (retry bool, err error)

// Policy runs a task until it succeeds, gives up, or ctx ends.
type Policy interface {
	Start(ctx context.Context, name string, task Task) error
}

// ExponentialBackoff retries with exponentially growing intervals and ±5% jitter.
type ExponentialBackoff struct {
	// MaxAttempts caps the number of attempts. 0 retries forever; 1 disables retries.
	MaxAttempts uint64

	// MinInterval is the first wait (before jitter). Defaults to 1/8s.
	MinInterval time.Duration

	// MaxInterval caps the wait (before jitter). Defaults to 30s.
	MaxInterval time.Duration

	// Timeout bounds all attempts together. 0 means no bound.
	Timeout time.Duration

	NoJitter bool

	Logger *slog.Logger

	// Clock defaults to the wall clock.
	Clock clock.Clock
}

// FromConfig builds a policy from a configured retry block.
func FromConfig(cfg config.RetryConfig, log *slog.Logger) *ExponentialBackoff {
	return &ExponentialBackoff{
		MaxAttempts: cfg.Attempts(),
		MinInterval: cfg.MinInterval,
		MaxInterval: cfg.MaxInterval,
		Logger:      log,
	}
}

// Start runs task until it succeeds, returns a non-retryable error, runs out
// of attempts, or ctx is done. It returns the last error seen.
func (e *ExponentialBackoff) Start(ctx context.Context, name string, task Task) error {
	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	log := e.Logger
	if log == nil {
		log = slog.Default()
	}
	clk := e.Clock
	if clk == nil {
		clk = clock.New()
	}

	for attempt := uint64(1); ; attempt++ {
		log.Debug("attempt", "task", name, "attempt", attempt)
		retry, err := task(ctx)
		if err == nil {
			if attempt > 1 {
				log.Info("retry succeeded", "task", name, "attempt", attempt)
			}
			return nil
		}

		interval, ok := e.next(ctx, attempt, retry)
		if !ok {
			log.Warn("giving up", "task", name, "attempt", attempt, "error", err)
			return err
		}
		log.Warn("attempt failed", "task", name, "attempt", attempt, "retry_in", interval, "error", err)

		timer := clk.Timer(interval)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			log.Info("retry aborted", "task", name, "attempt", attempt, "error", ctx.Err())
			return ctx.Err()
		}
	}
}

// next returns the wait before another attempt, or false when the task
// reported a permanent failure, the attempts are used up, or ctx is done.
func (e *ExponentialBackoff) next(ctx context.Context, attempt uint64, retry bool) (time.Duration, bool) {
	if !retry || ctx.Err() != nil {
		return 0, false
	}
	if e.MaxAttempts > 0 && attempt >= e.MaxAttempts {
		return 0, false
	}
	return e.Interval(attempt), true
}

// Interval returns the wait after the given failed attempt.
func (e *ExponentialBackoff) Interval(attempt uint64) time.Duration {
	minInterval := e.MinInterval
	if minInterval == 0 {
		minInterval = time.Second / 8
	}

	maxInterval := e.MaxInterval
	if maxInterval == 0 {
		maxInterval = 30 * time.Second
	}
	if maxInterval < minInterval {
		maxInterval = minInterval
	}

	base := float64(minInterval) * math.Pow(2, float64(attempt-1))
	if base > float64(maxInterval) {
		base = float64(maxInterval)
	}
	if !e.NoJitter {
		// #nosec G404
		base *= .95 + .1*rand.Float64()
	}

	return time.Duration(base)
}
