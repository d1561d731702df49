// Package transport receives sensor messages from an MQTT broker.
//
// A Listener owns one broker connection, subscribes to every configured topic
// filter on each successful connect, and hands each inbound message to a
// bounded channel without ever blocking the client's read loop. When the
// channel is full the message is dropped and counted.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"climate_monitor/config"
	"climate_monitor/retry"
)

// Message is one publication received from the broker.
type Message struct {
	Topic      string
	Payload    []byte
	ReceivedAt time.Time
}

// Listener is a broker subscription feeding Messages.
type Listener interface {
	// Start connects, subscribes and blocks until ctx is done or Stop is
	// called. It returns an error only when connecting is given up on.
	// Messages is closed when Start returns.
	Start(ctx context.Context) error
	// Messages delivers inbound messages in arrival order.
	Messages() <-chan Message
	// Stop unsubscribes, disconnects and waits for Start to return.
	Stop()
	// Connected reports whether the broker connection is currently up.
	Connected() bool
}

// Recorder observes transport events. *metrics.Metrics implements it.
type Recorder interface {
	MessageReceived()
	MessageDropped()
	SetBrokerConnected(up bool)
}

type nopRecorder struct{}

func (nopRecorder) MessageReceived()        {}
func (nopRecorder) MessageDropped()         {}
func (nopRecorder) SetBrokerConnected(bool) {}

type options struct {
	log      *slog.Logger
	recorder Recorder
	clock    clock.Clock
}

// Option configures a Listener.
type Option func(*options)

// WithLogger sets the listener logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.log = l }
}

// WithRecorder reports received and dropped messages and connection state.
func WithRecorder(r Recorder) Option {
	return func(o *options) {
		if r != nil {
			o.recorder = r
		}
	}
}

// WithClock overrides the clock used to stamp ReceivedAt.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// New returns the listener implementation selected by cfg.Protocol.
func New(cfg config.BrokerConfig, opts ...Option) (Listener, error) {
	o := options{
		log:      slog.Default(),
		recorder: nopRecorder{},
		clock:    clock.New(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	if cfg.ClientID == "" {
		cfg.ClientID = ClientID()
	}
	o.log = o.log.With("component", "transport", "broker", fmt.Sprintf("%s:%d", cfg.Host, cfg.Port))

	switch cfg.Protocol {
	case "", "v3":
		return newV3(cfg, o), nil
	case "v5":
		return newV5(cfg, o), nil
	default:
		return nil, fmt.Errorf("unsupported broker protocol: %s", cfg.Protocol)
	}
}

// ClientID returns a random client identifier for this process.
func ClientID() string {
	return "climate-monitor-" + uuid.NewString()
}

// handoff is the bounded queue between the broker client and the pipeline.
type handoff struct {
	ch       chan Message
	mu       sync.RWMutex
	closed   bool
	recorder Recorder
	clock    clock.Clock
	log      *slog.Logger
}

func newHandoff(size int, o options) *handoff {
	if size < 1 {
		size = 1
	}
	return &handoff{
		ch:       make(chan Message, size),
		recorder: o.recorder,
		clock:    o.clock,
		log:      o.log,
	}
}

// deliver enqueues without blocking. It reports false when the message was dropped.
func (h *handoff) deliver(topic string, payload []byte) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return false
	}
	h.recorder.MessageReceived()

	msg := Message{
		Topic:      topic,
		Payload:    append([]byte(nil), payload...),
		ReceivedAt: h.clock.Now(),
	}
	select {
	case h.ch <- msg:
		return true
	default:
		h.recorder.MessageDropped()
		h.log.Warn("handoff buffer full, dropping message", "topic", topic, "capacity", cap(h.ch))
		return false
	}
}

func (h *handoff) close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.closed {
		h.closed = true
		close(h.ch)
	}
}

// lifecycle gives Start/Stop their shared cancel-and-wait semantics.
// A Stop that arrives before Start makes Start return immediately.
type lifecycle struct {
	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
}

func (lc *lifecycle) begin(ctx context.Context) (context.Context, error) {
	lc.mu.Lock()
	defer lc.mu.Unlock()

	if lc.done != nil {
		return nil, fmt.Errorf("listener already started")
	}
	ctx, lc.cancel = context.WithCancel(ctx)
	lc.done = make(chan struct{})
	if lc.stopped {
		lc.cancel()
	}
	return ctx, nil
}

func (lc *lifecycle) end() {
	lc.mu.Lock()
	defer lc.mu.Unlock()
	lc.cancel()
	close(lc.done)
}

func (lc *lifecycle) stop() {
	lc.mu.Lock()
	lc.stopped = true
	cancel, done := lc.cancel, lc.done
	lc.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// subscribeAll subscribes to every filter, each under the subscribe policy.
// Failures are logged and skipped so one bad filter does not block the rest.
func subscribeAll(ctx context.Context, log *slog.Logger, policy retry.Policy, topics []string,
	subscribe func(ctx context.Context, topic string) error) int {
	ok := 0
	for _, topic := range topics {
		err := policy.Start(ctx, "subscribe "+topic, func(ctx context.Context) (bool, error) {
			if err := subscribe(ctx, topic); err != nil {
				return true, err
			}
			return false, nil
		})
		if err != nil {
			log.Error("subscribe failed", "topic", topic, "error", err)
			continue
		}
		log.Info("subscribed", "topic", topic)
		ok++
	}
	return ok
}

// MatchTopic reports whether an MQTT topic name matches a topic filter,
// honoring the '+' single-level and '#' multi-level wildcards.
func MatchTopic(filter, topic string) bool {
	filters := strings.Split(filter, "/")
	names := strings.Split(topic, "/")

	for i, f := range filters {
		if f == "#" {
			return i == len(filters)-1
		}
		if i >= len(names) {
			return false
		}
		if f == "+" {
			continue
		}
		if f != names[i] {
			return false
		}
	}
	return len(filters) == len(names)
}
