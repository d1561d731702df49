package transport

import (
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"climate_monitor/config"
)

type countingRecorder struct {
	received atomic.Int64
	dropped  atomic.Int64
	up       atomic.Bool
}

func (r *countingRecorder) MessageReceived()           { r.received.Add(1) }
func (r *countingRecorder) MessageDropped()            { r.dropped.Add(1) }
func (r *countingRecorder) SetBrokerConnected(up bool) { r.up.Store(up) }

var quiet = slog.New(slog.DiscardHandler)

func TestMatchTopic(t *testing.T) {
	tests := []struct {
		filter, topic string
		want          bool
	}{
		{"a/b/c", "a/b/c", true},
		{"a/b/c", "a/b/d", false},
		{"a/b", "a/b/c", false},
		{"a/+/c", "a/b/c", true},
		{"a/+/c", "a/b/x/c", false},
		{"a/+", "a", false},
		{"Informatika/IoT-E/Kelompok9/multi_node/+", "Informatika/IoT-E/Kelompok9/multi_node/node_001", true},
		{"a/#", "a", true},
		{"a/#", "a/b/c", true},
		{"#", "anything/at/all", true},
		{"a/#/c", "a/b/c", false},
		{"+/+", "a/b", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, MatchTopic(tt.filter, tt.topic), "%s vs %s", tt.filter, tt.topic)
	}
}

func TestHandoffDropsWhenFull(t *testing.T) {
	rec := &countingRecorder{}
	mock := clock.NewMock()
	h := newHandoff(2, options{log: quiet, recorder: rec, clock: mock})

	payload := []byte(`{"t":1}`)
	assert.True(t, h.deliver("a", payload))
	assert.True(t, h.deliver("b", payload))
	assert.False(t, h.deliver("c", payload), "third message exceeds capacity")

	payload[0] = 'X'
	first := <-h.ch
	assert.Equal(t, "a", first.Topic)
	assert.Equal(t, `{"t":1}`, string(first.Payload), "payload is copied")
	assert.Equal(t, mock.Now(), first.ReceivedAt)

	assert.EqualValues(t, 3, rec.received.Load())
	assert.EqualValues(t, 1, rec.dropped.Load())
}

func TestHandoffCloseIsIdempotent(t *testing.T) {
	h := newHandoff(1, options{log: quiet, recorder: nopRecorder{}, clock: clock.New()})
	h.close()
	h.close()

	assert.False(t, h.deliver("a", nil), "deliver after close is a no-op")
	_, ok := <-h.ch
	assert.False(t, ok)
}

func TestHandoffNeverBlocks(t *testing.T) {
	h := newHandoff(1, options{log: quiet, recorder: nopRecorder{}, clock: clock.New()})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			h.deliver("a", nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("deliver blocked on a full buffer")
	}
}

func TestNewSelectsProtocol(t *testing.T) {
	cfg := config.BrokerConfig{Host: "localhost", Port: 1883, HandoffBuffer: 4}

	l, err := New(cfg, WithLogger(quiet))
	require.NoError(t, err)
	assert.IsType(t, &v3Listener{}, l)
	assert.True(t, strings.HasPrefix(l.(*v3Listener).cfg.ClientID, "climate-monitor-"))

	cfg.Protocol = "v5"
	cfg.ClientID = "fixed"
	l, err = New(cfg, WithLogger(quiet))
	require.NoError(t, err)
	assert.IsType(t, &v5Listener{}, l)
	assert.Equal(t, "fixed", l.(*v5Listener).cfg.ClientID)
	assert.Equal(t, 4, cap(l.Messages()))

	cfg.Protocol = "v4"
	_, err = New(cfg)
	assert.Error(t, err)
}

func TestClientIDIsUnique(t *testing.T) {
	assert.NotEqual(t, ClientID(), ClientID())
}
