package liveness

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"climate_monitor/store"
	"climate_monitor/telemetry"
)

var t0 = time.Date(2025, 9, 19, 12, 0, 0, 0, time.UTC)

func newMonitor(st *store.Store) (*Monitor, *clock.Mock) {
	mock := clock.NewMock()
	mock.Set(t0)
	m := NewMonitor(st, 30*time.Second, time.Second,
		WithClock(mock),
		WithLogger(slog.New(slog.DiscardHandler)))
	return m, mock
}

func TestEvaluateThresholds(t *testing.T) {
	st := store.New(10)
	st.Apply(telemetry.Reading{NodeID: "A", Temperature: 25, Humidity: 60, Timestamp: t0})
	m, _ := newMonitor(st)

	changed := m.Evaluate(t0)
	require.Len(t, changed, 1)
	assert.Equal(t, store.Transition{NodeID: "A", From: telemetry.Offline, To: telemetry.Online}, changed[0])

	assert.Empty(t, m.Evaluate(t0.Add(29*time.Second)))
	assert.Empty(t, m.Evaluate(t0.Add(30*time.Second)), "exactly at the timeout is still online")

	changed = m.Evaluate(t0.Add(31 * time.Second))
	require.Len(t, changed, 1)
	assert.Equal(t, store.Transition{NodeID: "A", From: telemetry.Online, To: telemetry.Offline}, changed[0])

	n, _ := st.Node("A")
	assert.Equal(t, telemetry.Offline, n.Status)
}

func TestEvaluateInvokesCallbacks(t *testing.T) {
	st := store.New(10)
	st.Apply(telemetry.Reading{NodeID: "A", Timestamp: t0})
	st.Apply(telemetry.Reading{NodeID: "B", Timestamp: t0})
	m, _ := newMonitor(st)

	var got []store.Transition
	m.SetOnTransition(func(tr store.Transition) { got = append(got, tr) })
	var online, offline int
	m.SetOnCounts(func(on, off int) { online, offline = on, off })

	m.Evaluate(t0)
	assert.Equal(t, 2, online)
	assert.Equal(t, 0, offline)

	st.Apply(telemetry.Reading{NodeID: "B", Timestamp: t0.Add(time.Minute)})
	m.Evaluate(t0.Add(time.Minute))
	assert.Equal(t, 1, online)
	assert.Equal(t, 1, offline)

	require.Len(t, got, 3)
	assert.Equal(t, store.Transition{NodeID: "A", From: telemetry.Offline, To: telemetry.Online}, got[0])
	assert.Equal(t, store.Transition{NodeID: "B", From: telemetry.Offline, To: telemetry.Online}, got[1])
	assert.Equal(t, store.Transition{NodeID: "A", From: telemetry.Online, To: telemetry.Offline}, got[2])
}

// Consumer reads refresh stored statuses too; the monitor must still see
// every change, including a node revived by a new reading between ticks.
func TestEvaluateSeesTransitionsAfterConsumerReads(t *testing.T) {
	st := store.New(10)
	st.Apply(telemetry.Reading{NodeID: "A", Timestamp: t0})
	m, _ := newMonitor(st)
	m.Evaluate(t0)

	snap := st.SnapshotAt(t0.Add(31*time.Second), 30*time.Second)
	require.Equal(t, telemetry.Offline, snap["A"].Status)

	changed := m.Evaluate(t0.Add(32 * time.Second))
	require.Len(t, changed, 1)
	assert.Equal(t, telemetry.Offline, changed[0].To)

	st.Apply(telemetry.Reading{NodeID: "A", Timestamp: t0.Add(60 * time.Second)})
	st.SnapshotAt(t0.Add(60*time.Second), 30*time.Second)

	changed = m.Evaluate(t0.Add(61 * time.Second))
	require.Len(t, changed, 1)
	assert.Equal(t, store.Transition{NodeID: "A", From: telemetry.Offline, To: telemetry.Online}, changed[0])

	assert.Empty(t, m.Evaluate(t0.Add(62*time.Second)))
}

func TestEvaluateNodeFirstSeenOffline(t *testing.T) {
	st := store.New(10)
	st.Seed([]telemetry.Reading{{NodeID: "A", Timestamp: t0.Add(-time.Hour)}})
	m, _ := newMonitor(st)

	assert.Empty(t, m.Evaluate(t0), "a stale warmed node was never reported online")
}

func TestStartTicksUntilCancelled(t *testing.T) {
	st := store.New(10)
	st.Apply(telemetry.Reading{NodeID: "A", Timestamp: t0})
	m, mock := newMonitor(st)

	transitions := make(chan store.Transition, 4)
	m.SetOnTransition(func(tr store.Transition) { transitions <- tr })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Start(ctx)
		close(done)
	}()

	select {
	case tr := <-transitions:
		assert.Equal(t, telemetry.Online, tr.To, "initial evaluation reports the live node")
	case <-time.After(2 * time.Second):
		t.Fatal("no initial evaluation")
	}

	var tr store.Transition
	require.Eventually(t, func() bool {
		mock.Add(time.Second)
		select {
		case tr = <-transitions:
			return true
		default:
			return false
		}
	}, 5*time.Second, 5*time.Millisecond)

	assert.Equal(t, "A", tr.NodeID)
	assert.Equal(t, telemetry.Offline, tr.To)
	assert.True(t, mock.Now().Sub(t0) > 30*time.Second)

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop after cancellation")
	}
}
