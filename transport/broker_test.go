package transport

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"testing"
	"time"

	mochi "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"climate_monitor/config"
	"climate_monitor/telemetry"
)

const (
	filter    = "Informatika/IoT-E/Kelompok9/multi_node/+"
	nodeTopic = "Informatika/IoT-E/Kelompok9/multi_node/node_001"
	payload   = `{"node_id":"node_001","temperature":25.0,"humidity":60.0,"pos_x":10,"pos_y":20}`
)

var protocols = []string{"v3", "v5"}

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

// startBroker spins up an in-process MQTT broker that accepts every client.
func startBroker(t *testing.T, addr string) *mochi.Server {
	t.Helper()
	server := mochi.New(&mochi.Options{
		InlineClient: true,
		Logger:       slog.New(slog.DiscardHandler),
	})
	require.NoError(t, server.AddHook(new(auth.AllowHook), nil))
	require.NoError(t, server.AddListener(listeners.NewTCP(listeners.Config{
		ID:      "tcp",
		Type:    "tcp",
		Address: addr,
	})))
	require.NoError(t, server.Serve())
	return server
}

func brokerConfig(t *testing.T, protocol, addr string) config.BrokerConfig {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	cfg := config.Config{Broker: config.BrokerConfig{
		Host:     host,
		Port:     port,
		Protocol: protocol,
		Topics:   []string{filter},
	}}
	cfg.ApplyDefaults()
	cfg.Broker.ConnectTimeout = time.Second
	cfg.Broker.ConnectRetry = config.RetryConfig{MinInterval: 10 * time.Millisecond, MaxInterval: 200 * time.Millisecond}
	return cfg.Broker
}

func startListener(t *testing.T, cfg config.BrokerConfig, rec Recorder) (Listener, <-chan error) {
	t.Helper()
	l, err := New(cfg, WithLogger(slog.New(slog.DiscardHandler)), WithRecorder(rec))
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() { errc <- l.Start(context.Background()) }()
	t.Cleanup(l.Stop)
	return l, errc
}

// receive publishes until the listener delivers a message, since the first
// publications can race the subscription.
func receive(t *testing.T, l Listener, publish func()) Message {
	t.Helper()
	var got Message
	require.Eventually(t, func() bool {
		publish()
		select {
		case got = <-l.Messages():
			return true
		case <-time.After(20 * time.Millisecond):
			return false
		}
	}, 10*time.Second, 10*time.Millisecond)
	return got
}

func TestListenerReceivesMatchingMessages(t *testing.T) {
	for _, protocol := range protocols {
		t.Run(protocol, func(t *testing.T) {
			addr := freeAddr(t)
			server := startBroker(t, addr)
			defer server.Close()

			rec := &countingRecorder{}
			l, _ := startListener(t, brokerConfig(t, protocol, addr), rec)

			msg := receive(t, l, func() {
				_ = server.Publish("unrelated/topic", []byte(`{}`), false, 0)
				_ = server.Publish(nodeTopic, []byte(payload), false, 0)
			})

			assert.Equal(t, nodeTopic, msg.Topic)
			assert.JSONEq(t, payload, string(msg.Payload))
			assert.False(t, msg.ReceivedAt.IsZero())
			assert.True(t, l.Connected())
			assert.True(t, rec.up.Load())
			assert.Positive(t, rec.received.Load())
		})
	}
}

func TestListenerStopClosesMessages(t *testing.T) {
	for _, protocol := range protocols {
		t.Run(protocol, func(t *testing.T) {
			addr := freeAddr(t)
			server := startBroker(t, addr)
			defer server.Close()

			l, errc := startListener(t, brokerConfig(t, protocol, addr), nil)
			require.Eventually(t, l.Connected, 10*time.Second, 10*time.Millisecond)

			l.Stop()
			l.Stop()

			select {
			case err := <-errc:
				assert.NoError(t, err)
			case <-time.After(5 * time.Second):
				t.Fatal("Start did not return after Stop")
			}
			for range l.Messages() {
			}
			assert.False(t, l.Connected())
		})
	}
}

func TestListenerResubscribesAfterReconnect(t *testing.T) {
	for _, protocol := range protocols {
		t.Run(protocol, func(t *testing.T) {
			addr := freeAddr(t)
			server := startBroker(t, addr)

			l, _ := startListener(t, brokerConfig(t, protocol, addr), nil)
			receive(t, l, func() {
				_ = server.Publish(nodeTopic, []byte(payload), false, 0)
			})

			require.NoError(t, server.Close())
			require.Eventually(t, func() bool { return !l.Connected() }, 10*time.Second, 10*time.Millisecond)

			restarted := startBroker(t, addr)
			defer restarted.Close()

			msg := receive(t, l, func() {
				_ = restarted.Publish(nodeTopic, []byte(`{"temperature":1}`), false, 0)
			})
			assert.Equal(t, nodeTopic, msg.Topic)
			assert.True(t, l.Connected())
		})
	}
}

func TestListenerGivesUpAfterConnectAttempts(t *testing.T) {
	for _, protocol := range protocols {
		t.Run(protocol, func(t *testing.T) {
			cfg := brokerConfig(t, protocol, freeAddr(t))
			cfg.ConnectRetry = config.RetryConfig{MaxAttempts: config.Limit(2), MinInterval: 5 * time.Millisecond, MaxInterval: 10 * time.Millisecond}

			_, errc := startListener(t, cfg, nil)
			select {
			case err := <-errc:
				assert.ErrorIs(t, err, telemetry.ErrTransportConnect)
			case <-time.After(10 * time.Second):
				t.Fatalf("%s listener kept retrying", protocol)
			}
		})
	}
}

func TestListenerStopAbortsConnectRetry(t *testing.T) {
	for _, protocol := range protocols {
		t.Run(protocol, func(t *testing.T) {
			cfg := brokerConfig(t, protocol, freeAddr(t))
			cfg.ConnectRetry = config.RetryConfig{MinInterval: time.Hour, MaxInterval: time.Hour}

			l, errc := startListener(t, cfg, nil)
			time.Sleep(50 * time.Millisecond)
			l.Stop()

			select {
			case err := <-errc:
				assert.NoError(t, err)
			case <-time.After(5 * time.Second):
				t.Fatal("Stop did not abort the connect retry")
			}
		})
	}
}
