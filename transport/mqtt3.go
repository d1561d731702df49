package transport

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"climate_monitor/config"
	"climate_monitor/retry"
	"climate_monitor/telemetry"
)

// disconnectQuiesce is how long Disconnect waits for in-flight work, in ms.
const disconnectQuiesce = 250

// v3Listener speaks MQTT 3.1.1 through paho.mqtt.golang, whose client
// reconnects on its own after the first successful connect.
type v3Listener struct {
	cfg       config.BrokerConfig
	opts      options
	handoff   *handoff
	client    mqtt.Client
	connected atomic.Bool
	lc        lifecycle
}

func newV3(cfg config.BrokerConfig, o options) *v3Listener {
	return &v3Listener{
		cfg:     cfg,
		opts:    o,
		handoff: newHandoff(cfg.HandoffBuffer, o),
	}
}

func (l *v3Listener) Messages() <-chan Message { return l.handoff.ch }

func (l *v3Listener) Connected() bool { return l.connected.Load() }

func (l *v3Listener) Stop() { l.lc.stop() }

func (l *v3Listener) setConnected(up bool) {
	l.connected.Store(up)
	l.opts.recorder.SetBrokerConnected(up)
}

func (l *v3Listener) clientOptions(ctx context.Context) *mqtt.ClientOptions {
	log := l.opts.log
	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", l.cfg.Host, l.cfg.Port)).
		SetClientID(l.cfg.ClientID).
		SetCleanSession(true).
		SetKeepAlive(l.cfg.KeepAlive).
		SetConnectTimeout(l.cfg.ConnectTimeout).
		SetAutoReconnect(true).
		SetConnectRetry(false).
		SetMaxReconnectInterval(l.cfg.ConnectRetry.MaxInterval)
	if l.cfg.Username != "" {
		opts.SetUsername(l.cfg.Username)
		opts.SetPassword(l.cfg.Password)
	}

	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		l.setConnected(false)
		log.Warn("connection lost", "error", err)
	})
	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		log.Info("reconnecting")
	})
	// Runs on its own goroutine after every successful connect, including
	// automatic reconnects, so subscriptions are restored each time.
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		l.setConnected(true)
		log.Info("connected", "client_id", l.cfg.ClientID)
		subscribeAll(ctx, log, retry.FromConfig(l.cfg.SubscribeRetry, log), l.cfg.Topics,
			func(ctx context.Context, topic string) error {
				return subscribeV3(ctx, c, topic, l.cfg.QoS, l.onMessage)
			})
	})
	return opts
}

// onMessage runs on the client's router goroutine and must not block.
func (l *v3Listener) onMessage(_ mqtt.Client, m mqtt.Message) {
	l.handoff.deliver(m.Topic(), m.Payload())
}

func (l *v3Listener) Start(ctx context.Context) error {
	ctx, err := l.lc.begin(ctx)
	if err != nil {
		return err
	}
	defer l.lc.end()
	defer l.handoff.close()

	l.client = mqtt.NewClient(l.clientOptions(ctx))

	policy := retry.FromConfig(l.cfg.ConnectRetry, l.opts.log)
	err = policy.Start(ctx, "connect", func(ctx context.Context) (bool, error) {
		if err := wait(ctx, l.client.Connect()); err != nil {
			return true, fmt.Errorf("%w: %v", telemetry.ErrTransportConnect, err)
		}
		return false, nil
	})
	if err != nil {
		l.client.Disconnect(0)
		if ctx.Err() != nil {
			return nil
		}
		return err
	}

	<-ctx.Done()
	l.shutdown()
	return nil
}

func (l *v3Listener) shutdown() {
	if l.client.IsConnectionOpen() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := wait(ctx, l.client.Unsubscribe(l.cfg.Topics...)); err != nil {
			l.opts.log.Warn("unsubscribe failed", "error", err)
		}
	}
	l.client.Disconnect(disconnectQuiesce)
	l.setConnected(false)
	l.opts.log.Info("disconnected")
}

func subscribeV3(ctx context.Context, c mqtt.Client, topic string, qos byte, handler mqtt.MessageHandler) error {
	t := c.Subscribe(topic, qos, handler)
	if err := wait(ctx, t); err != nil {
		return fmt.Errorf("%w: %s: %v", telemetry.ErrSubscribe, topic, err)
	}
	if st, ok := t.(*mqtt.SubscribeToken); ok {
		if code, found := st.Result()[topic]; found && code >= 0x80 {
			return fmt.Errorf("%w: %s: broker refused with code %#x", telemetry.ErrSubscribe, topic, code)
		}
	}
	return nil
}

// wait blocks until the token completes or ctx is done.
func wait(ctx context.Context, t mqtt.Token) error {
	select {
	case <-t.Done():
		return t.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}
