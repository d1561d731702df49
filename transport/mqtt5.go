package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/paho"

	"climate_monitor/config"
	"climate_monitor/retry"
	"climate_monitor/telemetry"
)

// v5Listener speaks MQTT 5 through paho.golang. The paho client does not
// reconnect, so Start supervises the connection and redials under the connect
// retry policy whenever it drops.
type v5Listener struct {
	cfg       config.BrokerConfig
	opts      options
	handoff   *handoff
	connected atomic.Bool
	lc        lifecycle
}

func newV5(cfg config.BrokerConfig, o options) *v5Listener {
	return &v5Listener{
		cfg:     cfg,
		opts:    o,
		handoff: newHandoff(cfg.HandoffBuffer, o),
	}
}

func (l *v5Listener) Messages() <-chan Message { return l.handoff.ch }

func (l *v5Listener) Connected() bool { return l.connected.Load() }

func (l *v5Listener) Stop() { l.lc.stop() }

func (l *v5Listener) setConnected(up bool) {
	l.connected.Store(up)
	l.opts.recorder.SetBrokerConnected(up)
}

func (l *v5Listener) Start(ctx context.Context) error {
	ctx, err := l.lc.begin(ctx)
	if err != nil {
		return err
	}
	defer l.lc.end()
	defer l.handoff.close()

	log := l.opts.log
	connectPolicy := retry.FromConfig(l.cfg.ConnectRetry, log)
	subscribePolicy := retry.FromConfig(l.cfg.SubscribeRetry, log)

	for {
		var (
			client *paho.Client
			lost   <-chan error
		)
		err := connectPolicy.Start(ctx, "connect", func(ctx context.Context) (bool, error) {
			c, ch, err := l.connect(ctx)
			if err != nil {
				return true, fmt.Errorf("%w: %v", telemetry.ErrTransportConnect, err)
			}
			client, lost = c, ch
			return false, nil
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		l.setConnected(true)
		log.Info("connected", "client_id", l.cfg.ClientID)

		subscribeAll(ctx, log, subscribePolicy, l.cfg.Topics, func(ctx context.Context, topic string) error {
			return subscribeV5(ctx, client, topic, l.cfg.QoS)
		})

		select {
		case <-ctx.Done():
			l.shutdown(client)
			return nil
		case err := <-lost:
			l.setConnected(false)
			log.Warn("connection lost", "error", err)
		}
	}
}

// connect dials the broker and completes the MQTT handshake. The returned
// channel yields once when the connection later fails.
func (l *v5Listener) connect(ctx context.Context) (*paho.Client, <-chan error, error) {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.ConnectTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", net.JoinHostPort(l.cfg.Host, fmt.Sprint(l.cfg.Port)))
	if err != nil {
		return nil, nil, err
	}

	lost := make(chan error, 1)
	var once sync.Once
	signal := func(err error) {
		once.Do(func() { lost <- err })
	}

	client := paho.NewClient(paho.ClientConfig{
		ClientID: l.cfg.ClientID,
		Conn:     conn,
		OnPublishReceived: []func(paho.PublishReceived) (bool, error){
			func(pr paho.PublishReceived) (bool, error) {
				l.handoff.deliver(pr.Packet.Topic, pr.Packet.Payload)
				return true, nil
			},
		},
		OnClientError: signal,
		OnServerDisconnect: func(d *paho.Disconnect) {
			signal(fmt.Errorf("server disconnect, reason code %d", d.ReasonCode))
		},
	})

	cp := &paho.Connect{
		ClientID:   l.cfg.ClientID,
		KeepAlive:  uint16(l.cfg.KeepAlive / time.Second),
		CleanStart: true,
	}
	if l.cfg.Username != "" {
		cp.Username = l.cfg.Username
		cp.UsernameFlag = true
		cp.Password = []byte(l.cfg.Password)
		cp.PasswordFlag = true
	}

	ca, err := client.Connect(ctx, cp)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	if ca.ReasonCode >= 0x80 {
		conn.Close()
		return nil, nil, fmt.Errorf("connack reason code %#x", ca.ReasonCode)
	}
	return client, lost, nil
}

func subscribeV5(ctx context.Context, c *paho.Client, topic string, qos byte) error {
	sa, err := c.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: qos}},
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %v", telemetry.ErrSubscribe, topic, err)
	}
	if len(sa.Reasons) > 0 && sa.Reasons[0] >= 0x80 {
		return fmt.Errorf("%w: %s: broker refused with code %#x", telemetry.ErrSubscribe, topic, sa.Reasons[0])
	}
	return nil
}

func (l *v5Listener) shutdown(c *paho.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if _, err := c.Unsubscribe(ctx, &paho.Unsubscribe{Topics: l.cfg.Topics}); err != nil {
		l.opts.log.Warn("unsubscribe failed", "error", err)
	}
	if err := c.Disconnect(&paho.Disconnect{ReasonCode: 0}); err != nil {
		l.opts.log.Warn("disconnect failed", "error", err)
	}
	l.setConnected(false)
	l.opts.log.Info("disconnected")
}
