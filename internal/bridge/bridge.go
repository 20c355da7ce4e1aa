// Package bridge relays bus events to an MQTT broker so dashboards and home
// automations off the LAN segment can follow printers and transfers.
package bridge

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"

	"github.com/snapsend/snapsend/internal/events"
)

const (
	connectTimeout    = 10 * time.Second
	publishTimeout    = 5 * time.Second
	heartbeatInterval = 30 * time.Second
	eventBuffer       = 64
)

// Options configure the broker connection and topic layout.
type Options struct {
	// Broker is the host:port of the MQTT broker. A scheme may be included;
	// plain host:port gets tcp://.
	Broker string
	// Prefix roots every published topic, "snapsend" when empty.
	Prefix string
	// ClientID identifies this daemon to the broker.
	ClientID string
	// Username and Password are optional broker credentials.
	Username string
	Password string
}

func (o Options) fill() Options {
	if o.Prefix == "" {
		o.Prefix = "snapsend"
	}
	if o.ClientID == "" {
		o.ClientID = "snapsend"
	}
	return o
}

// Bridge forwards every bus event to <prefix>/events/<type> and keeps a
// retained availability marker on <prefix>/status.
type Bridge struct {
	opts Options
	bus  *events.Bus
	log  zerolog.Logger

	client  mqtt.Client
	started time.Time

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

func New(opts Options, bus *events.Bus, log zerolog.Logger) *Bridge {
	return &Bridge{
		opts: opts.fill(),
		bus:  bus,
		log:  log.With().Str("component", "bridge").Logger(),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Start connects to the broker and begins relaying. Once connected, dropped
// connections are paho's problem; it reconnects on its own.
func (b *Bridge) Start() error {
	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL(b.opts.Broker)).
		SetClientID(b.opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(b.topic("status"), string(statusBody("offline", 0)), 1, true)
	if b.opts.Username != "" {
		opts.SetUsername(b.opts.Username).SetPassword(b.opts.Password)
	}

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		client.Disconnect(0)
		return fmt.Errorf("mqtt connect: no broker response within %s", connectTimeout)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}

	b.client = client
	b.started = time.Now()
	b.log.Info().Str("broker", b.opts.Broker).Str("prefix", b.opts.Prefix).Msg("bridge connected")

	go b.relay()
	return nil
}

// Stop drains the relay loop, marks the daemon offline and hangs up. Safe to
// call when Start failed or never ran.
func (b *Bridge) Stop() {
	if b.client == nil {
		return
	}
	b.stopOnce.Do(func() { close(b.stop) })
	<-b.done

	// The will only fires on ungraceful drops, so publish the offline marker
	// before disconnecting.
	t := b.client.Publish(b.topic("status"), 1, true, statusBody("offline", b.uptime()))
	t.WaitTimeout(publishTimeout)
	b.client.Disconnect(250)
	b.log.Info().Msg("bridge stopped")
}

func (b *Bridge) relay() {
	defer close(b.done)

	id, ch := b.bus.Subscribe(eventBuffer)
	defer b.bus.Unsubscribe(id)

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	b.publishStatus()

	for {
		select {
		case <-b.stop:
			return
		case <-heartbeat.C:
			b.publishStatus()
		case evt := <-ch:
			b.publishEvent(evt)
		}
	}
}

func (b *Bridge) publishEvent(evt events.Event) {
	payload, err := json.Marshal(evt)
	if err != nil {
		b.log.Error().Err(err).Str("type", string(evt.Type)).Msg("event encode failed")
		return
	}
	b.publish(b.topic("events/"+string(evt.Type)), false, payload)
}

func (b *Bridge) publishStatus() {
	b.publish(b.topic("status"), true, statusBody("online", b.uptime()))
}

func (b *Bridge) publish(topic string, retained bool, payload []byte) {
	t := b.client.Publish(topic, 1, retained, payload)
	if t.WaitTimeout(publishTimeout) {
		if err := t.Error(); err != nil {
			b.log.Warn().Err(err).Str("topic", topic).Msg("publish failed")
		}
	}
}

func (b *Bridge) uptime() int64 {
	return int64(time.Since(b.started).Seconds())
}

func (b *Bridge) topic(suffix string) string {
	return b.opts.Prefix + "/" + suffix
}

func brokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	return "tcp://" + broker
}

// statusBody is the retained availability payload.
func statusBody(state string, uptime int64) []byte {
	body, _ := json.Marshal(map[string]any{
		"state":    state,
		"uptime_s": uptime,
	})
	return body
}
