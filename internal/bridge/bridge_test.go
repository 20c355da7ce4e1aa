package bridge

import (
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/snapsend/snapsend/internal/events"
)

func TestOptionsFill(t *testing.T) {
	o := Options{Broker: "10.0.0.5:1883"}.fill()
	require.Equal(t, "snapsend", o.Prefix)
	require.Equal(t, "snapsend", o.ClientID)

	o = Options{Broker: "10.0.0.5:1883", Prefix: "shop/printers", ClientID: "snapsend-ab12cd34"}.fill()
	require.Equal(t, "shop/printers", o.Prefix)
	require.Equal(t, "snapsend-ab12cd34", o.ClientID)
}

func TestBrokerURL(t *testing.T) {
	require.Equal(t, "tcp://10.0.0.5:1883", brokerURL("10.0.0.5:1883"))
	require.Equal(t, "ssl://broker.local:8883", brokerURL("ssl://broker.local:8883"))
}

func TestTopicLayout(t *testing.T) {
	b := New(Options{Broker: "10.0.0.5:1883", Prefix: "shop"}, events.NewBus(), zerolog.Nop())

	require.Equal(t, "shop/status", b.topic("status"))
	require.Equal(t, "shop/events/session.state", b.topic("events/"+string(events.TypeSessionState)))
}

func TestStatusBody(t *testing.T) {
	var got map[string]any
	require.NoError(t, json.Unmarshal(statusBody("online", 42), &got))
	require.Equal(t, "online", got["state"])
	require.EqualValues(t, 42, got["uptime_s"])
}

func TestStopBeforeStart(t *testing.T) {
	b := New(Options{Broker: "10.0.0.5:1883"}, events.NewBus(), zerolog.Nop())
	// Never connected; Stop must not block or panic.
	b.Stop()
}
