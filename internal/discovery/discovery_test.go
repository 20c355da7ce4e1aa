package discovery

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/snapsend/snapsend/internal/events"
	"github.com/snapsend/snapsend/internal/logger"
	"github.com/snapsend/snapsend/internal/registry"
)

func startService(t *testing.T, opts Options, reg *registry.Registry, bus *events.Bus) *Service {
	t.Helper()
	svc := NewService(opts, reg, bus, logger.NewTestLogger())
	if err := svc.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(svc.Stop)
	return svc
}

func sendTo(t *testing.T, port int, payload string) {
	t.Helper()
	conn, err := net.Dial("udp4", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte(payload)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

func TestAnnouncementCreatesRecord(t *testing.T) {
	reg := registry.New(0)
	bus := events.NewBus()
	_, ch := bus.Subscribe(8)

	svc := startService(t, Options{Port: 0, ModelPrefix: "Snapmaker"}, reg, bus)

	sendTo(t, svc.Port(), "Lab@192.168.7.2|model:Snapmaker 2 Model A350|status:IDLE")

	if !waitFor(t, 2*time.Second, func() bool { return reg.Len() == 1 }) {
		t.Fatal("announcement never reached the registry")
	}

	rec, ok := reg.Get("Lab@Snapmaker 2 Model A350")
	if !ok {
		t.Fatal("expected record for the announced printer")
	}
	if rec.Addr != "192.168.7.2:8080" {
		t.Errorf("Addr = %q", rec.Addr)
	}

	select {
	case evt := <-ch:
		if evt.Type != events.TypeDeviceDiscovered {
			t.Errorf("event type = %q, want device.discovered", evt.Type)
		}
	case <-time.After(2 * time.Second):
		t.Error("no discovery event published")
	}
}

func TestMalformedDatagramsLeaveRegistryAlone(t *testing.T) {
	reg := registry.New(0)
	svc := startService(t, Options{Port: 0, ModelPrefix: "Snapmaker"}, reg, nil)

	for _, payload := range []string{
		"",
		"discover",
		"\x00\x01\x02\xff",
		"model:Snapmaker|status:IDLE", // no name@ip head
		"Octo@192.168.7.9|model:Prusa MK4|status:IDLE",
	} {
		sendTo(t, svc.Port(), payload)
	}

	// Give the listener time to chew through everything.
	time.Sleep(300 * time.Millisecond)
	if n := reg.Len(); n != 0 {
		t.Errorf("registry has %d records, want 0 (snapshot: %+v)", n, reg.Snapshot())
	}
}

func TestStatusRefreshPublishesUpdate(t *testing.T) {
	reg := registry.New(0)
	bus := events.NewBus()
	_, ch := bus.Subscribe(8)

	svc := startService(t, Options{Port: 0, ModelPrefix: "Snapmaker"}, reg, bus)

	sendTo(t, svc.Port(), "Lab@192.168.7.2|model:Snapmaker 2 Model A350|status:IDLE")
	if !waitFor(t, 2*time.Second, func() bool { return reg.Len() == 1 }) {
		t.Fatal("first announcement lost")
	}
	sendTo(t, svc.Port(), "Lab@192.168.7.2|model:Snapmaker 2 Model A350|status:RUNNING")

	if !waitFor(t, 2*time.Second, func() bool {
		rec, _ := reg.Get("Lab@Snapmaker 2 Model A350")
		return rec.Status == registry.StatusPrinting
	}) {
		t.Fatal("status refresh never applied")
	}

	sawUpdate := false
	for !sawUpdate {
		select {
		case evt := <-ch:
			if evt.Type == events.TypeDeviceUpdated {
				sawUpdate = true
			}
		case <-time.After(2 * time.Second):
			t.Fatal("no device.updated event published")
		}
	}
}

func TestStaleRecordEvicted(t *testing.T) {
	reg := registry.New(0)
	bus := events.NewBus()
	_, ch := bus.Subscribe(8)

	svc := startService(t, Options{
		Port:          0,
		ModelPrefix:   "Snapmaker",
		ProbeInterval: time.Hour, // keep the probe quiet during the test
		SweepInterval: 50 * time.Millisecond,
		StaleAfter:    200 * time.Millisecond,
	}, reg, bus)

	sendTo(t, svc.Port(), "Lab@192.168.7.2|model:Snapmaker 2 Model A350|status:IDLE")
	if !waitFor(t, 2*time.Second, func() bool { return reg.Len() == 1 }) {
		t.Fatal("announcement lost")
	}

	if !waitFor(t, 2*time.Second, func() bool { return reg.Len() == 0 }) {
		t.Fatal("stale record was never evicted")
	}

	sawLost := false
	deadline := time.After(2 * time.Second)
	for !sawLost {
		select {
		case evt := <-ch:
			if evt.Type == events.TypeDeviceLost {
				sawLost = true
			}
		case <-deadline:
			t.Fatal("no device.lost event published")
		}
	}
}
