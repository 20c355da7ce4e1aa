package transfer

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/snapsend/snapsend/internal/device"
	"github.com/snapsend/snapsend/internal/events"
	"github.com/snapsend/snapsend/internal/logger"
	"github.com/snapsend/snapsend/internal/metrics"
	"github.com/snapsend/snapsend/internal/registry"
	"github.com/snapsend/snapsend/internal/tokens"
)

const testDeviceID = "Lab@Snapmaker 2 Model A350"

var fastOpts = Options{AuthTimeout: 2 * time.Second, AuthPoll: 10 * time.Millisecond}

// fakePrinter speaks the printer transfer API over httptest. Behavior fields
// are set before the server starts; counters are read back with stats.
type fakePrinter struct {
	mu sync.Mutex

	pendingPolls  int  // 204 replies before the first 200
	denyAuth      bool // 401 every status poll
	expireFirst   bool // 403 the first connect
	dropUpload    bool // close the connection mid-upload
	holdUpload    bool // swallow the upload until the client goes away
	uploadStarted chan struct{}

	connects      int
	connectTokens []string
	statusPolls   int
	uploads       int
	disconnects   int
	lastToken     string
	uploadedName  string
	uploadedData  []byte
}

type printerStats struct {
	connects, statusPolls, uploads, disconnects int
}

func (p *fakePrinter) stats() printerStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return printerStats{p.connects, p.statusPolls, p.uploads, p.disconnects}
}

func (p *fakePrinter) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/connect", p.handleConnect)
	mux.HandleFunc("/api/v1/status", p.handleStatus)
	mux.HandleFunc("/api/v1/upload", p.handleUpload)
	mux.HandleFunc("/api/v1/disconnect", p.handleDisconnect)
	return mux
}

func (p *fakePrinter) handleConnect(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(1 << 20); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	p.mu.Lock()
	p.connects++
	p.connectTokens = append(p.connectTokens, r.FormValue("token"))
	expired := p.expireFirst && p.connects == 1
	if !expired {
		p.lastToken = fmt.Sprintf("tok-%d", p.connects)
	}
	token := p.lastToken
	p.mu.Unlock()

	if expired {
		w.WriteHeader(http.StatusForbidden)
		return
	}
	fmt.Fprintf(w, `{"token":%q}`, token)
}

func (p *fakePrinter) handleStatus(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	p.statusPolls++
	polls := p.statusPolls
	deny := p.denyAuth
	pending := p.pendingPolls
	p.mu.Unlock()

	switch {
	case deny:
		w.WriteHeader(http.StatusUnauthorized)
	case polls <= pending:
		w.WriteHeader(http.StatusNoContent)
	default:
		fmt.Fprint(w, `{"status":"IDLE"}`)
	}
}

func (p *fakePrinter) handleUpload(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	p.uploads++
	hold, drop, started := p.holdUpload, p.dropUpload, p.uploadStarted
	p.uploadStarted = nil
	p.mu.Unlock()

	if hold || drop {
		buf := make([]byte, 32*1024)
		io.ReadFull(r.Body, buf)
		if started != nil {
			close(started)
		}
		if drop {
			if hj, ok := w.(http.Hijacker); ok {
				if conn, _, err := hj.Hijack(); err == nil {
					conn.Close()
				}
			}
			return
		}
		<-r.Context().Done()
		return
	}

	if err := r.ParseMultipartForm(8 << 20); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	file, hdr, err := r.FormFile("file")
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	p.mu.Lock()
	p.uploadedName = hdr.Filename
	p.uploadedData = data
	p.mu.Unlock()
}

func (p *fakePrinter) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	p.mu.Lock()
	p.disconnects++
	p.mu.Unlock()
}

// memRecorder collects finished sessions in place of the sqlite store.
type memRecorder struct {
	mu    sync.Mutex
	snaps []events.SessionSnapshot
}

func (r *memRecorder) Record(snap events.SessionSnapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, snap)
	return nil
}

func (r *memRecorder) all() []events.SessionSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.SessionSnapshot(nil), r.snaps...)
}

func startPrinter(t *testing.T, p *fakePrinter) string {
	t.Helper()
	srv := httptest.NewServer(p.handler())
	t.Cleanup(srv.Close)
	return strings.TrimPrefix(srv.URL, "http://")
}

func newManager(t *testing.T, addr string, opts Options) (*Manager, *events.Bus, *tokens.Store, *memRecorder) {
	t.Helper()

	reg := registry.New(0)
	if addr != "" {
		reg.Upsert(registry.Record{
			ID:       testDeviceID,
			Name:     "Lab",
			Model:    "Snapmaker 2 Model A350",
			Addr:     addr,
			Status:   registry.StatusIdle,
			LastSeen: time.Now(),
		})
	}

	bus := events.NewBus()
	tok := tokens.Open(filepath.Join(t.TempDir(), "tokens.json"))
	met := metrics.NewStore()
	t.Cleanup(met.Stop)
	hist := &memRecorder{}

	m := NewManager(reg, bus, tok, met, hist, opts, logger.NewTestLogger())
	t.Cleanup(m.Shutdown)
	return m, bus, tok, hist
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not finish in time")
	}
}

// collectUntilTerminal drains bus events until a terminal session.state
// arrives, returning the observed state sequence and progress values.
func collectUntilTerminal(t *testing.T, ch <-chan events.Event) ([]string, []float64) {
	t.Helper()

	var states []string
	var progress []float64
	deadline := time.After(5 * time.Second)
	for {
		select {
		case evt := <-ch:
			if evt.Session == nil {
				continue
			}
			switch evt.Type {
			case events.TypeSessionState:
				states = append(states, evt.Session.State)
				if State(evt.Session.State).Terminal() {
					return states, progress
				}
			case events.TypeSessionProgress:
				progress = append(progress, evt.Session.Progress)
			}
		case <-deadline:
			t.Fatalf("no terminal state event, saw %v", states)
		}
	}
}

func TestSendCompletes(t *testing.T) {
	printer := &fakePrinter{pendingPolls: 2}
	addr := startPrinter(t, printer)
	m, bus, tok, hist := newManager(t, addr, fastOpts)

	_, ch := bus.Subscribe(256)
	payload := Payload{
		Filename: "benchy_PLA_1h42m30s.gcode",
		Data:     bytes.Repeat([]byte("G1 X10 Y10\n"), 12000),
	}

	s, err := m.Send(testDeviceID, payload)
	require.NoError(t, err)
	require.Equal(t, testDeviceID, s.DeviceID)
	require.Equal(t, int64(len(payload.Data)), s.Size)

	waitDone(t, s)
	require.Equal(t, StateCompleted, s.State())
	require.NoError(t, s.Err())
	assert.Equal(t, 1.0, s.Progress())
	assert.Equal(t, "IDLE", s.DeviceStatus())

	states, progress := collectUntilTerminal(t, ch)
	assert.Equal(t, []string{"CONNECTING", "AWAITING_AUTHORIZATION", "UPLOADING", "COMPLETED"}, states)
	require.NotEmpty(t, progress)
	for i := 1; i < len(progress); i++ {
		assert.GreaterOrEqual(t, progress[i], progress[i-1])
	}
	assert.Equal(t, 1.0, progress[len(progress)-1])

	require.Eventually(t, func() bool {
		return printer.stats().disconnects == 1
	}, 2*time.Second, 10*time.Millisecond)
	st := printer.stats()
	assert.Equal(t, 1, st.connects)
	assert.Equal(t, 1, st.uploads)
	assert.GreaterOrEqual(t, st.statusPolls, 3)
	assert.Equal(t, payload.Filename, printer.uploadedName)
	assert.Equal(t, payload.Data, printer.uploadedData)

	// The minted token is persisted for next time.
	assert.Equal(t, "tok-1", tok.Get(testDeviceID))

	require.Eventually(t, func() bool {
		_, busy := m.ActiveSession(testDeviceID)
		return !busy && len(hist.all()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	recorded := hist.all()[0]
	assert.Equal(t, s.ID, recorded.ID)
	assert.Equal(t, "COMPLETED", recorded.State)
	assert.Empty(t, recorded.Reason)
	assert.Empty(t, recorded.Error)
	assert.False(t, recorded.FinishedAt.IsZero())

	got, ok := m.Session(s.ID)
	require.True(t, ok)
	assert.Same(t, s, got)
	require.Len(t, m.Sessions(), 1)
}

func TestSendUnknownDevice(t *testing.T) {
	m, _, _, _ := newManager(t, "", fastOpts)

	_, err := m.Send("Ghost@Snapmaker 2 Model A250", Payload{Filename: "x.gcode"})
	require.ErrorIs(t, err, ErrDeviceNotFound)
}

func TestSendWhileBusy(t *testing.T) {
	printer := &fakePrinter{pendingPolls: 1 << 30}
	addr := startPrinter(t, printer)
	m, _, _, _ := newManager(t, addr, fastOpts)

	first, err := m.Send(testDeviceID, Payload{Filename: "a.gcode", Data: []byte("G28\n")})
	require.NoError(t, err)

	_, err = m.Send(testDeviceID, Payload{Filename: "b.gcode", Data: []byte("G28\n")})
	require.ErrorIs(t, err, ErrDeviceBusy)

	m.Cancel(testDeviceID)
	waitDone(t, first)
	require.Equal(t, StateCancelled, first.State())

	snap := first.Snapshot()
	assert.Equal(t, "CANCELLED", snap.State)
	assert.Equal(t, "CANCELLED", snap.Reason)

	// Once the session is reaped the device accepts work again.
	require.Eventually(t, func() bool {
		_, busy := m.ActiveSession(testDeviceID)
		return !busy
	}, 2*time.Second, 10*time.Millisecond)

	second, err := m.Send(testDeviceID, Payload{Filename: "c.gcode", Data: []byte("G28\n")})
	require.NoError(t, err)
	second.Cancel()
	waitDone(t, second)
}

func TestSendStatusAdvisory(t *testing.T) {
	printer := &fakePrinter{}
	addr := startPrinter(t, printer)
	m, _, _, _ := newManager(t, addr, fastOpts)

	// A device mid-print still accepts a send attempt; it is the printer,
	// not the registry status, that refuses a job.
	busyID := "Shop@Snapmaker 2 Model A250"
	reg := registry.Record{
		ID:       busyID,
		Name:     "Shop",
		Model:    "Snapmaker 2 Model A250",
		Addr:     addr,
		Status:   registry.StatusPrinting,
		LastSeen: time.Now(),
	}
	m.reg.Upsert(reg)

	s, err := m.Send(busyID, Payload{Filename: "a.gcode", Data: []byte("G28\n")})
	require.NoError(t, err)
	waitDone(t, s)
	require.Equal(t, StateCompleted, s.State())
}

func TestConnectRetriesExpiredToken(t *testing.T) {
	printer := &fakePrinter{expireFirst: true}
	addr := startPrinter(t, printer)
	m, _, tok, _ := newManager(t, addr, fastOpts)
	require.NoError(t, tok.Set(testDeviceID, "stale-token"))

	s, err := m.Send(testDeviceID, Payload{Filename: "a.gcode", Data: []byte("G28\n")})
	require.NoError(t, err)
	waitDone(t, s)

	require.Equal(t, StateCompleted, s.State())
	require.Equal(t, []string{"stale-token", ""}, printer.connectTokens)
	assert.Equal(t, "tok-2", tok.Get(testDeviceID))
}

func TestAuthorizationDenied(t *testing.T) {
	printer := &fakePrinter{denyAuth: true}
	addr := startPrinter(t, printer)
	m, _, _, hist := newManager(t, addr, fastOpts)

	s, err := m.Send(testDeviceID, Payload{Filename: "a.gcode", Data: []byte("G28\n")})
	require.NoError(t, err)
	waitDone(t, s)

	require.Equal(t, StateFailed, s.State())
	require.ErrorIs(t, s.Err(), device.ErrDenied)
	assert.Equal(t, "DENIED", s.Snapshot().Reason)

	require.Eventually(t, func() bool { return len(hist.all()) == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "DENIED", hist.all()[0].Reason)
}

func TestAuthorizationTimeout(t *testing.T) {
	printer := &fakePrinter{pendingPolls: 1 << 30}
	addr := startPrinter(t, printer)
	m, _, _, _ := newManager(t, addr, Options{AuthTimeout: 80 * time.Millisecond, AuthPoll: 10 * time.Millisecond})

	s, err := m.Send(testDeviceID, Payload{Filename: "a.gcode", Data: []byte("G28\n")})
	require.NoError(t, err)
	waitDone(t, s)

	require.Equal(t, StateFailed, s.State())
	assert.Equal(t, "TIMEOUT", s.Snapshot().Reason)
	assert.GreaterOrEqual(t, printer.stats().statusPolls, 2)

	// Even a timed-out session says goodbye.
	require.Eventually(t, func() bool {
		return printer.stats().disconnects == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDeviceUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := strings.TrimPrefix(srv.URL, "http://")
	srv.Close()

	m, _, _, _ := newManager(t, addr, fastOpts)

	s, err := m.Send(testDeviceID, Payload{Filename: "a.gcode", Data: []byte("G28\n")})
	require.NoError(t, err)
	waitDone(t, s)

	require.Equal(t, StateFailed, s.State())
	assert.Equal(t, "UNREACHABLE", s.Snapshot().Reason)
	require.Error(t, s.Err())
}

func TestUploadConnectionLost(t *testing.T) {
	printer := &fakePrinter{dropUpload: true}
	addr := startPrinter(t, printer)
	m, _, _, _ := newManager(t, addr, fastOpts)

	s, err := m.Send(testDeviceID, Payload{
		Filename: "big.gcode",
		Data:     bytes.Repeat([]byte("G1 X0\n"), 200000),
	})
	require.NoError(t, err)
	waitDone(t, s)

	require.Equal(t, StateFailed, s.State())
	assert.Equal(t, "CONNECTION_LOST", s.Snapshot().Reason)
	require.Error(t, s.Err())
}

func TestCancelDuringUpload(t *testing.T) {
	started := make(chan struct{})
	printer := &fakePrinter{holdUpload: true, uploadStarted: started}
	addr := startPrinter(t, printer)
	m, _, _, _ := newManager(t, addr, fastOpts)

	s, err := m.Send(testDeviceID, Payload{
		Filename: "big.gcode",
		Data:     bytes.Repeat([]byte("G1 X0\n"), 200000),
	})
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("upload never started")
	}

	m.Cancel(testDeviceID)
	waitDone(t, s)

	require.Equal(t, StateCancelled, s.State())
	assert.Equal(t, "CANCELLED", s.Snapshot().Reason)

	// Cancelling again, or a device with nothing running, is harmless.
	s.Cancel()
	m.Cancel(testDeviceID)
	m.Cancel("Ghost@Snapmaker 2 Model A250")
}

func TestShutdownCancelsActive(t *testing.T) {
	printer := &fakePrinter{pendingPolls: 1 << 30}
	addr := startPrinter(t, printer)
	m, _, _, _ := newManager(t, addr, fastOpts)

	s, err := m.Send(testDeviceID, Payload{Filename: "a.gcode", Data: []byte("G28\n")})
	require.NoError(t, err)

	m.Shutdown()
	require.Equal(t, StateCancelled, s.State())

	_, err = m.Send(testDeviceID, Payload{Filename: "b.gcode", Data: []byte("G28\n")})
	require.ErrorIs(t, err, ErrShuttingDown)
}

func TestStateTerminal(t *testing.T) {
	for _, st := range []State{StateConnecting, StateAwaitingAuth, StateUploading} {
		assert.False(t, st.Terminal(), string(st))
	}
	for _, st := range []State{StateCompleted, StateFailed, StateCancelled} {
		assert.True(t, st.Terminal(), string(st))
	}
}
