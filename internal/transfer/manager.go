package transfer

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/snapsend/snapsend/internal/device"
	"github.com/snapsend/snapsend/internal/events"
	"github.com/snapsend/snapsend/internal/metrics"
	"github.com/snapsend/snapsend/internal/registry"
	"github.com/snapsend/snapsend/internal/tokens"
)

// ErrShuttingDown is returned by Send after Shutdown has begun.
var ErrShuttingDown = errors.New("transfer: shutting down")

// Recorder persists finished sessions. history.Store satisfies it.
type Recorder interface {
	Record(snap events.SessionSnapshot) error
}

// Defaults for Options fields left zero.
const (
	DefaultAuthTimeout = 60 * time.Second
	DefaultAuthPoll    = 1500 * time.Millisecond

	// retainTerminal caps how many finished sessions stay queryable by id.
	retainTerminal = 50
)

// Options tunes session behavior.
type Options struct {
	// AuthTimeout is how long a session waits for the touchscreen decision.
	AuthTimeout time.Duration
	// AuthPoll is the interval between authorization polls.
	AuthPoll time.Duration
}

func (o *Options) fill() {
	if o.AuthTimeout <= 0 {
		o.AuthTimeout = DefaultAuthTimeout
	}
	if o.AuthPoll <= 0 {
		o.AuthPoll = DefaultAuthPoll
	}
}

// Manager starts and tracks transfer sessions, one per device at a time.
type Manager struct {
	reg     *registry.Registry
	bus     *events.Bus
	tokens  *tokens.Store
	metrics *metrics.Store
	history Recorder
	opts    Options
	log     zerolog.Logger

	mu       sync.Mutex
	active   map[string]*Session // device id -> in-flight session
	byID     map[string]*Session // session id -> session, active and recent
	recent   []string            // terminal session ids, oldest first
	wg       sync.WaitGroup
	shutdown bool
}

// NewManager wires a manager. metrics and history may be nil.
func NewManager(reg *registry.Registry, bus *events.Bus, tok *tokens.Store, met *metrics.Store, hist Recorder, opts Options, log zerolog.Logger) *Manager {
	opts.fill()
	return &Manager{
		reg:     reg,
		bus:     bus,
		tokens:  tok,
		metrics: met,
		history: hist,
		opts:    opts,
		log:     log,
		active:  make(map[string]*Session),
		byID:    make(map[string]*Session),
	}
}

// Send starts a session delivering payload to the device. It fails fast with
// ErrDeviceNotFound when the device is not in the registry and ErrDeviceBusy
// when a session for it is already in flight; everything after that is
// reported through the session itself.
func (m *Manager) Send(deviceID string, payload Payload) (*Session, error) {
	rec, ok := m.reg.Get(deviceID)
	if !ok {
		return nil, ErrDeviceNotFound
	}

	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return nil, ErrShuttingDown
	}
	if existing, ok := m.active[deviceID]; ok && !existing.State().Terminal() {
		m.mu.Unlock()
		return nil, ErrDeviceBusy
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:         uuid.NewString(),
		DeviceID:   rec.ID,
		DeviceName: rec.Name,
		Addr:       rec.Addr,
		Filename:   payload.Filename,
		Size:       int64(len(payload.Data)),
		state:      StateConnecting,
		startedAt:  time.Now(),
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	m.active[deviceID] = s
	m.byID[s.ID] = s
	m.wg.Add(1)
	m.mu.Unlock()

	deps := runDeps{
		client:      device.NewClient(rec.Addr, m.log),
		savedToken:  m.tokens.Get(deviceID),
		saveToken:   m.tokenSaver(deviceID),
		authTimeout: m.opts.AuthTimeout,
		authPoll:    m.opts.AuthPoll,
		publish:     m.bus.Publish,
		onTerminal:  m.sessionDone,
		log:         m.log,
	}
	if m.metrics != nil {
		deps.onProgress = m.metrics.Add
	}

	m.log.Info().Str("session", s.ID).Str("device", deviceID).
		Str("filename", payload.Filename).Int64("size", s.Size).Msg("transfer started")

	go func() {
		defer m.wg.Done()
		s.run(ctx, payload, deps)
	}()
	return s, nil
}

// Cancel requests cancellation of the device's in-flight session. With no
// session running it does nothing, so callers need not check first.
func (m *Manager) Cancel(deviceID string) {
	m.mu.Lock()
	s := m.active[deviceID]
	m.mu.Unlock()
	if s != nil {
		s.Cancel()
	}
}

// Session looks up a session by id, including recently finished ones.
func (m *Manager) Session(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.byID[id]
	return s, ok
}

// ActiveSession returns the device's in-flight session, if any.
func (m *Manager) ActiveSession(deviceID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.active[deviceID]
	return s, ok
}

// Sessions returns snapshots of every known session, newest first.
func (m *Manager) Sessions() []events.SessionSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snaps := make([]events.SessionSnapshot, 0, len(m.byID))
	for _, s := range m.byID {
		snaps = append(snaps, s.Snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].StartedAt.After(snaps[j].StartedAt)
	})
	return snaps
}

// Shutdown cancels every in-flight session and waits for them to finish.
// Send fails with ErrShuttingDown from the first call on.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.shutdown = true
	running := make([]*Session, 0, len(m.active))
	for _, s := range m.active {
		running = append(running, s)
	}
	m.mu.Unlock()

	for _, s := range running {
		s.Cancel()
	}
	m.wg.Wait()
}

// tokenSaver persists rotated tokens for one device.
func (m *Manager) tokenSaver(deviceID string) func(string) {
	return func(token string) {
		if err := m.tokens.Set(deviceID, token); err != nil {
			m.log.Warn().Err(err).Str("device", deviceID).Msg("failed to persist token")
		}
	}
}

// sessionDone runs once per session after it reaches a terminal state.
func (m *Manager) sessionDone(s *Session) {
	m.mu.Lock()
	if m.active[s.DeviceID] == s {
		delete(m.active, s.DeviceID)
	}
	m.recent = append(m.recent, s.ID)
	for len(m.recent) > retainTerminal {
		oldest := m.recent[0]
		m.recent = m.recent[1:]
		delete(m.byID, oldest)
	}
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.Remove(s.ID)
	}
	if m.history != nil {
		if err := m.history.Record(s.Snapshot()); err != nil {
			m.log.Warn().Err(err).Str("session", s.ID).Msg("failed to record session history")
		}
	}
}
