// Package transfer runs delivery sessions against printers: connect,
// wait for touchscreen authorization, stream the payload, confirm. One
// session per device at a time; every terminal state carries a reason the
// caller can act on. Nothing here retries on its own, since most failures
// need a fresh human decision on the device.
package transfer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/snapsend/snapsend/internal/device"
	"github.com/snapsend/snapsend/internal/events"
)

// Payload is the finished encoder output headed for one device.
type Payload struct {
	Filename string
	Data     []byte
}

// progressEventStep is the minimum progress advance between published
// progress events, keeping the bus quiet on big uploads.
const progressEventStep = 0.01

// disconnectTimeout bounds the best-effort goodbye after a session ends.
const disconnectTimeout = 2 * time.Second

// Session is one transfer attempt. All exported reads go through Snapshot
// or the small accessors; the run loop is the only writer.
type Session struct {
	ID         string
	DeviceID   string
	DeviceName string
	Addr       string
	Filename   string
	Size       int64

	mu            sync.Mutex
	state         State
	reason        Reason
	err           error
	progress      float64
	lastPublished float64
	deviceStatus  string
	startedAt     time.Time
	finishedAt    time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// runDeps is everything a session needs while running.
type runDeps struct {
	client      *device.Client
	savedToken  string
	saveToken   func(token string)
	authTimeout time.Duration
	authPoll    time.Duration
	publish     func(events.Event)
	onProgress  func(sessionID string, sentBytes int64)
	onTerminal  func(*Session)
	log         zerolog.Logger
}

// Done is closed when the session reaches a terminal state.
func (s *Session) Done() <-chan struct{} { return s.done }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Err returns the terminal error, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Cancel moves a non-terminal session toward CANCELLED. Calling it again,
// or on a finished session, does nothing.
func (s *Session) Cancel() {
	s.mu.Lock()
	terminal := s.state.Terminal()
	s.mu.Unlock()
	if terminal {
		return
	}
	s.cancel()
}

// Snapshot returns a copy safe to hand to events, JSON and history.
func (s *Session) Snapshot() events.SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := events.SessionSnapshot{
		ID:         s.ID,
		DeviceID:   s.DeviceID,
		DeviceName: s.DeviceName,
		Filename:   s.Filename,
		State:      string(s.state),
		Reason:     string(s.reason),
		Progress:   s.progress,
		SizeBytes:  s.Size,
		StartedAt:  s.startedAt,
		FinishedAt: s.finishedAt,
	}
	if s.err != nil {
		snap.Error = s.err.Error()
	}
	return snap
}

// run drives the protocol to a terminal state. It is started by the Manager
// in its own goroutine.
func (s *Session) run(ctx context.Context, payload Payload, deps runDeps) {
	defer deps.onTerminal(s)

	s.transition(StateConnecting, deps)

	token, err := deps.client.Connect(ctx, deps.savedToken)
	if errors.Is(err, device.ErrTokenExpired) {
		// The printer forgot us; ask for a fresh approval.
		deps.log.Debug().Str("device", s.DeviceID).Msg("saved token expired, reconnecting")
		token, err = deps.client.Connect(ctx, "")
	}
	if err != nil {
		if ctx.Err() != nil {
			s.finish(StateCancelled, ReasonCancelled, ctx.Err(), deps)
			return
		}
		s.finish(StateFailed, ReasonUnreachable, err, deps)
		return
	}
	if token != deps.savedToken && deps.saveToken != nil {
		deps.saveToken(token)
	}

	// From here on the device knows about us; say goodbye on every path.
	defer func() {
		dctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
		defer cancel()
		if derr := deps.client.Disconnect(dctx, token); derr != nil {
			deps.log.Debug().Err(derr).Str("device", s.DeviceID).Msg("disconnect failed")
		}
	}()

	s.transition(StateAwaitingAuth, deps)
	if ok := s.awaitAuthorization(ctx, token, deps); !ok {
		return
	}

	s.transition(StateUploading, deps)
	err = deps.client.Upload(ctx, token, s.Filename, payload.Data, func(sent, total int64) {
		s.advance(sent, total, deps)
	})
	if err != nil {
		switch {
		case ctx.Err() != nil:
			s.finish(StateCancelled, ReasonCancelled, ctx.Err(), deps)
		case errors.Is(err, device.ErrDenied):
			s.finish(StateFailed, ReasonDenied, err, deps)
		default:
			s.finish(StateFailed, ReasonConnectionLost, err, deps)
		}
		return
	}

	// The 200 on upload is the device's receipt acknowledgement.
	s.finish(StateCompleted, "", nil, deps)
}

// awaitAuthorization polls until the operator decides, the window closes or
// the caller cancels. Returns true only on authorization.
func (s *Session) awaitAuthorization(ctx context.Context, token string, deps runDeps) bool {
	deadline := time.NewTimer(deps.authTimeout)
	defer deadline.Stop()

	for {
		reply, err := deps.client.Status(ctx, token)
		if err != nil {
			if ctx.Err() != nil {
				s.finish(StateCancelled, ReasonCancelled, ctx.Err(), deps)
				return false
			}
			// Transient poll errors just burn authorization time.
			deps.log.Debug().Err(err).Str("device", s.DeviceID).Msg("authorization poll failed")
		} else {
			switch reply.Auth {
			case device.AuthAuthorized:
				s.setDeviceStatus(reply.Status)
				return true
			case device.AuthDenied:
				s.finish(StateFailed, ReasonDenied, device.ErrDenied, deps)
				return false
			}
		}

		select {
		case <-ctx.Done():
			s.finish(StateCancelled, ReasonCancelled, ctx.Err(), deps)
			return false
		case <-deadline.C:
			s.finish(StateFailed, ReasonTimeout, errors.New("no authorization response from device"), deps)
			return false
		case <-time.After(deps.authPoll):
		}
	}
}

// advance applies a progress report, keeping the surfaced value monotonic,
// and publishes a progress event when it moved enough to matter.
func (s *Session) advance(sent, total int64, deps runDeps) {
	var fraction float64
	if total > 0 {
		fraction = float64(sent) / float64(total)
	} else {
		fraction = 1
	}

	s.mu.Lock()
	if fraction > s.progress {
		s.progress = fraction
	}
	shouldPublish := s.progress-s.lastPublished >= progressEventStep || s.progress >= 1
	if shouldPublish {
		s.lastPublished = s.progress
	}
	s.mu.Unlock()

	if deps.onProgress != nil {
		deps.onProgress(s.ID, sent)
	}
	if shouldPublish && deps.publish != nil {
		snap := s.Snapshot()
		deps.publish(events.Event{Type: events.TypeSessionProgress, Session: &snap})
	}
}

// transition moves to a non-terminal state and announces it.
func (s *Session) transition(next State, deps runDeps) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.state = next
	s.mu.Unlock()

	deps.log.Info().Str("session", s.ID).Str("device", s.DeviceID).
		Str("state", string(next)).Msg("session state")
	if deps.publish != nil {
		snap := s.Snapshot()
		deps.publish(events.Event{Type: events.TypeSessionState, Session: &snap})
	}
}

// finish records the terminal state exactly once.
func (s *Session) finish(state State, reason Reason, err error, deps runDeps) {
	s.mu.Lock()
	if s.state.Terminal() {
		s.mu.Unlock()
		return
	}
	s.state = state
	s.reason = reason
	s.err = err
	s.finishedAt = time.Now()
	if state == StateCompleted {
		s.progress = 1
	}
	s.mu.Unlock()

	close(s.done)

	evt := deps.log.Info()
	if state == StateFailed {
		evt = deps.log.Warn().Err(err).Str("reason", string(reason))
	}
	evt.Str("session", s.ID).Str("device", s.DeviceID).
		Str("state", string(state)).Msg("session finished")

	if deps.publish != nil {
		snap := s.Snapshot()
		deps.publish(events.Event{Type: events.TypeSessionState, Session: &snap})
	}
}

func (s *Session) setDeviceStatus(status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deviceStatus = status
}

// DeviceStatus returns what the device reported about itself when it
// authorized the session, e.g. IDLE.
func (s *Session) DeviceStatus() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deviceStatus
}

// Progress returns the monotonic progress fraction in [0, 1].
func (s *Session) Progress() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.progress
}
