package ui

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Spinner renders a one-line wait indicator for the stretches where the CLI
// sits blocked on the network, such as a LAN scan or a touchscreen prompt.
// Stop erases the line so whatever prints next starts on a clean row.
type Spinner struct {
	out io.Writer

	mu     sync.Mutex
	msg    string
	active bool
	begun  time.Time
	quit   chan struct{}
	wg     sync.WaitGroup
	width  int
}

// Braille cells all render one column wide, so the line never jitters.
const spinnerFrames = "⠋⠙⠹⠸⠼⠴⠦⠧⠇⠏"

const spinnerTick = 90 * time.Millisecond

// Past this the line grows an elapsed counter. A touchscreen prompt can sit
// unanswered for a while and the counter shows the wait is ours, not a hang.
const spinnerCountAfter = 3 * time.Second

// NewSpinner returns a stopped spinner with the given message.
func NewSpinner(message string) *Spinner {
	return &Spinner{out: os.Stdout, msg: message}
}

// Start launches the animation. Starting a running spinner is a no-op.
func (s *Spinner) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		return
	}
	s.active = true
	s.begun = time.Now()
	s.quit = make(chan struct{})
	s.wg.Add(1)
	go s.loop(s.quit)
}

func (s *Spinner) loop(quit chan struct{}) {
	defer s.wg.Done()

	frames := []rune(spinnerFrames)
	ticker := time.NewTicker(spinnerTick)
	defer ticker.Stop()

	for turn := 0; ; turn++ {
		select {
		case <-quit:
			s.erase()
			return
		case <-ticker.C:
			s.draw(string(frames[turn%len(frames)]))
		}
	}
}

func (s *Spinner) draw(frame string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tail := s.msg
	if waited := time.Since(s.begun); waited >= spinnerCountAfter {
		tail += fmt.Sprintf(" (%ds)", int(waited.Seconds()))
	}
	// Frame plus space plus text; pad over leftovers from a longer line.
	width := 2 + len([]rune(tail))
	pad := ""
	if width < s.width {
		pad = strings.Repeat(" ", s.width-width)
	}
	s.width = width
	fmt.Fprint(s.out, "\r", Color(Cyan, frame), " ", tail, pad)
}

func (s *Spinner) erase() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.width > 0 {
		fmt.Fprint(s.out, "\r", strings.Repeat(" ", s.width), "\r")
		s.width = 0
	}
}

// Stop ends the animation and clears the line. Stopping twice is safe.
func (s *Spinner) Stop() {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	close(s.quit)
	s.mu.Unlock()
	s.wg.Wait()
}

// StopWith ends the animation and leaves a closing line in its place, the
// way "✓ Authorized" lands once the touchscreen answers.
func (s *Spinner) StopWith(symbol, message string) {
	s.Stop()
	fmt.Fprintf(s.out, "%s %s\n", symbol, message)
}

// SetMessage swaps the text mid-spin, e.g. from connecting to waiting.
func (s *Spinner) SetMessage(msg string) {
	s.mu.Lock()
	s.msg = msg
	s.mu.Unlock()
}

// IsRunning reports whether the animation goroutine is live.
func (s *Spinner) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}
