// Package sim emulates a Snapmaker-class printer on the LAN: it answers
// discovery probes over UDP and serves the HTTP transfer API, with a
// switchable operator so callers can exercise every authorization outcome
// without hardware on the bench.
package sim

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/snapsend/snapsend/internal/discovery"
)

// Defaults for Options fields left zero.
const (
	DefaultName     = "Snapmaker"
	DefaultModel    = "Snapmaker 2 Model A350"
	DefaultStatus   = "IDLE"
	DefaultTokenTTL = 5 * time.Minute

	// retainedFiles caps how many received uploads stay inspectable.
	retainedFiles = 8
)

// Options configure one simulated printer.
type Options struct {
	// Name is the device name announced on the LAN.
	Name string
	// Model is the announced model string.
	Model string
	// Status is the initial announced status, e.g. IDLE or RUNNING.
	Status string
	// Serial is the device serial reported in status replies.
	Serial string

	// UDPPort is the discovery port to answer probes on. Zero binds an
	// ephemeral port, which tests read back with UDPPort().
	UDPPort int
	// HTTPAddr is the transfer API bind address, e.g. ":8080".
	HTTPAddr string
	// AdvertiseIP overrides the address announcements name. Empty picks an
	// interface address facing the prober.
	AdvertiseIP string

	// AnnounceInterval enables unsolicited periodic announcements. Zero
	// means the printer only answers probes.
	AnnounceInterval time.Duration
	// AnnounceTo is where unsolicited announcements go.
	AnnounceTo string

	// Decision is the simulated operator's standing answer.
	Decision Decision
	// DecisionDelay is how long the operator takes to answer.
	DecisionDelay time.Duration
	// TokenTTL is how long an unused grant survives.
	TokenTTL time.Duration

	// DropUploadAfter kills the connection after this many upload body
	// bytes, for exercising mid-transfer failures. Zero disables it.
	DropUploadAfter int64
	// SaveDir, when set, is where received files are written.
	SaveDir string
}

func (o *Options) fill() {
	if o.Name == "" {
		o.Name = DefaultName
	}
	if o.Model == "" {
		o.Model = DefaultModel
	}
	if o.Status == "" {
		o.Status = DefaultStatus
	}
	if o.HTTPAddr == "" {
		o.HTTPAddr = ":8080"
	}
	if o.AnnounceTo == "" {
		o.AnnounceTo = fmt.Sprintf("255.255.255.255:%d", discovery.DefaultPort)
	}
	if o.TokenTTL <= 0 {
		o.TokenTTL = DefaultTokenTTL
	}
}

// ReceivedFile is one upload the printer accepted.
type ReceivedFile struct {
	Name string
	Size int64
	Data []byte
}

// Printer is a simulated device. Start binds its sockets; Stop tears them
// down and waits for the loops to exit.
type Printer struct {
	opts Options
	log  zerolog.Logger
	auth *authTable

	udp *net.UDPConn
	ln  net.Listener
	srv *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	status   string
	received []ReceivedFile
}

// NewPrinter creates a printer with the given options.
func NewPrinter(opts Options, log zerolog.Logger) *Printer {
	opts.fill()
	p := &Printer{
		opts:   opts,
		log:    log,
		auth:   newAuthTable(opts.TokenTTL),
		status: opts.Status,
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	return p
}

// Start binds the discovery socket and the transfer API.
func (p *Printer) Start() error {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: p.opts.UDPPort})
	if err != nil {
		return fmt.Errorf("failed to bind UDP port %d: %w", p.opts.UDPPort, err)
	}
	p.udp = conn

	ln, err := net.Listen("tcp", p.opts.HTTPAddr)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to bind transfer API %s: %w", p.opts.HTTPAddr, err)
	}
	p.ln = ln
	p.srv = &http.Server{
		Handler:           p.router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	p.wg.Add(2)
	go p.serveHTTP()
	go p.listenLoop()
	if p.opts.AnnounceInterval > 0 {
		p.wg.Add(1)
		go p.announceLoop()
	}

	p.log.Info().Str("name", p.opts.Name).Str("model", p.opts.Model).
		Int("udp_port", p.UDPPort()).Str("api", ln.Addr().String()).
		Msg("printer up")
	return nil
}

// Stop shuts the printer down and waits for the loops to exit.
func (p *Printer) Stop() {
	p.cancel()
	if p.udp != nil {
		p.udp.Close()
	}
	if p.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		p.srv.Shutdown(ctx)
	}
	p.wg.Wait()
	p.log.Info().Msg("printer down")
}

// Addr returns the transfer API address (host:port).
func (p *Printer) Addr() string {
	return p.ln.Addr().String()
}

// UDPPort returns the bound discovery port, useful when Options.UDPPort
// was 0.
func (p *Printer) UDPPort() int {
	if p.udp == nil {
		return p.opts.UDPPort
	}
	return p.udp.LocalAddr().(*net.UDPAddr).Port
}

// SetStatus changes the announced device status.
func (p *Printer) SetStatus(status string) {
	p.mu.Lock()
	p.status = status
	p.mu.Unlock()
}

// Authorize answers every pending connect request like a touchscreen accept.
// Only meaningful with DecisionIgnore.
func (p *Printer) Authorize() int {
	n := p.auth.decideAllPending(authAuthorized)
	if n > 0 {
		p.log.Info().Int("requests", n).Msg("operator authorized")
	}
	return n
}

// Reject answers every pending connect request like a touchscreen refusal.
func (p *Printer) Reject() int {
	n := p.auth.decideAllPending(authDenied)
	if n > 0 {
		p.log.Info().Int("requests", n).Msg("operator rejected")
	}
	return n
}

// Received lists the uploads the printer accepted, oldest first.
func (p *Printer) Received() []ReceivedFile {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ReceivedFile(nil), p.received...)
}

func (p *Printer) serveHTTP() {
	defer p.wg.Done()
	if err := p.srv.Serve(p.ln); err != nil && err != http.ErrServerClosed {
		p.log.Error().Err(err).Msg("transfer API stopped")
	}
}

// listenLoop answers discovery probes until the context ends.
func (p *Printer) listenLoop() {
	defer p.wg.Done()

	buf := make([]byte, discovery.MaxDatagramSize)
	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		p.udp.SetReadDeadline(time.Now().Add(1 * time.Second))

		n, src, err := p.udp.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if p.ctx.Err() != nil {
				return
			}
			p.log.Warn().Err(err).Msg("probe read error")
			continue
		}

		if strings.TrimSpace(string(buf[:n])) != discovery.ProbeMessage {
			continue
		}

		msg := p.announcement(p.advertiseIP(src.IP))
		if _, err := p.udp.WriteToUDP([]byte(msg), src); err != nil {
			if p.ctx.Err() == nil {
				p.log.Debug().Err(err).Stringer("peer", src).Msg("probe reply failed")
			}
			continue
		}
		p.log.Debug().Stringer("peer", src).Msg("answered probe")
	}
}

// announceLoop broadcasts presence on a cadence, the way idle printers
// keep showing up in host device lists without being probed.
func (p *Printer) announceLoop() {
	defer p.wg.Done()

	dst, err := net.ResolveUDPAddr("udp4", p.opts.AnnounceTo)
	if err != nil {
		p.log.Warn().Err(err).Str("to", p.opts.AnnounceTo).Msg("bad announce target")
		return
	}

	p.announceTo(dst)

	ticker := time.NewTicker(p.opts.AnnounceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			p.announceTo(dst)
		}
	}
}

func (p *Printer) announceTo(dst *net.UDPAddr) {
	msg := p.announcement(p.advertiseIP(dst.IP))
	if _, err := p.udp.WriteToUDP([]byte(msg), dst); err != nil && p.ctx.Err() == nil {
		p.log.Debug().Err(err).Msg("announce failed")
	}
}

// announcement renders the discovery wire line.
func (p *Printer) announcement(ip string) string {
	p.mu.Lock()
	status := p.status
	p.mu.Unlock()
	return fmt.Sprintf("%s@%s|model:%s|status:%s", p.opts.Name, ip, p.opts.Model, status)
}

// advertiseIP picks the address announcements name. An explicit option wins;
// otherwise prefer an interface address on the peer's network, so hosts on
// the LAN get an address they can actually dial.
func (p *Printer) advertiseIP(peer net.IP) string {
	if p.opts.AdvertiseIP != "" {
		return p.opts.AdvertiseIP
	}
	if peer != nil && peer.IsLoopback() {
		return "127.0.0.1"
	}

	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return "127.0.0.1"
	}
	var first string
	for _, addr := range addrs {
		ipn, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		ip4 := ipn.IP.To4()
		if ip4 == nil || ip4.IsLoopback() {
			continue
		}
		if peer != nil && ipn.Contains(peer) {
			return ip4.String()
		}
		if first == "" {
			first = ip4.String()
		}
	}
	if first != "" {
		return first
	}
	return "127.0.0.1"
}
