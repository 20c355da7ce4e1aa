// Package discovery finds printers on the LAN. A probe datagram goes out on
// every broadcast interface; printers answer (or announce on their own) on
// the same UDP port, and each announcement upserts the registry. A sweep
// loop evicts anything silent past the staleness window, so a powered-off
// printer disappears from the device list instead of lingering.
package discovery

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/snapsend/snapsend/internal/events"
	"github.com/snapsend/snapsend/internal/registry"
)

const (
	// DefaultPort is the UDP port Snapmaker printers listen and answer on
	DefaultPort = 20054
	// DefaultProbeInterval is how often the probe goes out
	DefaultProbeInterval = 6 * time.Second
	// DefaultSweepInterval is how often stale records are evicted
	DefaultSweepInterval = 5 * time.Second
	// DefaultStaleAfter is how long before an unheard device is evicted
	DefaultStaleAfter = 30 * time.Second
)

// Options tunes a Service. Zero values take the defaults above.
type Options struct {
	Port          int
	TransferPort  int
	ProbeInterval time.Duration
	SweepInterval time.Duration
	StaleAfter    time.Duration
	ModelPrefix   string
}

func (o *Options) fill() {
	if o.Port == 0 {
		o.Port = DefaultPort
	}
	if o.TransferPort == 0 {
		o.TransferPort = 8080
	}
	if o.ProbeInterval == 0 {
		o.ProbeInterval = DefaultProbeInterval
	}
	if o.SweepInterval == 0 {
		o.SweepInterval = DefaultSweepInterval
	}
	if o.StaleAfter == 0 {
		o.StaleAfter = DefaultStaleAfter
	}
}

// Service handles UDP probe/announce discovery. It is the registry's only
// writer; everyone else reads snapshots.
type Service struct {
	opts     Options
	registry *registry.Registry
	bus      *events.Bus
	log      zerolog.Logger

	conn *net.UDPConn

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService creates a discovery service publishing into reg and bus.
func NewService(opts Options, reg *registry.Registry, bus *events.Bus, log zerolog.Logger) *Service {
	opts.fill()
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		opts:     opts,
		registry: reg,
		bus:      bus,
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start binds the socket and starts the listen, probe and sweep loops.
func (s *Service) Start() error {
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: s.opts.Port})
	if err != nil {
		return fmt.Errorf("failed to bind UDP port %d: %w", s.opts.Port, err)
	}
	s.conn = conn

	if err := conn.SetReadBuffer(MaxDatagramSize * 16); err != nil {
		s.log.Warn().Err(err).Msg("failed to set read buffer")
	}

	s.wg.Add(3)
	go s.listenLoop()
	go s.probeLoop()
	go s.sweepLoop()

	s.log.Info().Int("port", s.opts.Port).Msg("discovery started")
	return nil
}

// Stop shuts the service down and waits for the loops to exit.
func (s *Service) Stop() {
	s.cancel()
	if s.conn != nil {
		s.conn.Close()
	}
	s.wg.Wait()
	s.log.Info().Msg("discovery stopped")
}

// Probe sends one probe round immediately, outside the regular cadence.
// CLI device listing calls this to shorten the first-response wait.
func (s *Service) Probe() {
	s.sendProbe()
}

// Port returns the bound UDP port, useful when Options.Port was 0.
func (s *Service) Port() int {
	if s.conn == nil {
		return s.opts.Port
	}
	return s.conn.LocalAddr().(*net.UDPAddr).Port
}

// listenLoop receives announcements until the context ends.
func (s *Service) listenLoop() {
	defer s.wg.Done()

	buf := make([]byte, MaxDatagramSize)
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		// Read deadline keeps the ctx check reachable.
		s.conn.SetReadDeadline(time.Now().Add(1 * time.Second))

		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			if s.ctx.Err() != nil {
				return
			}
			s.log.Warn().Err(err).Msg("read error")
			continue
		}

		rec, ok := parseAnnounce(buf[:n], addr, s.opts.TransferPort, s.opts.ModelPrefix)
		if !ok {
			continue
		}
		s.apply(rec)
	}
}

// apply upserts one announcement and publishes the matching event.
func (s *Service) apply(rec registry.Record) {
	prev, existed := s.registry.Get(rec.ID)
	isNew := s.registry.Upsert(rec)

	switch {
	case isNew:
		s.log.Info().Str("device", rec.ID).Str("addr", rec.Addr).
			Str("status", string(rec.Status)).Msg("printer found")
		s.publish(events.TypeDeviceDiscovered, rec)
	case existed && (prev.Status != rec.Status || prev.Addr != rec.Addr):
		s.log.Debug().Str("device", rec.ID).Str("status", string(rec.Status)).Msg("printer updated")
		s.publish(events.TypeDeviceUpdated, rec)
	}
}

// probeLoop broadcasts the probe datagram on a fixed cadence.
func (s *Service) probeLoop() {
	defer s.wg.Done()

	s.sendProbe()

	ticker := time.NewTicker(s.opts.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.sendProbe()
		}
	}
}

// sendProbe writes the probe to every broadcast address we can reach.
func (s *Service) sendProbe() {
	for _, addr := range s.broadcastAddrs() {
		if _, err := s.conn.WriteToUDP([]byte(ProbeMessage), addr); err != nil {
			// Broadcast failures are routine on some networks.
			if s.ctx.Err() == nil {
				s.log.Debug().Err(err).Str("addr", addr.String()).Msg("probe failed")
			}
		}
	}
}

// broadcastAddrs returns the per-interface IPv4 broadcast addresses plus the
// limited broadcast, so probes reach every attached subnet.
func (s *Service) broadcastAddrs() []*net.UDPAddr {
	addrs := []*net.UDPAddr{{IP: net.IPv4bcast, Port: s.opts.Port}}

	ifaces, err := net.Interfaces()
	if err != nil {
		return addrs
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		ifAddrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, a := range ifAddrs {
			ipnet, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			ip4 := ipnet.IP.To4()
			if ip4 == nil {
				continue
			}
			mask := ipnet.Mask
			if len(mask) == net.IPv6len {
				mask = mask[12:]
			}
			if len(mask) != net.IPv4len {
				continue
			}
			bcast := make(net.IP, net.IPv4len)
			for i := range ip4 {
				bcast[i] = ip4[i] | ^mask[i]
			}
			addrs = append(addrs, &net.UDPAddr{IP: bcast, Port: s.opts.Port})
		}
	}
	return addrs
}

// sweepLoop evicts records past the staleness window.
func (s *Service) sweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			for _, rec := range s.registry.EvictStale(s.opts.StaleAfter) {
				s.log.Info().Str("device", rec.ID).
					Dur("silent", time.Since(rec.LastSeen)).Msg("printer lost")
				s.publish(events.TypeDeviceLost, rec)
			}
		}
	}
}

func (s *Service) publish(t events.Type, rec registry.Record) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(events.Event{Type: t, Device: &rec})
}
