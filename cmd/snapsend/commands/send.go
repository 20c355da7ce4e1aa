package commands

import (
	"context"
	"fmt"
	"image"
	"image/png"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/snapsend/snapsend/internal/config"
	"github.com/snapsend/snapsend/internal/discovery"
	"github.com/snapsend/snapsend/internal/events"
	"github.com/snapsend/snapsend/internal/gcode"
	"github.com/snapsend/snapsend/internal/history"
	"github.com/snapsend/snapsend/internal/metrics"
	"github.com/snapsend/snapsend/internal/registry"
	"github.com/snapsend/snapsend/internal/tokens"
	"github.com/snapsend/snapsend/internal/transfer"
	"github.com/snapsend/snapsend/internal/ui"
)

var (
	sendPrinter string
	sendName    string
	sendThumb   string
	sendWait    time.Duration
)

var sendCmd = &cobra.Command{
	Use:   "send FILE",
	Short: "Send a G-code file to a printer",
	Long: `Encode FILE with the job header the touchscreen expects and stream it to
a printer. The printer asks for confirmation on its touchscreen the first
time; answer Yes and snapsend remembers the granted token for next time.

The --printer value may be a device id ("Lab@Snapmaker 2 Model A350"), a
device name ("Lab"), or an address ("10.0.0.12" or "10.0.0.12:8080").
Addresses skip discovery entirely.

Examples:
  snapsend send benchy.gcode --printer Lab
  snapsend send benchy.gcode --printer 10.0.0.12 --thumbnail benchy.png`,
	Args: cobra.ExactArgs(1),
	RunE: runSend,
}

func init() {
	sendCmd.Flags().StringVarP(&sendPrinter, "printer", "p", "", "Printer id, name or address (required)")
	sendCmd.Flags().StringVar(&sendName, "name", "", "Job name shown on the touchscreen (default: derived from FILE)")
	sendCmd.Flags().StringVar(&sendThumb, "thumbnail", "", "PNG preview embedded in the job header")
	sendCmd.Flags().DurationVar(&sendWait, "wait", 10*time.Second, "How long to look for the printer on the LAN")
	_ = sendCmd.MarkFlagRequired("printer")
	rootCmd.AddCommand(sendCmd)
}

func runSend(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := cliLogger(cfg)

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", args[0], err)
	}

	p := gcode.ParseParams(data)
	if sendName != "" {
		p.JobName = sendName
	}
	if p.JobName == "" {
		p.JobName = strings.TrimSuffix(filepath.Base(args[0]), filepath.Ext(args[0]))
	}

	thumb, err := loadThumbnail(sendThumb)
	if err != nil {
		return err
	}

	payload, err := gcode.Encode(p, thumb, data)
	if err != nil {
		return err
	}
	filename := filepath.Base(args[0])

	ctx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	reg := registry.New(cfg.Discovery.UnreachableAfter)
	bus := events.NewBus()

	rec, err := resolvePrinter(ctx, cfg, reg, bus, log)
	if err != nil {
		return err
	}

	paths, err := config.GetPaths()
	if err != nil {
		return err
	}
	if err := paths.EnsureDirectories(); err != nil {
		return err
	}

	tok := tokens.Open(paths.TokensFile)
	met := metrics.NewStore()
	defer met.Stop()

	// Best-effort history; a broken db should not block a send.
	var recorder transfer.Recorder
	if hist, histErr := history.Open(historyPath(cfg, paths)); histErr != nil {
		log.Warn().Err(histErr).Msg("history unavailable")
	} else {
		recorder = hist
		defer hist.Close()
		defer hist.Prune(cfg.History.Keep)
	}

	mgr := transfer.NewManager(reg, bus, tok, met, recorder, transfer.Options{
		AuthTimeout: cfg.Transfer.AuthTimeout,
		AuthPoll:    cfg.Transfer.AuthPoll,
	}, log)
	defer mgr.Shutdown()

	subID, ch := bus.Subscribe(64)
	defer bus.Unsubscribe(subID)

	s, err := mgr.Send(rec.ID, transfer.Payload{Filename: filename, Data: payload})
	if err != nil {
		return err
	}

	go func() {
		select {
		case <-ctx.Done():
			mgr.Cancel(rec.ID)
		case <-s.Done():
		}
	}()

	return followTransfer(s, ch, met, rec, filename, int64(len(payload)))
}

// followTransfer renders session progress until the session is terminal and
// translates the outcome into an exit message.
func followTransfer(s *transfer.Session, ch <-chan events.Event, met *metrics.Store, rec registry.Record, filename string, size int64) error {
	interactive := ui.IsTTY()

	var sp *ui.Spinner
	if interactive {
		sp = ui.NewSpinner(fmt.Sprintf("Connecting to %s...", rec.Name))
		sp.Start()
	}
	barShown := false

	for {
		select {
		case evt := <-ch:
			if evt.Session == nil || evt.Session.ID != s.ID {
				continue
			}
			switch evt.Type {
			case events.TypeSessionState:
				switch transfer.State(evt.Session.State) {
				case transfer.StateAwaitingAuth:
					if sp != nil {
						sp.SetMessage("Waiting for the touchscreen... tap Yes on the printer")
					} else {
						fmt.Println("Waiting for authorization on the touchscreen...")
					}
				case transfer.StateUploading:
					if sp != nil {
						sp.StopWith(ui.Color(ui.Green, "✓"), "Authorized")
						sp = nil
					} else {
						fmt.Println("Uploading...")
					}
				}
			case events.TypeSessionProgress:
				if interactive && sp == nil {
					fmt.Printf("\r%s  %-12s", ui.RenderProgressBar(evt.Session.Progress, 30), throughputLabel(met, s.ID))
					barShown = true
				}
			}

		case <-s.Done():
			if sp != nil {
				sp.Stop()
			}
			return reportOutcome(s, rec, filename, size, barShown)
		}
	}
}

func reportOutcome(s *transfer.Session, rec registry.Record, filename string, size int64, barShown bool) error {
	snap := s.Snapshot()
	if barShown {
		fmt.Printf("\r%s  %-12s\n", ui.RenderProgressBar(snap.Progress, 30), "")
	}

	switch transfer.State(snap.State) {
	case transfer.StateCompleted:
		elapsed := snap.FinishedAt.Sub(snap.StartedAt).Truncate(100 * time.Millisecond)
		fmt.Print(ui.NewCard("Send complete").
			Add("File", filename).
			Add("Printer", printerLabel(rec)).
			Add("Size", ui.FormatBytes(size)).
			Add("Elapsed", elapsed.String()).
			Render())
		fmt.Println(ui.RenderDim("Start the print from the touchscreen."))
		return nil

	case transfer.StateCancelled:
		return fmt.Errorf("transfer cancelled")

	default:
		reason := transfer.Reason(snap.Reason)
		if hint := ui.ReasonHint(reason); hint != "" {
			fmt.Println(ui.RenderDim(hint))
		}
		if snap.Error != "" {
			return fmt.Errorf("transfer failed (%s): %s", snap.Reason, snap.Error)
		}
		return fmt.Errorf("transfer failed (%s)", snap.Reason)
	}
}

// resolvePrinter matches --printer against the LAN. Literal addresses skip
// discovery; ids and names are matched against what answers a probe.
func resolvePrinter(ctx context.Context, cfg *config.Config, reg *registry.Registry, bus *events.Bus, log zerolog.Logger) (registry.Record, error) {
	if addr, ok := printerAddr(sendPrinter, cfg.Transfer.Port); ok {
		rec := registry.Record{
			ID:       sendPrinter,
			Name:     sendPrinter,
			Addr:     addr,
			Status:   registry.StatusIdle,
			LastSeen: time.Now(),
		}
		reg.Upsert(rec)
		return rec, nil
	}

	svc := discovery.NewService(discoveryOptions(cfg), reg, bus, log)
	if err := svc.Start(); err != nil {
		return registry.Record{}, err
	}
	defer svc.Stop()

	var sp *ui.Spinner
	if ui.IsTTY() {
		sp = ui.NewSpinner(fmt.Sprintf("Looking for %q on the LAN...", sendPrinter))
		sp.Start()
	}

	deadline := time.NewTimer(sendWait)
	defer deadline.Stop()
	tick := time.NewTicker(150 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-ctx.Done():
			if sp != nil {
				sp.Stop()
			}
			return registry.Record{}, ctx.Err()
		case <-deadline.C:
			if sp != nil {
				sp.Stop()
			}
			return registry.Record{}, fmt.Errorf("no printer matching %q answered within %s", sendPrinter, sendWait)
		case <-tick.C:
			if rec, ok := matchPrinter(reg.Snapshot(), sendPrinter); ok {
				if sp != nil {
					sp.StopWith(ui.Color(ui.Green, "✓"), fmt.Sprintf("Found %s at %s", printerLabel(rec), rec.Addr))
				}
				return rec, nil
			}
		}
	}
}

func matchPrinter(devices []registry.Record, query string) (registry.Record, bool) {
	for _, d := range devices {
		if d.ID == query || strings.EqualFold(d.Name, query) || d.Addr == query {
			return d, true
		}
	}
	return registry.Record{}, false
}

// printerAddr reports whether query is a literal address, normalized to
// host:port with the default transfer port.
func printerAddr(query string, transferPort int) (string, bool) {
	if host, _, err := net.SplitHostPort(query); err == nil {
		if net.ParseIP(host) != nil {
			return query, true
		}
		return "", false
	}
	if net.ParseIP(query) != nil {
		return net.JoinHostPort(query, strconv.Itoa(transferPort)), true
	}
	return "", false
}

func printerLabel(rec registry.Record) string {
	if rec.Model == "" || rec.Model == rec.Name {
		return rec.Name
	}
	return fmt.Sprintf("%s (%s)", rec.Name, rec.Model)
}

func throughputLabel(met *metrics.Store, sessionID string) string {
	bps := met.Throughput(sessionID)
	if bps <= 0 {
		return ""
	}
	return ui.FormatBytes(int64(bps)) + "/s"
}

func loadThumbnail(path string) (image.Image, error) {
	if path == "" {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open thumbnail: %w", err)
	}
	defer f.Close()

	img, err := png.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("thumbnail must be a PNG: %w", err)
	}
	return img, nil
}
