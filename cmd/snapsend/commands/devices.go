package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/snapsend/snapsend/internal/config"
	"github.com/snapsend/snapsend/internal/discovery"
	"github.com/snapsend/snapsend/internal/events"
	"github.com/snapsend/snapsend/internal/registry"
	"github.com/snapsend/snapsend/internal/ui"
)

var (
	devicesWatch bool
	devicesJSON  bool
	devicesWait  time.Duration
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "Discover printers on the LAN",
	Long: `Probe the local network for Snapmaker printers and list what answered.

One-shot mode scans for --wait and prints a table. Watch mode keeps the
table on screen and refreshes it as printers come and go; with --json it
streams one event per line instead.

Examples:
  snapsend devices
  snapsend devices --wait 5s --json
  snapsend devices --watch`,
	RunE: runDevices,
}

func init() {
	devicesCmd.Flags().BoolVar(&devicesWatch, "watch", false, "Keep watching and refresh as printers come and go")
	devicesCmd.Flags().BoolVar(&devicesJSON, "json", false, "Emit JSON instead of a table")
	devicesCmd.Flags().DurationVar(&devicesWait, "wait", 3*time.Second, "How long to scan in one-shot mode")
	rootCmd.AddCommand(devicesCmd)
}

func runDevices(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := cliLogger(cfg)

	reg := registry.New(cfg.Discovery.UnreachableAfter)
	bus := events.NewBus()
	svc := discovery.NewService(discoveryOptions(cfg), reg, bus, log)
	if err := svc.Start(); err != nil {
		return err
	}
	defer svc.Stop()

	if devicesWatch {
		return watchDevices(reg, bus)
	}

	if ui.IsTTY() && !devicesJSON {
		sp := ui.NewSpinner("Scanning for printers...")
		sp.Start()
		time.Sleep(devicesWait)
		sp.Stop()
	} else {
		time.Sleep(devicesWait)
	}

	devices := reg.Snapshot()
	if devicesJSON {
		return json.NewEncoder(os.Stdout).Encode(devices)
	}
	fmt.Print(ui.RenderDeviceTable(devices))
	return nil
}

func watchDevices(reg *registry.Registry, bus *events.Bus) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	id, ch := bus.Subscribe(16)
	defer bus.Unsubscribe(id)

	if devicesJSON {
		enc := json.NewEncoder(os.Stdout)
		for {
			select {
			case <-ctx.Done():
				return nil
			case evt := <-ch:
				if evt.Device == nil {
					continue
				}
				if err := enc.Encode(evt); err != nil {
					return err
				}
			}
		}
	}

	redraw := func() {
		fmt.Print("\033[H\033[2J")
		fmt.Print(ui.RenderDeviceTable(reg.Snapshot()))
		fmt.Println(ui.RenderDim("Watching... press Ctrl+C to stop"))
	}
	redraw()

	// The ticker keeps LAST SEEN ages moving even when nothing changes.
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick.C:
			redraw()
		case evt := <-ch:
			if evt.Device != nil {
				redraw()
			}
		}
	}
}

func discoveryOptions(cfg *config.Config) discovery.Options {
	return discovery.Options{
		Port:          cfg.Discovery.Port,
		TransferPort:  cfg.Transfer.Port,
		ProbeInterval: cfg.Discovery.ProbeInterval,
		SweepInterval: cfg.Discovery.SweepInterval,
		StaleAfter:    cfg.Discovery.StaleAfter,
		ModelPrefix:   cfg.Discovery.ModelPrefix,
	}
}
