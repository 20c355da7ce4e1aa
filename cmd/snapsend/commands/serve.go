package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/snapsend/snapsend/internal/bridge"
	"github.com/snapsend/snapsend/internal/config"
	"github.com/snapsend/snapsend/internal/deviceid"
	"github.com/snapsend/snapsend/internal/discovery"
	"github.com/snapsend/snapsend/internal/events"
	"github.com/snapsend/snapsend/internal/history"
	"github.com/snapsend/snapsend/internal/httpapi"
	"github.com/snapsend/snapsend/internal/logger"
	"github.com/snapsend/snapsend/internal/metrics"
	"github.com/snapsend/snapsend/internal/registry"
	"github.com/snapsend/snapsend/internal/tokens"
	"github.com/snapsend/snapsend/internal/transfer"
)

var serveListen string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the discovery and transfer daemon",
	Long: `Run snapsend as a long-lived daemon: keep probing the LAN for printers,
serve the REST API and websocket event stream for frontends, record
transfer history, and optionally relay events to an MQTT broker.

Examples:
  snapsend serve
  snapsend serve --listen 0.0.0.0:8432`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "API listen address (default from config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log := logger.New(os.Stderr, cfg.Log.Level, !cfg.Log.JSON)

	paths, err := config.GetPaths()
	if err != nil {
		return err
	}
	if err := paths.EnsureDirectories(); err != nil {
		return err
	}

	reg := registry.New(cfg.Discovery.UnreachableAfter)
	bus := events.NewBus()
	tok := tokens.Open(paths.TokensFile)
	met := metrics.NewStore()
	defer met.Stop()

	hist, err := history.Open(historyPath(cfg, paths))
	if err != nil {
		return err
	}
	defer hist.Close()
	if pruned, err := hist.Prune(cfg.History.Keep); err != nil {
		log.Warn().Err(err).Msg("history prune failed")
	} else if pruned > 0 {
		log.Info().Int64("pruned", pruned).Msg("history pruned")
	}

	disc := discovery.NewService(discoveryOptions(cfg), reg, bus, logger.Component(log, "discovery"))
	if err := disc.Start(); err != nil {
		return err
	}
	defer disc.Stop()

	mgr := transfer.NewManager(reg, bus, tok, met, hist, transfer.Options{
		AuthTimeout: cfg.Transfer.AuthTimeout,
		AuthPoll:    cfg.Transfer.AuthPoll,
	}, logger.Component(log, "transfer"))
	defer mgr.Shutdown()

	if cfg.MQTT.Enabled {
		clientID := cfg.MQTT.ClientID
		if clientID == "" {
			serial, idErr := deviceid.GetOrCreate(paths.SerialFile)
			if idErr != nil {
				return idErr
			}
			clientID = "snapsend-" + deviceid.Short(serial)
		}
		br := bridge.New(bridge.Options{
			Broker:   cfg.MQTT.Broker,
			Prefix:   cfg.MQTT.Prefix,
			ClientID: clientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
		}, bus, log)
		if err := br.Start(); err != nil {
			// The daemon is useful without the broker; keep going.
			log.Warn().Err(err).Msg("mqtt bridge disabled")
		} else {
			defer br.Stop()
		}
	}

	listen := cfg.API.Listen
	if serveListen != "" {
		listen = serveListen
	}
	srv := httpapi.New(httpapi.Config{
		Addr:        listen,
		ReadTimeout: cfg.API.ReadTimeout,
		IdleTimeout: cfg.API.IdleTimeout,
	}, httpapi.Deps{
		Registry: reg,
		Manager:  mgr,
		Bus:      bus,
		History:  hist,
	}, logger.Component(log, "api"))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	ctx, stopSignals := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stopSignals()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutting down")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Stop(shutdownCtx)
}
