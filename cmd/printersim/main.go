// Command printersim runs a simulated Snapmaker-class printer on the LAN.
// It answers discovery probes and serves the transfer API, so the CLI and
// daemon can be exercised without hardware on the bench.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/snapsend/snapsend/internal/config"
	"github.com/snapsend/snapsend/internal/deviceid"
	"github.com/snapsend/snapsend/internal/logger"
	"github.com/snapsend/snapsend/internal/sim"
)

func main() {
	name := flag.String("name", "Bench", "Announced device name")
	model := flag.String("model", sim.DefaultModel, "Announced model string")
	udpPort := flag.Int("udp-port", 20054, "Discovery port to answer probes on")
	httpAddr := flag.String("http-addr", ":8080", "Transfer API bind address")
	mode := flag.String("mode", "accept", "Operator behavior: accept, deny or ignore")
	delay := flag.Duration("delay", 2*time.Second, "How long the operator takes to answer")
	announce := flag.Duration("announce", 0, "Unsolicited announce interval (0 disables)")
	announceTo := flag.String("announce-to", "", "Where unsolicited announcements go")
	dropAfter := flag.Int64("drop-after", 0, "Kill the connection after this many upload bytes (0 disables)")
	saveDir := flag.String("save-dir", "", "Directory to write received files into")
	serialFile := flag.String("serial-file", "", "Path of the persisted serial (default: config dir)")
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn, error")
	flag.Parse()

	log := logger.NewConsole(*logLevel)

	decision, err := parseDecision(*mode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	serialPath := *serialFile
	if serialPath == "" {
		paths, err := config.GetPaths()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		serialPath = paths.SerialFile
	}
	serial, err := deviceid.GetOrCreate(serialPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	p := sim.NewPrinter(sim.Options{
		Name:             *name,
		Model:            *model,
		Serial:           serial,
		UDPPort:          *udpPort,
		HTTPAddr:         *httpAddr,
		AnnounceInterval: *announce,
		AnnounceTo:       *announceTo,
		Decision:         decision,
		DecisionDelay:    *delay,
		DropUploadAfter:  *dropAfter,
		SaveDir:          *saveDir,
	}, log)

	if err := p.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	log.Info().
		Str("name", *name).
		Str("model", *model).
		Int("udp_port", p.UDPPort()).
		Str("http_addr", *httpAddr).
		Str("mode", *mode).
		Msg("printer running")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig

	p.Stop()
}

func parseDecision(mode string) (sim.Decision, error) {
	switch mode {
	case "accept":
		return sim.DecisionAccept, nil
	case "deny":
		return sim.DecisionDeny, nil
	case "ignore":
		return sim.DecisionIgnore, nil
	default:
		return 0, fmt.Errorf("unknown mode %q (want accept, deny or ignore)", mode)
	}
}
