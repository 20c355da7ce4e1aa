package discovery

import (
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/snapsend/snapsend/internal/registry"
)

// ProbeMessage is the datagram a host broadcasts; printers answer it with an
// announcement. Printers also broadcast unprompted, so both paths land here.
const ProbeMessage = "discover"

// MaxDatagramSize bounds announce reads (announcements are short text lines).
const MaxDatagramSize = 1024

// wire statuses a printer reports
const (
	wireStatusIdle    = "IDLE"
	wireStatusRunning = "RUNNING"
	wireStatusPaused  = "PAUSED"
	wireStatusStopped = "STOPPED"
)

// parseAnnounce turns an announcement datagram into a Record.
//
// The wire format is `Name@<ip>|model:<model>|status:<STATUS>`. The announced
// ip wins; the datagram source is the fallback for firmwares that omit it.
// Returns false for anything malformed, for probe echoes, and for models
// outside the configured prefix: all of it is LAN noise, not an error.
func parseAnnounce(data []byte, src *net.UDPAddr, transferPort int, modelPrefix string) (registry.Record, bool) {
	text := strings.TrimSpace(string(data))
	if text == "" || text == ProbeMessage {
		return registry.Record{}, false
	}

	parts := strings.Split(text, "|")
	name, host, ok := strings.Cut(parts[0], "@")
	if !ok || name == "" {
		return registry.Record{}, false
	}

	fields := make(map[string]string, len(parts)-1)
	for _, part := range parts[1:] {
		if k, v, ok := strings.Cut(part, ":"); ok {
			fields[k] = v
		}
	}

	model := fields["model"]
	if modelPrefix != "" && !strings.HasPrefix(model, modelPrefix) {
		return registry.Record{}, false
	}

	if net.ParseIP(host) == nil {
		if src == nil {
			return registry.Record{}, false
		}
		host = src.IP.String()
	}

	return registry.Record{
		ID:       name + "@" + model,
		Name:     name,
		Model:    model,
		Addr:     net.JoinHostPort(host, strconv.Itoa(transferPort)),
		Status:   mapWireStatus(fields["status"]),
		LastSeen: time.Now(),
	}, true
}

// mapWireStatus folds the firmware's state names into registry statuses.
func mapWireStatus(s string) registry.Status {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case wireStatusIdle:
		return registry.StatusIdle
	case wireStatusRunning:
		return registry.StatusPrinting
	case wireStatusPaused, wireStatusStopped:
		return registry.StatusBusy
	default:
		return registry.StatusBusy
	}
}
