package ui

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/snapsend/snapsend/internal/events"
	"github.com/snapsend/snapsend/internal/registry"
	"github.com/snapsend/snapsend/internal/transfer"
)

// RenderDeviceTable formats discovered printers as an aligned table with the
// status column colored by state.
func RenderDeviceTable(devices []registry.Record) string {
	if len(devices) == 0 {
		return Color(Dim, "No printers found.") + "\n"
	}

	header := []string{"NAME", "MODEL", "ADDRESS", "STATUS", "LAST SEEN"}
	rows := make([][]string, 0, len(devices))
	for _, d := range devices {
		rows = append(rows, []string{d.Name, d.Model, d.Addr, string(d.Status), formatAge(d.LastSeen)})
	}

	widths := columnWidths(append([][]string{header}, rows...))

	var sb strings.Builder
	writeRow(&sb, header, widths, func(_ int, cell string) string {
		return Color(Bold, cell)
	})
	for _, row := range rows {
		writeRow(&sb, row, widths, func(col int, cell string) string {
			if col == 3 {
				return Color(statusColor(registry.Status(cell)), cell)
			}
			return cell
		})
	}
	return sb.String()
}

// RenderHistoryTable formats past transfers, newest first as stored.
func RenderHistoryTable(sessions []events.SessionSnapshot) string {
	if len(sessions) == 0 {
		return Color(Dim, "No transfers recorded.") + "\n"
	}

	header := []string{"STARTED", "DEVICE", "FILE", "SIZE", "RESULT"}
	rows := make([][]string, 0, len(sessions))
	for _, s := range sessions {
		result := s.State
		if s.Reason != "" {
			result += " (" + s.Reason + ")"
		}
		rows = append(rows, []string{
			s.StartedAt.Local().Format("2006-01-02 15:04"),
			s.DeviceName,
			truncate(s.Filename, 36),
			FormatBytes(s.SizeBytes),
			result,
		})
	}

	widths := columnWidths(append([][]string{header}, rows...))

	var sb strings.Builder
	writeRow(&sb, header, widths, func(_ int, cell string) string {
		return Color(Bold, cell)
	})
	for _, row := range rows {
		writeRow(&sb, row, widths, func(col int, cell string) string {
			if col == 4 {
				return Color(resultColor(cell), cell)
			}
			return cell
		})
	}
	return sb.String()
}

// RenderProgressBar draws a fixed-width bar like "[████░░░░]  50%".
func RenderProgressBar(fraction float64, width int) string {
	if width <= 0 {
		width = 30
	}
	if fraction < 0 {
		fraction = 0
	}
	if fraction > 1 {
		fraction = 1
	}
	filled := int(fraction*float64(width) + 0.5)
	bar := strings.Repeat("█", filled) + strings.Repeat("░", width-filled)
	return fmt.Sprintf("[%s] %3.0f%%", Color(Cyan, bar), fraction*100)
}

// ReasonHint translates a failure reason into operator guidance.
func ReasonHint(reason transfer.Reason) string {
	switch reason {
	case transfer.ReasonUnreachable:
		return "The printer did not answer. Check that it is powered on and on this network."
	case transfer.ReasonTimeout:
		return "No answer from the touchscreen. Tap Yes on the printer and try again."
	case transfer.ReasonDenied:
		return "The printer refused the transfer."
	case transfer.ReasonConnectionLost:
		return "The connection dropped mid-transfer. Check the network and try again."
	case transfer.ReasonCancelled:
		return "Transfer cancelled."
	default:
		return ""
	}
}

// RenderDim formats text in dim style
func RenderDim(msg string) string {
	return Color(Dim, msg)
}

// FormatBytes renders a byte count in binary units.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func formatAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t)
	switch {
	case d < time.Second:
		return "now"
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
}

func statusColor(s registry.Status) string {
	switch s {
	case registry.StatusIdle:
		return Green
	case registry.StatusPrinting, registry.StatusBusy:
		return Yellow
	case registry.StatusUnreachable:
		return Red
	default:
		return White
	}
}

func resultColor(result string) string {
	switch {
	case strings.HasPrefix(result, string(transfer.StateCompleted)):
		return Green
	case strings.HasPrefix(result, string(transfer.StateCancelled)):
		return Yellow
	default:
		return Red
	}
}

func columnWidths(rows [][]string) []int {
	widths := make([]int, len(rows[0]))
	for _, row := range rows {
		for col, cell := range row {
			if n := utf8.RuneCountInString(cell); n > widths[col] {
				widths[col] = n
			}
		}
	}
	return widths
}

// writeRow pads plain cells to column width, styling after measuring so ANSI
// codes do not skew the alignment.
func writeRow(sb *strings.Builder, cells []string, widths []int, style func(int, string) string) {
	for col, cell := range cells {
		sb.WriteString(style(col, cell))
		if col < len(cells)-1 {
			sb.WriteString(strings.Repeat(" ", widths[col]-utf8.RuneCountInString(cell)+2))
		}
	}
	sb.WriteString("\n")
}

// truncate shortens a string if it exceeds maxLen
func truncate(s string, maxLen int) string {
	if maxLen <= 3 {
		return s
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
