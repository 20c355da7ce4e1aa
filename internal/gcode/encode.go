// Package gcode builds the metadata header a Snapmaker touchscreen parses to
// preview a job: thumbnail, timing, temperatures and bounds, prepended to the
// sliced G-code. Encoding is pure and idempotent, so the network transfer and
// the save-to-disk path share it byte for byte.
package gcode

import (
	"bytes"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// processedMark is the first line of every payload this encoder produced.
// Finding it near the top of an input means the input is already final.
const processedMark = ";Processed by snapsend (https://github.com/snapsend/snapsend)"

// markScanLines bounds how far into a stream the mark is looked for.
const markScanLines = 100

// timePadding widens the slicer's estimate the way the firmware expects.
const timePadding = 1.07

// IsProcessed reports whether data already carries the encoder's header.
func IsProcessed(data []byte) bool {
	lines := splitLines(data)
	if len(lines) > markScanLines {
		lines = lines[:markScanLines]
	}
	for _, line := range lines {
		if strings.Contains(line, processedMark) {
			return true
		}
	}
	return false
}

// Encode prepends the device header to a G-code stream and returns the
// finished payload. Re-encoding an already processed stream returns it
// unchanged. A nil thumbnail omits the thumbnail line, matching what the
// touchscreen tolerates; every missing parameter encodes as zero.
func Encode(p Params, thumbnail image.Image, data []byte) ([]byte, error) {
	if IsProcessed(data) {
		return data, nil
	}

	lines := splitLines(data)
	parsed, consumed := parsePreamble(lines)
	p = p.merge(parsed)
	if p.Flavor == "" {
		p.Flavor = "Marlin"
	}

	var out bytes.Buffer
	out.Grow(len(data) + 16*1024)

	out.WriteString(processedMark + "\n")
	out.WriteString(";Header Start\n")
	if consumed > 0 {
		// The slicer's own preamble lines move into the header verbatim.
		out.WriteString(lines[0]) // FLAVOR
		out.WriteString(lines[1]) // TIME
		out.WriteString(lines[2]) // Filament used
		out.WriteString(lines[3]) // Layer height
	} else {
		fmt.Fprintf(&out, ";FLAVOR:%s\n", p.Flavor)
		fmt.Fprintf(&out, ";TIME:%.0f\n", p.PrintTime.Seconds())
		fmt.Fprintf(&out, ";Filament used: %sm\n", formatFloat(p.FilamentMeters))
		fmt.Fprintf(&out, ";Layer height: %s\n", formatFloat(p.LayerHeight))
	}
	out.WriteString(";header_type: 3dp\n")

	if thumbnail != nil {
		encoded, err := encodeThumbnail(thumbnail)
		if err != nil {
			return nil, fmt.Errorf("failed to encode thumbnail: %w", err)
		}
		out.WriteString(";thumbnail: data:image/png;base64,")
		out.WriteString(encoded)
		out.WriteString("\n")
	}

	fmt.Fprintf(&out, ";file_total_lines: %d\n", len(lines))
	fmt.Fprintf(&out, ";estimated_time(s): %.0f\n", p.PrintTime.Seconds()*timePadding)
	fmt.Fprintf(&out, ";nozzle_temperature(°C): %.0f\n", p.NozzleTemp)
	fmt.Fprintf(&out, ";build_plate_temperature(°C): %.0f\n", p.BedTemp)
	fmt.Fprintf(&out, ";work_speed(mm/minute): %.0f\n", p.PrintSpeed*60.0)
	if consumed > 0 {
		// Bounds reorder to max before min, labels rewritten.
		out.WriteString(strings.Replace(lines[7], "MAXX:", "max_x(mm): ", 1))
		out.WriteString(strings.Replace(lines[8], "MAXY:", "max_y(mm): ", 1))
		out.WriteString(strings.Replace(lines[9], "MAXZ:", "max_z(mm): ", 1))
		out.WriteString(strings.Replace(lines[4], "MINX:", "min_x(mm): ", 1))
		out.WriteString(strings.Replace(lines[5], "MINY:", "min_y(mm): ", 1))
		out.WriteString(strings.Replace(lines[6], "MINZ:", "min_z(mm): ", 1))
	} else {
		fmt.Fprintf(&out, ";max_x(mm): %s\n", formatFloat(p.MaxX))
		fmt.Fprintf(&out, ";max_y(mm): %s\n", formatFloat(p.MaxY))
		fmt.Fprintf(&out, ";max_z(mm): %s\n", formatFloat(p.MaxZ))
		fmt.Fprintf(&out, ";min_x(mm): %s\n", formatFloat(p.MinX))
		fmt.Fprintf(&out, ";min_y(mm): %s\n", formatFloat(p.MinY))
		fmt.Fprintf(&out, ";min_z(mm): %s\n", formatFloat(p.MinZ))
	}
	out.WriteString(";Header End\n")

	for _, line := range lines[consumed:] {
		out.WriteString(line)
	}

	return out.Bytes(), nil
}

// WriteFile emits a finished payload to disk, the save-to-disk counterpart of
// a network transfer.
func WriteFile(path string, payload []byte) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		return fmt.Errorf("failed to write payload: %w", err)
	}
	return nil
}

// splitLines splits keeping line terminators, so carried lines re-emit byte
// for byte. A trailing newline does not produce a phantom empty line.
func splitLines(data []byte) []string {
	if len(data) == 0 {
		return nil
	}
	parts := bytes.SplitAfter(data, []byte("\n"))
	if len(parts) > 0 && len(parts[len(parts)-1]) == 0 {
		parts = parts[:len(parts)-1]
	}
	lines := make([]string, len(parts))
	for i, p := range parts {
		lines[i] = string(p)
	}
	return lines
}

// formatFloat renders like the slicer does: no exponent, no trailing zeros.
func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
