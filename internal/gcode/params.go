package gcode

import (
	"strconv"
	"strings"
	"time"
)

// Params are the print parameters the slicer hands over alongside the G-code.
// Zero values are legal everywhere; whatever the preamble of the G-code itself
// carries fills the gaps, and anything still missing encodes as zero.
type Params struct {
	JobName  string
	Material string

	Flavor         string  // G-code dialect, Marlin unless stated
	PrintTime      time.Duration
	FilamentMeters float64
	FilamentGrams  float64 // informational, the header has no weight slot
	LayerHeight    float64 // mm
	LayerCount     int     // informational, the header has no count slot
	NozzleTemp     float64 // °C
	BedTemp        float64 // °C
	PrintSpeed     float64 // mm/s, written as mm/minute

	MinX, MinY, MinZ float64
	MaxX, MaxY, MaxZ float64
}

// preamblePrefixes is the exact leading comment block Cura-style slicers emit.
// When the input opens with these ten lines in order, they are consumed into
// the header and the body starts at line ten.
var preamblePrefixes = []string{
	";FLAVOR:",
	";TIME:",
	";Filament used:",
	";Layer height:",
	";MINX:",
	";MINY:",
	";MINZ:",
	";MAXX:",
	";MAXY:",
	";MAXZ:",
}

// ParseParams recovers print parameters from the comment preamble of a G-code
// stream. Values the stream does not carry stay zero.
func ParseParams(body []byte) Params {
	p, _ := parsePreamble(splitLines(body))
	return p
}

// parsePreamble extracts parameters from the leading comments and reports how
// many leading lines belong to the standard block (0 when the layout does not
// match, in which case nothing is consumed from the body).
func parsePreamble(lines []string) (Params, int) {
	var p Params

	strict := len(lines) >= len(preamblePrefixes)
	if strict {
		for i, prefix := range preamblePrefixes {
			if !strings.HasPrefix(lines[i], prefix) {
				strict = false
				break
			}
		}
	}

	scan := len(lines)
	if scan > 30 {
		scan = 30
	}
	for _, line := range lines[:scan] {
		line = strings.TrimRight(line, "\r\n")
		switch {
		case strings.HasPrefix(line, ";FLAVOR:"):
			p.Flavor = strings.TrimSpace(strings.TrimPrefix(line, ";FLAVOR:"))
		case strings.HasPrefix(line, ";TIME:"):
			if secs, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimPrefix(line, ";TIME:")), 64); err == nil {
				p.PrintTime = time.Duration(secs * float64(time.Second))
			}
		case strings.HasPrefix(line, ";Filament used:"):
			v := strings.TrimSpace(strings.TrimPrefix(line, ";Filament used:"))
			v = strings.TrimSuffix(v, "m")
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				p.FilamentMeters = f
			}
		case strings.HasPrefix(line, ";Layer height:"):
			if f, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimPrefix(line, ";Layer height:")), 64); err == nil {
				p.LayerHeight = f
			}
		case strings.HasPrefix(line, ";LAYER_COUNT:"):
			if n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(line, ";LAYER_COUNT:"))); err == nil {
				p.LayerCount = n
			}
		case strings.HasPrefix(line, ";MINX:"):
			p.MinX = parseFloat(line, ";MINX:")
		case strings.HasPrefix(line, ";MINY:"):
			p.MinY = parseFloat(line, ";MINY:")
		case strings.HasPrefix(line, ";MINZ:"):
			p.MinZ = parseFloat(line, ";MINZ:")
		case strings.HasPrefix(line, ";MAXX:"):
			p.MaxX = parseFloat(line, ";MAXX:")
		case strings.HasPrefix(line, ";MAXY:"):
			p.MaxY = parseFloat(line, ";MAXY:")
		case strings.HasPrefix(line, ";MAXZ:"):
			p.MaxZ = parseFloat(line, ";MAXZ:")
		}
	}

	if strict {
		return p, len(preamblePrefixes)
	}
	return p, 0
}

func parseFloat(line, prefix string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(strings.TrimPrefix(line, prefix)), 64)
	return f
}

// merge fills zero fields of p from q.
func (p Params) merge(q Params) Params {
	if p.Flavor == "" {
		p.Flavor = q.Flavor
	}
	if p.PrintTime == 0 {
		p.PrintTime = q.PrintTime
	}
	if p.FilamentMeters == 0 {
		p.FilamentMeters = q.FilamentMeters
	}
	if p.LayerHeight == 0 {
		p.LayerHeight = q.LayerHeight
	}
	if p.LayerCount == 0 {
		p.LayerCount = q.LayerCount
	}
	if p.NozzleTemp == 0 {
		p.NozzleTemp = q.NozzleTemp
	}
	if p.BedTemp == 0 {
		p.BedTemp = q.BedTemp
	}
	if p.PrintSpeed == 0 {
		p.PrintSpeed = q.PrintSpeed
	}
	if p.MinX == 0 && p.MaxX == 0 && p.MinY == 0 && p.MaxY == 0 && p.MinZ == 0 && p.MaxZ == 0 {
		p.MinX, p.MinY, p.MinZ = q.MinX, q.MinY, q.MinZ
		p.MaxX, p.MaxY, p.MaxZ = q.MaxX, q.MaxY, q.MaxZ
	}
	return p
}

// BuildFilename derives the upload filename a touchscreen shows in its job
// list, like "benchy_PLA_1h42m30s.gcode".
func BuildFilename(job, material string, printTime time.Duration) string {
	parts := make([]string, 0, 3)
	if job = sanitize(job); job == "" {
		job = "print"
	}
	parts = append(parts, job)
	if material = sanitize(material); material != "" {
		parts = append(parts, material)
	}
	parts = append(parts, printTime.Truncate(time.Second).String())
	return strings.Join(parts, "_") + ".gcode"
}

func sanitize(s string) string {
	s = strings.TrimSpace(s)
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', ' ':
			return '-'
		}
		return r
	}, s)
}
