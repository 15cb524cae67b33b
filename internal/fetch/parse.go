package fetch

import (
	"regexp"
	"strconv"
)

var (
	rePercent = regexp.MustCompile(`([0-9]+(?:\.[0-9]+)?)%`)
	reSpeed   = regexp.MustCompile(`\bat\s+([0-9.]+[KMGT]?i?B/s)`)
	reETA     = regexp.MustCompile(`\bETA\s+([0-9:]+)`)
	reSize    = regexp.MustCompile(`\bof\s+~?([0-9.]+[KMGT]?i?B)`)
)

// Progress is the telemetry parsed out of one output line. Fields left
// empty were absent from the line; HasPercent distinguishes a genuine
// 0% from a line with no percentage at all, so the job record can
// retain its last value instead of jumping back to zero.
type Progress struct {
	Percent    float64
	HasPercent bool
	Speed      string
	ETA        string
	Size       string
}

// ParseLine extracts progress telemetry from a single downloader
// output line, e.g.
//
//	[download]  42.5% of ~10.00MiB at 1.20MiB/s ETA 00:07
func ParseLine(line string) Progress {
	var p Progress
	if m := rePercent.FindStringSubmatch(line); len(m) > 1 {
		if v, err := strconv.ParseFloat(m[1], 64); err == nil {
			p.Percent = v
			p.HasPercent = true
		}
	}
	if m := reSpeed.FindStringSubmatch(line); len(m) > 1 {
		p.Speed = m[1]
	}
	if m := reETA.FindStringSubmatch(line); len(m) > 1 {
		p.ETA = m[1]
	}
	if m := reSize.FindStringSubmatch(line); len(m) > 1 {
		p.Size = m[1]
	}
	return p
}

// tailSize is the rolling diagnostic window used for failure-reason
// extraction only.
const tailSize = 20

// Tail keeps the most recent lines of process output.
type Tail struct {
	lines []string
}

func (t *Tail) Append(line string) {
	t.lines = append(t.lines, line)
	if len(t.lines) > tailSize {
		t.lines = t.lines[len(t.lines)-tailSize:]
	}
}

// NewestFirst returns the retained lines, most recent first.
func (t *Tail) NewestFirst() []string {
	out := make([]string, 0, len(t.lines))
	for i := len(t.lines) - 1; i >= 0; i-- {
		out = append(out, t.lines[i])
	}
	return out
}
