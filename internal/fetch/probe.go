package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
)

// ProbeResult carries the metadata returned by an information-only tool
// invocation. It never includes media data.
type ProbeResult struct {
	Title    string        `json:"title"`
	Duration float64       `json:"duration"`
	Uploader string        `json:"uploader"`
	Formats  []ProbeFormat `json:"formats"`
}

// ProbeFormat is one downloadable representation reported by the tool.
type ProbeFormat struct {
	ID         string `json:"format_id"`
	Ext        string `json:"ext"`
	Resolution string `json:"resolution"`
	Note       string `json:"format_note"`
	Filesize   int64  `json:"filesize"`
}

// Probe asks the tool for metadata without downloading anything. The
// call is bounded by cfg.ProbeTimeout; a failed or timed-out probe is
// reported to the caller as an error, never acted on beyond that.
func (r *Runner) Probe(ctx context.Context, url string) (ProbeResult, error) {
	probeCtx := ctx
	if r.cfg.ProbeTimeout > 0 {
		var cancel context.CancelFunc
		probeCtx, cancel = context.WithTimeout(ctx, r.cfg.ProbeTimeout)
		defer cancel()
	}

	cmd := exec.CommandContext(probeCtx, r.cfg.Tool, r.cfg.probeArgs(url)...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if probeCtx.Err() != nil {
			return ProbeResult{}, fmt.Errorf("metadata probe timed out: %w", probeCtx.Err())
		}
		return ProbeResult{}, fmt.Errorf("metadata probe failed: %w: %s",
			err, strings.TrimSpace(stderr.String()))
	}

	var res ProbeResult
	if err := json.Unmarshal(stdout.Bytes(), &res); err != nil {
		return ProbeResult{}, fmt.Errorf("decoding probe output: %w", err)
	}
	return res, nil
}
