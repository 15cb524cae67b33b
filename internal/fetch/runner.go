// Package fetch supervises one external downloader process per job. It
// translates the tool's line-oriented output into job record updates
// and bus events, and resolves the terminal outcome from the process
// exit code. Failures are contained at the job boundary: nothing in
// here is allowed to take down another job or the service.
package fetch

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/mediagrab/mediagrab/internal/bus"
	"github.com/mediagrab/mediagrab/internal/model"
	"github.com/mediagrab/mediagrab/internal/store"
)

type Runner struct {
	cfg   Config
	store *store.Store
	bus   *bus.Bus
}

func NewRunner(cfg Config, st *store.Store, b *bus.Bus) *Runner {
	return &Runner{cfg: cfg, store: st, bus: b}
}

// Outcome is the terminal result of one supervised run.
type Outcome struct {
	Status   model.Status
	Filename string
	FileSize int64
	Reason   string
}

// Run supervises the downloader process for one job until it exits.
// It owns the subprocess for its entire lifetime, updates the job
// record as output arrives, and publishes every progress step and the
// terminal event on the bus. Any internal error, launch failure or
// panic becomes a Failed outcome for this job only.
func (r *Runner) Run(ctx context.Context, jobID, cookies string) (out Outcome) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.ErrorContext(ctx, "download worker panicked", "job_id", jobID, "panic", rec)
			out = r.finish(ctx, jobID, Outcome{
				Status: model.StatusFailed,
				Reason: fmt.Sprintf("internal error: %v", rec),
			})
		}
	}()

	job, started := r.markDownloading(jobID)
	if !started {
		if job.ID == "" {
			// Record evicted between spawn and start; there is no
			// terminal state to report.
			slog.WarnContext(ctx, "job record vanished before start", "job_id", jobID)
			return Outcome{}
		}
		// Cancelled (or otherwise terminal) before the process launched.
		return Outcome{Status: job.Status}
	}

	cookiesPath, cleanup, err := cookieFile(cookies)
	if err != nil {
		return r.finish(ctx, jobID, Outcome{Status: model.StatusFailed, Reason: err.Error()})
	}
	defer cleanup()

	cmd := exec.CommandContext(ctx, r.cfg.Tool, r.cfg.downloadArgs(job, cookiesPath)...)

	// Single combined stream: the tool's stdout and stderr are the only
	// progress and error channel it offers.
	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		_ = pw.Close()
		return r.finish(ctx, jobID, Outcome{
			Status: model.StatusFailed,
			Reason: fmt.Sprintf("starting downloader: %v", err),
		})
	}
	slog.InfoContext(ctx, "downloader started", "job_id", jobID, "pid", cmd.Process.Pid)

	waitCh := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		_ = pw.Close()
		waitCh <- err
	}()

	var tail Tail
	scanner := bufio.NewScanner(pr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	scanner.Split(splitByNewlineOrCR)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		tail.Append(line)
		r.progress(jobID, line)
	}
	if scanErr := scanner.Err(); scanErr != nil {
		// The read side is dead, so stop accepting output before
		// reaping the process. Without the close, exec's copier blocks
		// on pw, the tool blocks on a full pipe, and Wait never
		// returns.
		_ = pr.CloseWithError(scanErr)
		<-waitCh
		return r.finish(ctx, jobID, Outcome{
			Status: model.StatusFailed,
			Reason: fmt.Sprintf("reading downloader output: %v", scanErr),
		})
	}

	waitErr := <-waitCh
	if waitErr == nil {
		name, size := FindOutputFile(r.cfg.OutputDir, OutputBase(job))
		if name == "" {
			// Tolerated: the run succeeded but the result file could
			// not be located.
			slog.WarnContext(ctx, "completed download has no matching output file",
				"job_id", jobID, "base", OutputBase(job))
		}
		return r.finish(ctx, jobID, Outcome{
			Status:   model.StatusCompleted,
			Filename: name,
			FileSize: size,
		})
	}

	code := -1
	if exitErr, ok := waitErr.(*exec.ExitError); ok {
		code = exitErr.ExitCode()
	}
	return r.finish(ctx, jobID, Outcome{
		Status: model.StatusFailed,
		Reason: failureReason(&tail, code, waitErr),
	})
}

// markDownloading flips queued -> downloading. Returns false when the
// record already left the active states, in which case no process may
// be launched.
func (r *Runner) markDownloading(jobID string) (model.Job, bool) {
	applied := false
	job, err := r.store.Update(jobID, func(j *model.Job) {
		if !j.Status.CanTransition(model.StatusDownloading) {
			return
		}
		j.Status = model.StatusDownloading
		j.StartedAt = time.Now()
		applied = true
	})
	if err != nil {
		return model.Job{}, false
	}
	return job, applied
}

// progress applies one parsed output line to the record and publishes
// it. Telemetry only sticks while the job is still downloading, and
// percent never moves backward; a line without a percentage retains the
// previous value.
func (r *Runner) progress(jobID, line string) {
	p := ParseLine(line)
	applied := false
	job, err := r.store.Update(jobID, func(j *model.Job) {
		if j.Status != model.StatusDownloading {
			return
		}
		j.LastLine = line
		if p.HasPercent && p.Percent > j.Percent {
			// 100 is reserved for completed records; a final in-flight
			// line shows just under it.
			j.Percent = min(p.Percent, 99.9)
		}
		if p.Speed != "" {
			j.Speed = p.Speed
		}
		if p.ETA != "" {
			j.ETA = p.ETA
		}
		if p.Size != "" {
			j.Size = p.Size
		}
		applied = true
	})
	if err != nil || !applied {
		return
	}
	r.bus.Publish(jobID, bus.Event{
		Kind:    bus.KindProgress,
		Line:    line,
		Percent: job.Percent,
		Speed:   job.Speed,
		ETA:     job.ETA,
		Size:    job.Size,
	})
}

// finish applies the terminal outcome to the record and publishes the
// terminal event. A record that already reached a terminal state (an
// advisory cancel) is left untouched and gets no second event.
func (r *Runner) finish(ctx context.Context, jobID string, out Outcome) Outcome {
	applied := false
	job, err := r.store.Update(jobID, func(j *model.Job) {
		if !j.Status.CanTransition(out.Status) {
			return
		}
		j.Status = out.Status
		j.EndedAt = time.Now()
		switch out.Status {
		case model.StatusCompleted:
			j.Percent = 100
			j.Filename = out.Filename
			j.FileSize = out.FileSize
		case model.StatusFailed:
			j.Error = out.Reason
		}
		applied = true
	})
	if err != nil || !applied {
		if err == nil {
			out.Status = job.Status
		}
		return out
	}

	switch out.Status {
	case model.StatusCompleted:
		slog.InfoContext(ctx, "download completed",
			"job_id", jobID, "filename", out.Filename, "size", out.FileSize)
		r.bus.Publish(jobID, bus.Event{
			Kind:     bus.KindCompleted,
			Title:    job.Title,
			Filename: out.Filename,
			Percent:  100,
		})
		r.bus.PublishGlobal(bus.Event{Kind: bus.KindFilesUpdated})
	case model.StatusFailed:
		slog.ErrorContext(ctx, "download failed", "job_id", jobID, "reason", out.Reason)
		r.bus.Publish(jobID, bus.Event{Kind: bus.KindFailed, Error: out.Reason})
	}
	return out
}

// FindOutputFile scans dir for the first regular file whose name starts
// with base. The tool picks its own extension, so only the prefix is
// known in advance.
func FindOutputFile(dir, base string) (string, int64) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", 0
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), base) {
			continue
		}
		info, err := os.Stat(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		return e.Name(), info.Size()
	}
	return "", 0
}

// failureMarkers mark lines worth surfacing verbatim as the failure
// reason when the process exits non-zero.
var failureMarkers = []string{
	"error",
	"sign in to confirm",
	"login required",
	"authentication",
	"private video",
	"account cookies",
}

// failureReason scans the rolling diagnostic tail, most recent first,
// for a line carrying an error marker or authentication-failure phrase.
func failureReason(tail *Tail, exitCode int, waitErr error) string {
	for _, line := range tail.NewestFirst() {
		lower := strings.ToLower(line)
		for _, marker := range failureMarkers {
			if strings.Contains(lower, marker) {
				return line
			}
		}
	}
	if exitCode >= 0 {
		return fmt.Sprintf("process exited with code %d", exitCode)
	}
	return fmt.Sprintf("downloader failed: %v", waitErr)
}

// splitByNewlineOrCR treats both LF and the bare CR the tool uses for
// in-place progress updates as line boundaries.
func splitByNewlineOrCR(data []byte, atEOF bool) (advance int, token []byte, err error) {
	for i := 0; i < len(data); i++ {
		if data[i] == '\n' || data[i] == '\r' {
			if i == 0 {
				return 1, nil, nil
			}
			return i + 1, data[:i], nil
		}
	}
	if atEOF && len(data) > 0 {
		return len(data), data, nil
	}
	return 0, nil, nil
}
