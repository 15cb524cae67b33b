package fetch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mediagrab/mediagrab/internal/model"
)

// Config holds the external-tool invocation parameters. The retry,
// sleep and user-agent knobs exist to reduce upstream rate limiting;
// they are operational only.
type Config struct {
	Tool            string
	FFmpeg          string
	OutputDir       string
	Retries         int
	FragmentRetries int
	SleepInterval   time.Duration
	UserAgent       string
	ProbeTimeout    time.Duration
}

// OutputBase is the extension-less base name for a job's output file.
// The short id suffix keeps two jobs with the same sanitized title from
// colliding in the output directory.
func OutputBase(job model.Job) string {
	return job.SafeTitle + " [" + shortID(job.ID) + "]"
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// downloadArgs builds the full downloader argument list. The tool
// substitutes its own extension into the %(ext)s slot.
func (c Config) downloadArgs(job model.Job, cookiesPath string) []string {
	template := filepath.Join(c.OutputDir, OutputBase(job)+".%(ext)s")
	args := []string{
		"--no-playlist",
		"--no-check-certificate",
		"--newline",
		"--progress",
		"-o", template,
		"-f", job.Format,
	}
	if c.Retries > 0 {
		args = append(args, "--retries", strconv.Itoa(c.Retries))
	}
	if c.FragmentRetries > 0 {
		args = append(args, "--fragment-retries", strconv.Itoa(c.FragmentRetries))
	}
	if c.SleepInterval > 0 {
		args = append(args, "--sleep-interval", strconv.Itoa(int(c.SleepInterval.Seconds())))
	}
	if c.UserAgent != "" {
		args = append(args, "--user-agent", c.UserAgent)
	}
	if cookiesPath != "" {
		args = append(args, "--cookies", cookiesPath)
	}
	if c.FFmpeg != "" {
		args = append(args, "--ffmpeg-location", c.FFmpeg)
	}
	return append(args, job.URL)
}

func (c Config) probeArgs(url string) []string {
	return []string{"--dump-json", "--no-playlist", "--no-check-certificate", url}
}

// cookieFile resolves cookie material for one run. An existing path is
// used as-is; literal text is persisted to a private temp file which
// cleanup removes regardless of the run's outcome.
func cookieFile(material string) (path string, cleanup func(), err error) {
	cleanup = func() {}
	material = strings.TrimSpace(material)
	if material == "" {
		return "", cleanup, nil
	}
	if _, statErr := os.Stat(material); statErr == nil {
		return material, cleanup, nil
	}
	f, err := os.CreateTemp("", "mediagrab-cookies-*.txt")
	if err != nil {
		return "", cleanup, fmt.Errorf("creating cookies file: %w", err)
	}
	if err := f.Chmod(0o600); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", cleanup, fmt.Errorf("restricting cookies file: %w", err)
	}
	if _, err := f.WriteString(material); err != nil {
		_ = f.Close()
		_ = os.Remove(f.Name())
		return "", cleanup, fmt.Errorf("writing cookies file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(f.Name())
		return "", cleanup, fmt.Errorf("closing cookies file: %w", err)
	}
	name := f.Name()
	return name, func() { _ = os.Remove(name) }, nil
}

// CheckDependencies probes the downloader and muxer binaries once at
// startup. Absence only degrades the service, it never blocks it.
func CheckDependencies(ctx context.Context, cfg Config) Config {
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	out, err := exec.CommandContext(checkCtx, cfg.Tool, "--version").Output()
	if err != nil {
		slog.WarnContext(ctx, "downloader tool not available, downloads will fail",
			"tool", cfg.Tool, "error", err)
	} else {
		slog.InfoContext(ctx, "downloader tool found",
			"tool", cfg.Tool, "version", strings.TrimSpace(string(out)))
	}

	if cfg.FFmpeg == "" {
		if path, err := exec.LookPath("ffmpeg"); err == nil {
			cfg.FFmpeg = path
		}
	}
	if cfg.FFmpeg == "" {
		slog.WarnContext(ctx, "ffmpeg not found, some formats may not mux")
	} else {
		slog.InfoContext(ctx, "ffmpeg found", "path", cfg.FFmpeg)
	}
	return cfg
}
