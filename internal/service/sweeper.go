package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/mediagrab/mediagrab/internal/bus"
	"github.com/mediagrab/mediagrab/internal/metrics"
	"github.com/mediagrab/mediagrab/internal/model"
	"github.com/mediagrab/mediagrab/internal/store"
)

// Sweeper evicts expired output files and stale terminal job records on
// a fixed schedule. Both duties run without touching active jobs;
// per-item failures are logged and skipped.
type Sweeper struct {
	cfg     model.RetentionConfig
	dir     string
	store   *store.Store
	bus     *bus.Bus
	metrics *metrics.Metrics
}

func NewSweeper(cfg model.Config, st *store.Store, b *bus.Bus, m *metrics.Metrics) *Sweeper {
	return &Sweeper{
		cfg:     cfg.Retention,
		dir:     cfg.DownloadDir,
		store:   st,
		bus:     b,
		metrics: m,
	}
}

// Run starts the sweep schedule and blocks until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	var def gocron.JobDefinition
	switch {
	case s.cfg.SweepCron != "":
		if err := ParseCron(s.cfg.SweepCron); err != nil {
			return fmt.Errorf("parsing retention.sweep_cron: %w", err)
		}
		def = gocron.CronJob(s.cfg.SweepCron, false)
	default:
		def = gocron.DurationJob(s.cfg.SweepEvery)
	}

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("initializing sweep scheduler: %w", err)
	}
	_, err = scheduler.NewJob(def, gocron.NewTask(func() { s.Sweep(ctx, time.Now()) }))
	if err != nil {
		return fmt.Errorf("initializing sweep job: %w", err)
	}

	scheduler.Start()
	slog.InfoContext(ctx, "retention sweeper started",
		"every", s.cfg.SweepEvery, "cron", s.cfg.SweepCron,
		"max_file_age", s.cfg.MaxFileAge, "record_grace", s.cfg.RecordGrace)

	<-ctx.Done()
	if err := scheduler.Shutdown(); err != nil {
		slog.ErrorContext(ctx, "shutting down sweep scheduler", "error", err)
	}
	return nil
}

// Sweep performs one pass of both duties.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) {
	s.sweepFiles(ctx, now)
	s.sweepRecords(ctx, now)
}

func (s *Sweeper) sweepFiles(ctx context.Context, now time.Time) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		slog.ErrorContext(ctx, "listing output directory for sweep", "dir", s.dir, "error", err)
		return
	}

	cutoff := now.Add(-s.cfg.MaxFileAge)
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			slog.WarnContext(ctx, "stat during sweep", "name", e.Name(), "error", err)
			continue
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil {
			slog.WarnContext(ctx, "removing expired file", "name", e.Name(), "error", err)
			continue
		}
		slog.InfoContext(ctx, "removed expired file", "name", e.Name(), "age", now.Sub(info.ModTime()))
		removed++
	}
	if removed > 0 {
		s.metrics.SweptFiles(removed)
		s.bus.PublishGlobal(bus.Event{Kind: bus.KindFilesUpdated})
	}
}

func (s *Sweeper) sweepRecords(ctx context.Context, now time.Time) {
	stale := s.store.TerminalBefore(now.Add(-s.cfg.RecordGrace))
	for _, job := range stale {
		s.store.Delete(job.ID)
	}
	if len(stale) > 0 {
		s.metrics.SweptRecords(len(stale))
		slog.InfoContext(ctx, "evicted terminal job records", "count", len(stale))
	}
}
