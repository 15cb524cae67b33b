// Package service owns the download lifecycle: admission, the
// supervised worker per job, advisory cancellation and the retention
// sweep. All state flows through the job record store; all client
// notifications flow through the event bus.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mediagrab/mediagrab/internal/bus"
	"github.com/mediagrab/mediagrab/internal/fetch"
	"github.com/mediagrab/mediagrab/internal/metrics"
	"github.com/mediagrab/mediagrab/internal/model"
	"github.com/mediagrab/mediagrab/internal/store"
)

// Fetcher supervises one downloader process per job and probes
// metadata. Satisfied by *fetch.Runner.
type Fetcher interface {
	Run(ctx context.Context, jobID, cookies string) fetch.Outcome
	Probe(ctx context.Context, url string) (fetch.ProbeResult, error)
}

type Controller struct {
	cfg     model.Config
	store   *store.Store
	bus     *bus.Bus
	fetcher Fetcher
	metrics *metrics.Metrics

	// admit serializes the count-and-create step so the ceilings hold
	// under concurrent submissions.
	admit sync.Mutex

	mu      sync.Mutex
	workers map[string]struct{}
	wg      sync.WaitGroup
}

func New(cfg model.Config, st *store.Store, b *bus.Bus, f Fetcher, m *metrics.Metrics) *Controller {
	return &Controller{
		cfg:     cfg,
		store:   st,
		bus:     b,
		fetcher: f,
		metrics: m,
		workers: make(map[string]struct{}),
	}
}

// SubmitRequest is one download submission. URL is required; Format
// defaults to "best". Cookies may be literal netscape-format text or a
// path to an existing file. Origin identifies the submitting client for
// per-origin accounting only.
type SubmitRequest struct {
	URL     string `json:"url"`
	Format  string `json:"format"`
	Cookies string `json:"cookies"`
	Origin  string `json:"-"`
}

// SubmitResponse carries enough to begin polling or subscribing even
// when the metadata probe warned.
type SubmitResponse struct {
	ID      string       `json:"id"`
	Title   string       `json:"title"`
	Status  model.Status `json:"status"`
	Warning string       `json:"warning,omitempty"`
}

// Submit validates, admits and starts one download. Admission is
// rejected, never deferred: when an active-job ceiling is hit the
// caller gets model.ErrCapacity and no record is created.
func (c *Controller) Submit(ctx context.Context, req SubmitRequest) (SubmitResponse, error) {
	if strings.TrimSpace(req.URL) == "" {
		return SubmitResponse{}, model.ValidationError{Field: "url", Reason: "required"}
	}
	if req.Format == "" {
		req.Format = "best"
	}

	// Cheap pre-check so a full service does not pay for a probe.
	if err := c.checkCapacity(req.Origin); err != nil {
		return SubmitResponse{}, err
	}

	id := uuid.NewString()

	var warning string
	title := "video_" + id[:8]
	if info, err := c.fetcher.Probe(ctx, req.URL); err != nil {
		warning = fmt.Sprintf("metadata probe failed: %v", err)
		slog.WarnContext(ctx, "metadata probe failed, using placeholder title",
			"job_id", id, "error", err)
	} else if info.Title != "" {
		title = info.Title
	}

	safeTitle := model.SafeTitle(title)
	if safeTitle == "" {
		safeTitle = "video_" + id[:8]
	}

	job := model.Job{
		ID:        id,
		URL:       req.URL,
		Title:     title,
		SafeTitle: safeTitle,
		Format:    req.Format,
		Status:    model.StatusQueued,
		CreatedAt: time.Now(),
		Owner:     req.Origin,
	}

	c.admit.Lock()
	if err := c.checkCapacity(req.Origin); err != nil {
		c.admit.Unlock()
		return SubmitResponse{}, err
	}
	if err := c.store.Create(job); err != nil {
		c.admit.Unlock()
		return SubmitResponse{}, fmt.Errorf("creating job record: %w", err)
	}
	c.admit.Unlock()

	c.metrics.SubmissionAccepted()
	c.spawn(ctx, job, req.Cookies)

	slog.InfoContext(ctx, "download submitted",
		"job_id", id, "title", title, "format", req.Format)
	return SubmitResponse{ID: id, Title: title, Status: job.Status, Warning: warning}, nil
}

func (c *Controller) checkCapacity(origin string) error {
	if c.store.CountActive(nil) >= c.cfg.Limits.MaxActive {
		return model.ErrCapacity
	}
	if origin != "" {
		perOrigin := c.store.CountActive(func(j model.Job) bool { return j.Owner == origin })
		if perOrigin >= c.cfg.Limits.MaxPerOrigin {
			return fmt.Errorf("origin %s: %w", origin, model.ErrCapacity)
		}
	}
	return nil
}

// spawn runs the supervised worker for one admitted job and keeps it
// registered until it returns. The worker is detached from the
// submitting request's context; cancellation of the HTTP call must not
// abort the download.
func (c *Controller) spawn(ctx context.Context, job model.Job, cookies string) {
	c.mu.Lock()
	c.workers[job.ID] = struct{}{}
	c.mu.Unlock()

	c.metrics.WorkerStarted()
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			c.mu.Lock()
			delete(c.workers, job.ID)
			c.mu.Unlock()
			c.metrics.WorkerFinished()
		}()

		started := time.Now()
		out := c.fetcher.Run(context.WithoutCancel(ctx), job.ID, cookies)
		// A vanished record yields no terminal status; nothing to count.
		if out.Status != "" {
			c.metrics.JobFinished(string(out.Status), time.Since(started), out.FileSize)
		}
	}()
}

// Status returns the current record projection for one job.
func (c *Controller) Status(id string) (model.Job, error) {
	return c.store.Get(id)
}

// Jobs returns all known records, newest first.
func (c *Controller) Jobs() []model.Job {
	jobs := c.store.List()
	sort.Slice(jobs, func(i, k int) bool { return jobs[i].CreatedAt.After(jobs[k].CreatedAt) })
	return jobs
}

// ActiveCount reports jobs currently queued or downloading.
func (c *Controller) ActiveCount() int {
	return c.store.CountActive(nil)
}

// Subscribe attaches a listener to one job's event stream.
func (c *Controller) Subscribe(id string) *bus.Subscription {
	return c.bus.Subscribe(id)
}

// PublishFilesUpdated broadcasts the fire-and-forget signal that the
// output file listing may have changed.
func (c *Controller) PublishFilesUpdated() {
	c.bus.PublishGlobal(bus.Event{Kind: bus.KindFilesUpdated})
}

// Cancel applies the advisory cancel transition: the status flips, a
// cancelled event is published, and the job stops counting as active.
// The running subprocess is not killed. Jobs already terminal (or
// unknown) return model.ErrNotFound; a cancel cannot be repeated.
func (c *Controller) Cancel(ctx context.Context, id string) error {
	applied := false
	_, err := c.store.Update(id, func(j *model.Job) {
		if !j.Status.CanTransition(model.StatusCancelled) {
			return
		}
		j.Status = model.StatusCancelled
		j.EndedAt = time.Now()
		applied = true
	})
	if err != nil {
		return err
	}
	if !applied {
		return model.ErrNotFound
	}
	c.bus.Publish(id, bus.Event{Kind: bus.KindCancelled})
	slog.InfoContext(ctx, "download cancelled", "job_id", id)
	return nil
}

// Wait blocks until every spawned worker has returned. Used by tests;
// the daemon itself is stopped externally.
func (c *Controller) Wait() {
	c.wg.Wait()
}
