package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/mediagrab/mediagrab/internal/bus"
	"github.com/mediagrab/mediagrab/internal/fetch"
	"github.com/mediagrab/mediagrab/internal/metrics"
	"github.com/mediagrab/mediagrab/internal/model"
	"github.com/mediagrab/mediagrab/internal/service"
	"github.com/mediagrab/mediagrab/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeFetcher mimics the supervised runner against the real store: it
// applies the same guarded transitions, without any subprocess.
type fakeFetcher struct {
	st    *store.Store
	gate  chan struct{} // when set, Run blocks until the gate closes
	probe func(url string) (fetch.ProbeResult, error)
	run   func(jobID string) fetch.Outcome // overrides the default Run
}

func (f *fakeFetcher) Probe(_ context.Context, url string) (fetch.ProbeResult, error) {
	if f.probe != nil {
		return f.probe(url)
	}
	return fetch.ProbeResult{Title: "Some Video"}, nil
}

func (f *fakeFetcher) Run(_ context.Context, jobID, _ string) fetch.Outcome {
	if f.run != nil {
		return f.run(jobID)
	}
	if f.gate != nil {
		<-f.gate
	}
	applied := false
	job, err := f.st.Update(jobID, func(j *model.Job) {
		if !j.Status.CanTransition(model.StatusDownloading) {
			return
		}
		j.Status = model.StatusDownloading
		applied = true
	})
	if err != nil || !applied {
		return fetch.Outcome{Status: job.Status}
	}
	job, _ = f.st.Update(jobID, func(j *model.Job) {
		j.Status = model.StatusCompleted
		j.Percent = 100
		j.EndedAt = time.Now()
	})
	return fetch.Outcome{Status: job.Status}
}

func newController(t *testing.T, maxActive, maxPerOrigin int, f *fakeFetcher) (*service.Controller, *store.Store, *bus.Bus) {
	t.Helper()
	st := store.New()
	b := bus.New()
	if f.st == nil {
		f.st = st
	}
	cfg := model.Config{
		Limits: model.LimitsConfig{MaxActive: maxActive, MaxPerOrigin: maxPerOrigin},
	}
	ctrl := service.New(cfg, st, b, f, nil)
	t.Cleanup(ctrl.Wait)
	return ctrl, st, b
}

func TestSubmit(t *testing.T) {
	t.Parallel()
	ctrl, _, _ := newController(t, 3, 2, &fakeFetcher{
		probe: func(string) (fetch.ProbeResult, error) {
			return fetch.ProbeResult{Title: "Nice Video: part <1>"}, nil
		},
	})

	resp, err := ctrl.Submit(t.Context(), service.SubmitRequest{URL: "https://example.com/v"})
	require.NoError(t, err)
	require.NotEmpty(t, resp.ID)
	require.Equal(t, "Nice Video: part <1>", resp.Title)
	require.Equal(t, model.StatusQueued, resp.Status)
	require.Empty(t, resp.Warning)

	ctrl.Wait()

	job, err := ctrl.Status(resp.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusCompleted, job.Status)
	require.Equal(t, "Nice Video part 1", job.SafeTitle)
	require.Equal(t, "best", job.Format)
}

func TestSubmitValidation(t *testing.T) {
	t.Parallel()
	ctrl, _, _ := newController(t, 3, 2, &fakeFetcher{})

	_, err := ctrl.Submit(t.Context(), service.SubmitRequest{URL: "   "})
	var verr model.ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "url", verr.Field)
	require.Empty(t, ctrl.Jobs())
}

// A failed metadata probe degrades to a placeholder title and a warning
// in the response; the download itself still proceeds.
func TestSubmitProbeFailure(t *testing.T) {
	t.Parallel()
	ctrl, _, _ := newController(t, 3, 2, &fakeFetcher{
		probe: func(string) (fetch.ProbeResult, error) {
			return fetch.ProbeResult{}, errors.New("probe timed out")
		},
	})

	resp, err := ctrl.Submit(t.Context(), service.SubmitRequest{URL: "https://example.com/v"})
	require.NoError(t, err)
	require.Contains(t, resp.Warning, "probe timed out")
	require.Contains(t, resp.Title, "video_")

	ctrl.Wait()
	job, err := ctrl.Status(resp.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusCompleted, job.Status)
}

// The active-job ceiling rejects outright: no record is created for the
// overflowing submission.
func TestSubmitCapacity(t *testing.T) {
	t.Parallel()
	gate := make(chan struct{})
	ctrl, _, _ := newController(t, 2, 10, &fakeFetcher{gate: gate})
	defer close(gate)

	for i, origin := range []string{"10.0.0.1", "10.0.0.2"} {
		_, err := ctrl.Submit(t.Context(), service.SubmitRequest{
			URL: "https://example.com/v", Origin: origin,
		})
		require.NoError(t, err, "submission %d", i)
	}

	_, err := ctrl.Submit(t.Context(), service.SubmitRequest{
		URL: "https://example.com/v", Origin: "10.0.0.3",
	})
	require.ErrorIs(t, err, model.ErrCapacity)
	require.Len(t, ctrl.Jobs(), 2)
	require.Equal(t, 2, ctrl.ActiveCount())
}

func TestSubmitPerOriginCapacity(t *testing.T) {
	t.Parallel()
	gate := make(chan struct{})
	ctrl, _, _ := newController(t, 10, 1, &fakeFetcher{gate: gate})
	defer close(gate)

	_, err := ctrl.Submit(t.Context(), service.SubmitRequest{
		URL: "https://example.com/a", Origin: "10.0.0.1",
	})
	require.NoError(t, err)

	_, err = ctrl.Submit(t.Context(), service.SubmitRequest{
		URL: "https://example.com/b", Origin: "10.0.0.1",
	})
	require.ErrorIs(t, err, model.ErrCapacity)

	_, err = ctrl.Submit(t.Context(), service.SubmitRequest{
		URL: "https://example.com/c", Origin: "10.0.0.2",
	})
	require.NoError(t, err)
}

// Cancel is advisory: the status flips immediately, the job stops
// counting as active, and a late terminal write from the worker loses.
func TestCancel(t *testing.T) {
	t.Parallel()
	gate := make(chan struct{})
	ctrl, _, b := newController(t, 3, 2, &fakeFetcher{gate: gate})

	resp, err := ctrl.Submit(t.Context(), service.SubmitRequest{URL: "https://example.com/v"})
	require.NoError(t, err)

	sub := b.Subscribe(resp.ID)
	defer sub.Close()

	require.NoError(t, ctrl.Cancel(t.Context(), resp.ID))
	require.Equal(t, 0, ctrl.ActiveCount())

	job, err := ctrl.Status(resp.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusCancelled, job.Status)

	ev := <-sub.C
	require.Equal(t, bus.KindCancelled, ev.Kind)
	require.Equal(t, resp.ID, ev.JobID)

	// Terminal states are absorbing, so a repeated cancel is an error
	// and the worker's own completion cannot overwrite the record.
	require.ErrorIs(t, ctrl.Cancel(t.Context(), resp.ID), model.ErrNotFound)

	close(gate)
	ctrl.Wait()

	job, err = ctrl.Status(resp.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusCancelled, job.Status)
}

func TestCancelUnknown(t *testing.T) {
	t.Parallel()
	ctrl, _, _ := newController(t, 3, 2, &fakeFetcher{})
	require.ErrorIs(t, ctrl.Cancel(t.Context(), "nope"), model.ErrNotFound)
}

// A worker whose record was evicted mid-flight reports no terminal
// status; the finished-jobs counter must not grow an empty label.
func TestWorkerVanishedRecordSkipsMetrics(t *testing.T) {
	t.Parallel()
	st := store.New()
	b := bus.New()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	f := &fakeFetcher{st: st, run: func(jobID string) fetch.Outcome {
		st.Delete(jobID)
		return fetch.Outcome{}
	}}
	cfg := model.Config{
		Limits: model.LimitsConfig{MaxActive: 3, MaxPerOrigin: 2},
	}
	ctrl := service.New(cfg, st, b, f, m)

	_, err := ctrl.Submit(t.Context(), service.SubmitRequest{URL: "https://example.com/v"})
	require.NoError(t, err)
	ctrl.Wait()

	fams, err := reg.Gather()
	require.NoError(t, err)
	for _, fam := range fams {
		if fam.GetName() == "mediagrab_jobs_finished_total" {
			require.Empty(t, fam.GetMetric())
		}
	}
}

func TestJobsNewestFirst(t *testing.T) {
	t.Parallel()
	ctrl, st, _ := newController(t, 3, 2, &fakeFetcher{})
	now := time.Now()
	require.NoError(t, st.Create(model.Job{ID: "a", CreatedAt: now.Add(-2 * time.Hour)}))
	require.NoError(t, st.Create(model.Job{ID: "b", CreatedAt: now}))
	require.NoError(t, st.Create(model.Job{ID: "c", CreatedAt: now.Add(-time.Hour)}))

	jobs := ctrl.Jobs()
	require.Len(t, jobs, 3)
	require.Equal(t, "b", jobs[0].ID)
	require.Equal(t, "c", jobs[1].ID)
	require.Equal(t, "a", jobs[2].ID)
}
