package mediagrab_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/mediagrab/mediagrab/internal/bus"
	"github.com/mediagrab/mediagrab/internal/fetch"
	"github.com/mediagrab/mediagrab/internal/metrics"
	"github.com/mediagrab/mediagrab/internal/model"
	"github.com/mediagrab/mediagrab/internal/server"
	"github.com/mediagrab/mediagrab/internal/service"
	"github.com/mediagrab/mediagrab/internal/store"
)

// fakeTool stands in for the real downloader. A probe invocation gets
// metadata JSON; a download invocation parses its own -o template,
// emits progress lines and writes the output file.
const fakeTool = `#!/bin/sh
case "$1" in
--dump-json)
	echo '{"title":"End To End Video","duration":12.0,"uploader":"tester"}'
	exit 0
	;;
esac
out=""
prev=""
for a in "$@"; do
	if [ "$prev" = "-o" ]; then out="$a"; fi
	prev="$a"
done
base="${out%????????}"
echo '[download]  25.0% of ~4.00MiB at 1.00MiB/s ETA 00:03'
echo '[download] 100% of 4.00MiB in 00:03'
printf 'payload' > "${base}.mp4"
exit 0
`

// One full pass through the service: submit over HTTP, follow events
// over the websocket, fetch the finished file.
func TestMediagrab(t *testing.T) {
	if testing.Short() {
		t.Skip("integration test skipped with -short")
	}
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skipf("skipped, sh not available: %v", err)
	}

	downloadDir := t.TempDir()
	toolPath := filepath.Join(t.TempDir(), "fake-downloader")
	require.NoError(t, os.WriteFile(toolPath, []byte(fakeTool), 0o755))

	cfg := model.Config{
		Listen:      ":0",
		DownloadDir: downloadDir,
		Tool: model.ToolConfig{
			Path:         toolPath,
			ProbeTimeout: 10 * time.Second,
		},
		Limits: model.LimitsConfig{MaxActive: 3, MaxPerOrigin: 3},
		Retention: model.RetentionConfig{
			MaxFileAge:  24 * time.Hour,
			RecordGrace: time.Hour,
			SweepEvery:  time.Hour,
		},
	}
	require.NoError(t, cfg.Validate())

	st := store.New()
	b := bus.New()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	runner := fetch.NewRunner(fetch.Config{
		Tool:         cfg.Tool.Path,
		OutputDir:    cfg.DownloadDir,
		ProbeTimeout: cfg.Tool.ProbeTimeout,
	}, st, b)
	ctrl := service.New(cfg, st, b, runner, m)
	t.Cleanup(ctrl.Wait)

	ts := httptest.NewServer(server.New(cfg, ctrl, reg).Handler())
	t.Cleanup(ts.Close)

	// Connect and subscribe before submitting so the global
	// files_updated broadcast cannot be missed.
	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})
	require.NoError(t, conn.WriteJSON(map[string]string{"subscribe": "watcher"}))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))
	var ack bus.Event
	require.NoError(t, conn.ReadJSON(&ack))
	require.Equal(t, bus.Kind("subscribed"), ack.Kind)

	body, err := json.Marshal(map[string]string{"url": "https://example.com/watch?v=e2e"})
	require.NoError(t, err)
	post, err := http.Post(ts.URL+"/api/downloads", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	require.Equal(t, http.StatusAccepted, post.StatusCode)
	var sr service.SubmitResponse
	require.NoError(t, json.NewDecoder(post.Body).Decode(&sr))
	require.NoError(t, post.Body.Close())
	require.Equal(t, "End To End Video", sr.Title)
	require.Empty(t, sr.Warning)

	var job model.Job
	require.Eventually(t, func() bool {
		r, err := http.Get(ts.URL + "/api/downloads/" + sr.ID)
		if err != nil {
			return false
		}
		defer func() {
			_ = r.Body.Close()
		}()
		if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
			return false
		}
		return job.Status.Terminal()
	}, 15*time.Second, 50*time.Millisecond)

	require.Equal(t, model.StatusCompleted, job.Status)
	require.Equal(t, 100.0, job.Percent)
	require.Equal(t, "End To End Video ["+sr.ID[:8]+"].mp4", job.Filename)
	require.EqualValues(t, len("payload"), job.FileSize)

	// Completion reaches every connected client as a listing change.
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(10*time.Second)))
	var ev bus.Event
	require.NoError(t, conn.ReadJSON(&ev))
	require.Equal(t, bus.KindFilesUpdated, ev.Kind)

	get, err := http.Get(ts.URL + "/api/files/" + strings.ReplaceAll(job.Filename, " ", "%20"))
	require.NoError(t, err)
	defer func() {
		_ = get.Body.Close()
	}()
	require.Equal(t, http.StatusOK, get.StatusCode)
	data, err := io.ReadAll(get.Body)
	require.NoError(t, err)
	require.Equal(t, "payload", string(data))
}
