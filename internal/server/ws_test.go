package server_test

import (
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/mediagrab/mediagrab/internal/bus"
)

func dialWS(t *testing.T, f *fixture) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.ts.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) bus.Event {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var ev bus.Event
	require.NoError(t, conn.ReadJSON(&ev))
	return ev
}

func TestWebSocketSubscribe(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	conn := dialWS(t, f)

	require.NoError(t, conn.WriteJSON(map[string]string{"subscribe": "job-1"}))

	ev := readEvent(t, conn)
	require.Equal(t, bus.Kind("subscribed"), ev.Kind)
	require.Equal(t, "job-1", ev.JobID)

	f.bus.Publish("job-1", bus.Event{
		Kind: bus.KindProgress, Percent: 42.5, Speed: "1.20MiB/s",
	})
	ev = readEvent(t, conn)
	require.Equal(t, bus.KindProgress, ev.Kind)
	require.Equal(t, "job-1", ev.JobID)
	require.Equal(t, 42.5, ev.Percent)
	require.Equal(t, "1.20MiB/s", ev.Speed)

	f.bus.Publish("job-1", bus.Event{Kind: bus.KindCompleted, Filename: "a.mp4", Percent: 100})
	ev = readEvent(t, conn)
	require.Equal(t, bus.KindCompleted, ev.Kind)
	require.Equal(t, "a.mp4", ev.Filename)
}

// One connection may follow several jobs; events for jobs it never
// subscribed to stay off the wire.
func TestWebSocketMultipleSubscriptions(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	conn := dialWS(t, f)

	for _, id := range []string{"job-1", "job-2"} {
		require.NoError(t, conn.WriteJSON(map[string]string{"subscribe": id}))
		ev := readEvent(t, conn)
		require.Equal(t, bus.Kind("subscribed"), ev.Kind)
		require.Equal(t, id, ev.JobID)
	}

	f.bus.Publish("job-3", bus.Event{Kind: bus.KindProgress, Percent: 99})
	f.bus.Publish("job-2", bus.Event{Kind: bus.KindFailed, Error: "boom"})

	ev := readEvent(t, conn)
	require.Equal(t, bus.KindFailed, ev.Kind)
	require.Equal(t, "job-2", ev.JobID)
}

func TestWebSocketFilesUpdated(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	conn := dialWS(t, f)

	require.NoError(t, conn.WriteJSON(map[string]string{"subscribe": "job-1"}))
	ev := readEvent(t, conn)
	require.Equal(t, bus.Kind("subscribed"), ev.Kind)

	f.bus.PublishGlobal(bus.Event{Kind: bus.KindFilesUpdated})
	ev = readEvent(t, conn)
	require.Equal(t, bus.KindFilesUpdated, ev.Kind)
	require.Empty(t, ev.JobID)
}
