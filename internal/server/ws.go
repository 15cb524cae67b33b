package server

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mediagrab/mediagrab/internal/bus"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 25 * time.Second
)

const kindSubscribed = bus.Kind("subscribed")

// wsCommand is the only message clients send: a job id to subscribe to.
// One connection may subscribe to any number of jobs; global
// files_updated events arrive on every subscription.
type wsCommand struct {
	Subscribe string `json:"subscribe"`
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.WarnContext(r.Context(), "websocket upgrade failed", "error", err)
		return
	}

	send := make(chan bus.Event, 64)
	done := make(chan struct{})
	var forwarders sync.WaitGroup
	var subs []*bus.Subscription

	go s.wsWriteLoop(conn, send, done)

	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		var cmd wsCommand
		if err := conn.ReadJSON(&cmd); err != nil {
			break
		}
		if cmd.Subscribe == "" {
			continue
		}
		sub := s.ctrl.Subscribe(cmd.Subscribe)
		subs = append(subs, sub)
		forwarders.Add(1)
		go func() {
			defer forwarders.Done()
			for ev := range sub.C {
				select {
				case send <- ev:
				case <-done:
					return
				}
			}
		}()
		select {
		case send <- bus.Event{Kind: kindSubscribed, JobID: cmd.Subscribe}:
		case <-done:
		}
	}

	// Reader is gone: detach the subscriptions, stop the forwarders,
	// then let the write loop drain out.
	for _, sub := range subs {
		sub.Close()
	}
	close(done)
	forwarders.Wait()
	close(send)
}

func (s *Server) wsWriteLoop(conn *websocket.Conn, send <-chan bus.Event, done <-chan struct{}) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case ev, ok := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			// Keep draining send until the handler closes it.
			done = nil
		}
	}
}
