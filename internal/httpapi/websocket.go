package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"lol.mleku.dev/chk"
	"lol.mleku.dev/log"

	"github.com/orly-timing/regburst/internal/events"
	"github.com/orly-timing/regburst/internal/session"
)

// Websocket tuning mirrors the teacher's app/handle-websocket.go constants,
// adapted to the event-subscription protocol of §6: the server sends
// control-frame pings and also answers a client's text "ping" with
// {"type":"pong"}.
const (
	wsWriteWait = 10 * time.Second
	wsPongWait  = 60 * time.Second
	wsPingWait  = wsPongWait / 2
	wsMaxMessageSize = 1 << 20
)

type pongFrame struct {
	Type string `json:"type"`
}

// handleWebsocket implements `GET /ws?session_id=...` (§6): subscribes the
// connection to the session's Event Bus and fans out events as JSON frames
// until the client disconnects or the server context is cancelled.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("session_id")
	if id == "" {
		http.Error(w, "missing session_id", http.StatusBadRequest)
		return
	}
	sess, err := s.Registry.GetOrCreate(id)
	if err != nil {
		switch err {
		case session.ErrInvalidSessionID:
			http.Error(w, err.Error(), http.StatusBadRequest)
		case session.ErrCapacityExceeded:
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
		default:
			http.Error(w, "internal error", http.StatusInternalServerError)
		}
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if chk.E(err) {
		return
	}
	conn.SetReadLimit(wsMaxMessageSize)
	defer conn.CloseNow()

	ctx, cancel := context.WithCancel(s.Ctx)
	defer cancel()

	sub := sess.Bus.Subscribe(256)
	defer sess.Bus.Unsubscribe(sub)

	ticker := time.NewTicker(wsPingWait)
	defer ticker.Stop()
	go s.wsPinger(ctx, cancel, conn, ticker)
	go s.wsPump(ctx, cancel, conn, sub)
	s.wsReadLoop(ctx, cancel, conn, id)
}

// wsPinger sends periodic control-frame pings, mirroring the teacher's
// Server.Pinger (app/handle-websocket.go), so idle connections are detected
// even when no events are flowing.
func (s *Server) wsPinger(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, ticker *time.Ticker) {
	defer cancel()
	for {
		select {
		case <-ticker.C:
			pctx, pcancel := context.WithTimeout(ctx, wsWriteWait)
			err := conn.Ping(pctx)
			pcancel()
			if chk.E(err) {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// wsPump fans out bus events to the connection until ctx is cancelled.
func (s *Server) wsPump(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, sub *events.Subscriber) {
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			payload, err := json.Marshal(ev)
			if chk.E(err) {
				continue
			}
			wctx, wcancel := context.WithTimeout(ctx, wsWriteWait)
			err = conn.Write(wctx, websocket.MessageText, payload)
			wcancel()
			if chk.E(err) {
				return
			}
		}
	}
}

// wsReadLoop drains inbound frames, answering the text "ping" keepalive
// with a JSON {"type":"pong"} frame per §6; any other frame is ignored.
func (s *Server) wsReadLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, remote string) {
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		rctx, rcancel := context.WithTimeout(ctx, wsPongWait)
		typ, msg, err := conn.Read(rctx)
		rcancel()
		if err != nil {
			if strings.Contains(err.Error(), "use of closed network connection") {
				return
			}
			status := websocket.CloseStatus(err)
			switch status {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway, websocket.StatusNoStatusRcvd:
			default:
				log.T.F("httpapi: websocket read error for session %s: %v", remote, err)
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		if strings.TrimSpace(string(msg)) != "ping" {
			continue
		}
		payload, _ := json.Marshal(pongFrame{Type: "pong"})
		wctx, wcancel := context.WithTimeout(ctx, wsWriteWait)
		err = conn.Write(wctx, websocket.MessageText, payload)
		wcancel()
		if chk.E(err) {
			return
		}
	}
}
