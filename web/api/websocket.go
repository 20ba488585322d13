package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hummer98/sdd-orchestrator-sub011/internal/agentlog"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

// wsHandler streams one agent's entries: first the history replayed from its
// log, then live entries as they are parsed
func (s *Server) wsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		view, err := s.lookupAgent(id)
		if err != nil {
			s.writeLookupError(w, err)
			return
		}

		// subscribe before reading history so nothing falls in between
		events, cancel := s.hub.Subscribe(id)
		defer cancel()

		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Warn("websocket upgrade failed", "agent_id", id, "error", err)
			return
		}
		defer conn.Close()

		history := EntriesEvent{AgentID: id}
		if envs, err := agentlog.ReadAll(view.LogPath); err == nil {
			history.Entries = s.stream.Replay(id, envs)
		}
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(SSEEvent{Type: "history", AgentID: id, Data: history}); err != nil {
			return
		}

		// the read side only handles control frames and notices the close
		closed := make(chan struct{})
		conn.SetReadLimit(4096)
		conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		go func() {
			defer close(closed)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ping := time.NewTicker(wsPingPeriod)
		defer ping.Stop()
		for {
			select {
			case event, ok := <-events:
				conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if !ok {
					conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
					return
				}
				if err := conn.WriteJSON(event); err != nil {
					return
				}
			case <-ping.C:
				conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case <-closed:
				return
			}
		}
	}
}
