package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"nhooyr.io/websocket"

	"github.com/glyphware/grimoire/internal/notify"
)

// handleSSEGlobal streams all cast events to the client via Server-Sent Events.
func (s *Server) handleSSEGlobal(w http.ResponseWriter, r *http.Request) {
	s.serveSSE(w, r, notify.EventFilter{})
}

// handleSSECast streams events for a specific cast.
func (s *Server) handleSSECast(w http.ResponseWriter, r *http.Request) {
	s.serveSSE(w, r, notify.EventFilter{CastID: r.PathValue("id")})
}

// serveSSE is the common SSE implementation.
func (s *Server) serveSSE(w http.ResponseWriter, r *http.Request, filter notify.EventFilter) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	ch, cancel, err := s.deps.Hub.Subscribe(r.Context(), filter)
	if err != nil {
		s.deps.Logger.Error("SSE subscribe failed", "error", err)
		http.Error(w, "subscribe failed", http.StatusInternalServerError)
		return
	}
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.EventType, data)
			flusher.Flush()
		}
	}
}

// handleWebSocketAttach registers a websocket connection for delivery. Casts
// whose platform is "websocket" and whose target ID matches the connection ID
// stream their results here. The connection stays open until the client
// closes it or the server shuts down.
func (s *Server) handleWebSocketAttach(w http.ResponseWriter, r *http.Request) {
	connID := r.PathValue("conn_id")
	if connID == "" {
		http.Error(w, "conn_id is required", http.StatusBadRequest)
		return
	}
	if s.deps.WS == nil {
		http.Error(w, "websocket delivery not enabled", http.StatusNotImplemented)
		return
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.deps.Logger.Warn("websocket accept failed", "error", err)
		return
	}

	s.deps.WS.Attach(connID, conn)
	defer func() {
		s.deps.WS.Detach(connID)
		conn.Close(websocket.StatusNormalClosure, "")
	}()

	// Drain control frames until the peer goes away. Clients never send data.
	ctx := r.Context()
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}
