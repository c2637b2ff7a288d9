package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"lossly-go/internal/task"
)

const (
	sseKeepAlive = 15 * time.Second
	wsWriteWait  = 10 * time.Second
)

type WSMessage struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

func (s *Server) handleBatchStart(w http.ResponseWriter, r *http.Request) {
	var req BatchStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	settings := task.DefaultSettings()
	if req.Settings != nil {
		settings = *req.Settings
	}

	id, err := s.backend.SubmitBatch(r.Context(), req.Items, settings)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, APIResponse{
		Success: true,
		Data: map[string]interface{}{
			"batchId":    id,
			"totalItems": len(req.Items),
		},
	})
}

func (s *Server) handleBatchStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.backend.GetBatchStatus(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, APIResponse{Success: true, Data: status})
}

func (s *Server) handleBatchPause(w http.ResponseWriter, r *http.Request) {
	if err := s.backend.PauseBatch(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, APIResponse{Success: true, Message: "Batch paused"})
}

func (s *Server) handleBatchResume(w http.ResponseWriter, r *http.Request) {
	if err := s.backend.ResumeBatch(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, APIResponse{Success: true, Message: "Batch resumed"})
}

func (s *Server) handleBatchCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.backend.CancelBatch(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	s.writeJSON(w, APIResponse{Success: true, Message: "Batch cancelled"})
}

// handleBatchProgress streams progress events as server-sent events until the
// batch finishes or the client goes away.
func (s *Server) handleBatchProgress(w http.ResponseWriter, r *http.Request) {
	batchID := mux.Vars(r)["id"]
	sub, err := s.backend.Subscribe(batchID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	defer sub.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	keepAlive := time.NewTicker(sseKeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case e, ok := <-sub.Events():
			if !ok {
				return
			}
			data, err := json.Marshal(e)
			if err != nil {
				s.log.WithError(err).Error("Failed to marshal progress event")
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// handleBatchWebSocket relays progress events over a websocket. The socket is
// closed normally after the terminal event.
func (s *Server) handleBatchWebSocket(w http.ResponseWriter, r *http.Request) {
	batchID := mux.Vars(r)["id"]
	sub, err := s.backend.Subscribe(batchID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	defer sub.Close()

	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Errorf("WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	log := s.log.WithFields(logrus.Fields{
		"batch_id": batchID,
		"trace_id": GetTraceID(r.Context()),
	})
	log.Debug("WebSocket client connected")

	// Reads only detect the client going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case e, ok := <-sub.Events():
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "batch finished"))
				log.Debug("WebSocket stream finished")
				return
			}
			if err := conn.WriteJSON(WSMessage{Type: e.Type, Data: e}); err != nil {
				log.Errorf("Failed to write WebSocket message: %v", err)
				return
			}
		case <-gone:
			log.Debug("WebSocket client disconnected")
			return
		}
	}
}
