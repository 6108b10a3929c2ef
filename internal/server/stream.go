package server

import (
	"context"
	"iter"
	"log"
	"net/http"
	"path"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"coordline/internal/domain"
	"coordline/internal/engine"
)

// StreamMessage is a frame on the topic stream socket.
type StreamMessage struct {
	Type  string        `json:"type"` // "event", "ack", "error"
	Event *domain.Event `json:"event,omitempty"`
	Seq   int64         `json:"seq,omitempty"`
	Error *apiErrorBody `json:"error,omitempty"`
}

// Any origin may open the socket. The handshake authenticates only through
// the Authorization or X-Api-Key header or the access_token query parameter,
// never cookies, so a cross-site page cannot ride on ambient credentials.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// registerStream serves GET .../topics/{topic}/stream. Events after ?from=N
// (or after the caller's acknowledged cursor with ?resume=true) are pushed as
// they are published. Clients send {"type":"ack","seq":N} frames to move
// their cursor.
func registerStream(r chi.Router, basePath string, e engine.Engine, logger *log.Logger) {
	r.Get(path.Join(basePath, "sessions/{session_id}/topics/{topic}/stream"), func(w http.ResponseWriter, req *http.Request) {
		sessionID := chi.URLParam(req, "session_id")
		topic := chi.URLParam(req, "topic")
		s, err := attach(req.Context(), e, sessionID)
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		q := req.URL.Query()
		var from int64
		if raw := q.Get("from"); raw != "" {
			from, err = strconv.ParseInt(raw, 10, 64)
			if err != nil || from < 0 {
				respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "from must be a non-negative integer", nil))
				return
			}
		}
		resume, _ := strconv.ParseBool(q.Get("resume"))

		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			logger.Printf("stream: upgrade %s/%s: %v", sessionID, topic, err)
			return
		}
		defer conn.Close()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// reader: acks in, close detection
		go func() {
			defer cancel()
			for {
				var msg StreamMessage
				if err := conn.ReadJSON(&msg); err != nil {
					if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
						logger.Printf("stream: read %s/%s: %v", sessionID, topic, err)
					}
					return
				}
				if msg.Type != "ack" {
					continue
				}
				if err := s.Ack(ctx, topic, msg.Seq); err != nil {
					logger.Printf("stream: ack %s/%s by %s: %v", sessionID, topic, s.AgentID, err)
				}
			}
		}()

		var events iter.Seq2[domain.Event, error]
		if resume {
			events = s.Resume(ctx, topic)
		} else {
			events = s.Subscribe(ctx, topic, from)
		}
		for ev, err := range events {
			if err != nil {
				body := apiErrorBody{Code: "internal_error", Message: err.Error()}
				if ae, ok := handleError(err).(*apiError); ok {
					body = ae.Body
				}
				if werr := conn.WriteJSON(StreamMessage{Type: "error", Error: &body}); werr != nil {
					logger.Printf("stream: error frame %s/%s: %v (after %v)", sessionID, topic, werr, err)
				}
				return
			}
			if err := conn.WriteJSON(StreamMessage{Type: "event", Event: &ev}); err != nil {
				return
			}
		}
	})
}
