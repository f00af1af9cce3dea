package http

import (
	"log"
	"net/http"
	"strings"
	"time"

	"bongard-study-service/internal/app"
	"github.com/gorilla/websocket"
)

const progressWriteWait = 10 * time.Second

// ProgressHandler streams session progress to researcher dashboards.
type ProgressHandler struct {
	hub      *app.ProgressHub
	upgrader websocket.Upgrader
}

// NewProgressHandler accepts browser connections only from allowedOrigins, the
// same list the CORS middleware uses. Requests without an Origin header come
// from non-browser clients and are accepted.
func NewProgressHandler(hub *app.ProgressHub, allowedOrigins []string) *ProgressHandler {
	return &ProgressHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, o := range allowed {
			if o == "*" || strings.EqualFold(o, origin) {
				return true
			}
		}
		return false
	}
}

type outboundMessage[T any] struct {
	Type    string `json:"type"`
	Payload T      `json:"payload"`
}

type subscribedPayload struct {
	SessionID string `json:"session_id"`
}

// ServeWS upgrades the request and forwards progress events until the client
// disconnects. The optional session_id query parameter narrows the feed.
func (h *ProgressHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	if h.hub == nil {
		http.Error(w, "progress feed disabled", http.StatusServiceUnavailable)
		return
	}
	sessionID := r.URL.Query().Get("session_id")

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	updates, cancel := h.hub.Subscribe(sessionID)
	defer cancel()

	if err := h.write(conn, outboundMessage[subscribedPayload]{Type: "subscribed", Payload: subscribedPayload{SessionID: sessionID}}); err != nil {
		return
	}

	// The feed is one-way; reading only detects the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-updates:
			if !ok {
				return
			}
			if err := h.write(conn, outboundMessage[any]{Type: "progress", Payload: ev}); err != nil {
				log.Printf("ws write error: %v", err)
				return
			}
		case <-closed:
			return
		case <-r.Context().Done():
			return
		}
	}
}

func (h *ProgressHandler) write(conn *websocket.Conn, msg any) error {
	_ = conn.SetWriteDeadline(time.Now().Add(progressWriteWait))
	return conn.WriteJSON(msg)
}
