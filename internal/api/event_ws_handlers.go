package api

import (
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/technosupport/apex-engine/internal/publish"
	"github.com/technosupport/apex-engine/internal/tokens"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all for dev; restrict in prod
	},
}

const wsWriteTimeout = 10 * time.Second

// EventWsHandler is the push transport of the event stream: one WS per
// subscriber, JSON framing, token in the query string (standard for WS).
type EventWsHandler struct {
	Tokens    *tokens.Manager
	Publisher *publish.Publisher
}

func NewEventWsHandler(tm *tokens.Manager, pub *publish.Publisher) *EventWsHandler {
	return &EventWsHandler{Tokens: tm, Publisher: pub}
}

// wsSink adapts one WS connection to the publisher's Sink. WriteJSON is
// serialized by mu because the publisher delivery goroutine and the close
// path can race.
type wsSink struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSink) Send(evt publish.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return s.conn.WriteJSON(evt)
}

func (s *wsSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Close()
}

// GET /api/v1/events/ws?token=...&kinds=threat_event,correlation_opened
func (h *EventWsHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	tokenStr := r.URL.Query().Get("token")
	if tokenStr == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	claims, err := h.Tokens.ValidateToken(tokenStr)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	// Requested kinds intersect with what the token allows.
	kinds := splitKinds(r.URL.Query().Get("kinds"))
	if len(claims.Kinds) > 0 {
		allowed := make(map[string]bool, len(claims.Kinds))
		for _, k := range claims.Kinds {
			allowed[k] = true
		}
		if len(kinds) == 0 {
			kinds = claims.Kinds
		} else {
			filtered := kinds[:0]
			for _, k := range kinds {
				if allowed[k] {
					filtered = append(filtered, k)
				}
			}
			kinds = filtered
			if len(kinds) == 0 {
				// An empty kinds list subscribes to everything; refuse
				// rather than widen past what the token allows.
				http.Error(w, "no permitted event kinds requested", http.StatusForbidden)
				return
			}
		}
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WS] Upgrade failed: %v", err)
		return
	}

	sink := &wsSink{conn: conn}
	subID := h.Publisher.Subscribe(kinds, sink)
	log.Printf("[WS] Subscriber %s connected (%s, kinds=%v)", claims.SubscriberName, subID, kinds)

	// Read loop exists to notice the close; subscribers don't send us
	// anything we act on besides pings.
	go func() {
		defer h.Publisher.Unsubscribe(subID)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				log.Printf("[WS] Subscriber %s disconnected: %v", claims.SubscriberName, err)
				return
			}
		}
	}()
}

func splitKinds(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
