package api

import (
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/emotescope/emotescope/internal/pool"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// EventHub fans pool events out to connected websocket clients. A slow
// client drops events rather than stalling the pool.
type EventHub struct {
	log *logrus.Entry

	mu      sync.Mutex
	clients map[chan pool.Event]struct{}
}

func NewEventHub(log *logrus.Logger) *EventHub {
	return &EventHub{
		log:     log.WithField("component", "events"),
		clients: make(map[chan pool.Event]struct{}),
	}
}

// Publish delivers one pool event to every connected client. Registered
// as the pool's listener; never blocks.
func (h *EventHub) Publish(ev pool.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Handle handles GET /v1/pool/events: upgrade to a websocket and stream
// pool events as JSON until the client goes away.
func (h *EventHub) Handle(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	ch := make(chan pool.Event, 64)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.clients, ch)
		h.mu.Unlock()
	}()

	// Reads only detect disconnect; clients are not expected to send
	// anything.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	h.log.Debug("event stream client connected")
	for {
		select {
		case <-done:
			h.log.Debug("event stream client disconnected")
			return
		case ev := <-ch:
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		}
	}
}
