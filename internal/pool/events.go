package pool

import "time"

// EventType classifies a pool state change.
type EventType string

const (
	EventSpawned   EventType = "spawned"
	EventLeased    EventType = "leased"
	EventReleased  EventType = "released"
	EventDiscarded EventType = "discarded"
	EventSwept     EventType = "swept"
)

// Event is a pool state change, published to the configured listener.
// Consumed by the websocket event stream.
type Event struct {
	Type     EventType `json:"type"`
	HandleID string    `json:"handleId"`
	At       time.Time `json:"at"`
}

// Listener receives pool events. Events are delivered synchronously,
// usually with the pool lock held so the stream matches the order state
// changed in: the listener must not block or call back into the pool.
type Listener func(Event)

func (p *Pool) emit(t EventType, handleID string) {
	if p.listener == nil {
		return
	}
	p.listener(Event{Type: t, HandleID: handleID, At: time.Now()})
}
