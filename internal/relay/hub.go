package relay

import (
	"context"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const defaultBufferSize = 16

type HubConfig struct {
	BufferSize int
	Registerer prometheus.Registerer
}

// Hub fans events out to the subscribers of a session. Sends never block; an
// event is dropped for a subscriber whose buffer is full.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber
	nextID      int64
	bufferSize  int

	connected prometheus.Gauge
	dropped   prometheus.Counter
}

type subscriber struct {
	id     int64
	userID string
	stream chan Event
}

func NewHub(cfg HubConfig) (*Hub, error) {
	bufferSize := cfg.BufferSize
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	hub := &Hub{
		subscribers: make(map[string]map[int64]*subscriber),
		bufferSize:  bufferSize,
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "slidediscuss",
			Subsystem: "relay",
			Name:      "subscribers",
			Help:      "Relay subscribers currently connected.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "slidediscuss",
			Subsystem: "relay",
			Name:      "dropped_events_total",
			Help:      "Relay events dropped because a subscriber buffer was full.",
		}),
	}
	if cfg.Registerer != nil {
		if err := cfg.Registerer.Register(hub.connected); err != nil {
			return nil, err
		}
		if err := cfg.Registerer.Register(hub.dropped); err != nil {
			return nil, err
		}
	}
	return hub, nil
}

// Subscribe registers userID as a viewer of session. The stream is released when
// ctx ends or the returned cleanup runs.
func (h *Hub) Subscribe(ctx context.Context, session, userID string) (<-chan Event, func()) {
	if session == "" || userID == "" {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}
	sub := &subscriber{
		id:     h.nextSequence(),
		userID: userID,
		stream: make(chan Event, h.bufferSize),
	}
	h.register(session, sub)
	var once sync.Once
	release := func() {
		once.Do(func() {
			h.unregister(session, sub.id)
		})
	}
	stop := context.AfterFunc(ctx, release)
	return sub.stream, func() {
		stop()
		release()
	}
}

// Publish delivers event to its addressee in event.Session, or to every viewer
// other than the sender when event.To is Broadcast.
func (h *Hub) Publish(event Event) int {
	if event.Session == "" || event.Channel == "" {
		return 0
	}
	h.mu.RLock()
	targets := make([]*subscriber, 0, len(h.subscribers[event.Session]))
	for _, sub := range h.subscribers[event.Session] {
		if event.To == Broadcast {
			if sub.userID == event.From {
				continue
			}
		} else if sub.userID != event.To {
			continue
		}
		targets = append(targets, sub)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, sub := range targets {
		select {
		case sub.stream <- event:
			delivered++
		default:
			h.dropped.Inc()
		}
	}
	return delivered
}

// Viewers returns the distinct users subscribed to session.
func (h *Hub) Viewers(session string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	seen := make(map[string]struct{})
	viewers := make([]string, 0)
	for _, sub := range h.subscribers[session] {
		if _, ok := seen[sub.userID]; ok {
			continue
		}
		seen[sub.userID] = struct{}{}
		viewers = append(viewers, sub.userID)
	}
	return viewers
}

func (h *Hub) nextSequence() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	return h.nextID
}

func (h *Hub) register(session string, sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscribers[session]; !ok {
		h.subscribers[session] = make(map[int64]*subscriber)
	}
	h.subscribers[session][sub.id] = sub
	h.connected.Inc()
}

func (h *Hub) unregister(session string, subscriberID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subscribers := h.subscribers[session]
	if subscribers == nil {
		return
	}
	if _, ok := subscribers[subscriberID]; !ok {
		return
	}
	delete(subscribers, subscriberID)
	h.connected.Dec()
	if len(subscribers) == 0 {
		delete(h.subscribers, session)
	}
}
