// Package channel fans streamed ticks out to subscribers without ever
// blocking the producer.
package channel

import (
	"sync"

	"tradeflow/internal/metrics"
	"tradeflow/logger"
	"tradeflow/models"
)

const component = "tick_hub"

type HubStats struct {
	Sent    int64
	Dropped int64
}

// Subscription receives ticks on C until it is cancelled or the hub closes.
type Subscription struct {
	C <-chan models.Tick

	id    uint64
	ch    chan models.Tick
	epics map[string]bool
}

func (s *Subscription) wants(epic string) bool {
	return len(s.epics) == 0 || s.epics[epic]
}

type Hub struct {
	credential string
	buffer     int

	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool

	stats      HubStats
	statsMutex sync.Mutex
	log        *logger.Log
}

func NewHub(credential string, bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	log := logger.GetLogger()
	log.WithComponent(component).WithFields(logger.Fields{
		"credential":  credential,
		"buffer_size": bufferSize,
	}).Debug("tick hub initialized")

	return &Hub{
		credential: credential,
		buffer:     bufferSize,
		subs:       make(map[uint64]*Subscription),
		log:        log,
	}
}

// Subscribe registers a receiver for ticks on epics, or on every epic when
// none are given. Subscribing to a closed hub yields a closed channel.
func (h *Hub) Subscribe(epics ...string) *Subscription {
	ch := make(chan models.Tick, h.buffer)
	s := &Subscription{C: ch, ch: ch}
	if len(epics) > 0 {
		s.epics = make(map[string]bool, len(epics))
		for _, e := range epics {
			s.epics[e] = true
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return s
	}
	h.nextID++
	s.id = h.nextID
	h.subs[s.id] = s
	return s
}

// Cancel removes s and closes its channel. It is safe to call twice.
func (h *Hub) Cancel(s *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[s.id]; ok {
		delete(h.subs, s.id)
		close(s.ch)
	}
}

// Publish offers tick to every interested subscriber and returns how many
// accepted it. Full subscribers miss the tick.
func (h *Hub) Publish(tick models.Tick) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for _, s := range h.subs {
		if !s.wants(tick.Epic) {
			continue
		}
		select {
		case s.ch <- tick:
			delivered++
			h.incrementSent()
		default:
			h.incrementDropped()
			metrics.EmitDropMetric(h.log, h.credential, tick.Epic)
		}
	}
	return delivered
}

func (h *Hub) incrementSent() {
	h.statsMutex.Lock()
	h.stats.Sent++
	h.statsMutex.Unlock()
	metrics.IncTick(true)
}

func (h *Hub) incrementDropped() {
	h.statsMutex.Lock()
	h.stats.Dropped++
	h.statsMutex.Unlock()
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) GetStats() HubStats {
	h.statsMutex.Lock()
	defer h.statsMutex.Unlock()
	return h.stats
}

// Close closes every subscription. Later publishes are no-ops.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, s := range h.subs {
		close(s.ch)
		delete(h.subs, id)
	}
	stats := h.GetStats()
	h.log.WithComponent(component).WithFields(logger.Fields{
		"credential": h.credential,
		"sent":       stats.Sent,
		"dropped":    stats.Dropped,
	}).Info("tick hub closed")
}
