package dispatch

import (
	"strconv"
	"sync"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// AllDrivers is the topic every connected driver listens on for new offers.
const AllDrivers = "drivers"

func BookingTopic(id int64) string { return "booking:" + strconv.FormatInt(id, 10) }

func DriverTopic(id string) string { return "driver:" + id }

// Hub fans booking events out to live subscriptions. Publishing never blocks:
// a subscriber whose buffer is full simply misses the event.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[*Subscription]struct{}
	buffer int
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 16
	}
	return &Hub{topics: make(map[string]map[*Subscription]struct{}), buffer: buffer}
}

// Subscription is a live, replay-free stream of events for one or more topics.
type Subscription struct {
	C <-chan models.BookingEvent

	ch     chan models.BookingEvent
	hub    *Hub
	topics []string
	once   sync.Once
	done   chan struct{}
}

// Done is closed once the subscription has been released.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Close releases the subscription. It is safe to call more than once and from any goroutine.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		for _, t := range s.topics {
			subs := s.hub.topics[t]
			delete(subs, s)
			if len(subs) == 0 {
				delete(s.hub.topics, t)
			}
		}
		// publishers hold the read lock while sending, so nobody can be mid-send here
		close(s.ch)
		s.hub.mu.Unlock()
		close(s.done)
		observability.Subscribers.Dec()
	})
}

func (h *Hub) Subscribe(topics ...string) *Subscription {
	ch := make(chan models.BookingEvent, h.buffer)
	s := &Subscription{C: ch, ch: ch, hub: h, topics: topics, done: make(chan struct{})}
	h.mu.Lock()
	for _, t := range topics {
		subs, ok := h.topics[t]
		if !ok {
			subs = make(map[*Subscription]struct{})
			h.topics[t] = subs
		}
		subs[s] = struct{}{}
	}
	h.mu.Unlock()
	observability.Subscribers.Inc()
	return s
}

// Publish delivers evt at most once to every subscription listening on any of topics.
func (h *Hub) Publish(evt models.BookingEvent, topics ...string) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	seen := make(map[*Subscription]struct{})
	for _, t := range topics {
		for s := range h.topics[t] {
			if _, dup := seen[s]; dup {
				continue
			}
			seen[s] = struct{}{}
			select {
			case s.ch <- evt:
			default:
				observability.EventsDropped.Inc()
			}
		}
	}
}

// Notify routes a lifecycle event to the booking's watchers, the driver involved and,
// for offers entering, repriced in or leaving the pending pool, every connected driver.
func (h *Hub) Notify(evt models.BookingEvent) {
	topics := []string{BookingTopic(evt.BookingID)}
	offerChanged := evt.Type == models.EventCreated || (evt.Type == models.EventModified && evt.NewStatus == models.StatusPending)
	if offerChanged || (evt.OldStatus == models.StatusPending && evt.NewStatus != models.StatusPending) {
		topics = append(topics, AllDrivers)
	}
	if evt.DriverID != "" {
		topics = append(topics, DriverTopic(evt.DriverID))
	}
	h.Publish(evt, topics...)
}

// SubscriberCount reports how many subscriptions listen on topic.
func (h *Hub) SubscriberCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}
