package progress

import (
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
)

// Event types.
const (
	EventConnected = "connected"
	EventProgress  = "progress"
	EventComplete  = "complete"
	EventError     = "error"
)

var (
	// ErrChannelNotFound is returned for a batch that never opened a channel.
	ErrChannelNotFound = errors.New("progress channel not found")
	// ErrChannelClosed is returned once a channel delivered its terminal event.
	ErrChannelClosed = errors.New("progress channel closed")
)

// Event is one message on a batch's progress channel.
type Event struct {
	Type        string `json:"type"`
	BatchID     string `json:"batchId"`
	Completed   int    `json:"completed"`
	Failed      int    `json:"failed"`
	Total       int    `json:"total"`
	TotalSaved  int64  `json:"totalSaved"`
	CurrentItem string `json:"currentItem,omitempty"`
	Status      string `json:"status,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Terminal reports whether e ends its channel.
func (e Event) Terminal() bool {
	return e.Type == EventComplete || e.Type == EventError
}

// closedLimit bounds how many torn-down batch ids are remembered. Older ids
// report ErrChannelNotFound.
const closedLimit = 1024

type channel struct {
	subs map[*Subscription]struct{}
}

// Hub fans progress events out to per-batch subscribers.
type Hub struct {
	mu       sync.Mutex
	channels map[string]*channel
	// closed ids in teardown order, oldest first
	closed      map[string]struct{}
	closedOrder []string
	log         *logrus.Entry
}

// NewHub returns an empty hub.
func NewHub(log *logrus.Logger) *Hub {
	if log == nil {
		log = logrus.New()
	}
	return &Hub{
		channels: make(map[string]*channel),
		closed:   make(map[string]struct{}),
		log:      log.WithField("component", "progress"),
	}
}

// Open creates the channel for batchID if it does not exist yet.
func (h *Hub) Open(batchID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, gone := h.closed[batchID]; gone {
		return
	}
	if _, ok := h.channels[batchID]; !ok {
		h.channels[batchID] = &channel{subs: make(map[*Subscription]struct{})}
	}
}

// Active reports whether batchID has an open channel.
func (h *Hub) Active(batchID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.channels[batchID]
	return ok
}

// Publish delivers e to every current subscriber of batchID. A terminal event
// closes the channel.
func (h *Hub) Publish(batchID string, e Event) error {
	e.BatchID = batchID

	h.mu.Lock()
	defer h.mu.Unlock()
	ch, err := h.lookup(batchID)
	if err != nil {
		return err
	}
	for sub := range ch.subs {
		sub.push(e)
	}
	if e.Terminal() {
		h.retire(batchID)
		h.log.WithFields(logrus.Fields{
			"batch_id": batchID,
			"event":    e.Type,
		}).Debug("Progress channel closed")
	}
	return nil
}

// Subscribe attaches a new subscriber to batchID. Its first event is always
// EventConnected.
func (h *Hub) Subscribe(batchID string) (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ch, err := h.lookup(batchID)
	if err != nil {
		return nil, err
	}

	sub := newSubscription(h, batchID)
	sub.push(Event{Type: EventConnected, BatchID: batchID})
	ch.subs[sub] = struct{}{}
	return sub, nil
}

func (h *Hub) unsubscribe(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.channels[sub.batchID]; ok {
		delete(ch.subs, sub)
	}
}

func (h *Hub) lookup(batchID string) (*channel, error) {
	if ch, ok := h.channels[batchID]; ok {
		return ch, nil
	}
	if _, gone := h.closed[batchID]; gone {
		return nil, ErrChannelClosed
	}
	return nil, ErrChannelNotFound
}

// retire drops the channel and remembers its id so late callers get
// ErrChannelClosed.
func (h *Hub) retire(batchID string) {
	delete(h.channels, batchID)
	h.closed[batchID] = struct{}{}
	h.closedOrder = append(h.closedOrder, batchID)
	if len(h.closedOrder) > closedLimit {
		delete(h.closed, h.closedOrder[0])
		h.closedOrder = h.closedOrder[1:]
	}
}

// Subscription receives a batch's events in publish order.
type Subscription struct {
	hub     *Hub
	batchID string
	out     chan Event
	notify  chan struct{}
	done    chan struct{}
	once    sync.Once

	mu    sync.Mutex
	queue []Event
}

func newSubscription(h *Hub, batchID string) *Subscription {
	s := &Subscription{
		hub:     h,
		batchID: batchID,
		out:     make(chan Event),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

// Events is closed after the terminal event or Close.
func (s *Subscription) Events() <-chan Event { return s.out }

// Close detaches the subscriber. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		close(s.done)
		s.hub.unsubscribe(s)
	})
}

// push never blocks, so a slow subscriber cannot stall publishers.
func (s *Subscription) push(e Event) {
	s.mu.Lock()
	s.queue = append(s.queue, e)
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) next() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return Event{}, false
	}
	e := s.queue[0]
	s.queue = s.queue[1:]
	return e, true
}

func (s *Subscription) run() {
	defer close(s.out)
	for {
		e, ok := s.next()
		if !ok {
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			}
		}
		select {
		case s.out <- e:
		case <-s.done:
			return
		}
		if e.Terminal() {
			return
		}
	}
}
