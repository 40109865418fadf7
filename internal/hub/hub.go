package hub

import (
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opsrelay/opsrelay/internal/buffer"
	"github.com/opsrelay/opsrelay/internal/metrics"
	"github.com/opsrelay/opsrelay/internal/model"
)

// Envelope frame types pushed to subscribers.
const (
	EnvelopeLog           = "log"
	EnvelopeRecentLogs    = "recentLogs"
	EnvelopeFilteredLogs  = "filteredLogs"
	EnvelopeSearchResults = "searchResults"
	EnvelopeError         = "error"
)

// Envelope is the discriminated message frame for the live stream.
type Envelope struct {
	Type string      `json:"type"`
	Data interface{} `json:"data,omitempty"`
}

// Conn is the transport-level resource a subscriber is pushed into. The hub
// references it but does not manage its lifetime, except that a failed push
// closes it to unblock the transport's read loop.
type Conn interface {
	WriteEnvelope(env Envelope) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Searcher is the durable-store lookup the hub delegates Search to. It may be
// slower than buffer access and must never be called from the publish path.
type Searcher interface {
	Search(query string, limit int) ([]model.LogRecord, error)
}

// ErrNotFound is returned for operations on unknown subscription ids.
var ErrNotFound = errors.New("subscriber not found")

// ErrSearchUnavailable is returned when no durable store is configured.
var ErrSearchUnavailable = errors.New("durable search unavailable")

type subscriber struct {
	id   string
	conn Conn
	out  chan Envelope
	done chan struct{}

	mu     sync.RWMutex
	filter *Filter
}

func (s *subscriber) matches(rec *model.LogRecord, now time.Time) bool {
	s.mu.RLock()
	f := s.filter
	s.mu.RUnlock()
	return f.Matches(rec, now)
}

// Hub fans records out to live subscribers and owns the ring buffer position
// a new subscription starts from. Broadcast appends to the buffer and
// enqueues to subscribers inside one critical section, so replay-then-live
// delivery has no gap and no duplicate window.
type Hub struct {
	mu   sync.Mutex
	subs map[string]*subscriber

	ring        *buffer.Ring
	store       Searcher // may be nil
	replayCount int
	pushTimeout time.Duration
	queueDepth  int
}

// New creates a hub over the given ring buffer. store may be nil, which
// leaves Search unavailable but does not affect the live stream.
func New(ring *buffer.Ring, store Searcher, replayCount int, pushTimeout time.Duration) *Hub {
	if replayCount <= 0 {
		replayCount = 100
	}
	if pushTimeout <= 0 {
		pushTimeout = 3 * time.Second
	}
	return &Hub{
		subs:        make(map[string]*subscriber),
		ring:        ring,
		store:       store,
		replayCount: replayCount,
		pushTimeout: pushTimeout,
		queueDepth:  replayCount + 256,
	}
}

// Subscribe registers a connection, replays the most recent buffered records
// matching the filter, and switches it to live delivery. The replay position
// is established atomically with respect to Broadcast.
func (h *Hub) Subscribe(conn Conn, f *Filter) string {
	sub := &subscriber{
		id:     uuid.NewString(),
		conn:   conn,
		out:    make(chan Envelope, h.queueDepth),
		done:   make(chan struct{}),
		filter: f,
	}

	h.mu.Lock()
	now := time.Now()
	replay := h.ring.Filtered(func(r *model.LogRecord) bool {
		return f.Matches(r, now)
	}, h.replayCount)
	if replay == nil {
		replay = []model.LogRecord{}
	}
	typ := EnvelopeRecentLogs
	if f != nil {
		typ = EnvelopeFilteredLogs
	}
	sub.out <- Envelope{Type: typ, Data: replay}
	h.subs[sub.id] = sub
	h.mu.Unlock()

	metrics.SubscribersActive.Inc()
	go h.writeLoop(sub)
	return sub.id
}

// Unsubscribe removes a subscriber. The connection itself is left to the
// transport layer. Unknown ids are a no-op.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
		close(sub.done)
	}
	h.mu.Unlock()
	if ok {
		metrics.SubscribersActive.Dec()
	}
}

// SetFilter replaces a subscriber's filter for subsequent pushes.
func (h *Hub) SetFilter(id string, f *Filter) error {
	h.mu.Lock()
	sub, ok := h.subs[id]
	h.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	sub.mu.Lock()
	sub.filter = f
	sub.mu.Unlock()
	return nil
}

// Broadcast appends the record to the ring buffer and enqueues it to every
// subscriber whose filter matches. A subscriber whose queue is full is
// dropped rather than backpressuring the caller.
func (h *Hub) Broadcast(rec model.LogRecord) {
	now := time.Now()

	h.mu.Lock()
	h.ring.Append(rec)
	var stalled []*subscriber
	for id, sub := range h.subs {
		if !sub.matches(&rec, now) {
			continue
		}
		select {
		case sub.out <- Envelope{Type: EnvelopeLog, Data: rec}:
			metrics.SubscriberPushes.Inc()
		default:
			delete(h.subs, id)
			close(sub.done)
			stalled = append(stalled, sub)
		}
	}
	h.mu.Unlock()

	for _, sub := range stalled {
		log.Printf("hub: subscriber %s queue full, dropped", sub.id)
		metrics.SubscribersActive.Dec()
		metrics.SubscribersDropped.Inc()
		sub.conn.Close()
	}
}

// SendTo enqueues an out-of-band envelope (search results, errors) on a
// subscriber's ordered delivery queue.
func (h *Hub) SendTo(id string, env Envelope) error {
	h.mu.Lock()
	sub, ok := h.subs[id]
	h.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	select {
	case sub.out <- env:
		return nil
	default:
		return errors.New("subscriber queue full")
	}
}

// Snapshot returns up to limit buffered records matching pred, oldest
// first. It reads the ring under the hub lock so the view is consistent
// with concurrent Broadcasts.
func (h *Hub) Snapshot(pred func(*model.LogRecord) bool, limit int) []model.LogRecord {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := h.ring.Filtered(pred, limit)
	if out == nil {
		out = []model.LogRecord{}
	}
	return out
}

// Search queries the durable store. It may block and must not be called from
// the publish path.
func (h *Hub) Search(query string, limit int) ([]model.LogRecord, error) {
	if h.store == nil {
		return nil, ErrSearchUnavailable
	}
	return h.store.Search(query, limit)
}

// Count returns the number of live subscribers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// writeLoop delivers a subscriber's queue single-threaded. Each push is
// bounded by the configured write deadline; a failed or timed-out push
// removes the subscriber without affecting the rest.
func (h *Hub) writeLoop(sub *subscriber) {
	for {
		select {
		case env := <-sub.out:
			sub.conn.SetWriteDeadline(time.Now().Add(h.pushTimeout))
			if err := sub.conn.WriteEnvelope(env); err != nil {
				log.Printf("hub: push to subscriber %s failed: %v", sub.id, err)
				h.Unsubscribe(sub.id)
				metrics.SubscribersDropped.Inc()
				sub.conn.Close()
				return
			}
		case <-sub.done:
			return
		}
	}
}
