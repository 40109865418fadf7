package escalate

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/opsrelay/opsrelay/internal/model"
)

// ErrUnknownChannel is returned for channel names with no registered sender.
var ErrUnknownChannel = errors.New("unknown notification channel")

// RecordSink is the slice of the event sink the dashboard channel needs.
type RecordSink interface {
	Ingest(level, category, message string, details map[string]interface{}) (*model.LogRecord, error)
}

// DashboardChannel surfaces escalations on the live log stream, which is
// what the operator dashboard subscribes to.
type DashboardChannel struct {
	Sink RecordSink
}

func (DashboardChannel) Name() string { return model.ChannelDashboard }

func (c DashboardChannel) Send(esc *model.Escalation) error {
	details := map[string]interface{}{
		"escalation_id": esc.ID,
		"urgency":       string(esc.Urgency),
		"score":         esc.Score,
		"factors":       esc.Factors,
		"channels":      esc.Channels,
	}
	if esc.Context.Chain != "" {
		details[model.DetailChain] = esc.Context.Chain
	}
	if esc.Context.AgentID != "" {
		details[model.DetailAgentID] = esc.Context.AgentID
	}
	msg := fmt.Sprintf("[%s] Escalation: %s", esc.Urgency, esc.Context.Type)
	_, err := c.Sink.Ingest("ERROR", "ESCALATION", msg, details)
	return err
}

// WebhookChannel delivers escalations as JSON POSTs. It backs both the chat
// and email channels, which differ only in endpoint.
type WebhookChannel struct {
	ChannelName string
	URL         string
	Client      *http.Client
}

// NewWebhookChannel builds a webhook sender with a bounded request timeout.
func NewWebhookChannel(name, url string, timeout time.Duration) *WebhookChannel {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookChannel{
		ChannelName: name,
		URL:         url,
		Client:      &http.Client{Timeout: timeout},
	}
}

func (c *WebhookChannel) Name() string { return c.ChannelName }

func (c *WebhookChannel) Send(esc *model.Escalation) error {
	payload, err := json.Marshal(esc)
	if err != nil {
		return err
	}
	resp, err := c.Client.Post(c.URL, "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("webhook %s: %w", c.ChannelName, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s: unexpected status %d", c.ChannelName, resp.StatusCode)
	}
	return nil
}

// LogChannel writes escalations to the process log. It stands in for any
// channel with no endpoint configured, so dispatch results stay observable
// in development.
type LogChannel struct {
	ChannelName string
}

func (c LogChannel) Name() string { return c.ChannelName }

func (c LogChannel) Send(esc *model.Escalation) error {
	log.Printf("notify[%s]: %s urgency=%s score=%d factors=%v",
		c.ChannelName, esc.Context.Type, esc.Urgency, esc.Score, esc.Factors)
	return nil
}

// MemoryRetryQueue is the in-process durable-retry stand-in. Failed payloads
// accumulate up to a cap and can be drained by an out-of-band worker.
type MemoryRetryQueue struct {
	mu    sync.Mutex
	items []RetryItem
	cap   int
}

// RetryItem pairs a failed escalation with the channel that rejected it.
type RetryItem struct {
	Channel    string
	Escalation *model.Escalation
	QueuedAt   time.Time
}

// NewMemoryRetryQueue creates a queue bounded at cap items. At capacity the
// oldest entry is evicted.
func NewMemoryRetryQueue(cap int) *MemoryRetryQueue {
	if cap <= 0 {
		cap = 256
	}
	return &MemoryRetryQueue{cap: cap}
}

func (q *MemoryRetryQueue) Enqueue(channel string, esc *model.Escalation) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.cap {
		q.items = q.items[1:]
	}
	q.items = append(q.items, RetryItem{Channel: channel, Escalation: esc, QueuedAt: time.Now()})
}

// Drain removes and returns all queued items.
func (q *MemoryRetryQueue) Drain() []RetryItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.items
	q.items = nil
	return out
}

// Len returns the number of queued items.
func (q *MemoryRetryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
