package escalate

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/opsrelay/opsrelay/internal/model"
)

// stubChannel counts sends and optionally always fails.
type stubChannel struct {
	mu    sync.Mutex
	name  string
	fail  bool
	sends int
}

func (c *stubChannel) Name() string { return c.name }

func (c *stubChannel) Send(esc *model.Escalation) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sends++
	if c.fail {
		return errors.New("transport down")
	}
	return nil
}

func (c *stubChannel) sendCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sends
}

func pendingEscalation(channels ...string) *model.Escalation {
	return &model.Escalation{
		ID:        "esc-test",
		Urgency:   model.UrgencyHigh,
		Status:    model.EscalationPending,
		Channels:  channels,
		CreatedAt: time.Now(),
	}
}

func TestDispatcher_ChannelIsolation(t *testing.T) {
	bad := &stubChannel{name: model.ChannelChat, fail: true}
	good := &stubChannel{name: model.ChannelDashboard}
	retry := NewMemoryRetryQueue(10)
	d := NewDispatcher([]Channel{bad, good}, retry)

	results := d.Dispatch(pendingEscalation(model.ChannelDashboard, model.ChannelChat))

	if results[model.ChannelDashboard] != nil {
		t.Errorf("dashboard should succeed despite chat failure: %v", results[model.ChannelDashboard])
	}
	if results[model.ChannelChat] == nil {
		t.Error("chat failure should be reported")
	}
	if good.sendCount() != 1 {
		t.Errorf("dashboard sends = %d, want 1", good.sendCount())
	}
	if retry.Len() != 1 {
		t.Errorf("failed send should be queued for retry, queue len = %d", retry.Len())
	}
	items := retry.Drain()
	if items[0].Channel != model.ChannelChat {
		t.Errorf("retry item channel = %s, want chat", items[0].Channel)
	}
}

func TestDispatcher_UnknownChannel(t *testing.T) {
	d := NewDispatcher([]Channel{&stubChannel{name: model.ChannelDashboard}}, nil)
	results := d.Dispatch(pendingEscalation(model.ChannelDashboard, "pager"))
	if !errors.Is(results["pager"], ErrUnknownChannel) {
		t.Errorf("expected ErrUnknownChannel, got %v", results["pager"])
	}
	if results[model.ChannelDashboard] != nil {
		t.Errorf("registered channel should still be attempted: %v", results[model.ChannelDashboard])
	}
}

func TestDispatcher_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	bad := &stubChannel{name: model.ChannelChat, fail: true}
	d := NewDispatcher([]Channel{bad}, nil)

	for i := 0; i < 5; i++ {
		d.Dispatch(pendingEscalation(model.ChannelChat))
	}
	// Breaker trips after 3 consecutive failures; later dispatches fail fast
	// without reaching the transport.
	if bad.sendCount() != 3 {
		t.Errorf("transport attempts = %d, want 3 before breaker opens", bad.sendCount())
	}
}

func TestMemoryRetryQueue_EvictsOldestAtCap(t *testing.T) {
	q := NewMemoryRetryQueue(2)
	q.Enqueue("a", pendingEscalation())
	q.Enqueue("b", pendingEscalation())
	q.Enqueue("c", pendingEscalation())

	items := q.Drain()
	if len(items) != 2 || items[0].Channel != "b" || items[1].Channel != "c" {
		t.Errorf("expected [b c] after eviction, got %+v", items)
	}
}
