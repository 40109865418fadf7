package escalate

import (
	"log"
	"time"

	"github.com/sony/gobreaker"

	"github.com/opsrelay/opsrelay/internal/metrics"
	"github.com/opsrelay/opsrelay/internal/model"
)

// Channel is a single notification transport.
type Channel interface {
	Name() string
	Send(esc *model.Escalation) error
}

// RetryQueue receives payloads whose delivery failed so they can be retried
// out-of-band. Enqueue must not fail loudly; the dispatcher treats it as
// fire-and-forget.
type RetryQueue interface {
	Enqueue(channel string, esc *model.Escalation)
}

// Dispatcher fans an escalation out to its selected channels. Each channel
// sits behind its own circuit breaker so a dead webhook endpoint fails fast
// instead of burning the send timeout on every escalation.
type Dispatcher struct {
	channels map[string]Channel
	breakers map[string]*gobreaker.CircuitBreaker
	retry    RetryQueue
}

// NewDispatcher registers the given channels. retry may be nil, which
// disables out-of-band redelivery.
func NewDispatcher(channels []Channel, retry RetryQueue) *Dispatcher {
	d := &Dispatcher{
		channels: make(map[string]Channel, len(channels)),
		breakers: make(map[string]*gobreaker.CircuitBreaker, len(channels)),
		retry:    retry,
	}
	for _, ch := range channels {
		d.channels[ch.Name()] = ch
		d.breakers[ch.Name()] = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "notify-" + ch.Name(),
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		})
	}
	return d
}

// Dispatch attempts every channel the escalation selected and returns the
// per-channel outcome. Channel attempts are isolated: one failure never
// prevents the rest.
func (d *Dispatcher) Dispatch(esc *model.Escalation) map[string]error {
	results := make(map[string]error, len(esc.Channels))
	for _, name := range esc.Channels {
		ch, ok := d.channels[name]
		if !ok {
			log.Printf("dispatch: no sender registered for channel %q", name)
			results[name] = ErrUnknownChannel
			continue
		}
		_, err := d.breakers[name].Execute(func() (interface{}, error) {
			return nil, ch.Send(esc)
		})
		results[name] = err
		if err != nil {
			log.Printf("dispatch: channel %s failed for escalation %s: %v", name, esc.ID, err)
			metrics.NotificationFailures.WithLabelValues(name).Inc()
			if d.retry != nil {
				d.retry.Enqueue(name, esc)
			}
		}
	}
	return results
}
