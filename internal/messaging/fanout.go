package messaging

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/whisper/buddy-chat/internal/metrics"
)

// Event is the envelope published on every subject.
type Event struct {
	Type    string          `json:"type"`
	Subject string          `json:"subject"`
	Ts      int64           `json:"ts"` // unix milliseconds
	Data    json.RawMessage `json:"data"`
}

// Publisher is the emit side of Fanout, accepted by the state components.
type Publisher interface {
	Emit(subject, eventType string, payload interface{})
}

// Fanout publishes events for state mutations. Publishing is fire-and-forget:
// a failure is logged and counted but never returned to the caller, whose
// mutation is already committed.
type Fanout struct {
	bus Bus
	now func() time.Time
}

// NewFanout creates a Fanout on top of bus.
func NewFanout(bus Bus) *Fanout {
	return &Fanout{bus: bus, now: time.Now}
}

// Bus exposes the underlying bus for subscribers.
func (f *Fanout) Bus() Bus {
	return f.bus
}

// Emit publishes payload as an event of eventType on subject.
func (f *Fanout) Emit(subject, eventType string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[fanout] marshal %s for %s: %v", eventType, subject, err)
		metrics.EventsPublished.WithLabelValues(eventType, "error").Inc()
		return
	}

	raw, err := json.Marshal(Event{
		Type:    eventType,
		Subject: subject,
		Ts:      f.now().UnixMilli(),
		Data:    data,
	})
	if err != nil {
		log.Printf("[fanout] marshal envelope %s for %s: %v", eventType, subject, err)
		metrics.EventsPublished.WithLabelValues(eventType, "error").Inc()
		return
	}

	if err := f.bus.Publish(subject, raw); err != nil {
		log.Printf("[fanout] publish %s to %s failed: %v", eventType, subject, err)
		metrics.EventsPublished.WithLabelValues(eventType, "error").Inc()
		return
	}
	metrics.EventsPublished.WithLabelValues(eventType, "ok").Inc()
}

// Subscribe registers handler for decoded events on subject. Frames that do
// not decode are logged and dropped.
func (f *Fanout) Subscribe(subject string, handler func(Event)) (Subscription, error) {
	sub, err := f.bus.Subscribe(subject, func(data []byte) {
		var evt Event
		if err := json.Unmarshal(data, &evt); err != nil {
			log.Printf("[fanout] undecodable event on %s: %v", subject, err)
			return
		}
		handler(evt)
	})
	if err != nil {
		return nil, fmt.Errorf("fanout: subscribe %s: %w", subject, err)
	}
	return sub, nil
}

// Decode unmarshals the event payload into v.
func (e Event) Decode(v interface{}) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("fanout: decode %s payload: %w", e.Type, err)
	}
	return nil
}
