package messaging

import (
	"errors"
	"sync"
)

// Bus is the transport-neutral publish/subscribe surface every component
// depends on. Delivery is at-least-once to subscribers present at publish
// time; ordering holds only for sequential publishes to one subject.
type Bus interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, handler func(data []byte)) (Subscription, error)
	Close() error
}

// Subscription is a live registration on a Bus. Unsubscribe must be called
// when the subscriber goes away.
type Subscription interface {
	Subject() string
	Unsubscribe() error
}

// ErrBusClosed is returned by LocalBus after Close.
var ErrBusClosed = errors.New("messaging: bus closed")

// LocalBus is an in-process Bus for single-node deployments and tests.
// Handlers run synchronously on the publishing goroutine, outside the bus
// lock, so a handler may publish or unsubscribe.
type LocalBus struct {
	mu     sync.RWMutex
	subs   map[string]map[*localSubscription]struct{}
	closed bool
}

// NewLocalBus creates an empty LocalBus.
func NewLocalBus() *LocalBus {
	return &LocalBus{subs: make(map[string]map[*localSubscription]struct{})}
}

func (b *LocalBus) Publish(subject string, data []byte) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrBusClosed
	}
	handlers := make([]func([]byte), 0, len(b.subs[subject]))
	for s := range b.subs[subject] {
		handlers = append(handlers, s.handler)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		buf := make([]byte, len(data))
		copy(buf, data)
		h(buf)
	}
	return nil
}

func (b *LocalBus) Subscribe(subject string, handler func(data []byte)) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	s := &localSubscription{bus: b, subject: subject, handler: handler}
	if b.subs[subject] == nil {
		b.subs[subject] = make(map[*localSubscription]struct{})
	}
	b.subs[subject][s] = struct{}{}
	return s, nil
}

// SubscriberCount reports how many live subscriptions exist for subject.
func (b *LocalBus) SubscriberCount(subject string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[subject])
}

func (b *LocalBus) Close() error {
	b.mu.Lock()
	b.closed = true
	b.subs = make(map[string]map[*localSubscription]struct{})
	b.mu.Unlock()
	return nil
}

type localSubscription struct {
	bus     *LocalBus
	subject string
	handler func([]byte)
}

func (s *localSubscription) Subject() string { return s.subject }

func (s *localSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if set, ok := s.bus.subs[s.subject]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(s.bus.subs, s.subject)
		}
	}
	return nil
}
