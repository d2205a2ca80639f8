package ws

import (
	"log"
	"sort"
	"sync"

	"github.com/whisper/buddy-chat/internal/messaging"
	"github.com/whisper/buddy-chat/internal/metrics"
)

// subscriptions holds one connection's fanout registrations, at most one per
// subject. After closeAll every add is refused so a late roster event cannot
// leak a registration for a connection that is gone.
type subscriptions struct {
	mu     sync.Mutex
	bySubj map[string]messaging.Subscription
	closed bool
}

func newSubscriptions() *subscriptions {
	return &subscriptions{bySubj: make(map[string]messaging.Subscription)}
}

// add registers subject through subscribe unless it is already held. It
// reports whether a new registration was made.
func (s *subscriptions) add(subject string, subscribe func() (messaging.Subscription, error)) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, nil
	}
	if _, ok := s.bySubj[subject]; ok {
		return false, nil
	}
	sub, err := subscribe()
	if err != nil {
		return false, err
	}
	s.bySubj[subject] = sub
	metrics.Subscriptions.Inc()
	return true, nil
}

// remove drops the registration for subject. Removing an unknown subject is
// a no-op.
func (s *subscriptions) remove(subject string) bool {
	s.mu.Lock()
	sub, ok := s.bySubj[subject]
	delete(s.bySubj, subject)
	s.mu.Unlock()
	if !ok {
		return false
	}
	if err := sub.Unsubscribe(); err != nil {
		log.Printf("ws: unsubscribe %s failed: %v", subject, err)
	}
	metrics.Subscriptions.Dec()
	return true
}

// has reports whether subject is held.
func (s *subscriptions) has(subject string) bool {
	s.mu.Lock()
	_, ok := s.bySubj[subject]
	s.mu.Unlock()
	return ok
}

// subjects returns the held subjects in sorted order.
func (s *subscriptions) subjects() []string {
	s.mu.Lock()
	out := make([]string, 0, len(s.bySubj))
	for subj := range s.bySubj {
		out = append(out, subj)
	}
	s.mu.Unlock()
	sort.Strings(out)
	return out
}

// closeAll releases every registration and refuses later adds.
func (s *subscriptions) closeAll() {
	s.mu.Lock()
	held := s.bySubj
	s.bySubj = make(map[string]messaging.Subscription)
	s.closed = true
	s.mu.Unlock()

	for subj, sub := range held {
		if err := sub.Unsubscribe(); err != nil {
			log.Printf("ws: unsubscribe %s failed: %v", subj, err)
		}
		metrics.Subscriptions.Dec()
	}
}
