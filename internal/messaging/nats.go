// Package messaging provides the event fanout used by the presence, roster and
// chat components. Mutations publish to entity-scoped subjects on a Bus; live
// connections subscribe narrowly to the subjects they are allowed to see.
// NATSClient is the production Bus, LocalBus the single-process one.
package messaging

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSClient wraps the NATS connection and tracks every subscription it hands
// out so Close can drain them.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[*natsSubscription]struct{}
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "buddy-chat",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			log.Printf("[nats] async error subject=%s: %v", subject, err)
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		subs: make(map[*natsSubscription]struct{}),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	if err := c.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe registers handler for subject. Each call creates an independent
// NATS subscription, so several connections on this server may follow the
// same subject without overwriting each other.
func (c *NATSClient) Subscribe(subject string, handler func(data []byte)) (Subscription, error) {
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	s := &natsSubscription{client: c, sub: sub}
	c.mu.Lock()
	c.subs[s] = struct{}{}
	c.mu.Unlock()
	return s, nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() error {
	c.mu.Lock()
	for s := range c.subs {
		if err := s.sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", s.sub.Subject, err)
		}
	}
	c.subs = make(map[*natsSubscription]struct{})
	c.mu.Unlock()

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
		return err
	}

	log.Printf("[nats] client closed")
	return nil
}

type natsSubscription struct {
	client *NATSClient
	sub    *nats.Subscription
	once   sync.Once
}

func (s *natsSubscription) Subject() string { return s.sub.Subject }

// Unsubscribe removes the subscription from NATS. Calling it more than once
// is a no-op.
func (s *natsSubscription) Unsubscribe() error {
	var err error
	s.once.Do(func() {
		s.client.mu.Lock()
		delete(s.client.subs, s)
		s.client.mu.Unlock()

		if uerr := s.sub.Unsubscribe(); uerr != nil && uerr != nats.ErrConnectionClosed {
			err = fmt.Errorf("nats unsubscribe %s: %w", s.sub.Subject, uerr)
		}
	})
	return err
}
