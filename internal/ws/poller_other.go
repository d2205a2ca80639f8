//go:build !linux

package ws

import (
	"bufio"
	"sync"
)

// Poller is the portable fallback: one goroutine per connection peeks for
// input through a buffered reader, so no frame bytes are lost, and reports
// the connection ready. It then waits for Resume before peeking again so
// that it never reads concurrently with the frame reader.
type Poller struct {
	mu      sync.Mutex
	next    int
	watched map[*Connection]*watch
	ready   chan *Connection
	done    chan struct{}
	once    sync.Once
}

type watch struct {
	resume chan struct{}
	stop   chan struct{}
}

// NewPoller creates a fallback poller.
func NewPoller() (*Poller, error) {
	return &Poller{
		watched: make(map[*Connection]*watch),
		ready:   make(chan *Connection, 128),
		done:    make(chan struct{}),
	}, nil
}

// Add starts watching c.
func (p *Poller) Add(c *Connection) error {
	br := bufio.NewReader(c.Conn)
	w := &watch{resume: make(chan struct{}, 1), stop: make(chan struct{})}

	p.mu.Lock()
	p.next++
	c.fd = p.next
	c.rd = br
	p.watched[c] = w
	p.mu.Unlock()

	go p.watch(c, br, w)
	return nil
}

func (p *Poller) watch(c *Connection, br *bufio.Reader, w *watch) {
	for {
		_, err := br.Peek(1)
		select {
		case p.ready <- c:
		case <-w.stop:
			return
		case <-p.done:
			return
		}
		if err != nil {
			return
		}
		select {
		case <-w.resume:
		case <-w.stop:
			return
		case <-p.done:
			return
		}
	}
}

// Remove stops watching c.
func (p *Poller) Remove(c *Connection) error {
	p.mu.Lock()
	w, ok := p.watched[c]
	delete(p.watched, c)
	p.mu.Unlock()
	if ok {
		close(w.stop)
	}
	return nil
}

// Resume lets the watcher of c look for the next frame.
func (p *Poller) Resume(c *Connection) {
	p.mu.Lock()
	w, ok := p.watched[c]
	p.mu.Unlock()
	if !ok {
		return
	}
	select {
	case w.resume <- struct{}{}:
	default:
	}
}

// Wait blocks until at least one connection is ready and drains whatever
// else is ready without blocking.
func (p *Poller) Wait() ([]*Connection, error) {
	var ready []*Connection
	select {
	case c := <-p.ready:
		ready = append(ready, c)
	case <-p.done:
		return nil, nil
	}
	for {
		select {
		case c := <-p.ready:
			ready = append(ready, c)
		default:
			return ready, nil
		}
	}
}

// Close stops every watcher.
func (p *Poller) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}
