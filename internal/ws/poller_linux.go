//go:build linux

package ws

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// pollTimeoutMs bounds each epoll_wait so the event loop notices shutdown.
const pollTimeoutMs = 100

// Poller wraps Linux epoll. Connection file descriptors are registered with
// the kernel and the event loop is told only about those with data (or a
// hangup) pending, instead of parking a goroutine per connection.
type Poller struct {
	fd     int
	mu     sync.RWMutex
	conns  map[int]*Connection
	events []unix.EpollEvent // reused by Wait, which has a single caller
}

// NewPoller creates an epoll instance.
func NewPoller() (*Poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("ws: epoll_create1: %w", err)
	}
	return &Poller{
		fd:     fd,
		conns:  make(map[int]*Connection),
		events: make([]unix.EpollEvent, 128),
	}, nil
}

// Add registers c for read readiness.
func (p *Poller) Add(c *Connection) error {
	fd := socketFD(c.Conn)
	if fd < 0 {
		return errors.New("ws: connection has no file descriptor")
	}
	// Registered before the kernel add: readiness may fire immediately.
	c.fd = fd
	c.rd = c.Conn
	p.mu.Lock()
	p.conns[fd] = c
	p.mu.Unlock()

	err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Events: unix.EPOLLIN | unix.EPOLLRDHUP | unix.EPOLLHUP | unix.EPOLLERR,
		Fd:     int32(fd),
	})
	if err != nil {
		p.mu.Lock()
		delete(p.conns, fd)
		p.mu.Unlock()
		return fmt.Errorf("ws: epoll add fd=%d: %w", fd, err)
	}
	return nil
}

// Remove unregisters c. It must run before the socket is closed.
func (p *Poller) Remove(c *Connection) error {
	p.mu.Lock()
	_, ok := p.conns[c.fd]
	delete(p.conns, c.fd)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, c.fd, nil); err != nil {
		return fmt.Errorf("ws: epoll del fd=%d: %w", c.fd, err)
	}
	return nil
}

// Resume is a no-op with epoll: readiness is level-triggered.
func (p *Poller) Resume(*Connection) {}

// Wait returns the connections with pending input. It returns an empty
// slice when the timeout elapses or the call is interrupted by a signal.
func (p *Poller) Wait() ([]*Connection, error) {
	n, err := unix.EpollWait(p.fd, p.events, pollTimeoutMs)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil, nil
		}
		return nil, fmt.Errorf("ws: epoll wait: %w", err)
	}

	p.mu.RLock()
	ready := make([]*Connection, 0, n)
	for i := 0; i < n; i++ {
		if c, ok := p.conns[int(p.events[i].Fd)]; ok {
			ready = append(ready, c)
		}
	}
	p.mu.RUnlock()
	return ready, nil
}

// Close closes the epoll descriptor.
func (p *Poller) Close() error {
	p.mu.Lock()
	p.conns = make(map[int]*Connection)
	p.mu.Unlock()
	return unix.Close(p.fd)
}

// socketFD extracts the descriptor through SyscallConn, which unlike File()
// does not dup it.
func socketFD(conn net.Conn) int {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return -1
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}
	fd := -1
	if err := raw.Control(func(sfd uintptr) { fd = int(sfd) }); err != nil {
		return -1
	}
	return fd
}
