package server

import (
	"log"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/remote-test-proxy/backend/internal/metrics"
)

// SocketTracker remembers every connection accepted through its listeners so
// they can be force-closed on shutdown, including hijacked WebSocket
// connections the HTTP server no longer tracks.
type SocketTracker struct {
	metrics *metrics.Metrics

	mu     sync.Mutex
	conns  map[string]*trackedConn
	closed bool
}

// NewSocketTracker creates an empty tracker. A nil metrics is allowed.
func NewSocketTracker(m *metrics.Metrics) *SocketTracker {
	return &SocketTracker{
		metrics: m,
		conns:   make(map[string]*trackedConn),
	}
}

// Wrap returns a listener whose accepted connections are tracked.
func (t *SocketTracker) Wrap(l net.Listener) net.Listener {
	return &trackingListener{Listener: l, tracker: t}
}

// Len returns the number of open tracked connections.
func (t *SocketTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

// CloseAll closes every tracked connection and refuses new ones. It returns
// the number of connections closed.
func (t *SocketTracker) CloseAll() int {
	t.mu.Lock()
	t.closed = true
	conns := make([]*trackedConn, 0, len(t.conns))
	for _, c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	return len(conns)
}

func (t *SocketTracker) add(c *trackedConn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return false
	}
	t.conns[c.id] = c
	t.metrics.AddConnections(1)
	return true
}

func (t *SocketTracker) remove(c *trackedConn) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.conns[c.id]; ok {
		delete(t.conns, c.id)
		t.metrics.AddConnections(-1)
	}
}

type trackingListener struct {
	net.Listener
	tracker *SocketTracker
}

func (l *trackingListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}

		if tcp, ok := conn.(*net.TCPConn); ok {
			tcp.SetNoDelay(true)
		}

		tc := &trackedConn{Conn: conn, id: uuid.NewString(), tracker: l.tracker}
		if l.tracker.add(tc) {
			return tc, nil
		}

		// Stopped between Accept calls.
		log.Printf("Rejecting connection from %s: server stopped", conn.RemoteAddr())
		conn.Close()
	}
}

type trackedConn struct {
	net.Conn
	id      string
	tracker *SocketTracker
	once    sync.Once
}

// ID identifies the connection in logs.
func (c *trackedConn) ID() string {
	return c.id
}

func (c *trackedConn) Close() error {
	c.once.Do(func() { c.tracker.remove(c) })
	return c.Conn.Close()
}
