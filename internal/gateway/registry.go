// ABOUTME: Connection registry tracking live dashboard clients and their token association
// ABOUTME: Each connection owns a bounded outbound queue drained by its own writer goroutine

package gateway

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
)

const (
	// outboundQueueSize bounds messages waiting for a slow client.
	outboundQueueSize = 64

	writeTimeout = 10 * time.Second
)

// ConnID identifies a connection. IDs are never reused within a process.
type ConnID uint64

// Conn is the transport under a Connection.
type Conn interface {
	Write(ctx context.Context, data []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// outbound is one queued frame; a close marker ends the writer after the
// frames queued before it were written.
type outbound struct {
	data        []byte
	close       bool
	closeCode   websocket.StatusCode
	closeReason string
}

// Connection is one registered client.
type Connection struct {
	id       ConnID
	remote   string
	conn     Conn
	registry *Registry
	logger   *slog.Logger

	mu      sync.Mutex
	token   string
	closing bool

	out       chan outbound
	done      chan struct{}
	closeOnce sync.Once
}

// ID returns the connection id.
func (c *Connection) ID() ConnID {
	return c.id
}

// Remote returns the peer address recorded at registration.
func (c *Connection) Remote() string {
	return c.remote
}

// Token returns the associated token, or "" while unauthenticated.
func (c *Connection) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// SetToken associates the connection with a token.
func (c *Connection) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// Done is closed once the connection is closed.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Send queues data for the writer. A full queue drops the connection.
// Returns false if the message was not queued.
func (c *Connection) Send(data []byte) bool {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return false
	}
	select {
	case c.out <- outbound{data: data}:
		c.mu.Unlock()
		return true
	default:
	}
	c.closing = true
	c.mu.Unlock()

	c.logger.Warn("outbound queue full, dropping connection")
	go c.Close(websocket.StatusPolicyViolation, "too slow")
	return false
}

// CloseAfterFlush closes the connection once every queued message is written.
// Later Send calls are refused.
func (c *Connection) CloseAfterFlush(code websocket.StatusCode, reason string) {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return
	}
	c.closing = true
	select {
	case c.out <- outbound{close: true, closeCode: code, closeReason: reason}:
		c.mu.Unlock()
		return
	default:
	}
	c.mu.Unlock()
	go c.Close(code, reason)
}

// Close closes the transport and removes the connection from the registry.
// It is safe to call more than once.
func (c *Connection) Close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closing = true
		c.token = ""
		c.mu.Unlock()

		close(c.done)
		c.registry.unregister(c)

		if err := c.conn.Close(code, reason); err != nil {
			c.logger.Debug("transport close", "error", err)
		}
	})
}

// writeLoop drains the outbound queue until the connection closes.
func (c *Connection) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.out:
			if msg.close {
				c.Close(msg.closeCode, msg.closeReason)
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := c.conn.Write(ctx, msg.data)
			cancel()
			if err != nil {
				c.logger.Info("write failed, dropping connection", "error", err)
				c.Close(websocket.StatusInternalError, "write failed")
				return
			}
		}
	}
}

// Registry owns every live connection.
type Registry struct {
	mu       sync.RWMutex
	conns    map[ConnID]*Connection
	nextID   atomic.Uint64
	onRemove []func(ConnID)
	logger   *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		conns:  make(map[ConnID]*Connection),
		logger: logger,
	}
}

// OnRemove registers fn to run after a connection leaves the registry.
// Must be called before connections are added.
func (r *Registry) OnRemove(fn func(ConnID)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onRemove = append(r.onRemove, fn)
}

// Add registers a new unauthenticated connection and starts its writer.
func (r *Registry) Add(conn Conn, remote string) *Connection {
	id := ConnID(r.nextID.Add(1))
	c := &Connection{
		id:       id,
		remote:   remote,
		conn:     conn,
		registry: r,
		logger:   r.logger.With("conn_id", id, "remote", remote),
		out:      make(chan outbound, outboundQueueSize),
		done:     make(chan struct{}),
	}

	r.mu.Lock()
	r.conns[id] = c
	total := len(r.conns)
	r.mu.Unlock()

	r.logger.Info("client connected", "conn_id", id, "remote", remote, "total_clients", total)

	go c.writeLoop()
	return c
}

// Get returns a live connection.
func (r *Registry) Get(id ConnID) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Snapshot returns the live connections at this moment.
func (r *Registry) Snapshot() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// Remove closes a connection after its transport went away.
func (r *Registry) Remove(id ConnID) {
	if c, ok := r.Get(id); ok {
		c.Close(websocket.StatusNormalClosure, "")
	}
}

// CloseAll closes every live connection and waits for the close handshakes.
func (r *Registry) CloseAll(code websocket.StatusCode, reason string) {
	var wg sync.WaitGroup
	for _, c := range r.Snapshot() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Close(code, reason)
		}()
	}
	wg.Wait()
}

func (r *Registry) unregister(c *Connection) {
	r.mu.Lock()
	if _, ok := r.conns[c.id]; !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, c.id)
	total := len(r.conns)
	hooks := r.onRemove
	r.mu.Unlock()

	r.logger.Info("client disconnected", "conn_id", c.id, "total_clients", total)

	for _, fn := range hooks {
		fn(c.id)
	}
}
