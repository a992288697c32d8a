package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/keyurgolani/ThoughtMcp-sub011/internal/metrics"
)

// DefaultClientBuffer is the number of queued messages a client may lag
// behind before it is dropped as too slow.
const DefaultClientBuffer = 64

// Transport is the observer end of a push channel (SSE response, WebSocket).
// Done is closed when the remote side goes away; it may be nil if the
// transport cannot detect that on its own.
type Transport interface {
	Write(msg []byte) error
	Close() error
	Done() <-chan struct{}
}

// Client is one live observer of a session. It refers to its session by id
// only and never keeps the session alive.
type Client struct {
	SessionID   string
	ConnectedAt time.Time

	transport Transport
	send      chan []byte
	quit      chan struct{}
	ended     atomic.Bool
	once      sync.Once
}

func newClient(sessionID string, t Transport, buffer int) *Client {
	c := &Client{
		SessionID:   sessionID,
		ConnectedAt: time.Now(),
		transport:   t,
		send:        make(chan []byte, buffer),
		quit:        make(chan struct{}),
	}
	go c.writePump()
	return c
}

// writePump is the only writer to the transport, which keeps per-client
// delivery in emission order.
func (c *Client) writePump() {
	defer c.end()
	for {
		select {
		case <-c.quit:
			return
		case <-c.transport.Done():
			return
		case msg := <-c.send:
			if err := c.transport.Write(msg); err != nil {
				return
			}
		}
	}
}

func (c *Client) end() {
	c.once.Do(func() {
		c.ended.Store(true)
		close(c.quit)
		_ = c.transport.Close()
	})
}

// Ended reports whether the client can no longer receive messages.
func (c *Client) Ended() bool {
	if c.ended.Load() {
		return true
	}
	select {
	case <-c.transport.Done():
		return true
	default:
		return false
	}
}

// Done is closed once the client has been ended for any reason.
func (c *Client) Done() <-chan struct{} {
	return c.quit
}

type Option func(*Broadcaster)

func WithBuffer(n int) Option {
	return func(b *Broadcaster) {
		if n > 0 {
			b.buffer = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(b *Broadcaster) {
		if l != nil {
			b.logger = l
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Broadcaster) {
		b.metrics = m
	}
}

// Broadcaster is a per-session pub/sub of live observers. Delivery is live
// only, at most once and best effort: nothing is buffered for sessions
// without clients and nothing is replayed.
type Broadcaster struct {
	mu      sync.RWMutex
	clients map[string]map[*Client]struct{}
	buffer  int
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewBroadcaster(opts ...Option) *Broadcaster {
	b := &Broadcaster{
		clients: make(map[string]map[*Client]struct{}),
		buffer:  DefaultClientBuffer,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Broadcaster) AddClient(sessionID string, t Transport) *Client {
	c := newClient(sessionID, t, b.buffer)

	b.mu.Lock()
	set, ok := b.clients[sessionID]
	if !ok {
		set = make(map[*Client]struct{})
		b.clients[sessionID] = set
	}
	set[c] = struct{}{}
	b.mu.Unlock()

	b.metrics.ClientConnected()
	b.logger.Debug("observer attached", "session_id", sessionID)
	return c
}

// RemoveClient detaches and ends c. Unknown or already removed clients are
// ignored.
func (b *Broadcaster) RemoveClient(sessionID string, c *Client) {
	if c == nil {
		return
	}
	b.mu.Lock()
	removed := b.deleteLocked(sessionID, c)
	b.mu.Unlock()

	c.end()
	if removed {
		b.logger.Debug("observer detached", "session_id", sessionID)
	}
}

// deleteLocked removes c from the session's set. Caller must hold b.mu.
func (b *Broadcaster) deleteLocked(sessionID string, c *Client) bool {
	set, ok := b.clients[sessionID]
	if !ok {
		return false
	}
	if _, ok := set[c]; !ok {
		return false
	}
	delete(set, c)
	if len(set) == 0 {
		delete(b.clients, sessionID)
	}
	b.metrics.ClientDisconnected()
	return true
}

func (b *Broadcaster) HasClients(sessionID string) bool {
	return b.ClientCount(sessionID) > 0
}

// ClientCount returns the number of live clients of a session.
func (b *Broadcaster) ClientCount(sessionID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for c := range b.clients[sessionID] {
		if !c.Ended() {
			n++
		}
	}
	return n
}

// TotalClients returns the number of registered clients across all sessions.
func (b *Broadcaster) TotalClients() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	n := 0
	for _, set := range b.clients {
		n += len(set)
	}
	return n
}

// Sessions returns the ids of sessions with at least one registered client.
func (b *Broadcaster) Sessions() []string {
	b.mu.RLock()
	ids := make([]string, 0, len(b.clients))
	for id := range b.clients {
		ids = append(ids, id)
	}
	b.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Broadcast serializes ev once and queues it for every live client of
// sessionID. It never blocks: a client whose queue is full is dropped, and
// clients whose transport already ended are pruned.
func (b *Broadcaster) Broadcast(sessionID string, ev Event) {
	b.mu.RLock()
	set := b.clients[sessionID]
	clients := make([]*Client, 0, len(set))
	for c := range set {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	if len(clients) == 0 {
		return
	}

	data, err := json.Marshal(ev)
	if err != nil {
		b.logger.Error("event marshal failed", "session_id", sessionID, "type", ev.Type(), "error", err)
		return
	}

	var dead []*Client
	delivered := 0
	for _, c := range clients {
		if c.Ended() {
			dead = append(dead, c)
			continue
		}
		select {
		case c.send <- data:
			delivered++
		default:
			b.logger.Warn("observer too slow, disconnecting", "session_id", sessionID)
			b.metrics.ClientDropped()
			c.end()
			dead = append(dead, c)
		}
	}

	if len(dead) > 0 {
		b.mu.Lock()
		for _, c := range dead {
			b.deleteLocked(sessionID, c)
		}
		b.mu.Unlock()
		for _, c := range dead {
			c.end()
		}
	}

	b.metrics.EventBroadcast(string(ev.Type()), delivered)
}

// CleanupSession ends every client transport of the session and forgets
// the session.
func (b *Broadcaster) CleanupSession(sessionID string) {
	b.mu.Lock()
	set := b.clients[sessionID]
	delete(b.clients, sessionID)
	for range set {
		b.metrics.ClientDisconnected()
	}
	b.mu.Unlock()

	for c := range set {
		c.end()
	}
	if len(set) > 0 {
		b.logger.Info("session observers closed", "session_id", sessionID, "clients", len(set))
	}
}

func (b *Broadcaster) CleanupAll() {
	for _, id := range b.Sessions() {
		b.CleanupSession(id)
	}
}

// RunHeartbeat sends a heartbeat event to every observed session on each
// tick until ctx is done. It also prunes transports that ended silently.
func (b *Broadcaster) RunHeartbeat(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range b.Sessions() {
				b.Broadcast(id, NewEvent(Heartbeat, id, nil))
			}
		}
	}
}
