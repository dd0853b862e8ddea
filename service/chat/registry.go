package chat

import (
	"sync"
	"time"

	"IMProject/logger"
	"IMProject/tools/ids"

	"github.com/gorilla/websocket"
)

type RegistryConf struct {
	TTL        time.Duration    // connection lease, renewed by heartbeat
	SweepEvery time.Duration
	Clock      func() time.Time // injectable for tests
}

func (c *RegistryConf) norm() {
	if c.Clock == nil {
		c.Clock = time.Now
	}
	if c.TTL <= 0 {
		c.TTL = 2 * time.Hour
	}
	if c.SweepEvery <= 0 {
		c.SweepEvery = 30 * time.Second
	}
}

// Conn is one live websocket owned by exactly one authenticated user. The
// Send channel is drained by a single write pump; gorilla conns must never be
// written from two goroutines.
type Conn struct {
	ID     string
	UserID string
	WS     *websocket.Conn

	Send      chan []byte
	CreatedAt time.Time
	ExpireAt  time.Time

	closeOnce sync.Once
}

// Enqueue hands a payload to the write pump without blocking; a full queue
// means a slow client and the payload is dropped for that connection.
func (c *Conn) Enqueue(payload []byte) bool {
	select {
	case c.Send <- payload:
		return true
	default:
		return false
	}
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.Send)
		if c.WS != nil {
			_ = c.WS.Close()
		}
	})
}

// Registry is the per-process map from user identity to live connections.
// It is advisory for push-fallback decisions only; cross-process delivery
// goes through the fabric.
type Registry struct {
	mu     sync.RWMutex
	byID   map[string]*Conn
	byUser map[string]map[string]*Conn

	conf     RegistryConf
	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewRegistry(conf RegistryConf) *Registry {
	conf.norm()
	r := &Registry{
		byID:   make(map[string]*Conn),
		byUser: make(map[string]map[string]*Conn),
		conf:   conf,
		stopCh: make(chan struct{}),
	}
	go r.sweeper()
	return r
}

// Add registers a websocket for an authenticated user and returns its handle.
func (r *Registry) Add(userID string, ws *websocket.Conn) *Conn {
	now := r.conf.Clock()
	c := &Conn{
		ID:        ids.GenerateString(),
		UserID:    userID,
		WS:        ws,
		Send:      make(chan []byte, 256),
		CreatedAt: now,
		ExpireAt:  now.Add(r.conf.TTL),
	}
	r.mu.Lock()
	r.byID[c.ID] = c
	if r.byUser[userID] == nil {
		r.byUser[userID] = make(map[string]*Conn)
	}
	r.byUser[userID][c.ID] = c
	r.mu.Unlock()
	return c
}

// Remove drops a connection and reports whether it was the user's last one on
// this process (the caller turns that into a presence transition).
func (r *Registry) Remove(connID string) (userID string, lastConn bool) {
	r.mu.Lock()
	c, ok := r.byID[connID]
	if !ok {
		r.mu.Unlock()
		return "", false
	}
	delete(r.byID, connID)
	userID = c.UserID
	if mm := r.byUser[userID]; mm != nil {
		delete(mm, connID)
		if len(mm) == 0 {
			delete(r.byUser, userID)
			lastConn = true
		}
	}
	r.mu.Unlock()
	c.close()
	return userID, lastConn
}

func (r *Registry) Heartbeat(connID string) {
	now := r.conf.Clock()
	r.mu.Lock()
	if c, ok := r.byID[connID]; ok {
		c.ExpireAt = now.Add(r.conf.TTL)
	}
	r.mu.Unlock()
}

func (r *Registry) ActiveConns(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mm := r.byUser[userID]
	out := make([]string, 0, len(mm))
	for id := range mm {
		out = append(out, id)
	}
	return out
}

func (r *Registry) IsReachable(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// DeliverLocal enqueues a payload to every local connection of the user and
// returns how many accepted it.
func (r *Registry) DeliverLocal(userID string, payload []byte) int {
	r.mu.RLock()
	conns := make([]*Conn, 0, 2)
	for _, c := range r.byUser[userID] {
		conns = append(conns, c)
	}
	r.mu.RUnlock()

	n := 0
	for _, c := range conns {
		if c.Enqueue(payload) {
			n++
		} else {
			logger.Warnf("[registry] slow client, dropping payload conn=%s user=%s", c.ID, userID)
		}
	}
	return n
}

// AllConns snapshots every local connection, for process-wide fan-out.
func (r *Registry) AllConns() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Conn, 0, len(r.byID))
	for _, c := range r.byID {
		out = append(out, c)
	}
	return out
}

// Users lists all user ids with at least one local connection.
func (r *Registry) Users() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byUser))
	for u := range r.byUser {
		out = append(out, u)
	}
	return out
}

func (r *Registry) Close() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.mu.Lock()
	conns := make([]*Conn, 0, len(r.byID))
	for _, c := range r.byID {
		conns = append(conns, c)
	}
	r.byID = make(map[string]*Conn)
	r.byUser = make(map[string]map[string]*Conn)
	r.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}

func (r *Registry) sweeper() {
	t := time.NewTicker(r.conf.SweepEvery)
	defer t.Stop()
	for {
		select {
		case <-r.stopCh:
			return
		case <-t.C:
			r.sweepOnce(r.conf.Clock())
		}
	}
}

func (r *Registry) sweepOnce(now time.Time) {
	var expired []*Conn
	r.mu.Lock()
	for id, c := range r.byID {
		if now.After(c.ExpireAt) {
			expired = append(expired, c)
			delete(r.byID, id)
			if mm := r.byUser[c.UserID]; mm != nil {
				delete(mm, id)
				if len(mm) == 0 {
					delete(r.byUser, c.UserID)
				}
			}
		}
	}
	r.mu.Unlock()
	// close outside the lock
	for _, c := range expired {
		c.close()
	}
}
