package fabric

import (
	"context"
	"strings"
	"sync"
	"time"

	"IMProject/logger"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
)

// The fabric makes "send to user X" reach whichever process holds X's live
// connections: each gateway subscribes to im.user.<id> for its local users and
// anyone publishes to that subject. Core NATS is enough; frames are
// fire-and-forget and the push fallback covers users with no subscriber.

const subjectPrefix = "im.user."

type Config struct {
	Servers       []string
	Name          string
	ReconnectWait time.Duration
	Timeout       time.Duration
}

type Fabric struct {
	nc *nats.Conn

	mu   sync.Mutex
	subs map[string]*nats.Subscription // userID -> sub
}

func Connect(cfg Config) (*Fabric, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("nats servers missing")
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 500 * time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
	}
	nc, err := nats.Connect(strings.Join(cfg.Servers, ","), opts...)
	if err != nil {
		return nil, errors.Wrap(err, "connect nats")
	}
	return &Fabric{nc: nc, subs: make(map[string]*nats.Subscription)}, nil
}

func userSubject(userID string) string { return subjectPrefix + userID }

// Deliver publishes a frame addressed by user identity.
func (f *Fabric) Deliver(ctx context.Context, userID string, payload []byte) error {
	_ = ctx
	if err := f.nc.Publish(userSubject(userID), payload); err != nil {
		return errors.Wrapf(err, "deliver to %s", userID)
	}
	return nil
}

// EnsureSubscribe binds the user's subject to the local delivery sink. Safe to
// call on every (re)connect of the user; only the first call subscribes.
func (f *Fabric) EnsureSubscribe(userID string, sink func(payload []byte)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.subs[userID]; ok {
		return nil
	}
	sub, err := f.nc.Subscribe(userSubject(userID), func(m *nats.Msg) {
		sink(m.Data)
	})
	if err != nil {
		return errors.Wrapf(err, "subscribe %s", userID)
	}
	f.subs[userID] = sub
	return nil
}

// Unsubscribe drops the user's subject once their last local connection is gone.
func (f *Fabric) Unsubscribe(userID string) {
	f.mu.Lock()
	sub, ok := f.subs[userID]
	if ok {
		delete(f.subs, userID)
	}
	f.mu.Unlock()
	if ok {
		if err := sub.Drain(); err != nil {
			logger.Warnf("[fabric] drain %s: %v", userID, err)
		}
	}
}

func (f *Fabric) Close() {
	f.mu.Lock()
	for u, sub := range f.subs {
		_ = sub.Drain()
		delete(f.subs, u)
	}
	f.mu.Unlock()
	if f.nc != nil {
		_ = f.nc.Drain()
	}
}
