package storage

import (
	"context"
	"strconv"
	"sync"
	"time"

	"IMProject/global"
	"IMProject/logger"

	"github.com/redis/go-redis/v9"
)

// PresenceStore tracks which users are reachable anywhere in the cluster.
// Redis is the shared tier; when it is unreachable every operation degrades to
// a process-local map with the same TTL semantics. Callers never see a cache
// error, only a possibly-stale answer.
type PresenceStore struct {
	rdb   *redis.Client
	ttl   time.Duration
	clock func() time.Time

	mu    sync.RWMutex
	local map[string]time.Time // userID -> expiry, fallback tier
}

func NewPresenceStore(rdb *redis.Client) *PresenceStore {
	return &PresenceStore{
		rdb:   rdb,
		ttl:   global.PresenceTTL,
		clock: time.Now,
		local: make(map[string]time.Time),
	}
}

func presenceKey(userID string) string { return "presence:" + userID }

func (p *PresenceStore) SetOnline(ctx context.Context, userID string) {
	now := p.clock()
	if p.rdb != nil {
		err := p.rdb.Set(ctx, presenceKey(userID), strconv.FormatInt(now.UnixMilli(), 10), p.ttl).Err()
		if err == nil {
			return
		}
		logger.Warnf("[presence] redis SetOnline fallback user=%s: %v", userID, err)
	}
	p.mu.Lock()
	p.local[userID] = now.Add(p.ttl)
	p.mu.Unlock()
}

func (p *PresenceStore) SetOffline(ctx context.Context, userID string) {
	if p.rdb != nil {
		err := p.rdb.Del(ctx, presenceKey(userID)).Err()
		if err == nil {
			return
		}
		logger.Warnf("[presence] redis SetOffline fallback user=%s: %v", userID, err)
	}
	p.mu.Lock()
	delete(p.local, userID)
	p.mu.Unlock()
}

// Heartbeat refreshes the TTL; identical to SetOnline.
func (p *PresenceStore) Heartbeat(ctx context.Context, userID string) {
	p.SetOnline(ctx, userID)
}

func (p *PresenceStore) IsOnline(ctx context.Context, userID string) bool {
	if p.rdb != nil {
		val, err := p.rdb.Get(ctx, presenceKey(userID)).Result()
		if err == nil {
			return val != ""
		}
		if err == redis.Nil {
			return false
		}
		logger.Warnf("[presence] redis IsOnline fallback user=%s: %v", userID, err)
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	exp, ok := p.local[userID]
	return ok && exp.After(p.clock())
}

// GetOnlineStatuses answers for a batch of users in one round trip. Chat-list
// rendering calls this with dozens of ids, so the pipeline is a contract, not
// an optimization.
func (p *PresenceStore) GetOnlineStatuses(ctx context.Context, userIDs []string) map[string]bool {
	out := make(map[string]bool, len(userIDs))
	if p.rdb != nil && len(userIDs) > 0 {
		cmds := make([]*redis.StringCmd, len(userIDs))
		_, err := p.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for i, id := range userIDs {
				cmds[i] = pipe.Get(ctx, presenceKey(id))
			}
			return nil
		})
		if err == nil || err == redis.Nil {
			for i, id := range userIDs {
				out[id] = cmds[i].Err() == nil
			}
			return out
		}
		logger.Warnf("[presence] redis batch fallback n=%d: %v", len(userIDs), err)
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	now := p.clock()
	for _, id := range userIDs {
		exp, ok := p.local[id]
		out[id] = ok && exp.After(now)
	}
	return out
}
