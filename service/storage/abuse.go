package storage

import (
	"context"
	"encoding/base64"

	"IMProject/global"
	"IMProject/logger"

	"github.com/redis/go-redis/v9"
)

// AbuseGuard keeps the penalty box and the identical-message spam counters.
// Counters are monotonic within their TTL window, so plain INCR/SET with
// expiry is enough; enforcement is deliberately approximate. Every path is
// fail-open: with redis down, nobody gets restricted.
type AbuseGuard struct {
	rdb *redis.Client
}

func NewAbuseGuard(rdb *redis.Client) *AbuseGuard {
	return &AbuseGuard{rdb: rdb}
}

func penaltyKey(userID string) string { return "abuse:penalty:" + userID }

func spamKey(userID, hash string) string { return "abuse:spam:" + userID + ":" + hash }

// messageHash identifies identical spam; a truncated base64 of the content is
// plenty for equality and keeps the key short.
func messageHash(content string) string {
	h := base64.StdEncoding.EncodeToString([]byte(content))
	if len(h) > 32 {
		h = h[:32]
	}
	return h
}

// InPenaltyBox reports whether the account is currently restricted.
func (a *AbuseGuard) InPenaltyBox(ctx context.Context, userID string) bool {
	if a.rdb == nil {
		return false
	}
	val, err := a.rdb.Get(ctx, penaltyKey(userID)).Result()
	if err != nil {
		if err != redis.Nil {
			logger.Warnf("[abuse] penalty check fail-open user=%s: %v", userID, err)
		}
		return false
	}
	return val != ""
}

// NoteMessage counts an identical text message from this sender. Returns true
// when the spam threshold trips; the caller rejects the message and the
// penalty flag is already set here.
func (a *AbuseGuard) NoteMessage(ctx context.Context, userID, content string) bool {
	if a.rdb == nil || content == "" {
		return false
	}
	key := spamKey(userID, messageHash(content))
	count, err := a.rdb.Incr(ctx, key).Result()
	if err != nil {
		logger.Warnf("[abuse] spam counter fail-open user=%s: %v", userID, err)
		return false
	}
	if count == 1 {
		a.rdb.Expire(ctx, key, global.SpamWindow)
	}
	if count > int64(global.SpamThreshold) {
		logger.Warnf("[abuse] spam trip user=%s count=%d", userID, count)
		if err := a.rdb.Set(ctx, penaltyKey(userID), "spam", global.PenaltyTTL).Err(); err != nil {
			logger.Warnf("[abuse] penalty set failed user=%s: %v", userID, err)
		}
		return true
	}
	return false
}
