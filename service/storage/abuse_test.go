package storage

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func TestAbuseGuardFailOpen(t *testing.T) {
	ctx := context.Background()

	// No cache at all: never restrict.
	g := NewAbuseGuard(nil)
	if g.InPenaltyBox(ctx, "alice") {
		t.Fatal("nil client must not restrict")
	}
	if g.NoteMessage(ctx, "alice", "spam spam spam") {
		t.Fatal("nil client must not trip spam")
	}

	// Unreachable cache: same answer, just logged.
	dead := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		ReadTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	g = NewAbuseGuard(dead)
	if g.InPenaltyBox(ctx, "alice") {
		t.Fatal("dead client must not restrict")
	}
	if g.NoteMessage(ctx, "alice", "spam spam spam") {
		t.Fatal("dead client must not trip spam")
	}
}

func TestMessageHashStableAndBounded(t *testing.T) {
	a := messageHash("hello")
	if a != messageHash("hello") {
		t.Fatal("hash not stable")
	}
	if a == messageHash("other") {
		t.Fatal("distinct content collided")
	}
	long := messageHash(string(make([]byte, 10_000)))
	if len(long) > 32 {
		t.Fatalf("hash length %d", len(long))
	}
}
