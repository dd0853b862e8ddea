package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

type Config struct {
	Addr     string
	Password string
	DB       int
}

var rdb *redis.Client

// Init connects the shared client. A failed ping is returned but does not
// prevent startup: every consumer of the cache is fail-open.
func Init(c Config) error {
	rdb = redis.NewClient(&redis.Options{
		Addr:         c.Addr,
		Password:     c.Password,
		DB:           c.DB,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return rdb.Ping(ctx).Err()
}

func Get() *redis.Client { return rdb }

// SetClient swaps the shared client; tests use it to point at a dead address.
func SetClient(c *redis.Client) { rdb = c }
