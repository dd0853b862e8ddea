package mgo

import (
	"context"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/pkg/errors"
)

// Config for the persistent store connection.
type Config struct {
	URI         string
	Database    string
	Username    string
	Password    string
	MaxPoolSize uint64
	MaxRetry    int
}

var (
	mu sync.RWMutex
	db *mongo.Database
)

// Init connects with a small retry loop; transient dial errors back off and
// retry, auth errors fail immediately.
func Init(ctx context.Context, cfg Config) error {
	if cfg.URI == "" {
		return errors.New("mongo uri required")
	}
	if cfg.MaxPoolSize == 0 {
		cfg.MaxPoolSize = 100
	}
	if cfg.MaxRetry <= 0 {
		cfg.MaxRetry = 3
	}

	opts := options.Client().ApplyURI(cfg.URI).SetMaxPoolSize(cfg.MaxPoolSize)
	if cfg.Username != "" {
		opts.SetAuth(options.Credential{Username: cfg.Username, Password: cfg.Password})
	}

	var lastErr error
	for i := 0; i < cfg.MaxRetry; i++ {
		cli, err := mongo.Connect(ctx, opts)
		if err == nil {
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = cli.Ping(pingCtx, nil)
			cancel()
			if err == nil {
				mu.Lock()
				db = cli.Database(cfg.Database)
				mu.Unlock()
				return nil
			}
			_ = cli.Disconnect(ctx)
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}
	return errors.Wrap(lastErr, "connect mongo")
}

func GetDB() *mongo.Database {
	mu.RLock()
	defer mu.RUnlock()
	return db
}

// SetDB overrides the handle; tests use it with a nil or scoped database.
func SetDB(d *mongo.Database) {
	mu.Lock()
	db = d
	mu.Unlock()
}
