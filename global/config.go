package global

import (
	"os"
	"strings"
	"time"
)

const (
	// PresenceTTL is the heartbeat window; no refresh within it means offline.
	PresenceTTL = 120 * time.Second

	// Per-connection event throttle.
	RateLimitMax    = 30
	RateLimitWindow = 5000 * time.Millisecond

	// Identical-message spam heuristic and the penalty it trips.
	SpamThreshold   = 20
	SpamWindow      = 5 * time.Minute
	PenaltyTTL      = time.Hour
	ProviderTimeout = 8 * time.Second

	// Broadcast dispatch tuning.
	PushBatchCap      = 500
	WorkerConcurrency = 5
	BatchYield        = 100 * time.Millisecond

	BroadcastTopic = "broadcast.jobs"
	BroadcastGroup = "im-broadcast-worker"
)

type AppConfig struct {
	NodeID string
	Port   string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	MongoURI string
	MongoDB  string

	NatsURL      string
	KafkaBrokers []string

	JwtSecret []byte

	// FCM-style provider.
	FCMEndpoint string
	FCMKey      string

	// APNs-style provider.
	ApnsKeyID      string
	ApnsTeamID     string
	ApnsBundleID   string
	ApnsKeyPath    string
	ApnsProduction bool

	// Black-box auto-reply generator.
	ReplyWebhookURL    string
	ReplyWebhookSecret string
}

var Conf = Load()

func Load() AppConfig {
	return AppConfig{
		NodeID:        env("IM_NODE_ID", "gateway_01"),
		Port:          env("IM_PORT", ":8080"),
		RedisAddr:     env("IM_REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword: os.Getenv("IM_REDIS_PASSWORD"),
		MongoURI:      env("IM_MONGO_URI", "mongodb://127.0.0.1:27017"),
		MongoDB:       env("IM_MONGO_DB", "imchat"),
		NatsURL:       env("IM_NATS_URL", "nats://127.0.0.1:4222"),
		KafkaBrokers:  strings.Split(env("IM_KAFKA_BROKERS", "127.0.0.1:9092"), ","),
		JwtSecret:     []byte(env("IM_JWT_SECRET", "dev-only-secret")),

		FCMEndpoint: env("IM_FCM_ENDPOINT", "https://fcm.googleapis.com/fcm/send"),
		FCMKey:      os.Getenv("IM_FCM_KEY"),

		ApnsKeyID:      os.Getenv("IM_APNS_KEY_ID"),
		ApnsTeamID:     os.Getenv("IM_APNS_TEAM_ID"),
		ApnsBundleID:   env("IM_APNS_BUNDLE_ID", "com.improject.chat"),
		ApnsKeyPath:    env("IM_APNS_KEY_PATH", "apns-key.p8"),
		ApnsProduction: os.Getenv("IM_APNS_PRODUCTION") == "true",

		ReplyWebhookURL:    os.Getenv("IM_REPLY_WEBHOOK_URL"),
		ReplyWebhookSecret: os.Getenv("IM_REPLY_WEBHOOK_SECRET"),
	}
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
