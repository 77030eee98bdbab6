package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"
	"github.com/tinywideclouds/go-microservice-base/pkg/middleware"
)

type RedisConfig struct {
	Enabled  bool
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

type VapidConfig struct {
	PublicKey       string
	PrivateKey      string
	SubscriberEmail string
}

// APNSConfig is optional; the APNs dispatcher is only built when Enabled.
type APNSConfig struct {
	Enabled  bool
	KeyID    string
	TeamID   string
	BundleID string
	P8Key    string
	Category string
	Sandbox  bool
}

// LiveConfig tunes the per-session subscription manager and notification router.
type LiveConfig struct {
	WindowSize       int
	ResyncPolicy     string
	MutationTimeout  time.Duration
	AndroidChannelID string
	NotificationIcon string
	PingInterval     time.Duration
}

const (
	DefaultWindowSize      = 100
	DefaultResyncPolicy    = "rebuild"
	DefaultMutationTimeout = 10 * time.Second
	DefaultPingInterval    = 30 * time.Second
	DefaultCacheTTL        = 24 * time.Hour
	DefaultChannelID       = "default"
)

// Config defines the *single*, authoritative configuration.
type Config struct {
	ProjectID              string
	ListenAddr             string
	IdentityURL            string
	SubscriptionID         string
	SubscriptionDLQTopicID string
	NumPipelineWorkers     int

	CorsConfig middleware.CorsConfig
	Redis      RedisConfig
	Vapid      VapidConfig
	APNS       APNSConfig
	Live       LiveConfig

	TopicID              string
	PubsubConsumerConfig *messagepipeline.GooglePubsubConsumerConfig
}

// UpdateConfigWithEnvOverrides applies environment variables and final validation.
func UpdateConfigWithEnvOverrides(cfg *Config, logger *slog.Logger) (*Config, error) {
	logger.Debug("Applying environment variable overrides...")

	override := func(key string, apply func(string)) {
		if val := os.Getenv(key); val != "" {
			logger.Debug("Overriding config value", "key", key, "source", "env")
			apply(val)
		}
	}

	override("PROJECT_ID", func(v string) { cfg.ProjectID = v })
	override("PORT", func(v string) { cfg.ListenAddr = ":" + v })
	override("IDENTITY_SERVICE_URL", func(v string) { cfg.IdentityURL = v })
	override("SUBSCRIPTION_ID", func(v string) {
		cfg.SubscriptionID = v
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(v)
	})
	override("SUBSCRIPTION_DLQ_TOPIC_ID", func(v string) { cfg.SubscriptionDLQTopicID = v })
	override("NUM_PIPELINE_WORKERS", func(v string) {
		if workers, err := strconv.Atoi(v); err == nil && workers > 0 {
			cfg.NumPipelineWorkers = workers
		}
	})

	// Redis
	override("REDIS_ADDR", func(v string) {
		cfg.Redis.Addr = v
		cfg.Redis.Enabled = true
	})
	override("REDIS_PASSWORD", func(v string) { cfg.Redis.Password = v })
	override("REDIS_DB", func(v string) {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = db
		}
	})
	override("REDIS_ENABLED", func(v string) {
		enabled, _ := strconv.ParseBool(v)
		cfg.Redis.Enabled = enabled
	})

	// VAPID
	override("VAPID_PUBLIC_KEY", func(v string) { cfg.Vapid.PublicKey = v })
	override("VAPID_PRIVATE_KEY", func(v string) { cfg.Vapid.PrivateKey = v })
	override("VAPID_SUB_EMAIL", func(v string) { cfg.Vapid.SubscriberEmail = v })

	// APNs
	override("APNS_KEY_ID", func(v string) { cfg.APNS.KeyID = v })
	override("APNS_TEAM_ID", func(v string) { cfg.APNS.TeamID = v })
	override("APNS_BUNDLE_ID", func(v string) { cfg.APNS.BundleID = v })
	override("APNS_P8_KEY", func(v string) {
		cfg.APNS.P8Key = v
		cfg.APNS.Enabled = true
	})
	override("APNS_SANDBOX", func(v string) {
		sandbox, _ := strconv.ParseBool(v)
		cfg.APNS.Sandbox = sandbox
	})

	// Live sessions
	override("LIVE_WINDOW_SIZE", func(v string) {
		if size, err := strconv.Atoi(v); err == nil {
			cfg.Live.WindowSize = size
		}
	})
	override("LIVE_RESYNC_POLICY", func(v string) { cfg.Live.ResyncPolicy = v })
	override("LIVE_MUTATION_TIMEOUT", func(v string) {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Live.MutationTimeout = d
		}
	})

	override("CORS_ALLOWED_ORIGINS", func(v string) {
		var cleanOrigins []string
		for _, o := range strings.Split(v, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				cleanOrigins = append(cleanOrigins, trimmed)
			}
		}
		cfg.CorsConfig.AllowedOrigins = cleanOrigins
	})

	// Final Validation
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("project_id is required (set via YAML or PROJECT_ID env var)")
	}
	if cfg.SubscriptionID == "" {
		return nil, fmt.Errorf("subscription_id is required (set via YAML or SUBSCRIPTION_ID env var)")
	}
	if cfg.APNS.Enabled && (cfg.APNS.KeyID == "" || cfg.APNS.TeamID == "" || cfg.APNS.BundleID == "") {
		return nil, fmt.Errorf("apns is enabled but key_id, team_id or bundle_id is missing")
	}
	if cfg.Live.WindowSize < 0 {
		return nil, fmt.Errorf("live.window_size must be positive, got %d", cfg.Live.WindowSize)
	}
	switch cfg.Live.ResyncPolicy {
	case "":
		cfg.Live.ResyncPolicy = DefaultResyncPolicy
	case "rebuild", "diff":
	default:
		return nil, fmt.Errorf("live.resync_policy %q is not one of rebuild, diff", cfg.Live.ResyncPolicy)
	}

	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.IdentityURL == "" {
		cfg.IdentityURL = "http://localhost:3000"
	}
	if cfg.NumPipelineWorkers <= 0 {
		cfg.NumPipelineWorkers = 1
	}
	if cfg.Redis.TTL <= 0 {
		cfg.Redis.TTL = DefaultCacheTTL
	}
	if cfg.Live.WindowSize == 0 {
		cfg.Live.WindowSize = DefaultWindowSize
	}
	if cfg.Live.MutationTimeout <= 0 {
		cfg.Live.MutationTimeout = DefaultMutationTimeout
	}
	if cfg.Live.PingInterval <= 0 {
		cfg.Live.PingInterval = DefaultPingInterval
	}
	if cfg.Live.AndroidChannelID == "" {
		cfg.Live.AndroidChannelID = DefaultChannelID
	}

	if cfg.PubsubConsumerConfig == nil && cfg.SubscriptionID != "" {
		cfg.PubsubConsumerConfig = messagepipeline.NewGooglePubsubConsumerDefaults(cfg.SubscriptionID)
	}

	logger.Debug("Configuration finalized and validated successfully")
	return cfg, nil
}
