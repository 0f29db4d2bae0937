// Package config loads the two configuration surfaces this proxy needs: a
// small set of scalar runtime settings from the environment (ports,
// timeouts, backing-service addresses), and the path/derivative ruleset
// from a YAML file (see ruleset.go). The split mirrors the teacher's own
// envconfig-for-scalars idiom, extended with a YAML loader for the
// structured ruleset the original spec describes (priorities, regexes,
// breakpoints) which doesn't fit flat environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds the runtime (non-ruleset) configuration for both the proxy
// server and the background refresher.
type Config struct {
	Server    ServerConfig
	Refresher RefresherConfig
	Redis     RedisConfig
	Origin    OriginConfig
	Transform TransformConfig
	RabbitMQ  RabbitMQConfig
	Ruleset   RulesetConfig
}

// TransformConfig points the orchestrator's UpstreamFetcher at the media
// transformation endpoint (§6's "unchanged contracts for the upstream
// transformation endpoint"), kept separate from OriginConfig since the
// transform service and the origin object store are different upstreams.
type TransformConfig struct {
	MediaHost string        `envconfig:"TRANSFORM_MEDIA_HOST" default:"http://localhost:9090"`
	Timeout   time.Duration `envconfig:"TRANSFORM_TIMEOUT" default:"30s"`
}

// ServerConfig configures the HTTP server (cmd/proxy).
type ServerConfig struct {
	Port            int           `envconfig:"PROXY_PORT" default:"8080"`
	ReadTimeout     time.Duration `envconfig:"PROXY_READ_TIMEOUT" default:"10s"`
	WriteTimeout    time.Duration `envconfig:"PROXY_WRITE_TIMEOUT" default:"60s"`
	ShutdownTimeout time.Duration `envconfig:"PROXY_SHUTDOWN_TIMEOUT" default:"10s"`
}

// RefresherConfig configures the background worker (cmd/refresher) that
// performs TTL refresh and fallback-namespace population outside the
// response path.
type RefresherConfig struct {
	MaxRetries      int           `envconfig:"REFRESHER_MAX_RETRIES" default:"3"`
	BaseBackoff     time.Duration `envconfig:"REFRESHER_BASE_BACKOFF" default:"200ms"`
	ShutdownTimeout time.Duration `envconfig:"REFRESHER_SHUTDOWN_TIMEOUT" default:"30s"`
}

// RedisConfig configures the KV store adapter (C6).
type RedisConfig struct {
	Addr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	Password string `envconfig:"REDIS_PASSWORD" default:""`
	DB       int    `envconfig:"REDIS_DB" default:"0"`

	// MaxValueBytes is the KV adapter's per-value size limit (§4.6.1).
	MaxValueBytes int64 `envconfig:"REDIS_MAX_VALUE_BYTES" default:"26214400"`
}

// OriginConfig configures the MinIO/S3-compatible client used for
// presigned origin signing (§6), for the fallback pipeline's direct origin
// fetch, and as the overflow store for transformed artifacts that exceed
// the KV adapter's size limit.
type OriginConfig struct {
	Endpoint  string `envconfig:"ORIGIN_ENDPOINT" default:"localhost:9000"`
	AccessKey string `envconfig:"ORIGIN_ACCESS_KEY" default:"minioadmin"`
	SecretKey string `envconfig:"ORIGIN_SECRET_KEY" default:"minioadmin"`
	Bucket    string `envconfig:"ORIGIN_BUCKET" default:"videos"`
	UseSSL    bool   `envconfig:"ORIGIN_USE_SSL" default:"false"`
}

// RabbitMQConfig configures the durable background-task queue
// (internal/tasks.Client). The Detach capability never goes through it;
// it is backed by the in-process tasks.Pool.
type RabbitMQConfig struct {
	Host     string `envconfig:"RABBITMQ_HOST" default:"localhost"`
	Port     int    `envconfig:"RABBITMQ_PORT" default:"5672"`
	User     string `envconfig:"RABBITMQ_USER" default:"videoproxy"`
	Password string `envconfig:"RABBITMQ_PASSWORD" default:"videoproxy"`
	VHost    string `envconfig:"RABBITMQ_VHOST" default:"/"`
}

func (c RabbitMQConfig) URL() string {
	return fmt.Sprintf(
		"amqp://%s:%s@%s:%d%s",
		c.User, c.Password, c.Host, c.Port, c.VHost,
	)
}

// RulesetConfig points at the YAML ruleset file loaded by LoadRuleset.
type RulesetConfig struct {
	Path string `envconfig:"RULESET_PATH" default:"./ruleset.yaml"`
}

// Load reads runtime configuration from the environment. Missing values
// fall back to the defaults above, matching the teacher's envconfig usage
// in internal/config/config.go.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}
