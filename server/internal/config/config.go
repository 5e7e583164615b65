package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values for the server configuration.
const (
	DefaultHTTPPort         = 3001
	DefaultSnapshotTTL      = 5 * time.Minute
	DefaultHistoryQueueSize = 256
	DefaultKafkaTopic       = "alert-events"
	DefaultCacheTTL         = 30 * time.Second
	DefaultSendBuffer       = 16
	DefaultAPIKeyHeader     = "x-api-key"
)

// Config holds the server-side configuration parsed from the `server:` section
// of the config file. Other top-level keys are ignored.
type Config struct {
	Server ServerConfig `yaml:"server"`
}

// ServerConfig holds all server-side settings.
type ServerConfig struct {
	// HTTPPort serves the REST API, the agent and session websockets and
	// /metrics (default 3001).
	HTTPPort int `yaml:"http_port"`

	// Auth configures how agents authenticate on /ws/agent.
	Auth AuthConfig `yaml:"auth"`

	// Sessions lists the bearer tokens accepted from subscriber sessions.
	Sessions SessionsConfig `yaml:"sessions"`

	// Snapshot controls in-memory latest-snapshot retention.
	Snapshot SnapshotConfig `yaml:"snapshot"`

	// Alerts holds engine settings and the static rule set.
	Alerts AlertsConfig `yaml:"alerts"`

	// Rules selects where enabled rules are read from.
	Rules RulesConfig `yaml:"rules"`

	// Ownership selects how a source is mapped to its tenant.
	Ownership OwnershipConfig `yaml:"ownership"`

	// Storage is the Postgres connection used by the postgres backends.
	Storage StorageConfig `yaml:"storage"`

	// History configures where alert events are recorded.
	History HistoryConfig `yaml:"history"`

	// Fanout tunes live delivery to subscriber sessions.
	Fanout FanoutConfig `yaml:"fanout"`
}

// AuthConfig controls agent authentication on the server side.
type AuthConfig struct {
	// Mode is one of: apikey | none.
	Mode string `yaml:"mode"`

	// KeyEnv is the name of the environment variable that holds the expected API key.
	KeyEnv string `yaml:"key_env"`

	// Header is the HTTP header to read the key from. Defaults to "x-api-key".
	Header string `yaml:"header"`
}

// Key returns the expected API key resolved from the environment.
func (a AuthConfig) Key() string {
	if a.KeyEnv == "" {
		return ""
	}
	return os.Getenv(a.KeyEnv)
}

// EffectiveHeader returns the configured header name, or the default "x-api-key".
func (a AuthConfig) EffectiveHeader() string {
	if a.Header != "" {
		return a.Header
	}
	return DefaultAPIKeyHeader
}

// SessionsConfig lists static session credentials.
type SessionsConfig struct {
	Tokens []SessionToken `yaml:"tokens"`
}

// SessionToken maps one bearer token to a verified principal.
type SessionToken struct {
	// TokenEnv is the name of the environment variable holding the token.
	TokenEnv string `yaml:"token_env"`

	// Subject is the tenant/user ID the token authenticates as.
	Subject string `yaml:"subject"`

	// Role is "user" or "admin". Admin sessions see every tenant.
	Role string `yaml:"role"`
}

// Token returns the bearer token resolved from the environment.
func (s SessionToken) Token() string {
	if s.TokenEnv == "" {
		return ""
	}
	return os.Getenv(s.TokenEnv)
}

// SnapshotConfig controls in-memory snapshot retention.
type SnapshotConfig struct {
	// TTL is how long a source's latest snapshot is kept after its last update.
	// Default: 5m.
	TTL time.Duration `yaml:"ttl"`
}

// AlertsConfig holds engine settings and statically configured rules.
type AlertsConfig struct {
	// RecheckInterval re-evaluates every live source's latest snapshot on a
	// timer, in addition to evaluation on arrival. Zero disables it.
	RecheckInterval time.Duration `yaml:"recheck_interval"`

	// ResolveOpenBreaches emits a resolved event when a rule clears while
	// still breaching, before it ever fired.
	ResolveOpenBreaches bool `yaml:"resolve_open_breaches"`

	// Rules is the static rule set, used when rules.backend is "static".
	Rules []AlertRule `yaml:"rules"`
}

// AlertRule defines one threshold rule in the config file.
type AlertRule struct {
	ID         string        `yaml:"id"`
	Tenant     string        `yaml:"tenant"`
	Name       string        `yaml:"name"`
	Severity   string        `yaml:"severity"`
	Source     string        `yaml:"source"`
	Metric     string        `yaml:"metric"`
	Comparator string        `yaml:"comparator"`
	Threshold  float64       `yaml:"threshold"`
	Sustain    time.Duration `yaml:"sustain"`
	Cooldown   time.Duration `yaml:"cooldown"`

	// Enabled defaults to true when omitted.
	Enabled *bool `yaml:"enabled"`
}

// IsEnabled reports whether the rule is enabled, defaulting to true.
func (r AlertRule) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// RulesConfig selects the rule backend.
type RulesConfig struct {
	// Backend is one of: static | postgres.
	Backend string `yaml:"backend"`
}

// OwnershipConfig selects how sources map to tenants.
type OwnershipConfig struct {
	// Backend is one of: static | postgres.
	Backend string `yaml:"backend"`

	// Sources is the static source_id → tenant_id map.
	Sources map[string]string `yaml:"sources"`

	// Cache optionally fronts the resolver with Redis.
	Cache CacheConfig `yaml:"cache"`
}

// CacheConfig configures the Redis ownership cache.
type CacheConfig struct {
	// RedisAddr enables the cache when non-empty (host:port).
	RedisAddr string `yaml:"redis_addr"`

	// TTL is how long a resolution is cached. Default: 30s.
	TTL time.Duration `yaml:"ttl"`
}

// StorageConfig configures the shared Postgres connection.
type StorageConfig struct {
	// DSNEnv is the name of the environment variable holding the Postgres DSN.
	DSNEnv string `yaml:"dsn_env"`
}

// DSN returns the Postgres DSN resolved from the environment.
func (s StorageConfig) DSN() string {
	if s.DSNEnv == "" {
		return ""
	}
	return os.Getenv(s.DSNEnv)
}

// HistoryConfig configures alert event recording.
type HistoryConfig struct {
	// Backends is any combination of: postgres | kafka | webhook.
	Backends []string `yaml:"backends"`

	// QueueSize is the depth of the asynchronous history queue.
	QueueSize int `yaml:"queue_size"`

	Kafka    KafkaConfig     `yaml:"kafka"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// Enabled reports whether backend is listed in Backends.
func (h HistoryConfig) Enabled(backend string) bool {
	for _, b := range h.Backends {
		if b == backend {
			return true
		}
	}
	return false
}

// KafkaConfig configures the Kafka alert event sink.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// WebhookConfig defines one webhook delivery target.
type WebhookConfig struct {
	// Type is one of: slack | teams | http.
	Type string `yaml:"type"`

	// URLEnv is the name of the environment variable that holds the webhook URL.
	URLEnv string `yaml:"url_env"`
}

// URL returns the webhook URL resolved from the environment.
func (w WebhookConfig) URL() string {
	if w.URLEnv == "" {
		return ""
	}
	return os.Getenv(w.URLEnv)
}

// FanoutConfig tunes session delivery.
type FanoutConfig struct {
	// SendBuffer is the per-session outgoing queue depth. A session whose
	// queue is full is disconnected.
	SendBuffer int `yaml:"send_buffer"`
}

// Load reads and parses the config file at path, returning the server configuration.
// Missing fields are filled with sensible defaults before validation.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("server config: read %q: %w", path, err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("server config: parse yaml: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("server config: %w", err)
	}

	return cfg, nil
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPPort: DefaultHTTPPort,
			Snapshot: SnapshotConfig{TTL: DefaultSnapshotTTL},
			Rules:    RulesConfig{Backend: "static"},
			Ownership: OwnershipConfig{
				Backend: "static",
				Cache:   CacheConfig{TTL: DefaultCacheTTL},
			},
			History: HistoryConfig{
				QueueSize: DefaultHistoryQueueSize,
				Kafka:     KafkaConfig{Topic: DefaultKafkaTopic},
			},
			Fanout: FanoutConfig{SendBuffer: DefaultSendBuffer},
		},
	}
}

// validate checks structural constraints on the parsed configuration.
func validate(cfg *Config) error {
	s := &cfg.Server
	if s.HTTPPort <= 0 || s.HTTPPort > 65535 {
		return fmt.Errorf("server.http_port %d is out of range [1, 65535]", s.HTTPPort)
	}
	switch s.Auth.Mode {
	case "apikey", "none", "":
	default:
		return fmt.Errorf("server.auth.mode %q unknown: want apikey|none", s.Auth.Mode)
	}
	for i, tok := range s.Sessions.Tokens {
		if tok.TokenEnv == "" {
			return fmt.Errorf("server.sessions.tokens[%d]: token_env is required", i)
		}
		if tok.Subject == "" {
			return fmt.Errorf("server.sessions.tokens[%d]: subject is required", i)
		}
		switch tok.Role {
		case "user", "admin":
		default:
			return fmt.Errorf("server.sessions.tokens[%d]: role %q unknown: want user|admin", i, tok.Role)
		}
	}
	if s.Snapshot.TTL < 0 {
		return fmt.Errorf("server.snapshot.ttl must not be negative")
	}
	if s.Alerts.RecheckInterval < 0 {
		return fmt.Errorf("server.alerts.recheck_interval must not be negative")
	}
	seen := make(map[string]bool, len(s.Alerts.Rules))
	for i, r := range s.Alerts.Rules {
		if r.ID == "" {
			return fmt.Errorf("server.alerts.rules[%d]: id is required", i)
		}
		if seen[r.ID] {
			return fmt.Errorf("server.alerts.rules[%d]: duplicate id %q", i, r.ID)
		}
		seen[r.ID] = true
		if r.Tenant == "" {
			return fmt.Errorf("server.alerts.rules[%d] %q: tenant is required", i, r.ID)
		}
		if r.Metric == "" {
			return fmt.Errorf("server.alerts.rules[%d] %q: metric is required", i, r.ID)
		}
	}

	needsDB := false
	switch s.Rules.Backend {
	case "static":
	case "postgres":
		needsDB = true
	default:
		return fmt.Errorf("server.rules.backend %q unknown: want static|postgres", s.Rules.Backend)
	}
	switch s.Ownership.Backend {
	case "static":
	case "postgres":
		needsDB = true
	default:
		return fmt.Errorf("server.ownership.backend %q unknown: want static|postgres", s.Ownership.Backend)
	}
	if s.Ownership.Cache.TTL <= 0 {
		return fmt.Errorf("server.ownership.cache.ttl must be positive")
	}
	for _, b := range s.History.Backends {
		switch b {
		case "postgres":
			needsDB = true
		case "kafka":
			if len(s.History.Kafka.Brokers) == 0 {
				return fmt.Errorf("server.history.kafka.brokers is required for the kafka backend")
			}
			if s.History.Kafka.Topic == "" {
				return fmt.Errorf("server.history.kafka.topic is required for the kafka backend")
			}
		case "webhook":
			for i, wh := range s.History.Webhooks {
				switch wh.Type {
				case "slack", "teams", "http":
				default:
					return fmt.Errorf("server.history.webhooks[%d]: type %q unknown: want slack|teams|http", i, wh.Type)
				}
			}
		default:
			return fmt.Errorf("server.history.backends: %q unknown: want postgres|kafka|webhook", b)
		}
	}
	if s.History.QueueSize <= 0 {
		return fmt.Errorf("server.history.queue_size must be positive")
	}
	if needsDB && s.Storage.DSNEnv == "" {
		return fmt.Errorf("server.storage.dsn_env is required by a postgres backend")
	}
	if s.Fanout.SendBuffer <= 0 {
		return fmt.Errorf("server.fanout.send_buffer must be positive")
	}
	return nil
}
