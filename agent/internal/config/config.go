package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/servwatch/servwatch/pkg/types"
)

// Default values applied when fields are absent from the config file.
const (
	DefaultCollectInterval = 5 * time.Second
	DefaultBufferSize      = 100
	DefaultBackoffInitial  = 1 * time.Second
	DefaultBackoffMax      = 5 * time.Second
	DefaultAPIKeyHeader    = "x-api-key"
	DefaultSamplerType     = "runtime"
)

// Config is the agent-side configuration parsed from the `agent:` section of
// the config file. Other top-level keys are ignored.
type Config struct {
	Agent AgentConfig `yaml:"agent"`
}

// AgentConfig holds all agent-side settings.
type AgentConfig struct {
	// SourceID is the stable identity this agent reports under. A random
	// "agent-<uuid>" is generated when empty; set it explicitly so the
	// identity survives restarts.
	SourceID string `yaml:"source_id"`

	// ServerURL is the gateway websocket endpoint, e.g. ws://host:3001/ws/agent.
	ServerURL string `yaml:"server_url"`

	// CollectInterval controls how often the sampler runs.
	CollectInterval time.Duration `yaml:"collect_interval"`

	// BufferSize is the maximum number of snapshots held in memory while the
	// server is unreachable. The oldest is dropped on overflow.
	BufferSize int `yaml:"buffer_size"`

	// Backoff bounds the reconnect delay.
	Backoff BackoffConfig `yaml:"backoff"`

	// ServerAuth configures how the agent authenticates to servwatch-server.
	// Supported modes: apikey | none.
	ServerAuth AuthConfig `yaml:"server_auth"`

	// Sampler selects what the agent measures.
	Sampler SamplerConfig `yaml:"sampler"`
}

// BackoffConfig is the reconnect policy: the delay starts at Initial and
// doubles up to Max. Retries never stop.
type BackoffConfig struct {
	Initial time.Duration `yaml:"initial"`
	Max     time.Duration `yaml:"max"`
}

// SamplerConfig describes the metric source.
type SamplerConfig struct {
	// Type is one of: runtime | prometheus.
	Type string `yaml:"type"`

	// Endpoint is the Prometheus text exposition URL (prometheus only).
	Endpoint string `yaml:"endpoint"`

	// Mappings place summed metric families at dotted paths in the metric
	// tree (prometheus only).
	Mappings []Mapping `yaml:"mappings"`

	// Auth configures how the agent authenticates to the endpoint.
	Auth AuthConfig `yaml:"auth"`

	// TLS holds optional TLS dial options.
	TLS TLSConfig `yaml:"tls"`
}

// Mapping places the sum of one metric family at a dotted path.
type Mapping struct {
	Path   string `yaml:"path"`
	Family string `yaml:"family"`

	// Rate reports the per-second increase of a counter family instead of
	// its raw total. The path is absent until two scrapes have been seen.
	Rate bool `yaml:"rate"`
}

// AuthConfig specifies an authentication mode.
type AuthConfig struct {
	// Mode is one of: mtls | apikey | bearer | basic | none.
	Mode string `yaml:"mode"`

	// mTLS fields, used when Mode == "mtls".
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	CAFile   string `yaml:"ca_file"`

	// API key fields, used when Mode == "apikey".
	// Header is the HTTP header name to send the key in.
	Header string `yaml:"header"`
	// KeyEnv is the name of the environment variable that holds the key value.
	KeyEnv string `yaml:"key_env"`

	// Bearer token fields, used when Mode == "bearer".
	// TokenEnv is the name of the environment variable that holds the token.
	TokenEnv string `yaml:"token_env"`

	// Basic auth fields, used when Mode == "basic".
	// Username is the literal username (safe to store in config).
	Username string `yaml:"username"`
	// PasswordEnv is the name of the environment variable that holds the password.
	PasswordEnv string `yaml:"password_env"`
}

// Key returns the API key value resolved from the environment.
// Returns empty string if KeyEnv is unset or the variable is not found.
func (a AuthConfig) Key() string {
	if a.KeyEnv == "" {
		return ""
	}
	return os.Getenv(a.KeyEnv)
}

// EffectiveHeader returns the configured header name, or "x-api-key".
func (a AuthConfig) EffectiveHeader() string {
	if a.Header != "" {
		return a.Header
	}
	return DefaultAPIKeyHeader
}

// Token returns the bearer token value resolved from the environment.
func (a AuthConfig) Token() string {
	if a.TokenEnv == "" {
		return ""
	}
	return os.Getenv(a.TokenEnv)
}

// Password returns the basic-auth password resolved from the environment.
func (a AuthConfig) Password() string {
	if a.PasswordEnv == "" {
		return ""
	}
	return os.Getenv(a.PasswordEnv)
}

// TLSConfig holds TLS dial options.
type TLSConfig struct {
	// InsecureSkipVerify disables TLS certificate verification.
	// Only use this for internal CAs in development environments.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

// Load reads and parses the YAML config file at path.
// Missing optional fields are filled with sensible defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("agent config: read %q: %w", path, err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("agent config: parse yaml: %w", err)
	}

	if cfg.Agent.SourceID == "" {
		cfg.Agent.SourceID = "agent-" + uuid.NewString()
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("agent config: %w", err)
	}

	return cfg, nil
}

// defaults returns a Config pre-populated with default values.
func defaults() *Config {
	return &Config{
		Agent: AgentConfig{
			CollectInterval: DefaultCollectInterval,
			BufferSize:      DefaultBufferSize,
			Backoff: BackoffConfig{
				Initial: DefaultBackoffInitial,
				Max:     DefaultBackoffMax,
			},
			Sampler: SamplerConfig{Type: DefaultSamplerType},
		},
	}
}

// validate checks required fields and structural constraints.
func validate(cfg *Config) error {
	a := cfg.Agent
	if a.ServerURL == "" {
		return fmt.Errorf("agent.server_url is required")
	}
	u, err := url.Parse(a.ServerURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return fmt.Errorf("agent.server_url %q must be a ws:// or wss:// URL", a.ServerURL)
	}
	if a.CollectInterval <= 0 {
		return fmt.Errorf("agent.collect_interval must be positive")
	}
	if a.BufferSize <= 0 {
		return fmt.Errorf("agent.buffer_size must be positive")
	}
	if a.Backoff.Initial <= 0 || a.Backoff.Max <= 0 {
		return fmt.Errorf("agent.backoff initial and max must be positive")
	}
	if a.Backoff.Initial > a.Backoff.Max {
		return fmt.Errorf("agent.backoff.initial (%v) exceeds backoff.max (%v)", a.Backoff.Initial, a.Backoff.Max)
	}
	switch a.ServerAuth.Mode {
	case "apikey":
		if a.ServerAuth.KeyEnv == "" {
			return fmt.Errorf("agent.server_auth.key_env is required for mode apikey")
		}
	case "none", "":
	default:
		return fmt.Errorf("agent.server_auth: unknown mode %q", a.ServerAuth.Mode)
	}

	s := a.Sampler
	switch s.Type {
	case "runtime":
	case "prometheus":
		if s.Endpoint == "" {
			return fmt.Errorf("agent.sampler.endpoint is required for type prometheus")
		}
		if len(s.Mappings) == 0 {
			return fmt.Errorf("agent.sampler.mappings: at least one mapping is required for type prometheus")
		}
		for i, m := range s.Mappings {
			if m.Family == "" {
				return fmt.Errorf("agent.sampler.mappings[%d]: family is required", i)
			}
			if _, err := types.ParsePath(m.Path); err != nil {
				return fmt.Errorf("agent.sampler.mappings[%d]: %w", i, err)
			}
		}
	default:
		return fmt.Errorf("agent.sampler: unknown type %q", s.Type)
	}
	switch s.Auth.Mode {
	case "mtls", "apikey", "bearer", "basic", "none", "":
	default:
		return fmt.Errorf("agent.sampler.auth: unknown mode %q", s.Auth.Mode)
	}
	return nil
}
