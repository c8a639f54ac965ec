package config

import "time"

// Config is the root configuration shared by the gateway and registry
// binaries. Sections the running binary does not use are simply ignored.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Redis    RedisConfig    `yaml:"redis"`
	Registry RegistryConfig `yaml:"registry"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Events   EventsConfig   `yaml:"events"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig defines the inbound HTTP listener.
type ServerConfig struct {
	Address           string        `yaml:"address"`
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ShutdownGrace     time.Duration `yaml:"shutdown_grace"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
}

// RedisConfig configures the shared store used for rate-limit buckets and the
// route change pub/sub channel.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// RegistryConfig points the gateway at the registry API.
type RegistryConfig struct {
	URL      string        `yaml:"url"`
	Timeout  time.Duration `yaml:"timeout"`
	Retry    RetryConfig   `yaml:"retry"`
	Fallback FallbackConfig `yaml:"fallback"`
}

// RetryConfig bounds the retry template used for registry fetches and
// event-driven refreshes.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

// FallbackConfig drives the polling fallback when pub/sub is degraded.
type FallbackConfig struct {
	Interval     time.Duration `yaml:"interval"`
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
}

// GatewayConfig groups the api.gateway.* options.
type GatewayConfig struct {
	RateLimit           RateLimitSettings         `yaml:"rate_limit"`
	ClientAccessControl ClientAccessControlConfig `yaml:"client_access_control"`
	AccessLog           AccessLogConfig           `yaml:"accesslog"`
	JWT                 JWTConfig                 `yaml:"jwt"`
	Metrics             MetricsConfig             `yaml:"metrics"`
}

// RateLimitSettings holds the limiter defaults, ceilings and per-route
// overrides.
type RateLimitSettings struct {
	Enabled            bool                `yaml:"enabled"`
	Defaults           RateLimitConfig     `yaml:"defaults"`
	Overrides          []RouteRateLimit    `yaml:"overrides"`
	MaxBurstCapacity   int64               `yaml:"max_burst_capacity"`
	MaxReplenishRate   int64               `yaml:"max_replenish_rate"`
	MaxRequestedTokens int64               `yaml:"max_requested_tokens"`
	KeyResolvers       []KeyResolverConfig `yaml:"key_resolvers"`
	Namespace          string              `yaml:"namespace"`
}

// RateLimitConfig is a single token-bucket configuration.
type RateLimitConfig struct {
	ReplenishRate   int64  `yaml:"replenish_rate" json:"replenishRate"`
	BurstCapacity   int64  `yaml:"burst_capacity" json:"burstCapacity"`
	RequestedTokens int64  `yaml:"requested_tokens" json:"requestedTokens"`
	KeyResolver     string `yaml:"key_resolver" json:"keyResolverName"`
	Namespace       string `yaml:"namespace" json:"namespace"`
}

// RouteRateLimit binds a RateLimitConfig to a route id.
type RouteRateLimit struct {
	RouteID         string `yaml:"route_id"`
	RateLimitConfig `yaml:",inline"`
}

// KeyResolverConfig declares a named key resolver instance. Type is one of
// client-ip, header, route-name, route-path; Header parameterizes the header
// type.
type KeyResolverConfig struct {
	Name   string `yaml:"name"`
	Type   string `yaml:"type"`
	Header string `yaml:"header"`
}

// ClientAccessControlConfig enables the access-control filter and carries the
// static client overrides merged over persisted registry rows.
type ClientAccessControlConfig struct {
	Enabled      bool             `yaml:"enabled"`
	ClientClaims []string         `yaml:"client_claims"`
	Overrides    []ClientOverride `yaml:"overrides"`
}

// ClientOverride is a statically configured client access entry.
type ClientOverride struct {
	ClientID    string   `yaml:"client_id" json:"clientId"`
	Tenant      string   `yaml:"tenant" json:"tenant"`
	Description string   `yaml:"description" json:"description,omitempty"`
	Active      bool     `yaml:"active" json:"active"`
	Allow       []string `yaml:"allow" json:"allow"`
}

// AccessLogConfig controls the access-log filter.
type AccessLogConfig struct {
	Enabled         bool                 `yaml:"enabled"`
	RequestHeaders  HeaderCaptureConfig  `yaml:"request_headers"`
	ResponseHeaders HeaderCaptureConfig  `yaml:"response_headers"`
	ResponseBody    BodyCaptureConfig    `yaml:"response_body"`
}

// HeaderCaptureConfig enables header capture with a case-insensitive skip list.
type HeaderCaptureConfig struct {
	Enabled     bool     `yaml:"enabled"`
	SkipHeaders []string `yaml:"skip_headers"`
}

// BodyCaptureConfig enables error-response body capture.
type BodyCaptureConfig struct {
	Enabled       bool     `yaml:"enabled"`
	SkipForRoutes []string `yaml:"skip_for_routes"`
	MaxSize       int      `yaml:"max_size"`
}

// JWTConfig configures token validation and key sources.
type JWTConfig struct {
	KeySources   []KeySourceConfig          `yaml:"key_sources"`
	UserIDField  string                     `yaml:"user_id_field"`
	HeaderClaims map[string]HeaderClaimRule `yaml:"header_claims"`
}

// KeySourceConfig describes one public-key source.
type KeySourceConfig struct {
	ID              string            `yaml:"id"`
	URL             string            `yaml:"url"`
	Inline          string            `yaml:"inline"`
	Type            string            `yaml:"type"`      // JWKS, PEM-CERT, PEM-PUBKEY, RAW
	AuthType        string            `yaml:"auth_type"` // NONE, BASIC, CLIENT_CREDENTIALS
	Credentials     CredentialsConfig `yaml:"credentials"`
	RefreshInterval time.Duration     `yaml:"refresh_interval"`
}

// CredentialsConfig holds the secrets for authenticated key fetches.
type CredentialsConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	TokenURL string `yaml:"token_url"`
}

// HeaderClaimRule validates a claim against a regex and optionally propagates
// it as a request header.
type HeaderClaimRule struct {
	Regex    string `yaml:"regex"`
	Required bool   `yaml:"required"`
}

// MetricsConfig gates the /actuator endpoints.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// EventsConfig configures the registry-side event publisher and the channel
// both sides share.
type EventsConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Channel       string        `yaml:"channel"`
	DebounceDelay time.Duration `yaml:"debounce_delay"`
}

// LoggingConfig sets the log level.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns a Config populated with defaults; the loader layers
// the YAML document on top.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:           ":8080",
			ReadTimeout:       30 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
			ShutdownGrace:     15 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
		},
		Redis: RedisConfig{
			Addr: "localhost:6379",
		},
		Registry: RegistryConfig{
			URL:     "http://localhost:8081",
			Timeout: 10 * time.Second,
			Retry: RetryConfig{
				MaxAttempts:     3,
				InitialInterval: 500 * time.Millisecond,
				MaxInterval:     5 * time.Second,
			},
			Fallback: FallbackConfig{
				Interval:     30 * time.Second,
				ProbeTimeout: 5 * time.Second,
			},
		},
		Gateway: GatewayConfig{
			RateLimit: RateLimitSettings{
				Defaults: RateLimitConfig{
					ReplenishRate:   10,
					BurstCapacity:   20,
					RequestedTokens: 1,
					KeyResolver:     "client-ip",
				},
				MaxBurstCapacity:   10000,
				MaxReplenishRate:   10000,
				MaxRequestedTokens: 100,
				Namespace:          "default",
				KeyResolvers: []KeyResolverConfig{
					{Name: "client-ip", Type: "client-ip"},
					{Name: "route-name", Type: "route-name"},
					{Name: "route-path", Type: "route-path"},
				},
			},
			ClientAccessControl: ClientAccessControlConfig{
				ClientClaims: []string{"clientId", "client_id", "azp"},
			},
			AccessLog: AccessLogConfig{
				Enabled: true,
				ResponseBody: BodyCaptureConfig{
					MaxSize: 4096,
				},
			},
			JWT: JWTConfig{
				UserIDField: "sub",
			},
		},
		Events: EventsConfig{
			Enabled:       true,
			Channel:       "route-events",
			DebounceDelay: 500 * time.Millisecond,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}
