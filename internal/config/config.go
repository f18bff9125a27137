package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the gateway configuration
type Config struct {
	// Server bind address (host:port)
	ServerAddr string

	// Path to the YAML route table (destination -> target audience)
	RoutesFile string

	// Enable debug logging
	Debug bool

	// Inbound token validation configuration
	OIDC OIDCConfig

	// Token exchange configuration
	Exchange ExchangeConfig

	// Exchanged-token cache configuration
	Cache CacheConfig

	// Resilience parameters for the exchange and forwarding calls
	Resilience ResilienceConfig
}

// OIDCConfig holds the settings used to validate inbound bearer tokens.
// The gateway acts as a resource server: every inbound token must be issued
// by Issuer and carry Audience in its aud claim.
type OIDCConfig struct {
	// Issuer is the identity provider's issuer URL. The provider's JWKS is
	// discovered from this URL and used for signature verification.
	Issuer string

	// Audience is the gateway's own audience identifier. Tokens minted for
	// any other audience are rejected during authentication.
	Audience string

	// TenantClaim names the claim carrying the tenant identifier. Default: "tid"
	TenantClaim string

	// RolesClaim names the claim carrying the caller's role set. Default: "roles"
	RolesClaim string
}

// ExchangeConfig holds the settings for the token-exchange call against the
// identity provider's token endpoint.
type ExchangeConfig struct {
	// TokenURL is the identity provider's token endpoint.
	TokenURL string

	// ClientID and ClientSecret authenticate the gateway itself to the
	// identity provider when performing an exchange.
	ClientID     string
	ClientSecret string
}

// CacheConfig holds the exchanged-token cache settings.
type CacheConfig struct {
	// RefreshBuffer is the safety margin before token expiry. A cached token
	// within this margin of its expiry is treated as a miss and re-exchanged.
	RefreshBuffer time.Duration

	// MaxEntries bounds the cache size (distinct identities x audiences).
	MaxEntries int

	// SweepInterval controls the optional background sweep of expired
	// entries. Zero disables the sweep; lazy eviction on lookup is always on.
	SweepInterval time.Duration
}

// ResilienceConfig holds timeout, retry, and circuit-breaker parameters.
// The exchange call and the forwarded call are wrapped independently.
type ResilienceConfig struct {
	// ExchangeTimeout bounds a single token-exchange attempt, retries included.
	ExchangeTimeout time.Duration

	// ForwardTimeout bounds the proxied call to a destination service.
	ForwardTimeout time.Duration

	// ExchangeMaxRetries is the number of retries (not attempts) for
	// transient exchange failures. Rejections are never retried.
	ExchangeMaxRetries uint64

	// RetryInitialInterval seeds the exponential backoff between retries.
	RetryInitialInterval time.Duration

	// BreakerFailureRatio is the failure ratio within the sampling window
	// that trips the circuit breaker.
	BreakerFailureRatio float64

	// BreakerMinRequests is the minimum number of calls in the sampling
	// window before the ratio is evaluated.
	BreakerMinRequests uint32

	// BreakerInterval is the sampling window for failure counting.
	BreakerInterval time.Duration

	// BreakerCooldown is how long an open breaker short-circuits calls
	// before probing the dependency again.
	BreakerCooldown time.Duration
}

// Load reads configuration from GATEWAY_-prefixed environment variables with
// an optional YAML config file (GATEWAY_CONFIG_FILE) and fallback defaults.
func Load() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("GATEWAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server_addr", "localhost:8080")
	v.SetDefault("routes_file", "routes.yaml")
	v.SetDefault("debug", false)
	v.SetDefault("oidc.tenant_claim", "tid")
	v.SetDefault("oidc.roles_claim", "roles")
	v.SetDefault("cache.refresh_buffer", 300*time.Second)
	v.SetDefault("cache.max_entries", 10000)
	v.SetDefault("cache.sweep_interval", time.Duration(0))
	v.SetDefault("resilience.exchange_timeout", 10*time.Second)
	v.SetDefault("resilience.forward_timeout", 30*time.Second)
	v.SetDefault("resilience.exchange_max_retries", 3)
	v.SetDefault("resilience.retry_initial_interval", 100*time.Millisecond)
	v.SetDefault("resilience.breaker_failure_ratio", 0.5)
	v.SetDefault("resilience.breaker_min_requests", 5)
	v.SetDefault("resilience.breaker_interval", 30*time.Second)
	v.SetDefault("resilience.breaker_cooldown", 15*time.Second)

	if cfgFile := v.GetString("config_file"); cfgFile != "" {
		v.SetConfigFile(cfgFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", cfgFile, err)
		}
	}

	cfg := &Config{
		ServerAddr: v.GetString("server_addr"),
		RoutesFile: v.GetString("routes_file"),
		Debug:      v.GetBool("debug"),
		OIDC: OIDCConfig{
			Issuer:      v.GetString("oidc.issuer"),
			Audience:    v.GetString("oidc.audience"),
			TenantClaim: v.GetString("oidc.tenant_claim"),
			RolesClaim:  v.GetString("oidc.roles_claim"),
		},
		Exchange: ExchangeConfig{
			TokenURL:     v.GetString("exchange.token_url"),
			ClientID:     v.GetString("exchange.client_id"),
			ClientSecret: v.GetString("exchange.client_secret"),
		},
		Cache: CacheConfig{
			RefreshBuffer: v.GetDuration("cache.refresh_buffer"),
			MaxEntries:    v.GetInt("cache.max_entries"),
			SweepInterval: v.GetDuration("cache.sweep_interval"),
		},
		Resilience: ResilienceConfig{
			ExchangeTimeout:      v.GetDuration("resilience.exchange_timeout"),
			ForwardTimeout:       v.GetDuration("resilience.forward_timeout"),
			ExchangeMaxRetries:   v.GetUint64("resilience.exchange_max_retries"),
			RetryInitialInterval: v.GetDuration("resilience.retry_initial_interval"),
			BreakerFailureRatio:  v.GetFloat64("resilience.breaker_failure_ratio"),
			BreakerMinRequests:   uint32(v.GetUint("resilience.breaker_min_requests")),
			BreakerInterval:      v.GetDuration("resilience.breaker_interval"),
			BreakerCooldown:      v.GetDuration("resilience.breaker_cooldown"),
		},
	}

	// Validate required fields. A gateway without an issuer or token endpoint
	// cannot authenticate or exchange anything, so these are startup-fatal.
	if cfg.OIDC.Issuer == "" {
		return nil, fmt.Errorf("GATEWAY_OIDC_ISSUER is required")
	}
	if cfg.OIDC.Audience == "" {
		return nil, fmt.Errorf("GATEWAY_OIDC_AUDIENCE is required")
	}
	if cfg.Exchange.TokenURL == "" {
		return nil, fmt.Errorf("GATEWAY_EXCHANGE_TOKEN_URL is required")
	}
	if cfg.Exchange.ClientID == "" {
		return nil, fmt.Errorf("GATEWAY_EXCHANGE_CLIENT_ID is required")
	}
	if cfg.Exchange.ClientSecret == "" {
		return nil, fmt.Errorf("GATEWAY_EXCHANGE_CLIENT_SECRET is required")
	}
	if cfg.RoutesFile == "" {
		return nil, fmt.Errorf("GATEWAY_ROUTES_FILE is required")
	}
	if cfg.Cache.RefreshBuffer <= 0 {
		return nil, fmt.Errorf("cache refresh buffer must be positive")
	}
	if cfg.Cache.MaxEntries <= 0 {
		return nil, fmt.Errorf("cache max entries must be positive")
	}
	if cfg.Resilience.BreakerFailureRatio <= 0 || cfg.Resilience.BreakerFailureRatio > 1 {
		return nil, fmt.Errorf("breaker failure ratio must be in (0, 1]")
	}

	return cfg, nil
}
