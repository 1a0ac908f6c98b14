// Package config loads Polar's environment-based configuration.
package config

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/jmcleod/polar/internal/util"
)

// Storage drivers accepted by POLAR_STORAGE.
const (
	StorageMemory   = "memory"
	StorageBolt     = "bbolt"
	StorageSQLite   = "sqlite"
	StoragePostgres = "postgres"
)

const minSecretLen = 32

// Config holds all environment-based configuration.
type Config struct {
	// Environment controls log format and the cookie Secure attribute.
	Environment string `env:"POLAR_ENV" envDefault:"development"`
	ListenAddr  string `env:"POLAR_LISTEN_ADDR" envDefault:":3000"`
	LogLevel    string `env:"POLAR_LOG_LEVEL" envDefault:"info"`

	// JWTSecret signs session and ceremony tokens. Required in production.
	JWTSecret string `env:"JWT_SECRET"`
	JWTIssuer string `env:"JWT_ISSUER" envDefault:"polar"`

	RPName    string   `env:"WEBAUTHN_RP_NAME" envDefault:"Polar Stellar"`
	RPID      string   `env:"WEBAUTHN_RP_ID" envDefault:"localhost"`
	RPOrigins []string `env:"WEBAUTHN_ORIGIN" envSeparator:"," envDefault:"http://localhost:3000"`

	StorageDriver string `env:"POLAR_STORAGE" envDefault:"sqlite"`
	DataDir       string `env:"POLAR_DATA_DIR" envDefault:"./data"`
	PostgresDSN   string `env:"POLAR_POSTGRES_DSN"`

	// RedisURL backs the rate limiter. Empty means in-process counters.
	RedisURL       string   `env:"REDIS_URL"`
	TrustedProxies []string `env:"POLAR_TRUSTED_PROXIES" envSeparator:","`
	GlobalRPS      float64  `env:"POLAR_GLOBAL_RPS" envDefault:"50"`
	GlobalBurst    int      `env:"POLAR_GLOBAL_BURST" envDefault:"100"`

	AllowReset bool `env:"POLAR_ALLOW_RESET" envDefault:"false"`

	// AuditWebhookURL receives every audit event as JSON when set.
	AuditWebhookURL    string `env:"POLAR_AUDIT_WEBHOOK_URL"`
	AuditWebhookHeader string `env:"POLAR_AUDIT_WEBHOOK_HEADER"`

	// Argon2Profile selects a named cost profile and takes precedence over
	// the individual Argon2 settings.
	Argon2Profile   string `env:"POLAR_ARGON2_PROFILE"`
	Argon2MemoryKiB uint32 `env:"POLAR_ARGON2_MEMORY_KIB" envDefault:"65536"`
	Argon2Time      uint32 `env:"POLAR_ARGON2_TIME" envDefault:"3"`
	Argon2Threads   uint8  `env:"POLAR_ARGON2_THREADS" envDefault:"4"`

	// EphemeralSecret is set when no JWT_SECRET was supplied outside
	// production and a random one was generated for this process.
	EphemeralSecret bool
}

// Load reads configuration from environment variables. Files named in
// envFiles (or .env when none are given) are loaded first if present.
func Load(envFiles ...string) (*Config, error) {
	_ = godotenv.Load(envFiles...)

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if cfg.JWTSecret == "" && !cfg.IsProduction() {
		secret, err := util.RandomToken(minSecretLen)
		if err != nil {
			return nil, err
		}
		cfg.JWTSecret = secret
		cfg.EphemeralSecret = true
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Environment != "development" && c.Environment != "production" && c.Environment != "test" {
		return fmt.Errorf("POLAR_ENV must be development, test or production, got %q", c.Environment)
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required in production")
	}
	if len(c.JWTSecret) < minSecretLen {
		return fmt.Errorf("JWT_SECRET must be at least %d bytes", minSecretLen)
	}
	if c.RPID == "" {
		return fmt.Errorf("WEBAUTHN_RP_ID is required")
	}
	if len(c.RPOrigins) == 0 {
		return fmt.Errorf("WEBAUTHN_ORIGIN is required")
	}

	switch c.StorageDriver {
	case StorageMemory, StorageBolt, StorageSQLite:
	case StoragePostgres:
		if c.PostgresDSN == "" {
			return fmt.Errorf("POLAR_POSTGRES_DSN is required when POLAR_STORAGE=postgres")
		}
	default:
		return fmt.Errorf("unknown POLAR_STORAGE %q", c.StorageDriver)
	}

	if c.AuditWebhookHeader != "" && !strings.Contains(c.AuditWebhookHeader, ":") {
		return fmt.Errorf("POLAR_AUDIT_WEBHOOK_HEADER must be in \"Name: Value\" form")
	}
	if _, err := c.TrustedProxyPrefixes(); err != nil {
		return err
	}
	if c.GlobalRPS <= 0 || c.GlobalBurst <= 0 {
		return fmt.Errorf("POLAR_GLOBAL_RPS and POLAR_GLOBAL_BURST must be positive")
	}
	if c.Argon2Profile != "" {
		if _, err := util.Argon2idProfile(c.Argon2Profile); err != nil {
			return fmt.Errorf("POLAR_ARGON2_PROFILE: %w", err)
		}
	}
	if err := util.ValidateArgon2idParams(c.Argon2Params()); err != nil {
		return err
	}
	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// TrustedProxyPrefixes parses TrustedProxies. Bare addresses are treated as
// single-host prefixes.
func (c *Config) TrustedProxyPrefixes() ([]netip.Prefix, error) {
	var out []netip.Prefix
	for _, raw := range c.TrustedProxies {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		if !strings.Contains(raw, "/") {
			addr, err := netip.ParseAddr(raw)
			if err != nil {
				return nil, fmt.Errorf("invalid POLAR_TRUSTED_PROXIES entry %q: %w", raw, err)
			}
			out = append(out, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid POLAR_TRUSTED_PROXIES entry %q: %w", raw, err)
		}
		out = append(out, p.Masked())
	}
	return out, nil
}

// Argon2Params returns the passphrase hashing cost.
func (c *Config) Argon2Params() util.Argon2idParams {
	if c.Argon2Profile != "" {
		if p, err := util.Argon2idProfile(c.Argon2Profile); err == nil {
			return p
		}
	}
	p := util.DefaultArgon2idParams()
	p.MemoryKiB = c.Argon2MemoryKiB
	p.Time = c.Argon2Time
	p.Parallelism = c.Argon2Threads
	return p
}
