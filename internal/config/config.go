// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// HTTPAddr is the address the HTTP server listens on (e.g. :8080).
	HTTPAddr string `mapstructure:"HTTP_ADDR"`
	// DatabaseURL is the Postgres DSN; empty until DB is wired.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// JWTPrivateKey is the PEM-encoded private key (RSA or ECDSA) or path to file; used with JWT_PUBLIC_KEY for RS256/ES256.
	JWTPrivateKey string `mapstructure:"JWT_PRIVATE_KEY"`
	// JWTPublicKey is the PEM-encoded public key or path to file; used with JWT_PRIVATE_KEY.
	JWTPublicKey string `mapstructure:"JWT_PUBLIC_KEY"`
	// JWTIssuer is the iss claim (e.g. "storefront-auth").
	JWTIssuer string `mapstructure:"JWT_ISSUER"`
	// JWTAudience is the aud claim (e.g. "storefront-api").
	JWTAudience string `mapstructure:"JWT_AUDIENCE"`
	// JWTAccessTTL is the access token lifetime (e.g. "15m").
	JWTAccessTTL string `mapstructure:"JWT_ACCESS_TTL"`
	// SessionTTL is the session and refresh-token horizon from login (e.g. "336h" = 14d).
	// Every refresh token in a family expires at login time + SessionTTL.
	SessionTTL string `mapstructure:"SESSION_TTL"`
	// BcryptCost is the bcrypt cost factor (4–31); default 12.
	BcryptCost int `mapstructure:"BCRYPT_COST"`
	// RefreshMaxRotations bounds the rotation-chain length of one token family.
	// Once reached, the family is revoked and the client must log in again.
	RefreshMaxRotations int `mapstructure:"REFRESH_MAX_ROTATIONS"`
	// ReuseGraceSeconds is fed to the reuse-response policy: a revoked refresh
	// token presented again within this many seconds of its revocation is
	// classified as a duplicate client call, not a compromise. 0 means strict.
	ReuseGraceSeconds int `mapstructure:"REUSE_GRACE_SECONDS"`
	// BlacklistSweepInterval is how often expired blacklist entries are swept (e.g. "1m").
	BlacklistSweepInterval string `mapstructure:"BLACKLIST_SWEEP_INTERVAL"`
	// ReusePolicyPath optionally points at a Rego file overriding the embedded
	// reuse-response policy. Empty uses the embedded strict policy.
	ReusePolicyPath string `mapstructure:"REUSE_POLICY_PATH"`
	// CORSAllowedOrigins is a comma-separated list of origins allowed to call
	// the HTTP API from a browser. Empty allows none.
	CORSAllowedOrigins string `mapstructure:"CORS_ALLOWED_ORIGINS"`
	// Env is the application environment (e.g. "development", "production").
	Env string `mapstructure:"APP_ENV"`

	// OTLPEndpoint enables OpenTelemetry export when set (e.g. http://localhost:4317).
	OTLPEndpoint string `mapstructure:"OTLP_ENDPOINT"`
	// OTLPInsecure forces plaintext OTLP export even for https endpoints.
	OTLPInsecure bool `mapstructure:"OTLP_INSECURE"`

	// Security events (optional). When Kafka brokers are set, the auth service
	// emits security events (reuse detections, mass invalidations) to Kafka.
	// SecurityKafkaBrokers is a comma-separated list of broker addresses.
	SecurityKafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	// SecurityKafkaTopic is the Kafka topic for security events.
	SecurityKafkaTopic string `mapstructure:"SECURITY_KAFKA_TOPIC"`

	// Worker-only: Loki URL for the security-event worker to push logs (e.g. http://localhost:3100).
	LokiURL string `mapstructure:"LOKI_URL"`
	// KafkaGroupID is the consumer group ID for the security-event worker.
	KafkaGroupID string `mapstructure:"KAFKA_GROUP_ID"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("HTTP_ADDR", ":8080")
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("JWT_ISSUER", "storefront-auth")
	v.SetDefault("JWT_AUDIENCE", "storefront-api")
	v.SetDefault("JWT_ACCESS_TTL", "15m")
	v.SetDefault("SESSION_TTL", "336h") // 14d
	v.SetDefault("BCRYPT_COST", 12)
	v.SetDefault("REFRESH_MAX_ROTATIONS", 96)
	v.SetDefault("REUSE_GRACE_SECONDS", 0)
	v.SetDefault("BLACKLIST_SWEEP_INTERVAL", "1m")
	v.SetDefault("REUSE_POLICY_PATH", "")
	v.SetDefault("CORS_ALLOWED_ORIGINS", "")
	v.SetDefault("APP_ENV", "")
	v.SetDefault("OTLP_ENDPOINT", "")
	v.SetDefault("OTLP_INSECURE", false)
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("SECURITY_KAFKA_TOPIC", "storefront-security-events")
	v.SetDefault("LOKI_URL", "")
	v.SetDefault("KAFKA_GROUP_ID", "storefront-security-worker")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.HTTPAddr == "" {
		return nil, errors.New("config: HTTP_ADDR must be set")
	}

	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = 12
	}
	if cfg.BcryptCost < 4 || cfg.BcryptCost > 31 {
		return nil, errors.New("config: BCRYPT_COST must be between 4 and 31")
	}

	if cfg.RefreshMaxRotations <= 0 {
		return nil, errors.New("config: REFRESH_MAX_ROTATIONS must be positive")
	}
	if cfg.ReuseGraceSeconds < 0 {
		return nil, errors.New("config: REUSE_GRACE_SECONDS must not be negative")
	}

	return &cfg, nil
}

// AccessTTL parses JWTAccessTTL as a time.Duration. Returns 15m if unset or invalid.
func (c *Config) AccessTTL() time.Duration {
	d, err := time.ParseDuration(c.JWTAccessTTL)
	if err != nil || d <= 0 {
		return 15 * time.Minute
	}
	return d
}

// SessionHorizon parses SessionTTL as a time.Duration. Returns 336h if unset or invalid.
func (c *Config) SessionHorizon() time.Duration {
	d, err := time.ParseDuration(c.SessionTTL)
	if err != nil || d <= 0 {
		return 336 * time.Hour
	}
	return d
}

// SweepInterval parses BlacklistSweepInterval as a time.Duration. Returns 1m if unset or invalid.
func (c *Config) SweepInterval() time.Duration {
	d, err := time.ParseDuration(c.BlacklistSweepInterval)
	if err != nil || d <= 0 {
		return time.Minute
	}
	return d
}

// SecurityKafkaBrokersList returns Kafka broker addresses from the comma-separated config.
// Used to decide if security-event emission is enabled (non-empty list) and to create the producer.
func (c *Config) SecurityKafkaBrokersList() []string {
	if c == nil {
		return nil
	}
	return splitCSV(c.SecurityKafkaBrokers)
}

// CORSOrigins returns the allowed CORS origins from the comma-separated config.
func (c *Config) CORSOrigins() []string {
	if c == nil {
		return nil
	}
	return splitCSV(c.CORSAllowedOrigins)
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}
