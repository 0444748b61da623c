package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration wraps time.Duration to support human-readable TOML values.
type Duration struct {
	time.Duration
}

// UnmarshalText parses duration strings such as "5s" or "1h".
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures runtime configuration for the daemon. Values come from an
// optional TOML file and may be overridden through the environment.
type Config struct {
	Listen      string          `toml:"listen"`
	Environment string          `toml:"environment"`
	Database    DatabaseConfig  `toml:"database"`
	Oracle      OracleConfig    `toml:"oracle"`
	Uploads     UploadConfig    `toml:"uploads"`
	Auth        AuthConfig      `toml:"auth"`
	RateLimit   RateLimitConfig `toml:"rate_limit"`
	Telemetry   TelemetryConfig `toml:"telemetry"`
}

// DatabaseConfig tunes the gorm connection pool.
type DatabaseConfig struct {
	DSN             string   `toml:"dsn"`
	MaxOpenConns    int      `toml:"max_open_conns"`
	MaxIdleConns    int      `toml:"max_idle_conns"`
	ConnMaxLifetime Duration `toml:"conn_max_lifetime"`
}

// OracleConfig points at the exchange-rate provider.
type OracleConfig struct {
	BaseURL  string   `toml:"base_url"`
	Timeout  Duration `toml:"timeout"`
	CacheTTL Duration `toml:"cache_ttl"`
}

// UploadConfig bounds receipt uploads.
type UploadConfig struct {
	Dir      string `toml:"dir"`
	MaxBytes int64  `toml:"max_bytes"`
}

// AuthConfig controls bearer-token verification. AllowInsecure switches to
// unverified uid|cid|role tokens and is refused outside the dev environment.
type AuthConfig struct {
	JWTSecret     string `toml:"jwt_secret"`
	AllowInsecure bool   `toml:"allow_insecure"`
}

// RateLimitConfig throttles requests per principal.
type RateLimitConfig struct {
	RPS   float64 `toml:"rps"`
	Burst int     `toml:"burst"`
}

// TelemetryConfig wires the optional OTLP exporters.
type TelemetryConfig struct {
	OTLPEndpoint string `toml:"otlp_endpoint"`
	Insecure     bool   `toml:"insecure"`
}

// Default returns the configuration used when no file and no environment
// overrides are present.
func Default() Config {
	return Config{
		Listen:      ":8080",
		Environment: "dev",
		Database: DatabaseConfig{
			DSN:             "file:expenseflow.db?cache=shared",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: Duration{30 * time.Minute},
		},
		Oracle: OracleConfig{
			BaseURL:  "https://api.exchangerate-api.com/v4",
			Timeout:  Duration{5 * time.Second},
			CacheTTL: Duration{time.Hour},
		},
		Uploads: UploadConfig{
			Dir:      "./uploads",
			MaxBytes: 5 << 20,
		},
		// The default profile is dev, where unsigned uid|cid|role tokens are
		// acceptable. Validate refuses this combination outside dev, so a
		// production deployment must set a JWT secret explicitly.
		Auth: AuthConfig{AllowInsecure: true},
		RateLimit: RateLimitConfig{
			RPS:   20,
			Burst: 40,
		},
		Telemetry: TelemetryConfig{Insecure: true},
	}
}

// Load reads the TOML file at path (missing files fall back to defaults),
// applies environment overrides, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if strings.TrimSpace(path) != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return nil, fmt.Errorf("decode config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat config %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.Listen = getEnvDefault("EXPENSEFLOW_LISTEN", cfg.Listen)
	cfg.Environment = getEnvDefault("EXPENSEFLOW_ENV", cfg.Environment)

	cfg.Database.DSN = getEnvDefault("EXPENSEFLOW_DATABASE_DSN", cfg.Database.DSN)
	cfg.Database.MaxOpenConns = parseIntEnv("EXPENSEFLOW_DATABASE_MAX_OPEN_CONNS", cfg.Database.MaxOpenConns)
	cfg.Database.MaxIdleConns = parseIntEnv("EXPENSEFLOW_DATABASE_MAX_IDLE_CONNS", cfg.Database.MaxIdleConns)
	cfg.Database.ConnMaxLifetime = parseDurationEnv("EXPENSEFLOW_DATABASE_CONN_MAX_LIFETIME", cfg.Database.ConnMaxLifetime)

	cfg.Oracle.BaseURL = getEnvDefault("EXPENSEFLOW_ORACLE_URL", cfg.Oracle.BaseURL)
	cfg.Oracle.Timeout = parseDurationEnv("EXPENSEFLOW_ORACLE_TIMEOUT", cfg.Oracle.Timeout)
	cfg.Oracle.CacheTTL = parseDurationEnv("EXPENSEFLOW_ORACLE_CACHE_TTL", cfg.Oracle.CacheTTL)

	cfg.Uploads.Dir = getEnvDefault("EXPENSEFLOW_UPLOAD_DIR", cfg.Uploads.Dir)
	cfg.Uploads.MaxBytes = parseInt64Env("EXPENSEFLOW_UPLOAD_MAX_BYTES", cfg.Uploads.MaxBytes)

	cfg.Auth.JWTSecret = getEnvDefault("EXPENSEFLOW_JWT_SECRET", cfg.Auth.JWTSecret)
	cfg.Auth.AllowInsecure = parseBoolEnv("EXPENSEFLOW_AUTH_ALLOW_INSECURE", cfg.Auth.AllowInsecure)

	cfg.RateLimit.RPS = parseFloatEnv("EXPENSEFLOW_RATE_LIMIT_RPS", cfg.RateLimit.RPS)
	cfg.RateLimit.Burst = parseIntEnv("EXPENSEFLOW_RATE_LIMIT_BURST", cfg.RateLimit.Burst)

	cfg.Telemetry.OTLPEndpoint = getEnvDefault("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Telemetry.OTLPEndpoint)
	cfg.Telemetry.Insecure = parseBoolEnv("OTEL_EXPORTER_OTLP_INSECURE", cfg.Telemetry.Insecure)
}

// Validate checks structural constraints before the daemon starts.
func (c *Config) Validate() error {
	listen, err := normalizePort(c.Listen)
	if err != nil {
		return err
	}
	c.Listen = listen

	if strings.TrimSpace(c.Environment) == "" {
		return fmt.Errorf("environment must not be empty")
	}
	if strings.TrimSpace(c.Database.DSN) == "" {
		return fmt.Errorf("database.dsn must not be empty")
	}
	if c.Database.MaxOpenConns <= 0 || c.Database.MaxIdleConns < 0 {
		return fmt.Errorf("database pool sizes must be positive")
	}
	if c.Database.ConnMaxLifetime.Duration <= 0 {
		return fmt.Errorf("database.conn_max_lifetime must be positive")
	}
	if strings.TrimSpace(c.Oracle.BaseURL) == "" {
		return fmt.Errorf("oracle.base_url must not be empty")
	}
	if _, err := url.Parse(c.Oracle.BaseURL); err != nil {
		return fmt.Errorf("oracle.base_url %q is not a valid URL: %w", c.Oracle.BaseURL, err)
	}
	if c.Oracle.Timeout.Duration <= 0 {
		return fmt.Errorf("oracle.timeout must be positive")
	}
	if c.Oracle.CacheTTL.Duration <= 0 {
		return fmt.Errorf("oracle.cache_ttl must be positive")
	}
	if strings.TrimSpace(c.Uploads.Dir) == "" {
		return fmt.Errorf("uploads.dir must not be empty")
	}
	if c.Uploads.MaxBytes <= 0 {
		return fmt.Errorf("uploads.max_bytes must be positive")
	}
	if c.RateLimit.RPS <= 0 || c.RateLimit.Burst < 1 {
		return fmt.Errorf("rate_limit values must be positive")
	}
	if c.Auth.AllowInsecure && c.Environment != "dev" {
		return fmt.Errorf("auth.allow_insecure requires environment=dev")
	}
	if !c.Auth.AllowInsecure && strings.TrimSpace(c.Auth.JWTSecret) == "" {
		return fmt.Errorf("auth.jwt_secret is required unless auth.allow_insecure is set")
	}
	return nil
}

func getEnvDefault(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func parseIntEnv(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return value
}

func parseInt64Env(key string, fallback int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return fallback
	}
	return value
}

func parseFloatEnv(key string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return fallback
	}
	return value
}

func parseBoolEnv(key string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return value
}

func parseDurationEnv(key string, fallback Duration) Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return Duration{value}
}

// normalizePort accepts ":8080", "8080", or "host:8080" and returns a
// host:port string suitable for net.Listen.
func normalizePort(listen string) (string, error) {
	listen = strings.TrimSpace(listen)
	if listen == "" {
		return "", fmt.Errorf("listen address must not be empty")
	}
	if !strings.Contains(listen, ":") {
		listen = ":" + listen
	}
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return "", fmt.Errorf("invalid listen address %q: %w", listen, err)
	}
	if _, err := strconv.Atoi(port); err != nil {
		return "", fmt.Errorf("invalid listen port %q", port)
	}
	return net.JoinHostPort(host, port), nil
}
