package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ehr/revleak/pkg/money"
)

type Config struct {
	Port          string   `mapstructure:"PORT"`
	Env           string   `mapstructure:"ENV"`
	DatabaseURL   string   `mapstructure:"DATABASE_URL"`
	DBMaxConns    int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns    int32    `mapstructure:"DB_MIN_CONNS"`
	RedisURL      string   `mapstructure:"REDIS_URL"`
	DefaultTenant string   `mapstructure:"DEFAULT_TENANT"`
	CORSOrigins   []string `mapstructure:"CORS_ORIGINS"`

	// Amounts are given in major units, e.g. "0.50".
	ReconTolerance         string `mapstructure:"RECON_TOLERANCE"`
	ReconTimezone          string `mapstructure:"RECON_TIMEZONE"`
	ReconAttribution       string `mapstructure:"RECON_ATTRIBUTION"`
	ReconCache             string `mapstructure:"RECON_CACHE"`
	ReconMaxSummaryDays    int    `mapstructure:"RECON_MAX_SUMMARY_DAYS"`
	PriceMismatchThreshold string `mapstructure:"PRICE_MISMATCH_THRESHOLD"`
	UnderpricedTolerance   string `mapstructure:"UNDERPRICED_TOLERANCE"`
	UnpaidTolerance        string `mapstructure:"UNPAID_TOLERANCE"`
	CurrencyExponent       int32  `mapstructure:"CURRENCY_EXPONENT"`

	ScanWorkers      int           `mapstructure:"SCAN_WORKERS"`
	ScanLockTTL      time.Duration `mapstructure:"SCAN_LOCK_TTL"`
	ScanScheduleHour int           `mapstructure:"SCAN_SCHEDULE_HOUR"`
	RequestTimeout   time.Duration `mapstructure:"REQUEST_TIMEOUT"`

	RetryMaxAttempts int           `mapstructure:"RETRY_MAX_ATTEMPTS"`
	RetryBaseDelay   time.Duration `mapstructure:"RETRY_BASE_DELAY"`
}

// Amounts are the monetary settings converted to minor units.
type Amounts struct {
	Tolerance     money.Amount
	PriceMismatch money.Amount
	Underpriced   money.Amount
	Unpaid        money.Amount
}

var keys = []string{
	"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL",
	"DEFAULT_TENANT", "CORS_ORIGINS",
	"RECON_TOLERANCE", "RECON_TIMEZONE", "RECON_ATTRIBUTION", "RECON_CACHE", "RECON_MAX_SUMMARY_DAYS",
	"PRICE_MISMATCH_THRESHOLD", "UNDERPRICED_TOLERANCE", "UNPAID_TOLERANCE", "CURRENCY_EXPONENT",
	"SCAN_WORKERS", "SCAN_LOCK_TTL", "SCAN_SCHEDULE_HOUR", "REQUEST_TIMEOUT",
	"RETRY_MAX_ATTEMPTS", "RETRY_BASE_DELAY",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RECON_TOLERANCE", "0")
	v.SetDefault("RECON_TIMEZONE", "UTC")
	v.SetDefault("RECON_ATTRIBUTION", "detected_at")
	v.SetDefault("RECON_CACHE", "postgres")
	v.SetDefault("RECON_MAX_SUMMARY_DAYS", 366)
	v.SetDefault("PRICE_MISMATCH_THRESHOLD", "0")
	v.SetDefault("UNDERPRICED_TOLERANCE", "0")
	v.SetDefault("UNPAID_TOLERANCE", "0")
	v.SetDefault("CURRENCY_EXPONENT", money.DefaultExponent)
	v.SetDefault("SCAN_WORKERS", 0) // 0 -> GOMAXPROCS
	v.SetDefault("SCAN_LOCK_TTL", "30s")
	v.SetDefault("SCAN_SCHEDULE_HOUR", 2)
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("RETRY_MAX_ATTEMPTS", 3)
	v.SetDefault("RETRY_BASE_DELAY", "1s")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Location loads RECON_TIMEZONE.
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.ReconTimezone)
	if err != nil {
		return nil, fmt.Errorf("RECON_TIMEZONE %q: %w", c.ReconTimezone, err)
	}
	return loc, nil
}

// ParseAmounts converts the monetary settings using CURRENCY_EXPONENT.
func (c *Config) ParseAmounts() (Amounts, error) {
	var a Amounts
	fields := []struct {
		key string
		raw string
		dst *money.Amount
	}{
		{"RECON_TOLERANCE", c.ReconTolerance, &a.Tolerance},
		{"PRICE_MISMATCH_THRESHOLD", c.PriceMismatchThreshold, &a.PriceMismatch},
		{"UNDERPRICED_TOLERANCE", c.UnderpricedTolerance, &a.Underpriced},
		{"UNPAID_TOLERANCE", c.UnpaidTolerance, &a.Unpaid},
	}
	for _, f := range fields {
		amt, err := money.Parse(f.raw, c.CurrencyExponent)
		if err != nil {
			return Amounts{}, fmt.Errorf("%s: %w", f.key, err)
		}
		*f.dst = amt
	}
	return a, nil
}

// Validate checks cross-field rules that Load cannot express as defaults.
func (c *Config) Validate() error {
	if c.CurrencyExponent < 0 || c.CurrencyExponent > 4 {
		return fmt.Errorf("CURRENCY_EXPONENT must be between 0 and 4, got %d", c.CurrencyExponent)
	}
	a, err := c.ParseAmounts()
	if err != nil {
		return err
	}
	if a.Tolerance < 0 || a.Underpriced < 0 || a.Unpaid < 0 {
		return fmt.Errorf("tolerances must not be negative")
	}
	if _, err := c.Location(); err != nil {
		return err
	}

	switch c.ReconAttribution {
	case "detected_at", "visit_closed":
	default:
		return fmt.Errorf("RECON_ATTRIBUTION must be \"detected_at\" or \"visit_closed\", got %q", c.ReconAttribution)
	}

	switch c.ReconCache {
	case "postgres", "memory":
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when RECON_CACHE is \"redis\"")
		}
	default:
		return fmt.Errorf("RECON_CACHE must be \"postgres\", \"redis\", or \"memory\", got %q", c.ReconCache)
	}

	if c.ReconMaxSummaryDays <= 0 {
		return fmt.Errorf("RECON_MAX_SUMMARY_DAYS must be positive, got %d", c.ReconMaxSummaryDays)
	}
	if c.ScanScheduleHour < 0 || c.ScanScheduleHour > 23 {
		return fmt.Errorf("SCAN_SCHEDULE_HOUR must be between 0 and 23, got %d", c.ScanScheduleHour)
	}
	if c.ScanWorkers < 0 {
		return fmt.Errorf("SCAN_WORKERS must not be negative, got %d", c.ScanWorkers)
	}
	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("RETRY_MAX_ATTEMPTS must be at least 1, got %d", c.RetryMaxAttempts)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	return nil
}
