package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/ils/insight/internal/domain/recommendation"
	"github.com/ils/insight/internal/domain/risk"
)

type Config struct {
	Port           string        `mapstructure:"PORT"`
	Env            string        `mapstructure:"ENV"`
	LogLevel       string        `mapstructure:"LOG_LEVEL"`
	AuthMode       string        `mapstructure:"AUTH_MODE"`
	DatabaseURL    string        `mapstructure:"DATABASE_URL"`
	DBMaxConns     int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns     int32         `mapstructure:"DB_MIN_CONNS"`
	MigrationsDir  string        `mapstructure:"MIGRATIONS_DIR"`
	AuthIssuer     string        `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL    string        `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience   string        `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string        `mapstructure:"AUTH_SIGNING_KEY"`
	DefaultTenant  string        `mapstructure:"DEFAULT_TENANT"`
	CORSOrigins    []string      `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS   float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst int           `mapstructure:"RATE_LIMIT_BURST"`
	RequestTimeout time.Duration `mapstructure:"REQUEST_TIMEOUT"`

	RiskHighThreshold     float64 `mapstructure:"RISK_HIGH_THRESHOLD"`
	RiskCriticalThreshold float64 `mapstructure:"RISK_CRITICAL_THRESHOLD"`
	RiskWeights           string  `mapstructure:"RISK_WEIGHTS"`

	RecStockingSupport     int     `mapstructure:"REC_STOCKING_SUPPORT"`
	RecDestockBelow        int     `mapstructure:"REC_DESTOCK_BELOW"`
	RecTurnaroundHours     float64 `mapstructure:"REC_DEFAULT_TURNAROUND_HOURS"`
	RecErrorThreshold      int     `mapstructure:"REC_ERROR_THRESHOLD"`
	RecBreakageCategories  string  `mapstructure:"REC_BREAKAGE_CATEGORIES"`
	RecCostPerError        float64 `mapstructure:"REC_COST_PER_ERROR"`
	RecMaxDefectRate       float64 `mapstructure:"REC_MAX_DEFECT_RATE"`
	RecCrossSellSupport    int     `mapstructure:"REC_CROSS_SELL_SUPPORT"`
	RecMinMissRatio        float64 `mapstructure:"REC_MIN_MISS_RATIO"`
	RecDefaultAttachMargin float64 `mapstructure:"REC_DEFAULT_ATTACH_MARGIN"`

	BatchEnabled      bool   `mapstructure:"BATCH_ENABLED"`
	BatchSchedule     string `mapstructure:"BATCH_SCHEDULE"`
	BatchTimezone     string `mapstructure:"BATCH_TIMEZONE"`
	BatchWindowMonths int    `mapstructure:"BATCH_WINDOW_MONTHS"`
	BatchConcurrency  int    `mapstructure:"BATCH_CONCURRENCY"`

	KafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	KafkaTopic   string `mapstructure:"KAFKA_TOPIC"`

	WebhookURLs       string        `mapstructure:"WEBHOOK_URLS"`
	WebhookSecret     string        `mapstructure:"WEBHOOK_SECRET"`
	WebhookMaxRetries int           `mapstructure:"WEBHOOK_MAX_RETRIES"`
	WebhookTimeout    time.Duration `mapstructure:"WEBHOOK_TIMEOUT"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL", "AUTH_MODE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"MIGRATIONS_DIR", "AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
	"DEFAULT_TENANT", "CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "REQUEST_TIMEOUT",
	"RISK_HIGH_THRESHOLD", "RISK_CRITICAL_THRESHOLD", "RISK_WEIGHTS",
	"REC_STOCKING_SUPPORT", "REC_DESTOCK_BELOW", "REC_DEFAULT_TURNAROUND_HOURS",
	"REC_ERROR_THRESHOLD", "REC_BREAKAGE_CATEGORIES", "REC_COST_PER_ERROR", "REC_MAX_DEFECT_RATE",
	"REC_CROSS_SELL_SUPPORT", "REC_MIN_MISS_RATIO", "REC_DEFAULT_ATTACH_MARGIN",
	"BATCH_ENABLED", "BATCH_SCHEDULE", "BATCH_TIMEZONE", "BATCH_WINDOW_MONTHS", "BATCH_CONCURRENCY",
	"KAFKA_BROKERS", "KAFKA_TOPIC",
	"WEBHOOK_URLS", "WEBHOOK_SECRET", "WEBHOOK_MAX_RETRIES", "WEBHOOK_TIMEOUT",
}

// Load reads .env (if present) and the environment. It does not validate;
// commands that need a database call Validate.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	rec := recommendation.DefaultConfig()
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("AUTH_MODE", "")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("MIGRATIONS_DIR", "migrations")
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 50)
	v.SetDefault("RATE_LIMIT_BURST", 100)
	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("RISK_HIGH_THRESHOLD", risk.DefaultHighThreshold)
	v.SetDefault("RISK_CRITICAL_THRESHOLD", risk.DefaultCriticalThreshold)
	v.SetDefault("REC_STOCKING_SUPPORT", rec.StockingSupport)
	v.SetDefault("REC_DESTOCK_BELOW", rec.DestockBelow)
	v.SetDefault("REC_DEFAULT_TURNAROUND_HOURS", rec.DefaultTurnaroundHours)
	v.SetDefault("REC_ERROR_THRESHOLD", rec.ErrorThreshold)
	v.SetDefault("REC_BREAKAGE_CATEGORIES", strings.Join(rec.BreakageCategories, ","))
	v.SetDefault("REC_COST_PER_ERROR", rec.DefaultCostPerError.InexactFloat64())
	v.SetDefault("REC_MAX_DEFECT_RATE", rec.MaxDefectRate)
	v.SetDefault("REC_CROSS_SELL_SUPPORT", rec.CrossSellSupport)
	v.SetDefault("REC_MIN_MISS_RATIO", rec.MinMissRatio)
	v.SetDefault("REC_DEFAULT_ATTACH_MARGIN", rec.DefaultAttachMargin.InexactFloat64())
	v.SetDefault("BATCH_ENABLED", true)
	v.SetDefault("BATCH_SCHEDULE", "0 3 * * *")
	v.SetDefault("BATCH_TIMEZONE", "UTC")
	v.SetDefault("BATCH_WINDOW_MONTHS", 12)
	v.SetDefault("BATCH_CONCURRENCY", 4)
	v.SetDefault("KAFKA_TOPIC", "insight.events")
	v.SetDefault("WEBHOOK_MAX_RETRIES", 3)
	v.SetDefault("WEBHOOK_TIMEOUT", "10s")

	// Unmarshal only sees env vars that are bound.
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// A missing .env is fine.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if len(cfg.CORSOrigins) <= 1 {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = splitList(origins)
		}
	}
	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ResolvedAuthMode returns AUTH_MODE, or infers "development" when ENV is
// development and "jwt" otherwise.
func (c *Config) ResolvedAuthMode() string {
	if c.AuthMode != "" {
		return c.AuthMode
	}
	if c.IsDev() {
		return "development"
	}
	return "jwt"
}

// Validate checks what the server and batch commands need to start.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	switch mode := c.ResolvedAuthMode(); mode {
	case "development":
		if c.IsProduction() {
			return fmt.Errorf("AUTH_MODE=development is not allowed in production")
		}
	case "jwt":
		if c.AuthSigningKey == "" && c.AuthJWKSURL == "" && c.AuthIssuer == "" {
			return fmt.Errorf("AUTH_MODE=jwt needs AUTH_SIGNING_KEY, AUTH_JWKS_URL or AUTH_ISSUER")
		}
		if c.IsProduction() && c.AuthSigningKey != "" && len(c.AuthSigningKey) < 32 {
			return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes in production")
		}
	default:
		return fmt.Errorf("AUTH_MODE must be \"development\" or \"jwt\", got %q", mode)
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	if c.BatchConcurrency < 1 {
		return fmt.Errorf("BATCH_CONCURRENCY must be at least 1")
	}
	if _, err := c.BatchLocation(); err != nil {
		return err
	}
	if _, err := c.RiskConfig(); err != nil {
		return err
	}
	if _, err := c.RecommendationConfig(); err != nil {
		return err
	}
	if c.WebhookURLs != "" && c.WebhookSecret == "" {
		return fmt.Errorf("WEBHOOK_SECRET is required when WEBHOOK_URLS is set")
	}
	return nil
}

// WebhookTargets splits WEBHOOK_URLS.
func (c *Config) WebhookTargets() []string {
	return splitList(c.WebhookURLs)
}

func (c *Config) BatchLocation() (*time.Location, error) {
	loc, err := time.LoadLocation(c.BatchTimezone)
	if err != nil {
		return nil, fmt.Errorf("BATCH_TIMEZONE: %w", err)
	}
	return loc, nil
}

// RiskConfig builds the scoring calibration from RISK_*.
func (c *Config) RiskConfig() (risk.Config, error) {
	rc := risk.DefaultConfig()
	rc.HighThreshold = c.RiskHighThreshold
	rc.CriticalThreshold = c.RiskCriticalThreshold
	if strings.TrimSpace(c.RiskWeights) != "" {
		w, err := risk.ParseWeights(c.RiskWeights)
		if err != nil {
			return rc, fmt.Errorf("RISK_WEIGHTS: %w", err)
		}
		rc = rc.WithWeights(w)
		if err := rc.CheckFactors(risk.DefaultFactors()); err != nil {
			return rc, fmt.Errorf("RISK_WEIGHTS: %w", err)
		}
	}
	if err := rc.Validate(); err != nil {
		return rc, err
	}
	return rc, nil
}

// RecommendationConfig builds the synthesizer thresholds from REC_*.
func (c *Config) RecommendationConfig() (recommendation.Config, error) {
	rc := recommendation.DefaultConfig()
	rc.StockingSupport = c.RecStockingSupport
	rc.DestockBelow = c.RecDestockBelow
	rc.DefaultTurnaroundHours = c.RecTurnaroundHours
	rc.ErrorThreshold = c.RecErrorThreshold
	if cats := splitList(c.RecBreakageCategories); len(cats) > 0 {
		rc.BreakageCategories = cats
	}
	rc.DefaultCostPerError = decimal.NewFromFloat(c.RecCostPerError)
	rc.MaxDefectRate = c.RecMaxDefectRate
	rc.CrossSellSupport = c.RecCrossSellSupport
	rc.MinMissRatio = c.RecMinMissRatio
	rc.DefaultAttachMargin = decimal.NewFromFloat(c.RecDefaultAttachMargin)
	if err := rc.Validate(); err != nil {
		return rc, err
	}
	return rc, nil
}
