package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration required by the API process.
// Values come from env, or from an optional config.yaml using the same keys.
// No business logic should depend on raw environment variables.
type Config struct {
	App       AppConfig
	DB        DBConfig
	Redis     RedisConfig
	Auth      AuthConfig
	Twilio    TwilioConfig
	Carrier   CarrierConfig
	Campaign  CampaignConfig
	Agent     AgentConfig
	Directory DirectoryConfig
	Worker    WorkerConfig
}

type AppConfig struct {
	Env      string
	Port     int
	LogLevel string

	// Timezone interprets offered dates and times, e.g. America/Los_Angeles.
	Timezone    string
	CORSOrigins []string
}

type DBConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string

	// SSLMode is kept explicit for AWS-ready posture.
	// Accepts: disable, require, verify-ca, verify-full
	SSLMode string
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type AuthConfig struct {
	JWTSecret       string
	JWTIssuer       string
	JWTAudience     string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
}

type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	FromNumber string

	// PublicBaseURL is where Twilio reaches our webhooks.
	PublicBaseURL string
	// StreamURL is the agent's media stream endpoint (wss://...).
	StreamURL string
}

const (
	CarrierLoopback = "loopback"
	CarrierTwilio   = "twilio"
)

type CarrierConfig struct {
	Mode string
	// TargetPhones enables mock-human mode: every call is routed round-robin
	// to these numbers instead of the provider's.
	TargetPhones []string
}

type CampaignConfig struct {
	MaxConcurrentCalls int
	MaxProviders       int
	TaskBudget         time.Duration
	Budget             time.Duration
	RankingGrace       time.Duration
	HoldTTL            time.Duration
	BookingLockTTL     time.Duration
	ReaperInterval     time.Duration
	StaleAfter         time.Duration
	Retention          time.Duration
	// OfferTTL bounds how long ranked offers wait for the user.
	OfferTTL         time.Duration
	MaxActivePerUser int
	// DialRate is outbound calls per second across the process.
	DialRate float64
}

type AgentConfig struct {
	ToolTimeout   time.Duration
	WebhookSecret string
	// RatePerSecond and Burst bound tool webhook calls per client IP.
	RatePerSecond float64
	Burst         int
}

type DirectoryConfig struct {
	File string
}

type WorkerConfig struct {
	Concurrency int
}

// swarm bound shared by MaxConcurrentCalls and MaxProviders.
const maxSwarm = 15

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_PORT", 8080)
	v.SetDefault("LOG_LEVEL", "")
	v.SetDefault("APP_TIMEZONE", "UTC")
	v.SetDefault("CORS_ALLOWED_ORIGINS", "")

	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("REDIS_PORT", 6379)
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("CARRIER_MODE", "")
	v.SetDefault("CARRIER_TARGET_PHONES", "")

	v.SetDefault("CAMPAIGN_MAX_CONCURRENT_CALLS", 15)
	v.SetDefault("CAMPAIGN_MAX_PROVIDERS", 15)
	v.SetDefault("CAMPAIGN_TASK_BUDGET", "5m")
	v.SetDefault("CAMPAIGN_BUDGET", "15m")
	v.SetDefault("CAMPAIGN_RANKING_GRACE", "0s")
	v.SetDefault("CAMPAIGN_HOLD_TTL", "180s")
	v.SetDefault("CAMPAIGN_BOOKING_LOCK_TTL", "60s")
	v.SetDefault("CAMPAIGN_REAPER_INTERVAL", "60s")
	v.SetDefault("CAMPAIGN_STALE_AFTER", "5m")
	v.SetDefault("CAMPAIGN_RETENTION", "1h")
	v.SetDefault("CAMPAIGN_OFFER_TTL", "1h")
	v.SetDefault("CAMPAIGN_MAX_ACTIVE_PER_USER", 3)
	v.SetDefault("CAMPAIGN_DIAL_RATE", 5)

	v.SetDefault("AGENT_TOOL_TIMEOUT", "10s")
	v.SetDefault("AGENT_RATE_PER_SECOND", 20)
	v.SetDefault("AGENT_RATE_BURST", 40)

	v.SetDefault("DIRECTORY_FILE", "providers.yaml")
	v.SetDefault("WORKER_CONCURRENCY", 5)
}

// Load reads env and an optional config.yaml from . or ./config.
func Load() (Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}
	return FromViper(v)
}

// FromViper builds and validates a Config from an already-populated viper.
// Ints, floats and durations are parsed strictly; every parse problem is
// reported together.
func FromViper(v *viper.Viper) (Config, error) {
	setDefaults(v)
	p := parser{v: v}
	c := Config{}

	c.App.Env = p.str("APP_ENV")
	c.App.Port = p.integer("APP_PORT")
	c.App.LogLevel = p.str("LOG_LEVEL")
	c.App.Timezone = p.str("APP_TIMEZONE")
	c.App.CORSOrigins = p.list("CORS_ALLOWED_ORIGINS")

	c.DB.Host = p.str("DB_HOST")
	c.DB.Port = p.integer("DB_PORT")
	c.DB.User = p.str("DB_USER")
	c.DB.Password = v.GetString("DB_PASSWORD")
	c.DB.Name = p.str("DB_NAME")
	c.DB.SSLMode = p.str("DB_SSLMODE")

	c.Redis.Host = p.str("REDIS_HOST")
	c.Redis.Port = p.integer("REDIS_PORT")
	c.Redis.Password = v.GetString("REDIS_PASSWORD")
	c.Redis.DB = p.integer("REDIS_DB")

	c.Auth.JWTSecret = v.GetString("JWT_SECRET")
	c.Auth.JWTIssuer = p.str("JWT_ISSUER")
	c.Auth.JWTAudience = p.str("JWT_AUDIENCE")
	// Optional; defaults applied in Validate() based on env.
	c.Auth.AccessTokenTTL = p.duration("JWT_ACCESS_TTL")
	c.Auth.RefreshTokenTTL = p.duration("JWT_REFRESH_TTL")

	c.Twilio.AccountSID = p.str("TWILIO_ACCOUNT_SID")
	c.Twilio.AuthToken = v.GetString("TWILIO_AUTH_TOKEN")
	c.Twilio.FromNumber = p.str("TWILIO_FROM_NUMBER")
	c.Twilio.PublicBaseURL = p.str("PUBLIC_BASE_URL")
	c.Twilio.StreamURL = p.str("AGENT_STREAM_URL")

	c.Carrier.Mode = strings.ToLower(p.str("CARRIER_MODE"))
	c.Carrier.TargetPhones = p.list("CARRIER_TARGET_PHONES")

	c.Campaign.MaxConcurrentCalls = p.integer("CAMPAIGN_MAX_CONCURRENT_CALLS")
	c.Campaign.MaxProviders = p.integer("CAMPAIGN_MAX_PROVIDERS")
	c.Campaign.TaskBudget = p.duration("CAMPAIGN_TASK_BUDGET")
	c.Campaign.Budget = p.duration("CAMPAIGN_BUDGET")
	c.Campaign.RankingGrace = p.duration("CAMPAIGN_RANKING_GRACE")
	c.Campaign.HoldTTL = p.duration("CAMPAIGN_HOLD_TTL")
	c.Campaign.BookingLockTTL = p.duration("CAMPAIGN_BOOKING_LOCK_TTL")
	c.Campaign.ReaperInterval = p.duration("CAMPAIGN_REAPER_INTERVAL")
	c.Campaign.StaleAfter = p.duration("CAMPAIGN_STALE_AFTER")
	c.Campaign.Retention = p.duration("CAMPAIGN_RETENTION")
	c.Campaign.OfferTTL = p.duration("CAMPAIGN_OFFER_TTL")
	c.Campaign.MaxActivePerUser = p.integer("CAMPAIGN_MAX_ACTIVE_PER_USER")
	c.Campaign.DialRate = p.float("CAMPAIGN_DIAL_RATE")

	c.Agent.ToolTimeout = p.duration("AGENT_TOOL_TIMEOUT")
	c.Agent.WebhookSecret = v.GetString("AGENT_WEBHOOK_SECRET")
	c.Agent.RatePerSecond = p.float("AGENT_RATE_PER_SECOND")
	c.Agent.Burst = p.integer("AGENT_RATE_BURST")

	c.Directory.File = p.str("DIRECTORY_FILE")
	c.Worker.Concurrency = p.integer("WORKER_CONCURRENCY")

	if err := joinErrors(p.errs); err != nil {
		return Config{}, err
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks every section and fills env-dependent defaults in place.
func (c *Config) Validate() error {
	var errs []error

	if c.App.Env == "" {
		errs = append(errs, errors.New("APP_ENV is required"))
	} else if !isValidEnv(c.App.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.App.Env))
	}
	if c.App.Port <= 0 || c.App.Port > 65535 {
		errs = append(errs, fmt.Errorf("APP_PORT must be a valid port, got %d", c.App.Port))
	}
	if c.App.Timezone == "" {
		c.App.Timezone = "UTC"
	}
	if _, err := time.LoadLocation(c.App.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("APP_TIMEZONE is not a known zone, got %q", c.App.Timezone))
	}

	if c.DB.Host == "" {
		errs = append(errs, errors.New("DB_HOST is required"))
	}
	if c.DB.Port <= 0 || c.DB.Port > 65535 {
		errs = append(errs, fmt.Errorf("DB_PORT must be a valid port, got %d", c.DB.Port))
	}
	if c.DB.User == "" {
		errs = append(errs, errors.New("DB_USER is required"))
	}
	if c.DB.Name == "" {
		errs = append(errs, errors.New("DB_NAME is required"))
	}
	if strings.TrimSpace(c.DB.SSLMode) == "" {
		if c.IsProduction() {
			errs = append(errs, errors.New("DB_SSLMODE is required in production"))
		} else {
			// Local-friendly default; production must be explicit.
			c.DB.SSLMode = "disable"
		}
	}
	if c.DB.SSLMode != "" && !isValidSSLMode(c.DB.SSLMode) {
		errs = append(errs, fmt.Errorf("DB_SSLMODE must be one of disable, require, verify-ca, verify-full, got %q", c.DB.SSLMode))
	}

	if c.Redis.Host == "" {
		errs = append(errs, errors.New("REDIS_HOST is required"))
	}
	if c.Redis.Port <= 0 || c.Redis.Port > 65535 {
		errs = append(errs, fmt.Errorf("REDIS_PORT must be a valid port, got %d", c.Redis.Port))
	}
	if c.Redis.DB < 0 {
		errs = append(errs, fmt.Errorf("REDIS_DB must not be negative, got %d", c.Redis.DB))
	}

	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.IsProduction() {
		if c.Auth.JWTIssuer == "" {
			errs = append(errs, errors.New("JWT_ISSUER is required in production"))
		}
		if c.Auth.JWTAudience == "" {
			errs = append(errs, errors.New("JWT_AUDIENCE is required in production"))
		}
	}
	if c.Auth.AccessTokenTTL <= 0 {
		c.Auth.AccessTokenTTL = 15 * time.Minute
	}
	if c.Auth.RefreshTokenTTL <= 0 {
		c.Auth.RefreshTokenTTL = 30 * 24 * time.Hour
	}
	if c.Auth.RefreshTokenTTL <= c.Auth.AccessTokenTTL {
		errs = append(errs, errors.New("JWT_REFRESH_TTL must be greater than JWT_ACCESS_TTL"))
	}

	if c.Carrier.Mode == "" {
		if c.IsProduction() {
			c.Carrier.Mode = CarrierTwilio
		} else {
			c.Carrier.Mode = CarrierLoopback
		}
	}
	switch c.Carrier.Mode {
	case CarrierLoopback:
		if c.IsProduction() {
			errs = append(errs, errors.New("CARRIER_MODE loopback is not allowed in production"))
		}
	case CarrierTwilio:
		if c.Twilio.AccountSID == "" || c.Twilio.AuthToken == "" || c.Twilio.FromNumber == "" {
			errs = append(errs, errors.New("TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER are required for CARRIER_MODE twilio"))
		}
		if c.Twilio.PublicBaseURL == "" {
			errs = append(errs, errors.New("PUBLIC_BASE_URL is required for CARRIER_MODE twilio"))
		}
		if c.Twilio.StreamURL == "" {
			errs = append(errs, errors.New("AGENT_STREAM_URL is required for CARRIER_MODE twilio"))
		}
	default:
		errs = append(errs, fmt.Errorf("CARRIER_MODE must be one of loopback, twilio, got %q", c.Carrier.Mode))
	}

	cc := c.Campaign
	if cc.MaxConcurrentCalls < 1 || cc.MaxConcurrentCalls > maxSwarm {
		errs = append(errs, fmt.Errorf("CAMPAIGN_MAX_CONCURRENT_CALLS must be 1..%d, got %d", maxSwarm, cc.MaxConcurrentCalls))
	}
	if cc.MaxProviders < 1 || cc.MaxProviders > maxSwarm {
		errs = append(errs, fmt.Errorf("CAMPAIGN_MAX_PROVIDERS must be 1..%d, got %d", maxSwarm, cc.MaxProviders))
	}
	for _, d := range []struct {
		key string
		val time.Duration
	}{
		{"CAMPAIGN_TASK_BUDGET", cc.TaskBudget},
		{"CAMPAIGN_BUDGET", cc.Budget},
		{"CAMPAIGN_HOLD_TTL", cc.HoldTTL},
		{"CAMPAIGN_BOOKING_LOCK_TTL", cc.BookingLockTTL},
		{"CAMPAIGN_REAPER_INTERVAL", cc.ReaperInterval},
		{"CAMPAIGN_STALE_AFTER", cc.StaleAfter},
		{"CAMPAIGN_RETENTION", cc.Retention},
		{"CAMPAIGN_OFFER_TTL", cc.OfferTTL},
		{"AGENT_TOOL_TIMEOUT", c.Agent.ToolTimeout},
	} {
		if d.val <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", d.key, d.val))
		}
	}
	if cc.RankingGrace < 0 {
		errs = append(errs, fmt.Errorf("CAMPAIGN_RANKING_GRACE must not be negative, got %s", cc.RankingGrace))
	}
	if cc.TaskBudget > cc.Budget && cc.Budget > 0 {
		errs = append(errs, errors.New("CAMPAIGN_TASK_BUDGET must not exceed CAMPAIGN_BUDGET"))
	}
	if cc.MaxActivePerUser < 1 {
		errs = append(errs, fmt.Errorf("CAMPAIGN_MAX_ACTIVE_PER_USER must be at least 1, got %d", cc.MaxActivePerUser))
	}
	if cc.DialRate <= 0 {
		errs = append(errs, fmt.Errorf("CAMPAIGN_DIAL_RATE must be positive, got %v", cc.DialRate))
	}

	if c.Agent.WebhookSecret == "" {
		errs = append(errs, errors.New("AGENT_WEBHOOK_SECRET is required"))
	}
	if c.Agent.RatePerSecond <= 0 || c.Agent.Burst < 1 {
		errs = append(errs, errors.New("AGENT_RATE_PER_SECOND and AGENT_RATE_BURST must be positive"))
	}

	if c.Directory.File == "" {
		errs = append(errs, errors.New("DIRECTORY_FILE is required"))
	}
	if c.Worker.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("WORKER_CONCURRENCY must be at least 1, got %d", c.Worker.Concurrency))
	}

	return joinErrors(errs)
}

func (c Config) IsProduction() bool {
	return c.App.Env == "production"
}

func (c Config) HTTPAddr() string {
	return fmt.Sprintf(":%d", c.App.Port)
}

func (c Config) PostgresDSN() string {
	// Avoid logging this string; it contains secrets.
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DB.Host,
		c.DB.Port,
		c.DB.User,
		c.DB.Password,
		c.DB.Name,
		c.DB.SSLMode,
	)
}

func (c Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// Location is the campaign time zone. Validate has already checked the name.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.App.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

type parser struct {
	v    *viper.Viper
	errs []error
}

func (p *parser) str(key string) string {
	return strings.TrimSpace(p.v.GetString(key))
}

func (p *parser) integer(key string) int {
	raw := p.str(key)
	if raw == "" {
		p.errs = append(p.errs, fmt.Errorf("%s is required", key))
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s must be an integer, got %q", key, raw))
		return 0
	}
	return n
}

func (p *parser) float(key string) float64 {
	raw := p.str(key)
	if raw == "" {
		p.errs = append(p.errs, fmt.Errorf("%s is required", key))
		return 0
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s must be a number, got %q", key, raw))
		return 0
	}
	return f
}

// duration returns 0 for an empty value.
func (p *parser) duration(key string) time.Duration {
	raw := p.str(key)
	if raw == "" {
		return 0
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s must be a duration like 30s or 5m, got %q", key, raw))
		return 0
	}
	return d
}

// list splits a comma-separated value, dropping blanks.
func (p *parser) list(key string) []string {
	var out []string
	for _, s := range strings.Split(p.str(key), ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func isValidEnv(v string) bool {
	switch v {
	case "local", "dev", "staging", "production":
		return true
	default:
		return false
	}
}

func isValidSSLMode(v string) bool {
	switch v {
	case "disable", "require", "verify-ca", "verify-full":
		return true
	default:
		return false
	}
}

func joinErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	if len(errs) == 1 {
		return errs[0]
	}
	var b strings.Builder
	b.WriteString("config errors:\n")
	for _, e := range errs {
		b.WriteString("- ")
		b.WriteString(e.Error())
		b.WriteString("\n")
	}
	return errors.New(strings.TrimSpace(b.String()))
}
