package config

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func baseViper() *viper.Viper {
	v := viper.New()
	for k, val := range map[string]string{
		"APP_ENV":              "local",
		"DB_HOST":              "localhost",
		"DB_USER":              "postgres",
		"DB_NAME":              "swarm",
		"REDIS_HOST":           "localhost",
		"JWT_SECRET":           "secret",
		"AGENT_WEBHOOK_SECRET": "agent-secret",
	} {
		v.Set(k, val)
	}
	return v
}

func validConfig(env string) Config {
	return Config{
		App:     AppConfig{Env: env, Port: 8080},
		DB:      DBConfig{Host: "localhost", Port: 5432, User: "postgres", Password: "x", Name: "swarm"},
		Redis:   RedisConfig{Host: "localhost", Port: 6379},
		Auth:    AuthConfig{JWTSecret: "secret"},
		Carrier: CarrierConfig{Mode: CarrierLoopback},
		Campaign: CampaignConfig{
			MaxConcurrentCalls: 15, MaxProviders: 15,
			TaskBudget: 5 * time.Minute, Budget: 15 * time.Minute,
			HoldTTL: 3 * time.Minute, BookingLockTTL: time.Minute,
			ReaperInterval: time.Minute, StaleAfter: 5 * time.Minute, Retention: time.Hour, OfferTTL: time.Hour,
			MaxActivePerUser: 3, DialRate: 5,
		},
		Agent:     AgentConfig{ToolTimeout: 10 * time.Second, WebhookSecret: "s", RatePerSecond: 20, Burst: 40},
		Directory: DirectoryConfig{File: "providers.yaml"},
		Worker:    WorkerConfig{Concurrency: 5},
	}
}

func TestLoad_ReportsMissingRequired(t *testing.T) {
	c := Config{}
	if err := c.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestFromViper_AppliesDefaults(t *testing.T) {
	c, err := FromViper(baseViper())
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.App.Port != 8080 || c.DB.Port != 5432 || c.Redis.Port != 6379 {
		t.Fatalf("unexpected ports: %+v %+v %+v", c.App, c.DB, c.Redis)
	}
	if c.Carrier.Mode != CarrierLoopback {
		t.Fatalf("expected loopback carrier outside production, got %q", c.Carrier.Mode)
	}
	cc := c.Campaign
	if cc.MaxConcurrentCalls != 15 || cc.MaxProviders != 15 || cc.MaxActivePerUser != 3 {
		t.Fatalf("unexpected campaign limits: %+v", cc)
	}
	if cc.HoldTTL != 180*time.Second || cc.BookingLockTTL != 60*time.Second || cc.Budget != 15*time.Minute {
		t.Fatalf("unexpected campaign durations: %+v", cc)
	}
	if cc.OfferTTL != time.Hour {
		t.Fatalf("unexpected offer ttl: %s", cc.OfferTTL)
	}
	if cc.RankingGrace != 0 || cc.DialRate != 5 {
		t.Fatalf("unexpected grace or dial rate: %+v", cc)
	}
	if c.Agent.ToolTimeout != 10*time.Second || c.Directory.File != "providers.yaml" || c.Worker.Concurrency != 5 {
		t.Fatalf("unexpected agent/directory/worker: %+v %+v %+v", c.Agent, c.Directory, c.Worker)
	}
	if c.Location() != time.UTC {
		t.Fatalf("expected UTC location")
	}
}

func TestFromViper_ParsesListsAndOverrides(t *testing.T) {
	v := baseViper()
	v.Set("CARRIER_TARGET_PHONES", "+15550000001, ,+15550000002")
	v.Set("CORS_ALLOWED_ORIGINS", "http://localhost:3000")
	v.Set("CAMPAIGN_MAX_CONCURRENT_CALLS", "4")
	v.Set("CAMPAIGN_RANKING_GRACE", "20s")

	c, err := FromViper(v)
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(c.Carrier.TargetPhones) != 2 || c.Carrier.TargetPhones[1] != "+15550000002" {
		t.Fatalf("unexpected target phones: %v", c.Carrier.TargetPhones)
	}
	if len(c.App.CORSOrigins) != 1 {
		t.Fatalf("unexpected cors origins: %v", c.App.CORSOrigins)
	}
	if c.Campaign.MaxConcurrentCalls != 4 || c.Campaign.RankingGrace != 20*time.Second {
		t.Fatalf("overrides not applied: %+v", c.Campaign)
	}
}

func TestFromViper_AggregatesParseErrors(t *testing.T) {
	v := baseViper()
	v.Set("APP_PORT", "eighty")
	v.Set("CAMPAIGN_HOLD_TTL", "3 minutes")

	_, err := FromViper(v)
	if err == nil {
		t.Fatalf("expected parse errors")
	}
	msg := err.Error()
	if !strings.HasPrefix(msg, "config errors:") || !strings.Contains(msg, "APP_PORT") || !strings.Contains(msg, "CAMPAIGN_HOLD_TTL") {
		t.Fatalf("expected both problems in one error, got %q", msg)
	}
}

func TestValidate_ProductionRequiresSSLMode(t *testing.T) {
	c := validConfig("production")
	c.Carrier.Mode = CarrierTwilio
	c.Twilio = TwilioConfig{AccountSID: "AC", AuthToken: "t", FromNumber: "+1", PublicBaseURL: "https://x", StreamURL: "wss://x"}
	c.Auth.JWTIssuer, c.Auth.JWTAudience = "iss", "aud"
	if err := c.Validate(); err == nil || !strings.Contains(err.Error(), "DB_SSLMODE") {
		t.Fatalf("expected error for production without DB_SSLMODE, got %v", err)
	}
}

func TestValidate_LocalDefaultsSSLMode(t *testing.T) {
	c := validConfig("local")
	if err := c.Validate(); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if c.DB.SSLMode != "disable" {
		t.Fatalf("expected sslmode disable default, got %q", c.DB.SSLMode)
	}
	if c.Auth.AccessTokenTTL != 15*time.Minute {
		t.Fatalf("expected default access ttl, got %s", c.Auth.AccessTokenTTL)
	}
}

func TestValidate_CampaignBounds(t *testing.T) {
	c := validConfig("local")
	c.Campaign.MaxConcurrentCalls = 16
	c.Campaign.MaxProviders = 0
	c.Campaign.TaskBudget = 20 * time.Minute
	err := c.Validate()
	if err == nil {
		t.Fatalf("expected bound errors")
	}
	for _, want := range []string{"CAMPAIGN_MAX_CONCURRENT_CALLS", "CAMPAIGN_MAX_PROVIDERS", "CAMPAIGN_TASK_BUDGET"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %s in %q", want, err.Error())
		}
	}
}

func TestValidate_CarrierModes(t *testing.T) {
	c := validConfig("production")
	c.DB.SSLMode = "require"
	c.Auth.JWTIssuer, c.Auth.JWTAudience = "iss", "aud"
	if err := c.Validate(); err == nil || !strings.Contains(err.Error(), "loopback") {
		t.Fatalf("expected loopback to be refused in production, got %v", err)
	}

	c = validConfig("local")
	c.Carrier.Mode = CarrierTwilio
	if err := c.Validate(); err == nil || !strings.Contains(err.Error(), "TWILIO_ACCOUNT_SID") {
		t.Fatalf("expected twilio credentials to be required, got %v", err)
	}

	c = validConfig("local")
	c.Carrier.Mode = "sip"
	if err := c.Validate(); err == nil {
		t.Fatalf("expected unknown carrier mode to be refused")
	}
}
