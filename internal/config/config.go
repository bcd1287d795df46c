package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Redis   RedisConfig
	Ledger  LedgerConfig
	Pricing PricingConfig
	Gateway GatewayConfig
	Auth    AuthConfig
	Agent   AgentConfig
	Server  ServerConfig
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
}

type LedgerConfig struct {
	// Endpoints is the ordered JSON-RPC endpoint pool, comma-separated in env form.
	Endpoints         []string `mapstructure:"endpoints"`
	OperatorKey       string   `mapstructure:"operator_key"`
	ChainID           int64    `mapstructure:"chain_id"`
	TokenSymbol       string   `mapstructure:"token_symbol"`
	TokenDecimals     int      `mapstructure:"token_decimals"`
	MaxAttempts       int      `mapstructure:"max_attempts"`
	ConfirmTimeoutSec int64    `mapstructure:"confirm_timeout_sec"`
	IndexingDelaySec  int64    `mapstructure:"indexing_delay_sec"`
}

type PricingConfig struct {
	DefaultAmount  string            `mapstructure:"default_amount"`
	Recipient      string            `mapstructure:"recipient"`
	Operations     map[string]string `mapstructure:"operations"`
	FreeOperations []string          `mapstructure:"free_operations"`
}

type GatewayConfig struct {
	RequirementTTLSec  int64 `mapstructure:"requirement_ttl_sec"`
	ConversationTTLSec int64 `mapstructure:"conversation_ttl_sec"`
	// AllowSynthesizedRequirements lets proofs that cite no known requestId be
	// verified against the configured default terms. Off by default: an
	// underspecified proof could otherwise pass against a default that happens
	// to match.
	AllowSynthesizedRequirements bool `mapstructure:"allow_synthesized_requirements"`
}

type AuthConfig struct {
	RequireSignature bool `mapstructure:"require_signature"`
}

type AgentConfig struct {
	WorkerURL string `mapstructure:"worker_url"`
	WorkerKey string `mapstructure:"worker_key"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

func Load() (*Config, error) {
	v := viper.New()

	// Defaults
	v.SetDefault("server.port", 8080)
	v.SetDefault("redis.addr", "redis:6379")
	v.SetDefault("ledger.token_symbol", "HBAR")
	v.SetDefault("ledger.token_decimals", 18)
	v.SetDefault("ledger.max_attempts", 3)
	v.SetDefault("ledger.confirm_timeout_sec", 30)
	v.SetDefault("ledger.indexing_delay_sec", 10)
	v.SetDefault("pricing.default_amount", "0.1")
	v.SetDefault("gateway.requirement_ttl_sec", 1800)
	v.SetDefault("gateway.conversation_ttl_sec", 86400)
	v.SetDefault("gateway.allow_synthesized_requirements", false)
	v.SetDefault("auth.require_signature", false)

	// Config file (optional)
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/app")
	_ = v.ReadInConfig()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit env bindings
	bindings := map[string]string{
		"redis.addr":                   "REDIS_ADDR",
		"redis.password":               "REDIS_PASSWORD",
		"ledger.endpoints":             "LEDGER_ENDPOINTS",
		"ledger.operator_key":          "LEDGER_OPERATOR_KEY",
		"ledger.chain_id":              "LEDGER_CHAIN_ID",
		"ledger.token_symbol":          "LEDGER_TOKEN_SYMBOL",
		"ledger.token_decimals":        "LEDGER_TOKEN_DECIMALS",
		"ledger.max_attempts":          "LEDGER_MAX_ATTEMPTS",
		"ledger.confirm_timeout_sec":   "LEDGER_CONFIRM_TIMEOUT_SEC",
		"ledger.indexing_delay_sec":    "LEDGER_INDEXING_DELAY_SEC",
		"pricing.default_amount":       "PRICING_DEFAULT_AMOUNT",
		"pricing.recipient":            "PRICING_RECIPIENT",
		"gateway.requirement_ttl_sec":  "REQUIREMENT_TTL_SEC",
		"gateway.conversation_ttl_sec": "CONVERSATION_TTL_SEC",
		"auth.require_signature":       "REQUIRE_SIGNATURE",
		"agent.worker_url":             "WORKER_URL",
		"agent.worker_key":             "WORKER_KEY",
		"server.port":                  "PORT",
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// LEDGER_ENDPOINTS arrives as a single comma-separated string via env
	if len(cfg.Ledger.Endpoints) == 1 && strings.Contains(cfg.Ledger.Endpoints[0], ",") {
		cfg.Ledger.Endpoints = splitTrim(cfg.Ledger.Endpoints[0])
	}

	return cfg, cfg.validate()
}

func splitTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) validate() error {
	type req struct {
		val  string
		name string
	}
	for _, r := range []req{
		{c.Pricing.Recipient, "PRICING_RECIPIENT"},
		{c.Agent.WorkerURL, "WORKER_URL"},
	} {
		if r.val == "" {
			return fmt.Errorf("required config missing: %s", r.name)
		}
	}
	if len(c.Ledger.Endpoints) == 0 {
		return fmt.Errorf("required config missing: LEDGER_ENDPOINTS")
	}
	if c.Ledger.ChainID == 0 {
		return fmt.Errorf("required config missing: LEDGER_CHAIN_ID")
	}
	return nil
}

// RequirementTTL returns the broker retention window.
func (c *Config) RequirementTTL() time.Duration {
	return time.Duration(c.Gateway.RequirementTTLSec) * time.Second
}

// ConversationTTL returns the conversation cache retention window.
func (c *Config) ConversationTTL() time.Duration {
	return time.Duration(c.Gateway.ConversationTTLSec) * time.Second
}

// PriceFor returns the decimal amount charged for an operation, and whether
// the operation is gated at all.
func (c *Config) PriceFor(operation string) (string, bool) {
	for _, free := range c.Pricing.FreeOperations {
		if free == operation {
			return "", false
		}
	}
	if amt, ok := c.Pricing.Operations[operation]; ok {
		return amt, true
	}
	return c.Pricing.DefaultAmount, true
}
