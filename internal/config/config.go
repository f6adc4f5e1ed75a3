package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	HTTPAddr    string `env:"HTTP_ADDR" envDefault:"0.0.0.0:8080"`
	DatabaseURL string `env:"DATABASE_URL"`

	// StateBackend selects where processed ids and cooldowns live: memory, postgres or sqlite.
	StateBackend string `env:"STATE_BACKEND" envDefault:"postgres"`
	// ConversationBackend selects where bridge records live: postgres or sqlite.
	ConversationBackend string        `env:"CONVERSATION_BACKEND" envDefault:"postgres"`
	SQLitePath          string        `env:"SQLITE_PATH" envDefault:"bridge_state.db"`
	DedupTTL            time.Duration `env:"DEDUP_TTL" envDefault:"24h"`

	AICooldown     time.Duration `env:"AI_COOLDOWN" envDefault:"5s"`
	CooldownScope  string        `env:"COOLDOWN_SCOPE" envDefault:"conversation"`
	AdapterTimeout time.Duration `env:"ADAPTER_TIMEOUT" envDefault:"15s"`
	FallbackReply  string        `env:"AI_FALLBACK_REPLY" envDefault:"Sorry, the assistant is unavailable right now. An agent will follow up shortly."`

	Telegram TelegramConfig `envPrefix:"TELEGRAM_"`
	Chatwoot ChatwootConfig `envPrefix:"CHATWOOT_"`
	Dify     DifyConfig     `envPrefix:"DIFY_"`
	OpenAI   OpenAIConfig   `envPrefix:"OPENAI_"`

	// AIProvider picks the AI backend implementation: dify or openai.
	AIProvider string `env:"AI_PROVIDER" envDefault:"dify"`

	AdminJWTSecret string  `env:"ADMIN_JWT_SECRET"`
	WebhookRate    float64 `env:"WEBHOOK_RATE" envDefault:"20"`
	WebhookBurst   int     `env:"WEBHOOK_BURST" envDefault:"40"`
	// CORSAllowedOrigins limits browser access to /api; empty allows any origin.
	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:","`

	Log LogConfig `envPrefix:"LOG_"`
}

type TelegramConfig struct {
	BotTokens []string `env:"BOT_TOKENS" envSeparator:","`
	Mode      string   `env:"MODE" envDefault:"polling"`
	// WebhookURL is the public base of POST /webhooks/telegram/:botId, used in webhook mode.
	WebhookURL string `env:"WEBHOOK_URL"`
	// Rate is messages per second per bot.
	Rate float64 `env:"RATE" envDefault:"25"`
	// RouteAttempts and RetryBackoff retry polled messages, which Telegram never resends.
	RouteAttempts int           `env:"ROUTE_ATTEMPTS" envDefault:"3"`
	RetryBackoff  time.Duration `env:"RETRY_BACKOFF" envDefault:"2s"`
}

type ChatwootConfig struct {
	BaseURL  string  `env:"BASE_URL" envDefault:"https://app.chatwoot.com"`
	APIToken string  `env:"API_TOKEN"`
	Rate     float64 `env:"RATE" envDefault:"10"`
}

type DifyConfig struct {
	BaseURL string `env:"BASE_URL" envDefault:"https://api.dify.ai/v1"`
	// AppKeys maps a Dify app id to its API key, e.g. "app1:key1,app2:key2".
	AppKeys map[string]string `env:"APP_KEYS" envSeparator:"," envKeyValSeparator:":"`
	// CallbackToken is the bearer token workflows send to POST /webhooks/dify.
	CallbackToken string `env:"CALLBACK_TOKEN"`
}

type OpenAIConfig struct {
	APIKey       string `env:"API_KEY"`
	Model        string `env:"MODEL" envDefault:"gpt-4o-mini"`
	SystemPrompt string `env:"SYSTEM_PROMPT"`
}

type LogConfig struct {
	Level  string `env:"LEVEL" envDefault:"info"`
	Format string `env:"FORMAT" envDefault:"text"`
}

const (
	StateMemory   = "memory"
	StatePostgres = "postgres"
	StateSQLite   = "sqlite"

	ScopeConversation = "conversation"
	ScopeMapping      = "mapping"
)

// Load reads an optional .env file and parses the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return Parse()
}

// Parse builds a Config from the current environment without touching .env.
func Parse() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.StateBackend = strings.ToLower(strings.TrimSpace(c.StateBackend))
	c.ConversationBackend = strings.ToLower(strings.TrimSpace(c.ConversationBackend))
	c.CooldownScope = strings.ToLower(strings.TrimSpace(c.CooldownScope))
	c.AIProvider = strings.ToLower(strings.TrimSpace(c.AIProvider))
	c.Telegram.Mode = strings.ToLower(strings.TrimSpace(c.Telegram.Mode))
	c.Chatwoot.BaseURL = strings.TrimRight(c.Chatwoot.BaseURL, "/")
	c.Dify.BaseURL = strings.TrimRight(c.Dify.BaseURL, "/")
}

func (c *Config) Validate() error {
	switch c.StateBackend {
	case StateMemory, StatePostgres, StateSQLite:
	default:
		return fmt.Errorf("STATE_BACKEND must be memory|postgres|sqlite, got %q", c.StateBackend)
	}
	switch c.ConversationBackend {
	case StatePostgres, StateSQLite:
	default:
		return fmt.Errorf("CONVERSATION_BACKEND must be postgres|sqlite, got %q", c.ConversationBackend)
	}
	switch c.CooldownScope {
	case ScopeConversation, ScopeMapping:
	default:
		return fmt.Errorf("COOLDOWN_SCOPE must be conversation|mapping, got %q", c.CooldownScope)
	}
	switch c.AIProvider {
	case "dify", "openai":
	default:
		return fmt.Errorf("AI_PROVIDER must be dify|openai, got %q", c.AIProvider)
	}
	switch c.Telegram.Mode {
	case "polling", "webhook":
	default:
		return fmt.Errorf("TELEGRAM_MODE must be polling|webhook, got %q", c.Telegram.Mode)
	}
	if c.Telegram.Mode == "webhook" && c.Telegram.WebhookURL == "" {
		return fmt.Errorf("TELEGRAM_WEBHOOK_URL is required in webhook mode")
	}
	if c.Telegram.RouteAttempts < 1 {
		return fmt.Errorf("TELEGRAM_ROUTE_ATTEMPTS must be at least 1")
	}
	if c.AICooldown < 0 {
		return fmt.Errorf("AI_COOLDOWN must not be negative")
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is not set")
	}
	return nil
}

// UsesSQLite reports whether any store lives in the embedded database.
func (c *Config) UsesSQLite() bool {
	return c.StateBackend == StateSQLite || c.ConversationBackend == StateSQLite
}

// CooldownPeriod is the global AI reply cooldown.
func (c *Config) CooldownPeriod() time.Duration {
	return c.AICooldown
}
