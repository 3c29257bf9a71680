package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Share links may not outlive this.
const maxShareTTL = 7 * 24 * time.Hour

const minKeyLength = 32

// Keys used when ENV=development and none are configured. Never valid in
// production; Validate rejects them there.
const (
	devAuthSigningKey  = "chartview-development-auth-signing-key"
	devShareSigningKey = "chartview-development-share-signing-key"
)

type Config struct {
	Port string `mapstructure:"PORT"`
	Env  string `mapstructure:"ENV"`

	StoreBackend string `mapstructure:"STORE_BACKEND"`
	DatabaseURL  string `mapstructure:"DATABASE_URL"`
	DBMaxConns   int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns   int32  `mapstructure:"DB_MIN_CONNS"`

	ConversationBackend string `mapstructure:"CONVERSATION_BACKEND"`
	RedisURL            string `mapstructure:"REDIS_URL"`

	AssistantMode string        `mapstructure:"ASSISTANT_MODE"`
	OpenAIAPIKey  string        `mapstructure:"OPENAI_API_KEY"`
	OpenAIModel   string        `mapstructure:"OPENAI_MODEL"`
	OpenAIBaseURL string        `mapstructure:"OPENAI_BASE_URL"`
	ReplyLatency  time.Duration `mapstructure:"REPLY_LATENCY"`

	HighlightDuration time.Duration `mapstructure:"HIGHLIGHT_DURATION"`

	AuthIssuer      string        `mapstructure:"AUTH_ISSUER"`
	AuthSigningKey  string        `mapstructure:"AUTH_SIGNING_KEY"`
	ShareSigningKey string        `mapstructure:"SHARE_SIGNING_KEY"`
	ShareBaseURL    string        `mapstructure:"SHARE_BASE_URL"`
	ShareTTL        time.Duration `mapstructure:"SHARE_TTL"`

	CORSOrigins     []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS    float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst  int      `mapstructure:"RATE_LIMIT_BURST"`
	BodyLimit       string   `mapstructure:"BODY_LIMIT"`
	UploadBodyLimit string   `mapstructure:"UPLOAD_BODY_LIMIT"`

	// SeedFile overrides the built-in demo chart.
	SeedFile string `mapstructure:"SEED_FILE"`
}

var envKeys = []string{
	"PORT", "ENV",
	"STORE_BACKEND", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"CONVERSATION_BACKEND", "REDIS_URL",
	"ASSISTANT_MODE", "OPENAI_API_KEY", "OPENAI_MODEL", "OPENAI_BASE_URL", "REPLY_LATENCY",
	"HIGHLIGHT_DURATION",
	"AUTH_ISSUER", "AUTH_SIGNING_KEY", "SHARE_SIGNING_KEY", "SHARE_BASE_URL", "SHARE_TTL",
	"CORS_ORIGINS", "RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "BODY_LIMIT", "UPLOAD_BODY_LIMIT",
	"SEED_FILE",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("STORE_BACKEND", "memory")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("CONVERSATION_BACKEND", "memory")
	v.SetDefault("ASSISTANT_MODE", "scripted")
	v.SetDefault("OPENAI_MODEL", "gpt-4o-mini")
	v.SetDefault("REPLY_LATENCY", "1.5s")
	v.SetDefault("HIGHLIGHT_DURATION", "2s")
	v.SetDefault("AUTH_ISSUER", "chartview")
	v.SetDefault("SHARE_BASE_URL", "http://localhost:8000")
	v.SetDefault("SHARE_TTL", "24h")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 20)
	v.SetDefault("RATE_LIMIT_BURST", 40)
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("UPLOAD_BODY_LIMIT", "10M")

	for _, k := range envKeys {
		v.BindEnv(k)
	}

	// .env is optional
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) == 1 && strings.Contains(cfg.CORSOrigins[0], ",") {
		cfg.CORSOrigins = strings.Split(cfg.CORSOrigins[0], ",")
	}
	for i, o := range cfg.CORSOrigins {
		cfg.CORSOrigins[i] = strings.TrimSpace(o)
	}

	if cfg.IsDev() {
		if cfg.AuthSigningKey == "" {
			cfg.AuthSigningKey = devAuthSigningKey
		}
		if cfg.ShareSigningKey == "" {
			cfg.ShareSigningKey = devShareSigningKey
		}
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func (c *Config) UsePostgres() bool { return c.StoreBackend == "postgres" }

func (c *Config) UseRedis() bool { return c.ConversationBackend == "redis" }

// Validate checks the backend combinations and that signing keys are safe
// to run with outside development.
func (c *Config) Validate() error {
	switch c.StoreBackend {
	case "memory":
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_BACKEND is \"postgres\"")
		}
	default:
		return fmt.Errorf("STORE_BACKEND must be \"memory\" or \"postgres\", got %q", c.StoreBackend)
	}
	if c.DBMinConns < 0 || c.DBMaxConns < 0 || (c.DBMaxConns > 0 && c.DBMinConns > c.DBMaxConns) {
		return fmt.Errorf("DB_MIN_CONNS (%d) must be between 0 and DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}

	switch c.ConversationBackend {
	case "memory":
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when CONVERSATION_BACKEND is \"redis\"")
		}
	default:
		return fmt.Errorf("CONVERSATION_BACKEND must be \"memory\" or \"redis\", got %q", c.ConversationBackend)
	}

	switch c.AssistantMode {
	case "scripted":
	case "openai":
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required when ASSISTANT_MODE is \"openai\"")
		}
	default:
		return fmt.Errorf("ASSISTANT_MODE must be \"scripted\" or \"openai\", got %q", c.AssistantMode)
	}

	if c.ReplyLatency < 0 {
		return fmt.Errorf("REPLY_LATENCY must not be negative, got %s", c.ReplyLatency)
	}
	if c.HighlightDuration <= 0 {
		return fmt.Errorf("HIGHLIGHT_DURATION must be positive, got %s", c.HighlightDuration)
	}
	if c.ShareTTL <= 0 || c.ShareTTL > maxShareTTL {
		return fmt.Errorf("SHARE_TTL must be between 0 and %s, got %s", maxShareTTL, c.ShareTTL)
	}
	if c.RateLimitRPS <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS must be positive, got %v", c.RateLimitRPS)
	}
	if c.RateLimitBurst < 1 {
		return fmt.Errorf("RATE_LIMIT_BURST must be at least 1, got %d", c.RateLimitBurst)
	}

	if c.AuthSigningKey == "" || c.ShareSigningKey == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY and SHARE_SIGNING_KEY are required outside development")
	}
	if c.AuthSigningKey == c.ShareSigningKey {
		return fmt.Errorf("SHARE_SIGNING_KEY must differ from AUTH_SIGNING_KEY")
	}
	if !c.IsDev() {
		if c.AuthSigningKey == devAuthSigningKey || c.ShareSigningKey == devShareSigningKey {
			return fmt.Errorf("development signing keys cannot be used with ENV=%q", c.Env)
		}
		if len(c.AuthSigningKey) < minKeyLength || len(c.ShareSigningKey) < minKeyLength {
			return fmt.Errorf("signing keys must be at least %d characters", minKeyLength)
		}
	}
	if c.IsProduction() && !strings.HasPrefix(c.ShareBaseURL, "https://") {
		return fmt.Errorf("SHARE_BASE_URL must use https in production, got %q", c.ShareBaseURL)
	}

	return nil
}
