package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port string `mapstructure:"PORT"`
	Env  string `mapstructure:"ENV"`

	DeviceRole string `mapstructure:"DEVICE_ROLE"`
	UserID     string `mapstructure:"USER_ID"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	LocalStore     string `mapstructure:"LOCAL_STORE"`
	LocalStorePath string `mapstructure:"LOCAL_STORE_PATH"`
	RedisURL       string `mapstructure:"REDIS_URL"`
	RedisPrefix    string `mapstructure:"REDIS_PREFIX"`

	TranscribeURL  string        `mapstructure:"TRANSCRIBE_URL"`
	GeneratorURL   string        `mapstructure:"GENERATOR_URL"`
	GatewayAPIKey  string        `mapstructure:"GATEWAY_API_KEY"`
	GatewayTimeout time.Duration `mapstructure:"GATEWAY_TIMEOUT"`

	AudioSource     string `mapstructure:"AUDIO_SOURCE"`
	AudioSampleRate int    `mapstructure:"AUDIO_SAMPLE_RATE"`
	LargeAudioBytes int    `mapstructure:"LARGE_AUDIO_BYTES"`
	MaxAudioBytes   int    `mapstructure:"MAX_AUDIO_BYTES"`
	AudioArchiveDir string `mapstructure:"AUDIO_ARCHIVE_DIR"`
	BodyLimit       string `mapstructure:"BODY_LIMIT"`
	AudioBodyLimit  string `mapstructure:"AUDIO_BODY_LIMIT"`

	DeleteGraceWindow  time.Duration `mapstructure:"DELETE_GRACE_WINDOW"`
	DeleteRecheckDelay time.Duration `mapstructure:"DELETE_RECHECK_DELAY"`
	MirrorMobileDrafts bool          `mapstructure:"MIRROR_MOBILE_DRAFTS"`
	HandoffCacheTTL    time.Duration `mapstructure:"HANDOFF_CACHE_TTL"`

	AuthSigningKey string   `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer     string   `mapstructure:"AUTH_ISSUER"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
}

var keys = []string{
	"PORT", "ENV", "DEVICE_ROLE", "USER_ID",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"LOCAL_STORE", "LOCAL_STORE_PATH", "REDIS_URL", "REDIS_PREFIX",
	"TRANSCRIBE_URL", "GENERATOR_URL", "GATEWAY_API_KEY", "GATEWAY_TIMEOUT",
	"AUDIO_SOURCE", "AUDIO_SAMPLE_RATE", "LARGE_AUDIO_BYTES", "MAX_AUDIO_BYTES", "AUDIO_ARCHIVE_DIR",
	"BODY_LIMIT", "AUDIO_BODY_LIMIT",
	"DELETE_GRACE_WINDOW", "DELETE_RECHECK_DELAY", "MIRROR_MOBILE_DRAFTS", "HANDOFF_CACHE_TTL",
	"AUTH_SIGNING_KEY", "AUTH_ISSUER", "CORS_ORIGINS",
}

// Load reads the environment and an optional .env file in the working
// directory. Environment variables win over the file.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DEVICE_ROLE", "desktop")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 1)
	v.SetDefault("LOCAL_STORE", "sqlite")
	v.SetDefault("LOCAL_STORE_PATH", "data/quicksoap.db")
	v.SetDefault("GATEWAY_TIMEOUT", "5m")
	v.SetDefault("AUDIO_SOURCE", "push")
	v.SetDefault("AUDIO_SAMPLE_RATE", 16000)
	v.SetDefault("LARGE_AUDIO_BYTES", 8<<20)
	v.SetDefault("MAX_AUDIO_BYTES", 64<<20)
	v.SetDefault("BODY_LIMIT", "1M")
	v.SetDefault("AUDIO_BODY_LIMIT", "16M")
	v.SetDefault("DELETE_GRACE_WINDOW", "5m")
	v.SetDefault("DELETE_RECHECK_DELAY", "2s")
	v.SetDefault("HANDOFF_CACHE_TTL", "15s")
	v.SetDefault("AUTH_ISSUER", "quicksoap")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")

	for _, k := range keys {
		v.BindEnv(k)
	}

	// A missing .env is fine.
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
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// UsesMemoryStore reports whether records live in process memory because no
// database is configured.
func (c *Config) UsesMemoryStore() bool {
	return c.DatabaseURL == ""
}

func validURL(name, raw string) error {
	if raw == "" {
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%s is not a valid URL: %q", name, raw)
	}
	return nil
}

// Validate checks that the configuration can start a server.
func (c *Config) Validate() error {
	switch c.DeviceRole {
	case "desktop", "mobile":
	default:
		return fmt.Errorf("DEVICE_ROLE must be \"desktop\" or \"mobile\", got %q", c.DeviceRole)
	}
	if strings.TrimSpace(c.UserID) == "" {
		return fmt.Errorf("USER_ID is required")
	}

	switch c.LocalStore {
	case "sqlite":
		if c.LocalStorePath == "" {
			return fmt.Errorf("LOCAL_STORE_PATH is required for the sqlite local store")
		}
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required for the redis local store")
		}
	default:
		return fmt.Errorf("LOCAL_STORE must be \"sqlite\" or \"redis\", got %q", c.LocalStore)
	}

	switch c.AudioSource {
	case "push", "microphone":
	default:
		return fmt.Errorf("AUDIO_SOURCE must be \"push\" or \"microphone\", got %q", c.AudioSource)
	}
	if c.AudioSampleRate <= 0 {
		return fmt.Errorf("AUDIO_SAMPLE_RATE must be positive")
	}

	for name, raw := range map[string]string{
		"TRANSCRIBE_URL": c.TranscribeURL,
		"GENERATOR_URL":  c.GeneratorURL,
	} {
		if err := validURL(name, raw); err != nil {
			return err
		}
	}
	if c.IsProduction() {
		if c.TranscribeURL == "" || c.GeneratorURL == "" {
			return fmt.Errorf("TRANSCRIBE_URL and GENERATOR_URL are required in production")
		}
		if len(c.AuthSigningKey) < 32 {
			return fmt.Errorf("AUTH_SIGNING_KEY of at least 32 bytes is required in production")
		}
		if c.UsesMemoryStore() {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
	}
	if c.DeleteRecheckDelay >= c.DeleteGraceWindow {
		return fmt.Errorf("DELETE_RECHECK_DELAY (%s) must be shorter than DELETE_GRACE_WINDOW (%s)",
			c.DeleteRecheckDelay, c.DeleteGraceWindow)
	}
	return nil
}
