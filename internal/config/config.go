package config

import (
	"errors"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port          string `yaml:"port"`
		WebhookSecret string `yaml:"webhook_secret"`
		AdminToken    string `yaml:"admin_token"`
		// SweepInterval drives the in-process ticker; empty leaves sweeping to an external cron.
		SweepInterval string `yaml:"sweep_interval"`
	} `yaml:"server"`
	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
		// TTL bounds how long poll mappings outlive an event that was never pruned.
		TTL      string `yaml:"ttl"`
		CacheTTL string `yaml:"cache_ttl"`
	} `yaml:"redis"`
	Postgres struct {
		URL string `yaml:"url"`
	} `yaml:"postgres"`
	Mongo struct {
		URI      string `yaml:"uri"`
		Database string `yaml:"database"`
	} `yaml:"mongo"`
	Telegram struct {
		Token         string  `yaml:"token"`
		BaseURL       string  `yaml:"base_url"`
		RatePerSecond float64 `yaml:"rate_per_second"`
		Burst         int     `yaml:"burst"`
	} `yaml:"telegram"`
	Discord struct {
		Token     string `yaml:"token"`
		ChannelID string `yaml:"channel_id"`
	} `yaml:"discord"`
	Engine        Engine        `yaml:"engine"`
	Notifications Notifications `yaml:"notifications"`
	Entitlements  struct {
		// Open features are available to everyone.
		Open   []string            `yaml:"open"`
		Grants map[string][]string `yaml:"grants"`
	} `yaml:"entitlements"`
}

type Engine struct {
	// Distribution is "source=ratio, ..."; Preset is used when it is empty.
	Distribution      string `yaml:"distribution"`
	Preset            string `yaml:"preset"`
	QuestionTimeLimit string `yaml:"question_time_limit"`
	MaxParticipants   int    `yaml:"max_participants"`
	MaxQuestions      int    `yaml:"max_questions"`
	RecentWindow      string `yaml:"recent_window"`
	MaxReplacements   int    `yaml:"max_replacements"`
	PromptMax         int    `yaml:"prompt_max"`
	OptionMax         int    `yaml:"option_max"`
	SendAttempts      int    `yaml:"send_attempts"`
	SendBackoff       string `yaml:"send_backoff"`
	CallTimeout       string `yaml:"call_timeout"`
	Concurrency       int    `yaml:"concurrency"`
	SummaryTemplate   string `yaml:"summary_template"`
}

type Notifications struct {
	Offsets     []Offset `yaml:"offsets"`
	MaxPerDay   int      `yaml:"max_per_day"`
	MaxAttempts int      `yaml:"max_attempts"`
	BatchSize   int      `yaml:"batch_size"`
}

// Offset is one countdown row, e.g. {type: COUNTDOWN_10, before: 10m, message: "..."}.
type Offset struct {
	Type    string `yaml:"type"`
	Before  string `yaml:"before"`
	Message string `yaml:"message"`
}

// Load reads YAML config from path, then applies .env and environment overrides.
// A missing file is not an error when the environment supplies the settings.
func Load(path string) (Config, error) {
	cfg := Config{}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return cfg, err
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, err
		}
	}

	// .env is optional; real environment variables take precedence over it
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return cfg, err
	}
	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	override(&cfg.Telegram.Token, "TELEGRAM_BOT_TOKEN")
	override(&cfg.Server.WebhookSecret, "TELEGRAM_WEBHOOK_SECRET")
	override(&cfg.Server.AdminToken, "ADMIN_TOKEN")
	override(&cfg.Postgres.URL, "DATABASE_URL")
	override(&cfg.Redis.Addr, "REDIS_ADDR")
	override(&cfg.Redis.Password, "REDIS_PASSWORD")
	override(&cfg.Mongo.URI, "MONGO_URI")
	override(&cfg.Discord.Token, "DISCORD_BOT_TOKEN")
	override(&cfg.Discord.ChannelID, "DISCORD_CHANNEL_ID")
	override(&cfg.Engine.Distribution, "DISTRIBUTION")
	if v := os.Getenv("REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = db
		}
	}
}

func override(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// TTLDuration parses a duration string or returns the fallback if empty.
func TTLDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return fallback
}
