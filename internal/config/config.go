// Package config loads the service configuration. Layering is
// defaults -> optional TOML file -> environment variables (env wins).
// Required values that are still empty after layering fail Load.
package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Environment string         `toml:"environment"`
	Telegram    TelegramConfig `toml:"telegram"`
	OpenAI      OpenAIConfig   `toml:"openai"`
	Mirror      MirrorConfig   `toml:"mirror"`
	Harvest     HarvestConfig  `toml:"harvest"`
	Schedule    ScheduleConfig `toml:"schedule"`
	Server      ServerConfig   `toml:"server"`
	Database    DatabaseConfig `toml:"database"`
	Observer    ObserverConfig `toml:"observer"`

	// BaseLanguage is the language the summarizer natively emits.
	BaseLanguage string `toml:"base_language"`
}

type TelegramConfig struct {
	BotToken      string `toml:"bot_token"`
	WebhookSecret string `toml:"webhook_secret"`
	AdminChatID   int64  `toml:"admin_chat_id"`
}

type OpenAIConfig struct {
	APIKey      string  `toml:"api_key"`
	Model       string  `toml:"model"`
	APIURL      string  `toml:"api_url"`
	Temperature float64 `toml:"temperature"`
	MaxTokens   int     `toml:"max_tokens"`
	MaxWords    int     `toml:"max_words"`
}

type MirrorConfig struct {
	BaseURL string `toml:"base_url"`
	APIKey  string `toml:"api_key"`
}

type HarvestConfig struct {
	MaxPosts      int    `toml:"max_posts"`
	HoursLookback int    `toml:"hours_lookback"`
	UsernamesFile string `toml:"usernames_file"`
}

type ScheduleConfig struct {
	// Times holds "HH:MM" wall-clock times in the operator's local zone.
	Times []string `toml:"times"`
	// TZOffset is the operator zone's offset from UTC in whole hours.
	TZOffset int `toml:"tz_offset"`
}

type ServerConfig struct {
	Port   int    `toml:"port"`
	APIKey string `toml:"api_key"`
}

type DatabaseConfig struct {
	URL string `toml:"url"`
}

type ObserverConfig struct {
	Enabled bool `toml:"enabled"`
}

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Environment: "development",
		OpenAI: OpenAIConfig{
			Model:       "gpt-4o-mini",
			APIURL:      "https://api.openai.com/v1",
			Temperature: 0.7,
			MaxTokens:   1000,
			MaxWords:    500,
		},
		Harvest: HarvestConfig{
			MaxPosts:      50,
			HoursLookback: 12,
			UsernamesFile: "data/usernames.txt",
		},
		Schedule: ScheduleConfig{
			Times:    []string{"08:00", "20:00"},
			TZOffset: -5,
		},
		Server:       ServerConfig{Port: 8080},
		BaseLanguage: "en",
	}
}

// Load reads config: defaults -> TOML file at path (if given) -> env.
// Returns an error when a required value is missing or a value is invalid.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setString(&cfg.Environment, "ENVIRONMENT")
	setString(&cfg.Telegram.BotToken, "TELEGRAM_BOT_TOKEN")
	setString(&cfg.Telegram.WebhookSecret, "TELEGRAM_WEBHOOK_SECRET")
	setInt64(&cfg.Telegram.AdminChatID, "TELEGRAM_CHAT_ID")
	setString(&cfg.OpenAI.APIKey, "OPENAI_API_KEY")
	setString(&cfg.OpenAI.Model, "OPENAI_MODEL")
	setString(&cfg.OpenAI.APIURL, "OPENAI_API_URL")
	setFloat(&cfg.OpenAI.Temperature, "OPENAI_TEMPERATURE")
	setInt(&cfg.OpenAI.MaxTokens, "SUMMARY_MAX_TOKENS")
	setInt(&cfg.OpenAI.MaxWords, "SUMMARY_MAX_WORDS")
	setString(&cfg.Mirror.BaseURL, "NITTER_INSTANCE")
	setString(&cfg.Mirror.APIKey, "NITTER_API_KEY")
	setInt(&cfg.Harvest.MaxPosts, "MAX_TWEETS")
	setInt(&cfg.Harvest.HoursLookback, "HOURS_LOOKBACK")
	setString(&cfg.Harvest.UsernamesFile, "USERNAMES_FILE")
	setInt(&cfg.Server.Port, "PORT")
	setString(&cfg.Server.APIKey, "API_KEY")
	setString(&cfg.Database.URL, "DATABASE_URL")
	setString(&cfg.BaseLanguage, "BASE_LANGUAGE")

	if v := os.Getenv("SCHEDULE_TIMES"); v != "" {
		var times []string
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				times = append(times, t)
			}
		}
		cfg.Schedule.Times = times
	}
	if v := os.Getenv("SCHEDULE_TZ_OFFSET"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Schedule.TZOffset = n
		}
	}
	if v := os.Getenv("OBSERVER_ENABLED"); v == "true" || v == "1" {
		cfg.Observer.Enabled = true
	}
}

func (c Config) validate() error {
	required := []struct {
		name  string
		value string
	}{
		{"TELEGRAM_BOT_TOKEN", c.Telegram.BotToken},
		{"TELEGRAM_WEBHOOK_SECRET", c.Telegram.WebhookSecret},
		{"OPENAI_API_KEY", c.OpenAI.APIKey},
		{"NITTER_INSTANCE", c.Mirror.BaseURL},
		{"API_KEY", c.Server.APIKey},
		{"DATABASE_URL", c.Database.URL},
	}
	for _, r := range required {
		if r.value == "" {
			return fmt.Errorf("config: %s not set", r.name)
		}
	}
	if c.Telegram.AdminChatID == 0 {
		return fmt.Errorf("config: TELEGRAM_CHAT_ID not set")
	}
	if math.IsNaN(c.OpenAI.Temperature) || math.IsInf(c.OpenAI.Temperature, 0) ||
		c.OpenAI.Temperature < 0 || c.OpenAI.Temperature > 2 {
		return fmt.Errorf("config: OPENAI_TEMPERATURE must be within 0.0-2.0, got %v", c.OpenAI.Temperature)
	}
	if c.Harvest.MaxPosts < 1 {
		return fmt.Errorf("config: MAX_TWEETS must be >= 1, got %d", c.Harvest.MaxPosts)
	}
	if c.Harvest.HoursLookback < 1 {
		return fmt.Errorf("config: HOURS_LOOKBACK must be >= 1, got %d", c.Harvest.HoursLookback)
	}
	if len(c.Schedule.Times) == 0 {
		return fmt.Errorf("config: SCHEDULE_TIMES must list at least one HH:MM time")
	}
	for _, t := range c.Schedule.Times {
		if _, _, err := ParseClock(t); err != nil {
			return err
		}
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("config: PORT out of range: %d", c.Server.Port)
	}
	return nil
}

// ParseClock parses an "HH:MM" wall-clock string.
func ParseClock(s string) (hour, minute int, err error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("config: invalid time %q, expected HH:MM", s)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("config: invalid hour in %q", s)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("config: invalid minute in %q", s)
	}
	return hour, minute, nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}
