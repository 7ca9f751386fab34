package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

type Config struct {
	Addr          string        `toml:"addr"`
	DBPath        string        `toml:"db_path"`
	SessionSecret string        `toml:"session_secret"`
	LogLevel      string        `toml:"log_level"`
	ChallengeTTL  time.Duration `toml:"-"`
	StoreTimeout  time.Duration `toml:"-"`
	RateLimits    RateLimits    `toml:"rate_limits"`

	// TOML cannot decode time.Duration directly; these carry the raw
	// strings from the file.
	ChallengeTTLRaw string `toml:"challenge_ttl"`
	StoreTimeoutRaw string `toml:"store_timeout"`
}

// RateLimits overrides the per-window limits of the default policies.
// Zero means keep the default.
type RateLimits struct {
	PostPerWindow    int `toml:"post_per_window"`
	PostPerDay       int `toml:"post_per_day"`
	CommentPerMinute int `toml:"comment_per_minute"`
	MessagePerMinute int `toml:"message_per_minute"`
	VotePerMinute    int `toml:"vote_per_minute"`
	ActivatePerHour  int `toml:"activate_per_hour"`
}

// Load builds the config from defaults, then an optional TOML file named
// by AGORA_CONFIG, then AGORA_* environment variables. Later sources win.
func Load() (Config, error) {
	cfg := Config{
		Addr:         ":8080",
		DBPath:       "agora.db",
		LogLevel:     "info",
		ChallengeTTL: 5 * time.Minute,
		StoreTimeout: 5 * time.Second,
	}

	if path := os.Getenv("AGORA_CONFIG"); path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return Config{}, fmt.Errorf("config file %s: %w", path, err)
		}
		if cfg.ChallengeTTLRaw != "" {
			d, err := time.ParseDuration(cfg.ChallengeTTLRaw)
			if err != nil {
				return Config{}, fmt.Errorf("config challenge_ttl: %w", err)
			}
			cfg.ChallengeTTL = d
		}
		if cfg.StoreTimeoutRaw != "" {
			d, err := time.ParseDuration(cfg.StoreTimeoutRaw)
			if err != nil {
				return Config{}, fmt.Errorf("config store_timeout: %w", err)
			}
			cfg.StoreTimeout = d
		}
	}

	cfg.Addr = envString("AGORA_ADDR", cfg.Addr)
	if cfg.Addr == ":8080" {
		if port := os.Getenv("PORT"); port != "" {
			cfg.Addr = ":" + port
		}
	}
	cfg.DBPath = envString("AGORA_DB", cfg.DBPath)
	cfg.SessionSecret = envString("AGORA_SESSION_SECRET", cfg.SessionSecret)
	cfg.LogLevel = envString("AGORA_LOG_LEVEL", cfg.LogLevel)
	cfg.ChallengeTTL = envDuration("AGORA_CHALLENGE_TTL", cfg.ChallengeTTL)
	cfg.StoreTimeout = envDuration("AGORA_STORE_TIMEOUT", cfg.StoreTimeout)

	cfg.RateLimits.PostPerWindow = envInt("AGORA_RL_POST_PER_WINDOW", cfg.RateLimits.PostPerWindow)
	cfg.RateLimits.PostPerDay = envInt("AGORA_RL_POST_PER_DAY", cfg.RateLimits.PostPerDay)
	cfg.RateLimits.CommentPerMinute = envInt("AGORA_RL_COMMENT_PER_MIN", cfg.RateLimits.CommentPerMinute)
	cfg.RateLimits.MessagePerMinute = envInt("AGORA_RL_MESSAGE_PER_MIN", cfg.RateLimits.MessagePerMinute)
	cfg.RateLimits.VotePerMinute = envInt("AGORA_RL_VOTE_PER_MIN", cfg.RateLimits.VotePerMinute)
	cfg.RateLimits.ActivatePerHour = envInt("AGORA_RL_ACTIVATE_PER_HOUR", cfg.RateLimits.ActivatePerHour)

	return cfg, nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
