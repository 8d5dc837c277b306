// Package config loads environment variables and provides a typed Config used across the engine.
// It applies sensible defaults so the binary can run locally with minimal setup.
// Per-source credentials are validated lazily: use ValidateSource when activating a channel.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"multichat/chat"
)

type Config struct {
	// Twitch (IRC platform)
	TwitchEnabled      bool
	TwitchChannels     []string
	TwitchUsername     string
	TwitchOAuthToken   string
	TwitchClientID     string
	TwitchClientSecret string

	// DGG (WebSocket platform)
	DGGEnabled    bool
	DGGChatURL    string
	DGGAuthToken  string
	DGGCDNBaseURL string

	// Bridged platform relay
	RelayEnabled     bool
	RelayAddr        string
	RelayPollTimeout time.Duration

	// Emote providers
	FFZBaseURL      string
	BTTVBaseURL     string
	SevenTVBaseURL  string
	HelixBaseURL    string
	TwitchIDBaseURL string
	EmoteRefresh    time.Duration

	// Asset cache
	CacheDir          string
	AssetMemoryBudget int64

	// Event bus
	BusCapacity int

	// Reconnection
	ConnectTimeout time.Duration
	BackoffMin     time.Duration
	BackoffMax     time.Duration

	// History
	HistoryDSN  string
	HistoryKeep int
}

// Load reads environment variables and applies defaults. Missing credentials
// do not fail here; channel activation calls ValidateSource and fails only
// that channel.
func Load() (*Config, error) {
	cfg := &Config{}

	cfg.TwitchEnabled = envBool("TWITCH_ENABLED", true)
	cfg.TwitchChannels = splitList(os.Getenv("TWITCH_CHANNELS"))
	cfg.TwitchUsername = os.Getenv("TWITCH_USERNAME")
	cfg.TwitchOAuthToken = os.Getenv("TWITCH_OAUTH_TOKEN")
	cfg.TwitchClientID = os.Getenv("TWITCH_CLIENT_ID")
	cfg.TwitchClientSecret = os.Getenv("TWITCH_CLIENT_SECRET")

	cfg.DGGEnabled = envBool("DGG_ENABLED", false)
	cfg.DGGChatURL = os.Getenv("DGG_CHAT_URL")
	if cfg.DGGChatURL == "" {
		cfg.DGGChatURL = "wss://chat.destiny.gg/ws"
	}
	cfg.DGGAuthToken = os.Getenv("DGG_AUTH_TOKEN")
	cfg.DGGCDNBaseURL = envDefault("DGG_CDN_BASE_URL", "https://cdn.destiny.gg")

	cfg.RelayEnabled = envBool("RELAY_ENABLED", true)
	cfg.RelayAddr = os.Getenv("RELAY_ADDR")
	if cfg.RelayAddr == "" {
		cfg.RelayAddr = "127.0.0.1:36969"
	}
	var err error
	if cfg.RelayPollTimeout, err = envDuration("RELAY_POLL_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}

	cfg.FFZBaseURL = envDefault("FFZ_BASE_URL", "https://api.frankerfacez.com")
	cfg.BTTVBaseURL = envDefault("BTTV_BASE_URL", "https://api.betterttv.net")
	cfg.SevenTVBaseURL = envDefault("SEVENTV_BASE_URL", "https://7tv.io")
	cfg.HelixBaseURL = envDefault("HELIX_BASE_URL", "https://api.twitch.tv/helix")
	cfg.TwitchIDBaseURL = envDefault("TWITCH_ID_BASE_URL", "https://id.twitch.tv")
	if cfg.EmoteRefresh, err = envDuration("EMOTE_REFRESH_INTERVAL", time.Hour); err != nil {
		return nil, err
	}

	cfg.CacheDir = envDefault("CACHE_DIR", "cache")
	cfg.AssetMemoryBudget = envInt64("ASSET_MEMORY_BUDGET", 256<<20)

	cfg.BusCapacity = int(envInt64("BUS_CAPACITY", 512))
	if cfg.BusCapacity <= 0 {
		cfg.BusCapacity = 512
	}

	if cfg.ConnectTimeout, err = envDuration("CONNECT_TIMEOUT", 15*time.Second); err != nil {
		return nil, err
	}
	if cfg.BackoffMin, err = envDuration("BACKOFF_MIN", 3*time.Second); err != nil {
		return nil, err
	}
	if cfg.BackoffMax, err = envDuration("BACKOFF_MAX", time.Minute); err != nil {
		return nil, err
	}

	cfg.HistoryDSN = envDefault("HISTORY_DSN", "file:multichat-history.db")
	cfg.HistoryKeep = int(envInt64("HISTORY_KEEP_PER_CHANNEL", 2000))

	return cfg, nil
}

// ValidateSource checks that a source is enabled and has the credentials it
// needs. Returns a ConfigError otherwise; activation of channels on that
// source must fail without affecting the process.
func (c *Config) ValidateSource(src chat.Source) error {
	switch src {
	case chat.SourceTwitch:
		if !c.TwitchEnabled {
			return &chat.ConfigError{Field: "TWITCH_ENABLED", Err: fmt.Errorf("twitch source disabled")}
		}
		// Anonymous read-only connections are fine; half a credential pair
		// is a configuration mistake.
		if (c.TwitchUsername == "") != (c.TwitchOAuthToken == "") {
			return &chat.ConfigError{Field: "TWITCH_USERNAME/TWITCH_OAUTH_TOKEN", Err: fmt.Errorf("both username and oauth token are required to authenticate")}
		}
	case chat.SourceDGG:
		if !c.DGGEnabled {
			return &chat.ConfigError{Field: "DGG_ENABLED", Err: fmt.Errorf("dgg source disabled")}
		}
	case chat.SourceYouTube:
		if !c.RelayEnabled {
			return &chat.ConfigError{Field: "RELAY_ENABLED", Err: fmt.Errorf("bridged relay disabled")}
		}
	default:
		return &chat.ConfigError{Field: "source", Err: fmt.Errorf("unknown source %q", src)}
	}
	return nil
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := strings.ToLower(os.Getenv(key))
	if v == "" {
		return def
	}
	return v == "1" || v == "true" || v == "yes"
}

func envInt64(key string, def int64) int64 {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
