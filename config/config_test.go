package config

import (
	"errors"
	"testing"
	"time"

	"multichat/chat"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RelayAddr != "127.0.0.1:36969" {
		t.Errorf("RelayAddr default: %q", cfg.RelayAddr)
	}
	if cfg.RelayPollTimeout != 10*time.Second {
		t.Errorf("RelayPollTimeout default: %v", cfg.RelayPollTimeout)
	}
	if cfg.DGGChatURL != "wss://chat.destiny.gg/ws" {
		t.Errorf("DGGChatURL default: %q", cfg.DGGChatURL)
	}
	if cfg.BackoffMin != 3*time.Second || cfg.BackoffMax != time.Minute {
		t.Errorf("backoff defaults: %v .. %v", cfg.BackoffMin, cfg.BackoffMax)
	}
	if cfg.BusCapacity <= 0 {
		t.Errorf("BusCapacity default: %d", cfg.BusCapacity)
	}
	if cfg.AssetMemoryBudget != 256<<20 {
		t.Errorf("AssetMemoryBudget default: %d", cfg.AssetMemoryBudget)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("TWITCH_CHANNELS", "alpha, beta ,")
	t.Setenv("RELAY_ADDR", "127.0.0.1:4000")
	t.Setenv("EMOTE_REFRESH_INTERVAL", "30m")
	t.Setenv("DGG_ENABLED", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.TwitchChannels) != 2 || cfg.TwitchChannels[0] != "alpha" || cfg.TwitchChannels[1] != "beta" {
		t.Errorf("TwitchChannels: %v", cfg.TwitchChannels)
	}
	if cfg.RelayAddr != "127.0.0.1:4000" {
		t.Errorf("RelayAddr: %q", cfg.RelayAddr)
	}
	if cfg.EmoteRefresh != 30*time.Minute {
		t.Errorf("EmoteRefresh: %v", cfg.EmoteRefresh)
	}
	if !cfg.DGGEnabled {
		t.Error("DGG_ENABLED not honored")
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	t.Setenv("CONNECT_TIMEOUT", "soon")
	if _, err := Load(); err == nil {
		t.Fatal("expected an error for an unparseable duration")
	}
}

func TestValidateSource(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		src     chat.Source
		wantErr bool
	}{
		{
			name:   "twitch anonymous is fine",
			mutate: func(c *Config) { c.TwitchEnabled = true },
			src:    chat.SourceTwitch,
		},
		{
			name: "twitch full credentials are fine",
			mutate: func(c *Config) {
				c.TwitchEnabled = true
				c.TwitchUsername = "bot"
				c.TwitchOAuthToken = "oauth:xyz"
			},
			src: chat.SourceTwitch,
		},
		{
			name: "twitch half a credential pair fails",
			mutate: func(c *Config) {
				c.TwitchEnabled = true
				c.TwitchUsername = "bot"
			},
			src:     chat.SourceTwitch,
			wantErr: true,
		},
		{
			name:    "twitch disabled fails",
			mutate:  func(c *Config) { c.TwitchEnabled = false },
			src:     chat.SourceTwitch,
			wantErr: true,
		},
		{
			name:   "dgg enabled is fine",
			mutate: func(c *Config) { c.DGGEnabled = true },
			src:    chat.SourceDGG,
		},
		{
			name:    "relay disabled fails the bridged source",
			mutate:  func(c *Config) { c.RelayEnabled = false },
			src:     chat.SourceYouTube,
			wantErr: true,
		},
		{
			name:    "unknown source fails",
			mutate:  func(c *Config) {},
			src:     chat.Source("myspace"),
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{RelayEnabled: true}
			tt.mutate(cfg)
			err := cfg.ValidateSource(tt.src)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ValidateSource(%s) = %v, wantErr=%v", tt.src, err, tt.wantErr)
			}
			if err != nil {
				var cerr *chat.ConfigError
				if !errors.As(err, &cerr) {
					t.Fatalf("error type: %T", err)
				}
			}
		})
	}
}
