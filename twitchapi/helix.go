// Package twitchapi contains minimal helpers to interact with Twitch Helix
// emote endpoints using an app access (client credentials) token.
//
// The app token is only used for Helix API calls; IRC chat authenticates
// separately with a user OAuth token.
package twitchapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// Client provides the Helix methods needed by the emote catalog.
type Client struct {
	ClientID   string
	BaseURL    string // e.g. https://api.twitch.tv/helix
	HTTPClient *http.Client

	tokens *clientcredentials.Config
	// src reuses the app token until it expires; without it every API call
	// would POST to the token endpoint first.
	src oauth2.TokenSource
}

// New builds a Helix client with a cached client-credentials token source.
// idBaseURL is the token host (https://id.twitch.tv in production).
func New(clientID, clientSecret, idBaseURL, helixBaseURL string) *Client {
	conf := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     idBaseURL + "/oauth2/token",
	}
	return &Client{
		ClientID: clientID,
		BaseURL:  helixBaseURL,
		tokens:   conf,
		src:      conf.TokenSource(context.Background()),
	}
}

// Configured reports whether the client has credentials to call Helix at all.
func (c *Client) Configured() bool {
	return c != nil && c.ClientID != "" && c.tokens.ClientSecret != ""
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// Emote is one entry of a Helix chat emote response.
type Emote struct {
	ID     string   `json:"id"`
	Name   string   `json:"name"`
	Type   string   `json:"emote_type"`
	Format []string `json:"format"`
	Images struct {
		URL1x string `json:"url_1x"`
		URL2x string `json:"url_2x"`
		URL4x string `json:"url_4x"`
	} `json:"images"`
}

// Animated reports whether the emote has an animated variant.
func (e Emote) Animated() bool {
	for _, f := range e.Format {
		if f == "animated" {
			return true
		}
	}
	return false
}

// ChannelEmotes lists a broadcaster's channel emotes (including follower
// emotes).
func (c *Client) ChannelEmotes(ctx context.Context, broadcasterID string) ([]Emote, error) {
	return c.listEmotes(ctx, "/chat/emotes", "broadcaster_id", broadcasterID)
}

// EmoteSet lists the emotes of one emote set, as advertised by USERSTATE.
func (c *Client) EmoteSet(ctx context.Context, setID string) ([]Emote, error) {
	return c.listEmotes(ctx, "/chat/emotes/set", "emote_set_id", setID)
}

func (c *Client) listEmotes(ctx context.Context, path, param, value string) ([]Emote, error) {
	if value == "" {
		return nil, fmt.Errorf("%s empty", param)
	}
	tok, err := c.src.Token()
	if err != nil {
		return nil, fmt.Errorf("app token: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return nil, err
	}
	q := req.URL.Query()
	q.Set(param, value)
	req.URL.RawQuery = q.Encode()
	req.Header.Set("Client-Id", c.ClientID)
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	resp, err := c.http().Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("helix %s: status %d", path, resp.StatusCode)
	}
	var body struct {
		Data []Emote `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	return body.Data, nil
}
