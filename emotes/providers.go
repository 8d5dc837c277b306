package emotes

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"multichat/chat"
	"multichat/twitchapi"
)

// getJSON fetches a provider list, serving a disk snapshot when one exists
// and force is false. Snapshots keep restarts cheap; Refresh(force=true)
// re-downloads.
func (c *Catalog) getJSON(ctx context.Context, url, snapshot string, force bool, out any) error {
	var path string
	if c.cacheDir != "" && snapshot != "" {
		path = filepath.Join(c.cacheDir, snapshot+".json")
		if !force {
			if raw, err := os.ReadFile(path); err == nil {
				if err := json.Unmarshal(raw, out); err == nil {
					return nil
				}
				// Corrupt snapshot: fall through to a fresh download.
				slog.Debug("discarding corrupt provider snapshot", slog.String("path", path))
			}
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("GET %s: %w", url, err)
	}
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err == nil {
			if err := os.WriteFile(path, raw, 0o644); err != nil {
				slog.Debug("provider snapshot write failed", slog.String("path", path), slog.Any("err", err))
			}
		}
	}
	return nil
}

// FrankerFaceZ -------------------------------------------------------------

type ffzRoomResponse struct {
	Room struct {
		Set int `json:"set"`
	} `json:"room"`
	Sets map[string]struct {
		Emoticons []struct {
			ID   json.Number       `json:"id"`
			Name string            `json:"name"`
			URLs map[string]string `json:"urls"`
		} `json:"emoticons"`
	} `json:"sets"`
}

func (c *Catalog) fetchFFZ(ctx context.Context, roomID string, force bool) ([]Descriptor, error) {
	if roomID == "" {
		return nil, nil
	}
	var body ffzRoomResponse
	url := fmt.Sprintf("%s/v1/room/id/%s", c.ffzBase, roomID)
	if err := c.getJSON(ctx, url, "ffz-channel-"+roomID, force, &body); err != nil {
		return nil, err
	}
	set, ok := body.Sets[fmt.Sprint(body.Room.Set)]
	if !ok {
		return nil, nil
	}
	out := make([]Descriptor, 0, len(set.Emoticons))
	for _, e := range set.Emoticons {
		urls := make(map[Size]string, 3)
		for key, size := range map[string]Size{"1": SizeSmall, "2": SizeMedium, "4": SizeLarge} {
			if u, ok := e.URLs[key]; ok {
				urls[size] = absURL(u)
			}
		}
		// FFZ omits larger sizes for some emotes; 1x always exists.
		if _, ok := urls[SizeMedium]; !ok {
			urls[SizeMedium] = urls[SizeSmall]
		}
		out = append(out, Descriptor{
			Provider: chat.EmoteFFZ,
			ID:       e.ID.String(),
			Name:     e.Name,
			URLs:     urls,
		})
	}
	return out, nil
}

// absURL fixes FFZ's protocol-relative CDN URLs.
func absURL(u string) string {
	if strings.HasPrefix(u, "//") {
		return "https:" + u
	}
	return u
}

// BetterTTV ----------------------------------------------------------------

type bttvEmote struct {
	ID        string `json:"id"`
	Code      string `json:"code"`
	ImageType string `json:"imageType"`
}

func bttvDescriptor(e bttvEmote) Descriptor {
	return Descriptor{
		Provider: chat.EmoteBTTV,
		ID:       e.ID,
		Name:     e.Code,
		Animated: e.ImageType == "gif",
		URLs: map[Size]string{
			SizeSmall:  fmt.Sprintf("https://cdn.betterttv.net/emote/%s/1x", e.ID),
			SizeMedium: fmt.Sprintf("https://cdn.betterttv.net/emote/%s/2x", e.ID),
			SizeLarge:  fmt.Sprintf("https://cdn.betterttv.net/emote/%s/3x", e.ID),
		},
	}
}

func (c *Catalog) fetchBTTVChannel(ctx context.Context, roomID string, force bool) ([]Descriptor, error) {
	if roomID == "" {
		return nil, nil
	}
	var body struct {
		ChannelEmotes []bttvEmote `json:"channelEmotes"`
		SharedEmotes  []bttvEmote `json:"sharedEmotes"`
	}
	url := fmt.Sprintf("%s/3/cached/users/twitch/%s", c.bttvBase, roomID)
	if err := c.getJSON(ctx, url, "bttv-channel-"+roomID, force, &body); err != nil {
		return nil, err
	}
	out := make([]Descriptor, 0, len(body.ChannelEmotes)+len(body.SharedEmotes))
	for _, e := range body.ChannelEmotes {
		out = append(out, bttvDescriptor(e))
	}
	for _, e := range body.SharedEmotes {
		out = append(out, bttvDescriptor(e))
	}
	return out, nil
}

func (c *Catalog) fetchBTTVGlobal(ctx context.Context, force bool) ([]Descriptor, error) {
	var body []bttvEmote
	url := c.bttvBase + "/3/cached/emotes/global"
	if err := c.getJSON(ctx, url, "bttv-global", force, &body); err != nil {
		return nil, err
	}
	out := make([]Descriptor, 0, len(body))
	for _, e := range body {
		out = append(out, bttvDescriptor(e))
	}
	return out, nil
}

// 7TV ------------------------------------------------------------------------

// sevenTVFlagZeroWidth marks an active emote rendered as an overlay on the
// preceding token.
const sevenTVFlagZeroWidth = 1 << 0

type sevenTVEmote struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Flags int    `json:"flags"`
	Data  struct {
		Animated bool `json:"animated"`
		Host     struct {
			URL   string `json:"url"`
			Files []struct {
				Name   string `json:"name"`
				Format string `json:"format"`
			} `json:"files"`
		} `json:"host"`
	} `json:"data"`
}

func sevenTVDescriptor(e sevenTVEmote) Descriptor {
	base := absURL(e.Data.Host.URL)
	urls := make(map[Size]string, 3)
	for _, f := range e.Data.Host.Files {
		// Host files are named 1x.webp, 2x.webp, ... per format.
		if f.Format != "WEBP" && f.Format != "GIF" && f.Format != "PNG" {
			continue
		}
		switch {
		case strings.HasPrefix(f.Name, "1x"):
			urls[SizeSmall] = base + "/" + f.Name
		case strings.HasPrefix(f.Name, "2x"):
			urls[SizeMedium] = base + "/" + f.Name
		case strings.HasPrefix(f.Name, "3x"), strings.HasPrefix(f.Name, "4x"):
			if _, ok := urls[SizeLarge]; !ok {
				urls[SizeLarge] = base + "/" + f.Name
			}
		}
	}
	return Descriptor{
		Provider:  chat.EmoteSevenTV,
		ID:        e.ID,
		Name:      e.Name,
		Animated:  e.Data.Animated,
		ZeroWidth: e.Flags&sevenTVFlagZeroWidth != 0,
		URLs:      urls,
	}
}

func (c *Catalog) fetchSevenTVChannel(ctx context.Context, roomID string, force bool) ([]Descriptor, error) {
	if roomID == "" {
		return nil, nil
	}
	var body struct {
		EmoteSet struct {
			Emotes []sevenTVEmote `json:"emotes"`
		} `json:"emote_set"`
	}
	url := fmt.Sprintf("%s/v3/users/twitch/%s", c.sevenTVBase, roomID)
	if err := c.getJSON(ctx, url, "7tv-channel-"+roomID, force, &body); err != nil {
		return nil, err
	}
	out := make([]Descriptor, 0, len(body.EmoteSet.Emotes))
	for _, e := range body.EmoteSet.Emotes {
		out = append(out, sevenTVDescriptor(e))
	}
	return out, nil
}

func (c *Catalog) fetchSevenTVGlobal(ctx context.Context, force bool) ([]Descriptor, error) {
	var body struct {
		Emotes []sevenTVEmote `json:"emotes"`
	}
	url := c.sevenTVBase + "/v3/emote-sets/global"
	if err := c.getJSON(ctx, url, "7tv-global", force, &body); err != nil {
		return nil, err
	}
	out := make([]Descriptor, 0, len(body.Emotes))
	for _, e := range body.Emotes {
		out = append(out, sevenTVDescriptor(e))
	}
	return out, nil
}

// DGG CDN ----------------------------------------------------------------------

type dggImage struct {
	URL  string `json:"url"`
	Name string `json:"name"`
}

type dggEmote struct {
	Prefix string     `json:"prefix"`
	Image  []dggImage `json:"image"`
}

func (c *Catalog) fetchDGGEmotes(ctx context.Context, force bool) ([]Descriptor, error) {
	var body []dggEmote
	url := c.dggBase + "/emotes/emotes.json"
	if err := c.getJSON(ctx, url, "dgg-emotes", force, &body); err != nil {
		return nil, err
	}
	out := make([]Descriptor, 0, len(body))
	for _, e := range body {
		if len(e.Image) == 0 {
			continue
		}
		// Image names are "<id>.<ext>".
		id, _, _ := strings.Cut(e.Image[0].Name, ".")
		out = append(out, Descriptor{
			Provider: chat.EmoteDGG,
			ID:       id,
			Name:     e.Prefix,
			URLs:     map[Size]string{SizeMedium: e.Image[0].URL},
		})
	}
	return out, nil
}

type dggFlair struct {
	Label    string     `json:"label"`
	Name     string     `json:"name"`
	Hidden   bool       `json:"hidden"`
	Priority int        `json:"priority"`
	Color    string     `json:"color"`
	Image    []dggImage `json:"image"`
}

// fetchDGGFlairs returns badge descriptors keyed by the feature tag carried in
// message frames.
func (c *Catalog) fetchDGGFlairs(ctx context.Context, force bool) (map[string]Descriptor, error) {
	var body []dggFlair
	url := c.dggBase + "/flairs/flairs.json"
	if err := c.getJSON(ctx, url, "dgg-flairs", force, &body); err != nil {
		return nil, err
	}
	out := make(map[string]Descriptor, len(body))
	for _, f := range body {
		d := Descriptor{
			Provider:      chat.EmoteDGG,
			ID:            f.Name,
			Name:          f.Label,
			OverrideColor: f.Color,
			Priority:      f.Priority,
		}
		if len(f.Image) > 0 {
			id, _, _ := strings.Cut(f.Image[0].Name, ".")
			d.ID = id
			d.URLs = map[Size]string{SizeMedium: f.Image[0].URL}
		}
		out[f.Name] = d
	}
	return out, nil
}

// Twitch Helix ---------------------------------------------------------------

// twitchEmoteURL builds a CDN URL from the stable Helix template.
func twitchEmoteURL(id string, animated bool, scale string) string {
	format := "static"
	if animated {
		format = "animated"
	}
	return fmt.Sprintf("https://static-cdn.jtvnw.net/emoticons/v2/%s/%s/light/%s", id, format, scale)
}

func helixDescriptor(e twitchapi.Emote) Descriptor {
	return Descriptor{
		Provider: chat.EmoteTwitch,
		ID:       e.ID,
		Name:     e.Name,
		Animated: e.Animated(),
		URLs: map[Size]string{
			SizeSmall:  twitchEmoteURL(e.ID, e.Animated(), "1.0"),
			SizeMedium: twitchEmoteURL(e.ID, e.Animated(), "2.0"),
			SizeLarge:  twitchEmoteURL(e.ID, e.Animated(), "3.0"),
		},
	}
}

func (c *Catalog) fetchTwitchChannel(ctx context.Context, roomID string) ([]Descriptor, error) {
	if roomID == "" || c.helix == nil || !c.helix.Configured() {
		return nil, nil
	}
	emotes, err := c.helix.ChannelEmotes(ctx, roomID)
	if err != nil {
		return nil, err
	}
	out := make([]Descriptor, 0, len(emotes))
	for _, e := range emotes {
		out = append(out, helixDescriptor(e))
	}
	return out, nil
}
