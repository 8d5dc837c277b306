package emotes

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"multichat/chat"
	"multichat/telemetry"
	"multichat/twitchapi"
)

// Catalog manages per-channel emote mappings. Reads are lock-scoped map
// lookups; writers build replacement maps off-lock and swap them in.
type Catalog struct {
	client   *http.Client
	helix    *twitchapi.Client
	cacheDir string

	ffzBase     string
	bttvBase    string
	sevenTVBase string
	dggBase     string

	mu       sync.RWMutex
	global   map[string]Descriptor
	channels map[chat.ChannelID]map[string]Descriptor
	scraped  map[chat.ChannelID]map[string]Descriptor
	// flairs are the WebSocket platform's badge descriptors keyed by the
	// feature tag carried in message frames.
	flairs map[string]Descriptor
	// roomIDs remembers the platform numeric id seen at the last refresh so
	// periodic re-refreshes don't need the adapter to replay it.
	roomIDs map[chat.ChannelID]string
}

// Options configures a Catalog.
type Options struct {
	HTTPClient *http.Client
	Helix      *twitchapi.Client
	// CacheDir receives provider JSON snapshots so a restart does not
	// re-download every list. Empty disables the snapshot cache.
	CacheDir string

	FFZBaseURL     string
	BTTVBaseURL    string
	SevenTVBaseURL string
	DGGCDNBaseURL  string
}

// NewCatalog returns an empty catalog.
func NewCatalog(opts Options) *Catalog {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{Timeout: 20 * time.Second}
	}
	telemetry.Init()
	return &Catalog{
		client:      hc,
		helix:       opts.Helix,
		cacheDir:    opts.CacheDir,
		ffzBase:     opts.FFZBaseURL,
		bttvBase:    opts.BTTVBaseURL,
		sevenTVBase: opts.SevenTVBaseURL,
		dggBase:     opts.DGGCDNBaseURL,
		global:      make(map[string]Descriptor),
		channels:    make(map[chat.ChannelID]map[string]Descriptor),
		scraped:     make(map[chat.ChannelID]map[string]Descriptor),
		roomIDs:     make(map[chat.ChannelID]string),
	}
}

// Lookup resolves a display name for a channel: channel set first, then the
// global set, then emotes scraped from the channel's own messages.
func (c *Catalog) Lookup(id chat.ChannelID, name string) (Descriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if set, ok := c.channels[id]; ok {
		if d, ok := set[name]; ok {
			return d, true
		}
	}
	if d, ok := c.global[name]; ok {
		return d, true
	}
	if set, ok := c.scraped[id]; ok {
		if d, ok := set[name]; ok {
			return d, true
		}
	}
	return Descriptor{}, false
}

// Names returns every display name visible to the channel, for selector use.
func (c *Catalog) Names(id chat.ChannelID) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	seen := make(map[string]struct{})
	out := make([]string, 0, len(c.global))
	add := func(set map[string]Descriptor) {
		for name := range set {
			if _, dup := seen[name]; !dup {
				seen[name] = struct{}{}
				out = append(out, name)
			}
		}
	}
	add(c.channels[id])
	add(c.global)
	add(c.scraped[id])
	return out
}

// RegisterScraped records an emote reported inline by the bridged platform's
// agent, keyed by its display name with the image URL it supplied.
func (c *Catalog) RegisterScraped(id chat.ChannelID, name, src string) {
	d := Descriptor{
		Provider: chat.EmoteScraped,
		ID:       name,
		Name:     name,
		URLs:     map[Size]string{SizeMedium: src},
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	set, ok := c.scraped[id]
	if !ok {
		set = make(map[string]Descriptor)
		c.scraped[id] = set
	}
	set[name] = d
}

// Refresh rebuilds a channel's catalog from all providers concurrently and
// swaps it in atomically. roomID is the platform numeric channel id used by
// the Twitch-keyed provider APIs; empty roomID skips the channel-set fetch
// for providers that need it. A per-provider failure is returned joined with
// the others but never prevents the remaining providers from contributing.
func (c *Catalog) Refresh(ctx context.Context, id chat.ChannelID, roomID string, force bool) error {
	ctx, span := telemetry.StartSpan(ctx, "emotes", "catalog.refresh",
		attribute.String("channel", id.String()))
	defer span.End()
	start := time.Now()
	telemetry.EmoteRefreshes.Inc()

	// The WebSocket platform serves its own emote and flair lists; the
	// Twitch-keyed providers have nothing for it.
	if id.Source == chat.SourceDGG {
		err := c.refreshDGG(ctx, id, force)
		telemetry.EmoteRefreshDuration.Observe(time.Since(start).Seconds())
		telemetry.RecordError(span, err)
		return err
	}

	c.mu.Lock()
	if roomID == "" {
		roomID = c.roomIDs[id]
	} else {
		c.roomIDs[id] = roomID
	}
	c.mu.Unlock()

	type result struct {
		provider chat.EmoteProvider
		emotes   []Descriptor
		err      error
	}
	fetchers := map[chat.EmoteProvider]func(context.Context) ([]Descriptor, error){
		chat.EmoteFFZ:     func(ctx context.Context) ([]Descriptor, error) { return c.fetchFFZ(ctx, roomID, force) },
		chat.EmoteBTTV:    func(ctx context.Context) ([]Descriptor, error) { return c.fetchBTTVChannel(ctx, roomID, force) },
		chat.EmoteSevenTV: func(ctx context.Context) ([]Descriptor, error) { return c.fetchSevenTVChannel(ctx, roomID, force) },
		chat.EmoteTwitch:  func(ctx context.Context) ([]Descriptor, error) { return c.fetchTwitchChannel(ctx, roomID) },
	}

	results := make(chan result, len(fetchers))
	var wg sync.WaitGroup
	for provider, fetch := range fetchers {
		wg.Add(1)
		go func(p chat.EmoteProvider, fetch func(context.Context) ([]Descriptor, error)) {
			defer wg.Done()
			emotes, err := fetch(ctx)
			results <- result{provider: p, emotes: emotes, err: err}
		}(provider, fetch)
	}
	wg.Wait()
	close(results)

	byProvider := make(map[chat.EmoteProvider][]Descriptor, len(fetchers))
	var errs []error
	for r := range results {
		if r.err != nil {
			perr := &chat.ProviderError{Provider: r.provider, Err: r.err}
			errs = append(errs, perr)
			telemetry.EmoteRefreshFails.WithLabelValues(string(r.provider)).Inc()
			slog.Warn("emote provider fetch failed",
				slog.String("channel", id.String()),
				slog.String("provider", string(r.provider)),
				slog.Any("err", r.err))
			continue
		}
		byProvider[r.provider] = r.emotes
	}

	// Merge in fixed precedence order; later inserts win.
	next := make(map[string]Descriptor)
	for _, provider := range precedence {
		for _, d := range byProvider[provider] {
			next[d.Name] = d
		}
	}

	c.mu.Lock()
	c.channels[id] = next
	c.mu.Unlock()

	telemetry.EmoteRefreshDuration.Observe(time.Since(start).Seconds())
	err := errors.Join(errs...)
	telemetry.RecordError(span, err)
	return err
}

// refreshDGG rebuilds the WebSocket platform's channel set and flair table
// from its CDN. Either list failing leaves the previous table in place.
func (c *Catalog) refreshDGG(ctx context.Context, id chat.ChannelID, force bool) error {
	var (
		wg     sync.WaitGroup
		list   []Descriptor
		flairs map[string]Descriptor
		emErr  error
		flErr  error
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		list, emErr = c.fetchDGGEmotes(ctx, force)
	}()
	go func() {
		defer wg.Done()
		flairs, flErr = c.fetchDGGFlairs(ctx, force)
	}()
	wg.Wait()

	var errs []error
	if emErr != nil {
		errs = append(errs, &chat.ProviderError{Provider: chat.EmoteDGG, Err: emErr})
		telemetry.EmoteRefreshFails.WithLabelValues(string(chat.EmoteDGG)).Inc()
		slog.Warn("emote provider fetch failed",
			slog.String("channel", id.String()),
			slog.String("provider", string(chat.EmoteDGG)),
			slog.Any("err", emErr))
	} else {
		next := make(map[string]Descriptor, len(list))
		for _, d := range list {
			next[d.Name] = d
		}
		c.mu.Lock()
		c.channels[id] = next
		c.mu.Unlock()
	}
	if flErr != nil {
		errs = append(errs, &chat.ProviderError{Provider: chat.EmoteDGG, Err: flErr})
	} else {
		c.mu.Lock()
		c.flairs = flairs
		c.mu.Unlock()
	}
	return errors.Join(errs...)
}

// Flair resolves a WebSocket platform feature tag to its badge descriptor.
func (c *Catalog) Flair(name string) (Descriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.flairs[name]
	return d, ok
}

// RefreshGlobal rebuilds the cross-channel global set (BTTV and 7TV publish
// global lists; Twitch global emotes arrive via the user's emote sets).
func (c *Catalog) RefreshGlobal(ctx context.Context, force bool) error {
	ctx, span := telemetry.StartSpan(ctx, "emotes", "catalog.refresh_global")
	defer span.End()

	type result struct {
		provider chat.EmoteProvider
		emotes   []Descriptor
		err      error
	}
	fetchers := map[chat.EmoteProvider]func(context.Context) ([]Descriptor, error){
		chat.EmoteBTTV:    func(ctx context.Context) ([]Descriptor, error) { return c.fetchBTTVGlobal(ctx, force) },
		chat.EmoteSevenTV: func(ctx context.Context) ([]Descriptor, error) { return c.fetchSevenTVGlobal(ctx, force) },
	}
	results := make(chan result, len(fetchers))
	var wg sync.WaitGroup
	for provider, fetch := range fetchers {
		wg.Add(1)
		go func(p chat.EmoteProvider, fetch func(context.Context) ([]Descriptor, error)) {
			defer wg.Done()
			emotes, err := fetch(ctx)
			results <- result{provider: p, emotes: emotes, err: err}
		}(provider, fetch)
	}
	wg.Wait()
	close(results)

	byProvider := make(map[chat.EmoteProvider][]Descriptor, len(fetchers))
	var errs []error
	for r := range results {
		if r.err != nil {
			errs = append(errs, &chat.ProviderError{Provider: r.provider, Err: r.err})
			telemetry.EmoteRefreshFails.WithLabelValues(string(r.provider)).Inc()
			continue
		}
		byProvider[r.provider] = r.emotes
	}

	next := make(map[string]Descriptor)
	for _, provider := range precedence {
		for _, d := range byProvider[provider] {
			next[d.Name] = d
		}
	}

	c.mu.Lock()
	c.global = next
	c.mu.Unlock()

	err := errors.Join(errs...)
	telemetry.RecordError(span, err)
	return err
}

// AddEmoteSets merges the emotes of the user's subscribed Twitch emote sets
// into the global mapping (USERSTATE advertises the set ids).
func (c *Catalog) AddEmoteSets(ctx context.Context, setIDs []string) {
	if c.helix == nil || !c.helix.Configured() {
		return
	}
	merged := make(map[string]Descriptor)
	for _, set := range setIDs {
		emotes, err := c.helix.EmoteSet(ctx, set)
		if err != nil {
			slog.Debug("emote set fetch failed", slog.String("set", set), slog.Any("err", err))
			continue
		}
		for _, e := range emotes {
			d := helixDescriptor(e)
			merged[d.Name] = d
		}
	}
	if len(merged) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	next := make(map[string]Descriptor, len(c.global)+len(merged))
	for k, v := range c.global {
		next[k] = v
	}
	for k, v := range merged {
		next[k] = v
	}
	c.global = next
}

// DropChannel discards a closed channel's sets. Scraped emotes go with it;
// the asset cache keeps any already-downloaded images for reuse.
func (c *Catalog) DropChannel(id chat.ChannelID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.channels, id)
	delete(c.scraped, id)
	delete(c.roomIDs, id)
}

// Channels lists the channels with a refreshed catalog, for periodic
// re-refresh scheduling.
func (c *Catalog) Channels() []chat.ChannelID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]chat.ChannelID, 0, len(c.channels))
	for id := range c.channels {
		out = append(out, id)
	}
	return out
}
