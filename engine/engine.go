// Package engine wires the adapters, the event bus, the emote pipeline, and
// the history store together and owns channel lifecycle. The presentation
// layer talks to the engine: open and close channels, subscribe on the bus,
// resolve emote handles from the asset cache.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"multichat/assets"
	"multichat/bus"
	"multichat/chat"
	"multichat/config"
	"multichat/emotes"
	"multichat/history"
	"multichat/normalize"
	"multichat/relay"
	"multichat/supervisor"
	"multichat/telemetry"
	"multichat/twitchapi"
	"multichat/twitchchat"
	"multichat/wschat"
)

// Engine is the composition root.
type Engine struct {
	cfg     *config.Config
	bus     *bus.Bus
	catalog *emotes.Catalog
	cache   *assets.Cache
	store   *history.Store

	twitch *twitchchat.Adapter
	dgg    *wschat.Adapter
	bridge *relay.Relay

	mu       sync.Mutex
	ctx      context.Context
	wg       sync.WaitGroup
	open     map[chat.ChannelID]context.CancelFunc
	supers   map[chat.ChannelID]*supervisor.Supervisor
	twitchUp bool
}

// New builds the engine from configuration. Nothing connects until Run.
func New(cfg *config.Config) (*Engine, error) {
	b := bus.New(cfg.BusCapacity)

	helix := twitchapi.New(cfg.TwitchClientID, cfg.TwitchClientSecret, cfg.TwitchIDBaseURL, cfg.HelixBaseURL)
	catalog := emotes.NewCatalog(emotes.Options{
		Helix:          helix,
		CacheDir:       filepath.Join(cfg.CacheDir, "providers"),
		FFZBaseURL:     cfg.FFZBaseURL,
		BTTVBaseURL:    cfg.BTTVBaseURL,
		SevenTVBaseURL: cfg.SevenTVBaseURL,
		DGGCDNBaseURL:  cfg.DGGCDNBaseURL,
	})
	cache := assets.New(filepath.Join(cfg.CacheDir, "images"), cfg.AssetMemoryBudget, nil)

	e := &Engine{
		cfg:     cfg,
		bus:     b,
		catalog: catalog,
		cache:   cache,
		open:    make(map[chat.ChannelID]context.CancelFunc),
		supers:  make(map[chat.ChannelID]*supervisor.Supervisor),
	}

	if cfg.HistoryDSN != "" {
		store, err := history.Open(cfg.HistoryDSN, cfg.HistoryKeep)
		if err != nil {
			return nil, fmt.Errorf("history store: %w", err)
		}
		e.store = store
	}

	e.twitch = twitchchat.New(twitchchat.Options{
		Username: cfg.TwitchUsername,
		OAuth:    cfg.TwitchOAuthToken,
		Bus:      b,
		Catalog:  catalog,
	})

	return e, nil
}

// Bus exposes the event bus for subscribers.
func (e *Engine) Bus() *bus.Bus { return e.bus }

// Catalog exposes emote name resolution for the presentation layer.
func (e *Engine) Catalog() *emotes.Catalog { return e.catalog }

// Assets exposes the image cache.
func (e *Engine) Assets() *assets.Cache { return e.cache }

// History returns the message store, or nil when persistence is disabled.
func (e *Engine) History() *history.Store { return e.store }

// Run starts background services and blocks until ctx is cancelled. Channels
// from TWITCH_CHANNELS are opened automatically.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	e.ctx = ctx
	e.mu.Unlock()

	if e.store != nil {
		sub := e.bus.Subscribe(func(ev chat.Event) bool { return ev.Kind == chat.KindChat })
		e.wg.Add(2)
		go func() {
			defer e.wg.Done()
			e.store.Run(ctx)
		}()
		go func() {
			defer e.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-sub.C:
					if !ok {
						return
					}
					e.store.Record(ev)
				}
			}
		}()
	}

	if e.cfg.RelayEnabled {
		e.bridge = relay.New(relay.Options{
			Addr:        e.cfg.RelayAddr,
			PollTimeout: e.cfg.RelayPollTimeout,
			Bus:         e.bus,
			Catalog:     e.catalog,
			OnNewChannel: func(id chat.ChannelID) {
				if err := e.OpenChannel(id); err != nil {
					slog.Warn("failed to open scraped channel",
						slog.String("channel", id.String()), slog.Any("err", err))
				}
			},
		})
		e.bus.RegisterSender(chat.SourceYouTube, e.bridge)
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.bridge.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("relay stopped", slog.Any("err", err))
			}
		}()
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.refreshLoop(ctx)
	}()

	for _, name := range e.cfg.TwitchChannels {
		id := chat.ChannelID{Source: chat.SourceTwitch, Name: name}
		if err := e.OpenChannel(id); err != nil {
			slog.Error("failed to open configured channel",
				slog.String("channel", id.String()), slog.Any("err", err))
		}
	}
	if e.cfg.DGGEnabled {
		id := chat.ChannelID{Source: chat.SourceDGG, Name: wschat.ChannelName}
		if err := e.OpenChannel(id); err != nil {
			slog.Error("failed to open configured channel",
				slog.String("channel", id.String()), slog.Any("err", err))
		}
	}

	<-ctx.Done()
	e.wg.Wait()
	if e.store != nil {
		if err := e.store.Close(); err != nil {
			slog.Warn("history close", slog.Any("err", err))
		}
	}
	e.bus.Close()
	return ctx.Err()
}

// OpenChannel activates a channel. A source misconfiguration fails only this
// call; other channels are unaffected.
func (e *Engine) OpenChannel(id chat.ChannelID) error {
	if !id.Source.Valid() {
		return &chat.ConfigError{Field: "source", Err: fmt.Errorf("unknown source %q", id.Source)}
	}
	if err := e.cfg.ValidateSource(id.Source); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.ctx == nil {
		return errors.New("engine is not running")
	}
	if _, dup := e.open[id]; dup {
		return nil
	}

	switch id.Source {
	case chat.SourceTwitch:
		e.twitch.Join(id.Name)
		e.open[id] = e.ensureTwitchLocked()
	case chat.SourceDGG:
		e.open[id] = e.startDGGLocked()
	case chat.SourceYouTube:
		// Passive: the browser agent pushes messages through the relay. The
		// channel only needs tracking so sends route and closes clean up.
		e.open[id] = func() {}
	}

	telemetry.ActiveChannels.Set(float64(len(e.open)))
	slog.Info("channel opened", slog.String("channel", id.String()))
	return nil
}

// CloseChannel deactivates a channel and discards its emote catalog. Decoded
// assets stay cached for other channels sharing the same emotes.
func (e *Engine) CloseChannel(id chat.ChannelID) {
	e.mu.Lock()
	cancel, ok := e.open[id]
	if ok {
		delete(e.open, id)
	}
	telemetry.ActiveChannels.Set(float64(len(e.open)))
	e.mu.Unlock()
	if !ok {
		return
	}
	cancel()

	switch id.Source {
	case chat.SourceTwitch:
		e.twitch.Depart(id.Name)
	default:
		e.catalog.DropChannel(id)
	}
	slog.Info("channel closed", slog.String("channel", id.String()))
}

// Send routes an outgoing message to the owning adapter.
func (e *Engine) Send(req chat.SendRequest) error {
	return e.bus.Send(req)
}

// Reconnect forces an immediate retry for a source sitting in backoff.
func (e *Engine) Reconnect(src chat.Source) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, sup := range e.supers {
		if id.Source == src && sup != nil {
			sup.Reconnect()
		}
	}
}

// ensureTwitchLocked starts the shared IRC connection's supervisor on first
// use. Individual Twitch channels share it; closing one never tears it down.
func (e *Engine) ensureTwitchLocked() context.CancelFunc {
	if !e.twitchUp {
		e.twitchUp = true
		e.bus.RegisterSender(chat.SourceTwitch, e.twitch)
		sup := supervisor.New(supervisor.Options{
			Channel:        chat.ChannelID{Source: chat.SourceTwitch},
			Dialer:         e.twitch,
			Bus:            e.bus,
			ConnectTimeout: e.cfg.ConnectTimeout,
			BackoffMin:     e.cfg.BackoffMin,
			BackoffMax:     e.cfg.BackoffMax,
		})
		e.rememberSupervisor(chat.ChannelID{Source: chat.SourceTwitch}, sup)
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := sup.Run(e.ctx); err != nil && !errors.Is(err, context.Canceled) {
				slog.Error("twitch connection ended", slog.Any("err", err))
			}
		}()
	}
	return func() {}
}

// startDGGLocked runs the WebSocket adapter under its own supervisor; there
// is exactly one logical channel on that platform.
func (e *Engine) startDGGLocked() context.CancelFunc {
	adapter := wschat.New(wschat.Options{
		URL:       e.cfg.DGGChatURL,
		AuthToken: e.cfg.DGGAuthToken,
		Bus:       e.bus,
		Lookup:    e.lookupFor(chat.ChannelID{Source: chat.SourceDGG, Name: wschat.ChannelName}),
		Flair: func(feature string) (wschat.FlairStyle, bool) {
			d, ok := e.catalog.Flair(feature)
			return wschat.FlairStyle{Color: d.OverrideColor, Priority: d.Priority}, ok
		},
	})
	e.dgg = adapter
	e.bus.RegisterSender(chat.SourceDGG, adapter)

	id := adapter.ChannelID()
	go func() {
		rctx, cancel := context.WithTimeout(e.ctx, time.Minute)
		defer cancel()
		if err := e.catalog.Refresh(rctx, id, "", false); err != nil {
			slog.Warn("dgg emote refresh incomplete", slog.Any("err", err))
		}
	}()
	sup := supervisor.New(supervisor.Options{
		Channel:        id,
		Dialer:         adapter,
		Bus:            e.bus,
		ConnectTimeout: e.cfg.ConnectTimeout,
		BackoffMin:     e.cfg.BackoffMin,
		BackoffMax:     e.cfg.BackoffMax,
	})
	e.rememberSupervisor(id, sup)

	ctx, cancel := context.WithCancel(e.ctx)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := sup.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slog.Error("dgg connection ended", slog.Any("err", err))
		}
		e.bus.UnregisterSender(chat.SourceDGG)
	}()
	return cancel
}

func (e *Engine) rememberSupervisor(id chat.ChannelID, sup *supervisor.Supervisor) {
	e.supers[id] = sup
}

func (e *Engine) lookupFor(id chat.ChannelID) normalize.Lookup {
	return func(name string) (chat.EmoteRef, bool) {
		d, ok := e.catalog.Lookup(id, name)
		if !ok {
			return chat.EmoteRef{}, false
		}
		return d.Ref(), true
	}
}

// refreshLoop does the initial global emote fetch and then re-refreshes
// global and channel catalogs on the configured interval.
func (e *Engine) refreshLoop(ctx context.Context) {
	refresh := func(force bool) {
		rctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		defer cancel()
		if err := e.catalog.RefreshGlobal(rctx, force); err != nil {
			slog.Warn("global emote refresh incomplete", slog.Any("err", err))
		}
		for _, id := range e.catalog.Channels() {
			if err := e.catalog.Refresh(rctx, id, "", force); err != nil {
				slog.Warn("channel emote refresh incomplete",
					slog.String("channel", id.String()), slog.Any("err", err))
			}
		}
	}

	refresh(false)

	interval := e.cfg.EmoteRefresh
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refresh(true)
		}
	}
}
