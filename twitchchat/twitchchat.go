// Package twitchchat adapts the Twitch IRC connection to the canonical event
// model. One IRC connection carries every joined Twitch channel; joins and
// departs are forwarded to the live session when one exists and replayed on
// reconnect.
package twitchchat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"multichat/bus"
	"multichat/chat"
	"multichat/emotes"
	"multichat/normalize"
	"multichat/supervisor"
)

// Options configure the adapter. Empty credentials fall back to an anonymous
// read-only connection.
type Options struct {
	Username string
	// OAuth is the chat token including the "oauth:" prefix.
	OAuth   string
	Bus     *bus.Bus
	Catalog *emotes.Catalog
}

// Adapter owns the Twitch connection state shared across reconnects.
type Adapter struct {
	username string
	oauth    string
	bus      *bus.Bus
	catalog  *emotes.Catalog

	mu       sync.Mutex
	channels map[string]struct{}
	live     *session
}

func New(opts Options) *Adapter {
	return &Adapter{
		username: opts.Username,
		oauth:    opts.OAuth,
		bus:      opts.Bus,
		catalog:  opts.Catalog,
		channels: make(map[string]struct{}),
	}
}

// Join registers a channel and joins it on the live session if connected.
func (a *Adapter) Join(name string) {
	name = strings.ToLower(strings.TrimPrefix(name, "#"))
	a.mu.Lock()
	a.channels[name] = struct{}{}
	live := a.live
	a.mu.Unlock()
	if live != nil {
		live.client.Join(name)
	}
}

// Depart leaves a channel and forgets it for future reconnects.
func (a *Adapter) Depart(name string) {
	name = strings.ToLower(strings.TrimPrefix(name, "#"))
	a.mu.Lock()
	delete(a.channels, name)
	live := a.live
	a.mu.Unlock()
	if live != nil {
		live.client.Depart(name)
	}
	if a.catalog != nil {
		a.catalog.DropChannel(chat.ChannelID{Source: chat.SourceTwitch, Name: name})
	}
}

// Channels returns the currently registered channel names.
func (a *Adapter) Channels() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.channels))
	for name := range a.channels {
		out = append(out, name)
	}
	return out
}

// Send implements bus.Sender for the Twitch source.
func (a *Adapter) Send(req chat.SendRequest) error {
	a.mu.Lock()
	live := a.live
	a.mu.Unlock()
	if live == nil {
		return fmt.Errorf("twitch send to %s: %w", req.Channel.Name, chat.ErrNotConnected)
	}
	if a.oauth == "" {
		return fmt.Errorf("twitch send to %s: anonymous connection is read-only", req.Channel.Name)
	}
	live.client.Say(req.Channel.Name, req.Text)
	return nil
}

// Dial implements supervisor.Dialer. It returns once the IRC handshake
// completes or ctx expires.
func (a *Adapter) Dial(ctx context.Context) (supervisor.Session, error) {
	var client *twitch.Client
	if a.username != "" && a.oauth != "" {
		client = twitch.NewClient(a.username, a.oauth)
	} else {
		client = twitch.NewAnonymousClient()
	}

	s := &session{
		adapter: a,
		client:  client,
		ready:   make(chan struct{}),
		runErr:  make(chan error, 1),
	}
	s.wire()

	go func() { s.runErr <- client.Connect() }()

	select {
	case <-ctx.Done():
		if err := client.Disconnect(); err != nil {
			slog.Debug("twitch disconnect during dial", slog.Any("err", err))
		}
		return nil, ctx.Err()
	case err := <-s.runErr:
		if err == nil {
			err = errors.New("connection closed before handshake")
		}
		return nil, err
	case <-s.ready:
		a.mu.Lock()
		a.live = s
		a.mu.Unlock()
		return s, nil
	}
}

type session struct {
	adapter *Adapter
	client  *twitch.Client

	readyOnce sync.Once
	ready     chan struct{}
	runErr    chan error
}

// Run blocks until the IRC connection drops or ctx is cancelled.
func (s *session) Run(ctx context.Context) error {
	defer func() {
		s.adapter.mu.Lock()
		if s.adapter.live == s {
			s.adapter.live = nil
		}
		s.adapter.mu.Unlock()
	}()
	select {
	case <-ctx.Done():
		return nil
	case err := <-s.runErr:
		if err == nil {
			err = errors.New("connection closed")
		}
		return err
	}
}

func (s *session) Close() error {
	return s.client.Disconnect()
}

func (s *session) wire() {
	a := s.adapter

	s.client.OnConnect(func() {
		s.readyOnce.Do(func() { close(s.ready) })
		for _, name := range a.Channels() {
			s.client.Join(name)
		}
	})

	s.client.OnPrivateMessage(func(msg twitch.PrivateMessage) {
		a.bus.Publish(a.convert(msg))
	})

	s.client.OnRoomStateMessage(func(msg twitch.RoomStateMessage) {
		roomID := msg.Tags["room-id"]
		if roomID == "" || a.catalog == nil {
			return
		}
		id := chat.ChannelID{Source: chat.SourceTwitch, Name: strings.ToLower(msg.Channel)}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			if err := a.catalog.Refresh(ctx, id, roomID, false); err != nil {
				slog.Warn("channel emote refresh failed",
					slog.String("channel", id.String()), slog.Any("err", err))
			}
		}()
	})

	s.client.OnUserStateMessage(func(msg twitch.UserStateMessage) {
		if a.catalog == nil || len(msg.EmoteSets) == 0 {
			return
		}
		sets := msg.EmoteSets
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			a.catalog.AddEmoteSets(ctx, sets)
		}()
	})

	s.client.OnClearChatMessage(func(msg twitch.ClearChatMessage) {
		id := chat.ChannelID{Source: chat.SourceTwitch, Name: strings.ToLower(msg.Channel)}
		ev := chat.ModerationEvent{
			Channel:    id,
			TargetUser: msg.TargetUsername,
			At:         time.Now().UTC(),
		}
		switch {
		case msg.TargetUsername == "":
			// Whole-channel /clear; surface it as a system notice instead.
			a.bus.Publish(chat.SystemEvent(id, chat.KindSystem, "chat was cleared by a moderator"))
			return
		case msg.BanDuration > 0:
			ev.Kind = chat.ModMute
			ev.Duration = time.Duration(msg.BanDuration) * time.Second
		default:
			ev.Kind = chat.ModBan
		}
		a.bus.PublishModeration(ev)
	})

	s.client.OnNoticeMessage(func(msg twitch.NoticeMessage) {
		id := chat.ChannelID{Source: chat.SourceTwitch, Name: strings.ToLower(msg.Channel)}
		a.bus.Publish(chat.SystemEvent(id, chat.KindSystem, msg.Message))
	})
}

// convert maps an IRC PRIVMSG to the canonical event. Tag-embedded emotes
// resolve by id even when the emote never appears in the catalog; catalog
// emotes fill in the third-party sets.
func (a *Adapter) convert(msg twitch.PrivateMessage) chat.Event {
	id := chat.ChannelID{Source: chat.SourceTwitch, Name: strings.ToLower(msg.Channel)}

	var tagged map[string]chat.EmoteRef
	if len(msg.Emotes) > 0 {
		tagged = make(map[string]chat.EmoteRef, len(msg.Emotes))
		for _, e := range msg.Emotes {
			tagged[e.Name] = chat.EmoteRef{
				Provider: chat.EmoteTwitch,
				ID:       e.ID,
				Name:     e.Name,
			}
		}
	}

	lookup := normalize.Chain(normalize.Static(tagged), a.catalogLookup(id))
	segments := normalize.SplitSegments(msg.Message, lookup)

	badges := make([]string, 0, len(msg.User.Badges))
	for b := range msg.User.Badges {
		badges = append(badges, b)
	}

	ts := msg.Time
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	return chat.Event{
		ID:        msg.ID,
		Source:    chat.SourceTwitch,
		Channel:   id.Name,
		Timestamp: ts,
		Author: chat.Author{
			Name:        msg.User.Name,
			ID:          msg.User.ID,
			DisplayName: msg.User.DisplayName,
			Badges:      badges,
		},
		Segments: segments,
		Meta: chat.Meta{
			Moderator: msg.User.Badges["moderator"] > 0 || msg.User.Badges["broadcaster"] > 0,
			Member:    msg.User.Badges["subscriber"] > 0 || msg.User.Badges["founder"] > 0,
			Color:     msg.User.Color,
		},
		Kind: chat.KindChat,
	}
}

func (a *Adapter) catalogLookup(id chat.ChannelID) normalize.Lookup {
	if a.catalog == nil {
		return nil
	}
	return func(name string) (chat.EmoteRef, bool) {
		d, ok := a.catalog.Lookup(id, name)
		if !ok {
			return chat.EmoteRef{}, false
		}
		return d.Ref(), true
	}
}
