package chat

import (
	"fmt"
	"time"
)

// Source identifies a chat platform variant.
type Source string

const (
	// SourceTwitch is the IRC-over-TLS platform.
	SourceTwitch Source = "twitch"
	// SourceDGG is the WebSocket platform.
	SourceDGG Source = "dgg"
	// SourceYouTube is the bridged platform, scraped by a browser-side agent
	// and relayed through the local HTTP bridge.
	SourceYouTube Source = "youtube"
)

// Valid reports whether s is a known source.
func (s Source) Valid() bool {
	switch s {
	case SourceTwitch, SourceDGG, SourceYouTube:
		return true
	}
	return false
}

// ChannelID uniquely identifies a channel across sources.
type ChannelID struct {
	Source Source
	Name   string
}

func (c ChannelID) String() string { return string(c.Source) + ":" + c.Name }

// ConnState is the lifecycle state of a channel's transport connection.
type ConnState int

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateBackoff
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateBackoff:
		return "backoff"
	default:
		return fmt.Sprintf("connstate(%d)", int(s))
	}
}

// MessageKind distinguishes ordinary chat from synthetic messages.
type MessageKind int

const (
	KindChat MessageKind = iota
	KindSystem
	KindError
	KindAnnouncement
)

// EmoteProvider identifies which emote API a descriptor came from.
type EmoteProvider string

const (
	EmoteTwitch  EmoteProvider = "twitch"
	EmoteFFZ     EmoteProvider = "ffz"
	EmoteBTTV    EmoteProvider = "bttv"
	EmoteSevenTV EmoteProvider = "7tv"
	// EmoteDGG covers the WebSocket platform's own emote list served from its
	// CDN, including flair badges.
	EmoteDGG EmoteProvider = "dgg"
	// EmoteScraped covers emotes reported inline by the bridged platform's
	// scraping agent, which supplies an image URL per message.
	EmoteScraped EmoteProvider = "youtube"
)

// EmoteRef is the descriptor key carried inside a message body. It is enough
// to look the emote up in the catalog and the asset cache; it never holds
// pixel data.
type EmoteRef struct {
	Provider  EmoteProvider
	ID        string
	Name      string
	ZeroWidth bool
}

// Segment is one run of a message body: either plain text (Emote nil) or a
// single emote reference (Text empty).
type Segment struct {
	Text  string
	Emote *EmoteRef
}

// Author describes the sender of a chat event.
type Author struct {
	Name        string
	ID          string
	DisplayName string
	Badges      []string
}

// Meta carries provider-specific extras that survive normalization.
type Meta struct {
	Moderator bool
	Member    bool
	// Color is the author's name color as "#rrggbb", empty if unset.
	Color string
}

// Event is the canonical normalized chat unit. Construct it fully before
// publishing; consumers treat it as read-only.
type Event struct {
	ID        string
	Source    Source
	Channel   string
	Timestamp time.Time
	Author    Author
	Segments  []Segment
	Meta      Meta
	Kind      MessageKind
}

// ChannelID returns the channel identity of the event.
func (e *Event) ChannelID() ChannelID {
	return ChannelID{Source: e.Source, Name: e.Channel}
}

// Body reassembles the plain-text body from the segments.
func (e *Event) Body() string {
	var out string
	for _, seg := range e.Segments {
		if seg.Emote != nil {
			out += seg.Emote.Name
		} else {
			out += seg.Text
		}
	}
	return out
}

// ModerationKind is the type of an out-of-band moderation action.
type ModerationKind int

const (
	ModMute ModerationKind = iota
	ModBan
	ModUnmute
)

func (k ModerationKind) String() string {
	switch k {
	case ModMute:
		return "mute"
	case ModBan:
		return "ban"
	case ModUnmute:
		return "unmute"
	default:
		return fmt.Sprintf("moderation(%d)", int(k))
	}
}

// ModerationEvent is an out-of-band moderation action (mute/ban). These are
// routed to the moderation sink, never onto the chat message stream.
type ModerationEvent struct {
	Channel    ChannelID
	Kind       ModerationKind
	TargetUser string
	// Duration is zero for permanent actions.
	Duration time.Duration
	At       time.Time
}

// StatusEvent reports a connection state transition for a channel.
type StatusEvent struct {
	Channel ChannelID
	State   ConnState
	// Err is set when the transition was caused by a failure.
	Err error
	At  time.Time
}

// SendRequest is an outgoing user message routed to the owning adapter.
type SendRequest struct {
	Channel ChannelID
	Text    string
}

// SystemEvent builds a synthetic message shown in a channel's stream, used
// for connection status and error notices.
func SystemEvent(ch ChannelID, kind MessageKind, text string) Event {
	return Event{
		Source:    ch.Source,
		Channel:   ch.Name,
		Timestamp: time.Now().UTC(),
		Segments:  []Segment{{Text: text}},
		Kind:      kind,
	}
}
