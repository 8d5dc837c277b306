// Package wschat adapts the destiny.gg-style WebSocket chat protocol to the
// canonical event model. Frames are a command word followed by a JSON
// payload, e.g. `MSG {"nick":"bob","data":"hello"}`.
package wschat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"multichat/bus"
	"multichat/chat"
	"multichat/normalize"
	"multichat/supervisor"
	"multichat/telemetry"
)

// ChannelName is the single logical channel this protocol carries.
const ChannelName = "dgg"

// malformedLimit is the number of consecutive unparseable frames tolerated
// before the session gives up and lets the supervisor reconnect.
const malformedLimit = 10

const (
	pingInterval = 30 * time.Second
	readTimeout  = 90 * time.Second
	writeTimeout = 10 * time.Second
)

// FlairStyle is how a user feature tag renders. Among a user's flairs the
// lowest Priority value with a color supplies the name color.
type FlairStyle struct {
	Color    string
	Priority int
}

// Options configure the adapter.
type Options struct {
	// URL is the WebSocket endpoint, e.g. wss://chat.destiny.gg/ws.
	URL string
	// AuthToken, when set, is sent as the authtoken cookie to chat as a
	// logged-in user. Without it the connection is read-only.
	AuthToken string
	Bus       *bus.Bus
	// Lookup resolves emote names for this platform's messages.
	Lookup normalize.Lookup
	// Flair resolves a feature tag to its styling, when known.
	Flair func(feature string) (FlairStyle, bool)
}

// Adapter owns connection state shared across reconnects.
type Adapter struct {
	url    string
	token  string
	bus    *bus.Bus
	lookup normalize.Lookup
	flair  func(feature string) (FlairStyle, bool)

	mu   sync.Mutex
	live *session
}

func New(opts Options) *Adapter {
	return &Adapter{
		url:    opts.URL,
		token:  opts.AuthToken,
		bus:    opts.Bus,
		lookup: opts.Lookup,
		flair:  opts.Flair,
	}
}

// ChannelID returns the identity used for this adapter's events.
func (a *Adapter) ChannelID() chat.ChannelID {
	return chat.ChannelID{Source: chat.SourceDGG, Name: ChannelName}
}

// Send implements bus.Sender.
func (a *Adapter) Send(req chat.SendRequest) error {
	a.mu.Lock()
	live := a.live
	a.mu.Unlock()
	if live == nil {
		return fmt.Errorf("dgg send: %w", chat.ErrNotConnected)
	}
	if a.token == "" {
		return errors.New("dgg send: no auth token configured")
	}
	payload, err := json.Marshal(struct {
		Data string `json:"data"`
	}{Data: req.Text})
	if err != nil {
		return err
	}
	return live.write("MSG " + string(payload))
}

// Dial implements supervisor.Dialer.
func (a *Adapter) Dial(ctx context.Context) (supervisor.Session, error) {
	header := http.Header{}
	if a.token != "" {
		header.Set("Cookie", "authtoken="+a.token)
	}
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, a.url, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket handshake: %w", err)
	}
	s := &session{adapter: a, conn: conn}
	a.mu.Lock()
	a.live = s
	a.mu.Unlock()
	return s, nil
}

type session struct {
	adapter *Adapter
	conn    *websocket.Conn

	writeMu sync.Mutex
	closed  sync.Once
}

func (s *session) write(frame string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, []byte(frame))
}

func (s *session) Close() error {
	var err error
	s.closed.Do(func() {
		s.adapter.mu.Lock()
		if s.adapter.live == s {
			s.adapter.live = nil
		}
		s.adapter.mu.Unlock()
		err = s.conn.Close()
	})
	return err
}

// Run reads frames until the connection drops, pinging on an interval to
// detect dead peers.
func (s *session) Run(ctx context.Context) error {
	readErr := make(chan error, 1)
	go s.readLoop(readErr)

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			return err
		case <-ticker.C:
			s.writeMu.Lock()
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			s.writeMu.Unlock()
			if err != nil {
				return fmt.Errorf("keepalive ping: %w", err)
			}
		}
	}
}

func (s *session) readLoop(out chan<- error) {
	id := s.adapter.ChannelID()
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	malformed := 0
	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			out <- err
			return
		}
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			out <- err
			return
		}
		if err := s.handle(string(raw)); err != nil {
			malformed++
			telemetry.FramesMalformed.WithLabelValues(string(chat.SourceDGG)).Inc()
			slog.Debug("malformed frame", slog.String("channel", id.String()), slog.Any("err", err))
			if malformed >= malformedLimit {
				out <- &chat.ProtocolError{
					Channel: id,
					Frame:   truncate(string(raw), 128),
					Err:     fmt.Errorf("%d consecutive malformed frames: %w", malformed, err),
				}
				return
			}
			continue
		}
		malformed = 0
	}
}

// dggMessage is the payload shape shared by most inbound commands.
type dggMessage struct {
	Nick      string   `json:"nick"`
	Features  []string `json:"features"`
	Timestamp int64    `json:"timestamp"`
	Data      string   `json:"data"`
	Duration  int64    `json:"duration"`
}

func (s *session) handle(frame string) error {
	cmd, body, _ := strings.Cut(frame, " ")
	a := s.adapter
	id := a.ChannelID()

	switch cmd {
	case "MSG":
		var m dggMessage
		if err := json.Unmarshal([]byte(body), &m); err != nil {
			return fmt.Errorf("MSG payload: %w", err)
		}
		a.bus.Publish(s.convert(m, chat.KindChat))
	case "BROADCAST":
		var m dggMessage
		if err := json.Unmarshal([]byte(body), &m); err != nil {
			return fmt.Errorf("BROADCAST payload: %w", err)
		}
		a.bus.Publish(chat.SystemEvent(id, chat.KindAnnouncement, m.Data))
	case "MUTE", "BAN", "UNMUTE":
		var m dggMessage
		if err := json.Unmarshal([]byte(body), &m); err != nil {
			return fmt.Errorf("%s payload: %w", cmd, err)
		}
		ev := chat.ModerationEvent{
			Channel:    id,
			TargetUser: m.Data,
			At:         frameTime(m.Timestamp),
		}
		switch cmd {
		case "MUTE":
			ev.Kind = chat.ModMute
			ev.Duration = time.Duration(m.Duration) * time.Second
		case "BAN":
			ev.Kind = chat.ModBan
		case "UNMUTE":
			ev.Kind = chat.ModUnmute
		}
		a.bus.PublishModeration(ev)
	case "ERR":
		var e struct {
			Description string `json:"description"`
		}
		reason := body
		if err := json.Unmarshal([]byte(body), &e); err == nil && e.Description != "" {
			reason = e.Description
		} else if err := json.Unmarshal([]byte(body), &reason); err != nil {
			reason = body
		}
		if reason == "duplicate" {
			reason = "The message is identical to the last one you sent"
		}
		a.bus.Publish(chat.SystemEvent(id, chat.KindError, reason))
	case "JOIN", "QUIT", "NAMES", "PING", "PONG", "SUBONLY", "REFRESH":
		// Presence and housekeeping traffic, nothing to surface.
	default:
		// New server-side commands appear without notice; they are not a
		// protocol violation.
		slog.Debug("unhandled command", slog.String("channel", id.String()), slog.String("command", cmd))
	}
	return nil
}

func (s *session) convert(m dggMessage, kind chat.MessageKind) chat.Event {
	a := s.adapter
	id := a.ChannelID()

	var mod, member bool
	var color string
	best := int(^uint(0) >> 1)
	for _, f := range m.Features {
		switch f {
		case "moderator", "admin", "protected":
			mod = true
		case "subscriber":
			member = true
		}
		if a.flair != nil {
			if fl, ok := a.flair(f); ok && fl.Color != "" && fl.Priority < best {
				best = fl.Priority
				color = fl.Color
			}
		}
	}

	return chat.Event{
		Source:    id.Source,
		Channel:   id.Name,
		Timestamp: frameTime(m.Timestamp),
		Author: chat.Author{
			Name:   m.Nick,
			Badges: m.Features,
		},
		Segments: normalize.SplitSegments(m.Data, a.lookup),
		Meta: chat.Meta{
			Moderator: mod,
			Member:    member,
			Color:     color,
		},
		Kind: kind,
	}
}

func frameTime(ms int64) time.Time {
	if ms <= 0 {
		return time.Now().UTC()
	}
	return time.UnixMilli(ms).UTC()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
