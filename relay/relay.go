// Package relay runs the loopback HTTP bridge for the scraped platform. A
// browser-side agent posts messages it sees to /incoming-msg and long-polls
// /outgoing-msg/{channel} for replies to type back into the page. The bridge
// binds to loopback only; it is not an outward-facing API.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/attribute"

	"multichat/bus"
	"multichat/chat"
	"multichat/emotes"
	"multichat/normalize"
	"multichat/telemetry"
)

const (
	// maxBodyBytes bounds scraper payloads; a chat message never comes close.
	maxBodyBytes = 64 << 10
	// outboundDepth is the per-channel queue of replies waiting for a poll.
	outboundDepth = 16
)

// Options configure the relay.
type Options struct {
	// Addr must stay loopback, e.g. 127.0.0.1:36969.
	Addr string
	// PollTimeout is how long an /outgoing-msg poll parks before returning
	// empty-handed.
	PollTimeout time.Duration
	Bus         *bus.Bus
	Catalog     *emotes.Catalog
	// OnNewChannel fires the first time a message arrives for a channel the
	// bridge has not seen before, so the owner can start tracking it.
	OnNewChannel func(chat.ChannelID)
}

// Relay is the bridge server. It implements bus.Sender for the scraped
// source: sent messages queue per channel until the agent polls them off.
type Relay struct {
	addr         string
	pollTimeout  time.Duration
	bus          *bus.Bus
	catalog      *emotes.Catalog
	onNewChannel func(chat.ChannelID)

	mu       sync.Mutex
	outbound map[string]chan outgoingResponse
	seen     map[string]struct{}
}

func New(opts Options) *Relay {
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = 10 * time.Second
	}
	return &Relay{
		addr:         opts.Addr,
		pollTimeout:  opts.PollTimeout,
		bus:          opts.Bus,
		catalog:      opts.Catalog,
		onNewChannel: opts.OnNewChannel,
		outbound:     make(map[string]chan outgoingResponse),
		seen:         make(map[string]struct{}),
	}
}

// incomingRequest is the payload the browser agent posts for each scraped
// message. Role is "moderator", "member", "error", or absent.
type incomingRequest struct {
	Message  string          `json:"message"`
	Username string          `json:"username"`
	Role     string          `json:"role,omitempty"`
	Emotes   []incomingEmote `json:"emotes,omitempty"`
	Channel  string          `json:"channel"`
}

type incomingEmote struct {
	Name string `json:"name"`
	Src  string `json:"src"`
}

// outgoingResponse is what a poll returns when a reply is queued.
type outgoingResponse struct {
	Channel string `json:"channel"`
	Message string `json:"message"`
}

// Send implements bus.Sender. The message waits in the channel's queue until
// the agent's next poll.
func (rl *Relay) Send(req chat.SendRequest) error {
	select {
	case rl.queue(req.Channel.Name) <- outgoingResponse{Channel: req.Channel.Name, Message: req.Text}:
		return nil
	default:
		return fmt.Errorf("relay send to %s: outbound queue full", req.Channel.Name)
	}
}

func (rl *Relay) queue(channel string) chan outgoingResponse {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	q, ok := rl.outbound[channel]
	if !ok {
		q = make(chan outgoingResponse, outboundDepth)
		rl.outbound[channel] = q
	}
	return q
}

// NewMux returns the bridge's HTTP handler with all routes.
func (rl *Relay) NewMux() http.Handler {
	mux := http.NewServeMux()

	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", handleHealthz)
	mux.HandleFunc("/incoming-msg", rl.handleIncoming)
	mux.HandleFunc("/outgoing-msg/", rl.handleOutgoing)

	// Correlation ID injector and tracing wrapper, reusing the agent's header
	// when it sends one.
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartSpan(ctx, "relay", r.Method+" "+r.URL.Path,
			attribute.String("http.method", r.Method),
			attribute.String("http.route", r.URL.Path),
		)
		defer span.End()

		telemetry.LoggerWithCorr(ctx).Debug("request start",
			slog.String("method", r.Method), slog.String("path", r.URL.Path),
			slog.String("component", "relay"))

		rec := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		mux.ServeHTTP(rec, r.WithContext(ctx))

		span.SetAttributes(attribute.Int("http.status_code", rec.statusCode))
	})
}

// Start runs the bridge server and shuts down gracefully on context
// cancellation.
func (rl *Relay) Start(ctx context.Context) error {
	host, _, err := net.SplitHostPort(rl.addr)
	if err != nil || (host != "127.0.0.1" && host != "localhost" && host != "::1") {
		return &chat.ConfigError{Field: "RELAY_ADDR", Err: errors.New("relay must bind loopback")}
	}
	srv := &http.Server{
		Addr:        rl.addr,
		Handler:     rl.NewMux(),
		ReadTimeout: 30 * time.Second,
		// Write timeout must exceed the long-poll window.
		WriteTimeout: rl.pollTimeout + 5*time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("relay listening", slog.String("addr", rl.addr))
		errCh <- srv.ListenAndServe()
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	case err := <-errCh:
		return err
	}
}

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleIncoming ingests a scraped message. It always answers 200 with an
// empty JSON object: the agent treats any other status as fatal and stops
// posting, and a single bad payload should not take the bridge down.
func (rl *Relay) handleIncoming(w http.ResponseWriter, r *http.Request) {
	defer writeEmptyJSON(w)

	if r.Method != http.MethodPost {
		return
	}
	var req incomingRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		telemetry.FramesMalformed.WithLabelValues(string(chat.SourceYouTube)).Inc()
		slog.Debug("malformed incoming-msg payload", slog.Any("err", err))
		return
	}
	if req.Channel == "" || req.Message == "" {
		telemetry.FramesMalformed.WithLabelValues(string(chat.SourceYouTube)).Inc()
		return
	}

	id := chat.ChannelID{Source: chat.SourceYouTube, Name: req.Channel}
	rl.noteChannel(id)

	// Register inline emotes before segmenting so the message that carried
	// them already renders with images.
	if rl.catalog != nil {
		for _, e := range req.Emotes {
			if e.Name != "" && e.Src != "" {
				rl.catalog.RegisterScraped(id, e.Name, e.Src)
			}
		}
	}

	rl.bus.Publish(rl.convert(id, req))
}

// noteChannel fires the new-channel hook on a channel's first message.
func (rl *Relay) noteChannel(id chat.ChannelID) {
	rl.mu.Lock()
	_, known := rl.seen[id.Name]
	if !known {
		rl.seen[id.Name] = struct{}{}
	}
	rl.mu.Unlock()
	if !known && rl.onNewChannel != nil {
		rl.onNewChannel(id)
	}
}

func (rl *Relay) convert(id chat.ChannelID, req incomingRequest) chat.Event {
	kind := chat.KindChat
	var mod, member bool
	color := "#BABABA"
	switch req.Role {
	case "moderator":
		mod = true
		color = "#5E84F1"
	case "member":
		member = true
		color = "#2BA640"
	case "error":
		kind = chat.KindError
	}

	body := normalize.StripMarkup(req.Message)
	return chat.Event{
		Source:    id.Source,
		Channel:   id.Name,
		Timestamp: time.Now().UTC(),
		Author: chat.Author{
			Name:        req.Username,
			DisplayName: req.Username,
		},
		Segments: normalize.SplitSegments(body, rl.lookup(id)),
		Meta: chat.Meta{
			Moderator: mod,
			Member:    member,
			Color:     color,
		},
		Kind: kind,
	}
}

func (rl *Relay) lookup(id chat.ChannelID) normalize.Lookup {
	if rl.catalog == nil {
		return nil
	}
	return func(name string) (chat.EmoteRef, bool) {
		d, ok := rl.catalog.Lookup(id, name)
		if !ok {
			return chat.EmoteRef{}, false
		}
		return d.Ref(), true
	}
}

// handleOutgoing parks until a reply is queued for the channel or the poll
// window lapses. Each queued message is handed to exactly one poll.
func (rl *Relay) handleOutgoing(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeEmptyJSON(w)
		return
	}
	raw := strings.TrimPrefix(r.URL.Path, "/outgoing-msg/")
	channel, err := url.PathUnescape(raw)
	if err != nil || channel == "" {
		writeEmptyJSON(w)
		return
	}

	timer := time.NewTimer(rl.pollTimeout)
	defer timer.Stop()

	select {
	case msg := <-rl.queue(channel):
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(msg); err != nil {
			slog.Warn("relay poll reply failed", slog.Any("err", err))
		}
	case <-timer.C:
		telemetry.RelayPollTimeouts.Inc()
		writeEmptyJSON(w)
	case <-r.Context().Done():
		writeEmptyJSON(w)
	}
}

func writeEmptyJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte("{}"))
}

// statusRecorder wraps ResponseWriter to capture the status code for spans.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}
