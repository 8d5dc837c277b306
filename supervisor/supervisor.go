// Package supervisor owns connection lifecycle for chat adapters: dial with a
// deadline, run the session until it drops, then retry with exponential
// backoff. Adapters implement Dialer/Session and stay free of retry logic.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"multichat/bus"
	"multichat/chat"
	"multichat/telemetry"
)

// Dialer establishes one connection attempt. Dial must honor ctx so a hung
// handshake is bounded by the supervisor's connect timeout.
type Dialer interface {
	Dial(ctx context.Context) (Session, error)
}

// Session is an established connection. Run blocks until the connection
// drops and returns the cause; a nil return means a clean shutdown and stops
// the supervisor loop.
type Session interface {
	Run(ctx context.Context) error
	Close() error
}

// Options configure a Supervisor.
type Options struct {
	Channel        chat.ChannelID
	Dialer         Dialer
	Bus            *bus.Bus
	ConnectTimeout time.Duration
	BackoffMin     time.Duration
	BackoffMax     time.Duration
}

// Supervisor keeps one logical connection alive across failures.
type Supervisor struct {
	ch      chat.ChannelID
	dial    Dialer
	bus     *bus.Bus
	timeout time.Duration
	bo      *backoff.ExponentialBackOff

	// kick wakes a sleeping backoff for an immediate manual retry.
	kick chan struct{}
}

func New(opts Options) *Supervisor {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 15 * time.Second
	}
	if opts.BackoffMin <= 0 {
		opts.BackoffMin = 3 * time.Second
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = time.Minute
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = opts.BackoffMin
	bo.MaxInterval = opts.BackoffMax
	return &Supervisor{
		ch:      opts.Channel,
		dial:    opts.Dialer,
		bus:     opts.Bus,
		timeout: opts.ConnectTimeout,
		bo:      bo,
		kick:    make(chan struct{}, 1),
	}
}

// Reconnect resets the backoff and triggers an immediate retry if the
// supervisor is currently waiting one out.
func (s *Supervisor) Reconnect() {
	s.bo.Reset()
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Run drives the connect/serve/backoff loop until ctx is cancelled or the
// session ends cleanly.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		s.setState(chat.StateConnecting, nil)

		dctx, cancel := context.WithTimeout(ctx, s.timeout)
		sess, err := s.dial.Dial(dctx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			cerr := &chat.ConnectError{Channel: s.ch, Err: err}
			s.announce(chat.KindError, fmt.Sprintf("connection failed: %v", err))
			if waitErr := s.wait(ctx, cerr); waitErr != nil {
				return waitErr
			}
			continue
		}

		s.bo.Reset()
		s.setState(chat.StateConnected, nil)
		s.announce(chat.KindSystem, "connected")

		err = sess.Run(ctx)
		if cerr := sess.Close(); cerr != nil && !errors.Is(cerr, context.Canceled) {
			slog.Debug("session close", slog.String("channel", s.ch.String()), slog.Any("err", cerr))
		}
		if err == nil || ctx.Err() != nil {
			s.setState(chat.StateDisconnected, nil)
			return ctx.Err()
		}

		telemetry.Reconnects.WithLabelValues(string(s.ch.Source)).Inc()
		s.announce(chat.KindError, fmt.Sprintf("disconnected: %v", err))
		if waitErr := s.wait(ctx, err); waitErr != nil {
			return waitErr
		}
	}
}

// wait sleeps out the next backoff interval, interruptible by a manual
// reconnect or context cancellation.
func (s *Supervisor) wait(ctx context.Context, cause error) error {
	// A kick posted while no wait was in progress (e.g. Reconnect issued on a
	// healthy connection) has nothing to interrupt; drop it so the next
	// genuine failure still backs off.
	select {
	case <-s.kick:
	default:
	}
	d := s.bo.NextBackOff()
	s.setState(chat.StateBackoff, cause)
	slog.Info("reconnecting after backoff",
		slog.String("channel", s.ch.String()),
		slog.Duration("wait", d),
		slog.Any("err", cause))

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		s.setState(chat.StateDisconnected, nil)
		return ctx.Err()
	case <-s.kick:
		return nil
	case <-t.C:
		return nil
	}
}

func (s *Supervisor) setState(st chat.ConnState, err error) {
	if s.bus == nil {
		return
	}
	s.bus.PublishStatus(chat.StatusEvent{
		Channel: s.ch,
		State:   st,
		Err:     err,
		At:      time.Now().UTC(),
	})
}

func (s *Supervisor) announce(kind chat.MessageKind, text string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(chat.SystemEvent(s.ch, kind, text))
}
