package chat

import (
	"errors"
	"fmt"
)

// ErrNotConnected is returned by Send when no live session exists for the
// target channel.
var ErrNotConnected = errors.New("not connected")

// ConnectError reports a failure establishing or keeping a transport session.
// It routes the channel into backoff; it is never fatal to the process.
type ConnectError struct {
	Channel ChannelID
	Err     error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("connect %s: %v", e.Channel, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// ProtocolError reports a malformed frame on a live connection. The frame is
// dropped and the connection stays alive unless malformations recur past the
// adapter's threshold.
type ProtocolError struct {
	Channel ChannelID
	Frame   string
	Err     error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol %s: %v", e.Channel, e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// ProviderError reports an emote API failure, isolated per provider so the
// remaining providers still populate the catalog.
type ProviderError struct {
	Provider EmoteProvider
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("emote provider %s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// AssetError reports an emote image download or decode failure. The cache
// records it as a terminal state for the session; no automatic retry.
type AssetError struct {
	Key string
	Err error
}

func (e *AssetError) Error() string {
	return fmt.Sprintf("asset %s: %v", e.Key, e.Err)
}

func (e *AssetError) Unwrap() error { return e.Err }

// ConfigError reports an invalid engine configuration, such as a channel that
// references a disabled or unconfigured source. It is fatal to that channel's
// activation, not to the process.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }
