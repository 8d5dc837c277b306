// Package chat defines the canonical event model shared by every transport
// adapter and consumer: normalized chat events, moderation events, connection
// status events, and the error taxonomy used at component boundaries.
//
// Events are immutable once published. A chat event's body is an ordered
// sequence of text and emote segments; emote segments carry descriptor keys
// only, never image data. Image resolution happens separately through the
// asset cache so ingestion never blocks on network fetches.
package chat
