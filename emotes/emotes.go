// Package emotes maintains per-channel emote catalogs merged from the four
// emote providers (Twitch Helix, FrankerFaceZ, BetterTTV, 7TV) plus emotes
// reported inline by the bridged platform's scraping agent.
//
// A catalog rebuild fetches every provider concurrently and replaces the
// channel's mapping wholesale: a failing provider contributes nothing but
// never blocks the others, and concurrent lookups observe either the old or
// the new catalog, never a mix. Name collisions resolve by a fixed provider
// precedence, lowest to highest: FFZ, BTTV, 7TV, Twitch; a channel's own set
// always wins over a global set.
package emotes

import (
	"multichat/chat"
)

// Size selects one of the provider-advertised image resolutions.
type Size int

const (
	SizeSmall Size = iota
	SizeMedium
	SizeLarge
)

func (s Size) String() string {
	switch s {
	case SizeSmall:
		return "1x"
	case SizeMedium:
		return "2x"
	case SizeLarge:
		return "3x"
	default:
		return "2x"
	}
}

// Descriptor describes one emote. (Provider, ID) is the true key;
// display names collide across providers and resolve by precedence.
type Descriptor struct {
	Provider  chat.EmoteProvider
	ID        string
	Name      string
	Animated  bool
	ZeroWidth bool
	// URLs holds candidate image URLs by size. Not every provider serves
	// every size; consumers fall back to the nearest available.
	URLs map[Size]string
	// OverrideColor and Priority carry flair styling for badge descriptors;
	// the lowest priority value among a user's flairs supplies the name color.
	OverrideColor string
	Priority      int
}

// Ref converts the descriptor to the key form embedded in chat events.
func (d Descriptor) Ref() chat.EmoteRef {
	return chat.EmoteRef{
		Provider:  d.Provider,
		ID:        d.ID,
		Name:      d.Name,
		ZeroWidth: d.ZeroWidth,
	}
}

// URL returns the best candidate URL for the requested size, falling back to
// whatever the provider offers.
func (d Descriptor) URL(size Size) string {
	if u, ok := d.URLs[size]; ok {
		return u
	}
	for _, s := range []Size{SizeMedium, SizeLarge, SizeSmall} {
		if u, ok := d.URLs[s]; ok {
			return u
		}
	}
	return ""
}

// precedence is the fixed collision order, lowest first. Applied identically
// on every rebuild so merges are deterministic.
var precedence = []chat.EmoteProvider{
	chat.EmoteFFZ,
	chat.EmoteBTTV,
	chat.EmoteSevenTV,
	chat.EmoteTwitch,
}
