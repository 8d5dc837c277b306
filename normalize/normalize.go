// Package normalize turns raw platform message bodies into the canonical
// segment form: runs of plain text interleaved with emote references.
//
// Emote matching is whole-token: the body is split on spaces and each token
// is looked up verbatim, so a name that is a prefix of another ("Kappa" vs
// "KappaPride") can never shadow the longer one.
package normalize

import (
	"html"
	"strings"

	"multichat/chat"
)

// Lookup resolves a candidate token to an emote reference.
type Lookup func(name string) (chat.EmoteRef, bool)

// SplitSegments tokenizes body on spaces and replaces tokens the lookup
// recognizes with emote segments. Adjacent unmatched tokens collapse into a
// single text segment with original spacing preserved.
func SplitSegments(body string, lookup Lookup) []chat.Segment {
	if body == "" {
		return nil
	}
	if lookup == nil {
		return []chat.Segment{{Text: body}}
	}

	var segs []chat.Segment
	var text strings.Builder
	flush := func() {
		if text.Len() > 0 {
			segs = append(segs, chat.Segment{Text: text.String()})
			text.Reset()
		}
	}

	start := 0
	for start < len(body) {
		end := start
		for end < len(body) && body[end] != ' ' {
			end++
		}
		ws := end
		for ws < len(body) && body[ws] == ' ' {
			ws++
		}
		token := body[start:end]
		if ref, ok := lookup(token); ok && token != "" {
			flush()
			r := ref
			segs = append(segs, chat.Segment{Emote: &r})
			text.WriteString(body[end:ws])
		} else {
			text.WriteString(body[start:ws])
		}
		start = ws
	}
	flush()
	return segs
}

// Chain tries lookups in order, first hit wins.
func Chain(lookups ...Lookup) Lookup {
	return func(name string) (chat.EmoteRef, bool) {
		for _, l := range lookups {
			if l == nil {
				continue
			}
			if ref, ok := l(name); ok {
				return ref, true
			}
		}
		return chat.EmoteRef{}, false
	}
}

// Static builds a lookup over a fixed name set, used for tag-embedded emotes
// that may not be in the catalog yet.
func Static(refs map[string]chat.EmoteRef) Lookup {
	if len(refs) == 0 {
		return nil
	}
	return func(name string) (chat.EmoteRef, bool) {
		ref, ok := refs[name]
		return ref, ok
	}
}

// StripMarkup removes HTML tags and unescapes entities. Scraped bodies from
// the bridged platform arrive with link anchors and escaped punctuation.
func StripMarkup(body string) string {
	if !strings.ContainsAny(body, "<&") {
		return body
	}
	var b strings.Builder
	b.Grow(len(body))
	inTag := false
	for _, r := range body {
		switch {
		case inTag:
			if r == '>' {
				inTag = false
			}
		case r == '<':
			inTag = true
		default:
			b.WriteRune(r)
		}
	}
	return html.UnescapeString(b.String())
}
