package twitchchat

import (
	"errors"
	"testing"
	"time"

	twitch "github.com/gempir/go-twitch-irc/v4"

	"multichat/bus"
	"multichat/chat"
)

func testMessage() twitch.PrivateMessage {
	return twitch.PrivateMessage{
		ID:      "abc-123",
		Channel: "SomeStreamer",
		Message: "nice Kappa",
		Time:    time.Unix(1700000000, 0),
		User: twitch.User{
			ID:          "u1",
			Name:        "bob",
			DisplayName: "Bob",
			Color:       "#FF0000",
			Badges:      map[string]int{"subscriber": 12},
		},
		Emotes: []*twitch.Emote{{Name: "Kappa", ID: "25"}},
	}
}

func TestConvertPrivateMessage(t *testing.T) {
	b := bus.New(16)
	defer b.Close()
	a := New(Options{Bus: b})

	ev := a.convert(testMessage())

	if ev.ID != "abc-123" || ev.Source != chat.SourceTwitch {
		t.Fatalf("identity: %+v", ev)
	}
	if ev.Channel != "somestreamer" {
		t.Errorf("channel not lowercased: %q", ev.Channel)
	}
	if ev.Author.Name != "bob" || ev.Author.DisplayName != "Bob" {
		t.Errorf("author: %+v", ev.Author)
	}
	if ev.Meta.Color != "#FF0000" {
		t.Errorf("color: %q", ev.Meta.Color)
	}
	if !ev.Meta.Member || ev.Meta.Moderator {
		t.Errorf("badges mapped wrong: %+v", ev.Meta)
	}
	if ev.Timestamp.Unix() != 1700000000 {
		t.Errorf("timestamp: %v", ev.Timestamp)
	}
	if ev.Body() != "nice Kappa" {
		t.Errorf("body: %q", ev.Body())
	}
}

func TestConvertResolvesTagEmbeddedEmotes(t *testing.T) {
	b := bus.New(16)
	defer b.Close()
	// No catalog at all: the IRC tag alone must be enough to resolve.
	a := New(Options{Bus: b})

	ev := a.convert(testMessage())

	var ref *chat.EmoteRef
	for _, seg := range ev.Segments {
		if seg.Emote != nil {
			ref = seg.Emote
		}
	}
	if ref == nil {
		t.Fatalf("tag-embedded emote not segmented: %+v", ev.Segments)
	}
	if ref.Provider != chat.EmoteTwitch || ref.ID != "25" || ref.Name != "Kappa" {
		t.Fatalf("emote ref: %+v", ref)
	}
}

func TestConvertModeratorBadge(t *testing.T) {
	b := bus.New(16)
	defer b.Close()
	a := New(Options{Bus: b})

	msg := testMessage()
	msg.User.Badges = map[string]int{"moderator": 1}
	if ev := a.convert(msg); !ev.Meta.Moderator {
		t.Error("moderator badge not mapped")
	}

	msg.User.Badges = map[string]int{"broadcaster": 1}
	if ev := a.convert(msg); !ev.Meta.Moderator {
		t.Error("broadcaster badge not mapped to moderator")
	}
}

func TestJoinDepartTracksChannels(t *testing.T) {
	b := bus.New(16)
	defer b.Close()
	a := New(Options{Bus: b})

	a.Join("#SomeStreamer")
	a.Join("other")
	if got := a.Channels(); len(got) != 2 {
		t.Fatalf("channels: %v", got)
	}
	for _, name := range a.Channels() {
		if name != "somestreamer" && name != "other" {
			t.Fatalf("channel name not normalized: %q", name)
		}
	}

	a.Depart("somestreamer")
	if got := a.Channels(); len(got) != 1 || got[0] != "other" {
		t.Fatalf("after depart: %v", got)
	}
}

func TestSendWithoutConnection(t *testing.T) {
	b := bus.New(16)
	defer b.Close()
	a := New(Options{Bus: b, Username: "bot", OAuth: "oauth:xyz"})

	err := a.Send(chat.SendRequest{
		Channel: chat.ChannelID{Source: chat.SourceTwitch, Name: "somestreamer"},
		Text:    "hi",
	})
	if !errors.Is(err, chat.ErrNotConnected) {
		t.Fatalf("got %v, want ErrNotConnected", err)
	}
}
