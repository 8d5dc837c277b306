package wschat

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"multichat/bus"
	"multichat/chat"
	"multichat/normalize"
)

func newTestAdapter(b *bus.Bus) *Adapter {
	return New(Options{
		URL: "ws://example.invalid/ws",
		Bus: b,
		Lookup: normalize.Static(map[string]chat.EmoteRef{
			"OhKrappa": {Provider: chat.EmoteSevenTV, ID: "e1", Name: "OhKrappa"},
		}),
	})
}

func TestHandleMSG(t *testing.T) {
	b := bus.New(16)
	defer b.Close()
	sub := b.Subscribe(nil)
	s := &session{adapter: newTestAdapter(b)}

	frame := `MSG {"nick":"bob","features":["subscriber","flair9"],"timestamp":1700000000000,"data":"hello OhKrappa"}`
	if err := s.handle(frame); err != nil {
		t.Fatalf("handle: %v", err)
	}

	select {
	case ev := <-sub.C:
		if ev.Source != chat.SourceDGG || ev.Channel != ChannelName {
			t.Fatalf("identity %s/%s", ev.Source, ev.Channel)
		}
		if ev.Author.Name != "bob" {
			t.Errorf("author %q", ev.Author.Name)
		}
		if !ev.Meta.Member {
			t.Error("subscriber feature not mapped to member")
		}
		if ev.Timestamp.Unix() != 1700000000 {
			t.Errorf("timestamp %v", ev.Timestamp)
		}
		// The known emote name segments; plain text stays intact.
		var emoteSeen bool
		for _, seg := range ev.Segments {
			if seg.Emote != nil && seg.Emote.Name == "OhKrappa" {
				emoteSeen = true
			}
		}
		if !emoteSeen {
			t.Errorf("emote not segmented: %+v", ev.Segments)
		}
	case <-time.After(time.Second):
		t.Fatal("no event published")
	}
}

func TestConvertPicksLowestPriorityFlairColor(t *testing.T) {
	b := bus.New(16)
	defer b.Close()
	sub := b.Subscribe(nil)

	flairs := map[string]FlairStyle{
		"subscriber": {Color: "#488CE7", Priority: 9},
		"flair1":     {Color: "#B91010", Priority: 2},
		"hidden":     {Color: "", Priority: 0},
	}
	a := New(Options{
		URL: "ws://example.invalid/ws",
		Bus: b,
		Flair: func(feature string) (FlairStyle, bool) {
			fl, ok := flairs[feature]
			return fl, ok
		},
	})
	s := &session{adapter: a}

	frame := `MSG {"nick":"bob","features":["subscriber","hidden","flair1"],"timestamp":1700000000000,"data":"hi"}`
	if err := s.handle(frame); err != nil {
		t.Fatalf("handle: %v", err)
	}
	ev := <-sub.C
	if ev.Meta.Color != "#B91010" {
		t.Errorf("color %q, want the lowest-priority flair with a color", ev.Meta.Color)
	}
	if !ev.Meta.Member {
		t.Error("subscriber feature not mapped to member")
	}
}

func TestHandleModerationFrames(t *testing.T) {
	b := bus.New(16)
	defer b.Close()
	chatSub := b.Subscribe(nil)
	modSub := b.SubscribeModeration()
	s := &session{adapter: newTestAdapter(b)}

	tests := []struct {
		frame    string
		kind     chat.ModerationKind
		target   string
		duration time.Duration
	}{
		{`MUTE {"nick":"mod","data":"spammer","timestamp":1700000000000,"duration":600}`, chat.ModMute, "spammer", 10 * time.Minute},
		{`BAN {"nick":"mod","data":"troll","timestamp":1700000000000}`, chat.ModBan, "troll", 0},
		{`UNMUTE {"nick":"mod","data":"spammer","timestamp":1700000000000}`, chat.ModUnmute, "spammer", 0},
	}
	for _, tt := range tests {
		if err := s.handle(tt.frame); err != nil {
			t.Fatalf("handle %q: %v", tt.frame, err)
		}
		select {
		case m := <-modSub:
			if m.Kind != tt.kind || m.TargetUser != tt.target || m.Duration != tt.duration {
				t.Errorf("frame %q: got %+v", tt.frame, m)
			}
		case <-time.After(time.Second):
			t.Fatalf("frame %q: no moderation event", tt.frame)
		}
	}
	select {
	case ev := <-chatSub.C:
		t.Fatalf("moderation frame leaked onto chat stream: %+v", ev)
	default:
	}
}

func TestHandleBroadcastAndErr(t *testing.T) {
	b := bus.New(16)
	defer b.Close()
	sub := b.Subscribe(nil)
	s := &session{adapter: newTestAdapter(b)}

	if err := s.handle(`BROADCAST {"timestamp":1700000000000,"data":"stream is live"}`); err != nil {
		t.Fatalf("handle BROADCAST: %v", err)
	}
	ev := <-sub.C
	if ev.Kind != chat.KindAnnouncement || ev.Body() != "stream is live" {
		t.Fatalf("broadcast: kind=%v body=%q", ev.Kind, ev.Body())
	}

	if err := s.handle(`ERR {"description":"duplicate"}`); err != nil {
		t.Fatalf("handle ERR: %v", err)
	}
	ev = <-sub.C
	if ev.Kind != chat.KindError || ev.Body() != "The message is identical to the last one you sent" {
		t.Fatalf("err frame: kind=%v body=%q", ev.Kind, ev.Body())
	}

	if err := s.handle(`ERR {"description":"needlogin"}`); err != nil {
		t.Fatalf("handle ERR: %v", err)
	}
	ev = <-sub.C
	if ev.Kind != chat.KindError || ev.Body() != "needlogin" {
		t.Fatalf("err frame: kind=%v body=%q", ev.Kind, ev.Body())
	}
}

func TestHandleHousekeepingFramesAreSilent(t *testing.T) {
	b := bus.New(16)
	defer b.Close()
	sub := b.Subscribe(nil)
	s := &session{adapter: newTestAdapter(b)}

	for _, frame := range []string{
		`JOIN {"nick":"bob"}`,
		`QUIT {"nick":"bob"}`,
		`NAMES {"connectioncount":1234,"users":[]}`,
	} {
		if err := s.handle(frame); err != nil {
			t.Errorf("handle %q: %v", frame, err)
		}
	}
	select {
	case ev := <-sub.C:
		t.Fatalf("housekeeping frame published an event: %+v", ev)
	default:
	}
}

func TestHandleMalformedFrames(t *testing.T) {
	b := bus.New(16)
	defer b.Close()
	s := &session{adapter: newTestAdapter(b)}

	for _, frame := range []string{
		`MSG not-json`,
		`MUTE [1,2,3]`,
	} {
		if err := s.handle(frame); err == nil {
			t.Errorf("handle %q: expected an error", frame)
		}
	}

	// Commands this client does not know are ignored, not treated as
	// malformed frames.
	if err := s.handle(`POLLSTART {"weighted":false}`); err != nil {
		t.Errorf("handle unknown command: %v", err)
	}
}

func TestSendRequiresLiveSession(t *testing.T) {
	b := bus.New(16)
	defer b.Close()
	a := newTestAdapter(b)

	err := a.Send(chat.SendRequest{Channel: a.ChannelID(), Text: "hi"})
	if err == nil {
		t.Fatal("send without a live session should fail")
	}
	if !strings.Contains(err.Error(), chat.ErrNotConnected.Error()) {
		t.Fatalf("error %v", err)
	}
}

// TestDialAndEcho runs a real WebSocket server to cover the dial path and the
// outgoing MSG frame shape.
func TestDialAndEcho(t *testing.T) {
	upgrader := websocket.Upgrader{}
	frames := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Cookie"); !strings.Contains(got, "authtoken=tok123") {
			t.Errorf("cookie header %q", got)
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return
		}
		frames <- string(raw)
	}))
	defer srv.Close()

	b := bus.New(16)
	defer b.Close()
	a := New(Options{
		URL:       "ws" + strings.TrimPrefix(srv.URL, "http"),
		AuthToken: "tok123",
		Bus:       b,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sess, err := a.Dial(ctx)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer sess.Close()

	if err := a.Send(chat.SendRequest{Channel: a.ChannelID(), Text: "hello"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case frame := <-frames:
		want := fmt.Sprintf("MSG %s", `{"data":"hello"}`)
		if frame != want {
			t.Fatalf("wire frame %q, want %q", frame, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("server never received the frame")
	}
}
