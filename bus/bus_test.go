package bus

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"multichat/chat"
)

func event(ch string, n int) chat.Event {
	return chat.Event{
		Source:   chat.SourceTwitch,
		Channel:  ch,
		Segments: []chat.Segment{{Text: fmt.Sprintf("msg-%d", n)}},
		Kind:     chat.KindChat,
	}
}

func TestPublishPreservesChannelOrder(t *testing.T) {
	b := New(16)
	defer b.Close()
	sub := b.SubscribeChannel(chat.ChannelID{Source: chat.SourceTwitch, Name: "alpha"})

	for i := 0; i < 10; i++ {
		b.Publish(event("alpha", i))
		b.Publish(event("beta", i)) // must be filtered out
	}

	for i := 0; i < 10; i++ {
		select {
		case got := <-sub.C:
			if want := fmt.Sprintf("msg-%d", i); got.Body() != want {
				t.Fatalf("event %d: got %q, want %q", i, got.Body(), want)
			}
			if got.Channel != "alpha" {
				t.Fatalf("filter leaked channel %q", got.Channel)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestPublishDropsOldestWhenSubscriberLags(t *testing.T) {
	b := New(4)
	defer b.Close()
	sub := b.Subscribe(nil)

	// Publish more than the buffer holds without draining.
	for i := 0; i < 10; i++ {
		b.Publish(event("alpha", i))
	}

	// The newest event must have survived; the oldest must be gone.
	var got []string
	for {
		select {
		case e := <-sub.C:
			got = append(got, e.Body())
			continue
		default:
		}
		break
	}
	if len(got) != 4 {
		t.Fatalf("buffered %d events, want 4", len(got))
	}
	if got[len(got)-1] != "msg-9" {
		t.Fatalf("newest event lost: last buffered is %q", got[len(got)-1])
	}
	if got[0] == "msg-0" {
		t.Fatal("oldest event should have been discarded first")
	}
}

func TestPublishNeverBlocksPublisher(t *testing.T) {
	b := New(2)
	defer b.Close()
	_ = b.Subscribe(nil) // never drained

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			b.Publish(event("alpha", i))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publisher blocked on a lagging subscriber")
	}
}

func TestModerationEventsStayOffChatStream(t *testing.T) {
	b := New(8)
	defer b.Close()
	chatSub := b.Subscribe(nil)
	modSub := b.SubscribeModeration()

	b.PublishModeration(chat.ModerationEvent{
		Channel:    chat.ChannelID{Source: chat.SourceDGG, Name: "dgg"},
		Kind:       chat.ModMute,
		TargetUser: "bob",
		Duration:   10 * time.Minute,
	})

	select {
	case m := <-modSub:
		if m.TargetUser != "bob" || m.Kind != chat.ModMute {
			t.Fatalf("unexpected moderation event: %+v", m)
		}
	case <-time.After(time.Second):
		t.Fatal("moderation event not delivered")
	}
	select {
	case e := <-chatSub.C:
		t.Fatalf("moderation event leaked onto chat stream: %+v", e)
	default:
	}
}

type recordingSender struct {
	got []chat.SendRequest
	err error
}

func (r *recordingSender) Send(req chat.SendRequest) error {
	r.got = append(r.got, req)
	return r.err
}

func TestSendRoutesToOwningSource(t *testing.T) {
	b := New(8)
	defer b.Close()
	tw := &recordingSender{}
	b.RegisterSender(chat.SourceTwitch, tw)

	req := chat.SendRequest{
		Channel: chat.ChannelID{Source: chat.SourceTwitch, Name: "alpha"},
		Text:    "hello",
	}
	if err := b.Send(req); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(tw.got) != 1 || tw.got[0].Text != "hello" {
		t.Fatalf("sender got %+v", tw.got)
	}

	err := b.Send(chat.SendRequest{
		Channel: chat.ChannelID{Source: chat.SourceDGG, Name: "dgg"},
		Text:    "nope",
	})
	if !errors.Is(err, chat.ErrNotConnected) {
		t.Fatalf("send to unregistered source: got %v, want ErrNotConnected", err)
	}
}

func TestUnregisterSender(t *testing.T) {
	b := New(8)
	defer b.Close()
	b.RegisterSender(chat.SourceTwitch, &recordingSender{})
	b.UnregisterSender(chat.SourceTwitch)

	err := b.Send(chat.SendRequest{Channel: chat.ChannelID{Source: chat.SourceTwitch, Name: "alpha"}})
	if !errors.Is(err, chat.ErrNotConnected) {
		t.Fatalf("got %v, want ErrNotConnected", err)
	}
}
