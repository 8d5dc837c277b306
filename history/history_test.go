package history

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"multichat/chat"
)

func openTestStore(t *testing.T, keep int) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"), keep)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testEvent(channel string, n int) chat.Event {
	return chat.Event{
		Source:    chat.SourceTwitch,
		Channel:   channel,
		Timestamp: time.Unix(1700000000+int64(n), 0).UTC(),
		Author:    chat.Author{Name: "bob"},
		Segments:  []chat.Segment{{Text: fmt.Sprintf("msg-%d", n)}},
		Kind:      chat.KindChat,
	}
}

func TestInsertAndRecent(t *testing.T) {
	s := openTestStore(t, 0)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := s.insert(ctx, testEvent("alpha", i)); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}
	if err := s.insert(ctx, testEvent("beta", 99)); err != nil {
		t.Fatalf("insert beta: %v", err)
	}

	got, err := s.Recent(ctx, chat.ChannelID{Source: chat.SourceTwitch, Name: "alpha"}, 10)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 5 {
		t.Fatalf("%d rows, want 5", len(got))
	}
	// Oldest first for scrollback insertion.
	for i, ev := range got {
		if want := fmt.Sprintf("msg-%d", i); ev.Body() != want {
			t.Errorf("row %d: %q, want %q", i, ev.Body(), want)
		}
		if ev.Channel != "alpha" {
			t.Errorf("row %d leaked channel %q", i, ev.Channel)
		}
	}
}

func TestRecentByUser(t *testing.T) {
	s := openTestStore(t, 0)
	ctx := context.Background()
	id := chat.ChannelID{Source: chat.SourceTwitch, Name: "alpha"}

	for i := 0; i < 3; i++ {
		if err := s.insert(ctx, testEvent("alpha", i)); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	other := testEvent("alpha", 50)
	other.Author.Name = "alice"
	if err := s.insert(ctx, other); err != nil {
		t.Fatalf("insert: %v", err)
	}

	got, err := s.RecentByUser(ctx, id, "bob", 10)
	if err != nil {
		t.Fatalf("RecentByUser: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("%d rows, want 3", len(got))
	}
	for i, ev := range got {
		if ev.Author.Name != "bob" {
			t.Errorf("row %d author %q", i, ev.Author.Name)
		}
		if want := fmt.Sprintf("msg-%d", i); ev.Body() != want {
			t.Errorf("row %d: %q, want %q", i, ev.Body(), want)
		}
	}

	if got, err = s.RecentByUser(ctx, id, "nobody", 10); err != nil || len(got) != 0 {
		t.Fatalf("unknown author: %v rows, err %v", got, err)
	}
}

func TestRecentHonorsLimit(t *testing.T) {
	s := openTestStore(t, 0)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		if err := s.insert(ctx, testEvent("alpha", i)); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	got, err := s.Recent(ctx, chat.ChannelID{Source: chat.SourceTwitch, Name: "alpha"}, 3)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("%d rows, want 3", len(got))
	}
	// The newest three, oldest of them first.
	if got[0].Body() != "msg-7" || got[2].Body() != "msg-9" {
		t.Fatalf("window wrong: %q .. %q", got[0].Body(), got[2].Body())
	}
}

func TestTrimKeepsNewestPerChannel(t *testing.T) {
	s := openTestStore(t, 3)
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		if err := s.insert(ctx, testEvent("alpha", i)); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	if err := s.insert(ctx, testEvent("beta", 0)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := s.trim(ctx, chat.SourceTwitch, "alpha"); err != nil {
		t.Fatalf("trim: %v", err)
	}

	got, err := s.Recent(ctx, chat.ChannelID{Source: chat.SourceTwitch, Name: "alpha"}, 100)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 3 || got[0].Body() != "msg-7" {
		t.Fatalf("after trim: %d rows starting at %q", len(got), got[0].Body())
	}

	// Other channels are untouched.
	got, err = s.Recent(ctx, chat.ChannelID{Source: chat.SourceTwitch, Name: "beta"}, 100)
	if err != nil || len(got) != 1 {
		t.Fatalf("beta rows: %d (%v)", len(got), err)
	}
}

func TestRunDrainsQueue(t *testing.T) {
	s := openTestStore(t, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	for i := 0; i < 5; i++ {
		s.Record(testEvent("alpha", i))
	}

	id := chat.ChannelID{Source: chat.SourceTwitch, Name: "alpha"}
	deadline := time.Now().Add(5 * time.Second)
	for {
		got, err := s.Recent(context.Background(), id, 10)
		if err != nil {
			t.Fatalf("Recent: %v", err)
		}
		if len(got) == 5 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("queue not drained: %d rows", len(got))
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRecordNeverBlocks(t *testing.T) {
	s := openTestStore(t, 0)
	// No Run loop: the queue fills up and further records must drop, not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < queueDepth*2; i++ {
			s.Record(testEvent("alpha", i))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Record blocked on a full queue")
	}
}
