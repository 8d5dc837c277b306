// Package history persists recent messages per channel in an embedded SQLite
// database so a fresh session can backfill scrollback. Writes are queued and
// flushed off the hot path: the ingestion pipeline never blocks on disk.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"multichat/chat"
	"multichat/telemetry"
)

const (
	queueDepth = 256
	// trimEvery bounds how often the per-channel retention delete runs.
	trimEvery = 64
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	source    TEXT NOT NULL,
	channel   TEXT NOT NULL,
	author    TEXT NOT NULL,
	body      TEXT NOT NULL,
	kind      INTEGER NOT NULL,
	ts        TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_channel ON messages(source, channel, id);
CREATE INDEX IF NOT EXISTS idx_messages_author ON messages(source, channel, author, id);
`

// Store is the append-mostly message log.
type Store struct {
	db    *sql.DB
	keep  int
	queue chan chat.Event
}

// Open opens (or creates) the database at dsn and applies the schema. keep is
// the per-channel retention count; <=0 means keep everything.
func Open(dsn string, keep int) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	// modernc sqlite is single-writer; serialize access through one conn.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply history schema: %w", err)
	}
	telemetry.Init()
	return &Store{
		db:    db,
		keep:  keep,
		queue: make(chan chat.Event, queueDepth),
	}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Record enqueues an event for persistence. It never blocks: under sustained
// disk pressure the oldest history is the right thing to lose.
func (s *Store) Record(ev chat.Event) {
	select {
	case s.queue <- ev:
	default:
		telemetry.HistoryDropped.Inc()
		slog.Debug("history queue full, dropping message",
			slog.String("channel", ev.ChannelID().String()))
	}
}

// Run drains the write queue until ctx is cancelled.
func (s *Store) Run(ctx context.Context) {
	sinceTrim := 0
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.queue:
			if err := s.insert(ctx, ev); err != nil {
				slog.Warn("history insert failed", slog.Any("err", err))
				continue
			}
			sinceTrim++
			if s.keep > 0 && sinceTrim >= trimEvery {
				sinceTrim = 0
				if err := s.trim(ctx, ev.Source, ev.Channel); err != nil {
					slog.Warn("history trim failed", slog.Any("err", err))
				}
			}
		}
	}
}

func (s *Store) insert(ctx context.Context, ev chat.Event) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (source, channel, author, body, kind, ts) VALUES (?, ?, ?, ?, ?, ?)`,
		string(ev.Source), ev.Channel, ev.Author.Name, ev.Body(), int(ev.Kind), ev.Timestamp)
	return err
}

func (s *Store) trim(ctx context.Context, src chat.Source, channel string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM messages WHERE source = ? AND channel = ? AND id NOT IN (
			SELECT id FROM messages WHERE source = ? AND channel = ? ORDER BY id DESC LIMIT ?)`,
		string(src), channel, string(src), channel, s.keep)
	return err
}

// Recent returns up to limit messages for the channel, oldest first. Emote
// segmentation is not persisted; bodies come back as single text segments.
func (s *Store) Recent(ctx context.Context, id chat.ChannelID, limit int) ([]chat.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT author, body, kind, ts FROM messages
		 WHERE source = ? AND channel = ? ORDER BY id DESC LIMIT ?`,
		string(id.Source), id.Name, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	return collect(rows, id)
}

// RecentByUser returns up to limit of one author's messages on the channel,
// oldest first. Backs the per-user recent message popup.
func (s *Store) RecentByUser(ctx context.Context, id chat.ChannelID, author string, limit int) ([]chat.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT author, body, kind, ts FROM messages
		 WHERE source = ? AND channel = ? AND author = ? ORDER BY id DESC LIMIT ?`,
		string(id.Source), id.Name, author, limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	return collect(rows, id)
}

func collect(rows *sql.Rows, id chat.ChannelID) ([]chat.Event, error) {
	defer rows.Close()
	var out []chat.Event
	for rows.Next() {
		var author, body string
		var kind int
		var ts time.Time
		if err := rows.Scan(&author, &body, &kind, &ts); err != nil {
			return nil, err
		}
		out = append(out, chat.Event{
			Source:    id.Source,
			Channel:   id.Name,
			Timestamp: ts,
			Author:    chat.Author{Name: author},
			Segments:  []chat.Segment{{Text: body}},
			Kind:      chat.MessageKind(kind),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Reverse to oldest-first for scrollback insertion.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}
