// Package assets is the emote image pipeline: on-demand download, disk-backed
// caching, and decode of static and animated formats, exposed to the
// presentation layer as lazily resolving handles.
//
// A Get returns immediately with a placeholder handle that later resolves to
// decoded frames or a terminal Failed state. Concurrent requests for the same
// content key coalesce into a single download. Decode failures are final for
// the session so the UI shows a stable fallback instead of retry-looping.
// In-memory residency is bounded by an LRU byte budget; the disk copy is kept
// so evicted entries re-decode without a network round trip.
package assets

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"multichat/chat"
	"multichat/emotes"
	"multichat/telemetry"
)

// State is the lifecycle of a handle.
type State int

const (
	StatePending State = iota
	StateReady
	StateFailed
)

// Handle is the placeholder returned by Get. It resolves asynchronously.
type Handle struct {
	key string

	done   chan struct{}
	frames []Frame
	err    error
}

// Key is the content key (provider+id+size) of the handle.
func (h *Handle) Key() string { return h.key }

// Done is closed when the handle has resolved either way.
func (h *Handle) Done() <-chan struct{} { return h.done }

// State reports the current resolution state without blocking.
func (h *Handle) State() State {
	select {
	case <-h.done:
		if h.err != nil {
			return StateFailed
		}
		return StateReady
	default:
		return StatePending
	}
}

// Frames returns the decoded frames once resolved. Calling before Done is
// closed returns StatePending behavior: nil frames and no error.
func (h *Handle) Frames() ([]Frame, error) {
	select {
	case <-h.done:
		return h.frames, h.err
	default:
		return nil, nil
	}
}

// Wait blocks until the handle resolves or ctx is done.
func (h *Handle) Wait(ctx context.Context) ([]Frame, error) {
	select {
	case <-h.done:
		return h.frames, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (h *Handle) resolve(frames []Frame, err error) {
	h.frames = frames
	h.err = err
	close(h.done)
}

type entry struct {
	handle *Handle
	bytes  int64
	// LRU position; zero time means not yet resolved.
	lastUse time.Time
}

// Cache implements the emote asset pipeline.
type Cache struct {
	dir    string
	client *http.Client
	size   emotes.Size
	budget int64

	mu      sync.Mutex
	entries map[string]*entry
	bytes   int64

	flight singleflight.Group

	// fetchCtx outlives individual channels: closing a tab does not cancel
	// in-flight fetches, clearing the whole cache does.
	fetchMu   sync.Mutex
	fetchCtx  context.Context
	fetchStop context.CancelFunc
}

// New returns a cache storing raw downloads under dir with the given
// in-memory byte budget for decoded frames (<=0 means unbounded).
func New(dir string, budget int64, client *http.Client) *Cache {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	telemetry.Init()
	ctx, cancel := context.WithCancel(context.Background())
	return &Cache{
		dir:       dir,
		client:    client,
		size:      emotes.SizeMedium,
		budget:    budget,
		entries:   make(map[string]*entry),
		fetchCtx:  ctx,
		fetchStop: cancel,
	}
}

// Key derives the content key for a descriptor at the cache's download size.
func (c *Cache) Key(d emotes.Descriptor) string {
	return fmt.Sprintf("%s/%s/%s", d.Provider, d.ID, c.size)
}

// Get returns a handle for the descriptor, starting a fetch on first sight.
// At most one download runs per content key regardless of caller count.
func (c *Cache) Get(d emotes.Descriptor) *Handle {
	key := c.Key(d)

	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		e.lastUse = time.Now()
		c.mu.Unlock()
		telemetry.AssetCacheHits.Inc()
		return e.handle
	}
	h := &Handle{key: key, done: make(chan struct{})}
	c.entries[key] = &entry{handle: h}
	c.mu.Unlock()
	telemetry.AssetCacheMisses.Inc()

	go c.fill(d, key, h)
	return h
}

func (c *Cache) fill(d emotes.Descriptor, key string, h *Handle) {
	v, err, _ := c.flight.Do(key, func() (any, error) {
		return c.load(d, key)
	})
	if err != nil {
		telemetry.AssetFetchFailed.Inc()
		aerr := &chat.AssetError{Key: key, Err: err}
		slog.Warn("emote asset failed", slog.String("key", key), slog.Any("err", err))
		h.resolve(nil, aerr)
		return
	}
	frames := v.([]Frame)
	h.resolve(frames, nil)

	c.mu.Lock()
	if e, ok := c.entries[key]; ok && e.handle == h {
		e.bytes = framesBytes(frames)
		e.lastUse = time.Now()
		c.bytes += e.bytes
		c.evictOverBudgetLocked()
		telemetry.AssetMemoryBytes.Set(float64(c.bytes))
	}
	c.mu.Unlock()
}

// evictOverBudgetLocked drops the least recently used Ready entries until the
// decoded-frame residency fits the budget. Pending and Failed entries are
// pinned: Failed must stay terminal for the session, Pending is not yet
// accounted. Disk copies are kept.
func (c *Cache) evictOverBudgetLocked() {
	if c.budget <= 0 {
		return
	}
	for c.bytes > c.budget {
		var oldestKey string
		var oldest *entry
		for k, e := range c.entries {
			if e.handle.State() != StateReady || e.bytes == 0 {
				continue
			}
			if oldest == nil || e.lastUse.Before(oldest.lastUse) {
				oldest, oldestKey = e, k
			}
		}
		if oldest == nil {
			return
		}
		c.bytes -= oldest.bytes
		delete(c.entries, oldestKey)
	}
}

// EvictAll cancels in-flight fetches and clears memory and disk.
func (c *Cache) EvictAll() error {
	c.fetchMu.Lock()
	c.fetchStop()
	ctx, cancel := context.WithCancel(context.Background())
	c.fetchCtx, c.fetchStop = ctx, cancel
	c.fetchMu.Unlock()

	c.mu.Lock()
	c.entries = make(map[string]*entry)
	c.bytes = 0
	telemetry.AssetMemoryBytes.Set(0)
	c.mu.Unlock()

	if c.dir == "" {
		return nil
	}
	return os.RemoveAll(c.dir)
}

func (c *Cache) fetchContext() context.Context {
	c.fetchMu.Lock()
	defer c.fetchMu.Unlock()
	return c.fetchCtx
}

// load serves from disk when present, otherwise downloads, persists, and
// decodes.
func (c *Cache) load(d emotes.Descriptor, key string) ([]Frame, error) {
	if raw, ext, ok := c.readDisk(key); ok {
		frames, err := decode(ext, raw)
		if err == nil {
			return frames, nil
		}
		slog.Debug("cached asset failed to decode, re-downloading",
			slog.String("key", key), slog.Any("err", err))
	}

	telemetry.AssetFetchStarted.Inc()
	start := time.Now()
	ctx, cancel := context.WithTimeout(c.fetchContext(), 30*time.Second)
	defer cancel()

	var lastErr error
	for _, url := range c.candidates(d) {
		raw, ext, err := c.download(ctx, url)
		if err != nil {
			lastErr = err
			continue
		}
		frames, err := decode(ext, raw)
		if err != nil {
			lastErr = err
			continue
		}
		c.writeDisk(key, ext, raw)
		telemetry.AssetFetchOK.Inc()
		telemetry.AssetFetchDuration.Observe(time.Since(start).Seconds())
		return frames, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no candidate urls")
	}
	return nil, lastErr
}

// candidates lists download URLs in preference order. Twitch animated emotes
// fall back to the static variant when the animated CDN path 404s.
func (c *Cache) candidates(d emotes.Descriptor) []string {
	urls := []string{}
	if u := d.URL(c.size); u != "" {
		urls = append(urls, u)
	}
	if len(urls) > 0 && d.Provider == chat.EmoteTwitch && d.Animated {
		static := emotes.Descriptor{
			Provider: d.Provider, ID: d.ID, Name: d.Name,
			URLs: map[emotes.Size]string{},
		}
		for s, u := range d.URLs {
			static.URLs[s] = replaceAnimated(u)
		}
		if u := static.URL(c.size); u != "" && u != urls[0] {
			urls = append(urls, u)
		}
	}
	return urls
}

func (c *Cache) download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, "", err
	}
	// Sniff the real format: some CDNs mislabel or omit Content-Type.
	ext := sniffFormat(raw)
	if ext == "" {
		ext = extFromContentType(resp.Header.Get("Content-Type"))
	}
	if ext == "" {
		return nil, "", fmt.Errorf("GET %s: unknown image format", url)
	}
	return raw, ext, nil
}

func (c *Cache) diskPath(key, ext string) string {
	sum := sha256.Sum256([]byte(key))
	return filepath.Join(c.dir, hex.EncodeToString(sum[:8])+"."+ext)
}

func (c *Cache) readDisk(key string) ([]byte, string, bool) {
	if c.dir == "" {
		return nil, "", false
	}
	for _, ext := range []string{"png", "gif", "webp", "jpg"} {
		raw, err := os.ReadFile(c.diskPath(key, ext))
		if err == nil {
			return raw, ext, true
		}
	}
	return nil, "", false
}

func (c *Cache) writeDisk(key, ext string, raw []byte) {
	if c.dir == "" {
		return
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		slog.Debug("asset cache dir create failed", slog.Any("err", err))
		return
	}
	if err := os.WriteFile(c.diskPath(key, ext), raw, 0o644); err != nil {
		slog.Debug("asset cache write failed", slog.String("key", key), slog.Any("err", err))
	}
}

func framesBytes(frames []Frame) int64 {
	var n int64
	for _, f := range frames {
		b := f.Image.Bounds()
		n += int64(b.Dx()) * int64(b.Dy()) * 4
	}
	return n
}

func replaceAnimated(u string) string {
	return strings.Replace(u, "/animated/", "/static/", 1)
}
