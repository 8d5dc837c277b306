// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	EventsPublished   prometheus.Counter
	EventsDropped     prometheus.Counter
	FramesMalformed   *prometheus.CounterVec
	Reconnects        *prometheus.CounterVec
	EmoteRefreshes    prometheus.Counter
	EmoteRefreshFails *prometheus.CounterVec
	AssetFetchStarted prometheus.Counter
	AssetFetchFailed  prometheus.Counter
	AssetFetchOK      prometheus.Counter
	AssetCacheHits    prometheus.Counter
	AssetCacheMisses  prometheus.Counter
	RelayPollTimeouts prometheus.Counter
	HistoryDropped    prometheus.Counter

	// Histograms (seconds)
	EmoteRefreshDuration prometheus.Observer
	AssetFetchDuration   prometheus.Observer

	// Gauges
	AssetMemoryBytes prometheus.Gauge
	ActiveChannels   prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		EventsPublished = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_events_published_total", Help: "Normalized chat events published to the bus"})
		EventsDropped = promauto.NewCounter(prometheus.CounterOpts{Name: "chat_events_dropped_total", Help: "Events dropped because a subscriber could not keep up"})
		FramesMalformed = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chat_frames_malformed_total", Help: "Malformed wire frames dropped"}, []string{"source"})
		Reconnects = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chat_reconnects_total", Help: "Reconnect attempts per source"}, []string{"source"})
		EmoteRefreshes = promauto.NewCounter(prometheus.CounterOpts{Name: "emote_catalog_refreshes_total", Help: "Emote catalog rebuilds"})
		EmoteRefreshFails = promauto.NewCounterVec(prometheus.CounterOpts{Name: "emote_provider_failures_total", Help: "Per-provider emote list fetch failures"}, []string{"provider"})
		AssetFetchStarted = promauto.NewCounter(prometheus.CounterOpts{Name: "emote_asset_fetches_started_total", Help: "Emote image fetches started"})
		AssetFetchFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "emote_asset_fetches_failed_total", Help: "Emote image fetches that failed terminally"})
		AssetFetchOK = promauto.NewCounter(prometheus.CounterOpts{Name: "emote_asset_fetches_succeeded_total", Help: "Emote image fetches that decoded successfully"})
		AssetCacheHits = promauto.NewCounter(prometheus.CounterOpts{Name: "emote_asset_cache_hits_total", Help: "Asset lookups served from cache"})
		AssetCacheMisses = promauto.NewCounter(prometheus.CounterOpts{Name: "emote_asset_cache_misses_total", Help: "Asset lookups that required a fetch"})
		RelayPollTimeouts = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_poll_timeouts_total", Help: "Bridged relay long-polls that returned empty on timeout"})
		HistoryDropped = promauto.NewCounter(prometheus.CounterOpts{Name: "history_messages_dropped_total", Help: "Messages not persisted because the history queue was full"})
		EmoteRefreshDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "emote_catalog_refresh_duration_seconds", Help: "Catalog rebuild duration seconds", Buckets: prometheus.DefBuckets})
		AssetFetchDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "emote_asset_fetch_duration_seconds", Help: "Asset download+decode duration seconds", Buckets: prometheus.DefBuckets})
		AssetMemoryBytes = promauto.NewGauge(prometheus.GaugeOpts{Name: "emote_asset_memory_bytes", Help: "Decoded emote frames resident in memory"})
		ActiveChannels = promauto.NewGauge(prometheus.GaugeOpts{Name: "chat_active_channels", Help: "Channels with a live or supervised connection"})
	})
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding correlation id (if absent) and the id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
