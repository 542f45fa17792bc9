// Package collector wires the ingest pipeline end to end:
// canonicalize, hash, enrich, score, persist, then fan the event out
// to alerting, the live stream, and the activity tracker. It also
// fronts every read surface so handlers stay thin.
package collector

import (
	"context"
	"log/slog"
	"time"

	"github.com/mohammed-shakir/decoynet-collector/internal/activity"
	"github.com/mohammed-shakir/decoynet-collector/internal/alert"
	"github.com/mohammed-shakir/decoynet-collector/internal/core/errkind"
	"github.com/mohammed-shakir/decoynet-collector/internal/core/model"
	"github.com/mohammed-shakir/decoynet-collector/internal/core/observability"
	"github.com/mohammed-shakir/decoynet-collector/internal/event"
	"github.com/mohammed-shakir/decoynet-collector/internal/hexbin"
	"github.com/mohammed-shakir/decoynet-collector/internal/scoring"
	"github.com/mohammed-shakir/decoynet-collector/internal/store"
	"github.com/mohammed-shakir/decoynet-collector/internal/stream"
)

const hotSourcesN = 10

// Enricher resolves geo fields for a source address. It must never
// fail ingest; unresolvable addresses come back with an unresolved
// status.
type Enricher interface {
	Enrich(ctx context.Context, addr string) model.GeoFields
}

// Scorer runs the model ensemble over one canonical event.
type Scorer interface {
	Score(e *model.Event) scoring.Result
	Models() []scoring.ModelInfo
}

type Option func(*Collector)

func WithNotifier(n *alert.Notifier) Option {
	return func(c *Collector) { c.notifier = n }
}

func WithHub(h *stream.Hub) Option {
	return func(c *Collector) { c.hub = h }
}

func WithTracker(t *activity.Tracker) Option {
	return func(c *Collector) { c.tracker = t }
}

// WithMapResolution sets the default H3 resolution for the map surface.
func WithMapResolution(res int) Option {
	return func(c *Collector) { c.mapRes = res }
}

func WithVersion(v string) Option {
	return func(c *Collector) { c.version = v }
}

// WithClock injects ingest timestamps for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Collector) { c.now = now }
}

type Collector struct {
	logger   *slog.Logger
	enricher Enricher
	scorer   Scorer
	store    *store.Store
	notifier *alert.Notifier
	hub      *stream.Hub
	tracker  *activity.Tracker
	mapRes   int
	version  string
	now      func() time.Time
	started  time.Time
}

func New(logger *slog.Logger, enricher Enricher, scorer Scorer, st *store.Store, opts ...Option) *Collector {
	c := &Collector{
		logger:   logger,
		enricher: enricher,
		scorer:   scorer,
		store:    st,
		mapRes:   hexbin.DefaultResolution,
		now:      time.Now,
	}
	for _, f := range opts {
		f(c)
	}
	if c.notifier == nil {
		c.notifier = alert.NewNotifier(logger, alert.NopSink{})
	}
	if c.hub == nil {
		c.hub = stream.NewHub(logger, 0)
	}
	if c.tracker == nil {
		c.tracker = activity.New(0)
	}
	c.started = c.now()
	return c
}

// Ingest runs one raw record through the pipeline. Enrichment and
// scoring degradation never reject the event; only schema violations,
// oversize payloads, and store failures surface as errors.
func (c *Collector) Ingest(ctx context.Context, raw model.RawEvent) (model.IngestAck, error) {
	e, err := event.Canonicalize(raw, c.now())
	if err != nil {
		observability.IncIngest("rejected")
		return model.IngestAck{}, err
	}

	e.Geo = c.enricher.Enrich(ctx, e.SourceAddress)
	if e.Geo.Status == model.GeoUnresolved {
		observability.IncErrorKind(string(errkind.EnrichmentUnavailable))
	}

	res := c.scorer.Score(&e)
	e.Score = res.Score
	e.AnomalyScore = res.AnomalyScore
	e.ScoringDegraded = res.Degraded
	if res.Degraded {
		observability.IncErrorKind(string(errkind.ScoringDegraded))
		c.logger.Warn("scoring degraded", "failed_models", res.Failed, "hash", e.ContentHash)
	}

	inserted, err := c.store.Put(ctx, &e)
	if err != nil {
		observability.IncIngest("failed")
		return model.IngestAck{}, err
	}

	// hostile sources heat up faster than chatty benign ones, and a
	// retry storm keeps heating its source even though it dedups
	c.tracker.Touch(e.SourceAddress, 1+e.Score.Value)
	observability.SetActivitySources(c.tracker.Size())

	if inserted {
		observability.IncIngest("inserted")
		c.hub.Publish(&e)
		c.notifier.Consider(&e)
	} else {
		observability.IncIngest("duplicate")
	}

	return model.IngestAck{
		Accepted:  true,
		Inserted:  inserted,
		Duplicate: !inserted,
		Score:     e.Score,
	}, nil
}

func (c *Collector) Events(ctx context.Context, limit int, source string, minScore float64) ([]model.Event, error) {
	return c.store.LiveEvents(ctx, limit, source, minScore)
}

func (c *Collector) Stats(ctx context.Context) (*model.Stats, error) {
	st, err := c.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	st.HotSources = c.tracker.TopN(hotSourcesN)
	return st, nil
}

func (c *Collector) Analytics(ctx context.Context) (*model.Analytics, error) {
	return c.store.Analytics(ctx)
}

// MapData returns per-source markers plus their H3 hex aggregation.
// A negative res selects the configured default.
func (c *Collector) MapData(ctx context.Context, res int) (*model.MapData, error) {
	if res < 0 {
		res = c.mapRes
	}
	points, err := c.store.MapPoints(ctx)
	if err != nil {
		return nil, err
	}
	binned, cells, err := hexbin.Bin(points, res)
	if err != nil {
		return nil, errkind.New(errkind.QueryParamError, err)
	}
	return &model.MapData{Points: binned, Cells: cells, Resolution: res}, nil
}

func (c *Collector) Insights(ctx context.Context) (*model.MLInsights, error) {
	return c.store.MLInsights(ctx)
}

func (c *Collector) Alerts(ctx context.Context, threshold float64, limit int) ([]model.Event, error) {
	return c.store.Alerts(ctx, threshold, limit)
}

func (c *Collector) Investigate(ctx context.Context, source string) (*model.Investigation, error) {
	inv, err := c.store.Investigate(ctx, source)
	if err != nil {
		return nil, err
	}
	inv.Heat = c.tracker.Heat(source)
	return inv, nil
}

// Hub exposes the live stream for the SSE handler.
func (c *Collector) Hub() *stream.Hub {
	return c.hub
}

type ComponentStatus struct {
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

type HealthReport struct {
	Status         string              `json:"status"`
	Version        string              `json:"version,omitempty"`
	UptimeSeconds  int64               `json:"uptime_seconds"`
	Store          ComponentStatus     `json:"store"`
	QueueDepth     int                 `json:"queue_depth"`
	Models         []scoring.ModelInfo `json:"models"`
	GeoCacheSize   int                 `json:"geo_cache_entries"`
	Subscribers    int                 `json:"stream_subscribers"`
	TrackedSources int                 `json:"tracked_sources"`
	ErrorCounts    map[string]int64    `json:"error_counts"`
}

// cacheSizer is satisfied by the production enricher; fakes without a
// cache simply leave the field at zero.
type cacheSizer interface {
	CacheSize() int
}

// Health snapshots component state. Degraded means the process serves
// reads but the store is not reachable.
func (c *Collector) Health(ctx context.Context) *HealthReport {
	rep := &HealthReport{
		Status:         "ok",
		Version:        c.version,
		UptimeSeconds:  int64(c.now().Sub(c.started).Seconds()),
		Store:          ComponentStatus{OK: true},
		QueueDepth:     c.store.QueueDepth(),
		Models:         c.scorer.Models(),
		Subscribers:    c.hub.Subscribers(),
		TrackedSources: c.tracker.Size(),
		ErrorCounts:    observability.ErrorKindCounts(),
	}
	if cs, ok := c.enricher.(cacheSizer); ok {
		rep.GeoCacheSize = cs.CacheSize()
	}

	pingCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := c.store.Ping(pingCtx); err != nil {
		rep.Status = "degraded"
		rep.Store = ComponentStatus{OK: false, Detail: err.Error()}
	}
	return rep
}

// Ready reports whether the store is reachable. The full component
// breakdown lives on the health surface.
func (c *Collector) Ready(ctx context.Context) (bool, string) {
	if err := c.store.Ping(ctx); err != nil {
		return false, err.Error()
	}
	return true, ""
}
