// Package geo resolves source addresses to coarse location fields.
//
// Enrichment is strictly best-effort: every failure mode (upstream
// down, breaker open, semaphore full) degrades to unresolved fields,
// never to an ingest error.
package geo

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sony/gobreaker"

	"github.com/mohammed-shakir/decoynet-collector/internal/core/model"
	"github.com/mohammed-shakir/decoynet-collector/internal/core/observability"
	"github.com/mohammed-shakir/decoynet-collector/internal/geocache"
	"github.com/mohammed-shakir/decoynet-collector/internal/geocache/keys"
)

type Config struct {
	CacheSize       int
	PositiveTTL     time.Duration
	NegativeTTL     time.Duration
	MaxInflight     int
	MaxWait         time.Duration
	BreakerFailures uint32
	BreakerCooldown time.Duration
	SharedTTL       time.Duration
}

func (c *Config) applyDefaults() {
	if c.CacheSize <= 0 {
		c.CacheSize = 50_000
	}
	if c.PositiveTTL <= 0 {
		c.PositiveTTL = 24 * time.Hour
	}
	if c.NegativeTTL <= 0 {
		c.NegativeTTL = 5 * time.Minute
	}
	if c.MaxInflight <= 0 {
		c.MaxInflight = 16
	}
	if c.MaxWait <= 0 {
		c.MaxWait = 500 * time.Millisecond
	}
	if c.BreakerFailures == 0 {
		c.BreakerFailures = 5
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = 30 * time.Second
	}
	if c.SharedTTL <= 0 {
		c.SharedTTL = c.PositiveTTL
	}
}

type Option func(*Enricher)

// WithSharedCache attaches the optional Redis tier consulted between
// the in-process miss and the upstream call.
func WithSharedCache(l2 geocache.Interface) Option {
	return func(e *Enricher) { e.l2 = l2 }
}

type Enricher struct {
	logger   *slog.Logger
	provider Provider
	cfg      Config

	pos *expirable.LRU[string, model.GeoFields]
	neg *expirable.LRU[string, struct{}]

	l2      geocache.Interface
	breaker *gobreaker.CircuitBreaker
	sem     chan struct{}
}

func New(logger *slog.Logger, provider Provider, cfg Config, opts ...Option) *Enricher {
	cfg.applyDefaults()

	e := &Enricher{
		logger:   logger,
		provider: provider,
		cfg:      cfg,
		pos:      expirable.NewLRU[string, model.GeoFields](cfg.CacheSize, nil, cfg.PositiveTTL),
		neg:      expirable.NewLRU[string, struct{}](cfg.CacheSize, nil, cfg.NegativeTTL),
		sem:      make(chan struct{}, cfg.MaxInflight),
	}
	for _, f := range opts {
		f(e)
	}

	e.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "geo-upstream",
		Timeout: cfg.BreakerCooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= cfg.BreakerFailures
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			logger.Warn("geo breaker state change",
				"from", from.String(),
				"to", to.String())
		},
	})
	return e
}

// Enrich resolves addr. It never returns an error; the Status field
// carries the outcome.
func (e *Enricher) Enrich(ctx context.Context, addr string) model.GeoFields {
	if isPrivateAddress(addr) {
		observability.IncGeoLookup("private")
		return model.GeoFields{IsPrivate: true, Status: model.GeoPrivate}
	}

	if g, ok := e.pos.Get(addr); ok {
		observability.IncGeoLookup("hit")
		return g
	}
	if _, ok := e.neg.Get(addr); ok {
		observability.IncGeoLookup("negative_hit")
		return unresolved()
	}
	if g, ok := e.fromShared(ctx, addr); ok {
		observability.IncGeoLookup("shared_hit")
		e.pos.Add(addr, g)
		return g
	}

	timer := time.NewTimer(e.cfg.MaxWait)
	defer timer.Stop()
	select {
	case e.sem <- struct{}{}:
	case <-timer.C:
		observability.IncGeoLookup("throttled")
		return unresolved()
	case <-ctx.Done():
		observability.IncGeoLookup("throttled")
		return unresolved()
	}
	defer func() { <-e.sem }()

	v, err := e.breaker.Execute(func() (any, error) {
		return e.provider.Lookup(ctx, addr)
	})
	if err != nil {
		e.neg.Add(addr, struct{}{})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			observability.IncGeoLookup("breaker_open")
		} else {
			observability.IncGeoLookup("unresolved")
		}
		e.logger.Debug("geo lookup failed", "addr", addr, "err", err)
		return unresolved()
	}
	g := v.(model.GeoFields)
	g.Status = model.GeoResolved

	e.pos.Add(addr, g)
	observability.IncGeoLookup("resolved")
	observability.SetGeoCacheEntries(e.pos.Len())
	e.toShared(addr, g)
	return g
}

// CacheSize reports entries held in the in-process positive cache.
func (e *Enricher) CacheSize() int {
	return e.pos.Len()
}

func unresolved() model.GeoFields {
	return model.GeoFields{Status: model.GeoUnresolved}
}

func (e *Enricher) fromShared(ctx context.Context, addr string) (model.GeoFields, bool) {
	if e.l2 == nil {
		return model.GeoFields{}, false
	}
	cctx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer cancel()

	raw, ok, err := e.l2.Get(cctx, keys.Key(addr))
	if err != nil {
		e.logger.Debug("shared geo cache get failed", "addr", addr, "err", err)
		return model.GeoFields{}, false
	}
	if !ok {
		return model.GeoFields{}, false
	}
	var g model.GeoFields
	if err := json.Unmarshal(raw, &g); err != nil {
		e.logger.Debug("shared geo cache entry corrupt", "addr", addr, "err", err)
		return model.GeoFields{}, false
	}
	return g, true
}

// toShared mirrors a resolved entry to the shared tier without
// blocking the caller.
func (e *Enricher) toShared(addr string, g model.GeoFields) {
	if e.l2 == nil {
		return
	}
	raw, err := json.Marshal(g)
	if err != nil {
		return
	}
	go func() {
		cctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := e.l2.Set(cctx, keys.Key(addr), raw, e.cfg.SharedTTL); err != nil {
			e.logger.Debug("shared geo cache set failed", "addr", addr, "err", err)
		}
	}()
}
