// Package store persists canonical events in SQLite and serves every
// aggregate the query surface exposes.
//
// Writes flow through a single writer goroutine behind a bounded
// queue; the queue doubles as the backpressure signal. Reads go
// straight to the pool, which WAL keeps independent of the writer.
package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmoiron/sqlx"
	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/mohammed-shakir/decoynet-collector/internal/core/errkind"
	"github.com/mohammed-shakir/decoynet-collector/internal/core/model"
	"github.com/mohammed-shakir/decoynet-collector/internal/core/observability"
)

// timeLayout is RFC 3339 UTC with fixed-width milliseconds, so
// lexicographic comparison of stored text equals temporal order.
const timeLayout = "2006-01-02T15:04:05.000Z"

const defaultQueueCapacity = 1000

type Option func(*Store)

// WithQueueCapacity sets the write-queue high-water mark.
func WithQueueCapacity(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.queueCap = n
		}
	}
}

// WithClock injects the window anchor for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

type job struct {
	e    *model.Event
	resp chan putResult
}

type putResult struct {
	inserted bool
	err      error
}

type Store struct {
	logger   *slog.Logger
	db       *sqlx.DB
	jobs     chan job
	wg       sync.WaitGroup
	closed   atomic.Bool
	queueCap int
	now      func() time.Time
}

func Open(ctx context.Context, logger *slog.Logger, path string, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, errors.New("db path is required")
	}

	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_foreign_keys=on", path)
	db, err := sqlx.ConnectContext(ctx, "sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)

	if err := migrate(ctx, db.DB); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	s := &Store{
		logger:   logger,
		db:       db,
		queueCap: defaultQueueCapacity,
		now:      time.Now,
	}
	for _, f := range opts {
		f(s)
	}
	s.jobs = make(chan job, s.queueCap)

	s.wg.Add(1)
	go s.writer()

	logger.Info("store open", "path", path, "queue_capacity", s.queueCap)
	return s, nil
}

// Put persists e. Committed before return; a content-hash conflict
// keeps the original row and reports inserted=false.
func (s *Store) Put(ctx context.Context, e *model.Event) (bool, error) {
	if s.closed.Load() {
		return false, errkind.Newf(errkind.StoreFatal, "store is closed")
	}

	j := job{e: e, resp: make(chan putResult, 1)}
	select {
	case s.jobs <- j:
		observability.SetStoreQueueDepth(len(s.jobs))
	default:
		return false, errkind.Newf(errkind.BackpressureExhausted, "write queue at capacity %d", s.queueCap)
	}

	select {
	case r := <-j.resp:
		return r.inserted, r.err
	case <-ctx.Done():
		// the queued write may still commit; retries dedup on content_hash
		return false, errkind.New(errkind.StoreTransient, ctx.Err())
	}
}

func (s *Store) writer() {
	defer s.wg.Done()
	for j := range s.jobs {
		observability.SetStoreQueueDepth(len(s.jobs))
		j.resp <- s.insert(j.e)
	}
}

const insertEventSQL = `
INSERT INTO events (
    observed_at, ingested_at, source_address,
    geo_country, geo_region, geo_city, geo_latitude, geo_longitude,
    geo_isp, geo_organization, geo_timezone, geo_is_private, geo_status,
    protocol, target_service, action, target_path, session_id,
    user_agent, headers, payload,
    score_value, band, is_anomaly, predicted_class, traffic_class,
    scoring_degraded, anomaly_score, content_hash
) VALUES (
    :observed_at, :ingested_at, :source_address,
    :geo_country, :geo_region, :geo_city, :geo_latitude, :geo_longitude,
    :geo_isp, :geo_organization, :geo_timezone, :geo_is_private, :geo_status,
    :protocol, :target_service, :action, :target_path, :session_id,
    :user_agent, :headers, :payload,
    :score_value, :band, :is_anomaly, :predicted_class, :traffic_class,
    :scoring_degraded, :anomaly_score, :content_hash
)
ON CONFLICT (content_hash) DO NOTHING`

func (s *Store) insert(e *model.Event) putResult {
	row := newEventRow(e)

	start := time.Now()
	res, err := s.db.NamedExec(insertEventSQL, row)
	if err != nil && isTransient(err) {
		res, err = s.db.NamedExec(insertEventSQL, row)
	}
	observability.ObserveStoreWrite(time.Since(start).Seconds())

	if err != nil {
		kind := errkind.StoreFatal
		if isTransient(err) {
			kind = errkind.StoreTransient
		}
		s.logger.Error("insert event failed", "kind", string(kind), "err", err)
		return putResult{err: errkind.New(kind, fmt.Errorf("insert event: %w", err))}
	}

	n, err := res.RowsAffected()
	if err != nil {
		return putResult{err: errkind.New(errkind.StoreFatal, fmt.Errorf("rows affected: %w", err))}
	}
	return putResult{inserted: n > 0}
}

// isTransient reports engine conditions worth one retry: lock
// contention and dropped connections, not schema or constraint
// defects.
func isTransient(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return errors.Is(err, driver.ErrBadConn)
}

// Ping reports store reachability for the health surface.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// QueueDepth is the number of writes waiting behind the writer.
func (s *Store) QueueDepth() int {
	return len(s.jobs)
}

func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	close(s.jobs)
	s.wg.Wait()
	return s.db.Close()
}

// eventRow mirrors the events table. Timestamps are stored as
// fixed-width UTC text, geo coordinates as nullable columns.
type eventRow struct {
	ID              int64           `db:"id"`
	ObservedAt      string          `db:"observed_at"`
	IngestedAt      string          `db:"ingested_at"`
	SourceAddress   string          `db:"source_address"`
	GeoCountry      string          `db:"geo_country"`
	GeoRegion       string          `db:"geo_region"`
	GeoCity         string          `db:"geo_city"`
	GeoLatitude     sql.NullFloat64 `db:"geo_latitude"`
	GeoLongitude    sql.NullFloat64 `db:"geo_longitude"`
	GeoISP          string          `db:"geo_isp"`
	GeoOrganization string          `db:"geo_organization"`
	GeoTimezone     string          `db:"geo_timezone"`
	GeoIsPrivate    bool            `db:"geo_is_private"`
	GeoStatus       string          `db:"geo_status"`
	Protocol        string          `db:"protocol"`
	TargetService   string          `db:"target_service"`
	Action          string          `db:"action"`
	TargetPath      string          `db:"target_path"`
	SessionID       string          `db:"session_id"`
	UserAgent       string          `db:"user_agent"`
	Headers         string          `db:"headers"`
	Payload         []byte          `db:"payload"`
	ScoreValue      float64         `db:"score_value"`
	Band            string          `db:"band"`
	IsAnomaly       bool            `db:"is_anomaly"`
	PredictedClass  string          `db:"predicted_class"`
	TrafficClass    string          `db:"traffic_class"`
	ScoringDegraded bool            `db:"scoring_degraded"`
	AnomalyScore    float64         `db:"anomaly_score"`
	ContentHash     string          `db:"content_hash"`
}

func newEventRow(e *model.Event) *eventRow {
	headers := "{}"
	if len(e.Headers) > 0 {
		if b, err := json.Marshal(e.Headers); err == nil {
			headers = string(b)
		}
	}
	row := &eventRow{
		ObservedAt:      e.ObservedAt.UTC().Format(timeLayout),
		IngestedAt:      e.IngestedAt.UTC().Format(timeLayout),
		SourceAddress:   e.SourceAddress,
		GeoCountry:      e.Geo.Country,
		GeoRegion:       e.Geo.Region,
		GeoCity:         e.Geo.City,
		GeoISP:          e.Geo.ISP,
		GeoOrganization: e.Geo.Organization,
		GeoTimezone:     e.Geo.Timezone,
		GeoIsPrivate:    e.Geo.IsPrivate,
		GeoStatus:       string(e.Geo.Status),
		Protocol:        e.Protocol,
		TargetService:   e.TargetService,
		Action:          e.Action,
		TargetPath:      e.TargetPath,
		SessionID:       e.SessionID,
		UserAgent:       e.UserAgent,
		Headers:         headers,
		Payload:         []byte(e.Payload),
		ScoreValue:      e.Score.Value,
		Band:            string(e.Score.Band),
		IsAnomaly:       e.Score.IsAnomaly,
		PredictedClass:  e.Score.PredictedClass,
		TrafficClass:    e.Score.TrafficClass,
		ScoringDegraded: e.ScoringDegraded,
		AnomalyScore:    e.AnomalyScore,
		ContentHash:     e.ContentHash,
	}
	if e.Geo.Latitude != nil {
		row.GeoLatitude = sql.NullFloat64{Float64: *e.Geo.Latitude, Valid: true}
	}
	if e.Geo.Longitude != nil {
		row.GeoLongitude = sql.NullFloat64{Float64: *e.Geo.Longitude, Valid: true}
	}
	return row
}

func (r *eventRow) toModel() model.Event {
	e := model.Event{
		ID:            r.ID,
		ObservedAt:    parseStored(r.ObservedAt),
		IngestedAt:    parseStored(r.IngestedAt),
		SourceAddress: r.SourceAddress,
		Geo: model.GeoFields{
			Country:      r.GeoCountry,
			Region:       r.GeoRegion,
			City:         r.GeoCity,
			ISP:          r.GeoISP,
			Organization: r.GeoOrganization,
			Timezone:     r.GeoTimezone,
			IsPrivate:    r.GeoIsPrivate,
			Status:       model.GeoStatus(r.GeoStatus),
		},
		Protocol:        r.Protocol,
		TargetService:   r.TargetService,
		Action:          r.Action,
		TargetPath:      r.TargetPath,
		SessionID:       r.SessionID,
		UserAgent:       r.UserAgent,
		Score: model.Score{
			Value:          r.ScoreValue,
			Band:           model.Band(r.Band),
			IsAnomaly:      r.IsAnomaly,
			PredictedClass: r.PredictedClass,
			TrafficClass:   r.TrafficClass,
		},
		ScoringDegraded: r.ScoringDegraded,
		AnomalyScore:    r.AnomalyScore,
		ContentHash:     r.ContentHash,
	}
	if r.GeoLatitude.Valid {
		v := r.GeoLatitude.Float64
		e.Geo.Latitude = &v
	}
	if r.GeoLongitude.Valid {
		v := r.GeoLongitude.Float64
		e.Geo.Longitude = &v
	}
	if r.Headers != "" && r.Headers != "{}" {
		_ = json.Unmarshal([]byte(r.Headers), &e.Headers)
	}
	if len(r.Payload) > 0 {
		e.Payload = json.RawMessage(r.Payload)
	}
	return e
}

func parseStored(s string) time.Time {
	if t, err := time.Parse(timeLayout, s); err == nil {
		return t
	}
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}
