package store

import (
	"context"
	"fmt"
	"time"

	"github.com/mohammed-shakir/decoynet-collector/internal/core/errkind"
	"github.com/mohammed-shakir/decoynet-collector/internal/core/model"
)

const (
	topN                  = 10
	defaultEventLimit     = 100
	maxMapPoints          = 10000
	investigateEventLimit = 100
	highRiskSourceCutoff  = 0.8
)

type labelRow struct {
	Label string `db:"label"`
	Count int64  `db:"count"`
}

type seriesRow struct {
	Bucket   string  `db:"bucket"`
	Count    int64   `db:"count"`
	AvgScore float64 `db:"avg_score"`
}

const eventColumns = `
    id, observed_at, ingested_at, source_address,
    geo_country, geo_region, geo_city, geo_latitude, geo_longitude,
    geo_isp, geo_organization, geo_timezone, geo_is_private, geo_status,
    protocol, target_service, action, target_path, session_id,
    user_agent, headers, payload,
    score_value, band, is_anomaly, predicted_class, traffic_class,
    scoring_degraded, anomaly_score, content_hash`

// LiveEvents returns the newest events first, optionally filtered by
// source address and minimum score.
func (s *Store) LiveEvents(ctx context.Context, limit int, source string, minScore float64) ([]model.Event, error) {
	if limit <= 0 {
		limit = defaultEventLimit
	}

	q := `SELECT` + eventColumns + ` FROM events WHERE score_value >= ?`
	args := []any{minScore}
	if source != "" {
		q += ` AND source_address = ?`
		args = append(args, source)
	}
	q += ` ORDER BY ingested_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	var rows []eventRow
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, errkind.New(errkind.StoreFatal, fmt.Errorf("live events: %w", err))
	}
	return rowsToModels(rows), nil
}

// Stats aggregates the whole table plus the current 24-hour window.
func (s *Store) Stats(ctx context.Context) (*model.Stats, error) {
	from, to := WindowBounds(s.now())

	var st model.Stats
	const totalsSQL = `
SELECT COUNT(*)                       AS total,
       COUNT(DISTINCT source_address) AS sources,
       COALESCE(AVG(score_value), 0)  AS avg_score,
       COALESCE(SUM(band = 'HIGH'), 0)   AS high_risk,
       COALESCE(SUM(is_anomaly), 0)      AS anomalies
FROM events`
	var totals struct {
		Total     int64   `db:"total"`
		Sources   int64   `db:"sources"`
		AvgScore  float64 `db:"avg_score"`
		HighRisk  int64   `db:"high_risk"`
		Anomalies int64   `db:"anomalies"`
	}
	if err := s.db.GetContext(ctx, &totals, totalsSQL); err != nil {
		return nil, errkind.New(errkind.StoreFatal, fmt.Errorf("stats totals: %w", err))
	}
	st.TotalEvents = totals.Total
	st.DistinctSources = totals.Sources
	st.AvgScore = totals.AvgScore
	st.HighRiskCount = totals.HighRisk
	st.AnomalyCount = totals.Anomalies

	if err := s.db.GetContext(ctx, &st.EventsLast24h,
		`SELECT COUNT(*) FROM events WHERE ingested_at >= ? AND ingested_at < ?`,
		bound(from), bound(to)); err != nil {
		return nil, errkind.New(errkind.StoreFatal, fmt.Errorf("stats window count: %w", err))
	}

	var err error
	if st.TopServices, err = s.topLabels(ctx, "target_service", "", time.Time{}, time.Time{}); err != nil {
		return nil, err
	}
	if st.TopActions, err = s.topLabels(ctx, "action", "", time.Time{}, time.Time{}); err != nil {
		return nil, err
	}
	if st.TopCountries, err = s.topLabels(ctx, "geo_country", "", time.Time{}, time.Time{}); err != nil {
		return nil, err
	}
	if st.BandHistogram, err = s.histogram(ctx, "band", time.Time{}, time.Time{}); err != nil {
		return nil, err
	}
	if st.HourlySeries, err = s.hourlySeries(ctx, "", from, to); err != nil {
		return nil, err
	}
	return &st, nil
}

// Analytics aggregates only the current 24-hour window.
func (s *Store) Analytics(ctx context.Context) (*model.Analytics, error) {
	from, to := WindowBounds(s.now())

	const totalsSQL = `
SELECT COUNT(*)                        AS total,
       COALESCE(SUM(band = 'HIGH'), 0) AS high_risk,
       COUNT(DISTINCT source_address)  AS sources,
       COALESCE(AVG(score_value), 0)   AS avg_score
FROM events
WHERE ingested_at >= ? AND ingested_at < ?`
	var totals struct {
		Total    int64   `db:"total"`
		HighRisk int64   `db:"high_risk"`
		Sources  int64   `db:"sources"`
		AvgScore float64 `db:"avg_score"`
	}
	if err := s.db.GetContext(ctx, &totals, totalsSQL, bound(from), bound(to)); err != nil {
		return nil, errkind.New(errkind.StoreFatal, fmt.Errorf("analytics totals: %w", err))
	}

	an := model.Analytics{
		Total24h:           totals.Total,
		HighRisk24h:        totals.HighRisk,
		DistinctSources24h: totals.Sources,
		AvgScore24h:        totals.AvgScore,
	}

	var err error
	if an.TopCountries, err = s.topLabels(ctx, "geo_country", "", from, to); err != nil {
		return nil, err
	}
	if an.TopSources, err = s.topLabels(ctx, "source_address", "", from, to); err != nil {
		return nil, err
	}
	if an.TopProtocols, err = s.topLabels(ctx, "protocol", "", from, to); err != nil {
		return nil, err
	}
	if an.TimeSeries, err = s.hourlySeries(ctx, "", from, to); err != nil {
		return nil, err
	}
	return &an, nil
}

// MapPoints aggregates geolocated rows per source. Rows without
// coordinates never appear.
func (s *Store) MapPoints(ctx context.Context) ([]model.MapPoint, error) {
	const q = `
SELECT source_address                 AS source,
       COUNT(*)                       AS count,
       COALESCE(AVG(score_value), 0)  AS avg_score,
       MAX(geo_country)               AS country,
       MAX(geo_city)                  AS city,
       MAX(geo_latitude)              AS latitude,
       MAX(geo_longitude)             AS longitude
FROM events
WHERE geo_latitude IS NOT NULL AND geo_longitude IS NOT NULL
GROUP BY source_address
ORDER BY count DESC, source ASC
LIMIT ?`

	var rows []struct {
		Source    string  `db:"source"`
		Count     int64   `db:"count"`
		AvgScore  float64 `db:"avg_score"`
		Country   string  `db:"country"`
		City      string  `db:"city"`
		Latitude  float64 `db:"latitude"`
		Longitude float64 `db:"longitude"`
	}
	if err := s.db.SelectContext(ctx, &rows, q, maxMapPoints); err != nil {
		return nil, errkind.New(errkind.StoreFatal, fmt.Errorf("map points: %w", err))
	}

	points := make([]model.MapPoint, 0, len(rows))
	for _, r := range rows {
		points = append(points, model.MapPoint{
			Source:    r.Source,
			Count:     r.Count,
			AvgScore:  r.AvgScore,
			Country:   r.Country,
			City:      r.City,
			Latitude:  r.Latitude,
			Longitude: r.Longitude,
		})
	}
	return points, nil
}

// MLInsights aggregates scoring output over the current window.
func (s *Store) MLInsights(ctx context.Context) (*model.MLInsights, error) {
	from, to := WindowBounds(s.now())

	const totalsSQL = `
SELECT COALESCE(AVG(anomaly_score), 0) AS avg_anomaly,
       COALESCE(SUM(is_anomaly), 0)    AS anomalies,
       COALESCE(SUM(UPPER(traffic_class) IN ('TOR', 'VPN')), 0) AS suspicious
FROM events
WHERE ingested_at >= ? AND ingested_at < ?`
	var totals struct {
		AvgAnomaly float64 `db:"avg_anomaly"`
		Anomalies  int64   `db:"anomalies"`
		Suspicious int64   `db:"suspicious"`
	}
	if err := s.db.GetContext(ctx, &totals, totalsSQL, bound(from), bound(to)); err != nil {
		return nil, errkind.New(errkind.StoreFatal, fmt.Errorf("ml insights totals: %w", err))
	}

	mi := model.MLInsights{
		AvgAnomalyScore:   totals.AvgAnomaly,
		AnomalyCount:      totals.Anomalies,
		SuspiciousTraffic: totals.Suspicious,
	}

	const riskSQL = `
SELECT source_address                AS source,
       COALESCE(AVG(score_value), 0) AS avg_score,
       COUNT(*)                      AS count
FROM events
WHERE ingested_at >= ? AND ingested_at < ?
GROUP BY source_address
HAVING AVG(score_value) >= ?
ORDER BY avg_score DESC, source ASC
LIMIT ?`
	var riskRows []struct {
		Source   string  `db:"source"`
		AvgScore float64 `db:"avg_score"`
		Count    int64   `db:"count"`
	}
	if err := s.db.SelectContext(ctx, &riskRows, riskSQL, bound(from), bound(to), highRiskSourceCutoff, topN); err != nil {
		return nil, errkind.New(errkind.StoreFatal, fmt.Errorf("ml insights risk sources: %w", err))
	}
	for _, r := range riskRows {
		mi.HighRiskSources = append(mi.HighRiskSources, model.HighRiskSource{
			Source: r.Source, AvgScore: r.AvgScore, Count: r.Count,
		})
	}

	var err error
	if mi.HourlySeries, err = s.hourlySeries(ctx, "", from, to); err != nil {
		return nil, err
	}
	if mi.BandHistogram, err = s.histogram(ctx, "band", from, to); err != nil {
		return nil, err
	}
	if mi.TrafficHistogram, err = s.histogram(ctx, "traffic_class", from, to); err != nil {
		return nil, err
	}
	return &mi, nil
}

// Alerts returns events at or above threshold, highest score first.
func (s *Store) Alerts(ctx context.Context, threshold float64, limit int) ([]model.Event, error) {
	if limit <= 0 {
		limit = defaultEventLimit
	}

	q := `SELECT` + eventColumns + `
FROM events
WHERE score_value >= ?
ORDER BY score_value DESC, ingested_at DESC, id DESC
LIMIT ?`

	var rows []eventRow
	if err := s.db.SelectContext(ctx, &rows, q, threshold, limit); err != nil {
		return nil, errkind.New(errkind.StoreFatal, fmt.Errorf("alerts: %w", err))
	}
	return rowsToModels(rows), nil
}

// Investigate assembles the per-source dossier. A source with no rows
// at all is a not-found condition, never an empty report.
func (s *Store) Investigate(ctx context.Context, source string) (*model.Investigation, error) {
	const totalsSQL = `
SELECT COUNT(*)                      AS total,
       COALESCE(AVG(score_value), 0) AS avg_score,
       COALESCE(MAX(score_value), 0) AS max_score,
       COALESCE(MIN(ingested_at), '') AS first_seen,
       COALESCE(MAX(ingested_at), '') AS last_seen
FROM events
WHERE source_address = ?`
	var totals struct {
		Total     int64   `db:"total"`
		AvgScore  float64 `db:"avg_score"`
		MaxScore  float64 `db:"max_score"`
		FirstSeen string  `db:"first_seen"`
		LastSeen  string  `db:"last_seen"`
	}
	if err := s.db.GetContext(ctx, &totals, totalsSQL, source); err != nil {
		return nil, errkind.New(errkind.StoreFatal, fmt.Errorf("investigate totals: %w", err))
	}
	if totals.Total == 0 {
		return nil, errkind.Newf(errkind.NotFound, "source %s has no recorded events", source)
	}

	inv := model.Investigation{
		Source:      source,
		TotalEvents: totals.Total,
		AvgScore:    totals.AvgScore,
		MaxScore:    totals.MaxScore,
		FirstSeen:   totals.FirstSeen,
		LastSeen:    totals.LastSeen,
	}

	if err := s.db.SelectContext(ctx, &inv.Actions,
		`SELECT DISTINCT action FROM events WHERE source_address = ? AND action != '' ORDER BY action`,
		source); err != nil {
		return nil, errkind.New(errkind.StoreFatal, fmt.Errorf("investigate actions: %w", err))
	}
	if err := s.db.SelectContext(ctx, &inv.Services,
		`SELECT DISTINCT target_service FROM events WHERE source_address = ? AND target_service != '' ORDER BY target_service`,
		source); err != nil {
		return nil, errkind.New(errkind.StoreFatal, fmt.Errorf("investigate services: %w", err))
	}

	q := `SELECT` + eventColumns + `
FROM events
WHERE source_address = ?
ORDER BY ingested_at DESC, id DESC
LIMIT ?`
	var rows []eventRow
	if err := s.db.SelectContext(ctx, &rows, q, source, investigateEventLimit); err != nil {
		return nil, errkind.New(errkind.StoreFatal, fmt.Errorf("investigate events: %w", err))
	}
	inv.Events = rowsToModels(rows)
	if len(inv.Events) > 0 {
		inv.Geo = inv.Events[0].Geo
	}

	from, to := WindowBounds(s.now())
	series, err := s.hourlySeries(ctx, source, from, to)
	if err != nil {
		return nil, err
	}
	inv.HourlySeries = series
	return &inv, nil
}

// topLabels counts the top-N values of col, ordered by count
// descending with ties broken by label. Empty labels are skipped.
// Zero from/to widens the query to the whole table.
func (s *Store) topLabels(ctx context.Context, col, source string, from, to time.Time) ([]model.LabelCount, error) {
	q := `SELECT ` + col + ` AS label, COUNT(*) AS count FROM events WHERE ` + col + ` != ''`
	var args []any
	if !from.IsZero() {
		q += ` AND ingested_at >= ? AND ingested_at < ?`
		args = append(args, bound(from), bound(to))
	}
	if source != "" {
		q += ` AND source_address = ?`
		args = append(args, source)
	}
	q += ` GROUP BY label ORDER BY count DESC, label ASC LIMIT ?`
	args = append(args, topN)

	var rows []labelRow
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, errkind.New(errkind.StoreFatal, fmt.Errorf("top %s: %w", col, err))
	}
	out := make([]model.LabelCount, 0, len(rows))
	for _, r := range rows {
		out = append(out, model.LabelCount{Label: r.Label, Count: r.Count})
	}
	return out, nil
}

// histogram counts rows per value of col. Empty values are skipped.
func (s *Store) histogram(ctx context.Context, col string, from, to time.Time) (map[string]int64, error) {
	q := `SELECT ` + col + ` AS label, COUNT(*) AS count FROM events WHERE ` + col + ` != ''`
	var args []any
	if !from.IsZero() {
		q += ` AND ingested_at >= ? AND ingested_at < ?`
		args = append(args, bound(from), bound(to))
	}
	q += ` GROUP BY label`

	var rows []labelRow
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, errkind.New(errkind.StoreFatal, fmt.Errorf("%s histogram: %w", col, err))
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Label] = r.Count
	}
	return out, nil
}

// hourlySeries buckets rows by UTC hour and pads to the full window.
func (s *Store) hourlySeries(ctx context.Context, source string, from, to time.Time) ([]model.SeriesPoint, error) {
	q := `
SELECT strftime('%Y-%m-%dT%H:00:00Z', ingested_at) AS bucket,
       COUNT(*)                                    AS count,
       COALESCE(AVG(score_value), 0)               AS avg_score
FROM events
WHERE ingested_at >= ? AND ingested_at < ?`
	args := []any{bound(from), bound(to)}
	if source != "" {
		q += ` AND source_address = ?`
		args = append(args, source)
	}
	q += ` GROUP BY bucket ORDER BY bucket`

	var rows []seriesRow
	if err := s.db.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, errkind.New(errkind.StoreFatal, fmt.Errorf("hourly series: %w", err))
	}
	points := make([]model.SeriesPoint, 0, len(rows))
	for _, r := range rows {
		points = append(points, model.SeriesPoint{Bucket: r.Bucket, Count: r.Count, AvgScore: r.AvgScore})
	}
	return FillHourly(points, s.now()), nil
}

func bound(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func rowsToModels(rows []eventRow) []model.Event {
	out := make([]model.Event, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out
}
