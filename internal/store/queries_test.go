package store

import (
	"context"
	"math"
	"slices"
	"testing"
	"time"

	"github.com/mohammed-shakir/decoynet-collector/internal/core/errkind"
	"github.com/mohammed-shakir/decoynet-collector/internal/core/model"
)

// fixtureNow anchors every windowed query; the window is
// [2026-08-23T13:00:00Z, 2026-08-24T13:00:00Z).
var fixtureNow = time.Date(2026, 8, 24, 12, 30, 0, 0, time.UTC)

func near(a, b float64) bool { return math.Abs(a-b) < 1e-6 }

func seed(t *testing.T, s *Store, e *model.Event) {
	t.Helper()
	inserted, err := s.Put(context.Background(), e)
	if err != nil {
		t.Fatalf("seed %s: %v", e.ContentHash, err)
	}
	if !inserted {
		t.Fatalf("seed %s: duplicate hash in fixture", e.ContentHash)
	}
}

func geoAt(country, city string, lat, lon float64) model.GeoFields {
	return model.GeoFields{
		Country:   country,
		City:      city,
		Latitude:  &lat,
		Longitude: &lon,
		Status:    model.GeoResolved,
	}
}

// fixtureStore seeds two hostile events from one source, one benign,
// one outside the window, and one from a private address.
func fixtureStore(t *testing.T) *Store {
	t.Helper()
	s := newTestStore(t, WithClock(func() time.Time { return fixtureNow }))

	seed(t, s, &model.Event{
		ObservedAt: time.Date(2026, 8, 24, 11, 5, 0, 0, time.UTC), IngestedAt: time.Date(2026, 8, 24, 11, 5, 0, 0, time.UTC),
		SourceAddress: "198.51.100.7", Geo: geoAt("Netherlands", "Amsterdam", 52.37, 4.90),
		Protocol: "HTTPS", TargetService: "gitea", Action: "git_push", TargetPath: "/repo/.env",
		SessionID: "s-a1", UserAgent: "curl/8.5.0",
		Score:        model.Score{Value: 0.92, Band: model.BandHigh, IsAnomaly: true, PredictedClass: model.ClassExploit, TrafficClass: "Tor"},
		AnomalyScore: 0.9, ContentHash: "a1",
	})
	seed(t, s, &model.Event{
		ObservedAt: time.Date(2026, 8, 24, 10, 40, 0, 0, time.UTC), IngestedAt: time.Date(2026, 8, 24, 10, 40, 0, 0, time.UTC),
		SourceAddress: "198.51.100.7", Geo: geoAt("Netherlands", "Amsterdam", 52.37, 4.90),
		Protocol: "HTTPS", TargetService: "gitea", Action: "cred_access", TargetPath: "/repo/secrets.yml",
		SessionID: "s-a2", UserAgent: "curl/8.5.0",
		Score:        model.Score{Value: 0.81, Band: model.BandHigh, PredictedClass: model.ClassCredentialAccess, TrafficClass: "Tor"},
		AnomalyScore: 0.2, ContentHash: "a2",
	})
	seed(t, s, &model.Event{
		ObservedAt: time.Date(2026, 8, 24, 11, 20, 0, 0, time.UTC), IngestedAt: time.Date(2026, 8, 24, 11, 20, 0, 0, time.UTC),
		SourceAddress: "203.0.113.5", Geo: geoAt("Sweden", "Stockholm", 59.33, 18.06),
		Protocol: "HTTP", TargetService: "jenkins", Action: "repo_browse", TargetPath: "/job/build",
		SessionID: "s-a3", UserAgent: "Mozilla/5.0",
		Score:        model.Score{Value: 0.25, Band: model.BandLow, PredictedClass: model.ClassBenign, TrafficClass: "Non-Tor"},
		AnomalyScore: 0.3, ContentHash: "a3",
	})
	seed(t, s, &model.Event{
		ObservedAt: time.Date(2026, 8, 20, 8, 0, 0, 0, time.UTC), IngestedAt: time.Date(2026, 8, 20, 8, 0, 0, 0, time.UTC),
		SourceAddress: "192.0.2.200", Geo: geoAt("France", "Paris", 48.85, 2.35),
		Protocol: "TCP", TargetService: "ssh", Action: "port_scan", TargetPath: "",
		SessionID: "s-a4", UserAgent: "masscan/1.3",
		Score:        model.Score{Value: 0.95, Band: model.BandHigh, IsAnomaly: true, PredictedClass: model.ClassKnownMalicious, TrafficClass: "VPN"},
		AnomalyScore: 0.95, ContentHash: "a4",
	})
	seed(t, s, &model.Event{
		ObservedAt: time.Date(2026, 8, 24, 12, 10, 0, 0, time.UTC), IngestedAt: time.Date(2026, 8, 24, 12, 10, 0, 0, time.UTC),
		SourceAddress: "10.0.0.5", Geo: model.GeoFields{IsPrivate: true, Status: model.GeoPrivate},
		Protocol: "SSH", TargetService: "ssh", Action: "health_check", TargetPath: "",
		SessionID: "s-a5", UserAgent: "internal-probe",
		Score:       model.Score{Value: 0, Band: model.BandMinimal, PredictedClass: model.ClassBenign},
		ContentHash: "a5",
	})
	return s
}

func bucketPoint(t *testing.T, series []model.SeriesPoint, key string) model.SeriesPoint {
	t.Helper()
	for _, p := range series {
		if p.Bucket == key {
			return p
		}
	}
	t.Fatalf("bucket %q not in series", key)
	return model.SeriesPoint{}
}

func TestLiveEvents_NewestFirstWithFilters(t *testing.T) {
	s := fixtureStore(t)
	ctx := context.Background()

	all, err := s.LiveEvents(ctx, 10, "", 0)
	if err != nil {
		t.Fatalf("LiveEvents: %v", err)
	}
	wantOrder := []string{"a5", "a3", "a1", "a2", "a4"}
	if len(all) != len(wantOrder) {
		t.Fatalf("got %d rows, want %d", len(all), len(wantOrder))
	}
	for i, want := range wantOrder {
		if all[i].ContentHash != want {
			t.Errorf("row %d = %q, want %q", i, all[i].ContentHash, want)
		}
	}

	limited, err := s.LiveEvents(ctx, 2, "", 0)
	if err != nil {
		t.Fatalf("LiveEvents limit: %v", err)
	}
	if len(limited) != 2 || limited[0].ContentHash != "a5" || limited[1].ContentHash != "a3" {
		t.Errorf("limited rows = %v, want [a5 a3]", hashesOf(limited))
	}

	bySource, err := s.LiveEvents(ctx, 10, "198.51.100.7", 0)
	if err != nil {
		t.Fatalf("LiveEvents source: %v", err)
	}
	if len(bySource) != 2 {
		t.Errorf("source filter returned %d rows, want 2", len(bySource))
	}

	scored, err := s.LiveEvents(ctx, 10, "", 0.8)
	if err != nil {
		t.Fatalf("LiveEvents min score: %v", err)
	}
	if got, want := hashesOf(scored), []string{"a1", "a2", "a4"}; !slices.Equal(got, want) {
		t.Errorf("min_score rows = %v, want %v", got, want)
	}
}

func hashesOf(events []model.Event) []string {
	out := make([]string, 0, len(events))
	for _, e := range events {
		out = append(out, e.ContentHash)
	}
	return out
}

func TestStats_GlobalAndWindowAggregates(t *testing.T) {
	s := fixtureStore(t)

	st, err := s.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}

	if st.TotalEvents != 5 {
		t.Errorf("total = %d, want 5", st.TotalEvents)
	}
	if st.DistinctSources != 4 {
		t.Errorf("sources = %d, want 4", st.DistinctSources)
	}
	if st.EventsLast24h != 4 {
		t.Errorf("last 24h = %d, want 4", st.EventsLast24h)
	}
	if want := (0.92 + 0.81 + 0.25 + 0.95 + 0) / 5; !near(st.AvgScore, want) {
		t.Errorf("avg score = %v, want %v", st.AvgScore, want)
	}
	if st.HighRiskCount != 3 {
		t.Errorf("high risk = %d, want 3", st.HighRiskCount)
	}
	if st.AnomalyCount != 2 {
		t.Errorf("anomalies = %d, want 2", st.AnomalyCount)
	}

	wantServices := []model.LabelCount{{Label: "gitea", Count: 2}, {Label: "ssh", Count: 2}, {Label: "jenkins", Count: 1}}
	if !slices.Equal(st.TopServices, wantServices) {
		t.Errorf("top services = %v, want %v", st.TopServices, wantServices)
	}
	wantCountries := []model.LabelCount{{Label: "Netherlands", Count: 2}, {Label: "France", Count: 1}, {Label: "Sweden", Count: 1}}
	if !slices.Equal(st.TopCountries, wantCountries) {
		t.Errorf("top countries = %v, want %v", st.TopCountries, wantCountries)
	}
	wantActions := []model.LabelCount{
		{Label: "cred_access", Count: 1}, {Label: "git_push", Count: 1}, {Label: "health_check", Count: 1},
		{Label: "port_scan", Count: 1}, {Label: "repo_browse", Count: 1},
	}
	if !slices.Equal(st.TopActions, wantActions) {
		t.Errorf("top actions = %v, want %v", st.TopActions, wantActions)
	}

	if st.BandHistogram["HIGH"] != 3 || st.BandHistogram["LOW"] != 1 || st.BandHistogram["MINIMAL"] != 1 {
		t.Errorf("band histogram = %v", st.BandHistogram)
	}

	if len(st.HourlySeries) != 24 {
		t.Fatalf("series len = %d, want 24", len(st.HourlySeries))
	}
	p := bucketPoint(t, st.HourlySeries, "2026-08-24T11:00:00Z")
	if p.Count != 2 || !near(p.AvgScore, (0.92+0.25)/2) {
		t.Errorf("11:00 bucket = %+v, want count 2 avg 0.585", p)
	}
	if p := bucketPoint(t, st.HourlySeries, "2026-08-24T10:00:00Z"); p.Count != 1 {
		t.Errorf("10:00 bucket = %+v, want count 1", p)
	}
}

func TestAnalytics_WindowScopedOnly(t *testing.T) {
	s := fixtureStore(t)

	an, err := s.Analytics(context.Background())
	if err != nil {
		t.Fatalf("Analytics: %v", err)
	}

	if an.Total24h != 4 {
		t.Errorf("total 24h = %d, want 4 (stale row must not count)", an.Total24h)
	}
	if an.HighRisk24h != 2 {
		t.Errorf("high risk 24h = %d, want 2", an.HighRisk24h)
	}
	if an.DistinctSources24h != 3 {
		t.Errorf("sources 24h = %d, want 3", an.DistinctSources24h)
	}
	if want := (0.92 + 0.81 + 0.25 + 0) / 4; !near(an.AvgScore24h, want) {
		t.Errorf("avg 24h = %v, want %v", an.AvgScore24h, want)
	}

	wantSources := []model.LabelCount{{Label: "198.51.100.7", Count: 2}, {Label: "10.0.0.5", Count: 1}, {Label: "203.0.113.5", Count: 1}}
	if !slices.Equal(an.TopSources, wantSources) {
		t.Errorf("top sources = %v, want %v", an.TopSources, wantSources)
	}
	wantCountries := []model.LabelCount{{Label: "Netherlands", Count: 2}, {Label: "Sweden", Count: 1}}
	if !slices.Equal(an.TopCountries, wantCountries) {
		t.Errorf("top countries = %v, want %v", an.TopCountries, wantCountries)
	}
	wantProtocols := []model.LabelCount{{Label: "HTTPS", Count: 2}, {Label: "HTTP", Count: 1}, {Label: "SSH", Count: 1}}
	if !slices.Equal(an.TopProtocols, wantProtocols) {
		t.Errorf("top protocols = %v, want %v", an.TopProtocols, wantProtocols)
	}
	if len(an.TimeSeries) != 24 {
		t.Errorf("series len = %d, want 24", len(an.TimeSeries))
	}
}

func TestMapPoints_GeolocatedRowsOnly(t *testing.T) {
	s := fixtureStore(t)

	points, err := s.MapPoints(context.Background())
	if err != nil {
		t.Fatalf("MapPoints: %v", err)
	}
	if len(points) != 3 {
		t.Fatalf("got %d points, want 3 (private source has no coordinates)", len(points))
	}

	first := points[0]
	if first.Source != "198.51.100.7" || first.Count != 2 {
		t.Errorf("first point = %+v, want 198.51.100.7 with count 2", first)
	}
	if first.Country != "Netherlands" || first.City != "Amsterdam" {
		t.Errorf("first point geo = %s/%s, want Netherlands/Amsterdam", first.Country, first.City)
	}
	if !near(first.Latitude, 52.37) || !near(first.Longitude, 4.90) {
		t.Errorf("first point coords = (%v, %v)", first.Latitude, first.Longitude)
	}
	if !near(first.AvgScore, (0.92+0.81)/2) {
		t.Errorf("first point avg = %v, want 0.865", first.AvgScore)
	}

	if points[1].Source != "192.0.2.200" || points[2].Source != "203.0.113.5" {
		t.Errorf("tie order = %s, %s; want 192.0.2.200 then 203.0.113.5", points[1].Source, points[2].Source)
	}
	for _, p := range points {
		if p.Source == "10.0.0.5" {
			t.Error("private source without coordinates appeared on the map")
		}
	}
}

func TestMLInsights_WindowAggregates(t *testing.T) {
	s := fixtureStore(t)

	mi, err := s.MLInsights(context.Background())
	if err != nil {
		t.Fatalf("MLInsights: %v", err)
	}

	if want := (0.9 + 0.2 + 0.3 + 0) / 4; !near(mi.AvgAnomalyScore, want) {
		t.Errorf("avg anomaly = %v, want %v", mi.AvgAnomalyScore, want)
	}
	if mi.AnomalyCount != 1 {
		t.Errorf("anomaly count = %d, want 1 (stale anomaly outside window)", mi.AnomalyCount)
	}
	if mi.SuspiciousTraffic != 2 {
		t.Errorf("suspicious traffic = %d, want 2 Tor rows", mi.SuspiciousTraffic)
	}

	if len(mi.HighRiskSources) != 1 {
		t.Fatalf("high risk sources = %v, want one entry", mi.HighRiskSources)
	}
	hr := mi.HighRiskSources[0]
	if hr.Source != "198.51.100.7" || hr.Count != 2 || !near(hr.AvgScore, 0.865) {
		t.Errorf("high risk source = %+v", hr)
	}

	if mi.BandHistogram["HIGH"] != 2 || mi.BandHistogram["LOW"] != 1 || mi.BandHistogram["MINIMAL"] != 1 {
		t.Errorf("band histogram = %v", mi.BandHistogram)
	}
	if mi.TrafficHistogram["Tor"] != 2 || mi.TrafficHistogram["Non-Tor"] != 1 {
		t.Errorf("traffic histogram = %v", mi.TrafficHistogram)
	}
	if len(mi.HourlySeries) != 24 {
		t.Errorf("series len = %d, want 24", len(mi.HourlySeries))
	}
}

func TestAlerts_OrderedByScoreDescending(t *testing.T) {
	s := fixtureStore(t)
	ctx := context.Background()

	alerts, err := s.Alerts(ctx, 0.5, 10)
	if err != nil {
		t.Fatalf("Alerts: %v", err)
	}
	if got, want := hashesOf(alerts), []string{"a4", "a1", "a2"}; !slices.Equal(got, want) {
		t.Fatalf("alerts = %v, want %v", got, want)
	}
	for i := 1; i < len(alerts); i++ {
		if alerts[i].Score.Value > alerts[i-1].Score.Value {
			t.Errorf("alerts not descending at %d", i)
		}
	}

	none, err := s.Alerts(ctx, 1.0, 10)
	if err != nil {
		t.Fatalf("Alerts at 1.0: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("threshold 1.0 returned %d rows, want 0", len(none))
	}
}

func TestInvestigate_AssemblesSourceDossier(t *testing.T) {
	s := fixtureStore(t)

	inv, err := s.Investigate(context.Background(), "198.51.100.7")
	if err != nil {
		t.Fatalf("Investigate: %v", err)
	}

	if inv.TotalEvents != 2 {
		t.Errorf("total = %d, want 2", inv.TotalEvents)
	}
	if !near(inv.AvgScore, 0.865) || !near(inv.MaxScore, 0.92) {
		t.Errorf("scores = avg %v max %v", inv.AvgScore, inv.MaxScore)
	}
	if inv.FirstSeen != "2026-08-24T10:40:00.000Z" {
		t.Errorf("first seen = %q", inv.FirstSeen)
	}
	if inv.LastSeen != "2026-08-24T11:05:00.000Z" {
		t.Errorf("last seen = %q", inv.LastSeen)
	}
	if want := []string{"cred_access", "git_push"}; !slices.Equal(inv.Actions, want) {
		t.Errorf("actions = %v, want %v", inv.Actions, want)
	}
	if want := []string{"gitea"}; !slices.Equal(inv.Services, want) {
		t.Errorf("services = %v, want %v", inv.Services, want)
	}
	if inv.Geo.Country != "Netherlands" {
		t.Errorf("geo country = %q, want latest event's geo", inv.Geo.Country)
	}
	if len(inv.Events) != 2 || inv.Events[0].ContentHash != "a1" {
		t.Errorf("events = %v, want newest first", hashesOf(inv.Events))
	}
	if len(inv.HourlySeries) != 24 {
		t.Fatalf("series len = %d, want 24", len(inv.HourlySeries))
	}
	if p := bucketPoint(t, inv.HourlySeries, "2026-08-24T11:00:00Z"); p.Count != 1 {
		t.Errorf("11:00 bucket = %+v, want only this source's row", p)
	}
}

func TestInvestigate_UnknownSourceIsNotFound(t *testing.T) {
	s := fixtureStore(t)

	_, err := s.Investigate(context.Background(), "203.0.113.99")
	if !errkind.Is(err, errkind.NotFound) {
		t.Fatalf("kind = %q, want %q", errkind.Of(err), errkind.NotFound)
	}
}

func TestQueries_EmptyStoreReturnsZeroesNotErrors(t *testing.T) {
	s := newTestStore(t, WithClock(func() time.Time { return fixtureNow }))
	ctx := context.Background()

	st, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.TotalEvents != 0 || st.AvgScore != 0 {
		t.Errorf("stats = %+v, want zeroes", st)
	}
	if len(st.HourlySeries) != 24 {
		t.Errorf("series len = %d, want 24 zero buckets", len(st.HourlySeries))
	}
	for _, p := range st.HourlySeries {
		if p.Count != 0 {
			t.Errorf("bucket %q count = %d, want 0", p.Bucket, p.Count)
		}
	}

	an, err := s.Analytics(ctx)
	if err != nil {
		t.Fatalf("Analytics: %v", err)
	}
	if an.Total24h != 0 || len(an.TimeSeries) != 24 {
		t.Errorf("analytics = %+v", an)
	}

	mi, err := s.MLInsights(ctx)
	if err != nil {
		t.Fatalf("MLInsights: %v", err)
	}
	if mi.AnomalyCount != 0 || mi.AvgAnomalyScore != 0 || len(mi.HourlySeries) != 24 {
		t.Errorf("ml insights = %+v", mi)
	}

	points, err := s.MapPoints(ctx)
	if err != nil {
		t.Fatalf("MapPoints: %v", err)
	}
	if len(points) != 0 {
		t.Errorf("map points = %v, want none", points)
	}

	alerts, err := s.Alerts(ctx, 0.5, 10)
	if err != nil {
		t.Fatalf("Alerts: %v", err)
	}
	if len(alerts) != 0 {
		t.Errorf("alerts = %v, want none", alerts)
	}
}
