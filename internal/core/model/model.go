// Package model defines core domain types shared across the collector.
package model

import (
	"encoding/json"
	"time"
)

// Band is the discrete risk level derived from the numeric score.
type Band string

const (
	BandMinimal Band = "MINIMAL"
	BandLow     Band = "LOW"
	BandMedium  Band = "MEDIUM"
	BandHigh    Band = "HIGH"
)

// Rank orders bands from MINIMAL (0) to HIGH (3). Unknown bands rank lowest.
func (b Band) Rank() int {
	switch b {
	case BandHigh:
		return 3
	case BandMedium:
		return 2
	case BandLow:
		return 1
	default:
		return 0
	}
}

// Predicted attack classes. Indicator rules outrank model-only labels.
const (
	ClassExploit          = "EXPLOIT"
	ClassCredentialAccess = "CREDENTIAL_ACCESS"
	ClassDataExfil        = "DATA_EXFIL"
	ClassRecon            = "RECON"
	ClassKnownMalicious   = "KNOWN_MALICIOUS"
	ClassUnknownAnomaly   = "UNKNOWN_ANOMALY"
	ClassBenign           = "BENIGN"
)

type GeoStatus string

const (
	GeoResolved   GeoStatus = "resolved"
	GeoUnresolved GeoStatus = "unresolved"
	GeoPrivate    GeoStatus = "private"
)

// GeoFields is the enrichment attached to an event. All fields are optional;
// a private source address short-circuits enrichment entirely.
type GeoFields struct {
	Country      string    `json:"country,omitempty"`
	Region       string    `json:"region,omitempty"`
	City         string    `json:"city,omitempty"`
	Latitude     *float64  `json:"latitude,omitempty"`
	Longitude    *float64  `json:"longitude,omitempty"`
	ISP          string    `json:"isp,omitempty"`
	Organization string    `json:"organization,omitempty"`
	Timezone     string    `json:"timezone,omitempty"`
	IsPrivate    bool      `json:"is_private"`
	Status       GeoStatus `json:"status,omitempty"`
}

// Score is the ensemble output attached to an event.
type Score struct {
	Value          float64 `json:"value"`
	Band           Band    `json:"band"`
	IsAnomaly      bool    `json:"is_anomaly"`
	PredictedClass string  `json:"predicted_class"`
	TrafficClass   string  `json:"traffic_class"`
}

// RawEvent is the ingest request body before canonicalization.
type RawEvent struct {
	ObservedAt    string            `json:"observed_at"`
	SourceAddress string            `json:"source_address"`
	Protocol      string            `json:"protocol,omitempty"`
	TargetService string            `json:"target_service"`
	Action        string            `json:"action"`
	TargetPath    string            `json:"target_path,omitempty"`
	SessionID     string            `json:"session_id"`
	UserAgent     string            `json:"user_agent,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Payload       json.RawMessage   `json:"payload,omitempty"`
}

// Event is the canonical record: the unit of ingest and storage.
// Immutable once persisted.
type Event struct {
	ID              int64             `json:"id,omitempty"`
	ObservedAt      time.Time         `json:"observed_at"`
	IngestedAt      time.Time         `json:"ingested_at"`
	SourceAddress   string            `json:"source_address"`
	Geo             GeoFields         `json:"geo"`
	Protocol        string            `json:"protocol,omitempty"`
	TargetService   string            `json:"target_service"`
	Action          string            `json:"action"`
	TargetPath      string            `json:"target_path,omitempty"`
	SessionID       string            `json:"session_id"`
	UserAgent       string            `json:"user_agent,omitempty"`
	Headers         map[string]string `json:"headers,omitempty"`
	Payload         json.RawMessage   `json:"payload,omitempty"`
	Score           Score             `json:"score"`
	AnomalyScore    float64           `json:"anomaly_score"`
	ScoringDegraded bool              `json:"scoring_degraded"`
	ContentHash     string            `json:"content_hash"`
}

// LabelCount is one entry of a top-N list, ordered by count descending
// with ties broken by lexicographic label.
type LabelCount struct {
	Label string `json:"label"`
	Count int64  `json:"count"`
}

// SeriesPoint is one hourly UTC bucket of a temporal series.
// Bucket keys are formatted YYYY-MM-DDTHH:00:00Z.
type SeriesPoint struct {
	Bucket   string  `json:"bucket"`
	Count    int64   `json:"count"`
	AvgScore float64 `json:"avg_score"`
}

// SourceHeat is a source address with its decayed activity score.
type SourceHeat struct {
	Source string  `json:"source_address"`
	Heat   float64 `json:"heat"`
}

// Stats backs GET /stats.
type Stats struct {
	TotalEvents     int64            `json:"total_events"`
	DistinctSources int64            `json:"distinct_sources"`
	EventsLast24h   int64            `json:"events_last_24h"`
	AvgScore        float64          `json:"avg_score"`
	HighRiskCount   int64            `json:"high_risk_count"`
	AnomalyCount    int64            `json:"anomaly_count"`
	TopServices     []LabelCount     `json:"top_services"`
	TopActions      []LabelCount     `json:"top_actions"`
	TopCountries    []LabelCount     `json:"top_countries"`
	BandHistogram   map[string]int64 `json:"band_histogram"`
	HourlySeries    []SeriesPoint    `json:"hourly_series"`
	HotSources      []SourceHeat     `json:"hot_sources"`
}

// Analytics backs GET /analytics. All aggregates are scoped to the
// 24-hour window ending at the current UTC hour.
type Analytics struct {
	Total24h           int64         `json:"total_24h"`
	HighRisk24h        int64         `json:"high_risk_24h"`
	DistinctSources24h int64         `json:"distinct_sources_24h"`
	AvgScore24h        float64       `json:"avg_score_24h"`
	TopCountries       []LabelCount  `json:"top_countries"`
	TopSources         []LabelCount  `json:"top_sources"`
	TopProtocols       []LabelCount  `json:"top_protocols"`
	TimeSeries         []SeriesPoint `json:"time_series"`
}

// MapPoint is a per-source aggregate restricted to geolocated rows.
type MapPoint struct {
	Source    string  `json:"source_address"`
	Count     int64   `json:"count"`
	AvgScore  float64 `json:"avg_score"`
	Country   string  `json:"country,omitempty"`
	City      string  `json:"city,omitempty"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Cell      string  `json:"h3_cell,omitempty"`
}

// MapCell aggregates map points sharing one H3 cell.
type MapCell struct {
	Cell     string  `json:"cell"`
	Count    int64   `json:"count"`
	AvgScore float64 `json:"avg_score"`
}

// MapData backs GET /map.
type MapData struct {
	Points     []MapPoint `json:"points"`
	Cells      []MapCell  `json:"cells"`
	Resolution int        `json:"resolution"`
}

// HighRiskSource is a source whose average score crossed the high-risk cutoff.
type HighRiskSource struct {
	Source   string  `json:"source_address"`
	AvgScore float64 `json:"avg_score"`
	Count    int64   `json:"count"`
}

// MLInsights backs GET /ml-insights.
type MLInsights struct {
	AvgAnomalyScore   float64          `json:"avg_anomaly_score"`
	AnomalyCount      int64            `json:"anomaly_count"`
	HourlySeries      []SeriesPoint    `json:"hourly_series"`
	HighRiskSources   []HighRiskSource `json:"high_risk_sources"`
	BandHistogram     map[string]int64 `json:"band_histogram"`
	TrafficHistogram  map[string]int64 `json:"traffic_histogram"`
	SuspiciousTraffic int64            `json:"suspicious_traffic"`
}

// Investigation backs GET /investigate/{source}.
type Investigation struct {
	Source       string        `json:"source_address"`
	TotalEvents  int64         `json:"total_events"`
	AvgScore     float64       `json:"avg_score"`
	MaxScore     float64       `json:"max_score"`
	FirstSeen    string        `json:"first_seen"`
	LastSeen     string        `json:"last_seen"`
	Actions      []string      `json:"actions"`
	Services     []string      `json:"services"`
	Geo          GeoFields     `json:"geo"`
	Heat         float64       `json:"heat"`
	HourlySeries []SeriesPoint `json:"hourly_series"`
	Events       []Event       `json:"events"`
}

// IngestAck is the 200 response body of POST /ingest.
type IngestAck struct {
	Accepted  bool  `json:"accepted"`
	Inserted  bool  `json:"inserted"`
	Duplicate bool  `json:"duplicate"`
	Score     Score `json:"score"`
}
