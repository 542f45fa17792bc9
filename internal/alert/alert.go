// Package alert turns high-band scored events into outbound alerts.
// A notifier decides WHETHER to alert (band gate plus per-source
// cooldown); a sink decides WHERE the alert goes.
package alert

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/mohammed-shakir/decoynet-collector/internal/core/model"
	"github.com/mohammed-shakir/decoynet-collector/internal/core/observability"
)

const (
	DefaultCooldown = 5 * time.Minute

	cooldownCacheSize = 16384
)

// Alert is the wire payload sent to downstream consumers.
type Alert struct {
	ID             string    `json:"alert_id"`
	EmittedAt      time.Time `json:"emitted_at"`
	ObservedAt     time.Time `json:"observed_at"`
	IngestedAt     time.Time `json:"ingested_at"`
	SourceAddress  string    `json:"source_address"`
	Score          float64   `json:"score"`
	Band           string    `json:"band"`
	IsAnomaly      bool      `json:"is_anomaly"`
	PredictedClass string    `json:"predicted_class"`
	TrafficClass   string    `json:"traffic_class,omitempty"`
	Action         string    `json:"action"`
	TargetService  string    `json:"target_service"`
	TargetPath     string    `json:"target_path,omitempty"`
	Country        string    `json:"country,omitempty"`
	ContentHash    string    `json:"content_hash"`
}

// Sink delivers alerts. Send reports false when the alert was dropped
// instead of delivered or queued.
type Sink interface {
	Send(a Alert) bool
	Close() error
}

// NopSink discards every alert. Used when alerting is disabled.
type NopSink struct{}

func (NopSink) Send(Alert) bool { return true }
func (NopSink) Close() error    { return nil }

// Outcome reports what Consider did with an event.
type Outcome string

const (
	OutcomePublished  Outcome = "published"
	OutcomeSuppressed Outcome = "suppressed"
	OutcomeSkipped    Outcome = "skipped"
	OutcomeDropped    Outcome = "dropped"
)

type Option func(*Notifier)

// WithMinBand sets the lowest band that raises an alert.
func WithMinBand(b model.Band) Option {
	return func(n *Notifier) { n.minBand = b }
}

// WithCooldown sets the per-source suppression window.
func WithCooldown(d time.Duration) Option {
	return func(n *Notifier) {
		if d > 0 {
			n.cooldown = d
		}
	}
}

// WithClock injects alert timestamps for tests.
func WithClock(now func() time.Time) Option {
	return func(n *Notifier) { n.now = now }
}

// WithIDFunc injects alert id generation for tests.
func WithIDFunc(f func() string) Option {
	return func(n *Notifier) { n.newID = f }
}

type Notifier struct {
	logger   *slog.Logger
	sink     Sink
	minBand  model.Band
	cooldown time.Duration
	recent   *expirable.LRU[string, time.Time]
	now      func() time.Time
	newID    func() string
}

func NewNotifier(logger *slog.Logger, sink Sink, opts ...Option) *Notifier {
	n := &Notifier{
		logger:   logger,
		sink:     sink,
		minBand:  model.BandHigh,
		cooldown: DefaultCooldown,
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, f := range opts {
		f(n)
	}
	n.recent = expirable.NewLRU[string, time.Time](cooldownCacheSize, nil, n.cooldown)
	return n
}

// Consider raises an alert for e unless the band is too low or the
// source alerted within the cooldown. The cooldown is marked before
// delivery, so a dropped alert still opens a suppression window.
func (n *Notifier) Consider(e *model.Event) Outcome {
	if e.Score.Band.Rank() < n.minBand.Rank() {
		return OutcomeSkipped
	}
	if _, seen := n.recent.Get(e.SourceAddress); seen {
		observability.IncAlertResult(string(OutcomeSuppressed))
		return OutcomeSuppressed
	}
	n.recent.Add(e.SourceAddress, n.now())

	a := Alert{
		ID:             n.newID(),
		EmittedAt:      n.now().UTC(),
		ObservedAt:     e.ObservedAt,
		IngestedAt:     e.IngestedAt,
		SourceAddress:  e.SourceAddress,
		Score:          e.Score.Value,
		Band:           string(e.Score.Band),
		IsAnomaly:      e.Score.IsAnomaly,
		PredictedClass: e.Score.PredictedClass,
		TrafficClass:   e.Score.TrafficClass,
		Action:         e.Action,
		TargetService:  e.TargetService,
		TargetPath:     e.TargetPath,
		Country:        e.Geo.Country,
		ContentHash:    e.ContentHash,
	}
	if !n.sink.Send(a) {
		observability.IncAlertResult(string(OutcomeDropped))
		n.logger.Warn("alert dropped by sink", "source", e.SourceAddress, "band", a.Band)
		return OutcomeDropped
	}
	observability.IncAlertResult(string(OutcomePublished))
	n.logger.Info("alert raised",
		"alert_id", a.ID, "source", a.SourceAddress, "band", a.Band, "class", a.PredictedClass)
	return OutcomePublished
}

func (n *Notifier) Close() error {
	return n.sink.Close()
}
