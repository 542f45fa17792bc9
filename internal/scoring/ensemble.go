package scoring

import (
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/mohammed-shakir/decoynet-collector/internal/core/model"
	"github.com/mohammed-shakir/decoynet-collector/internal/core/observability"
	"github.com/mohammed-shakir/decoynet-collector/internal/feature"
)

type Weights struct {
	Supervised float64
	Anomaly    float64
	Traffic    float64
}

type Bands struct {
	Low    float64
	Medium float64
	High   float64
}

// Of maps a score value to its band. Total: every value lands
// somewhere.
func (b Bands) Of(v float64) model.Band {
	switch {
	case v >= b.High:
		return model.BandHigh
	case v >= b.Medium:
		return model.BandMedium
	case v >= b.Low:
		return model.BandLow
	default:
		return model.BandMinimal
	}
}

type Config struct {
	Weights    Weights
	Bands      Bands
	ScoreFloor float64
	Indicators feature.Indicators
}

// Result is one scored event. Failed lists the models that could not
// run; each contributed zero to the weighted sum.
type Result struct {
	Score        model.Score
	AnomalyScore float64
	Degraded     bool
	Failed       []string
}

type Ensemble struct {
	logger    *slog.Logger
	cfg       Config
	sup       *Artifact
	ano       *Artifact
	sec       *Artifact
	extractor *feature.Extractor
}

func New(logger *slog.Logger, sup, ano, sec *Artifact, cfg Config) (*Ensemble, error) {
	if sup == nil || ano == nil || sec == nil {
		return nil, fmt.Errorf("all three model artifacts are required")
	}
	if sup.Tag != TagSupervised || ano.Tag != TagAnomaly || sec.Tag != TagSecondary {
		return nil, fmt.Errorf("artifact tags %q/%q/%q in the wrong slots", sup.Tag, ano.Tag, sec.Tag)
	}
	w := cfg.Weights
	if sum := w.Supervised + w.Anomaly + w.Traffic; math.Abs(sum-1) > 1e-9 {
		return nil, fmt.Errorf("ensemble weights sum to %v, want 1", sum)
	}
	b := cfg.Bands
	if !(b.Low > 0 && b.Low < b.Medium && b.Medium < b.High && b.High <= 1) {
		return nil, fmt.Errorf("band thresholds %v/%v/%v not strictly ordered in (0,1]", b.Low, b.Medium, b.High)
	}
	if cfg.ScoreFloor < 0 || cfg.ScoreFloor > 1 {
		return nil, fmt.Errorf("score floor %v outside [0,1]", cfg.ScoreFloor)
	}
	return &Ensemble{
		logger:    logger,
		cfg:       cfg,
		sup:       sup,
		ano:       ano,
		sec:       sec,
		extractor: feature.NewExtractor(cfg.Indicators),
	}, nil
}

// ModelInfo is the health view of one loaded artifact.
type ModelInfo struct {
	Tag      string `json:"tag"`
	Trees    int    `json:"trees"`
	Features int    `json:"features"`
}

func (e *Ensemble) Models() []ModelInfo {
	return []ModelInfo{
		{Tag: e.sup.Tag, Trees: len(e.sup.Forest), Features: len(e.sup.Columns)},
		{Tag: e.ano.Tag, Trees: len(e.ano.Trees), Features: len(e.ano.Columns)},
		{Tag: e.sec.Tag, Trees: len(e.sec.Forest), Features: len(e.sec.Columns)},
	}
}

// Score runs all three models over ev. It never fails: a broken model
// contributes zero and flags the result degraded.
func (e *Ensemble) Score(ev *model.Event) Result {
	start := time.Now()

	var failed []string
	fail := func(name string, err error) {
		failed = append(failed, name)
		observability.IncModelFailure(name)
		e.logger.Debug("model inference failed", "model", name, "err", err)
	}

	pS, supOver := 0.0, false
	if probs, err := predictProba(e.sup.Forest, e.extractor.Featurize(ev, e.sup.Spec), len(e.sup.Classes)); err != nil {
		fail("supervised", err)
	} else {
		pS = probs[len(probs)-1]
		supOver = pS >= e.sup.DecisionThreshold
	}

	pA, anoFlag := 0.0, false
	if s, err := anomalyMeasure(e.ano.Trees, e.extractor.Featurize(ev, e.ano.Spec), e.ano.MaxSamples); err != nil {
		fail("anomaly", err)
	} else {
		pA = s
		anoFlag = s >= e.ano.FlagThreshold
	}

	pT, trafficClass := 0.0, "UNKNOWN"
	if probs, err := predictProba(e.sec.Forest, e.extractor.Featurize(ev, e.sec.Spec), len(e.sec.Classes)); err != nil {
		fail("secondary", err)
	} else {
		label := e.sec.Classes[argmax(probs)]
		// stored traffic_class is the canonical form when the artifact
		// carries a mapping; raw training labels otherwise
		trafficClass = label
		if canon := e.sec.Canonical[label]; canon != "" {
			trafficClass = canon
		}
		for i, c := range e.sec.Classes {
			if e.suspicious(c) {
				pT += probs[i]
			}
		}
	}

	res := Result{
		AnomalyScore: pA,
		Degraded:     len(failed) > 0,
		Failed:       failed,
	}

	if len(failed) == 3 {
		res.Score = model.Score{Band: model.BandMinimal, PredictedClass: model.ClassBenign, TrafficClass: trafficClass}
		observability.ObserveScoring(time.Since(start).Seconds())
		observability.ObserveScore(0)
		return res
	}

	w := e.cfg.Weights
	value := w.Supervised*pS + w.Anomaly*pA + w.Traffic*pT
	indicator := e.cfg.Indicators.Match(ev.Action, ev.TargetPath)
	if indicator && value < e.cfg.ScoreFloor {
		value = e.cfg.ScoreFloor
	}
	value = math.Max(0, math.Min(1, value))

	res.Score = model.Score{
		Value:          value,
		Band:           e.cfg.Bands.Of(value),
		IsAnomaly:      anoFlag || value >= e.cfg.Bands.High || supOver,
		PredictedClass: classify(ev, supOver, anoFlag),
		TrafficClass:   trafficClass,
	}

	observability.ObserveScoring(time.Since(start).Seconds())
	observability.ObserveScore(value)
	return res
}

func (e *Ensemble) suspicious(class string) bool {
	for _, s := range e.sec.Suspicious {
		if s == class {
			return true
		}
	}
	return false
}

// Path sets behind the class taxonomy. Credential-bearing names map to
// CREDENTIAL_ACCESS, remaining sensitive formats to DATA_EXFIL.
var (
	credentialPaths = feature.Indicators{
		Paths: []string{".env", "secrets", "credentials", "private.key", "id_rsa", ".pem", "kubeconfig-*"},
	}
	sensitivePaths = feature.Indicators{
		Paths: []string{".yml", ".yaml", ".json", ".sql", ".db", ".bak", "backup", "dump"},
	}
)

// classify applies the attack taxonomy. Event-derived rules outrank
// model-only labels.
func classify(ev *model.Event, supOver, anoFlag bool) string {
	action := strings.ToLower(ev.Action)
	switch {
	case containsAny(action, "push", "commit", "inject"):
		return model.ClassExploit
	case strings.Contains(action, "cred") || credentialPaths.Match("", ev.TargetPath):
		return model.ClassCredentialAccess
	case ev.TargetPath != "" && sensitivePaths.Match("", ev.TargetPath):
		return model.ClassDataExfil
	case containsAny(action, "scan", "probe", "recon"):
		return model.ClassRecon
	case supOver:
		return model.ClassKnownMalicious
	case anoFlag:
		return model.ClassUnknownAnomaly
	default:
		return model.ClassBenign
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
