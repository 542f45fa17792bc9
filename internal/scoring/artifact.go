// Package scoring runs the three-model ensemble over feature vectors.
//
// Model artifacts are JSON documents exported at training time: plain
// node-array decision forests plus encoder and scaler tables. They are
// validated once at load and immutable afterwards, so inference needs
// no locking.
package scoring

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/mohammed-shakir/decoynet-collector/internal/feature"
)

const (
	TagSupervised = "SUPERVISED_CLF"
	TagAnomaly    = "UNSUPERVISED_ANOMALY"
	TagSecondary  = "SECONDARY_CLF"
)

// Tree is one decision tree in sklearn's flattened node-array layout:
// index 0 is the root, children always carry a higher index than their
// parent, and a negative child marks a leaf.
type Tree struct {
	Feature   []int       `json:"feature"`
	Threshold []float64   `json:"threshold"`
	Left      []int       `json:"left"`
	Right     []int       `json:"right"`
	Value     [][]float64 `json:"value,omitempty"`
	NSamples  []int       `json:"n_samples,omitempty"`
}

type Artifact struct {
	Tag string `json:"tag"`
	feature.Spec

	// classifier bodies (SUPERVISED_CLF, SECONDARY_CLF)
	Forest            []Tree   `json:"forest,omitempty"`
	Classes           []string `json:"classes,omitempty"`
	DecisionThreshold float64  `json:"decision_threshold,omitempty"`

	// anomaly body (UNSUPERVISED_ANOMALY)
	Trees         []Tree  `json:"trees,omitempty"`
	MaxSamples    int     `json:"max_samples,omitempty"`
	FlagThreshold float64 `json:"flag_threshold,omitempty"`

	// secondary label mapping
	Canonical  map[string]string `json:"canonical,omitempty"`
	Suspicious []string          `json:"suspicious,omitempty"`
}

// LoadArtifact reads and validates one model artifact. Any defect is
// fatal: the caller refuses to start on a broken model.
func LoadArtifact(path, wantTag string) (*Artifact, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read artifact: %w", err)
	}
	var a Artifact
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("parse artifact %s: %w", path, err)
	}
	if a.Tag != wantTag {
		return nil, fmt.Errorf("artifact %s: tag %q, want %q", path, a.Tag, wantTag)
	}
	if err := a.validate(); err != nil {
		return nil, fmt.Errorf("artifact %s: %w", path, err)
	}
	return &a, nil
}

func (a *Artifact) validate() error {
	if len(a.Columns) == 0 {
		return fmt.Errorf("no feature columns")
	}
	if s := a.Scaler; s != nil {
		if len(s.Mean) != len(a.Columns) || len(s.Scale) != len(a.Columns) {
			return fmt.Errorf("scaler length %d/%d, want %d", len(s.Mean), len(s.Scale), len(a.Columns))
		}
	}

	switch a.Tag {
	case TagSupervised, TagSecondary:
		if len(a.Forest) == 0 {
			return fmt.Errorf("empty forest")
		}
		if len(a.Classes) < 2 {
			return fmt.Errorf("%d classes, want at least 2", len(a.Classes))
		}
		if a.DecisionThreshold == 0 {
			a.DecisionThreshold = 0.5
		}
		if a.DecisionThreshold < 0 || a.DecisionThreshold > 1 {
			return fmt.Errorf("decision threshold %v outside [0,1]", a.DecisionThreshold)
		}
		for i := range a.Forest {
			if err := a.Forest[i].validate(len(a.Columns), len(a.Classes), false); err != nil {
				return fmt.Errorf("forest tree %d: %w", i, err)
			}
		}
		if a.Tag == TagSecondary {
			return a.validateLabels()
		}
	case TagAnomaly:
		if len(a.Trees) == 0 {
			return fmt.Errorf("empty tree set")
		}
		if a.MaxSamples < 2 {
			return fmt.Errorf("max_samples %d, want at least 2", a.MaxSamples)
		}
		if a.FlagThreshold == 0 {
			a.FlagThreshold = 0.5
		}
		if a.FlagThreshold < 0 || a.FlagThreshold > 1 {
			return fmt.Errorf("flag threshold %v outside [0,1]", a.FlagThreshold)
		}
		for i := range a.Trees {
			if err := a.Trees[i].validate(len(a.Columns), 0, true); err != nil {
				return fmt.Errorf("tree %d: %w", i, err)
			}
		}
	default:
		return fmt.Errorf("unknown tag %q", a.Tag)
	}
	return nil
}

func (a *Artifact) validateLabels() error {
	known := make(map[string]bool, len(a.Classes))
	for _, c := range a.Classes {
		known[c] = true
	}
	for label := range a.Canonical {
		if !known[label] {
			return fmt.Errorf("canonical mapping for unknown class %q", label)
		}
	}
	for _, label := range a.Suspicious {
		if !known[label] {
			return fmt.Errorf("suspicious label %q not a class", label)
		}
	}
	return nil
}

// validate checks array shapes and the child-index invariant that
// guarantees tree walks terminate.
func (t *Tree) validate(nFeatures, nClasses int, needSamples bool) error {
	n := len(t.Feature)
	if n == 0 {
		return fmt.Errorf("empty tree")
	}
	if len(t.Threshold) != n || len(t.Left) != n || len(t.Right) != n {
		return fmt.Errorf("node arrays disagree: feature=%d threshold=%d left=%d right=%d",
			n, len(t.Threshold), len(t.Left), len(t.Right))
	}
	if nClasses > 0 && len(t.Value) != n {
		return fmt.Errorf("value rows %d, want %d", len(t.Value), n)
	}
	if needSamples && len(t.NSamples) != n {
		return fmt.Errorf("n_samples rows %d, want %d", len(t.NSamples), n)
	}

	for i := range n {
		leaf := t.Left[i] < 0 || t.Right[i] < 0
		if leaf {
			if nClasses > 0 {
				if len(t.Value[i]) != nClasses {
					return fmt.Errorf("leaf %d: value length %d, want %d", i, len(t.Value[i]), nClasses)
				}
				sum := 0.0
				for _, v := range t.Value[i] {
					if v < 0 {
						return fmt.Errorf("leaf %d: negative class weight", i)
					}
					sum += v
				}
				if sum == 0 {
					return fmt.Errorf("leaf %d: zero class weights", i)
				}
			}
			if needSamples && t.NSamples[i] < 1 {
				return fmt.Errorf("leaf %d: n_samples %d", i, t.NSamples[i])
			}
			continue
		}
		if t.Feature[i] < 0 || t.Feature[i] >= nFeatures {
			return fmt.Errorf("node %d: feature index %d outside [0,%d)", i, t.Feature[i], nFeatures)
		}
		if t.Left[i] <= i || t.Left[i] >= n || t.Right[i] <= i || t.Right[i] >= n {
			return fmt.Errorf("node %d: children %d/%d break the ordering invariant", i, t.Left[i], t.Right[i])
		}
	}
	return nil
}
