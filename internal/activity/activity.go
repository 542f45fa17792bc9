// Package activity tracks per-source event heat with exponential decay.
// Heat answers "who is hammering us right now" without replaying the
// store; a source that goes quiet fades out on its half-life.
package activity

import (
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/mohammed-shakir/decoynet-collector/internal/core/model"
)

const (
	numShards = 64

	// maxPerShard bounds memory: a shard past this size sheds its
	// coldest entries on the next write.
	maxPerShard = 4096

	// coldFloor is the heat below which an entry is shed.
	coldFloor = 0.01
)

const DefaultHalfLife = 10 * time.Minute

type Tracker struct {
	halfLife time.Duration
	now      func() time.Time
	shards   [numShards]shard
}

type shard struct {
	mu sync.RWMutex
	m  map[string]*counter
}

type counter struct {
	heat float64
	last time.Time
}

type Option func(*Tracker)

// WithClock injects the decay reference time for tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func New(halfLife time.Duration, opts ...Option) *Tracker {
	if halfLife <= 0 {
		halfLife = DefaultHalfLife
	}
	t := &Tracker{halfLife: halfLife, now: time.Now}
	for _, f := range opts {
		f(t)
	}
	for i := range t.shards {
		t.shards[i].m = make(map[string]*counter)
	}
	return t
}

// Touch decays the source's existing heat to now and adds weight.
// A non-positive weight counts as one event.
func (t *Tracker) Touch(source string, weight float64) {
	if source == "" {
		return
	}
	if weight <= 0 {
		weight = 1
	}
	s := t.pick(source)
	n := t.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.m[source]
	if c == nil {
		if len(s.m) >= maxPerShard {
			s.shed(n, t.halfLife.Seconds())
		}
		s.m[source] = &counter{heat: weight, last: n}
		return
	}
	dt := n.Sub(c.last).Seconds()
	c.heat = decay(c.heat, dt, t.halfLife.Seconds()) + weight
	c.last = n
}

// Heat returns the source's heat decayed to now.
func (t *Tracker) Heat(source string) float64 {
	if source == "" {
		return 0
	}
	s := t.pick(source)
	n := t.now()

	s.mu.RLock()
	c := s.m[source]
	if c == nil {
		s.mu.RUnlock()
		return 0
	}
	heat, last := c.heat, c.last
	s.mu.RUnlock()

	dt := n.Sub(last).Seconds()
	return decay(heat, dt, t.halfLife.Seconds())
}

// TopN returns the n hottest sources, hottest first. Ties break on the
// source address so the order is stable.
func (t *Tracker) TopN(n int) []model.SourceHeat {
	if n <= 0 {
		return nil
	}
	ref := t.now()
	hl := t.halfLife.Seconds()

	var all []model.SourceHeat
	for i := range t.shards {
		s := &t.shards[i]
		s.mu.RLock()
		for src, c := range s.m {
			h := decay(c.heat, ref.Sub(c.last).Seconds(), hl)
			if h >= coldFloor {
				all = append(all, model.SourceHeat{Source: src, Heat: h})
			}
		}
		s.mu.RUnlock()
	}

	slices.SortFunc(all, func(a, b model.SourceHeat) int {
		switch {
		case a.Heat > b.Heat:
			return -1
		case a.Heat < b.Heat:
			return 1
		default:
			return strings.Compare(a.Source, b.Source)
		}
	})
	if len(all) > n {
		all = all[:n]
	}
	return all
}

// Size counts entries across all shards, including cold ones not yet
// shed.
func (t *Tracker) Size() int {
	total := 0
	for i := range t.shards {
		t.shards[i].mu.RLock()
		total += len(t.shards[i].m)
		t.shards[i].mu.RUnlock()
	}
	return total
}

// Reset drops the given sources outright.
func (t *Tracker) Reset(sources ...string) {
	for _, src := range sources {
		if src == "" {
			continue
		}
		s := t.pick(src)
		s.mu.Lock()
		delete(s.m, src)
		s.mu.Unlock()
	}
}

// shed removes entries whose decayed heat fell under the floor.
// Caller holds the write lock.
func (s *shard) shed(ref time.Time, halfLife float64) {
	for src, c := range s.m {
		if decay(c.heat, ref.Sub(c.last).Seconds(), halfLife) < coldFloor {
			delete(s.m, src)
		}
	}
}

func decay(heat, dt, halfLife float64) float64 {
	if heat == 0 || dt <= 0 || halfLife <= 0 {
		return heat
	}
	lambda := math.Ln2 / halfLife
	return heat * math.Exp(-lambda*dt)
}

func (t *Tracker) pick(source string) *shard {
	h := xxhash.Sum64String(source)
	return &t.shards[h&(numShards-1)]
}
