package activity

import (
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/cespare/xxhash/v2"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Add(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func newTrackerForTest(hl time.Duration) (*Tracker, *fakeClock) {
	fc := &fakeClock{now: time.Unix(0, 0).UTC()}
	return New(hl, WithClock(fc.Now)), fc
}

func almostEq(t *testing.T, got, want, eps float64) {
	t.Helper()
	if math.Abs(got-want) > eps {
		t.Fatalf("got=%g want=%g (eps=%g)", got, want, eps)
	}
}

func TestTouchAndHeat_AccumulatesImmediately(t *testing.T) {
	tr, _ := newTrackerForTest(time.Minute)
	src := "198.51.100.7"

	tr.Touch(src, 1)
	almostEq(t, tr.Heat(src), 1.0, 1e-9)

	tr.Touch(src, 1)
	almostEq(t, tr.Heat(src), 2.0, 1e-9)

	tr.Touch(src, 2.5)
	almostEq(t, tr.Heat(src), 4.5, 1e-9)

	tr.Touch(src, 0) // non-positive weight counts as one event
	almostEq(t, tr.Heat(src), 5.5, 1e-9)
}

func TestHalfLife_HeatDecaysByHalf(t *testing.T) {
	hl := 2 * time.Second
	tr, fc := newTrackerForTest(hl)
	src := "203.0.113.9"

	tr.Touch(src, 1)
	almostEq(t, tr.Heat(src), 1.0, 1e-9)

	fc.Add(hl)
	almostEq(t, tr.Heat(src), 0.5, 1e-6)

	fc.Add(hl)
	almostEq(t, tr.Heat(src), 0.25, 1e-6)
}

func TestTopN_HottestFirstWithStableTies(t *testing.T) {
	tr, _ := newTrackerForTest(time.Minute)

	for range 3 {
		tr.Touch("192.0.2.30", 1)
	}
	for range 2 {
		tr.Touch("192.0.2.10", 1)
	}
	tr.Touch("192.0.2.20", 1)
	tr.Touch("192.0.2.40", 1) // ties with .20, breaks on address

	top := tr.TopN(3)
	if len(top) != 3 {
		t.Fatalf("len = %d, want 3", len(top))
	}
	if top[0].Source != "192.0.2.30" || top[1].Source != "192.0.2.10" {
		t.Errorf("order = %s, %s; want hottest first", top[0].Source, top[1].Source)
	}
	if top[2].Source != "192.0.2.20" {
		t.Errorf("tie = %s, want 192.0.2.20 before 192.0.2.40", top[2].Source)
	}
	almostEq(t, top[0].Heat, 3.0, 1e-9)
}

func TestTopN_ColdSourcesFadeOut(t *testing.T) {
	tr, fc := newTrackerForTest(time.Second)

	tr.Touch("198.51.100.1", 1)
	fc.Add(20 * time.Second) // twenty half-lives, heat ~1e-6
	tr.Touch("198.51.100.2", 1)

	top := tr.TopN(10)
	if len(top) != 1 {
		t.Fatalf("top = %v, want only the warm source", top)
	}
	if top[0].Source != "198.51.100.2" {
		t.Errorf("top source = %s, want 198.51.100.2", top[0].Source)
	}
}

func TestConcurrency_ManyTouchesSameSource(t *testing.T) {
	tr, _ := newTrackerForTest(time.Minute)
	src := "198.51.100.99"
	const workers = 256

	var wg sync.WaitGroup
	wg.Add(workers)
	for range workers {
		go func() {
			tr.Touch(src, 1)
			wg.Done()
		}()
	}
	wg.Wait()

	almostEq(t, tr.Heat(src), workers, 1e-9)
}

func TestReset_OnlySelectedSources(t *testing.T) {
	tr, _ := newTrackerForTest(30 * time.Second)

	tr.Touch("a", 1)
	tr.Touch("b", 1)
	tr.Reset("a")

	if got := tr.Heat("a"); got != 0 {
		t.Fatalf("reset source heat = %g, want 0", got)
	}
	if got := tr.Heat("b"); got <= 0 {
		t.Fatalf("untouched source heat = %g, want >0", got)
	}
}

func TestShed_FullShardDropsColdEntries(t *testing.T) {
	tr, fc := newTrackerForTest(time.Second)

	// keys landing in one shard so the per-shard bound is exercised
	keys := make([]string, 0, maxPerShard+1)
	for i := 0; len(keys) < maxPerShard+1; i++ {
		k := fmt.Sprintf("src-%d", i)
		if xxhash.Sum64String(k)&(numShards-1) == 0 {
			keys = append(keys, k)
		}
	}

	for _, k := range keys[:maxPerShard] {
		tr.Touch(k, 1)
	}
	if got := tr.Size(); got != maxPerShard {
		t.Fatalf("size = %d, want %d", got, maxPerShard)
	}

	fc.Add(time.Minute) // everything decays far below the floor
	tr.Touch(keys[maxPerShard], 1)

	if got := tr.Size(); got != 1 {
		t.Errorf("size after shed = %d, want 1", got)
	}
	almostEq(t, tr.Heat(keys[maxPerShard]), 1.0, 1e-9)
}

func TestDecayHelper_Edges(t *testing.T) {
	if got := decay(0, 10, 60); got != 0 {
		t.Fatalf("expected 0, got %g", got)
	}
	if got := decay(5, 0, 60); got != 5 {
		t.Fatalf("expected 5, got %g", got)
	}
	if got := decay(5, 10, 0); got != 5 {
		t.Fatalf("expected 5, got %g", got)
	}
}
