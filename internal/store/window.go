package store

import (
	"time"

	"github.com/mohammed-shakir/decoynet-collector/internal/core/model"
)

// windowHours is the span of every temporal aggregation: the 24
// consecutive UTC hours ending at the current hour, inclusive.
const windowHours = 24

// BucketKey formats t's UTC hour bucket as YYYY-MM-DDTHH:00:00Z.
func BucketKey(t time.Time) string {
	return t.UTC().Truncate(time.Hour).Format("2006-01-02T15:00:00Z")
}

// WindowBounds returns [from, to) enclosing the 24-hour window
// anchored at now's UTC hour. The anchor is wall-clock time, never the
// latest row, so a stalled pipeline shows up as empty buckets.
func WindowBounds(now time.Time) (time.Time, time.Time) {
	end := now.UTC().Truncate(time.Hour).Add(time.Hour)
	return end.Add(-windowHours * time.Hour), end
}

// FillHourly expands sparse bucket rows into exactly 24 ascending
// entries; hours with no rows read as zero.
func FillHourly(points []model.SeriesPoint, now time.Time) []model.SeriesPoint {
	byKey := make(map[string]model.SeriesPoint, len(points))
	for _, p := range points {
		byKey[p.Bucket] = p
	}

	from, _ := WindowBounds(now)
	out := make([]model.SeriesPoint, 0, windowHours)
	for i := range windowHours {
		key := BucketKey(from.Add(time.Duration(i) * time.Hour))
		if p, ok := byKey[key]; ok {
			out = append(out, p)
		} else {
			out = append(out, model.SeriesPoint{Bucket: key})
		}
	}
	return out
}
