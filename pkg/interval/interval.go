// Package interval turns availability slots into ranges and intersects them.
package interval

import (
	"sort"
	"time"
)

const (
	SlotDuration = 30 * time.Minute
	LongDuration = 60 * time.Minute
)

type Range struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (r Range) Duration() time.Duration {
	return r.End.Sub(r.Start)
}

// Contains reports whether other lies entirely inside r.
func (r Range) Contains(other Range) bool {
	return !other.Start.Before(r.Start) && !other.End.After(r.End)
}

// CombineAdjacentSlots merges slot start times into chronological ranges.
// Slots that ended at or before now are dropped and a slot in progress is
// clipped to start at now. Duplicate slots collapse into one.
func CombineAdjacentSlots(slots []time.Time, now time.Time) []Range {
	sorted := make([]time.Time, len(slots))
	copy(sorted, slots)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Before(sorted[j]) })

	var ranges []Range
	for _, slot := range sorted {
		end := slot.Add(SlotDuration)
		if !end.After(now) {
			continue
		}
		start := slot
		if now.After(start) {
			start = now
		}
		if n := len(ranges); n > 0 && !start.After(ranges[n-1].End) {
			if end.After(ranges[n-1].End) {
				ranges[n-1].End = end
			}
			continue
		}
		ranges = append(ranges, Range{Start: start, End: end})
	}
	return ranges
}

// FindOverlappingRanges intersects every pair of ranges and keeps the
// intersections lasting at least minDurationMinutes.
func FindOverlappingRanges(a, b []Range, minDurationMinutes int) []Range {
	minDuration := time.Duration(minDurationMinutes) * time.Minute
	var overlaps []Range
	for _, ra := range a {
		for _, rb := range b {
			start := latest(ra.Start, rb.Start)
			end := earliest(ra.End, rb.End)
			if !end.After(start) || end.Sub(start) < minDuration {
				continue
			}
			overlaps = append(overlaps, Range{Start: start, End: end})
		}
	}
	return overlaps
}

func latest(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func earliest(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
