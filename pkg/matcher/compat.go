// Package matcher pairs seeking meetings: it decides whether two meetings can
// meet, picks their start time and links them atomically.
package matcher

import (
	"sort"
	"time"

	"github.com/pershin-daniil/MeetMatch/pkg/interval"
	"github.com/pershin-daniil/MeetMatch/pkg/models"
)

// CanConnect checks that meetings a and b, owned by userA and userB, accept
// each other and returns their overlapping ranges. The result is false when
// any filter rejects the pair or no overlap meets the larger duration floor.
func CanConnect(a, b models.Meeting, userA, userB models.User, now time.Time) ([]interval.Range, bool) {
	if a.OwnerID == b.OwnerID {
		return nil, false
	}
	if !genderAllowed(a, userB) || !genderAllowed(b, userA) {
		return nil, false
	}
	year := now.Year()
	if !ageAllowed(a, userB, year) || !ageAllowed(b, userA, year) {
		return nil, false
	}
	if !a.Languages.Intersects(b.Languages) {
		return nil, false
	}
	if !a.Interests.Intersects(b.Interests) {
		return nil, false
	}
	ranges := overlap(a, b, now)
	if len(ranges) == 0 {
		return nil, false
	}
	return ranges, true
}

func overlap(a, b models.Meeting, now time.Time) []interval.Range {
	minDuration := a.MinDurationMinutes
	if b.MinDurationMinutes > minDuration {
		minDuration = b.MinDurationMinutes
	}
	return interval.FindOverlappingRanges(
		interval.CombineAdjacentSlots(a.TimeSlots, now),
		interval.CombineAdjacentSlots(b.TimeSlots, now),
		minDuration,
	)
}

// genderAllowed treats an unknown gender as acceptable to every filter.
func genderAllowed(m models.Meeting, u models.User) bool {
	switch u.Gender {
	case models.GenderMale:
		return m.AllowMale
	case models.GenderFemale:
		return m.AllowFemale
	}
	return true
}

func ageAllowed(m models.Meeting, u models.User, year int) bool {
	age, ok := u.Age(year)
	if !ok {
		return true
	}
	return age >= m.MinAge && age <= m.MaxAge
}

func hasLongRange(ranges []interval.Range) bool {
	for _, r := range ranges {
		if r.Duration() >= interval.LongDuration {
			return true
		}
	}
	return false
}

// PickStartTime chooses one start time from non-empty overlapping ranges.
// Ranges of an hour or more win; without them the longest ranges are kept.
// Both parties preferring earlier times get the first candidate, both
// preferring later get the last, and split preferences get the middle one.
func PickStartTime(ranges []interval.Range, a, b models.Meeting) time.Time {
	if len(ranges) == 0 {
		return time.Time{}
	}
	var longest time.Duration
	var long []interval.Range
	for _, r := range ranges {
		if r.Duration() > longest {
			longest = r.Duration()
		}
		if r.Duration() >= interval.LongDuration {
			long = append(long, r)
		}
	}
	candidates := long
	if len(candidates) == 0 {
		for _, r := range ranges {
			if r.Duration() == longest {
				candidates = append(candidates, r)
			}
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Start.Before(candidates[j].Start)
	})

	switch {
	case a.PreferEarlier && b.PreferEarlier:
		return candidates[0].Start
	case !a.PreferEarlier && !b.PreferEarlier:
		return candidates[len(candidates)-1].Start
	default:
		return candidates[len(candidates)/2].Start
	}
}
