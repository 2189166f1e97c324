package phenotype

import (
	"slices"
	"sort"
	"time"
)

// BuildEras merges each subject's intervals into the minimal set of disjoint
// contiguous spans. Subjects are independent; the input may carry any number
// of subjects and any number of intervals per subject. Output is sorted by
// person id, then start date.
//
// The sweep is a single ordered pass per subject: every interval contributes
// an open point and a close point, points are sorted by date with opens
// before closes on the same date (zero-day gaps merge), and a running nesting
// counter is incremented on open and decremented on close. Each close that
// returns the counter to zero is a true boundary, the end of a maximal run of
// overlapping or touching intervals. Every interval is then assigned the
// smallest true boundary at or after its own start; intervals sharing a
// boundary form one era starting at their minimum start date.
func BuildEras(intervals []CohortInterval) []Era {
	byPerson := make(map[PersonID][]CohortInterval)
	for _, iv := range intervals {
		if iv.EndDate.Before(iv.StartDate) {
			continue
		}
		byPerson[iv.PersonID] = append(byPerson[iv.PersonID], iv)
	}

	eras := make([]Era, 0, len(byPerson))
	for person, subjectIntervals := range byPerson {
		eras = append(eras, buildSubjectEras(person, subjectIntervals)...)
	}

	slices.SortFunc(eras, func(a, b Era) int {
		switch {
		case a.PersonID != b.PersonID:
			if a.PersonID < b.PersonID {
				return -1
			}
			return 1
		case a.StartDate.Before(b.StartDate):
			return -1
		case a.StartDate.After(b.StartDate):
			return 1
		default:
			return 0
		}
	})

	return eras
}

type sweepPoint struct {
	date time.Time
	open bool
}

func buildSubjectEras(person PersonID, intervals []CohortInterval) []Era {
	points := make([]sweepPoint, 0, 2*len(intervals))
	for _, iv := range intervals {
		points = append(points,
			sweepPoint{date: iv.StartDate, open: true},
			sweepPoint{date: iv.EndDate, open: false},
		)
	}

	slices.SortFunc(points, func(a, b sweepPoint) int {
		switch {
		case a.date.Before(b.date):
			return -1
		case a.date.After(b.date):
			return 1
		// An open on the same date as a close keeps the run alive.
		case a.open && !b.open:
			return -1
		case !a.open && b.open:
			return 1
		default:
			return 0
		}
	})

	boundaries := make([]time.Time, 0, len(intervals))
	nesting := 0

	for _, p := range points {
		if p.open {
			nesting++
			continue
		}

		nesting--
		if nesting == 0 {
			boundaries = append(boundaries, p.date)
		}
	}

	starts := make(map[time.Time]time.Time, len(boundaries))
	for _, iv := range intervals {
		end := boundaries[sort.Search(len(boundaries), func(i int) bool {
			return !boundaries[i].Before(iv.StartDate)
		})]

		if current, ok := starts[end]; !ok || iv.StartDate.Before(current) {
			starts[end] = iv.StartDate
		}
	}

	eras := make([]Era, 0, len(starts))
	for _, end := range boundaries {
		start, ok := starts[end]
		if !ok {
			continue
		}
		eras = append(eras, Era{PersonID: person, StartDate: start, EndDate: end})
	}

	return eras
}
