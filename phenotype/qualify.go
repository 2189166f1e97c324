package phenotype

import (
	"slices"
)

// Qualify selects, per subject, the single earliest candidate event whose
// start date is covered by an observation period with at least lookbackDays
// of prior observation. Ties on the start date are broken by the smallest
// source-native record id so output is reproducible across runs. Events with
// an end before their start, or without a covering observation period, are
// excluded silently. Subjects with no candidate are simply absent from the
// output; output is sorted by person id.
func Qualify(events []ClinicalEvent, periods PeriodIndex, lookbackDays int) []QualifyingEvent {
	chosen := make(map[PersonID]QualifyingEvent, len(events))

	for _, ev := range events {
		if ev.Anomalous() {
			continue
		}

		period, ok := periods.Covering(ev.PersonID, ev.StartDate)
		if !ok {
			continue
		}

		if ev.StartDate.Before(period.Start.AddDate(0, 0, lookbackDays)) {
			continue
		}

		candidate := QualifyingEvent{
			EventID:   ev.EventID,
			PersonID:  ev.PersonID,
			StartDate: ev.StartDate,
			EndDate:   ev.EndDate,
			OpStart:   period.Start,
			OpEnd:     period.End,
			VisitID:   ev.VisitID,
		}

		current, exists := chosen[ev.PersonID]
		if !exists || earlierCandidate(candidate, current) {
			chosen[ev.PersonID] = candidate
		}
	}

	qualified := make([]QualifyingEvent, 0, len(chosen))
	for _, qe := range chosen {
		qualified = append(qualified, qe)
	}

	slices.SortFunc(qualified, func(a, b QualifyingEvent) int {
		switch {
		case a.PersonID < b.PersonID:
			return -1
		case a.PersonID > b.PersonID:
			return 1
		default:
			return 0
		}
	})

	return qualified
}

func earlierCandidate(a, b QualifyingEvent) bool {
	if !a.StartDate.Equal(b.StartDate) {
		return a.StartDate.Before(b.StartDate)
	}

	return a.EventID < b.EventID
}
