package phenotype

// EventArena indexes one rule's correlated events by subject, so each worker
// can evaluate its subject without touching shared state. Building the arena
// is the only place events are grouped; evaluation is pure lookups.
type EventArena struct {
	byPerson map[PersonID][]ClinicalEvent
}

// NewEventArena groups the given events by person.
func NewEventArena(events []ClinicalEvent) *EventArena {
	byPerson := make(map[PersonID][]ClinicalEvent)
	for _, ev := range events {
		byPerson[ev.PersonID] = append(byPerson[ev.PersonID], ev)
	}

	return &EventArena{byPerson: byPerson}
}

// Events returns the subject's slice of correlated events.
func (a *EventArena) Events(person PersonID) []ClinicalEvent {
	return a.byPerson[person]
}

// Evaluate tests every qualifying event against the ordered inclusion rules
// and returns one mask per event: the sum of 2^rule_id over passing rules.
// Rule ids are the rules' positions, stable across runs. arenas must be
// aligned with rules: arenas[i] holds the correlated events rule i draws from.
func Evaluate(qualified []QualifyingEvent, rules []InclusionRule, arenas []*EventArena) []InclusionMask {
	masks := make([]InclusionMask, 0, len(qualified))

	for _, qe := range qualified {
		masks = append(masks, EvaluateOne(qe, rules, arenas))
	}

	return masks
}

// EvaluateOne computes the rule bitmask for a single qualifying event.
func EvaluateOne(qe QualifyingEvent, rules []InclusionRule, arenas []*EventArena) InclusionMask {
	result := InclusionMask{PersonID: qe.PersonID, EventID: qe.EventID}

	for id, rule := range rules {
		count := countInWindow(qe, rule.Window, arenas[id].Events(qe.PersonID))
		if rule.Satisfied(count) {
			result.Mask |= int64(1) << uint(id)
		}
	}

	return result
}

// countInWindow counts correlated events whose start date falls inside the
// rule window anchored at the qualifying event's start date, clamped to the
// subject's observation period. Anomalous records never count.
func countInWindow(qe QualifyingEvent, window ObservationWindow, events []ClinicalEvent) int {
	windowStart := qe.StartDate.AddDate(0, 0, window.StartOffsetDays)
	windowEnd := qe.StartDate.AddDate(0, 0, window.EndOffsetDays)

	if windowStart.Before(qe.OpStart) {
		windowStart = qe.OpStart
	}
	if windowEnd.After(qe.OpEnd) {
		windowEnd = qe.OpEnd
	}

	count := 0
	for _, ev := range events {
		if ev.Anomalous() {
			continue
		}
		if ev.StartDate.Before(windowStart) || ev.StartDate.After(windowEnd) {
			continue
		}
		count++
	}

	return count
}
