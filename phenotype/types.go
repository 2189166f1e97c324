package phenotype

import (
	"slices"
	"time"
)

// PersonID identifies a subject in the clinical store.
type PersonID = int64

// ConceptID identifies a clinical concept code.
type ConceptID = int64

// EventKind enumerates the clinical record domains the event source can serve.
type EventKind int

const (
	Condition EventKind = iota
	Exposure
	Measurement
	Observation
)

func (k EventKind) String() string {
	switch k {
	case Condition:
		return "condition"
	case Exposure:
		return "exposure"
	case Measurement:
		return "measurement"
	case Observation:
		return "observation"
	default:
		return "unknown"
	}
}

// CodeSet is a resolved, flat set of concept codes for one named criterion group.
// It is immutable once built; descendants are assumed to be expanded already.
type CodeSet struct {
	id    int
	codes map[ConceptID]struct{}
}

// NewCodeSet creates a CodeSet from its id and member codes.
func NewCodeSet(id int, codes ...ConceptID) CodeSet {
	members := make(map[ConceptID]struct{}, len(codes))
	for _, code := range codes {
		members[code] = struct{}{}
	}

	return CodeSet{id: id, codes: members}
}

func (cs CodeSet) ID() int {
	return cs.id
}

func (cs CodeSet) Contains(code ConceptID) bool {
	_, ok := cs.codes[code]
	return ok
}

func (cs CodeSet) Size() int {
	return len(cs.codes)
}

// Codes returns the member codes in ascending order, for deterministic query building.
func (cs CodeSet) Codes() []ConceptID {
	all := make([]ConceptID, 0, len(cs.codes))
	for code := range cs.codes {
		all = append(all, code)
	}
	slices.Sort(all)

	return all
}

// ClinicalEvent is one typed record from the event store, scoped to a single
// pipeline run. EndDate is already defaulted by the source adapter: start plus
// one day when the record carries no explicit end, start plus the supply
// duration for exposures that carry one.
type ClinicalEvent struct {
	PersonID  PersonID
	EventID   int64
	Kind      EventKind
	Code      ConceptID
	StartDate time.Time
	EndDate   time.Time
	VisitID   *int64
	Value     *float64
	Unit      *ConceptID
}

// Anomalous reports whether the record cannot be trusted for qualification.
// Anomalous events are skipped, never fatal.
func (e ClinicalEvent) Anomalous() bool {
	return e.EndDate.Before(e.StartDate)
}

// ObservationPeriod is the date range during which a subject's data is
// considered reliably captured.
type ObservationPeriod struct {
	PersonID PersonID
	Start    time.Time
	End      time.Time
}

// Covers reports whether d falls inside the period, bounds inclusive.
func (p ObservationPeriod) Covers(d time.Time) bool {
	return !d.Before(p.Start) && !d.After(p.End)
}

// PeriodIndex holds every subject's observation periods, keyed by person.
type PeriodIndex map[PersonID][]ObservationPeriod

// Covering returns the observation period containing d for the given subject.
// When several periods contain d, the longest one wins.
func (idx PeriodIndex) Covering(person PersonID, d time.Time) (ObservationPeriod, bool) {
	var best ObservationPeriod
	found := false

	for _, p := range idx[person] {
		if !p.Covers(d) {
			continue
		}
		if !found || p.End.Sub(p.Start) > best.End.Sub(best.Start) {
			best = p
			found = true
		}
	}

	return best, found
}

// QualifyingEvent is the single chosen primary event for a subject: the
// earliest candidate satisfying the observation-window requirement.
type QualifyingEvent struct {
	EventID   int64
	PersonID  PersonID
	StartDate time.Time
	EndDate   time.Time
	OpStart   time.Time
	OpEnd     time.Time
	VisitID   *int64
}

// InclusionMask carries, for one (person, event) pair, the bitmask of
// inclusion rules that passed: mask = sum of 2^rule_id over passing rules.
type InclusionMask struct {
	PersonID PersonID
	EventID  int64
	Mask     int64
}

// IncludedPair is a (person, event) pair that survived the cohort filter.
type IncludedPair struct {
	PersonID PersonID
	EventID  int64
}

// CohortInterval is one surviving pair's date range, its end provisionally
// closed at the subject's observation-period end.
type CohortInterval struct {
	PersonID  PersonID
	StartDate time.Time
	EndDate   time.Time
}

// Era is a final maximal contiguous span for one subject. For a given subject
// eras are disjoint and never touch.
type Era struct {
	PersonID  PersonID
	StartDate time.Time
	EndDate   time.Time
}

// CohortMember is one persisted cohort row joined with the subject's
// demographic class, as consumed by the fairness metrics.
type CohortMember struct {
	CohortID        int64
	SubjectID       PersonID
	GenderConceptID ConceptID
}
