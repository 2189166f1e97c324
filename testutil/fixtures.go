// Package testutil provides fixture builders and in-memory fakes shared by
// the phenotype tests.
package testutil

import (
	"context"
	"fmt"
	"time"

	"github.com/elhadadlab/fair-phenotype/phenotype"
)

// Day builds a UTC midnight date, the granularity all cohort logic works at.
func Day(year int, month time.Month, day int) time.Time {
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

// Event builds a clinical event with an explicit end date.
func Event(person, id int64, kind phenotype.EventKind, code int64, start, end time.Time) phenotype.ClinicalEvent {
	return phenotype.ClinicalEvent{
		PersonID:  person,
		EventID:   id,
		Kind:      kind,
		Code:      code,
		StartDate: start,
		EndDate:   end,
	}
}

// PointEvent builds a clinical event with the default one-day duration.
func PointEvent(person, id int64, kind phenotype.EventKind, code int64, start time.Time) phenotype.ClinicalEvent {
	return Event(person, id, kind, code, start, start.AddDate(0, 0, 1))
}

// Period builds an observation period.
func Period(person int64, start, end time.Time) phenotype.ObservationPeriod {
	return phenotype.ObservationPeriod{PersonID: person, Start: start, End: end}
}

// Periods builds a period index from individual periods.
func Periods(periods ...phenotype.ObservationPeriod) phenotype.PeriodIndex {
	index := make(phenotype.PeriodIndex)
	for _, p := range periods {
		index[p.PersonID] = append(index[p.PersonID], p)
	}

	return index
}

// Interval builds a cohort interval.
func Interval(person int64, start, end time.Time) phenotype.CohortInterval {
	return phenotype.CohortInterval{PersonID: person, StartDate: start, EndDate: end}
}

// Member builds a cohort membership row.
func Member(cohort, subject, class int64) phenotype.CohortMember {
	return phenotype.CohortMember{CohortID: cohort, SubjectID: subject, GenderConceptID: class}
}

/***** In-memory fakes for the pipeline's external collaborators *****/

// FakeSource serves events registered per (kind, code set id) pair.
type FakeSource struct {
	events map[string][]phenotype.ClinicalEvent
	Err    error
}

// NewFakeSource creates an empty fake event source.
func NewFakeSource() *FakeSource {
	return &FakeSource{events: make(map[string][]phenotype.ClinicalEvent)}
}

// Add registers events served for the given kind and code set id.
func (s *FakeSource) Add(kind phenotype.EventKind, codeSetID int, events ...phenotype.ClinicalEvent) *FakeSource {
	key := sourceKey(kind, codeSetID)
	s.events[key] = append(s.events[key], events...)

	return s
}

// FetchEvents implements phenotype.EventSource.
func (s *FakeSource) FetchEvents(
	_ context.Context,
	kind phenotype.EventKind,
	codeSet phenotype.CodeSet,
	_ *phenotype.ValueFilter,
) ([]phenotype.ClinicalEvent, error) {

	if s.Err != nil {
		return nil, s.Err
	}

	return s.events[sourceKey(kind, codeSet.ID())], nil
}

func sourceKey(kind phenotype.EventKind, codeSetID int) string {
	return fmt.Sprintf("%s/%d", kind, codeSetID)
}

// FakePeriods serves a fixed period index.
type FakePeriods struct {
	Index phenotype.PeriodIndex
	Err   error
}

// FetchPeriods implements phenotype.PeriodLookup.
func (p *FakePeriods) FetchPeriods(_ context.Context) (phenotype.PeriodIndex, error) {
	if p.Err != nil {
		return nil, p.Err
	}

	return p.Index, nil
}

// FakeSink records every replacement it receives.
type FakeSink struct {
	Replaced map[int64][]phenotype.Era
	Err      error
}

// NewFakeSink creates an empty fake sink.
func NewFakeSink() *FakeSink {
	return &FakeSink{Replaced: make(map[int64][]phenotype.Era)}
}

// Replace implements phenotype.CohortSink.
func (s *FakeSink) Replace(_ context.Context, cohortID int64, eras []phenotype.Era) error {
	if s.Err != nil {
		return s.Err
	}

	s.Replaced[cohortID] = eras

	return nil
}
