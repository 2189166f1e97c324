package phenotype

import (
	"errors"
	"fmt"
)

// maskWidthLimit caps the number of inclusion rules so that the combined
// bitmask always fits a signed 64-bit integer.
const maskWidthLimit = 63

// ValueFilter narrows events by numeric value and unit. Low and High are an
// inclusive range over the event's value; Unit restricts the unit concept.
// Expr optionally carries a CEL expression over the event fields (code, value,
// unit, days) for predicates the structured range cannot express; it is
// compiled once at pipeline construction and applied in memory after the scan.
type ValueFilter struct {
	Low  *float64
	High *float64
	Unit *ConceptID
	Expr string
}

// EntryCriterion selects candidate primary events: records of one kind whose
// code belongs to the referenced code set, optionally value-filtered.
// LookbackDays is the minimum prior observation required before the event.
type EntryCriterion struct {
	Kind         EventKind
	CodeSetID    int
	Value        *ValueFilter
	LookbackDays int
}

// ObservationWindow is a correlated search window relative to the qualifying
// event's start date, in day offsets. Offsets may be negative (before the
// index date). The effective window is always clamped to the subject's
// observation period.
type ObservationWindow struct {
	StartOffsetDays int
	EndOffsetDays   int
}

// OccurrenceMode compares the correlated match count against a threshold.
type OccurrenceMode int

const (
	// OccurAtLeast passes when count >= Count (existence mode; commonly >= 1).
	OccurAtLeast OccurrenceMode = iota
	// OccurAtMost passes when count <= Count.
	OccurAtMost
	// OccurExactly passes when count == Count (absence mode with Count 0).
	OccurExactly
)

func (m OccurrenceMode) String() string {
	switch m {
	case OccurAtLeast:
		return "at_least"
	case OccurAtMost:
		return "at_most"
	case OccurExactly:
		return "exactly"
	default:
		return "unknown"
	}
}

// InclusionRule is one independent correlated predicate a qualifying event
// must satisfy: the count of matching correlated events inside the window,
// compared against the threshold. Rule ids are positional, assigned from 0 in
// definition order, and stable across runs.
type InclusionRule struct {
	Name      string
	Kind      EventKind
	CodeSetID int
	Window    ObservationWindow
	Occurs    OccurrenceMode
	Count     int
	Value     *ValueFilter
}

// Satisfied applies the occurrence comparison to a correlated match count.
func (r InclusionRule) Satisfied(count int) bool {
	switch r.Occurs {
	case OccurAtLeast:
		return count >= r.Count
	case OccurAtMost:
		return count <= r.Count
	case OccurExactly:
		return count == r.Count
	default:
		return false
	}
}

// Definition describes one cohort: its entry criterion, ordered inclusion
// rules, verdict, and the resolved code sets they reference. Build one with
// NewDefinition; a finalized Definition is valid and immutable.
type Definition struct {
	cohortID int64
	name     string
	entry    EntryCriterion
	rules    []InclusionRule
	verdict  Verdict
	codeSets map[int]CodeSet
}

func (d Definition) CohortID() int64 {
	return d.cohortID
}

func (d Definition) Name() string {
	return d.name
}

func (d Definition) Entry() EntryCriterion {
	return d.entry
}

func (d Definition) Rules() []InclusionRule {
	return d.rules
}

func (d Definition) Verdict() Verdict {
	return d.verdict
}

// CodeSet returns the resolved code set with the given id.
func (d Definition) CodeSet(id int) (CodeSet, bool) {
	cs, ok := d.codeSets[id]
	return cs, ok
}

/***** DefinitionBuilder *****/

// DefinitionBuilder assembles a Definition. Finalize validates the whole
// definition and fails with ErrMalformedRule before any subject is processed.
type DefinitionBuilder struct {
	def Definition
}

// NewDefinition starts a builder for the given cohort identifier and name.
func NewDefinition(cohortID int64, name string) *DefinitionBuilder {
	return &DefinitionBuilder{
		def: Definition{
			cohortID: cohortID,
			name:     name,
			verdict:  AllRules(),
			codeSets: make(map[int]CodeSet),
		},
	}
}

// WithCodeSet registers a resolved code set. Registering the same id twice
// keeps the last one.
func (b *DefinitionBuilder) WithCodeSet(cs CodeSet) *DefinitionBuilder {
	b.def.codeSets[cs.ID()] = cs
	return b
}

// WithEntry sets the entry criterion.
func (b *DefinitionBuilder) WithEntry(entry EntryCriterion) *DefinitionBuilder {
	b.def.entry = entry
	return b
}

// WithRule appends an inclusion rule; its rule id is its position.
func (b *DefinitionBuilder) WithRule(rule InclusionRule) *DefinitionBuilder {
	b.def.rules = append(b.def.rules, rule)
	return b
}

// WithVerdict overrides the default all-rules verdict.
func (b *DefinitionBuilder) WithVerdict(v Verdict) *DefinitionBuilder {
	b.def.verdict = v
	return b
}

// Finalize validates and returns the Definition.
func (b *DefinitionBuilder) Finalize() (Definition, error) {
	if err := b.validate(); err != nil {
		return Definition{}, errors.Join(ErrMalformedRule, err)
	}

	return b.def, nil
}

func (b *DefinitionBuilder) validate() error {
	def := b.def

	if _, ok := def.codeSets[def.entry.CodeSetID]; !ok {
		return fmt.Errorf("entry criterion references undefined code set %d", def.entry.CodeSetID)
	}

	if def.entry.LookbackDays < 0 {
		return fmt.Errorf("entry lookback must not be negative, got %d", def.entry.LookbackDays)
	}

	if len(def.rules) > maskWidthLimit {
		return fmt.Errorf("at most %d inclusion rules are supported, got %d", maskWidthLimit, len(def.rules))
	}

	for id, rule := range def.rules {
		if _, ok := def.codeSets[rule.CodeSetID]; !ok {
			return fmt.Errorf("rule %d (%s) references undefined code set %d", id, rule.Name, rule.CodeSetID)
		}

		if rule.Window.StartOffsetDays > rule.Window.EndOffsetDays {
			return fmt.Errorf("rule %d (%s) has an inverted window [%d, %d]",
				id, rule.Name, rule.Window.StartOffsetDays, rule.Window.EndOffsetDays)
		}

		if rule.Count < 0 {
			return fmt.Errorf("rule %d (%s) has a negative occurrence threshold %d", id, rule.Name, rule.Count)
		}
	}

	if err := def.verdict.validate(len(def.rules)); err != nil {
		return err
	}

	if err := validateValueFilter("entry criterion", def.entry.Value); err != nil {
		return err
	}

	for id, rule := range def.rules {
		if err := validateValueFilter(fmt.Sprintf("rule %d (%s)", id, rule.Name), rule.Value); err != nil {
			return err
		}
	}

	return nil
}

func validateValueFilter(where string, vf *ValueFilter) error {
	if vf == nil {
		return nil
	}

	if vf.Low != nil && vf.High != nil && *vf.Low > *vf.High {
		return fmt.Errorf("%s has an inverted value range [%v, %v]", where, *vf.Low, *vf.High)
	}

	return nil
}
