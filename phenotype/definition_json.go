package phenotype

import (
	"errors"
	"fmt"
	"slices"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type definitionJSON struct {
	CohortID int64         `json:"cohort_id"`
	Name     string        `json:"name"`
	Entry    entryJSON     `json:"entry"`
	Rules    []ruleJSON    `json:"rules,omitempty"`
	Verdict  *verdictJSON  `json:"verdict,omitempty"`
	CodeSets []codeSetJSON `json:"code_sets"`
}

type codeSetJSON struct {
	ID    int     `json:"id"`
	Codes []int64 `json:"codes"`
}

type valueFilterJSON struct {
	Low  *float64 `json:"low,omitempty"`
	High *float64 `json:"high,omitempty"`
	Unit *int64   `json:"unit,omitempty"`
	Expr string   `json:"expr,omitempty"`
}

type entryJSON struct {
	Kind         string           `json:"kind"`
	CodeSetID    int              `json:"code_set_id"`
	Value        *valueFilterJSON `json:"value,omitempty"`
	LookbackDays int              `json:"lookback_days"`
}

type windowJSON struct {
	StartOffsetDays int `json:"start_offset_days"`
	EndOffsetDays   int `json:"end_offset_days"`
}

type occurrenceJSON struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

type ruleJSON struct {
	Name       string           `json:"name"`
	Kind       string           `json:"kind"`
	CodeSetID  int              `json:"code_set_id"`
	Window     windowJSON       `json:"window"`
	Occurrence occurrenceJSON   `json:"occurrence"`
	Value      *valueFilterJSON `json:"value,omitempty"`
}

type verdictJSON struct {
	Type  string `json:"type"`
	Count int    `json:"count,omitempty"`
}

// DefinitionFromJSON deserializes and validates a cohort definition, so
// definitions can live in files next to the job runner. Any structural
// problem surfaces as ErrMalformedRule.
func DefinitionFromJSON(data []byte) (Definition, error) {
	var dto definitionJSON
	if err := json.Unmarshal(data, &dto); err != nil {
		return Definition{}, errors.Join(ErrMalformedRule, err)
	}

	entryKind, err := kindFromString(dto.Entry.Kind)
	if err != nil {
		return Definition{}, errors.Join(ErrMalformedRule, err)
	}

	builder := NewDefinition(dto.CohortID, dto.Name).
		WithEntry(EntryCriterion{
			Kind:         entryKind,
			CodeSetID:    dto.Entry.CodeSetID,
			Value:        valueFilterFromJSON(dto.Entry.Value),
			LookbackDays: dto.Entry.LookbackDays,
		})

	for _, cs := range dto.CodeSets {
		builder.WithCodeSet(NewCodeSet(cs.ID, cs.Codes...))
	}

	for _, rule := range dto.Rules {
		ruleKind, kindErr := kindFromString(rule.Kind)
		if kindErr != nil {
			return Definition{}, errors.Join(ErrMalformedRule, kindErr)
		}

		occurs, occursErr := occurrenceFromString(rule.Occurrence.Type)
		if occursErr != nil {
			return Definition{}, errors.Join(ErrMalformedRule, occursErr)
		}

		builder.WithRule(InclusionRule{
			Name:      rule.Name,
			Kind:      ruleKind,
			CodeSetID: rule.CodeSetID,
			Window: ObservationWindow{
				StartOffsetDays: rule.Window.StartOffsetDays,
				EndOffsetDays:   rule.Window.EndOffsetDays,
			},
			Occurs: occurs,
			Count:  rule.Occurrence.Count,
			Value:  valueFilterFromJSON(rule.Value),
		})
	}

	if dto.Verdict != nil {
		verdict, verdictErr := verdictFromJSON(*dto.Verdict)
		if verdictErr != nil {
			return Definition{}, errors.Join(ErrMalformedRule, verdictErr)
		}
		builder.WithVerdict(verdict)
	}

	return builder.Finalize()
}

// ToJSON serializes the definition.
func (d Definition) ToJSON() ([]byte, error) {
	dto := definitionJSON{
		CohortID: d.cohortID,
		Name:     d.name,
		Entry: entryJSON{
			Kind:         d.entry.Kind.String(),
			CodeSetID:    d.entry.CodeSetID,
			Value:        valueFilterToJSON(d.entry.Value),
			LookbackDays: d.entry.LookbackDays,
		},
	}

	for _, rule := range d.rules {
		dto.Rules = append(dto.Rules, ruleJSON{
			Name:      rule.Name,
			Kind:      rule.Kind.String(),
			CodeSetID: rule.CodeSetID,
			Window: windowJSON{
				StartOffsetDays: rule.Window.StartOffsetDays,
				EndOffsetDays:   rule.Window.EndOffsetDays,
			},
			Occurrence: occurrenceJSON{Type: rule.Occurs.String(), Count: rule.Count},
			Value:      valueFilterToJSON(rule.Value),
		})
	}

	verdict := verdictToJSON(d.verdict)
	dto.Verdict = &verdict

	for _, id := range sortedCodeSetIDs(d.codeSets) {
		cs := d.codeSets[id]
		dto.CodeSets = append(dto.CodeSets, codeSetJSON{ID: cs.ID(), Codes: cs.Codes()})
	}

	return json.Marshal(dto)
}

func kindFromString(s string) (EventKind, error) {
	switch s {
	case "condition":
		return Condition, nil
	case "exposure":
		return Exposure, nil
	case "measurement":
		return Measurement, nil
	case "observation":
		return Observation, nil
	default:
		return 0, fmt.Errorf("unknown event kind %q", s)
	}
}

func occurrenceFromString(s string) (OccurrenceMode, error) {
	switch s {
	case "at_least":
		return OccurAtLeast, nil
	case "at_most":
		return OccurAtMost, nil
	case "exactly":
		return OccurExactly, nil
	default:
		return 0, fmt.Errorf("unknown occurrence type %q", s)
	}
}

func verdictFromJSON(dto verdictJSON) (Verdict, error) {
	switch dto.Type {
	case "all":
		return AllRules(), nil
	case "any":
		return AnyRule(), nil
	case "at_least":
		return AtLeastRules(dto.Count), nil
	default:
		return Verdict{}, fmt.Errorf("unknown verdict type %q", dto.Type)
	}
}

func verdictToJSON(v Verdict) verdictJSON {
	switch v.kind {
	case verdictAny:
		return verdictJSON{Type: "any"}
	case verdictAtLeast:
		return verdictJSON{Type: "at_least", Count: v.k}
	default:
		return verdictJSON{Type: "all"}
	}
}

func valueFilterFromJSON(dto *valueFilterJSON) *ValueFilter {
	if dto == nil {
		return nil
	}

	return &ValueFilter{Low: dto.Low, High: dto.High, Unit: dto.Unit, Expr: dto.Expr}
}

func valueFilterToJSON(vf *ValueFilter) *valueFilterJSON {
	if vf == nil {
		return nil
	}

	return &valueFilterJSON{Low: vf.Low, High: vf.High, Unit: vf.Unit, Expr: vf.Expr}
}

func sortedCodeSetIDs(codeSets map[int]CodeSet) []int {
	ids := make([]int, 0, len(codeSets))
	for id := range codeSets {
		ids = append(ids, id)
	}

	slices.Sort(ids)

	return ids
}
