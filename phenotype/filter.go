package phenotype

import (
	"fmt"
	"math/bits"
)

// FullMask is the mask value meaning "every rule passed": 2^totalRules - 1.
func FullMask(totalRules int) int64 {
	return (int64(1) << uint(totalRules)) - 1
}

type verdictKind int

const (
	verdictAll verdictKind = iota
	verdictAny
	verdictAtLeast
)

// Verdict turns a per-event rule bitmask into the include/exclude decision.
// The default is AllRules, the single equality test mask == 2^N - 1; AnyRule
// and AtLeastRules generalize the combination without touching how rules are
// evaluated. With zero rules every verdict passes vacuously.
type Verdict struct {
	kind verdictKind
	k    int
}

// AllRules requires every inclusion rule to pass.
func AllRules() Verdict {
	return Verdict{kind: verdictAll}
}

// AnyRule requires at least one inclusion rule to pass.
func AnyRule() Verdict {
	return Verdict{kind: verdictAny}
}

// AtLeastRules requires at least k inclusion rules to pass.
func AtLeastRules(k int) Verdict {
	return Verdict{kind: verdictAtLeast, k: k}
}

// Satisfied reports whether the mask meets the verdict for the given rule count.
func (v Verdict) Satisfied(mask int64, totalRules int) bool {
	if totalRules == 0 {
		return true
	}

	switch v.kind {
	case verdictAll:
		return mask == FullMask(totalRules)
	case verdictAny:
		return mask != 0
	case verdictAtLeast:
		return bits.OnesCount64(uint64(mask)) >= v.k
	default:
		return false
	}
}

func (v Verdict) validate(totalRules int) error {
	if v.kind == verdictAtLeast && (v.k < 0 || v.k > totalRules) {
		return fmt.Errorf("at-least verdict threshold %d is outside [0, %d]", v.k, totalRules)
	}

	return nil
}

// Filter retains the (person, event) pairs whose mask satisfies the verdict.
// Pairs keep their input order; nothing is emitted for failing pairs, so an
// excluded event leaves no trace downstream.
func Filter(masks []InclusionMask, totalRules int, verdict Verdict) []IncludedPair {
	included := make([]IncludedPair, 0, len(masks))

	for _, m := range masks {
		if verdict.Satisfied(m.Mask, totalRules) {
			included = append(included, IncludedPair{PersonID: m.PersonID, EventID: m.EventID})
		}
	}

	return included
}
