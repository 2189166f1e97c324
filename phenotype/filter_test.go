package phenotype_test

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elhadadlab/fair-phenotype/phenotype"
)

func Test_FullMask(t *testing.T) {
	assert.Equal(t, int64(0), phenotype.FullMask(0))
	assert.Equal(t, int64(1), phenotype.FullMask(1))
	assert.Equal(t, int64(7), phenotype.FullMask(3))
	assert.Equal(t, int64(math.MaxInt64), phenotype.FullMask(63))
}

func Test_Verdict_Satisfied(t *testing.T) {
	tests := []struct {
		name       string
		verdict    phenotype.Verdict
		mask       int64
		totalRules int
		want       bool
	}{
		{name: "all_rules_full_mask_passes", verdict: phenotype.AllRules(), mask: 0b111, totalRules: 3, want: true},
		{name: "all_rules_missing_bit_fails", verdict: phenotype.AllRules(), mask: 0b101, totalRules: 3, want: false},
		{name: "all_rules_zero_mask_fails", verdict: phenotype.AllRules(), mask: 0, totalRules: 3, want: false},
		{name: "zero_rules_pass_vacuously", verdict: phenotype.AllRules(), mask: 0, totalRules: 0, want: true},
		{name: "any_rule_single_bit_passes", verdict: phenotype.AnyRule(), mask: 0b010, totalRules: 3, want: true},
		{name: "any_rule_zero_mask_fails", verdict: phenotype.AnyRule(), mask: 0, totalRules: 3, want: false},
		{name: "any_rule_zero_rules_passes_vacuously", verdict: phenotype.AnyRule(), mask: 0, totalRules: 0, want: true},
		{name: "at_least_two_of_three_passes", verdict: phenotype.AtLeastRules(2), mask: 0b101, totalRules: 3, want: true},
		{name: "at_least_two_with_one_bit_fails", verdict: phenotype.AtLeastRules(2), mask: 0b100, totalRules: 3, want: false},
		{name: "at_least_zero_always_passes", verdict: phenotype.AtLeastRules(0), mask: 0, totalRules: 3, want: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.verdict.Satisfied(tc.mask, tc.totalRules))
		})
	}
}

func Test_Filter_KeepsOnlySatisfiedPairsInInputOrder(t *testing.T) {
	masks := []phenotype.InclusionMask{
		{PersonID: 1, EventID: 10, Mask: 0b11},
		{PersonID: 2, EventID: 20, Mask: 0b01},
		{PersonID: 3, EventID: 30, Mask: 0b11},
		{PersonID: 4, EventID: 40, Mask: 0b00},
	}

	included := phenotype.Filter(masks, 2, phenotype.AllRules())

	require.Len(t, included, 2)
	assert.Equal(t, phenotype.IncludedPair{PersonID: 1, EventID: 10}, included[0])
	assert.Equal(t, phenotype.IncludedPair{PersonID: 3, EventID: 30}, included[1])
}

func Test_Filter_ZeroRulesIncludesEveryPair(t *testing.T) {
	masks := []phenotype.InclusionMask{
		{PersonID: 1, EventID: 10},
		{PersonID: 2, EventID: 20},
	}

	included := phenotype.Filter(masks, 0, phenotype.AllRules())

	assert.Len(t, included, 2)
}

func Test_Filter_EmptyInput(t *testing.T) {
	included := phenotype.Filter(nil, 3, phenotype.AllRules())
	assert.Empty(t, included)
}
