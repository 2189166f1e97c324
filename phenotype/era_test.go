package phenotype_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elhadadlab/fair-phenotype/phenotype"
	"github.com/elhadadlab/fair-phenotype/testutil"
)

func Test_BuildEras_SingleSubject(t *testing.T) {
	tests := []struct {
		name      string
		intervals []phenotype.CohortInterval
		expected  []phenotype.Era
	}{
		{
			name: "overlapping_intervals_merge_into_one_era",
			intervals: []phenotype.CohortInterval{
				testutil.Interval(1, testutil.Day(2020, time.January, 1), testutil.Day(2020, time.March, 1)),
				testutil.Interval(1, testutil.Day(2020, time.February, 1), testutil.Day(2020, time.April, 1)),
			},
			expected: []phenotype.Era{
				{PersonID: 1, StartDate: testutil.Day(2020, time.January, 1), EndDate: testutil.Day(2020, time.April, 1)},
			},
		},
		{
			name: "touching_intervals_merge_across_zero_day_gap",
			intervals: []phenotype.CohortInterval{
				testutil.Interval(1, testutil.Day(2020, time.January, 1), testutil.Day(2020, time.February, 1)),
				testutil.Interval(1, testutil.Day(2020, time.February, 1), testutil.Day(2020, time.March, 1)),
			},
			expected: []phenotype.Era{
				{PersonID: 1, StartDate: testutil.Day(2020, time.January, 1), EndDate: testutil.Day(2020, time.March, 1)},
			},
		},
		{
			name: "disjoint_intervals_stay_separate_eras",
			intervals: []phenotype.CohortInterval{
				testutil.Interval(1, testutil.Day(2020, time.January, 1), testutil.Day(2020, time.February, 1)),
				testutil.Interval(1, testutil.Day(2020, time.June, 1), testutil.Day(2020, time.July, 1)),
			},
			expected: []phenotype.Era{
				{PersonID: 1, StartDate: testutil.Day(2020, time.January, 1), EndDate: testutil.Day(2020, time.February, 1)},
				{PersonID: 1, StartDate: testutil.Day(2020, time.June, 1), EndDate: testutil.Day(2020, time.July, 1)},
			},
		},
		{
			name: "one_day_gap_keeps_intervals_apart",
			intervals: []phenotype.CohortInterval{
				testutil.Interval(1, testutil.Day(2020, time.January, 1), testutil.Day(2020, time.January, 31)),
				testutil.Interval(1, testutil.Day(2020, time.February, 1), testutil.Day(2020, time.March, 1)),
			},
			expected: []phenotype.Era{
				{PersonID: 1, StartDate: testutil.Day(2020, time.January, 1), EndDate: testutil.Day(2020, time.January, 31)},
				{PersonID: 1, StartDate: testutil.Day(2020, time.February, 1), EndDate: testutil.Day(2020, time.March, 1)},
			},
		},
		{
			name: "contained_interval_is_absorbed",
			intervals: []phenotype.CohortInterval{
				testutil.Interval(1, testutil.Day(2020, time.January, 1), testutil.Day(2020, time.December, 31)),
				testutil.Interval(1, testutil.Day(2020, time.May, 1), testutil.Day(2020, time.June, 1)),
			},
			expected: []phenotype.Era{
				{PersonID: 1, StartDate: testutil.Day(2020, time.January, 1), EndDate: testutil.Day(2020, time.December, 31)},
			},
		},
		{
			name: "chain_of_touching_intervals_collapses_to_one_era",
			intervals: []phenotype.CohortInterval{
				testutil.Interval(1, testutil.Day(2020, time.January, 1), testutil.Day(2020, time.February, 1)),
				testutil.Interval(1, testutil.Day(2020, time.February, 1), testutil.Day(2020, time.March, 1)),
				testutil.Interval(1, testutil.Day(2020, time.March, 1), testutil.Day(2020, time.April, 1)),
			},
			expected: []phenotype.Era{
				{PersonID: 1, StartDate: testutil.Day(2020, time.January, 1), EndDate: testutil.Day(2020, time.April, 1)},
			},
		},
		{
			name: "single_day_interval_survives_alone",
			intervals: []phenotype.CohortInterval{
				testutil.Interval(1, testutil.Day(2020, time.January, 1), testutil.Day(2020, time.January, 1)),
			},
			expected: []phenotype.Era{
				{PersonID: 1, StartDate: testutil.Day(2020, time.January, 1), EndDate: testutil.Day(2020, time.January, 1)},
			},
		},
		{
			name: "inverted_interval_is_dropped",
			intervals: []phenotype.CohortInterval{
				testutil.Interval(1, testutil.Day(2020, time.March, 1), testutil.Day(2020, time.January, 1)),
			},
			expected: []phenotype.Era{},
		},
		{
			name:      "no_intervals_no_eras",
			intervals: nil,
			expected:  []phenotype.Era{},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			eras := phenotype.BuildEras(tc.intervals)
			assert.Equal(t, tc.expected, eras)
		})
	}
}

func Test_BuildEras_MultipleSubjects_AreIndependent(t *testing.T) {
	intervals := []phenotype.CohortInterval{
		testutil.Interval(2, testutil.Day(2021, time.January, 1), testutil.Day(2021, time.February, 1)),
		testutil.Interval(1, testutil.Day(2020, time.June, 1), testutil.Day(2020, time.July, 1)),
		testutil.Interval(1, testutil.Day(2020, time.January, 1), testutil.Day(2020, time.February, 1)),
		testutil.Interval(2, testutil.Day(2021, time.February, 1), testutil.Day(2021, time.March, 1)),
	}

	eras := phenotype.BuildEras(intervals)

	expected := []phenotype.Era{
		{PersonID: 1, StartDate: testutil.Day(2020, time.January, 1), EndDate: testutil.Day(2020, time.February, 1)},
		{PersonID: 1, StartDate: testutil.Day(2020, time.June, 1), EndDate: testutil.Day(2020, time.July, 1)},
		{PersonID: 2, StartDate: testutil.Day(2021, time.January, 1), EndDate: testutil.Day(2021, time.March, 1)},
	}
	assert.Equal(t, expected, eras)
}

func Test_BuildEras_OutputIsDisjointAndCoversInputs(t *testing.T) {
	intervals := []phenotype.CohortInterval{
		testutil.Interval(1, testutil.Day(2020, time.January, 10), testutil.Day(2020, time.February, 20)),
		testutil.Interval(1, testutil.Day(2020, time.February, 20), testutil.Day(2020, time.March, 5)),
		testutil.Interval(1, testutil.Day(2020, time.March, 10), testutil.Day(2020, time.March, 12)),
		testutil.Interval(1, testutil.Day(2020, time.June, 1), testutil.Day(2020, time.June, 1)),
		testutil.Interval(1, testutil.Day(2020, time.May, 20), testutil.Day(2020, time.June, 10)),
	}

	eras := phenotype.BuildEras(intervals)
	require.NotEmpty(t, eras)

	for i := 1; i < len(eras); i++ {
		assert.True(t, eras[i-1].EndDate.Before(eras[i].StartDate),
			"era %d must end strictly before era %d starts", i-1, i)
	}

	for _, iv := range intervals {
		covered := false
		for _, era := range eras {
			if !iv.StartDate.Before(era.StartDate) && !iv.EndDate.After(era.EndDate) {
				covered = true
				break
			}
		}
		assert.True(t, covered, "interval starting %s must lie inside one era", iv.StartDate)
	}
}

func Test_BuildEras_IsIdempotent(t *testing.T) {
	intervals := []phenotype.CohortInterval{
		testutil.Interval(1, testutil.Day(2020, time.January, 1), testutil.Day(2020, time.March, 1)),
		testutil.Interval(1, testutil.Day(2020, time.February, 1), testutil.Day(2020, time.April, 1)),
		testutil.Interval(1, testutil.Day(2020, time.July, 1), testutil.Day(2020, time.August, 1)),
		testutil.Interval(2, testutil.Day(2020, time.January, 1), testutil.Day(2020, time.January, 2)),
	}

	first := phenotype.BuildEras(intervals)
	require.NotEmpty(t, first)

	asIntervals := make([]phenotype.CohortInterval, 0, len(first))
	for _, era := range first {
		asIntervals = append(asIntervals, testutil.Interval(era.PersonID, era.StartDate, era.EndDate))
	}

	second := phenotype.BuildEras(asIntervals)
	assert.Equal(t, first, second)
}
