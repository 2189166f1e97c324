// Package fairness computes group-fairness metrics across phenotype cohorts.
//
// Each metric compares how two protected classes receive the positive outcome
// (cohort membership) across a list of cohorts, and reports one signed
// difference per cohort: class B's rate minus class A's. The "true" label for
// the conditional metrics is majority-vote membership: a subject counts as a
// true case when it appears in at least half of the cohorts.
package fairness

import (
	"errors"
	"math"

	"github.com/elhadadlab/fair-phenotype/phenotype"
)

// OMOP gender concept ids, the conventional protected classes.
const (
	ClassMale   phenotype.ConceptID = 8507
	ClassFemale phenotype.ConceptID = 8532
)

var ErrNoCohorts = errors.New("at least one cohort is required")
var ErrZeroClassTotal = errors.New("class totals must be positive")
var ErrEmptyClass = errors.New("no subjects of a protected class in the reference set")

// Cohort is one phenotype's membership, one entry per distinct subject.
type Cohort struct {
	ID      int64
	Members []phenotype.CohortMember
}

// CohortsFromMembers partitions a flat member list (as loaded from the
// results store) into per-cohort groups, ordered by the given ids.
func CohortsFromMembers(members []phenotype.CohortMember, cohortIDs []int64) []Cohort {
	byID := make(map[int64][]phenotype.CohortMember)
	for _, m := range members {
		byID[m.CohortID] = append(byID[m.CohortID], m)
	}

	cohorts := make([]Cohort, 0, len(cohortIDs))
	for _, id := range cohortIDs {
		cohorts = append(cohorts, Cohort{ID: id, Members: byID[id]})
	}

	return cohorts
}

func (c Cohort) countByClass(class phenotype.ConceptID) int {
	count := 0
	for _, m := range c.Members {
		if m.GenderConceptID == class {
			count++
		}
	}

	return count
}

func (c Cohort) countByClassIn(class phenotype.ConceptID, set map[phenotype.PersonID]struct{}) int {
	count := 0
	for _, m := range c.Members {
		if m.GenderConceptID != class {
			continue
		}
		if _, ok := set[m.SubjectID]; ok {
			count++
		}
	}

	return count
}

// DemographicParity returns, per cohort, the difference in the proportion of
// each protected class receiving the positive outcome:
// |cohort ∩ classB| / totalB − |cohort ∩ classA| / totalA.
// Totals are the class populations of the whole dataset.
func DemographicParity(
	cohorts []Cohort,
	totals map[phenotype.ConceptID]int,
	classA, classB phenotype.ConceptID,
) ([]float64, error) {

	if len(cohorts) == 0 {
		return nil, ErrNoCohorts
	}
	if totals[classA] <= 0 || totals[classB] <= 0 {
		return nil, ErrZeroClassTotal
	}

	diffs := make([]float64, 0, len(cohorts))
	for _, c := range cohorts {
		rateA := float64(c.countByClass(classA)) / float64(totals[classA])
		rateB := float64(c.countByClass(classB)) / float64(totals[classB])
		diffs = append(diffs, rateB-rateA)
	}

	return diffs, nil
}

// MajoritySet returns the subjects present in at least ceil(n/2) of the n
// cohorts. This is the union over all majority-sized cohort combinations of
// their intersections, computed directly from per-subject membership counts.
func MajoritySet(cohorts []Cohort) map[phenotype.PersonID]struct{} {
	required := int(math.Ceil(float64(len(cohorts)) / 2))

	appearances := make(map[phenotype.PersonID]int)
	for _, c := range cohorts {
		seen := make(map[phenotype.PersonID]struct{}, len(c.Members))
		for _, m := range c.Members {
			if _, dup := seen[m.SubjectID]; dup {
				continue
			}
			seen[m.SubjectID] = struct{}{}
			appearances[m.SubjectID]++
		}
	}

	majority := make(map[phenotype.PersonID]struct{})
	for subject, count := range appearances {
		if count >= required {
			majority[subject] = struct{}{}
		}
	}

	return majority
}

// EqualityOfOpportunity returns, per cohort, the difference in recall against
// the majority-vote true set: among true cases of a class appearing in any
// cohort, the fraction this cohort captures.
func EqualityOfOpportunity(cohorts []Cohort, classA, classB phenotype.ConceptID) ([]float64, error) {
	if len(cohorts) == 0 {
		return nil, ErrNoCohorts
	}

	truth := MajoritySet(cohorts)

	trueByClass := make(map[phenotype.ConceptID]map[phenotype.PersonID]struct{})
	for _, c := range cohorts {
		for _, m := range c.Members {
			if _, ok := truth[m.SubjectID]; !ok {
				continue
			}
			if trueByClass[m.GenderConceptID] == nil {
				trueByClass[m.GenderConceptID] = make(map[phenotype.PersonID]struct{})
			}
			trueByClass[m.GenderConceptID][m.SubjectID] = struct{}{}
		}
	}

	totalA := len(trueByClass[classA])
	totalB := len(trueByClass[classB])
	if totalA == 0 || totalB == 0 {
		return nil, ErrEmptyClass
	}

	diffs := make([]float64, 0, len(cohorts))
	for _, c := range cohorts {
		rateA := float64(c.countByClassIn(classA, truth)) / float64(totalA)
		rateB := float64(c.countByClassIn(classB, truth)) / float64(totalB)
		diffs = append(diffs, rateB-rateA)
	}

	return diffs, nil
}

// PredictiveRateParity returns, per cohort, the difference in precision
// against the majority-vote true set: among a class's members of this
// cohort, the fraction that are true cases.
func PredictiveRateParity(cohorts []Cohort, classA, classB phenotype.ConceptID) ([]float64, error) {
	if len(cohorts) == 0 {
		return nil, ErrNoCohorts
	}

	truth := MajoritySet(cohorts)

	diffs := make([]float64, 0, len(cohorts))
	for _, c := range cohorts {
		totalA := c.countByClass(classA)
		totalB := c.countByClass(classB)
		if totalA == 0 || totalB == 0 {
			return nil, ErrEmptyClass
		}

		rateA := float64(c.countByClassIn(classA, truth)) / float64(totalA)
		rateB := float64(c.countByClassIn(classB, truth)) / float64(totalB)
		diffs = append(diffs, rateB-rateA)
	}

	return diffs, nil
}
