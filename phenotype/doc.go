// Package phenotype identifies time-bounded cohort episodes in a longitudinal
// clinical event store and collapses them into minimal contiguous date spans.
//
// The pipeline runs in strict stages: entry events are fetched per code set,
// at most one primary event per subject is qualified against the observation
// period, every qualifying event is tested against an ordered list of
// correlated inclusion rules whose results combine into a single bitmask, the
// cohort filter keeps events whose mask satisfies the verdict, and the
// surviving intervals are merged into eras with a sweep-line nesting counter.
//
// All per-subject work is independent, so the pipeline fans out over a
// bounded worker pool with no shared mutable state below the subject
// partition. External collaborators (event source, observation period lookup,
// cohort sink) are interfaces; the postgresengine subpackage implements them
// for an OMOP-style PostgreSQL store.
//
// Common usage pattern:
//
//	def, err := phenotype.NewDefinition(42, "type 2 diabetes").
//		WithCodeSet(phenotype.NewCodeSet(0, 201826)).
//		WithCodeSet(phenotype.NewCodeSet(1, 1503297)).
//		WithEntry(phenotype.EntryCriterion{
//			Kind:         phenotype.Condition,
//			CodeSetID:    0,
//			LookbackDays: 365,
//		}).
//		WithRule(phenotype.InclusionRule{
//			Name:      "metformin exposure",
//			Kind:      phenotype.Exposure,
//			CodeSetID: 1,
//			Window:    phenotype.ObservationWindow{StartOffsetDays: 0, EndOffsetDays: 90},
//			Occurs:    phenotype.OccurAtLeast,
//			Count:     1,
//		}).
//		Finalize()
//
//	pipeline, err := phenotype.NewPipeline(def, source, periods, sink)
//	result, err := pipeline.Run(ctx)
package phenotype
