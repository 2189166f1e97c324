package phenotype_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elhadadlab/fair-phenotype/phenotype"
	"github.com/elhadadlab/fair-phenotype/testutil"
)

const testCohortID = int64(1001)

func diabetesDefinition(t *testing.T) phenotype.Definition {
	t.Helper()

	def, err := phenotype.NewDefinition(testCohortID, "t2dm_first_diagnosis").
		WithCodeSet(phenotype.NewCodeSet(0, 201826)).
		WithCodeSet(phenotype.NewCodeSet(1, 1503297)).
		WithEntry(phenotype.EntryCriterion{
			Kind:         phenotype.Condition,
			CodeSetID:    0,
			LookbackDays: 0,
		}).
		WithRule(phenotype.InclusionRule{
			Name:      "metformin_exposure",
			Kind:      phenotype.Exposure,
			CodeSetID: 1,
			Window:    phenotype.ObservationWindow{StartOffsetDays: -365, EndOffsetDays: 0},
			Occurs:    phenotype.OccurAtLeast,
			Count:     1,
		}).
		Finalize()
	require.NoError(t, err)

	return def
}

func Test_Pipeline_Run_IncludedSubjectEraEndsAtPeriodEnd(t *testing.T) {
	def := diabetesDefinition(t)

	source := testutil.NewFakeSource().
		Add(phenotype.Condition, 0,
			testutil.PointEvent(1, 10, phenotype.Condition, 201826, testutil.Day(2020, time.June, 1))).
		Add(phenotype.Exposure, 1,
			testutil.PointEvent(1, 20, phenotype.Exposure, 1503297, testutil.Day(2020, time.March, 1)))

	periods := &testutil.FakePeriods{Index: testutil.Periods(
		testutil.Period(1, testutil.Day(2019, time.January, 1), testutil.Day(2021, time.December, 31)),
	)}
	sink := testutil.NewFakeSink()

	pipeline, err := phenotype.NewPipeline(def, source, periods, sink)
	require.NoError(t, err)

	result, err := pipeline.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Subjects)
	assert.Equal(t, 1, result.Qualified)
	assert.Equal(t, 1, result.Included)
	assert.Equal(t, 1, result.Eras)

	eras := sink.Replaced[testCohortID]
	require.Len(t, eras, 1)
	assert.Equal(t, phenotype.PersonID(1), eras[0].PersonID)
	assert.Equal(t, testutil.Day(2020, time.June, 1), eras[0].StartDate)
	assert.Equal(t, testutil.Day(2021, time.December, 31), eras[0].EndDate)
}

func Test_Pipeline_Run_SubjectFailingARuleLeavesNoTrace(t *testing.T) {
	def := diabetesDefinition(t)

	// Subject 1 has the exposure, subject 2 does not; only subject 1 lands
	// in the sink and subject 2 produces no rows at all.
	source := testutil.NewFakeSource().
		Add(phenotype.Condition, 0,
			testutil.PointEvent(1, 10, phenotype.Condition, 201826, testutil.Day(2020, time.June, 1)),
			testutil.PointEvent(2, 11, phenotype.Condition, 201826, testutil.Day(2020, time.June, 1))).
		Add(phenotype.Exposure, 1,
			testutil.PointEvent(1, 20, phenotype.Exposure, 1503297, testutil.Day(2020, time.March, 1)))

	periods := &testutil.FakePeriods{Index: testutil.Periods(
		testutil.Period(1, testutil.Day(2019, time.January, 1), testutil.Day(2021, time.December, 31)),
		testutil.Period(2, testutil.Day(2019, time.January, 1), testutil.Day(2021, time.December, 31)),
	)}
	sink := testutil.NewFakeSink()

	pipeline, err := phenotype.NewPipeline(def, source, periods, sink)
	require.NoError(t, err)

	result, err := pipeline.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, result.Subjects)
	assert.Equal(t, 2, result.Qualified)
	assert.Equal(t, 1, result.Included)

	eras := sink.Replaced[testCohortID]
	require.Len(t, eras, 1)
	assert.Equal(t, phenotype.PersonID(1), eras[0].PersonID)
}

func Test_Pipeline_Run_SubjectWithoutCoveringPeriodNeverQualifies(t *testing.T) {
	def := diabetesDefinition(t)

	source := testutil.NewFakeSource().
		Add(phenotype.Condition, 0,
			testutil.PointEvent(1, 10, phenotype.Condition, 201826, testutil.Day(2020, time.June, 1)))

	periods := &testutil.FakePeriods{Index: testutil.Periods(
		testutil.Period(1, testutil.Day(2010, time.January, 1), testutil.Day(2012, time.December, 31)),
	)}
	sink := testutil.NewFakeSink()

	pipeline, err := phenotype.NewPipeline(def, source, periods, sink)
	require.NoError(t, err)

	result, err := pipeline.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Subjects)
	assert.Zero(t, result.Qualified)
	assert.Zero(t, result.Included)
	assert.Empty(t, sink.Replaced[testCohortID])
}

func Test_Pipeline_Run_SourceFailureIsWrapped(t *testing.T) {
	def := diabetesDefinition(t)

	source := testutil.NewFakeSource()
	source.Err = errors.New("connection refused")

	periods := &testutil.FakePeriods{Index: testutil.Periods()}
	sink := testutil.NewFakeSink()

	pipeline, err := phenotype.NewPipeline(def, source, periods, sink)
	require.NoError(t, err)

	_, err = pipeline.Run(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, phenotype.ErrSourceUnavailable)
	assert.Empty(t, sink.Replaced, "nothing must reach the sink on a source failure")
}

func Test_Pipeline_Run_SinkFailureIsWrapped(t *testing.T) {
	def := diabetesDefinition(t)

	source := testutil.NewFakeSource().
		Add(phenotype.Condition, 0,
			testutil.PointEvent(1, 10, phenotype.Condition, 201826, testutil.Day(2020, time.June, 1))).
		Add(phenotype.Exposure, 1,
			testutil.PointEvent(1, 20, phenotype.Exposure, 1503297, testutil.Day(2020, time.March, 1)))

	periods := &testutil.FakePeriods{Index: testutil.Periods(
		testutil.Period(1, testutil.Day(2019, time.January, 1), testutil.Day(2021, time.December, 31)),
	)}

	sink := testutil.NewFakeSink()
	sink.Err = errors.New("deadlock detected")

	pipeline, err := phenotype.NewPipeline(def, source, periods, sink)
	require.NoError(t, err)

	_, err = pipeline.Run(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, phenotype.ErrSinkWriteFailure)
}

func Test_Pipeline_Run_CancelledContextAborts(t *testing.T) {
	def := diabetesDefinition(t)

	source := testutil.NewFakeSource().
		Add(phenotype.Condition, 0,
			testutil.PointEvent(1, 10, phenotype.Condition, 201826, testutil.Day(2020, time.June, 1)))

	periods := &testutil.FakePeriods{Index: testutil.Periods(
		testutil.Period(1, testutil.Day(2019, time.January, 1), testutil.Day(2021, time.December, 31)),
	)}
	sink := testutil.NewFakeSink()

	pipeline, err := phenotype.NewPipeline(def, source, periods, sink)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = pipeline.Run(ctx)

	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, sink.Replaced)
}

func Test_Pipeline_ValuePredicateFiltersEntryEvents(t *testing.T) {
	low := 6.5
	def, err := phenotype.NewDefinition(testCohortID, "hba1c_elevated").
		WithCodeSet(phenotype.NewCodeSet(0, 3004410)).
		WithEntry(phenotype.EntryCriterion{
			Kind:      phenotype.Measurement,
			CodeSetID: 0,
			Value:     &phenotype.ValueFilter{Low: &low, Expr: "value >= 6.5 && value < 20.0"},
		}).
		Finalize()
	require.NoError(t, err)

	elevated := testutil.PointEvent(1, 10, phenotype.Measurement, 3004410, testutil.Day(2020, time.June, 1))
	elevatedValue := 7.2
	elevated.Value = &elevatedValue

	normal := testutil.PointEvent(2, 11, phenotype.Measurement, 3004410, testutil.Day(2020, time.June, 1))
	normalValue := 5.0
	normal.Value = &normalValue

	source := testutil.NewFakeSource().Add(phenotype.Measurement, 0, elevated, normal)

	periods := &testutil.FakePeriods{Index: testutil.Periods(
		testutil.Period(1, testutil.Day(2019, time.January, 1), testutil.Day(2021, time.December, 31)),
		testutil.Period(2, testutil.Day(2019, time.January, 1), testutil.Day(2021, time.December, 31)),
	)}
	sink := testutil.NewFakeSink()

	pipeline, err := phenotype.NewPipeline(def, source, periods, sink)
	require.NoError(t, err)

	result, err := pipeline.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, result.Subjects, "the below-range measurement is filtered before grouping")
	assert.Equal(t, 1, result.Included)

	eras := sink.Replaced[testCohortID]
	require.Len(t, eras, 1)
	assert.Equal(t, phenotype.PersonID(1), eras[0].PersonID)
}

func Test_NewPipeline_ConstructionFailures(t *testing.T) {
	def := diabetesDefinition(t)
	source := testutil.NewFakeSource()
	periods := &testutil.FakePeriods{}
	sink := testutil.NewFakeSink()

	t.Run("nil_source", func(t *testing.T) {
		_, err := phenotype.NewPipeline(def, nil, periods, sink)
		assert.ErrorIs(t, err, phenotype.ErrNilEventSource)
	})

	t.Run("nil_period_lookup", func(t *testing.T) {
		_, err := phenotype.NewPipeline(def, source, nil, sink)
		assert.ErrorIs(t, err, phenotype.ErrNilPeriodLookup)
	})

	t.Run("nil_sink", func(t *testing.T) {
		_, err := phenotype.NewPipeline(def, source, periods, nil)
		assert.ErrorIs(t, err, phenotype.ErrNilCohortSink)
	})

	t.Run("invalid_worker_count", func(t *testing.T) {
		_, err := phenotype.NewPipeline(def, source, periods, sink, phenotype.WithWorkers(0))
		assert.ErrorIs(t, err, phenotype.ErrInvalidWorkerCount)
	})

	t.Run("unparseable_value_predicate", func(t *testing.T) {
		broken, buildErr := phenotype.NewDefinition(1, "broken").
			WithCodeSet(phenotype.NewCodeSet(0, 100)).
			WithEntry(phenotype.EntryCriterion{
				Kind:      phenotype.Measurement,
				CodeSetID: 0,
				Value:     &phenotype.ValueFilter{Expr: "value >="},
			}).
			Finalize()
		require.NoError(t, buildErr)

		_, err := phenotype.NewPipeline(broken, source, periods, sink)
		assert.ErrorIs(t, err, phenotype.ErrMalformedRule)
	})
}

// recordingMetrics captures every metric the pipeline emits so tests can
// assert on names, values, and labels.
type recordingMetrics struct {
	values    map[string]float64
	durations map[string]time.Duration
	labels    map[string]map[string]string
}

func newRecordingMetrics() *recordingMetrics {
	return &recordingMetrics{
		values:    make(map[string]float64),
		durations: make(map[string]time.Duration),
		labels:    make(map[string]map[string]string),
	}
}

func (m *recordingMetrics) RecordDuration(metric string, duration time.Duration, labels map[string]string) {
	m.durations[metric] = duration
	m.labels[metric] = labels
}

func (m *recordingMetrics) IncrementCounter(metric string, labels map[string]string) {
	m.values[metric]++
	m.labels[metric] = labels
}

func (m *recordingMetrics) RecordValue(metric string, value float64, labels map[string]string) {
	m.values[metric] = value
	m.labels[metric] = labels
}

// recordingTracing captures spans started and finished by the pipeline.
type recordingTracing struct {
	startedNames []string
	startedAttrs []map[string]string
	statuses     []string
}

type recordingSpan struct{}

func (s *recordingSpan) SetStatus(string) {}
func (s *recordingSpan) AddAttribute(_, _ string) {}

func (c *recordingTracing) StartSpan(ctx context.Context, name string, attrs map[string]string) (context.Context, phenotype.SpanContext) {
	c.startedNames = append(c.startedNames, name)
	c.startedAttrs = append(c.startedAttrs, attrs)

	return ctx, &recordingSpan{}
}

func (c *recordingTracing) FinishSpan(_ phenotype.SpanContext, status string, _ map[string]string) {
	c.statuses = append(c.statuses, status)
}

func Test_Pipeline_Run_RecordsMetricsWithCohortLabel(t *testing.T) {
	def := diabetesDefinition(t)

	source := testutil.NewFakeSource().
		Add(phenotype.Condition, 0,
			testutil.PointEvent(1, 10, phenotype.Condition, 201826, testutil.Day(2020, time.June, 1)),
			testutil.PointEvent(2, 11, phenotype.Condition, 201826, testutil.Day(2020, time.June, 1))).
		Add(phenotype.Exposure, 1,
			testutil.PointEvent(1, 20, phenotype.Exposure, 1503297, testutil.Day(2020, time.March, 1)))

	periods := &testutil.FakePeriods{Index: testutil.Periods(
		testutil.Period(1, testutil.Day(2019, time.January, 1), testutil.Day(2021, time.December, 31)),
		testutil.Period(2, testutil.Day(2019, time.January, 1), testutil.Day(2021, time.December, 31)),
	)}
	sink := testutil.NewFakeSink()
	metrics := newRecordingMetrics()

	pipeline, err := phenotype.NewPipeline(def, source, periods, sink,
		phenotype.WithMetrics(metrics))
	require.NoError(t, err)

	_, err = pipeline.Run(context.Background())
	require.NoError(t, err)

	// Subject 2 lacks the exposure, so only subject 1 makes it through.
	assert.Equal(t, 2.0, metrics.values["cohort_pipeline_subjects_total"])
	assert.Equal(t, 2.0, metrics.values["cohort_pipeline_qualified_total"])
	assert.Equal(t, 1.0, metrics.values["cohort_pipeline_included_total"])
	assert.Equal(t, 1.0, metrics.values["cohort_pipeline_eras_total"])

	duration, recorded := metrics.durations["cohort_pipeline_run_duration"]
	assert.True(t, recorded, "run duration should be recorded")
	assert.GreaterOrEqual(t, duration, time.Duration(0))

	expectedLabels := map[string]string{"cohort_id": "1001"}
	assert.Equal(t, expectedLabels, metrics.labels["cohort_pipeline_subjects_total"])
	assert.Equal(t, expectedLabels, metrics.labels["cohort_pipeline_run_duration"])
}

func Test_Pipeline_Run_FinishesSpanWithOKStatus(t *testing.T) {
	def := diabetesDefinition(t)

	source := testutil.NewFakeSource().
		Add(phenotype.Condition, 0,
			testutil.PointEvent(1, 10, phenotype.Condition, 201826, testutil.Day(2020, time.June, 1))).
		Add(phenotype.Exposure, 1,
			testutil.PointEvent(1, 20, phenotype.Exposure, 1503297, testutil.Day(2020, time.March, 1)))

	periods := &testutil.FakePeriods{Index: testutil.Periods(
		testutil.Period(1, testutil.Day(2019, time.January, 1), testutil.Day(2021, time.December, 31)),
	)}
	sink := testutil.NewFakeSink()
	tracing := &recordingTracing{}

	pipeline, err := phenotype.NewPipeline(def, source, periods, sink,
		phenotype.WithTracing(tracing))
	require.NoError(t, err)

	_, err = pipeline.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, tracing.startedNames, 1)
	assert.Equal(t, "cohort.run", tracing.startedNames[0])
	assert.Equal(t, map[string]string{"cohort_id": "1001"}, tracing.startedAttrs[0])

	require.Len(t, tracing.statuses, 1)
	assert.Equal(t, "ok", tracing.statuses[0])
}

func Test_Pipeline_Run_FinishesSpanWithFailedStatusOnSinkError(t *testing.T) {
	def := diabetesDefinition(t)

	source := testutil.NewFakeSource().
		Add(phenotype.Condition, 0,
			testutil.PointEvent(1, 10, phenotype.Condition, 201826, testutil.Day(2020, time.June, 1))).
		Add(phenotype.Exposure, 1,
			testutil.PointEvent(1, 20, phenotype.Exposure, 1503297, testutil.Day(2020, time.March, 1)))

	periods := &testutil.FakePeriods{Index: testutil.Periods(
		testutil.Period(1, testutil.Day(2019, time.January, 1), testutil.Day(2021, time.December, 31)),
	)}

	sink := testutil.NewFakeSink()
	sink.Err = errors.New("deadlock detected")

	tracing := &recordingTracing{}
	metrics := newRecordingMetrics()

	pipeline, err := phenotype.NewPipeline(def, source, periods, sink,
		phenotype.WithTracing(tracing),
		phenotype.WithMetrics(metrics))
	require.NoError(t, err)

	_, err = pipeline.Run(context.Background())
	require.Error(t, err)

	require.Len(t, tracing.statuses, 1)
	assert.Equal(t, "failed", tracing.statuses[0])

	// Failed runs emit no result metrics.
	assert.Empty(t, metrics.values)
	assert.Empty(t, metrics.durations)
}
