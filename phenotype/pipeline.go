package phenotype

import (
	"context"
	"errors"
	"slices"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/elhadadlab/fair-phenotype/phenotype/expr"
)

const defaultWorkerCount = 8

const (
	logMsgRunStarted         = "cohort run started"
	logMsgRunCompleted       = "cohort run completed"
	logMsgEntryEventsFetched = "entry events fetched"
	logMsgEventExprRejected  = "event predicate evaluation failed, event excluded"
	logAttrError             = "error"
	logAttrRunID             = "run_id"
	logAttrCohortID          = "cohort_id"
	logAttrEventCount        = "event_count"
	logAttrSubjectCount      = "subject_count"
	logAttrQualifiedCount    = "qualified_count"
	logAttrIncludedCount     = "included_count"
	logAttrEraCount          = "era_count"
	logAttrDurationMS        = "duration_ms"

	metricSubjectsTotal  = "cohort_pipeline_subjects_total"
	metricQualifiedTotal = "cohort_pipeline_qualified_total"
	metricIncludedTotal  = "cohort_pipeline_included_total"
	metricErasTotal      = "cohort_pipeline_eras_total"
	metricRunDuration    = "cohort_pipeline_run_duration"
	labelCohortID        = "cohort_id"

	spanRun          = "cohort.run"
	spanStatusOK     = "ok"
	spanStatusFailed = "failed"
)

// EventSource serves typed clinical events filtered by code set membership
// and, where applicable, a structured value filter.
type EventSource interface {
	FetchEvents(ctx context.Context, kind EventKind, codeSet CodeSet, filter *ValueFilter) ([]ClinicalEvent, error)
}

// PeriodLookup serves every subject's observation periods.
type PeriodLookup interface {
	FetchPeriods(ctx context.Context) (PeriodIndex, error)
}

// CohortSink persists the final era rows for a cohort, replacing prior output
// atomically: either the full new set is committed or the prior set stays.
type CohortSink interface {
	Replace(ctx context.Context, cohortID int64, eras []Era) error
}

// Pipeline runs one cohort definition end to end: fetch entry events, qualify
// one primary event per subject, evaluate inclusion rules into bitmasks,
// filter by verdict, close intervals at the observation-period end, merge
// into eras, and replace the cohort in the sink. All per-subject work fans
// out over a bounded worker pool; subjects share no mutable state.
type Pipeline struct {
	def       Definition
	source    EventSource
	periods   PeriodLookup
	sink      CohortSink
	workers   int
	logger    Logger
	metrics   MetricsCollector
	tracing   TracingCollector
	entryExpr *expr.Program
	ruleExprs []*expr.Program
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline) error

// WithWorkers bounds the per-subject worker pool.
func WithWorkers(n int) PipelineOption {
	return func(p *Pipeline) error {
		if n <= 0 {
			return ErrInvalidWorkerCount
		}

		p.workers = n

		return nil
	}
}

// WithLogger sets the pipeline logger.
func WithLogger(logger Logger) PipelineOption {
	return func(p *Pipeline) error {
		p.logger = logger
		return nil
	}
}

// WithMetrics sets the pipeline metrics collector.
func WithMetrics(collector MetricsCollector) PipelineOption {
	return func(p *Pipeline) error {
		p.metrics = collector
		return nil
	}
}

// WithTracing sets the pipeline tracing collector.
func WithTracing(collector TracingCollector) PipelineOption {
	return func(p *Pipeline) error {
		p.tracing = collector
		return nil
	}
}

// NewPipeline validates the definition, compiles any CEL value predicates,
// and wires the external collaborators. Definition problems surface here as
// ErrMalformedRule, before any subject is processed.
func NewPipeline(
	def Definition,
	source EventSource,
	periods PeriodLookup,
	sink CohortSink,
	options ...PipelineOption,
) (*Pipeline, error) {

	if source == nil {
		return nil, ErrNilEventSource
	}
	if periods == nil {
		return nil, ErrNilPeriodLookup
	}
	if sink == nil {
		return nil, ErrNilCohortSink
	}

	p := &Pipeline{
		def:     def,
		source:  source,
		periods: periods,
		sink:    sink,
		workers: defaultWorkerCount,
	}

	for _, option := range options {
		if err := option(p); err != nil {
			return nil, err
		}
	}

	if err := p.compileExprs(); err != nil {
		return nil, errors.Join(ErrMalformedRule, err)
	}

	return p, nil
}

func (p *Pipeline) compileExprs() error {
	if e := p.def.Entry().Value; e != nil && e.Expr != "" {
		prog, err := expr.Compile(e.Expr)
		if err != nil {
			return err
		}
		p.entryExpr = prog
	}

	p.ruleExprs = make([]*expr.Program, len(p.def.Rules()))
	for id, rule := range p.def.Rules() {
		if rule.Value == nil || rule.Value.Expr == "" {
			continue
		}

		prog, err := expr.Compile(rule.Value.Expr)
		if err != nil {
			return err
		}
		p.ruleExprs[id] = prog
	}

	return nil
}

// RunResult summarizes one completed pipeline run.
type RunResult struct {
	RunID     uuid.UUID
	Subjects  int
	Qualified int
	Included  int
	Eras      int
	Duration  time.Duration
}

// Run executes the pipeline once. Cancelling the context aborts in-flight
// subject batches before anything reaches the sink; the sink write itself is
// all-or-nothing, so a failed run never leaves a partial cohort behind.
func (p *Pipeline) Run(ctx context.Context) (RunResult, error) {
	runID := uuid.New()
	start := time.Now()
	result := RunResult{RunID: runID}

	ctx, span := p.startSpan(ctx)
	p.logInfo(logMsgRunStarted, logAttrRunID, runID.String(), logAttrCohortID, p.def.CohortID())

	eras, counts, runErr := p.compute(ctx)
	if runErr != nil {
		p.finishSpan(span, spanStatusFailed)
		return result, runErr
	}

	if sinkErr := p.sink.Replace(ctx, p.def.CohortID(), eras); sinkErr != nil {
		p.logError(sinkErr)
		p.finishSpan(span, spanStatusFailed)
		return result, errors.Join(ErrSinkWriteFailure, sinkErr)
	}

	result.Subjects = counts.subjects
	result.Qualified = counts.qualified
	result.Included = counts.included
	result.Eras = len(eras)
	result.Duration = time.Since(start)

	p.recordMetrics(result)
	p.logInfo(logMsgRunCompleted,
		logAttrRunID, runID.String(),
		logAttrSubjectCount, result.Subjects,
		logAttrQualifiedCount, result.Qualified,
		logAttrIncludedCount, result.Included,
		logAttrEraCount, result.Eras,
		logAttrDurationMS, result.Duration.Milliseconds(),
	)
	p.finishSpan(span, spanStatusOK)

	return result, nil
}

type runCounts struct {
	subjects  int
	qualified int
	included  int
}

func (p *Pipeline) compute(ctx context.Context) ([]Era, runCounts, error) {
	var counts runCounts

	entry := p.def.Entry()
	entryCodeSet, _ := p.def.CodeSet(entry.CodeSetID)

	entryEvents, fetchErr := p.source.FetchEvents(ctx, entry.Kind, entryCodeSet, entry.Value)
	if fetchErr != nil {
		p.logError(fetchErr)
		return nil, counts, errors.Join(ErrSourceUnavailable, fetchErr)
	}
	entryEvents = p.applyExpr(entryEvents, p.entryExpr)
	p.logDebug(logMsgEntryEventsFetched, logAttrEventCount, len(entryEvents))

	periods, periodsErr := p.periods.FetchPeriods(ctx)
	if periodsErr != nil {
		p.logError(periodsErr)
		return nil, counts, errors.Join(ErrSourceUnavailable, periodsErr)
	}

	arenas, arenasErr := p.fetchArenas(ctx)
	if arenasErr != nil {
		p.logError(arenasErr)
		return nil, counts, errors.Join(ErrSourceUnavailable, arenasErr)
	}

	eventsByPerson := make(map[PersonID][]ClinicalEvent)
	for _, ev := range entryEvents {
		eventsByPerson[ev.PersonID] = append(eventsByPerson[ev.PersonID], ev)
	}

	persons := make([]PersonID, 0, len(eventsByPerson))
	for person := range eventsByPerson {
		persons = append(persons, person)
	}
	slices.Sort(persons)
	counts.subjects = len(persons)

	outcomes := make([]subjectOutcome, len(persons))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(p.workers)

	for i, person := range persons {
		group.Go(func() error {
			if err := groupCtx.Err(); err != nil {
				return err
			}

			outcomes[i] = p.processSubject(eventsByPerson[person], periods, arenas)

			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, counts, err
	}

	eras := make([]Era, 0, len(persons))
	for _, outcome := range outcomes {
		if outcome.qualified {
			counts.qualified++
		}
		if outcome.included {
			counts.included++
		}
		eras = append(eras, outcome.eras...)
	}

	return eras, counts, nil
}

type subjectOutcome struct {
	qualified bool
	included  bool
	eras      []Era
}

// processSubject runs one subject's slice through qualification, rule
// evaluation, filtering, and era construction. It touches nothing shared.
func (p *Pipeline) processSubject(
	events []ClinicalEvent,
	periods PeriodIndex,
	arenas []*EventArena,
) subjectOutcome {

	var outcome subjectOutcome

	qualified := Qualify(events, periods, p.def.Entry().LookbackDays)
	if len(qualified) == 0 {
		return outcome
	}
	outcome.qualified = true

	rules := p.def.Rules()
	masks := Evaluate(qualified, rules, arenas)
	included := Filter(masks, len(rules), p.def.Verdict())
	if len(included) == 0 {
		return outcome
	}
	outcome.included = true

	byEventID := make(map[int64]QualifyingEvent, len(qualified))
	for _, qe := range qualified {
		byEventID[qe.EventID] = qe
	}

	intervals := make([]CohortInterval, 0, len(included))
	for _, pair := range included {
		qe := byEventID[pair.EventID]
		intervals = append(intervals, CohortInterval{
			PersonID:  qe.PersonID,
			StartDate: qe.StartDate,
			EndDate:   qe.OpEnd,
		})
	}

	outcome.eras = BuildEras(intervals)

	return outcome
}

func (p *Pipeline) fetchArenas(ctx context.Context) ([]*EventArena, error) {
	rules := p.def.Rules()
	arenas := make([]*EventArena, len(rules))

	for id, rule := range rules {
		codeSet, _ := p.def.CodeSet(rule.CodeSetID)

		events, err := p.source.FetchEvents(ctx, rule.Kind, codeSet, rule.Value)
		if err != nil {
			return nil, err
		}

		arenas[id] = NewEventArena(p.applyExpr(events, p.ruleExprs[id]))
	}

	return arenas, nil
}

// applyExpr filters events through a compiled CEL predicate. Evaluation
// failures exclude the event and continue.
func (p *Pipeline) applyExpr(events []ClinicalEvent, prog *expr.Program) []ClinicalEvent {
	if prog == nil {
		return events
	}

	kept := make([]ClinicalEvent, 0, len(events))
	for _, ev := range events {
		facts := expr.Facts{
			Code: ev.Code,
			Days: int64(ev.EndDate.Sub(ev.StartDate).Hours() / 24),
		}
		if ev.Value != nil {
			facts.Value = *ev.Value
		}
		if ev.Unit != nil {
			facts.Unit = *ev.Unit
		}

		matched, err := prog.Match(facts)
		if err != nil {
			p.logWarn(logMsgEventExprRejected, logAttrError, err.Error())
			continue
		}
		if matched {
			kept = append(kept, ev)
		}
	}

	return kept
}

func (p *Pipeline) startSpan(ctx context.Context) (context.Context, SpanContext) {
	if p.tracing == nil {
		return ctx, nil
	}

	return p.tracing.StartSpan(ctx, spanRun, map[string]string{
		labelCohortID: formatInt64(p.def.CohortID()),
	})
}

func (p *Pipeline) finishSpan(span SpanContext, status string) {
	if p.tracing == nil || span == nil {
		return
	}

	p.tracing.FinishSpan(span, status, nil)
}

func (p *Pipeline) recordMetrics(result RunResult) {
	if p.metrics == nil {
		return
	}

	labels := map[string]string{labelCohortID: formatInt64(p.def.CohortID())}
	p.metrics.RecordValue(metricSubjectsTotal, float64(result.Subjects), labels)
	p.metrics.RecordValue(metricQualifiedTotal, float64(result.Qualified), labels)
	p.metrics.RecordValue(metricIncludedTotal, float64(result.Included), labels)
	p.metrics.RecordValue(metricErasTotal, float64(result.Eras), labels)
	p.metrics.RecordDuration(metricRunDuration, result.Duration, labels)
}

func formatInt64(v int64) string {
	return strconv.FormatInt(v, 10)
}

func (p *Pipeline) logDebug(msg string, args ...any) {
	if p.logger != nil {
		p.logger.Debug(msg, args...)
	}
}

func (p *Pipeline) logInfo(msg string, args ...any) {
	if p.logger != nil {
		p.logger.Info(msg, args...)
	}
}

func (p *Pipeline) logWarn(msg string, args ...any) {
	if p.logger != nil {
		p.logger.Warn(msg, args...)
	}
}

func (p *Pipeline) logError(err error) {
	if p.logger != nil {
		p.logger.Error(err.Error())
	}
}
