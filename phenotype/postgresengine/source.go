package postgresengine

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/doug-martin/goqu/v9"

	"github.com/elhadadlab/fair-phenotype/phenotype"
)

const (
	colPersonID = "person_id"

	tableCondition   = "condition_occurrence"
	tableExposure    = "drug_exposure"
	tableMeasurement = "measurement"
	tableObservation = "observation"

	logActionFetchEvents = "fetch events"
)

var ErrBuildingQueryFailed = errors.New("building query failed")
var ErrQueryingRowsFailed = errors.New("querying rows failed")
var ErrScanningDBRowFailed = errors.New("scanning database row failed")

// eventTableSpec maps one event kind onto its clinical table and columns.
// Empty column names mean the table has no such column; the select list
// substitutes NULL so every kind scans the same row shape.
type eventTableSpec struct {
	table     string
	idCol     string
	codeCol   string
	startCol  string
	endCol    string
	valueCol  string
	unitCol   string
	supplyCol string
	visitCol  string
}

func tableSpecFor(kind phenotype.EventKind) eventTableSpec {
	switch kind {
	case phenotype.Condition:
		return eventTableSpec{
			table:    tableCondition,
			idCol:    "condition_occurrence_id",
			codeCol:  "condition_concept_id",
			startCol: "condition_start_date",
			endCol:   "condition_end_date",
			visitCol: "visit_occurrence_id",
		}
	case phenotype.Exposure:
		return eventTableSpec{
			table:     tableExposure,
			idCol:     "drug_exposure_id",
			codeCol:   "drug_concept_id",
			startCol:  "drug_exposure_start_date",
			endCol:    "drug_exposure_end_date",
			supplyCol: "days_supply",
			visitCol:  "visit_occurrence_id",
		}
	case phenotype.Measurement:
		return eventTableSpec{
			table:    tableMeasurement,
			idCol:    "measurement_id",
			codeCol:  "measurement_concept_id",
			startCol: "measurement_date",
			valueCol: "value_as_number",
			unitCol:  "unit_concept_id",
			visitCol: "visit_occurrence_id",
		}
	default:
		return eventTableSpec{
			table:    tableObservation,
			idCol:    "observation_id",
			codeCol:  "observation_concept_id",
			startCol: "observation_date",
			valueCol: "value_as_number",
			unitCol:  "unit_concept_id",
			visitCol: "visit_occurrence_id",
		}
	}
}

type eventRow struct {
	eventID  int64
	personID int64
	code     int64
	start    time.Time
	end      sql.NullTime
	value    sql.NullFloat64
	unit     sql.NullInt64
	supply   sql.NullInt64
	visit    sql.NullInt64
}

// FetchEvents returns the typed clinical events of one kind whose code
// belongs to the given code set, with the structured value filter applied in
// SQL where the table carries value columns. End dates are defaulted at scan
// time: explicit end when present, start plus supply duration for exposures
// carrying one, start plus one day otherwise. Rows are ordered by person,
// start date, and record id so downstream tie-breaks are reproducible.
func (e *Engine) FetchEvents(
	ctx context.Context,
	kind phenotype.EventKind,
	codeSet phenotype.CodeSet,
	filter *phenotype.ValueFilter,
) ([]phenotype.ClinicalEvent, error) {

	if codeSet.Size() == 0 {
		return nil, nil
	}

	sqlQuery, buildErr := e.buildEventQuery(kind, codeSet, filter)
	if buildErr != nil {
		e.logError(logMsgBuildQueryFailed, logAttrError, buildErr.Error(), logAttrKind, kind.String())
		return nil, buildErr
	}

	start := time.Now()
	rows, queryErr := e.db.Query(ctx, sqlQuery)
	e.logQueryWithDuration(sqlQuery, logActionFetchEvents, time.Since(start))

	if queryErr != nil {
		e.logError(logMsgDBQueryFailed, logAttrError, queryErr.Error(), logAttrQuery, sqlQuery)
		return nil, errors.Join(ErrQueryingRowsFailed, queryErr)
	}
	defer e.closeRows(rows)

	events := make([]phenotype.ClinicalEvent, 0)
	row := eventRow{}

	for rows.Next() {
		scanErr := rows.Scan(
			&row.eventID, &row.personID, &row.code, &row.start,
			&row.end, &row.value, &row.unit, &row.supply, &row.visit,
		)
		if scanErr != nil {
			e.logError(logMsgScanRowFailed, logAttrError, scanErr.Error())
			return nil, errors.Join(ErrScanningDBRowFailed, scanErr)
		}

		events = append(events, buildEvent(kind, row))
	}

	e.logInfo(logMsgEventsFetched,
		logAttrKind, kind.String(),
		logAttrCodeSetID, codeSet.ID(),
		logAttrRowCount, len(events),
	)

	return events, nil
}

func (e *Engine) buildEventQuery(
	kind phenotype.EventKind,
	codeSet phenotype.CodeSet,
	filter *phenotype.ValueFilter,
) (string, error) {

	spec := tableSpecFor(kind)
	table := goqu.S(e.cdmSchema).Table(spec.table)

	selectStmt := goqu.Dialect(dialectPostgres).
		From(table).
		Select(
			goqu.C(spec.idCol),
			goqu.C(colPersonID),
			goqu.C(spec.codeCol),
			goqu.C(spec.startCol),
			nullableColumn(spec.endCol, "end_date"),
			nullableColumn(spec.valueCol, "value_as_number"),
			nullableColumn(spec.unitCol, "unit_concept_id"),
			nullableColumn(spec.supplyCol, "days_supply"),
			nullableColumn(spec.visitCol, "visit_occurrence_id"),
		).
		Where(goqu.C(spec.codeCol).In(codeSet.Codes())).
		Order(goqu.C(colPersonID).Asc(), goqu.C(spec.startCol).Asc(), goqu.C(spec.idCol).Asc())

	if filter != nil && spec.valueCol != "" {
		if filter.Low != nil {
			selectStmt = selectStmt.Where(goqu.C(spec.valueCol).Gte(*filter.Low))
		}
		if filter.High != nil {
			selectStmt = selectStmt.Where(goqu.C(spec.valueCol).Lte(*filter.High))
		}
		if filter.Unit != nil && spec.unitCol != "" {
			selectStmt = selectStmt.Where(goqu.C(spec.unitCol).Eq(*filter.Unit))
		}
	}

	sqlQuery, _, toSQLErr := selectStmt.ToSQL()
	if toSQLErr != nil {
		return "", errors.Join(ErrBuildingQueryFailed, toSQLErr)
	}

	return sqlQuery, nil
}

func nullableColumn(col string, alias string) any {
	if col == "" {
		return goqu.L("NULL").As(alias)
	}

	return goqu.C(col).As(alias)
}

func buildEvent(kind phenotype.EventKind, row eventRow) phenotype.ClinicalEvent {
	event := phenotype.ClinicalEvent{
		PersonID:  row.personID,
		EventID:   row.eventID,
		Kind:      kind,
		Code:      row.code,
		StartDate: row.start,
		EndDate:   defaultEndDate(kind, row),
	}

	if row.visit.Valid {
		visit := row.visit.Int64
		event.VisitID = &visit
	}
	if row.value.Valid {
		value := row.value.Float64
		event.Value = &value
	}
	if row.unit.Valid {
		unit := row.unit.Int64
		event.Unit = &unit
	}

	return event
}

func defaultEndDate(kind phenotype.EventKind, row eventRow) time.Time {
	if row.end.Valid {
		return row.end.Time
	}

	if kind == phenotype.Exposure && row.supply.Valid && row.supply.Int64 > 0 {
		return row.start.AddDate(0, 0, int(row.supply.Int64))
	}

	return row.start.AddDate(0, 0, 1)
}
