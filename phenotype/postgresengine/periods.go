package postgresengine

import (
	"context"
	"errors"
	"time"

	"github.com/doug-martin/goqu/v9"

	"github.com/elhadadlab/fair-phenotype/phenotype"
)

const (
	tableObservationPeriod = "observation_period"
	colOpStart             = "observation_period_start_date"
	colOpEnd               = "observation_period_end_date"

	logActionFetchPeriods = "fetch periods"
)

// FetchPeriods loads every subject's observation periods into an index keyed
// by person id. Subjects may carry several periods; qualification picks the
// one covering each candidate event.
func (e *Engine) FetchPeriods(ctx context.Context) (phenotype.PeriodIndex, error) {
	selectStmt := goqu.Dialect(dialectPostgres).
		From(goqu.S(e.cdmSchema).Table(tableObservationPeriod)).
		Select(goqu.C(colPersonID), goqu.C(colOpStart), goqu.C(colOpEnd)).
		Order(goqu.C(colPersonID).Asc(), goqu.C(colOpStart).Asc())

	sqlQuery, _, toSQLErr := selectStmt.ToSQL()
	if toSQLErr != nil {
		e.logError(logMsgBuildQueryFailed, logAttrError, toSQLErr.Error())
		return nil, errors.Join(ErrBuildingQueryFailed, toSQLErr)
	}

	start := time.Now()
	rows, queryErr := e.db.Query(ctx, sqlQuery)
	e.logQueryWithDuration(sqlQuery, logActionFetchPeriods, time.Since(start))

	if queryErr != nil {
		e.logError(logMsgDBQueryFailed, logAttrError, queryErr.Error(), logAttrQuery, sqlQuery)
		return nil, errors.Join(ErrQueryingRowsFailed, queryErr)
	}
	defer e.closeRows(rows)

	index := make(phenotype.PeriodIndex)
	count := 0

	for rows.Next() {
		var person int64
		var opStart, opEnd time.Time

		if scanErr := rows.Scan(&person, &opStart, &opEnd); scanErr != nil {
			e.logError(logMsgScanRowFailed, logAttrError, scanErr.Error())
			return nil, errors.Join(ErrScanningDBRowFailed, scanErr)
		}

		index[person] = append(index[person], phenotype.ObservationPeriod{
			PersonID: person,
			Start:    opStart,
			End:      opEnd,
		})
		count++
	}

	e.logInfo(logMsgPeriodsFetched, logAttrRowCount, count)

	return index, nil
}

// GetPeriod returns the longest observation period covering the given date
// for one subject, or false when none covers it.
func (e *Engine) GetPeriod(ctx context.Context, person phenotype.PersonID, d time.Time) (phenotype.ObservationPeriod, bool, error) {
	index, err := e.FetchPeriodsFor(ctx, person)
	if err != nil {
		return phenotype.ObservationPeriod{}, false, err
	}

	period, ok := index.Covering(person, d)

	return period, ok, nil
}

// FetchPeriodsFor loads one subject's observation periods.
func (e *Engine) FetchPeriodsFor(ctx context.Context, person phenotype.PersonID) (phenotype.PeriodIndex, error) {
	selectStmt := goqu.Dialect(dialectPostgres).
		From(goqu.S(e.cdmSchema).Table(tableObservationPeriod)).
		Select(goqu.C(colPersonID), goqu.C(colOpStart), goqu.C(colOpEnd)).
		Where(goqu.C(colPersonID).Eq(person)).
		Order(goqu.C(colOpStart).Asc())

	sqlQuery, _, toSQLErr := selectStmt.ToSQL()
	if toSQLErr != nil {
		return nil, errors.Join(ErrBuildingQueryFailed, toSQLErr)
	}

	rows, queryErr := e.db.Query(ctx, sqlQuery)
	if queryErr != nil {
		return nil, errors.Join(ErrQueryingRowsFailed, queryErr)
	}
	defer e.closeRows(rows)

	index := make(phenotype.PeriodIndex)

	for rows.Next() {
		var personID int64
		var opStart, opEnd time.Time

		if scanErr := rows.Scan(&personID, &opStart, &opEnd); scanErr != nil {
			return nil, errors.Join(ErrScanningDBRowFailed, scanErr)
		}

		index[personID] = append(index[personID], phenotype.ObservationPeriod{
			PersonID: personID,
			Start:    opStart,
			End:      opEnd,
		})
	}

	return index, nil
}
