package postgresengine

import (
	"context"
	"errors"
	"time"

	"github.com/doug-martin/goqu/v9"

	"github.com/elhadadlab/fair-phenotype/phenotype"
)

const (
	tablePerson         = "person"
	colGenderConceptID  = "gender_concept_id"
	logMsgMembersLoaded = "cohort members loaded"

	logActionFetchMembers = "fetch cohort members"
)

// FetchCohortMembers loads the persisted rows of the given cohorts joined
// with each subject's demographic class, one row per distinct
// (cohort, subject) pair, as consumed by the fairness metrics.
func (e *Engine) FetchCohortMembers(ctx context.Context, cohortIDs []int64) ([]phenotype.CohortMember, error) {
	if len(cohortIDs) == 0 {
		return nil, nil
	}

	cohortTable := goqu.S(e.resultsSchema).Table(e.cohortTable)
	personTable := goqu.S(e.cdmSchema).Table(tablePerson)

	selectStmt := goqu.Dialect(dialectPostgres).
		From(cohortTable).
		Join(personTable, goqu.On(
			cohortTable.Col(colSubjectID).Eq(personTable.Col(colPersonID)),
		)).
		Select(
			cohortTable.Col(colCohortDefinitionID),
			cohortTable.Col(colSubjectID),
			personTable.Col(colGenderConceptID),
		).
		Where(cohortTable.Col(colCohortDefinitionID).In(cohortIDs)).
		Distinct().
		Order(
			cohortTable.Col(colCohortDefinitionID).Asc(),
			cohortTable.Col(colSubjectID).Asc(),
		)

	sqlQuery, _, toSQLErr := selectStmt.ToSQL()
	if toSQLErr != nil {
		e.logError(logMsgBuildQueryFailed, logAttrError, toSQLErr.Error())
		return nil, errors.Join(ErrBuildingQueryFailed, toSQLErr)
	}

	start := time.Now()
	rows, queryErr := e.db.Query(ctx, sqlQuery)
	e.logQueryWithDuration(sqlQuery, logActionFetchMembers, time.Since(start))

	if queryErr != nil {
		e.logError(logMsgDBQueryFailed, logAttrError, queryErr.Error(), logAttrQuery, sqlQuery)
		return nil, errors.Join(ErrQueryingRowsFailed, queryErr)
	}
	defer e.closeRows(rows)

	members := make([]phenotype.CohortMember, 0)

	for rows.Next() {
		var member phenotype.CohortMember

		if scanErr := rows.Scan(&member.CohortID, &member.SubjectID, &member.GenderConceptID); scanErr != nil {
			e.logError(logMsgScanRowFailed, logAttrError, scanErr.Error())
			return nil, errors.Join(ErrScanningDBRowFailed, scanErr)
		}

		members = append(members, member)
	}

	e.logInfo(logMsgMembersLoaded, logAttrRowCount, len(members))

	return members, nil
}

// CountByClass returns the total number of persons per demographic class,
// the denominators for demographic parity.
func (e *Engine) CountByClass(ctx context.Context) (map[phenotype.ConceptID]int, error) {
	selectStmt := goqu.Dialect(dialectPostgres).
		From(goqu.S(e.cdmSchema).Table(tablePerson)).
		Select(goqu.C(colGenderConceptID), goqu.COUNT(goqu.Star())).
		GroupBy(goqu.C(colGenderConceptID))

	sqlQuery, _, toSQLErr := selectStmt.ToSQL()
	if toSQLErr != nil {
		return nil, errors.Join(ErrBuildingQueryFailed, toSQLErr)
	}

	rows, queryErr := e.db.Query(ctx, sqlQuery)
	if queryErr != nil {
		return nil, errors.Join(ErrQueryingRowsFailed, queryErr)
	}
	defer e.closeRows(rows)

	totals := make(map[phenotype.ConceptID]int)

	for rows.Next() {
		var class int64
		var count int64

		if scanErr := rows.Scan(&class, &count); scanErr != nil {
			return nil, errors.Join(ErrScanningDBRowFailed, scanErr)
		}

		totals[class] = int(count)
	}

	return totals, nil
}
