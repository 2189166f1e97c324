package postgresengine

import (
	"context"
	"errors"
	"time"

	"github.com/doug-martin/goqu/v9"

	"github.com/elhadadlab/fair-phenotype/phenotype"
	"github.com/elhadadlab/fair-phenotype/phenotype/postgresengine/internal/adapters"
)

const (
	colCohortDefinitionID = "cohort_definition_id"
	colSubjectID          = "subject_id"
	colCohortStartDate    = "cohort_start_date"
	colCohortEndDate      = "cohort_end_date"

	logActionReplaceCohort = "replace cohort"

	// insertBatchSize bounds statement size; the whole replacement still
	// commits as one transaction.
	insertBatchSize = 500
)

var ErrReplacingCohortFailed = errors.New("replacing cohort failed")

// Replace persists the final era rows for one cohort definition,
// delete-then-insert inside a single transaction. Any failure rolls the
// whole replacement back, leaving the prior cohort contents authoritative.
func (e *Engine) Replace(ctx context.Context, cohortID int64, eras []phenotype.Era) error {
	deleteSQL, insertSQLs, buildErr := e.buildReplaceQueries(cohortID, eras)
	if buildErr != nil {
		e.logError(logMsgBuildQueryFailed, logAttrError, buildErr.Error(), logAttrCohortID, cohortID)
		return buildErr
	}

	start := time.Now()

	txErr := e.db.WithinTx(ctx, func(tx adapters.DBTx) error {
		if _, err := tx.Exec(ctx, deleteSQL); err != nil {
			return err
		}

		for _, insertSQL := range insertSQLs {
			if _, err := tx.Exec(ctx, insertSQL); err != nil {
				return err
			}
		}

		return nil
	})

	e.logQueryWithDuration(deleteSQL, logActionReplaceCohort, time.Since(start))

	if txErr != nil {
		e.logError(logMsgDBQueryFailed, logAttrError, txErr.Error(), logAttrCohortID, cohortID)
		return errors.Join(ErrReplacingCohortFailed, txErr)
	}

	e.logInfo(logMsgCohortReplaced, logAttrCohortID, cohortID, logAttrRowCount, len(eras))

	return nil
}

func (e *Engine) buildReplaceQueries(cohortID int64, eras []phenotype.Era) (string, []string, error) {
	table := goqu.S(e.resultsSchema).Table(e.cohortTable)
	builder := goqu.Dialect(dialectPostgres)

	deleteSQL, _, deleteErr := builder.
		Delete(table).
		Where(goqu.C(colCohortDefinitionID).Eq(cohortID)).
		ToSQL()
	if deleteErr != nil {
		return "", nil, errors.Join(ErrBuildingQueryFailed, deleteErr)
	}

	insertSQLs := make([]string, 0, len(eras)/insertBatchSize+1)

	for batchStart := 0; batchStart < len(eras); batchStart += insertBatchSize {
		batchEnd := min(batchStart+insertBatchSize, len(eras))

		records := make([]any, 0, batchEnd-batchStart)
		for _, era := range eras[batchStart:batchEnd] {
			records = append(records, goqu.Record{
				colCohortDefinitionID: cohortID,
				colSubjectID:          era.PersonID,
				colCohortStartDate:    era.StartDate,
				colCohortEndDate:      era.EndDate,
			})
		}

		insertSQL, _, insertErr := builder.
			Insert(table).
			Rows(records...).
			ToSQL()
		if insertErr != nil {
			return "", nil, errors.Join(ErrBuildingQueryFailed, insertErr)
		}

		insertSQLs = append(insertSQLs, insertSQL)
	}

	return deleteSQL, insertSQLs, nil
}
