package postgresengine

import (
	"context"
	"errors"
	"time"

	"github.com/doug-martin/goqu/v9"

	"github.com/elhadadlab/fair-phenotype/phenotype"
)

const (
	tableConceptAncestor = "concept_ancestor"
	colAncestorConcept   = "ancestor_concept_id"
	colDescendantConcept = "descendant_concept_id"

	logActionResolveCodeSet = "resolve code set"
)

// ConceptSetSpec names one code set by its seed concepts. Seeds are always
// members; with IncludeDescendants the hierarchy below each seed is pulled in
// via concept_ancestor. Excluded concepts are removed last.
type ConceptSetSpec struct {
	ID                 int
	Include            []phenotype.ConceptID
	IncludeDescendants bool
	Exclude            []phenotype.ConceptID
}

// ResolveCodeSets flattens each spec into a CodeSet. The core pipeline only
// ever consumes the flat result; hierarchy expansion happens here, once,
// before any subject is processed.
func (e *Engine) ResolveCodeSets(ctx context.Context, specs []ConceptSetSpec) (map[int]phenotype.CodeSet, error) {
	resolved := make(map[int]phenotype.CodeSet, len(specs))

	for _, spec := range specs {
		cs, err := e.resolveCodeSet(ctx, spec)
		if err != nil {
			return nil, err
		}

		resolved[spec.ID] = cs
	}

	return resolved, nil
}

func (e *Engine) resolveCodeSet(ctx context.Context, spec ConceptSetSpec) (phenotype.CodeSet, error) {
	members := make(map[phenotype.ConceptID]struct{}, len(spec.Include))
	for _, concept := range spec.Include {
		members[concept] = struct{}{}
	}

	if spec.IncludeDescendants && len(spec.Include) > 0 {
		descendants, err := e.fetchDescendants(ctx, spec.Include)
		if err != nil {
			return phenotype.CodeSet{}, err
		}

		for _, concept := range descendants {
			members[concept] = struct{}{}
		}
	}

	for _, concept := range spec.Exclude {
		delete(members, concept)
	}

	codes := make([]phenotype.ConceptID, 0, len(members))
	for concept := range members {
		codes = append(codes, concept)
	}

	cs := phenotype.NewCodeSet(spec.ID, codes...)
	e.logInfo(logMsgCodeSetResolved, logAttrCodeSetID, spec.ID, logAttrRowCount, cs.Size())

	return cs, nil
}

func (e *Engine) fetchDescendants(ctx context.Context, seeds []phenotype.ConceptID) ([]phenotype.ConceptID, error) {
	selectStmt := goqu.Dialect(dialectPostgres).
		From(goqu.S(e.cdmSchema).Table(tableConceptAncestor)).
		Select(goqu.C(colDescendantConcept)).
		Where(goqu.C(colAncestorConcept).In(seeds)).
		Distinct()

	sqlQuery, _, toSQLErr := selectStmt.ToSQL()
	if toSQLErr != nil {
		e.logError(logMsgBuildQueryFailed, logAttrError, toSQLErr.Error())
		return nil, errors.Join(ErrBuildingQueryFailed, toSQLErr)
	}

	start := time.Now()
	rows, queryErr := e.db.Query(ctx, sqlQuery)
	e.logQueryWithDuration(sqlQuery, logActionResolveCodeSet, time.Since(start))

	if queryErr != nil {
		e.logError(logMsgDBQueryFailed, logAttrError, queryErr.Error(), logAttrQuery, sqlQuery)
		return nil, errors.Join(ErrQueryingRowsFailed, queryErr)
	}
	defer e.closeRows(rows)

	descendants := make([]phenotype.ConceptID, 0)

	for rows.Next() {
		var concept int64
		if scanErr := rows.Scan(&concept); scanErr != nil {
			e.logError(logMsgScanRowFailed, logAttrError, scanErr.Error())
			return nil, errors.Join(ErrScanningDBRowFailed, scanErr)
		}

		descendants = append(descendants, concept)
	}

	return descendants, nil
}
