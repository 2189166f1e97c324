// Package postgresengine provides the PostgreSQL implementation of the
// cohort pipeline's external collaborators.
//
// It serves typed clinical events, observation periods, resolved concept
// sets, and the transactional cohort sink from an OMOP-style schema,
// supporting multiple database adapters (pgx, sql.DB, sqlx) behind one
// interface. All SQL is built with goqu against the postgres dialect; the
// cohort replacement runs delete-then-insert inside a single transaction so
// a failed run never leaves partial output behind.
//
// Usage example:
//
//	db, _ := pgxpool.New(context.Background(), dsn)
//	engine, _ := postgresengine.NewEngineFromPGXPool(
//		db,
//		postgresengine.WithCDMSchema("cdm"),
//		postgresengine.WithResultsSchema("results"),
//		postgresengine.WithLogger(logger),
//	)
//
//	pipeline, _ := phenotype.NewPipeline(def, engine, engine, engine)
//	result, _ := pipeline.Run(ctx)
package postgresengine
