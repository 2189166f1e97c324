// Package adapters provides database adapter implementations for the
// PostgreSQL cohort engines.
//
// This package implements the adapter pattern to support multiple PostgreSQL
// database libraries: pgx.Pool, sql.DB, and sqlx.DB. All adapters provide
// equivalent functionality through a common DBAdapter interface, including
// transactional execution for the atomic cohort replacement.
package adapters
