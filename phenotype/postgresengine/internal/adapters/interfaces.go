package adapters

import "context"

// DBAdapter defines the interface for database operations needed by the
// cohort engines.
type DBAdapter interface {
	Query(ctx context.Context, query string) (DBRows, error)
	Exec(ctx context.Context, query string) (DBResult, error)
	// WithinTx runs fn inside a transaction: commit on nil, rollback on error.
	// The cohort sink relies on this for its atomic delete-then-insert.
	WithinTx(ctx context.Context, fn func(tx DBTx) error) error
}

// DBRows defines the interface for query result rows.
type DBRows interface {
	Next() bool
	Scan(dest ...any) error
	Close() error
}

// DBResult defines the interface for execution results.
type DBResult interface {
	RowsAffected() (int64, error)
}

// DBTx defines the operations available inside a transaction.
type DBTx interface {
	Exec(ctx context.Context, query string) (DBResult, error)
}
