package adapters

import (
	"context"
	"database/sql"
)

// stdRows wraps standard library sql.Rows to implement DBRows interface.
type stdRows struct {
	rows *sql.Rows
}

// Next advances to the next row.
func (s *stdRows) Next() bool {
	return s.rows.Next()
}

// Scan copies row values into provided destinations.
func (s *stdRows) Scan(dest ...any) error {
	return s.rows.Scan(dest...)
}

// Close closes the rows iterator.
func (s *stdRows) Close() error {
	return s.rows.Close()
}

// stdResult wraps standard library sql.Result to implement DBResult interface.
type stdResult struct {
	result sql.Result
}

// RowsAffected returns the number of rows affected by the command.
func (s *stdResult) RowsAffected() (int64, error) {
	return s.result.RowsAffected()
}

// stdTx wraps standard library sql.Tx to implement the DBTx interface.
type stdTx struct {
	tx *sql.Tx
}

// Exec executes a statement inside the transaction.
func (s *stdTx) Exec(ctx context.Context, query string) (DBResult, error) {
	result, err := s.tx.ExecContext(ctx, query)
	if err != nil {
		return nil, err
	}

	return &stdResult{result: result}, nil
}

// withinSQLTx implements WithinTx over a database/sql transaction starter,
// shared by the sql.DB and sqlx.DB adapters.
func withinSQLTx(
	ctx context.Context,
	begin func(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error),
	fn func(tx DBTx) error,
) error {

	tx, err := begin(ctx, nil)
	if err != nil {
		return err
	}

	if fnErr := fn(&stdTx{tx: tx}); fnErr != nil {
		_ = tx.Rollback()
		return fnErr
	}

	return tx.Commit()
}
