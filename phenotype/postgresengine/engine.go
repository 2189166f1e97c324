package postgresengine

import (
	"database/sql"
	"errors"
	"math"
	"time"

	_ "github.com/doug-martin/goqu/v9/dialect/postgres" // driver import
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmoiron/sqlx"

	"github.com/elhadadlab/fair-phenotype/phenotype/postgresengine/internal/adapters"
)

const (
	defaultCDMSchema     = "cdm"
	defaultResultsSchema = "results"
	defaultCohortTable   = "cohort"

	dialectPostgres = "postgres"

	logMsgBuildQueryFailed = "failed to build query"
	logMsgDBQueryFailed    = "database query execution failed"
	logMsgCloseRowsFailed  = "failed to close database rows"
	logMsgScanRowFailed    = "failed to scan database row"
	logMsgEventsFetched    = "clinical events fetched"
	logMsgPeriodsFetched   = "observation periods fetched"
	logMsgCodeSetResolved  = "code set resolved"
	logMsgCohortReplaced   = "cohort replaced"
	logMsgSQLExecuted      = "executed sql for: "
	logAttrError           = "error"
	logAttrQuery           = "query"
	logAttrKind            = "event_kind"
	logAttrCodeSetID       = "code_set_id"
	logAttrCohortID        = "cohort_id"
	logAttrRowCount        = "row_count"
	logAttrDurationMS      = "duration_ms"
)

var ErrNilDatabaseConnection = errors.New("database connection must not be nil")
var ErrEmptySchemaName = errors.New("empty schema name supplied")
var ErrEmptyCohortTableName = errors.New("empty cohort table name supplied")

// Logger interface for SQL query logging, operational messages, warnings,
// and error reporting.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Engine serves the cohort pipeline's external collaborators from an
// OMOP-style PostgreSQL store: the clinical event source, the observation
// period lookup, the concept-set resolver, and the transactional cohort sink.
type Engine struct {
	db            adapters.DBAdapter
	cdmSchema     string
	resultsSchema string
	cohortTable   string
	logger        Logger
}

// Option defines a functional option for configuring an Engine.
type Option func(*Engine) error

// WithCDMSchema sets the schema holding the clinical tables.
func WithCDMSchema(schema string) Option {
	return func(e *Engine) error {
		if schema == "" {
			return ErrEmptySchemaName
		}

		e.cdmSchema = schema

		return nil
	}
}

// WithResultsSchema sets the schema holding the cohort output table.
func WithResultsSchema(schema string) Option {
	return func(e *Engine) error {
		if schema == "" {
			return ErrEmptySchemaName
		}

		e.resultsSchema = schema

		return nil
	}
}

// WithCohortTable sets the cohort output table name.
func WithCohortTable(table string) Option {
	return func(e *Engine) error {
		if table == "" {
			return ErrEmptyCohortTableName
		}

		e.cohortTable = table

		return nil
	}
}

// WithLogger sets the engine logger. Debug level carries SQL with timing,
// info level carries row counts and durations, error level carries failures.
func WithLogger(logger Logger) Option {
	return func(e *Engine) error {
		e.logger = logger
		return nil
	}
}

// NewEngineFromPGXPool creates an Engine using a pgx pool.
func NewEngineFromPGXPool(db *pgxpool.Pool, options ...Option) (*Engine, error) {
	if db == nil {
		return nil, ErrNilDatabaseConnection
	}

	return newEngine(adapters.NewPGXAdapter(db), options...)
}

// NewEngineFromSQLDB creates an Engine using a sql.DB.
func NewEngineFromSQLDB(db *sql.DB, options ...Option) (*Engine, error) {
	if db == nil {
		return nil, ErrNilDatabaseConnection
	}

	return newEngine(adapters.NewSQLAdapter(db), options...)
}

// NewEngineFromSQLX creates an Engine using a sqlx.DB.
func NewEngineFromSQLX(db *sqlx.DB, options ...Option) (*Engine, error) {
	if db == nil {
		return nil, ErrNilDatabaseConnection
	}

	return newEngine(adapters.NewSQLXAdapter(db), options...)
}

func newEngine(db adapters.DBAdapter, options ...Option) (*Engine, error) {
	e := &Engine{
		db:            db,
		cdmSchema:     defaultCDMSchema,
		resultsSchema: defaultResultsSchema,
		cohortTable:   defaultCohortTable,
	}

	for _, option := range options {
		if err := option(e); err != nil {
			return nil, err
		}
	}

	return e, nil
}

func (e *Engine) closeRows(rows adapters.DBRows) {
	if closeErr := rows.Close(); closeErr != nil {
		if e.logger != nil {
			e.logger.Warn(logMsgCloseRowsFailed, logAttrError, closeErr.Error())
		}
	}
}

func (e *Engine) logQueryWithDuration(sqlQuery string, action string, duration time.Duration) {
	if e.logger != nil {
		e.logger.Debug(logMsgSQLExecuted+action, logAttrDurationMS, durationToMilliseconds(duration), logAttrQuery, sqlQuery)
	}
}

func (e *Engine) logInfo(msg string, args ...any) {
	if e.logger != nil {
		e.logger.Info(msg, args...)
	}
}

func (e *Engine) logError(msg string, args ...any) {
	if e.logger != nil {
		e.logger.Error(msg, args...)
	}
}

// durationToMilliseconds converts a time.Duration to float64 milliseconds
// with 3 decimal places.
func durationToMilliseconds(d time.Duration) float64 {
	return math.Round(float64(d.Nanoseconds())/1e6*1000) / 1000
}
