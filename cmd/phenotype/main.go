// Command phenotype runs cohort pipelines against an OMOP-shaped Postgres
// database, manages the results schema migrations, and reports fairness
// metrics over finished cohorts.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"

	"github.com/elhadadlab/fair-phenotype/fairness"
	"github.com/elhadadlab/fair-phenotype/phenotype"
	"github.com/elhadadlab/fair-phenotype/phenotype/oteladapters"
	"github.com/elhadadlab/fair-phenotype/phenotype/postgresengine"
)

const otelScope = "github.com/elhadadlab/fair-phenotype"

func main() {
	root := &cobra.Command{
		Use:           "phenotype",
		Short:         "Cohort episode identification over an OMOP Postgres store",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(runCmd(), migrateCmd(), fairnessCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var definitionPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one cohort definition and replace its rows in the results schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := LoadConfig()
			if err != nil {
				return err
			}

			logger := newLogger(cfg.LogLevel)
			ctx := cmd.Context()

			data, err := os.ReadFile(definitionPath)
			if err != nil {
				return fmt.Errorf("read definition: %w", err)
			}

			def, err := phenotype.DefinitionFromJSON(data)
			if err != nil {
				return err
			}

			pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			defer pool.Close()

			engine, err := newEngine(pool, cfg, logger)
			if err != nil {
				return err
			}

			options := []phenotype.PipelineOption{
				phenotype.WithWorkers(cfg.Workers),
				phenotype.WithLogger(logger),
			}
			if cfg.Otel {
				options = append(options, otelOptions()...)
			}

			pipeline, err := phenotype.NewPipeline(def, engine, engine, engine, options...)
			if err != nil {
				return err
			}

			result, err := pipeline.Run(ctx)
			if err != nil {
				return err
			}

			fmt.Printf(
				"run %s: %d subjects, %d qualified, %d included, %d eras written in %s\n",
				result.RunID, result.Subjects, result.Qualified, result.Included, result.Eras, result.Duration,
			)

			return nil
		},
	}

	cmd.Flags().StringVarP(&definitionPath, "definition", "d", "", "path to the cohort definition JSON")
	_ = cmd.MarkFlagRequired("definition")

	return cmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the results schema",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: func(*cobra.Command, []string) error {
				return runMigration(func(m *migrate.Migrate) error { return m.Up() })
			},
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the most recent migration",
			RunE: func(*cobra.Command, []string) error {
				return runMigration(func(m *migrate.Migrate) error { return m.Steps(-1) })
			},
		},
	)

	return cmd
}

func runMigration(apply func(*migrate.Migrate) error) error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}

	m, err := migrate.New("file://"+cfg.MigrationsPath, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}
	defer func() { _, _ = m.Close() }()

	if err := apply(m); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			fmt.Println("no pending migrations")
			return nil
		}

		return fmt.Errorf("migrate: %w", err)
	}

	fmt.Println("migrations applied")

	return nil
}

func fairnessCmd() *cobra.Command {
	var cohortIDs []int64

	cmd := &cobra.Command{
		Use:   "fairness",
		Short: "Report demographic parity, opportunity, and predictive rate gaps across cohorts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := LoadConfig()
			if err != nil {
				return err
			}

			logger := newLogger(cfg.LogLevel)
			ctx := cmd.Context()

			pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			defer pool.Close()

			engine, err := newEngine(pool, cfg, logger)
			if err != nil {
				return err
			}

			return reportFairness(ctx, engine, cohortIDs)
		},
	}

	cmd.Flags().Int64SliceVarP(&cohortIDs, "cohorts", "c", nil, "cohort definition ids to compare")
	_ = cmd.MarkFlagRequired("cohorts")

	return cmd
}

func reportFairness(ctx context.Context, engine *postgresengine.Engine, cohortIDs []int64) error {
	members, err := engine.FetchCohortMembers(ctx, cohortIDs)
	if err != nil {
		return err
	}

	totals, err := engine.CountByClass(ctx)
	if err != nil {
		return err
	}

	cohorts := fairness.CohortsFromMembers(members, cohortIDs)

	parity, err := fairness.DemographicParity(cohorts, totals, fairness.ClassMale, fairness.ClassFemale)
	if err != nil {
		return err
	}

	opportunity, err := fairness.EqualityOfOpportunity(cohorts, fairness.ClassMale, fairness.ClassFemale)
	if err != nil {
		return err
	}

	predictive, err := fairness.PredictiveRateParity(cohorts, fairness.ClassMale, fairness.ClassFemale)
	if err != nil {
		return err
	}

	for i, c := range cohorts {
		fmt.Printf(
			"cohort %d: members=%d parity_gap=%.4f opportunity_gap=%.4f predictive_gap=%.4f\n",
			c.ID, len(c.Members), parity[i], opportunity[i], predictive[i],
		)
	}

	return nil
}

// otelOptions routes pipeline logs, metrics, and traces through the global
// OpenTelemetry providers. The later WithLogger wins over the zerolog one
// passed before it.
func otelOptions() []phenotype.PipelineOption {
	return []phenotype.PipelineOption{
		phenotype.WithLogger(oteladapters.NewSlogBridgeLogger(otelScope)),
		phenotype.WithMetrics(oteladapters.NewMetricsCollector(otel.Meter(otelScope))),
		phenotype.WithTracing(oteladapters.NewTracingCollector(otel.Tracer(otelScope))),
	}
}

func newEngine(pool *pgxpool.Pool, cfg *Config, logger *zerologAdapter) (*postgresengine.Engine, error) {
	return postgresengine.NewEngineFromPGXPool(
		pool,
		postgresengine.WithCDMSchema(cfg.CDMSchema),
		postgresengine.WithResultsSchema(cfg.ResultsSchema),
		postgresengine.WithCohortTable(cfg.CohortTable),
		postgresengine.WithLogger(logger),
	)
}
