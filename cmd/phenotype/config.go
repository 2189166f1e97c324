package main

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config carries everything the CLI needs, loaded from environment variables
// with the PHENOTYPE_ prefix (PHENOTYPE_DATABASE_URL and so on).
type Config struct {
	DatabaseURL    string `mapstructure:"database_url"`
	CDMSchema      string `mapstructure:"cdm_schema"`
	ResultsSchema  string `mapstructure:"results_schema"`
	CohortTable    string `mapstructure:"cohort_table"`
	MigrationsPath string `mapstructure:"migrations_path"`
	Workers        int    `mapstructure:"workers"`
	LogLevel       string `mapstructure:"log_level"`
	Otel           bool   `mapstructure:"otel"`
}

// LoadConfig reads configuration from the environment, applying defaults for
// everything except the database URL.
func LoadConfig() (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PHENOTYPE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("database_url", "")
	v.SetDefault("cdm_schema", "cdm")
	v.SetDefault("results_schema", "results")
	v.SetDefault("cohort_table", "cohort")
	v.SetDefault("migrations_path", "migrations")
	v.SetDefault("workers", 8)
	v.SetDefault("log_level", "info")
	v.SetDefault("otel", false)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("PHENOTYPE_DATABASE_URL is required")
	}

	return &cfg, nil
}
