// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/launchpadhq/lpdb/cmd/flags"
	"github.com/launchpadhq/lpdb/pkg/db"
)

// Version is the lpdb version
var Version = "development"

func init() {
	viper.SetEnvPrefix("LPDB")
	viper.AutomaticEnv()

	// DATABASE_URL substitutes for --db-url
	viper.BindEnv("DB_URL", "LPDB_DB_URL", "DATABASE_URL")

	flags.ConnectionFlags(rootCmd)
}

var rootCmd = &cobra.Command{
	Use:          "lpdb",
	Short:        "Multi-tenant database engine: branches, migrations and seeds",
	SilenceUsage: true,
	Version:      Version,
}

func newLogger() zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
}

func newDriver(ctx context.Context) (*db.Driver, error) {
	dbURL := flags.DatabaseURL()
	if dbURL == "" {
		return nil, errMissingDatabaseURL
	}
	return db.Open(ctx, dbURL, db.WithLogger(newLogger()))
}

// Execute executes the root command.
func Execute() error {
	// register subcommands
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(seedCmd())
	rootCmd.AddCommand(branchCmd())

	return rootCmd.Execute()
}
