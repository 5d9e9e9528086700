// SPDX-License-Identifier: Apache-2.0

package flags

import (
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func DatabaseURL() string {
	return viper.GetString("DB_URL")
}

func MigrationsDir() string {
	return viper.GetString("MIGRATIONS")
}

func SeedsDir() string {
	return viper.GetString("SEEDS")
}

func Scope() string {
	return viper.GetString("SCOPE")
}

func TemplateKey() string {
	return viper.GetString("TEMPLATE_KEY")
}

func ConnectionFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().String("db-url", "", "Database URL (postgres://, mysql:// or sqlite://)")
	cmd.PersistentFlags().String("migrations", "./migrations", "Directory containing migration files")
	cmd.PersistentFlags().String("seeds", "./seeds", "Directory containing seed files")
	cmd.PersistentFlags().String("scope", "core", "Migration scope (core or template)")
	cmd.PersistentFlags().String("template-key", "", "Template key for template-scoped migrations")

	viper.BindPFlag("DB_URL", cmd.PersistentFlags().Lookup("db-url"))
	viper.BindPFlag("MIGRATIONS", cmd.PersistentFlags().Lookup("migrations"))
	viper.BindPFlag("SEEDS", cmd.PersistentFlags().Lookup("seeds"))
	viper.BindPFlag("SCOPE", cmd.PersistentFlags().Lookup("scope"))
	viper.BindPFlag("TEMPLATE_KEY", cmd.PersistentFlags().Lookup("template-key"))
}
