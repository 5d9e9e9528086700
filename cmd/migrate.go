// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/launchpadhq/lpdb/cmd/flags"
	"github.com/launchpadhq/lpdb/pkg/migrations"
)

func migrateCmd() *cobra.Command {
	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply, roll back and inspect schema migrations",
	}

	migrateCmd.AddCommand(migrateUpCmd())
	migrateCmd.AddCommand(migrateDownCmd())
	migrateCmd.AddCommand(migrateStatusCmd)
	migrateCmd.AddCommand(migrateVerifyCmd)
	migrateCmd.AddCommand(migrateCreateCmd)

	return migrateCmd
}

func newMigrationRunner(ctx context.Context) (*migrations.Runner, func(), error) {
	drv, err := newDriver(ctx)
	if err != nil {
		return nil, nil, err
	}

	dir := flags.MigrationsDir()
	info, err := os.Stat(dir)
	if err != nil {
		drv.Close()
		return nil, nil, fmt.Errorf("failed to stat migrations directory: %w", err)
	}
	if !info.IsDir() {
		drv.Close()
		return nil, nil, fmt.Errorf("migrations path %q is not a directory", dir)
	}

	r := migrations.NewRunner(drv, os.DirFS(dir),
		migrations.WithScope(flags.Scope(), flags.TemplateKey()),
		migrations.WithLogger(newLogger()))

	if err := r.Init(ctx); err != nil {
		drv.Close()
		return nil, nil, err
	}
	return r, func() { drv.Close() }, nil
}

func migrateUpCmd() *cobra.Command {
	var steps int
	var toVersion int64
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations in ascending order",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			r, cleanup, err := newMigrationRunner(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			res, err := r.Up(ctx, migrations.UpOptions{Steps: steps, ToVersion: toVersion, DryRun: dryRun})
			if err != nil {
				return err
			}

			if dryRun {
				for _, m := range res.Applied {
					pterm.Printf("would apply %s\n", m.Filename)
				}
				return nil
			}
			if len(res.Applied) == 0 {
				pterm.Println("Database is up to date; no migrations to apply")
				return nil
			}
			pterm.Success.Printf("Applied %d migration(s)\n", len(res.Applied))
			return nil
		},
	}

	cmd.Flags().IntVar(&steps, "steps", 0, "Maximum number of migrations to apply")
	cmd.Flags().Int64Var(&toVersion, "to-version", 0, "Apply migrations up to this version")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print the plan without executing it")
	return cmd
}

func migrateDownCmd() *cobra.Command {
	var steps int
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back the most recently applied migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			r, cleanup, err := newMigrationRunner(ctx)
			if err != nil {
				return err
			}
			defer cleanup()

			res, err := r.Down(ctx, migrations.DownOptions{Steps: steps, DryRun: dryRun})
			if err != nil {
				return err
			}

			if dryRun {
				for _, m := range res.RolledBack {
					pterm.Printf("would roll back %s\n", m.Filename)
				}
				return nil
			}
			pterm.Success.Printf("Rolled back %d migration(s)\n", len(res.RolledBack))
			return nil
		},
	}

	cmd.Flags().IntVar(&steps, "steps", 1, "Number of migrations to roll back")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Print the plan without executing it")
	return cmd
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show applied and pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		r, cleanup, err := newMigrationRunner(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		status, err := r.Status(ctx)
		if err != nil {
			return err
		}

		rows := pterm.TableData{{"Version", "Name", "State", "Applied At"}}
		for _, rec := range status.Applied {
			rows = append(rows, []string{
				fmt.Sprintf("%d", rec.Version), rec.Name, "applied",
				rec.AppliedAt.Format("2006-01-02 15:04:05"),
			})
		}
		for _, m := range status.Pending {
			rows = append(rows, []string{fmt.Sprintf("%d", m.Version), m.Name, "pending", ""})
		}

		return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
	},
}

var migrateVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Recompute checksums of applied migrations and report drift",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		r, cleanup, err := newMigrationRunner(ctx)
		if err != nil {
			return err
		}
		defer cleanup()

		drift, err := r.Verify(ctx)
		if err != nil {
			return err
		}

		if len(drift) == 0 {
			pterm.Success.Println("All applied migrations match their files")
			return nil
		}

		for _, d := range drift {
			pterm.Error.Printf("%d_%s: expected %s, actual %s\n", d.Version, d.Name, d.Expected, d.Actual)
		}
		return fmt.Errorf("%d migration(s) drifted", len(drift))
	},
}

var migrateCreateCmd = &cobra.Command{
	Use:       "create <name>",
	Short:     "Scaffold the next migration file",
	Args:      cobra.ExactArgs(1),
	ValidArgs: []string{"name"},
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := migrations.CreateFile(flags.MigrationsDir(), args[0])
		if err != nil {
			return err
		}
		pterm.Success.Printf("Created %s\n", path)
		return nil
	},
}
