// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"os"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/launchpadhq/lpdb/cmd/flags"
	"github.com/launchpadhq/lpdb/pkg/seed"
)

func seedCmd() *cobra.Command {
	var force bool
	var fresh bool
	var dryRun bool
	var only string
	var allowProduction bool

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Run data seeders in dependency order",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			drv, err := newDriver(ctx)
			if err != nil {
				return err
			}
			defer drv.Close()

			r := seed.NewRunner(drv, seed.WithLogger(newLogger()))
			if err := r.Init(ctx); err != nil {
				return err
			}

			seeders, err := seed.LoadDir(os.DirFS(flags.SeedsDir()))
			if err != nil {
				return err
			}
			r.Register(seeders...)

			res, err := r.Run(ctx, seed.Options{
				Force:           force,
				Fresh:           fresh,
				DryRun:          dryRun,
				Only:            only,
				AllowProduction: allowProduction,
			})
			if err != nil {
				return err
			}

			rows := pterm.TableData{{"Seeder", "Status", "Records", "Took"}}
			for _, sr := range res.Results {
				rows = append(rows, []string{
					sr.Name, string(sr.Status),
					pterm.Sprintf("%d", sr.Count), sr.Duration.String(),
				})
			}
			if err := pterm.DefaultTable.WithHasHeader().WithData(rows).Render(); err != nil {
				return err
			}

			pterm.Success.Printf("Seeded %d record(s)\n", res.TotalCount)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Re-run seeders that were already executed")
	cmd.Flags().BoolVar(&fresh, "fresh", false, "Truncate seeder tables before running")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Run each seeder in a rolled-back transaction")
	cmd.Flags().StringVar(&only, "only", "", "Run a single seeder plus its dependencies")
	cmd.Flags().BoolVar(&allowProduction, "allow-production", false, "Allow seeding a production environment")
	return cmd
}
