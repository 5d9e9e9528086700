// SPDX-License-Identifier: Apache-2.0

package cmd

import (
	"context"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/launchpadhq/lpdb/pkg/branch"
	"github.com/launchpadhq/lpdb/pkg/db"
	"github.com/launchpadhq/lpdb/pkg/shutdown"
)

func branchCmd() *cobra.Command {
	branchCmd := &cobra.Command{
		Use:   "branch",
		Short: "Create, inspect and clean up database branches",
	}

	branchCmd.AddCommand(branchCreateCmd())
	branchCmd.AddCommand(branchListCmd())
	branchCmd.AddCommand(branchDeleteCmd())
	branchCmd.AddCommand(branchProtectCmd(true))
	branchCmd.AddCommand(branchProtectCmd(false))
	branchCmd.AddCommand(branchRenameCmd)
	branchCmd.AddCommand(branchCleanupCmd())

	return branchCmd
}

func newBranchManager(ctx context.Context) (*branch.Manager, *db.Driver, error) {
	drv, err := newDriver(ctx)
	if err != nil {
		return nil, nil, err
	}

	store := branch.NewStore(drv, branch.WithStoreLogger(newLogger()))
	if err := store.Init(ctx); err != nil {
		drv.Close()
		return nil, nil, err
	}

	return branch.NewManager(drv, store, branch.WithManagerLogger(newLogger())), drv, nil
}

func branchCreateCmd() *cobra.Command {
	var parent string
	var copyData bool
	var piiMasking bool
	var gitBranch string
	var createdBy string

	cmd := &cobra.Command{
		Use:       "create <name>",
		Short:     "Create a new branch, optionally cloned from a parent",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"name"},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			m, drv, err := newBranchManager(ctx)
			if err != nil {
				return err
			}
			defer drv.Close()

			b, err := m.Create(ctx, branch.CreateOptions{
				Name:       args[0],
				ParentSlug: parent,
				CopyData:   copyData,
				PIIMasking: piiMasking,
				GitBranch:  gitBranch,
				CreatedBy:  createdBy,
			})
			if err != nil {
				return err
			}

			pterm.Success.Printf("Created branch %q (schema %s)\n", b.Slug, b.SchemaName)
			return nil
		},
	}

	cmd.Flags().StringVar(&parent, "parent", "", "Clone structure from this branch")
	cmd.Flags().BoolVar(&copyData, "copy-data", false, "Copy data from the parent branch")
	cmd.Flags().BoolVar(&piiMasking, "pii-masking", false, "Apply configured masking expressions to copied data")
	cmd.Flags().StringVar(&gitBranch, "git-branch", "", "Associated git branch")
	cmd.Flags().StringVar(&createdBy, "created-by", "", "Branch owner")
	return cmd
}

func branchListCmd() *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List branches",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			m, drv, err := newBranchManager(ctx)
			if err != nil {
				return err
			}
			defer drv.Close()

			branches, err := m.List(ctx, branch.Filter{Status: branch.Status(status)})
			if err != nil {
				return err
			}

			rows := pterm.TableData{{"Slug", "Schema", "Status", "Protected", "Last Accessed"}}
			for _, b := range branches {
				protected := ""
				if b.IsProtected {
					protected = "yes"
				}
				rows = append(rows, []string{
					b.Slug, b.SchemaName, string(b.Status), protected,
					b.LastAccessedAt.Format("2006-01-02 15:04:05"),
				})
			}
			return pterm.DefaultTable.WithHasHeader().WithData(rows).Render()
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by status (active, stale, protected, deleting)")
	return cmd
}

func branchDeleteCmd() *cobra.Command {
	var hard bool

	cmd := &cobra.Command{
		Use:       "delete <slug>",
		Short:     "Delete a branch and drop its schema",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"slug"},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			m, drv, err := newBranchManager(ctx)
			if err != nil {
				return err
			}
			defer drv.Close()

			if err := m.Delete(ctx, args[0], hard); err != nil {
				return err
			}
			pterm.Success.Printf("Deleted branch %q\n", args[0])
			return nil
		},
	}

	cmd.Flags().BoolVar(&hard, "hard", false, "Delete even when the branch is protected")
	return cmd
}

func branchProtectCmd(protect bool) *cobra.Command {
	use, short := "protect <slug>", "Protect a branch from cleanup"
	if !protect {
		use, short = "unprotect <slug>", "Remove a branch's cleanup protection"
	}

	return &cobra.Command{
		Use:       use,
		Short:     short,
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"slug"},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			m, drv, err := newBranchManager(ctx)
			if err != nil {
				return err
			}
			defer drv.Close()

			if protect {
				err = m.Protect(ctx, args[0])
			} else {
				err = m.Unprotect(ctx, args[0])
			}
			if err != nil {
				return err
			}
			pterm.Success.Printf("Updated branch %q\n", args[0])
			return nil
		},
	}
}

var branchRenameCmd = &cobra.Command{
	Use:       "rename <slug> <name>",
	Short:     "Rename a branch (slug and schema are immutable)",
	Args:      cobra.ExactArgs(2),
	ValidArgs: []string{"slug", "name"},
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		m, drv, err := newBranchManager(ctx)
		if err != nil {
			return err
		}
		defer drv.Close()

		if err := m.Rename(ctx, args[0], args[1]); err != nil {
			return err
		}
		pterm.Success.Printf("Renamed branch %q\n", args[0])
		return nil
	},
}

func branchCleanupCmd() *cobra.Command {
	var dryRun bool
	var skipProtected bool
	var maxAgeDays int
	var watch bool
	var interval time.Duration

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete stale branches, once or on a schedule",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			m, drv, err := newBranchManager(ctx)
			if err != nil {
				return err
			}
			defer drv.Close()

			sched := branch.NewScheduler(m.Store(), m,
				branch.WithSchedulerLogger(newLogger()),
				branch.WithMaxAge(time.Duration(maxAgeDays)*24*time.Hour),
				branch.WithInterval(interval))

			if watch {
				// long-running mode: drain in-flight work on SIGTERM/SIGINT
				handler := shutdown.NewHandler(drv,
					shutdown.WithLogger(newLogger()), shutdown.WithAutoExit())
				unregister := handler.Register()
				defer unregister()

				sched.Start()
				defer sched.Stop()

				<-handler.Done()
				return nil
			}

			res, err := sched.RunCleanup(ctx, branch.CleanupOptions{
				MaxAge:        time.Duration(maxAgeDays) * 24 * time.Hour,
				DryRun:        dryRun,
				SkipProtected: skipProtected,
			})
			if err != nil {
				return err
			}

			for _, slug := range res.Deleted {
				pterm.Printf("deleted %s\n", slug)
			}
			for _, sk := range res.Skipped {
				pterm.Printf("skipped %s: %s\n", sk.Slug, sk.Reason)
			}
			pterm.Success.Printf("Cleanup finished: %d deleted, %d skipped\n", len(res.Deleted), len(res.Skipped))
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "Report stale branches without deleting them")
	cmd.Flags().BoolVar(&skipProtected, "skip-protected", true, "Exclude protected branches")
	cmd.Flags().IntVar(&maxAgeDays, "max-age-days", 7, "Staleness horizon in days")
	cmd.Flags().BoolVar(&watch, "watch", false, "Keep running and sweep on an interval")
	cmd.Flags().DurationVar(&interval, "interval", branch.DefaultCleanupInterval, "Sweep interval in watch mode")
	return cmd
}
