package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/guthubrx/rekall-sub000/internal/app"
	"github.com/guthubrx/rekall-sub000/internal/archive"
	"github.com/guthubrx/rekall-sub000/internal/importer"
)

// readArchive loads records from a JSON export or a zstd snapshot.
func readArchive(path string) ([]archive.Record, error) {
	if strings.HasSuffix(path, ".zst") {
		_, records, err := archive.ReadSnapshot(path)
		return records, err
	}

	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open archive: %w", err)
		}
		defer f.Close()
		r = f
	}
	a, err := archive.Decode(r)
	if err != nil {
		return nil, err
	}
	return a.Records()
}

func importCmd() *cobra.Command {
	var (
		strategy string
		dryRun   bool
	)
	cmd := &cobra.Command{
		Use:   "import [file]",
		Short: "Import entries from an export or snapshot",
		Long: `Import entries from a JSON export, a .json.zst snapshot, or "-" for stdin.
Entries whose id exists locally with different content are conflicts and are
resolved by --strategy: skip keeps the local entry, replace overwrites it
after writing a snapshot, merge adds the imported one under a new id.

Examples:
  rekall import export.json --dry-run
  rekall import export.json --strategy merge`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := importer.ParseStrategy(strategy)
			if err != nil {
				return err
			}
			records, err := readArchive(args[0])
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if dryRun {
					plan, err := a.Importer.Plan(ctx, records)
					if err != nil {
						return err
					}
					fmt.Printf("new: %d  identical: %d  conflicts: %d\n", len(plan.New), len(plan.Identical), len(plan.Conflicts))
					for _, c := range plan.Conflicts {
						fmt.Printf("  %s  %q  differs in %s\n", c.ID, c.Local.Title, strings.Join(c.Fields, ", "))
					}
					return nil
				}
				res, err := a.Import(ctx, records, st)
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().StringVarP(&strategy, "strategy", "s", string(importer.StrategySkip), "conflict strategy: skip, replace or merge")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the plan without writing")
	return cmd
}

func exportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export [file]",
		Short: "Export every entry with its context as JSON",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				records, err := archive.Export(ctx, a.DB)
				if err != nil {
					return err
				}
				arc, err := archive.Build(records, time.Now())
				if err != nil {
					return err
				}
				if len(args) == 0 || args[0] == "-" {
					return arc.Encode(os.Stdout)
				}

				f, err := os.Create(args[0])
				if err != nil {
					return fmt.Errorf("create export: %w", err)
				}
				if err := arc.Encode(f); err != nil {
					f.Close()
					return err
				}
				if err := f.Close(); err != nil {
					return err
				}
				fmt.Fprintf(os.Stderr, "Exported %d entries to %s\n", arc.Manifest.Stats.Entries, args[0])
				return nil
			})
		},
	}
}

func backupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Create, validate and restore database backups",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "create",
		Short: "Copy the database into the backup directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				path, err := archive.CreateBackup(ctx, a.DB, a.Config.BackupDir)
				if err != nil {
					return err
				}
				fmt.Println(path)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate [path]",
		Short: "Run an integrity check on a backup",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := archive.ValidateBackup(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Println("ok")
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "restore [path]",
		Short: "Replace the database with a validated backup",
		Long: `Replace the database with a validated backup. Stop any running
rekall serve or mcp process first.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if err := archive.RestoreBackup(cmd.Context(), args[0], cfg.DBPath); err != nil {
				return err
			}
			logger.Info("database restored", "backup", args[0], "db", cfg.DBPath)
			fmt.Printf("Restored %s from %s\n", cfg.DBPath, args[0])
			return nil
		},
	})

	return cmd
}
