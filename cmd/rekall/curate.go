package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/guthubrx/rekall-sub000/internal/app"
	"github.com/guthubrx/rekall-sub000/internal/connectors"
)

func curateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "curate",
		Short: "Curate captured sources and entry suggestions",
		Long: `Curate captured sources and entries. Without a subcommand, run a full pass:
enrich pending URLs, rescore and auto-promote them, rescore entry
lifecycles and refresh consolidation and link suggestions.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				report, err := a.Curate(ctx)
				if err != nil {
					return err
				}
				return printJSON(report)
			})
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "promote [staging-id]",
		Short: "Promote a staged URL to a source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				src, err := a.Promoter.Promote(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(src)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "demote [source-id]",
		Short: "Remove a promoted source and reopen its staging record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if err := a.Promoter.Demote(ctx, args[0]); err != nil {
					return err
				}
				fmt.Printf("Demoted %s\n", args[0])
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "auto",
		Short: "Rescore staged URLs and promote every eligible one",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				changed, err := a.Promoter.Recalculate(ctx)
				if err != nil {
					return err
				}
				promoted, err := a.Promoter.AutoPromote(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Rescored %d, promoted %d\n", changed, len(promoted))
				for _, src := range promoted {
					fmt.Printf("  %s  %s\n", src.ID, src.URL)
				}
				return nil
			})
		},
	})

	var enrichLimit int
	enrich := &cobra.Command{
		Use:   "enrich",
		Short: "Fetch metadata for staged URLs not yet enriched",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				res, err := a.Enricher.EnrichPending(ctx, enrichLimit)
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	enrich.Flags().IntVarP(&enrichLimit, "limit", "l", 0, "maximum URLs to enrich (0 for all)")
	cmd.AddCommand(enrich)

	cmd.AddCommand(&cobra.Command{
		Use:   "consolidate",
		Short: "Rescore entry lifecycles and refresh consolidation and link suggestions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				lifecycle, err := a.Lifecycle.Consolidate(ctx)
				if err != nil {
					return err
				}
				clusters, err := a.Consolidator.Suggest(ctx)
				if err != nil {
					return err
				}
				links, err := a.Memory.SuggestLinks(ctx)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{
					"lifecycle":                lifecycle,
					"consolidationSuggestions": clusters,
					"linkSuggestions":          links,
				})
			})
		},
	})

	return cmd
}

func connectorsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "connectors",
		Short: "Capture URLs from AI CLI conversation histories",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List configured connectors and whether their history exists",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if len(a.Config.Connectors) == 0 {
					fmt.Println("No connectors configured")
					return nil
				}
				for _, cc := range a.Config.Connectors {
					c, err := a.Connector(cc.Name)
					if err != nil {
						return err
					}
					fmt.Printf("%-20s %-10s available=%t\n", cc.Name, cc.Kind, c.IsAvailable())
				}
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "scan [name...]",
		Short: "Scan connector histories changed since the last run",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				names := args
				if len(names) == 0 {
					for _, cc := range a.Config.Connectors {
						names = append(names, cc.Name)
					}
				}
				results := make([]connectors.ScanResult, 0, len(names))
				for _, name := range names {
					c, err := a.Connector(name)
					if err != nil {
						return err
					}
					if !c.IsAvailable() {
						a.Logger.Info("connector history not found, skipping", "connector", name)
						continue
					}
					res, err := a.Scanner.Scan(ctx, c)
					if err != nil {
						return fmt.Errorf("scan %s: %w", name, err)
					}
					results = append(results, res)
				}
				return printJSON(results)
			})
		},
	})

	return cmd
}
