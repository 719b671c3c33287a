package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/guthubrx/rekall-sub000/internal/app"
	"github.com/guthubrx/rekall-sub000/internal/embedding"
	"github.com/guthubrx/rekall-sub000/internal/models"
	"github.com/guthubrx/rekall-sub000/internal/search"
	"github.com/guthubrx/rekall-sub000/internal/store"
)

func addCmd() *cobra.Command {
	var (
		req        models.AddEntryRequest
		typ        string
		memoryType string
		confidence int
		situation  string
		solution   string
		keywords   []string
	)
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Record a knowledge entry",
		Long: `Record a knowledge entry. Content is read from stdin when --content is "-".

Examples:
  rekall add --title "WAL mode" --type decision --content "enable journal_mode=WAL"
  git log -1 --format=%B | rekall add --title "Release fix" --type bug --content -`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if req.Content == "-" {
				data, err := io.ReadAll(os.Stdin)
				if err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
				req.Content = string(data)
			}
			req.Type = models.EntryType(typ)
			req.MemoryType = models.MemoryType(memoryType)
			if cmd.Flags().Changed("confidence") {
				req.Confidence = &confidence
			}
			if situation != "" || solution != "" {
				req.Context = &models.StructuredContext{
					Situation:       situation,
					Solution:        solution,
					TriggerKeywords: keywords,
				}
				if len(keywords) > 0 {
					req.Context.ExtractionMethod = models.ExtractionManual
				}
			}

			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				resp, err := a.Memory.Add(ctx, &req)
				if err != nil {
					return err
				}
				return printJSON(resp)
			})
		},
	}
	cmd.Flags().StringVar(&req.Title, "title", "", "entry title")
	cmd.Flags().StringVarP(&typ, "type", "t", "", "entry type (bug, pattern, decision, pitfall, config, reference)")
	cmd.Flags().StringVar(&req.Content, "content", "", `entry content, or "-" for stdin`)
	cmd.Flags().StringVarP(&req.Project, "project", "p", "", "project name")
	cmd.Flags().StringSliceVar(&req.Tags, "tags", nil, "comma separated tags")
	cmd.Flags().IntVar(&confidence, "confidence", models.DefaultConfidence, "confidence 0-5")
	cmd.Flags().StringVar(&memoryType, "memory-type", "", "episodic or semantic")
	cmd.Flags().StringVar(&situation, "situation", "", "structured context: situation")
	cmd.Flags().StringVar(&solution, "solution", "", "structured context: solution")
	cmd.Flags().StringSliceVar(&keywords, "keywords", nil, "structured context: trigger keywords")
	cmd.Flags().StringVar(&req.ConversationContext, "conversation", "", "conversation excerpt to embed alongside")
	cmd.MarkFlagRequired("title")
	cmd.MarkFlagRequired("type")
	return cmd
}

func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get [id]",
		Short: "Show an entry with its context and links",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				e, err := a.Memory.Get(ctx, args[0], true)
				if err != nil {
					return err
				}
				if e == nil {
					return fmt.Errorf("entry %s: %w", args[0], models.ErrNotFound)
				}
				c, err := a.Memory.Context(ctx, e.ID)
				if err != nil {
					return err
				}
				outgoing, incoming, err := a.Memory.Links(ctx, e.ID)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{
					"entry":    e,
					"context":  c,
					"outgoing": outgoing,
					"incoming": incoming,
				})
			})
		},
	}
}

func searchCmd() *cobra.Command {
	var (
		limit   int
		typ     string
		project string
		mode    string
		all     bool
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Search the knowledge base",
		Long: `Search the knowledge base. The default hybrid mode fuses full-text,
semantic and keyword scores; text and semantic run one signal alone.

Examples:
  rekall search "database is locked"
  rekall search "cache eviction" --type pattern --limit 5
  rekall search "kafka" --mode text --json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query := strings.Join(args, " ")
			f := store.Filters{
				Type:            models.EntryType(typ),
				Project:         project,
				IncludeObsolete: all,
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				var rows []searchRow
				switch mode {
				case "hybrid":
					results, err := a.Memory.Search(ctx, search.Params{Query: query, Filters: f, Limit: limit})
					if err != nil {
						return err
					}
					for _, r := range results {
						rows = append(rows, searchRow{Entry: r.Entry, Score: r.Score})
					}
				case "text":
					hits, err := a.Memory.TextSearch(ctx, query, f, limit)
					if err != nil {
						return err
					}
					for _, h := range hits {
						rows = append(rows, searchRow{Entry: h.Entry, Score: h.Rank})
					}
				case "semantic":
					opts := embedding.DefaultSimilarOptions()
					opts.Limit = limit
					opts.Threshold = 0
					results, ok, err := a.Memory.SemanticSearch(ctx, query, "", opts, f)
					if err != nil {
						return err
					}
					if !ok {
						return fmt.Errorf("embedding model unavailable")
					}
					for _, r := range results {
						rows = append(rows, searchRow{Entry: r.Entry, Score: r.Similarity})
					}
				default:
					return fmt.Errorf("unknown mode %q (hybrid, text, semantic)", mode)
				}

				if asJSON {
					return printJSON(map[string]any{"query": query, "count": len(rows), "results": rows})
				}
				printRows(query, rows)
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "l", 10, "maximum results")
	cmd.Flags().StringVarP(&typ, "type", "t", "", "filter by entry type")
	cmd.Flags().StringVarP(&project, "project", "p", "", "filter by project")
	cmd.Flags().StringVarP(&mode, "mode", "m", "hybrid", "hybrid, text or semantic")
	cmd.Flags().BoolVar(&all, "all", false, "include obsolete entries")
	cmd.Flags().BoolVar(&asJSON, "json", false, "output as JSON")
	return cmd
}

type searchRow struct {
	Entry *models.Entry `json:"entry"`
	Score float64       `json:"score"`
}

func printRows(query string, rows []searchRow) {
	if len(rows) == 0 {
		fmt.Printf("No results for %q\n", query)
		return
	}
	fmt.Printf("%d results for %q\n\n", len(rows), query)
	for i, r := range rows {
		fmt.Printf("%d. [%s] %s  (%.3f)\n", i+1, r.Entry.Type, r.Entry.Title, r.Score)
		fmt.Printf("   id: %s", r.Entry.ID)
		if r.Entry.Project != "" {
			fmt.Printf("  project: %s", r.Entry.Project)
		}
		if r.Entry.IsObsolete() {
			fmt.Print("  (obsolete)")
		}
		fmt.Println()
	}
}

func reindexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Recompute every summary vector and rebuild the vector index",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				n, err := a.Memory.Reindex(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("Reindexed %d entries\n", n)
				return nil
			})
		},
	}
}
