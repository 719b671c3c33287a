package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/guthubrx/rekall-sub000/internal/archive"
	"github.com/guthubrx/rekall-sub000/internal/config"
	"github.com/guthubrx/rekall-sub000/internal/connectors"
	"github.com/guthubrx/rekall-sub000/internal/curation"
	"github.com/guthubrx/rekall-sub000/internal/embedding"
	"github.com/guthubrx/rekall-sub000/internal/importer"
	"github.com/guthubrx/rekall-sub000/internal/memory"
	"github.com/guthubrx/rekall-sub000/internal/search"
	"github.com/guthubrx/rekall-sub000/internal/store"
	"github.com/guthubrx/rekall-sub000/internal/vectorstore"
)

// App owns every long-lived component. Binaries and tests build one with
// New and release it with Shutdown; nothing is held in package state.
type App struct {
	Config *config.Config
	Logger *slog.Logger
	DB     *store.DB

	Cache      *embedding.Cache
	Models     *embedding.Manager
	Embeddings *embedding.Service
	Hybrid     *search.Hybrid
	Memory     *memory.Service
	Lifecycle  *memory.Lifecycle

	Capturer     *curation.Capturer
	Enricher     *curation.Enricher
	Promoter     *curation.Promoter
	Consolidator *curation.Consolidator
	Importer     *importer.Importer
	Connectors   *connectors.Registry
	Scanner      *connectors.Scanner

	Staging *store.StagingStore
	Sources *store.SourceStore
	Inbox   *store.InboxStore

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option adjusts how New wires the container.
type Option func(*options)

type options struct {
	loader     embedding.Loader
	httpClient *http.Client
}

// WithLoader replaces the Ollama model loader.
func WithLoader(l embedding.Loader) Option {
	return func(o *options) { o.loader = l }
}

// WithHTTPClient sets the client used for link checks and enrichment.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// New opens the database and wires every component.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	o := options{loader: embedding.OllamaLoader(cfg.OllamaBaseURL, cfg.EmbeddingModel)}
	for _, opt := range opts {
		opt(&o)
	}
	if o.httpClient == nil {
		o.httpClient = &http.Client{Timeout: cfg.EnrichTimeout}
	}

	db, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	mode, err := vectorstore.ParseMode(cfg.VectorBackend)
	if err != nil {
		db.Close()
		return nil, err
	}
	dim := cfg.EmbeddingDim
	if cfg.EmbeddingTargetDim > 0 && cfg.EmbeddingTargetDim < dim {
		dim = cfg.EmbeddingTargetDim
	}
	index, err := vectorstore.New(ctx, db.DB, mode, dim, logger)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("vector index: %w", err)
	}

	a := &App{
		Config:     cfg,
		Logger:     logger,
		DB:         db,
		Cache:      embedding.NewCache(cfg.CacheMaxSize, cfg.CacheTTL()),
		Models:     embedding.NewManager(o.loader, cfg.ModelIdleTimeout, logger),
		Connectors: connectors.NewRegistry(),
		Staging:    store.NewStagingStore(db),
		Sources:    store.NewSourceStore(db),
		Inbox:      store.NewInboxStore(db),
	}
	a.Embeddings = embedding.NewService(a.Models, a.Cache, index, db, embedding.ServiceConfig{
		TargetDim: cfg.EmbeddingTargetDim,
		ModelName: cfg.EmbeddingModel,
	}, logger)
	a.Hybrid = search.NewHybrid(db, a.Embeddings, cfg.Weights, logger)
	a.Memory = memory.NewService(db, a.Embeddings, a.Hybrid, cfg.SimilarityThreshold, logger)
	a.Lifecycle = memory.NewLifecycle(db, logger)

	a.Capturer = curation.NewCapturer(db, cfg.Promotion, logger)
	a.Enricher = curation.NewEnricher(db, o.httpClient, cfg.EnrichWorkers, logger)
	a.Promoter = curation.NewPromoter(db, cfg.Promotion, logger)
	a.Consolidator = curation.NewConsolidator(db, cfg.ConsolidationMinScore, logger)
	a.Importer = importer.New(db, cfg.BackupDir, logger)
	a.Scanner = connectors.NewScanner(db, a.Capturer, logger)

	if index.IsPersisted() {
		if err := a.Embeddings.RebuildIndex(ctx); err != nil {
			logger.Warn("vector index rebuild failed", "error", err)
		}
	}
	return a, nil
}

// Start launches the model idle watcher and, when configured, the periodic
// curation pass. Both stop on Shutdown or when ctx ends.
func (a *App) Start(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cancel != nil {
		return
	}
	ctx, a.cancel = context.WithCancel(ctx)
	a.Models.Start(ctx)

	if !a.Config.AutoCurate {
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ticker := time.NewTicker(a.Config.CurateEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := a.Curate(ctx); err != nil && !errors.Is(err, context.Canceled) {
					a.Logger.Error("curation pass failed", "error", err)
				}
			}
		}
	}()
}

// CurationReport summarizes one Curate pass.
type CurationReport struct {
	Enriched      curation.EnrichResult        `json:"enriched"`
	Promoted      int                          `json:"promoted"`
	Lifecycle     *memory.LifecycleResult      `json:"lifecycle"`
	Consolidation int                          `json:"consolidationSuggestions"`
	Links         *memory.LinkSuggestionResult `json:"linkSuggestions"`
}

// Curate enriches pending staging rows, promotes eligible ones, rescores
// entry lifecycles and refreshes suggestions.
func (a *App) Curate(ctx context.Context) (*CurationReport, error) {
	var r CurationReport
	var err error
	if r.Enriched, err = a.Enricher.EnrichPending(ctx, 0); err != nil {
		return nil, fmt.Errorf("enrich: %w", err)
	}
	if _, err := a.Promoter.Recalculate(ctx); err != nil {
		return nil, fmt.Errorf("recalculate scores: %w", err)
	}
	promoted, err := a.Promoter.AutoPromote(ctx)
	if err != nil {
		return nil, fmt.Errorf("auto-promote: %w", err)
	}
	r.Promoted = len(promoted)
	if r.Lifecycle, err = a.Lifecycle.Consolidate(ctx); err != nil {
		return nil, err
	}
	if r.Consolidation, err = a.Consolidator.Suggest(ctx); err != nil {
		return nil, fmt.Errorf("consolidation suggestions: %w", err)
	}
	if r.Links, err = a.Memory.SuggestLinks(ctx); err != nil {
		return nil, err
	}
	a.Logger.Info("curation pass complete",
		"enriched", r.Enriched.Processed,
		"promoted", r.Promoted,
		"semantic", r.Lifecycle.Promoted,
		"consolidation", r.Consolidation,
		"links", r.Links.Created,
	)
	return &r, nil
}

// Import plans records against the store, applies the plan with strategy
// and embeds every entry it wrote.
func (a *App) Import(ctx context.Context, records []archive.Record, strategy importer.Strategy) (*importer.Result, error) {
	plan, err := a.Importer.Plan(ctx, records)
	if err != nil {
		return nil, err
	}
	res, err := a.Importer.Execute(ctx, plan, strategy)
	if err != nil {
		return nil, err
	}
	a.reembed(ctx, res.Changed)
	return res, nil
}

func (a *App) reembed(ctx context.Context, ids []string) {
	for _, id := range ids {
		e, err := a.Memory.Get(ctx, id, false)
		if err != nil || e == nil {
			continue
		}
		a.Embeddings.Invalidate(ctx, id)
		if _, err := a.Embeddings.EmbedEntry(ctx, e, ""); err != nil {
			a.Logger.Warn("failed to embed imported entry", "id", id, "error", err)
		}
	}
}

// Connector builds the configured connector called name.
func (a *App) Connector(name string) (connectors.Connector, error) {
	for _, cc := range a.Config.Connectors {
		if cc.Name == name {
			return a.Connectors.New(cc.Kind, cc.Name, cc.Options)
		}
	}
	return nil, fmt.Errorf("connector %q is not configured", name)
}

// Reset drops cached vectors and unloads the model, leaving the store as is.
func (a *App) Reset(ctx context.Context) {
	a.Cache.Clear()
	a.Models.Unload(ctx)
}

// Shutdown stops background work, unloads the model and closes the
// database. The App must not be used afterwards.
func (a *App) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	cancel := a.cancel
	a.cancel = nil
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	a.wg.Wait()
	a.Models.Shutdown(ctx)
	if err := a.DB.Checkpoint(ctx); err != nil {
		a.Logger.Warn("wal checkpoint on shutdown failed", "error", err)
	}
	return a.DB.Close()
}
