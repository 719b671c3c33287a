package curation

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	readability "github.com/go-shiori/go-readability"

	"github.com/guthubrx/rekall-sub000/internal/store"
)

const maxPageBytes = 2 << 20

// LinkStatus is the outcome of an accessibility check.
type LinkStatus struct {
	Accessible bool `json:"accessible"`
	StatusCode int  `json:"statusCode"`
}

// EnrichResult counts what an enrichment batch did.
type EnrichResult struct {
	Processed  int `json:"processed"`
	Accessible int `json:"accessible"`
	Failed     int `json:"failed"`
}

// Enricher fetches staged URLs and merges page metadata back into staging.
type Enricher struct {
	staging *store.StagingStore
	client  *http.Client
	workers int
	logger  *slog.Logger
}

func NewEnricher(db *store.DB, client *http.Client, workers int, logger *slog.Logger) *Enricher {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if workers <= 0 {
		workers = 4
	}
	return &Enricher{
		staging: store.NewStagingStore(db),
		client:  client,
		workers: workers,
		logger:  logger,
	}
}

// VerifyLink issues a HEAD request, falling back to GET for servers that
// reject HEAD. Statuses below 400 count as accessible.
func (e *Enricher) VerifyLink(ctx context.Context, rawURL string) (LinkStatus, error) {
	status, err := e.probe(ctx, http.MethodHead, rawURL)
	if err == nil && (status == http.StatusMethodNotAllowed || status == http.StatusNotImplemented) {
		status, err = e.probe(ctx, http.MethodGet, rawURL)
	}
	if err != nil {
		return LinkStatus{}, err
	}
	return LinkStatus{Accessible: status < 400, StatusCode: status}, nil
}

func (e *Enricher) probe(ctx context.Context, method, rawURL string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return 0, err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return 0, err
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
	return resp.StatusCode, nil
}

// EnrichPending enriches up to limit records that were never enriched,
// using a fixed pool of workers. A failing URL marks its record
// inaccessible and does not stop the batch.
func (e *Enricher) EnrichPending(ctx context.Context, limit int) (EnrichResult, error) {
	pending, err := e.staging.List(ctx, store.StagingFilter{OnlyUnenriched: true, Limit: limit})
	if err != nil {
		return EnrichResult{}, err
	}

	type outcome struct {
		id string
		en store.Enrichment
	}
	jobs := make(chan int)
	results := make(chan outcome, len(pending))

	var wg sync.WaitGroup
	for w := 0; w < e.workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				st := pending[i]
				results <- outcome{id: st.ID, en: e.Enrich(ctx, st.URL)}
			}
		}()
	}

	go func() {
		defer close(jobs)
		for i := range pending {
			select {
			case <-ctx.Done():
				return
			case jobs <- i:
			}
		}
	}()
	go func() {
		wg.Wait()
		close(results)
	}()

	var res EnrichResult
	var firstErr error
	for out := range results {
		if err := e.staging.ApplyEnrichment(ctx, out.id, out.en); err != nil && firstErr == nil {
			firstErr = err
		}
		res.Processed++
		if out.en.IsAccessible {
			res.Accessible++
		} else {
			res.Failed++
		}
	}
	if firstErr == nil {
		firstErr = ctx.Err()
	}
	e.logger.Info("enrichment batch done", "processed", res.Processed, "accessible", res.Accessible, "failed", res.Failed)
	return res, firstErr
}

// Enrich fetches one URL. It never fails; network and parse errors leave
// the record inaccessible or without metadata.
func (e *Enricher) Enrich(ctx context.Context, rawURL string) store.Enrichment {
	en := store.Enrichment{EnrichedAt: time.Now().Unix()}

	link, err := e.VerifyLink(ctx, rawURL)
	if err != nil {
		e.logger.Debug("link check failed", "url", rawURL, "error", err)
		return en
	}
	en.IsAccessible, en.HTTPStatus = link.Accessible, link.StatusCode
	if !link.Accessible {
		return en
	}

	title, desc, site, ctype, err := e.extract(ctx, rawURL)
	if err != nil {
		e.logger.Debug("metadata extraction failed", "url", rawURL, "error", err)
	}
	en.Title, en.Description, en.SiteName, en.ContentType = title, desc, site, ctype
	return en
}

func (e *Enricher) extract(ctx context.Context, rawURL string) (title, desc, site, ctype string, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", "", "", "", err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return "", "", "", "", err
	}
	defer resp.Body.Close()

	ctype, _, _ = mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if ctype != "text/html" && ctype != "application/xhtml+xml" {
		return "", "", "", ctype, nil
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPageBytes))
	if err != nil {
		return "", "", "", ctype, fmt.Errorf("read page: %w", err)
	}
	pageURL, _ := url.Parse(rawURL)
	article, err := readability.FromReader(bytes.NewReader(body), pageURL)
	if err != nil {
		return "", "", "", ctype, fmt.Errorf("extract article: %w", err)
	}

	desc = article.Excerpt
	if len([]rune(desc)) > 500 {
		desc = string([]rune(desc)[:500])
	}
	return strings.TrimSpace(article.Title), strings.TrimSpace(desc), article.SiteName, ctype, nil
}
