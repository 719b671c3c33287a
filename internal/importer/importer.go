package importer

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/guthubrx/rekall-sub000/internal/archive"
	"github.com/guthubrx/rekall-sub000/internal/models"
	"github.com/guthubrx/rekall-sub000/internal/store"
)

// Strategy decides what happens to imported entries that differ from the
// local copy.
type Strategy string

const (
	// StrategySkip leaves the local entry untouched.
	StrategySkip Strategy = "skip"
	// StrategyReplace overwrites the local entry after a snapshot of the
	// whole store has been written.
	StrategyReplace Strategy = "replace"
	// StrategyMerge keeps the local entry and adds the imported one under
	// a new id.
	StrategyMerge Strategy = "merge"
)

func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case StrategySkip, StrategyReplace, StrategyMerge:
		return Strategy(s), nil
	}
	return "", &models.ValidationError{Field: "strategy", Reason: "must be skip, replace or merge"}
}

// Conflict is an imported entry whose id exists locally with different
// content.
type Conflict struct {
	ID       string         `json:"id"`
	Local    *models.Entry  `json:"local"`
	Imported archive.Record `json:"imported"`
	Fields   []string       `json:"fields"`
}

// Plan classifies an import batch against the local store.
type Plan struct {
	New       []archive.Record `json:"new"`
	Identical []string         `json:"identical"`
	Conflicts []Conflict       `json:"conflicts"`
}

// Result reports what an executed plan did.
type Result struct {
	Strategy   Strategy `json:"strategy"`
	Added      int      `json:"added"`
	Replaced   int      `json:"replaced"`
	Merged     int      `json:"merged"`
	Skipped    int      `json:"skipped"`
	Identical  int      `json:"identical"`
	BackupPath string   `json:"backupPath,omitempty"`
	Errors     []string `json:"errors,omitempty"`
	// Changed lists the ids written, for re-embedding.
	Changed []string `json:"-"`
}

// Importer applies external entry sets to the store.
type Importer struct {
	db        *store.DB
	backupDir string
	logger    *slog.Logger

	// afterWrite runs after every entry written inside the transaction.
	afterWrite func(written int) error
}

func New(db *store.DB, backupDir string, logger *slog.Logger) *Importer {
	return &Importer{db: db, backupDir: backupDir, logger: logger}
}

// DiffFields lists the compared fields that differ between a local entry and
// an imported one.
func DiffFields(local, imported *models.Entry) []string {
	var fields []string
	if local.Title != imported.Title {
		fields = append(fields, "title")
	}
	if local.Content != imported.Content {
		fields = append(fields, "content")
	}
	if local.Type != imported.Type {
		fields = append(fields, "type")
	}
	if local.Project != imported.Project {
		fields = append(fields, "project")
	}
	if !slices.Equal(models.NormalizeTags(local.Tags), models.NormalizeTags(imported.Tags)) {
		fields = append(fields, "tags")
	}
	if local.Confidence != imported.Confidence {
		fields = append(fields, "confidence")
	}
	if statusOf(local) != statusOf(imported) {
		fields = append(fields, "status")
	}
	if deref(local.SupersededBy) != deref(imported.SupersededBy) {
		fields = append(fields, "supersededBy")
	}
	return fields
}

func statusOf(e *models.Entry) models.Status {
	if e.Status == "" {
		return models.StatusActive
	}
	return e.Status
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// Plan compares records with the local store. Records without an id, or
// whose id is unknown locally, are new. Repeated ids keep the first record.
func (im *Importer) Plan(ctx context.Context, records []archive.Record) (*Plan, error) {
	ids := make([]string, 0, len(records))
	for _, r := range records {
		if r.ID != "" {
			ids = append(ids, r.ID)
		}
	}
	local, err := store.NewEntryStore(im.db).GetByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("load local entries: %w", err)
	}

	plan := &Plan{}
	seen := make(map[string]bool, len(records))
	for _, r := range records {
		if r.ID != "" {
			if seen[r.ID] {
				continue
			}
			seen[r.ID] = true
		}
		l, ok := local[r.ID]
		if r.ID == "" || !ok {
			plan.New = append(plan.New, r)
			continue
		}
		if fields := DiffFields(l, &r.Entry); len(fields) > 0 {
			plan.Conflicts = append(plan.Conflicts, Conflict{ID: r.ID, Local: l, Imported: r, Fields: fields})
		} else {
			plan.Identical = append(plan.Identical, r.ID)
		}
	}
	return plan, nil
}

// Execute applies the plan in a single transaction. Invalid records are
// reported in Result.Errors and skipped; any storage failure rolls back the
// whole run. With StrategyReplace and at least one conflict, a snapshot of
// the store is written first and its failure aborts the run.
func (im *Importer) Execute(ctx context.Context, plan *Plan, strategy Strategy) (*Result, error) {
	if _, err := ParseStrategy(string(strategy)); err != nil {
		return nil, err
	}

	var backupPath string
	if strategy == StrategyReplace && len(plan.Conflicts) > 0 {
		path, err := archive.WriteSnapshot(ctx, im.db, im.backupDir)
		if err != nil {
			return nil, fmt.Errorf("pre-import snapshot: %w", err)
		}
		backupPath = path
		im.logger.Info("pre-import snapshot written", "path", path)
	}

	var res *Result
	err := im.db.WithTx(ctx, func(tx *sql.Tx) error {
		res = &Result{Strategy: strategy, BackupPath: backupPath, Identical: len(plan.Identical)}
		return im.apply(ctx, tx, plan, strategy, res)
	})
	if err != nil {
		im.logger.Error("import rolled back", "strategy", strategy, "error", err)
		return nil, err
	}

	im.logger.Info("import applied",
		"strategy", strategy,
		"added", res.Added,
		"replaced", res.Replaced,
		"merged", res.Merged,
		"skipped", res.Skipped,
		"errors", len(res.Errors),
	)
	return res, nil
}

func (im *Importer) apply(ctx context.Context, tx *sql.Tx, plan *Plan, strategy Strategy, res *Result) error {
	entries := store.NewEntryStore(im.db).WithTx(tx)
	contexts := store.NewContextStore(im.db).WithTx(tx)
	written := 0

	write := func(label string, rec archive.Record, do func(e *models.Entry) error) error {
		e := rec.Entry
		if err := validate(&e, rec.Context); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%s %q: %v", label, rec.Title, err))
			return errSkipped
		}
		if err := do(&e); err != nil {
			return err
		}
		if rec.Context != nil {
			c := *rec.Context
			if err := contexts.Put(ctx, e.ID, &c); err != nil {
				return err
			}
		}
		res.Changed = append(res.Changed, e.ID)
		written++
		if im.afterWrite != nil {
			return im.afterWrite(written)
		}
		return nil
	}

	for _, rec := range plan.New {
		err := write("new entry", rec, func(e *models.Entry) error {
			return entries.Add(ctx, e)
		})
		if errors.Is(err, errSkipped) {
			continue
		}
		if err != nil {
			return err
		}
		res.Added++
	}

	for _, c := range plan.Conflicts {
		var err error
		switch strategy {
		case StrategySkip:
			res.Skipped++
			continue
		case StrategyReplace:
			err = write("replacement", c.Imported, func(e *models.Entry) error {
				merged := *c.Local
				applyFields(&merged, e)
				*e = merged
				return entries.Update(ctx, e)
			})
			if err == nil {
				res.Replaced++
			}
		case StrategyMerge:
			err = write("merged copy", c.Imported, func(e *models.Entry) error {
				e.ID = ""
				e.CreatedAt, e.UpdatedAt = 0, 0
				e.SupersededBy = nil
				e.AccessCount, e.LastAccessed = 0, nil
				return entries.Add(ctx, e)
			})
			if err == nil {
				res.Merged++
			}
		}
		if errors.Is(err, errSkipped) {
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}

var errSkipped = errors.New("record skipped")

// applyFields copies the compared fields of src onto dst, leaving usage
// statistics and timestamps alone.
func applyFields(dst, src *models.Entry) {
	dst.Title = src.Title
	dst.Content = src.Content
	dst.Type = src.Type
	dst.Project = src.Project
	dst.Tags = src.Tags
	dst.Confidence = src.Confidence
	dst.Status = src.Status
	dst.SupersededBy = src.SupersededBy
}

// validate runs the write-time checks without touching the store.
func validate(e *models.Entry, c *models.StructuredContext) error {
	candidate := *e
	candidate.ApplyDefaults()
	if err := candidate.Validate(); err != nil {
		return err
	}
	if c != nil {
		if err := c.Validate(); err != nil {
			return err
		}
		if !slices.ContainsFunc(c.TriggerKeywords, func(k string) bool { return strings.TrimSpace(k) != "" }) {
			return &models.ValidationError{Field: "triggerKeywords", Reason: "must not be empty"}
		}
	}
	return nil
}
