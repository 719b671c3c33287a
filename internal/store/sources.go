package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/guthubrx/rekall-sub000/internal/models"
)

// InboxStore persists raw URL captures.
type InboxStore struct {
	db *DB
}

func NewInboxStore(db *DB) *InboxStore {
	return &InboxStore{db: db}
}

// Add inserts a capture, minting an id when absent.
func (s *InboxStore) Add(ctx context.Context, in *models.InboxEntry) error {
	if in.ID == "" {
		in.ID = models.NewID()
	}
	if in.CapturedAt == 0 {
		in.CapturedAt = time.Now().Unix()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO inbox (id, url, domain, cli_source, project, conversation_id, user_query,
			is_valid, validation_error, captured_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, in.ID, in.URL, nullableString(in.Domain), in.CLISource, nullableString(in.Project),
		nullableString(in.ConversationID), nullableString(in.UserQuery),
		in.IsValid, nullableString(in.ValidationError), in.CapturedAt)
	if err != nil {
		return fmt.Errorf("insert inbox entry: %w", err)
	}
	return nil
}

// List returns captures newest first. validOnly drops rejected captures.
func (s *InboxStore) List(ctx context.Context, validOnly bool, limit int) ([]*models.InboxEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, url, domain, cli_source, project, conversation_id, user_query,
			is_valid, validation_error, captured_at
		FROM inbox`
	if validOnly {
		query += ` WHERE is_valid = 1`
	}
	query += ` ORDER BY captured_at DESC, id DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list inbox: %w", err)
	}
	defer rows.Close()

	var out []*models.InboxEntry
	for rows.Next() {
		var in models.InboxEntry
		var domain, project, conv, uq, verr sql.NullString
		if err := rows.Scan(&in.ID, &in.URL, &domain, &in.CLISource, &project, &conv, &uq,
			&in.IsValid, &verr, &in.CapturedAt); err != nil {
			return nil, fmt.Errorf("scan inbox entry: %w", err)
		}
		in.Domain, in.Project, in.ConversationID = domain.String, project.String, conv.String
		in.UserQuery, in.ValidationError = uq.String, verr.String
		out = append(out, &in)
	}
	return out, rows.Err()
}

// StagingStore persists the deduplicated-by-URL enrichment records.
type StagingStore struct {
	db *DB
}

func NewStagingStore(db *DB) *StagingStore {
	return &StagingStore{db: db}
}

const stagingColumns = `id, url, domain, title, description, site_name, content_type,
	is_accessible, http_status, enriched_at, citation_count, projects, project_count,
	first_seen, last_seen, promotion_score, promoted_at, promoted_to`

// ScoreFunc computes a promotion score for a staging record.
type ScoreFunc func(*models.StagingEntry) float64

// Upsert records one sighting of url: a new record is created on first
// sight, otherwise the citation count is bumped, the project set merged and
// last_seen advanced. The score is recomputed inside the same transaction.
func (s *StagingStore) Upsert(ctx context.Context, url, domain, project string, seenAt int64, score ScoreFunc) (*models.StagingEntry, error) {
	var out *models.StagingEntry
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		st, err := scanStaging(tx.QueryRowContext(ctx,
			fmt.Sprintf(`SELECT %s FROM staging WHERE url = ?`, stagingColumns), url))
		if err != nil && err != sql.ErrNoRows {
			return fmt.Errorf("lookup staging: %w", err)
		}
		isNew := err == sql.ErrNoRows
		if isNew {
			st = &models.StagingEntry{
				ID:           models.NewID(),
				URL:          url,
				Domain:       domain,
				IsAccessible: true,
				FirstSeen:    seenAt,
				Projects:     []string{},
			}
		}
		st.CitationCount++
		if project != "" && !slices.Contains(st.Projects, project) {
			st.Projects = append(st.Projects, project)
			sort.Strings(st.Projects)
		}
		st.ProjectCount = len(st.Projects)
		if st.LastSeen == nil || seenAt > *st.LastSeen {
			st.LastSeen = &seenAt
		}
		if score != nil {
			st.PromotionScore = score(st)
		}

		projects, _ := json.Marshal(st.Projects)
		if isNew {
			_, err = tx.ExecContext(ctx, `
				INSERT INTO staging (id, url, domain, is_accessible, citation_count, projects,
					project_count, first_seen, last_seen, promotion_score)
				VALUES (?, ?, ?, 1, ?, ?, ?, ?, ?, ?)
			`, st.ID, st.URL, st.Domain, st.CitationCount, string(projects),
				st.ProjectCount, st.FirstSeen, st.LastSeen, st.PromotionScore)
		} else {
			_, err = tx.ExecContext(ctx, `
				UPDATE staging SET citation_count = ?, projects = ?, project_count = ?,
					last_seen = ?, promotion_score = ?
				WHERE id = ?
			`, st.CitationCount, string(projects), st.ProjectCount, st.LastSeen, st.PromotionScore, st.ID)
		}
		if err != nil {
			return fmt.Errorf("upsert staging: %w", err)
		}
		out = st
		return nil
	})
	return out, err
}

// Get returns a staging record, or nil when absent.
func (s *StagingStore) Get(ctx context.Context, id string) (*models.StagingEntry, error) {
	return s.getWhere(ctx, s.db.DB, "id = ?", id)
}

// GetByURL returns the staging record for url, or nil when absent.
func (s *StagingStore) GetByURL(ctx context.Context, url string) (*models.StagingEntry, error) {
	return s.getWhere(ctx, s.db.DB, "url = ?", url)
}

func (s *StagingStore) getWhere(ctx context.Context, q Querier, where string, arg any) (*models.StagingEntry, error) {
	st, err := scanStaging(q.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM staging WHERE %s`, stagingColumns, where), arg))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get staging: %w", err)
	}
	return st, nil
}

// StagingFilter narrows List.
type StagingFilter struct {
	OnlyUnpromoted bool
	OnlyUnenriched bool
	MinScore       float64
	Limit          int
}

// List returns staging records by descending promotion score.
func (s *StagingStore) List(ctx context.Context, f StagingFilter) ([]*models.StagingEntry, error) {
	query := fmt.Sprintf(`SELECT %s FROM staging WHERE promotion_score >= ?`, stagingColumns)
	args := []any{f.MinScore}
	if f.OnlyUnpromoted {
		query += ` AND promoted_to IS NULL`
	}
	if f.OnlyUnenriched {
		query += ` AND enriched_at IS NULL`
	}
	query += ` ORDER BY promotion_score DESC, id`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list staging: %w", err)
	}
	defer rows.Close()

	var out []*models.StagingEntry
	for rows.Next() {
		st, err := scanStaging(rows)
		if err != nil {
			return nil, fmt.Errorf("scan staging: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// Enrichment is the result of fetching a staged URL.
type Enrichment struct {
	Title        string
	Description  string
	SiteName     string
	ContentType  string
	IsAccessible bool
	HTTPStatus   int
	EnrichedAt   int64
}

// ApplyEnrichment merges fetched metadata into a staging record. Empty
// strings keep the previous values.
func (s *StagingStore) ApplyEnrichment(ctx context.Context, id string, en Enrichment) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE staging SET
			title = COALESCE(?, title),
			description = COALESCE(?, description),
			site_name = COALESCE(?, site_name),
			content_type = COALESCE(?, content_type),
			is_accessible = ?,
			http_status = ?,
			enriched_at = ?
		WHERE id = ?
	`, nullableString(en.Title), nullableString(en.Description), nullableString(en.SiteName),
		nullableString(en.ContentType), en.IsAccessible, en.HTTPStatus, en.EnrichedAt, id)
	if err != nil {
		return fmt.Errorf("apply enrichment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("staging %s: %w", id, models.ErrNotFound)
	}
	return nil
}

// SetScore stores a recomputed promotion score.
func (s *StagingStore) SetScore(ctx context.Context, id string, score float64) error {
	if _, err := s.db.ExecContext(ctx, `UPDATE staging SET promotion_score = ? WHERE id = ?`, score, id); err != nil {
		return fmt.Errorf("set staging score: %w", err)
	}
	return nil
}

func scanStaging(row rowScanner) (*models.StagingEntry, error) {
	var st models.StagingEntry
	var title, desc, site, ctype, projects, promotedTo sql.NullString
	var httpStatus, enrichedAt, lastSeen, promotedAt sql.NullInt64

	err := row.Scan(&st.ID, &st.URL, &st.Domain, &title, &desc, &site, &ctype,
		&st.IsAccessible, &httpStatus, &enrichedAt, &st.CitationCount, &projects, &st.ProjectCount,
		&st.FirstSeen, &lastSeen, &st.PromotionScore, &promotedAt, &promotedTo)
	if err != nil {
		return nil, err
	}
	st.Title, st.Description, st.SiteName, st.ContentType = title.String, desc.String, site.String, ctype.String
	st.HTTPStatus = int(httpStatus.Int64)
	st.EnrichedAt = nullInt(enrichedAt)
	st.LastSeen = nullInt(lastSeen)
	st.PromotedAt = nullInt(promotedAt)
	if promotedTo.Valid {
		st.PromotedTo = &promotedTo.String
	}
	st.Projects = []string{}
	if projects.Valid && projects.String != "" {
		if err := json.Unmarshal([]byte(projects.String), &st.Projects); err != nil {
			return nil, fmt.Errorf("decode staging projects: %w", err)
		}
	}
	return &st, nil
}

// SourceStore persists curated sources.
type SourceStore struct {
	db *DB
}

func NewSourceStore(db *DB) *SourceStore {
	return &SourceStore{db: db}
}

const sourceColumns = `id, url, domain, title, description, role, personal_score, usage_count,
	last_used, reliability, decay_rate, is_accessible, last_verified, origin, promoted_from, created_at`

// Add inserts a source. A URL that already exists is a conflict.
func (s *SourceStore) Add(ctx context.Context, src *models.Source) error {
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		return insertSource(ctx, tx, src)
	})
}

func insertSource(ctx context.Context, q Querier, src *models.Source) error {
	var exists int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM sources WHERE url = ?`, src.URL).Scan(&exists); err != nil {
		return fmt.Errorf("check source url: %w", err)
	}
	if exists > 0 {
		return &models.ConflictError{Reason: "a source already exists for " + src.URL}
	}
	if src.ID == "" {
		src.ID = models.NewID()
	}
	if src.CreatedAt == 0 {
		src.CreatedAt = time.Now().Unix()
	}
	if src.DecayRate == "" {
		src.DecayRate = models.DecayMedium
	}
	if src.Origin == "" {
		src.Origin = models.OriginManual
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO sources (id, url, domain, title, description, role, personal_score, usage_count,
			last_used, reliability, decay_rate, is_accessible, last_verified, origin, promoted_from, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, src.ID, src.URL, src.Domain, nullableString(src.Title), nullableString(src.Description),
		nullableString(src.Role), src.PersonalScore, src.UsageCount, src.LastUsed,
		nullableString(src.Reliability), string(src.DecayRate), src.IsAccessible, src.LastVerified,
		string(src.Origin), src.PromotedFrom, src.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert source: %w", err)
	}
	return nil
}

// Get returns a source, or nil when absent.
func (s *SourceStore) Get(ctx context.Context, id string) (*models.Source, error) {
	src, err := scanSource(s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT %s FROM sources WHERE id = ?`, sourceColumns), id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get source: %w", err)
	}
	return src, nil
}

// List returns sources by descending personal score.
func (s *SourceStore) List(ctx context.Context, limit int) ([]*models.Source, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM sources ORDER BY personal_score DESC, id LIMIT ?`, sourceColumns), limit)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()

	var out []*models.Source
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

// RecordUsage bumps the usage counter and last-used time.
func (s *SourceStore) RecordUsage(ctx context.Context, id string, at int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sources SET usage_count = usage_count + 1, last_used = ? WHERE id = ?
	`, at, id)
	if err != nil {
		return fmt.Errorf("record source usage: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("source %s: %w", id, models.ErrNotFound)
	}
	return nil
}

// SetAccessible records the result of a link verification.
func (s *SourceStore) SetAccessible(ctx context.Context, id string, ok bool, at int64) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE sources SET is_accessible = ?, last_verified = ? WHERE id = ?
	`, ok, at, id); err != nil {
		return fmt.Errorf("set source accessibility: %w", err)
	}
	return nil
}

// Delete removes a source.
func (s *SourceStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sources WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete source: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("source %s: %w", id, models.ErrNotFound)
	}
	return nil
}

// Promote creates src from a staging record and marks the record promoted,
// in one transaction. Already-promoted records and URLs that already exist
// as sources are conflicts.
func (s *SourceStore) Promote(ctx context.Context, stagingID string, src *models.Source) error {
	promoted := *src
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		st, err := scanStaging(tx.QueryRowContext(ctx,
			fmt.Sprintf(`SELECT %s FROM staging WHERE id = ?`, stagingColumns), stagingID))
		if err == sql.ErrNoRows {
			return fmt.Errorf("staging %s: %w", stagingID, models.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("lookup staging: %w", err)
		}
		if st.IsPromoted() {
			return &models.ConflictError{Reason: "staging entry " + stagingID + " is already promoted"}
		}

		promoted.Origin = models.OriginPromoted
		promoted.PromotedFrom = &st.ID
		if err := insertSource(ctx, tx, &promoted); err != nil {
			return err
		}

		now := time.Now().Unix()
		if _, err := tx.ExecContext(ctx, `
			UPDATE staging SET promoted_at = ?, promoted_to = ? WHERE id = ?
		`, now, promoted.ID, st.ID); err != nil {
			return fmt.Errorf("mark staging promoted: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	*src = promoted
	return nil
}

// Demote deletes a promoted source and clears the promotion fields of the
// staging record it came from. Sources not produced by promotion are a
// conflict.
func (s *SourceStore) Demote(ctx context.Context, sourceID string) error {
	return s.db.WithTx(ctx, func(tx *sql.Tx) error {
		src, err := scanSource(tx.QueryRowContext(ctx,
			fmt.Sprintf(`SELECT %s FROM sources WHERE id = ?`, sourceColumns), sourceID))
		if err == sql.ErrNoRows {
			return fmt.Errorf("source %s: %w", sourceID, models.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("lookup source: %w", err)
		}
		if src.Origin != models.OriginPromoted || src.PromotedFrom == nil {
			return &models.ConflictError{Reason: "source " + sourceID + " was not created by promotion"}
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM sources WHERE id = ?`, sourceID); err != nil {
			return fmt.Errorf("delete source: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE staging SET promoted_at = NULL, promoted_to = NULL WHERE id = ?
		`, *src.PromotedFrom); err != nil {
			return fmt.Errorf("reset staging promotion: %w", err)
		}
		return nil
	})
}

func scanSource(row rowScanner) (*models.Source, error) {
	var src models.Source
	var title, desc, role, reliability, decay, origin, promotedFrom sql.NullString
	var lastUsed, lastVerified sql.NullInt64

	err := row.Scan(&src.ID, &src.URL, &src.Domain, &title, &desc, &role, &src.PersonalScore,
		&src.UsageCount, &lastUsed, &reliability, &decay, &src.IsAccessible, &lastVerified,
		&origin, &promotedFrom, &src.CreatedAt)
	if err != nil {
		return nil, err
	}
	src.Title, src.Description, src.Role, src.Reliability = title.String, desc.String, role.String, reliability.String
	src.DecayRate = models.DecayRate(decay.String)
	src.Origin = models.SourceOrigin(origin.String)
	src.LastUsed = nullInt(lastUsed)
	src.LastVerified = nullInt(lastVerified)
	if promotedFrom.Valid {
		src.PromotedFrom = &promotedFrom.String
	}
	return &src, nil
}

func nullInt(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}
