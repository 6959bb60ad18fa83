package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite" // database/sql driver

	"github.com/tfatykhov/cstp/internal/model"
)

// SQLiteStore is the persistent DecisionStore. Each decision is stored as a
// JSON document alongside the scalar columns used for filtering; the JSON
// body is authoritative.
type SQLiteStore struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS decisions (
	id          TEXT PRIMARY KEY,
	agent_id    TEXT NOT NULL,
	category    TEXT NOT NULL,
	stakes      TEXT NOT NULL,
	confidence  REAL NOT NULL,
	project     TEXT NOT NULL DEFAULT '',
	feature     TEXT NOT NULL DEFAULT '',
	pr          INTEGER NOT NULL DEFAULT 0,
	reviewed    INTEGER NOT NULL DEFAULT 0,
	created_at  TEXT NOT NULL,
	updated_at  TEXT,
	body        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decisions_created ON decisions(created_at);
CREATE INDEX IF NOT EXISTS idx_decisions_category ON decisions(category);
CREATE INDEX IF NOT EXISTS idx_decisions_agent ON decisions(agent_id);
`

// NewSQLiteStore opens (or creates) the decision database at path and applies
// the schema. Uses WAL mode so readers don't block the single writer.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite %q: %w", path, err)
	}
	// modernc/sqlite serializes writes internally; a single connection avoids
	// SQLITE_BUSY under concurrent writers.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: apply schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Save persists a decision, idempotent by id.
func (s *SQLiteStore) Save(ctx context.Context, d model.Decision) error {
	if err := d.Validate(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	prev, err := getTx(ctx, tx, d.ID)
	switch {
	case err == nil:
		if prev.Reviewed() {
			if err := checkReviewedResave(&prev, &d); err != nil {
				return err
			}
		}
		d.CreatedAt = prev.CreatedAt
		d.AgentID = prev.AgentID
		now := time.Now().UTC()
		d.UpdatedAt = &now
	case errors.Is(err, ErrNotFound):
		if d.CreatedAt.IsZero() {
			d.CreatedAt = time.Now().UTC()
		}
	default:
		return err
	}

	if err := upsertTx(ctx, tx, &d); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit: %w", err)
	}
	return nil
}

func upsertTx(ctx context.Context, tx *sql.Tx, d *model.Decision) error {
	body, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("storage: marshal decision: %w", err)
	}
	var updatedAt any
	if d.UpdatedAt != nil {
		updatedAt = d.UpdatedAt.UTC().Format(time.RFC3339Nano)
	}
	reviewed := 0
	if d.Reviewed() {
		reviewed = 1
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO decisions (id, agent_id, category, stakes, confidence, project, feature, pr, reviewed, created_at, updated_at, body)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			category = excluded.category,
			stakes = excluded.stakes,
			confidence = excluded.confidence,
			project = excluded.project,
			feature = excluded.feature,
			pr = excluded.pr,
			reviewed = excluded.reviewed,
			updated_at = excluded.updated_at,
			body = excluded.body`,
		d.ID, d.AgentID, d.Category, string(d.Stakes), d.Confidence,
		d.Project, d.Feature, d.PR, reviewed,
		d.CreatedAt.UTC().Format(time.RFC3339Nano), updatedAt, string(body),
	)
	if err != nil {
		return fmt.Errorf("storage: upsert decision %s: %w", d.ID, err)
	}
	return nil
}

func getTx(ctx context.Context, tx *sql.Tx, id string) (model.Decision, error) {
	var body string
	err := tx.QueryRowContext(ctx, `SELECT body FROM decisions WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Decision{}, ErrNotFound
	}
	if err != nil {
		return model.Decision{}, fmt.Errorf("storage: get %s: %w", id, err)
	}
	return decodeBody(body)
}

func decodeBody(body string) (model.Decision, error) {
	var d model.Decision
	if err := json.Unmarshal([]byte(body), &d); err != nil {
		return model.Decision{}, fmt.Errorf("storage: decode decision: %w", err)
	}
	return d, nil
}

// Get returns a decision by id.
func (s *SQLiteStore) Get(ctx context.Context, id string) (model.Decision, error) {
	var body string
	err := s.db.QueryRowContext(ctx, `SELECT body FROM decisions WHERE id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Decision{}, ErrNotFound
	}
	if err != nil {
		return model.Decision{}, fmt.Errorf("storage: get %s: %w", id, err)
	}
	return decodeBody(body)
}

// List returns a deterministic page of decisions. Scalar columns prefilter
// in SQL; tag, status, and free-text filters apply on the decoded documents
// so both store implementations share filter semantics.
func (s *SQLiteStore) List(ctx context.Context, q model.ListQuery) (model.ListResult, error) {
	q.Normalize()

	matched, err := s.scanFiltered(ctx, q.Filters)
	if err != nil {
		return model.ListResult{}, err
	}

	sort.Slice(matched, func(i, j int) bool {
		a, b := matched[i], matched[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			if q.SortDesc {
				return a.CreatedAt.After(b.CreatedAt)
			}
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})

	total := len(matched)
	if q.Offset >= total || q.Limit == 0 {
		return model.ListResult{Items: []model.Decision{}, Total: total}, nil
	}
	end := q.Offset + q.Limit
	if end > total {
		end = total
	}
	return model.ListResult{Items: matched[q.Offset:end], Total: total}, nil
}

func (s *SQLiteStore) scanFiltered(ctx context.Context, f model.QueryFilters) ([]model.Decision, error) {
	var (
		where []string
		args  []any
	)
	if f.Category != "" {
		where = append(where, "category = ?")
		args = append(args, f.Category)
	}
	if f.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, f.AgentID)
	}
	if f.Project != "" {
		where = append(where, "project = ?")
		args = append(args, f.Project)
	}
	if f.Feature != "" {
		where = append(where, "feature = ?")
		args = append(args, f.Feature)
	}
	if f.PR != 0 {
		where = append(where, "pr = ?")
		args = append(args, f.PR)
	}
	if f.MinConfidence != nil {
		where = append(where, "confidence >= ?")
		args = append(args, *f.MinConfidence)
	}
	if f.MaxConfidence != nil {
		where = append(where, "confidence <= ?")
		args = append(args, *f.MaxConfidence)
	}
	if f.HasOutcome != nil {
		where = append(where, "reviewed = ?")
		if *f.HasOutcome {
			args = append(args, 1)
		} else {
			args = append(args, 0)
		}
	}
	if f.DateAfter != nil {
		where = append(where, "created_at >= ?")
		args = append(args, f.DateAfter.UTC().Format(time.RFC3339Nano))
	}
	if f.DateBefore != nil {
		where = append(where, "created_at <= ?")
		args = append(args, f.DateBefore.UTC().Format(time.RFC3339Nano))
	}

	query := "SELECT body FROM decisions"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list: %w", err)
	}
	defer rows.Close()

	var matched []model.Decision
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("storage: scan: %w", err)
		}
		d, err := decodeBody(body)
		if err != nil {
			return nil, err
		}
		if f.Match(&d) && matchSearch(&d, f.Search) {
			matched = append(matched, d)
		}
	}
	return matched, rows.Err()
}

// Stats aggregates counts over the filtered set.
func (s *SQLiteStore) Stats(ctx context.Context, window model.StatsWindow, filters model.QueryFilters) (model.DecisionStats, error) {
	matched, err := s.scanFiltered(ctx, filters)
	if err != nil {
		return model.DecisionStats{}, err
	}

	stats := model.DecisionStats{
		ByCategory: map[string]int{},
		ByStakes:   map[string]int{},
		ByStatus:   map[string]int{},
		ByAgent:    map[string]int{},
		ByDay:      map[string]int{},
	}
	tagCounts := map[string]int{}
	now := time.Now().UTC()

	for _, d := range matched {
		if window.After != nil && d.CreatedAt.Before(*window.After) {
			continue
		}
		if window.Before != nil && d.CreatedAt.After(*window.Before) {
			continue
		}
		stats.Total++
		stats.ByCategory[d.Category]++
		stats.ByStakes[string(d.Stakes)]++
		if d.Reviewed() {
			stats.ByStatus[string(model.StatusReviewed)]++
		} else {
			stats.ByStatus[string(model.StatusPending)]++
		}
		stats.ByAgent[d.AgentID]++
		stats.ByDay[d.CreatedAt.Format("2006-01-02")]++
		for _, t := range d.Tags {
			tagCounts[t]++
		}
		age := now.Sub(d.CreatedAt)
		if age <= 24*time.Hour {
			stats.Last24h++
		}
		if age <= 7*24*time.Hour {
			stats.Last7d++
		}
		if age <= 30*24*time.Hour {
			stats.Last30d++
		}
	}
	stats.TopTags = topTags(tagCounts, 10)
	return stats, nil
}

// UpdateOutcome attaches an outcome to a pending decision.
func (s *SQLiteStore) UpdateOutcome(ctx context.Context, id string, outcome model.Outcome) error {
	if !model.ValidOutcome(outcome.Outcome) {
		return fmt.Errorf("storage: invalid outcome %q", outcome.Outcome)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	d, err := getTx(ctx, tx, id)
	if err != nil {
		return err
	}
	if d.Reviewed() {
		return ErrAlreadyReviewed
	}
	if outcome.ReviewedAt.IsZero() {
		outcome.ReviewedAt = time.Now().UTC()
	}
	d.Outcome = &outcome
	now := time.Now().UTC()
	d.UpdatedAt = &now

	if err := upsertTx(ctx, tx, &d); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: commit: %w", err)
	}
	return nil
}

// Count returns the number of decisions matching the filters.
func (s *SQLiteStore) Count(ctx context.Context, filters model.QueryFilters) (int, error) {
	matched, err := s.scanFiltered(ctx, filters)
	if err != nil {
		return 0, err
	}
	return len(matched), nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error { return s.db.Close() }
