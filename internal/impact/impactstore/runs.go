package impactstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/floegence/redeven-impact/internal/impact"
)

// ErrStatusRegression is returned when a write would move a run backwards.
var ErrStatusRegression = errors.New("impact run status cannot move backwards")

const runColumns = `id, artefact_id, trigger_change_set_id, artefact_version_id, impact_score, summary_json, status, error, warnings_json, created_at_unix_ms, completed_at_unix_ms`

func (s *Store) CreateRun(ctx context.Context, r impact.Run) error {
	if err := s.ready(); err != nil {
		return err
	}
	ctx = ctxOrBackground(ctx)
	r.ID = strings.TrimSpace(r.ID)
	r.ArtefactID = strings.TrimSpace(r.ArtefactID)
	if r.ID == "" || r.ArtefactID == "" {
		return errors.New("invalid run")
	}
	if r.Status == "" {
		r.Status = impact.RunPending
	}
	summary, warnings, err := encodeRunJSON(r)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO impact_runs(`+runColumns+`)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, r.ID, r.ArtefactID, strings.TrimSpace(r.TriggerChangeSetID), r.ArtefactVersionID, r.ImpactScore, summary, string(r.Status), r.Error, warnings, r.CreatedAtUnixMs, r.CompletedAtUnixMs)
	return err
}

func (s *Store) MarkRunRunning(ctx context.Context, runID string) error {
	if err := s.ready(); err != nil {
		return err
	}
	ctx = ctxOrBackground(ctx)
	runID = strings.TrimSpace(runID)
	res, err := s.db.ExecContext(ctx, `UPDATE impact_runs SET status = ? WHERE id = ? AND status = ?`,
		string(impact.RunRunning), runID, string(impact.RunPending))
	if err != nil {
		return err
	}
	return checkAdvanced(ctx, s.db, res, runID)
}

// CompleteRun writes the completed run and its items in one transaction.
func (s *Store) CompleteRun(ctx context.Context, r impact.Run, items []impact.Item) error {
	if err := s.ready(); err != nil {
		return err
	}
	ctx = ctxOrBackground(ctx)
	r.ID = strings.TrimSpace(r.ID)
	summary, warnings, err := encodeRunJSON(r)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
UPDATE impact_runs
SET artefact_version_id = ?, impact_score = ?, summary_json = ?, status = ?, error = '', warnings_json = ?, completed_at_unix_ms = ?
WHERE id = ? AND status = ?
`, r.ArtefactVersionID, r.ImpactScore, summary, string(impact.RunCompleted), warnings, r.CompletedAtUnixMs, r.ID, string(impact.RunRunning))
	if err != nil {
		return err
	}
	if err := checkAdvanced(ctx, tx, res, r.ID); err != nil {
		return err
	}

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO impact_items(id, impact_run_id, item_name, item_type, impact_score, impact_reason, review_status, related_artefact_id, metadata_json)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, it := range items {
		md, err := json.Marshal(it.Metadata)
		if err != nil {
			return fmt.Errorf("encode item metadata: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, it.ID, r.ID, it.Name, string(it.Type), it.Score, it.Reason, string(it.ReviewStatus), it.RelatedArtefactID, string(md)); err != nil {
			return fmt.Errorf("insert item %s: %w", it.Key(), err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.completed.Remove(r.ID)
	return nil
}

func (s *Store) FailRun(ctx context.Context, runID string, reason string, warnings []string, completedAtUnixMs int64) error {
	if err := s.ready(); err != nil {
		return err
	}
	ctx = ctxOrBackground(ctx)
	runID = strings.TrimSpace(runID)
	if warnings == nil {
		warnings = []string{}
	}
	w, err := json.Marshal(warnings)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE impact_runs SET status = ?, error = ?, warnings_json = ?, completed_at_unix_ms = ?
WHERE id = ? AND status IN (?, ?)
`, string(impact.RunFailed), reason, string(w), completedAtUnixMs, runID, string(impact.RunPending), string(impact.RunRunning))
	if err != nil {
		return err
	}
	return checkAdvanced(ctx, s.db, res, runID)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// checkAdvanced turns a conditional status update that touched no rows into
// ErrRunNotFound or ErrStatusRegression.
func checkAdvanced(ctx context.Context, q queryer, res sql.Result, runID string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	var status string
	err = q.QueryRowContext(ctx, `SELECT status FROM impact_runs WHERE id = ?`, runID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return impact.ErrRunNotFound
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: run %s is %s", ErrStatusRegression, runID, status)
}

func (s *Store) GetRun(ctx context.Context, runID string) (*impact.Run, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	ctx = ctxOrBackground(ctx)
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, nil
	}
	if r, ok := s.completed.Get(runID); ok {
		return &r, nil
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM impact_runs WHERE id = ?`, runID)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if r.Status == impact.RunCompleted {
		s.completed.Add(r.ID, r)
	}
	return &r, nil
}

// ListRuns returns runs of an artefact, newest first. limit <= 0 means all.
func (s *Store) ListRuns(ctx context.Context, artefactID string, limit int) ([]impact.Run, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	ctx = ctxOrBackground(ctx)
	artefactID = strings.TrimSpace(artefactID)
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+runColumns+`
FROM impact_runs
WHERE artefact_id = ?
ORDER BY created_at_unix_ms DESC, id DESC
LIMIT ?
`, artefactID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []impact.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

const itemColumns = `id, impact_run_id, item_name, item_type, impact_score, impact_reason, review_status, related_artefact_id, metadata_json`

func (s *Store) ListItems(ctx context.Context, runID string) ([]impact.Item, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	ctx = ctxOrBackground(ctx)
	rows, err := s.db.QueryContext(ctx, `
SELECT `+itemColumns+`
FROM impact_items
WHERE impact_run_id = ?
ORDER BY impact_score DESC, item_type ASC, item_name ASC
`, strings.TrimSpace(runID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []impact.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *Store) GetItem(ctx context.Context, itemID string) (*impact.Item, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	ctx = ctxOrBackground(ctx)
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM impact_items WHERE id = ?`, strings.TrimSpace(itemID))
	it, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &it, nil
}

func (s *Store) UpdateItemReviewStatus(ctx context.Context, itemID string, status impact.ReviewStatus) error {
	if err := s.ready(); err != nil {
		return err
	}
	ctx = ctxOrBackground(ctx)
	res, err := s.db.ExecContext(ctx, `UPDATE impact_items SET review_status = ? WHERE id = ?`, string(status), strings.TrimSpace(itemID))
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return impact.ErrItemNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (impact.Run, error) {
	var (
		r        impact.Run
		status   string
		summary  string
		warnings string
	)
	if err := row.Scan(&r.ID, &r.ArtefactID, &r.TriggerChangeSetID, &r.ArtefactVersionID, &r.ImpactScore, &summary, &status, &r.Error, &warnings, &r.CreatedAtUnixMs, &r.CompletedAtUnixMs); err != nil {
		return impact.Run{}, err
	}
	r.Status = impact.RunStatus(status)
	if strings.TrimSpace(summary) != "" {
		if err := json.Unmarshal([]byte(summary), &r.Summary); err != nil {
			return impact.Run{}, fmt.Errorf("decode run summary: %w", err)
		}
	}
	if strings.TrimSpace(warnings) != "" {
		if err := json.Unmarshal([]byte(warnings), &r.Warnings); err != nil {
			return impact.Run{}, fmt.Errorf("decode run warnings: %w", err)
		}
	}
	if len(r.Warnings) == 0 {
		r.Warnings = nil
	}
	return r, nil
}

func scanItem(row rowScanner) (impact.Item, error) {
	var (
		it     impact.Item
		typ    string
		status string
		md     string
	)
	if err := row.Scan(&it.ID, &it.RunID, &it.Name, &typ, &it.Score, &it.Reason, &status, &it.RelatedArtefactID, &md); err != nil {
		return impact.Item{}, err
	}
	it.Type = impact.ItemType(typ)
	it.ReviewStatus = impact.ReviewStatus(status)
	if strings.TrimSpace(md) != "" {
		if err := json.Unmarshal([]byte(md), &it.Metadata); err != nil {
			return impact.Item{}, fmt.Errorf("decode item metadata: %w", err)
		}
	}
	return it, nil
}

func encodeRunJSON(r impact.Run) (string, string, error) {
	if r.Summary.TypeBreakdown == nil {
		r.Summary.TypeBreakdown = map[impact.ChangeType]int{}
	}
	summary, err := json.Marshal(r.Summary)
	if err != nil {
		return "", "", fmt.Errorf("encode run summary: %w", err)
	}
	warnings := r.Warnings
	if warnings == nil {
		warnings = []string{}
	}
	w, err := json.Marshal(warnings)
	if err != nil {
		return "", "", fmt.Errorf("encode run warnings: %w", err)
	}
	return string(summary), string(w), nil
}
