package impactstore

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/floegence/redeven-impact/internal/impact"
)

const suggestionColumns = `id, artefact_id, suggested_target_type, suggested_target_id, suggested_link_type, suggested_data_kind, confidence, reasoning, status, created_at_unix_ms, decided_at_unix_ms`

func (s *Store) InsertSuggestions(ctx context.Context, list []impact.Suggestion) error {
	if err := s.ready(); err != nil {
		return err
	}
	if len(list) == 0 {
		return nil
	}
	ctx = ctxOrBackground(ctx)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO link_suggestions(`+suggestionColumns+`) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, sg := range list {
		status := sg.Status
		if status == "" {
			status = impact.SuggestionPending
		}
		if _, err := stmt.ExecContext(ctx, sg.ID, sg.ArtefactID, string(sg.SuggestedTargetType), sg.SuggestedTargetID, sg.SuggestedLinkType, string(sg.SuggestedDataKind), sg.Confidence, sg.Reasoning, string(status), sg.CreatedAtUnixMs, sg.DecidedAtUnixMs); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) GetSuggestion(ctx context.Context, suggestionID string) (*impact.Suggestion, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	ctx = ctxOrBackground(ctx)
	row := s.db.QueryRowContext(ctx, `SELECT `+suggestionColumns+` FROM link_suggestions WHERE id = ?`, strings.TrimSpace(suggestionID))
	sg, err := scanSuggestion(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sg, nil
}

func (s *Store) ListSuggestions(ctx context.Context, artefactID string, status impact.SuggestionStatus) ([]impact.Suggestion, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	ctx = ctxOrBackground(ctx)

	query := `SELECT ` + suggestionColumns + ` FROM link_suggestions WHERE artefact_id = ?`
	args := []any{strings.TrimSpace(artefactID)}
	if status != "" {
		query += ` AND status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY created_at_unix_ms DESC, confidence DESC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []impact.Suggestion
	for rows.Next() {
		sg, err := scanSuggestion(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sg)
	}
	return out, rows.Err()
}

func (s *Store) DecideSuggestion(ctx context.Context, suggestionID string, status impact.SuggestionStatus, decidedAtUnixMs int64) (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}
	ctx = ctxOrBackground(ctx)
	return decideSuggestion(ctx, s.db, suggestionID, status, decidedAtUnixMs)
}

// AcceptSuggestion flips the suggestion and materializes its edge in one
// transaction. A manual edge already linking the same target wins over the
// suggested one.
func (s *Store) AcceptSuggestion(ctx context.Context, suggestionID string, e impact.Edge, decidedAtUnixMs int64) (impact.Edge, bool, error) {
	if err := s.ready(); err != nil {
		return impact.Edge{}, false, err
	}
	ctx = ctxOrBackground(ctx)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return impact.Edge{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	ok, err := decideSuggestion(ctx, tx, suggestionID, impact.SuggestionAccepted, decidedAtUnixMs)
	if err != nil || !ok {
		return impact.Edge{}, false, err
	}
	out, err := upsertEdge(ctx, tx, e, true)
	if err != nil {
		return impact.Edge{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return impact.Edge{}, false, err
	}
	return out, true, nil
}

func decideSuggestion(ctx context.Context, q execQueryer, suggestionID string, status impact.SuggestionStatus, decidedAtUnixMs int64) (bool, error) {
	res, err := q.ExecContext(ctx, `
UPDATE link_suggestions SET status = ?, decided_at_unix_ms = ?
WHERE id = ? AND status = ?
`, string(status), decidedAtUnixMs, strings.TrimSpace(suggestionID), string(impact.SuggestionPending))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func scanSuggestion(row rowScanner) (impact.Suggestion, error) {
	var (
		sg       impact.Suggestion
		typ      string
		dataKind string
		status   string
	)
	if err := row.Scan(&sg.ID, &sg.ArtefactID, &typ, &sg.SuggestedTargetID, &sg.SuggestedLinkType, &dataKind, &sg.Confidence, &sg.Reasoning, &status, &sg.CreatedAtUnixMs, &sg.DecidedAtUnixMs); err != nil {
		return impact.Suggestion{}, err
	}
	sg.SuggestedTargetType = impact.TargetType(typ)
	sg.SuggestedDataKind = impact.DataKind(dataKind)
	sg.Status = impact.SuggestionStatus(status)
	return sg, nil
}
