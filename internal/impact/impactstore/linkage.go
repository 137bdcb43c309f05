package impactstore

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/floegence/redeven-impact/internal/impact"
)

const edgeColumns = `id, artefact_id, target_id, link_type, data_kind, confidence, link_source, user_id, created_at_unix_ms`

type execQueryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) UpsertEdge(ctx context.Context, e impact.Edge) (impact.Edge, error) {
	if err := s.ready(); err != nil {
		return impact.Edge{}, err
	}
	ctx = ctxOrBackground(ctx)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return impact.Edge{}, err
	}
	defer func() { _ = tx.Rollback() }()

	out, err := upsertEdge(ctx, tx, e, false)
	if err != nil {
		return impact.Edge{}, err
	}
	if err := tx.Commit(); err != nil {
		return impact.Edge{}, err
	}
	return out, nil
}

// upsertEdge writes e keyed by (artefact_id, target_id) within its type's
// table. An existing edge keeps its id and creation time. With keepManual set
// an existing manual edge is left untouched and returned as is.
func upsertEdge(ctx context.Context, q execQueryer, e impact.Edge, keepManual bool) (impact.Edge, error) {
	table, ok := edgeTables[e.TargetType]
	if !ok {
		return impact.Edge{}, fmt.Errorf("%w: unsupported target_type %q", impact.ErrInvalidEdge, e.TargetType)
	}
	guard := ""
	if keepManual {
		guard = "\nWHERE " + table + ".link_source <> '" + string(impact.LinkManual) + "'"
	}
	if _, err := q.ExecContext(ctx, `
INSERT INTO `+table+`(id, artefact_id, target_id, link_type, data_kind, confidence, link_source, user_id, created_at_unix_ms, updated_at_unix_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(artefact_id, target_id) DO UPDATE SET
  link_type = excluded.link_type,
  data_kind = excluded.data_kind,
  confidence = excluded.confidence,
  link_source = excluded.link_source,
  user_id = excluded.user_id,
  updated_at_unix_ms = excluded.updated_at_unix_ms`+guard, e.ID, e.ArtefactID, e.TargetID, e.LinkType, string(e.DataKind), e.Confidence, string(e.Source), e.UserID, e.CreatedAtUnixMs, e.CreatedAtUnixMs); err != nil {
		return impact.Edge{}, err
	}

	row := q.QueryRowContext(ctx, `SELECT `+edgeColumns+` FROM `+table+` WHERE artefact_id = ? AND target_id = ?`, e.ArtefactID, e.TargetID)
	return scanEdge(row, e.TargetType)
}

func (s *Store) DeleteEdge(ctx context.Context, edgeID string) (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}
	ctx = ctxOrBackground(ctx)
	edgeID = strings.TrimSpace(edgeID)
	if edgeID == "" {
		return false, nil
	}
	for _, t := range edgeTableOrder {
		res, err := s.db.ExecContext(ctx, `DELETE FROM `+edgeTables[t]+` WHERE id = ?`, edgeID)
		if err != nil {
			return false, err
		}
		if n, err := res.RowsAffected(); err != nil {
			return false, err
		} else if n > 0 {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) EdgesFor(ctx context.Context, artefactID string) (impact.Graph, error) {
	if err := s.ready(); err != nil {
		return impact.Graph{}, err
	}
	ctx = ctxOrBackground(ctx)
	artefactID = strings.TrimSpace(artefactID)

	var all []impact.Edge
	for _, t := range edgeTableOrder {
		rows, err := s.db.QueryContext(ctx, `SELECT `+edgeColumns+` FROM `+edgeTables[t]+` WHERE artefact_id = ? ORDER BY target_id ASC`, artefactID)
		if err != nil {
			return impact.Graph{}, err
		}
		for rows.Next() {
			e, err := scanEdge(rows, t)
			if err != nil {
				_ = rows.Close()
				return impact.Graph{}, err
			}
			all = append(all, e)
		}
		err = rows.Err()
		_ = rows.Close()
		if err != nil {
			return impact.Graph{}, err
		}
	}
	return impact.GroupEdges(all), nil
}

// KnownTargets lists the distinct code and data targets of the whole graph.
func (s *Store) KnownTargets(ctx context.Context) ([]string, []string, error) {
	if err := s.ready(); err != nil {
		return nil, nil, err
	}
	ctx = ctxOrBackground(ctx)
	code, err := s.distinctTargets(ctx, edgeTables[impact.TargetCode])
	if err != nil {
		return nil, nil, err
	}
	data, err := s.distinctTargets(ctx, edgeTables[impact.TargetData])
	if err != nil {
		return nil, nil, err
	}
	return code, data, nil
}

func (s *Store) distinctTargets(ctx context.Context, table string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT target_id FROM `+table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

func scanEdge(row rowScanner, t impact.TargetType) (impact.Edge, error) {
	var (
		e        impact.Edge
		dataKind string
		source   string
	)
	if err := row.Scan(&e.ID, &e.ArtefactID, &e.TargetID, &e.LinkType, &dataKind, &e.Confidence, &source, &e.UserID, &e.CreatedAtUnixMs); err != nil {
		return impact.Edge{}, err
	}
	e.TargetType = t
	e.DataKind = impact.DataKind(dataKind)
	e.Source = impact.LinkSource(source)
	return e, nil
}
