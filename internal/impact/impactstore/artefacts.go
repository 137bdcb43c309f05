package impactstore

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/floegence/redeven-impact/internal/impact"
)

// PutArtefact inserts or replaces an artefact. The server imports documents
// through it; the engine itself only reads.
func (s *Store) PutArtefact(ctx context.Context, a impact.Artefact) error {
	if err := s.ready(); err != nil {
		return err
	}
	ctx = ctxOrBackground(ctx)
	a.ID = strings.TrimSpace(a.ID)
	if a.ID == "" {
		return errors.New("missing artefact id")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO artefacts(id, title, kind, content, content_type, product_context_id, updated_at_unix_ms)
VALUES(?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
  title = excluded.title,
  kind = excluded.kind,
  content = excluded.content,
  content_type = excluded.content_type,
  product_context_id = excluded.product_context_id,
  updated_at_unix_ms = excluded.updated_at_unix_ms
`, a.ID, strings.TrimSpace(a.Title), strings.TrimSpace(a.Kind), a.Content, strings.TrimSpace(a.ContentType), strings.TrimSpace(a.ProductContextID), a.UpdatedAtUnixMs)
	return err
}

func (s *Store) GetArtefact(ctx context.Context, artefactID string) (*impact.Artefact, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	ctx = ctxOrBackground(ctx)
	var a impact.Artefact
	err := s.db.QueryRowContext(ctx, `
SELECT id, title, kind, content, content_type, product_context_id, updated_at_unix_ms
FROM artefacts WHERE id = ?
`, strings.TrimSpace(artefactID)).Scan(&a.ID, &a.Title, &a.Kind, &a.Content, &a.ContentType, &a.ProductContextID, &a.UpdatedAtUnixMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ListArtefacts returns artefact headers without content, most recently
// updated first.
func (s *Store) ListArtefacts(ctx context.Context) ([]impact.Artefact, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	ctx = ctxOrBackground(ctx)
	rows, err := s.db.QueryContext(ctx, `
SELECT id, title, kind, content_type, product_context_id, updated_at_unix_ms
FROM artefacts
ORDER BY updated_at_unix_ms DESC, id ASC
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []impact.Artefact
	for rows.Next() {
		var a impact.Artefact
		if err := rows.Scan(&a.ID, &a.Title, &a.Kind, &a.ContentType, &a.ProductContextID, &a.UpdatedAtUnixMs); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) LatestSnapshot(ctx context.Context, artefactID string) (*impact.Snapshot, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	ctx = ctxOrBackground(ctx)
	var sn impact.Snapshot
	err := s.db.QueryRowContext(ctx, `
SELECT id, artefact_id, content, created_at_unix_ms
FROM artefact_snapshots
WHERE artefact_id = ?
ORDER BY created_at_unix_ms DESC, rowid DESC
LIMIT 1
`, strings.TrimSpace(artefactID)).Scan(&sn.ID, &sn.ArtefactID, &sn.Content, &sn.CreatedAtUnixMs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sn, nil
}

func (s *Store) PutSnapshot(ctx context.Context, sn impact.Snapshot) error {
	if err := s.ready(); err != nil {
		return err
	}
	ctx = ctxOrBackground(ctx)
	if strings.TrimSpace(sn.ID) == "" || strings.TrimSpace(sn.ArtefactID) == "" {
		return errors.New("invalid snapshot")
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO artefact_snapshots(id, artefact_id, content, created_at_unix_ms)
VALUES(?, ?, ?, ?)
`, sn.ID, strings.TrimSpace(sn.ArtefactID), sn.Content, sn.CreatedAtUnixMs)
	return err
}
