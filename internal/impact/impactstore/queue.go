package impactstore

import (
	"context"
	"errors"
	"strings"

	"github.com/floegence/redeven-impact/internal/impact"
)

func (s *Store) Enqueue(ctx context.Context, e impact.QueueEntry) error {
	if err := s.ready(); err != nil {
		return err
	}
	ctx = ctxOrBackground(ctx)
	if strings.TrimSpace(e.ID) == "" || strings.TrimSpace(e.ArtefactID) == "" {
		return errors.New("invalid queue entry")
	}
	state := e.State
	if state == "" {
		state = impact.QueueQueued
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO analysis_queue(id, artefact_id, trigger_change_set_id, scheduled_at_unix_ms, state, dispatched_at_unix_ms)
VALUES(?, ?, ?, ?, ?, ?)
`, e.ID, strings.TrimSpace(e.ArtefactID), strings.TrimSpace(e.TriggerChangeSetID), e.ScheduledAtUnixMs, string(state), e.DispatchedAtUnixMs)
	return err
}

// ListQueued returns entries not yet dispatched, earliest first.
func (s *Store) ListQueued(ctx context.Context) ([]impact.QueueEntry, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	ctx = ctxOrBackground(ctx)
	rows, err := s.db.QueryContext(ctx, `
SELECT id, artefact_id, trigger_change_set_id, scheduled_at_unix_ms, state, dispatched_at_unix_ms
FROM analysis_queue
WHERE state = ?
ORDER BY scheduled_at_unix_ms ASC, id ASC
`, string(impact.QueueQueued))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []impact.QueueEntry
	for rows.Next() {
		var (
			e     impact.QueueEntry
			state string
		)
		if err := rows.Scan(&e.ID, &e.ArtefactID, &e.TriggerChangeSetID, &e.ScheduledAtUnixMs, &state, &e.DispatchedAtUnixMs); err != nil {
			return nil, err
		}
		e.State = impact.QueueState(state)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) MarkDispatched(ctx context.Context, entryID string, atUnixMs int64) (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}
	ctx = ctxOrBackground(ctx)
	res, err := s.db.ExecContext(ctx, `
UPDATE analysis_queue SET state = ?, dispatched_at_unix_ms = ?
WHERE id = ? AND state = ?
`, string(impact.QueueDispatched), atUnixMs, strings.TrimSpace(entryID), string(impact.QueueQueued))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
