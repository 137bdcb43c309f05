package impactstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/floegence/redeven-impact/internal/impact"
	"github.com/hashicorp/golang-lru/v2"
	_ "modernc.org/sqlite"
)

const completedRunCacheSize = 512

// Store is the SQLite-backed persistence layer of the impact engine.
//
// It implements every repository interface the engine consumes. WAL is
// enabled so CLI readers can inspect the database while a server writes.
type Store struct {
	db *sql.DB

	// Completed runs are immutable, so they can be served from memory.
	completed *lru.Cache[string, impact.Run]
}

var (
	_ impact.ArtefactSource  = (*Store)(nil)
	_ impact.SnapshotStore   = (*Store)(nil)
	_ impact.RunStore        = (*Store)(nil)
	_ impact.LinkageStore    = (*Store)(nil)
	_ impact.SuggestionStore = (*Store)(nil)
	_ impact.QueueStore      = (*Store)(nil)
)

func Open(path string) (*Store, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	cache, err := lru.New[string, impact.Run](completedRunCacheSize)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, completed: cache}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) ready() error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	return nil
}

func initSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}
	return migrateSchema(db)
}

// edgeTables maps a target type onto the table holding its edges.
var edgeTables = map[impact.TargetType]string{
	impact.TargetCode:     "feature_code_map",
	impact.TargetTest:     "test_index",
	impact.TargetData:     "feature_data_map",
	impact.TargetArtefact: "artefact_links",
}

var edgeTableOrder = []impact.TargetType{impact.TargetCode, impact.TargetTest, impact.TargetData, impact.TargetArtefact}

func edgeTableDDL(table string) string {
	return fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
  id TEXT PRIMARY KEY,
  artefact_id TEXT NOT NULL,
  target_id TEXT NOT NULL,
  link_type TEXT NOT NULL DEFAULT '',
  data_kind TEXT NOT NULL DEFAULT '',
  confidence REAL NOT NULL DEFAULT 1,
  link_source TEXT NOT NULL DEFAULT 'manual',
  user_id TEXT NOT NULL DEFAULT '',
  created_at_unix_ms INTEGER NOT NULL,
  updated_at_unix_ms INTEGER NOT NULL,
  UNIQUE(artefact_id, target_id)
);
CREATE INDEX IF NOT EXISTS idx_%[1]s_target ON %[1]s(target_id);
`, table)
}

func migrateSchema(db *sql.DB) error {
	const targetVersion = 2

	var v int
	if err := db.QueryRow(`PRAGMA user_version;`).Scan(&v); err != nil {
		return fmt.Errorf("pragma user_version: %w", err)
	}
	if v >= targetVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS artefacts (
  id TEXT PRIMARY KEY,
  title TEXT NOT NULL DEFAULT '',
  kind TEXT NOT NULL DEFAULT '',
  content TEXT NOT NULL,
  content_type TEXT NOT NULL DEFAULT '',
  product_context_id TEXT NOT NULL DEFAULT '',
  updated_at_unix_ms INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS artefact_snapshots (
  id TEXT PRIMARY KEY,
  artefact_id TEXT NOT NULL,
  content TEXT NOT NULL,
  created_at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_artefact_snapshots_artefact ON artefact_snapshots(artefact_id, created_at_unix_ms DESC);
CREATE TABLE IF NOT EXISTS impact_runs (
  id TEXT PRIMARY KEY,
  artefact_id TEXT NOT NULL,
  trigger_change_set_id TEXT NOT NULL DEFAULT '',
  artefact_version_id TEXT NOT NULL DEFAULT '',
  impact_score REAL NOT NULL DEFAULT 0,
  summary_json TEXT NOT NULL DEFAULT '{}',
  status TEXT NOT NULL,
  error TEXT NOT NULL DEFAULT '',
  warnings_json TEXT NOT NULL DEFAULT '[]',
  created_at_unix_ms INTEGER NOT NULL,
  completed_at_unix_ms INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_impact_runs_artefact ON impact_runs(artefact_id, created_at_unix_ms DESC, id DESC);
CREATE TABLE IF NOT EXISTS impact_items (
  id TEXT PRIMARY KEY,
  impact_run_id TEXT NOT NULL,
  item_name TEXT NOT NULL,
  item_type TEXT NOT NULL,
  impact_score REAL NOT NULL,
  impact_reason TEXT NOT NULL DEFAULT '',
  review_status TEXT NOT NULL,
  related_artefact_id TEXT NOT NULL DEFAULT '',
  metadata_json TEXT NOT NULL DEFAULT '{}',
  UNIQUE(impact_run_id, item_type, item_name)
);
CREATE INDEX IF NOT EXISTS idx_impact_items_run ON impact_items(impact_run_id);
`); err != nil {
		return err
	}

	for _, t := range edgeTableOrder {
		if _, err := tx.Exec(edgeTableDDL(edgeTables[t])); err != nil {
			return err
		}
	}

	// Version 2 added suggestion data kinds and the deferred trigger queue.
	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS link_suggestions (
  id TEXT PRIMARY KEY,
  artefact_id TEXT NOT NULL,
  suggested_target_type TEXT NOT NULL,
  suggested_target_id TEXT NOT NULL,
  suggested_link_type TEXT NOT NULL DEFAULT '',
  confidence REAL NOT NULL,
  reasoning TEXT NOT NULL DEFAULT '',
  status TEXT NOT NULL DEFAULT 'pending',
  created_at_unix_ms INTEGER NOT NULL,
  decided_at_unix_ms INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_link_suggestions_artefact ON link_suggestions(artefact_id, created_at_unix_ms DESC);
CREATE TABLE IF NOT EXISTS analysis_queue (
  id TEXT PRIMARY KEY,
  artefact_id TEXT NOT NULL,
  trigger_change_set_id TEXT NOT NULL DEFAULT '',
  scheduled_at_unix_ms INTEGER NOT NULL,
  state TEXT NOT NULL DEFAULT 'queued',
  dispatched_at_unix_ms INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_analysis_queue_state ON analysis_queue(state, scheduled_at_unix_ms);
`); err != nil {
		return err
	}
	if has, err := columnExists(tx, "link_suggestions", "suggested_data_kind"); err != nil {
		return err
	} else if !has {
		if _, err := tx.Exec(`ALTER TABLE link_suggestions ADD COLUMN suggested_data_kind TEXT NOT NULL DEFAULT ''`); err != nil {
			return err
		}
	}

	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version=%d;`, targetVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

func columnExists(tx *sql.Tx, tableName string, colName string) (bool, error) {
	rows, err := tx.Query(`PRAGMA table_info(` + tableName + `)`)
	if err != nil {
		return false, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			cid          int
			name         string
			ctype        string
			notNull      int
			defaultValue sql.NullString
			primaryKey   int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &defaultValue, &primaryKey); err != nil {
			return false, err
		}
		if strings.EqualFold(strings.TrimSpace(name), colName) {
			return true, nil
		}
	}
	return false, rows.Err()
}

func ctxOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
