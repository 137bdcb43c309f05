package auditlog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	defaultMaxBytes   = int64(4 << 20) // 4 MiB
	defaultMaxBackups = 3

	activeName    = "impact.jsonl"
	rotatedPrefix = "impact-"
	rotatedSuffix = ".jsonl"
)

// Actions recorded by the impact engine.
const (
	ActionReviewStatus     = "item_review_status"
	ActionLinkAdded        = "link_added"
	ActionLinkRemoved      = "link_removed"
	ActionSuggestAccepted  = "suggestion_accepted"
	ActionSuggestRejected  = "suggestion_rejected"
	ActionRunFailed        = "run_failed"
	ActionRunDegraded      = "run_degraded"
	ActionArtefactImported = "artefact_imported"
)

type Entry struct {
	CreatedAt string `json:"created_at"`

	// Action is a short, stable identifier (see the Action* constants).
	Action string `json:"action"`

	// Status is "success" or "failure".
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`

	UserID       string `json:"user_id,omitempty"`
	ArtefactID   string `json:"artefact_id,omitempty"`
	RunID        string `json:"run_id,omitempty"`
	ItemID       string `json:"item_id,omitempty"`
	EdgeID       string `json:"edge_id,omitempty"`
	SuggestionID string `json:"suggestion_id,omitempty"`

	// Detail is a small, action-specific object.
	Detail map[string]any `json:"detail,omitempty"`
}

type Options struct {
	Logger *slog.Logger
	// StateDir is the engine state directory (e.g. ~/.redeven-impact).
	StateDir string

	// MaxBytes is the rotation threshold of the active file. <= 0 uses a default.
	MaxBytes int64
	// MaxBackups keeps the latest N rotated files. <= 0 uses a default.
	MaxBackups int
}

// Store is an append-only JSONL audit trail with size-based rotation.
type Store struct {
	log *slog.Logger

	dir        string
	activePath string

	maxBytes   int64
	maxBackups int

	mu sync.Mutex
}

func New(opts Options) (*Store, error) {
	stateDir := strings.TrimSpace(opts.StateDir)
	if stateDir == "" {
		return nil, errors.New("missing StateDir")
	}
	dir := filepath.Join(stateDir, "audit")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &Store{
		log:        logger,
		dir:        dir,
		activePath: filepath.Join(dir, activeName),
		maxBytes:   opts.MaxBytes,
		maxBackups: opts.MaxBackups,
	}
	if s.maxBytes <= 0 {
		s.maxBytes = defaultMaxBytes
	}
	if s.maxBackups <= 0 {
		s.maxBackups = defaultMaxBackups
	}

	f, err := os.OpenFile(s.activePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	_ = f.Close()
	return s, nil
}

// Append writes one entry. Failures are logged, never returned: auditing
// must not fail the operation being audited.
func (s *Store) Append(e Entry) {
	if s == nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if strings.TrimSpace(e.CreatedAt) == "" {
		e.CreatedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}
	if strings.TrimSpace(e.Status) == "" {
		e.Status = "success"
	}

	f, err := os.OpenFile(s.activePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		s.log.Warn("auditlog append failed", "action", e.Action, "error", err)
		return
	}
	defer f.Close()

	enc := json.NewEncoder(f)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(&e); err != nil {
		s.log.Warn("auditlog encode failed", "action", e.Action, "error", err)
		return
	}
	s.maybeRotateLocked()
}

// List returns up to limit entries, newest first.
func (s *Store) List(limit int) ([]Entry, error) {
	return s.ListFor("", limit)
}

// ListFor returns up to limit entries about artefactID, newest first.
// An empty artefactID matches every entry.
func (s *Store) ListFor(artefactID string, limit int) ([]Entry, error) {
	if s == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 200
	}
	if limit > 1000 {
		limit = 1000
	}
	artefactID = strings.TrimSpace(artefactID)

	s.mu.Lock()
	files := append([]string{s.activePath}, s.rotatedLocked(true)...)
	s.mu.Unlock()

	out := make([]Entry, 0, limit)
	for _, path := range files {
		if len(out) >= limit {
			break
		}
		entries, err := readNewestFirst(path, artefactID, limit-len(out))
		if err != nil {
			s.log.Warn("auditlog read failed", "path", path, "error", err)
			continue
		}
		out = append(out, entries...)
	}
	return out, nil
}

// rotatedLocked lists rotated files. Names embed UnixMilli so lexical order
// is chronological.
func (s *Store) rotatedLocked(newestFirst bool) []string {
	ents, err := os.ReadDir(s.dir)
	if err != nil {
		return nil
	}
	var out []string
	for _, ent := range ents {
		if ent == nil || ent.IsDir() {
			continue
		}
		name := ent.Name()
		if !strings.HasPrefix(name, rotatedPrefix) || !strings.HasSuffix(name, rotatedSuffix) {
			continue
		}
		out = append(out, filepath.Join(s.dir, name))
	}
	if newestFirst {
		sort.Sort(sort.Reverse(sort.StringSlice(out)))
	} else {
		sort.Strings(out)
	}
	return out
}

func (s *Store) maybeRotateLocked() {
	st, err := os.Stat(s.activePath)
	if err != nil || st.Size() <= s.maxBytes {
		return
	}

	dst := filepath.Join(s.dir, fmt.Sprintf("%s%d%s", rotatedPrefix, time.Now().UnixMilli(), rotatedSuffix))
	if err := os.Rename(s.activePath, dst); err != nil {
		s.log.Warn("auditlog rotate failed", "error", err)
		return
	}
	if f, err := os.OpenFile(s.activePath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600); err == nil {
		_ = f.Close()
	}

	rotated := s.rotatedLocked(false)
	if len(rotated) <= s.maxBackups {
		return
	}
	for _, path := range rotated[:len(rotated)-s.maxBackups] {
		_ = os.Remove(path)
	}
}

func readNewestFirst(path string, artefactID string, limit int) ([]Entry, error) {
	if limit <= 0 {
		return nil, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var entries []Entry
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			continue
		}
		if artefactID != "" && e.ArtefactID != artefactID {
			continue
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}
