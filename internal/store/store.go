package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

const (
	MaxFrictionEntries = 100
	schemaVersion      = 1
)

// FrictionEntry is one protocol observation logged after a response.
type FrictionEntry struct {
	ID          int64           `json:"id"`
	EventID     string          `json:"event_id"`
	Author      string          `json:"author"`
	Observation json.RawMessage `json:"observation"`
	CreatedAt   time.Time       `json:"created_at"`
}

type Proposal struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Store is the sqlite adapter behind correspondent records, the dedup ledger
// document, the friction log and protocol proposals.
type Store struct {
	db  *sql.DB
	mu  sync.Mutex
	now func() time.Time
}

func Open(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS correspondents (
			handle TEXT PRIMARY KEY,
			doc TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS documents (
			name TEXT PRIMARY KEY,
			doc TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS friction_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			event_id TEXT NOT NULL DEFAULT '',
			author TEXT NOT NULL DEFAULT '',
			observation TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS proposals (
			id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		fmt.Sprintf(`PRAGMA user_version = %d`, schemaVersion),
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *Store) timestamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

// GetRecord returns the raw correspondent document for handle.
func (s *Store) GetRecord(ctx context.Context, handle string) ([]byte, bool, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM correspondents WHERE handle = ?`, handle).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get correspondent: %w", err)
	}
	return []byte(doc), true, nil
}

// PutRecord replaces the document for handle in a single statement, so a
// failed write leaves the previous row in place.
func (s *Store) PutRecord(ctx context.Context, handle string, doc []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO correspondents (handle, doc, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(handle) DO UPDATE SET doc = excluded.doc, updated_at = excluded.updated_at
	`, handle, string(doc), s.timestamp())
	if err != nil {
		return fmt.Errorf("put correspondent: %w", err)
	}
	return nil
}

func (s *Store) ListHandles(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT handle FROM correspondents ORDER BY handle ASC`)
	if err != nil {
		return nil, fmt.Errorf("list correspondents: %w", err)
	}
	defer rows.Close()

	handles := make([]string, 0)
	for rows.Next() {
		var h string
		if err := rows.Scan(&h); err != nil {
			return nil, fmt.Errorf("scan correspondent: %w", err)
		}
		handles = append(handles, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate correspondents: %w", err)
	}
	return handles, nil
}

func (s *Store) LoadDocument(ctx context.Context, name string) ([]byte, bool, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM documents WHERE name = ?`, name).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load document %s: %w", name, err)
	}
	return []byte(doc), true, nil
}

func (s *Store) SaveDocument(ctx context.Context, name string, doc []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO documents (name, doc, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET doc = excluded.doc, updated_at = excluded.updated_at
	`, name, string(doc), s.timestamp())
	if err != nil {
		return fmt.Errorf("save document %s: %w", name, err)
	}
	return nil
}

// LogFriction appends an observation and keeps only the newest
// MaxFrictionEntries rows.
func (s *Store) LogFriction(ctx context.Context, entry FrictionEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	obs := strings.TrimSpace(string(entry.Observation))
	if obs == "" {
		obs = "{}"
	}
	created := s.timestamp()
	if !entry.CreatedAt.IsZero() {
		created = entry.CreatedAt.UTC().Format(time.RFC3339Nano)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin friction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO friction_log (event_id, author, observation, created_at)
		VALUES (?, ?, ?, ?)
	`, strings.TrimSpace(entry.EventID), strings.TrimSpace(entry.Author), obs, created); err != nil {
		return fmt.Errorf("insert friction: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM friction_log
		WHERE id NOT IN (SELECT id FROM friction_log ORDER BY id DESC LIMIT ?)
	`, MaxFrictionEntries); err != nil {
		return fmt.Errorf("trim friction: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit friction: %w", err)
	}
	return nil
}

// RecentFriction returns up to limit entries, newest first.
func (s *Store) RecentFriction(ctx context.Context, limit int) ([]FrictionEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_id, author, observation, created_at
		FROM friction_log
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query friction: %w", err)
	}
	defer rows.Close()

	result := make([]FrictionEntry, 0)
	for rows.Next() {
		var e FrictionEntry
		var obs, created string
		if err := rows.Scan(&e.ID, &e.EventID, &e.Author, &obs, &created); err != nil {
			return nil, fmt.Errorf("scan friction: %w", err)
		}
		e.Observation = json.RawMessage(obs)
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		result = append(result, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate friction: %w", err)
	}
	return result, nil
}

// SaveProposal stores content under the next sequential id ("001", "002", ...).
func (s *Store) SaveProposal(ctx context.Context, content string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin proposal: %w", err)
	}
	defer tx.Rollback()

	var maxID int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(CAST(id AS INTEGER)), 0) FROM proposals`,
	).Scan(&maxID); err != nil {
		return "", fmt.Errorf("next proposal id: %w", err)
	}
	id := fmt.Sprintf("%03d", maxID+1)

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO proposals (id, content, created_at) VALUES (?, ?, ?)`,
		id, strings.TrimSpace(content), s.timestamp(),
	); err != nil {
		return "", fmt.Errorf("insert proposal: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit proposal: %w", err)
	}
	return id, nil
}

func (s *Store) ListProposals(ctx context.Context) ([]Proposal, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, content, created_at FROM proposals ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list proposals: %w", err)
	}
	defer rows.Close()

	result := make([]Proposal, 0)
	for rows.Next() {
		var p Proposal
		var created string
		if err := rows.Scan(&p.ID, &p.Content, &created); err != nil {
			return nil, fmt.Errorf("scan proposal: %w", err)
		}
		p.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate proposals: %w", err)
	}
	return result, nil
}
