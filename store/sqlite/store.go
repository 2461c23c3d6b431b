// Package sqlite is the persistent memory store backed by SQLite
// (modernc.org/sqlite, no cgo). It implements core.CandidateStore plus the
// small amount of CRUD the engine needs to persist memories and sessions.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hupe1980/contextmesh/core"

	_ "modernc.org/sqlite"
)

// DefaultMinRank is the stored rank below which memories are never offered
// as candidates.
const DefaultMinRank = 3

//go:embed migrations/*.sql
var migrationFS embed.FS

// Memory is a persisted memory record.
type Memory struct {
	ID        string
	Text      string
	SessionID string
	Speaker   string
	// Rank is the importance on a 1..5 scale.
	Rank      int
	Embedding []byte // quantized
	Tags      []string
	CreatedAt time.Time
}

// Session is a persisted conversation.
type Session struct {
	ID        string
	Title     string
	Summary   string
	UpdatedAt time.Time
}

// Options configures a Store.
type Options struct {
	MinRank int
}

// Store is a SQLite-backed persistence layer.
type Store struct {
	db   *sql.DB
	opts Options
}

var _ core.CandidateStore = (*Store)(nil)

// Open opens (creating if needed) the database at path and applies the schema.
func Open(path string, optFns ...func(o *Options)) (*Store, error) {
	opts := Options{MinRank: DefaultMinRank}
	for _, fn := range optFns {
		fn(&opts)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// single writer; avoids SQLITE_BUSY between pooled connections
	db.SetMaxOpenConns(1)

	s := &Store{db: db, opts: opts}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		return err
	}
	if _, err := s.db.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply migration: %w", err)
	}
	return nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("db not initialized")
	}
	return s.db.PingContext(ctx)
}

// Close releases the database.
func (s *Store) Close() error { return s.db.Close() }

// SaveMemory inserts m with its tags and returns the new id.
func (s *Store) SaveMemory(ctx context.Context, m Memory) (string, error) {
	if strings.TrimSpace(m.Text) == "" {
		return "", fmt.Errorf("%w: empty memory text", core.ErrInvalidArgument)
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO memories (text, session_id, speaker, rank, embedding, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		m.Text, m.SessionID, m.Speaker, m.Rank, m.Embedding, m.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("insert memory: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return "", err
	}

	for _, tag := range m.Tags {
		if tag == "" {
			continue
		}
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO tags (name) VALUES (?)`, tag); err != nil {
			return "", fmt.Errorf("insert tag %q: %w", tag, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO memory_tags (memory_id, tag_id) SELECT ?, id FROM tags WHERE name = ?`,
			id, tag); err != nil {
			return "", fmt.Errorf("link tag %q: %w", tag, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	return strconv.FormatInt(id, 10), nil
}

// UpdateRank sets the importance rank of a stored memory.
func (s *Store) UpdateRank(ctx context.Context, id string, rank int) error {
	res, err := s.db.ExecContext(ctx, `UPDATE memories SET rank = ? WHERE id = ?`, rank, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: memory %s not found", core.ErrInvalidArgument, id)
	}
	return nil
}

// SearchCandidates implements core.CandidateStore. It returns every memory
// with rank >= MinRank outside excludeSessionID; semantic filtering is the
// ranker's job.
func (s *Store) SearchCandidates(ctx context.Context, _ string, excludeSessionID string) ([]core.Candidate, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, m.text, m.session_id, m.rank, m.embedding, COALESCE(GROUP_CONCAT(t.name, ','), '')
		FROM memories m
		LEFT JOIN memory_tags mt ON mt.memory_id = m.id
		LEFT JOIN tags t ON t.id = mt.tag_id
		WHERE m.rank >= ? AND m.session_id != ?
		GROUP BY m.id
		ORDER BY m.id`, s.opts.MinRank, excludeSessionID)
	if err != nil {
		return nil, fmt.Errorf("search candidates: %w", err)
	}
	defer rows.Close()

	var out []core.Candidate
	for rows.Next() {
		var (
			c    core.Candidate
			id   int64
			tags string
		)
		if err := rows.Scan(&id, &c.Text, &c.SessionID, &c.StoredRank, &c.Embedding, &tags); err != nil {
			return nil, err
		}
		c.ID = strconv.FormatInt(id, 10)
		if tags != "" {
			c.Tags = strings.Split(tags, ",")
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SaveSession creates or updates a session.
func (s *Store) SaveSession(ctx context.Context, sess Session) error {
	if sess.ID == "" {
		return fmt.Errorf("%w: session id required", core.ErrInvalidArgument)
	}
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, title, summary, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET title = excluded.title, summary = excluded.summary, updated_at = excluded.updated_at`,
		sess.ID, sess.Title, sess.Summary, sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// RecentSessions returns up to limit sessions with a summary, newest first,
// excluding excludeID.
func (s *Store) RecentSessions(ctx context.Context, limit int, excludeID string) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, summary, updated_at FROM sessions
		WHERE summary != '' AND id != ?
		ORDER BY updated_at DESC, id DESC
		LIMIT ?`, excludeID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.Title, &sess.Summary, &sess.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}
