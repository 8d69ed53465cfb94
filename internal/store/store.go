package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"vibechat/internal/blobs"
)

type BlobFetcher interface {
	Fetch(ctx context.Context, url string) (blobs.Blob, error)
}

type Store struct {
	dbPath     string
	db         *sql.DB
	ftsEnabled bool
	mu         sync.Mutex

	fetcher    BlobFetcher
	fetchLimit int
	now        func() time.Time
	newID      func() string
	log        *log.Logger
}

type Option func(*Store)

func WithFetcher(f BlobFetcher) Option {
	return func(s *Store) { s.fetcher = f }
}

func WithLogger(l *log.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l.With("component", "store")
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func WithIDGenerator(newID func() string) Option {
	return func(s *Store) {
		if newID != nil {
			s.newID = newID
		}
	}
}

func WithFetchConcurrency(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.fetchLimit = n
		}
	}
}

func Open(dbPath string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// PRAGMAs are per connection; one connection keeps them in force and
	// matches SQLite's single-writer model.
	db.SetMaxOpenConns(1)

	s := &Store{
		dbPath:     dbPath,
		db:         db,
		fetchLimit: 4,
		now:        time.Now,
		newID:      uuid.NewString,
		log:        log.New(io.Discard),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Path() string {
	return s.dbPath
}

func (s *Store) initSchema() error {
	stmts := []string{
		`PRAGMA journal_mode = WAL;`,
		`PRAGMA foreign_keys = ON;`,
		`PRAGMA busy_timeout = 5000;`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			model_id TEXT,
			reasoning_effort TEXT,
			last_message_preview TEXT,
			is_renamed INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_conversations_updated_at ON conversations(updated_at);`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			created_at INTEGER NOT NULL,
			position INTEGER NOT NULL,
			role TEXT NOT NULL,
			body TEXT NOT NULL,
			search_text TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, created_at, position);`,
		`CREATE TABLE IF NOT EXISTS attachments (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			message_id TEXT NOT NULL,
			part_index INTEGER NOT NULL,
			media_type TEXT NOT NULL,
			filename TEXT,
			source_url TEXT,
			blob BLOB NOT NULL,
			created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_attachments_conversation ON attachments(conversation_id);`,
		`CREATE INDEX IF NOT EXISTS idx_attachments_message ON attachments(message_id);`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return s.ensureFTSTable()
}

func (s *Store) ensureFTSTable() error {
	var sqlDef string
	err := s.db.QueryRow(`SELECT sql FROM sqlite_master WHERE name = 'messages_fts'`).Scan(&sqlDef)
	if err == nil {
		lower := strings.ToLower(sqlDef)
		s.ftsEnabled = strings.Contains(lower, "virtual table") && strings.Contains(lower, "fts5")
		return nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("inspect messages_fts table: %w", err)
	}

	_, err = s.db.Exec(`CREATE VIRTUAL TABLE messages_fts USING fts5(
		conversation_id UNINDEXED,
		message_id UNINDEXED,
		content
	);`)
	if err == nil {
		s.ftsEnabled = true
		return nil
	}
	if !strings.Contains(strings.ToLower(err.Error()), "no such module: fts5") {
		return fmt.Errorf("create messages_fts: %w", err)
	}

	// sqlite builds without FTS5 search messages.search_text with LIKE.
	s.log.Debug("fts5 unavailable, using LIKE search")
	s.ftsEnabled = false
	return nil
}
