package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"vibechat/internal/chat"
)

const conversationColumns = `id, title, created_at, updated_at, COALESCE(model_id, ''), COALESCE(reasoning_effort, ''), COALESCE(last_message_preview, ''), is_renamed`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (Conversation, error) {
	var c Conversation
	var effort string
	var renamed int
	if err := row.Scan(&c.ID, &c.Title, &c.CreatedAt, &c.UpdatedAt, &c.ModelID, &effort, &c.LastMessagePreview, &renamed); err != nil {
		return Conversation{}, err
	}
	c.ReasoningEffort = chat.ReasoningEffort(effort)
	c.IsRenamed = renamed != 0
	return c, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func getConversation(ctx context.Context, q queryer, id string) (Conversation, error) {
	c, err := scanConversation(q.QueryRowContext(ctx, `SELECT `+conversationColumns+` FROM conversations WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	return c, err
}

func collectConversations(rows *sql.Rows) ([]Conversation, error) {
	defer rows.Close()
	out := make([]Conversation, 0, 32)
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) List(ctx context.Context) ([]Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+conversationColumns+`
		FROM conversations
		ORDER BY updated_at DESC, created_at DESC, id
	`)
	if err != nil {
		return nil, txErr("list conversations", err)
	}
	out, err := collectConversations(rows)
	return out, txErr("list conversations", err)
}

func (s *Store) Get(ctx context.Context, id string) (Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, err := getConversation(ctx, s.db, id)
	if err != nil {
		return Conversation{}, txErr("get conversation", err)
	}
	return c, nil
}

func (s *Store) Create(ctx context.Context, title string, meta Meta) (Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	title = strings.TrimSpace(title)
	if title == "" {
		title = DefaultTitle
	}
	ts := s.now().UnixMilli()
	c := Conversation{
		ID:              s.newID(),
		Title:           title,
		CreatedAt:       ts,
		UpdatedAt:       ts,
		ModelID:         meta.ModelID,
		ReasoningEffort: meta.ReasoningEffort,
	}
	if err := insertConversation(ctx, s.db, c); err != nil {
		return Conversation{}, txErr("create conversation", err)
	}
	return c, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertConversation(ctx context.Context, e execer, c Conversation) error {
	_, err := e.ExecContext(ctx, `
		INSERT INTO conversations(id, title, created_at, updated_at, model_id, reasoning_effort, last_message_preview, is_renamed)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.Title, c.CreatedAt, c.UpdatedAt, nullable(c.ModelID), nullable(string(c.ReasoningEffort)), nullable(c.LastMessagePreview), boolInt(c.IsRenamed))
	return err
}

// Rename freezes the title against automatic derivation. Unknown ids are a
// no-op.
func (s *Store) Rename(ctx context.Context, id, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx, `
		UPDATE conversations
		SET title = ?, is_renamed = 1, updated_at = MAX(updated_at, ?)
		WHERE id = ?
	`, strings.TrimSpace(title), s.now().UnixMilli(), id)
	return txErr("rename conversation", err)
}

func (s *Store) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return txErr("begin delete", err)
	}
	defer tx.Rollback()

	if s.ftsEnabled {
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages_fts WHERE conversation_id = ?`, id); err != nil {
			return txErr("delete search rows", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return txErr("delete messages", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM attachments WHERE conversation_id = ?`, id); err != nil {
		return txErr("delete attachments", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id); err != nil {
		return txErr("delete conversation", err)
	}
	return txErr("commit delete", tx.Commit())
}

func (s *Store) DeleteAll(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return txErr("begin delete all", err)
	}
	defer tx.Rollback()

	stmts := []string{`DELETE FROM messages;`, `DELETE FROM attachments;`, `DELETE FROM conversations;`}
	if s.ftsEnabled {
		stmts = append([]string{`DELETE FROM messages_fts;`}, stmts...)
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return txErr("delete all", err)
		}
	}
	return txErr("commit delete all", tx.Commit())
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
