package store

import (
	"context"
	"encoding/json"
	"fmt"

	"vibechat/internal/chat"
)

// Bundle is everything stored for one conversation, read or written in a
// single transaction.
type Bundle struct {
	Conversation Conversation
	Messages     []MessageRecord
	Attachments  []Attachment
}

// GetMessages returns the stored messages of a conversation in order. File
// parts backed by a stored attachment get a readable handle from resolver and
// keep their persisted attachment id. The second return value lists the
// attachment ids that were resolved.
func (s *Store) GetMessages(ctx context.Context, conversationID string, resolver HandleResolver) ([]chat.Message, []string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, txErr("begin read messages", err)
	}
	defer tx.Rollback()

	if _, err := getConversation(ctx, tx, conversationID); err != nil {
		return nil, nil, txErr("load conversation", err)
	}
	records, err := readMessageRecords(ctx, tx, conversationID)
	if err != nil {
		return nil, nil, txErr("read messages", err)
	}
	attachments, err := readAttachments(ctx, tx, conversationID)
	if err != nil {
		return nil, nil, txErr("read attachments", err)
	}

	byID := make(map[string]Attachment, len(attachments))
	for _, a := range attachments {
		byID[a.ID] = a
	}

	var resolved []string
	out := make([]chat.Message, 0, len(records))
	for _, r := range records {
		m := r.Message
		m.ID = r.ID
		m.Role = r.Role
		m.CreatedAt = r.CreatedAt
		for idx, p := range m.Parts {
			fp, ok := p.(chat.FilePart)
			if !ok {
				continue
			}
			id := fp.AttachmentID()
			if id == "" {
				continue
			}
			fp.PersistedAttachmentID = id
			if a, ok := byID[id]; ok && resolver != nil {
				fp.URL = resolver.Resolve(a.ID, a.MediaType, a.Blob)
				resolved = append(resolved, a.ID)
			}
			m.Parts[idx] = fp
		}
		out = append(out, m)
	}
	return out, resolved, nil
}

func (s *Store) ReadBundle(ctx context.Context, conversationID string) (Bundle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Bundle{}, txErr("begin read bundle", err)
	}
	defer tx.Rollback()

	var b Bundle
	if b.Conversation, err = getConversation(ctx, tx, conversationID); err != nil {
		return Bundle{}, txErr("load conversation", err)
	}
	if b.Messages, err = readMessageRecords(ctx, tx, conversationID); err != nil {
		return Bundle{}, txErr("read messages", err)
	}
	if b.Attachments, err = readAttachments(ctx, tx, conversationID); err != nil {
		return Bundle{}, txErr("read attachments", err)
	}
	return b, nil
}

// InsertBundle writes a conversation with its messages and attachments in one
// transaction. Ids must not exist yet.
func (s *Store) InsertBundle(ctx context.Context, b Bundle) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return txErr("begin insert bundle", err)
	}
	defer tx.Rollback()

	if err := insertConversation(ctx, tx, b.Conversation); err != nil {
		return txErr("insert conversation", err)
	}
	for i := range b.Messages {
		b.Messages[i].ConversationID = b.Conversation.ID
	}
	if err := upsertMessages(ctx, tx, b.Messages); err != nil {
		return txErr("insert messages", err)
	}
	if s.ftsEnabled {
		if err := refreshSearchRows(ctx, tx, b.Conversation.ID, b.Messages); err != nil {
			return txErr("index messages", err)
		}
	}
	for _, a := range b.Attachments {
		a.ConversationID = b.Conversation.ID
		if err := insertAttachment(ctx, tx, a); err != nil {
			return txErr("insert attachment", err)
		}
	}
	return txErr("commit insert bundle", tx.Commit())
}

func readMessageRecords(ctx context.Context, q queryer, conversationID string) ([]MessageRecord, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, conversation_id, created_at, role, body
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at, position, id
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	out := make([]MessageRecord, 0, 64)
	for rows.Next() {
		var r MessageRecord
		var role, body string
		if err := rows.Scan(&r.ID, &r.ConversationID, &r.CreatedAt, &role, &body); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		r.Role = chat.Role(role)
		if err := json.Unmarshal([]byte(body), &r.Message); err != nil {
			return nil, fmt.Errorf("decode message %s: %w", r.ID, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

func readAttachments(ctx context.Context, q queryer, conversationID string) ([]Attachment, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, conversation_id, message_id, part_index, media_type, COALESCE(filename, ''), COALESCE(source_url, ''), blob, created_at
		FROM attachments
		WHERE conversation_id = ?
		ORDER BY created_at, message_id, part_index
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query attachments: %w", err)
	}
	defer rows.Close()

	out := make([]Attachment, 0, 8)
	for rows.Next() {
		var a Attachment
		if err := rows.Scan(&a.ID, &a.ConversationID, &a.MessageID, &a.PartIndex, &a.MediaType, &a.Filename, &a.SourceURL, &a.Blob, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan attachment row: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attachments: %w", err)
	}
	return out, nil
}
