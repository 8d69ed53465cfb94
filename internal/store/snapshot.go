package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"vibechat/internal/blobs"
	"vibechat/internal/chat"
)

var errNoFetcher = errors.New("no blob fetcher configured")

type attachmentKey struct {
	messageID string
	partIndex int
	sourceURL string
}

type fetchJob struct {
	attachmentID string
	record       int
	messageID    string
	partIndex    int
	original     chat.FilePart
}

// SaveSnapshot reconciles the stored conversation with the live message list
// in one transaction. Stored messages absent from live are deleted, every live
// message is overwritten in full, file parts without a persisted attachment are
// read once and stored, and attachments no longer referenced are swept.
// A blob that cannot be read is left out of this snapshot; the rest commits.
func (s *Store) SaveSnapshot(ctx context.Context, conversationID string, live []chat.Message, meta Meta) (SnapshotResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return SnapshotResult{}, txErr("begin snapshot", err)
	}
	defer tx.Rollback()

	conv, err := getConversation(ctx, tx, conversationID)
	if err != nil {
		return SnapshotResult{}, txErr("load conversation", err)
	}
	storedTimes, err := storedMessageTimes(ctx, tx, conversationID)
	if err != nil {
		return SnapshotResult{}, txErr("load stored messages", err)
	}
	known, storedAttachments, err := storedAttachmentIndex(ctx, tx, conversationID)
	if err != nil {
		return SnapshotResult{}, txErr("load stored attachments", err)
	}

	now := s.now().UnixMilli()
	records := make([]MessageRecord, 0, len(live))
	inUse := make(map[string]struct{})
	var (
		jobs        []fetchJob
		assignments []Assignment
	)

	for _, m := range live {
		clone := m.Clone()
		for idx, p := range clone.Parts {
			fp, ok := p.(chat.FilePart)
			if !ok {
				continue
			}
			if id := fp.AttachmentID(); id != "" {
				clone.Parts[idx] = persistedPart(fp, id)
				inUse[id] = struct{}{}
				continue
			}
			if id, ok := known[attachmentKey{messageID: m.ID, partIndex: idx, sourceURL: fp.URL}]; ok {
				clone.Parts[idx] = persistedPart(fp, id)
				inUse[id] = struct{}{}
				assignments = append(assignments, Assignment{MessageID: m.ID, PartIndex: idx, SourceURL: fp.URL, AttachmentID: id})
				continue
			}
			id := s.newID()
			jobs = append(jobs, fetchJob{
				attachmentID: id,
				record:       len(records),
				messageID:    m.ID,
				partIndex:    idx,
				original:     fp,
			})
			clone.Parts[idx] = persistedPart(fp, id)
		}

		createdAt := m.CreatedAt
		if createdAt <= 0 {
			if prev, ok := storedTimes[m.ID]; ok {
				createdAt = prev
			} else {
				createdAt = now
			}
		}
		clone.CreatedAt = createdAt
		records = append(records, MessageRecord{
			ID:             m.ID,
			ConversationID: conversationID,
			CreatedAt:      createdAt,
			Role:           m.Role,
			Message:        clone,
		})
	}

	fetched := s.fetchAttachments(ctx, conversationID, jobs, now)
	dropped := 0
	for i, job := range jobs {
		if fetched[i] == nil {
			records[job.record].Message.Parts[job.partIndex] = job.original
			dropped++
			continue
		}
		inUse[job.attachmentID] = struct{}{}
		assignments = append(assignments, Assignment{
			MessageID:    job.messageID,
			PartIndex:    job.partIndex,
			SourceURL:    job.original.URL,
			AttachmentID: job.attachmentID,
		})
	}

	liveIDs := make(map[string]struct{}, len(records))
	for _, r := range records {
		liveIDs[r.ID] = struct{}{}
	}
	for id := range storedTimes {
		if _, ok := liveIDs[id]; ok {
			continue
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id); err != nil {
			return SnapshotResult{}, txErr("delete stale message", err)
		}
	}

	if err := upsertMessages(ctx, tx, records); err != nil {
		return SnapshotResult{}, txErr("upsert messages", err)
	}
	if s.ftsEnabled {
		if err := refreshSearchRows(ctx, tx, conversationID, records); err != nil {
			return SnapshotResult{}, txErr("refresh search rows", err)
		}
	}

	for _, id := range storedAttachments {
		if _, ok := inUse[id]; ok {
			continue
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM attachments WHERE id = ?`, id); err != nil {
			return SnapshotResult{}, txErr("sweep attachment", err)
		}
	}
	for _, a := range fetched {
		if a == nil {
			continue
		}
		if err := insertAttachment(ctx, tx, *a); err != nil {
			return SnapshotResult{}, txErr("insert attachment", err)
		}
	}

	conv = applySnapshotMeta(conv, live, meta, now)
	if _, err := tx.ExecContext(ctx, `
		UPDATE conversations
		SET title = ?, updated_at = ?, last_message_preview = ?, model_id = ?, reasoning_effort = ?
		WHERE id = ?
	`, conv.Title, conv.UpdatedAt, nullable(conv.LastMessagePreview), nullable(conv.ModelID), nullable(string(conv.ReasoningEffort)), conv.ID); err != nil {
		return SnapshotResult{}, txErr("update conversation", err)
	}

	if err := tx.Commit(); err != nil {
		return SnapshotResult{}, txErr("commit snapshot", err)
	}
	if dropped > 0 {
		s.log.Warn("snapshot committed without some attachments", "conversation", conversationID, "dropped", dropped)
	}
	return SnapshotResult{Conversation: conv, Assignments: assignments, Dropped: dropped}, nil
}

func persistedPart(fp chat.FilePart, id string) chat.FilePart {
	fp.URL = chat.AttachmentURL(id)
	fp.PersistedAttachmentID = id
	return fp
}

func applySnapshotMeta(conv Conversation, live []chat.Message, meta Meta, now int64) Conversation {
	conv.LastMessagePreview = ""
	if len(live) > 0 {
		conv.LastMessagePreview = chat.Truncate(chat.FirstText(live[len(live)-1]), previewLimit)
	}
	if !conv.IsRenamed {
		for _, m := range live {
			if m.Role != chat.RoleUser {
				continue
			}
			if candidate := chat.Truncate(chat.FirstText(m), previewLimit); candidate != "" {
				conv.Title = candidate
			}
			break
		}
	}
	if meta.ModelID != "" {
		conv.ModelID = meta.ModelID
	}
	if meta.ReasoningEffort != "" {
		conv.ReasoningEffort = meta.ReasoningEffort
	}
	if now > conv.UpdatedAt {
		conv.UpdatedAt = now
	}
	return conv
}

// fetchAttachments reads every pending blob source concurrently. The result is
// index-aligned with jobs; nil marks a source that could not be read.
func (s *Store) fetchAttachments(ctx context.Context, conversationID string, jobs []fetchJob, now int64) []*Attachment {
	out := make([]*Attachment, len(jobs))
	if len(jobs) == 0 {
		return out
	}

	var g errgroup.Group
	g.SetLimit(s.fetchLimit)
	for i, job := range jobs {
		g.Go(func() error {
			var (
				b   blobs.Blob
				err error
			)
			if s.fetcher == nil {
				err = &blobs.FetchError{URL: job.original.URL, Err: errNoFetcher}
			} else {
				b, err = s.fetcher.Fetch(ctx, job.original.URL)
			}
			if err != nil {
				s.log.Warn("failed to persist attachment", "conversation", conversationID, "message", job.messageID, "part", job.partIndex, "err", err)
				return nil
			}
			mediaType := job.original.MediaType
			if mediaType == "" {
				mediaType = b.MediaType
			}
			out[i] = &Attachment{
				ID:             job.attachmentID,
				ConversationID: conversationID,
				MessageID:      job.messageID,
				PartIndex:      job.partIndex,
				MediaType:      mediaType,
				Filename:       job.original.Filename,
				SourceURL:      job.original.URL,
				Blob:           b.Data,
				CreatedAt:      now,
			}
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func storedMessageTimes(ctx context.Context, q queryer, conversationID string) (map[string]int64, error) {
	rows, err := q.QueryContext(ctx, `SELECT id, created_at FROM messages WHERE conversation_id = ?`, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var id string
		var ts int64
		if err := rows.Scan(&id, &ts); err != nil {
			return nil, err
		}
		out[id] = ts
	}
	return out, rows.Err()
}

func storedAttachmentIndex(ctx context.Context, q queryer, conversationID string) (map[attachmentKey]string, []string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, message_id, part_index, COALESCE(source_url, '')
		FROM attachments
		WHERE conversation_id = ?
	`, conversationID)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	index := make(map[attachmentKey]string)
	var ids []string
	for rows.Next() {
		var id string
		var key attachmentKey
		if err := rows.Scan(&id, &key.messageID, &key.partIndex, &key.sourceURL); err != nil {
			return nil, nil, err
		}
		ids = append(ids, id)
		if key.sourceURL != "" {
			index[key] = id
		}
	}
	return index, ids, rows.Err()
}

func upsertMessages(ctx context.Context, e execer, records []MessageRecord) error {
	for pos, r := range records {
		body, err := json.Marshal(r.Message)
		if err != nil {
			return fmt.Errorf("encode message %s: %w", r.ID, err)
		}
		if _, err := e.ExecContext(ctx, `
			INSERT INTO messages(id, conversation_id, created_at, position, role, body, search_text)
			VALUES(?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				conversation_id=excluded.conversation_id,
				created_at=excluded.created_at,
				position=excluded.position,
				role=excluded.role,
				body=excluded.body,
				search_text=excluded.search_text
		`, r.ID, r.ConversationID, r.CreatedAt, pos, string(r.Role), string(body), searchText(r.Message)); err != nil {
			return fmt.Errorf("upsert message %s: %w", r.ID, err)
		}
	}
	return nil
}

func refreshSearchRows(ctx context.Context, e execer, conversationID string, records []MessageRecord) error {
	if _, err := e.ExecContext(ctx, `DELETE FROM messages_fts WHERE conversation_id = ?`, conversationID); err != nil {
		return err
	}
	for _, r := range records {
		text := searchText(r.Message)
		if text == "" {
			continue
		}
		if _, err := e.ExecContext(ctx, `
			INSERT INTO messages_fts(conversation_id, message_id, content)
			VALUES(?, ?, ?)
		`, conversationID, r.ID, text); err != nil {
			return err
		}
	}
	return nil
}

func insertAttachment(ctx context.Context, e execer, a Attachment) error {
	data := a.Blob
	if data == nil {
		data = []byte{}
	}
	_, err := e.ExecContext(ctx, `
		INSERT INTO attachments(id, conversation_id, message_id, part_index, media_type, filename, source_url, blob, created_at)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			conversation_id=excluded.conversation_id,
			message_id=excluded.message_id,
			part_index=excluded.part_index,
			media_type=excluded.media_type,
			filename=excluded.filename,
			source_url=excluded.source_url,
			blob=excluded.blob,
			created_at=excluded.created_at
	`, a.ID, a.ConversationID, a.MessageID, a.PartIndex, a.MediaType, nullable(a.Filename), nullable(a.SourceURL), data, a.CreatedAt)
	return err
}

func searchText(m chat.Message) string {
	var b strings.Builder
	for _, p := range m.Parts {
		text := chat.Match(p,
			func(t chat.TextPart) string { return t.Text },
			func(r chat.ReasoningPart) string { return "" },
			func(t chat.ToolPart) string { return "" },
			func(f chat.FilePart) string { return f.Filename },
		)
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(text)
	}
	return b.String()
}
