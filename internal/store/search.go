package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Search returns conversations whose message text matches the query, best
// matches first. An empty query lists conversations like List.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]Conversation, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		out, err := s.List(ctx)
		if err != nil {
			return nil, err
		}
		if limit > 0 && len(out) > limit {
			out = out[:limit]
		}
		return out, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 200
	}
	rows, err := s.searchRows(ctx, query, limit)
	if err != nil {
		return nil, txErr("search conversations", err)
	}
	out, err := collectConversations(rows)
	return out, txErr("search conversations", err)
}

func (s *Store) searchRows(ctx context.Context, query string, limit int) (*sql.Rows, error) {
	if s.ftsEnabled {
		rows, err := s.searchRowsFTS(ctx, query, limit)
		if err == nil {
			return rows, nil
		}
		fallback, fbErr := s.searchRowsLike(ctx, query, limit)
		if fbErr != nil {
			return nil, fmt.Errorf("search (fts and fallback failed): fts=%w, fallback=%v", err, fbErr)
		}
		return fallback, nil
	}
	return s.searchRowsLike(ctx, query, limit)
}

func (s *Store) searchRowsFTS(ctx context.Context, query string, limit int) (*sql.Rows, error) {
	ftsQuery := buildFTSQuery(query)
	if ftsQuery == "" {
		return nil, fmt.Errorf("empty fts query")
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+prefixedColumns("c")+`
		FROM conversations c
		JOIN (
			SELECT conversation_id, COUNT(*) AS score
			FROM messages_fts
			WHERE messages_fts MATCH ?
			GROUP BY conversation_id
			ORDER BY score DESC
			LIMIT ?
		) ranked ON ranked.conversation_id = c.id
		ORDER BY ranked.score DESC, c.updated_at DESC
	`, ftsQuery, limit)
	if err != nil {
		return nil, fmt.Errorf("fts query failed: %w", err)
	}
	return rows, nil
}

func (s *Store) searchRowsLike(ctx context.Context, query string, limit int) (*sql.Rows, error) {
	terms := tokenizeSearchTerms(query)
	if len(terms) == 0 {
		terms = []string{strings.ToLower(strings.TrimSpace(query))}
	}

	var b strings.Builder
	b.WriteString(`
		SELECT ` + prefixedColumns("c") + `
		FROM conversations c
		JOIN (
			SELECT conversation_id, COUNT(*) AS score
			FROM messages
			WHERE `)
	args := make([]any, 0, len(terms)+1)
	for idx, term := range terms {
		if idx > 0 {
			b.WriteString(" OR ")
		}
		b.WriteString(`LOWER(search_text) LIKE ? ESCAPE '\'`)
		args = append(args, "%"+escapeLike(term)+"%")
	}
	b.WriteString(`
			GROUP BY conversation_id
			ORDER BY score DESC
			LIMIT ?
		) ranked ON ranked.conversation_id = c.id
		ORDER BY ranked.score DESC, c.updated_at DESC
	`)
	args = append(args, limit)
	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("like query failed: %w", err)
	}
	return rows, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(term string) string {
	return likeEscaper.Replace(term)
}

func prefixedColumns(alias string) string {
	p := alias + "."
	return p + `id, ` + p + `title, ` + p + `created_at, ` + p + `updated_at, COALESCE(` + p + `model_id, ''), COALESCE(` + p + `reasoning_effort, ''), COALESCE(` + p + `last_message_preview, ''), ` + p + `is_renamed`
}

func buildFTSQuery(raw string) string {
	parts := tokenizeSearchTerms(raw)
	if len(parts) == 0 {
		return ""
	}
	quoted := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.ReplaceAll(p, `"`, "")
		if p == "" {
			continue
		}
		quoted = append(quoted, fmt.Sprintf(`"%s"*`, p))
	}
	return strings.Join(quoted, " AND ")
}

// SearchTerms splits a query the way Search does, for highlighting matches.
func SearchTerms(raw string) []string {
	return tokenizeSearchTerms(raw)
}

func tokenizeSearchTerms(raw string) []string {
	parts := strings.Fields(strings.ToLower(strings.TrimSpace(raw)))
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.Trim(p, "`\"'.,:;!?()[]{}<>|")
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
