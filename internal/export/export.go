package export

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"vibechat/internal/chat"
	"vibechat/internal/store"
)

// Toggles selects the optional parts of a rendered transcript.
type Toggles struct {
	IncludeTools     bool
	IncludeReasoning bool
}

// Exporter writes markdown transcripts and JSON bundles under one directory.
type Exporter struct {
	dir string
	cwd string
	now func() time.Time
}

func New(dir string) (*Exporter, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("resolve cwd: %w", err)
	}
	return &Exporter{dir: strings.TrimSpace(dir), cwd: cwd, now: time.Now}, nil
}

func (e *Exporter) Dir() string {
	dir := e.dir
	if dir == "" {
		return e.cwd
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(e.cwd, dir)
	}
	return dir
}

func (e *Exporter) WriteMarkdown(conv store.Conversation, messages []chat.Message, toggles Toggles) (string, error) {
	path := filepath.Join(e.Dir(), FileName(conv, ".md"))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create export directory: %w", err)
	}

	body := BuildTranscriptMarkdown(messages, toggles)
	md := BuildConversationMarkdown(conv, len(messages), body, e.now().UTC())
	if err := os.WriteFile(path, []byte(md), 0o644); err != nil {
		return "", fmt.Errorf("write export file: %w", err)
	}
	return path, nil
}

func BuildTranscriptMarkdown(messages []chat.Message, toggles Toggles) string {
	var b strings.Builder
	for _, m := range messages {
		sections := make([]string, 0, len(m.Parts))
		for _, p := range m.Parts {
			s := renderPart(p, toggles)
			if s != "" {
				sections = append(sections, s)
			}
		}
		if len(sections) == 0 {
			continue
		}
		b.WriteString(roleHeading(m.Role) + "\n\n")
		for _, s := range sections {
			b.WriteString(s + "\n\n")
		}
	}
	return strings.TrimSpace(b.String()) + "\n"
}

func roleHeading(role chat.Role) string {
	switch role {
	case chat.RoleUser:
		return "## You"
	case chat.RoleAssistant:
		return "## Assistant"
	case chat.RoleSystem:
		return "## System"
	default:
		return "## " + safeValue(string(role))
	}
}

func renderPart(p chat.Part, toggles Toggles) string {
	return chat.Match(p,
		func(t chat.TextPart) string { return strings.TrimSpace(t.Text) },
		func(r chat.ReasoningPart) string {
			text := strings.TrimSpace(r.Text)
			if !toggles.IncludeReasoning || text == "" {
				return ""
			}
			lines := strings.Split(text, "\n")
			for i, line := range lines {
				lines[i] = strings.TrimRight("> "+line, " ")
			}
			return strings.Join(lines, "\n")
		},
		func(t chat.ToolPart) string {
			if !toggles.IncludeTools {
				return ""
			}
			var b strings.Builder
			b.WriteString("```text\n")
			b.WriteString(t.Type + "\n")
			if raw := strings.TrimSpace(string(t.Raw)); raw != "" {
				b.WriteString(raw + "\n")
			}
			b.WriteString("```")
			return b.String()
		},
		func(f chat.FilePart) string {
			name := f.Filename
			if name == "" {
				name = "file"
			}
			return fmt.Sprintf("[attachment: %s (%s)]", name, safeValue(f.MediaType))
		},
	)
}

func BuildConversationMarkdown(conv store.Conversation, messageCount int, transcript string, now time.Time) string {
	var b strings.Builder
	b.WriteString("# " + safeValue(conv.Title) + "\n\n")
	b.WriteString("Exported: " + now.Format(time.RFC3339) + "\n\n")
	b.WriteString("```text\n")
	b.WriteString("conversation: " + conv.ID + "\n")
	b.WriteString("created: " + formatMillis(conv.CreatedAt) + "\n")
	b.WriteString("updated: " + formatMillis(conv.UpdatedAt) + "\n")
	b.WriteString("model: " + safeValue(conv.ModelID) + "\n")
	b.WriteString("reasoning_effort: " + safeValue(string(conv.ReasoningEffort)) + "\n")
	b.WriteString(fmt.Sprintf("message_count: %d\n", messageCount))
	b.WriteString("```\n\n")
	b.WriteString(transcript)
	if !strings.HasSuffix(transcript, "\n") {
		b.WriteString("\n")
	}
	return b.String()
}

// FileName is "<title>-<short id><ext>" with path-hostile characters replaced.
func FileName(conv store.Conversation, ext string) string {
	id := conv.ID
	if len(id) > 8 {
		id = id[:8]
	}
	title := safeFileName(chat.Truncate(conv.Title, 48))
	if id == "" {
		return title + ext
	}
	return title + "-" + id + ext
}

func safeFileName(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "conversation"
	}
	replacer := strings.NewReplacer("/", "_", "\\", "_", ":", "_", " ", "_", "*", "_", "?", "_", "\"", "_", "<", "_", ">", "_", "|", "_")
	return replacer.Replace(s)
}

func safeValue(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "n/a"
	}
	return s
}

func formatMillis(ms int64) string {
	if ms <= 0 {
		return "n/a"
	}
	return time.UnixMilli(ms).UTC().Format(time.RFC3339)
}
