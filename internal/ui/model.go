package ui

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"vibechat/internal/chat"
	"vibechat/internal/clipboard"
	"vibechat/internal/config"
	"vibechat/internal/export"
	"vibechat/internal/highlight"
	"vibechat/internal/hydration"
	"vibechat/internal/session"
	"vibechat/internal/store"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
)

const searchLimit = 200

type inputMode int

const (
	inputNone inputMode = iota
	inputCompose
	inputRename
	inputAttach
)

type Model struct {
	cfg      config.AppConfig
	ctrl     *session.Controller
	exporter *export.Exporter
	changes  <-chan struct{}

	list     list.Model
	viewport viewport.Model
	help     help.Model
	spinner  spinner.Model
	search   textinput.Model
	input    textinput.Model
	keys     keyMap

	width  int
	height int

	loading          bool
	searchMode       bool
	searchQuery      string
	mode             inputMode
	focusOnList      bool
	includeTools     bool
	includeReasoning bool
	rendering        bool
	renderNonce      int
	confirmDeleteAll bool

	activeID    string
	convs       map[string]store.Conversation
	messages    []chat.Message
	fingerprint uint64
	revision    int
	pending     []chat.FilePart

	rendered    map[string]string
	highlighted map[string]highlight.Result
	matchLines  []int
	matchCount  int
	matchIndex  int

	status string
	err    error
}

type openedMsg struct{ err error }
type activatedMsg struct {
	id  string
	err error
}
type conversationsMsg struct {
	query string
	list  []store.Conversation
	err   error
}
type changedMsg struct{}
type actionMsg struct {
	status string
	err    error
}
type attachedMsg struct {
	part chat.FilePart
	err  error
}
type exportMsg struct {
	path string
	err  error
}
type renderMsg struct {
	conversationID string
	cacheKey       string
	rendered       string
	nonce          int
	err            error
}
type copyMsg struct {
	err error
}

type conversationItem struct {
	c      store.Conversation
	active bool
}

func (i conversationItem) Title() string {
	title := strings.TrimSpace(i.c.Title)
	if title == "" {
		title = store.DefaultTitle
	}
	if i.active {
		return "● " + title
	}
	return title
}

func (i conversationItem) Description() string {
	meta := "updated " + formatUpdated(i.c.UpdatedAt)
	if i.c.LastMessagePreview == "" {
		return meta
	}
	return meta + " | " + i.c.LastMessagePreview
}

func (i conversationItem) FilterValue() string {
	return strings.ToLower(i.c.Title + " " + i.c.LastMessagePreview)
}

// NewNotifier returns a change callback for session.Options.OnChange and the
// channel the model listens on. Bursts of changes collapse into one wakeup.
func NewNotifier() (func(), <-chan struct{}) {
	ch := make(chan struct{}, 1)
	return func() {
		select {
		case ch <- struct{}{}:
		default:
		}
	}, ch
}

func NewModel(cfg config.AppConfig, ctrl *session.Controller, exp *export.Exporter, changes <-chan struct{}) Model {
	l := list.New([]list.Item{}, list.NewDefaultDelegate(), 40, 20)
	l.Title = "Conversations"
	l.SetShowFilter(false)
	l.SetFilteringEnabled(false)
	l.SetShowStatusBar(false)
	l.SetShowHelp(false)
	l.DisableQuitKeybindings()

	vp := viewport.New(60, 20)
	vp.SetContent("Opening conversations...")

	h := help.New()
	h.ShowAll = false

	sp := spinner.New()
	sp.Spinner = spinner.Points

	ti := textinput.New()
	ti.Placeholder = "Search conversations..."
	ti.Prompt = "/ "
	ti.CharLimit = 256

	in := textinput.New()
	in.CharLimit = 8192

	return Model{
		cfg:      cfg,
		ctrl:     ctrl,
		exporter: exp,
		changes:  changes,
		list:     l,
		viewport: vp,
		help:     h,
		spinner:  sp,
		search:   ti,
		input:    in,
		keys:     defaultKeys(),

		loading:     true,
		focusOnList: true,
		convs:       make(map[string]store.Conversation),
		rendered:    make(map[string]string),
		highlighted: make(map[string]highlight.Result),
		matchIndex:  -1,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.openCmd(), m.waitForChange())
}

func (m Model) openCmd() tea.Cmd {
	return func() tea.Msg {
		return openedMsg{err: m.ctrl.Open(context.Background())}
	}
}

func (m Model) waitForChange() tea.Cmd {
	if m.changes == nil {
		return nil
	}
	ch := m.changes
	return func() tea.Msg {
		if _, ok := <-ch; !ok {
			return nil
		}
		return changedMsg{}
	}
}

func (m Model) conversationsCmd(query string) tea.Cmd {
	return func() tea.Msg {
		if strings.TrimSpace(query) == "" {
			return conversationsMsg{query: query, list: m.ctrl.Conversations()}
		}
		found, err := m.ctrl.Search(context.Background(), query, searchLimit)
		return conversationsMsg{query: query, list: found, err: err}
	}
}

func (m Model) selectCmd(id string) tea.Cmd {
	if id == "" {
		return nil
	}
	return func() tea.Msg {
		return activatedMsg{id: id, err: m.ctrl.Select(context.Background(), id)}
	}
}

func (m Model) createCmd() tea.Cmd {
	return func() tea.Msg {
		conv, err := m.ctrl.Create(context.Background(), "")
		return activatedMsg{id: conv.ID, err: err}
	}
}

func (m Model) renameCmd(id, title string) tea.Cmd {
	return func() tea.Msg {
		if err := m.ctrl.Rename(context.Background(), id, title); err != nil {
			return actionMsg{err: err}
		}
		return actionMsg{status: "Renamed conversation"}
	}
}

func (m Model) deleteCmd(id string) tea.Cmd {
	if id == "" {
		return nil
	}
	return func() tea.Msg {
		if err := m.ctrl.Delete(context.Background(), id); err != nil {
			return actionMsg{err: err}
		}
		return actionMsg{status: "Deleted conversation"}
	}
}

func (m Model) deleteAllCmd() tea.Cmd {
	return func() tea.Msg {
		if err := m.ctrl.DeleteAll(context.Background()); err != nil {
			return actionMsg{err: err}
		}
		return actionMsg{status: "Deleted all conversations"}
	}
}

func (m Model) sendCmd(text string, files []chat.FilePart) tea.Cmd {
	return func() tea.Msg {
		if _, err := m.ctrl.SendText(context.Background(), text, files...); err != nil {
			return actionMsg{err: err}
		}
		return actionMsg{}
	}
}

func (m Model) attachCmd(path string) tea.Cmd {
	return func() tea.Msg {
		data, err := os.ReadFile(path)
		if err != nil {
			return attachedMsg{err: fmt.Errorf("read attachment: %w", err)}
		}
		return attachedMsg{part: m.ctrl.Attach(data, "", filepath.Base(path))}
	}
}

func (m Model) exportBundleCmd(id string) tea.Cmd {
	if id == "" {
		return nil
	}
	return func() tea.Msg {
		b, err := m.ctrl.ExportOne(context.Background(), id)
		if err != nil {
			return exportMsg{err: err}
		}
		path, err := m.exporter.WriteBundles([]export.Bundle{b})
		return exportMsg{path: path, err: err}
	}
}

func (m Model) exportMarkdownCmd() tea.Cmd {
	conv, ok := m.convs[m.activeID]
	if !ok {
		return nil
	}
	msgs := m.messages
	toggles := m.toggles()
	return func() tea.Msg {
		path, err := m.exporter.WriteMarkdown(conv, msgs, toggles)
		return exportMsg{path: path, err: err}
	}
}

func (m Model) copyCmd() tea.Cmd {
	if m.activeID == "" || len(m.messages) == 0 {
		return nil
	}
	msgs := m.messages
	toggles := m.toggles()
	return func() tea.Msg {
		md := export.BuildTranscriptMarkdown(msgs, toggles)

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		return copyMsg{err: clipboard.Copy(ctx, md)}
	}
}

func (m Model) toggles() export.Toggles {
	return export.Toggles{
		IncludeTools:     m.includeTools,
		IncludeReasoning: m.includeReasoning,
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.resize()
		cmds = append(cmds, m.renderSelected(true))

	case openedMsg:
		m.loading = false
		m.err = msg.err
		if msg.err != nil {
			m.status = "Open failed: " + msg.err.Error()
		}
		cmds = append(cmds, m.syncFromController())

	case activatedMsg:
		m.loading = false
		m.err = msg.err
		if msg.err != nil {
			var herr *hydration.Error
			if errors.As(msg.err, &herr) {
				m.status = "Could not load conversation"
			} else {
				m.status = "Activate failed: " + msg.err.Error()
			}
		}
		cmds = append(cmds, m.syncFromController())

	case actionMsg:
		m.loading = false
		m.err = msg.err
		switch {
		case errors.Is(msg.err, session.ErrEmptySend):
			m.err = nil
			m.status = "Nothing to send"
		case errors.Is(msg.err, session.ErrEmptyTitle):
			m.err = nil
			m.status = "Title cannot be empty"
		case msg.err != nil:
			m.status = "Failed: " + msg.err.Error()
		default:
			m.status = msg.status
		}
		cmds = append(cmds, m.syncFromController())

	case changedMsg:
		cmds = append(cmds, m.syncFromController(), m.waitForChange())

	case conversationsMsg:
		if msg.query != m.searchQuery {
			break
		}
		if msg.err != nil {
			m.err = msg.err
			m.status = "Search failed"
			break
		}
		m.applyConversations(msg.list)

	case attachedMsg:
		if msg.err != nil {
			m.err = msg.err
			m.status = "Attach failed: " + msg.err.Error()
			break
		}
		m.pending = append(m.pending, msg.part)
		m.status = "Attached " + msg.part.Filename + " (" + msg.part.MediaType + ")"

	case exportMsg:
		if msg.err != nil {
			m.err = msg.err
			m.status = "Export failed: " + msg.err.Error()
		} else {
			m.status = "Exported: " + msg.path
		}

	case copyMsg:
		if msg.err != nil {
			m.err = msg.err
			if errors.Is(msg.err, clipboard.ErrToolNotFound) {
				m.status = "Could not copy: clipboard tool not found"
			} else {
				m.status = "Could not copy: " + msg.err.Error()
			}
		} else {
			m.status = "Copied transcript to clipboard"
		}

	case renderMsg:
		if msg.nonce != m.renderNonce {
			break
		}
		m.rendering = false
		if msg.err != nil {
			m.err = msg.err
			m.status = "Render failed: " + msg.err.Error()
			break
		}
		m.rendered[msg.cacheKey] = msg.rendered
		if m.activeID == msg.conversationID {
			m.setViewportFromRendered(msg.cacheKey, msg.rendered, true)
		}

	case tea.KeyMsg:
		if m.mode != inputNone {
			return m.updateInput(msg)
		}
		if m.searchMode {
			return m.updateSearch(msg)
		}

		confirming := m.confirmDeleteAll
		m.confirmDeleteAll = false

		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.Search):
			m.searchMode = true
			m.search.SetValue(m.searchQuery)
			m.search.CursorEnd()
			return m, m.search.Focus()
		case key.Matches(msg, m.keys.Esc):
			if m.searchQuery == "" {
				return m, nil
			}
			m.searchQuery = ""
			m.search.SetValue("")
			m.refreshViewportFromCache()
			return m, m.conversationsCmd("")
		case key.Matches(msg, m.keys.Tab):
			m.focusOnList = !m.focusOnList
			return m, nil
		case key.Matches(msg, m.keys.FocusLeft):
			m.focusOnList = true
			return m, nil
		case key.Matches(msg, m.keys.FocusRight):
			m.focusOnList = false
			return m, nil
		case key.Matches(msg, m.keys.PageUp):
			if !m.focusOnList {
				m.viewport.HalfViewUp()
			}
			return m, nil
		case key.Matches(msg, m.keys.PageDown):
			if !m.focusOnList {
				m.viewport.HalfViewDown()
			}
			return m, nil
		case key.Matches(msg, m.keys.PrevMatch):
			if strings.TrimSpace(m.searchQuery) != "" && len(m.matchLines) > 0 {
				m.jumpToMatch(-1)
			} else if !m.focusOnList {
				m.viewport.HalfViewUp()
			}
			return m, nil
		case key.Matches(msg, m.keys.NextMatch):
			if strings.TrimSpace(m.searchQuery) != "" && len(m.matchLines) > 0 {
				m.jumpToMatch(1)
			} else if !m.focusOnList {
				m.viewport.HalfViewDown()
			}
			return m, nil
		case key.Matches(msg, m.keys.ToggleTools):
			m.includeTools = !m.includeTools
			return m, m.renderSelected(true)
		case key.Matches(msg, m.keys.ToggleReasoning):
			m.includeReasoning = !m.includeReasoning
			return m, m.renderSelected(true)
		case key.Matches(msg, m.keys.New):
			m.loading = true
			return m, tea.Batch(m.spinner.Tick, m.createCmd())
		case key.Matches(msg, m.keys.Compose):
			return m, m.beginInput(inputCompose, "", "Message (enter to send, esc to cancel)")
		case key.Matches(msg, m.keys.Attach):
			return m, m.beginInput(inputAttach, "", "Path of a file to attach")
		case key.Matches(msg, m.keys.Rename):
			id := m.currentSelectedID()
			if id == "" {
				return m, nil
			}
			return m, m.beginInput(inputRename, m.convs[id].Title, "New title")
		case key.Matches(msg, m.keys.Delete):
			id := m.currentSelectedID()
			if id == "" {
				return m, nil
			}
			m.loading = true
			return m, tea.Batch(m.spinner.Tick, m.deleteCmd(id))
		case key.Matches(msg, m.keys.DeleteAll):
			if !confirming {
				m.confirmDeleteAll = true
				m.status = "Press D again to delete every conversation"
				return m, nil
			}
			m.loading = true
			return m, tea.Batch(m.spinner.Tick, m.deleteAllCmd())
		case key.Matches(msg, m.keys.ExportBundle):
			return m, m.exportBundleCmd(m.currentSelectedID())
		case key.Matches(msg, m.keys.ExportMarkdown):
			return m, m.exportMarkdownCmd()
		case key.Matches(msg, m.keys.Copy):
			return m, m.copyCmd()
		}

		if m.focusOnList {
			prev := m.currentSelectedID()
			var cmd tea.Cmd
			m.list, cmd = m.list.Update(msg)
			cmds = append(cmds, cmd)
			if id := m.currentSelectedID(); id != prev && id != m.activeID {
				m.loading = true
				cmds = append(cmds, m.spinner.Tick, m.selectCmd(id))
			}
		} else {
			switch msg.String() {
			case "up", "k":
				m.viewport.LineUp(1)
			case "down", "j":
				m.viewport.LineDown(1)
			}
		}
	}

	if m.busy() {
		var spin tea.Cmd
		m.spinner, spin = m.spinner.Update(msg)
		cmds = append(cmds, spin)
	}

	return m, tea.Batch(cmds...)
}

func (m Model) updateSearch(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd
	switch msg.String() {
	case "esc":
		m.searchMode = false
		m.searchQuery = ""
		m.search.SetValue("")
		m.search.Blur()
		m.refreshViewportFromCache()
		return m, m.conversationsCmd("")
	case "enter":
		m.searchMode = false
		m.search.Blur()
		m.searchQuery = strings.TrimSpace(m.search.Value())
		m.refreshViewportFromCache()
		return m, m.conversationsCmd(m.searchQuery)
	}
	before := m.search.Value()
	var cmd tea.Cmd
	m.search, cmd = m.search.Update(msg)
	cmds = append(cmds, cmd)
	after := strings.TrimSpace(m.search.Value())
	if after != strings.TrimSpace(before) {
		m.searchQuery = after
		m.refreshViewportFromCache()
		cmds = append(cmds, m.conversationsCmd(after))
	}
	return m, tea.Batch(cmds...)
}

func (m *Model) beginInput(mode inputMode, value, placeholder string) tea.Cmd {
	m.mode = mode
	m.input.Placeholder = placeholder
	m.input.Prompt = inputPrompt(mode)
	m.input.SetValue(value)
	m.input.CursorEnd()
	return m.input.Focus()
}

func (m *Model) endInput() {
	m.mode = inputNone
	m.input.SetValue("")
	m.input.Blur()
}

func (m Model) updateInput(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC:
		return m, tea.Quit
	case tea.KeyEsc:
		m.endInput()
		return m, nil
	case tea.KeyEnter:
		value := strings.TrimSpace(m.input.Value())
		mode := m.mode
		m.endInput()
		switch mode {
		case inputCompose:
			if value == "" && len(m.pending) == 0 {
				m.status = "Nothing to send"
				return m, nil
			}
			files := m.pending
			m.pending = nil
			m.loading = true
			return m, tea.Batch(m.spinner.Tick, m.sendCmd(value, files))
		case inputRename:
			id := m.currentSelectedID()
			if id == "" {
				return m, nil
			}
			return m, m.renameCmd(id, value)
		case inputAttach:
			if value == "" {
				return m, nil
			}
			return m, m.attachCmd(value)
		}
		return m, nil
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func inputPrompt(mode inputMode) string {
	switch mode {
	case inputRename:
		return "title> "
	case inputAttach:
		return "file> "
	default:
		return "> "
	}
}

func (m Model) busy() bool {
	return m.loading || (m.ctrl != nil && m.ctrl.Hydrating())
}

// syncFromController pulls the conversation list and live messages after a
// controller call or a background commit, and re-renders when the transcript
// changed.
func (m *Model) syncFromController() tea.Cmd {
	m.activeID = m.ctrl.ActiveID()

	var cmds []tea.Cmd
	if strings.TrimSpace(m.searchQuery) == "" {
		m.applyConversations(m.ctrl.Conversations())
	} else {
		for _, c := range m.ctrl.Conversations() {
			m.convs[c.ID] = c
		}
		cmds = append(cmds, m.conversationsCmd(m.searchQuery))
	}

	if m.ctrl.Hydrating() {
		m.viewport.SetContent("Loading conversation...")
		m.clearMatches()
		return tea.Batch(cmds...)
	}

	msgs := m.ctrl.Messages()
	fp := transcriptFingerprint(m.activeID, msgs)
	if fp != m.fingerprint || m.revision == 0 {
		m.messages = msgs
		m.fingerprint = fp
		m.revision++
		m.rendered = make(map[string]string)
		m.highlighted = make(map[string]highlight.Result)
		cmds = append(cmds, m.renderSelected(false))
	}
	return tea.Batch(cmds...)
}

func transcriptFingerprint(activeID string, msgs []chat.Message) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(activeID))
	_, _ = h.Write([]byte(export.BuildTranscriptMarkdown(msgs, export.Toggles{IncludeTools: true, IncludeReasoning: true})))
	return h.Sum64()
}

func (m *Model) applyConversations(in []store.Conversation) {
	items := make([]list.Item, 0, len(in))
	for _, c := range in {
		m.convs[c.ID] = c
		items = append(items, conversationItem{c: c, active: c.ID == m.activeID})
	}
	m.list.SetItems(items)

	if len(in) == 0 {
		if strings.TrimSpace(m.searchQuery) != "" {
			m.viewport.SetContent("No conversations matched your search.")
		}
		return
	}

	selectIdx := 0
	for idx, c := range in {
		if c.ID == m.activeID {
			selectIdx = idx
			break
		}
	}
	m.list.Select(selectIdx)
}

func (m *Model) currentSelectedID() string {
	item, ok := m.list.SelectedItem().(conversationItem)
	if !ok {
		return ""
	}
	return item.c.ID
}

func (m *Model) renderSelected(force bool) tea.Cmd {
	if m.activeID == "" {
		m.viewport.SetContent("No conversations yet.\n\nPress i to write a message or a to start an empty conversation.")
		m.clearMatches()
		return nil
	}
	if len(m.messages) == 0 {
		m.viewport.SetContent("No messages yet. Press i to write one.")
		m.clearMatches()
		return nil
	}

	cacheKey := m.renderCacheKey(m.activeID)
	if !force {
		if rendered, ok := m.rendered[cacheKey]; ok {
			m.setViewportFromRendered(cacheKey, rendered, false)
			return nil
		}
	}
	m.rendering = true
	m.renderNonce++
	wrap := m.viewport.Width - 2
	if wrap < 20 {
		wrap = 20
	}
	style := m.cfg.GlamourStyle
	if style == "" {
		style = config.DefaultGlamourStyle
	}
	return renderTranscriptCmd(m.activeID, cacheKey, m.messages, m.toggles(), style, wrap, m.renderNonce)
}

func renderTranscriptCmd(
	conversationID, cacheKey string,
	msgs []chat.Message,
	toggles export.Toggles,
	style string,
	wrap int,
	nonce int,
) tea.Cmd {
	return func() tea.Msg {
		md := export.BuildTranscriptMarkdown(msgs, toggles)
		if strings.TrimSpace(md) == "" {
			md = "_No transcript content with current filters._"
		}
		md = sanitizeMarkdownForDisplay(md)

		out := renderMsg{
			conversationID: conversationID,
			cacheKey:       cacheKey,
			rendered:       md,
			nonce:          nonce,
		}
		if len(md) > 500_000 {
			return out
		}
		r, err := glamour.NewTermRenderer(
			glamour.WithStandardStyle(style),
			glamour.WithWordWrap(wrap),
		)
		if err != nil {
			return out
		}
		if rendered, renderErr := r.Render(md); renderErr == nil {
			out.rendered = rendered
		}
		return out
	}
}

func (m Model) renderCacheKey(conversationID string) string {
	return fmt.Sprintf(
		"%s|rev=%d|w=%d|t=%t|r=%t",
		conversationID,
		m.revision,
		m.viewport.Width,
		m.includeTools,
		m.includeReasoning,
	)
}

func (m Model) highlightCacheKey(cacheKey, query string) string {
	return cacheKey + "|q=" + strings.ToLower(strings.TrimSpace(query))
}

func (m *Model) refreshViewportFromCache() {
	if m.activeID == "" {
		m.clearMatches()
		return
	}
	cacheKey := m.renderCacheKey(m.activeID)
	rendered, ok := m.rendered[cacheKey]
	if !ok {
		return
	}
	oldOffset := m.viewport.YOffset
	m.setViewportFromRendered(cacheKey, rendered, false)
	m.viewport.SetYOffset(m.clampViewportOffset(oldOffset))
}

// setViewportFromRendered shows rendered with search highlights. A reset
// scrolls to the newest message, or to the first match while searching.
func (m *Model) setViewportFromRendered(cacheKey, rendered string, reset bool) {
	content := rendered
	query := strings.TrimSpace(m.searchQuery)
	if query != "" {
		hKey := m.highlightCacheKey(cacheKey, query)
		res, ok := m.highlighted[hKey]
		if !ok {
			res = highlight.ApplyANSI(rendered, store.SearchTerms(query), func(s string) string {
				return searchMatchStyle.Render(s)
			})
			m.highlighted[hKey] = res
		}
		content = res.Text
		m.setMatchMeta(res)
	} else {
		m.clearMatches()
	}

	m.viewport.SetContent(content)
	if reset {
		m.viewport.GotoBottom()
		if len(m.matchLines) > 0 {
			m.matchIndex = 0
			m.viewport.SetYOffset(m.clampViewportOffset(m.matchLines[0]))
		}
	}
}

func (m *Model) setMatchMeta(res highlight.Result) {
	if res.Count == 0 || len(res.LineIndex) == 0 {
		m.clearMatches()
		return
	}
	m.matchCount = res.Count
	m.matchLines = append(m.matchLines[:0], res.LineIndex...)
	if m.matchIndex < 0 || m.matchIndex >= len(m.matchLines) {
		m.matchIndex = 0
	}
}

func (m *Model) clearMatches() {
	m.matchLines = nil
	m.matchCount = 0
	m.matchIndex = -1
}

func (m *Model) jumpToMatch(delta int) {
	if len(m.matchLines) == 0 {
		m.status = "No search matches in transcript"
		return
	}

	if m.matchIndex < 0 || m.matchIndex >= len(m.matchLines) {
		m.matchIndex = 0
	} else if delta > 0 {
		m.matchIndex = (m.matchIndex + 1) % len(m.matchLines)
	} else if delta < 0 {
		m.matchIndex = (m.matchIndex - 1 + len(m.matchLines)) % len(m.matchLines)
	}

	line := m.matchLines[m.matchIndex]
	m.viewport.SetYOffset(m.clampViewportOffset(line))
	m.status = fmt.Sprintf("Match %d/%d", m.matchIndex+1, m.matchCount)
}

func (m *Model) clampViewportOffset(offset int) int {
	if offset < 0 {
		return 0
	}
	maxOffset := m.viewport.TotalLineCount() - m.viewport.Height
	if maxOffset < 0 {
		maxOffset = 0
	}
	if offset > maxOffset {
		return maxOffset
	}
	return offset
}

func sanitizeMarkdownForDisplay(md string) string {
	md = stripEmbeddedData(md)
	md = clampLongLines(md, 8000)
	const maxDisplayChars = 1_000_000
	if len(md) <= maxDisplayChars {
		return md
	}
	trimmed := md[:maxDisplayChars]
	trimmed = strings.TrimRight(trimmed, "\n")
	return trimmed + "\n\n... [transcript truncated for display; use export for full content] ...\n"
}

// stripEmbeddedData replaces the payload of base64 data URLs pasted into
// message text with a length marker.
func stripEmbeddedData(s string) string {
	var b strings.Builder
	pos := 0
	for {
		i := strings.Index(s[pos:], "data:")
		if i < 0 {
			b.WriteString(s[pos:])
			break
		}
		start := pos + i
		b.WriteString(s[pos:start])

		rest := s[start:]
		marker := strings.Index(rest, ";base64,")
		if marker < 0 || strings.ContainsAny(rest[:marker], " \n") {
			b.WriteString("data:")
			pos = start + len("data:")
			continue
		}

		payloadStart := start + marker + len(";base64,")
		j := payloadStart
		for j < len(s) && isBase64Byte(s[j]) {
			j++
		}

		b.WriteString("[embedded ")
		b.WriteString(rest[len("data:"):marker])
		b.WriteString(" data omitted: ")
		b.WriteString(strconv.Itoa(j - payloadStart))
		b.WriteString(" base64 chars]")
		pos = j
	}
	return b.String()
}

func isBase64Byte(c byte) bool {
	switch {
	case c >= 'A' && c <= 'Z':
		return true
	case c >= 'a' && c <= 'z':
		return true
	case c >= '0' && c <= '9':
		return true
	case c == '+' || c == '/' || c == '=' || c == '\n' || c == '\r':
		return true
	default:
		return false
	}
}

func clampLongLines(s string, max int) string {
	if max <= 0 || len(s) == 0 {
		return s
	}
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		if len(line) <= max {
			continue
		}
		head := line[:max/2]
		tail := line[len(line)-max/2:]
		lines[i] = head + "... [line truncated " + strconv.Itoa(len(line)-max) + " chars] ..." + tail
	}
	return strings.Join(lines, "\n")
}

func (m *Model) resize() {
	if m.width <= 0 || m.height <= 0 {
		return
	}
	left, right := m.paneWidths()

	bodyHeight := m.height - 2
	if bodyHeight < 8 {
		bodyHeight = 8
	}

	m.list.SetSize(left-2, bodyHeight-2)
	m.viewport.Width = right - 2
	m.viewport.Height = bodyHeight - 2
	m.input.Width = m.width - 8
}

func (m Model) View() string {
	if m.width == 0 || m.height == 0 {
		return "Starting..."
	}

	status := m.statusLine()
	left, right := m.paneWidths()
	leftPane := panelStyle(m.focusOnList).Width(left).Height(m.height - 2).Render(m.list.View())
	rightPane := panelStyle(!m.focusOnList).Width(right).Height(m.height - 2).Render(m.viewport.View())
	body := lipgloss.JoinHorizontal(lipgloss.Top, leftPane, rightPane)

	bottom := m.help.View(m.keys)
	switch {
	case m.mode != inputNone:
		bottom = m.input.View()
	case m.searchMode:
		bottom = m.search.View() + "  " + bottom
	case m.searchQuery != "":
		bottom = "search: " + m.searchQuery + "  " + bottom
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		status,
		body,
		bottom,
	)
}

func (m Model) statusLine() string {
	status := ""
	if m.busy() {
		status = m.spinner.View() + " loading..."
	} else if conv, ok := m.convs[m.activeID]; ok {
		status = fmt.Sprintf(
			"%s  messages=%d  updated=%s",
			shorten(conv.Title, 40),
			len(m.messages),
			formatUpdated(conv.UpdatedAt),
		)
		if conv.ModelID != "" {
			status += "  model=" + conv.ModelID
		}
		if conv.ReasoningEffort != "" {
			status += "  effort=" + string(conv.ReasoningEffort)
		}
	}
	if m.searchQuery != "" || m.searchMode {
		status += "  [search]"
		if strings.TrimSpace(m.searchQuery) != "" {
			if m.matchCount > 0 {
				cur := m.matchIndex + 1
				if cur < 1 {
					cur = 1
				}
				status += fmt.Sprintf("  [match %d/%d]", cur, m.matchCount)
			} else {
				status += "  [match 0]"
			}
		}
	}
	if m.includeTools {
		status += "  [tools]"
	}
	if m.includeReasoning {
		status += "  [reasoning]"
	}
	if n := len(m.pending); n > 0 {
		status += fmt.Sprintf("  [%d attached]", n)
	}
	if m.rendering {
		status += "  [rendering]"
	}
	if strings.TrimSpace(m.status) != "" {
		status += "  " + shorten(strings.TrimSpace(m.status), 80)
	}
	if m.err != nil {
		status += "  err=" + m.err.Error()
	}
	return statusStyle.Render(status)
}

func (m *Model) paneWidths() (int, int) {
	left := m.width / 3
	if left < 32 {
		left = 32
	}
	if left > m.width-32 {
		left = m.width - 32
	}
	if left < 20 {
		left = 20
	}
	right := m.width - left - 1
	if right < 20 {
		right = 20
	}
	return left, right
}

func shorten(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	if n <= 3 {
		return chat.Truncate(s, n)
	}
	return chat.Truncate(s, n-3) + "..."
}

func formatUpdated(ms int64) string {
	if ms <= 0 {
		return "n/a"
	}
	return time.UnixMilli(ms).Local().Format("2006-01-02 15:04")
}

var (
	statusStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252")).
			Background(lipgloss.Color("24")).
			Padding(0, 1)
	searchMatchStyle = lipgloss.NewStyle().
				Bold(true).
				Foreground(lipgloss.Color("16")).
				Background(lipgloss.Color("220"))
)

func panelStyle(active bool) lipgloss.Style {
	border := lipgloss.NormalBorder()
	if active {
		return lipgloss.NewStyle().
			Border(border, true).
			BorderForeground(lipgloss.Color("39")).
			Padding(0, 1)
	}
	return lipgloss.NewStyle().
		Border(border, true).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)
}

type keyMap struct {
	Up              key.Binding
	Down            key.Binding
	FocusLeft       key.Binding
	FocusRight      key.Binding
	Tab             key.Binding
	PageUp          key.Binding
	PageDown        key.Binding
	PrevMatch       key.Binding
	NextMatch       key.Binding
	Search          key.Binding
	Esc             key.Binding
	New             key.Binding
	Compose         key.Binding
	Attach          key.Binding
	Rename          key.Binding
	Delete          key.Binding
	DeleteAll       key.Binding
	ExportBundle    key.Binding
	ExportMarkdown  key.Binding
	Copy            key.Binding
	ToggleTools     key.Binding
	ToggleReasoning key.Binding
	Quit            key.Binding
}

func defaultKeys() keyMap {
	return keyMap{
		Up: key.NewBinding(
			key.WithKeys("up", "k"),
			key.WithHelp("↑/k", "up"),
		),
		Down: key.NewBinding(
			key.WithKeys("down", "j"),
			key.WithHelp("↓/j", "down"),
		),
		FocusLeft: key.NewBinding(
			key.WithKeys("left"),
			key.WithHelp("←", "focus list"),
		),
		FocusRight: key.NewBinding(
			key.WithKeys("right"),
			key.WithHelp("→", "focus transcript"),
		),
		Tab: key.NewBinding(
			key.WithKeys("tab"),
			key.WithHelp("tab", "toggle focus"),
		),
		PageUp: key.NewBinding(
			key.WithKeys("pgup", "b"),
			key.WithHelp("pgup", "page up"),
		),
		PageDown: key.NewBinding(
			key.WithKeys("pgdown", "f"),
			key.WithHelp("pgdn", "page down"),
		),
		PrevMatch: key.NewBinding(
			key.WithKeys("p"),
			key.WithHelp("p", "prev match"),
		),
		NextMatch: key.NewBinding(
			key.WithKeys("n"),
			key.WithHelp("n", "next match"),
		),
		Search: key.NewBinding(
			key.WithKeys("/"),
			key.WithHelp("/", "search"),
		),
		Esc: key.NewBinding(
			key.WithKeys("esc"),
			key.WithHelp("esc", "clear search"),
		),
		New: key.NewBinding(
			key.WithKeys("a"),
			key.WithHelp("a", "new conversation"),
		),
		Compose: key.NewBinding(
			key.WithKeys("i"),
			key.WithHelp("i", "write"),
		),
		Attach: key.NewBinding(
			key.WithKeys("o"),
			key.WithHelp("o", "attach file"),
		),
		Rename: key.NewBinding(
			key.WithKeys("r"),
			key.WithHelp("r", "rename"),
		),
		Delete: key.NewBinding(
			key.WithKeys("d"),
			key.WithHelp("d", "delete"),
		),
		DeleteAll: key.NewBinding(
			key.WithKeys("D"),
			key.WithHelp("D D", "delete all"),
		),
		ExportBundle: key.NewBinding(
			key.WithKeys("e"),
			key.WithHelp("e", "export bundle"),
		),
		ExportMarkdown: key.NewBinding(
			key.WithKeys("m"),
			key.WithHelp("m", "export markdown"),
		),
		Copy: key.NewBinding(
			key.WithKeys("c"),
			key.WithHelp("c", "copy transcript"),
		),
		ToggleTools: key.NewBinding(
			key.WithKeys("t"),
			key.WithHelp("t", "toggle tools"),
		),
		ToggleReasoning: key.NewBinding(
			key.WithKeys("v"),
			key.WithHelp("v", "toggle reasoning"),
		),
		Quit: key.NewBinding(
			key.WithKeys("q", "ctrl+c"),
			key.WithHelp("q", "quit"),
		),
	}
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Up, k.Down, k.Tab, k.Compose, k.New, k.Rename, k.Delete, k.Search, k.ExportBundle, k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Up, k.Down, k.FocusLeft, k.FocusRight, k.Tab},
		{k.PageDown, k.PageUp, k.NextMatch, k.PrevMatch, k.Search, k.Esc},
		{k.Compose, k.Attach, k.New, k.Rename, k.Delete, k.DeleteAll},
		{k.ExportBundle, k.ExportMarkdown, k.Copy, k.ToggleTools, k.ToggleReasoning, k.Quit},
	}
}
