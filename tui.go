package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/muesli/reflow/wordwrap"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/victhorio/opachat/agg"
	"github.com/victhorio/opachat/agg/core"
	"github.com/victhorio/opachat/chat"
)

const (
	minInputHeight = 2
	maxInputHeight = 6
	headerHeight   = 1
	footerHeight   = 2
	toolSummaryMax = 300
)

var (
	titleStyle       = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	labelUserStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	labelBotStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("34"))
	labelReasonStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("244"))
	bodyToolStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("178"))
	bodyReasonStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("244")).Italic(true)
	hintStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	confirmStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214"))
	errorStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	dividerStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

var quitCommands = map[string]bool{":q": true, "quit": true, "exit": true}

func newTUICmd(flags *globalFlags) *cobra.Command {
	var (
		sessionID string
		resume    bool
	)

	cmd := &cobra.Command{
		Use:   "tui",
		Short: "Chat in the terminal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup(flags, false)
			if err != nil {
				return err
			}
			if sessionID == "" {
				sessionID = uuid.NewString()
			}

			ctx, cancel := signalContext()
			defer cancel()

			return runTUI(ctx, cfg, sessionID, resume)
		},
	}
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "chat to continue; a new one is started when empty")
	cmd.Flags().BoolVar(&resume, "resume", false, "reattach to the session's running response on the relay")

	return cmd
}

func runTUI(ctx context.Context, cfg Config, sessionID string, resume bool) error {
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	b, err := newBackend(ctx, cfg)
	if err != nil {
		return err
	}

	initial, err := store.Load(sessionID)
	if err != nil {
		return err
	}

	br := newBridge()
	helpers, err := chat.UseChat(chat.UseOptions{
		Init: chat.Init{
			ID:                    sessionID,
			Messages:              initial,
			Transport:             b.transport,
			OnToolCall:            br.onToolCall,
			OnFinish:              saveOnFinish(store, sessionID),
			SendAutomaticallyWhen: chat.LastAssistantMessageIsCompleteWithToolCalls,
		},
		Resume: resume,
	})
	if err != nil {
		return err
	}

	m, err := newTUIModel(tuiOptions{
		Helpers:     helpers,
		ClientTools: b.clientTools,
		Store:       store,
		SessionID:   sessionID,
		bridge:      br,
	})
	if err != nil {
		return err
	}
	defer m.close()

	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
	_, err = p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// saveOnFinish persists the conversation after every response. Usage is only counted for
// responses that finished, since the metadata of anything else may still be a previous one's.
func saveOnFinish(store agg.Store, sessionID string) func(chat.FinishInfo) {
	return func(info chat.FinishInfo) {
		var usage core.Usage
		if !info.IsAbort && !info.IsError && !info.IsDisconnect {
			usage, _ = core.UsageFromMetadata(info.Message.Metadata)
		}

		if err := store.Save(sessionID, info.Messages, usage); err != nil {
			log.Error().Err(err).Str("session", sessionID).Msg("failed to save chat")
		}
	}
}

type stateChangedMsg struct{}
type toolCallMsg struct{ call chat.ToolCall }
type requestDoneMsg struct{ err error }

// bridge carries engine callbacks, which run on the streaming goroutine, into the bubbletea loop.
// State changes are coalesced: the model re-reads the state anyway.
type bridge struct {
	changed chan struct{}
	calls   chan chat.ToolCall
}

func newBridge() *bridge {
	return &bridge{
		changed: make(chan struct{}, 1),
		calls:   make(chan chat.ToolCall, 16),
	}
}

func (b *bridge) notify(chat.StateChange) {
	select {
	case b.changed <- struct{}{}:
	default:
	}
}

func (b *bridge) onToolCall(ctx context.Context, call chat.ToolCall) {
	select {
	case b.calls <- call:
	case <-ctx.Done():
	}
}

func (b *bridge) wait() tea.Cmd {
	return func() tea.Msg {
		select {
		case <-b.changed:
			return stateChangedMsg{}
		case call := <-b.calls:
			return toolCallMsg{call: call}
		}
	}
}

type tuiOptions struct {
	Helpers     *chat.Helpers
	ClientTools *agg.ToolRegistry
	// Store is optional; it feeds the usage shown in the footer.
	Store     agg.Store
	SessionID string
	// MarkdownStyle is a glamour style name; empty picks one from the terminal.
	MarkdownStyle string

	bridge *bridge
}

type TUIModel struct {
	helpers     *chat.Helpers
	clientTools *agg.ToolRegistry
	store       agg.Store
	sessionID   string

	bridge  *bridge
	unwatch func()

	modelUserInput   textarea.Model
	modelChatHistory viewport.Model
	spinner          spinner.Model

	cache *renderCache

	status  chat.Status
	errMsg  string
	pending []chat.ToolCall
	usage   core.Usage

	stickToBottom bool

	width  int
	height int
}

func newTUIModel(opts tuiOptions) (TUIModel, error) {
	br := opts.bridge
	if br == nil {
		br = newBridge()
	}
	unwatch, err := opts.Helpers.Watch(br.notify)
	if err != nil {
		return TUIModel{}, err
	}

	ta := textarea.New()
	ta.Placeholder = "Ask anything..."
	ta.Focus()
	ta.CharLimit = 0
	ta.SetHeight(minInputHeight)
	ta.SetWidth(0)
	ta.ShowLineNumbers = false
	ta.Prompt = ""

	m := TUIModel{
		helpers:          opts.Helpers,
		clientTools:      opts.ClientTools,
		store:            opts.Store,
		sessionID:        opts.SessionID,
		bridge:           br,
		unwatch:          unwatch,
		modelUserInput:   ta,
		modelChatHistory: viewport.New(0, 0),
		spinner:          spinner.New(spinner.WithSpinner(spinner.Dot)),
		cache:            newRenderCache(opts.MarkdownStyle),
		status:           opts.Helpers.Status(),
		stickToBottom:    true,
	}
	m.refreshUsage()
	return m, nil
}

func (m TUIModel) close() {
	if m.unwatch != nil {
		m.unwatch()
	}
}

func (m TUIModel) Init() tea.Cmd {
	h := m.helpers
	mount := func() tea.Msg {
		return requestDoneMsg{err: h.Mount(context.Background())}
	}
	return tea.Batch(textarea.Blink, m.spinner.Tick, m.bridge.wait(), mount)
}

func (m TUIModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.syncSizes()
		m.updateViewport()
		return m, nil
	case tea.KeyMsg:
		return m.updateKey(msg)
	case stateChangedMsg:
		m.syncStatus()
		m.updateViewport()
		return m, m.bridge.wait()
	case toolCallMsg:
		m.pending = append(m.pending, msg.call)
		m.updateViewport()
		return m, m.bridge.wait()
	case requestDoneMsg:
		if msg.err != nil {
			m.errMsg = msg.err.Error()
		}
		m.syncStatus()
		m.refreshUsage()
		m.updateViewport()
		return m, nil
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.modelUserInput, cmd = m.modelUserInput.Update(msg)
	m.syncInputHeight()
	return m, cmd
}

func (m TUIModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("opachat • " + shortID(m.sessionID)))
	b.WriteString("\n\n")
	b.WriteString(m.modelChatHistory.View())
	b.WriteString("\n")
	b.WriteString(renderDivider(m.width))
	b.WriteString("\n")
	b.WriteString(m.modelUserInput.View())
	b.WriteString("\n")
	b.WriteString(m.footer())

	return b.String()
}

func (m TUIModel) footer() string {
	switch {
	case len(m.pending) > 0:
		return confirmStyle.Render(fmt.Sprintf("Allow %s? y to allow • n to decline", m.pending[0].ToolName))
	case m.errMsg != "":
		return errorStyle.Render(fmt.Sprintf("Error: %s", m.errMsg)) + hintStyle.Render(" • Ctrl+R to retry")
	case m.busy():
		return m.spinner.View() + hintStyle.Render(" Assistant is responding • Esc to stop")
	}

	hint := "Enter to send • Alt+Enter for newline • Ctrl+R to regenerate • :q to quit"
	if m.usage.Total > 0 {
		hint += fmt.Sprintf(" • %s tokens • %s", humanize.Comma(m.usage.Total), formatCost(m.usage))
	}
	return hintStyle.Render(hint)
}

func (m TUIModel) updateKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if len(m.pending) > 0 {
		switch msg.String() {
		case "y", "Y":
			return m.answerToolCall(true)
		case "n", "N":
			return m.answerToolCall(false)
		}
	}

	switch msg.Type {
	case tea.KeyCtrlC:
		m.helpers.Stop()
		return m, tea.Quit
	case tea.KeyEsc:
		if m.busy() {
			m.helpers.Stop()
		}
		return m, nil
	case tea.KeyCtrlR:
		return m.regenerate()
	case tea.KeyPgUp:
		m.modelChatHistory.PageUp()
		m.updateStickiness()
		return m, nil
	case tea.KeyPgDown:
		m.modelChatHistory.PageDown()
		m.updateStickiness()
		return m, nil
	case tea.KeyCtrlU:
		m.modelChatHistory.HalfPageUp()
		m.updateStickiness()
		return m, nil
	case tea.KeyCtrlD:
		m.modelChatHistory.HalfPageDown()
		m.updateStickiness()
		return m, nil
	case tea.KeyShiftUp:
		m.modelChatHistory.LineUp(1)
		m.updateStickiness()
		return m, nil
	case tea.KeyShiftDown:
		m.modelChatHistory.LineDown(1)
		m.updateStickiness()
		return m, nil
	case tea.KeyEnter:
		if msg.Alt {
			m.modelUserInput.InsertString("\n")
			m.syncInputHeight()
			return m, nil
		}
		return m.submitInput()
	}

	var cmd tea.Cmd
	m.modelUserInput, cmd = m.modelUserInput.Update(msg)
	m.syncInputHeight()
	return m, cmd
}

func (m TUIModel) submitInput() (tea.Model, tea.Cmd) {
	input := strings.TrimSpace(m.modelUserInput.Value())
	if input == "" {
		return m, nil
	}

	if quitCommands[input] {
		m.helpers.Stop()
		return m, tea.Quit
	}

	if m.busy() {
		return m, nil
	}

	m.modelUserInput.Reset()
	m.errMsg = ""
	m.helpers.ClearError()
	m.stickToBottom = true
	m.syncInputHeight()

	h := m.helpers
	return m, func() tea.Msg {
		return requestDoneMsg{err: h.SendMessage(context.Background(), &chat.MessageInput{Text: input})}
	}
}

func (m TUIModel) regenerate() (tea.Model, tea.Cmd) {
	if m.busy() || len(m.helpers.Messages()) == 0 {
		return m, nil
	}

	m.errMsg = ""
	m.helpers.ClearError()
	m.stickToBottom = true

	h := m.helpers
	return m, func() tea.Msg {
		return requestDoneMsg{err: h.Regenerate(context.Background(), chat.RegenerateOptions{})}
	}
}

// answerToolCall settles the oldest pending client tool call. Declined calls still get a result
// so the model learns about it.
func (m TUIModel) answerToolCall(approve bool) (tea.Model, tea.Cmd) {
	call := m.pending[0]
	m.pending = m.pending[1:]
	m.updateViewport()

	h, tools := m.helpers, m.clientTools
	return m, func() tea.Msg {
		ctx := context.Background()

		result := chat.ToolResult{ToolCallID: call.ToolCallID, ErrorText: "the user declined the call"}
		if approve {
			if tools == nil {
				result.ErrorText = "no handler for " + call.ToolName
			} else {
				result = tools.Resolve(ctx, call)
			}
		}
		return requestDoneMsg{err: h.AddToolResult(ctx, result)}
	}
}

func (m TUIModel) busy() bool {
	return m.status == chat.StatusSubmitted || m.status == chat.StatusStreaming
}

func (m *TUIModel) syncStatus() {
	m.status = m.helpers.Status()
	if err := m.helpers.Error(); err != nil {
		m.errMsg = err.Error()
	}
}

func (m *TUIModel) refreshUsage() {
	if m.store == nil {
		return
	}
	u, err := m.store.Usage(m.sessionID)
	if err != nil {
		log.Warn().Err(err).Msg("failed to read usage")
		return
	}
	m.usage = u
}

func (m *TUIModel) syncSizes() {
	m.modelUserInput.SetWidth(m.width)
	m.syncInputHeight()
}

func (m *TUIModel) syncInputHeight() {
	height := clamp(m.modelUserInput.LineCount(), minInputHeight, maxInputHeight)
	m.modelUserInput.SetHeight(height)

	if m.width > 0 && m.height > 0 {
		chatHeight := m.height - headerHeight - footerHeight - height
		if chatHeight < 3 {
			chatHeight = 3
		}
		m.modelChatHistory.Height = chatHeight
		m.modelChatHistory.Width = m.width
	}
}

// updateViewport rebuilds the history from the cache, rendering only the messages whose version
// moved since the last call.
func (m *TUIModel) updateViewport() {
	content := m.cache.render(m.helpers.Views(), m.modelChatHistory.Width)

	for _, call := range m.pending {
		content += "\n\n" + confirmStyle.Render("Requested: "+summarizeCall(call))
	}

	m.modelChatHistory.SetContent(content)
	if m.stickToBottom {
		m.modelChatHistory.GotoBottom()
	}
}

func (m *TUIModel) updateStickiness() {
	m.stickToBottom = m.modelChatHistory.AtBottom()
}

type renderedMessage struct {
	version uint64
	text    string
}

// renderCache keeps each message's rendering by id for as long as its version and the width stay
// the same.
type renderCache struct {
	style   string
	width   int
	entries map[string]renderedMessage
	// renders counts messages rendered from scratch
	renders int

	renderer *glamour.TermRenderer
}

func newRenderCache(style string) *renderCache {
	return &renderCache{style: style, entries: make(map[string]renderedMessage)}
}

func (c *renderCache) render(views []chat.MessageView, width int) string {
	if width != c.width {
		c.width = width
		c.entries = make(map[string]renderedMessage, len(views))
		c.renderer = nil
	}

	seen := make(map[string]bool, len(views))
	out := make([]string, 0, len(views))
	for _, v := range views {
		id := v.Message.ID
		e, ok := c.entries[id]
		if !ok || e.version != v.Version {
			e = renderedMessage{version: v.Version, text: c.renderMessage(v.Message)}
			c.entries[id] = e
			c.renders++
		}
		seen[id] = true
		out = append(out, e.text)
	}

	for id := range c.entries {
		if !seen[id] {
			delete(c.entries, id)
		}
	}

	return strings.Join(out, "\n\n")
}

func (c *renderCache) renderMessage(m chat.UIMessage) string {
	var b strings.Builder

	switch m.Role {
	case chat.RoleUser:
		b.WriteString(labelUserStyle.Render("You"))
	default:
		b.WriteString(labelBotStyle.Render("Assistant"))
	}
	b.WriteString("\n")

	for i := range m.Parts {
		p := &m.Parts[i]
		switch p.Type {
		case chat.PartTypeText:
			if m.Role == chat.RoleAssistant {
				b.WriteString(c.markdown(p.Text.Text))
			} else {
				b.WriteString(c.wrap(p.Text.Text))
			}
		case chat.PartTypeReasoning:
			b.WriteString(labelReasonStyle.Render("Reasoning") + "\n")
			b.WriteString(bodyReasonStyle.Render(c.wrap(p.Reasoning.Text)))
		case chat.PartTypeTool:
			b.WriteString(bodyToolStyle.Render(c.wrap(describeTool(p.Tool))))
		case chat.PartTypeSourceURL:
			b.WriteString(hintStyle.Render(c.wrap(fmt.Sprintf("source: %s %s", p.Source.Title, p.Source.URL))))
		case chat.PartTypeSourceDocument:
			b.WriteString(hintStyle.Render(c.wrap(fmt.Sprintf("source: %s (%s)", p.Source.Title, p.Source.Filename))))
		case chat.PartTypeFile:
			b.WriteString(hintStyle.Render(c.wrap(fmt.Sprintf("file: %s (%s)", p.File.Filename, p.File.MediaType))))
		default:
			continue
		}
		b.WriteString("\n")
	}

	return strings.TrimRight(b.String(), "\n")
}

func (c *renderCache) markdown(text string) string {
	if c.renderer == nil {
		width := c.width
		if width <= 0 {
			width = 80
		}

		style := glamour.WithAutoStyle()
		if c.style != "" {
			style = glamour.WithStandardStyle(c.style)
		}

		r, err := glamour.NewTermRenderer(style, glamour.WithWordWrap(width))
		if err != nil {
			log.Warn().Err(err).Msg("markdown rendering disabled")
			return c.wrap(text)
		}
		c.renderer = r
	}

	out, err := c.renderer.Render(text)
	if err != nil {
		return c.wrap(text)
	}
	return strings.Trim(out, "\n")
}

func (c *renderCache) wrap(s string) string {
	if c.width <= 0 {
		return s
	}
	return wordwrap.String(s, c.width)
}

func describeTool(t *chat.ToolPart) string {
	s := summarizeCall(chat.ToolCall{ToolName: t.ToolName, Input: t.Input})

	switch t.State {
	case chat.ToolOutputAvailable:
		s += " → " + stringify(t.Output)
	case chat.ToolOutputError:
		s += " failed: " + t.ErrorText
	default:
		s += " …"
	}
	return maybeTruncate(s, toolSummaryMax)
}

func summarizeCall(call chat.ToolCall) string {
	return maybeTruncate(fmt.Sprintf("%s(%s)", call.ToolName, stringify(call.Input)), toolSummaryMax)
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func clamp(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func renderDivider(width int) string {
	w := width
	if w < 10 {
		w = 10
	}
	return dividerStyle.Render(strings.Repeat("─", w))
}

func maybeTruncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "…"
}
