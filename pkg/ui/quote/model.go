package quote

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// FetchFunc returns one inspiration.
type FetchFunc func(ctx context.Context) (string, error)

type entry struct {
	text string
	err  string
}

type fetchResultMsg struct {
	text string
	err  error
}

type model struct {
	ctx     context.Context
	fetchFn FetchFunc
	source  string

	theme     theme
	spinner   spinner.Model
	viewport  viewport.Model
	entries   []entry
	width     int
	height    int
	isReady   bool
	isLoading bool
	lastErr   string
	fetched   int
}

func newModel(ctx context.Context, fetchFn FetchFunc, source string) *model {
	spin := spinner.New()
	spin.Spinner = spinner.Points
	spin.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("44"))

	return &model{
		ctx:      ctx,
		fetchFn:  fetchFn,
		source:   strings.TrimSpace(source),
		theme:    defaultTheme(),
		spinner:  spin,
		viewport: viewport.New(80, 12),
		width:    100,
		height:   28,
	}
}

// Init fetches the first inspiration right away.
func (m *model) Init() tea.Cmd {
	return m.startFetch()
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch typed := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = typed.Width
		m.height = typed.Height
		m.resizeComponents()
		m.refreshViewport()
		m.isReady = true
		return m, nil
	case tea.KeyMsg:
		switch typed.String() {
		case "ctrl+c", "esc", "q":
			return m, tea.Quit
		case "enter", " ", "n":
			if m.isLoading {
				return m, nil
			}
			return m, m.startFetch()
		case "pgup", "up", "k":
			m.viewport.ScrollUp(3)
			return m, nil
		case "pgdown", "down", "j":
			m.viewport.ScrollDown(3)
			return m, nil
		}
		return m, nil
	case spinner.TickMsg:
		if !m.isLoading {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(typed)
		return m, cmd
	case fetchResultMsg:
		m.isLoading = false
		if typed.err != nil {
			m.lastErr = typed.err.Error()
			m.entries = append(m.entries, entry{err: typed.err.Error()})
		} else {
			m.lastErr = ""
			m.fetched++
			m.entries = append(m.entries, entry{text: typed.text})
		}
		m.refreshViewport()
		return m, nil
	}

	return m, nil
}

func (m *model) View() string {
	if !m.isReady {
		m.resizeComponents()
		m.refreshViewport()
	}

	header := m.theme.header.Width(m.width - 2).Render("✨ Muse")
	meta := m.theme.headerMeta.Render(fmt.Sprintf("source:%s · fetched:%d", displayOrNA(m.source), m.fetched))
	line := m.theme.divider.Width(m.width - 2).Render(strings.Repeat("═", max(8, m.width-2)))

	status := m.theme.status.Render("💡 Enter/Space/n next  ·  ↑/↓ scroll  ·  q/Esc quit")
	if m.isLoading {
		status = m.theme.statusBusy.Render(fmt.Sprintf("%s asking the muse...", m.spinner.View()))
	} else if m.lastErr != "" {
		status = m.theme.statusErr.Render("🚨 last fetch failed, press Enter to retry")
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		meta,
		line,
		m.theme.viewport.Width(m.width-2).Render(m.viewport.View()),
		status,
	)
}

func (m *model) startFetch() tea.Cmd {
	m.isLoading = true
	return tea.Batch(m.spinner.Tick, fetchCmd(m.ctx, m.fetchFn))
}

func (m *model) resizeComponents() {
	w := max(40, m.width-6)
	h := max(6, m.height-8)

	m.viewport.Width = w
	m.viewport.Height = h
}

func (m *model) refreshViewport() {
	sections := make([]string, 0, len(m.entries))
	for i, item := range m.entries {
		if item.err != "" {
			sections = append(sections, lipgloss.JoinVertical(lipgloss.Left,
				m.theme.errorTitle.Render("[ERROR]"),
				m.theme.errorBox.Width(m.viewport.Width).Render(strings.TrimSpace(item.err)),
			))
			continue
		}

		text := strings.TrimSpace(item.text)
		if text == "" {
			text = m.theme.hint.Render("(empty)")
		}
		sections = append(sections, lipgloss.JoinVertical(lipgloss.Left,
			m.theme.quoteTitle.Render(fmt.Sprintf("#%d", i+1)),
			m.theme.quoteBox.Width(m.viewport.Width).Render(text),
		))
	}

	m.viewport.SetContent(strings.Join(sections, "\n\n"))
	m.viewport.GotoBottom()
}

func fetchCmd(ctx context.Context, fetchFn FetchFunc) tea.Cmd {
	return func() tea.Msg {
		if fetchFn == nil {
			return fetchResultMsg{err: fmt.Errorf("no fetcher configured")}
		}
		text, err := fetchFn(ctx)
		return fetchResultMsg{text: text, err: err}
	}
}

func displayOrNA(value string) string {
	if value == "" {
		return "n/a"
	}

	return value
}
