// Package tui is the interactive terminal dashboard. It renders the client
// views in tabs and redraws whenever a view reports a change.
package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kalambet/lensdesk/internal/events"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("24")).
			Padding(0, 1)

	activeTabStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15")).
			Background(lipgloss.Color("24")).
			Padding(0, 2)

	inactiveTabStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("240")).
				Padding(0, 2)

	statusBarStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			PaddingLeft(1)

	offlineStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("208")).
			Bold(true)

	noticeStyles = map[string]lipgloss.Style{
		"info":    lipgloss.NewStyle().Foreground(lipgloss.Color("12")).PaddingLeft(1),
		"warning": lipgloss.NewStyle().Foreground(lipgloss.Color("208")).PaddingLeft(1),
		"error":   lipgloss.NewStyle().Foreground(lipgloss.Color("1")).Bold(true).PaddingLeft(1),
	}
)

const statusInterval = 2 * time.Second

// noticeTTL is how long a notice stays in the status bar.
const noticeTTL = 5 * time.Second

// Tab is one dashboard page. Render receives the current filter text.
type Tab struct {
	Name   string
	Render func(filter string) string
}

// Status is the connectivity summary shown in the status bar.
type Status struct {
	Link    string
	Pending int
	Dead    int
}

// Options configures a Model.
type Options struct {
	Title   string
	Tabs    []Tab
	Status  func() Status
	Refresh func() error // forced resync, bound to r
}

// Changed tells the model a view changed. Send it from view callbacks with
// tea.Program.Send.
type Changed struct{}

// ShowNotice displays a notice in the status bar.
type ShowNotice events.Notice

type tickMsg time.Time

type refreshedMsg struct{ err error }

// Model is the bubbletea model of the dashboard.
type Model struct {
	opts      Options
	active    int
	filter    string
	filtering bool
	width     int
	height    int
	status    Status
	notice    *ShowNotice
	noticeAt  time.Time
	changes   int
	err       error
	now       func() time.Time
}

// New returns a Model over opts.
func New(opts Options) Model {
	if opts.Title == "" {
		opts.Title = "lensdesk"
	}
	m := Model{opts: opts, now: time.Now}
	if opts.Status != nil {
		m.status = opts.Status()
	}
	return m
}

func (m Model) Init() tea.Cmd {
	return tick()
}

func tick() tea.Cmd {
	return tea.Tick(statusInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) refresh() tea.Cmd {
	if m.opts.Refresh == nil {
		return nil
	}
	fn := m.opts.Refresh
	return func() tea.Msg { return refreshedMsg{err: fn()} }
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		if m.filtering {
			return m.updateFilter(msg), nil
		}
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "tab", "right", "l":
			if n := len(m.opts.Tabs); n > 0 {
				m.active = (m.active + 1) % n
			}
		case "shift+tab", "left", "h":
			if n := len(m.opts.Tabs); n > 0 {
				m.active = (m.active - 1 + n) % n
			}
		case "/":
			m.filtering = true
		case "esc":
			m.filter = ""
		case "r":
			m.err = nil
			return m, m.refresh()
		default:
			if k := msg.String(); len(k) == 1 && k[0] >= '1' && k[0] <= '9' {
				if i := int(k[0] - '1'); i < len(m.opts.Tabs) {
					m.active = i
				}
			}
		}
		return m, nil

	case Changed:
		m.changes++
		return m, nil

	case ShowNotice:
		n := msg
		m.notice = &n
		m.noticeAt = m.now()
		return m, nil

	case refreshedMsg:
		m.err = msg.err
		return m, nil

	case tickMsg:
		if m.opts.Status != nil {
			m.status = m.opts.Status()
		}
		if m.notice != nil && m.now().Sub(m.noticeAt) > noticeTTL {
			m.notice = nil
		}
		return m, tick()
	}
	return m, nil
}

func (m Model) updateFilter(msg tea.KeyMsg) Model {
	switch msg.Type {
	case tea.KeyEnter:
		m.filtering = false
	case tea.KeyEsc:
		m.filtering = false
		m.filter = ""
	case tea.KeyBackspace:
		if r := []rune(m.filter); len(r) > 0 {
			m.filter = string(r[:len(r)-1])
		}
	case tea.KeyRunes, tea.KeySpace:
		m.filter += string(msg.Runes)
	}
	return m
}

func (m Model) View() string {
	var sb strings.Builder
	sb.WriteString(titleStyle.Render(" " + m.opts.Title + " "))
	sb.WriteString("\n")

	var tabs []string
	for i, t := range m.opts.Tabs {
		label := fmt.Sprintf("%d: %s", i+1, t.Name)
		if i == m.active {
			tabs = append(tabs, activeTabStyle.Render(label))
		} else {
			tabs = append(tabs, inactiveTabStyle.Render(label))
		}
	}
	sb.WriteString(strings.Join(tabs, ""))
	sb.WriteString("\n\n")

	if m.active < len(m.opts.Tabs) {
		content := m.opts.Tabs[m.active].Render(m.filter)
		if m.height > 0 {
			content = clipLines(content, m.height-6)
		}
		sb.WriteString(content)
	}
	sb.WriteString("\n")
	sb.WriteString(m.renderStatus())
	return sb.String()
}

func (m Model) renderStatus() string {
	link := m.status.Link
	if link != "connected" && link != "" {
		link = offlineStyle.Render(link)
	}
	parts := []string{
		"link: " + link,
		fmt.Sprintf("queued: %d", m.status.Pending),
	}
	if m.status.Dead > 0 {
		parts = append(parts, fmt.Sprintf("dead: %d", m.status.Dead))
	}
	if m.filtering || m.filter != "" {
		parts = append(parts, "filter: "+m.filter)
	}
	parts = append(parts, "q quit, tab switch, / filter, r resync")

	line := statusBarStyle.Render(strings.Join(parts, "  |  "))
	switch {
	case m.err != nil:
		line += "\n" + noticeStyles["error"].Render("resync failed: "+m.err.Error())
	case m.notice != nil:
		style, ok := noticeStyles[m.notice.Level]
		if !ok {
			style = noticeStyles["info"]
		}
		line += "\n" + style.Render(m.notice.Message)
	}
	return line
}

func clipLines(s string, n int) string {
	if n < 1 {
		n = 1
	}
	lines := strings.Split(s, "\n")
	if len(lines) <= n {
		return s
	}
	return strings.Join(lines[:n], "\n")
}
