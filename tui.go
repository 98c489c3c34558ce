package main

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"murmur/clipboard"
	"murmur/entitlement"
	"murmur/models"
	"murmur/session"
)

// TUI message types
type StatusMsg struct{ Status session.Status }
type ResultMsg struct {
	Result session.Result
	Path   clipboard.Path
	Err    error
}
type ProgressMsg struct{ Progress models.Progress }
type ConfigMsg struct {
	Config      session.Config
	Entitlement entitlement.State
	Device      string
}
type LogMsg struct{ Text string }
type tickMsg time.Time

const maxLogLines = 6

type tuiModel struct {
	status        session.Status
	recStart      time.Time
	now           time.Time
	width, height int

	cfg       session.Config
	ent       entitlement.State
	device    string
	downloads map[string]models.Progress

	msgCount  int
	lastText  string
	lastPath  clipboard.Path
	lastErr   string
	durations []float64
	logLines  []string
}

var (
	tuiProgram *tea.Program
	tuiMu      sync.Mutex
)

var (
	recStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	busyStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("214")).Bold(true)
	errStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	infoStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	textStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("4"))
	pastedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	titleStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("246"))
	helpStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("239"))
	helpKeyStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("239")).Bold(true)
)

func NewTUIProgram() *tea.Program {
	m := tuiModel{
		status:    session.Status{State: session.StateIdle},
		downloads: make(map[string]models.Progress),
	}
	return tea.NewProgram(m, tea.WithAltScreen())
}

func tuiTick() tea.Cmd {
	return tea.Tick(100*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// tuiSend is a no-op when the TUI is not running.
func tuiSend(msg tea.Msg) {
	tuiMu.Lock()
	p := tuiProgram
	tuiMu.Unlock()
	if p != nil {
		p.Send(msg)
	}
}

func logToTUI(format string, args ...any) {
	tuiSend(LogMsg{Text: fmt.Sprintf(format, args...)})
}

func (m tuiModel) Init() tea.Cmd {
	return tuiTick()
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case tea.KeyMsg:
		if msg.String() == "ctrl+c" || msg.String() == "q" {
			return m, tea.Quit
		}

	case tickMsg:
		m.now = time.Time(msg)
		return m, tuiTick()

	case StatusMsg:
		if msg.Status.State == session.StateRecording && m.status.State != session.StateRecording {
			m.recStart = time.Now()
		}
		m.status = msg.Status

	case ResultMsg:
		m.msgCount++
		m.lastText = msg.Result.Text
		m.lastPath = msg.Path
		m.lastErr = ""
		if msg.Err != nil {
			m.lastErr = msg.Err.Error()
		}
		m.durations = append(m.durations, float64(msg.Result.DurationMs))

	case ProgressMsg:
		p := msg.Progress
		if p.Done && p.Err == nil {
			delete(m.downloads, p.ID)
		} else {
			m.downloads[p.ID] = p
		}

	case ConfigMsg:
		m.cfg = msg.Config
		m.ent = msg.Entitlement
		m.device = msg.Device

	case LogMsg:
		m.logLines = append(m.logLines, msg.Text)
		if len(m.logLines) > maxLogLines {
			m.logLines = m.logLines[len(m.logLines)-maxLogLines:]
		}
	}
	return m, nil
}

func (m tuiModel) statusLine() string {
	switch m.status.State {
	case session.StateRecording:
		d := m.now.Sub(m.recStart).Seconds()
		if d < 0 || m.now.IsZero() {
			d = 0
		}
		return recStyle.Render(fmt.Sprintf("● REC %.1fs", d))
	case session.StateProcessing:
		return busyStyle.Render("◐ TRANSCRIBING")
	case session.StateError:
		return errStyle.Render("✕ " + string(m.status.Code) + ": " + m.status.Message)
	}
	return dimStyle.Render("○ STANDBY")
}

func (m tuiModel) planLine() string {
	if m.ent.Plan == entitlement.PlanPro {
		return infoStyle.Render("pro")
	}
	if m.ent.Plan == "" {
		return ""
	}
	return infoStyle.Render(fmt.Sprintf("free: %d left", m.ent.FreeLeft))
}

func (m tuiModel) View() string {
	if m.width == 0 || m.height == 0 {
		return "Loading..."
	}

	const sideWidth = 36
	var side []string
	side = append(side, m.statusLine())
	if m.cfg.ActiveModel != "" {
		side = append(side, infoStyle.Render(fmt.Sprintf("[%s | %s]", m.cfg.ActiveModel, m.cfg.Language)))
	}
	if m.device != "" {
		side = append(side, dimStyle.Render(m.device))
	}
	if pl := m.planLine(); pl != "" {
		side = append(side, pl)
	}

	ids := make([]string, 0, len(m.downloads))
	for id := range m.downloads {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		side = append(side, renderProgress(m.downloads[id]))
	}

	if table := renderLatencyTable(m.durations); table != "" {
		side = append(side, "")
		for _, line := range strings.Split(table, "\n") {
			side = append(side, dimStyle.Render(line))
		}
	}

	side = append(side, "")
	shortcut := m.cfg.Shortcut
	if shortcut == "" {
		shortcut = "shortcut"
	}
	side = append(side, helpKeyStyle.Render(shortcut)+helpStyle.Render(" to dictate"))
	side = append(side, helpStyle.Render("murmur "+version))

	logWidth := m.width - sideWidth - 1
	if logWidth < 20 {
		logWidth = 20
	}
	wrapWidth := logWidth - 2
	if wrapWidth < 10 {
		wrapWidth = 10
	}

	var b strings.Builder
	if m.msgCount > 0 {
		b.WriteString(titleStyle.Render(fmt.Sprintf("Last transcription (#%d)", m.msgCount)) + "\n\n")
		lines := wrapText(m.lastText, wrapWidth)
		for i, line := range lines {
			b.WriteString(textStyle.Render(line))
			if i == len(lines)-1 {
				b.WriteString(" " + renderPath(m.lastPath, m.lastErr))
			}
			b.WriteString("\n")
		}
	} else {
		b.WriteString(dimStyle.Render("No transcriptions yet") + "\n")
	}
	if len(m.logLines) > 0 {
		b.WriteString("\n")
		for _, l := range m.logLines {
			b.WriteString(dimStyle.Render(l) + "\n")
		}
	}

	sidePanel := lipgloss.NewStyle().
		Width(sideWidth).
		Height(m.height).
		PaddingLeft(1).
		Render(strings.Join(side, "\n"))
	logPanel := lipgloss.NewStyle().
		Width(logWidth).
		Height(m.height).
		PaddingLeft(1).
		Render(b.String())

	return lipgloss.JoinHorizontal(lipgloss.Top, sidePanel, logPanel)
}

func renderPath(p clipboard.Path, errText string) string {
	switch {
	case errText != "":
		return errStyle.Render("[not delivered]")
	case p == clipboard.PathKeystroke:
		return pastedStyle.Render("[✓ pasted]")
	case p == clipboard.PathClipboard:
		return pastedStyle.Render("[✓ copied]")
	case p == clipboard.PathTyped:
		return pastedStyle.Render("[✓ typed]")
	}
	return ""
}

func renderProgress(p models.Progress) string {
	if p.Err != nil {
		return errStyle.Render(fmt.Sprintf("%s: download failed", p.ID))
	}
	pct := 0.0
	if p.Total > 0 {
		pct = float64(p.Downloaded) / float64(p.Total) * 100
	}
	const barWidth = 16
	filled := int(pct / 100 * barWidth)
	filled = min(max(filled, 0), barWidth)
	bar := strings.Repeat("█", filled) + strings.Repeat("░", barWidth-filled)
	return infoStyle.Render(fmt.Sprintf("%-6s %s %3.0f%%", p.ID, bar, pct))
}

func wrapText(text string, width int) []string {
	if len(text) == 0 {
		return []string{""}
	}
	if width <= 0 {
		width = 1
	}

	var lines []string
	for len(text) > width {
		// Find last space within width
		splitAt := width
		for i := width; i > 0; i-- {
			if text[i] == ' ' {
				splitAt = i
				break
			}
		}
		lines = append(lines, text[:splitAt])
		text = strings.TrimLeft(text[splitAt:], " ")
	}
	if len(text) > 0 {
		lines = append(lines, text)
	}
	return lines
}

// percentiles returns min, p50, p90, p95 and max of xs.
func percentiles(xs []float64) [5]float64 {
	var out [5]float64
	if len(xs) == 0 {
		return out
	}
	s := append([]float64(nil), xs...)
	sort.Float64s(s)
	at := func(p float64) float64 {
		i := int(p*float64(len(s)-1) + 0.5)
		return s[i]
	}
	out[0] = s[0]
	out[1] = at(0.50)
	out[2] = at(0.90)
	out[3] = at(0.95)
	out[4] = s[len(s)-1]
	return out
}

func renderLatencyTable(durations []float64) string {
	if len(durations) == 0 {
		return ""
	}
	p := percentiles(durations)
	return fmt.Sprintf(
		"      %5s %5s %5s %5s %5s\n"+
			"ms    %5.0f %5.0f %5.0f %5.0f %5.0f",
		"min", "p50", "p90", "p95", "max",
		p[0], p[1], p[2], p[3], p[4],
	)
}
