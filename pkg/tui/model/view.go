package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/modoterra/sractl/pkg/core"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	statusRunning = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	statusStopped = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	statusFailed  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusTask    = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))

	paneStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("205")).
			Padding(0, 1)

	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	helpStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

var levelStyles = map[core.Level]lipgloss.Style{
	core.LevelTrace:   lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
	core.LevelDebug:   lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
	core.LevelInfo:    lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
	core.LevelWarn:    lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
	core.LevelError:   lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
	core.LevelSuccess: lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
	core.LevelMessage: lipgloss.NewStyle().Foreground(lipgloss.Color("252")),
}

// View renders the TUI.
func (a App) View() string {
	if !a.ready {
		return "loading..."
	}

	logPane := paneStyle.Width(a.width - 2).Render(
		titleStyle.Render(a.logTitle()) + "\n" + a.logs.View(),
	)
	inputPane := paneStyle.Width(a.width - 2).Render(a.input.View())

	return lipgloss.JoinVertical(lipgloss.Left, logPane, inputPane, a.renderStatusBar())
}

// logSize is the viewport size left after borders, title, input box and status bar.
func (a App) logSize() (int, int) {
	return max(a.width-6, 10), max(a.height-9, 3)
}

func (a App) logTitle() string {
	title := " Console "
	if a.worker.LogFile != "" {
		title += dimStyle.Render(a.worker.LogFile) + " "
	}
	if a.ready && !a.logs.AtBottom() {
		title += dimStyle.Render(fmt.Sprintf("[%3.f%%]", a.logs.ScrollPercent()*100)) + " "
	}
	return title
}

func (a App) renderStatusBar() string {
	left := colorState(a.worker.State)
	if a.worker.PID != 0 {
		left += dimStyle.Render(fmt.Sprintf(" pid %d", a.worker.PID))
	}
	if a.worker.StartedAt != nil {
		left += dimStyle.Render(" up " + formatDuration(time.Since(*a.worker.StartedAt)))
	}
	if a.worker.RSSBytes > 0 {
		left += dimStyle.Render(fmt.Sprintf(" %d procs %s", a.worker.Processes, formatBytes(a.worker.RSSBytes)))
	}
	if a.statusMsg != "" {
		left += "  " + a.statusMsg
	}
	right := "^s:start ^x:stop ^r:restart ^t:task pgup/pgdn:scroll ^c:quit"

	gap := a.width - lipgloss.Width(left) - lipgloss.Width(right)
	if gap < 1 {
		gap = 1
	}
	return left + helpStyle.Render(strings.Repeat(" ", gap)+right)
}

// renderEntries formats entries for the console, indenting continuation lines
// of multi-line records under the text column.
func renderEntries(entries []core.LogEntry, width int) string {
	if len(entries) == 0 {
		return dimStyle.Render("no log output")
	}

	// "15:04:05 " + "[SUCCESS]" + " "
	indent := strings.Repeat(" ", 19)
	var b strings.Builder
	for i, e := range entries {
		if i > 0 {
			b.WriteByte('\n')
		}
		token := fmt.Sprintf("%-9s", "["+e.Level.Token()+"]")
		b.WriteString(dimStyle.Render(e.Timestamp.Format("15:04:05")))
		b.WriteByte(' ')
		b.WriteString(levelStyle(e.Level).Render(token))
		b.WriteByte(' ')
		for j, line := range strings.Split(e.Text, "\n") {
			if j > 0 {
				b.WriteString("\n" + indent)
			}
			b.WriteString(truncate(line, width-len(indent)))
		}
	}
	return b.String()
}

func levelStyle(l core.Level) lipgloss.Style {
	if s, ok := levelStyles[l]; ok {
		return s
	}
	return levelStyles[core.LevelInfo]
}

func colorState(state core.ProcessState) string {
	switch state {
	case core.StateRunning:
		return statusRunning.Render("● " + string(state))
	case core.StateTaskRunning:
		return statusTask.Render("↻ " + string(state))
	case core.StateError:
		return statusFailed.Render("✖ " + string(state))
	default:
		return statusStopped.Render("○ " + string(state))
	}
}

func truncate(s string, maxLen int) string {
	r := []rune(s)
	if maxLen <= 0 || len(r) <= maxLen {
		return s
	}
	if maxLen <= 3 {
		return string(r[:maxLen])
	}
	return string(r[:maxLen-3]) + "..."
}

func formatBytes(b uint64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)
	switch {
	case b >= GB:
		return fmt.Sprintf("%.1f GB", float64(b)/float64(GB))
	case b >= MB:
		return fmt.Sprintf("%.1f MB", float64(b)/float64(MB))
	case b >= KB:
		return fmt.Sprintf("%.1f KB", float64(b)/float64(KB))
	default:
		return fmt.Sprintf("%d B", b)
	}
}

func formatDuration(d time.Duration) string {
	sec := int(d.Seconds())
	if sec < 60 {
		return fmt.Sprintf("%ds", sec)
	}
	if sec < 3600 {
		return fmt.Sprintf("%dm%ds", sec/60, sec%60)
	}
	return fmt.Sprintf("%dh%dm", sec/3600, (sec%3600)/60)
}
