package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"pinscraper/pkg/ui"
)

const logo = `
┌───────────────────────────────────────────┐
│ █▀█ █ █▄ █ █▀ █▀▀ █▀█ ▄▀█ █▀█ █▀▀ █▀█     │
│ █▀▀ █ █ ▀█ ▄█ █▄▄ █▀▄ █▀█ █▀▀ ██▄ █▀▄     │
│        resumable pin collection           │
└───────────────────────────────────────────┘`

// View renders the entire TUI
func (m Model) View() string {
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}

	var sections []string
	sections = append(sections, logoStyle.Width(m.width).Render(logo))

	half := (m.width - 4) / 2
	left := lipgloss.JoinVertical(lipgloss.Left,
		m.renderCollectPanel(half),
		m.renderDownloadPanel(half),
	)
	right := lipgloss.JoinVertical(lipgloss.Left,
		m.renderStagesPanel(half),
		m.renderLogsPanel(half),
	)
	sections = append(sections, lipgloss.JoinHorizontal(lipgloss.Top, left, "  ", right))

	if m.showHelp {
		sections = append(sections, m.renderHelp())
	} else {
		sections = append(sections, helpStyle.Render("q to interrupt • ? for help"))
	}

	return baseStyle.Width(m.width).Height(m.height).Render(
		lipgloss.JoinVertical(lipgloss.Left, sections...),
	)
}

func stat(label, value string) string {
	return fmt.Sprintf("%s %s", statsLabelStyle.Render(label), value)
}

func (m Model) renderCollectPanel(width int) string {
	title := titleStyle.Render(" COLLECTION ")

	if !m.collectSeen {
		return panelStyle.Width(width).Render(
			lipgloss.JoinVertical(lipgloss.Left, title, dimStyle.Render("Waiting for the first page...")),
		)
	}

	bar := m.collectBar
	bar.Width = width - 8
	phase := m.collect.Phase
	if !m.finished && !m.interrupting {
		phase = m.spinner.View() + " " + phase
	}

	lines := []string{
		stat("Query:", statsValueStyle.Render(m.collect.Query)),
		stat("Phase:", statsValueStyle.Render(phase)),
		stat("Round:", statsValueStyle.Render(fmt.Sprint(m.collect.Round))),
		stat("Unique:", statsValueStyle.Render(fmt.Sprintf("%d / %d", m.collect.Unique, m.collect.Target))),
		stat("Elapsed:", statsValueStyle.Render(formatClock(time.Since(m.collectStart)))),
		bar.ViewAs(m.CollectRatio()),
	}

	return panelStyle.Width(width).Render(
		lipgloss.JoinVertical(lipgloss.Left, title, strings.Join(lines, "\n")),
	)
}

func (m Model) renderDownloadPanel(width int) string {
	title := titleStyle.Render(" DOWNLOADS ")

	if m.download == nil {
		return panelStyle.Width(width).Render(
			lipgloss.JoinVertical(lipgloss.Left, title, dimStyle.Render("No downloads yet")),
		)
	}

	s := m.snapshot
	bar := m.downloadBar
	bar.Width = width - 8

	lines := []string{
		stat("Query:", statsValueStyle.Render(m.downQuery)),
		stat("Done:", statsValueStyle.Render(fmt.Sprintf("%d / %d", s.Done(), s.Total))),
		stat("Succeeded:", successStyle.Render(fmt.Sprint(s.Succeeded))),
	}
	if s.Failed > 0 {
		lines = append(lines, stat("Failed:", errorStyle.Render(fmt.Sprint(s.Failed))))
	}
	if s.Skipped > 0 {
		lines = append(lines, stat("Skipped:", warningStyle.Render(fmt.Sprint(s.Skipped))))
	}
	lines = append(lines,
		stat("Size:", statsValueStyle.Render(ui.FormatBytes(s.Bytes))),
		stat("Speed:", speedStyle.Render(ui.FormatBytes(int64(s.Throughput()))+"/s")),
		stat("Rate:", speedStyle.Render(fmt.Sprintf("%.1f/s", s.Rate()))),
		stat("ETA:", statsValueStyle.Render(formatClock(m.DownloadETA()))),
		bar.ViewAs(m.DownloadRatio()),
	)

	return panelStyle.Width(width).Render(
		lipgloss.JoinVertical(lipgloss.Left, title, strings.Join(lines, "\n")),
	)
}

func (m Model) renderStagesPanel(width int) string {
	title := titleStyle.Render(" STAGES ")

	var lines []string
	for _, r := range m.stages {
		line := fmt.Sprintf("%s %s %d/%d",
			successStyle.Render("✓"),
			statsLabelStyle.Render(r.Stage),
			r.Stats.Succeeded,
			r.Stats.Attempted,
		)
		if r.Stats.Failed > 0 {
			line += " " + errorStyle.Render(fmt.Sprintf("%d failed", r.Stats.Failed))
		}
		if r.Stats.Interrupted {
			line += " " + warningStyle.Render("interrupted")
		}
		lines = append(lines, line)
	}

	if m.report != nil {
		lines = append(lines, "", stat("Status:", StatusStyle(m.report.Status).Render(string(m.report.Status))))
		lines = append(lines, stat("Downloaded:", statsValueStyle.Render(fmt.Sprint(m.report.Downloaded))))
	}
	if m.runErr != nil {
		lines = append(lines, errorStyle.Render("Error: "+m.runErr.Error()))
	}
	if len(lines) == 0 {
		lines = append(lines, dimStyle.Render("Nothing finished yet"))
	}

	return panelStyle.Width(width).Render(
		lipgloss.JoinVertical(lipgloss.Left, title, strings.Join(lines, "\n")),
	)
}

func (m Model) renderLogsPanel(width int) string {
	title := titleStyle.Render(" LOGS ")

	start := len(m.logMessages) - 10
	if start < 0 {
		start = 0
	}

	maxMsgLen := width - 25
	var logs []string
	for _, log := range m.logMessages[start:] {
		timestamp := logTimestampStyle.Render(log.Time.Format("15:04:05"))
		level := lipgloss.NewStyle().Foreground(log.Color).Bold(true).Render(fmt.Sprintf("[%-7s]", log.Level))

		msg := log.Message
		if maxMsgLen > 3 && len(msg) > maxMsgLen {
			msg = msg[:maxMsgLen-3] + "..."
		}
		logs = append(logs, fmt.Sprintf("%s %s %s", timestamp, level, logMessageStyle.Render(msg)))
	}

	content := strings.Join(logs, "\n")
	if content == "" {
		content = dimStyle.Render("No logs yet...")
	}

	logsHeight := m.height - 30
	if logsHeight < 5 {
		logsHeight = 5
	}

	return panelStyle.Width(width).Height(logsHeight).Render(
		lipgloss.JoinVertical(lipgloss.Left, title, content),
	)
}

func (m Model) renderHelp() string {
	help := `
  Keys:
    q/ctrl+c - Interrupt the run (press twice to leave at once)
    ctrl+l   - Clear logs
    ?        - Toggle this help

  Status:
    ` + successStyle.Render("Green") + `    - Succeeded
    ` + warningStyle.Render("Orange") + `   - Interrupted or skipped
    ` + errorStyle.Render("Red") + `      - Failed
`

	return panelStyle.Width(m.width).Render(help)
}

// formatClock formats a duration as a clock
func formatClock(d time.Duration) string {
	if d < 0 {
		d = 0
	}

	h := int(d.Hours())
	mins := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60

	if h > 0 {
		return fmt.Sprintf("%02d:%02d:%02d", h, mins, s)
	}
	return fmt.Sprintf("%02d:%02d", mins, s)
}
