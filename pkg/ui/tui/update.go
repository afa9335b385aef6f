package tui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"pinscraper/internal/downloader"
	"pinscraper/pkg/collector"
	"pinscraper/pkg/models"
)

// CollectProgressMsg carries a collection progress report
type CollectProgressMsg collector.Progress

// DownloadStartedMsg is sent when a download run begins
type DownloadStartedMsg struct {
	Query    string
	Progress *downloader.Progress
}

// StageFinishedMsg is sent when a pipeline stage ends
type StageFinishedMsg StageResult

// LogMsg is sent to add a log message
type LogMsg struct {
	Level   string
	Message string
}

// DoneMsg ends the session with its final report.
type DoneMsg struct {
	Report *models.Report
	Err    error
}

// TickMsg is sent periodically to refresh the download counters
type TickMsg time.Time

// Update handles all messages and updates the model
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyPress(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case TickMsg:
		m.refresh()
		if m.finished {
			return m, nil
		}
		return m, tickCmd()

	case CollectProgressMsg:
		m.setCollect(collector.Progress(msg))
		return m, nil

	case DownloadStartedMsg:
		m.startDownload(msg.Query, msg.Progress)
		m.AddLogMessage("INFO", "Downloading images for "+msg.Query)
		return m, nil

	case StageFinishedMsg:
		r := StageResult(msg)
		m.finishStage(r)
		level := "SUCCESS"
		if r.Stats.Failed > 0 || r.Stats.Interrupted {
			level = "WARN"
		}
		m.AddLogMessage(level, fmt.Sprintf("%s finished: %d/%d succeeded", r.Stage, r.Stats.Succeeded, r.Stats.Attempted))
		return m, nil

	case LogMsg:
		m.AddLogMessage(msg.Level, msg.Message)
		return m, nil

	case DoneMsg:
		m.refresh()
		m.finished = true
		m.report = msg.Report
		m.runErr = msg.Err
		return m, tea.Quit
	}

	return m, nil
}

// handleKeyPress handles keyboard input
func (m *Model) handleKeyPress(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "Q", "ctrl+c":
		if m.finished || m.interrupting {
			return m, tea.Quit
		}
		m.interrupting = true
		m.AddLogMessage("WARN", "Interrupt requested, finishing in-flight work (press again to leave)")
		if m.onInterrupt != nil {
			m.onInterrupt()
		}
		return m, nil

	case "?":
		m.showHelp = !m.showHelp
		return m, nil

	case "ctrl+l":
		m.logMessages = nil
		return m, nil
	}

	return m, nil
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Millisecond*200, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}
