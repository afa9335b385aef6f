package tui

import (
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"pinscraper/internal/downloader"
	"pinscraper/pkg/collector"
	"pinscraper/pkg/models"
)

// StageResult is a finished pipeline stage
type StageResult struct {
	Stage string
	Query string
	Stats models.Stats
}

// LogMessage represents a log entry
type LogMessage struct {
	Time    time.Time
	Level   string
	Message string
	Color   lipgloss.Color
}

// Model is the dashboard state. It is only touched from the bubbletea
// program goroutine; producers talk to it through messages.
type Model struct {
	spinner     spinner.Model
	collectBar  progress.Model
	downloadBar progress.Model

	// Collection
	collect      collector.Progress
	collectSeen  bool
	collectStart time.Time

	// Download
	download  *downloader.Progress
	snapshot  downloader.Snapshot
	downQuery string

	stages []StageResult

	// Outcome
	report   *models.Report
	runErr   error
	finished bool

	// Interrupt handling
	onInterrupt  func()
	interrupting bool

	// UI state
	width          int
	height         int
	showHelp       bool
	startTime      time.Time
	logMessages    []LogMessage
	maxLogMessages int
}

// NewModel creates a dashboard model. onInterrupt runs when the user asks
// to stop and may be nil.
func NewModel(onInterrupt func()) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(neonCyan)

	return Model{
		spinner:        s,
		collectBar:     progress.New(progress.WithGradient(string(neonMagenta), string(neonCyan))),
		downloadBar:    progress.New(progress.WithDefaultGradient()),
		onInterrupt:    onInterrupt,
		startTime:      time.Now(),
		maxLogMessages: 50,
	}
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, tickCmd())
}

func (m *Model) setCollect(p collector.Progress) {
	if !m.collectSeen || m.collect.Query != p.Query {
		m.collectStart = time.Now()
	}
	m.collect = p
	m.collectSeen = true
}

func (m *Model) startDownload(query string, p *downloader.Progress) {
	m.download = p
	m.downQuery = query
	m.snapshot = downloader.Snapshot{}
}

// refresh pulls the latest download counters
func (m *Model) refresh() {
	if m.download != nil {
		m.snapshot = m.download.Snapshot()
	}
}

func (m *Model) finishStage(r StageResult) {
	if r.Stage == "download" {
		m.refresh()
	}
	m.stages = append(m.stages, r)
}

// AddLogMessage adds a log message
func (m *Model) AddLogMessage(level, message string) {
	color := dimWhite
	switch level {
	case "ERROR":
		color = errorRed
	case "WARN":
		color = neonOrange
	case "SUCCESS":
		color = neonGreen
	case "INFO":
		color = neonCyan
	}

	m.logMessages = append(m.logMessages, LogMessage{
		Time:    time.Now(),
		Level:   level,
		Message: message,
		Color:   color,
	})

	if len(m.logMessages) > m.maxLogMessages {
		m.logMessages = m.logMessages[len(m.logMessages)-m.maxLogMessages:]
	}
}

// CollectRatio is the fraction of the target collected so far
func (m *Model) CollectRatio() float64 {
	if m.collect.Target <= 0 {
		return 0
	}
	r := float64(m.collect.Unique) / float64(m.collect.Target)
	if r > 1 {
		r = 1
	}
	return r
}

// DownloadRatio is the fraction of pending records that reached an outcome
func (m *Model) DownloadRatio() float64 {
	if m.snapshot.Total <= 0 {
		return 0
	}
	return float64(m.snapshot.Done()) / float64(m.snapshot.Total)
}

// DownloadETA estimates the time left in the download stage
func (m *Model) DownloadETA() time.Duration {
	remaining := m.snapshot.Total - m.snapshot.Done() - m.snapshot.Skipped
	rate := m.snapshot.Rate()
	if remaining <= 0 || rate <= 0 {
		return 0
	}
	return time.Duration(float64(remaining) / rate * float64(time.Second))
}
