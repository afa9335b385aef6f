// Package tui is a full-screen dashboard for collection and download runs.
package tui

import (
	"bytes"
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"

	tea "github.com/charmbracelet/bubbletea"

	"pinscraper/internal/downloader"
	"pinscraper/pkg/collector"
	"pinscraper/pkg/models"
	"pinscraper/pkg/scraper"
)

var _ scraper.Observer = (*TUI)(nil)

// TUI represents the terminal user interface
type TUI struct {
	program *tea.Program
	model   *Model
}

// NewTUI creates a dashboard. onInterrupt runs when the user presses q.
func NewTUI(onInterrupt func(), opts ...tea.ProgramOption) *TUI {
	model := NewModel(onInterrupt)
	opts = append([]tea.ProgramOption{tea.WithAltScreen()}, opts...)

	return &TUI{
		program: tea.NewProgram(&model, opts...),
		model:   &model,
	}
}

// Run blocks until the dashboard exits
func (t *TUI) Run() error {
	_, err := t.program.Run()
	return err
}

// Stop stops the TUI gracefully
func (t *TUI) Stop() {
	t.program.Quit()
}

// Finished reports whether the dashboard closed on a DoneMsg. Call it only
// after Run returned.
func (t *TUI) Finished() bool {
	return t.model.finished
}

// Send sends a message to the TUI
func (t *TUI) Send(msg tea.Msg) {
	if t.program != nil {
		t.program.Send(msg)
	}
}

func (t *TUI) CollectProgress(p collector.Progress) {
	t.Send(CollectProgressMsg(p))
}

func (t *TUI) DownloadStarted(query string, progress *downloader.Progress) {
	t.Send(DownloadStartedMsg{Query: query, Progress: progress})
}

func (t *TUI) StageFinished(stage, query string, stats models.Stats) {
	t.Send(StageFinishedMsg{Stage: stage, Query: query, Stats: stats})
}

// Done shows the final outcome and closes the dashboard.
func (t *TUI) Done(report *models.Report, err error) {
	t.Send(DoneMsg{Report: report, Err: err})
}

// Log sends a log message to the TUI
func (t *TUI) Log(level, format string, args ...interface{}) {
	t.Send(LogMsg{Level: level, Message: fmt.Sprintf(format, args...)})
}

// LogWriter returns a writer that turns console log lines into dashboard
// log messages.
func (t *TUI) LogWriter() io.Writer {
	return &logWriter{send: t.Send}
}

var ansi = regexp.MustCompile(`\x1b\[[0-9;]*m`)

var levels = map[string]string{
	"DEBG": "DEBUG",
	"INFO": "INFO",
	"WARN": "WARN",
	"ERRO": "ERROR",
	"FATL": "ERROR",
}

type logWriter struct {
	mu   sync.Mutex
	buf  bytes.Buffer
	send func(tea.Msg)
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// keep the partial line for the next write
			w.buf.Reset()
			w.buf.WriteString(line)
			break
		}
		if msg, ok := parseLogLine(line); ok {
			w.send(msg)
		}
	}
	return len(p), nil
}

// parseLogLine reads "15:04:05 INFO | message key:value" lines.
func parseLogLine(line string) (LogMsg, bool) {
	line = strings.TrimSpace(ansi.ReplaceAllString(line, ""))
	if line == "" {
		return LogMsg{}, false
	}

	fields := strings.SplitN(line, " ", 3)
	if len(fields) == 3 {
		if level, ok := levels[fields[1]]; ok {
			return LogMsg{Level: level, Message: strings.TrimPrefix(fields[2], "| ")}, true
		}
	}
	return LogMsg{Level: "INFO", Message: line}, true
}
