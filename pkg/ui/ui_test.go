package ui

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pinscraper/internal/downloader"
	"pinscraper/pkg/collector"
	"pinscraper/pkg/models"
)

func plain(t *testing.T) *bytes.Buffer {
	t.Helper()
	SetColor(false)
	var buf bytes.Buffer
	prev := SetOutput(&buf)
	t.Cleanup(func() {
		SetOutput(prev)
		SetQuietMode(false)
	})
	return &buf
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		bytes    int64
		expected string
	}{
		{500, "500 B"},
		{1024, "1.0 KB"},
		{1536, "1.5 KB"},
		{1024 * 1024, "1.0 MB"},
		{5 * 1024 * 1024 * 1024, "5.0 GB"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, FormatBytes(tt.bytes))
	}
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "250ms", FormatDuration(250*time.Millisecond))
	assert.Equal(t, "42s", FormatDuration(42*time.Second))
	assert.Equal(t, "3m5s", FormatDuration(3*time.Minute+5*time.Second))
	assert.Equal(t, "2h10m", FormatDuration(2*time.Hour+10*time.Minute))
}

func TestETA(t *testing.T) {
	assert.Equal(t, 10*time.Second, ETA(20, 2))
	assert.Zero(t, ETA(0, 2))
	assert.Zero(t, ETA(5, 0))
}

func TestQuietMode(t *testing.T) {
	buf := plain(t)

	PrintInfo("Query", "cats")
	assert.Equal(t, "Query: cats\n", buf.String())

	buf.Reset()
	SetQuietMode(true)
	assert.True(t, IsQuietMode())
	PrintInfo("Query", "cats")
	PrintSuccess("done")
	PrintWarning("careful")
	assert.Empty(t, buf.String())

	PrintError("boom", errors.New("disk full"))
	assert.Equal(t, "boom: disk full\n", buf.String())
}

func TestWriteReport(t *testing.T) {
	plain(t)
	var buf bytes.Buffer

	WriteReport(&buf, models.Report{
		Query:          "red chairs",
		Requested:      10,
		Unique:         8,
		Downloaded:     6,
		DownloadFailed: 1,
		MissingImages:  1,
		Status:         models.StatusInterrupted,
		Session:        &models.Session{StopReason: "interrupted: user"},
	})

	out := buf.String()
	assert.Contains(t, out, "Report red chairs")
	assert.Contains(t, out, "interrupted (interrupted: user)")
	assert.Contains(t, out, "Failed:")
	assert.Contains(t, out, "Shortfall:")
}

func TestWriteSessions(t *testing.T) {
	plain(t)
	var buf bytes.Buffer

	WriteSessions(&buf, nil)
	assert.Contains(t, buf.String(), "no sessions")

	buf.Reset()
	started := time.Now().Add(-time.Minute)
	done := started.Add(30 * time.Second)
	WriteSessions(&buf, []*models.Session{
		{TargetCount: 5, ActualCount: 5, Status: models.StatusCompleted, StartedAt: started, CompletedAt: &done, StopReason: "target reached"},
		{TargetCount: 9, ActualCount: 2, Status: models.StatusRunning, StartedAt: started},
	})
	assert.Contains(t, buf.String(), "5/5")
	assert.Contains(t, buf.String(), "30s")
	assert.Contains(t, buf.String(), "running")
}

func TestConsoleObserver(t *testing.T) {
	plain(t)
	var buf bytes.Buffer
	c := NewConsole(&buf)

	c.CollectProgress(collector.Progress{Phase: "search", Query: "lamps", Unique: 2, Target: 4, Round: 1})
	c.CollectProgress(collector.Progress{Phase: "related", Query: "lamps", Unique: 9, Target: 4, Round: 5})

	c.DownloadStarted("lamps", &downloader.Progress{})
	c.StageFinished("download", "lamps", models.Stats{
		Attempted: 3,
		Succeeded: 2,
		Failed:    1,
		Skipped:   4,
		Duration:  2 * time.Second,
	})

	out := buf.String()
	assert.Contains(t, out, "download: 2/3 succeeded")
	assert.Contains(t, out, "1 failed")
	assert.Contains(t, out, "4 skipped")
	assert.Contains(t, out, "(lamps)")

	// finishing twice is harmless
	c.Finish()
	c.Finish()
}

type recordingSender struct {
	title, message string
	err            error
}

func (r *recordingSender) Send(ctx context.Context, title, message string) error {
	r.title, r.message = title, message
	return r.err
}

func TestNotifyReport(t *testing.T) {
	sender := &recordingSender{}
	n := NewNotifierWithSender(sender)

	require.NoError(t, n.NotifyReport(models.Report{
		Query:          "desks",
		Requested:      20,
		Unique:         18,
		Downloaded:     17,
		DownloadFailed: 1,
		Status:         models.StatusCompleted,
	}))
	assert.Equal(t, "pinscraper: finished desks", sender.title)
	assert.Equal(t, "18 of 20 pins collected, 17 downloaded, 1 failed", sender.message)

	sender.err = errors.New("no notification daemon")
	assert.Error(t, n.Send("t", "m"))

	var none *Notifier
	assert.NoError(t, none.Send("t", "m"))
	assert.NoError(t, NewNotifierWithSender(nil).Send("t", "m"))
}
