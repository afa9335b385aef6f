package ui

import (
	"fmt"
	"io"
	"time"

	"pinscraper/pkg/models"
)

// WriteStats prints the one-line summary of a pipeline run
func WriteStats(w io.Writer, stage, query string, stats models.Stats) {
	line := fmt.Sprintf("%s %s: %d/%d succeeded", Green("✓"), stage, stats.Succeeded, stats.Attempted)
	if stats.Failed > 0 {
		line += " • " + Red(fmt.Sprintf("%d failed", stats.Failed))
	}
	if stats.Skipped > 0 {
		line += " • " + Yellow(fmt.Sprintf("%d skipped", stats.Skipped))
	}
	line += " • " + Dim(FormatDuration(stats.Duration))
	if stats.Interrupted {
		line += " • " + Yellow("interrupted")
	}
	fmt.Fprintf(w, "%s (%s)\n", line, query)
}

// WriteReport prints the final report of a query
func WriteReport(w io.Writer, r models.Report) {
	status := string(r.Status)
	if status == "" {
		status = "no session"
	}
	if r.Session != nil && r.Session.StopReason != "" {
		status += " (" + r.Session.StopReason + ")"
	}

	row := func(label, value string) {
		fmt.Fprintf(w, "  %-16s %s\n", Cyan(label), value)
	}

	fmt.Fprintf(w, "\n%s %s\n", Magenta("Report"), r.Query)
	row("Status:", statusColor(r.Status)(status))
	row("Requested:", fmt.Sprint(r.Requested))
	row("Unique:", fmt.Sprint(r.Unique))
	row("Downloaded:", Green(fmt.Sprint(r.Downloaded)))
	if r.DownloadFailed > 0 {
		row("Failed:", Red(fmt.Sprint(r.DownloadFailed)))
	}
	row("Missing images:", fmt.Sprint(r.MissingImages))
	if r.Requested > 0 && r.Unique < r.Requested {
		row("Shortfall:", Yellow(fmt.Sprint(r.Requested-r.Unique)))
	}
}

// WriteSessions prints session history, newest last
func WriteSessions(w io.Writer, sessions []*models.Session) {
	if len(sessions) == 0 {
		fmt.Fprintln(w, Dim("  no sessions"))
		return
	}
	fmt.Fprintf(w, "\n%s\n", Magenta("Sessions"))
	for _, s := range sessions {
		took := "running"
		if s.CompletedAt != nil {
			took = FormatDuration(s.CompletedAt.Sub(s.StartedAt))
		}
		fmt.Fprintf(w, "  %s %s %d/%d %s %s\n",
			Dim(s.StartedAt.Local().Format("2006-01-02 15:04")),
			statusColor(s.Status)(fmt.Sprintf("%-11s", s.Status)),
			s.ActualCount,
			s.TargetCount,
			Dim(took),
			Dim(s.StopReason),
		)
	}
}

func statusColor(s models.SessionStatus) func(string) string {
	switch s {
	case models.StatusCompleted:
		return Green
	case models.StatusFailed:
		return Red
	case models.StatusInterrupted, models.StatusRunning:
		return Yellow
	default:
		return Dim
	}
}

// FormatDuration formats a duration in a human-readable way
func FormatDuration(d time.Duration) string {
	switch {
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
	}
}

// FormatBytes formats bytes in a human-readable way
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// ETA estimates the time left for remaining items at rate items per second.
func ETA(remaining int, rate float64) time.Duration {
	if remaining <= 0 || rate <= 0 {
		return 0
	}
	return time.Duration(float64(remaining) / rate * float64(time.Second))
}
