package ui

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"pinscraper/pkg/models"
)

// NotificationSender delivers a desktop notification.
type NotificationSender interface {
	Send(ctx context.Context, title, message string) error
}

// LinuxNotificationSender sends notifications on Linux using notify-send
type LinuxNotificationSender struct{}

func (l *LinuxNotificationSender) Send(ctx context.Context, title, message string) error {
	return exec.CommandContext(ctx, "notify-send", title, message).Run()
}

// MacOSNotificationSender sends notifications on macOS using osascript
type MacOSNotificationSender struct{}

func (m *MacOSNotificationSender) Send(ctx context.Context, title, message string) error {
	script := fmt.Sprintf(`display notification %q with title %q`, message, title)
	return exec.CommandContext(ctx, "osascript", "-e", script).Run()
}

// WindowsNotificationSender sends notifications on Windows using PowerShell
type WindowsNotificationSender struct{}

func (w *WindowsNotificationSender) Send(ctx context.Context, title, message string) error {
	escape := func(s string) string { return strings.ReplaceAll(s, "'", "''") }
	script := fmt.Sprintf(`
		[Windows.UI.Notifications.ToastNotificationManager, Windows.UI.Notifications, ContentType = WindowsRuntime] | Out-Null
		$template = [Windows.UI.Notifications.ToastNotificationManager]::GetTemplateContent([Windows.UI.Notifications.ToastTemplateType]::ToastText02)
		$text = $template.GetElementsByTagName('text')
		$text.Item(0).AppendChild($template.CreateTextNode('%s')) | Out-Null
		$text.Item(1).AppendChild($template.CreateTextNode('%s')) | Out-Null
		$toast = [Windows.UI.Notifications.ToastNotification]::new($template)
		[Windows.UI.Notifications.ToastNotificationManager]::CreateToastNotifier('pinscraper').Show($toast)
	`, escape(title), escape(message))

	return exec.CommandContext(ctx, "powershell", "-NoProfile", "-NonInteractive", "-Command", script).Run()
}

// Notifier announces finished runs on the desktop
type Notifier struct {
	sender  NotificationSender
	timeout time.Duration
}

// NewNotifier picks the sender for the current platform. Unsupported
// platforms get a notifier that does nothing.
func NewNotifier() *Notifier {
	var sender NotificationSender

	switch runtime.GOOS {
	case "linux":
		sender = &LinuxNotificationSender{}
	case "darwin":
		sender = &MacOSNotificationSender{}
	case "windows":
		sender = &WindowsNotificationSender{}
	}

	return NewNotifierWithSender(sender)
}

// NewNotifierWithSender creates a notifier using sender
func NewNotifierWithSender(sender NotificationSender) *Notifier {
	return &Notifier{sender: sender, timeout: 5 * time.Second}
}

// Send delivers a notification. Failures are returned, not printed; callers
// usually ignore them.
func (n *Notifier) Send(title, message string) error {
	if n == nil || n.sender == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
	defer cancel()
	return n.sender.Send(ctx, title, message)
}

// NotifyReport announces the outcome of a query
func (n *Notifier) NotifyReport(r models.Report) error {
	return n.Send(ReportTitle(r), ReportMessage(r))
}

// ReportTitle is the notification title for a report
func ReportTitle(r models.Report) string {
	switch r.Status {
	case models.StatusCompleted:
		return "pinscraper: finished " + r.Query
	case models.StatusInterrupted:
		return "pinscraper: interrupted " + r.Query
	case models.StatusFailed:
		return "pinscraper: failed " + r.Query
	default:
		return "pinscraper: " + r.Query
	}
}

// ReportMessage is the notification body for a report
func ReportMessage(r models.Report) string {
	msg := fmt.Sprintf("%d of %d pins collected, %d downloaded", r.Unique, r.Requested, r.Downloaded)
	if r.DownloadFailed > 0 {
		msg += fmt.Sprintf(", %d failed", r.DownloadFailed)
	}
	return msg
}
