package logger

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pinscraper/pkg/config"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *config.LoggingConfig
		wantErr bool
	}{
		{"info level", &config.LoggingConfig{Level: "info"}, false},
		{"debug level", &config.LoggingConfig{Level: "debug"}, false},
		{"invalid level", &config.LoggingConfig{Level: "invalid"}, true},
		{"with rotating file", &config.LoggingConfig{
			Level:      "info",
			File:       filepath.Join(t.TempDir(), "logs", "pinscraper.log"),
			MaxSize:    1,
			MaxBackups: 1,
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := New(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if !tt.wantErr && l == nil {
				t.Error("New() returned nil logger")
			}
		})
	}
}

func TestFileOutputIsWritten(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	l, err := New(&config.LoggingConfig{Level: "info", File: path, MaxSize: 1})
	require.NoError(t, err)

	l.InfoWithFields("collected", map[string]interface{}{"query": "cats"})

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"message":"collected"`)
	assert.Contains(t, string(data), `"query":"cats"`)
	assert.Contains(t, string(data), `"app":"pinscraper"`)
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		level    string
		expected zerolog.Level
		wantErr  bool
	}{
		{"debug", zerolog.DebugLevel, false},
		{"INFO", zerolog.InfoLevel, false},
		{"warning", zerolog.WarnLevel, false},
		{"error", zerolog.ErrorLevel, false},
		{"disabled", zerolog.Disabled, false},
		{"", zerolog.InfoLevel, true},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			level, err := parseLogLevel(tt.level)
			if (err != nil) != tt.wantErr {
				t.Errorf("parseLogLevel() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if level != tt.expected {
				t.Errorf("parseLogLevel() = %v, want %v", level, tt.expected)
			}
		})
	}
}

func newBufferLogger(buf *bytes.Buffer) *zerologLogger {
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	zlog := zerolog.New(buf).With().Timestamp().Logger()
	return &zerologLogger{logger: &zlog, fields: make(map[string]interface{})}
}

func TestFieldChaining(t *testing.T) {
	var buf bytes.Buffer
	l := newBufferLogger(&buf)

	base := l.WithField("component", "collector")
	base.WithFields(map[string]interface{}{"phase": 2, "query": "cats"}).Info("frontier drained")

	output := buf.String()
	for _, want := range []string{`"component":"collector"`, `"phase":2`, `"query":"cats"`, "frontier drained"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %s in output %s", want, output)
		}
	}

	// the parent is unchanged
	buf.Reset()
	base.Info("plain")
	assert.NotContains(t, buf.String(), "phase")
}

func TestWithError(t *testing.T) {
	var buf bytes.Buffer
	l := newBufferLogger(&buf)

	assert.Same(t, l, l.WithError(nil))

	l.WithError(errors.New("disk full")).Error("write failed")
	assert.Contains(t, buf.String(), "disk full")
}

func TestFieldTypes(t *testing.T) {
	var buf bytes.Buffer
	l := newBufferLogger(&buf)

	l.DebugWithFields("types", map[string]interface{}{
		"int64":    int64(456),
		"duration": 5 * time.Second,
		"strings":  []string{"a", "b"},
		"err":      errors.New("boom"),
		"custom":   struct{ Name string }{Name: "x"},
	})

	output := buf.String()
	assert.Contains(t, output, `"int64":456`)
	assert.Contains(t, output, `"strings":["a","b"]`)
	assert.Contains(t, output, `"err":"boom"`)
}

func TestTestLoggerCapture(t *testing.T) {
	tl := NewTestLogger()
	child := tl.WithField("worker", 1).WithError(errors.New("timeout"))
	child.WarnWithFields("retrying", map[string]interface{}{"attempt": 2})
	tl.Info("done")

	msgs := tl.GetMessages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "WARN", msgs[0].Level)
	assert.Equal(t, 1, msgs[0].Fields["worker"])
	assert.Equal(t, 2, msgs[0].Fields["attempt"])
	assert.EqualError(t, msgs[0].Error, "timeout")
	assert.True(t, tl.HasMessage("done"))
	assert.False(t, tl.HasError())

	tl.Clear()
	assert.Empty(t, tl.GetMessages())
}

func TestGlobalLogger(t *testing.T) {
	require.NoError(t, Initialize(&config.LoggingConfig{Level: "debug"}))
	assert.NotNil(t, GetLogger())

	Info("info message")
	Warn("warn message")
	WithField("key", "value").Info("with field")
	Component("test").Debug("component")
	LogProgress(NewNopLogger(), "download", "cats", 5, 10)
}
