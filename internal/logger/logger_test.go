package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

// resetLogger restores the shared sink between tests.
func resetLogger() {
	defaultSink.mu.Lock()
	defer defaultSink.mu.Unlock()
	defaultSink.level = LevelInfo
	defaultSink.output = os.Stderr
	if defaultSink.file != nil {
		defaultSink.file.Close()
		defaultSink.file = nil
	}
}

func TestLevelString(t *testing.T) {
	tests := []struct {
		level    Level
		expected string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(999), "UNKNOWN"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			if tt.level.String() != tt.expected {
				t.Errorf("Level.String() = %q, want %q", tt.level.String(), tt.expected)
			}
		})
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
		wantErr  bool
	}{
		{"debug", LevelDebug, false},
		{"  DEBUG ", LevelDebug, false},
		{"info", LevelInfo, false},
		{"", LevelInfo, false},
		{"warning", LevelWarn, false},
		{"WARN", LevelWarn, false},
		{"error", LevelError, false},
		{"verbose", LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			level, err := ParseLevel(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if !tt.wantErr && level != tt.expected {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.input, level, tt.expected)
			}
		})
	}
}

func TestNamedLoggerPrefix(t *testing.T) {
	resetLogger()
	defer resetLogger()

	var buf bytes.Buffer
	SetOutput(&buf)
	SetLevel(LevelDebug)

	Named("queue").Debug("enqueued op %d", 7)
	output := buf.String()

	if !strings.Contains(output, "Z DEBUG [queue] enqueued op 7") {
		t.Errorf("unexpected line format: %q", output)
	}
}

func TestUnnamedLoggerHasNoPrefix(t *testing.T) {
	resetLogger()
	defer resetLogger()

	var buf bytes.Buffer
	SetOutput(&buf)

	Info("plain message")
	if strings.Contains(buf.String(), "[") {
		t.Errorf("unnamed logger should not print a component, got %q", buf.String())
	}
}

func TestLevelFiltering(t *testing.T) {
	resetLogger()
	defer resetLogger()

	var buf bytes.Buffer
	SetOutput(&buf)
	SetLevel(LevelWarn)

	log := Named("sync")
	log.Debug("hidden debug")
	log.Info("hidden info")
	log.Warn("shown warn")
	log.Error("shown error")

	output := buf.String()
	if strings.Contains(output, "hidden") {
		t.Errorf("messages below WARN should be filtered, got %q", output)
	}
	if !strings.Contains(output, "shown warn") || !strings.Contains(output, "shown error") {
		t.Errorf("WARN and ERROR should be written, got %q", output)
	}
	if GetLevel() != LevelWarn {
		t.Errorf("GetLevel() = %v, want %v", GetLevel(), LevelWarn)
	}
}

func TestFileOutput(t *testing.T) {
	resetLogger()
	defer resetLogger()

	logPath := filepath.Join(t.TempDir(), "questsync.log")

	var buf bytes.Buffer
	SetOutput(&buf)

	if err := SetLogFile(logPath); err != nil {
		t.Fatalf("SetLogFile failed: %v", err)
	}
	Named("monitor").Info("went online")
	Close()

	if !strings.Contains(buf.String(), "went online") {
		t.Errorf("primary output missing message: %q", buf.String())
	}
	content, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	if !strings.Contains(string(content), "[monitor] went online") {
		t.Errorf("log file missing message: %q", content)
	}
}

func TestSetLogFileError(t *testing.T) {
	resetLogger()
	defer resetLogger()

	if err := SetLogFile("/nonexistent/directory/test.log"); err == nil {
		t.Error("expected error when opening file in non-existent directory")
	}
}

func TestCloseWithNoFile(t *testing.T) {
	resetLogger()
	defer resetLogger()
	Close()
}

func TestConcurrentLogging(t *testing.T) {
	resetLogger()
	defer resetLogger()

	var buf bytes.Buffer
	SetOutput(&buf)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			log := Named("worker")
			for j := 0; j < 50; j++ {
				log.Info("goroutine %d message %d", id, j)
			}
		}(i)
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 500 {
		t.Errorf("expected 500 log lines, got %d", len(lines))
	}
}
