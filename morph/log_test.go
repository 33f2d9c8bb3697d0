package morph

import (
	"fmt"
	"strings"
	"sync"
	"testing"
)

type captureLogger struct {
	mu   sync.Mutex
	msgs []string
}

func (c *captureLogger) Logf(level Level, format string, args ...interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, level.String()+" "+fmt.Sprintf(format, args...))
}

func (c *captureLogger) Shutdown() {}

func captureLogs(t *testing.T, level Level) *captureLogger {
	c := new(captureLogger)
	prev := SetLogger(c)
	prevLevel := LogLevel()
	SetLogLevel(level)
	t.Cleanup(func() {
		SetLogger(prev)
		SetLogLevel(prevLevel)
	})
	return c
}

func TestLogLevels(t *testing.T) {
	c := captureLogs(t, WarningLevel)
	Debugf("debug %d", 1)
	Infof("info %d", 2)
	Warningf("warning %d", 3)
	Errorf("error %d", 4)
	Criticalf("critical %d", 5)
	want := []string{"warning warning 3", "error error 4", "critical critical 5"}
	if strings.Join(c.msgs, "|") != strings.Join(want, "|") {
		t.Errorf("expected %v, got %v", want, c.msgs)
	}

	SetLogLevel(SilentLevel)
	Criticalf("dropped")
	if len(c.msgs) != 3 {
		t.Errorf("silent level still logged: %v", c.msgs)
	}
}

func TestNeuronLog(t *testing.T) {
	c := captureLogs(t, DebugLevel)
	NeuronLog(720575940).Infof("wrote %d files", 3)
	NewTimeLog().Debugf("plain")
	if len(c.msgs) != 2 {
		t.Fatalf("expected 2 messages, got %v", c.msgs)
	}
	if !strings.HasPrefix(c.msgs[0], "info neuron 720575940: wrote 3 files: ") {
		t.Errorf("bad neuron log message %q", c.msgs[0])
	}
	if !strings.HasPrefix(c.msgs[1], "debug plain: ") {
		t.Errorf("bad time log message %q", c.msgs[1])
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{
		"":         InfoLevel,
		"debug":    DebugLevel,
		" Warning": WarningLevel,
		"SILENT":   SilentLevel,
	}
	for s, want := range tests {
		got, err := ParseLevel(s)
		if err != nil || got != want {
			t.Errorf("ParseLevel(%q) = %s, %v", s, got, err)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Errorf("expected error for unknown level")
	}
	if (&LogConfig{Level: "loud"}).Install() == nil {
		t.Errorf("expected install error for unknown level")
	}
}
