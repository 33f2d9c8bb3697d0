package morph

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Level is the severity of a log message.
type Level int32

const (
	DebugLevel Level = iota
	InfoLevel
	WarningLevel
	ErrorLevel
	CriticalLevel
	SilentLevel
)

var levelNames = [...]string{"debug", "info", "warning", "error", "critical", "silent"}

func (l Level) String() string {
	if l < DebugLevel || l > SilentLevel {
		return fmt.Sprintf("level(%d)", int32(l))
	}
	return levelNames[l]
}

// ParseLevel accepts the level names used in the [logging] table.  An empty string is
// InfoLevel.
func ParseLevel(s string) (Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return InfoLevel, nil
	}
	for i, name := range levelNames {
		if s == name {
			return Level(i), nil
		}
	}
	return InfoLevel, fmt.Errorf("unknown log level %q", s)
}

// Logger receives messages that pass the current level.  It is called from concurrent
// workers.
type Logger interface {
	Logf(level Level, format string, args ...interface{})

	// Shutdown flushes and closes any log file.
	Shutdown()
}

var (
	minLevel atomic.Int32

	loggerMu sync.RWMutex
	logger   Logger = stdLogger{}
)

func init() {
	minLevel.Store(int32(InfoLevel))
}

// SetLogLevel sets the minimum severity that gets logged.  SetLogLevel(WarningLevel)
// keeps Warningf, Errorf and Criticalf.  SilentLevel turns logging off.
func SetLogLevel(l Level) {
	minLevel.Store(int32(l))
}

// LogLevel returns the minimum severity that gets logged.
func LogLevel() Level {
	return Level(minLevel.Load())
}

// Enabled returns true if messages at the given level are logged.
func Enabled(l Level) bool {
	return l >= LogLevel() && l < SilentLevel
}

// SetLogger replaces the message sink and returns the previous one.
func SetLogger(l Logger) Logger {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	prev := logger
	logger = l
	return prev
}

func currentLogger() Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return logger
}

func logf(level Level, format string, args ...interface{}) {
	if Enabled(level) {
		currentLogger().Logf(level, format, args...)
	}
}

func Debugf(format string, args ...interface{})    { logf(DebugLevel, format, args...) }
func Infof(format string, args ...interface{})     { logf(InfoLevel, format, args...) }
func Warningf(format string, args ...interface{})  { logf(WarningLevel, format, args...) }
func Errorf(format string, args ...interface{})    { logf(ErrorLevel, format, args...) }
func Criticalf(format string, args ...interface{}) { logf(CriticalLevel, format, args...) }

// Shutdown closes any log file.
func Shutdown() {
	currentLogger().Shutdown()
}

// TimeLog appends the time elapsed since its creation to each message.
//
//	timedLog := NewTimeLog()
//	...
//	timedLog.Infof("wrote %d files", n)  // "wrote 3 files: 1.204s"
type TimeLog struct {
	prefix string
	start  time.Time
}

func NewTimeLog() TimeLog {
	return TimeLog{start: time.Now()}
}

// NeuronLog is a TimeLog whose messages start with the neuron id.
func NeuronLog(id NeuronID) TimeLog {
	return TimeLog{prefix: "neuron " + id.String() + ": ", start: time.Now()}
}

// Elapsed returns the time since the TimeLog was created.
func (t TimeLog) Elapsed() time.Duration {
	return time.Since(t.start)
}

func (t TimeLog) logf(level Level, format string, args []interface{}) {
	if !Enabled(level) {
		return
	}
	elapsed := t.Elapsed().Round(time.Millisecond)
	currentLogger().Logf(level, t.prefix+format+": %s", append(args[:len(args):len(args)], elapsed)...)
}

func (t TimeLog) Debugf(format string, args ...interface{})   { t.logf(DebugLevel, format, args) }
func (t TimeLog) Infof(format string, args ...interface{})    { t.logf(InfoLevel, format, args) }
func (t TimeLog) Warningf(format string, args ...interface{}) { t.logf(WarningLevel, format, args) }
func (t TimeLog) Errorf(format string, args ...interface{})   { t.logf(ErrorLevel, format, args) }
