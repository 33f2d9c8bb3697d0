package morph

import (
	"fmt"
	"log"
	"os"

	"github.com/natefinch/lumberjack"
)

// stdLogger writes through the standard log package, to a rotating file if one is set.
type stdLogger struct {
	file *lumberjack.Logger
}

var levelTags = [...]string{"   DEBUG ", "    INFO ", " WARNING ", "   ERROR ", "CRITICAL "}

func (s stdLogger) Logf(level Level, format string, args ...interface{}) {
	tag := "         "
	if level >= DebugLevel && int(level) < len(levelTags) {
		tag = levelTags[level]
	}
	log.Printf(tag+format, args...)
}

func (s stdLogger) Shutdown() {
	if s.file != nil {
		log.Printf("Closing log file...\n")
		s.file.Close()
	}
}

// LogConfig is the [logging] table of the TOML configuration.
type LogConfig struct {
	Logfile string
	Level   string `toml:"level"`
	MaxSize int    `toml:"max_log_size"`
	MaxAge  int    `toml:"max_log_age"`
	Verbose bool   `toml:"verbose"`
}

// Install sets the log level and the package logger.  Messages go to a rotating log
// file if one is given, else to stderr.  Verbose overrides the level with DebugLevel.
func (c *LogConfig) Install() error {
	if c == nil {
		c = &LogConfig{}
	}
	level, err := ParseLevel(c.Level)
	if err != nil {
		return err
	}
	if c.Verbose {
		level = DebugLevel
	}
	SetLogLevel(level)
	if c.Logfile == "" {
		log.SetOutput(os.Stderr)
		SetLogger(stdLogger{})
		return nil
	}
	fmt.Printf("Sending log messages to: %s\n", c.Logfile)
	l := &lumberjack.Logger{
		Filename: c.Logfile,
		MaxSize:  c.MaxSize, // megabytes
		MaxAge:   c.MaxAge,  // days
	}
	log.SetOutput(l)
	SetLogger(stdLogger{file: l})
	return nil
}
