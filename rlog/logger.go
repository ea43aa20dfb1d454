// Package rlog provides the leveled logger threaded through every
// rendang component, backed by hashicorp/logutils the same way the
// ambient stack this module is modeled on filters a plain *log.Logger
// by level.
package rlog

import (
	"log"
	"os"

	"github.com/hashicorp/logutils"
)

// Level is one of the three severities the filter recognizes.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Logger is the structured-ish logging surface used across the
// module; every call is a thin wrapper over a filtered *log.Logger.
type Logger struct {
	std *log.Logger
}

// New builds a Logger writing to os.Stderr, filtered to minLevel and
// above.
func New(minLevel Level) *Logger {
	filter := &logutils.LevelFilter{
		Levels:   []logutils.LogLevel{"DEBUG", "WARN", "ERROR"},
		MinLevel: logutils.LogLevel(minLevel),
		Writer:   os.Stderr,
	}
	return &Logger{std: log.New(filter, "", log.LstdFlags)}
}

func (l *Logger) Debugf(format string, args ...interface{}) { l.std.Printf("[DEBUG] "+format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.std.Printf("[WARN] "+format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.std.Printf("[ERROR] "+format, args...) }
