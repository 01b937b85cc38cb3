package app

import (
	"fmt"
	"io"
	"os"
)

// Logger is the operator-facing stderr logger. Structured audit events go to
// the EventLogger instead; this interface only covers human-readable output.
type Logger interface {
	Debug(format string, args ...interface{})
	Info(format string, args ...interface{})
	Warn(format string, args ...interface{})
	Error(format string, args ...interface{})
}

type stderrLogger struct {
	out      io.Writer
	minLevel Level
}

// NewStderrLogger creates a level-gated human logger.
func NewStderrLogger(minLevel Level) Logger {
	if _, ok := levelRank[minLevel]; !ok {
		minLevel = LevelInfo
	}
	return &stderrLogger{out: os.Stderr, minLevel: minLevel}
}

func (l *stderrLogger) log(level Level, format string, args ...interface{}) {
	if levelRank[level] < levelRank[l.minLevel] {
		return
	}
	fmt.Fprintf(l.out, "deepatch: "+string(level)+": "+format+"\n", args...)
}

func (l *stderrLogger) Debug(format string, args ...interface{}) {
	l.log(LevelDebug, format, args...)
}

func (l *stderrLogger) Info(format string, args ...interface{}) {
	l.log(LevelInfo, format, args...)
}

func (l *stderrLogger) Warn(format string, args ...interface{}) {
	l.log(LevelWarn, format, args...)
}

func (l *stderrLogger) Error(format string, args ...interface{}) {
	l.log(LevelError, format, args...)
}
