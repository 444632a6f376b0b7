// Package obslog centralizes the leveled logging the teacher's code
// reaches for ad hoc via the standard log package. ClientLoop,
// EpochManager and Runtime all log through one of these loggers so
// output carries a consistent component prefix.
package obslog

import (
	"log"
	"os"
)

// Logger is a leveled wrapper over the standard library logger.
type Logger struct {
	component string
	std       *log.Logger
}

// New creates a Logger that prefixes every line with component.
func New(component string) *Logger {
	return &Logger{
		component: component,
		std:       log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds),
	}
}

func (l *Logger) Debugf(format string, args ...interface{}) {
	l.std.Printf("DEBUG ["+l.component+"] "+format, args...)
}

func (l *Logger) Infof(format string, args ...interface{}) {
	l.std.Printf("INFO  ["+l.component+"] "+format, args...)
}

func (l *Logger) Warnf(format string, args ...interface{}) {
	l.std.Printf("WARN  ["+l.component+"] "+format, args...)
}

func (l *Logger) Errorf(format string, args ...interface{}) {
	l.std.Printf("ERROR ["+l.component+"] "+format, args...)
}
