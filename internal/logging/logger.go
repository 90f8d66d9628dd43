// Package logging provides the component-scoped, level-filtered logger used
// across stackrunner: one colored, bracketed component name per subsystem
// (catalog, stack, taskqueue, subprocess, requestqueue, processor, cascade),
// backed by the standard library's log package.
package logging

import (
	"fmt"
	"log"
	"os"

	"github.com/fatih/color"
)

// LogLevel is a filterable logging severity.
type LogLevel string

const (
	DEBUG LogLevel = "DEBUG"
	INFO  LogLevel = "INFO"
	WARN  LogLevel = "WARN"
	ERROR LogLevel = "ERROR"
)

// Logger is the interface other packages depend on, so tests can substitute
// a no-op or recording implementation without pulling in color/log.
type Logger interface {
	Debug(format string, args ...interface{})
	Info(format string, args ...interface{})
	Warn(format string, args ...interface{})
	Error(format string, args ...interface{})
}

// ComponentLoggerConfig configures a ComponentLogger.
type ComponentLoggerConfig struct {
	ComponentName string
	Color         color.Attribute
	EnabledLevels []LogLevel // nil/empty means all levels enabled
}

// ComponentLogger prefixes every line with a colorized "[NAME]" tag and
// drops lines below its configured level set.
type ComponentLogger struct {
	name    string
	color   *color.Color
	enabled map[LogLevel]bool
}

// NewComponentLogger builds a ComponentLogger from cfg.
func NewComponentLogger(cfg ComponentLoggerConfig) *ComponentLogger {
	enabled := make(map[LogLevel]bool, 4)
	levels := cfg.EnabledLevels
	if len(levels) == 0 {
		levels = []LogLevel{DEBUG, INFO, WARN, ERROR}
	}
	for _, lvl := range levels {
		enabled[lvl] = true
	}

	c := cfg.Color
	if c == 0 {
		c = color.FgWhite
	}

	return &ComponentLogger{
		name:    cfg.ComponentName,
		color:   color.New(c),
		enabled: enabled,
	}
}

// New builds a ComponentLogger for name with every level enabled — the
// common case for a package that just wants a scoped logger.
func New(name string) *ComponentLogger {
	return NewComponentLogger(ComponentLoggerConfig{ComponentName: name})
}

func (l *ComponentLogger) log(level LogLevel, format string, args ...interface{}) {
	if !l.enabled[level] {
		return
	}
	msg := fmt.Sprintf(format, args...)
	prefix := l.color.Sprintf("[%s]", l.name)
	log.Printf("%s %s %s", prefix, level, msg)
}

func (l *ComponentLogger) Debug(format string, args ...interface{}) { l.log(DEBUG, format, args...) }
func (l *ComponentLogger) Info(format string, args ...interface{})  { l.log(INFO, format, args...) }
func (l *ComponentLogger) Warn(format string, args ...interface{})  { l.log(WARN, format, args...) }
func (l *ComponentLogger) Error(format string, args ...interface{}) { l.log(ERROR, format, args...) }

var defaultLogger = New("stackrunner")

// LogInfo and LogError are convenience wrappers for call sites that do not
// want to hold onto a *ComponentLogger for an ad-hoc named line.
func LogInfo(component, format string, args ...interface{}) {
	NewComponentLogger(ComponentLoggerConfig{ComponentName: component}).Info(format, args...)
}

func LogError(component, format string, args ...interface{}) {
	NewComponentLogger(ComponentLoggerConfig{ComponentName: component}).Error(format, args...)
}

func init() {
	if os.Getenv("STACKRUNNER_NO_COLOR") != "" {
		color.NoColor = true
	}
	_ = defaultLogger
}
