// Package logger provides leveled, category-tagged diagnostic logging for the
// engine, emitted through logrus so callers can plug the output into the same
// structured pipelines as the rest of their system.
package logger

import (
	"fmt"
	"io"
	"sync"

	"github.com/sirupsen/logrus"
)

type LogLevel int

const (
	LevelSilent LogLevel = iota
	LevelError
	LevelWarn
	LevelInfo
	LevelDebug
	LevelTrace
)

var (
	mu           sync.RWMutex
	currentLevel = LevelSilent
	categories   = make(map[string]bool)
	backend      = newBackend()
)

func init() {
	initConfig()
}

func newBackend() *logrus.Logger {
	l := logrus.New()
	l.SetLevel(logrus.TraceLevel)
	return l
}

// SetLevel sets the minimum level that will be emitted.
func SetLevel(level LogLevel) {
	mu.Lock()
	defer mu.Unlock()
	currentLevel = level
}

// SetOutput redirects log output, mainly for tests.
func SetOutput(w io.Writer) {
	backend.SetOutput(w)
}

// SetBackend replaces the logrus logger used for emission.
func SetBackend(l *logrus.Logger) {
	if l != nil {
		backend = l
	}
}

// EnableCategory enables output for a category tag. When any category is
// enabled, only enabled categories are emitted.
func EnableCategory(category string) {
	mu.Lock()
	defer mu.Unlock()
	categories[category] = true
}

// DisableCategory disables output for a category tag.
func DisableCategory(category string) {
	mu.Lock()
	defer mu.Unlock()
	delete(categories, category)
}

func shouldLog(level LogLevel, category string) bool {
	mu.RLock()
	defer mu.RUnlock()
	if currentLevel == LevelSilent {
		return false
	}
	if level > currentLevel {
		return false
	}
	if len(categories) > 0 && category != "" {
		return categories[category]
	}
	return true
}

func entry(category string) *logrus.Entry {
	return backend.WithField("category", category)
}

func Error(category string, format string, args ...interface{}) {
	if shouldLog(LevelError, category) {
		entry(category).Error(fmt.Sprintf(format, args...))
	}
}

func Warn(category string, format string, args ...interface{}) {
	if shouldLog(LevelWarn, category) {
		entry(category).Warn(fmt.Sprintf(format, args...))
	}
}

func Info(category string, format string, args ...interface{}) {
	if shouldLog(LevelInfo, category) {
		entry(category).Info(fmt.Sprintf(format, args...))
	}
}

func Debug(category string, format string, args ...interface{}) {
	if shouldLog(LevelDebug, category) {
		entry(category).Debug(fmt.Sprintf(format, args...))
	}
}

func Trace(category string, format string, args ...interface{}) {
	if shouldLog(LevelTrace, category) {
		entry(category).Trace(fmt.Sprintf(format, args...))
	}
}
