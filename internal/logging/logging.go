// Package logging provides structured JSON logging with levels, response-scoped
// child loggers and an in-memory queryable ring buffer.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Level represents log severity levels
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

func levelPriority(l Level) int {
	switch l {
	case LevelDebug:
		return 0
	case LevelInfo:
		return 1
	case LevelWarn:
		return 2
	case LevelError:
		return 3
	default:
		return 1
	}
}

// ParseLevel converts a level name (case-insensitive) to a Level.
// An empty string maps to info.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return "", fmt.Errorf("unknown log level %q", s)
	}
}

// Entry represents a single log entry
type Entry struct {
	Timestamp  time.Time      `json:"timestamp"`
	Level      Level          `json:"level"`
	Message    string         `json:"message"`
	Component  string         `json:"component,omitempty"`
	ResponseID string         `json:"response_id,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`
}

// Logger writes JSON lines and keeps the most recent entries for querying.
type Logger struct {
	mu         sync.RWMutex
	output     io.Writer
	level      Level
	component  string
	entries    []Entry
	maxEntries int
	counts     map[Level]int64
}

// Config holds logger configuration
type Config struct {
	Output     io.Writer // default: os.Stderr
	Level      Level     // default: info
	Component  string
	MaxEntries int // default: 1000
}

// New creates a new logger with the given configuration
func New(cfg Config) *Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}
	if cfg.Level == "" {
		cfg.Level = LevelInfo
	}
	if cfg.MaxEntries == 0 {
		cfg.MaxEntries = 1000
	}
	return &Logger{
		output:     cfg.Output,
		level:      cfg.Level,
		component:  cfg.Component,
		entries:    make([]Entry, 0, cfg.MaxEntries),
		maxEntries: cfg.MaxEntries,
		counts:     make(map[Level]int64),
	}
}

// Discard returns a logger that writes nowhere. Entries are still queryable.
func Discard() *Logger {
	return New(Config{Output: io.Discard, MaxEntries: 100})
}

// SetLevel changes the minimum log level
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

func (l *Logger) enabled(level Level) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return levelPriority(level) >= levelPriority(l.level)
}

func (l *Logger) write(level Level, responseID, msg string, fields map[string]any) {
	if !l.enabled(level) {
		return
	}

	entry := Entry{
		Timestamp:  time.Now().UTC(),
		Level:      level,
		Message:    msg,
		Component:  l.component,
		ResponseID: responseID,
		Fields:     fields,
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.counts[level]++
	if len(l.entries) >= l.maxEntries {
		copy(l.entries, l.entries[1:])
		l.entries = l.entries[:len(l.entries)-1]
	}
	l.entries = append(l.entries, entry)

	data, err := json.Marshal(entry)
	if err != nil {
		fmt.Fprintf(l.output, `{"level":"error","message":"failed to marshal log entry: %s"}`+"\n", err)
		return
	}
	l.output.Write(append(data, '\n'))
}

func first(fields []map[string]any) map[string]any {
	if len(fields) > 0 {
		return fields[0]
	}
	return nil
}

func (l *Logger) Debug(msg string, fields ...map[string]any) {
	l.write(LevelDebug, "", msg, first(fields))
}

func (l *Logger) Info(msg string, fields ...map[string]any) {
	l.write(LevelInfo, "", msg, first(fields))
}

func (l *Logger) Warn(msg string, fields ...map[string]any) {
	l.write(LevelWarn, "", msg, first(fields))
}

func (l *Logger) Error(msg string, fields ...map[string]any) {
	l.write(LevelError, "", msg, first(fields))
}

// WithResponse returns a child logger that tags every entry with responseID.
func (l *Logger) WithResponse(responseID string) *Scoped {
	return &Scoped{parent: l, responseID: responseID}
}

// With returns a child logger that merges fields into every entry.
func (l *Logger) With(fields map[string]any) *Scoped {
	return (&Scoped{parent: l}).With(fields)
}

// Scoped is a child logger carrying a response ID and base fields.
type Scoped struct {
	parent     *Logger
	responseID string
	base       map[string]any
}

// With returns a copy of s with fields added to the base fields.
func (s *Scoped) With(fields map[string]any) *Scoped {
	merged := make(map[string]any, len(s.base)+len(fields))
	for k, v := range s.base {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &Scoped{parent: s.parent, responseID: s.responseID, base: merged}
}

func (s *Scoped) fields(extra []map[string]any) map[string]any {
	f := first(extra)
	if len(s.base) == 0 {
		return f
	}
	out := make(map[string]any, len(s.base)+len(f))
	for k, v := range s.base {
		out[k] = v
	}
	for k, v := range f {
		out[k] = v
	}
	return out
}

func (s *Scoped) Debug(msg string, fields ...map[string]any) {
	s.parent.write(LevelDebug, s.responseID, msg, s.fields(fields))
}

func (s *Scoped) Info(msg string, fields ...map[string]any) {
	s.parent.write(LevelInfo, s.responseID, msg, s.fields(fields))
}

func (s *Scoped) Warn(msg string, fields ...map[string]any) {
	s.parent.write(LevelWarn, s.responseID, msg, s.fields(fields))
}

func (s *Scoped) Error(msg string, fields ...map[string]any) {
	s.parent.write(LevelError, s.responseID, msg, s.fields(fields))
}

// Query parameters for filtering logs
type Query struct {
	Level      Level     // minimum level
	ResponseID string
	Since      time.Time
	Until      time.Time
	Limit      int // 0 = all; otherwise the most recent N
	Component  string
}

// QueryResult contains filtered log entries and metadata
type QueryResult struct {
	Entries []Entry `json:"entries"`
	Total   int     `json:"total"`  // matching entries before limit
	Counts  Stats   `json:"counts"` // overall counts by level
}

// Stats contains log statistics
type Stats struct {
	Debug int64 `json:"debug"`
	Info  int64 `json:"info"`
	Warn  int64 `json:"warn"`
	Error int64 `json:"error"`
	Total int64 `json:"total"`
}

func (l *Logger) statsLocked() Stats {
	stats := Stats{
		Debug: l.counts[LevelDebug],
		Info:  l.counts[LevelInfo],
		Warn:  l.counts[LevelWarn],
		Error: l.counts[LevelError],
	}
	stats.Total = stats.Debug + stats.Info + stats.Warn + stats.Error
	return stats
}

func (q Query) matches(e Entry) bool {
	switch {
	case q.Level != "" && levelPriority(e.Level) < levelPriority(q.Level):
		return false
	case q.ResponseID != "" && e.ResponseID != q.ResponseID:
		return false
	case !q.Since.IsZero() && e.Timestamp.Before(q.Since):
		return false
	case !q.Until.IsZero() && e.Timestamp.After(q.Until):
		return false
	case q.Component != "" && e.Component != q.Component:
		return false
	}
	return true
}

// Query returns log entries matching the filter criteria
func (l *Logger) Query(q Query) QueryResult {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var filtered []Entry
	for _, e := range l.entries {
		if q.matches(e) {
			filtered = append(filtered, e)
		}
	}

	total := len(filtered)
	if q.Limit > 0 && len(filtered) > q.Limit {
		filtered = filtered[len(filtered)-q.Limit:]
	}

	return QueryResult{
		Entries: filtered,
		Total:   total,
		Counts:  l.statsLocked(),
	}
}

// Stats returns current log statistics without entries
func (l *Logger) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.statsLocked()
}

// Clear removes all stored entries and resets counts
func (l *Logger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = make([]Entry, 0, l.maxEntries)
	l.counts = make(map[Level]int64)
}
