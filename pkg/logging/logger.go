package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Level represents log severity
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// ParseLevel maps a config string to a Level, defaulting to info.
func ParseLevel(s string) Level {
	switch Level(s) {
	case LevelDebug, LevelInfo, LevelWarn, LevelError:
		return Level(s)
	default:
		return LevelInfo
	}
}

// Category represents the subsystem generating the log
type Category string

const (
	CategoryChat    Category = "chat"
	CategoryStream  Category = "stream"
	CategoryTool    Category = "tool"
	CategoryTitle   Category = "title"
	CategoryStorage Category = "storage"
	CategoryBus     Category = "bus"
	CategoryAPI     Category = "api"
	CategoryNetwork Category = "network"
)

// Event is one structured log line.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     Level          `json:"level"`
	Category  Category       `json:"category"`
	EventType string         `json:"type"`
	ThreadID  string         `json:"thread_id,omitempty"`
	StreamID  string         `json:"stream_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Message   string         `json:"message,omitempty"`
}

// Logger writes JSONL events to a main sink and mirrors errors to a
// second sink. A nil *Logger discards everything.
type Logger struct {
	mu       sync.Mutex
	out      io.Writer
	errOut   io.Writer
	closers  []io.Closer
	minLevel Level
}

// NewLogger opens events.jsonl and errors.jsonl under baseDir.
func NewLogger(baseDir string) (*Logger, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	eventsFile, err := os.OpenFile(filepath.Join(baseDir, "events.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}
	errorFile, err := os.OpenFile(filepath.Join(baseDir, "errors.jsonl"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		eventsFile.Close()
		return nil, fmt.Errorf("failed to open error log: %w", err)
	}

	return &Logger{
		out:      eventsFile,
		errOut:   errorFile,
		closers:  []io.Closer{eventsFile, errorFile},
		minLevel: LevelInfo,
	}, nil
}

// NewWriterLogger logs every event to w.
func NewWriterLogger(w io.Writer) *Logger {
	return &Logger{out: w, minLevel: LevelInfo}
}

// SetMinLevel sets the minimum log level
func (l *Logger) SetMinLevel(level Level) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.minLevel = level
}

// Log writes an event to the configured sinks.
func (l *Logger) Log(event Event) error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.shouldLog(event.Level) {
		return nil
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	data = append(data, '\n')

	if l.out != nil {
		if _, err := l.out.Write(data); err != nil {
			return fmt.Errorf("failed to write event log: %w", err)
		}
	}
	if event.Level == LevelError && l.errOut != nil {
		if _, err := l.errOut.Write(data); err != nil {
			return fmt.Errorf("failed to write error log: %w", err)
		}
	}
	return nil
}

var levelRank = map[Level]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

func (l *Logger) shouldLog(level Level) bool {
	return levelRank[level] >= levelRank[l.minLevel]
}

// Thread returns a logger view that stamps threadID on every event.
func (l *Logger) Thread(threadID string) *ThreadLogger {
	return &ThreadLogger{base: l, threadID: threadID}
}

// Debug logs a debug event
func (l *Logger) Debug(category Category, eventType, message string, details map[string]any) {
	_ = l.Log(Event{Level: LevelDebug, Category: category, EventType: eventType, Message: message, Details: details})
}

// Info logs an info event
func (l *Logger) Info(category Category, eventType, message string, details map[string]any) {
	_ = l.Log(Event{Level: LevelInfo, Category: category, EventType: eventType, Message: message, Details: details})
}

// Warn logs a warning event
func (l *Logger) Warn(category Category, eventType, message string, details map[string]any) {
	_ = l.Log(Event{Level: LevelWarn, Category: category, EventType: eventType, Message: message, Details: details})
}

// Error logs an error event
func (l *Logger) Error(category Category, eventType, message string, details map[string]any) {
	_ = l.Log(Event{Level: LevelError, Category: category, EventType: eventType, Message: message, Details: details})
}

// Close closes any files opened by NewLogger.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error
	for _, c := range l.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	l.closers = nil
	if len(errs) > 0 {
		return fmt.Errorf("errors closing log files: %v", errs)
	}
	return nil
}

// ThreadLogger stamps a thread id (and optionally a stream id) on events.
type ThreadLogger struct {
	base     *Logger
	threadID string
	streamID string
}

// Stream returns a copy that also stamps streamID.
func (t *ThreadLogger) Stream(streamID string) *ThreadLogger {
	cp := *t
	cp.streamID = streamID
	return &cp
}

func (t *ThreadLogger) log(level Level, category Category, eventType, message string, details map[string]any) {
	if t == nil {
		return
	}
	_ = t.base.Log(Event{
		Level:     level,
		Category:  category,
		EventType: eventType,
		ThreadID:  t.threadID,
		StreamID:  t.streamID,
		Message:   message,
		Details:   details,
	})
}

func (t *ThreadLogger) Debug(category Category, eventType, message string, details map[string]any) {
	t.log(LevelDebug, category, eventType, message, details)
}

func (t *ThreadLogger) Info(category Category, eventType, message string, details map[string]any) {
	t.log(LevelInfo, category, eventType, message, details)
}

func (t *ThreadLogger) Warn(category Category, eventType, message string, details map[string]any) {
	t.log(LevelWarn, category, eventType, message, details)
}

func (t *ThreadLogger) Error(category Category, eventType, message string, details map[string]any) {
	t.log(LevelError, category, eventType, message, details)
}

// ReadRecentEvents returns the last count events from a JSONL log.
func ReadRecentEvents(logPath string, count int) ([]Event, error) {
	file, err := os.Open(logPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open log: %w", err)
	}
	defer file.Close()

	var events []Event
	decoder := json.NewDecoder(file)
	for {
		var event Event
		if err := decoder.Decode(&event); err != nil {
			break
		}
		events = append(events, event)
	}
	if count > 0 && len(events) > count {
		events = events[len(events)-count:]
	}
	return events, nil
}
