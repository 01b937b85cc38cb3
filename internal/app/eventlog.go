package app

import (
	"encoding/json"
	"os"
	"sync"
	"time"
)

// Level is an event severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

var levelRank = map[Level]int{
	LevelDebug: 10,
	LevelInfo:  20,
	LevelWarn:  30,
	LevelError: 40,
}

// EventLogger appends structured events to logs/events.jsonl, one JSON object
// per line. Every record carries at least ts, level and event. The log is the
// run's durable audit trail; it is append-only and later ingested into the
// studio database.
type EventLogger struct {
	mu    sync.Mutex
	path  string
	level Level
	now   func() time.Time
}

// NewEventLogger creates a level-gated logger. An unknown minLevel defaults
// to INFO.
func NewEventLogger(path string, minLevel Level) *EventLogger {
	if _, ok := levelRank[minLevel]; !ok {
		minLevel = LevelInfo
	}
	return &EventLogger{path: path, level: minLevel, now: time.Now}
}

// Fields carries the structured payload of one event.
type Fields map[string]interface{}

func (l *EventLogger) emit(level Level, event string, fields Fields) {
	if levelRank[level] < levelRank[l.level] {
		return
	}
	rec := map[string]interface{}{
		"ts":    l.now().UTC().Format(time.RFC3339Nano),
		"level": string(level),
		"event": event,
	}
	for k, v := range fields {
		if k == "ts" || k == "level" || k == "event" {
			continue
		}
		rec[k] = v
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return
	}
	defer f.Close()
	f.Write(append(b, '\n'))
}

func (l *EventLogger) Debug(event string, fields Fields) { l.emit(LevelDebug, event, fields) }
func (l *EventLogger) Info(event string, fields Fields)  { l.emit(LevelInfo, event, fields) }
func (l *EventLogger) Warn(event string, fields Fields)  { l.emit(LevelWarn, event, fields) }
func (l *EventLogger) Error(event string, fields Fields) { l.emit(LevelError, event, fields) }

// TailEvents reads events from the log starting at a line cursor. A nil
// cursor tails the last limit lines. It returns the parsed events, the start
// cursor and the next cursor.
func TailEvents(path string, cursor *int, limit int) ([]map[string]interface{}, int, int) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, 0
	}
	var lines []string
	start := 0
	for i := 0; i < len(data); i++ {
		if data[i] == '\n' {
			lines = append(lines, string(data[start:i]))
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, string(data[start:]))
	}

	if limit < 1 {
		limit = 1
	}
	n := len(lines)
	from := 0
	if cursor == nil {
		if n > limit {
			from = n - limit
		}
	} else {
		from = *cursor
		if from < 0 {
			from = 0
		}
		if from > n {
			from = n
		}
	}
	end := from + limit
	if end > n {
		end = n
	}

	out := make([]map[string]interface{}, 0, end-from)
	for _, ln := range lines[from:end] {
		var obj map[string]interface{}
		if err := json.Unmarshal([]byte(ln), &obj); err != nil {
			continue
		}
		out = append(out, obj)
	}
	return out, from, end
}
