package core

import (
	"strings"
	"time"
)

// Source identifies who produced a log entry.
type Source string

const (
	SourceSupervisor Source = "supervisor"
	SourceWorker     Source = "worker"
	SourceFrontend   Source = "frontend"
)

// ParseSource maps a source name to a Source. Unknown names are treated as frontend,
// since anything arriving through the public append path originates from a client.
func ParseSource(s string) Source {
	switch Source(strings.ToLower(strings.TrimSpace(s))) {
	case SourceSupervisor:
		return SourceSupervisor
	case SourceWorker:
		return SourceWorker
	default:
		return SourceFrontend
	}
}

// Level is the severity of a log entry.
type Level string

const (
	LevelTrace   Level = "trace"
	LevelDebug   Level = "debug"
	LevelInfo    Level = "info"
	LevelWarn    Level = "warn"
	LevelError   Level = "error"
	LevelSuccess Level = "success"
	LevelMessage Level = "message"
)

// Token returns the short upper-case form used in log files.
func (l Level) Token() string {
	switch l {
	case LevelTrace:
		return "TRACE"
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERR"
	case LevelSuccess:
		return "SUCCESS"
	case LevelMessage:
		return "MSG"
	default:
		return "INFO"
	}
}

// ParseLevel accepts file tokens (INFO, ERR, MSG...), level names, and the worker's
// WARNING/ERROR spellings. Anything else maps to LevelInfo.
func ParseLevel(s string) Level {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "TRACE":
		return LevelTrace
	case "DEBUG":
		return LevelDebug
	case "INFO":
		return LevelInfo
	case "WARN", "WARNING":
		return LevelWarn
	case "ERR", "ERROR":
		return LevelError
	case "SUCCESS":
		return LevelSuccess
	case "MSG", "MESSAGE":
		return LevelMessage
	default:
		return LevelInfo
	}
}

// LogEntry is a single structured log record.
type LogEntry struct {
	Source    Source    `json:"source"`
	Level     Level     `json:"level"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEntry creates an entry stamped with the current time.
func NewEntry(source Source, level Level, text string) LogEntry {
	return LogEntry{
		Source:    source,
		Level:     level,
		Text:      text,
		Timestamp: time.Now(),
	}
}
