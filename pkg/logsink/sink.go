// Package logsink stores structured log entries: a bounded in-memory buffer, an
// append-only session file, and live fan-out to subscribers.
package logsink

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/modoterra/sractl/pkg/core"
	"github.com/modoterra/sractl/pkg/pubsub"
)

// DefaultCapacity is the number of entries kept in memory.
const DefaultCapacity = 1000

const (
	timeLayout = "2006-01-02 15:04:05"
	fileLayout = "log-2006-01-02_15-04-05.log"
)

// Option configures a Sink.
type Option func(*Sink)

// WithClock overrides the time source used for new entries and file names.
func WithClock(now func() time.Time) Option {
	return func(s *Sink) { s.now = now }
}

// WithLogger sets the diagnostic logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Sink) { s.logger = logger }
}

// Sink is safe for concurrent use by any number of producers.
type Sink struct {
	mu       sync.Mutex
	entries  []core.LogEntry
	capacity int
	file     *os.File
	path     string
	broker   *pubsub.Broker[core.LogEntry]
	now      func() time.Time
	logger   *slog.Logger
}

// New creates a sink with no backing file. Entries are buffered and broadcast
// until Initialize opens one.
func New(capacity int, opts ...Option) *Sink {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	s := &Sink{
		capacity: capacity,
		broker:   pubsub.NewBroker[core.LogEntry](),
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Initialize creates dir if needed and opens a new timestamped session file in it,
// replacing any previously open file. The in-memory buffer is kept.
func (s *Sink) Initialize(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create log dir %s: %w: %w", dir, core.ErrIO, err)
	}
	path := filepath.Join(dir, s.now().Format(fileLayout))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return "", fmt.Errorf("open log file %s: %w: %w", path, core.ErrIO, err)
	}

	s.mu.Lock()
	old := s.file
	s.file = f
	s.path = path
	s.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			s.logger.Warn("close previous log file", "err", err)
		}
	}

	s.logger.Info("log file opened", "path", path)
	if err := s.Log(core.SourceSupervisor, core.LevelInfo, "log sink initialized: "+path); err != nil {
		return path, err
	}
	return path, nil
}

// Append records entry. The buffer is updated before the file write, so a write
// failure is returned but the entry remains visible in Snapshot.
func (s *Sink) Append(entry core.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = append(s.entries, entry)
	if over := len(s.entries) - s.capacity; over > 0 {
		clear(s.entries[:over])
		s.entries = s.entries[over:]
	}

	var werr error
	if s.file != nil {
		if _, err := s.file.WriteString(FormatLine(entry)); err != nil {
			werr = fmt.Errorf("write log file: %w: %w", core.ErrIO, err)
		}
	}

	s.broker.Publish(entry)
	return werr
}

// Log stamps a new entry with the sink clock and appends it.
func (s *Sink) Log(source core.Source, level core.Level, text string) error {
	return s.Append(core.LogEntry{
		Source:    source,
		Level:     level,
		Text:      text,
		Timestamp: s.now(),
	})
}

// Snapshot returns a copy of the buffered entries, oldest first.
func (s *Sink) Snapshot() []core.LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.LogEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Subscribe returns a channel of entries appended after the call. Slow readers
// miss entries rather than stalling producers.
func (s *Sink) Subscribe(ctx context.Context) <-chan pubsub.Event[core.LogEntry] {
	return s.broker.Subscribe(ctx)
}

// Path returns the current session file, or "" before Initialize.
func (s *Sink) Path() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

// Close closes the session file and all subscriptions.
func (s *Sink) Close() error {
	s.broker.Close()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}

// FormatLine renders entry the way it is written to the session file.
func FormatLine(entry core.LogEntry) string {
	return fmt.Sprintf("%s [%s] %s\n", entry.Timestamp.Format(timeLayout), entry.Level.Token(), entry.Text)
}
