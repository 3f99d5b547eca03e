// Package parser turns the worker's console output into structured log entries.
//
// The worker interleaves tagged log lines ("14:20:07[40401] | INFO | text") with
// free-form text and multi-line tracebacks. Untagged text is grouped into a single
// message entry at the next boundary; an ERROR line opens a block that is closed by
// the first line containing "Error:" or "Exception:". The terminator check is a plain
// substring match, so ordinary text containing those words also closes the block.
package parser

import (
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/modoterra/sractl/pkg/core"
)

var tagged = regexp.MustCompile(`^(\d{2}:\d{2}:\d{2})\[\d+\]\s*\|\s*(SUCCESS|DEBUG|INFO|WARNING|ERROR|TRACE)\s*\|\s*(.+)$`)

var levels = map[string]core.Level{
	"SUCCESS": core.LevelSuccess,
	"DEBUG":   core.LevelDebug,
	"INFO":    core.LevelInfo,
	"WARNING": core.LevelWarn,
	"ERROR":   core.LevelError,
	"TRACE":   core.LevelTrace,
}

// Parser holds the accumulation state for one worker session. It is safe for
// concurrent use; the output pump, error pump and flush ticker share one Parser.
type Parser struct {
	mu      sync.Mutex
	pending []string
	inError bool
	queue   []core.LogEntry
	now     func() time.Time
}

// New returns an idle parser.
func New() *Parser {
	return &Parser{now: time.Now}
}

// Tagged reports whether line matches the worker's structured log grammar and
// returns its level and message.
func Tagged(line string) (core.Level, string, bool) {
	m := tagged.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return "", "", false
	}
	return levels[m[2]], strings.TrimSpace(m[3]), true
}

// ParseLine consumes one line and returns the entries it completes, oldest first.
func (p *Parser) ParseLine(line string) []core.LogEntry {
	p.mu.Lock()
	defer p.mu.Unlock()

	line = strings.TrimSpace(line)
	if line != "" {
		p.consume(line)
	}
	return p.drain()
}

func (p *Parser) consume(line string) {
	if p.inError {
		p.pending = append(p.pending, line)
		if strings.Contains(line, "Error:") || strings.Contains(line, "Exception:") {
			p.emit(core.LevelError, strings.Join(p.pending, "\n"))
			p.pending = nil
			p.inError = false
		}
		return
	}

	level, msg, ok := Tagged(line)
	if !ok {
		p.pending = append(p.pending, line)
		return
	}

	p.emitPending()
	if level == core.LevelError {
		p.inError = true
		p.pending = append(p.pending, msg)
		return
	}
	p.emit(level, msg)
}

// Flush returns everything queued plus any pending text as one message entry, and
// resets the parser to idle.
func (p *Parser) Flush() []core.LogEntry {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.emitPending()
	p.inError = false
	return p.drain()
}

// Reset discards all state without emitting anything.
func (p *Parser) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = nil
	p.inError = false
	p.queue = nil
}

// Pending reports whether text is waiting for a boundary.
func (p *Parser) Pending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending) > 0 || len(p.queue) > 0
}

func (p *Parser) emitPending() {
	if len(p.pending) == 0 {
		return
	}
	p.emit(core.LevelMessage, strings.Join(p.pending, "\n"))
	p.pending = nil
}

func (p *Parser) emit(level core.Level, text string) {
	p.queue = append(p.queue, core.LogEntry{
		Source:    core.SourceWorker,
		Level:     level,
		Text:      text,
		Timestamp: p.now(),
	})
}

func (p *Parser) drain() []core.LogEntry {
	out := p.queue
	p.queue = nil
	return out
}
