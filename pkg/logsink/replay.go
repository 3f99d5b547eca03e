package logsink

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/modoterra/sractl/pkg/core"
)

var header = regexp.MustCompile(`^(\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}) \[([A-Z]+)\] ?(.*)$`)

const tailPoll = 250 * time.Millisecond

// ParseLine parses one session file line. ok is false for continuation lines of a
// multi-line entry. The file does not record the source, so entries are attributed
// to the worker.
func ParseLine(line string) (core.LogEntry, bool) {
	m := header.FindStringSubmatch(strings.TrimRight(line, "\r\n"))
	if m == nil {
		return core.LogEntry{}, false
	}
	ts, err := time.ParseInLocation(timeLayout, m[1], time.Local)
	if err != nil {
		return core.LogEntry{}, false
	}
	return core.LogEntry{
		Source:    core.SourceWorker,
		Level:     core.ParseLevel(m[2]),
		Text:      m[3],
		Timestamp: ts,
	}, true
}

// ReadLogFile loads every entry from a session file.
func ReadLogFile(path string) ([]core.LogEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("open %s: %w", path, core.ErrNotFound)
		}
		return nil, fmt.Errorf("open %s: %w: %w", path, core.ErrIO, err)
	}
	defer f.Close()
	return readEntries(f)
}

func readEntries(r io.Reader) ([]core.LogEntry, error) {
	var out []core.LogEntry
	br := bufio.NewReader(r)
	for {
		line, err := br.ReadString('\n')
		if line != "" {
			out = appendLine(out, line)
		}
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, fmt.Errorf("read log file: %w: %w", core.ErrIO, err)
		}
	}
}

func appendLine(out []core.LogEntry, line string) []core.LogEntry {
	if e, ok := ParseLine(line); ok {
		return append(out, e)
	}
	if len(out) == 0 {
		// leading text without a header
		return out
	}
	last := &out[len(out)-1]
	last.Text += "\n" + strings.TrimRight(line, "\r\n")
	return out
}

// TailLogFile follows a session file from its current end and sends each completed
// entry on the returned channel. A held entry is released once the file goes quiet,
// so the last multi-line entry is not delayed indefinitely. The channel is closed
// when ctx is done.
func TailLogFile(ctx context.Context, path string) (<-chan core.LogEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w: %w", path, core.ErrIO, err)
	}
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		f.Close()
		return nil, fmt.Errorf("seek %s: %w: %w", path, core.ErrIO, err)
	}

	ch := make(chan core.LogEntry, 100)
	go func() {
		defer f.Close()
		defer close(ch)

		send := func(e core.LogEntry) bool {
			select {
			case ch <- e:
				return true
			case <-ctx.Done():
				return false
			}
		}

		reader := bufio.NewReader(f)
		var held []core.LogEntry
		var partial string
		for {
			if ctx.Err() != nil {
				return
			}
			line, err := reader.ReadString('\n')
			partial += line
			if err == nil {
				held = appendLine(held, partial)
				partial = ""
				for len(held) > 1 {
					if !send(held[0]) {
						return
					}
					held = held[1:]
				}
				continue
			}

			// quiet: release what we have and poll
			for _, e := range held {
				if !send(e) {
					return
				}
			}
			held = nil

			select {
			case <-ctx.Done():
				return
			case <-time.After(tailPoll):
			}

			info, serr := f.Stat()
			if serr != nil {
				continue
			}
			pos, _ := f.Seek(0, io.SeekCurrent)
			if info.Size() < pos {
				// truncated
				f.Seek(0, io.SeekStart)
				reader.Reset(f)
				partial = ""
			}
		}
	}()
	return ch, nil
}
