package daemon

import (
	"bufio"
	"errors"
	"io"
	"strings"
)

// readLines reads newline-delimited output from r and calls fn with each
// non-empty, trimmed line. Invalid UTF-8 is replaced with U+FFFD and a final line
// without a trailing newline is still delivered. It returns nil at EOF.
func readLines(r io.Reader, fn func(string)) error {
	br := bufio.NewReaderSize(r, 64*1024)
	for {
		b, err := br.ReadBytes('\n')
		if len(b) > 0 {
			line := strings.TrimSpace(strings.ToValidUTF8(string(b), "�"))
			if line != "" {
				fn(line)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}
