package core

import "errors"

// Error kinds returned by the supervisor, sink, and store. Callers match them with errors.Is;
// the wrapped message carries the human-readable detail.
var (
	ErrNotFound        = errors.New("not found")
	ErrSpawn           = errors.New("spawn failed")
	ErrNotRunning      = errors.New("worker not running")
	ErrInvalidArgument = errors.New("invalid argument")
	ErrIO              = errors.New("i/o error")
)
