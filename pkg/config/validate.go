package config

import (
	"fmt"
	"strings"
	"time"
)

var logLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// Validate checks the config for structural correctness.
func Validate(c *Config) []error {
	var errs []error

	if c.Socket == "" {
		errs = append(errs, fmt.Errorf("socket is required"))
	}

	if c.Worker.Executable == "" {
		errs = append(errs, fmt.Errorf("worker.executable is required"))
	} else if strings.ContainsAny(c.Worker.Executable, `/\`) {
		errs = append(errs, fmt.Errorf("worker.executable must be a file name, got %q", c.Worker.Executable))
	}
	if strings.TrimSpace(c.Worker.IdleMarker) == "" {
		errs = append(errs, fmt.Errorf("worker.idle_marker is required"))
	}
	if c.Worker.FlushInterval < 10*time.Millisecond {
		errs = append(errs, fmt.Errorf("worker.flush_interval must be at least 10ms, got %s", c.Worker.FlushInterval))
	}

	if c.Log.Dir == "" {
		errs = append(errs, fmt.Errorf("log.dir is required"))
	}
	if c.Log.Capacity <= 0 {
		errs = append(errs, fmt.Errorf("log.capacity must be positive, got %d", c.Log.Capacity))
	}
	if !logLevels[strings.ToLower(c.Log.Level)] {
		errs = append(errs, fmt.Errorf("log.level must be debug, info, warn, or error; got %q", c.Log.Level))
	}

	if c.Store.Path == "" {
		errs = append(errs, fmt.Errorf("store.path is required"))
	}

	if c.Tracing.Enabled {
		switch c.Tracing.Exporter {
		case "stdout", "none":
		default:
			errs = append(errs, fmt.Errorf("tracing.exporter must be stdout or none; got %q", c.Tracing.Exporter))
		}
	}

	return errs
}
