package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// fileConfig mirrors Config with durations rendered as strings, so the written
// file reads "1s" rather than a nanosecond count.
type fileConfig struct {
	Socket    string  `yaml:"socket"`
	Autostart bool    `yaml:"autostart"`
	Worker    fileWkr `yaml:"worker"`
	Log       Log     `yaml:"log"`
	Store     Store   `yaml:"store"`
	Tracing   Tracing `yaml:"tracing"`
}

type fileWkr struct {
	Executable    string `yaml:"executable"`
	DevRoot       string `yaml:"dev_root,omitempty"`
	Args          string `yaml:"args,omitempty"`
	IdleMarker    string `yaml:"idle_marker"`
	FlushInterval string `yaml:"flush_interval"`
}

// Marshal renders c as YAML.
func Marshal(c *Config) ([]byte, error) {
	fc := fileConfig{
		Socket:    c.Socket,
		Autostart: c.Autostart,
		Worker: fileWkr{
			Executable:    c.Worker.Executable,
			DevRoot:       c.Worker.DevRoot,
			Args:          c.Worker.Args,
			IdleMarker:    c.Worker.IdleMarker,
			FlushInterval: c.Worker.FlushInterval.String(),
		},
		Log:     c.Log,
		Store:   c.Store,
		Tracing: c.Tracing,
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&fc); err != nil {
		return nil, fmt.Errorf("marshaling config: %w", err)
	}
	_ = enc.Close()
	return buf.Bytes(), nil
}

// Save writes c to path, creating parent directories.
func Save(c *Config, path string) error {
	data, err := Marshal(c)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	return nil
}

// WriteDefault writes the default config to path. It refuses to overwrite an
// existing file unless force is set.
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config %s already exists", path)
		}
	}
	d := Default()
	return Save(&d, path)
}
