// Package config loads and validates sractl.yaml.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultFile is the config file name looked up in the working directory and
// the user config directory.
const DefaultFile = "sractl.yaml"

// DefaultSocket is the daemon socket used when none is configured.
const DefaultSocket = "/tmp/sractl.sock"

// Config is the daemon and client configuration.
type Config struct {
	Socket    string  `mapstructure:"socket"    yaml:"socket"`
	Autostart bool    `mapstructure:"autostart" yaml:"autostart"`
	Worker    Worker  `mapstructure:"worker"    yaml:"worker"`
	Log       Log     `mapstructure:"log"       yaml:"log"`
	Store     Store   `mapstructure:"store"     yaml:"store"`
	Tracing   Tracing `mapstructure:"tracing"   yaml:"tracing"`

	// FilePath is the file the config was read from, empty for defaults.
	FilePath string `mapstructure:"-" yaml:"-"`
}

// Worker describes how the worker executable is found and launched.
type Worker struct {
	Executable    string        `mapstructure:"executable"     yaml:"executable"`
	DevRoot       string        `mapstructure:"dev_root"       yaml:"dev_root,omitempty"`
	Args          string        `mapstructure:"args"           yaml:"args,omitempty"`
	IdleMarker    string        `mapstructure:"idle_marker"    yaml:"idle_marker"`
	FlushInterval time.Duration `mapstructure:"flush_interval" yaml:"flush_interval"`
}

// Log configures the log sink.
type Log struct {
	Dir      string `mapstructure:"dir"      yaml:"dir"`
	Capacity int    `mapstructure:"capacity" yaml:"capacity"`
	Journal  bool   `mapstructure:"journal"  yaml:"journal"`
	Level    string `mapstructure:"level"    yaml:"level"`
}

// Store configures the key-value store.
type Store struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// Tracing configures span export.
type Tracing struct {
	Enabled     bool   `mapstructure:"enabled"      yaml:"enabled"`
	Exporter    string `mapstructure:"exporter"     yaml:"exporter"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
}

// Default returns the built-in configuration.
func Default() Config {
	base := dataDir()
	return Config{
		Socket:    DefaultSocket,
		Autostart: false,
		Worker: Worker{
			Executable:    "SRA-cli.exe",
			IdleMarker:    "sra>",
			FlushInterval: time.Second,
		},
		Log: Log{
			Dir:      filepath.Join(base, "SRA-CE-Logs"),
			Capacity: 1000,
			Level:    "info",
		},
		Store: Store{
			Path: filepath.Join(base, "sractl.db"),
		},
		Tracing: Tracing{
			Exporter:    "stdout",
			ServiceName: "sractld",
		},
	}
}

// dataDir is <UserConfigDir>/SRA, falling back to the working directory.
func dataDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "SRA"
	}
	return filepath.Join(dir, "SRA")
}

func newViper() *viper.Viper {
	d := Default()
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetDefault("socket", d.Socket)
	v.SetDefault("autostart", d.Autostart)
	v.SetDefault("worker.executable", d.Worker.Executable)
	v.SetDefault("worker.dev_root", d.Worker.DevRoot)
	v.SetDefault("worker.args", d.Worker.Args)
	v.SetDefault("worker.idle_marker", d.Worker.IdleMarker)
	v.SetDefault("worker.flush_interval", d.Worker.FlushInterval)
	v.SetDefault("log.dir", d.Log.Dir)
	v.SetDefault("log.capacity", d.Log.Capacity)
	v.SetDefault("log.journal", d.Log.Journal)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("store.path", d.Store.Path)
	v.SetDefault("tracing.enabled", d.Tracing.Enabled)
	v.SetDefault("tracing.exporter", d.Tracing.Exporter)
	v.SetDefault("tracing.service_name", d.Tracing.ServiceName)
	v.SetEnvPrefix("SRACTL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads path over the defaults. An empty path searches the working
// directory and the user config directory for sractl.yaml; finding nothing there
// yields the defaults.
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("sractl")
		v.AddConfigPath(".")
		v.AddConfigPath(dataDir())
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.FilePath = v.ConfigFileUsed()
	return &cfg, nil
}

// Parse decodes YAML data over the defaults.
func Parse(data []byte) (*Config, error) {
	v := newViper()
	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}
