// Package config loads the fileq CLI configuration.
//
// Values are resolved in increasing precedence: built-in defaults, a YAML
// file, FILEQ_* environment variables, then command-line flags.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/vnykmshr/fileq/internal/logging"
)

// EnvPrefix is prepended to flag names to form environment variable names.
// The flag "processing-timeout" is read from FILEQ_PROCESSING_TIMEOUT.
const EnvPrefix = "FILEQ"

// Config is the complete CLI configuration.
type Config struct {
	Dir      string         `yaml:"dir"`
	Queue    QueueConfig    `yaml:"queue"`
	Watchdog WatchdogConfig `yaml:"watchdog"`
	Logger   LoggerConfig   `yaml:"logger"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// QueueConfig holds topic settings.
type QueueConfig struct {
	Capacity          uint64        `yaml:"capacity"`
	ProcessingTimeout time.Duration `yaml:"processing_timeout"`
	MaxRetries        int           `yaml:"max_retries"`
	DisableDeadLetter bool          `yaml:"disable_dead_letter"`
	MaxMessageSize    int64         `yaml:"max_message_size"`
	MinFreeDiskSpace  int64         `yaml:"min_free_disk_space"`
	Register          bool          `yaml:"register"`
}

// WatchdogConfig holds stuck-message watchdog settings.
type WatchdogConfig struct {
	Interval time.Duration `yaml:"interval"`
	Requeue  bool          `yaml:"requeue"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	Addr string `yaml:"addr"` // empty = disabled
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Dir: ".",
		Queue: QueueConfig{
			Capacity:          500 * 1024 * 1024,
			ProcessingTimeout: time.Second,
			MaxRetries:        3,
			Register:          true,
		},
		Watchdog: WatchdogConfig{
			Interval: 5 * time.Second,
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load returns the defaults overlaid with the YAML file at path.
// An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.load(path); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) load(path string) error {
	if path == "" {
		return nil
	}

	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

// BindFlags registers a flag for every setting on fs, defaulting to the
// current values of c.
func (c *Config) BindFlags(fs *pflag.FlagSet) {
	fs.StringVarP(&c.Dir, "dir", "d", c.Dir, "directory holding the topic files")

	fs.Uint64Var(&c.Queue.Capacity, "capacity", c.Queue.Capacity, "topic file size in bytes, fixed when the topic is created")
	fs.DurationVar(&c.Queue.ProcessingTimeout, "processing-timeout", c.Queue.ProcessingTimeout, "deadline for processing one message")
	fs.IntVar(&c.Queue.MaxRetries, "max-retries", c.Queue.MaxRetries, "delivery attempts before a message is dead-lettered")
	fs.BoolVar(&c.Queue.DisableDeadLetter, "disable-dlq", c.Queue.DisableDeadLetter, "drop messages that exhaust their attempts")
	fs.Int64Var(&c.Queue.MaxMessageSize, "max-message-size", c.Queue.MaxMessageSize, "largest payload in bytes (0 = no limit)")
	fs.Int64Var(&c.Queue.MinFreeDiskSpace, "min-free-disk", c.Queue.MinFreeDiskSpace, "free disk space required to open a topic (0 = no check)")
	fs.BoolVar(&c.Queue.Register, "register", c.Queue.Register, "register topics for the watchdog")

	fs.DurationVar(&c.Watchdog.Interval, "watchdog-interval", c.Watchdog.Interval, "time between watchdog scans")
	fs.BoolVar(&c.Watchdog.Requeue, "requeue", c.Watchdog.Requeue, "redeliver stuck messages")

	fs.StringVar(&c.Logger.Level, "log-level", c.Logger.Level, "log level: debug, info, warn, error")
	fs.StringVar(&c.Logger.Format, "log-format", c.Logger.Format, "log format: text or json")

	fs.StringVar(&c.Metrics.Addr, "metrics-addr", c.Metrics.Addr, "serve Prometheus metrics on this address")
}

// Resolve applies the YAML file at path and the environment to c, keeping
// every flag set on the command line. fs must have been bound with BindFlags.
func (c *Config) Resolve(fs *pflag.FlagSet, path string) error {
	explicit := map[string]string{}
	fs.Visit(func(f *pflag.Flag) {
		explicit[f.Name] = f.Value.String()
	})

	if err := c.load(path); err != nil {
		return err
	}
	if err := ApplyEnvOverrides(fs, EnvPrefix); err != nil {
		return err
	}

	for name, value := range explicit {
		if err := fs.Set(name, value); err != nil {
			return fmt.Errorf("reapply --%s: %w", name, err)
		}
	}
	return c.Validate()
}

// ApplyEnvOverrides sets every flag of fs that was not given on the command
// line from the matching environment variable, if present. The flag
// "bind-addr" with prefix "FILEQ" reads FILEQ_BIND_ADDR.
func ApplyEnvOverrides(fs *pflag.FlagSet, prefix string) error {
	var errs []error
	fs.VisitAll(func(f *pflag.Flag) {
		if f.Changed {
			return
		}
		key := EnvKey(prefix, f.Name)
		if val, ok := os.LookupEnv(key); ok {
			if err := fs.Set(f.Name, val); err != nil {
				errs = append(errs, fmt.Errorf("apply %s to flag --%s: %w", key, f.Name, err))
			}
		}
	})
	return errors.Join(errs...)
}

// EnvKey returns the environment variable name for a flag.
func EnvKey(prefix, name string) string {
	canonical := strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
	if strings.TrimSpace(prefix) == "" {
		return canonical
	}
	return strings.ToUpper(prefix) + "_" + canonical
}

// Validate checks the settings the CLI cannot start without.
func (c *Config) Validate() error {
	if c.Dir == "" {
		return fmt.Errorf("dir cannot be empty")
	}
	if c.Queue.ProcessingTimeout <= 0 {
		return fmt.Errorf("processing timeout must be > 0, got %v", c.Queue.ProcessingTimeout)
	}
	if c.Queue.MaxRetries < 1 {
		return fmt.Errorf("max retries must be >= 1, got %d", c.Queue.MaxRetries)
	}
	if c.Watchdog.Interval <= 0 {
		return fmt.Errorf("watchdog interval must be > 0, got %v", c.Watchdog.Interval)
	}
	if _, err := logging.ParseLevel(c.Logger.Level); err != nil {
		return err
	}
	switch c.Logger.Format {
	case "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", c.Logger.Format)
	}
	return nil
}

// NewLogger builds the configured logger writing to w.
func (c *Config) NewLogger(w io.Writer) (*logging.SlogLogger, error) {
	level, err := logging.ParseLevel(c.Logger.Level)
	if err != nil {
		return nil, err
	}
	return logging.New(w, level, c.Logger.Format), nil
}
