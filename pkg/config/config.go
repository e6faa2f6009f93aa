// Package config loads the bridge configuration from a yaml or toml file and applies
// environment overrides on top of it.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"

	"github.com/umputun/qbridge/pkg/engine"
	"github.com/umputun/qbridge/pkg/executor"
)

// environment variables overriding file values
const (
	envWorkerThreads      = "QBRIDGE_WORKER_THREADS"
	envMaxBlockingThreads = "QBRIDGE_MAX_BLOCKING_THREADS"
	envBatchSize          = "QBRIDGE_BATCH_SIZE"
	envDebug              = "QBRIDGE_DEBUG"
)

// DefaultShutdownTimeout is used by runtime destruction when the caller passes no timeout.
const DefaultShutdownTimeout = 30 * time.Second

// Config is the bridge configuration.
type Config struct {
	Runtime Runtime `yaml:"runtime" toml:"runtime"`
	Engine  Engine  `yaml:"engine" toml:"engine"`
	Log     Log     `yaml:"log" toml:"log"`
}

// Runtime defines defaults of newly created runtimes.
type Runtime struct {
	WorkerThreads      int      `yaml:"worker_threads" toml:"worker_threads"`             // 0 for one per cpu
	MaxBlockingThreads int      `yaml:"max_blocking_threads" toml:"max_blocking_threads"` // 0 for the executor default
	ShutdownTimeout    Duration `yaml:"shutdown_timeout" toml:"shutdown_timeout"`         // used when destroy gets no timeout
}

// Engine defines behavior of sessions.
type Engine struct {
	BatchSize    int    `yaml:"batch_size" toml:"batch_size"`       // rows per record batch
	InferRecords int    `yaml:"infer_records" toml:"infer_records"` // rows sampled to type computed columns
	ShowWriter   string `yaml:"show_writer" toml:"show_writer"`     // stdout or stderr
}

// Log defines logging of the library.
type Log struct {
	Debug bool   `yaml:"debug" toml:"debug"`
	File  string `yaml:"file" toml:"file"` // stderr if empty
}

// Duration is a time.Duration read from strings like "30s".
type Duration time.Duration

// UnmarshalText parses the duration string.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	*d = Duration(v)
	return nil
}

// MarshalText formats the duration.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Default returns the configuration used without a file.
func Default() *Config {
	return &Config{
		Runtime: Runtime{ShutdownTimeout: Duration(DefaultShutdownTimeout)},
		Engine:  Engine{BatchSize: engine.DefaultBatchSize, InferRecords: 1000, ShowWriter: "stdout"},
	}
}

// Load reads the configuration file, empty fname means defaults. Environment overrides
// are applied in both cases and the result is validated.
func Load(fname string) (*Config, error) {
	res := Default()
	if fname != "" {
		data, err := os.ReadFile(fname) //nolint:gosec // config location is provided by the caller
		if err != nil {
			return nil, fmt.Errorf("can't read config %s: %w", fname, err)
		}
		if err := unmarshal(fname, data, res); err != nil {
			return nil, err
		}
		log.Printf("[DEBUG] config loaded from %s", fname)
	}
	if err := res.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := res.Validate(); err != nil {
		return nil, err
	}
	return res, nil
}

// unmarshal decodes data guessing the format by file extension, yaml is the default
func unmarshal(fname string, data []byte, res *Config) error {
	switch {
	case strings.HasSuffix(fname, ".yml") || strings.HasSuffix(fname, ".yaml") || !strings.Contains(fname, "."):
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true) // strict mode, fail on unknown fields
		if err := dec.Decode(res); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("can't unmarshal yaml config %s: %w", fname, err)
		}
	case strings.HasSuffix(fname, ".toml"):
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(res); err != nil {
			return fmt.Errorf("can't unmarshal toml config %s: %w", fname, err)
		}
	default:
		return fmt.Errorf("unknown config format %s", fname)
	}
	return nil
}

// applyEnv overrides values with environment variables found by lookup
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	errs := new(multierror.Error)
	intVar := func(name string, dst *int) {
		v, ok := lookup(name)
		if !ok || v == "" {
			return
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("invalid %s %q: %w", name, v, err))
			return
		}
		*dst = n
	}
	intVar(envWorkerThreads, &c.Runtime.WorkerThreads)
	intVar(envMaxBlockingThreads, &c.Runtime.MaxBlockingThreads)
	intVar(envBatchSize, &c.Engine.BatchSize)
	if v, ok := lookup(envDebug); ok && v != "" {
		dbg, err := strconv.ParseBool(v)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("invalid %s %q: %w", envDebug, v, err))
		} else {
			c.Log.Debug = dbg
		}
	}
	return errs.ErrorOrNil()
}

// Validate checks all values and reports every problem found.
func (c *Config) Validate() error {
	errs := new(multierror.Error)
	if c.Runtime.WorkerThreads < 0 {
		errs = multierror.Append(errs, fmt.Errorf("runtime.worker_threads can't be negative, got %d", c.Runtime.WorkerThreads))
	}
	if c.Runtime.MaxBlockingThreads < 0 {
		errs = multierror.Append(errs, fmt.Errorf("runtime.max_blocking_threads can't be negative, got %d",
			c.Runtime.MaxBlockingThreads))
	}
	if c.Runtime.ShutdownTimeout < 0 {
		errs = multierror.Append(errs, fmt.Errorf("runtime.shutdown_timeout can't be negative, got %v",
			time.Duration(c.Runtime.ShutdownTimeout)))
	}
	if c.Engine.BatchSize <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("engine.batch_size must be positive, got %d", c.Engine.BatchSize))
	}
	if c.Engine.InferRecords < 0 {
		errs = multierror.Append(errs, fmt.Errorf("engine.infer_records can't be negative, got %d", c.Engine.InferRecords))
	}
	switch c.Engine.ShowWriter {
	case "", "stdout", "stderr":
	default:
		errs = multierror.Append(errs, fmt.Errorf("engine.show_writer must be stdout or stderr, got %q", c.Engine.ShowWriter))
	}
	return errs.ErrorOrNil()
}

// RuntimeOptions returns executor options, explicit non-zero sizes win over configured ones.
func (c *Config) RuntimeOptions(workers, blocking int) executor.Options {
	res := executor.Options{WorkerThreads: c.Runtime.WorkerThreads, MaxBlockingThreads: c.Runtime.MaxBlockingThreads}
	if workers > 0 {
		res.WorkerThreads = workers
	}
	if blocking > 0 {
		res.MaxBlockingThreads = blocking
	}
	return res
}

// EngineConfig returns the configuration of session engines.
func (c *Config) EngineConfig() engine.Config {
	res := engine.Config{BatchSize: c.Engine.BatchSize, InferRows: c.Engine.InferRecords, ShowWriter: os.Stdout}
	if c.Engine.ShowWriter == "stderr" {
		res.ShowWriter = os.Stderr
	}
	return res
}

// ShutdownTimeout returns the configured timeout, the default one if not set.
func (c *Config) ShutdownTimeout() time.Duration {
	if c.Runtime.ShutdownTimeout <= 0 {
		return DefaultShutdownTimeout
	}
	return time.Duration(c.Runtime.ShutdownTimeout)
}
