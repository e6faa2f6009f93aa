package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
		return path
	}

	tbl := []struct {
		name    string
		fname   string
		want    *Config
		wantErr string
	}{
		{name: "no file", fname: "", want: Default()},
		{
			name: "yaml",
			fname: write("qbridge.yml", `
runtime:
  worker_threads: 4
  shutdown_timeout: 5s
engine:
  batch_size: 100
  show_writer: stderr
log:
  debug: true
`),
			want: &Config{
				Runtime: Runtime{WorkerThreads: 4, ShutdownTimeout: Duration(5 * time.Second)},
				Engine:  Engine{BatchSize: 100, InferRecords: 1000, ShowWriter: "stderr"},
				Log:     Log{Debug: true},
			},
		},
		{
			name: "toml",
			fname: write("qbridge.toml", `
[runtime]
max_blocking_threads = 8
shutdown_timeout = "1m"

[log]
file = "/tmp/qbridge.log"
`),
			want: &Config{
				Runtime: Runtime{MaxBlockingThreads: 8, ShutdownTimeout: Duration(time.Minute)},
				Engine:  Engine{BatchSize: 8192, InferRecords: 1000, ShowWriter: "stdout"},
				Log:     Log{File: "/tmp/qbridge.log"},
			},
		},
		{name: "empty yaml", fname: write("empty.yaml", ""), want: Default()},
		{name: "unknown yaml field", fname: write("bad.yml", "runtime:\n  threads: 2\n"), wantErr: "can't unmarshal yaml config"},
		{name: "unknown toml field", fname: write("bad.toml", "[engine]\nrows = 1\n"), wantErr: "can't unmarshal toml config"},
		{name: "bad duration", fname: write("dur.yml", "runtime:\n  shutdown_timeout: soon\n"), wantErr: "invalid duration"},
		{name: "unknown format", fname: write("qbridge.json", "{}"), wantErr: "unknown config format"},
		{name: "missing file", fname: filepath.Join(dir, "nope.yml"), wantErr: "can't read config"},
		{
			name:    "invalid values",
			fname:   write("invalid.yml", "runtime:\n  worker_threads: -1\nengine:\n  batch_size: 0\n  show_writer: file\n"),
			wantErr: "3 errors occurred",
		},
	}

	for _, tt := range tbl {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Load(tt.fname)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, res)
		})
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv(envWorkerThreads, "3")
	t.Setenv(envBatchSize, "64")
	t.Setenv(envDebug, "true")
	res, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 3, res.Runtime.WorkerThreads)
	assert.Equal(t, 64, res.Engine.BatchSize)
	assert.True(t, res.Log.Debug)
}

func TestConfig_applyEnv(t *testing.T) {
	env := map[string]string{envWorkerThreads: "many", envMaxBlockingThreads: "7", envDebug: "maybe"}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
	c := Default()
	err := c.applyEnv(lookup)
	require.Error(t, err)
	assert.Contains(t, err.Error(), envWorkerThreads)
	assert.Contains(t, err.Error(), envDebug)
	assert.Equal(t, 7, c.Runtime.MaxBlockingThreads, "valid values still applied")
	assert.Equal(t, 0, c.Runtime.WorkerThreads)
}

func TestConfig_Conversions(t *testing.T) {
	c := Default()
	c.Runtime.WorkerThreads = 2
	c.Runtime.MaxBlockingThreads = 16

	opts := c.RuntimeOptions(0, 0)
	assert.Equal(t, 2, opts.WorkerThreads)
	assert.Equal(t, 16, opts.MaxBlockingThreads)
	opts = c.RuntimeOptions(8, 0)
	assert.Equal(t, 8, opts.WorkerThreads)
	assert.Equal(t, 16, opts.MaxBlockingThreads)

	ec := c.EngineConfig()
	assert.Equal(t, 8192, ec.BatchSize)
	assert.Equal(t, os.Stdout, ec.ShowWriter)
	c.Engine.ShowWriter = "stderr"
	assert.Equal(t, os.Stderr, c.EngineConfig().ShowWriter)

	assert.Equal(t, DefaultShutdownTimeout, c.ShutdownTimeout())
	c.Runtime.ShutdownTimeout = 0
	assert.Equal(t, DefaultShutdownTimeout, c.ShutdownTimeout())
	c.Runtime.ShutdownTimeout = Duration(time.Second)
	assert.Equal(t, time.Second, c.ShutdownTimeout())

	txt, err := c.Runtime.ShutdownTimeout.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1s", string(txt))
}
