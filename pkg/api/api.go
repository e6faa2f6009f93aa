// Package api is the flat entry point layer of the bridge. Objects are addressed by handles,
// asynchronous operations report through a Callback invoked exactly once, synchronous failures
// are returned as errors carrying a bridge code. Every entry point is panic-contained.
package api

import (
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/umputun/qbridge/pkg/bridge"
	"github.com/umputun/qbridge/pkg/config"
	"github.com/umputun/qbridge/pkg/dataframe"
	"github.com/umputun/qbridge/pkg/executor"
	"github.com/umputun/qbridge/pkg/session"
)

// ResultKind tells which field of Result is set.
type ResultKind int

// result kinds
const (
	ResultVoid ResultKind = iota
	ResultHandle
	ResultUInt64
	ResultBytes
)

// Result is a successful outcome. Bytes are valid only during the callback.
type Result struct {
	Kind   ResultKind
	Handle bridge.Handle // ResultHandle
	Value  uint64        // ResultUInt64
	Bytes  []byte        // ResultBytes, empty and not nil for ResultVoid
}

// Callback receives the outcome of an operation, exactly one of res and err is not nil.
type Callback func(res *Result, err *bridge.Error, userData uint64)

// Bridge keeps handle tables of runtimes, sessions and dataframes.
type Bridge struct {
	runtimes *bridge.Table[*executor.Runtime]
	sessions *bridge.Table[*session.Session]
	frames   *bridge.Table[*dataframe.DataFrame]

	mu      sync.RWMutex
	cfg     *config.Config
	logFile io.Closer
}

// New makes a bridge with cfg, default configuration if nil.
func New(cfg *config.Config) *Bridge {
	if cfg == nil {
		cfg = config.Default()
	}
	return &Bridge{
		runtimes: bridge.NewTable[*executor.Runtime]("runtime"),
		sessions: bridge.NewTable[*session.Session]("session"),
		frames:   bridge.NewTable[*dataframe.DataFrame]("dataframe"),
		cfg:      cfg,
	}
}

// Configure loads the configuration file (defaults for an empty path) and sets up logging.
// Objects created before keep their settings.
func (b *Bridge) Configure(path string) error {
	return bridge.Contain(func() error {
		cfg, err := config.Load(path)
		if err != nil {
			return bridge.Wrap(bridge.CodeInvalidArgument, fmt.Errorf("can't load config: %w", err))
		}
		closer, err := setupLog(cfg.Log)
		if err != nil {
			return bridge.Wrap(bridge.CodeInvalidArgument, err)
		}

		b.mu.Lock()
		prev := b.logFile
		b.cfg, b.logFile = cfg, closer
		b.mu.Unlock()
		if prev != nil {
			_ = prev.Close()
		}
		log.Printf("[DEBUG] bridge configured, %+v", *cfg)
		return nil
	})
}

func (b *Bridge) config() *config.Config {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cfg
}

// ShutdownTimeout returns the configured runtime shutdown timeout.
func (b *Bridge) ShutdownTimeout() time.Duration { return b.config().ShutdownTimeout() }

// Live returns the number of live runtime, session and dataframe handles.
func (b *Bridge) Live() (runtimes, sessions, frames int) {
	return b.runtimes.Len(), b.sessions.Len(), b.frames.Len()
}

// RuntimeNew makes a runtime, zero sizes pick configured or default values.
func (b *Bridge) RuntimeNew(workers, blocking uint32) (h bridge.Handle, err error) {
	err = bridge.Contain(func() error {
		rt, e := executor.New(b.config().RuntimeOptions(int(workers), int(blocking)))
		if e != nil {
			return bridge.Wrap(bridge.CodeRuntimeInitializationFailed, fmt.Errorf("can't make runtime: %w", e))
		}
		h = b.runtimes.Insert(rt)
		return nil
	})
	return h, err
}

// RuntimeDestroy shuts the runtime down waiting up to timeout for in-flight tasks,
// zero timeout doesn't wait. Tasks still running after it are abandoned.
func (b *Bridge) RuntimeDestroy(h bridge.Handle, timeout time.Duration) error {
	return bridge.Contain(func() error {
		if h == bridge.NullHandle {
			return nil
		}
		rt, err := b.runtimes.Remove(h)
		if err != nil {
			return bridge.Wrap(bridge.CodeInvalidArgument, err)
		}
		if err := rt.Shutdown(timeout); err != nil {
			log.Printf("[WARN] runtime %#x: %v", uint64(h), err)
		}
		return nil
	})
}

// SessionNew makes an empty session on the runtime.
func (b *Bridge) SessionNew(rth bridge.Handle) (h bridge.Handle, err error) {
	err = bridge.Contain(func() error {
		rt, e := b.runtimes.Get(rth)
		if e != nil {
			return bridge.Wrap(bridge.CodeInvalidArgument, e)
		}
		s, e := session.New(rt, b.config().EngineConfig())
		if e != nil {
			return e
		}
		h = b.sessions.Insert(s)
		return nil
	})
	return h, err
}

// SessionDestroy drops the caller's session reference, tasks in flight are not affected.
func (b *Bridge) SessionDestroy(h bridge.Handle) error {
	return bridge.Contain(func() error {
		if h == bridge.NullHandle {
			return nil
		}
		s, err := b.sessions.Remove(h)
		if err != nil {
			return bridge.Wrap(bridge.CodeInvalidArgument, err)
		}
		return s.Close()
	})
}

// DataFrameDestroy drops the caller's dataframe reference, tasks in flight are not affected.
func (b *Bridge) DataFrameDestroy(h bridge.Handle) error {
	return bridge.Contain(func() error {
		if h == bridge.NullHandle {
			return nil
		}
		df, err := b.frames.Remove(h)
		if err != nil {
			return bridge.Wrap(bridge.CodeInvalidArgument, err)
		}
		return df.Close()
	})
}

func (b *Bridge) session(h bridge.Handle) (*session.Session, error) {
	s, err := b.sessions.Get(h)
	if err != nil {
		return nil, bridge.Wrap(bridge.CodeInvalidArgument, err)
	}
	return s, nil
}

func (b *Bridge) frame(h bridge.Handle) (*dataframe.DataFrame, error) {
	df, err := b.frames.Get(h)
	if err != nil {
		return nil, bridge.Wrap(bridge.CodeInvalidArgument, err)
	}
	return df, nil
}

// asError converts err to a bridge error, fallback is used for errors without a code
func asError(err error, fallback bridge.Code) *bridge.Error {
	var be *bridge.Error
	if errors.As(err, &be) {
		return be
	}
	return bridge.Errorf(fallback, "%w", err)
}
