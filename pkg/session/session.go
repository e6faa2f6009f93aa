// Package session implements the session handle. A session owns an engine context with its
// own table catalog, registers tables and plans queries as tasks on the runtime it is bound to.
package session

import (
	"context"
	"errors"
	"log"
	"sync/atomic"

	"github.com/umputun/qbridge/pkg/bridge"
	"github.com/umputun/qbridge/pkg/dataframe"
	"github.com/umputun/qbridge/pkg/engine"
	"github.com/umputun/qbridge/pkg/executor"
	"github.com/umputun/qbridge/pkg/options"
)

// Session is a query session bound to a runtime.
type Session struct {
	rt     *executor.Runtime
	ec     *engine.Context
	closed atomic.Bool
}

// New makes an empty session on rt. File i/o of the session runs under the runtime's blocking limit.
func New(rt *executor.Runtime, cfg engine.Config) (*Session, error) {
	if rt == nil {
		return nil, bridge.Errorf(bridge.CodeInvalidArgument, "runtime is not set")
	}
	if rt.Closed() {
		return nil, bridge.Errorf(bridge.CodeInvalidArgument, "runtime is shut down")
	}
	cfg.Blocking = rt.Blocking
	ec, err := engine.NewContext(cfg)
	if err != nil {
		return nil, bridge.Wrap(bridge.CodeRuntimeInitializationFailed, err)
	}
	rt.Attach()
	log.Printf("[DEBUG] session %s created", ec.ID())
	return &Session{rt: rt, ec: ec}, nil
}

// ID returns the unique id of the session.
func (s *Session) ID() string { return s.ec.ID() }

// Close drops the caller's reference. Tasks in flight and dataframes keep the catalog alive.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return bridge.Errorf(bridge.CodeInvalidArgument, "session is already closed")
	}
	s.rt.Detach()
	release(s.ec)
	return nil
}

// RegisterCSV loads csv file(s) at path as table name.
func (s *Session) RegisterCSV(name, path string, opts options.CSVRead, p *bridge.Promise[dataframe.Void]) error {
	if err := checkTable(name, path); err != nil {
		return err
	}
	return s.register("register_csv", p, func(ctx context.Context, ec *engine.Context) error {
		return ec.RegisterCSV(ctx, name, path, opts)
	})
}

// RegisterJSON loads newline delimited json file(s) at path as table name.
func (s *Session) RegisterJSON(name, path string, opts options.JSONRead, p *bridge.Promise[dataframe.Void]) error {
	if err := checkTable(name, path); err != nil {
		return err
	}
	return s.register("register_json", p, func(ctx context.Context, ec *engine.Context) error {
		return ec.RegisterJSON(ctx, name, path, opts)
	})
}

// RegisterParquet loads parquet file(s) at path as table name.
func (s *Session) RegisterParquet(name, path string, p *bridge.Promise[dataframe.Void]) error {
	if err := checkTable(name, path); err != nil {
		return err
	}
	return s.register("register_parquet", p, func(ctx context.Context, ec *engine.Context) error {
		return ec.RegisterParquet(ctx, name, path)
	})
}

// Deregister removes table name from the catalog on the calling goroutine.
func (s *Session) Deregister(name string) error {
	if s.closed.Load() {
		return bridge.Errorf(bridge.CodeInvalidArgument, "session is closed")
	}
	if name == "" {
		return bridge.Errorf(bridge.CodeInvalidArgument, "empty table name")
	}
	err := bridge.Contain(func() error { return s.ec.Deregister(context.Background(), name) })
	return bridge.Wrap(bridge.CodeTableRegistrationFailed, err)
}

// SQL plans query and delivers a new dataframe. Statements which are not queries
// are executed by the task and deliver an empty dataframe.
func (s *Session) SQL(query string, params options.Params, p *bridge.Promise[*dataframe.DataFrame]) error {
	if query == "" {
		return bridge.Errorf(bridge.CodeInvalidArgument, "empty query")
	}
	return spawn(s, "sql", p, func(ctx context.Context, ec *engine.Context) (*dataframe.DataFrame, error) {
		plan, err := ec.SQL(ctx, query, params)
		if err != nil {
			return nil, bridge.Wrap(bridge.CodeSQLError, err)
		}
		if err := ec.Retain(); err != nil { // the task holds a reference, never fails
			_ = plan.Release()
			return nil, bridge.Wrap(bridge.CodeSQLError, err)
		}
		return dataframe.New(s.rt, ec, plan), nil
	})
}

// Tables returns names of registered tables.
func (s *Session) Tables(ctx context.Context) ([]string, error) {
	if s.closed.Load() {
		return nil, bridge.Errorf(bridge.CodeInvalidArgument, "session is closed")
	}
	return s.ec.Tables(ctx)
}

func (s *Session) register(name string, p *bridge.Promise[dataframe.Void], fn func(ctx context.Context, ec *engine.Context) error) error {
	return spawn(s, name, p, func(ctx context.Context, ec *engine.Context) (dataframe.Void, error) {
		return dataframe.Void{}, bridge.Wrap(bridge.CodeTableRegistrationFailed, fn(ctx, ec))
	})
}

// spawn runs fn as a task holding its own engine context reference
func spawn[T any](s *Session, name string, p *bridge.Promise[T], fn func(ctx context.Context, ec *engine.Context) (T, error)) error {
	if s.closed.Load() {
		return bridge.Errorf(bridge.CodeInvalidArgument, "session is closed")
	}
	ec := s.ec
	if err := ec.Retain(); err != nil {
		return bridge.Errorf(bridge.CodeInvalidArgument, "session is closed: %w", err)
	}
	err := executor.Submit(s.rt, "session_"+name, p, func() (T, error) {
		defer release(ec)
		return fn(context.Background(), ec)
	})
	if err != nil {
		release(ec)
		if errors.Is(err, executor.ErrClosed) {
			return bridge.Wrap(bridge.CodeInvalidArgument, err)
		}
		return bridge.Wrap(bridge.CodeSQLError, err)
	}
	return nil
}

func checkTable(name, path string) error {
	switch {
	case name == "":
		return bridge.Errorf(bridge.CodeInvalidArgument, "empty table name")
	case path == "":
		return bridge.Errorf(bridge.CodeInvalidArgument, "empty path")
	}
	return nil
}

func release(ec *engine.Context) {
	if err := ec.Release(); err != nil {
		log.Printf("[WARN] can't release engine context: %v", err)
	}
}
