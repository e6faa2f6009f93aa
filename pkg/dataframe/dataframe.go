// Package dataframe implements the dataframe handle, a lazily evaluated query result.
// Every operation except Schema runs as a task on the runtime and reports through a promise.
package dataframe

import (
	"bytes"
	"context"
	"errors"
	"log"
	"math"
	"sync/atomic"

	"github.com/umputun/qbridge/pkg/bridge"
	"github.com/umputun/qbridge/pkg/engine"
	"github.com/umputun/qbridge/pkg/executor"
	"github.com/umputun/qbridge/pkg/options"
)

// Void is the result of operations without a value.
type Void struct{}

// DataFrame is an immutable plan bound to a runtime. It holds its own reference to the
// engine context, so it stays usable after the session that produced it is closed.
type DataFrame struct {
	rt     *executor.Runtime
	ec     *engine.Context
	plan   *engine.Plan
	closed atomic.Bool
}

// New makes a dataframe for plan. The dataframe takes over the ec and plan references passed in.
func New(rt *executor.Runtime, ec *engine.Context, plan *engine.Plan) *DataFrame {
	rt.Attach()
	return &DataFrame{rt: rt, ec: ec, plan: plan}
}

// Close drops the references held by the dataframe. Tasks in flight keep their own.
func (d *DataFrame) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return bridge.Errorf(bridge.CodeInvalidArgument, "dataframe is already closed")
	}
	d.rt.Detach()
	release(d.ec, d.plan)
	return nil
}

// Columns returns the result columns.
func (d *DataFrame) Columns() []engine.Column { return d.plan.Columns() }

// Count delivers the number of result rows.
func (d *DataFrame) Count(p *bridge.Promise[uint64]) error {
	return spawn(d, "count", p, func(ctx context.Context) (uint64, error) {
		return d.plan.Count(ctx)
	})
}

// Show renders up to limit rows, all for 0, to the show writer.
func (d *DataFrame) Show(limit uint64, p *bridge.Promise[Void]) error {
	n := math.MaxInt
	if limit < uint64(math.MaxInt) {
		n = int(limit)
	}
	if limit == 0 {
		n = 0
	}
	return spawn(d, "show", p, func(ctx context.Context) (Void, error) {
		return Void{}, d.plan.Show(ctx, n)
	})
}

// ToString delivers the whole result rendered as a text table.
func (d *DataFrame) ToString(p *bridge.Promise[[]byte]) error {
	return spawn(d, "to_string", p, func(ctx context.Context) ([]byte, error) {
		s, err := d.plan.ToString(ctx)
		if err != nil {
			return nil, err
		}
		return []byte(s), nil
	})
}

// Collect delivers the result as an arrow ipc stream.
func (d *DataFrame) Collect(p *bridge.Promise[[]byte]) error {
	return spawn(d, "collect", p, func(ctx context.Context) ([]byte, error) {
		var buf bytes.Buffer
		if err := d.plan.Collect(ctx, &buf); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	})
}

// Schema returns the result schema as an arrow ipc stream without record batches.
// It does not evaluate the plan and runs on the calling goroutine.
func (d *DataFrame) Schema() ([]byte, error) {
	if d.closed.Load() {
		return nil, bridge.Errorf(bridge.CodeInvalidArgument, "dataframe is closed")
	}
	res, err := bridge.ContainValue(d.plan.SchemaIPC)
	if err != nil {
		return nil, bridge.Wrap(bridge.CodeDataFrameError, err)
	}
	return res, nil
}

// WriteCSV writes the result as csv file(s) at path.
func (d *DataFrame) WriteCSV(path string, wo options.DataFrameWrite, co options.CSVWrite, p *bridge.Promise[Void]) error {
	if path == "" {
		return bridge.Errorf(bridge.CodeInvalidArgument, "empty path")
	}
	return spawn(d, "write_csv", p, func(ctx context.Context) (Void, error) {
		return Void{}, d.plan.WriteCSV(ctx, path, wo, co)
	})
}

// WriteJSON writes the result as newline delimited json file(s) at path.
func (d *DataFrame) WriteJSON(path string, wo options.DataFrameWrite, jo options.JSONWrite, p *bridge.Promise[Void]) error {
	if path == "" {
		return bridge.Errorf(bridge.CodeInvalidArgument, "empty path")
	}
	return spawn(d, "write_json", p, func(ctx context.Context) (Void, error) {
		return Void{}, d.plan.WriteJSON(ctx, path, wo, jo)
	})
}

// WriteParquet writes the result as parquet file(s) at path.
func (d *DataFrame) WriteParquet(path string, wo options.DataFrameWrite, p *bridge.Promise[Void]) error {
	if path == "" {
		return bridge.Errorf(bridge.CodeInvalidArgument, "empty path")
	}
	return spawn(d, "write_parquet", p, func(ctx context.Context) (Void, error) {
		return Void{}, d.plan.WriteParquet(ctx, path, wo)
	})
}

// spawn runs fn as a task holding its own engine context and plan references,
// failures of fn are reported as dataframe errors
func spawn[T any](d *DataFrame, name string, p *bridge.Promise[T], fn func(ctx context.Context) (T, error)) error {
	if d.closed.Load() {
		return bridge.Errorf(bridge.CodeInvalidArgument, "dataframe is closed")
	}
	if err := d.ec.Retain(); err != nil {
		return bridge.Errorf(bridge.CodeInvalidArgument, "dataframe is closed: %w", err)
	}
	if err := d.plan.Retain(); err != nil {
		release(d.ec, nil)
		return bridge.Errorf(bridge.CodeInvalidArgument, "dataframe is closed: %w", err)
	}
	err := executor.Submit(d.rt, "dataframe_"+name, p, func() (T, error) {
		defer release(d.ec, d.plan)
		res, err := fn(context.Background())
		return res, bridge.Wrap(bridge.CodeDataFrameError, err)
	})
	if err != nil {
		release(d.ec, d.plan)
		if errors.Is(err, executor.ErrClosed) {
			return bridge.Wrap(bridge.CodeInvalidArgument, err)
		}
		return bridge.Wrap(bridge.CodeDataFrameError, err)
	}
	return nil
}

// release drops a plan reference, if any, before the context one
func release(ec *engine.Context, plan *engine.Plan) {
	if plan != nil {
		if err := plan.Release(); err != nil {
			log.Printf("[WARN] can't release plan: %v", err)
		}
	}
	if err := ec.Release(); err != nil {
		log.Printf("[WARN] can't release engine context: %v", err)
	}
}
