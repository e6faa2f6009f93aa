package session

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/qbridge/pkg/bridge"
	"github.com/umputun/qbridge/pkg/dataframe"
	"github.com/umputun/qbridge/pkg/engine"
	"github.com/umputun/qbridge/pkg/executor"
	"github.com/umputun/qbridge/pkg/options"
)

const peopleCSV = "id,name,age\n1,alice,30\n2,bob,25\n3,carol,41\n"

func newRuntime(t *testing.T) *executor.Runtime {
	t.Helper()
	rt, err := executor.New(executor.Options{WorkerThreads: 2})
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Shutdown(5 * time.Second) })
	return rt
}

func newSession(t *testing.T, rt *executor.Runtime) *Session {
	t.Helper()
	s, err := New(rt, engine.Config{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func writeCSV(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "people.csv")
	require.NoError(t, os.WriteFile(path, []byte(peopleCSV), 0o600))
	return path
}

type outcome[T any] struct {
	v   T
	err error
}

// await starts an operation with a promise and waits for its single outcome
func await[T any](t *testing.T, start func(p *bridge.Promise[T]) error) (T, error) {
	t.Helper()
	ch := make(chan outcome[T], 2)
	p := bridge.NewPromise(func(v T, err error) { ch <- outcome[T]{v: v, err: err} })
	require.NoError(t, start(p))
	select {
	case o := <-ch:
		return o.v, o.err
	case <-time.After(5 * time.Second):
		t.Fatal("no outcome delivered")
	}
	var zero T
	return zero, nil
}

func TestSession_RegisterAndQuery(t *testing.T) {
	rt := newRuntime(t)
	s := newSession(t, rt)
	path := writeCSV(t)

	_, err := await(t, func(p *bridge.Promise[dataframe.Void]) error {
		return s.RegisterCSV("people", path, options.DefaultCSVRead(), p)
	})
	require.NoError(t, err)

	df, err := await(t, func(p *bridge.Promise[*dataframe.DataFrame]) error {
		return s.SQL("SELECT name FROM people WHERE age > $1", options.Params{Positional: []any{int64(26)}}, p)
	})
	require.NoError(t, err)
	require.NotNil(t, df)
	defer df.Close()

	n, err := await(t, func(p *bridge.Promise[uint64]) error { return df.Count(p) })
	require.NoError(t, err)
	assert.Equal(t, uint64(2), n)

	tables, err := s.Tables(t.Context())
	require.NoError(t, err)
	assert.Equal(t, []string{"people"}, tables)
}

func TestSession_RegisterJSONAndParquet(t *testing.T) {
	rt := newRuntime(t)
	s := newSession(t, rt)
	dir := t.TempDir()
	jsonPath := filepath.Join(dir, "events.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{"id":1,"kind":"click"}`+"\n"+`{"id":2,"kind":"view"}`+"\n"), 0o600))

	_, err := await(t, func(p *bridge.Promise[dataframe.Void]) error {
		return s.RegisterJSON("events", jsonPath, options.DefaultJSONRead(), p)
	})
	require.NoError(t, err)

	df, err := await(t, func(p *bridge.Promise[*dataframe.DataFrame]) error {
		return s.SQL("SELECT * FROM events", options.Params{}, p)
	})
	require.NoError(t, err)
	defer df.Close()

	pqPath := filepath.Join(dir, "events.parquet")
	_, err = await(t, func(p *bridge.Promise[dataframe.Void]) error {
		return df.WriteParquet(pqPath, options.DataFrameWrite{}, p)
	})
	require.NoError(t, err)

	_, err = await(t, func(p *bridge.Promise[dataframe.Void]) error {
		return s.RegisterParquet("events_pq", pqPath, p)
	})
	require.NoError(t, err)

	df2, err := await(t, func(p *bridge.Promise[*dataframe.DataFrame]) error {
		return s.SQL("SELECT kind FROM events_pq WHERE id = 2", options.Params{}, p)
	})
	require.NoError(t, err)
	defer df2.Close()
	out, err := await(t, func(p *bridge.Promise[[]byte]) error { return df2.ToString(p) })
	require.NoError(t, err)
	assert.Contains(t, string(out), "view")
}

func TestSession_Errors(t *testing.T) {
	rt := newRuntime(t)
	s := newSession(t, rt)
	path := writeCSV(t)

	_, err := await(t, func(p *bridge.Promise[dataframe.Void]) error {
		return s.RegisterCSV("people", path, options.DefaultCSVRead(), p)
	})
	require.NoError(t, err)

	_, err = await(t, func(p *bridge.Promise[dataframe.Void]) error {
		return s.RegisterCSV("people", path, options.DefaultCSVRead(), p)
	})
	require.Error(t, err)
	assert.Equal(t, bridge.CodeTableRegistrationFailed, bridge.CodeOf(err, bridge.CodeOk))
	assert.Contains(t, err.Error(), "already exists")

	_, err = await(t, func(p *bridge.Promise[dataframe.Void]) error {
		return s.RegisterJSON("missing", filepath.Join(t.TempDir(), "nope.json"), options.DefaultJSONRead(), p)
	})
	assert.Equal(t, bridge.CodeTableRegistrationFailed, bridge.CodeOf(err, bridge.CodeOk))

	df, err := await(t, func(p *bridge.Promise[*dataframe.DataFrame]) error {
		return s.SQL("SELECT * FROM nowhere", options.Params{}, p)
	})
	assert.Nil(t, df)
	assert.Equal(t, bridge.CodeSQLError, bridge.CodeOf(err, bridge.CodeOk))
}

func TestSession_SyncValidation(t *testing.T) {
	rt := newRuntime(t)
	s := newSession(t, rt)

	called := false
	p := bridge.NewPromise(func(dataframe.Void, error) { called = true })
	tbl := []struct {
		name string
		err  error
	}{
		{"empty table name", s.RegisterCSV("", "x.csv", options.DefaultCSVRead(), p)},
		{"empty path", s.RegisterJSON("t", "", options.DefaultJSONRead(), p)},
		{"empty parquet path", s.RegisterParquet("t", "", p)},
		{"empty query", s.SQL("", options.Params{}, bridge.NewPromise(func(*dataframe.DataFrame, error) { called = true }))},
		{"empty deregister", s.Deregister("")},
	}
	for _, tt := range tbl {
		t.Run(tt.name, func(t *testing.T) {
			require.Error(t, tt.err)
			assert.Equal(t, bridge.CodeInvalidArgument, bridge.CodeOf(tt.err, bridge.CodeOk))
		})
	}
	assert.False(t, called, "no callback for synchronous failures")
	assert.False(t, p.Settled())
}

func TestSession_Deregister(t *testing.T) {
	rt := newRuntime(t)
	s := newSession(t, rt)
	path := writeCSV(t)
	_, err := await(t, func(p *bridge.Promise[dataframe.Void]) error {
		return s.RegisterCSV("people", path, options.DefaultCSVRead(), p)
	})
	require.NoError(t, err)

	require.NoError(t, s.Deregister("people"))
	err = s.Deregister("people")
	require.Error(t, err)
	assert.Equal(t, bridge.CodeTableRegistrationFailed, bridge.CodeOf(err, bridge.CodeOk))

	_, err = await(t, func(p *bridge.Promise[dataframe.Void]) error {
		return s.RegisterCSV("people", path, options.DefaultCSVRead(), p)
	})
	require.NoError(t, err, "name is free again")
}

func TestSession_DeregisterKeepsPlannedDataFrames(t *testing.T) {
	rt := newRuntime(t)
	s := newSession(t, rt)
	path := writeCSV(t)
	_, err := await(t, func(p *bridge.Promise[dataframe.Void]) error {
		return s.RegisterCSV("people", path, options.DefaultCSVRead(), p)
	})
	require.NoError(t, err)

	df, err := await(t, func(p *bridge.Promise[*dataframe.DataFrame]) error {
		return s.SQL("SELECT * FROM people", options.Params{}, p)
	})
	require.NoError(t, err)
	defer df.Close()

	require.NoError(t, s.Deregister("people"))
	n, err := await(t, func(p *bridge.Promise[uint64]) error { return df.Count(p) })
	require.NoError(t, err)
	assert.Equal(t, uint64(3), n)

	_, err = await(t, func(p *bridge.Promise[*dataframe.DataFrame]) error {
		return s.SQL("SELECT * FROM people", options.Params{}, p)
	})
	require.Error(t, err, "new queries don't see the deregistered table")
	assert.Equal(t, bridge.CodeSQLError, bridge.CodeOf(err, bridge.CodeOk))
}

func TestSession_ReleasedContext(t *testing.T) {
	rt := newRuntime(t)
	s, err := New(rt, engine.Config{})
	require.NoError(t, err)
	require.NoError(t, s.ec.Release()) // last reference dropped by a concurrent close

	p := bridge.NewPromise(func(dataframe.Void, error) { t.Error("callback is not expected") })
	err = s.RegisterCSV("people", writeCSV(t), options.DefaultCSVRead(), p)
	require.Error(t, err)
	assert.Equal(t, bridge.CodeInvalidArgument, bridge.CodeOf(err, bridge.CodeOk))
}

func TestSession_CloseKeepsDataFrames(t *testing.T) {
	rt := newRuntime(t)
	s, err := New(rt, engine.Config{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), rt.Attached())
	path := writeCSV(t)

	_, err = await(t, func(p *bridge.Promise[dataframe.Void]) error {
		return s.RegisterCSV("people", path, options.DefaultCSVRead(), p)
	})
	require.NoError(t, err)
	df, err := await(t, func(p *bridge.Promise[*dataframe.DataFrame]) error {
		return s.SQL("SELECT * FROM people", options.Params{}, p)
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), rt.Attached())

	require.NoError(t, s.Close())
	err = s.Close()
	require.Error(t, err)
	assert.Equal(t, bridge.CodeInvalidArgument, bridge.CodeOf(err, bridge.CodeOk))

	n, err := await(t, func(p *bridge.Promise[uint64]) error { return df.Count(p) })
	require.NoError(t, err)
	assert.Equal(t, uint64(3), n, "dataframe outlives its session")

	err = s.SQL("SELECT 1", options.Params{}, bridge.NewPromise(func(*dataframe.DataFrame, error) {}))
	assert.Equal(t, bridge.CodeInvalidArgument, bridge.CodeOf(err, bridge.CodeOk))

	require.NoError(t, df.Close())
	assert.Equal(t, int64(0), rt.Attached())
}

func TestSession_ClosedRuntime(t *testing.T) {
	rt, err := executor.New(executor.Options{WorkerThreads: 1})
	require.NoError(t, err)
	s, err := New(rt, engine.Config{})
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, rt.Shutdown(time.Second))

	_, err = New(rt, engine.Config{})
	require.Error(t, err)
	assert.Equal(t, bridge.CodeInvalidArgument, bridge.CodeOf(err, bridge.CodeOk))

	_, err = New(nil, engine.Config{})
	assert.Equal(t, bridge.CodeInvalidArgument, bridge.CodeOf(err, bridge.CodeOk))

	p := bridge.NewPromise(func(dataframe.Void, error) {})
	err = s.RegisterCSV("t", "x.csv", options.DefaultCSVRead(), p)
	require.Error(t, err)
	assert.Equal(t, bridge.CodeInvalidArgument, bridge.CodeOf(err, bridge.CodeOk))
	assert.False(t, p.Settled())
}

func TestSession_ConcurrentRegistration(t *testing.T) {
	rt := newRuntime(t)
	s := newSession(t, rt)
	path := writeCSV(t)

	const n = 8
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := range n {
		wg.Add(1)
		p := bridge.NewPromise(func(_ dataframe.Void, err error) {
			defer wg.Done()
			errs <- err
		})
		require.NoError(t, s.RegisterCSV(fmt.Sprintf("t%d", i), path, options.DefaultCSVRead(), p))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	tables, err := s.Tables(t.Context())
	require.NoError(t, err)
	assert.Len(t, tables, n)
}
