package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/qbridge/pkg/options"
)

func TestContext_RegisterCSV(t *testing.T) {
	c := newTestContext(t)
	ctx := context.Background()
	require.NoError(t, c.RegisterCSV(ctx, "people", "testdata/people.csv", options.DefaultCSVRead()))

	p, err := c.SQL(ctx, "SELECT * FROM people ORDER BY id", options.Params{})
	require.NoError(t, err)
	assert.Equal(t, []Column{{"id", options.TypeInt64}, {"name", options.TypeUtf8},
		{"age", options.TypeInt64}, {"score", options.TypeFloat64}}, p.Columns())

	rows := collect(t, c, "SELECT * FROM people ORDER BY id")
	assert.Equal(t, [][]any{
		{int64(1), "alice", int64(30), 1.5},
		{int64(2), "bob", nil, 2.5},
		{int64(3), "carol, jr", int64(41), nil},
	}, rows)
}

func TestContext_RegisterCSVOptions(t *testing.T) {
	tbl := []struct {
		name    string
		body    string
		opts    func(o *options.CSVRead)
		query   string
		res     [][]any
		wantErr string
	}{
		{name: "no header", body: "1,a\n2,b\n", opts: func(o *options.CSVRead) { o.HasHeader = false },
			query: "SELECT column_1, column_2 FROM t ORDER BY column_1", res: [][]any{{int64(1), "a"}, {int64(2), "b"}}},
		{name: "delimiter and comments", body: "# comment\nx;y\n1;hello\n# more\n2;world\n",
			opts:  func(o *options.CSVRead) { o.Delimiter = ';'; o.Comment = '#' },
			query: "SELECT x, y FROM t ORDER BY x", res: [][]any{{int64(1), "hello"}, {int64(2), "world"}}},
		{name: "explicit schema", body: "id,v\n1,2.5\n2,3\n", opts: func(o *options.CSVRead) {
			o.Schema = &options.Schema{Fields: []options.Field{{Name: "key", Type: options.TypeUint8},
				{Name: "val", Type: options.TypeFloat32}}}
		}, query: "SELECT key, val FROM t ORDER BY key", res: [][]any{{uint8(1), float32(2.5)}, {uint8(2), float32(3)}}},
		{name: "truncated rows", body: "a,b\n1,2\n3\n", opts: func(o *options.CSVRead) { o.TruncatedRows = true },
			query: "SELECT a, b FROM t ORDER BY a", res: [][]any{{int64(1), int64(2)}, {int64(3), nil}}},
		{name: "truncated rows not allowed", body: "a,b\n1,2\n3\n",
			wantErr: "record 2 has 1 fields, expected 2, truncated_rows is not enabled"},
		{name: "extra fields", body: "a,b\n1,2,3\n", wantErr: "record 1 has 3 fields, expected 2"},
		{name: "null regex", body: "a,b\n1,NA\n2,x\n", opts: func(o *options.CSVRead) { o.NullRegex = "^NA$" },
			query: "SELECT a, b FROM t ORDER BY a", res: [][]any{{int64(1), nil}, {int64(2), "x"}}},
		{name: "quoted empty is not null", body: "a,b\n1,\"\"\n2,\n",
			query: "SELECT a, b FROM t ORDER BY a", res: [][]any{{int64(1), ""}, {int64(2), nil}}},
		{name: "newlines in values", body: "a,b\n1,\"x\ny\"\n", opts: func(o *options.CSVRead) { o.NewlinesInValues = true },
			query: "SELECT b FROM t", res: [][]any{{"x\ny"}}},
		{name: "newlines in values not allowed", body: "a,b\n1,\"x\ny\"\n", wantErr: "newlines_in_values is not enabled"},
		{name: "bool column", body: "a,flag\n1,true\n2,FALSE\n",
			query: "SELECT flag FROM t ORDER BY a", res: [][]any{{true}, {false}}},
		{name: "bad schema value", body: "a\nx\n", opts: func(o *options.CSVRead) {
			o.Schema = &options.Schema{Fields: []options.Field{{Name: "a", Type: options.TypeInt32}}}
		}, wantErr: `can't parse "x" as int32`},
	}

	for _, tt := range tbl {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestContext(t)
			path := writeFile(t, t.TempDir(), "data.csv", tt.body)
			opts := options.DefaultCSVRead()
			if tt.opts != nil {
				tt.opts(&opts)
			}
			err := c.RegisterCSV(context.Background(), "t", path, opts)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				exists, e := c.TableExists(context.Background(), "t")
				require.NoError(t, e)
				assert.False(t, exists, "failed registration leaves no table")
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.res, collect(t, c, tt.query))
		})
	}
}

func TestContext_RegisterCSVEmpty(t *testing.T) {
	c := newTestContext(t)
	ctx := context.Background()
	require.NoError(t, c.RegisterCSV(ctx, "blank", "testdata/empty.csv", options.DefaultCSVRead()))
	p, err := c.SQL(ctx, "SELECT * FROM blank", options.Params{})
	require.NoError(t, err)
	assert.Equal(t, []Column{{"id", options.TypeUtf8}, {"name", options.TypeUtf8}}, p.Columns())
	n, err := p.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), n)
}

func TestContext_RegisterCompressed(t *testing.T) {
	body, err := os.ReadFile("testdata/people.csv")
	require.NoError(t, err)

	for _, comp := range []options.Compression{options.CompressionGzip, options.CompressionXz, options.CompressionZstd} {
		t.Run(comp.String(), func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "people.csv"+comp.Extension())
			fh, err := os.Create(path) //nolint:gosec // test file
			require.NoError(t, err)
			cw, err := compressWriter(fh, comp)
			require.NoError(t, err)
			_, err = cw.Write(body)
			require.NoError(t, err)
			require.NoError(t, cw.Close())
			require.NoError(t, fh.Close())

			c := newTestContext(t)
			opts := options.DefaultCSVRead()
			opts.Compression = comp
			require.NoError(t, c.RegisterCSV(context.Background(), "people", path, opts))
			assert.Equal(t, [][]any{{int64(3)}}, collect(t, c, "SELECT count(*) FROM people"))
		})
	}

	t.Run("bzip2", func(t *testing.T) {
		c := newTestContext(t)
		opts := options.DefaultCSVRead()
		opts.Compression = options.CompressionBzip2
		require.NoError(t, c.RegisterCSV(context.Background(), "people", "testdata/people.csv.bz2", opts))
		assert.Equal(t, [][]any{{"carol, jr"}}, collect(t, c, "SELECT name FROM people WHERE id = 3"))
	})
}

func TestContext_RegisterErrors(t *testing.T) {
	c := newTestContext(t)
	ctx := context.Background()
	require.NoError(t, c.RegisterCSV(ctx, "people", "testdata/people.csv", options.DefaultCSVRead()))

	err := c.RegisterCSV(ctx, "People", "testdata/people.csv", options.DefaultCSVRead())
	require.Error(t, err)
	assert.Equal(t, "table People already exists", err.Error())

	err = c.RegisterCSV(ctx, "missing", "testdata/missing.csv", options.DefaultCSVRead())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "can't access testdata/missing.csv")

	err = c.RegisterCSV(ctx, "wrong", "testdata/one.json", options.DefaultCSVRead())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `doesn't have the expected extension ".csv"`)

	opts := options.DefaultCSVRead()
	opts.Compression = options.CompressionGzip
	opts.FileExtension = ".csv"
	err = c.RegisterCSV(ctx, "notgzip", "testdata/people.csv", opts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "can't read gzip compressed testdata/people.csv")

	err = c.RegisterParquet(ctx, "pq", "testdata/people.csv")
	require.Error(t, err)

	tables, err := c.Tables(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"people"}, tables)
}

func TestContext_RegisterSortOrder(t *testing.T) {
	c := newTestContext(t)
	ctx := context.Background()
	opts := options.DefaultCSVRead()
	opts.FileSortOrder = []options.SortOrder{{{Expr: "age", Asc: false}, {Expr: "name", Asc: true}}}
	require.NoError(t, c.RegisterCSV(ctx, "people", "testdata/people.csv", opts))

	var n int
	err := c.db.QueryRowContext(ctx, "SELECT count(*) FROM sqlite_master WHERE type = 'index' AND tbl_name = 'people'").Scan(&n)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	opts.FileSortOrder = []options.SortOrder{{{Expr: "no_such_column", Asc: true}}}
	err = c.RegisterCSV(ctx, "people2", "testdata/people.csv", opts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "can't apply sort order 0 to people2")
}

func TestContext_RegisterJSON(t *testing.T) {
	c := newTestContext(t)
	ctx := context.Background()
	require.NoError(t, c.RegisterJSON(ctx, "people", "testdata/people.json", options.DefaultJSONRead()))

	p, err := c.SQL(ctx, "SELECT * FROM people ORDER BY id", options.Params{})
	require.NoError(t, err)
	assert.Equal(t, []Column{{"id", options.TypeInt64}, {"name", options.TypeUtf8}, {"active", options.TypeBool},
		{"tags", options.TypeUtf8}, {"score", options.TypeFloat64}}, p.Columns())
	assert.Equal(t, [][]any{
		{int64(1), "alice", true, `["a","b"]`, nil},
		{int64(2), "bob", false, nil, 2.5},
		{int64(3), nil, true, nil, 4.0},
	}, collect(t, c, "SELECT * FROM people ORDER BY id"))
}

func TestContext_RegisterJSONSizes(t *testing.T) {
	tbl := []struct {
		path  string
		count uint64
		cols  int
	}{
		{"testdata/empty.json", 0, 0},
		{"testdata/one.json", 1, 3},
		{"testdata/people.json", 3, 5},
	}
	for _, tt := range tbl {
		t.Run(filepath.Base(tt.path), func(t *testing.T) {
			c := newTestContext(t)
			ctx := context.Background()
			require.NoError(t, c.RegisterJSON(ctx, "t", tt.path, options.DefaultJSONRead()))
			p, err := c.SQL(ctx, "SELECT * FROM t", options.Params{})
			require.NoError(t, err)
			assert.Len(t, p.Columns(), tt.cols)
			n, err := p.Count(ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.count, n)
		})
	}
}

func TestContext_RegisterJSONSchema(t *testing.T) {
	c := newTestContext(t)
	ctx := context.Background()
	opts := options.DefaultJSONRead()
	opts.Schema = &options.Schema{Fields: []options.Field{{Name: "id", Type: options.TypeUint64},
		{Name: "name", Type: options.TypeLargeUtf8}}}
	require.NoError(t, c.RegisterJSON(ctx, "people", "testdata/people.json", opts))

	p, err := c.SQL(ctx, "SELECT * FROM people ORDER BY id", options.Params{})
	require.NoError(t, err)
	assert.Equal(t, []Column{{"id", options.TypeUint64}, {"name", options.TypeLargeUtf8}}, p.Columns())
	assert.Equal(t, [][]any{{uint64(1), "alice"}, {uint64(2), "bob"}, {uint64(3), nil}},
		collect(t, c, "SELECT * FROM people ORDER BY id"))

	opts.Schema = &options.Schema{Fields: []options.Field{{Name: "name", Type: options.TypeInt64}}}
	err = c.RegisterJSON(ctx, "bad", "testdata/people.json", opts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "column name")
}

func TestContext_RegisterJSONPartitioned(t *testing.T) {
	c := newTestContext(t)
	ctx := context.Background()
	opts := options.DefaultJSONRead()
	opts.PartitionCols = []options.PartitionColumn{{Name: "category", Type: options.TypeUtf8}}
	require.NoError(t, c.RegisterJSON(ctx, "products", "testdata/products", opts))

	p, err := c.SQL(ctx, "SELECT * FROM products", options.Params{})
	require.NoError(t, err)
	assert.Equal(t, []Column{{"sku", options.TypeUtf8}, {"price", options.TypeInt64}, {"category", options.TypeUtf8}},
		p.Columns())
	assert.Equal(t, [][]any{{"books", int64(2), int64(22)}, {"games", int64(1), int64(30)}},
		collect(t, c, "SELECT category, count(*), sum(price) FROM products GROUP BY category ORDER BY category"))

	err = c.RegisterJSON(ctx, "single", "testdata/one.json", opts)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "partition columns need a directory")
}

func TestPartitionRow(t *testing.T) {
	pcs := []options.PartitionColumn{{Name: "year", Type: options.TypeInt32}, {Name: "city", Type: options.TypeUtf8}}
	res, err := partitionRow(sourceFile{path: "x", parts: []string{"2024", "new%20york"}}, pcs)
	require.NoError(t, err)
	assert.Equal(t, []any{int64(2024), "new york"}, res)

	res, err = partitionRow(sourceFile{path: "x", parts: []string{hivePartitionNull, "la"}}, pcs)
	require.NoError(t, err)
	assert.Equal(t, []any{nil, "la"}, res)

	_, err = partitionRow(sourceFile{path: "x", parts: []string{"abc", "la"}}, pcs)
	require.Error(t, err)
}
