package engine

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-pkgz/stringutils"
	"github.com/go-pkgz/syncs"

	"github.com/umputun/qbridge/pkg/options"
)

// hivePartitionNull is the directory value of a null partition
const hivePartitionNull = "__HIVE_DEFAULT_PARTITION__"

// loadedTable is a loaded table ready to be stored in the catalog
type loadedTable struct {
	cols []Column
	rows [][]any
}

// RegisterCSV loads csv file(s) at path as table name.
func (c *Context) RegisterCSV(ctx context.Context, name, path string, opts options.CSVRead) error {
	files, err := listFiles(path, opts.Extension(), opts.PartitionCols)
	if err != nil {
		return err
	}
	nulls, err := newCSVNulls(opts.NullRegex)
	if err != nil {
		return err
	}

	data := make([]*csvData, len(files))
	err = c.loadFiles(ctx, files, func(i int, f sourceFile) error {
		rc, err := openSource(f.path, opts.Compression)
		if err != nil {
			return err
		}
		defer rc.Close()
		if data[i], err = readCSV(rc, opts); err != nil {
			return fmt.Errorf("can't read %s: %w", f.path, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	cols, err := csvColumns(data, files, opts, nulls)
	if err != nil {
		return err
	}
	tbl := &loadedTable{cols: append(cols, partitionColumns(opts.PartitionCols)...)}
	for fi, d := range data {
		parts, err := partitionRow(files[fi], opts.PartitionCols)
		if err != nil {
			return err
		}
		for ri, rec := range d.records {
			if len(rec) > len(cols) {
				return fmt.Errorf("%s record %d has %d fields, expected %d", files[fi].path, ri+1, len(rec), len(cols))
			}
			if len(rec) < len(cols) && !opts.TruncatedRows {
				return fmt.Errorf("%s record %d has %d fields, expected %d, truncated_rows is not enabled",
					files[fi].path, ri+1, len(rec), len(cols))
			}
			row := make([]any, 0, len(tbl.cols))
			for ci, col := range cols {
				if ci >= len(rec) || nulls.isNull(rec[ci]) || (rec[ci].val == "" && !isText(col.Type)) {
					row = append(row, nil)
					continue
				}
				v, err := parseValue(rec[ci].val, col.Type)
				if err != nil {
					return fmt.Errorf("%s record %d column %s: %w", files[fi].path, ri+1, col.Name, err)
				}
				row = append(row, v)
			}
			tbl.rows = append(tbl.rows, append(row, parts...))
		}
	}
	return c.store(ctx, name, tbl, opts.FileSortOrder)
}

// csvColumns makes columns from the explicit schema or from header and sampled records
func csvColumns(data []*csvData, files []sourceFile, opts options.CSVRead, nulls *csvNulls) ([]Column, error) {
	if opts.Schema != nil {
		res := make([]Column, len(opts.Schema.Fields))
		for i, f := range opts.Schema.Fields {
			res[i] = Column{Name: f.Name, Type: f.Type}
		}
		return res, nil
	}

	var header []string
	var sample [][]csvField
	width := 0
	for i, d := range data {
		if opts.HasHeader {
			if header == nil {
				header = d.header
			} else if d.header != nil && strings.Join(d.header, "\x00") != strings.Join(header, "\x00") {
				return nil, fmt.Errorf("header of %s differs from %s", files[i].path, files[0].path)
			}
		}
		for _, rec := range d.records {
			if len(sample) < opts.SchemaInferMaxRecords {
				sample = append(sample, rec)
			}
			if !opts.HasHeader && len(rec) > width {
				width = len(rec)
			}
		}
	}
	if opts.HasHeader {
		width = len(header)
	}

	types := inferCSVTypes(width, sample, nulls)
	res := make([]Column, width)
	for i := range res {
		name := fmt.Sprintf("column_%d", i+1)
		if opts.HasHeader {
			name = header[i]
		}
		res[i] = Column{Name: name, Type: types[i]}
	}
	return res, nil
}

// RegisterJSON loads newline delimited json file(s) at path as table name.
func (c *Context) RegisterJSON(ctx context.Context, name, path string, opts options.JSONRead) error {
	files, err := listFiles(path, opts.Extension(), opts.PartitionCols)
	if err != nil {
		return err
	}
	data := make([][]jsonRecord, len(files))
	err = c.loadFiles(ctx, files, func(i int, f sourceFile) error {
		rc, err := openSource(f.path, opts.Compression)
		if err != nil {
			return err
		}
		defer rc.Close()
		if data[i], err = readJSON(rc); err != nil {
			return fmt.Errorf("can't read %s: %w", f.path, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	var cols []Column
	if opts.Schema != nil {
		for _, f := range opts.Schema.Fields {
			cols = append(cols, Column{Name: f.Name, Type: f.Type})
		}
	} else {
		var all []jsonRecord
		for _, d := range data {
			all = append(all, d...)
		}
		cols = inferJSONColumns(all, opts.SchemaInferMaxRecords)
	}

	tbl := &loadedTable{cols: append(cols, partitionColumns(opts.PartitionCols)...)}
	for fi, d := range data {
		parts, err := partitionRow(files[fi], opts.PartitionCols)
		if err != nil {
			return err
		}
		for ri, rec := range d {
			row := make([]any, 0, len(tbl.cols))
			for _, col := range cols {
				v, err := jsonValue(rec.vals[col.Name], col.Type)
				if err != nil {
					return fmt.Errorf("%s record %d column %s: %w", files[fi].path, ri+1, col.Name, err)
				}
				row = append(row, v)
			}
			tbl.rows = append(tbl.rows, append(row, parts...))
		}
	}
	return c.store(ctx, name, tbl, opts.FileSortOrder)
}

// RegisterParquet loads parquet file(s) at path as table name.
func (c *Context) RegisterParquet(ctx context.Context, name, path string) error {
	files, err := listFiles(path, ".parquet", nil)
	if err != nil {
		return err
	}
	type result struct {
		cols []Column
		rows [][]any
	}
	data := make([]result, len(files))
	err = c.loadFiles(ctx, files, func(i int, f sourceFile) (err error) {
		data[i].cols, data[i].rows, err = readParquet(f.path)
		return err
	})
	if err != nil {
		return err
	}

	tbl := &loadedTable{cols: data[0].cols}
	for i, d := range data {
		if fmt.Sprint(d.cols) != fmt.Sprint(tbl.cols) {
			return fmt.Errorf("schema of %s differs from %s", files[i].path, files[0].path)
		}
		tbl.rows = append(tbl.rows, d.rows...)
	}
	return c.store(ctx, name, tbl, nil)
}

// loadFiles runs fn for every file with limited concurrency, each call holds a blocking slot
func (c *Context) loadFiles(ctx context.Context, files []sourceFile, fn func(i int, f sourceFile) error) error {
	wg := syncs.NewErrSizedGroup(c.cfg.Loaders, syncs.Context(ctx), syncs.Preemptive)
	for i, f := range files {
		wg.Go(func() error {
			return c.cfg.Blocking(func() error { return fn(i, f) })
		})
	}
	if err := wg.Wait(); err != nil {
		return fmt.Errorf("can't load files: %w", err)
	}
	return nil
}

func partitionColumns(pcs []options.PartitionColumn) []Column {
	res := make([]Column, len(pcs))
	for i, pc := range pcs {
		res[i] = Column{Name: pc.Name, Type: pc.Type}
	}
	return res
}

func partitionRow(f sourceFile, pcs []options.PartitionColumn) ([]any, error) {
	res := make([]any, len(pcs))
	for i, pc := range pcs {
		raw, err := url.PathUnescape(f.parts[i])
		if err != nil {
			raw = f.parts[i]
		}
		if raw == hivePartitionNull {
			continue
		}
		if res[i], err = parseValue(raw, pc.Type); err != nil {
			return nil, fmt.Errorf("partition %s of %s: %w", pc.Name, f.path, err)
		}
	}
	return res, nil
}

// store creates the table and inserts all rows in a single transaction
func (c *Context) store(ctx context.Context, name string, tbl *loadedTable, sortOrders []options.SortOrder) error {
	st := time.Now()
	names := make([]string, len(tbl.cols))
	for i, col := range tbl.cols {
		names[i] = col.Name
	}
	if dd := stringutils.DeDup(names); len(dd) != len(names) {
		return fmt.Errorf("table %s has duplicate column names", name)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("can't start transaction: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	var n int
	err = tx.QueryRowContext(ctx, "SELECT count(*) FROM sqlite_master WHERE type IN ('table','view') "+
		"AND name = ? COLLATE NOCASE", name).Scan(&n)
	if err != nil {
		return fmt.Errorf("can't check table %s: %w", name, err)
	}
	if n > 0 {
		return fmt.Errorf("table %s already exists", name)
	}

	cols := tbl.cols
	if len(cols) == 0 {
		cols = []Column{{Name: emptyColumn, Type: options.TypeNull}}
	}
	defs := make([]string, len(cols))
	marks := make([]string, len(cols))
	for i, col := range cols {
		defs[i] = quoteIdent(col.Name) + " " + declType(col.Type)
		marks[i] = "?"
	}
	if _, err = tx.ExecContext(ctx, fmt.Sprintf("CREATE TABLE %s (%s)", quoteIdent(name), strings.Join(defs, ", "))); err != nil {
		return fmt.Errorf("can't create table %s: %w", name, err)
	}

	if len(tbl.rows) > 0 {
		stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("INSERT INTO %s VALUES (%s)", quoteIdent(name), strings.Join(marks, ", ")))
		if err != nil {
			return fmt.Errorf("can't prepare insert into %s: %w", name, err)
		}
		defer stmt.Close()
		for i, row := range tbl.rows {
			if _, err := stmt.ExecContext(ctx, row...); err != nil {
				return fmt.Errorf("can't insert row %d into %s: %w", i+1, name, err)
			}
		}
	}

	for i, so := range sortOrders {
		exprs := make([]string, len(so))
		for j, e := range so {
			exprs[j] = e.Expr + " " + direction(e.Asc)
		}
		idx := quoteIdent(fmt.Sprintf("%s_sort_%d", hiddenName(), i))
		q := fmt.Sprintf("CREATE INDEX %s ON %s (%s)", idx, quoteIdent(name), strings.Join(exprs, ", "))
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("can't apply sort order %d to %s: %w", i, name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("can't commit table %s: %w", name, err)
	}
	committed = true
	c.addTable(name)
	log.Printf("[INFO] table %s registered, %d columns, %s rows in %v", name, len(tbl.cols),
		humanize.Comma(int64(len(tbl.rows))), time.Since(st))
	return nil
}

func direction(asc bool) string {
	if asc {
		return "ASC"
	}
	return "DESC"
}

func isText(t options.ArrowType) bool {
	return t == options.TypeUtf8 || t == options.TypeLargeUtf8 || t == options.TypeBinary
}
