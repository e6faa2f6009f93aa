package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-pkgz/fileutils"
	"github.com/go-pkgz/stringutils"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	jsoniter "github.com/json-iterator/go"

	"github.com/umputun/qbridge/pkg/options"
)

// rowSink writes typed rows of a single output file
type rowSink interface {
	write(row []any) error
	close() error
}

type sinkMaker func(out io.Writer, cols []Column) (rowSink, error)

// WriteCSV evaluates the plan and writes the result as delimited text.
func (p *Plan) WriteCSV(ctx context.Context, path string, wo options.DataFrameWrite, co options.CSVWrite) error {
	ext := ".csv" + co.Compression.Extension()
	return p.writeFiles(ctx, path, wo, ext, co.Compression, func(out io.Writer, cols []Column) (rowSink, error) {
		return newCSVSink(out, cols, co)
	})
}

// WriteJSON evaluates the plan and writes the result as newline delimited json objects.
func (p *Plan) WriteJSON(ctx context.Context, path string, wo options.DataFrameWrite, jo options.JSONWrite) error {
	ext := ".json" + jo.Compression.Extension()
	return p.writeFiles(ctx, path, wo, ext, jo.Compression, func(out io.Writer, cols []Column) (rowSink, error) {
		return &jsonSink{stream: jsoniter.NewStream(jsonAPI, out, 4096), cols: cols}, nil
	})
}

// WriteParquet evaluates the plan and writes the result as parquet.
func (p *Plan) WriteParquet(ctx context.Context, path string, wo options.DataFrameWrite) error {
	return p.writeFiles(ctx, path, wo, ".parquet", options.CompressionNone, func(out io.Writer, cols []Column) (rowSink, error) {
		return newParquetWriter(out, cols)
	})
}

// output is an open file of the written result
type output struct {
	path string
	fh   *os.File
	cw   io.WriteCloser
	sink rowSink
}

func (o *output) close() error {
	errs := new(multierror.Error)
	if err := o.sink.close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("can't finish %s: %w", o.path, err))
	}
	if err := o.cw.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("can't flush %s: %w", o.path, err))
	}
	if err := o.fh.Close(); err != nil {
		errs = multierror.Append(errs, fmt.Errorf("can't close %s: %w", o.path, err))
	}
	return errs.ErrorOrNil()
}

// writeFiles writes the result to a single file or to part files of a directory,
// one directory level per partition column
func (p *Plan) writeFiles(ctx context.Context, path string, wo options.DataFrameWrite, ext string,
	comp options.Compression, mk sinkMaker) error {
	if wo.InsertOp == options.InsertReplace {
		return errors.New("insert operation replace is not supported for file output")
	}
	cw, err := compressWriter(io.Discard, comp)
	if err != nil {
		return err
	}
	_ = cw.Close()

	cols := p.Columns()
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	partIdx := make([]int, len(wo.PartitionBy))
	for i, pc := range wo.PartitionBy {
		if partIdx[i] = stringutils.IndexOf(names, pc); partIdx[i] < 0 {
			return fmt.Errorf("partition column %s is not in the result", pc)
		}
	}
	var dataIdx []int
	var dataCols []Column
	for i, c := range cols {
		if !stringutils.Contains(c.Name, wo.PartitionBy) {
			dataIdx = append(dataIdx, i)
			dataCols = append(dataCols, c)
		}
	}

	single := wo.SingleFileOutput || (len(wo.PartitionBy) == 0 && filepath.Ext(path) != "")
	if single && len(wo.PartitionBy) > 0 {
		return errors.New("single file output can't be partitioned")
	}
	query, err := p.sorted(wo.SortBy)
	if err != nil {
		return err
	}

	return p.c.cfg.Blocking(func() error {
		st := time.Now()
		if err := prepareTarget(path, single, wo.InsertOp); err != nil {
			return err
		}

		outputs := map[string]*output{}
		open := func(key string) (*output, error) {
			if o, ok := outputs[key]; ok {
				return o, nil
			}
			target := path
			if !single {
				dir := filepath.Join(path, key)
				if err := os.MkdirAll(dir, 0o750); err != nil {
					return nil, fmt.Errorf("can't make directory %s: %w", dir, err)
				}
				target = filepath.Join(dir, "part-"+uuid.NewString()+ext)
			}
			o, err := newOutput(target, comp, dataCols, mk)
			if err != nil {
				return nil, err
			}
			outputs[key] = o
			return o, nil
		}

		rows := 0
		data := make([]any, len(dataIdx))
		err := p.rows(ctx, query, 0, func(row []any) error {
			key := partitionKey(wo.PartitionBy, partIdx, row)
			o, err := open(key)
			if err != nil {
				return err
			}
			for i, k := range dataIdx {
				data[i] = row[k]
			}
			rows++
			return o.sink.write(data)
		})
		if err == nil && len(wo.PartitionBy) == 0 && len(outputs) == 0 {
			// empty result still produces a file with the format's preamble
			_, err = open("")
		}
		if !single && len(outputs) == 0 && err == nil {
			err = os.MkdirAll(path, 0o750)
		}

		errs := new(multierror.Error)
		if err != nil {
			errs = multierror.Append(errs, err)
		}
		for _, o := range outputs {
			if e := o.close(); e != nil {
				errs = multierror.Append(errs, e)
			}
		}
		if errs.ErrorOrNil() != nil {
			return errs.ErrorOrNil()
		}
		log.Printf("[INFO] written %d rows to %s in %d file(s), %v", rows, path, len(outputs), time.Since(st))
		return nil
	})
}

// prepareTarget applies the insert operation to an existing target
func prepareTarget(path string, single bool, op options.InsertOp) error {
	exists := fileutils.IsFile(path) || fileutils.IsDir(path)
	if !exists {
		if single {
			if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
				return fmt.Errorf("can't make directory for %s: %w", path, err)
			}
		}
		return nil
	}
	switch {
	case op == options.InsertOverwrite:
		if err := os.RemoveAll(path); err != nil {
			return fmt.Errorf("can't remove %s: %w", path, err)
		}
	case single:
		return fmt.Errorf("file %s already exists", path)
	case fileutils.IsFile(path):
		return fmt.Errorf("%s is a file, expected a directory", path)
	}
	return nil
}

func newOutput(path string, comp options.Compression, cols []Column, mk sinkMaker) (*output, error) {
	fh, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640) //nolint:gosec // path is provided by the caller
	if err != nil {
		return nil, fmt.Errorf("can't create %s: %w", path, err)
	}
	cw, err := compressWriter(fh, comp)
	if err != nil {
		_ = fh.Close()
		return nil, err
	}
	sink, err := mk(cw, cols)
	if err != nil {
		_ = cw.Close()
		_ = fh.Close()
		return nil, fmt.Errorf("can't start %s: %w", path, err)
	}
	return &output{path: path, fh: fh, cw: cw, sink: sink}, nil
}

// partitionKey makes the relative hive directory of a row, col=value per partition column
func partitionKey(names []string, idx []int, row []any) string {
	if len(names) == 0 {
		return ""
	}
	parts := make([]string, len(names))
	for i, name := range names {
		val := hivePartitionNull
		if v := row[idx[i]]; v != nil {
			val = url.PathEscape(renderValue(v))
		}
		parts[i] = name + "=" + val
	}
	return filepath.Join(parts...)
}

type csvSink struct {
	w      *csvWriter
	fields []string
	nulls  []bool
}

func newCSVSink(out io.Writer, cols []Column, opts options.CSVWrite) (*csvSink, error) {
	if opts.Delimiter == 0 {
		opts.Delimiter = ','
	}
	if opts.Quote == 0 {
		opts.Quote = '"'
	}
	res := &csvSink{w: newCSVWriter(out, opts), fields: make([]string, len(cols)), nulls: make([]bool, len(cols))}
	if opts.HasHeader && len(cols) > 0 {
		header := make([]string, len(cols))
		for i, c := range cols {
			header[i] = c.Name
		}
		if err := res.w.write(header, nil); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func (s *csvSink) write(row []any) error {
	for i, v := range row {
		s.nulls[i] = v == nil
		switch val := v.(type) {
		case nil:
			s.fields[i] = ""
		case []byte:
			s.fields[i] = string(val)
		default:
			s.fields[i] = formatValue(toCatalog(val))
		}
	}
	return s.w.write(s.fields, s.nulls)
}

func (s *csvSink) close() error { return s.w.flush() }

type jsonSink struct {
	stream *jsoniter.Stream
	cols   []Column
}

func (s *jsonSink) write(row []any) error {
	s.stream.WriteObjectStart()
	for i, v := range row {
		if i > 0 {
			s.stream.WriteMore()
		}
		s.stream.WriteObjectField(s.cols[i].Name)
		switch val := v.(type) {
		case []byte:
			s.stream.WriteString(string(val))
		case float64:
			s.stream.WriteRaw(jsonFloat(val))
		case float32:
			s.stream.WriteRaw(jsonFloat(float64(val)))
		default:
			s.stream.WriteVal(val)
		}
	}
	s.stream.WriteObjectEnd()
	s.stream.WriteRaw("\n")
	if s.stream.Error != nil {
		return s.stream.Error
	}
	if s.stream.Buffered() > 64*1024 {
		return s.stream.Flush()
	}
	return nil
}

func (s *jsonSink) close() error { return s.stream.Flush() }

// jsonFloat keeps a fractional part so the value reads back as a float
func jsonFloat(f float64) string {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return "null"
	}
	s := formatValue(f)
	if !strings.ContainsAny(s, ".e") {
		s += ".0"
	}
	return s
}

// toCatalog turns a typed value into the representation formatValue expects
func toCatalog(v any) any {
	switch val := v.(type) {
	case int8:
		return int64(val)
	case int16:
		return int64(val)
	case int32:
		return int64(val)
	case uint8:
		return int64(val)
	case uint16:
		return int64(val)
	case uint32:
		return int64(val)
	}
	return v
}
