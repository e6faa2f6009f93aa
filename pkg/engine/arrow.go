package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
)

// SchemaIPC returns an arrow ipc stream holding only the result schema.
func (p *Plan) SchemaIPC() ([]byte, error) {
	var buf bytes.Buffer
	w := ipc.NewWriter(&buf, ipc.WithSchema(p.Schema()), ipc.WithAllocator(p.c.cfg.Allocator))
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("can't write schema: %w", err)
	}
	return buf.Bytes(), nil
}

// Collect evaluates the plan and writes the result to out as an arrow ipc stream,
// the schema followed by record batches of the configured size.
func (p *Plan) Collect(ctx context.Context, out io.Writer) error {
	schema := p.Schema()
	mem := p.c.cfg.Allocator
	w := ipc.NewWriter(out, ipc.WithSchema(schema), ipc.WithAllocator(mem))

	rb := array.NewRecordBuilder(mem, schema)
	defer rb.Release()

	batches, pending := 0, 0
	flush := func() error {
		var rec arrow.Record
		if schema.NumFields() == 0 {
			rec = array.NewRecord(schema, nil, int64(pending))
		} else {
			rec = rb.NewRecord()
		}
		defer rec.Release()
		pending = 0
		batches++
		if err := w.Write(rec); err != nil {
			return fmt.Errorf("can't write record batch %d: %w", batches, err)
		}
		return nil
	}

	err := p.Rows(ctx, 0, func(row []any) error {
		for i, v := range row {
			if err := appendValue(rb.Field(i), v); err != nil {
				return fmt.Errorf("column %s: %w", schema.Field(i).Name, err)
			}
		}
		if pending++; pending >= p.c.cfg.BatchSize {
			return flush()
		}
		return nil
	})
	if err == nil && pending > 0 {
		err = flush()
	}
	if err != nil {
		_ = w.Close()
		return err
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("can't finish stream: %w", err)
	}
	return nil
}

// appendValue adds a typed value to the builder of its column
func appendValue(b array.Builder, v any) error {
	if v == nil {
		b.AppendNull()
		return nil
	}
	ok := true
	switch bb := b.(type) {
	case *array.BooleanBuilder:
		var val bool
		if val, ok = v.(bool); ok {
			bb.Append(val)
		}
	case *array.Int8Builder:
		var val int8
		if val, ok = v.(int8); ok {
			bb.Append(val)
		}
	case *array.Int16Builder:
		var val int16
		if val, ok = v.(int16); ok {
			bb.Append(val)
		}
	case *array.Int32Builder:
		var val int32
		if val, ok = v.(int32); ok {
			bb.Append(val)
		}
	case *array.Int64Builder:
		var val int64
		if val, ok = v.(int64); ok {
			bb.Append(val)
		}
	case *array.Uint8Builder:
		var val uint8
		if val, ok = v.(uint8); ok {
			bb.Append(val)
		}
	case *array.Uint16Builder:
		var val uint16
		if val, ok = v.(uint16); ok {
			bb.Append(val)
		}
	case *array.Uint32Builder:
		var val uint32
		if val, ok = v.(uint32); ok {
			bb.Append(val)
		}
	case *array.Uint64Builder:
		var val uint64
		if val, ok = v.(uint64); ok {
			bb.Append(val)
		}
	case *array.Float32Builder:
		var val float32
		if val, ok = v.(float32); ok {
			bb.Append(val)
		}
	case *array.Float64Builder:
		var val float64
		if val, ok = v.(float64); ok {
			bb.Append(val)
		}
	case *array.StringBuilder:
		var val string
		if val, ok = v.(string); ok {
			bb.Append(val)
		}
	case *array.LargeStringBuilder:
		var val string
		if val, ok = v.(string); ok {
			bb.Append(val)
		}
	case *array.BinaryBuilder:
		var val []byte
		if val, ok = v.([]byte); ok {
			bb.Append(val)
		}
	case *array.NullBuilder:
		bb.AppendNull()
	default:
		return fmt.Errorf("unsupported builder %T", b)
	}
	if !ok {
		return fmt.Errorf("unexpected value %v (%T) for %s", v, v, b.Type())
	}
	return nil
}
