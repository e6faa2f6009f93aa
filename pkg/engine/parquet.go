package engine

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/parquet-go/parquet-go"

	"github.com/umputun/qbridge/pkg/options"
)

// readParquet loads a flat parquet file
func readParquet(path string) (cols []Column, rows [][]any, err error) {
	fh, err := os.Open(path) //nolint:gosec // path is provided by the caller
	if err != nil {
		return nil, nil, fmt.Errorf("can't open %s: %w", path, err)
	}
	defer fh.Close()
	st, err := fh.Stat()
	if err != nil {
		return nil, nil, fmt.Errorf("can't stat %s: %w", path, err)
	}

	pf, err := parquet.OpenFile(fh, st.Size())
	if err != nil {
		return nil, nil, fmt.Errorf("can't read parquet %s: %w", path, err)
	}
	for _, f := range pf.Schema().Fields() {
		if !f.Leaf() || f.Repeated() {
			return nil, nil, fmt.Errorf("column %s of %s is nested or repeated, not supported", f.Name(), path)
		}
		t, err := parquetColumnType(f.Type())
		if err != nil {
			return nil, nil, fmt.Errorf("column %s of %s: %w", f.Name(), path, err)
		}
		cols = append(cols, Column{Name: f.Name(), Type: t})
	}

	rd := parquet.NewReader(pf)
	defer rd.Close()
	buf := make([]parquet.Row, 256)
	for {
		n, err := rd.ReadRows(buf)
		for _, r := range buf[:n] {
			row := make([]any, len(cols))
			for _, v := range r {
				ci := v.Column()
				if ci < 0 || ci >= len(cols) || v.IsNull() {
					continue
				}
				row[ci] = parquetValue(v, cols[ci].Type)
			}
			rows = append(rows, row)
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("can't read rows of %s: %w", path, err)
		}
	}
	return cols, rows, nil
}

func parquetColumnType(t parquet.Type) (options.ArrowType, error) {
	lt := t.LogicalType()
	switch t.Kind() {
	case parquet.Boolean:
		return options.TypeBool, nil
	case parquet.Int32, parquet.Int64:
		if lt != nil && lt.Integer != nil {
			it := lt.Integer
			switch {
			case it.BitWidth == 8 && it.IsSigned:
				return options.TypeInt8, nil
			case it.BitWidth == 8:
				return options.TypeUint8, nil
			case it.BitWidth == 16 && it.IsSigned:
				return options.TypeInt16, nil
			case it.BitWidth == 16:
				return options.TypeUint16, nil
			case it.BitWidth == 32 && it.IsSigned:
				return options.TypeInt32, nil
			case it.BitWidth == 32:
				return options.TypeUint32, nil
			case it.IsSigned:
				return options.TypeInt64, nil
			default:
				return options.TypeUint64, nil
			}
		}
		if t.Kind() == parquet.Int32 {
			return options.TypeInt32, nil
		}
		return options.TypeInt64, nil
	case parquet.Float:
		return options.TypeFloat32, nil
	case parquet.Double:
		return options.TypeFloat64, nil
	case parquet.ByteArray:
		if lt != nil && (lt.UTF8 != nil || lt.Json != nil || lt.Enum != nil) {
			return options.TypeUtf8, nil
		}
		return options.TypeBinary, nil
	case parquet.FixedLenByteArray:
		return options.TypeBinary, nil
	}
	return options.TypeUnspecified, fmt.Errorf("unsupported parquet type %s", t)
}

// parquetValue converts a parquet value to a catalog value of type t
func parquetValue(v parquet.Value, t options.ArrowType) any {
	switch v.Kind() {
	case parquet.Boolean:
		return v.Boolean()
	case parquet.Int32:
		if isUnsigned(t) {
			return int64(uint32(v.Int32())) //nolint:gosec // unsigned stored in int32
		}
		return int64(v.Int32())
	case parquet.Int64:
		return v.Int64()
	case parquet.Float:
		return float64(v.Float())
	case parquet.Double:
		return v.Double()
	case parquet.ByteArray, parquet.FixedLenByteArray:
		b := append([]byte{}, v.ByteArray()...)
		if t == options.TypeBinary {
			return b
		}
		return string(b)
	}
	return nil
}

// parquetWriter writes typed rows of the given columns
type parquetWriter struct {
	w      *parquet.Writer
	cols   []Column
	leaves []int // leaf column index of each column
}

func newParquetWriter(out io.Writer, cols []Column) (*parquetWriter, error) {
	group := parquet.Group{}
	names := make([]string, 0, len(cols))
	for _, c := range cols {
		if _, dup := group[c.Name]; dup {
			return nil, fmt.Errorf("duplicate column name %s", c.Name)
		}
		group[c.Name] = parquet.Optional(parquetNode(c.Type))
		names = append(names, c.Name)
	}
	// group columns are laid out by name
	sorted := append([]string{}, names...)
	sort.Strings(sorted)
	pos := make(map[string]int, len(sorted))
	for i, n := range sorted {
		pos[n] = i
	}
	leaves := make([]int, len(cols))
	for i, n := range names {
		leaves[i] = pos[n]
	}

	schema := parquet.NewSchema("qbridge", group)
	return &parquetWriter{w: parquet.NewWriter(out, schema), cols: cols, leaves: leaves}, nil
}

func parquetNode(t options.ArrowType) parquet.Node {
	switch t {
	case options.TypeBool:
		return parquet.Leaf(parquet.BooleanType)
	case options.TypeInt8:
		return parquet.Int(8)
	case options.TypeInt16:
		return parquet.Int(16)
	case options.TypeInt32:
		return parquet.Int(32)
	case options.TypeInt64:
		return parquet.Int(64)
	case options.TypeUint8:
		return parquet.Uint(8)
	case options.TypeUint16:
		return parquet.Uint(16)
	case options.TypeUint32:
		return parquet.Uint(32)
	case options.TypeUint64:
		return parquet.Uint(64)
	case options.TypeFloat32:
		return parquet.Leaf(parquet.FloatType)
	case options.TypeFloat64:
		return parquet.Leaf(parquet.DoubleType)
	case options.TypeBinary:
		return parquet.Leaf(parquet.ByteArrayType)
	}
	return parquet.String()
}

// write adds a row of typed values as produced by the cursor
func (p *parquetWriter) write(vals []any) error {
	row := make(parquet.Row, len(vals))
	for i, v := range vals {
		leaf := p.leaves[i]
		if v == nil {
			row[leaf] = parquet.NullValue().Level(0, 0, leaf)
			continue
		}
		pv, err := toParquetValue(v, p.cols[i].Type)
		if err != nil {
			return fmt.Errorf("column %s: %w", p.cols[i].Name, err)
		}
		row[leaf] = pv.Level(0, 1, leaf)
	}
	_, err := p.w.WriteRows([]parquet.Row{row})
	return err
}

func (p *parquetWriter) close() error { return p.w.Close() }

func toParquetValue(v any, t options.ArrowType) (parquet.Value, error) {
	switch val := v.(type) {
	case bool:
		return parquet.BooleanValue(val), nil
	case int8:
		return parquet.Int32Value(int32(val)), nil
	case int16:
		return parquet.Int32Value(int32(val)), nil
	case int32:
		return parquet.Int32Value(val), nil
	case int64:
		return parquet.Int64Value(val), nil
	case uint8:
		return parquet.Int32Value(int32(val)), nil
	case uint16:
		return parquet.Int32Value(int32(val)), nil
	case uint32:
		return parquet.Int32Value(int32(val)), nil //nolint:gosec // unsigned stored in int32
	case uint64:
		return parquet.Int64Value(int64(val)), nil //nolint:gosec // unsigned stored in int64
	case float32:
		return parquet.FloatValue(val), nil
	case float64:
		if t == options.TypeFloat32 {
			return parquet.FloatValue(float32(val)), nil
		}
		return parquet.DoubleValue(val), nil
	case string:
		return parquet.ByteArrayValue([]byte(val)), nil
	case []byte:
		return parquet.ByteArrayValue(val), nil
	}
	return parquet.Value{}, fmt.Errorf("unsupported value %T", v)
}
