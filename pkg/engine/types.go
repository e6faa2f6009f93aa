package engine

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/umputun/qbridge/pkg/options"
)

// declared column types keep the interchange type of a column in the catalog,
// so a query selecting plain columns reports the same types it was loaded with.
var declTypes = map[options.ArrowType]string{
	options.TypeNull:      "NULLTYPE",
	options.TypeBool:      "BOOLEAN",
	options.TypeInt8:      "TINYINT",
	options.TypeInt16:     "SMALLINT",
	options.TypeInt32:     "INT",
	options.TypeInt64:     "BIGINT",
	options.TypeUint8:     "UTINYINT",
	options.TypeUint16:    "USMALLINT",
	options.TypeUint32:    "UINTEGER",
	options.TypeUint64:    "UBIGINT",
	options.TypeFloat32:   "FLOAT",
	options.TypeFloat64:   "DOUBLE",
	options.TypeUtf8:      "TEXT",
	options.TypeLargeUtf8: "LARGETEXT",
	options.TypeBinary:    "BLOB",
}

func declType(t options.ArrowType) string {
	if s, ok := declTypes[t]; ok {
		return s
	}
	return "TEXT"
}

// typeOfDecl maps a declared column type back, ok is false for undeclared or foreign types
func typeOfDecl(decl string) (options.ArrowType, bool) {
	decl = strings.ToUpper(strings.TrimSpace(decl))
	for t, d := range declTypes {
		if d == decl {
			return t, true
		}
	}
	switch {
	case decl == "":
		return options.TypeUnspecified, false
	case strings.Contains(decl, "INT"):
		return options.TypeInt64, true
	case strings.Contains(decl, "CHAR"), strings.Contains(decl, "CLOB"), strings.Contains(decl, "TEXT"):
		return options.TypeUtf8, true
	case strings.Contains(decl, "REAL"), strings.Contains(decl, "FLOA"), strings.Contains(decl, "DOUB"):
		return options.TypeFloat64, true
	case strings.Contains(decl, "BOOL"):
		return options.TypeBool, true
	}
	return options.TypeUnspecified, false
}

// arrowType returns the interchange data type for t
func arrowType(t options.ArrowType) arrow.DataType {
	switch t {
	case options.TypeBool:
		return arrow.FixedWidthTypes.Boolean
	case options.TypeInt8:
		return arrow.PrimitiveTypes.Int8
	case options.TypeInt16:
		return arrow.PrimitiveTypes.Int16
	case options.TypeInt32:
		return arrow.PrimitiveTypes.Int32
	case options.TypeInt64:
		return arrow.PrimitiveTypes.Int64
	case options.TypeUint8:
		return arrow.PrimitiveTypes.Uint8
	case options.TypeUint16:
		return arrow.PrimitiveTypes.Uint16
	case options.TypeUint32:
		return arrow.PrimitiveTypes.Uint32
	case options.TypeUint64:
		return arrow.PrimitiveTypes.Uint64
	case options.TypeFloat32:
		return arrow.PrimitiveTypes.Float32
	case options.TypeFloat64:
		return arrow.PrimitiveTypes.Float64
	case options.TypeUtf8:
		return arrow.BinaryTypes.String
	case options.TypeLargeUtf8:
		return arrow.BinaryTypes.LargeString
	case options.TypeBinary:
		return arrow.BinaryTypes.Binary
	}
	return arrow.Null
}

// Column is a named, typed column of a table or a query result.
type Column struct {
	Name string
	Type options.ArrowType
}

// arrowSchema makes the interchange schema for columns, every field is nullable
func arrowSchema(cols []Column) *arrow.Schema {
	fields := make([]arrow.Field, len(cols))
	for i, c := range cols {
		fields[i] = arrow.Field{Name: c.Name, Type: arrowType(c.Type), Nullable: true}
	}
	return arrow.NewSchema(fields, nil)
}

// parseValue converts text to a value of type t, as stored in the catalog
func parseValue(s string, t options.ArrowType) (any, error) {
	switch t {
	case options.TypeNull:
		return nil, nil
	case options.TypeBool:
		v, err := strconv.ParseBool(strings.TrimSpace(s))
		if err != nil {
			return nil, fmt.Errorf("can't parse %q as bool", s)
		}
		return v, nil
	case options.TypeInt8, options.TypeInt16, options.TypeInt32, options.TypeInt64:
		v, err := strconv.ParseInt(strings.TrimSpace(s), 10, bitSize(t))
		if err != nil {
			return nil, fmt.Errorf("can't parse %q as %s", s, t)
		}
		return v, nil
	case options.TypeUint8, options.TypeUint16, options.TypeUint32, options.TypeUint64:
		v, err := strconv.ParseUint(strings.TrimSpace(s), 10, bitSize(t))
		if err != nil {
			return nil, fmt.Errorf("can't parse %q as %s", s, t)
		}
		return storeUint(v)
	case options.TypeFloat32, options.TypeFloat64:
		v, err := strconv.ParseFloat(strings.TrimSpace(s), bitSize(t))
		if err != nil {
			return nil, fmt.Errorf("can't parse %q as %s", s, t)
		}
		return v, nil
	case options.TypeBinary:
		return []byte(s), nil
	}
	return s, nil
}

// convertValue coerces a decoded value (json, parquet) to type t, as stored in the catalog
func convertValue(v any, t options.ArrowType) (any, error) {
	if v == nil || t == options.TypeNull {
		return nil, nil
	}
	switch val := v.(type) {
	case string:
		return parseValue(val, t)
	case []byte:
		if t == options.TypeBinary {
			return val, nil
		}
		return parseValue(string(val), t)
	}

	switch t {
	case options.TypeUtf8, options.TypeLargeUtf8:
		return formatValue(v), nil
	case options.TypeBinary:
		return []byte(formatValue(v)), nil
	case options.TypeBool:
		if b, ok := v.(bool); ok {
			return b, nil
		}
	case options.TypeFloat32, options.TypeFloat64:
		switch n := v.(type) {
		case float64:
			return n, nil
		case float32:
			return float64(n), nil
		case int64:
			return float64(n), nil
		case uint64:
			return float64(n), nil
		}
	default:
		if i, ok := toInt64(v); ok && fitsInt(i, t) {
			return storeIntAs(i, t)
		}
		if u, ok := v.(uint64); ok && t == options.TypeUint64 {
			return storeUint(u)
		}
	}
	return nil, fmt.Errorf("can't convert %v (%T) to %s", v, v, t)
}

// storeUint keeps the bit pattern, values above MaxInt64 wrap into the negative range
// of the signed storage and are restored by the typed reader
func storeUint(v uint64) (any, error) {
	return int64(v), nil //nolint:gosec // intentional wrap
}

func storeIntAs(i int64, t options.ArrowType) (any, error) {
	if isUnsigned(t) {
		return storeUint(uint64(i)) //nolint:gosec // range checked by fitsInt
	}
	return i, nil
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case int:
		return int64(n), true
	case uint64:
		if n <= math.MaxInt64 {
			return int64(n), true
		}
	case float64:
		if n == math.Trunc(n) && n >= math.MinInt64 && n <= math.MaxInt64 {
			return int64(n), true
		}
	case bool:
		if n {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func fitsInt(i int64, t options.ArrowType) bool {
	switch t {
	case options.TypeInt8:
		return i >= math.MinInt8 && i <= math.MaxInt8
	case options.TypeInt16:
		return i >= math.MinInt16 && i <= math.MaxInt16
	case options.TypeInt32:
		return i >= math.MinInt32 && i <= math.MaxInt32
	case options.TypeInt64:
		return true
	case options.TypeUint8:
		return i >= 0 && i <= math.MaxUint8
	case options.TypeUint16:
		return i >= 0 && i <= math.MaxUint16
	case options.TypeUint32:
		return i >= 0 && i <= math.MaxUint32
	case options.TypeUint64:
		return i >= 0
	}
	return false
}

func isUnsigned(t options.ArrowType) bool {
	return t == options.TypeUint8 || t == options.TypeUint16 || t == options.TypeUint32 || t == options.TypeUint64
}

func bitSize(t options.ArrowType) int {
	switch t {
	case options.TypeInt8, options.TypeUint8:
		return 8
	case options.TypeInt16, options.TypeUint16:
		return 16
	case options.TypeInt32, options.TypeUint32, options.TypeFloat32:
		return 32
	}
	return 64
}

// formatValue renders a catalog value as text
func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []byte:
		if bytes.ContainsFunc(val, func(r rune) bool { return r < 0x20 && r != '\t' && r != '\n' }) {
			return fmt.Sprintf("%x", val)
		}
		return string(val)
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', -1, 32)
	case int64:
		return strconv.FormatInt(val, 10)
	case bool:
		return strconv.FormatBool(val)
	}
	return fmt.Sprint(v)
}

// valueType returns the type of a value read from the catalog without a declared type
func valueType(v any) options.ArrowType {
	switch v.(type) {
	case nil:
		return options.TypeNull
	case int64:
		return options.TypeInt64
	case float64:
		return options.TypeFloat64
	case bool:
		return options.TypeBool
	case []byte:
		return options.TypeBinary
	}
	return options.TypeUtf8
}

// widen merges two inferred types: null yields to anything, ints widen to float, other mixes become text
func widen(a, b options.ArrowType) options.ArrowType {
	switch {
	case a == b:
		return a
	case a == options.TypeNull || a == options.TypeUnspecified:
		return b
	case b == options.TypeNull || b == options.TypeUnspecified:
		return a
	case a == options.TypeInt64 && b == options.TypeFloat64, a == options.TypeFloat64 && b == options.TypeInt64:
		return options.TypeFloat64
	}
	return options.TypeUtf8
}
