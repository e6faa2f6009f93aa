// Package options decodes option blobs received from the foreign caller into typed structs
// consumed by the engine. Blobs use the protobuf wire format, an empty blob means defaults.
// Any malformed field rejects the whole blob, nothing is applied partially.
package options

import "fmt"

// ArrowType names a column type of the columnar interchange format.
type ArrowType int32

// supported column types
const (
	TypeUnspecified ArrowType = iota
	TypeNull
	TypeBool
	TypeInt8
	TypeInt16
	TypeInt32
	TypeInt64
	TypeUint8
	TypeUint16
	TypeUint32
	TypeUint64
	TypeFloat32
	TypeFloat64
	TypeUtf8
	TypeLargeUtf8
	TypeBinary
)

var typeNames = map[ArrowType]string{
	TypeUnspecified: "unspecified", TypeNull: "null", TypeBool: "bool",
	TypeInt8: "int8", TypeInt16: "int16", TypeInt32: "int32", TypeInt64: "int64",
	TypeUint8: "uint8", TypeUint16: "uint16", TypeUint32: "uint32", TypeUint64: "uint64",
	TypeFloat32: "float32", TypeFloat64: "float64",
	TypeUtf8: "utf8", TypeLargeUtf8: "large_utf8", TypeBinary: "binary",
}

func (t ArrowType) String() string {
	if s, ok := typeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("ArrowType(%d)", int32(t))
}

// ParseArrowType returns the type for a name as printed by String.
func ParseArrowType(s string) (ArrowType, error) {
	for t, name := range typeNames {
		if name == s && t != TypeUnspecified {
			return t, nil
		}
	}
	return TypeUnspecified, fmt.Errorf("unknown arrow type %q", s)
}

func (t ArrowType) valid() bool { return t > TypeUnspecified && t <= TypeBinary }

// Compression is a file compression codec.
type Compression int32

// compression codecs, values follow the wire enum
const (
	CompressionGzip Compression = iota
	CompressionBzip2
	CompressionXz
	CompressionZstd
	CompressionNone
)

func (c Compression) String() string {
	switch c {
	case CompressionGzip:
		return "gzip"
	case CompressionBzip2:
		return "bzip2"
	case CompressionXz:
		return "xz"
	case CompressionZstd:
		return "zstd"
	case CompressionNone:
		return "uncompressed"
	}
	return fmt.Sprintf("Compression(%d)", int32(c))
}

// Extension returns the file suffix for compressed files, empty for uncompressed.
func (c Compression) Extension() string {
	switch c {
	case CompressionGzip:
		return ".gz"
	case CompressionBzip2:
		return ".bz2"
	case CompressionXz:
		return ".xz"
	case CompressionZstd:
		return ".zst"
	}
	return ""
}

// ParseCompression returns the codec for a name as printed by String, "none" and "" are accepted too.
func ParseCompression(s string) (Compression, error) {
	switch s {
	case "gzip", "gz":
		return CompressionGzip, nil
	case "bzip2", "bz2":
		return CompressionBzip2, nil
	case "xz":
		return CompressionXz, nil
	case "zstd", "zst":
		return CompressionZstd, nil
	case "uncompressed", "none", "":
		return CompressionNone, nil
	}
	return CompressionNone, fmt.Errorf("unknown compression %q", s)
}

func (c Compression) valid() bool { return c >= CompressionGzip && c <= CompressionNone }

// InsertOp defines how a write treats an existing target.
type InsertOp int32

// insert modes
const (
	InsertAppend InsertOp = iota
	InsertOverwrite
	InsertReplace
)

func (o InsertOp) String() string {
	switch o {
	case InsertAppend:
		return "append"
	case InsertOverwrite:
		return "overwrite"
	case InsertReplace:
		return "replace"
	}
	return fmt.Sprintf("InsertOp(%d)", int32(o))
}

// Field is a column of an explicit schema.
type Field struct {
	Name     string
	Type     ArrowType
	Nullable bool
}

// Schema is an explicit table schema replacing inference.
type Schema struct {
	Fields []Field
}

// PartitionColumn is a column derived from hive style directory names (col=value).
type PartitionColumn struct {
	Name string
	Type ArrowType
}

// SortExpr orders rows by a SQL expression.
type SortExpr struct {
	Expr       string
	Asc        bool
	NullsFirst bool
}

// SortOrder is a list of sort expressions applied in order.
type SortOrder []SortExpr

// CSVRead defines how csv files are read.
type CSVRead struct {
	HasHeader             bool
	Delimiter             byte
	Quote                 byte
	Terminator            byte // 0 means CRLF or LF
	Escape                byte // 0 means no escape character
	Comment               byte // 0 means no comment lines
	NewlinesInValues      bool
	Schema                *Schema
	SchemaInferMaxRecords int
	FileExtension         string // empty means ".csv" plus compression suffix
	PartitionCols         []PartitionColumn
	Compression           Compression
	FileSortOrder         []SortOrder
	NullRegex             string // empty means an empty unquoted field is null
	TruncatedRows         bool
}

// DefaultCSVRead returns csv read options used when the blob is empty.
func DefaultCSVRead() CSVRead {
	return CSVRead{HasHeader: true, Delimiter: ',', Quote: '"', SchemaInferMaxRecords: 1000, Compression: CompressionNone}
}

// Extension returns the extension files of the table must have.
func (o CSVRead) Extension() string {
	if o.FileExtension != "" {
		return o.FileExtension
	}
	return ".csv" + o.Compression.Extension()
}

// JSONRead defines how newline delimited json files are read.
type JSONRead struct {
	Schema                *Schema
	SchemaInferMaxRecords int
	FileExtension         string // empty means ".json" plus compression suffix
	PartitionCols         []PartitionColumn
	Compression           Compression
	FileSortOrder         []SortOrder
}

// DefaultJSONRead returns json read options used when the blob is empty.
func DefaultJSONRead() JSONRead {
	return JSONRead{SchemaInferMaxRecords: 1000, Compression: CompressionNone}
}

// Extension returns the extension files of the table must have.
func (o JSONRead) Extension() string {
	if o.FileExtension != "" {
		return o.FileExtension
	}
	return ".json" + o.Compression.Extension()
}

// DataFrameWrite defines how a query result is written to files.
type DataFrameWrite struct {
	InsertOp         InsertOp
	SingleFileOutput bool
	PartitionBy      []string
	SortBy           SortOrder
}

// CSVWrite defines the csv output format.
type CSVWrite struct {
	HasHeader   bool
	Delimiter   byte
	Quote       byte
	Escape      byte // 0 means quotes are doubled
	DoubleQuote bool
	NullValue   string
	Terminator  byte // 0 means LF
	Compression Compression
}

// DefaultCSVWrite returns csv write options used when the blob is empty.
func DefaultCSVWrite() CSVWrite {
	return CSVWrite{HasHeader: true, Delimiter: ',', Quote: '"', DoubleQuote: true, Compression: CompressionNone}
}

// JSONWrite defines the json output format.
type JSONWrite struct {
	Compression Compression
}

// DefaultJSONWrite returns json write options used when the blob is empty.
func DefaultJSONWrite() JSONWrite {
	return JSONWrite{Compression: CompressionNone}
}
