package options

import (
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// DecodeDataFrameWrite decodes write options shared by all output formats.
func DecodeDataFrameWrite(blob []byte) (DataFrameWrite, error) {
	res := DataFrameWrite{InsertOp: InsertAppend}
	fields, err := parse(blob)
	d := &decoder{msg: "dataframe_write_options"}
	if err != nil {
		d.fail("%v", err)
		return DataFrameWrite{}, d.result()
	}

	seen := map[string]bool{}
	for _, f := range fields {
		switch f.num {
		case 1:
			v, ok := d.uint(f, "insert_op")
			if !ok {
				continue
			}
			if v > math.MaxInt32 || InsertOp(int32(v)) > InsertReplace { //nolint:gosec // range checked
				d.fail("insert_op has unknown value %d", v)
				continue
			}
			res.InsertOp = InsertOp(int32(v)) //nolint:gosec // range checked above
		case 2:
			res.SingleFileOutput, _ = d.bool(f, "single_file_output")
		case 3:
			col, ok := d.str(f, "partition_by")
			if !ok {
				continue
			}
			if col == "" || seen[col] {
				d.fail("partition_by has empty or duplicated column %q", col)
				continue
			}
			seen[col] = true
			res.PartitionBy = append(res.PartitionBy, col)
		case 4:
			if so, ok := d.sortOrder(f, "sort_by"); ok {
				res.SortBy = so
			}
		}
	}
	if err := d.result(); err != nil {
		return DataFrameWrite{}, err
	}
	return res, nil
}

// DecodeCSVWrite decodes csv output format options.
func DecodeCSVWrite(blob []byte) (CSVWrite, error) {
	res := DefaultCSVWrite()
	fields, err := parse(blob)
	d := &decoder{msg: "csv_write_options"}
	if err != nil {
		d.fail("%v", err)
		return CSVWrite{}, d.result()
	}

	for _, f := range fields {
		switch f.num {
		case 1:
			if v, ok := d.bool(f, "has_header"); ok {
				res.HasHeader = v
			}
		case 2:
			if v, ok := d.oneByte(f, "delimiter"); ok {
				res.Delimiter = v
			}
		case 3:
			if v, ok := d.oneByte(f, "quote"); ok {
				res.Quote = v
			}
		case 4:
			if v, ok := d.oneByte(f, "escape"); ok {
				res.Escape = v
			}
		case 5:
			if v, ok := d.compression(f, "compression"); ok {
				res.Compression = v
			}
		case 12:
			if v, ok := d.str(f, "null_value"); ok {
				res.NullValue = v
			}
		case 15:
			if v, ok := d.bool(f, "double_quote"); ok {
				res.DoubleQuote = v
			}
		case 17:
			if v, ok := d.oneByte(f, "terminator"); ok {
				res.Terminator = v
			}
		}
	}
	if err := d.result(); err != nil {
		return CSVWrite{}, err
	}
	return res, nil
}

// DecodeJSONWrite decodes json output format options.
func DecodeJSONWrite(blob []byte) (JSONWrite, error) {
	res := DefaultJSONWrite()
	fields, err := parse(blob)
	d := &decoder{msg: "json_write_options"}
	if err != nil {
		d.fail("%v", err)
		return JSONWrite{}, d.result()
	}
	for _, f := range fields {
		if f.num == 1 {
			if v, ok := d.compression(f, "compression"); ok {
				res.Compression = v
			}
		}
	}
	if err := d.result(); err != nil {
		return JSONWrite{}, err
	}
	return res, nil
}

// Marshal encodes the options.
func (o DataFrameWrite) Marshal() []byte {
	var b []byte
	b = appendUint(b, 1, uint64(o.InsertOp)) //nolint:gosec // enum
	b = appendBool(b, 2, o.SingleFileOutput)
	for _, col := range o.PartitionBy {
		b = appendString(b, 3, col)
	}
	if len(o.SortBy) > 0 {
		b = appendBytes(b, 4, o.SortBy.marshal())
	}
	return b
}

// Marshal encodes the options.
func (o CSVWrite) Marshal() []byte {
	var b []byte
	b = appendBool(b, 1, o.HasHeader)
	b = appendByte(b, 2, o.Delimiter)
	b = appendByte(b, 3, o.Quote)
	if o.Escape != 0 {
		b = appendByte(b, 4, o.Escape)
	}
	b = appendUint(b, 5, uint64(o.Compression)) //nolint:gosec // enum
	if o.NullValue != "" {
		b = appendString(b, 12, o.NullValue)
	}
	b = appendBool(b, 15, o.DoubleQuote)
	if o.Terminator != 0 {
		b = appendByte(b, 17, o.Terminator)
	}
	return b
}

// Marshal encodes the options.
func (o JSONWrite) Marshal() []byte {
	return appendUint(nil, protowire.Number(1), uint64(o.Compression)) //nolint:gosec // enum
}
