package options

import (
	"regexp"

	"google.golang.org/protobuf/encoding/protowire"
)

// csv read options field numbers
const (
	csvHasHeader        protowire.Number = 1
	csvDelimiter        protowire.Number = 2
	csvQuote            protowire.Number = 3
	csvTerminator       protowire.Number = 4
	csvEscape           protowire.Number = 5
	csvComment          protowire.Number = 6
	csvNewlinesInValues protowire.Number = 7
	csvSchema           protowire.Number = 8
	csvInferMaxRecords  protowire.Number = 9
	csvFileExtension    protowire.Number = 10
	csvPartitionCols    protowire.Number = 11
	csvCompression      protowire.Number = 12
	csvFileSortOrder    protowire.Number = 13
	csvNullRegex        protowire.Number = 14
	csvTruncatedRows    protowire.Number = 15
)

// json read options field numbers
const (
	jsonSchema          protowire.Number = 1
	jsonInferMaxRecords protowire.Number = 2
	jsonFileExtension   protowire.Number = 3
	jsonPartitionCols   protowire.Number = 4
	jsonCompression     protowire.Number = 5
	jsonFileSortOrder   protowire.Number = 6
)

// DecodeCSVRead decodes csv read options, an empty blob returns defaults.
func DecodeCSVRead(blob []byte) (CSVRead, error) {
	res := DefaultCSVRead()
	fields, err := parse(blob)
	d := &decoder{msg: "csv_read_options"}
	if err != nil {
		d.fail("%v", err)
		return CSVRead{}, d.result()
	}

	for _, f := range fields {
		switch f.num {
		case csvHasHeader:
			if v, ok := d.bool(f, "has_header"); ok {
				res.HasHeader = v
			}
		case csvDelimiter:
			if v, ok := d.oneByte(f, "delimiter"); ok {
				res.Delimiter = v
			}
		case csvQuote:
			if v, ok := d.oneByte(f, "quote"); ok {
				res.Quote = v
			}
		case csvTerminator:
			if v, ok := d.oneByte(f, "terminator"); ok {
				res.Terminator = v
			}
		case csvEscape:
			if v, ok := d.oneByte(f, "escape"); ok {
				res.Escape = v
			}
		case csvComment:
			if v, ok := d.oneByte(f, "comment"); ok {
				res.Comment = v
			}
		case csvNewlinesInValues:
			if v, ok := d.bool(f, "newlines_in_values"); ok {
				res.NewlinesInValues = v
			}
		case csvSchema:
			res.Schema = d.schema(f, "schema")
		case csvInferMaxRecords:
			if v, ok := d.int(f, "schema_infer_max_records"); ok {
				res.SchemaInferMaxRecords = v
			}
		case csvFileExtension:
			if v, ok := d.str(f, "file_extension"); ok {
				res.FileExtension = v
			}
		case csvPartitionCols:
			if pc, ok := d.partitionColumn(f, "table_partition_cols"); ok {
				res.PartitionCols = append(res.PartitionCols, pc)
			}
		case csvCompression:
			if v, ok := d.compression(f, "file_compression_type"); ok {
				res.Compression = v
			}
		case csvFileSortOrder:
			if so, ok := d.sortOrder(f, "file_sort_order"); ok {
				res.FileSortOrder = append(res.FileSortOrder, so)
			}
		case csvNullRegex:
			if v, ok := d.str(f, "null_regex"); ok {
				if _, err := regexp.Compile(v); err != nil {
					d.fail("null_regex is not a valid expression: %v", err)
					continue
				}
				res.NullRegex = v
			}
		case csvTruncatedRows:
			if v, ok := d.bool(f, "truncated_rows"); ok {
				res.TruncatedRows = v
			}
		}
	}
	d.checkPartitions(res.PartitionCols, res.Schema)
	if err := d.result(); err != nil {
		return CSVRead{}, err
	}
	return res, nil
}

// DecodeJSONRead decodes json read options, an empty blob returns defaults.
func DecodeJSONRead(blob []byte) (JSONRead, error) {
	res := DefaultJSONRead()
	fields, err := parse(blob)
	d := &decoder{msg: "json_read_options"}
	if err != nil {
		d.fail("%v", err)
		return JSONRead{}, d.result()
	}

	for _, f := range fields {
		switch f.num {
		case jsonSchema:
			res.Schema = d.schema(f, "schema")
		case jsonInferMaxRecords:
			if v, ok := d.int(f, "schema_infer_max_records"); ok {
				res.SchemaInferMaxRecords = v
			}
		case jsonFileExtension:
			if v, ok := d.str(f, "file_extension"); ok {
				res.FileExtension = v
			}
		case jsonPartitionCols:
			if pc, ok := d.partitionColumn(f, "table_partition_cols"); ok {
				res.PartitionCols = append(res.PartitionCols, pc)
			}
		case jsonCompression:
			if v, ok := d.compression(f, "file_compression_type"); ok {
				res.Compression = v
			}
		case jsonFileSortOrder:
			if so, ok := d.sortOrder(f, "file_sort_order"); ok {
				res.FileSortOrder = append(res.FileSortOrder, so)
			}
		}
	}
	d.checkPartitions(res.PartitionCols, res.Schema)
	if err := d.result(); err != nil {
		return JSONRead{}, err
	}
	return res, nil
}

// Marshal encodes the options, the result decodes back to the same value.
func (o CSVRead) Marshal() []byte {
	var b []byte
	b = appendBool(b, csvHasHeader, o.HasHeader)
	b = appendByte(b, csvDelimiter, o.Delimiter)
	b = appendByte(b, csvQuote, o.Quote)
	if o.Terminator != 0 {
		b = appendByte(b, csvTerminator, o.Terminator)
	}
	if o.Escape != 0 {
		b = appendByte(b, csvEscape, o.Escape)
	}
	if o.Comment != 0 {
		b = appendByte(b, csvComment, o.Comment)
	}
	b = appendBool(b, csvNewlinesInValues, o.NewlinesInValues)
	if o.Schema != nil {
		b = appendBytes(b, csvSchema, o.Schema.marshal())
	}
	b = appendUint(b, csvInferMaxRecords, uint64(o.SchemaInferMaxRecords)) //nolint:gosec // never negative
	if o.FileExtension != "" {
		b = appendString(b, csvFileExtension, o.FileExtension)
	}
	for _, pc := range o.PartitionCols {
		b = appendBytes(b, csvPartitionCols, pc.marshal())
	}
	b = appendUint(b, csvCompression, uint64(o.Compression)) //nolint:gosec // enum
	for _, so := range o.FileSortOrder {
		b = appendBytes(b, csvFileSortOrder, so.marshal())
	}
	if o.NullRegex != "" {
		b = appendString(b, csvNullRegex, o.NullRegex)
	}
	return appendBool(b, csvTruncatedRows, o.TruncatedRows)
}

// Marshal encodes the options, the result decodes back to the same value.
func (o JSONRead) Marshal() []byte {
	var b []byte
	if o.Schema != nil {
		b = appendBytes(b, jsonSchema, o.Schema.marshal())
	}
	b = appendUint(b, jsonInferMaxRecords, uint64(o.SchemaInferMaxRecords)) //nolint:gosec // never negative
	if o.FileExtension != "" {
		b = appendString(b, jsonFileExtension, o.FileExtension)
	}
	for _, pc := range o.PartitionCols {
		b = appendBytes(b, jsonPartitionCols, pc.marshal())
	}
	b = appendUint(b, jsonCompression, uint64(o.Compression)) //nolint:gosec // enum
	for _, so := range o.FileSortOrder {
		b = appendBytes(b, jsonFileSortOrder, so.marshal())
	}
	return b
}

func (d *decoder) schema(f field, name string) *Schema {
	res := &Schema{}
	d.nested(f, name, func(sub *decoder, fields []field) {
		seen := map[string]bool{}
		for _, ff := range fields {
			if ff.num != 1 {
				continue
			}
			sub.nested(ff, "columns", func(fd *decoder, cols []field) {
				col := Field{}
				for _, c := range cols {
					switch c.num {
					case 1:
						col.Name, _ = fd.str(c, "name")
					case 2:
						col.Type, _ = fd.arrowType(c, "arrow_type")
					case 3:
						col.Nullable, _ = fd.bool(c, "nullable")
					}
				}
				if col.Name == "" {
					fd.fail("name is empty")
					return
				}
				if col.Type == TypeUnspecified {
					fd.fail("%s is missing arrow type", col.Name)
					return
				}
				if seen[col.Name] {
					fd.fail("%s is duplicated", col.Name)
					return
				}
				seen[col.Name] = true
				res.Fields = append(res.Fields, col)
			})
		}
	})
	if len(res.Fields) == 0 {
		d.fail("%s has no columns", name)
	}
	return res
}

func (d *decoder) partitionColumn(f field, name string) (PartitionColumn, bool) {
	res := PartitionColumn{}
	ok := true
	d.nested(f, name, func(sub *decoder, fields []field) {
		for _, ff := range fields {
			switch ff.num {
			case 1:
				res.Name, _ = sub.str(ff, "name")
			case 2:
				res.Type, _ = sub.arrowType(ff, "arrow_type")
			}
		}
		if res.Name == "" {
			sub.fail("name is empty")
			ok = false
		}
		if res.Type == TypeUnspecified {
			sub.fail("%s is missing arrow type", res.Name)
			ok = false
		}
	})
	return res, ok
}

func (d *decoder) sortOrder(f field, name string) (SortOrder, bool) {
	var res SortOrder
	ok := true
	d.nested(f, name, func(sub *decoder, fields []field) {
		for _, ff := range fields {
			if ff.num != 1 {
				continue
			}
			sub.nested(ff, "sort_expr_nodes", func(sd *decoder, exprFields []field) {
				se := SortExpr{}
				for _, ef := range exprFields {
					switch ef.num {
					case 1:
						se.Expr, _ = sd.str(ef, "expr")
					case 2:
						se.Asc, _ = sd.bool(ef, "asc")
					case 3:
						se.NullsFirst, _ = sd.bool(ef, "nulls_first")
					}
				}
				if se.Expr == "" {
					sd.fail("expr is empty")
					ok = false
					return
				}
				res = append(res, se)
			})
		}
	})
	return res, ok && d.errs == nil
}

// checkPartitions rejects duplicated partition columns and ones clashing with the explicit schema
func (d *decoder) checkPartitions(cols []PartitionColumn, schema *Schema) {
	seen := map[string]bool{}
	if schema != nil {
		for _, f := range schema.Fields {
			seen[f.Name] = true
		}
	}
	for _, pc := range cols {
		if seen[pc.Name] {
			d.fail("table_partition_cols has duplicated column %s", pc.Name)
		}
		seen[pc.Name] = true
	}
}

func (s Schema) marshal() []byte {
	var b []byte
	for _, f := range s.Fields {
		var fb []byte
		fb = appendString(fb, 1, f.Name)
		fb = appendUint(fb, 2, uint64(f.Type)) //nolint:gosec // enum
		fb = appendBool(fb, 3, f.Nullable)
		b = appendBytes(b, 1, fb)
	}
	return b
}

func (p PartitionColumn) marshal() []byte {
	var b []byte
	b = appendString(b, 1, p.Name)
	return appendUint(b, 2, uint64(p.Type)) //nolint:gosec // enum
}

func (s SortOrder) marshal() []byte {
	var b []byte
	for _, e := range s {
		var eb []byte
		eb = appendString(eb, 1, e.Expr)
		eb = appendBool(eb, 2, e.Asc)
		eb = appendBool(eb, 3, e.NullsFirst)
		b = appendBytes(b, 1, eb)
	}
	return b
}
