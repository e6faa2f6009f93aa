package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"

	jsoniter "github.com/json-iterator/go"

	"github.com/umputun/qbridge/pkg/options"
)

var jsonAPI = jsoniter.Config{UseNumber: true, EscapeHTML: false, SortMapKeys: true}.Froze()

// jsonRecord keeps keys of an object in the order they appear
type jsonRecord struct {
	keys []string
	vals map[string]any
}

// readJSON reads newline delimited json objects. Numbers are kept as json.Number,
// nested arrays and objects are kept as their json text.
func readJSON(r io.Reader) ([]jsonRecord, error) {
	iter := jsoniter.Parse(jsonAPI, r, 64*1024)
	var res []jsonRecord
	for n := 1; ; n++ {
		vt := iter.WhatIsNext()
		if vt == jsoniter.InvalidValue {
			if errors.Is(iter.Error, io.EOF) {
				break
			}
			if iter.Error != nil {
				return nil, fmt.Errorf("record %d: %w", n, iter.Error)
			}
			return nil, fmt.Errorf("record %d: invalid json", n)
		}
		if vt != jsoniter.ObjectValue {
			return nil, fmt.Errorf("record %d: expected json object, got %s", n, jsonKind(vt))
		}

		rec := jsonRecord{vals: map[string]any{}}
		iter.ReadMapCB(func(it *jsoniter.Iterator, key string) bool {
			v := it.Read()
			switch val := v.(type) {
			case map[string]any, []any:
				s, err := jsonAPI.MarshalToString(val)
				if err != nil {
					it.ReportError("marshal nested", err.Error())
					return false
				}
				v = s
			}
			if _, dup := rec.vals[key]; !dup {
				rec.keys = append(rec.keys, key)
			}
			rec.vals[key] = v
			return true
		})
		if iter.Error != nil && !errors.Is(iter.Error, io.EOF) {
			return nil, fmt.Errorf("record %d: %w", n, iter.Error)
		}
		res = append(res, rec)
	}
	return res, nil
}

// inferJSONColumns returns the union of keys in order of first appearance with their widened types
func inferJSONColumns(records []jsonRecord, limit int) []Column {
	var res []Column
	idx := map[string]int{}
	for n, rec := range records {
		for _, k := range rec.keys {
			i, ok := idx[k]
			if !ok {
				i = len(res)
				idx[k] = i
				res = append(res, Column{Name: k, Type: options.TypeNull})
			}
			if n < limit {
				res[i].Type = widen(res[i].Type, jsonValueType(rec.vals[k]))
			}
		}
	}
	if limit == 0 {
		for i := range res {
			res[i].Type = options.TypeUtf8
		}
	}
	return res
}

func jsonValueType(v any) options.ArrowType {
	switch val := v.(type) {
	case nil:
		return options.TypeNull
	case bool:
		return options.TypeBool
	case json.Number:
		if _, err := val.Int64(); err == nil {
			return options.TypeInt64
		}
		return options.TypeFloat64
	}
	return options.TypeUtf8
}

// jsonValue converts a decoded json value to a catalog value of type t
func jsonValue(v any, t options.ArrowType) (any, error) {
	if num, ok := v.(json.Number); ok {
		if i, err := num.Int64(); err == nil && t != options.TypeUtf8 && t != options.TypeLargeUtf8 {
			return convertValue(i, t)
		}
		return parseValue(num.String(), t)
	}
	return convertValue(v, t)
}

func jsonKind(vt jsoniter.ValueType) string {
	switch vt {
	case jsoniter.StringValue:
		return "string"
	case jsoniter.NumberValue:
		return "number"
	case jsoniter.NilValue:
		return "null"
	case jsoniter.BoolValue:
		return "bool"
	case jsoniter.ArrayValue:
		return "array"
	}
	return "invalid value"
}
