package options

import (
	"fmt"
	"math"
	"regexp"

	"google.golang.org/protobuf/encoding/protowire"
)

// Param is a named query parameter, referenced as $name in the query text.
type Param struct {
	Name  string
	Value any
}

// Params holds query parameters, either named or positional ($1, $2, ...), never both.
// Values are nil, bool, int8..int64, uint8..uint64, float32, float64, string or []byte.
type Params struct {
	Named      []Param
	Positional []any
}

// Empty reports whether there are no parameters.
func (p Params) Empty() bool { return len(p.Named) == 0 && len(p.Positional) == 0 }

var paramNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// scalar value variants
const (
	scalarNull    protowire.Number = 1
	scalarBool    protowire.Number = 2
	scalarInt8    protowire.Number = 3
	scalarInt16   protowire.Number = 4
	scalarInt32   protowire.Number = 5
	scalarInt64   protowire.Number = 6
	scalarUint8   protowire.Number = 7
	scalarUint16  protowire.Number = 8
	scalarUint32  protowire.Number = 9
	scalarUint64  protowire.Number = 10
	scalarFloat32 protowire.Number = 11
	scalarFloat64 protowire.Number = 12
	scalarUtf8    protowire.Number = 13
	scalarBinary  protowire.Number = 14
)

// DecodeParams decodes query parameters, an empty blob means no parameters.
func DecodeParams(blob []byte) (Params, error) {
	res := Params{}
	fields, err := parse(blob)
	d := &decoder{msg: "sql_parameters"}
	if err != nil {
		d.fail("%v", err)
		return Params{}, d.result()
	}

	seen := map[string]bool{}
	for _, f := range fields {
		switch f.num {
		case 1:
			d.nested(f, "named", func(sub *decoder, nf []field) {
				p := Param{}
				hasValue := false
				for _, ff := range nf {
					switch ff.num {
					case 1:
						p.Name, _ = sub.str(ff, "name")
					case 2:
						hasValue = true
						sub.nested(ff, "value", func(vd *decoder, vf []field) { p.Value = vd.scalar(vf) })
					}
				}
				if !paramNameRe.MatchString(p.Name) {
					sub.fail("name %q is not a valid parameter name", p.Name)
					return
				}
				if seen[p.Name] {
					sub.fail("name %q is duplicated", p.Name)
					return
				}
				if !hasValue {
					sub.fail("%s has no value", p.Name)
					return
				}
				seen[p.Name] = true
				res.Named = append(res.Named, p)
			})
		case 2:
			d.nested(f, "positional", func(sub *decoder, vf []field) {
				res.Positional = append(res.Positional, sub.scalar(vf))
			})
		}
	}
	if len(res.Named) > 0 && len(res.Positional) > 0 {
		d.fail("named and positional parameters can't be mixed")
	}
	if err := d.result(); err != nil {
		return Params{}, err
	}
	return res, nil
}

// scalar decodes a single value message, the last variant wins as in protobuf oneof
func (d *decoder) scalar(fields []field) any {
	var res any
	found := false
	for _, f := range fields {
		switch f.num {
		case scalarNull:
			if _, ok := d.bool(f, "null_value"); ok {
				res, found = nil, true
			}
		case scalarBool:
			if v, ok := d.bool(f, "bool_value"); ok {
				res, found = v, true
			}
		case scalarInt8, scalarInt16, scalarInt32:
			v, ok := d.uint(f, "int_value")
			if !ok {
				continue
			}
			n := protowire.DecodeZigZag(v & math.MaxUint32)
			switch f.num {
			case scalarInt8:
				if n < math.MinInt8 || n > math.MaxInt8 {
					d.fail("int8_value %d out of range", n)
					continue
				}
				res = int8(n)
			case scalarInt16:
				if n < math.MinInt16 || n > math.MaxInt16 {
					d.fail("int16_value %d out of range", n)
					continue
				}
				res = int16(n)
			default:
				res = int32(n) //nolint:gosec // zigzag of 32 bits
			}
			found = true
		case scalarInt64:
			if v, ok := d.uint(f, "int64_value"); ok {
				res, found = protowire.DecodeZigZag(v), true
			}
		case scalarUint8, scalarUint16, scalarUint32:
			v, ok := d.uint(f, "uint_value")
			if !ok {
				continue
			}
			switch {
			case f.num == scalarUint8 && v <= math.MaxUint8:
				res = uint8(v)
			case f.num == scalarUint16 && v <= math.MaxUint16:
				res = uint16(v)
			case f.num == scalarUint32 && v <= math.MaxUint32:
				res = uint32(v)
			default:
				d.fail("unsigned value %d out of range for field %d", v, f.num)
				continue
			}
			found = true
		case scalarUint64:
			if v, ok := d.uint(f, "uint64_value"); ok {
				res, found = v, true
			}
		case scalarFloat32:
			if d.want(f, "float32_value", protowire.Fixed32Type) {
				res, found = math.Float32frombits(uint32(f.v)), true //nolint:gosec // fixed32
			}
		case scalarFloat64:
			if d.want(f, "float64_value", protowire.Fixed64Type) {
				res, found = math.Float64frombits(f.v), true
			}
		case scalarUtf8:
			if v, ok := d.str(f, "utf8_value"); ok {
				res, found = v, true
			}
		case scalarBinary:
			if d.want(f, "binary_value", protowire.BytesType) {
				res, found = append([]byte{}, f.b...), true
			}
		}
	}
	if !found {
		d.fail("value is empty")
	}
	return res
}

// Marshal encodes the parameters.
func (p Params) Marshal() ([]byte, error) {
	var b []byte
	for _, np := range p.Named {
		vb, err := marshalScalar(np.Value)
		if err != nil {
			return nil, fmt.Errorf("can't encode parameter %s: %w", np.Name, err)
		}
		var nb []byte
		nb = appendString(nb, 1, np.Name)
		nb = appendBytes(nb, 2, vb)
		b = appendBytes(b, 1, nb)
	}
	for i, v := range p.Positional {
		vb, err := marshalScalar(v)
		if err != nil {
			return nil, fmt.Errorf("can't encode parameter $%d: %w", i+1, err)
		}
		b = appendBytes(b, 2, vb)
	}
	return b, nil
}

func marshalScalar(v any) ([]byte, error) {
	var b []byte
	sint := func(num protowire.Number, n int64) []byte {
		return appendUint(b, num, protowire.EncodeZigZag(n))
	}
	switch val := v.(type) {
	case nil:
		return appendBool(b, scalarNull, true), nil
	case bool:
		return appendBool(b, scalarBool, val), nil
	case int8:
		return sint(scalarInt8, int64(val)), nil
	case int16:
		return sint(scalarInt16, int64(val)), nil
	case int32:
		return sint(scalarInt32, int64(val)), nil
	case int64:
		return sint(scalarInt64, val), nil
	case int:
		return sint(scalarInt64, int64(val)), nil
	case uint8:
		return appendUint(b, scalarUint8, uint64(val)), nil
	case uint16:
		return appendUint(b, scalarUint16, uint64(val)), nil
	case uint32:
		return appendUint(b, scalarUint32, uint64(val)), nil
	case uint64:
		return appendUint(b, scalarUint64, val), nil
	case uint:
		return appendUint(b, scalarUint64, uint64(val)), nil
	case float32:
		b = protowire.AppendTag(b, scalarFloat32, protowire.Fixed32Type)
		return protowire.AppendFixed32(b, math.Float32bits(val)), nil
	case float64:
		b = protowire.AppendTag(b, scalarFloat64, protowire.Fixed64Type)
		return protowire.AppendFixed64(b, math.Float64bits(val)), nil
	case string:
		return appendString(b, scalarUtf8, val), nil
	case []byte:
		return appendBytes(b, scalarBinary, val), nil
	}
	return nil, fmt.Errorf("unsupported parameter type %T", v)
}
