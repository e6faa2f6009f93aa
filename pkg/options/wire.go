package options

import (
	"fmt"
	"math"

	"github.com/hashicorp/go-multierror"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/umputun/qbridge/pkg/bridge"
)

// field is a single decoded wire field
type field struct {
	num protowire.Number
	typ protowire.Type
	v   uint64
	b   []byte
}

// parse splits a message into fields. Groups are skipped.
func parse(b []byte) ([]field, error) {
	var res []field
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("bad tag: %w", protowire.ParseError(n))
		}
		b = b[n:]
		f := field{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.v, n = protowire.ConsumeVarint(b)
		case protowire.Fixed32Type:
			var v uint32
			v, n = protowire.ConsumeFixed32(b)
			f.v = uint64(v)
		case protowire.Fixed64Type:
			f.v, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			f.b, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
			if n >= 0 {
				b = b[n:]
				continue
			}
		}
		if n < 0 {
			return nil, fmt.Errorf("bad field %d: %w", num, protowire.ParseError(n))
		}
		b = b[n:]
		res = append(res, f)
	}
	return res, nil
}

// decoder collects per-field errors of one message
type decoder struct {
	msg  string
	errs *multierror.Error
}

func (d *decoder) fail(format string, args ...any) {
	d.errs = multierror.Append(d.errs, fmt.Errorf(d.msg+"."+format, args...))
}

// result wraps collected errors as a single invalid argument error
func (d *decoder) result() error {
	if err := d.errs.ErrorOrNil(); err != nil {
		return bridge.Wrap(bridge.CodeInvalidArgument, fmt.Errorf("can't decode %s: %w", d.msg, err))
	}
	return nil
}

func (d *decoder) want(f field, name string, typ protowire.Type) bool {
	if f.typ != typ {
		d.fail("%s has wire type %d, expected %d", name, f.typ, typ)
		return false
	}
	return true
}

func (d *decoder) bool(f field, name string) (bool, bool) {
	if !d.want(f, name, protowire.VarintType) {
		return false, false
	}
	return protowire.DecodeBool(f.v), true
}

func (d *decoder) uint(f field, name string) (uint64, bool) {
	if !d.want(f, name, protowire.VarintType) {
		return 0, false
	}
	return f.v, true
}

func (d *decoder) int(f field, name string) (int, bool) {
	v, ok := d.uint(f, name)
	if !ok {
		return 0, false
	}
	if v > math.MaxInt32 {
		d.fail("%s is too large: %d", name, v)
		return 0, false
	}
	return int(v), true
}

func (d *decoder) str(f field, name string) (string, bool) {
	if !d.want(f, name, protowire.BytesType) {
		return "", false
	}
	return string(f.b), true
}

func (d *decoder) oneByte(f field, name string) (byte, bool) {
	if !d.want(f, name, protowire.BytesType) {
		return 0, false
	}
	if len(f.b) != 1 {
		d.fail("%s must contain exactly one byte, got %d", name, len(f.b))
		return 0, false
	}
	return f.b[0], true
}

func (d *decoder) compression(f field, name string) (Compression, bool) {
	v, ok := d.uint(f, name)
	if !ok {
		return CompressionNone, false
	}
	c := Compression(int32(v)) //nolint:gosec // range checked below
	if v > math.MaxInt32 || !c.valid() {
		d.fail("%s has unknown compression %d", name, v)
		return CompressionNone, false
	}
	return c, true
}

func (d *decoder) arrowType(f field, name string) (ArrowType, bool) {
	v, ok := d.uint(f, name)
	if !ok {
		return TypeUnspecified, false
	}
	t := ArrowType(int32(v)) //nolint:gosec // range checked below
	if v == 0 {
		d.fail("%s is missing arrow type", name)
		return TypeUnspecified, false
	}
	if v > math.MaxInt32 || !t.valid() {
		d.fail("%s has unknown arrow type %d", name, v)
		return TypeUnspecified, false
	}
	return t, true
}

// nested decodes an embedded message with fn, errors are reported under the parent's name
func (d *decoder) nested(f field, name string, fn func(sub *decoder, fields []field)) {
	if !d.want(f, name, protowire.BytesType) {
		return
	}
	fields, err := parse(f.b)
	if err != nil {
		d.fail("%s: %v", name, err)
		return
	}
	sub := &decoder{msg: d.msg + "." + name}
	fn(sub, fields)
	if sub.errs != nil {
		d.errs = multierror.Append(d.errs, sub.errs.Errors...)
	}
}

func appendBool(b []byte, num protowire.Number, v bool) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeBool(v))
}

func appendUint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendString(b []byte, num protowire.Number, v string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendByte(b []byte, num protowire.Number, v byte) []byte {
	return appendBytes(b, num, []byte{v})
}
