package options

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/qbridge/pkg/bridge"
)

func TestDecodeParams(t *testing.T) {
	res, err := DecodeParams(nil)
	require.NoError(t, err)
	assert.True(t, res.Empty())

	t.Run("named", func(t *testing.T) {
		src := Params{Named: []Param{
			{Name: "id", Value: int64(-42)},
			{Name: "small", Value: int8(-3)},
			{Name: "mid", Value: int16(1000)},
			{Name: "word", Value: int32(-70000)},
			{Name: "u8", Value: uint8(200)},
			{Name: "u16", Value: uint16(60000)},
			{Name: "u32", Value: uint32(4000000000)},
			{Name: "big", Value: uint64(1 << 63)},
			{Name: "ratio", Value: float32(0.5)},
			{Name: "price", Value: 12.25},
			{Name: "name", Value: "hello"},
			{Name: "raw", Value: []byte{1, 2}},
			{Name: "flag", Value: true},
			{Name: "nothing", Value: nil},
		}}
		blob, err := src.Marshal()
		require.NoError(t, err)
		res, err := DecodeParams(blob)
		require.NoError(t, err)
		assert.Equal(t, src, res)
	})

	t.Run("positional", func(t *testing.T) {
		src := Params{Positional: []any{"a", int64(2), nil}}
		blob, err := src.Marshal()
		require.NoError(t, err)
		res, err := DecodeParams(blob)
		require.NoError(t, err)
		assert.Equal(t, src, res)
	})
}

func TestDecodeParams_Invalid(t *testing.T) {
	named := func(name string, v any) []byte {
		vb, err := marshalScalar(v)
		require.NoError(t, err)
		return appendBytes(nil, 1, appendBytes(appendString(nil, 1, name), 2, vb))
	}

	tbl := []struct {
		name string
		blob []byte
		msg  string
	}{
		{"empty name", named("", int64(1)), "not a valid parameter name"},
		{"blank name", named("  ", int64(1)), "not a valid parameter name"},
		{"dollar prefix", named("$id", int64(1)), "not a valid parameter name"},
		{"duplicate", append(named("id", int64(1)), named("id", int64(2))...), "duplicated"},
		{"no value", appendBytes(nil, 1, appendString(nil, 1, "id")), "has no value"},
		{"empty value", appendBytes(nil, 1, appendBytes(appendString(nil, 1, "id"), 2, nil)), "value is empty"},
		{"int8 out of range", appendBytes(nil, 2, appendUint(nil, scalarInt8, 1000)), "out of range"},
		{"uint8 out of range", appendBytes(nil, 2, appendUint(nil, scalarUint8, 300)), "out of range"},
		{"mixed", append(named("id", int64(1)), appendBytes(nil, 2, appendBool(nil, scalarBool, true))...), "can't be mixed"},
	}
	for _, tt := range tbl {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeParams(tt.blob)
			require.Error(t, err)
			assert.Equal(t, bridge.CodeInvalidArgument, bridge.CodeOf(err, bridge.CodeOk))
			assert.Contains(t, err.Error(), tt.msg)
		})
	}
}

func TestParams_MarshalUnsupported(t *testing.T) {
	_, err := Params{Named: []Param{{Name: "x", Value: struct{}{}}}}.Marshal()
	assert.Error(t, err)
}
