package options

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/qbridge/pkg/bridge"
)

func TestDecodeDataFrameWrite(t *testing.T) {
	res, err := DecodeDataFrameWrite(nil)
	require.NoError(t, err)
	assert.Equal(t, DataFrameWrite{InsertOp: InsertAppend}, res)

	src := DataFrameWrite{
		InsertOp:         InsertOverwrite,
		SingleFileOutput: true,
		PartitionBy:      []string{"category", "year"},
		SortBy:           SortOrder{{Expr: "price", Asc: false, NullsFirst: true}},
	}
	res, err = DecodeDataFrameWrite(src.Marshal())
	require.NoError(t, err)
	assert.Equal(t, src, res)

	t.Run("invalid", func(t *testing.T) {
		tbl := [][]byte{
			appendUint(nil, 1, 7),
			appendString(appendString(nil, 3, "a"), 3, "a"),
			appendString(nil, 3, ""),
		}
		for _, blob := range tbl {
			_, err := DecodeDataFrameWrite(blob)
			assert.Equal(t, bridge.CodeInvalidArgument, bridge.CodeOf(err, bridge.CodeOk))
		}
	})
}

func TestDecodeCSVWrite(t *testing.T) {
	res, err := DecodeCSVWrite(nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultCSVWrite(), res)

	src := CSVWrite{HasHeader: false, Delimiter: '\t', Quote: '"', Escape: '\\', DoubleQuote: false,
		NullValue: "NULL", Terminator: '\r', Compression: CompressionXz}
	res, err = DecodeCSVWrite(src.Marshal())
	require.NoError(t, err)
	assert.Equal(t, src, res)

	_, err = DecodeCSVWrite(appendBytes(nil, 2, []byte("::")))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "delimiter must contain exactly one byte")
}

func TestDecodeJSONWrite(t *testing.T) {
	res, err := DecodeJSONWrite(JSONWrite{Compression: CompressionGzip}.Marshal())
	require.NoError(t, err)
	assert.Equal(t, CompressionGzip, res.Compression)

	res, err = DecodeJSONWrite(nil)
	require.NoError(t, err)
	assert.Equal(t, CompressionNone, res.Compression)
}
