package engine

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/umputun/qbridge/pkg/options"
)

func TestPlan_ToString(t *testing.T) {
	c := newTestContext(t)
	ctx := context.Background()
	require.NoError(t, c.RegisterCSV(ctx, "people", "testdata/people.csv", options.DefaultCSVRead()))
	p, err := c.SQL(ctx, "SELECT * FROM people ORDER BY id", options.Params{})
	require.NoError(t, err)

	out, err := p.ToString(ctx)
	require.NoError(t, err)
	lines := strings.Split(out, "\n")
	require.Len(t, lines, 7, out)
	assert.True(t, strings.HasPrefix(lines[0], "+-"), out)
	for _, s := range []string{" id ", " name ", " age ", " score ", " alice ", " carol, jr ", " 1.5 "} {
		assert.Contains(t, out, s)
	}
	assert.Contains(t, lines[4], " bob ")

	again, err := p.ToString(ctx)
	require.NoError(t, err)
	assert.Equal(t, out, again)
}

func TestPlan_Show(t *testing.T) {
	var buf bytes.Buffer
	c, err := NewContext(Config{ShowWriter: &buf})
	require.NoError(t, err)
	defer c.Release()
	ctx := context.Background()
	require.NoError(t, c.RegisterCSV(ctx, "people", "testdata/people.csv", options.DefaultCSVRead()))
	p, err := c.SQL(ctx, "SELECT name FROM people ORDER BY id", options.Params{})
	require.NoError(t, err)

	require.NoError(t, p.Show(ctx, 1))
	assert.Contains(t, buf.String(), "alice")
	assert.NotContains(t, buf.String(), "bob")
	assert.True(t, strings.HasSuffix(buf.String(), "\n"))

	buf.Reset()
	require.NoError(t, p.Show(ctx, 0))
	assert.Contains(t, buf.String(), "carol, jr")
}

func TestPlan_RenderEmpty(t *testing.T) {
	c := newTestContext(t)
	ctx := context.Background()
	p, err := c.SQL(ctx, "CREATE TABLE t (a TEXT)", options.Params{})
	require.NoError(t, err)
	out, err := p.ToString(ctx)
	require.NoError(t, err)
	assert.Equal(t, "++\n++", out)

	p, err = c.SQL(ctx, "SELECT a FROM t", options.Params{})
	require.NoError(t, err)
	out, err = p.ToString(ctx)
	require.NoError(t, err)
	assert.Contains(t, out, " a ")
	assert.Len(t, strings.Split(out, "\n"), 4, "borders and the header only")
}

func TestRenderValue(t *testing.T) {
	assert.Equal(t, "", renderValue(nil))
	assert.Equal(t, "a\\nb", renderValue("a\nb"))
	assert.Equal(t, "0102", renderValue([]byte{1, 2}))
	assert.Equal(t, "2.5", renderValue(2.5))
	assert.Equal(t, "true", renderValue(true))
	assert.Equal(t, "-3", renderValue(int8(-3)))
	assert.Equal(t, "18446744073709551615", renderValue(uint64(18446744073709551615)))
}
