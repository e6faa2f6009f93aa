package bridge

import (
	"errors"
	"fmt"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorf(t *testing.T) {
	err := Errorf(CodeSQLError, "can't plan %q: %w", "select", io.EOF)
	assert.Equal(t, CodeSQLError, err.Code)
	assert.Equal(t, `can't plan "select": EOF`, err.Error())
	assert.ErrorIs(t, err, io.EOF)
}

func TestWrap(t *testing.T) {
	assert.NoError(t, Wrap(CodeSQLError, nil))

	err := Wrap(CodeDataFrameError, errors.New("boom"))
	assert.Equal(t, CodeDataFrameError, CodeOf(err, CodeOk))
	assert.Equal(t, "boom", err.Error())

	t.Run("keeps existing code", func(t *testing.T) {
		inner := &Error{Code: CodePanic, Message: "panic: oops"}
		err := Wrap(CodeDataFrameError, fmt.Errorf("collect: %w", inner))
		assert.Equal(t, CodePanic, CodeOf(err, CodeDataFrameError))
	})
}

func TestCodeOf(t *testing.T) {
	tbl := []struct {
		err      error
		fallback Code
		exp      Code
	}{
		{nil, CodeSQLError, CodeOk},
		{errors.New("plain"), CodeSQLError, CodeSQLError},
		{Errorf(CodeInvalidArgument, "bad"), CodeSQLError, CodeInvalidArgument},
		{fmt.Errorf("wrapped: %w", Errorf(CodeTableRegistrationFailed, "bad")), CodeSQLError, CodeTableRegistrationFailed},
	}
	for i, tt := range tbl {
		t.Run(fmt.Sprintf("%d", i), func(t *testing.T) {
			assert.Equal(t, tt.exp, CodeOf(tt.err, tt.fallback))
		})
	}
}

func TestCode_String(t *testing.T) {
	assert.Equal(t, "SqlError", CodeSQLError.String())
	assert.Equal(t, "Code(4)", Code(4).String())
	require.Equal(t, int32(7), int32(CodeDataFrameError))
}
