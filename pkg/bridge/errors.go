// Package bridge provides the pieces shared by every entry point exposed to a foreign caller:
// the closed error taxonomy, one-shot completion promises, panic containment and the
// generation-checked handle table.
package bridge

import (
	"errors"
	"fmt"
)

// Code is a stable numeric error category reported across the library boundary.
type Code int32

// error codes, values are part of the ABI and never change. 4 is reserved.
const (
	CodeOk                          Code = 0
	CodePanic                       Code = 1
	CodeInvalidArgument             Code = 2
	CodeRuntimeInitializationFailed Code = 3
	CodeTableRegistrationFailed     Code = 5
	CodeSQLError                    Code = 6
	CodeDataFrameError              Code = 7
)

func (c Code) String() string {
	switch c {
	case CodeOk:
		return "Ok"
	case CodePanic:
		return "Panic"
	case CodeInvalidArgument:
		return "InvalidArgument"
	case CodeRuntimeInitializationFailed:
		return "RuntimeInitializationFailed"
	case CodeTableRegistrationFailed:
		return "TableRegistrationFailed"
	case CodeSQLError:
		return "SqlError"
	case CodeDataFrameError:
		return "DataFrameError"
	default:
		return fmt.Sprintf("Code(%d)", int32(c))
	}
}

// Error is a failure with a code from the closed taxonomy and a human readable message.
type Error struct {
	Code    Code
	Message string
	err     error
}

func (e *Error) Error() string { return e.Message }

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error { return e.err }

// Errorf makes a new Error with formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	err := fmt.Errorf(format, args...)
	return &Error{Code: code, Message: err.Error(), err: errors.Unwrap(err)}
}

// Wrap assigns code to err. An err already carrying a code keeps it, so a panic
// caught deep inside a task is still reported as a panic.
func Wrap(code Code, err error) error {
	if err == nil {
		return nil
	}
	var be *Error
	if errors.As(err, &be) {
		return err
	}
	return &Error{Code: code, Message: err.Error(), err: err}
}

// CodeOf returns the code carried by err, fallback if err has none and CodeOk for nil.
func CodeOf(err error, fallback Code) Code {
	if err == nil {
		return CodeOk
	}
	var be *Error
	if errors.As(err, &be) {
		return be.Code
	}
	return fallback
}
