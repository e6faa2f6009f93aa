package bridge

import (
	"fmt"
	"log"
	"runtime/debug"
)

// Contain runs fn and turns a panic into an error with CodePanic.
func Contain(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicError(r)
		}
	}()
	return fn()
}

// ContainValue is Contain for functions returning a value.
func ContainValue[T any](fn func() (T, error)) (res T, err error) {
	defer func() {
		if r := recover(); r != nil {
			var zero T
			res, err = zero, panicError(r)
		}
	}()
	return fn()
}

// Guard runs an entry point body and reports CodePanic if it panics.
func Guard(name string, fn func() Code) (code Code) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[ERROR] %s: %v", name, panicError(r))
			code = CodePanic
		}
	}()
	return fn()
}

func panicError(r any) *Error {
	log.Printf("[WARN] recovered panic: %v\n%s", r, debug.Stack())
	return &Error{Code: CodePanic, Message: fmt.Sprintf("panic: %v", r)}
}
