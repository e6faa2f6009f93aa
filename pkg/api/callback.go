package api

import (
	"github.com/umputun/qbridge/pkg/bridge"
	"github.com/umputun/qbridge/pkg/dataframe"
)

// completion adapts a callback to the promises of core packages
type completion struct {
	cb       Callback
	userData uint64
	code     bridge.Code // code of failures without one
}

func (c completion) fail(err error) {
	c.cb(nil, asError(err, c.code), c.userData)
}

func (c completion) void() *bridge.Promise[dataframe.Void] {
	return bridge.NewPromise(func(_ dataframe.Void, err error) {
		if err != nil {
			c.fail(err)
			return
		}
		c.cb(&Result{Kind: ResultVoid, Bytes: []byte{}}, nil, c.userData)
	})
}

func (c completion) count() *bridge.Promise[uint64] {
	return bridge.NewPromise(func(v uint64, err error) {
		if err != nil {
			c.fail(err)
			return
		}
		c.cb(&Result{Kind: ResultUInt64, Value: v}, nil, c.userData)
	})
}

func (c completion) bytes() *bridge.Promise[[]byte] {
	return bridge.NewPromise(func(v []byte, err error) {
		if err != nil {
			c.fail(err)
			return
		}
		if v == nil {
			v = []byte{}
		}
		c.cb(&Result{Kind: ResultBytes, Bytes: v}, nil, c.userData)
	})
}

// frame registers a delivered dataframe and passes its handle
func (c completion) frame(b *Bridge) *bridge.Promise[*dataframe.DataFrame] {
	return bridge.NewPromise(func(df *dataframe.DataFrame, err error) {
		if err != nil {
			c.fail(err)
			return
		}
		c.cb(&Result{Kind: ResultHandle, Handle: b.frames.Insert(df)}, nil, c.userData)
	})
}

func newCompletion(cb Callback, userData uint64, code bridge.Code) (completion, error) {
	if cb == nil {
		return completion{}, bridge.Errorf(bridge.CodeInvalidArgument, "callback is not set")
	}
	return completion{cb: cb, userData: userData, code: code}, nil
}
