// Command qbridge is built as a shared library (go build -buildmode=c-shared) exposing the
// bridge to C compatible callers. Results and errors are passed to callbacks as views valid
// only during the call.
package main

/*
#include <stdint.h>

typedef struct { const uint8_t* data; uint32_t len; } qb_bytes;
typedef struct { int32_t code; qb_bytes message; } qb_error;
typedef void (*qb_callback)(const void* result, const qb_error* error, uint64_t user_data);

static inline void qb_invoke(qb_callback cb, const void* result, const qb_error* error, uint64_t user_data) {
	cb(result, error, user_data);
}
*/
import "C"

import (
	"log"
	"math"
	"os"
	"runtime"
	"time"
	"unsafe"

	"github.com/umputun/qbridge/pkg/api"
	"github.com/umputun/qbridge/pkg/bridge"
)

var lib = api.New(nil)

func init() {
	if err := lib.Configure(os.Getenv("QBRIDGE_CONFIG")); err != nil {
		log.Printf("[WARN] can't configure qbridge: %v", err)
	}
}

func main() {}

//export qbridge_configure
func qbridge_configure(path *C.char) C.int32_t {
	return guard("configure", func() error { return lib.Configure(C.GoString(path)) })
}

//export qbridge_runtime_new
func qbridge_runtime_new(workers, blocking C.uint32_t, out *C.uint64_t) C.int32_t {
	return guard("runtime_new", func() error {
		if out == nil {
			return bridge.Errorf(bridge.CodeInvalidArgument, "output handle is not set")
		}
		h, err := lib.RuntimeNew(uint32(workers), uint32(blocking))
		if err != nil {
			return err
		}
		*out = C.uint64_t(h)
		return nil
	})
}

//export qbridge_runtime_destroy
func qbridge_runtime_destroy(h, timeoutMs C.uint64_t) C.int32_t {
	return guard("runtime_destroy", func() error {
		timeout := time.Duration(math.MaxInt64)
		if uint64(timeoutMs) < uint64(math.MaxInt64/int64(time.Millisecond)) {
			timeout = time.Duration(timeoutMs) * time.Millisecond
		}
		return lib.RuntimeDestroy(bridge.Handle(h), timeout)
	})
}

//export qbridge_context_new
func qbridge_context_new(rt C.uint64_t, out *C.uint64_t) C.int32_t {
	return guard("context_new", func() error {
		if out == nil {
			return bridge.Errorf(bridge.CodeInvalidArgument, "output handle is not set")
		}
		h, err := lib.SessionNew(bridge.Handle(rt))
		if err != nil {
			return err
		}
		*out = C.uint64_t(h)
		return nil
	})
}

//export qbridge_context_destroy
func qbridge_context_destroy(h C.uint64_t) C.int32_t {
	return guard("context_destroy", func() error { return lib.SessionDestroy(bridge.Handle(h)) })
}

//export qbridge_context_register_csv
func qbridge_context_register_csv(h C.uint64_t, name, path *C.char, opts *C.uint8_t, optsLen C.uint32_t,
	cb C.qb_callback, ud C.uint64_t) C.int32_t {
	return guard("context_register_csv", func() error {
		return lib.RegisterCSV(bridge.Handle(h), C.GoString(name), C.GoString(path), goBytes(opts, optsLen),
			callback(cb), uint64(ud))
	})
}

//export qbridge_context_register_json
func qbridge_context_register_json(h C.uint64_t, name, path *C.char, opts *C.uint8_t, optsLen C.uint32_t,
	cb C.qb_callback, ud C.uint64_t) C.int32_t {
	return guard("context_register_json", func() error {
		return lib.RegisterJSON(bridge.Handle(h), C.GoString(name), C.GoString(path), goBytes(opts, optsLen),
			callback(cb), uint64(ud))
	})
}

//export qbridge_context_register_parquet
func qbridge_context_register_parquet(h C.uint64_t, name, path *C.char, cb C.qb_callback, ud C.uint64_t) C.int32_t {
	return guard("context_register_parquet", func() error {
		return lib.RegisterParquet(bridge.Handle(h), C.GoString(name), C.GoString(path), callback(cb), uint64(ud))
	})
}

//export qbridge_context_deregister_table
func qbridge_context_deregister_table(h C.uint64_t, name *C.char, cb C.qb_callback, ud C.uint64_t) C.int32_t {
	return guard("context_deregister_table", func() error {
		return lib.DeregisterTable(bridge.Handle(h), C.GoString(name), callback(cb), uint64(ud))
	})
}

//export qbridge_context_sql
func qbridge_context_sql(h C.uint64_t, query *C.char, params *C.uint8_t, paramsLen C.uint32_t,
	cb C.qb_callback, ud C.uint64_t) C.int32_t {
	return guard("context_sql", func() error {
		return lib.SQL(bridge.Handle(h), C.GoString(query), goBytes(params, paramsLen), callback(cb), uint64(ud))
	})
}

//export qbridge_dataframe_destroy
func qbridge_dataframe_destroy(h C.uint64_t) C.int32_t {
	return guard("dataframe_destroy", func() error { return lib.DataFrameDestroy(bridge.Handle(h)) })
}

//export qbridge_dataframe_count
func qbridge_dataframe_count(h C.uint64_t, cb C.qb_callback, ud C.uint64_t) C.int32_t {
	return guard("dataframe_count", func() error { return lib.Count(bridge.Handle(h), callback(cb), uint64(ud)) })
}

//export qbridge_dataframe_show
func qbridge_dataframe_show(h, limit C.uint64_t, cb C.qb_callback, ud C.uint64_t) C.int32_t {
	return guard("dataframe_show", func() error {
		return lib.Show(bridge.Handle(h), uint64(limit), callback(cb), uint64(ud))
	})
}

//export qbridge_dataframe_to_string
func qbridge_dataframe_to_string(h C.uint64_t, cb C.qb_callback, ud C.uint64_t) C.int32_t {
	return guard("dataframe_to_string", func() error { return lib.ToString(bridge.Handle(h), callback(cb), uint64(ud)) })
}

//export qbridge_dataframe_collect
func qbridge_dataframe_collect(h C.uint64_t, cb C.qb_callback, ud C.uint64_t) C.int32_t {
	return guard("dataframe_collect", func() error { return lib.Collect(bridge.Handle(h), callback(cb), uint64(ud)) })
}

//export qbridge_dataframe_schema
func qbridge_dataframe_schema(h C.uint64_t, cb C.qb_callback, ud C.uint64_t) C.int32_t {
	return guard("dataframe_schema", func() error { return lib.Schema(bridge.Handle(h), callback(cb), uint64(ud)) })
}

//export qbridge_dataframe_write_csv
func qbridge_dataframe_write_csv(h C.uint64_t, path *C.char, wopts *C.uint8_t, wlen C.uint32_t,
	fopts *C.uint8_t, flen C.uint32_t, cb C.qb_callback, ud C.uint64_t) C.int32_t {
	return guard("dataframe_write_csv", func() error {
		return lib.WriteCSV(bridge.Handle(h), C.GoString(path), goBytes(wopts, wlen), goBytes(fopts, flen),
			callback(cb), uint64(ud))
	})
}

//export qbridge_dataframe_write_json
func qbridge_dataframe_write_json(h C.uint64_t, path *C.char, wopts *C.uint8_t, wlen C.uint32_t,
	fopts *C.uint8_t, flen C.uint32_t, cb C.qb_callback, ud C.uint64_t) C.int32_t {
	return guard("dataframe_write_json", func() error {
		return lib.WriteJSON(bridge.Handle(h), C.GoString(path), goBytes(wopts, wlen), goBytes(fopts, flen),
			callback(cb), uint64(ud))
	})
}

//export qbridge_dataframe_write_parquet
func qbridge_dataframe_write_parquet(h C.uint64_t, path *C.char, wopts *C.uint8_t, wlen C.uint32_t,
	cb C.qb_callback, ud C.uint64_t) C.int32_t {
	return guard("dataframe_write_parquet", func() error {
		return lib.WriteParquet(bridge.Handle(h), C.GoString(path), goBytes(wopts, wlen), callback(cb), uint64(ud))
	})
}

// guard runs an entry point and converts its error to a code
func guard(name string, fn func() error) C.int32_t {
	code := bridge.Guard(name, func() bridge.Code {
		err := fn()
		if err != nil {
			log.Printf("[DEBUG] %s rejected: %v", name, err)
		}
		return bridge.CodeOf(err, bridge.CodeInvalidArgument)
	})
	return C.int32_t(code)
}

// goBytes copies a caller owned blob, nil for an empty one
func goBytes(p *C.uint8_t, n C.uint32_t) []byte {
	if p == nil || n == 0 {
		return nil
	}
	return C.GoBytes(unsafe.Pointer(p), C.int(n))
}

// callback adapts a C function pointer, nil stays nil and is rejected by the api
func callback(cb C.qb_callback) api.Callback {
	if cb == nil {
		return nil
	}
	return func(res *api.Result, berr *bridge.Error, ud uint64) {
		var pin runtime.Pinner
		defer pin.Unpin()

		if berr == nil && res.Kind != api.ResultHandle && res.Kind != api.ResultUInt64 && len(res.Bytes) > math.MaxUint32 {
			berr = bridge.Errorf(bridge.CodeDataFrameError, "result of %d bytes doesn't fit a view", len(res.Bytes))
		}
		if berr != nil {
			e := &C.qb_error{code: C.int32_t(berr.Code), message: view(&pin, []byte(berr.Message))}
			pin.Pin(e)
			C.qb_invoke(cb, nil, e, C.uint64_t(ud))
			return
		}

		switch res.Kind {
		case api.ResultHandle, api.ResultUInt64:
			v := new(C.uint64_t)
			*v = C.uint64_t(res.Value)
			if res.Kind == api.ResultHandle {
				*v = C.uint64_t(res.Handle)
			}
			pin.Pin(v)
			C.qb_invoke(cb, unsafe.Pointer(v), nil, C.uint64_t(ud))
		default:
			v := new(C.qb_bytes)
			*v = view(&pin, res.Bytes)
			pin.Pin(v)
			C.qb_invoke(cb, unsafe.Pointer(v), nil, C.uint64_t(ud))
		}
	}
}

// view makes a pinned view of b, data is null for an empty slice
func view(pin *runtime.Pinner, b []byte) C.qb_bytes {
	if len(b) == 0 {
		return C.qb_bytes{}
	}
	pin.Pin(&b[0])
	return C.qb_bytes{data: (*C.uint8_t)(unsafe.Pointer(&b[0])), len: C.uint32_t(len(b))}
}
