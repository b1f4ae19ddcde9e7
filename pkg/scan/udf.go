package scan

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"

	lua "github.com/yuin/gopher-lua"

	"github.com/cuemby/gridscan/pkg/log"
)

// LuaUDFRuntime runs aggregation streams and record-UDF applications
// through a pooled gopher-lua VM, one module load per call. Scripts are
// loaded fresh (no byte-code caching) since UDF modules are expected to
// be small and infrequently invoked relative to record throughput — the
// bottleneck is the reduce scan, not script parsing.
type LuaUDFRuntime struct {
	disabled *atomic.Bool // shared with pkg/config's udf_execution_disabled switch

	statePool sync.Pool
}

// NewLuaUDFRuntime builds a runtime sharing the given disabled flag; pass
// the same *atomic.Bool the config layer flips at runtime so a live
// toggle takes effect on the next Slice call without restarting jobs.
func NewLuaUDFRuntime(disabled *atomic.Bool) *LuaUDFRuntime {
	r := &LuaUDFRuntime{disabled: disabled}
	r.statePool.New = func() any { return lua.NewState() }
	return r
}

func (r *LuaUDFRuntime) Enabled() bool {
	return !r.disabled.Load()
}

func (r *LuaUDFRuntime) acquire() *lua.LState {
	return r.statePool.Get().(*lua.LState)
}

func (r *LuaUDFRuntime) release(L *lua.LState) {
	L.SetTop(0)
	r.statePool.Put(L)
}

// RunAggregation loads call.Filename as a Lua chunk, calls call.Function
// with a table of hex-encoded digests and call.Args, and forwards every
// value the script passes to emit(...) to hooks.OstreamWrite.
func (r *LuaUDFRuntime) RunAggregation(ctx context.Context, namespace string, call AggrCallDescriptor, digests []Digest, hooks AggrHooks) error {
	L := r.acquire()
	defer r.release(L)

	var emitErr error
	L.SetGlobal("emit", L.NewFunction(func(L *lua.LState) int {
		val := fromLuaValue(L.Get(-1))
		if err := hooks.OstreamWrite(val); err != nil {
			emitErr = err
			return 0
		}
		return 0
	}))

	if err := L.DoFile(call.Filename); err != nil {
		return fmt.Errorf("scan: udf load %s: %w", call.Filename, err)
	}

	fn := L.GetGlobal(call.Function)
	if fn == lua.LNil {
		return fmt.Errorf("scan: udf %s has no function %q", call.Filename, call.Function)
	}

	digestTable := L.NewTable()
	for i, d := range digests {
		digestTable.RawSetInt(i+1, lua.LString(hex.EncodeToString(d[:])))
	}

	args := []lua.LValue{digestTable}
	for _, a := range call.Args {
		args = append(args, toLuaValue(L, a))
	}

	if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}, args...); err != nil {
		return fmt.Errorf("scan: udf %s.%s: %w", call.Filename, call.Function, err)
	}
	if emitErr != nil {
		return emitErr
	}
	lg := log.WithTrid(0)
	lg.Debug().Str("namespace", namespace).Str("function", call.Function).Int("digests", len(digests)).Msg("aggregation run complete")
	return nil
}

// ApplyUDF runs a record-UDF against a single digest. The convention
// this runtime expects from a UDF module: the function returns nil to
// signal the record should be treated as filtered out (background job
// counts it under filtered-bins rather than succeeded), any other return
// value means the update proceeded.
func (r *LuaUDFRuntime) ApplyUDF(ctx context.Context, namespace string, call AggrCallDescriptor, digest Digest) (bool, error) {
	L := r.acquire()
	defer r.release(L)

	if err := L.DoFile(call.Filename); err != nil {
		return false, fmt.Errorf("scan: udf load %s: %w", call.Filename, err)
	}
	fn := L.GetGlobal(call.Function)
	if fn == lua.LNil {
		return false, fmt.Errorf("scan: udf %s has no function %q", call.Filename, call.Function)
	}

	args := []lua.LValue{lua.LString(hex.EncodeToString(digest[:]))}
	for _, a := range call.Args {
		args = append(args, toLuaValue(L, a))
	}

	if err := L.CallByParam(lua.P{Fn: fn, NRet: 1, Protect: true}, args...); err != nil {
		return false, fmt.Errorf("scan: udf %s.%s: %w", call.Filename, call.Function, err)
	}
	ret := L.Get(-1)
	L.Pop(1)
	return ret == lua.LNil, nil
}

func toLuaValue(L *lua.LState, v any) lua.LValue {
	switch x := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(x)
	case string:
		return lua.LString(x)
	case int:
		return lua.LNumber(x)
	case int64:
		return lua.LNumber(x)
	case float64:
		return lua.LNumber(x)
	case []byte:
		return lua.LString(x)
	default:
		return lua.LString(fmt.Sprint(x))
	}
}

func fromLuaValue(v lua.LValue) any {
	switch x := v.(type) {
	case lua.LBool:
		return bool(x)
	case lua.LNumber:
		return float64(x)
	case lua.LString:
		return string(x)
	default:
		return v.String()
	}
}
