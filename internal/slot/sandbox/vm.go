package sandbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/dop251/goja"

	"github.com/vizlab/slotbox/internal/slot"
)

// maxCallStackSize bounds recursion inside slot code so runaway recursion
// surfaces as a catchable engine error instead of growing the Go stack.
const maxCallStackSize = 1024

// shadowedGlobals are bound to undefined in every slot VM. The validator
// rejects most of these identifiers outright; the runtime shadow is the
// second, independent layer.
var shadowedGlobals = []string{
	"window", "document", "globalThis", "self", "fetch", "XMLHttpRequest",
	"WebSocket", "importScripts", "eval", "Function", "require", "module",
	"exports", "process", "Date", "setTimeout", "setInterval", "clearTimeout",
	"clearInterval", "console",
}

// hardenScript runs before the globals are shadowed, while Function is still
// reachable. It cuts the constructor.constructor route and pins the builtin
// prototypes.
const hardenScript = `
(function() {
	"use strict";
	var blocked = function() { throw new TypeError("Function constructor is disabled"); };
	Object.defineProperty(Function.prototype, "constructor", {
		value: blocked, writable: false, configurable: false
	});
	Object.freeze(Function.prototype);
	Object.freeze(Object.prototype);
	Object.freeze(Array.prototype);
	Object.freeze(String.prototype);
	Object.freeze(Number.prototype);
	Object.freeze(Boolean.prototype);
})();
`

// ExecError is a caught engine fault: a thrown value, a compile error, or an
// engine limit. It maps to EXECUTION_ERROR at the protocol boundary.
type ExecError struct {
	Message string
}

func (e *ExecError) Error() string { return e.Message }

// newSlotVM builds one hardened runtime: pinned prototypes, shadowed
// globals, an allow-listed frozen Math, and the frozen deterministic utils
// namespace. Every execution gets a fresh VM and a fresh generator.
func newSlotVM() (*goja.Runtime, error) {
	vm := goja.New()
	vm.SetMaxCallStackSize(maxCallStackSize)

	rng := newLCG()
	vm.SetRandSource(rng.next)

	if _, err := vm.RunString(hardenScript); err != nil {
		return nil, fmt.Errorf("hardening runtime: %w", err)
	}

	for _, name := range shadowedGlobals {
		if err := vm.Set(name, goja.Undefined()); err != nil {
			return nil, fmt.Errorf("shadowing %s: %w", name, err)
		}
	}

	mathObj := vm.NewObject()
	if err := setAll(mathObj, map[string]interface{}{
		"abs":   math.Abs,
		"ceil":  math.Ceil,
		"floor": math.Floor,
		"sqrt":  math.Sqrt,
		"pow":   math.Pow,
		"log":   math.Log,
		"exp":   math.Exp,
		"round": jsRound,
		"max":   jsMax,
		"min":   jsMin,
		"PI":    math.Pi,
		"E":     math.E,
	}); err != nil {
		return nil, err
	}
	if err := vm.Set("Math", mathObj); err != nil {
		return nil, err
	}

	utilsObj := vm.NewObject()
	if err := setAll(utilsObj, map[string]interface{}{
		"mean":     Mean,
		"median":   Median,
		"stdev":    Stdev,
		"sum":      Sum,
		"quantile": Quantile,
		"clamp":    Clamp,
		"log1p":    Log1p,
		"exp":      Exp,
		"now":      func() float64 { return float64(fixedNowMillis) },
		"random":   rng.next,
	}); err != nil {
		return nil, err
	}
	if err := vm.Set("utils", utilsObj); err != nil {
		return nil, err
	}

	if _, err := vm.RunString("Object.freeze(Math); Object.freeze(utils);"); err != nil {
		return nil, fmt.Errorf("freezing namespaces: %w", err)
	}

	return vm, nil
}

func setAll(obj *goja.Object, entries map[string]interface{}) error {
	for name, v := range entries {
		if err := obj.Set(name, v); err != nil {
			return fmt.Errorf("binding %s: %w", name, err)
		}
	}
	return nil
}

// execute runs slot code on a prepared VM and measures the call. Input and
// params must already be detached copies; the caller owns timeout
// enforcement via vm.Interrupt.
func execute(vm *goja.Runtime, code string, input, params interface{}) (interface{}, float64, error) {
	fnVal, err := vm.RunString(slot.Wrap(code))
	if err != nil {
		return nil, 0, classifyEngineError(err)
	}
	fn, ok := goja.AssertFunction(fnVal)
	if !ok {
		return nil, 0, &ExecError{Message: "code did not evaluate to a function"}
	}

	start := time.Now()
	v, err := fn(goja.Undefined(), vm.ToValue(input), vm.ToValue(params), vm.Get("utils"))
	execMs := float64(time.Since(start)) / float64(time.Millisecond)
	if err != nil {
		return nil, execMs, classifyEngineError(err)
	}

	data, err := copyOut(v)
	if err != nil {
		return nil, execMs, &ExecError{Message: err.Error()}
	}
	return data, execMs, nil
}

func classifyEngineError(err error) error {
	switch e := err.(type) {
	case *goja.StackOverflowError:
		return &ExecError{Message: "stack overflow"}
	case *goja.InterruptedError:
		// The only interrupt we ever schedule is the deadline.
		return ErrTimeout
	case *goja.Exception:
		return &ExecError{Message: e.Error()}
	}
	return &ExecError{Message: err.Error()}
}

// copyJSON structurally copies a value through its JSON form. Used on the
// way in so slots cannot mutate caller data, and on the way out so results
// are plain JSON values, provably serializable.
func copyJSON(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out interface{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func copyOut(v goja.Value) (interface{}, error) {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return nil, nil
	}
	out, err := copyJSON(v.Export())
	if err != nil {
		return nil, errors.New("result is not JSON-serializable: " + err.Error())
	}
	return out, nil
}
