package sandbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/dop251/goja"
	"github.com/evanw/esbuild/pkg/api"
	"github.com/zpiroux/fnchain/entity"
	"github.com/zpiroux/fnchain/pkg/fault"
)

const moduleFileName = "udf.js"

var promiseType = reflect.TypeOf((*goja.Promise)(nil))

// compile turns ES module source into a CommonJS script body.
func compile(source []byte) (string, fault.Fault) {
	result := api.Transform(string(source), api.TransformOptions{
		Loader:     api.LoaderJS,
		Format:     api.FormatCommonJS,
		Target:     api.ES2017,
		Platform:   api.PlatformNeutral,
		Sourcefile: moduleFileName,
		LogLevel:   api.LogLevelSilent,
	})
	if len(result.Errors) > 0 {
		msg := result.Errors[0]
		var line, column int
		if msg.Location != nil {
			line, column = msg.Location.Line, msg.Location.Column+1
		}
		text := msg.Text
		if n := len(result.Errors); n > 1 {
			text = fmt.Sprintf("%s (and %d more errors)", text, n-1)
		}
		return "", fault.NewCompileFault(text, line, column)
	}
	return string(result.Code), nil
}

// load compiles and evaluates the module once. The outcome, including a failure, is kept
// for the life of the worker.
func (w *Worker) load() fault.Fault {
	if w.loaded {
		return w.loadFault
	}
	w.loaded = true

	code, f := compile(w.source)
	if f != nil {
		w.loadFault = f
		return f
	}

	fnVal, err := w.vm.RunScript(moduleFileName, "(function (module, exports, require) {"+code+"\n})")
	if err != nil {
		w.loadFault = fault.NewCompileFault(err.Error(), 0, 0)
		return w.loadFault
	}
	fn, _ := goja.AssertFunction(fnVal)

	module := w.vm.NewObject()
	exports := w.vm.NewObject()
	_ = module.Set("exports", exports)

	_, err = w.call(func() (goja.Value, error) {
		return fn(goja.Undefined(), module, exports, w.require)
	})
	if err != nil {
		f := w.classify(err)
		if f.Name() == fault.NameRuntime || f.Name() == fault.NameGeneric {
			f = fault.NewCompileFault("module evaluation failed: "+f.Error(), 0, 0)
		}
		w.loadFault = f
		return f
	}

	exp := module.Get("exports")
	if exp == nil || goja.IsUndefined(exp) || goja.IsNull(exp) {
		w.exports = w.vm.NewObject()
	} else {
		w.exports = exp.ToObject(w.vm)
	}
	return nil
}

// describe lists the module exports.
func (w *Worker) describe() (entity.SymbolDescriptor, fault.Fault) {
	if f := w.load(); f != nil {
		return nil, f
	}

	symbols := make(entity.SymbolDescriptor)
	for _, name := range w.exports.Keys() {
		v := w.exports.Get(name)
		if _, ok := goja.AssertFunction(v); ok {
			symbols[name] = entity.Symbol{Type: "function"}
			continue
		}
		sym := entity.Symbol{Type: w.typeOf(v)}
		if s, ok := w.toJSON(v); ok {
			sym.Value = json.RawMessage(s)
		}
		symbols[name] = sym
	}
	return symbols, nil
}

// execute runs an exported function with JSON args and returns its JSON result, which is
// empty if the function returned undefined.
func (w *Worker) execute(function string, args []json.RawMessage) (json.RawMessage, fault.Fault) {
	if f := w.load(); f != nil {
		return nil, f
	}

	name := function
	if name == "" {
		name = defaultExport
	}
	fn, ok := goja.AssertFunction(w.exports.Get(name))
	if !ok {
		return nil, &fault.RuntimeFault{Message: fmt.Sprintf("exported symbol %q is not a function", name)}
	}

	jsArgs := make([]goja.Value, len(args))
	for i, raw := range args {
		v, err := w.jsonParse(goja.Undefined(), w.vm.ToValue(string(raw)))
		if err != nil {
			return nil, fault.NewParseFault(fmt.Sprintf("argument #%d: %v", i, err))
		}
		jsArgs[i] = v
	}

	w.inv.caps = CapabilitiesFor(function)
	defer func() { w.inv.caps = Capabilities{} }()

	ret, err := w.call(func() (goja.Value, error) {
		return fn(goja.Undefined(), jsArgs...)
	})
	if err != nil {
		return nil, w.classify(err)
	}

	if ret != nil && ret.ExportType() == promiseType {
		p := ret.Export().(*goja.Promise)
		switch p.State() {
		case goja.PromiseStateFulfilled:
			ret = p.Result()
		case goja.PromiseStateRejected:
			return nil, w.classifyValue(p.Result())
		default:
			return nil, &fault.RuntimeFault{Message: "returned promise did not settle"}
		}
	}

	if s, ok := w.toJSON(ret); ok {
		return json.RawMessage(s), nil
	}
	return nil, nil
}

// call runs fn under the execution time budget. Pending jobs (promise reactions) are
// run by the VM before fn's result is returned.
func (w *Worker) call(fn func() (goja.Value, error)) (goja.Value, error) {
	fired := make(chan struct{})
	timer := time.AfterFunc(w.execTimeout(), func() {
		defer close(fired)
		w.vm.Interrupt(errExecTimeout)
	})
	defer func() {
		// A timer that already fired must be done interrupting before the interrupt is
		// cleared, or it would hit the next call.
		if !timer.Stop() {
			<-fired
		}
		w.vm.ClearInterrupt()
	}()
	return fn()
}

// classify maps an error from the VM to a fault.
func (w *Worker) classify(err error) fault.Fault {
	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if interrupted.Value() == errExecTimeout {
			return &fault.TimeoutFault{Message: fmt.Sprintf("execution exceeded %s", w.execTimeout())}
		}
		return &fault.RuntimeFault{Message: "execution interrupted: " + interrupted.String()}
	}
	var exception *goja.Exception
	if errors.As(err, &exception) {
		return w.classifyValue(exception.Value())
	}
	return w.checkViolation(&fault.RuntimeFault{Message: err.Error()})
}

// classifyValue maps a thrown (or rejected) JS value to a fault. Objects named like one
// of the retryable error classes keep their name, status and response.
func (w *Worker) classifyValue(v goja.Value) fault.Fault {
	return w.checkViolation(w.valueFault(v))
}

// checkViolation turns a failure in a call that broke the security policy into a
// SecurityFault. Retryable faults thrown after a caught violation are kept as they are.
func (w *Worker) checkViolation(f fault.Fault) fault.Fault {
	if w.inv == nil || w.inv.violation == "" || fault.IsRetryable(f) {
		return f
	}
	if _, ok := f.(*fault.SecurityFault); ok {
		return f
	}
	return &fault.SecurityFault{Message: w.inv.violation}
}

func (w *Worker) valueFault(v goja.Value) fault.Fault {
	obj, ok := v.(*goja.Object)
	if !ok || obj == nil {
		if v == nil {
			return &fault.RuntimeFault{Message: "undefined"}
		}
		return &fault.RuntimeFault{Message: v.String()}
	}

	name := ""
	if n := obj.Get("name"); n != nil && !goja.IsUndefined(n) {
		name = n.String()
	}
	message := v.String()
	if m := obj.Get("message"); m != nil && !goja.IsUndefined(m) {
		message = m.String()
	}

	switch name {
	case fault.NameRetry, fault.NameDropRetry, fault.NameHTTP:
		var wire fault.Wire
		if s, ok := w.toJSON(obj); ok && json.Unmarshal([]byte(s), &wire) == nil && wire.Name == name {
			return fault.Decode(wire)
		}
		return fault.Decode(fault.Wire{Name: name, Message: message})
	case "SecurityError":
		return &fault.SecurityFault{Message: message}
	case "":
		return &fault.RuntimeFault{Message: message}
	}
	return &fault.RuntimeFault{Message: name + ": " + message}
}

// toJSON serializes v with the JSON.stringify captured before user code ran.
// It reports false for values that have no JSON form, like undefined and functions.
func (w *Worker) toJSON(v goja.Value) (string, bool) {
	if v == nil || goja.IsUndefined(v) {
		return "", false
	}
	out, err := w.jsonStringify(goja.Undefined(), v)
	if err != nil || out == nil || goja.IsUndefined(out) {
		return "", false
	}
	return out.String(), true
}

func (w *Worker) typeOf(v goja.Value) string {
	t, err := w.typeofFn(goja.Undefined(), v)
	if err != nil {
		return "undefined"
	}
	return t.String()
}

func marshal(v any) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	return json.RawMessage(data), err
}
