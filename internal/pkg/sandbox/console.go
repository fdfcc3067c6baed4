package sandbox

import (
	"strings"

	"github.com/dop251/goja"
	"github.com/zpiroux/fnchain/entity"
)

var consoleLevels = map[string]entity.LogLevel{
	"debug": entity.LogLevelDebug,
	"info":  entity.LogLevelInfo,
	"log":   entity.LogLevelInfo,
	"warn":  entity.LogLevelWarn,
	"error": entity.LogLevelError,
}

// installConsole replaces the console with one that appends to the current request's log.
func (w *Worker) installConsole() error {
	console := w.vm.NewObject()
	for method, level := range consoleLevels {
		err := console.Set(method, func(call goja.FunctionCall) goja.Value {
			w.capture(level, call.Arguments)
			return goja.Undefined()
		})
		if err != nil {
			return err
		}
	}
	return w.vm.Set("console", console)
}

func (w *Worker) capture(level entity.LogLevel, args []goja.Value) {
	if w.inv == nil {
		return
	}
	parts := make([]string, len(args))
	for i, arg := range args {
		parts[i] = w.format(arg)
	}
	w.inv.logs = append(w.inv.logs, entity.LogEntry{Level: level, Message: strings.Join(parts, " ")})
}

// format renders a console argument: strings as is, plain objects and arrays as JSON,
// everything else with its string conversion.
func (w *Worker) format(v goja.Value) string {
	obj, isObj := v.(*goja.Object)
	if !isObj {
		return v.String()
	}
	if _, isFunc := goja.AssertFunction(obj); isFunc {
		return v.String()
	}
	if obj.ClassName() == "Error" {
		return v.String()
	}
	if s, ok := w.toJSON(v); ok {
		return s
	}
	return v.String()
}
