package sandbox

import (
	"context"

	"github.com/dop251/goja"
	"github.com/zpiroux/fnchain/entity"
)

const (
	msgModuleLoadingDisabled = "module loading is disabled for security reasons"
	msgNetworkDisabled       = "network access is disabled for security reasons"
)

// Globals removed from every sandbox before user code runs.
var strippedGlobals = []string{"process"}

// Capabilities granted to user code for a single call. Module loading is never granted.
type Capabilities struct {
	Network bool
}

// CapabilitiesFor returns what a call to the given exported function may do.
// Only the validator gets network access, so it can check credentials against remote APIs.
func CapabilitiesFor(function string) Capabilities {
	return Capabilities{Network: function == validatorFunction}
}

// invocation holds state that lives for exactly one request.
type invocation struct {
	ctx       context.Context
	caps      Capabilities
	logs      []entity.LogEntry
	violation string
}

func newInvocation(ctx context.Context) *invocation {
	return &invocation{ctx: ctx, logs: []entity.LogEntry{}}
}

// installPolicy replaces or removes globals so that user code has no route to the host
// other than the ones gated here.
func (w *Worker) installPolicy() error {

	for _, name := range strippedGlobals {
		w.vm.GlobalObject().Delete(name)
	}

	w.require = w.vm.ToValue(func(call goja.FunctionCall) goja.Value {
		w.violate(msgModuleLoadingDisabled)
		return nil
	})
	if err := w.vm.Set("require", w.require); err != nil {
		return err
	}

	wrapper, err := w.vm.RunString(fetchScript)
	if err != nil {
		return err
	}
	makeFetch, _ := goja.AssertFunction(wrapper)
	fetch, err := makeFetch(goja.Undefined(), w.vm.ToValue(w.hostFetch))
	if err != nil {
		return err
	}
	return w.vm.Set("fetch", fetch)
}

// violate records a security violation for the current request and throws a SecurityError
// into user code. It does not return.
func (w *Worker) violate(message string) {
	if w.inv != nil && w.inv.violation == "" {
		w.inv.violation = message
	}
	panic(w.securityError(message))
}

func (w *Worker) securityError(message string) goja.Value {
	obj, err := w.vm.New(w.securityErrorCtor, w.vm.ToValue(message))
	if err != nil {
		return w.vm.NewGoError(err)
	}
	return obj
}

func (w *Worker) allowNetwork() bool {
	return w.inv != nil && w.inv.caps.Network
}
