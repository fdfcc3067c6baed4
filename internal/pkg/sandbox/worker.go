// Package sandbox runs untrusted user code (UDFs) in an embedded JavaScript VM, behind a
// security policy, and serves it over the line protocol in package protocol.
//
// A Worker holds a single module version for its whole life and handles one request at
// a time, in the order received. Isolation between modules comes from running each Worker
// in its own process (see the supervisor package), or at least its own VM.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dop251/goja"
	"github.com/zpiroux/fnchain/entity"
	"github.com/zpiroux/fnchain/internal/pkg/protocol"
	"github.com/zpiroux/fnchain/pkg/fault"
)

const (
	DefaultExecTimeout = time.Second
	defaultExport      = "default"
	validatorFunction  = protocol.FunctionValidator
)

var (
	errExecTimeout = errors.New("execution time budget exceeded")
	errTerminated  = errors.New("worker terminated")
)

type Config struct {
	// ExecTimeout bounds each call into user code, module evaluation included.
	ExecTimeout time.Duration

	// HTTPClient is used for fetch() in calls granted network access.
	HTTPClient *http.Client `json:"-"`

	// MaxResponseBytes limits how much of a fetch() response body is read.
	MaxResponseBytes int64

	// MaxRequestBytes limits a request line, protocol.MaxLineBytes if zero.
	MaxRequestBytes int
}

type Worker struct {
	config Config
	source []byte
	vm     *goja.Runtime

	loaded    bool
	loadFault fault.Fault
	exports   *goja.Object

	inv *invocation

	require           goja.Value
	securityErrorCtor goja.Value
	jsonStringify     goja.Callable
	jsonParse         goja.Callable
	typeofFn          goja.Callable
}

// NewWorker creates a worker for the given module source. The source is compiled on the
// first describe or execute request.
func NewWorker(source []byte, config Config) (*Worker, error) {
	w := &Worker{
		config: config,
		source: source,
		vm:     goja.New(),
	}
	w.vm.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	if err := w.init(); err != nil {
		return nil, fmt.Errorf("sandbox init failed: %w", err)
	}
	return w, nil
}

func (w *Worker) init() error {

	jsonObj := w.vm.Get("JSON").ToObject(w.vm)
	w.jsonStringify, _ = goja.AssertFunction(jsonObj.Get("stringify"))
	w.jsonParse, _ = goja.AssertFunction(jsonObj.Get("parse"))

	typeofVal, err := w.vm.RunString(typeofScript)
	if err != nil {
		return err
	}
	w.typeofFn, _ = goja.AssertFunction(typeofVal)

	classes, err := w.vm.RunString(fmt.Sprintf(preludeScript, fault.MaxResponseLength, fault.MaxResponseLength))
	if err != nil {
		return err
	}
	obj := classes.ToObject(w.vm)
	w.securityErrorCtor = obj.Get("SecurityError")
	for _, name := range []string{fault.NameRetry, fault.NameHTTP} {
		if err := w.vm.Set(name, obj.Get(name)); err != nil {
			return err
		}
	}

	if err := w.installConsole(); err != nil {
		return err
	}
	return w.installPolicy()
}

// Serve reads requests from r and writes one reply per request to wr, until r is closed,
// a kill request has been answered, or ctx is done. Requests are handled strictly one at a time.
func (w *Worker) Serve(ctx context.Context, r io.Reader, wr io.Writer) error {

	maxLine := w.config.MaxRequestBytes
	if maxLine <= 0 {
		maxLine = protocol.MaxLineBytes
	}
	dec := protocol.NewDecoderSize(r, maxLine)
	enc := protocol.NewEncoder(wr)

	for {
		line, err := dec.ReadLine()
		if errors.Is(err, protocol.ErrLineTooLong) {
			_, id, _ := protocol.ParseRequest(line)
			f := fault.NewParseFault(fmt.Sprintf("request line exceeds %d bytes", maxLine))
			if err := enc.Encode(protocol.NewFaultReply(id, f, []entity.LogEntry{})); err != nil {
				return err
			}
			continue
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		reply, stop := w.Handle(ctx, line)
		if err := enc.Encode(reply); err != nil {
			fallback := protocol.Reply{ID: reply.ID, Error: "reply could not be sent: " + err.Error(), Log: []entity.LogEntry{}}
			if err := enc.Encode(fallback); err != nil {
				return err
			}
		}
		if stop {
			return nil
		}
	}
}

// Handle processes a single request line. The returned bool is true when the worker
// should stop after sending the reply.
func (w *Worker) Handle(ctx context.Context, line []byte) (protocol.Reply, bool) {

	ictx, cancel := context.WithTimeout(ctx, w.execTimeout())
	defer cancel()
	w.inv = newInvocation(ictx)
	defer func() { w.inv = nil }()

	req, id, f := protocol.ParseRequest(line)
	if f != nil {
		return protocol.NewFaultReply(id, f, w.inv.logs), false
	}

	switch req.Command {
	case protocol.CommandKill:
		return protocol.Reply{ID: id, OK: true, Log: w.inv.logs}, true

	case protocol.CommandDescribe:
		symbols, f := w.describe()
		if f != nil {
			return protocol.NewFaultReply(id, f, w.inv.logs), false
		}
		result, err := marshal(symbols)
		if err != nil {
			return protocol.NewFaultReply(id, &fault.RuntimeFault{Message: err.Error()}, w.inv.logs), false
		}
		return protocol.Reply{ID: id, OK: true, Result: result, Log: w.inv.logs}, false

	case protocol.CommandExecute:
		var payload protocol.Payload
		if req.Payload != nil {
			payload = *req.Payload
		}
		result, f := w.execute(payload.Function, payload.Args)
		if f != nil {
			return protocol.NewFaultReply(id, f, w.inv.logs), false
		}
		return protocol.Reply{ID: id, OK: true, Result: result, Log: w.inv.logs}, false

	default:
		return protocol.NewFaultReply(id, fault.NewUnknownCommandFault(string(req.Command)), w.inv.logs), false
	}
}

// Interrupt stops any code running in the VM. It is safe to call from any goroutine.
func (w *Worker) Interrupt() {
	w.vm.Interrupt(errTerminated)
}

func (w *Worker) execTimeout() time.Duration {
	if w.config.ExecTimeout > 0 {
		return w.config.ExecTimeout
	}
	return DefaultExecTimeout
}
