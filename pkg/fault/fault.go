// Package fault holds the closed set of failures that can come out of a function chain
// step, from sandboxed user code or from the sandbox machinery itself.
//
// Every fault serializes to the same JSON shape, {name, message, status, response},
// which is what the sandbox sends on the wire and what operators see in notifications.
// Only RetryError and HTTPError are retryable.
package fault

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Wire names of all fault variants.
const (
	NameRetry          = "RetryError"
	NameDropRetry      = "Drop & RetryError"
	NameHTTP           = "HTTPError"
	NameGeneric        = "Error"
	NameParse          = "ParseFault"
	NameUnknownCommand = "UnknownCommandFault"
	NameCompile        = "CompileFault"
	NameRuntime        = "RuntimeFault"
	NameSecurity       = "SecurityFault"
	NameTimeout        = "TimeoutFault"
)

// MaxResponseLength is the max number of characters kept from an HTTPError response.
const MaxResponseLength = 1000

const truncationSuffix = "..."

// Fault is implemented by the fault variants in this package only.
type Fault interface {
	error
	json.Marshaler

	// Name returns the wire name of the fault
	Name() string

	// Retryable reports if the operation that caused the fault may succeed if retried
	Retryable() bool

	fault()
}

// Wire is the serialized form of a Fault.
type Wire struct {
	Name     string          `json:"name"`
	Message  string          `json:"message"`
	Status   *int            `json:"status,omitempty"`
	Response json.RawMessage `json:"response,omitempty"`
}

// Details is the object form used to construct a RetryError.
type Details struct {
	Message  string
	Status   *int
	Response any
}

// RetryError signals a transient failure. With Drop set the event is to be
// discarded now and retried later by whoever feeds events to the chain.
type RetryError struct {
	Message  string
	Status   *int
	Response any
	Drop     bool
}

func NewRetryError(message string, drop bool) *RetryError {
	return &RetryError{Message: message, Drop: drop}
}

// NewRetryErrorFrom copies message, status and response from d.
func NewRetryErrorFrom(d Details, drop bool) *RetryError {
	return &RetryError{Message: d.Message, Status: d.Status, Response: d.Response, Drop: drop}
}

func (e *RetryError) Error() string { return e.Name() + ": " + e.Message }

func (e *RetryError) Name() string {
	if e.Drop {
		return NameDropRetry
	}
	return NameRetry
}

func (e *RetryError) Retryable() bool { return true }

func (e *RetryError) MarshalJSON() ([]byte, error) {
	return marshalWire(e.Name(), e.Message, e.Status, e.Response)
}

func (*RetryError) fault() {}

// HTTPError is a retryable failure carrying an HTTP status and a possibly truncated response body.
type HTTPError struct {
	Message  string
	Status   int
	Response string
}

func NewHTTPError(message string, status int, response string) *HTTPError {
	return &HTTPError{Message: message, Status: status, Response: Truncate(response)}
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("%s: %s (status %d)", NameHTTP, e.Message, e.Status)
}

func (e *HTTPError) Name() string    { return NameHTTP }
func (e *HTTPError) Retryable() bool { return true }

func (e *HTTPError) MarshalJSON() ([]byte, error) {
	status := e.Status
	var response any
	if e.Response != "" {
		response = Truncate(e.Response)
	}
	return marshalWire(NameHTTP, e.Message, &status, response)
}

func (*HTTPError) fault() {}

// Truncate cuts s to MaxResponseLength characters, marking the cut with "...".
func Truncate(s string) string {
	if len(s) <= MaxResponseLength {
		return s
	}
	r := []rune(s)
	if len(r) <= MaxResponseLength {
		return s
	}
	return string(r[:MaxResponseLength]) + truncationSuffix
}

// Generic is any non-taxonomy failure, e.g. a plain Error thrown by user code.
type Generic struct {
	Message string
}

func (e *Generic) Error() string                { return e.Message }
func (e *Generic) Name() string                 { return NameGeneric }
func (e *Generic) Retryable() bool              { return false }
func (e *Generic) MarshalJSON() ([]byte, error) { return marshalWire(NameGeneric, e.Message, nil, nil) }
func (*Generic) fault()                         {}

// ParseFault is returned for request lines that are not valid requests.
type ParseFault struct {
	Message string
}

func NewParseFault(detail string) *ParseFault {
	return &ParseFault{Message: "malformed request: " + detail}
}

func (e *ParseFault) Error() string   { return e.Message }
func (e *ParseFault) Name() string    { return NameParse }
func (e *ParseFault) Retryable() bool { return false }
func (e *ParseFault) MarshalJSON() ([]byte, error) {
	return marshalWire(NameParse, e.Message, nil, nil)
}
func (*ParseFault) fault() {}

type UnknownCommandFault struct {
	Message string
}

func NewUnknownCommandFault(command string) *UnknownCommandFault {
	return &UnknownCommandFault{Message: "unsupported command: " + command}
}

func (e *UnknownCommandFault) Error() string   { return e.Message }
func (e *UnknownCommandFault) Name() string    { return NameUnknownCommand }
func (e *UnknownCommandFault) Retryable() bool { return false }
func (e *UnknownCommandFault) MarshalJSON() ([]byte, error) {
	return marshalWire(NameUnknownCommand, e.Message, nil, nil)
}
func (*UnknownCommandFault) fault() {}

// CompileFault means the module could not be compiled or its top level threw while loading.
type CompileFault struct {
	Message string
}

// NewCompileFault formats a compile fault, with source position when line is known.
func NewCompileFault(message string, line, column int) *CompileFault {
	if line > 0 {
		return &CompileFault{Message: fmt.Sprintf("compile error at %d:%d: %s", line, column, message)}
	}
	return &CompileFault{Message: "compile error: " + message}
}

func (e *CompileFault) Error() string   { return e.Message }
func (e *CompileFault) Name() string    { return NameCompile }
func (e *CompileFault) Retryable() bool { return false }
func (e *CompileFault) MarshalJSON() ([]byte, error) {
	return marshalWire(NameCompile, e.Message, nil, nil)
}
func (*CompileFault) fault() {}

type RuntimeFault struct {
	Message string
}

func (e *RuntimeFault) Error() string   { return e.Message }
func (e *RuntimeFault) Name() string    { return NameRuntime }
func (e *RuntimeFault) Retryable() bool { return false }
func (e *RuntimeFault) MarshalJSON() ([]byte, error) {
	return marshalWire(NameRuntime, e.Message, nil, nil)
}
func (*RuntimeFault) fault() {}

// SecurityFault is reported when user code attempted a capability it was not granted.
type SecurityFault struct {
	Message string
}

func (e *SecurityFault) Error() string   { return e.Message }
func (e *SecurityFault) Name() string    { return NameSecurity }
func (e *SecurityFault) Retryable() bool { return false }
func (e *SecurityFault) MarshalJSON() ([]byte, error) {
	return marshalWire(NameSecurity, e.Message, nil, nil)
}
func (*SecurityFault) fault() {}

type TimeoutFault struct {
	Message string
}

func (e *TimeoutFault) Error() string   { return e.Message }
func (e *TimeoutFault) Name() string    { return NameTimeout }
func (e *TimeoutFault) Retryable() bool { return false }
func (e *TimeoutFault) MarshalJSON() ([]byte, error) {
	return marshalWire(NameTimeout, e.Message, nil, nil)
}
func (*TimeoutFault) fault() {}

// Wrap returns the Fault found in err's chain, or err as a Generic fault.
// A nil err gives a nil Fault.
func Wrap(err error) Fault {
	if err == nil {
		return nil
	}
	var f Fault
	if errors.As(err, &f) {
		return f
	}
	return &Generic{Message: err.Error()}
}

// IsRetryable reports if err contains a retryable fault.
func IsRetryable(err error) bool {
	var f Fault
	return errors.As(err, &f) && f.Retryable()
}

// IsDropRetry reports if err contains a RetryError with the drop flag set.
func IsDropRetry(err error) bool {
	var re *RetryError
	return errors.As(err, &re) && re.Drop
}

// ToWire converts f into its serialized form.
func ToWire(f Fault) (*Wire, error) {
	raw, err := f.MarshalJSON()
	if err != nil {
		return nil, err
	}
	var w Wire
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, err
	}
	return &w, nil
}

// Decode rebuilds a Fault from its wire form. Unknown names give a Generic fault.
func Decode(w Wire) Fault {
	switch w.Name {
	case NameRetry, NameDropRetry:
		return &RetryError{
			Message:  w.Message,
			Status:   w.Status,
			Response: decodeResponse(w.Response),
			Drop:     w.Name == NameDropRetry,
		}
	case NameHTTP:
		f := &HTTPError{Message: w.Message}
		if w.Status != nil {
			f.Status = *w.Status
		}
		switch v := decodeResponse(w.Response).(type) {
		case nil:
		case string:
			f.Response = Truncate(v)
		default:
			f.Response = Truncate(string(w.Response))
		}
		return f
	case NameParse:
		return &ParseFault{Message: w.Message}
	case NameUnknownCommand:
		return &UnknownCommandFault{Message: w.Message}
	case NameCompile:
		return &CompileFault{Message: w.Message}
	case NameRuntime:
		return &RuntimeFault{Message: w.Message}
	case NameSecurity:
		return &SecurityFault{Message: w.Message}
	case NameTimeout:
		return &TimeoutFault{Message: w.Message}
	default:
		return &Generic{Message: w.Message}
	}
}

func decodeResponse(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	return v
}

func marshalWire(name, message string, status *int, response any) ([]byte, error) {
	w := Wire{Name: name, Message: message, Status: status}
	if response != nil {
		raw, err := json.Marshal(response)
		if err != nil {
			return nil, err
		}
		w.Response = raw
	}
	return json.Marshal(w)
}
