// Package protocol defines the line oriented request/reply protocol between the sandbox
// supervisor and its workers. Each request and each reply is a single line of JSON.
package protocol

import (
	"bufio"
	"encoding/json"
	"errors"
	"io"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/zpiroux/fnchain/entity"
	"github.com/zpiroux/fnchain/pkg/fault"
)

type Command string

const (
	CommandDescribe Command = "describe"
	CommandExecute  Command = "execute"
	CommandKill     Command = "kill"
)

// FunctionValidator is the function name that is run with network access granted.
const FunctionValidator = "validator"

// MaxLineBytes bounds a single request or reply line.
const MaxLineBytes = 64 << 20

var ErrLineTooLong = errors.New("protocol line exceeds max length")

type Request struct {
	ID      string   `json:"id,omitempty"`
	Command Command  `json:"command"`
	Payload *Payload `json:"payload,omitempty"`
}

type Payload struct {
	// Function is the exported symbol to run, the default export if empty
	Function string            `json:"function,omitempty"`
	Args     []json.RawMessage `json:"args"`
}

type Reply struct {
	ID     string            `json:"id,omitempty"`
	OK     bool              `json:"ok"`
	Result json.RawMessage   `json:"result,omitempty"`
	Error  string            `json:"error,omitempty"`
	Fault  *fault.Wire       `json:"fault,omitempty"`
	Log    []entity.LogEntry `json:"log"`
}

// NewFaultReply creates a failed reply for the request with the given id.
func NewFaultReply(id string, f fault.Fault, log []entity.LogEntry) Reply {
	if log == nil {
		log = []entity.LogEntry{}
	}
	reply := Reply{ID: id, Error: f.Error(), Log: log}
	if w, err := fault.ToWire(f); err == nil {
		reply.Fault = w
	}
	return reply
}

// AsFault rebuilds the fault of a failed reply. Replies without fault details give a
// Generic fault with the error message.
func (r *Reply) AsFault() fault.Fault {
	if r.OK {
		return nil
	}
	if r.Fault != nil {
		return fault.Decode(*r.Fault)
	}
	return &fault.Generic{Message: r.Error}
}

// ParseRequest decodes a request line. On failure the returned id is whatever could be
// recovered from the line, so the error reply can still be correlated.
func ParseRequest(line []byte) (Request, string, fault.Fault) {
	var req Request
	if err := json.Unmarshal(line, &req); err != nil {
		return req, gjson.GetBytes(line, "id").String(), fault.NewParseFault(err.Error())
	}
	if req.Command == "" {
		return req, req.ID, fault.NewParseFault("missing command")
	}
	return req, req.ID, nil
}

// Encoder writes one JSON value per line. It is safe for concurrent use.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

func (e *Encoder) Encode(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err = e.w.Write(data)
	return err
}

// Decoder reads lines. Lines are returned without the trailing newline.
type Decoder struct {
	r       *bufio.Reader
	maxLine int
}

func NewDecoder(r io.Reader) *Decoder {
	return NewDecoderSize(r, MaxLineBytes)
}

// NewDecoderSize returns a Decoder accepting lines of at most maxLine bytes.
func NewDecoderSize(r io.Reader, maxLine int) *Decoder {
	return &Decoder{r: bufio.NewReaderSize(r, 64*1024), maxLine: maxLine}
}

// ReadLine returns the next line, io.EOF when the input is closed.
// A final line without newline is returned before io.EOF.
// A line longer than the max is skipped up to its newline; its first max bytes are
// returned together with ErrLineTooLong, and the Decoder can be used further.
func (d *Decoder) ReadLine() ([]byte, error) {
	var line []byte
	tooLong := false
	for {
		chunk, isPrefix, err := d.r.ReadLine()
		if err != nil {
			if err == io.EOF && (len(line) > 0 || tooLong) {
				break
			}
			return nil, err
		}
		if !tooLong {
			line = append(line, chunk...)
			if len(line) > d.maxLine {
				line, tooLong = line[:d.maxLine], true
			}
		}
		if !isPrefix {
			break
		}
	}
	if tooLong {
		return line, ErrLineTooLong
	}
	return line, nil
}

// ReadReply reads and decodes the next reply line.
func (d *Decoder) ReadReply() (Reply, error) {
	var reply Reply
	line, err := d.ReadLine()
	if err != nil {
		return reply, err
	}
	err = json.Unmarshal(line, &reply)
	return reply, err
}
