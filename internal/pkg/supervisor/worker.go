package supervisor

import (
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/zpiroux/fnchain/internal/pkg/protocol"
)

const sendQueueSize = 1024

// request is one line queued for a worker. A request with a nil line closes the worker's input.
type request struct {
	id   string
	line []byte
}

// call tracks one request from the time it is written until its reply arrives.
// started is closed when the worker begins handling the request, which is when all
// requests written before it have been replied to.
type call struct {
	id      string
	reply   chan protocol.Reply
	started chan struct{}
	begun   bool
}

func (c *call) start() {
	if !c.begun {
		c.begun = true
		close(c.started)
	}
}

// worker is the supervisor's handle on one running sandbox worker.
type worker struct {
	hash string
	conn Conn

	sendq chan request
	done  chan struct{}

	mu      sync.Mutex
	pending map[string]*call

	// inflight holds the written requests not yet replied to, in write order. The worker
	// handles them one at a time in that order.
	inflight []*call
	exited   bool

	lastUsed atomic.Int64
	stopping atomic.Bool
}

func newWorker(hash string, conn Conn) *worker {
	w := &worker{
		hash:    hash,
		conn:    conn,
		sendq:   make(chan request, sendQueueSize),
		done:    make(chan struct{}),
		pending: make(map[string]*call),
	}
	w.touch()
	return w
}

// writeLoop writes queued request lines in order, so that a busy worker never blocks
// the calling goroutines.
func (w *worker) writeLoop() {
	for {
		select {
		case <-w.done:
			return
		case req := <-w.sendq:
			if req.line == nil {
				if err := w.conn.CloseInput(); err != nil && !isClosed(err) {
					log.Warnf("[worker:%s] closing input failed, err: %v", shortHash(w.hash), err)
				}
				return
			}
			w.written(req.id)
			if _, err := w.conn.Write(req.line); err != nil {
				if !w.stopping.Load() {
					log.Warnf("[worker:%s] write failed, terminating worker, err: %v", shortHash(w.hash), err)
				}
				_ = w.conn.Terminate()
				return
			}
		}
	}
}

// written puts the request last in line for the worker. A request written to an idle
// worker starts right away.
func (w *worker) written(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	c, ok := w.pending[id]
	if !ok {
		// Abandoned before it was written; the worker still handles it
		c = &call{id: id, started: make(chan struct{})}
	}
	w.inflight = append(w.inflight, c)
	if len(w.inflight) == 1 {
		c.start()
	}
}

// register adds a waiter for the reply to request id. It fails if the worker is gone.
func (w *worker) register(id string) (*call, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.exited {
		return nil, false
	}
	c := &call{id: id, reply: make(chan protocol.Reply, 1), started: make(chan struct{})}
	w.pending[id] = c
	return c, true
}

// unregister drops the waiter for id. A request already written stays in line, since the
// worker replies to it regardless.
func (w *worker) unregister(id string) {
	w.mu.Lock()
	delete(w.pending, id)
	w.mu.Unlock()
}

// deliver hands a reply to its waiter, reporting false if nobody waits for it. The next
// request in line is started.
func (w *worker) deliver(reply protocol.Reply) bool {
	w.mu.Lock()
	for i, c := range w.inflight {
		if c.id == reply.ID {
			w.inflight = append(w.inflight[:i], w.inflight[i+1:]...)
			break
		}
	}
	if len(w.inflight) > 0 {
		w.inflight[0].start()
	}
	c, ok := w.pending[reply.ID]
	delete(w.pending, reply.ID)
	w.mu.Unlock()
	if ok && c.reply != nil {
		c.reply <- reply
	}
	return ok
}

func (w *worker) exit() {
	w.mu.Lock()
	w.exited = true
	w.mu.Unlock()
	close(w.done)
}

func (w *worker) touch() {
	w.lastUsed.Store(time.Now().UnixNano())
}

// idleSince returns for how long the worker has had nothing to do.
func (w *worker) idleSince(now time.Time) time.Duration {
	w.mu.Lock()
	busy := len(w.pending) > 0
	w.mu.Unlock()
	if busy {
		return 0
	}
	return now.Sub(time.Unix(0, w.lastUsed.Load()))
}

func newRequestId() string {
	return uuid.New().String()
}

func isClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, os.ErrClosed)
}
