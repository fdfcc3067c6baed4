// Package supervisor manages the pool of sandbox workers. Workers are keyed by the hash of
// the assembled module they run, created on first use and reused for every call against
// that module, and replaced when they time out or crash.
package supervisor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/teltech/logger"
	"github.com/tidwall/gjson"
	"github.com/zpiroux/fnchain/entity"
	"github.com/zpiroux/fnchain/internal/pkg/protocol"
	"github.com/zpiroux/fnchain/pkg/fault"
)

const (
	DefaultCallTimeout = time.Second
	DefaultIdleTimeout = 5 * time.Minute
	DefaultKillGrace   = 2 * time.Second
)

const msgWorkerExited = "sandbox worker exited unexpectedly"

var ErrShutdown = errors.New("sandbox supervisor is shut down")

var log *logger.Log

func init() {
	log = logger.New()
}

type Config struct {
	// CallTimeout bounds the wait for a single reply. A worker that misses it is
	// considered suspect and replaced.
	CallTimeout time.Duration

	// IdleTimeout is how long an unused worker is kept alive.
	IdleTimeout time.Duration

	// KillGrace is how long a worker gets to exit after the kill command before it is
	// terminated.
	KillGrace time.Duration

	// JanitorInterval is how often idle workers are looked for, IdleTimeout/4 if zero.
	JanitorInterval time.Duration

	// Registerer gets the supervisor metrics. A private registry is used if nil.
	Registerer prometheus.Registerer `json:"-"`
}

// Result is the outcome of a successful execute call. Value is empty if the function
// returned undefined.
type Result struct {
	Value json.RawMessage
	Log   []entity.LogEntry
}

type Supervisor struct {
	config   Config
	launcher Launcher
	metrics  *metrics
	gatherer prometheus.Gatherer

	mu      sync.Mutex
	workers map[string]*worker
	closed  bool

	wgStops sync.WaitGroup
}

func New(config Config, launcher Launcher) *Supervisor {

	if config.CallTimeout <= 0 {
		config.CallTimeout = DefaultCallTimeout
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = DefaultIdleTimeout
	}
	if config.KillGrace <= 0 {
		config.KillGrace = DefaultKillGrace
	}
	if config.JanitorInterval <= 0 {
		config.JanitorInterval = config.IdleTimeout / 4
	}

	s := &Supervisor{
		config:   config,
		launcher: launcher,
		workers:  make(map[string]*worker),
	}

	reg := config.Registerer
	if reg == nil {
		registry := prometheus.NewRegistry()
		reg = registry
		s.gatherer = registry
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		s.gatherer = g
	}
	s.metrics = newMetrics(reg)
	return s
}

// Hash returns the pool key for an assembled module.
func Hash(code []byte) string {
	sum := sha256.Sum256(code)
	return hex.EncodeToString(sum[:])
}

// Gatherer returns the registry holding the supervisor metrics, if it is one.
func (s *Supervisor) Gatherer() prometheus.Gatherer {
	return s.gatherer
}

// Describe returns the exports of the module, along with anything it logged while loading.
func (s *Supervisor) Describe(ctx context.Context, code []byte) (entity.SymbolDescriptor, []entity.LogEntry, error) {

	reply, f := s.call(ctx, code, protocol.Request{Command: protocol.CommandDescribe})
	if f != nil {
		return nil, reply.Log, f
	}

	var symbols entity.SymbolDescriptor
	if err := json.Unmarshal(reply.Result, &symbols); err != nil {
		return nil, reply.Log, &fault.RuntimeFault{Message: "invalid describe result: " + err.Error()}
	}
	return symbols, reply.Log, nil
}

// Execute runs an exported function of the module, the default export if function is
// empty. Args are JSON encoded before sending. The returned error is always a fault.Fault;
// the result log is filled in on failure as well.
func (s *Supervisor) Execute(ctx context.Context, code []byte, function string, args ...any) (Result, error) {

	payload := protocol.Payload{Function: function, Args: make([]json.RawMessage, len(args))}
	for i, arg := range args {
		if raw, ok := arg.(json.RawMessage); ok {
			payload.Args[i] = raw
			continue
		}
		data, err := json.Marshal(arg)
		if err != nil {
			return Result{}, &fault.Generic{Message: "could not encode argument: " + err.Error()}
		}
		payload.Args[i] = data
	}

	reply, f := s.call(ctx, code, protocol.Request{Command: protocol.CommandExecute, Payload: &payload})
	result := Result{Value: reply.Result, Log: reply.Log}
	if f != nil {
		return result, f
	}
	return result, nil
}

// Evict stops the worker running the module with the given hash, if any. In-flight calls
// against it fail.
func (s *Supervisor) Evict(hash string) {
	s.mu.Lock()
	w, ok := s.workers[hash]
	if ok {
		s.removeLocked(w)
	}
	s.mu.Unlock()

	if ok {
		log.Infof(s.lgprfx()+"evicting worker %s", shortHash(hash))
		s.stop(w)
	}
}

// Workers returns the number of live workers.
func (s *Supervisor) Workers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

// Run evicts idle workers until ctx is done.
func (s *Supervisor) Run(ctx context.Context) {

	ticker := time.NewTicker(s.config.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.evictIdle(time.Now())
		}
	}
}

func (s *Supervisor) evictIdle(now time.Time) {

	var idle []*worker
	s.mu.Lock()
	for _, w := range s.workers {
		if w.idleSince(now) > s.config.IdleTimeout {
			s.removeLocked(w)
			idle = append(idle, w)
		}
	}
	s.mu.Unlock()

	for _, w := range idle {
		log.Debugf(s.lgprfx()+"worker %s idle, stopping it", shortHash(w.hash))
		s.stop(w)
	}
}

// Shutdown kills all workers and waits for them to exit, or for ctx to be done.
// Calls made after Shutdown fail.
func (s *Supervisor) Shutdown(ctx context.Context) error {

	s.mu.Lock()
	s.closed = true
	workers := make([]*worker, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, w)
		s.removeLocked(w)
	}
	s.mu.Unlock()

	log.Infof(s.lgprfx()+"shutting down %d workers", len(workers))
	for _, w := range workers {
		s.stop(w)
	}

	done := make(chan struct{})
	go func() {
		s.wgStops.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) call(ctx context.Context, code []byte, req protocol.Request) (reply protocol.Reply, f fault.Fault) {

	start := time.Now()
	defer func() {
		outcome := outcomeOK
		if f != nil {
			outcome = f.Name()
		}
		s.metrics.calls.WithLabelValues(string(req.Command), outcome).Inc()
		s.metrics.callDuration.WithLabelValues(string(req.Command)).Observe(time.Since(start).Seconds())
	}()

	w, err := s.acquire(Hash(code), code)
	if err != nil {
		return reply, &fault.Generic{Message: err.Error()}
	}

	req.ID = newRequestId()
	c, ok := w.register(req.ID)
	if !ok {
		return reply, &fault.RuntimeFault{Message: msgWorkerExited}
	}
	defer w.unregister(req.ID)

	line, err := json.Marshal(req)
	if err != nil {
		return reply, &fault.Generic{Message: err.Error()}
	}

	select {
	case w.sendq <- request{id: req.ID, line: append(line, '\n')}:
	case <-w.done:
		return reply, &fault.RuntimeFault{Message: msgWorkerExited}
	case <-ctx.Done():
		return reply, &fault.Generic{Message: ctx.Err().Error()}
	}

	// The call timeout covers the worker handling the request, not the wait behind
	// earlier requests to the same worker.
	var timeout <-chan time.Time
	started := c.started
wait:
	for {
		select {
		case <-started:
			timer := time.NewTimer(s.config.CallTimeout)
			defer timer.Stop()
			timeout, started = timer.C, nil
		case reply = <-c.reply:
			break wait
		case <-w.done:
			select {
			case reply = <-c.reply:
				break wait
			default:
				return reply, &fault.RuntimeFault{Message: msgWorkerExited}
			}
		case <-timeout:
			s.restart(w, restartTimeout)
			return reply, &fault.TimeoutFault{Message: "no reply from sandbox worker within " + s.config.CallTimeout.String()}
		case <-ctx.Done():
			return reply, &fault.Generic{Message: ctx.Err().Error()}
		}
	}

	w.touch()
	return reply, reply.AsFault()
}

// acquire returns the worker for the module, launching one if needed.
func (s *Supervisor) acquire(hash string, code []byte) (*worker, error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrShutdown
	}
	if w, ok := s.workers[hash]; ok {
		w.touch()
		return w, nil
	}

	conn, err := s.launcher.Launch(hash, code)
	if err != nil {
		log.Errorf(s.lgprfx()+"could not launch worker for %s, err: %v", shortHash(hash), err)
		return nil, err
	}
	w := newWorker(hash, conn)
	s.workers[hash] = w
	s.metrics.workers.Inc()

	go s.readLoop(w)
	go w.writeLoop()

	log.Debugf(s.lgprfx()+"launched worker %s", shortHash(hash))
	return w, nil
}

// restart drops a suspect worker from the pool. The next call for its module gets a new one.
func (s *Supervisor) restart(w *worker, reason string) {

	s.mu.Lock()
	removed := s.removeLocked(w)
	s.mu.Unlock()

	if removed {
		log.Warnf(s.lgprfx()+"restarting worker %s, reason: %s", shortHash(w.hash), reason)
		s.metrics.restarts.WithLabelValues(reason).Inc()
		s.stop(w)
	}
}

func (s *Supervisor) removeLocked(w *worker) bool {
	if current, ok := s.workers[w.hash]; ok && current == w {
		delete(s.workers, w.hash)
		s.metrics.workers.Dec()
		return true
	}
	return false
}

// stop asks the worker to exit, and terminates it if it has not done so within the
// kill grace period.
func (s *Supervisor) stop(w *worker) {

	if !w.stopping.CompareAndSwap(false, true) {
		return
	}

	s.wgStops.Add(1)
	go func() {
		defer s.wgStops.Done()

		killId := newRequestId()
		w.register(killId)
		line, _ := json.Marshal(protocol.Request{ID: killId, Command: protocol.CommandKill})

		deadline := time.After(s.config.KillGrace)
		exited := func() bool {
			select {
			case w.sendq <- kill:
			case <-w.done:
				return true
			case <-deadline:
				return false
			}
			select {
			case w.sendq <- request{}:
			case <-w.done:
				return true
			case <-deadline:
				return false
			}
			select {
			case <-w.done:
				return true
			case <-deadline:
				return false
			}
		}()
		if exited {
			return
		}

		log.Warnf(s.lgprfx()+"worker %s did not exit within %s, terminating it", shortHash(w.hash), s.config.KillGrace)
		if err := w.conn.Terminate(); err != nil {
			log.Errorf(s.lgprfx()+"could not terminate worker %s, err: %v", shortHash(w.hash), err)
		}
		<-w.done
	}()
}

// readLoop routes replies to waiting calls until the worker's output is closed.
func (s *Supervisor) readLoop(w *worker) {

	dec := protocol.NewDecoder(w.conn)
	for {
		line, err := dec.ReadLine()
		if errors.Is(err, protocol.ErrLineTooLong) {
			id := gjson.GetBytes(line, "id").String()
			log.Warnf(s.lgprfx()+"worker %s sent an oversized reply for request id %q", shortHash(w.hash), id)
			w.deliver(protocol.NewFaultReply(id, &fault.RuntimeFault{Message: protocol.ErrLineTooLong.Error()}, nil))
			continue
		}
		if err != nil {
			if !w.stopping.Load() && !isClosed(err) {
				log.Warnf(s.lgprfx()+"reading from worker %s failed, err: %v", shortHash(w.hash), err)
			}
			break
		}
		var reply protocol.Reply
		if err := json.Unmarshal(line, &reply); err != nil {
			log.Warnf(s.lgprfx()+"worker %s sent an invalid reply line, err: %v", shortHash(w.hash), err)
			continue
		}
		if !w.deliver(reply) && !w.stopping.Load() {
			log.Warnf(s.lgprfx()+"worker %s sent a reply for unknown request id %q", shortHash(w.hash), reply.ID)
		}
	}

	if err := w.conn.Terminate(); err != nil && !w.stopping.Load() {
		log.Debugf(s.lgprfx()+"terminate after output closed for %s, err: %v", shortHash(w.hash), err)
	}
	err := w.conn.Wait()
	w.exit()

	if w.stopping.Load() {
		return
	}

	log.Warnf(s.lgprfx()+"worker %s exited unexpectedly, err: %v", shortHash(w.hash), err)
	s.mu.Lock()
	removed := s.removeLocked(w)
	s.mu.Unlock()
	if removed {
		s.metrics.restarts.WithLabelValues(restartCrash).Inc()
	}
}

func (s *Supervisor) lgprfx() string {
	return "[supervisor] "
}
