package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/zpiroux/fnchain/internal/pkg/sandbox"
)

// Conn is the host side of a running worker. Reads return reply lines and writes send
// request lines.
type Conn interface {
	io.Reader
	io.Writer

	// CloseInput closes the worker's request stream, which makes an idle worker exit.
	CloseInput() error

	// Terminate forcibly stops the worker.
	Terminate() error

	// Wait blocks until the worker has exited. It must only be called after reads
	// have returned io.EOF.
	Wait() error
}

// Launcher starts a worker for a given assembled module.
type Launcher interface {
	Launch(hash string, code []byte) (Conn, error)
}

// ProcessLauncher runs every worker as a child process with an empty environment.
// The module is handed over in a private temp file, removed when the process exits.
type ProcessLauncher struct {
	// Command is the worker command line, e.g. {"/usr/local/bin/fnchain", "worker"}.
	// The module flags are appended to it.
	Command []string

	// Env is the full environment of the worker process, empty if nil.
	Env []string

	// Dir holds module files, os.TempDir() if empty.
	Dir string

	ExecTimeout time.Duration

	// TermGrace is the time between SIGTERM and SIGKILL on Terminate.
	TermGrace time.Duration
}

func (l *ProcessLauncher) Launch(hash string, code []byte) (Conn, error) {

	if len(l.Command) == 0 {
		return nil, errors.New("no worker command configured")
	}

	file, err := os.CreateTemp(l.Dir, "udf-"+shortHash(hash)+"-*.js")
	if err != nil {
		return nil, err
	}
	_, err = file.Write(code)
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(file.Name())
		return nil, err
	}

	args := append([]string{}, l.Command[1:]...)
	args = append(args, "--module", file.Name())
	if l.ExecTimeout > 0 {
		args = append(args, "--exec-timeout", l.ExecTimeout.String())
	}
	cmd := exec.Command(l.Command[0], args...)
	cmd.Env = l.Env
	if cmd.Env == nil {
		cmd.Env = []string{}
	}

	p := &process{
		cmd:        cmd,
		moduleFile: file.Name(),
		hash:       hash,
		grace:      l.TermGrace,
		stderrDone: make(chan struct{}),
		exited:     make(chan struct{}),
	}
	if err := p.start(); err != nil {
		os.Remove(file.Name())
		return nil, err
	}
	return p, nil
}

type process struct {
	cmd        *exec.Cmd
	stdin      io.WriteCloser
	stdout     io.ReadCloser
	moduleFile string
	hash       string
	grace      time.Duration
	stderrDone chan struct{}
	exited     chan struct{}
	waitOnce   sync.Once
	waitErr    error
}

func (p *process) start() error {
	var err error
	if p.stdin, err = p.cmd.StdinPipe(); err != nil {
		return err
	}
	if p.stdout, err = p.cmd.StdoutPipe(); err != nil {
		return err
	}
	stderr, err := p.cmd.StderrPipe()
	if err != nil {
		return err
	}
	if err = p.cmd.Start(); err != nil {
		return fmt.Errorf("could not start sandbox worker: %w", err)
	}
	go p.forwardStderr(stderr)
	return nil
}

// forwardStderr logs anything the worker process prints outside the protocol.
func (p *process) forwardStderr(stderr io.Reader) {
	defer close(p.stderrDone)
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		log.Warnf("[worker:%s] %s", shortHash(p.hash), scanner.Text())
	}
}

func (p *process) Read(b []byte) (int, error)  { return p.stdout.Read(b) }
func (p *process) Write(b []byte) (int, error) { return p.stdin.Write(b) }
func (p *process) CloseInput() error           { return p.stdin.Close() }

func (p *process) Terminate() error {
	if p.cmd.Process == nil {
		return nil
	}
	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return p.cmd.Process.Kill()
	}
	grace := p.grace
	if grace <= 0 {
		grace = DefaultKillGrace
	}
	go func() {
		select {
		case <-p.exited:
		case <-time.After(grace):
			_ = p.cmd.Process.Kill()
		}
	}()
	return nil
}

func (p *process) Wait() error {
	p.waitOnce.Do(func() {
		<-p.stderrDone
		p.waitErr = p.cmd.Wait()
		close(p.exited)
		os.Remove(p.moduleFile)
	})
	return p.waitErr
}

// InProcessLauncher runs every worker on its own goroutine, talking the same line
// protocol over pipes. Workers still get one VM each, but share the host process.
type InProcessLauncher struct {
	Config sandbox.Config
}

func (l *InProcessLauncher) Launch(hash string, code []byte) (Conn, error) {

	worker, err := sandbox.NewWorker(code, l.Config)
	if err != nil {
		return nil, err
	}

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	ctx, cancel := context.WithCancel(context.Background())

	c := &inProcess{
		worker: worker,
		in:     inW,
		out:    outR,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		c.err = worker.Serve(ctx, inR, outW)
		inR.Close()
		outW.Close()
		close(c.done)
	}()
	return c, nil
}

type inProcess struct {
	worker *sandbox.Worker
	in     *io.PipeWriter
	out    *io.PipeReader
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func (c *inProcess) Read(b []byte) (int, error)  { return c.out.Read(b) }
func (c *inProcess) Write(b []byte) (int, error) { return c.in.Write(b) }
func (c *inProcess) CloseInput() error           { return c.in.Close() }

func (c *inProcess) Terminate() error {
	c.cancel()
	c.worker.Interrupt()
	return c.in.Close()
}

func (c *inProcess) Wait() error {
	<-c.done
	return c.err
}

func shortHash(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
