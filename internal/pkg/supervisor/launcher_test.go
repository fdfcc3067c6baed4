package supervisor

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zpiroux/fnchain/internal/pkg/protocol"
	"github.com/zpiroux/fnchain/internal/pkg/sandbox"
)

// The test binary doubles as the worker process when started with helperEnv set.
const helperEnv = "FNCHAIN_TEST_HELPER"

func TestMain(m *testing.M) {
	switch os.Getenv(helperEnv) {
	case "worker":
		os.Exit(helperWorker())
	case "stubborn":
		signal.Ignore(syscall.SIGTERM)
		fmt.Println("ready")
		time.Sleep(time.Hour)
		os.Exit(0)
	}
	os.Exit(m.Run())
}

// helperWorker serves the module given with the same flags as the fnchain worker command.
func helperWorker() int {
	flags := flag.NewFlagSet("worker", flag.ContinueOnError)
	module := flags.String("module", "", "")
	execTimeout := flags.Duration("exec-timeout", sandbox.DefaultExecTimeout, "")
	if err := flags.Parse(os.Args[1:]); err != nil {
		return 2
	}
	source, err := os.ReadFile(*module)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	w, err := sandbox.NewWorker(source, sandbox.Config{ExecTimeout: *execTimeout})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if err := w.Serve(context.Background(), os.Stdin, os.Stdout); err != nil {
		return 1
	}
	return 0
}

func helperLauncher(t *testing.T, mode string) *ProcessLauncher {
	return &ProcessLauncher{
		Command:     []string{os.Args[0]},
		Env:         []string{helperEnv + "=" + mode},
		Dir:         t.TempDir(),
		ExecTimeout: time.Second,
		TermGrace:   200 * time.Millisecond,
	}
}

func moduleFiles(t *testing.T, dir string) []string {
	t.Helper()
	files, err := filepath.Glob(filepath.Join(dir, "udf-*.js"))
	require.NoError(t, err)
	return files
}

func TestProcessWorkerKill(t *testing.T) {

	l := helperLauncher(t, "worker")
	conn, err := l.Launch(Hash([]byte("k")), []byte(`export default (p) => ["t", { n: p.n + 1 }]`))
	require.NoError(t, err)
	assert.Len(t, moduleFiles(t, l.Dir), 1)

	dec := protocol.NewDecoder(conn)
	_, err = io.WriteString(conn, `{"id":"e1","command":"execute","payload":{"args":[{"n":1}]}}`+"\n")
	require.NoError(t, err)
	reply, err := dec.ReadReply()
	require.NoError(t, err)
	require.True(t, reply.OK, reply.Error)
	assert.Equal(t, "e1", reply.ID)
	assert.JSONEq(t, `["t",{"n":2}]`, string(reply.Result))

	_, err = io.WriteString(conn, `{"id":"k1","command":"kill"}`+"\n")
	require.NoError(t, err)
	reply, err = dec.ReadReply()
	require.NoError(t, err)
	assert.Equal(t, "k1", reply.ID)
	assert.True(t, reply.OK)

	_, err = dec.ReadLine()
	assert.Equal(t, io.EOF, err, "nothing is written after the kill reply")
	assert.NoError(t, conn.Wait(), "worker exits with status 0")
	assert.Empty(t, moduleFiles(t, l.Dir), "module file is removed when the worker exits")
}

func TestProcessWorkerTerminate(t *testing.T) {

	l := helperLauncher(t, "stubborn")
	conn, err := l.Launch(Hash([]byte("s")), []byte(`export default () => 1`))
	require.NoError(t, err)

	out := bufio.NewReader(conn)
	ready, err := out.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "ready\n", ready)

	start := time.Now()
	require.NoError(t, conn.Terminate())
	_, err = io.Copy(io.Discard, out)
	require.NoError(t, err)

	err = conn.Wait()
	assert.GreaterOrEqual(t, time.Since(start), l.TermGrace, "SIGTERM is ignored, so SIGKILL follows after the grace period")
	var exitErr *exec.ExitError
	require.True(t, errors.As(err, &exitErr), "unexpected wait result: %v", err)
	status, ok := exitErr.Sys().(syscall.WaitStatus)
	require.True(t, ok)
	assert.Equal(t, syscall.SIGKILL, status.Signal())
	assert.Empty(t, moduleFiles(t, l.Dir))
}

func TestSupervisorWithProcessWorkers(t *testing.T) {

	l := helperLauncher(t, "worker")
	s := New(Config{CallTimeout: 5 * time.Second, KillGrace: time.Second}, l)
	ctx := context.Background()

	result, err := s.Execute(ctx, []byte(echoModule), "", map[string]any{"id": "p1"}, map[string]any{"tag": "proc"})
	require.NoError(t, err)
	assert.JSONEq(t, `["events",{"id":"p1","tag":"proc"}]`, string(result.Value))

	require.NoError(t, s.Shutdown(ctx))
	assert.Equal(t, 0.0, testutil.ToFloat64(s.metrics.restarts.WithLabelValues(restartCrash)))
	assert.Empty(t, moduleFiles(t, l.Dir))
}
