package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zpiroux/fnchain/entity"
	"github.com/zpiroux/fnchain/internal/pkg/sandbox"
	"github.com/zpiroux/fnchain/pkg/fault"
)

const echoModule = `
export const version = 3;
export default function (payload, config) {
	console.log("got", payload.id);
	return ["events", { id: payload.id, tag: config.tag }];
}
export function fail() {
	throw new RetryError({ message: "busy", status: 503 });
}
export function spin() {
	while (true) {}
}
`

func newTestSupervisor(t *testing.T, config Config) *Supervisor {
	t.Helper()
	if config.CallTimeout == 0 {
		config.CallTimeout = 2 * time.Second
	}
	if config.KillGrace == 0 {
		config.KillGrace = 100 * time.Millisecond
	}
	s := New(config, &InProcessLauncher{Config: sandbox.Config{ExecTimeout: 10 * time.Second}})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, s.Shutdown(ctx))
	})
	return s
}

func TestDescribeAndExecute(t *testing.T) {

	s := newTestSupervisor(t, Config{})
	ctx := context.Background()
	code := []byte(echoModule)

	symbols, _, err := s.Describe(ctx, code)
	require.NoError(t, err)
	assert.Equal(t, "function", symbols["default"].Type)
	assert.Equal(t, "number", symbols["version"].Type)
	assert.JSONEq(t, "3", string(symbols["version"].Value))
	assert.ElementsMatch(t, []string{"default", "fail", "spin"}, symbols.Functions())

	result, err := s.Execute(ctx, code, "", map[string]any{"id": "e1"}, json.RawMessage(`{"tag":"x"}`))
	require.NoError(t, err)
	assert.JSONEq(t, `["events",{"id":"e1","tag":"x"}]`, string(result.Value))
	assert.Equal(t, []entity.LogEntry{{Level: entity.LogLevelInfo, Message: "got e1"}}, result.Log)

	assert.Equal(t, 1, s.Workers(), "the worker is reused for the same code")
}

func TestExecuteFault(t *testing.T) {

	s := newTestSupervisor(t, Config{})
	result, err := s.Execute(context.Background(), []byte(echoModule), "fail")
	require.Error(t, err)

	f, ok := err.(fault.Fault)
	require.True(t, ok)
	assert.Equal(t, fault.NameRetry, f.Name())
	assert.True(t, fault.IsRetryable(err))
	retry := f.(*fault.RetryError)
	require.NotNil(t, retry.Status)
	assert.Equal(t, 503, *retry.Status)
	assert.Empty(t, result.Log)
	assert.NotNil(t, result.Log)
}

func TestPipelinedCalls(t *testing.T) {

	s := newTestSupervisor(t, Config{})
	code := []byte(echoModule)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('a' + i))
			result, err := s.Execute(context.Background(), code, "default", map[string]any{"id": id}, map[string]any{})
			if err != nil {
				errs <- err
				return
			}
			var out []json.RawMessage
			if err := json.Unmarshal(result.Value, &out); err != nil || len(out) != 2 {
				errs <- errors.New("bad result: " + string(result.Value))
				return
			}
			var payload map[string]any
			_ = json.Unmarshal(out[1], &payload)
			if payload["id"] != id {
				errs <- errors.New("reply routed to the wrong call: " + string(result.Value))
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, s.Workers())
}

func TestQueuedCallsDoNotTimeOut(t *testing.T) {

	s := newTestSupervisor(t, Config{CallTimeout: time.Second})
	code := []byte(`export default function () {
		const end = Date.now() + 300;
		while (Date.now() < end) {}
		return ["busy", {}];
	}`)

	// Together the calls take longer than the call timeout, each one alone does not
	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Execute(context.Background(), code, ""); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, s.Workers())
	assert.Equal(t, 0.0, testutil.ToFloat64(s.metrics.restarts.WithLabelValues(restartTimeout)))
}

func TestWorkersPerModule(t *testing.T) {

	s := newTestSupervisor(t, Config{})
	ctx := context.Background()

	_, err := s.Execute(ctx, []byte(`export default () => 1`), "")
	require.NoError(t, err)
	_, err = s.Execute(ctx, []byte(`export default () => 2`), "")
	require.NoError(t, err)
	assert.Equal(t, 2, s.Workers())
	assert.Equal(t, 2.0, testutil.ToFloat64(s.metrics.workers))

	s.Evict(Hash([]byte(`export default () => 1`)))
	assert.Equal(t, 1, s.Workers())
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.workers))
}

func TestCallTimeoutRestartsWorker(t *testing.T) {

	s := newTestSupervisor(t, Config{CallTimeout: 100 * time.Millisecond})
	ctx := context.Background()
	code := []byte(echoModule)

	_, err := s.Execute(ctx, code, "spin")
	require.Error(t, err)
	assert.Equal(t, fault.NameTimeout, err.(fault.Fault).Name())
	assert.False(t, fault.IsRetryable(err))
	assert.Equal(t, 0, s.Workers())
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.restarts.WithLabelValues(restartTimeout)))

	result, err := s.Execute(ctx, code, "", map[string]any{"id": "after"}, map[string]any{})
	require.NoError(t, err)
	assert.Contains(t, string(result.Value), "after")
}

func TestCrashedWorkerIsReplaced(t *testing.T) {

	launcher := &crashingLauncher{}
	s := New(Config{CallTimeout: 5 * time.Second, KillGrace: 100 * time.Millisecond}, launcher)
	defer s.Shutdown(context.Background())
	code := []byte(echoModule)
	ctx := context.Background()

	errc := make(chan error, 1)
	go func() {
		_, err := s.Execute(ctx, code, "spin")
		errc <- err
	}()
	assert.Eventually(t, func() bool { return launcher.count() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	launcher.crash()

	err := <-errc
	require.Error(t, err)
	assert.Equal(t, fault.NameRuntime, err.(fault.Fault).Name())
	assert.Contains(t, err.Error(), msgWorkerExited)

	assert.Eventually(t, func() bool { return s.Workers() == 0 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(s.metrics.restarts.WithLabelValues(restartCrash)))

	_, err = s.Execute(ctx, code, "", map[string]any{"id": "3"}, map[string]any{})
	assert.NoError(t, err)
	assert.Equal(t, 2, launcher.count())
}

func TestIdleWorkersAreEvicted(t *testing.T) {

	s := newTestSupervisor(t, Config{IdleTimeout: 50 * time.Millisecond, JanitorInterval: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	_, err := s.Execute(ctx, []byte(echoModule), "", map[string]any{"id": "1"}, map[string]any{})
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return s.Workers() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestShutdown(t *testing.T) {

	s := New(Config{KillGrace: 100 * time.Millisecond}, &InProcessLauncher{})
	_, err := s.Execute(context.Background(), []byte(echoModule), "", map[string]any{"id": "1"}, map[string]any{})
	require.NoError(t, err)

	require.NoError(t, s.Shutdown(context.Background()))
	assert.Equal(t, 0, s.Workers())

	_, err = s.Execute(context.Background(), []byte(echoModule), "", map[string]any{"id": "1"}, map[string]any{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), ErrShutdown.Error())
}

func TestHash(t *testing.T) {
	assert.Equal(t, Hash([]byte("a")), Hash([]byte("a")))
	assert.NotEqual(t, Hash([]byte("a")), Hash([]byte("b")))
	assert.Len(t, Hash([]byte("a")), 64)
}

// crashingLauncher can make its latest worker die without replying, like a process that
// was killed from outside.
type crashingLauncher struct {
	InProcessLauncher
	mu       sync.Mutex
	latest   *inProcess
	launches int
}

func (l *crashingLauncher) Launch(hash string, code []byte) (Conn, error) {
	conn, err := l.InProcessLauncher.Launch(hash, code)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.latest = conn.(*inProcess)
	l.launches++
	return conn, nil
}

func (l *crashingLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches
}

func (l *crashingLauncher) crash() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.latest.out.Close()
	l.latest.in.Close()
}
