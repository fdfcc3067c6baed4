package engine

import (
	"sort"
	"sync"

	"github.com/zpiroux/fnchain/internal/pkg/ifnchain"
)

// executorArchivist is the keeper of all live executors, one per enabled destination.
type executorArchivist struct {
	x      ExecutorMap
	xMutex sync.Mutex
}

type ExecutorMap map[string]ifnchain.Executor

func newExecutorArchivist() *executorArchivist {
	return &executorArchivist{x: make(ExecutorMap)}
}

func (e *executorArchivist) Get(id string) (ifnchain.Executor, bool) {
	e.xMutex.Lock()
	defer e.xMutex.Unlock()
	executor, ok := e.x[id]
	return executor, ok
}

// All returns the executors sorted on destination id.
func (e *executorArchivist) All() []ifnchain.Executor {
	e.xMutex.Lock()
	executors := make([]ifnchain.Executor, 0, len(e.x))
	for _, executor := range e.x {
		executors = append(executors, executor)
	}
	e.xMutex.Unlock()
	sort.Slice(executors, func(i, j int) bool { return executors[i].Spec().Id < executors[j].Spec().Id })
	return executors
}

func (e *executorArchivist) GrantExclusiveAccess() *ExecutorMap {
	e.xMutex.Lock()
	return &e.x
}

func (e *executorArchivist) RevokeExclusiveAccess() {
	e.xMutex.Unlock()
}
