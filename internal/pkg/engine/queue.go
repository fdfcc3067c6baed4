package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/zpiroux/fnchain/entity"
)

var ErrQueueClosed = errors.New("output queue closed")

// outputQueue is the bounded queue between the chains of an asynchronous destination and
// its sink. Enqueue blocks while the queue is full.
type outputQueue struct {
	items     chan *entity.Output
	closing   chan struct{}
	mu        sync.RWMutex
	closed    bool
	closeOnce sync.Once
}

func newOutputQueue(size int) *outputQueue {
	return &outputQueue{
		items:   make(chan *entity.Output, size),
		closing: make(chan struct{}),
	}
}

// Enqueue adds outputs in order. It returns ctx.Err() if ctx is done while waiting for space,
// in which case the outputs before the failing one are already queued.
func (q *outputQueue) Enqueue(ctx context.Context, outputs []*entity.Output) error {

	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}

	for _, output := range outputs {
		select {
		case q.items <- output:
		case <-ctx.Done():
			return ctx.Err()
		case <-q.closing:
			return ErrQueueClosed
		}
	}
	return nil
}

// NextBatch waits for the first output and then collects more until maxItems or maxBytes is
// reached or timeout has passed since the first one. The bool is false when no more outputs
// will come, i.e. the queue is closed and drained, or ctx is done.
func (q *outputQueue) NextBatch(ctx context.Context, maxItems, maxBytes int, timeout time.Duration) ([]*entity.Output, bool) {

	var batch []*entity.Output
	select {
	case output, ok := <-q.items:
		if !ok {
			return nil, false
		}
		batch = append(batch, output)
	case <-ctx.Done():
		return nil, false
	}

	size := len(batch[0].Payload)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for len(batch) < maxItems && size < maxBytes {
		select {
		case output, ok := <-q.items:
			if !ok {
				return batch, true
			}
			batch = append(batch, output)
			size += len(output.Payload)
		case <-timer.C:
			return batch, true
		case <-ctx.Done():
			return batch, true
		}
	}
	return batch, true
}

// Drain removes and returns all outputs currently in the queue without waiting.
func (q *outputQueue) Drain() []*entity.Output {
	var outputs []*entity.Output
	for {
		select {
		case output, ok := <-q.items:
			if !ok {
				return outputs
			}
			outputs = append(outputs, output)
		default:
			return outputs
		}
	}
}

func (q *outputQueue) Len() int {
	if q == nil {
		return 0
	}
	return len(q.items)
}

// Close stops further enqueuing. Outputs already queued can still be read.
func (q *outputQueue) Close() {
	q.closeOnce.Do(func() {
		close(q.closing)
		q.mu.Lock()
		q.closed = true
		close(q.items)
		q.mu.Unlock()
	})
}
