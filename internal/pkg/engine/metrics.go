package engine

import (
	"encoding/json"
	"sync/atomic"
)

// Event processing metrics. Using int64 is safe here:
// Total Events processed will work for 3 million years if having 100k events/sec
// Total processing DurationMicros will work for 290k years
// Total Bytes processed will work for 2856 years if ingesting at 100 MiB/sec
type ProcessingMetrics struct {
	Events         int64
	DurationMicros int64
	Bytes          int64
	Operations     int64
}

func (p *ProcessingMetrics) add(events, durationMicros, bytes, operations int64) {
	atomic.AddInt64(&p.Events, events)
	atomic.AddInt64(&p.DurationMicros, durationMicros)
	atomic.AddInt64(&p.Bytes, bytes)
	atomic.AddInt64(&p.Operations, operations)
}

func (p *ProcessingMetrics) snapshot() ProcessingMetrics {
	return ProcessingMetrics{
		Events:         atomic.LoadInt64(&p.Events),
		DurationMicros: atomic.LoadInt64(&p.DurationMicros),
		Bytes:          atomic.LoadInt64(&p.Bytes),
		Operations:     atomic.LoadInt64(&p.Operations),
	}
}

func (p *ProcessingMetrics) String() string {
	out, _ := json.Marshal(p.snapshot())
	return string(out)
}

// chainMetrics counts chain run outcomes.
type chainMetrics struct {
	Run     int64
	Done    int64
	Dropped int64
	Faulted int64
}
