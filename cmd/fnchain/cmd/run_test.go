package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zpiroux/fnchain/entity"
	"github.com/zpiroux/fnchain/pkg/fault"
)

type fakePublisher struct {
	events []entity.Event
}

func (p *fakePublisher) Publish(ctx context.Context, event entity.Event) (entity.EventProcessingResult, error) {
	p.events = append(p.events, event)
	if strings.Contains(string(event.Data), "fail") {
		return entity.EventProcessingResult{
			Status:    entity.ExecutorStatusError,
			Error:     errors.New("destination orders: busy"),
			Retryable: true,
			Destinations: map[string]*entity.DestinationResult{
				"orders": {
					Status:    entity.ExecutorStatusError,
					State:     entity.ChainFaulted,
					Step:      1,
					Fault:     fault.NewRetryError("busy", false),
					Error:     errors.New("busy"),
					Retryable: true,
				},
			},
		}, nil
	}
	return entity.EventProcessingResult{
		Status: entity.ExecutorStatusSuccessful,
		Destinations: map[string]*entity.DestinationResult{
			"orders": {
				Status:  entity.ExecutorStatusSuccessful,
				State:   entity.ChainDone,
				Step:    -1,
				Outputs: []*entity.Output{{Table: "orders", Key: event.Key, Payload: event.Data}},
			},
			"audit": {
				Status: entity.ExecutorStatusSuccessful,
				State:  entity.ChainDropped,
				Step:   0,
				Drop:   entity.DropFiltered,
			},
		},
	}, nil
}

func TestPublishLines(t *testing.T) {

	runKeyPath = "id"
	runDestinations = []string{"orders", "audit"}
	defer func() { runKeyPath, runDestinations = "", nil }()

	input := strings.Join([]string{
		`{"id": "a1", "n": 1}`,
		``,
		`not json`,
		`{"id": "a2", "fail": true}`,
	}, "\n")

	var p fakePublisher
	var out bytes.Buffer
	require.NoError(t, publishLines(context.Background(), &p, strings.NewReader(input), &out))

	require.Len(t, p.events, 2)
	assert.Equal(t, []byte("a1"), p.events[0].Key)
	assert.Equal(t, []string{"orders", "audit"}, p.events[0].Destinations)

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)

	var first eventReport
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, 1, first.Line)
	assert.Equal(t, "successful", first.Status)
	assert.Equal(t, "done", first.Destinations["orders"].State)
	assert.Equal(t, "a1", first.Destinations["orders"].Outputs[0].Key)
	assert.JSONEq(t, `{"id": "a1", "n": 1}`, string(first.Destinations["orders"].Outputs[0].Payload))
	assert.Equal(t, "filtered", first.Destinations["audit"].Drop)

	assert.JSONEq(t, `{"line": 3, "error": "invalid JSON"}`, lines[1])

	var failed map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[2]), &failed))
	assert.Equal(t, "error", failed["status"])
	assert.Equal(t, true, failed["retryable"])
	orders := failed["destinations"].(map[string]any)["orders"].(map[string]any)
	assert.Equal(t, "faulted", orders["state"])
	assert.Equal(t, map[string]any{"name": "RetryError", "message": "busy"}, orders["fault"])
}

type staticMetrics map[string]entity.Metrics

func (s staticMetrics) Metrics() map[string]entity.Metrics {
	return s
}

func TestEngineCollector(t *testing.T) {

	c := newEngineCollector(staticMetrics{
		"orders": {EventsProcessed: 3, ChainsDone: 2, ChainsDropped: 1, OutputsStoredInSink: 2, SinkOperations: 2, SinkProcessingTimeMicros: 1500000},
		"audit":  {EventsProcessed: 3},
	})

	// Eight series per destination
	assert.Equal(t, 16, testutil.CollectAndCount(c))

	expected := `
# HELP fnchain_chains_total Chain runs by outcome.
# TYPE fnchain_chains_total counter
fnchain_chains_total{destination="audit",state="done"} 0
fnchain_chains_total{destination="audit",state="dropped"} 0
fnchain_chains_total{destination="audit",state="faulted"} 0
fnchain_chains_total{destination="orders",state="done"} 2
fnchain_chains_total{destination="orders",state="dropped"} 1
fnchain_chains_total{destination="orders",state="faulted"} 0
# HELP fnchain_sink_seconds_total Time spent in successful sink loads.
# TYPE fnchain_sink_seconds_total counter
fnchain_sink_seconds_total{destination="audit"} 0
fnchain_sink_seconds_total{destination="orders"} 1.5
`
	assert.NoError(t, testutil.CollectAndCompare(c, strings.NewReader(expected), "fnchain_chains_total", "fnchain_sink_seconds_total"))
}
