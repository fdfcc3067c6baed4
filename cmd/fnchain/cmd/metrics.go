package cmd

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/zpiroux/fnchain/entity"
)

type metricsSource interface {
	Metrics() map[string]entity.Metrics
}

// engineCollector exposes the engine metrics of each destination, read on every scrape.
type engineCollector struct {
	source metricsSource

	events   *prometheus.Desc
	bytes    *prometheus.Desc
	chains   *prometheus.Desc
	outputs  *prometheus.Desc
	sinkOps  *prometheus.Desc
	sinkTime *prometheus.Desc
}

func newEngineCollector(source metricsSource) *engineCollector {
	labels := []string{"destination"}
	return &engineCollector{
		source:   source,
		events:   prometheus.NewDesc("fnchain_events_processed_total", "Events sent to the destination.", labels, nil),
		bytes:    prometheus.NewDesc("fnchain_event_bytes_total", "Event data processed by the destination.", labels, nil),
		chains:   prometheus.NewDesc("fnchain_chains_total", "Chain runs by outcome.", []string{"destination", "state"}, nil),
		outputs:  prometheus.NewDesc("fnchain_sink_outputs_total", "Outputs loaded into the destination sink.", labels, nil),
		sinkOps:  prometheus.NewDesc("fnchain_sink_operations_total", "Successful sink loads.", labels, nil),
		sinkTime: prometheus.NewDesc("fnchain_sink_seconds_total", "Time spent in successful sink loads.", labels, nil),
	}
}

func (c *engineCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.events
	ch <- c.bytes
	ch <- c.chains
	ch <- c.outputs
	ch <- c.sinkOps
	ch <- c.sinkTime
}

func (c *engineCollector) Collect(ch chan<- prometheus.Metric) {
	for id, m := range c.source.Metrics() {
		counter := func(desc *prometheus.Desc, v float64, labels ...string) {
			ch <- prometheus.MustNewConstMetric(desc, prometheus.CounterValue, v, append([]string{id}, labels...)...)
		}
		counter(c.events, float64(m.EventsProcessed))
		counter(c.bytes, float64(m.BytesProcessed))
		counter(c.chains, float64(m.ChainsDone), entity.ChainDone.String())
		counter(c.chains, float64(m.ChainsDropped), entity.ChainDropped.String())
		counter(c.chains, float64(m.ChainsFaulted), entity.ChainFaulted.String())
		counter(c.outputs, float64(m.OutputsStoredInSink))
		counter(c.sinkOps, float64(m.SinkOperations))
		counter(c.sinkTime, float64(m.SinkProcessingTimeMicros)/1e6)
	}
}
