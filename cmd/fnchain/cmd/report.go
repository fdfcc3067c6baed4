package cmd

import (
	"encoding/json"
	"io"

	"github.com/zpiroux/fnchain/entity"
	"github.com/zpiroux/fnchain/pkg/fault"
)

var statusName = map[entity.ExecutorStatus]string{
	entity.ExecutorStatusSuccessful:       "successful",
	entity.ExecutorStatusError:            "error",
	entity.ExecutorStatusRetriesExhausted: "retriesExhausted",
	entity.ExecutorStatusShutdown:         "shutdown",
}

// eventReport is the result line written for each event.
type eventReport struct {
	Line         int                           `json:"line"`
	Status       string                        `json:"status,omitempty"`
	Error        string                        `json:"error,omitempty"`
	Retryable    bool                          `json:"retryable,omitempty"`
	Destinations map[string]*destinationReport `json:"destinations,omitempty"`
}

type destinationReport struct {
	Status     string          `json:"status"`
	State      string          `json:"state"`
	Step       int             `json:"step"`
	Drop       string          `json:"drop,omitempty"`
	Queued     bool            `json:"queued,omitempty"`
	ResourceId string          `json:"resourceId,omitempty"`
	Fault      fault.Fault     `json:"fault,omitempty"`
	Error      string          `json:"error,omitempty"`
	Outputs    []*outputReport `json:"outputs,omitempty"`
}

type outputReport struct {
	Table   string          `json:"table"`
	Key     string          `json:"key,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

func newEventReport(line int, result entity.EventProcessingResult) eventReport {

	r := eventReport{
		Line:         line,
		Status:       statusName[result.Status],
		Retryable:    result.Retryable,
		Destinations: make(map[string]*destinationReport, len(result.Destinations)),
	}
	if result.Error != nil {
		r.Error = result.Error.Error()
	}

	for id, res := range result.Destinations {
		d := &destinationReport{
			Status:     statusName[res.Status],
			State:      res.State.String(),
			Step:       res.Step,
			Queued:     res.Queued,
			ResourceId: res.ResourceId,
			Fault:      res.Fault,
		}
		if res.State == entity.ChainDropped {
			d.Drop = res.Drop.String()
		}
		if res.Error != nil {
			d.Error = res.Error.Error()
		}
		for _, out := range res.Outputs {
			d.Outputs = append(d.Outputs, &outputReport{Table: out.Table, Key: string(out.Key), Payload: out.Payload})
		}
		r.Destinations[id] = d
	}
	return r
}

// writeNotifications writes notifications at minLevel or above to w as JSON lines, until
// the channel is closed.
func writeNotifications(w io.Writer, notifications <-chan entity.NotificationEvent, minLevel int) {
	enc := json.NewEncoder(w)
	for event := range notifications {
		if entity.NotifyLevel(event.Level) < minLevel {
			continue
		}
		_ = enc.Encode(event)
	}
}
