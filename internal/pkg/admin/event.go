// Package admin holds the internal events exchanged between fnchain components: registry
// change events, and the request/result envelopes of the in-process event channel.
package admin

import (
	"time"

	"github.com/google/uuid"
)

// Admin event and operation types.
const (
	EventRegistryModified = "registry_modified"
)

const (
	OperationDestinationRegistration = "destinationRegistration"
	OperationDestinationDeletion     = "destinationDeletion"
	OperationFunctionRegistration    = "functionRegistration"
	OperationFunctionDeletion        = "functionDeletion"
)

const adminEventVersion = "1.0.0"

type Event struct {
	Name         string      `json:"name"`
	DateOccurred time.Time   `json:"dateOccurred"`
	Version      string      `json:"version"`
	EventId      string      `json:"eventId"`
	Location     Location    `json:"location"`
	Data         []EventData `json:"data"`
}

type Location struct {
	Service string `json:"service"`
}

// EventData describes a single registry change. PreviousHash is the hash of the module
// source that was replaced or removed, for function changes, so that workers running it
// can be evicted.
type EventData struct {
	Operation    string `json:"operation,omitempty"`
	Id           string `json:"id,omitempty"`
	Version      int    `json:"version,omitempty"`
	PreviousHash string `json:"previousHash,omitempty"`
}

func NewEvent(name string, data ...EventData) Event {
	return Event{
		Name:         name,
		DateOccurred: time.Now().UTC(),
		Version:      adminEventVersion,
		EventId:      uuid.New().String(),
		Location:     Location{Service: "fnchain"},
		Data:         data,
	}
}

/* Example:

{
   "name": "registry_modified",
   "dateOccurred": "2026-03-30T14:57:23.389Z",
   "version": "1.0.0",
   "eventId": "d9d11ff8-b5b5-4e40-91fe-b45301b9e96f",
   "location": { "service": "fnchain" },
   "data": [
      {
         "operation": "functionRegistration",
         "id": "enrich-order",
         "version": 4,
         "previousHash": "5f0c1b..."
      }
   ]
}

*/
