package admin

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEvent(t *testing.T) {

	event := NewEvent(EventRegistryModified,
		EventData{Operation: OperationFunctionRegistration, Id: "enrich", Version: 2, PreviousHash: "abc"})

	assert.Equal(t, EventRegistryModified, event.Name)
	assert.Equal(t, "fnchain", event.Location.Service)
	assert.Len(t, event.EventId, 36)
	require.Len(t, event.Data, 1)

	data, err := json.Marshal(event)
	require.NoError(t, err)

	var decoded Event
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, event.Data, decoded.Data)
	assert.NotEqual(t, event.EventId, NewEvent(EventRegistryModified).EventId)
}
