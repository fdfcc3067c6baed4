package xpubsub

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zpiroux/fnchain/entity"
	"google.golang.org/api/googleapi"
)

func TestSink_LoadSynchronous(t *testing.T) {

	spec := newTestSpec(true)
	mock := &mockTopics{topics: make(map[string]*mockTopic)}
	sink, err := NewSink(NewSinkConfig(spec), "someId", mock.factory)
	require.NoError(t, err)

	id, err, _ := sink.Load(context.Background(), []*entity.Output{
		{Table: "clicks", Payload: json.RawMessage(`{"x":1}`), Key: []byte("user-1")},
		{Table: "views", Payload: json.RawMessage(`{"x":2}`)},
	})
	assert.NoError(t, err)
	assert.Equal(t, "1,1", id)

	clicks := mock.topics["events-clicks"]
	require.NotNil(t, clicks)
	require.Len(t, clicks.published, 1)
	assert.Equal(t, "clicks", clicks.published[0].Attributes["table"])
	assert.Equal(t, "user-1", clicks.published[0].Attributes["key"])
	assert.NotNil(t, mock.topics["events-views"])

	sink.Shutdown(context.Background())
	assert.True(t, clicks.stopped)
}

func TestSink_PublishErrors(t *testing.T) {

	spec := newTestSpec(true)
	mock := &mockTopics{topics: make(map[string]*mockTopic), err: &googleapi.Error{Code: 503}}
	sink, err := NewSink(NewSinkConfig(spec), "someId", mock.factory)
	require.NoError(t, err)

	_, err, retryable := sink.Load(context.Background(), []*entity.Output{{Table: "t", Payload: json.RawMessage(`{}`)}})
	assert.Error(t, err)
	assert.True(t, retryable)

	mock.err = &googleapi.Error{Code: 400}
	mock.topics = make(map[string]*mockTopic)
	sink, _ = NewSink(NewSinkConfig(spec), "someId", mock.factory)
	_, err, retryable = sink.Load(context.Background(), []*entity.Output{{Table: "t", Payload: json.RawMessage(`{}`)}})
	assert.Error(t, err)
	assert.False(t, retryable)
}

func TestSink_LoadAsync(t *testing.T) {

	mock := &mockTopics{topics: make(map[string]*mockTopic)}
	sink, err := NewSink(NewSinkConfig(newTestSpec(false)), "someId", mock.factory)
	require.NoError(t, err)

	_, err, _ = sink.Load(context.Background(), []*entity.Output{{Table: "t", Payload: json.RawMessage(`{}`)}})
	assert.NoError(t, err)
	assert.Eventually(t, func() bool { return sink.eventCount.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, isRetryable(errors.New("connection reset")))
	assert.True(t, isRetryable(&googleapi.Error{Code: 429}))
	assert.False(t, isRetryable(&googleapi.Error{Code: 403}))
	assert.False(t, isRetryable(context.Canceled))
}

func newTestSpec(synchronous bool) *entity.DestinationSpec {
	return &entity.DestinationSpec{
		Id:          "topubsub",
		Synchronous: synchronous,
		Sink:        entity.SinkSpec{Type: "pubsub", Config: &entity.SinkConfig{TopicPrefix: "events-"}},
	}
}

type mockTopics struct {
	mu     sync.Mutex
	topics map[string]*mockTopic
	err    error
}

func (m *mockTopics) factory(id string) Topic {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &mockTopic{err: m.err}
	m.topics[id] = t
	return t
}

type mockTopic struct {
	published []*pubsub.Message
	stopped   bool
	err       error
}

func (t *mockTopic) Publish(ctx context.Context, msg *pubsub.Message) PublishResult {
	t.published = append(t.published, msg)
	return &mockResult{id: strconv.Itoa(len(t.published)), err: t.err}
}

func (t *mockTopic) Stop() {
	t.stopped = true
}

type mockResult struct {
	id  string
	err error
}

func (r *mockResult) Get(ctx context.Context) (string, error) {
	if r.err != nil {
		return "", r.err
	}
	return r.id, nil
}
