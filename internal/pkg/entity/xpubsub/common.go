package xpubsub

import (
	"context"
	"errors"
	"net/http"

	"cloud.google.com/go/pubsub"
	"google.golang.org/api/googleapi"
)

type PubsubClient interface {
	Topic(id string) *pubsub.Topic
}

type Topic interface {
	Publish(ctx context.Context, msg *pubsub.Message) PublishResult
	Stop()
}

type PublishResult interface {
	Get(ctx context.Context) (serverID string, err error)
}

// TopicFactory returns the publisher for a topic id.
type TopicFactory func(id string) Topic

// NewTopicFactory wraps a pubsub client. Topics are expected to exist.
func NewTopicFactory(client PubsubClient) TopicFactory {
	return func(id string) Topic {
		return &topic{t: client.Topic(id)}
	}
}

type topic struct {
	t *pubsub.Topic
}

func (t *topic) Publish(ctx context.Context, msg *pubsub.Message) PublishResult {
	return t.t.Publish(ctx, msg)
}

func (t *topic) Stop() {
	t.t.Stop()
}

// isRetryable reports whether a publish error is worth retrying. Only client side errors
// reported by the API are not.
func isRetryable(err error) bool {
	var e *googleapi.Error
	if errors.As(err, &e) {
		return e.Code >= http.StatusInternalServerError || e.Code == http.StatusTooManyRequests || e.Code == http.StatusRequestTimeout
	}
	return !errors.Is(err, context.Canceled)
}
