// Package broker is the topic-based transport used by every component:
// subscribe as a named consumer group/instance, poll for records, publish.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrConflict is reported by a backend when the consumer group/instance
// already exists. Subscribe treats it as success.
var ErrConflict = errors.New("consumer already exists")

// Record is one message delivered by Poll.
type Record struct {
	Topic     string
	Key       string
	Value     json.RawMessage
	Partition int32
	Offset    int64
	ID        string // backend-native id (Redis stream entry id)
}

// Session identifies a subscribed consumer. It can always be rebuilt from
// group and instance, which is what makes Subscribe idempotent.
type Session struct {
	Group    string
	Instance string
	Topics   []string
	BaseURI  string
}

type Client interface {
	// Subscribe registers group/instance on topics. A one-time startup step.
	Subscribe(ctx context.Context, group, instance string, topics []string) (Session, error)
	// Poll returns the records available within timeout. Transport errors
	// are logged and reported as an empty batch.
	Poll(ctx context.Context, s Session, timeout time.Duration) []Record
	// Ack tells the broker the record has been fully handled.
	Ack(ctx context.Context, s Session, rec Record) error
	// Publish writes value as JSON to topic under the partition key.
	Publish(ctx context.Context, topic, key string, value any) error
	Close() error
}

// Publisher is the publish-only subset used by the agent and the dead-letter router.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value any) error
}
