package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// keyPlaceholder marks where a topic pattern takes its key.
const keyPlaceholder = "{key}"

// Topic is a family of topics carrying payloads of type T, one topic per key.
type Topic[T any] struct {
	pattern string
}

// NewTopic creates a typed topic from a pattern such as "match.{key}.events".
// Patterns without a placeholder name a single topic.
func NewTopic[T any](pattern string) Topic[T] {
	return Topic[T]{pattern: pattern}
}

// Pattern returns the pattern the topic was created with.
func (t Topic[T]) Pattern() string { return t.pattern }

// Name returns the concrete topic name for key.
func (t Topic[T]) Name(key string) string {
	return strings.ReplaceAll(t.pattern, keyPlaceholder, key)
}

// Publish sends a typed payload. The compiler ensures 'payload' matches 'T'.
func Publish[T any](ctx context.Context, p Publisher, topic Topic[T], key string, payload T) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode %s payload: %w", topic.pattern, err)
	}
	return p.Publish(ctx, Message{
		Topic:   topic.Name(key),
		Key:     key,
		Payload: data,
	})
}

// Subscribe registers a typed handler for the topic of key.
func Subscribe[T any](ctx context.Context, s Subscriber, topic Topic[T], key string, handler func(context.Context, T) error) error {
	return s.Subscribe(ctx, topic.Name(key), func(ctx context.Context, msg Message) error {
		payload, err := Decode[T](msg)
		if err != nil {
			return err
		}
		return handler(ctx, payload)
	})
}

// Decode unmarshals a message payload as T.
func Decode[T any](msg Message) (T, error) {
	var out T
	if err := json.Unmarshal(msg.Payload, &out); err != nil {
		return out, fmt.Errorf("failed to decode message on %s: %w", msg.Topic, err)
	}
	return out, nil
}
