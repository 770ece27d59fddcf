package pubsub

import (
	"context"

	"github.com/ThreeDotsLabs/watermill/message"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// startSpan opens a messaging span named pubsub.<operation>.<topic>.
func startSpan(ctx context.Context, tracer trace.Tracer, operation, topic, key string, size int, extra ...attribute.KeyValue) (context.Context, trace.Span) {
	kind := trace.SpanKindConsumer
	if operation == "publish" {
		kind = trace.SpanKindProducer
	}
	attrs := append([]attribute.KeyValue{
		attribute.String("messaging.system", "watermill"),
		attribute.String("messaging.operation", operation),
		attribute.String("messaging.destination", topic),
		attribute.String("messaging.key", key),
		attribute.Int("messaging.message_payload_size_bytes", size),
	}, extra...)
	return tracer.Start(ctx, "pubsub."+operation+"."+topic, trace.WithSpanKind(kind), trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// traceHandler wraps a subscription handler in a process span.
func traceHandler(tracer trace.Tracer, topic string, h Handler) Handler {
	return func(ctx context.Context, msg Message) error {
		ctx, span := startSpan(ctx, tracer, "process", topic, msg.Key, len(msg.Payload))
		err := h(ctx, msg)
		endSpan(span, err)
		return err
	}
}

// tracingPublisher opens a publish span per message around a watermill
// publisher.
type tracingPublisher struct {
	message.Publisher
	tracer trace.Tracer
}

func (p tracingPublisher) Publish(topic string, messages ...*message.Message) error {
	spans := make([]trace.Span, len(messages))
	for i, msg := range messages {
		ctx := msg.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		ctx, spans[i] = startSpan(ctx, p.tracer, "publish", topic, msg.Metadata.Get(metaKeyKey), len(msg.Payload),
			attribute.String("messaging.message_id", msg.UUID))
		msg.SetContext(ctx)
	}

	err := p.Publisher.Publish(topic, messages...)
	for _, span := range spans {
		endSpan(span, err)
	}
	return err
}
