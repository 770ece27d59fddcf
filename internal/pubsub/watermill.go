package pubsub

import (
	"context"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"go.opentelemetry.io/otel/trace"
)

// WatermillBridge implements the Publisher and Subscriber interfaces using watermill's GoChannel.
type WatermillBridge struct {
	pub    message.Publisher
	sub    message.Subscriber
	tracer trace.Tracer
	logger *slog.Logger
}

const (
	// Metadata keys used to transfer our Message structure fields through watermill's message.
	metaKeyKey   = "key"
	metaKeyTopic = "topic"
)

// Option configures a WatermillBridge.
type Option func(*bridgeOptions)

type bridgeOptions struct {
	tracer trace.Tracer
	logger *slog.Logger
	buffer int64
}

// WithTracer traces every publish and every handled message.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *bridgeOptions) { o.tracer = tracer }
}

// WithLogger sets the logger used for handler failures.
func WithLogger(logger *slog.Logger) Option {
	return func(o *bridgeOptions) { o.logger = logger }
}

// WithBuffer sets the per-subscriber output buffer.
func WithBuffer(n int64) Option {
	return func(o *bridgeOptions) { o.buffer = n }
}

// NewWatermillBridge initializes an in-memory Pub/Sub system.
func NewWatermillBridge(opts ...Option) *WatermillBridge {
	o := bridgeOptions{logger: slog.Default(), buffer: 256}
	for _, opt := range opts {
		opt(&o)
	}

	wmLogger := watermill.NewStdLogger(false, false)
	// GoChannel is a simple in-memory pub/sub implementation.
	goChannel := gochannel.NewGoChannel(
		gochannel.Config{OutputChannelBuffer: o.buffer},
		wmLogger,
	)

	var pub message.Publisher = goChannel
	if o.tracer != nil {
		pub = tracingPublisher{Publisher: goChannel, tracer: o.tracer}
	}
	return &WatermillBridge{
		pub:    pub,
		sub:    goChannel,
		tracer: o.tracer,
		logger: o.logger.With("component", "pubsub"),
	}
}

// mapToWatermillMessage converts our pubsub.Message to a watermill message.
func mapToWatermillMessage(ctx context.Context, msg Message) *message.Message {
	wmMsg := message.NewMessage(watermill.NewUUID(), msg.Payload)
	wmMsg.SetContext(ctx)

	wmMsg.Metadata.Set(metaKeyKey, msg.Key)
	wmMsg.Metadata.Set(metaKeyTopic, msg.Topic)
	for k, v := range msg.Metadata {
		wmMsg.Metadata.Set(k, v)
	}
	return wmMsg
}

// mapToPubSubMessage converts a watermill message back to our internal pubsub.Message.
func mapToPubSubMessage(wmMsg *message.Message) Message {
	metadata := make(map[string]string)
	for k, v := range wmMsg.Metadata {
		if k != metaKeyKey && k != metaKeyTopic {
			metadata[k] = v
		}
	}
	return Message{
		Topic:    wmMsg.Metadata.Get(metaKeyTopic),
		Key:      wmMsg.Metadata.Get(metaKeyKey),
		Payload:  wmMsg.Payload,
		Metadata: metadata,
	}
}

// Publish implements the Publisher interface.
func (wb *WatermillBridge) Publish(ctx context.Context, msg Message) error {
	return wb.pub.Publish(msg.Topic, mapToWatermillMessage(ctx, msg))
}

// Subscribe implements the Subscriber interface.
func (wb *WatermillBridge) Subscribe(ctx context.Context, topic string, handler Handler) error {
	messages, err := wb.sub.Subscribe(ctx, topic)
	if err != nil {
		return err
	}
	if wb.tracer != nil {
		handler = traceHandler(wb.tracer, topic, handler)
	}

	go func() {
		for wmMsg := range messages {
			msg := mapToPubSubMessage(wmMsg)
			msgCtx := wmMsg.Context()
			if msgCtx == nil {
				msgCtx = ctx
			}
			if err := handler(msgCtx, msg); err != nil {
				wb.logger.Error("Failed to handle message", "topic", topic, "msg_id", wmMsg.UUID, "error", err)
				// The in-memory bus does not redeliver; nack only signals failure.
				wmMsg.Nack()
			} else {
				wmMsg.Ack()
			}
		}
		wb.logger.Debug("Subscription message loop ended", "topic", topic)
	}()

	return nil
}

// Close implements the Publisher and Subscriber interface to shut down the bridge.
func (wb *WatermillBridge) Close() error {
	return wb.sub.Close()
}
