package match

import (
	"context"

	"github.com/nfrund/tabletop/internal/engine"
	"github.com/nfrund/tabletop/internal/pubsub"
	"github.com/nfrund/tabletop/internal/topicmgr"
)

// Batch kinds.
const (
	// BatchOpen is published once when a match is created.
	BatchOpen = "open"
	// BatchAppend carries events appended by an accepted command.
	BatchAppend = "append"
	// BatchRewind tells clients the stream was truncated by an undo; they
	// must resynchronise from FromID.
	BatchRewind = "rewind"
	// BatchReset tells clients the match restarted under a new epoch.
	BatchReset = "reset"
)

// Batch is what a host publishes after every state change. Entries are
// canonical; subscribers redact them per viewer before forwarding.
type Batch struct {
	MatchID string                    `json:"matchId"`
	GameID  string                    `json:"gameId"`
	Kind    string                    `json:"kind"`
	Epoch   int                       `json:"epoch"`
	FromID  int64                     `json:"fromId"`
	Entries []engine.EventStreamEntry `json:"entries,omitempty"`
}

// EventsTopic is the per-match topic batches are published on.
var EventsTopic = pubsub.NewTopic[Batch]("match.{key}.events")

var _ = topicmgr.Define(topicmgr.Topic{
	Name:        EventsTopic.Pattern(),
	Owner:       "match",
	Description: "Event batches of one match: open, append, rewind and reset",
	Example:     `{"matchId":"m1","gameId":"dicecombat","kind":"append","epoch":0,"fromId":3,"entries":[...]}`,
})

// Publisher receives every batch a host produces.
type Publisher interface {
	PublishBatch(ctx context.Context, batch Batch) error
}

// BusPublisher publishes batches on a pubsub bus under EventsTopic.
type BusPublisher struct {
	bus pubsub.Publisher
}

// NewBusPublisher creates a BusPublisher.
func NewBusPublisher(bus pubsub.Publisher) *BusPublisher {
	return &BusPublisher{bus: bus}
}

// PublishBatch implements Publisher.
func (p *BusPublisher) PublishBatch(ctx context.Context, batch Batch) error {
	return pubsub.Publish(ctx, p.bus, EventsTopic, batch.MatchID, batch)
}

// SubscribeBatches delivers the batches of one match to handler until ctx
// is done.
func SubscribeBatches(ctx context.Context, sub pubsub.Subscriber, matchID string, handler func(context.Context, Batch) error) error {
	return pubsub.Subscribe(ctx, sub, EventsTopic, matchID, handler)
}
