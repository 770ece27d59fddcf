package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scoreboard struct {
	Match string `json:"match"`
	Score int    `json:"score"`
}

func TestTopicName(t *testing.T) {
	topic := NewTopic[scoreboard]("match.{key}.events")
	assert.Equal(t, "match.abc.events", topic.Name("abc"))
	assert.Equal(t, "match.{key}.events", topic.Pattern())

	fixed := NewTopic[scoreboard]("catalog.changed")
	assert.Equal(t, "catalog.changed", fixed.Name("ignored"))
}

func TestTypedPublishSubscribe(t *testing.T) {
	bridge := NewWatermillBridge()
	defer bridge.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	topic := NewTopic[scoreboard]("match.{key}.events")
	got := make(chan scoreboard, 2)
	require.NoError(t, Subscribe(ctx, bridge, topic, "m1", func(_ context.Context, s scoreboard) error {
		got <- s
		return nil
	}))

	require.NoError(t, Publish(ctx, bridge, topic, "m2", scoreboard{Match: "m2", Score: 9}))
	require.NoError(t, Publish(ctx, bridge, topic, "m1", scoreboard{Match: "m1", Score: 3}))

	select {
	case s := <-got:
		assert.Equal(t, scoreboard{Match: "m1", Score: 3}, s, "other keys are not delivered")
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestMessageMetadataRoundTrip(t *testing.T) {
	msg := Message{Topic: "t", Key: "k", Payload: []byte("x"), Metadata: map[string]string{"epoch": "2"}}
	back := mapToPubSubMessage(mapToWatermillMessage(context.Background(), msg))
	assert.Equal(t, msg, back)
}

func TestDecodeError(t *testing.T) {
	_, err := Decode[scoreboard](Message{Topic: "t", Payload: []byte("not json")})
	assert.Error(t, err)
}
