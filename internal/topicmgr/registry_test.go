package topicmgr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateName(t *testing.T) {
	tests := []struct {
		name    string
		wantErr string
	}{
		{name: "match.{key}.events"},
		{name: "catalog.updated"},
		{name: "", wantErr: "empty"},
		{name: "system.boot", wantErr: "reserved prefix"},
		{name: "Match.{key}.events", wantErr: "invalid segment"},
		{name: "match..events", wantErr: "invalid segment"},
		{name: "match.{key}.{key}", wantErr: "at most one"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateName(tt.name)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			var topicErr *TopicError
			require.ErrorAs(t, err, &topicErr)
			assert.Contains(t, topicErr.Message, tt.wantErr)
		})
	}
}

func TestTopic_Match(t *testing.T) {
	events := Topic{Name: "match.{key}.events", Owner: "match"}

	key, ok := events.Match("match.abc-123.events")
	assert.True(t, ok)
	assert.Equal(t, "abc-123", key)

	for _, name := range []string{"match..events", "match.a.b.events", "match.abc.presence", "match.{key}.events.x"} {
		_, ok := events.Match(name)
		assert.False(t, ok, name)
	}

	fixed := Topic{Name: "catalog.updated", Owner: "game"}
	_, ok = fixed.Match("catalog.updated")
	assert.True(t, ok)
	assert.False(t, fixed.Keyed())
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Topic{Name: "match.{key}.presence", Owner: "presence"}))
	require.NoError(t, r.Register(Topic{Name: "match.{key}.events", Owner: "match"}))

	assert.Error(t, r.Register(Topic{Name: "match.{key}.events", Owner: "match"}), "duplicate")
	assert.Error(t, r.Register(Topic{Name: "orphan.topic"}), "missing owner")

	list := r.List()
	require.Len(t, list, 2)
	assert.Equal(t, "match.{key}.events", list[0].Name)

	got, ok := r.Get("match.{key}.presence")
	require.True(t, ok)
	assert.Equal(t, "presence", got.Owner)

	topic, key, ok := r.Resolve("match.m1.presence")
	require.True(t, ok)
	assert.Equal(t, "presence", topic.Owner)
	assert.Equal(t, "m1", key)

	_, _, ok = r.Resolve("match.m1.unknown")
	assert.False(t, ok)
}

func TestDefine_PanicsOnInvalid(t *testing.T) {
	assert.Panics(t, func() { Define(Topic{Name: "debug.x", Owner: "test"}) })
}
