package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/storyforge/eventbackbone/internal/domain/errors"
	"github.com/storyforge/eventbackbone/internal/domain/event"
)

func newTestEvent(t *testing.T, eventType, source string) *event.Event {
	t.Helper()
	e, err := event.New(eventType, source, map[string]string{"k": "v"}, event.Options{})
	require.NoError(t, err)
	return e
}

func provision(t *testing.T, b *MemoryBroker, rule, target string, pattern Pattern) {
	t.Helper()
	require.NoError(t, b.PutRule(context.Background(), rule, pattern))
	require.NoError(t, b.BindTarget(context.Background(), rule, target))
}

func TestPublishRoutesToMatchingRule(t *testing.T) {
	b := NewMemoryBroker(zaptest.NewLogger(t))
	provision(t, b, "r1", "q1", Pattern{EventTypes: []string{"story.created"}})

	e := newTestEvent(t, "story.created", "src")
	result, err := b.PublishEntries(context.Background(), []Entry{{Envelope: e}})
	require.NoError(t, err)
	assert.Zero(t, result.FailedCount)
	require.Len(t, result.Entries, 1)
	assert.Equal(t, e.ID, result.Entries[0].EventID)
	assert.Equal(t, 1, b.QueueDepth("q1"))
}

func TestPublishNoMatchStillSucceeds(t *testing.T) {
	b := NewMemoryBroker(zaptest.NewLogger(t))
	provision(t, b, "r1", "q1", Pattern{EventTypes: []string{"story.created"}})

	result, err := b.PublishEntries(context.Background(), []Entry{
		{Envelope: newTestEvent(t, "story.deleted", "src")},
	})
	require.NoError(t, err)
	assert.Zero(t, result.FailedCount)
	assert.Zero(t, b.QueueDepth("q1"))
}

func TestPublishProbe(t *testing.T) {
	b := NewMemoryBroker(zaptest.NewLogger(t))
	result, err := b.PublishEntries(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, result.Entries)
}

func TestPublishNilEnvelopeEntry(t *testing.T) {
	b := NewMemoryBroker(zaptest.NewLogger(t))
	result, err := b.PublishEntries(context.Background(), []Entry{{}})
	require.NoError(t, err)
	assert.Equal(t, 1, result.FailedCount)
	require.Len(t, result.Entries, 1)
	assert.Error(t, result.Entries[0].Err)
}

func TestPatternMatching(t *testing.T) {
	e := newTestEvent(t, "story.created", "org.storyforge.api")
	e.Platform = "discord"

	assert.True(t, Pattern{EventTypes: []string{"story.created"}}.Matches(e))
	assert.False(t, Pattern{EventTypes: []string{"story.deleted"}}.Matches(e))
	assert.True(t, Pattern{
		EventTypes: []string{"story.created"},
		Source:     "org.storyforge.api",
	}.Matches(e))
	assert.False(t, Pattern{
		EventTypes: []string{"story.created"},
		Source:     "org.storyforge.other",
	}.Matches(e))
	assert.True(t, Pattern{
		EventTypes: []string{"story.created"},
		Attributes: map[string]string{"platform": "discord"},
	}.Matches(e))
	assert.False(t, Pattern{
		EventTypes: []string{"story.created"},
		Attributes: map[string]string{"platform": "web"},
	}.Matches(e))
}

func TestPutRuleValidation(t *testing.T) {
	b := NewMemoryBroker(zaptest.NewLogger(t))
	err := b.PutRule(context.Background(), "r1", Pattern{})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestPutRuleReplacePreservesBindings(t *testing.T) {
	b := NewMemoryBroker(zaptest.NewLogger(t))
	provision(t, b, "r1", "q1", Pattern{EventTypes: []string{"a"}})

	require.NoError(t, b.PutRule(context.Background(), "r1", Pattern{EventTypes: []string{"b"}}))

	_, err := b.PublishEntries(context.Background(), []Entry{
		{Envelope: newTestEvent(t, "b", "src")},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, b.QueueDepth("q1"))
}

func TestDeleteRuleUnknown(t *testing.T) {
	b := NewMemoryBroker(zaptest.NewLogger(t))
	err := b.DeleteRule(context.Background(), "nosuch")
	assert.True(t, errors.IsNotFound(err))
}

func TestReceiveAndDelete(t *testing.T) {
	b := NewMemoryBroker(zaptest.NewLogger(t))
	provision(t, b, "r1", "q1", Pattern{EventTypes: []string{"a"}})

	_, err := b.PublishEntries(context.Background(), []Entry{
		{Envelope: newTestEvent(t, "a", "src")},
	})
	require.NoError(t, err)

	msgs, err := b.Receive(context.Background(), "q1", 10, 50*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, 1, msgs[0].Attempts)
	assert.NotEmpty(t, msgs[0].ReceiptHandle)

	// Invisible while inside the visibility window
	again, err := b.Receive(context.Background(), "q1", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, again)

	require.NoError(t, b.DeleteMessage(context.Background(), "q1", msgs[0].ReceiptHandle))
	assert.Zero(t, b.QueueDepth("q1"))
}

func TestVisibilityTimeoutRedelivery(t *testing.T) {
	b := NewMemoryBroker(zaptest.NewLogger(t), WithVisibilityTimeout(30*time.Millisecond))
	provision(t, b, "r1", "q1", Pattern{EventTypes: []string{"a"}})

	_, err := b.PublishEntries(context.Background(), []Entry{
		{Envelope: newTestEvent(t, "a", "src")},
	})
	require.NoError(t, err)

	first, err := b.Receive(context.Background(), "q1", 1, 50*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, first, 1)

	time.Sleep(50 * time.Millisecond)

	second, err := b.Receive(context.Background(), "q1", 1, 50*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, first[0].ID, second[0].ID)
	assert.Equal(t, 2, second[0].Attempts)
	assert.NotEqual(t, first[0].ReceiptHandle, second[0].ReceiptHandle)

	// The superseded handle no longer acknowledges
	err = b.DeleteMessage(context.Background(), "q1", first[0].ReceiptHandle)
	assert.True(t, errors.IsNotFound(err))
}

func TestDeleteMessageStaleHandle(t *testing.T) {
	b := NewMemoryBroker(zaptest.NewLogger(t))
	provision(t, b, "r1", "q1", Pattern{EventTypes: []string{"a"}})

	err := b.DeleteMessage(context.Background(), "q1", "stale")
	assert.True(t, errors.IsNotFound(err))
}

func TestReceiveWaitsForMessage(t *testing.T) {
	b := NewMemoryBroker(zaptest.NewLogger(t))
	provision(t, b, "r1", "q1", Pattern{EventTypes: []string{"a"}})

	go func() {
		time.Sleep(40 * time.Millisecond)
		_, _ = b.PublishEntries(context.Background(), []Entry{
			{Envelope: newTestEvent(t, "a", "src")},
		})
	}()

	msgs, err := b.Receive(context.Background(), "q1", 1, 500*time.Millisecond)
	require.NoError(t, err)
	assert.Len(t, msgs, 1)
}

func TestUnbindTargetStopsDelivery(t *testing.T) {
	b := NewMemoryBroker(zaptest.NewLogger(t))
	provision(t, b, "r1", "q1", Pattern{EventTypes: []string{"a"}})

	require.NoError(t, b.UnbindTarget(context.Background(), "r1", "q1"))

	_, err := b.PublishEntries(context.Background(), []Entry{
		{Envelope: newTestEvent(t, "a", "src")},
	})
	require.NoError(t, err)
	assert.Zero(t, b.QueueDepth("q1"))
}
