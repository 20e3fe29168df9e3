package subscriber

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/storyforge/eventbackbone/internal/domain/errors"
	"github.com/storyforge/eventbackbone/internal/infrastructure/broker"
)

func TestDeadLetterSinkAddUpdatesExisting(t *testing.T) {
	sink := NewDeadLetterSink(10, zaptest.NewLogger(t))
	msg := broker.Message{ID: "m1", Body: []byte("{}")}

	sink.Add("sub-1", msg, "first failure")
	sink.Add("sub-1", msg, "second failure")

	failures := sink.List(0)
	require.Len(t, failures, 1)
	assert.Equal(t, "second failure", failures[0].Reason)
	assert.False(t, failures[0].LastSeen.Before(failures[0].FirstSeen))
}

func TestDeadLetterSinkEvictsOldest(t *testing.T) {
	sink := NewDeadLetterSink(3, zaptest.NewLogger(t))
	for i := 0; i < 5; i++ {
		sink.Add("sub-1", broker.Message{ID: "m" + strconv.Itoa(i)}, "failed")
	}

	failures := sink.List(0)
	require.Len(t, failures, 3)
	assert.Equal(t, "m2", failures[0].Message.ID)
	assert.Equal(t, "m4", failures[2].Message.ID)
}

func TestDeadLetterSinkRemove(t *testing.T) {
	sink := NewDeadLetterSink(10, zaptest.NewLogger(t))
	sink.Add("sub-1", broker.Message{ID: "m1"}, "failed")

	require.NoError(t, sink.Remove("m1"))
	assert.Empty(t, sink.List(0))

	err := sink.Remove("m1")
	assert.True(t, errors.IsNotFound(err))
}
