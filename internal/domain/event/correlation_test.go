package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCorrelation(t *testing.T) {
	c, err := NewCorrelation("corr-1", "evt-root")
	require.NoError(t, err)

	assert.Equal(t, "corr-1", c.CorrelationID)
	assert.Equal(t, "evt-root", c.RootEventID)
	assert.Equal(t, []string{"evt-root"}, c.RelatedEvents)
	assert.False(t, c.CreatedAt.IsZero())
}

func TestNewCorrelationValidation(t *testing.T) {
	_, err := NewCorrelation("", "evt-root")
	require.Error(t, err)

	_, err = NewCorrelation("corr-1", "")
	require.Error(t, err)
}

func TestCorrelationAppend(t *testing.T) {
	c, err := NewCorrelation("corr-1", "evt-root")
	require.NoError(t, err)

	c.Append("evt-2")
	c.Append("evt-3")
	assert.Equal(t, []string{"evt-root", "evt-2", "evt-3"}, c.RelatedEvents)

	// Appending a known id is a no-op
	c.Append("evt-2")
	assert.Len(t, c.RelatedEvents, 3)

	assert.True(t, c.Contains("evt-3"))
	assert.False(t, c.Contains("evt-9"))
}

func TestCorrelationOwns(t *testing.T) {
	c, err := NewCorrelation("corr-1", "evt-root")
	require.NoError(t, err)
	c.Append("evt-2")

	assert.True(t, c.Owns("evt-root"))
	assert.True(t, c.Owns("evt-2"))
	assert.False(t, c.Owns("evt-9"))
}

func TestCorrelationClone(t *testing.T) {
	c, err := NewCorrelation("corr-1", "evt-root")
	require.NoError(t, err)

	clone := c.Clone()
	clone.Append("evt-2")

	assert.Len(t, c.RelatedEvents, 1)
	assert.Len(t, clone.RelatedEvents, 2)
}
