package publisher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/storyforge/eventbackbone/internal/domain/errors"
	"github.com/storyforge/eventbackbone/internal/domain/event"
	"github.com/storyforge/eventbackbone/internal/infrastructure/broker"
	"github.com/storyforge/eventbackbone/internal/infrastructure/config"
	"github.com/storyforge/eventbackbone/internal/infrastructure/database"
)

const testSource = "org.storyforge.test"

func newTestPublisher(t *testing.T) (*Publisher, *database.MemoryEventStore, *broker.MemoryBroker) {
	t.Helper()
	b := broker.NewMemoryBroker(zaptest.NewLogger(t))
	store := database.NewMemoryEventStore(zaptest.NewLogger(t))
	p, err := New(zaptest.NewLogger(t), b, testSource, config.PublisherConfig{BatchSize: 2}, WithStore(store))
	require.NoError(t, err)
	return p, store, b
}

func TestNewValidation(t *testing.T) {
	_, err := New(zaptest.NewLogger(t), nil, testSource, config.PublisherConfig{})
	require.Error(t, err)

	b := broker.NewMemoryBroker(zaptest.NewLogger(t))
	_, err = New(zaptest.NewLogger(t), b, "", config.PublisherConfig{})
	require.Error(t, err)
}

func TestPublishPersistsBeforeDispatch(t *testing.T) {
	p, store, _ := newTestPublisher(t)

	id, err := p.Publish(context.Background(), "story.created", map[string]string{"title": "x"}, event.Options{})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	stored, err := store.Retrieve(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "story.created", stored.Type)
	assert.Equal(t, testSource, stored.Source)
	assert.NotEmpty(t, stored.CorrelationID)
}

func TestPublishGeneratesFreshCorrelation(t *testing.T) {
	p, _, _ := newTestPublisher(t)

	id, err := p.Publish(context.Background(), "story.created", nil, event.Options{})
	require.NoError(t, err)

	stored, err := p.store.Retrieve(context.Background(), id)
	require.NoError(t, err)

	c, err := p.GetCorrelation(context.Background(), stored.CorrelationID)
	require.NoError(t, err)
	assert.Equal(t, id, c.RootEventID)
	assert.Equal(t, []string{id}, c.RelatedEvents)
}

func TestPublishJoinsExplicitCorrelation(t *testing.T) {
	p, _, _ := newTestPublisher(t)
	ctx := context.Background()

	first, err := p.Publish(ctx, "story.created", nil, event.Options{CorrelationID: "corr-1"})
	require.NoError(t, err)
	second, err := p.Publish(ctx, "story.updated", nil, event.Options{CorrelationID: "corr-1"})
	require.NoError(t, err)

	c, err := p.GetCorrelation(ctx, "corr-1")
	require.NoError(t, err)
	assert.Equal(t, first, c.RootEventID)
	assert.Equal(t, []string{first, second}, c.RelatedEvents)
}

func TestPublishCorrelated(t *testing.T) {
	p, store, _ := newTestPublisher(t)
	ctx := context.Background()

	parent, err := p.Publish(ctx, "story.created", nil, event.Options{})
	require.NoError(t, err)
	parentEvent, err := store.Retrieve(ctx, parent)
	require.NoError(t, err)

	child, err := p.PublishCorrelated(ctx, "story.updated", nil, parent, event.Options{})
	require.NoError(t, err)

	c, err := p.GetCorrelation(ctx, parentEvent.CorrelationID)
	require.NoError(t, err)
	assert.Equal(t, []string{parent, child}, c.RelatedEvents)
	assert.Equal(t, parent, c.ParentEventID)

	childEvent, err := store.Retrieve(ctx, child)
	require.NoError(t, err)
	assert.Equal(t, parentEvent.CorrelationID, childEvent.CorrelationID)
}

func TestPublishCorrelatedUnknownParent(t *testing.T) {
	p, store, _ := newTestPublisher(t)

	// Parent never seen: the child still publishes under a fresh correlation
	id, err := p.PublishCorrelated(context.Background(), "story.updated", nil, "evt-unknown", event.Options{})
	require.NoError(t, err)

	childEvent, err := store.Retrieve(context.Background(), id)
	require.NoError(t, err)
	assert.NotEmpty(t, childEvent.CorrelationID)

	_, err = p.PublishCorrelated(context.Background(), "story.updated", nil, "", event.Options{})
	require.Error(t, err)
}

func TestPublishBatchEmpty(t *testing.T) {
	p, store, _ := newTestPublisher(t)

	ids, err := p.PublishBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{}, ids)

	stats, err := store.GetStatistics(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.TotalEvents)
}

func TestPublishBatch(t *testing.T) {
	p, store, _ := newTestPublisher(t)

	events := make([]BatchEvent, 5)
	for i := range events {
		events[i] = BatchEvent{Type: "story.created", Data: map[string]int{"i": i}}
	}

	ids, err := p.PublishBatch(context.Background(), events)
	require.NoError(t, err)
	require.Len(t, ids, 5)

	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		assert.False(t, seen[id], "event ids must be unique")
		seen[id] = true
		_, err := store.Retrieve(context.Background(), id)
		assert.NoError(t, err)
	}
}

func TestPublishBatchSharedCorrelationKeepsEveryEvent(t *testing.T) {
	p, store, _ := newTestPublisher(t)

	const n = 16
	events := make([]BatchEvent, n)
	for i := range events {
		events[i] = BatchEvent{
			Type:    "story.created",
			Data:    map[string]int{"i": i},
			Options: event.Options{CorrelationID: "corr-shared"},
		}
	}

	ids, err := p.PublishBatch(context.Background(), events)
	require.NoError(t, err)
	require.Len(t, ids, n)

	// Entries are persisted and correlated concurrently: every event must
	// land in relatedEvents, no append may overwrite another.
	correlation, err := p.GetCorrelation(context.Background(), "corr-shared")
	require.NoError(t, err)
	require.Len(t, correlation.RelatedEvents, n)
	related := make(map[string]bool, n)
	for _, id := range correlation.RelatedEvents {
		related[id] = true
	}
	for _, id := range ids {
		assert.True(t, related[id], "event %s missing from correlation", id)
	}

	stored, err := store.GetCorrelation(context.Background(), "corr-shared")
	require.NoError(t, err)
	assert.Len(t, stored.RelatedEvents, n)
}

func TestConcurrentPublishesShareCorrelation(t *testing.T) {
	p, _, _ := newTestPublisher(t)

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = p.Publish(context.Background(), "story.updated", nil,
				event.Options{CorrelationID: "corr-racing"})
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	correlation, err := p.GetCorrelation(context.Background(), "corr-racing")
	require.NoError(t, err)
	assert.Len(t, correlation.RelatedEvents, n)
}

func TestPublishBatchDefaultsSource(t *testing.T) {
	p, store, _ := newTestPublisher(t)

	ids, err := p.PublishBatch(context.Background(), []BatchEvent{
		{Type: "story.created"},
		{Type: "story.created", Source: "org.storyforge.other"},
	})
	require.NoError(t, err)
	require.Len(t, ids, 2)

	first, err := store.Retrieve(context.Background(), ids[0])
	require.NoError(t, err)
	assert.Equal(t, testSource, first.Source)

	second, err := store.Retrieve(context.Background(), ids[1])
	require.NoError(t, err)
	assert.Equal(t, "org.storyforge.other", second.Source)
}

func TestCreateCorrelation(t *testing.T) {
	p, store, _ := newTestPublisher(t)

	c, err := p.CreateCorrelation(context.Background(), "evt-root", "onboarding flow")
	require.NoError(t, err)
	assert.Equal(t, "evt-root", c.RootEventID)
	assert.Equal(t, "onboarding flow", c.Description)

	stored, err := store.GetCorrelation(context.Background(), c.CorrelationID)
	require.NoError(t, err)
	assert.Equal(t, "evt-root", stored.RootEventID)
}

func TestGetCorrelationFallsBackToStore(t *testing.T) {
	b := broker.NewMemoryBroker(zaptest.NewLogger(t))
	store := database.NewMemoryEventStore(zaptest.NewLogger(t))
	ctx := context.Background()

	first, err := New(zaptest.NewLogger(t), b, testSource, config.PublisherConfig{}, WithStore(store))
	require.NoError(t, err)
	id, err := first.Publish(ctx, "story.created", nil, event.Options{CorrelationID: "corr-1"})
	require.NoError(t, err)

	// Fresh publisher, empty memory map: the store answers
	second, err := New(zaptest.NewLogger(t), b, testSource, config.PublisherConfig{}, WithStore(store))
	require.NoError(t, err)
	c, err := second.GetCorrelation(ctx, "corr-1")
	require.NoError(t, err)
	assert.Equal(t, id, c.RootEventID)
}

func TestGetCorrelationUnknown(t *testing.T) {
	p, _, _ := newTestPublisher(t)
	_, err := p.GetCorrelation(context.Background(), "nosuch")
	assert.True(t, errors.IsNotFound(err))
}

func TestCorrelationSurvivesRestart(t *testing.T) {
	b := broker.NewMemoryBroker(zaptest.NewLogger(t))
	store := database.NewMemoryEventStore(zaptest.NewLogger(t))
	ctx := context.Background()

	first, err := New(zaptest.NewLogger(t), b, testSource, config.PublisherConfig{}, WithStore(store))
	require.NoError(t, err)
	rootID, err := first.Publish(ctx, "story.created", nil, event.Options{CorrelationID: "corr-1"})
	require.NoError(t, err)

	// New process: appending under the same correlation id keeps the root
	second, err := New(zaptest.NewLogger(t), b, testSource, config.PublisherConfig{}, WithStore(store))
	require.NoError(t, err)
	childID, err := second.Publish(ctx, "story.updated", nil, event.Options{CorrelationID: "corr-1"})
	require.NoError(t, err)

	c, err := second.GetCorrelation(ctx, "corr-1")
	require.NoError(t, err)
	assert.Equal(t, rootID, c.RootEventID)
	assert.Contains(t, c.RelatedEvents, childID)
}

func TestHealthCheck(t *testing.T) {
	p, _, _ := newTestPublisher(t)

	status := p.HealthCheck(context.Background())
	assert.True(t, status.Healthy)
	assert.True(t, status.Broker)
	assert.True(t, status.Store)
	assert.WithinDuration(t, time.Now(), status.Timestamp, time.Minute)
}

func TestGetMetrics(t *testing.T) {
	p, _, _ := newTestPublisher(t)

	_, err := p.Publish(context.Background(), "story.created", nil, event.Options{})
	require.NoError(t, err)

	metrics := p.GetMetrics()
	assert.Equal(t, int64(1), metrics["events_published"])
	assert.Equal(t, 1, metrics["resident_correlations"])
}
