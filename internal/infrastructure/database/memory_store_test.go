package database

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

func storeEvent(t *testing.T, s *MemoryEventStore, eventType, source string, opts event.Options) *event.Event {
	t.Helper()
	e, err := event.New(eventType, source, map[string]string{"k": "v"}, opts)
	require.NoError(t, err)
	require.NoError(t, s.Store(context.Background(), e))
	return e
}

func TestStoreAndRetrieve(t *testing.T) {
	s := NewMemoryEventStore(zaptest.NewLogger(t))
	e := storeEvent(t, s, "story.created", "src", event.Options{})

	got, err := s.Retrieve(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, e.ID, got.ID)
}

func TestStoreDuplicateConflicts(t *testing.T) {
	s := NewMemoryEventStore(zaptest.NewLogger(t))
	e := storeEvent(t, s, "story.created", "src", event.Options{})

	err := s.Store(context.Background(), e)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConflict))
}

func TestRetrieveUnknown(t *testing.T) {
	s := NewMemoryEventStore(zaptest.NewLogger(t))
	_, err := s.Retrieve(context.Background(), "nosuch")
	assert.True(t, errors.IsNotFound(err))
}

func TestQueryFilters(t *testing.T) {
	s := NewMemoryEventStore(zaptest.NewLogger(t))
	a := storeEvent(t, s, "story.created", "src-a", event.Options{UserID: "u1", CorrelationID: "corr-1"})
	storeEvent(t, s, "story.deleted", "src-a", event.Options{UserID: "u2"})
	storeEvent(t, s, "story.created", "src-b", event.Options{UserID: "u1"})

	byType, err := s.Query(context.Background(), event.QueryCriteria{EventTypes: []string{"story.created"}})
	require.NoError(t, err)
	assert.Len(t, byType, 2)

	bySource, err := s.Query(context.Background(), event.QueryCriteria{Sources: []string{"src-b"}})
	require.NoError(t, err)
	assert.Len(t, bySource, 1)

	byUser, err := s.Query(context.Background(), event.QueryCriteria{UserID: "u2"})
	require.NoError(t, err)
	assert.Len(t, byUser, 1)

	byCorrelation, err := s.Query(context.Background(), event.QueryCriteria{CorrelationID: "corr-1"})
	require.NoError(t, err)
	require.Len(t, byCorrelation, 1)
	assert.Equal(t, a.ID, byCorrelation[0].ID)
}

func TestQueryTimeBoundsInclusive(t *testing.T) {
	s := NewMemoryEventStore(zaptest.NewLogger(t))
	e := storeEvent(t, s, "story.created", "src", event.Options{})

	exact := e.Time
	got, err := s.Query(context.Background(), event.QueryCriteria{StartTime: &exact, EndTime: &exact})
	require.NoError(t, err)
	assert.Len(t, got, 1)

	after := e.Time.Add(time.Second)
	got, err = s.Query(context.Background(), event.QueryCriteria{StartTime: &after})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestQueryOrderAndPagination(t *testing.T) {
	s := NewMemoryEventStore(zaptest.NewLogger(t))
	var ids []string
	base := time.Now().UTC()
	for i := 0; i < 5; i++ {
		e, err := event.New("story.created", "src", nil, event.Options{})
		require.NoError(t, err)
		e.Time = base.Add(time.Duration(i) * time.Minute)
		require.NoError(t, s.Store(context.Background(), e))
		ids = append(ids, e.ID)
	}

	page, err := s.Query(context.Background(), event.QueryCriteria{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	// Newest first
	assert.Equal(t, ids[4], page[0].ID)
	assert.Equal(t, ids[3], page[1].ID)

	page, err = s.Query(context.Background(), event.QueryCriteria{Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ids[2], page[0].ID)

	page, err = s.Query(context.Background(), event.QueryCriteria{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, page)
}

func TestCorrelationUpsertPreservesRoot(t *testing.T) {
	s := NewMemoryEventStore(zaptest.NewLogger(t))

	c, err := event.NewCorrelation("corr-1", "evt-root")
	require.NoError(t, err)
	require.NoError(t, s.UpdateCorrelation(context.Background(), c))

	update, err := event.NewCorrelation("corr-1", "evt-other")
	require.NoError(t, err)
	update.Append("evt-2")
	require.NoError(t, s.UpdateCorrelation(context.Background(), update))

	got, err := s.GetCorrelation(context.Background(), "corr-1")
	require.NoError(t, err)
	assert.Equal(t, "evt-root", got.RootEventID)
	assert.Contains(t, got.RelatedEvents, "evt-2")
}

func TestGetCorrelationUnknown(t *testing.T) {
	s := NewMemoryEventStore(zaptest.NewLogger(t))
	_, err := s.GetCorrelation(context.Background(), "nosuch")
	assert.True(t, errors.IsNotFound(err))
}

func TestCreateReplay(t *testing.T) {
	s := NewMemoryEventStore(zaptest.NewLogger(t))

	now := time.Now().UTC()
	record, err := s.CreateReplay(context.Background(), event.ReplayConfig{
		StartTime:   now.Add(-time.Hour),
		EndTime:     now,
		Destination: "replay-target",
	})
	require.NoError(t, err)
	assert.Equal(t, event.ReplayRunning, record.Status)

	got, ok := s.GetReplay(record.ID)
	require.True(t, ok)
	assert.Equal(t, "replay-target", got.Config.Destination)
}

func TestCreateReplayValidation(t *testing.T) {
	s := NewMemoryEventStore(zaptest.NewLogger(t))
	now := time.Now().UTC()

	_, err := s.CreateReplay(context.Background(), event.ReplayConfig{
		StartTime: now.Add(-time.Hour),
		EndTime:   now,
	})
	require.Error(t, err)

	_, err = s.CreateReplay(context.Background(), event.ReplayConfig{
		StartTime:   now,
		EndTime:     now.Add(-time.Hour),
		Destination: "replay-target",
	})
	require.Error(t, err)
}

func TestCleanupRemovesOnlyExpired(t *testing.T) {
	s := NewMemoryEventStore(zaptest.NewLogger(t))
	old := storeEvent(t, s, "story.created", "src", event.Options{})
	fresh := storeEvent(t, s, "story.created", "src", event.Options{})

	s.backdate(old.ID, time.Now().UTC().AddDate(0, 0, -40))

	removed, err := s.Cleanup(context.Background(), 30)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	_, err = s.Retrieve(context.Background(), old.ID)
	assert.True(t, errors.IsNotFound(err))
	_, err = s.Retrieve(context.Background(), fresh.ID)
	assert.NoError(t, err)
}

func TestCleanupDefaultRetention(t *testing.T) {
	s := NewMemoryEventStore(zaptest.NewLogger(t))
	e := storeEvent(t, s, "story.created", "src", event.Options{})
	s.backdate(e.ID, time.Now().UTC().AddDate(0, 0, -(DefaultRetentionDays+1)))

	removed, err := s.Cleanup(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
}

func TestGetStatistics(t *testing.T) {
	s := NewMemoryEventStore(zaptest.NewLogger(t))
	storeEvent(t, s, "story.created", "src-a", event.Options{})
	storeEvent(t, s, "story.created", "src-b", event.Options{})
	storeEvent(t, s, "story.deleted", "src-a", event.Options{})

	stats, err := s.GetStatistics(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.TotalEvents)
	assert.Equal(t, int64(2), stats.EventsByType["story.created"])
	assert.Equal(t, int64(2), stats.EventsBySource["src-a"])
	require.NotNil(t, stats.OldestEvent)
	require.NotNil(t, stats.NewestEvent)
	assert.False(t, stats.NewestEvent.Before(*stats.OldestEvent))
}
