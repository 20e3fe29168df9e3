package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/storyforge/eventbackbone/internal/domain/errors"
	"github.com/storyforge/eventbackbone/internal/domain/event"
)

// DefaultRetentionDays is the event retention applied when a cleanup caller
// passes a non-positive value.
const DefaultRetentionDays = 90

// PostgresEventStore implements event.Store on PostgreSQL.
type PostgresEventStore struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresEventStore creates the store and ensures its schema exists.
func NewPostgresEventStore(ctx context.Context, db *sql.DB, logger *zap.Logger) (*PostgresEventStore, error) {
	s := &PostgresEventStore{db: db, logger: logger}
	if err := s.initSchema(ctx); err != nil {
		return nil, errors.NewInternalError("failed to initialize event store schema").WithCause(err)
	}
	return s, nil
}

func (s *PostgresEventStore) initSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS events (
			id               TEXT PRIMARY KEY,
			spec_version     TEXT NOT NULL,
			event_type       TEXT NOT NULL,
			source           TEXT NOT NULL,
			event_time       TIMESTAMPTZ NOT NULL,
			data_content_type TEXT,
			data_schema      TEXT,
			subject          TEXT,
			data             JSONB,
			correlation_id   TEXT,
			user_id          TEXT,
			session_id       TEXT,
			agent_name       TEXT,
			platform         TEXT,
			created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
		);
		CREATE INDEX IF NOT EXISTS idx_events_type ON events (event_type);
		CREATE INDEX IF NOT EXISTS idx_events_source ON events (source);
		CREATE INDEX IF NOT EXISTS idx_events_time ON events (event_time DESC);
		CREATE INDEX IF NOT EXISTS idx_events_correlation ON events (correlation_id);

		CREATE TABLE IF NOT EXISTS correlations (
			correlation_id  TEXT PRIMARY KEY,
			root_event_id   TEXT NOT NULL,
			parent_event_id TEXT,
			related_events  JSONB NOT NULL,
			description     TEXT,
			created_at      TIMESTAMPTZ NOT NULL,
			updated_at      TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE IF NOT EXISTS replays (
			id          TEXT PRIMARY KEY,
			status      TEXT NOT NULL,
			start_time  TIMESTAMPTZ NOT NULL,
			end_time    TIMESTAMPTZ NOT NULL,
			destination TEXT NOT NULL,
			event_types JSONB,
			created_at  TIMESTAMPTZ NOT NULL,
			updated_at  TIMESTAMPTZ NOT NULL
		);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Store durably appends an event. A duplicate id surfaces as a conflict.
func (s *PostgresEventStore) Store(ctx context.Context, e *event.Event) error {
	if err := e.Validate(); err != nil {
		return err
	}

	query := `
		INSERT INTO events (
			id, spec_version, event_type, source, event_time,
			data_content_type, data_schema, subject, data,
			correlation_id, user_id, session_id, agent_name, platform
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`

	_, err := s.db.ExecContext(ctx, query,
		e.ID, e.SpecVersion, e.Type, e.Source, e.Time,
		nullable(e.DataContentType), nullable(e.DataSchema), nullable(e.Subject), []byte(e.Data),
		nullable(e.CorrelationID), nullable(e.UserID), nullable(e.SessionID),
		nullable(e.AgentName), nullable(e.Platform),
	)
	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return errors.NewConflictError(fmt.Sprintf("event %s already stored", e.ID))
		}
		return errors.NewTransportError("store", "failed to store event").WithCause(err)
	}

	return nil
}

// Retrieve returns the event by id.
func (s *PostgresEventStore) Retrieve(ctx context.Context, id string) (*event.Event, error) {
	query := selectEventColumns + ` FROM events WHERE id = $1`

	row := s.db.QueryRowContext(ctx, query, id)
	e, err := scanEvent(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NewNotFoundError("event " + id)
		}
		return nil, errors.NewTransportError("store", "failed to retrieve event").WithCause(err)
	}
	return e, nil
}

// Query returns matching events ordered newest-first by event time.
func (s *PostgresEventStore) Query(ctx context.Context, criteria event.QueryCriteria) ([]*event.Event, error) {
	query, args := buildEventQuery(criteria)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.NewTransportError("store", "event query failed").WithCause(err)
	}
	defer rows.Close()

	var events []*event.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, errors.NewInternalError("failed to scan event row").WithCause(err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewTransportError("store", "event query failed").WithCause(err)
	}

	return events, nil
}

// buildEventQuery translates criteria to SQL. All filters AND-combine;
// time bounds are inclusive.
func buildEventQuery(criteria event.QueryCriteria) (string, []interface{}) {
	var (
		clauses []string
		args    []interface{}
	)
	arg := func(v interface{}) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(criteria.EventTypes) > 0 {
		placeholders := make([]string, len(criteria.EventTypes))
		for i, t := range criteria.EventTypes {
			placeholders[i] = arg(t)
		}
		clauses = append(clauses, "event_type IN ("+strings.Join(placeholders, ", ")+")")
	}
	if len(criteria.Sources) > 0 {
		placeholders := make([]string, len(criteria.Sources))
		for i, src := range criteria.Sources {
			placeholders[i] = arg(src)
		}
		clauses = append(clauses, "source IN ("+strings.Join(placeholders, ", ")+")")
	}
	if criteria.StartTime != nil {
		clauses = append(clauses, "event_time >= "+arg(*criteria.StartTime))
	}
	if criteria.EndTime != nil {
		clauses = append(clauses, "event_time <= "+arg(*criteria.EndTime))
	}
	if criteria.CorrelationID != "" {
		clauses = append(clauses, "correlation_id = "+arg(criteria.CorrelationID))
	}
	if criteria.UserID != "" {
		clauses = append(clauses, "user_id = "+arg(criteria.UserID))
	}
	if criteria.SessionID != "" {
		clauses = append(clauses, "session_id = "+arg(criteria.SessionID))
	}

	query := selectEventColumns + " FROM events"
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY event_time DESC"

	if criteria.Limit > 0 {
		query += " LIMIT " + arg(criteria.Limit)
	}
	if criteria.Offset > 0 {
		query += " OFFSET " + arg(criteria.Offset)
	}

	return query, args
}

const selectEventColumns = `
	SELECT id, spec_version, event_type, source, event_time,
		data_content_type, data_schema, subject, data,
		correlation_id, user_id, session_id, agent_name, platform`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row rowScanner) (*event.Event, error) {
	var (
		e                                event.Event
		contentType, schema, subject     sql.NullString
		correlationID, userID, sessionID sql.NullString
		agentName, platform              sql.NullString
		data                             []byte
	)

	err := row.Scan(
		&e.ID, &e.SpecVersion, &e.Type, &e.Source, &e.Time,
		&contentType, &schema, &subject, &data,
		&correlationID, &userID, &sessionID, &agentName, &platform,
	)
	if err != nil {
		return nil, err
	}

	e.DataContentType = contentType.String
	e.DataSchema = schema.String
	e.Subject = subject.String
	e.Data = json.RawMessage(data)
	e.CorrelationID = correlationID.String
	e.UserID = userID.String
	e.SessionID = sessionID.String
	e.AgentName = agentName.String
	e.Platform = platform.String

	return &e, nil
}

// CreateReplay records replay intent: the record is inserted pending and
// immediately flipped to running. The actual re-delivery is an external
// concern; no further automated transitions happen here.
func (s *PostgresEventStore) CreateReplay(ctx context.Context, cfg event.ReplayConfig) (*event.ReplayRecord, error) {
	if cfg.Destination == "" {
		return nil, errors.NewValidationError("MISSING_DESTINATION", "replay destination is required")
	}
	if cfg.EndTime.Before(cfg.StartTime) {
		return nil, errors.NewValidationError("INVALID_WINDOW", "replay end time precedes start time")
	}

	now := time.Now().UTC()
	record := &event.ReplayRecord{
		ID:        uuid.New().String(),
		Status:    event.ReplayPending,
		Config:    cfg,
		CreatedAt: now,
		UpdatedAt: now,
	}

	types, err := json.Marshal(cfg.EventTypes)
	if err != nil {
		return nil, errors.NewInternalError("failed to encode replay event types").WithCause(err)
	}

	insert := `
		INSERT INTO replays (id, status, start_time, end_time, destination, event_types, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	if _, err := s.db.ExecContext(ctx, insert,
		record.ID, string(record.Status), cfg.StartTime, cfg.EndTime,
		cfg.Destination, types, record.CreatedAt, record.UpdatedAt,
	); err != nil {
		return nil, errors.NewTransportError("store", "failed to create replay record").WithCause(err)
	}

	record.Status = event.ReplayRunning
	record.UpdatedAt = time.Now().UTC()
	update := `UPDATE replays SET status = $1, updated_at = $2 WHERE id = $3`
	if _, err := s.db.ExecContext(ctx, update, string(record.Status), record.UpdatedAt, record.ID); err != nil {
		return nil, errors.NewTransportError("store", "failed to start replay record").WithCause(err)
	}

	s.logger.Info("replay recorded",
		zap.String("replay_id", record.ID),
		zap.Time("start", cfg.StartTime),
		zap.Time("end", cfg.EndTime),
		zap.String("destination", cfg.Destination))

	return record, nil
}

// GetCorrelation returns the correlation by id.
func (s *PostgresEventStore) GetCorrelation(ctx context.Context, correlationID string) (*event.Correlation, error) {
	query := `
		SELECT correlation_id, root_event_id, parent_event_id, related_events,
			description, created_at, updated_at
		FROM correlations WHERE correlation_id = $1
	`

	var (
		c             event.Correlation
		parent, desc  sql.NullString
		relatedEvents []byte
	)
	err := s.db.QueryRowContext(ctx, query, correlationID).Scan(
		&c.CorrelationID, &c.RootEventID, &parent, &relatedEvents,
		&desc, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, errors.NewNotFoundError("correlation " + correlationID)
		}
		return nil, errors.NewTransportError("store", "failed to get correlation").WithCause(err)
	}

	c.ParentEventID = parent.String
	c.Description = desc.String
	if err := json.Unmarshal(relatedEvents, &c.RelatedEvents); err != nil {
		return nil, errors.NewInternalError("corrupt related_events for correlation").WithCause(err)
	}

	return &c, nil
}

// UpdateCorrelation upserts by correlation id. RootEventID is written only
// on insert, never overwritten.
func (s *PostgresEventStore) UpdateCorrelation(ctx context.Context, c *event.Correlation) error {
	related, err := json.Marshal(c.RelatedEvents)
	if err != nil {
		return errors.NewInternalError("failed to encode related events").WithCause(err)
	}

	query := `
		INSERT INTO correlations (
			correlation_id, root_event_id, parent_event_id, related_events,
			description, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (correlation_id) DO UPDATE SET
			parent_event_id = EXCLUDED.parent_event_id,
			related_events  = EXCLUDED.related_events,
			description     = EXCLUDED.description,
			updated_at      = EXCLUDED.updated_at
	`
	_, err = s.db.ExecContext(ctx, query,
		c.CorrelationID, c.RootEventID, nullable(c.ParentEventID), related,
		nullable(c.Description), c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		return errors.NewTransportError("store", "failed to upsert correlation").WithCause(err)
	}

	return nil
}

// Cleanup deletes events older than the retention cutoff and returns the
// count removed. Correlations are left alone; dangling references to purged
// events are tolerated by design.
func (s *PostgresEventStore) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -retentionDays)

	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, errors.NewTransportError("store", "cleanup failed").WithCause(err)
	}
	removed, err := res.RowsAffected()
	if err != nil {
		return 0, errors.NewInternalError("cleanup count unavailable").WithCause(err)
	}

	s.logger.Info("event retention sweep complete",
		zap.Int("retention_days", retentionDays),
		zap.Int64("removed", removed))

	return removed, nil
}

// GetStatistics aggregates the stored event population.
func (s *PostgresEventStore) GetStatistics(ctx context.Context) (*event.Statistics, error) {
	stats := &event.Statistics{
		EventsByType:   make(map[string]int64),
		EventsBySource: make(map[string]int64),
	}

	var oldest, newest sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), MIN(event_time), MAX(event_time) FROM events`,
	).Scan(&stats.TotalEvents, &oldest, &newest)
	if err != nil {
		return nil, errors.NewTransportError("store", "statistics query failed").WithCause(err)
	}
	if oldest.Valid {
		stats.OldestEvent = &oldest.Time
	}
	if newest.Valid {
		stats.NewestEvent = &newest.Time
	}

	byType, err := s.db.QueryContext(ctx,
		`SELECT event_type, COUNT(*) FROM events GROUP BY event_type`)
	if err != nil {
		return nil, errors.NewTransportError("store", "statistics query failed").WithCause(err)
	}
	defer byType.Close()
	for byType.Next() {
		var t string
		var n int64
		if err := byType.Scan(&t, &n); err != nil {
			return nil, errors.NewInternalError("failed to scan statistics row").WithCause(err)
		}
		stats.EventsByType[t] = n
	}

	bySource, err := s.db.QueryContext(ctx,
		`SELECT source, COUNT(*) FROM events GROUP BY source`)
	if err != nil {
		return nil, errors.NewTransportError("store", "statistics query failed").WithCause(err)
	}
	defer bySource.Close()
	for bySource.Next() {
		var src string
		var n int64
		if err := bySource.Scan(&src, &n); err != nil {
			return nil, errors.NewInternalError("failed to scan statistics row").WithCause(err)
		}
		stats.EventsBySource[src] = n
	}

	return stats, nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
