package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/storyforge/eventbackbone/internal/domain/errors"
	"github.com/storyforge/eventbackbone/internal/domain/incident"
)

// PostgresIncidentRepository persists terminal incident records for future
// pattern learning.
type PostgresIncidentRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewPostgresIncidentRepository creates the repository and ensures its table.
func NewPostgresIncidentRepository(ctx context.Context, db *sql.DB, logger *zap.Logger) (*PostgresIncidentRepository, error) {
	r := &PostgresIncidentRepository{db: db, logger: logger}
	schema := `
		CREATE TABLE IF NOT EXISTS incident_records (
			id              TEXT PRIMARY KEY,
			incident_type   TEXT NOT NULL,
			error_pattern   TEXT NOT NULL,
			detected_at     TIMESTAMPTZ NOT NULL,
			healing_action  TEXT NOT NULL,
			success         BOOLEAN NOT NULL,
			resolved_at     TIMESTAMPTZ,
			resolution_ms   BIGINT,
			impacted_users  INT,
			story_sessions  JSONB,
			metadata        JSONB
		);
		CREATE INDEX IF NOT EXISTS idx_incidents_detected ON incident_records (detected_at DESC);
	`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return nil, errors.NewInternalError("failed to initialize incident schema").WithCause(err)
	}
	return r, nil
}

// StoreRecord inserts a terminal incident record.
func (r *PostgresIncidentRepository) StoreRecord(ctx context.Context, rec *incident.Record) error {
	sessions, err := json.Marshal(rec.StorySessionsAffected)
	if err != nil {
		return errors.NewInternalError("failed to encode story sessions").WithCause(err)
	}
	metadata, err := json.Marshal(rec.Metadata)
	if err != nil {
		return errors.NewInternalError("failed to encode incident metadata").WithCause(err)
	}

	query := `
		INSERT INTO incident_records (
			id, incident_type, error_pattern, detected_at, healing_action,
			success, resolved_at, resolution_ms, impacted_users, story_sessions, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err = r.db.ExecContext(ctx, query,
		rec.ID, rec.IncidentType, rec.ErrorPattern, rec.DetectedAt, string(rec.HealingAction),
		rec.Success, rec.ResolvedAt, rec.ResolutionTime.Milliseconds(), rec.ImpactedUsers,
		sessions, metadata,
	)
	if err != nil {
		return errors.NewTransportError("store", "failed to store incident record").WithCause(err)
	}
	return nil
}

// ListRecords returns records detected at or after since, newest first.
func (r *PostgresIncidentRepository) ListRecords(ctx context.Context, since time.Time, limit int) ([]*incident.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, incident_type, error_pattern, detected_at, healing_action,
			success, resolved_at, resolution_ms, impacted_users, story_sessions, metadata
		FROM incident_records
		WHERE detected_at >= $1
		ORDER BY detected_at DESC
		LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, since, limit)
	if err != nil {
		return nil, errors.NewTransportError("store", "incident query failed").WithCause(err)
	}
	defer rows.Close()

	var records []*incident.Record
	for rows.Next() {
		var (
			rec          incident.Record
			action       string
			resolvedAt   sql.NullTime
			resolutionMS sql.NullInt64
			sessions     []byte
			metadata     []byte
		)
		if err := rows.Scan(
			&rec.ID, &rec.IncidentType, &rec.ErrorPattern, &rec.DetectedAt, &action,
			&rec.Success, &resolvedAt, &resolutionMS, &rec.ImpactedUsers, &sessions, &metadata,
		); err != nil {
			return nil, errors.NewInternalError("failed to scan incident row").WithCause(err)
		}
		rec.HealingAction = incident.ActionKind(action)
		if resolvedAt.Valid {
			t := resolvedAt.Time
			rec.ResolvedAt = &t
		}
		if resolutionMS.Valid {
			rec.ResolutionTime = time.Duration(resolutionMS.Int64) * time.Millisecond
		}
		if len(sessions) > 0 {
			if err := json.Unmarshal(sessions, &rec.StorySessionsAffected); err != nil {
				return nil, errors.NewInternalError("corrupt story sessions").WithCause(err)
			}
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &rec.Metadata); err != nil {
				return nil, errors.NewInternalError("corrupt incident metadata").WithCause(err)
			}
		}
		records = append(records, &rec)
	}
	return records, rows.Err()
}

// MemoryIncidentRepository is the in-memory incident.RecordStore used for
// local runs and tests.
type MemoryIncidentRepository struct {
	mu      sync.RWMutex
	records map[string]*incident.Record
}

// NewMemoryIncidentRepository creates an empty repository.
func NewMemoryIncidentRepository() *MemoryIncidentRepository {
	return &MemoryIncidentRepository{records: make(map[string]*incident.Record)}
}

func (r *MemoryIncidentRepository) StoreRecord(ctx context.Context, rec *incident.Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[rec.ID] = rec
	return nil
}

func (r *MemoryIncidentRepository) ListRecords(ctx context.Context, since time.Time, limit int) ([]*incident.Record, error) {
	if limit <= 0 {
		limit = 100
	}

	r.mu.RLock()
	var out []*incident.Record
	for _, rec := range r.records {
		if !rec.DetectedAt.Before(since) {
			out = append(out, rec)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].DetectedAt.After(out[j].DetectedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
