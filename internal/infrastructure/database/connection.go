package database

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/storyforge/eventbackbone/internal/domain/errors"
	"github.com/storyforge/eventbackbone/internal/infrastructure/config"
)

// Connect opens a pooled Postgres connection using the pgx stdlib driver
// and verifies reachability before returning.
func Connect(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, error) {
	db, err := sql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, errors.NewTransportError("store", "failed to open database").WithCause(err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, errors.NewTransportError("store", "database unreachable").WithCause(err)
	}

	return db, nil
}
