// Package db archives relay sessions in Postgres.
package db

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"tripvox/relay"
)

//go:embed db_init.sql
var initSQL string

// Store records relay session lifecycles. It satisfies relay.Recorder.
type Store struct {
	pool *pgxpool.Pool
}

// SessionRow is one archived relay session.
type SessionRow struct {
	ID            string
	UserID        string
	StartedAt     time.Time
	EndedAt       *time.Time
	State         string
	Transcript    string
	DroppedChunks int64
}

// Open connects to databaseURL and creates the schema if needed.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to reach database: %w", err)
	}

	if _, err := pool.Exec(ctx, initSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to execute embedded db_init.sql: %w", err)
	}

	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

func (s *Store) SessionStarted(ctx context.Context, sum relay.Summary) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO relay_sessions (id, user_id, started_at, state)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING`,
		sum.ID, sum.User, sum.StartedAt, sum.State.String(),
	)
	if err != nil {
		return fmt.Errorf("insert relay session: %w", err)
	}
	return nil
}

func (s *Store) SessionEnded(ctx context.Context, sum relay.Summary) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO relay_sessions (id, user_id, started_at, ended_at, state, transcript, dropped_chunks)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			ended_at = EXCLUDED.ended_at,
			state = EXCLUDED.state,
			transcript = EXCLUDED.transcript,
			dropped_chunks = EXCLUDED.dropped_chunks`,
		sum.ID, sum.User, sum.StartedAt, sum.EndedAt, sum.State.String(), sum.Transcript, sum.Dropped,
	)
	if err != nil {
		return fmt.Errorf("update relay session: %w", err)
	}
	return nil
}

// RecentSessions returns up to limit sessions, newest first.
func (s *Store) RecentSessions(ctx context.Context, limit int) ([]SessionRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, started_at, ended_at, state, transcript, dropped_chunks
		FROM relay_sessions
		ORDER BY started_at DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("query relay sessions: %w", err)
	}

	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (SessionRow, error) {
		var r SessionRow
		err := row.Scan(&r.ID, &r.UserID, &r.StartedAt, &r.EndedAt, &r.State, &r.Transcript, &r.DroppedChunks)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan relay sessions: %w", err)
	}
	return out, nil
}
