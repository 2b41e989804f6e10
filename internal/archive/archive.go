// Package archive persists the immutable records of ended sessions in
// PostgreSQL. Live session state never touches the database; only the final
// snapshot taken at the moment of ending lands here.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nfehr/auxroom/internal/domain"
)

// Connect opens a pgx connection pool and verifies it.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	slog.Info("Database connected", "min_conns", poolCfg.MinConns, "max_conns", poolCfg.MaxConns)
	return pool, nil
}

// RunMigrations brings the archive schema up to date. Safe to run on every
// start; statements are idempotent.
func RunMigrations(ctx context.Context, pool *pgxpool.Pool) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS past_sessions (
			session_id UUID PRIMARY KEY,
			title TEXT NOT NULL,
			host_id UUID NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ NOT NULL,
			queue JSONB NOT NULL,
			events INT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_past_sessions_host_id ON past_sessions(host_id)`,
	}

	for _, migration := range migrations {
		if _, err := pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("failed to run migration: %w", err)
		}
	}

	slog.Info("Archive migrations completed")
	return nil
}

// Repo implements the past-session archive backed by PostgreSQL.
type Repo struct {
	pool *pgxpool.Pool
}

func NewRepo(pool *pgxpool.Pool) *Repo {
	return &Repo{pool: pool}
}

// ArchivePastSession stores the record of an ended session. The record is
// write-once: a replayed archive of the same session is a no-op.
func (r *Repo) ArchivePastSession(ctx context.Context, past *domain.PastSession) error {
	if past.Details.EndedAt == nil {
		return fmt.Errorf("%w: cannot archive a session that has not ended", domain.ErrInvalidState)
	}

	queueJSON, err := json.Marshal(past.Queue)
	if err != nil {
		return fmt.Errorf("failed to encode final queue: %w", err)
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO past_sessions (session_id, title, host_id, created_at, ended_at, queue, events)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (session_id) DO NOTHING
	`, past.Details.SessionID, past.Details.Title, past.Details.HostID,
		past.Details.CreatedAt, *past.Details.EndedAt, queueJSON, past.Events)
	if err != nil {
		return fmt.Errorf("failed to archive past session: %w", err)
	}
	return nil
}

const pastSessionColumns = `session_id, title, host_id, created_at, ended_at, queue, events`

// GetPastSession fetches one archived session.
func (r *Repo) GetPastSession(ctx context.Context, sessionID uuid.UUID) (*domain.PastSession, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+pastSessionColumns+` FROM past_sessions WHERE session_id = $1`, sessionID)

	past, err := scanPastSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read past session: %w", err)
	}
	return past, nil
}

// ListPastSessionsByHost lists a host's archived sessions, most recent first.
func (r *Repo) ListPastSessionsByHost(ctx context.Context, hostID uuid.UUID) ([]*domain.PastSession, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+pastSessionColumns+` FROM past_sessions WHERE host_id = $1 ORDER BY ended_at DESC`, hostID)
	if err != nil {
		return nil, fmt.Errorf("failed to list past sessions: %w", err)
	}
	defer rows.Close()

	var out []*domain.PastSession
	for rows.Next() {
		past, err := scanPastSession(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan past session: %w", err)
		}
		out = append(out, past)
	}
	return out, rows.Err()
}

func scanPastSession(row pgx.Row) (*domain.PastSession, error) {
	var (
		past      domain.PastSession
		endedAt   time.Time
		queueJSON []byte
	)
	err := row.Scan(
		&past.Details.SessionID, &past.Details.Title, &past.Details.HostID,
		&past.Details.CreatedAt, &endedAt, &queueJSON, &past.Events,
	)
	if err != nil {
		return nil, err
	}
	past.Details.EndedAt = &endedAt

	if err := json.Unmarshal(queueJSON, &past.Queue); err != nil {
		return nil, fmt.Errorf("corrupt archived queue: %w", err)
	}
	return &past, nil
}
