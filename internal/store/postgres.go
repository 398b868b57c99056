package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Драйвер Postgres
	"go.uber.org/zap"

	"github.com/bizosaas/eventcore/internal/event"
)

// PostgresStore — реляционный бэкенд лога событий. Конверт хранится целиком
// в jsonb, управляющие поля дублируются колонками для индексов и выборок.
type PostgresStore struct {
	db     *sql.DB
	logger *zap.Logger
}

const createEventsTable = `
CREATE TABLE IF NOT EXISTS events (
    tenant_id       TEXT        NOT NULL,
    event_id        TEXT        NOT NULL,
    event_type      TEXT        NOT NULL,
    category        TEXT        NOT NULL,
    status          TEXT        NOT NULL,
    retry_count     INT         NOT NULL DEFAULT 0,
    retry_exhausted BOOLEAN     NOT NULL DEFAULT FALSE,
    aggregate_id    TEXT,
    ts              TIMESTAMPTZ NOT NULL,
    envelope        JSONB       NOT NULL,
    PRIMARY KEY (tenant_id, event_id)
);
CREATE INDEX IF NOT EXISTS idx_events_tenant_ts ON events (tenant_id, ts DESC);
CREATE INDEX IF NOT EXISTS idx_events_failed ON events (status) WHERE status = 'failed';
`

func NewPostgresStore(connString string, logger *zap.Logger) (*PostgresStore, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)
	return &PostgresStore{db: db, logger: logger.Named("pg-store")}, nil
}

func (s *PostgresStore) Initialize(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, createEventsTable); err != nil {
		return fmt.Errorf("ensure events table: %w", err)
	}
	return nil
}

func (s *PostgresStore) StoreEvent(ctx context.Context, e *event.Event) error {
	raw, err := e.Marshal()
	if err != nil {
		return err
	}
	// Upsert: retry-воркер перезаписывает ту же запись с новым retry_count
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO events (tenant_id, event_id, event_type, category, status, retry_count, aggregate_id, ts, envelope)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (tenant_id, event_id) DO UPDATE SET
			status = EXCLUDED.status,
			retry_count = EXCLUDED.retry_count,
			envelope = EXCLUDED.envelope`,
		e.TenantID, e.EventID, e.EventType, string(e.Category), string(e.Status),
		e.RetryCount, e.AggregateID, e.Timestamp, raw,
	)
	if err != nil {
		return fmt.Errorf("store event %s: %w", e.EventID, err)
	}
	return nil
}

func (s *PostgresStore) GetEvents(ctx context.Context, tenantID string, q Query) ([]*event.Event, error) {
	where := []string{"tenant_id = $1"}
	args := []interface{}{tenantID}

	if len(q.EventTypes) > 0 {
		ph := make([]string, 0, len(q.EventTypes))
		for _, t := range q.EventTypes {
			args = append(args, t)
			ph = append(ph, fmt.Sprintf("$%d", len(args)))
		}
		where = append(where, fmt.Sprintf("event_type IN (%s)", strings.Join(ph, ",")))
	}
	if q.AggregateID != "" {
		args = append(args, q.AggregateID)
		where = append(where, fmt.Sprintf("aggregate_id = $%d", len(args)))
	}
	if !q.StartTime.IsZero() {
		args = append(args, q.StartTime)
		where = append(where, fmt.Sprintf("ts >= $%d", len(args)))
	}
	if !q.EndTime.IsZero() {
		args = append(args, q.EndTime)
		where = append(where, fmt.Sprintf("ts <= $%d", len(args)))
	}

	query := fmt.Sprintf(
		"SELECT envelope FROM events WHERE %s ORDER BY ts DESC, event_id",
		strings.Join(where, " AND "),
	)
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var out []*event.Event
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		e, err := event.Unmarshal(raw)
		if err != nil {
			s.logger.Warn("corrupted event record skipped", zap.Error(err))
			continue
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateEventStatus(ctx context.Context, tenantID, eventID string, status event.Status) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE events
		SET status = $3,
		    envelope = jsonb_set(envelope, '{status}', to_jsonb($3::text))
		WHERE tenant_id = $1 AND event_id = $2`,
		tenantID, eventID, string(status),
	)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("event %s not found", eventID)
	}
	return nil
}

func (s *PostgresStore) GetFailedEvents(ctx context.Context, maxRetries, batchSize int) ([]*event.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT envelope FROM events
		WHERE status = 'failed' AND retry_exhausted = FALSE AND retry_count < $1
		ORDER BY ts
		LIMIT $2`,
		maxRetries, batchSize,
	)
	if err != nil {
		return nil, fmt.Errorf("query failed events: %w", err)
	}
	defer rows.Close()

	var out []*event.Event
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		e, err := event.Unmarshal(raw)
		if err != nil {
			s.logger.Warn("corrupted failed event skipped", zap.Error(err))
			continue
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkRetryExhausted(ctx context.Context, tenantID, eventID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE events SET retry_exhausted = TRUE WHERE tenant_id = $1 AND event_id = $2",
		tenantID, eventID,
	)
	return err
}

func (s *PostgresStore) CleanupOldEvents(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, "DELETE FROM events WHERE ts < $1", cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup old events: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *PostgresStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}
