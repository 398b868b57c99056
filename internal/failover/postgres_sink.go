package failover

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Драйвер Postgres
)

// PostgresSink — долговременное хранилище аудита failover.
type PostgresSink struct {
	db *sql.DB
}

func NewPostgresSink(connString string) (*PostgresSink, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)
	return &PostgresSink{db: db}, nil
}

// Initialize проверяет соединение и создает таблицу аудита.
func (s *PostgresSink) Initialize(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres ping: %w", err)
	}
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS failover_audit (
			id               TEXT PRIMARY KEY,
			integration_name TEXT NOT NULL,
			trigger_reason   TEXT NOT NULL,
			from_target      TEXT NOT NULL,
			to_target        TEXT NOT NULL,
			strategy         TEXT NOT NULL,
			ts               TIMESTAMPTZ NOT NULL,
			success          BOOLEAN NOT NULL,
			response_time_ms DOUBLE PRECISION NOT NULL,
			metadata         JSONB
		);
		CREATE INDEX IF NOT EXISTS idx_failover_audit_integration
			ON failover_audit (integration_name, ts DESC);
	`)
	if err != nil {
		return fmt.Errorf("create failover_audit table: %w", err)
	}
	return nil
}

// WriteBatch — пакетная вставка записей аудита одним запросом.
func (s *PostgresSink) WriteBatch(ctx context.Context, events []FailoverEvent) error {
	if len(events) == 0 {
		return nil
	}

	// Количество колонок в таблице failover_audit
	numFields := 10
	placeholderStr := ""
	vals := make([]interface{}, 0, len(events)*numFields)

	// Динамически строим запрос для пакетной вставки
	for i, e := range events {
		p := i * numFields
		placeholderStr += fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d),",
			p+1, p+2, p+3, p+4, p+5, p+6, p+7, p+8, p+9, p+10)

		meta, _ := json.Marshal(e.Metadata)

		vals = append(vals,
			e.ID, e.IntegrationName, e.TriggerReason, e.FromTarget, e.ToTarget,
			string(e.Strategy), e.Timestamp, e.Success, e.ResponseTime, meta,
		)
	}

	// Убираем лишнюю запятую в конце
	query := fmt.Sprintf(
		"INSERT INTO failover_audit (id, integration_name, trigger_reason, from_target, to_target, strategy, ts, success, response_time_ms, metadata) VALUES %s ON CONFLICT (id) DO NOTHING",
		strings.TrimSuffix(placeholderStr, ","),
	)

	_, err := s.db.ExecContext(ctx, query, vals...)
	return err
}

func (s *PostgresSink) Close() error {
	return s.db.Close()
}
