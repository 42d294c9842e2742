package anomaly

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PostgresStore persists flagged signals in the anomaly_signals table.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed signal store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Record(ctx context.Context, sig *Signal) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO anomaly_signals (id, actor_id, action, reasons, event_count, value, detected_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, sig.ID, sig.ActorID, sig.Action, strings.Join(sig.Reasons, ","), sig.Count, sig.Value, sig.DetectedAt)
	if err != nil {
		return fmt.Errorf("failed to record anomaly signal: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListByActor(ctx context.Context, actorID string, limit int) ([]*Signal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, actor_id, action, reasons, event_count, value, detected_at
		FROM anomaly_signals
		WHERE actor_id = $1
		ORDER BY detected_at DESC
		LIMIT $2
	`, actorID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list anomaly signals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var result []*Signal
	for rows.Next() {
		var sig Signal
		var reasons string
		if err := rows.Scan(&sig.ID, &sig.ActorID, &sig.Action, &reasons, &sig.Count, &sig.Value, &sig.DetectedAt); err != nil {
			return nil, fmt.Errorf("failed to scan anomaly signal: %w", err)
		}
		sig.Anomalous = true
		if reasons != "" {
			sig.Reasons = strings.Split(reasons, ",")
		}
		result = append(result, &sig)
	}
	return result, rows.Err()
}
