package audit

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresRepository persists audit events.
//
// Expected schema:
//
//	audit_events(id UUID PRIMARY KEY, provider_call_id TEXT, type TEXT,
//	  from_state TEXT, to_state TEXT, message TEXT, created_at TIMESTAMPTZ)
type PostgresRepository struct {
	db *sql.DB
}

func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Append(ctx context.Context, e Event) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_events (id, provider_call_id, type, from_state, to_state, message, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		e.ID, e.ProviderCallID, e.Type, e.FromState, e.ToState, e.Message, e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ListByProviderCallID(ctx context.Context, providerCallID string) ([]Event, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, provider_call_id, type, from_state, to_state, message, created_at
		FROM audit_events WHERE provider_call_id = $1 ORDER BY created_at, id`,
		providerCallID,
	)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		if err := rows.Scan(&e.ID, &e.ProviderCallID, &e.Type, &e.FromState, &e.ToState, &e.Message, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
