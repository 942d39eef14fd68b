package owners

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// PostgresStore implements Store on database/sql (pgx stdlib driver).
//
// Expected schema:
//
//	lead_owners(crm_user_id PRIMARY KEY, name, email, role, active, updated_at)
//	assignment_state(singleton BOOL PRIMARY KEY DEFAULT TRUE CHECK (singleton),
//	  owner_ids JSONB, last_index INT, version BIGINT, updated_at)
//
// owner_ids is JSONB, not TEXT[]: the stdlib driver hands array columns back
// as raw Postgres array syntax, which database/sql cannot scan into []string.
// JSONB round-trips through []byte on both paths.
type PostgresStore struct {
	db    *sql.DB
	clock func() time.Time
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, clock: time.Now}
}

func (s *PostgresStore) UpsertOwner(ctx context.Context, o LeadOwner) (bool, error) {
	now := s.clock().UTC()
	var created bool
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO lead_owners (crm_user_id, name, email, role, active, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (crm_user_id) DO UPDATE SET
			name = EXCLUDED.name,
			email = EXCLUDED.email,
			role = EXCLUDED.role,
			active = EXCLUDED.active,
			updated_at = EXCLUDED.updated_at
		RETURNING (xmax = 0)`,
		o.CRMUserID, o.Name, o.Email, o.Role, o.Active, now,
	).Scan(&created)
	if err != nil {
		return false, fmt.Errorf("upsert owner: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) DeactivateOwnersExcept(ctx context.Context, keepIDs []string) (int, error) {
	now := s.clock().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE lead_owners SET active = FALSE, updated_at = $1
		WHERE active AND NOT (crm_user_id = ANY($2))`,
		now, keepIDs,
	)
	if err != nil {
		return 0, fmt.Errorf("deactivate owners: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *PostgresStore) ListActive(ctx context.Context) ([]LeadOwner, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT crm_user_id, name, email, role, active, updated_at
		FROM lead_owners WHERE active ORDER BY crm_user_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list active owners: %w", err)
	}
	defer rows.Close()

	out := make([]LeadOwner, 0)
	for rows.Next() {
		var o LeadOwner
		if err := rows.Scan(&o.CRMUserID, &o.Name, &o.Email, &o.Role, &o.Active, &o.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *PostgresStore) GetAssignmentState(ctx context.Context) (AssignmentState, error) {
	var st AssignmentState
	var rawIDs []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT owner_ids, last_index, version, updated_at
		FROM assignment_state WHERE singleton`,
	).Scan(&rawIDs, &st.LastIndex, &st.Version, &st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		now := s.clock().UTC()
		// First use: seed the singleton row. A concurrent seeder loses the
		// conflict and rereads.
		_, insErr := s.db.ExecContext(ctx, `
			INSERT INTO assignment_state (singleton, owner_ids, last_index, version, updated_at)
			VALUES (TRUE, '[]', -1, 0, $1)
			ON CONFLICT (singleton) DO NOTHING`, now,
		)
		if insErr != nil {
			return AssignmentState{}, fmt.Errorf("seed assignment state: %w", insErr)
		}
		return s.GetAssignmentState(ctx)
	}
	if err != nil {
		return AssignmentState{}, fmt.Errorf("get assignment state: %w", err)
	}
	if len(rawIDs) > 0 {
		if err := json.Unmarshal(rawIDs, &st.OwnerIDs); err != nil {
			return AssignmentState{}, fmt.Errorf("decode owner ids: %w", err)
		}
	}
	return st, nil
}

func (s *PostgresStore) CompareAndSwapAssignmentState(ctx context.Context, prev, next AssignmentState) error {
	ids := next.OwnerIDs
	if ids == nil {
		ids = []string{}
	}
	rawIDs, err := json.Marshal(ids)
	if err != nil {
		return fmt.Errorf("encode owner ids: %w", err)
	}

	now := s.clock().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE assignment_state SET
			owner_ids = $1, last_index = $2, version = version + 1, updated_at = $3
		WHERE singleton AND version = $4`,
		rawIDs, next.LastIndex, now, prev.Version,
	)
	if err != nil {
		return fmt.Errorf("cas assignment state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStaleVersion
	}
	return nil
}
