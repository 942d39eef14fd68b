package calls

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PostgresStore implements Store on database/sql (pgx stdlib driver).
//
// Expected schema (managed by external migrations):
//
//	call_records(id, provider_call_id UNIQUE, extension_id, direction,
//	  call_type, caller_number, caller_name, start_time, end_time,
//	  duration_seconds, recording_id, recording_url, owner_id, lead_id,
//	  lead_created, state, resume_state, attempt_count, recording_checks,
//	  last_error, next_attempt_at, processed_at, created_at, updated_at)
//
// Only end_time, next_attempt_at and processed_at are nullable; every other
// column is NOT NULL. The insert writes explicit zero values for the
// processing columns so the reread never depends on column defaults.
//	extensions(extension_id PRIMARY KEY, name, extension_number, type,
//	  enabled, updated_at)
type PostgresStore struct {
	db    *sql.DB
	clock func() time.Time
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, clock: time.Now}
}

const callColumns = `id, provider_call_id, extension_id, direction, call_type,
	caller_number, caller_name, start_time, end_time, duration_seconds,
	recording_id, recording_url, owner_id, lead_id, lead_created,
	state, resume_state, attempt_count, recording_checks, last_error,
	next_attempt_at, processed_at, created_at, updated_at`

func (s *PostgresStore) UpsertIfNew(ctx context.Context, d Draft) (CallRecord, bool, error) {
	now := s.clock().UTC()
	id := uuid.NewString()

	// ON CONFLICT DO NOTHING + reread keeps the insert race-free across
	// concurrent fetch passes.
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO call_records (
			id, provider_call_id, extension_id, direction, call_type,
			caller_number, caller_name, start_time, end_time, duration_seconds,
			recording_id, recording_url, owner_id, lead_id, lead_created,
			state, resume_state, attempt_count, recording_checks, last_error,
			created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,'','',FALSE,$13,'',0,0,'',$14,$14)
		ON CONFLICT (provider_call_id) DO NOTHING`,
		id, d.ProviderCallID, d.ExtensionID, d.Direction, d.CallType,
		d.CallerNumber, d.CallerName, d.StartTime, d.EndTime, d.DurationSecs,
		d.RecordingID, d.RecordingURL, StateFetched, now,
	)
	if err != nil {
		return CallRecord{}, false, fmt.Errorf("insert call record: %w", err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return CallRecord{}, false, err
	}

	rec, err := s.GetByProviderCallID(ctx, d.ProviderCallID)
	if err != nil {
		return CallRecord{}, false, err
	}
	return rec, inserted == 1, nil
}

func (s *PostgresStore) GetByProviderCallID(ctx context.Context, providerCallID string) (CallRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+callColumns+` FROM call_records WHERE provider_call_id = $1`,
		providerCallID,
	)
	return scanCall(row)
}

func (s *PostgresStore) ListUnprocessed(ctx context.Context, callType CallType, limit int, now time.Time) ([]CallRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + callColumns + ` FROM call_records
		WHERE state NOT IN ($1, $2)
		  AND (next_attempt_at IS NULL OR next_attempt_at <= $3)`
	args := []any{StateCompleted, StateDeadLettered, now}
	if callType != "" {
		q += ` AND call_type = $4`
		args = append(args, callType)
	}
	q += fmt.Sprintf(` ORDER BY start_time ASC LIMIT %d`, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list unprocessed: %w", err)
	}
	defer rows.Close()
	return scanCalls(rows)
}

func (s *PostgresStore) ListDeadLettered(ctx context.Context, limit int) ([]CallRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+callColumns+` FROM call_records WHERE state = $1
		 ORDER BY start_time ASC LIMIT `+fmt.Sprint(limit),
		StateDeadLettered,
	)
	if err != nil {
		return nil, fmt.Errorf("list dead lettered: %w", err)
	}
	defer rows.Close()
	return scanCalls(rows)
}

func (s *PostgresStore) UpdateState(ctx context.Context, id string, from, to CallState, upd StateUpdate) (CallRecord, error) {
	if !ValidTransition(from, to) {
		return CallRecord{}, ErrInvalidTransition
	}
	now := s.clock().UTC()

	// The WHERE state = $from predicate is the compare-and-set: a stale
	// writer matches zero rows and gets ErrStaleState.
	row := s.db.QueryRowContext(ctx, `
		UPDATE call_records SET
			state = $1,
			resume_state = $2,
			owner_id = COALESCE(NULLIF($3, ''), owner_id),
			lead_id = COALESCE(NULLIF($4, ''), lead_id),
			lead_created = lead_created OR $5,
			last_error = CASE WHEN $6 THEN '' WHEN $7 <> '' THEN $7 ELSE last_error END,
			attempt_count = attempt_count + $8,
			recording_checks = recording_checks + $9,
			next_attempt_at = CASE WHEN $10 THEN NULL WHEN $11::timestamptz IS NOT NULL THEN $11 ELSE next_attempt_at END,
			processed_at = COALESCE($12, processed_at),
			updated_at = $13
		WHERE id = $14 AND state = $15
		RETURNING `+callColumns,
		to, upd.ResumeState, upd.OwnerID, upd.LeadID, upd.LeadCreated,
		upd.ClearLastError, upd.LastError, upd.AttemptDelta, upd.RecordingCheckDelta,
		upd.ClearNextAttemptAt, upd.NextAttemptAt, upd.ProcessedAt, now,
		id, from,
	)
	rec, err := scanCall(row)
	if errors.Is(err, sql.ErrNoRows) {
		// Distinguish missing record from stale state.
		var exists bool
		if qErr := s.db.QueryRowContext(ctx,
			`SELECT EXISTS(SELECT 1 FROM call_records WHERE id = $1)`, id,
		).Scan(&exists); qErr != nil {
			return CallRecord{}, qErr
		}
		if !exists {
			return CallRecord{}, ErrNotFound
		}
		return CallRecord{}, ErrStaleState
	}
	return rec, err
}

func (s *PostgresStore) Stats(ctx context.Context, from, to time.Time) (Stats, error) {
	var st Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE call_type = $1),
			COUNT(*) FILTER (WHERE call_type = $2),
			COUNT(*) FILTER (WHERE state = $3),
			COUNT(*) FILTER (WHERE state NOT IN ($3, $4)),
			COUNT(*) FILTER (WHERE state = $4),
			COUNT(*) FILTER (WHERE lead_created),
			COUNT(*) FILTER (WHERE recording_id <> '')
		FROM call_records
		WHERE start_time >= $5 AND start_time < $6`,
		CallTypeAccepted, CallTypeMissed, StateCompleted, StateDeadLettered, from, to,
	).Scan(&st.Accepted, &st.Missed, &st.Processed, &st.Unprocessed, &st.DeadLettered, &st.LeadsCreated, &st.WithRecordings)
	if err != nil {
		return Stats{}, fmt.Errorf("stats: %w", err)
	}
	return st, nil
}

func (s *PostgresStore) UpsertExtension(ctx context.Context, e Extension) (bool, error) {
	now := s.clock().UTC()
	var created bool
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO extensions (extension_id, name, extension_number, type, enabled, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (extension_id) DO UPDATE SET
			name = EXCLUDED.name,
			extension_number = EXCLUDED.extension_number,
			type = EXCLUDED.type,
			enabled = EXCLUDED.enabled,
			updated_at = EXCLUDED.updated_at
		RETURNING (xmax = 0)`,
		e.ExtensionID, e.Name, e.Number, e.Type, e.Enabled, now,
	).Scan(&created)
	if err != nil {
		return false, fmt.Errorf("upsert extension: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) DisableExtensionsExcept(ctx context.Context, keepIDs []string) (int, error) {
	now := s.clock().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE extensions SET enabled = FALSE, updated_at = $1
		WHERE enabled AND NOT (extension_id = ANY($2))`,
		now, keepIDs,
	)
	if err != nil {
		return 0, fmt.Errorf("disable extensions: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *PostgresStore) ListEnabledExtensions(ctx context.Context) ([]Extension, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT extension_id, name, extension_number, type, enabled, updated_at
		FROM extensions WHERE enabled ORDER BY extension_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list extensions: %w", err)
	}
	defer rows.Close()

	out := make([]Extension, 0)
	for rows.Next() {
		var e Extension
		if err := rows.Scan(&e.ExtensionID, &e.Name, &e.Number, &e.Type, &e.Enabled, &e.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCall(row rowScanner) (CallRecord, error) {
	var rec CallRecord
	var endTime, nextAttempt, processedAt sql.NullTime
	err := row.Scan(
		&rec.ID, &rec.ProviderCallID, &rec.ExtensionID, &rec.Direction, &rec.CallType,
		&rec.CallerNumber, &rec.CallerName, &rec.StartTime, &endTime, &rec.DurationSecs,
		&rec.RecordingID, &rec.RecordingURL, &rec.OwnerID, &rec.LeadID, &rec.LeadCreated,
		&rec.State, &rec.ResumeState, &rec.AttemptCount, &rec.RecordingChecks, &rec.LastError,
		&nextAttempt, &processedAt, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		return CallRecord{}, err
	}
	if endTime.Valid {
		rec.EndTime = &endTime.Time
	}
	if nextAttempt.Valid {
		rec.NextAttemptAt = &nextAttempt.Time
	}
	if processedAt.Valid {
		rec.ProcessedAt = &processedAt.Time
	}
	return rec, nil
}

func scanCalls(rows *sql.Rows) ([]CallRecord, error) {
	out := make([]CallRecord, 0)
	for rows.Next() {
		rec, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
