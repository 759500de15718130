package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/medical-appointment-scheduling/internal/outbox"
)

type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

const eventColumns = `id, appointment_id, kind, payload, status, attempts, next_attempt_at,
	locked_until, last_error, created_at, processed_at`

func scanEvent(row pgx.Row) (outbox.Event, error) {
	var (
		ev      outbox.Event
		kind    string
		status  string
		payload []byte
	)
	err := row.Scan(
		&ev.ID,
		&ev.AppointmentID,
		&kind,
		&payload,
		&status,
		&ev.Attempts,
		&ev.NextAttemptAt,
		&ev.LockedUntil,
		&ev.LastError,
		&ev.CreatedAt,
		&ev.ProcessedAt,
	)
	if err != nil {
		return ev, err
	}
	ev.Kind = outbox.Kind(kind)
	ev.Status = outbox.Status(status)
	ev.Payload = payload
	return ev, nil
}

// Claim leases due events in one statement. Rows locked by a concurrent
// claimer are skipped, and expired leases from a crashed processor are
// picked up again.
func (s *PgStore) Claim(ctx context.Context, limit int, lease time.Duration) ([]outbox.Event, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE outbox_events
		SET status = 'processing',
		    locked_until = now() + $2 * interval '1 millisecond',
		    updated_at = now()
		WHERE id IN (
			SELECT id
			FROM outbox_events
			WHERE (status = 'pending' AND next_attempt_at <= now())
			   OR (status = 'processing' AND locked_until < now())
			ORDER BY next_attempt_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+eventColumns,
		limit, lease.Milliseconds())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []outbox.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *PgStore) MarkDone(ctx context.Context, id uuid.UUID, status outbox.Status, attempts int) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox_events
		SET status = $2,
		    attempts = $3,
		    locked_until = NULL,
		    processed_at = now(),
		    updated_at = now()
		WHERE id = $1
	`, id, string(status), attempts)
	if err != nil {
		return fmt.Errorf("mark outbox event %s: %w", status, err)
	}
	return nil
}

func (s *PgStore) MarkRetry(ctx context.Context, id uuid.UUID, attempts int, next time.Time, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox_events
		SET status = 'pending',
		    attempts = $2,
		    next_attempt_at = $3,
		    last_error = $4,
		    locked_until = NULL,
		    updated_at = now()
		WHERE id = $1
	`, id, attempts, next, lastErr)
	if err != nil {
		return fmt.Errorf("schedule outbox retry: %w", err)
	}
	return nil
}

func (s *PgStore) MarkFailed(ctx context.Context, id uuid.UUID, attempts int, lastErr string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE outbox_events
		SET status = 'failed',
		    attempts = $2,
		    last_error = $3,
		    locked_until = NULL,
		    processed_at = now(),
		    updated_at = now()
		WHERE id = $1
	`, id, attempts, lastErr)
	if err != nil {
		return fmt.Errorf("mark outbox event failed: %w", err)
	}
	return nil
}

func (s *PgStore) CountPending(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM outbox_events WHERE status IN ('pending', 'processing')
	`).Scan(&n)
	return n, err
}

func (s *PgStore) DeleteProcessedBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM outbox_events
		WHERE status IN ('done', 'skipped')
		  AND processed_at < $1
	`, before)
	if err != nil {
		return 0, fmt.Errorf("delete processed outbox events: %w", err)
	}
	return tag.RowsAffected(), nil
}
