package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/medical-appointment-scheduling/internal/outbox"
	"github.com/hackgods/medical-appointment-scheduling/internal/schedule"
)

const (
	pgExclusionViolation = "23P01"
	pgUniqueViolation    = "23505"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

// Helpers

const appointmentColumns = `id, practitioner_id, patient_id, date, start_time, end_time, status,
	confirmation_code, reason, cancellation_reason, cancelled_by, external_event_id,
	created_at, updated_at, confirmed_at, rejected_at, cancelled_at, completed_at`

func clockParam(c schedule.Clock) pgtype.Time {
	return pgtype.Time{Microseconds: c.Duration().Microseconds(), Valid: true}
}

func clockValue(t pgtype.Time) schedule.Clock {
	return schedule.Clock(t.Microseconds / time.Minute.Microseconds())
}

func scanPractitioner(row pgx.Row) (*Practitioner, error) {
	var p Practitioner
	err := row.Scan(&p.ID, &p.Name, &p.Email, &p.Phone, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPractitionerNotFound
		}
		return nil, err
	}
	return &p, nil
}

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(&p.ID, &p.Name, &p.Email, &p.Phone, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}
	return &p, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var (
		a           Appointment
		status      string
		start, end  pgtype.Time
		cancelledBy *string
	)

	err := row.Scan(
		&a.ID,
		&a.PractitionerID,
		&a.PatientID,
		&a.Date,
		&start,
		&end,
		&status,
		&a.ConfirmationCode,
		&a.Reason,
		&a.CancellationReason,
		&cancelledBy,
		&a.ExternalEventID,
		&a.CreatedAt,
		&a.UpdatedAt,
		&a.ConfirmedAt,
		&a.RejectedAt,
		&a.CancelledAt,
		&a.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	a.Status = AppointmentStatus(status)
	a.Start = clockValue(start)
	a.End = clockValue(end)
	if cancelledBy != nil {
		actor := Actor(*cancelledBy)
		a.CancelledBy = &actor
	}
	return &a, nil
}

func collectAppointments(rows pgx.Rows, err error) ([]Appointment, error) {
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func scanWeeklyEntry(row pgx.Row) (schedule.WeeklyScheduleEntry, error) {
	var (
		e          schedule.WeeklyScheduleEntry
		weekday    int16
		start, end pgtype.Time
	)
	err := row.Scan(&e.ID, &e.PractitionerID, &weekday, &start, &end, &e.SlotMinutes, &e.GapMinutes, &e.Active)
	if err != nil {
		return e, err
	}
	e.Weekday = schedule.Weekday(weekday)
	e.Start = clockValue(start)
	e.End = clockValue(end)
	return e, nil
}

func scanException(row pgx.Row) (schedule.ScheduleException, error) {
	var (
		x          schedule.ScheduleException
		start, end pgtype.Time
		reason     *string
	)
	err := row.Scan(&x.ID, &x.PractitionerID, &x.Date, &x.FullDay, &start, &end, &reason)
	if err != nil {
		return x, err
	}
	if start.Valid {
		x.Start = clockValue(start)
	}
	if end.Valid {
		x.End = clockValue(end)
	}
	x.Reason = deref(reason)
	return x, nil
}

// Interface methods

func (r *PgRepository) GetPractitionerByID(ctx context.Context, id uuid.UUID) (*Practitioner, error) {
	return getPractitionerByID(ctx, r.pool, id)
}

func getPractitionerByID(ctx context.Context, q querier, id uuid.UUID) (*Practitioner, error) {
	row := q.QueryRow(ctx, `
		SELECT id, name, email, phone, created_at, updated_at
		FROM practitioners
		WHERE id = $1
	`, id)
	return scanPractitioner(row)
}

func (r *PgRepository) GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return getPatientByID(ctx, r.pool, id)
}

func getPatientByID(ctx context.Context, q querier, id uuid.UUID) (*Patient, error) {
	row := q.QueryRow(ctx, `
		SELECT id, name, email, phone, created_at, updated_at
		FROM patients
		WHERE id = $1
	`, id)
	return scanPatient(row)
}

func (r *PgRepository) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return getAppointmentByID(ctx, r.pool, id)
}

func getAppointmentByID(ctx context.Context, q querier, id uuid.UUID) (*Appointment, error) {
	row := q.QueryRow(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE id = $1`, id)
	return scanAppointment(row)
}

func (r *PgRepository) GetAppointmentByCode(ctx context.Context, code string) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+appointmentColumns+` FROM appointments WHERE confirmation_code = $1`, code)
	return scanAppointment(row)
}

func (r *PgRepository) ListBlockingAppointments(ctx context.Context, practitionerID uuid.UUID, from, to time.Time) ([]Appointment, error) {
	return collectAppointments(r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE practitioner_id = $1
		  AND date BETWEEN $2 AND $3
		  AND status NOT IN ('cancelled', 'rejected')
		ORDER BY date, start_time
	`, practitionerID, from, to))
}

func (r *PgRepository) ListWeeklySchedule(ctx context.Context, practitionerID uuid.UUID) ([]schedule.WeeklyScheduleEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, practitioner_id, weekday, start_time, end_time, slot_minutes, gap_minutes, active
		FROM weekly_schedule_entries
		WHERE practitioner_id = $1
		ORDER BY weekday, start_time, id
	`, practitionerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []schedule.WeeklyScheduleEntry
	for rows.Next() {
		e, err := scanWeeklyEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func (r *PgRepository) ListScheduleExceptions(ctx context.Context, practitionerID uuid.UUID, from, to time.Time) ([]schedule.ScheduleException, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, practitioner_id, date, full_day, start_time, end_time, reason
		FROM schedule_exceptions
		WHERE practitioner_id = $1
		  AND date BETWEEN $2 AND $3
		ORDER BY date, full_day DESC, start_time
	`, practitionerID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []schedule.ScheduleException
	for rows.Next() {
		x, err := scanException(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, x)
	}
	return result, rows.Err()
}

// WithinTx runs fn in a READ COMMITTED transaction. Serialization between
// bookings comes from the advisory lock taken in LockPractitionerDay.
func (r *PgRepository) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(context.Background())
	}()

	if err := fn(ctx, &pgTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return mapWriteError(fmt.Errorf("commit: %w", err))
	}
	return nil
}

// Side-effect support, used by the dispatcher.

// SetExternalEventID records the calendar event of an appointment. It only
// writes when no event is recorded yet and the appointment still occupies
// its slot, and reports whether it wrote.
func (r *PgRepository) SetExternalEventID(ctx context.Context, id uuid.UUID, eventID string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE appointments
		SET external_event_id = $2,
		    updated_at = now()
		WHERE id = $1
		  AND external_event_id IS NULL
		  AND status NOT IN ('cancelled', 'rejected')
	`, id, eventID)
	if err != nil {
		return false, fmt.Errorf("set external event id: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PgRepository) ClearExternalEventID(ctx context.Context, id uuid.UUID, eventID string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE appointments
		SET external_event_id = NULL,
		    updated_at = now()
		WHERE id = $1
		  AND external_event_id = $2
	`, id, eventID)
	if err != nil {
		return fmt.Errorf("clear external event id: %w", err)
	}
	return nil
}

func (r *PgRepository) InsertPractitionerNotification(ctx context.Context, n PractitionerNotification) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO practitioner_notifications (id, practitioner_id, appointment_id, title, body, created_at)
		VALUES ($1, $2, $3, $4, $5, COALESCE($6, now()))
		ON CONFLICT (id) DO NOTHING
	`, n.ID, n.PractitionerID, n.AppointmentID, n.Title, n.Body, nullableTime(n.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert practitioner notification: %w", err)
	}
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockPractitionerDay(ctx context.Context, practitionerID uuid.UUID, date time.Time) error {
	key := practitionerID.String() + "|" + schedule.FormatDate(date)
	_, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key)
	return err
}

func (t *pgTx) ListBlockingAppointments(ctx context.Context, practitionerID uuid.UUID, date time.Time) ([]Appointment, error) {
	return collectAppointments(t.tx.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE practitioner_id = $1
		  AND date = $2
		  AND status NOT IN ('cancelled', 'rejected')
		ORDER BY start_time
	`, practitionerID, date))
}

func (t *pgTx) GetPractitionerByID(ctx context.Context, id uuid.UUID) (*Practitioner, error) {
	return getPractitionerByID(ctx, t.tx, id)
}

func (t *pgTx) GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	return getPatientByID(ctx, t.tx, id)
}

// FindPatientByContact first locks the contact keys for the rest of the
// transaction, so two bookings by the same new patient cannot both miss the
// lookup and insert twice. Keys are locked in hash order to avoid deadlocks.
func (t *pgTx) FindPatientByContact(ctx context.Context, email, phone string) (*Patient, error) {
	_, err := t.tx.Exec(ctx, `
		SELECT pg_advisory_xact_lock(h)
		FROM (
			SELECT DISTINCT hashtextextended(k, 0) AS h
			FROM unnest($1::text[]) AS k
			WHERE k <> ''
		) keys
		ORDER BY h
	`, contactLockKeys(email, phone))
	if err != nil {
		return nil, fmt.Errorf("lock patient contact: %w", err)
	}

	// an e-mail match wins over a phone match, then the most recently updated
	row := t.tx.QueryRow(ctx, `
		SELECT id, name, email, phone, created_at, updated_at
		FROM patients
		WHERE ($1::text <> '' AND lower(email) = $1::text)
		   OR ($2::text <> '' AND phone = $2::text)
		ORDER BY ($1::text <> '' AND lower(email) = $1::text) DESC, updated_at DESC
		LIMIT 1
		FOR UPDATE
	`, email, phone)
	return scanPatient(row)
}

func contactLockKeys(email, phone string) []string {
	var keys []string
	if email != "" {
		keys = append(keys, "patient-email|"+email)
	}
	if phone != "" {
		keys = append(keys, "patient-phone|"+phone)
	}
	return keys
}

func (t *pgTx) InsertPatient(ctx context.Context, p *Patient) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO patients (id, name, email, phone, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, p.ID, p.Name, p.Email, p.Phone, p.CreatedAt, p.UpdatedAt)
	return err
}

func (t *pgTx) UpdatePatientContact(ctx context.Context, p *Patient) error {
	_, err := t.tx.Exec(ctx, `
		UPDATE patients
		SET name = $2, email = $3, phone = $4, updated_at = $5
		WHERE id = $1
	`, p.ID, p.Name, p.Email, p.Phone, p.UpdatedAt)
	return err
}

func (t *pgTx) ConfirmationCodeExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM appointments WHERE confirmation_code = $1)`, code).Scan(&exists)
	return exists, err
}

func (t *pgTx) InsertAppointment(ctx context.Context, a *Appointment) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO appointments (
			id, practitioner_id, patient_id, date, start_time, end_time, status,
			confirmation_code, reason, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, a.ID, a.PractitionerID, a.PatientID, a.Date, clockParam(a.Start), clockParam(a.End), string(a.Status),
		a.ConfirmationCode, a.Reason, a.CreatedAt, a.UpdatedAt)
	return mapWriteError(err)
}

func (t *pgTx) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return getAppointmentByID(ctx, t.tx, id)
}

func (t *pgTx) UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from AppointmentStatus, change StatusChange) (*Appointment, error) {
	row := t.tx.QueryRow(ctx, `
		UPDATE appointments
		SET status = $3::text,
		    updated_at = $4,
		    confirmed_at = CASE WHEN $3::text = 'confirmed' THEN $4 ELSE confirmed_at END,
		    rejected_at = CASE WHEN $3::text = 'rejected' THEN $4 ELSE rejected_at END,
		    cancelled_at = CASE WHEN $3::text = 'cancelled' THEN $4 ELSE cancelled_at END,
		    completed_at = CASE WHEN $3::text IN ('completed', 'no_show') THEN $4 ELSE completed_at END,
		    cancelled_by = CASE WHEN $3::text = 'cancelled' THEN $5::text ELSE cancelled_by END,
		    cancellation_reason = CASE WHEN $3::text IN ('cancelled', 'rejected') THEN $6::text ELSE cancellation_reason END
		WHERE id = $1
		  AND status = $2::text
		RETURNING `+appointmentColumns,
		id, string(from), string(change.To), change.At, string(change.Actor), change.Reason)

	a, err := scanAppointment(row)
	if errors.Is(err, ErrAppointmentNotFound) {
		return nil, ErrStatusChanged
	}
	return a, err
}

func (t *pgTx) EnqueueEvents(ctx context.Context, events ...outbox.Event) error {
	if len(events) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, ev := range events {
		batch.Queue(`
			INSERT INTO outbox_events (id, appointment_id, kind, payload, status, attempts, next_attempt_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, 0, $6, $7, $7)
		`, ev.ID, ev.AppointmentID, string(ev.Kind), []byte(ev.Payload), string(ev.Status), ev.NextAttemptAt, ev.CreatedAt)
	}
	return t.tx.SendBatch(ctx, batch).Close()
}

// mapWriteError turns constraint violations that mean "slot taken" into
// ErrSlotConflict.
func mapWriteError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == pgExclusionViolation:
			return fmt.Errorf("%w: %s", ErrSlotConflict, pgErr.ConstraintName)
		case pgErr.Code == pgUniqueViolation && pgErr.ConstraintName == "appointments_confirmation_code_key":
			return fmt.Errorf("%w: %s", ErrCodeExhausted, pgErr.Message)
		}
	}
	return err
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
