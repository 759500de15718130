package appointment

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/medical-appointment-scheduling/internal/outbox"
	"github.com/hackgods/medical-appointment-scheduling/internal/schedule"
)

// ScheduleSource supplies the practitioner's recurring template and
// exceptions.
type ScheduleSource interface {
	ListWeeklySchedule(ctx context.Context, practitionerID uuid.UUID) ([]schedule.WeeklyScheduleEntry, error)
	ListScheduleExceptions(ctx context.Context, practitionerID uuid.UUID, from, to time.Time) ([]schedule.ScheduleException, error)
}

// Repository contains all DB interactions needed by the service.
type Repository interface {
	ScheduleSource

	GetPractitionerByID(ctx context.Context, id uuid.UUID) (*Practitioner, error)
	GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error)

	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	GetAppointmentByCode(ctx context.Context, code string) (*Appointment, error)

	// Blocking appointments (not cancelled or rejected) with from <= date <= to.
	ListBlockingAppointments(ctx context.Context, practitionerID uuid.UUID, from, to time.Time) ([]Appointment, error)

	// WithinTx runs fn in one transaction, committing when fn returns nil.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the transactional view used by booking and status changes.
type Tx interface {
	// LockPractitionerDay serializes writers for one practitioner and date
	// until the transaction ends.
	LockPractitionerDay(ctx context.Context, practitionerID uuid.UUID, date time.Time) error
	ListBlockingAppointments(ctx context.Context, practitionerID uuid.UUID, date time.Time) ([]Appointment, error)

	GetPractitionerByID(ctx context.Context, id uuid.UUID) (*Practitioner, error)
	GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error)

	FindPatientByContact(ctx context.Context, email, phone string) (*Patient, error)
	InsertPatient(ctx context.Context, p *Patient) error
	UpdatePatientContact(ctx context.Context, p *Patient) error

	ConfirmationCodeExists(ctx context.Context, code string) (bool, error)
	InsertAppointment(ctx context.Context, a *Appointment) error

	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	// UpdateAppointmentStatus applies change only if the row still has
	// status from. It returns ErrStatusChanged otherwise.
	UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from AppointmentStatus, change StatusChange) (*Appointment, error)

	EnqueueEvents(ctx context.Context, events ...outbox.Event) error
}

// StatusChange carries the columns written by a transition.
type StatusChange struct {
	To     AppointmentStatus
	Reason *string
	Actor  Actor
	At     time.Time
}
