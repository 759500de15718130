package appointment

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/medical-appointment-scheduling/internal/schedule"
)

type AppointmentStatus string

const (
	StatusPending   AppointmentStatus = "pending"
	StatusConfirmed AppointmentStatus = "confirmed"
	StatusRejected  AppointmentStatus = "rejected"
	StatusCancelled AppointmentStatus = "cancelled"
	StatusCompleted AppointmentStatus = "completed"
	StatusNoShow    AppointmentStatus = "no_show"
)

var allStatuses = []AppointmentStatus{
	StatusPending, StatusConfirmed, StatusRejected, StatusCancelled, StatusCompleted, StatusNoShow,
}

func ParseStatus(s string) (AppointmentStatus, error) {
	for _, st := range allStatuses {
		if string(st) == s {
			return st, nil
		}
	}
	return "", fmt.Errorf("unknown appointment status %q", s)
}

// Blocking reports whether an appointment in this status occupies its time.
func (s AppointmentStatus) Blocking() bool {
	return s != StatusCancelled && s != StatusRejected
}

func (s AppointmentStatus) Terminal() bool {
	switch s {
	case StatusRejected, StatusCancelled, StatusCompleted, StatusNoShow:
		return true
	}
	return false
}

// Actor is who asked for a status change.
type Actor string

const (
	ActorPatient  Actor = "patient"
	ActorOperator Actor = "operator"
	ActorCalendar Actor = "calendar"
)

func (a Actor) Valid() bool {
	return a == ActorPatient || a == ActorOperator || a == ActorCalendar
}

type Practitioner struct {
	ID        uuid.UUID
	Name      string
	Email     *string
	Phone     *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Patient struct {
	ID        uuid.UUID
	Name      string
	Email     *string
	Phone     *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Appointment struct {
	ID                 uuid.UUID
	PractitionerID     uuid.UUID
	PatientID          uuid.UUID
	Date               time.Time
	Start              schedule.Clock
	End                schedule.Clock
	Status             AppointmentStatus
	ConfirmationCode   string
	Reason             *string
	CancellationReason *string
	CancelledBy        *Actor
	ExternalEventID    *string
	CreatedAt          time.Time
	UpdatedAt          time.Time
	ConfirmedAt        *time.Time
	RejectedAt         *time.Time
	CancelledAt        *time.Time
	CompletedAt        *time.Time
}

func (a Appointment) Interval() schedule.Interval {
	return schedule.Interval{Start: a.Start, End: a.End}
}

// StartsAt and EndsAt place the appointment on the wall clock of loc.
func (a Appointment) StartsAt(loc *time.Location) time.Time { return a.Start.On(a.Date, loc) }
func (a Appointment) EndsAt(loc *time.Location) time.Time   { return a.End.On(a.Date, loc) }

type AppointmentDetail struct {
	Appointment
	Patient      *Patient
	Practitioner *Practitioner
}

// Slot is a generated time window tagged with whether it can be booked.
type Slot struct {
	Date      time.Time
	Start     schedule.Clock
	End       schedule.Clock
	Available bool
}

type DayAvailability struct {
	Date  time.Time
	Slots []Slot
}

// PractitionerNotification is an internal inbox entry for the practitioner.
type PractitionerNotification struct {
	ID             uuid.UUID
	PractitionerID uuid.UUID
	AppointmentID  uuid.UUID
	Title          string
	Body           string
	CreatedAt      time.Time
	ReadAt         *time.Time
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
