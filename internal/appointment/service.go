package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/medical-appointment-scheduling/internal/metrics"
	redisclient "github.com/hackgods/medical-appointment-scheduling/internal/redis"
	"github.com/hackgods/medical-appointment-scheduling/internal/schedule"
)

const (
	DefaultMaxRangeDays = 62
	maxCodeAttempts     = 5
)

// Waker is notified after a commit that queued side effects.
type Waker interface {
	Wake()
}

type Options struct {
	// MaxRangeDays caps the number of calendar days in one availability query.
	MaxRangeDays int
	// DedupeTemplateSlots collapses identical slots produced by overlapping
	// weekly entries.
	DedupeTemplateSlots bool
	// Location is the practitioner's wall clock.
	Location *time.Location
}

type Option func(*Service)

func WithCodeGenerator(g CodeGenerator) Option { return func(s *Service) { s.codes = g } }
func WithWaker(w Waker) Option                 { return func(s *Service) { s.waker = w } }
func WithMetrics(m *metrics.Metrics) Option    { return func(s *Service) { s.metrics = m } }
func WithLogger(l zerolog.Logger) Option       { return func(s *Service) { s.log = l } }
func WithNow(now func() time.Time) Option      { return func(s *Service) { s.now = now } }

// WithScheduleSource overrides where templates and exceptions are read from,
// typically with a cache in front of the repository.
func WithScheduleSource(src ScheduleSource) Option {
	return func(s *Service) { s.schedules = src }
}

type Service struct {
	repo      Repository
	schedules ScheduleSource
	locker    redisclient.Locker
	codes     CodeGenerator
	waker     Waker
	metrics   *metrics.Metrics
	log       zerolog.Logger
	now       func() time.Time
	opts      Options
}

// NewService wires the scheduling core. locker may be nil, in which case
// booking relies on the database lock alone.
func NewService(repo Repository, locker redisclient.Locker, opts Options, extra ...Option) *Service {
	if opts.MaxRangeDays <= 0 {
		opts.MaxRangeDays = DefaultMaxRangeDays
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	s := &Service{
		repo:      repo,
		schedules: repo,
		locker:    locker,
		codes:     RandomCodeGenerator{},
		log:       zerolog.Nop(),
		now:       time.Now,
		opts:      opts,
	}
	for _, o := range extra {
		o(s)
	}
	return s
}

type PatientInfo struct {
	Name  string `json:"name" validate:"required,max=200"`
	Email string `json:"email" validate:"required_without=Phone,omitempty,email,max=254"`
	Phone string `json:"phone" validate:"required_without=Email,omitempty,e164"`
}

type BookingRequest struct {
	PractitionerID uuid.UUID
	Date           time.Time
	Start          schedule.Clock
	End            schedule.Clock
	Patient        PatientInfo
	Reason         string
}

type BookingResult struct {
	AppointmentID    uuid.UUID
	ConfirmationCode string
	Appointment      *Appointment
	Patient          *Patient
}

// BookAppointment reserves a time window for a patient. The overlap check and
// the insert run in one transaction serialized per practitioner and date, so
// of several concurrent requests for overlapping windows exactly one wins.
func (s *Service) BookAppointment(ctx context.Context, req BookingRequest) (*BookingResult, error) {
	started := time.Now()
	res, err := s.book(ctx, req)
	s.metrics.ObserveBooking(bookingOutcome(err), time.Since(started))
	return res, err
}

func (s *Service) book(ctx context.Context, req BookingRequest) (*BookingResult, error) {
	req.Patient = normalizePatient(req.Patient)
	req.Date = schedule.Date(req.Date)
	if err := s.validateBooking(req); err != nil {
		return nil, err
	}

	practitioner, err := s.repo.GetPractitionerByID(ctx, req.PractitionerID)
	if err != nil {
		if errors.Is(err, ErrPractitionerNotFound) {
			return nil, err
		}
		return nil, persistence("load practitioner", err)
	}

	slot := schedule.Interval{Start: req.Start, End: req.End}

	// Closed days, blackout windows and hours outside the weekly template
	// cannot be booked even if a client holds a stale availability snapshot.
	exceptions, err := s.schedules.ListScheduleExceptions(ctx, req.PractitionerID, req.Date, req.Date)
	if err != nil {
		return nil, persistence("load schedule exceptions", err)
	}
	if schedule.NewExceptionCalendar(exceptions).Blocks(req.Date, slot) {
		return nil, fmt.Errorf("%w: practitioner is unavailable at %s", ErrSlotConflict, slot)
	}

	entries, err := s.schedules.ListWeeklySchedule(ctx, req.PractitionerID)
	if err != nil {
		return nil, persistence("load weekly schedule", err)
	}
	if !schedule.Covers(entries, schedule.WeekdayOf(req.Date), slot) {
		return nil, fmt.Errorf("%w: %s is outside working hours", ErrSlotConflict, slot)
	}

	var result *BookingResult
	run := func(ctx context.Context) error {
		return s.repo.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
			if err := tx.LockPractitionerDay(ctx, req.PractitionerID, req.Date); err != nil {
				return fmt.Errorf("lock practitioner day: %w", err)
			}

			// Inside the critical section re-check for overlapping appointments
			existing, err := tx.ListBlockingAppointments(ctx, req.PractitionerID, req.Date)
			if err != nil {
				return fmt.Errorf("check overlapping appointments: %w", err)
			}
			for _, a := range existing {
				if schedule.Overlaps(slot, a.Interval()) {
					return fmt.Errorf("%w: overlaps %s", ErrSlotConflict, a.Interval())
				}
			}

			patient, err := s.resolvePatient(ctx, tx, req.Patient)
			if err != nil {
				return err
			}

			code, err := s.uniqueCode(ctx, tx)
			if err != nil {
				return err
			}

			now := s.now()
			appt := &Appointment{
				ID:               uuid.New(),
				PractitionerID:   req.PractitionerID,
				PatientID:        patient.ID,
				Date:             req.Date,
				Start:            req.Start,
				End:              req.End,
				Status:           StatusPending,
				ConfirmationCode: code,
				Reason:           strPtr(req.Reason),
				CreatedAt:        now,
				UpdatedAt:        now,
			}
			if err := tx.InsertAppointment(ctx, appt); err != nil {
				return fmt.Errorf("insert appointment: %w", err)
			}

			events, err := bookingEffects(effectContext{appt: appt, patient: patient, practitioner: practitioner, now: now})
			if err != nil {
				return err
			}
			if err := tx.EnqueueEvents(ctx, events...); err != nil {
				return fmt.Errorf("enqueue side effects: %w", err)
			}

			result = &BookingResult{
				AppointmentID:    appt.ID,
				ConfirmationCode: code,
				Appointment:      appt,
				Patient:          patient,
			}
			return nil
		})
	}

	if s.locker != nil {
		key := fmt.Sprintf("booking:%s:%s", req.PractitionerID, schedule.FormatDate(req.Date))
		err = s.locker.WithLock(ctx, key, run)
	} else {
		err = run(ctx)
	}
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, ErrSlotBeingBooked
		}
		if isDomainError(err) {
			return nil, err
		}
		return nil, persistence("book appointment", err)
	}

	s.wake()
	s.log.Info().
		Str("appointment_id", result.AppointmentID.String()).
		Str("practitioner_id", req.PractitionerID.String()).
		Str("date", schedule.FormatDate(req.Date)).
		Str("slot", slot.String()).
		Msg("appointment booked")

	return result, nil
}

func (s *Service) resolvePatient(ctx context.Context, tx Tx, info PatientInfo) (*Patient, error) {
	now := s.now()
	p, err := tx.FindPatientByContact(ctx, info.Email, info.Phone)
	if errors.Is(err, ErrPatientNotFound) {
		p = &Patient{
			ID:        uuid.New(),
			Name:      info.Name,
			Email:     strPtr(info.Email),
			Phone:     strPtr(info.Phone),
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.InsertPatient(ctx, p); err != nil {
			return nil, fmt.Errorf("insert patient: %w", err)
		}
		return p, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find patient: %w", err)
	}

	// Known patient: refresh contact details, last writer wins.
	p.Name = info.Name
	if info.Email != "" {
		p.Email = strPtr(info.Email)
	}
	if info.Phone != "" {
		p.Phone = strPtr(info.Phone)
	}
	p.UpdatedAt = now
	if err := tx.UpdatePatientContact(ctx, p); err != nil {
		return nil, fmt.Errorf("update patient: %w", err)
	}
	return p, nil
}

func (s *Service) uniqueCode(ctx context.Context, tx Tx) (string, error) {
	for i := 0; i < maxCodeAttempts; i++ {
		code, err := s.codes.Generate()
		if err != nil {
			return "", err
		}
		exists, err := tx.ConfirmationCodeExists(ctx, code)
		if err != nil {
			return "", fmt.Errorf("check confirmation code: %w", err)
		}
		if !exists {
			return code, nil
		}
		s.log.Warn().Int("attempt", i+1).Msg("confirmation code collision, regenerating")
	}
	return "", ErrCodeExhausted
}

type TransitionRequest struct {
	AppointmentID uuid.UUID
	To            AppointmentStatus
	Actor         Actor
	Reason        string
}

// TransitionAppointment moves an appointment along its lifecycle. The status
// write is a compare-and-set on the status that was read, and the side
// effects of the move are queued in the same transaction.
func (s *Service) TransitionAppointment(ctx context.Context, req TransitionRequest) (*Appointment, error) {
	if err := validateTransition(req); err != nil {
		return nil, err
	}

	var (
		from    AppointmentStatus
		updated *Appointment
	)
	err := s.repo.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		current, err := tx.GetAppointmentByID(ctx, req.AppointmentID)
		if err != nil {
			return err
		}
		from = current.Status
		if err := checkTransition(current.Status, req.To, req.Actor); err != nil {
			return err
		}

		now := s.now()
		change := StatusChange{To: req.To, Actor: req.Actor, At: now}
		if requiresReason(req.To) {
			change.Reason = strPtr(req.Reason)
		}

		updated, err = tx.UpdateAppointmentStatus(ctx, current.ID, current.Status, change)
		if errors.Is(err, ErrStatusChanged) {
			latest := current.Status
			if a, lerr := tx.GetAppointmentByID(ctx, current.ID); lerr == nil {
				latest = a.Status
			}
			return &TransitionError{From: latest, To: req.To, Reason: "status changed concurrently"}
		}
		if err != nil {
			return fmt.Errorf("update appointment status: %w", err)
		}

		patient, err := tx.GetPatientByID(ctx, updated.PatientID)
		if err != nil {
			return fmt.Errorf("load patient: %w", err)
		}
		practitioner, err := tx.GetPractitionerByID(ctx, updated.PractitionerID)
		if err != nil {
			return fmt.Errorf("load practitioner: %w", err)
		}

		events, err := transitionEffects(effectContext{appt: updated, patient: patient, practitioner: practitioner, now: now}, req.Actor)
		if err != nil {
			return err
		}
		if err := tx.EnqueueEvents(ctx, events...); err != nil {
			return fmt.Errorf("enqueue side effects: %w", err)
		}
		return nil
	})
	if err != nil {
		s.metrics.ObserveTransition(string(from), string(req.To), transitionOutcome(err))
		if isDomainError(err) {
			return nil, err
		}
		return nil, persistence("transition appointment", err)
	}

	s.metrics.ObserveTransition(string(from), string(req.To), "ok")
	s.wake()
	s.log.Info().
		Str("appointment_id", updated.ID.String()).
		Str("from", string(from)).
		Str("to", string(updated.Status)).
		Str("actor", string(req.Actor)).
		Msg("appointment status changed")

	return updated, nil
}

// CancelByCode lets a patient cancel with the code they were given.
func (s *Service) CancelByCode(ctx context.Context, code, reason string) (*Appointment, error) {
	appt, err := s.getByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	return s.TransitionAppointment(ctx, TransitionRequest{
		AppointmentID: appt.ID,
		To:            StatusCancelled,
		Actor:         ActorPatient,
		Reason:        reason,
	})
}

// GetAppointment retrieves a fully hydrated appointment by ID
func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*AppointmentDetail, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, err
		}
		return nil, persistence("get appointment", err)
	}
	return s.hydrate(ctx, appt)
}

func (s *Service) GetAppointmentByCode(ctx context.Context, code string) (*AppointmentDetail, error) {
	appt, err := s.getByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	return s.hydrate(ctx, appt)
}

func (s *Service) getByCode(ctx context.Context, code string) (*Appointment, error) {
	if !ValidCode(code) {
		return nil, NewValidationError("code", "must be 10 characters of 0-9 and A-Z")
	}
	appt, err := s.repo.GetAppointmentByCode(ctx, code)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, err
		}
		return nil, persistence("get appointment by code", err)
	}
	return appt, nil
}

func (s *Service) hydrate(ctx context.Context, appt *Appointment) (*AppointmentDetail, error) {
	detail := &AppointmentDetail{Appointment: *appt}
	patient, err := s.repo.GetPatientByID(ctx, appt.PatientID)
	if err != nil && !errors.Is(err, ErrPatientNotFound) {
		return nil, persistence("load patient", err)
	}
	detail.Patient = patient
	practitioner, err := s.repo.GetPractitionerByID(ctx, appt.PractitionerID)
	if err != nil && !errors.Is(err, ErrPractitionerNotFound) {
		return nil, persistence("load practitioner", err)
	}
	detail.Practitioner = practitioner
	return detail, nil
}

func (s *Service) wake() {
	if s.waker != nil {
		s.waker.Wake()
	}
}

func bookingOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrSlotBeingBooked):
		return "busy"
	case errors.Is(err, ErrSlotConflict):
		return "conflict"
	case isDomainError(err):
		return "invalid"
	default:
		return "error"
	}
}

func transitionOutcome(err error) string {
	switch {
	case errors.Is(err, ErrInvalidStateTransition):
		return "invalid_transition"
	case isDomainError(err):
		return "invalid"
	default:
		return "error"
	}
}
