package appointment

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrPatientNotFound      = errors.New("patient not found")
	ErrPractitionerNotFound = errors.New("practitioner not found")
	ErrAppointmentNotFound  = errors.New("appointment not found")

	ErrSlotConflict           = errors.New("slot conflicts with an existing appointment")
	ErrSlotBeingBooked        = fmt.Errorf("%w: slot is currently being booked, please retry", ErrSlotConflict)
	ErrInvalidStateTransition = errors.New("invalid status transition")

	// ErrStatusChanged is returned by the compare-and-set update when the row
	// no longer has the expected status.
	ErrStatusChanged = errors.New("appointment status changed concurrently")

	ErrCodeExhausted = errors.New("could not generate a unique confirmation code")
)

// ValidationError collects per-field problems found before storage is touched.
type ValidationError struct {
	Fields map[string]string
}

func NewValidationError(field, msg string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: msg}}
}

func (e *ValidationError) Add(field, msg string) {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	if _, ok := e.Fields[field]; !ok {
		e.Fields[field] = msg
	}
}

func (e *ValidationError) Empty() bool { return e == nil || len(e.Fields) == 0 }

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// TransitionError reports a status change that the lifecycle does not allow.
type TransitionError struct {
	From   AppointmentStatus
	To     AppointmentStatus
	Reason string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("cannot move appointment from %s to %s", e.From, e.To)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidStateTransition
}

// PersistenceError wraps a storage failure. The surrounding transaction has
// been rolled back when it is returned.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func persistence(op string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, Err: err}
}

// isDomainError reports errors that pass through the service untouched.
func isDomainError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve) ||
		errors.Is(err, ErrSlotConflict) ||
		errors.Is(err, ErrInvalidStateTransition) ||
		errors.Is(err, ErrAppointmentNotFound) ||
		errors.Is(err, ErrPractitionerNotFound) ||
		errors.Is(err, ErrPatientNotFound)
}
