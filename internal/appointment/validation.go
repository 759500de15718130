package appointment

import (
	"errors"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/hackgods/medical-appointment-scheduling/internal/schedule"
)

const maxReasonLength = 500

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return v
}

func normalizePatient(p PatientInfo) PatientInfo {
	p.Name = strings.TrimSpace(p.Name)
	p.Email = strings.ToLower(strings.TrimSpace(p.Email))
	p.Phone = strings.NewReplacer(" ", "", "-", "", "(", "", ")", "").Replace(strings.TrimSpace(p.Phone))
	return p
}

func (s *Service) validateBooking(req BookingRequest) error {
	verr := &ValidationError{}

	if req.PractitionerID == uuid.Nil {
		verr.Add("practitioner_id", "is required")
	}
	if req.Date.IsZero() {
		verr.Add("date", "is required")
	}
	slot := schedule.Interval{Start: req.Start, End: req.End}
	if !slot.Valid() {
		verr.Add("start", "must be a valid time before end")
	}
	if len(req.Reason) > maxReasonLength {
		verr.Add("reason", "is too long")
	}
	if !req.Date.IsZero() && slot.Valid() && slot.Start.On(req.Date, s.opts.Location).Before(s.now()) {
		verr.Add("start", "must be in the future")
	}

	addFieldErrors(verr, "patient.", validate.Struct(req.Patient))

	if verr.Empty() {
		return nil
	}
	return verr
}

func validateTransition(req TransitionRequest) error {
	verr := &ValidationError{}
	if req.AppointmentID == uuid.Nil {
		verr.Add("appointment_id", "is required")
	}
	if _, err := ParseStatus(string(req.To)); err != nil {
		verr.Add("status", "is not a known status")
	}
	if !req.Actor.Valid() {
		verr.Add("actor", "must be patient, operator or calendar")
	}
	reason := strings.TrimSpace(req.Reason)
	if requiresReason(req.To) && reason == "" {
		verr.Add("reason", "is required when rejecting or cancelling")
	}
	if len(reason) > maxReasonLength {
		verr.Add("reason", "is too long")
	}
	if verr.Empty() {
		return nil
	}
	return verr
}

func addFieldErrors(verr *ValidationError, prefix string, err error) {
	if err == nil {
		return
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		verr.Add(strings.TrimSuffix(prefix, "."), err.Error())
		return
	}
	for _, fe := range fieldErrs {
		verr.Add(prefix+fe.Field(), fieldMessage(fe))
	}
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "required_without":
		return "is required when " + strings.ToLower(fe.Param()) + " is missing"
	case "email":
		return "must be a valid e-mail address"
	case "e164":
		return "must be an international phone number like +56912345678"
	case "max":
		return "is too long"
	default:
		return "is invalid"
	}
}
