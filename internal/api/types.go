package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/medical-appointment-scheduling/internal/appointment"
	"github.com/hackgods/medical-appointment-scheduling/internal/schedule"
)

type PatientRequest struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Phone string `json:"phone"`
}

type BookAppointmentRequest struct {
	PractitionerID string         `json:"practitioner_id"`
	Date           string         `json:"date"`  // YYYY-MM-DD
	Start          string         `json:"start"` // HH:MM
	End            string         `json:"end"`
	Patient        PatientRequest `json:"patient"`
	Reason         string         `json:"reason"`
}

type TransitionRequest struct {
	Status string `json:"status"`
	Actor  string `json:"actor"`
	Reason string `json:"reason"`
}

type CancelRequest struct {
	Reason string `json:"reason"`
}

type PersonResponse struct {
	ID    uuid.UUID `json:"id"`
	Name  string    `json:"name"`
	Email *string   `json:"email,omitempty"`
	Phone *string   `json:"phone,omitempty"`
}

type AppointmentResponse struct {
	ID                 uuid.UUID       `json:"id"`
	PractitionerID     uuid.UUID       `json:"practitioner_id"`
	PatientID          uuid.UUID       `json:"patient_id"`
	Date               string          `json:"date"`
	Start              schedule.Clock  `json:"start"`
	End                schedule.Clock  `json:"end"`
	Status             string          `json:"status"`
	ConfirmationCode   string          `json:"confirmation_code"`
	Reason             *string         `json:"reason,omitempty"`
	CancellationReason *string         `json:"cancellation_reason,omitempty"`
	CancelledBy        *string         `json:"cancelled_by,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
	ConfirmedAt        *time.Time      `json:"confirmed_at,omitempty"`
	RejectedAt         *time.Time      `json:"rejected_at,omitempty"`
	CancelledAt        *time.Time      `json:"cancelled_at,omitempty"`
	CompletedAt        *time.Time      `json:"completed_at,omitempty"`
	AllowedTransitions []string        `json:"allowed_transitions"`
	Patient            *PersonResponse `json:"patient,omitempty"`
	Practitioner       *PersonResponse `json:"practitioner,omitempty"`
}

type BookAppointmentResponse struct {
	AppointmentID    uuid.UUID           `json:"appointment_id"`
	ConfirmationCode string              `json:"confirmation_code"`
	Appointment      AppointmentResponse `json:"appointment"`
}

type SlotResponse struct {
	Start     schedule.Clock `json:"start"`
	End       schedule.Clock `json:"end"`
	Available bool           `json:"available"`
}

type DayResponse struct {
	Date  string         `json:"date"`
	Slots []SlotResponse `json:"slots"`
}

type ErrorResponse struct {
	Error   string            `json:"error"`
	Details string            `json:"details,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

func toAppointmentResponse(a appointment.Appointment) AppointmentResponse {
	resp := AppointmentResponse{
		ID:                 a.ID,
		PractitionerID:     a.PractitionerID,
		PatientID:          a.PatientID,
		Date:               schedule.FormatDate(a.Date),
		Start:              a.Start,
		End:                a.End,
		Status:             string(a.Status),
		ConfirmationCode:   a.ConfirmationCode,
		Reason:             a.Reason,
		CancellationReason: a.CancellationReason,
		CreatedAt:          a.CreatedAt,
		UpdatedAt:          a.UpdatedAt,
		ConfirmedAt:        a.ConfirmedAt,
		RejectedAt:         a.RejectedAt,
		CancelledAt:        a.CancelledAt,
		CompletedAt:        a.CompletedAt,
		AllowedTransitions: []string{},
	}
	if a.CancelledBy != nil {
		by := string(*a.CancelledBy)
		resp.CancelledBy = &by
	}
	for _, s := range appointment.AllowedTargets(a.Status) {
		resp.AllowedTransitions = append(resp.AllowedTransitions, string(s))
	}
	return resp
}

func toDetailResponse(d *appointment.AppointmentDetail) AppointmentResponse {
	resp := toAppointmentResponse(d.Appointment)
	if p := d.Patient; p != nil {
		resp.Patient = &PersonResponse{ID: p.ID, Name: p.Name, Email: p.Email, Phone: p.Phone}
	}
	if p := d.Practitioner; p != nil {
		resp.Practitioner = &PersonResponse{ID: p.ID, Name: p.Name}
	}
	return resp
}

func toSlotResponses(slots []appointment.Slot) []SlotResponse {
	out := make([]SlotResponse, 0, len(slots))
	for _, s := range slots {
		out = append(out, SlotResponse{Start: s.Start, End: s.End, Available: s.Available})
	}
	return out
}
