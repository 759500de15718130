package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/medical-appointment-scheduling/internal/appointment"
	"github.com/hackgods/medical-appointment-scheduling/internal/schedule"
)

// Scheduler is the part of appointment.Service the HTTP layer calls.
type Scheduler interface {
	GetAvailability(ctx context.Context, practitionerID uuid.UUID, from, to time.Time) ([]appointment.DayAvailability, error)
	GetDaySlots(ctx context.Context, practitionerID uuid.UUID, date time.Time) ([]appointment.Slot, error)
	BookAppointment(ctx context.Context, req appointment.BookingRequest) (*appointment.BookingResult, error)
	GetAppointment(ctx context.Context, id uuid.UUID) (*appointment.AppointmentDetail, error)
	GetAppointmentByCode(ctx context.Context, code string) (*appointment.AppointmentDetail, error)
	TransitionAppointment(ctx context.Context, req appointment.TransitionRequest) (*appointment.Appointment, error)
	CancelByCode(ctx context.Context, code, reason string) (*appointment.Appointment, error)
}

const maxBodyBytes = 64 << 10

func availabilityHandler(svc Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		verr := &appointment.ValidationError{}
		pid := parseUUID(verr, "practitioner_id", chi.URLParam(r, "id"))
		from := parseOptionalDate(verr, "from", r.URL.Query().Get("from"))
		to := parseOptionalDate(verr, "to", r.URL.Query().Get("to"))
		if !verr.Empty() {
			writeServiceError(w, r, verr)
			return
		}

		days, err := svc.GetAvailability(r.Context(), pid, from, to)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}

		resp := make([]DayResponse, 0, len(days))
		for _, d := range days {
			resp = append(resp, DayResponse{Date: schedule.FormatDate(d.Date), Slots: toSlotResponses(d.Slots)})
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func daySlotsHandler(svc Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		verr := &appointment.ValidationError{}
		pid := parseUUID(verr, "practitioner_id", chi.URLParam(r, "id"))
		date := parseOptionalDate(verr, "date", r.URL.Query().Get("date"))
		if !verr.Empty() {
			writeServiceError(w, r, verr)
			return
		}

		slots, err := svc.GetDaySlots(r.Context(), pid, date)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, DayResponse{Date: schedule.FormatDate(date), Slots: toSlotResponses(slots)})
	}
}

func bookAppointmentHandler(svc Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req BookAppointmentRequest
		if !decodeBody(w, r, &req) {
			return
		}

		verr := &appointment.ValidationError{}
		pid := parseUUID(verr, "practitioner_id", req.PractitionerID)
		date := parseOptionalDate(verr, "date", req.Date)
		start := parseClock(verr, "start", req.Start)
		end := parseClock(verr, "end", req.End)
		if !verr.Empty() {
			writeServiceError(w, r, verr)
			return
		}

		res, err := svc.BookAppointment(r.Context(), appointment.BookingRequest{
			PractitionerID: pid,
			Date:           date,
			Start:          start,
			End:            end,
			Patient: appointment.PatientInfo{
				Name:  req.Patient.Name,
				Email: req.Patient.Email,
				Phone: req.Patient.Phone,
			},
			Reason: req.Reason,
		})
		if err != nil {
			writeServiceError(w, r, err)
			return
		}

		resp := BookAppointmentResponse{
			AppointmentID:    res.AppointmentID,
			ConfirmationCode: res.ConfirmationCode,
			Appointment: toDetailResponse(&appointment.AppointmentDetail{
				Appointment: *res.Appointment,
				Patient:     res.Patient,
			}),
		}
		w.Header().Set("Location", "/appointments/"+res.AppointmentID.String())
		writeJSON(w, http.StatusCreated, resp)
	}
}

func getAppointmentHandler(svc Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		verr := &appointment.ValidationError{}
		id := parseUUID(verr, "id", chi.URLParam(r, "id"))
		if !verr.Empty() {
			writeServiceError(w, r, verr)
			return
		}

		detail, err := svc.GetAppointment(r.Context(), id)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toDetailResponse(detail))
	}
}

func getAppointmentByCodeHandler(svc Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		code := strings.ToUpper(strings.TrimSpace(chi.URLParam(r, "code")))
		detail, err := svc.GetAppointmentByCode(r.Context(), code)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toDetailResponse(detail))
	}
}

func transitionHandler(svc Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		verr := &appointment.ValidationError{}
		id := parseUUID(verr, "id", chi.URLParam(r, "id"))
		if !verr.Empty() {
			writeServiceError(w, r, verr)
			return
		}
		var req TransitionRequest
		if !decodeBody(w, r, &req) {
			return
		}

		appt, err := svc.TransitionAppointment(r.Context(), appointment.TransitionRequest{
			AppointmentID: id,
			To:            appointment.AppointmentStatus(req.Status),
			Actor:         appointment.Actor(req.Actor),
			Reason:        req.Reason,
		})
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(*appt))
	}
}

func cancelByCodeHandler(svc Scheduler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CancelRequest
		if !decodeBody(w, r, &req) {
			return
		}
		code := strings.ToUpper(strings.TrimSpace(chi.URLParam(r, "code")))

		appt, err := svc.CancelByCode(r.Context(), code, req.Reason)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(*appt))
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
		return false
	}
	return true
}

func parseUUID(verr *appointment.ValidationError, field, raw string) uuid.UUID {
	id, err := uuid.Parse(raw)
	if err != nil {
		verr.Add(field, "must be a valid UUID")
	}
	return id
}

// parseOptionalDate leaves a blank value as the zero time so the service
// reports it as missing.
func parseOptionalDate(verr *appointment.ValidationError, field, raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	d, err := schedule.ParseDate(raw)
	if err != nil {
		verr.Add(field, "must be a date in YYYY-MM-DD format")
	}
	return d
}

func parseClock(verr *appointment.ValidationError, field, raw string) schedule.Clock {
	c, err := schedule.ParseClock(raw)
	if err != nil {
		verr.Add(field, "must be a time in HH:MM format")
	}
	return c
}

// writeServiceError maps service errors onto status codes. Anything
// unexpected is logged and reported without detail.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *appointment.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "validation_error", Details: err.Error(), Fields: verr.Fields})
	case errors.Is(err, appointment.ErrSlotBeingBooked):
		writeError(w, http.StatusConflict, "slot_being_booked", "slot is currently being booked, please retry shortly")
	case errors.Is(err, appointment.ErrSlotConflict):
		writeError(w, http.StatusConflict, "slot_conflict", err.Error())
	case errors.Is(err, appointment.ErrInvalidStateTransition):
		writeError(w, http.StatusConflict, "invalid_state_transition", err.Error())
	case errors.Is(err, appointment.ErrAppointmentNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", err.Error())
	case errors.Is(err, appointment.ErrPractitionerNotFound):
		writeError(w, http.StatusNotFound, "practitioner_not_found", err.Error())
	case errors.Is(err, appointment.ErrPatientNotFound):
		writeError(w, http.StatusNotFound, "patient_not_found", err.Error())
	default:
		zerolog.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "an unexpected error occurred")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}
