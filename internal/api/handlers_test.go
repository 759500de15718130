package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/medical-appointment-scheduling/internal/appointment"
	"github.com/hackgods/medical-appointment-scheduling/internal/metrics"
	"github.com/hackgods/medical-appointment-scheduling/internal/schedule"
)

type stubScheduler struct {
	booking    appointment.BookingRequest
	transition appointment.TransitionRequest
	cancelCode string
	err        error
	appt       appointment.Appointment
}

func (s *stubScheduler) GetAvailability(ctx context.Context, pid uuid.UUID, from, to time.Time) ([]appointment.DayAvailability, error) {
	if s.err != nil {
		return nil, s.err
	}
	return []appointment.DayAvailability{{
		Date: from,
		Slots: []appointment.Slot{
			{Date: from, Start: schedule.MustClock("09:00"), End: schedule.MustClock("09:30"), Available: true},
			{Date: from, Start: schedule.MustClock("09:30"), End: schedule.MustClock("10:00"), Available: false},
		},
	}}, nil
}

func (s *stubScheduler) GetDaySlots(ctx context.Context, pid uuid.UUID, date time.Time) ([]appointment.Slot, error) {
	if s.err != nil {
		return nil, s.err
	}
	return []appointment.Slot{{Date: date, Start: schedule.MustClock("14:00"), End: schedule.MustClock("14:30"), Available: true}}, nil
}

func (s *stubScheduler) BookAppointment(ctx context.Context, req appointment.BookingRequest) (*appointment.BookingResult, error) {
	s.booking = req
	if s.err != nil {
		return nil, s.err
	}
	a := s.appt
	return &appointment.BookingResult{AppointmentID: a.ID, ConfirmationCode: a.ConfirmationCode, Appointment: &a}, nil
}

func (s *stubScheduler) GetAppointment(ctx context.Context, id uuid.UUID) (*appointment.AppointmentDetail, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &appointment.AppointmentDetail{Appointment: s.appt}, nil
}

func (s *stubScheduler) GetAppointmentByCode(ctx context.Context, code string) (*appointment.AppointmentDetail, error) {
	s.cancelCode = code
	if s.err != nil {
		return nil, s.err
	}
	return &appointment.AppointmentDetail{Appointment: s.appt}, nil
}

func (s *stubScheduler) TransitionAppointment(ctx context.Context, req appointment.TransitionRequest) (*appointment.Appointment, error) {
	s.transition = req
	if s.err != nil {
		return nil, s.err
	}
	a := s.appt
	a.Status = req.To
	return &a, nil
}

func (s *stubScheduler) CancelByCode(ctx context.Context, code, reason string) (*appointment.Appointment, error) {
	s.cancelCode = code
	if s.err != nil {
		return nil, s.err
	}
	a := s.appt
	a.Status = appointment.StatusCancelled
	return &a, nil
}

var monday = time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)

func newStub() *stubScheduler {
	return &stubScheduler{appt: appointment.Appointment{
		ID:               uuid.New(),
		PractitionerID:   uuid.New(),
		PatientID:        uuid.New(),
		Date:             monday,
		Start:            schedule.MustClock("09:00"),
		End:              schedule.MustClock("09:30"),
		Status:           appointment.StatusPending,
		ConfirmationCode: "AB12CD34EF",
	}}
}

func serve(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func router(svc Scheduler) http.Handler {
	return NewRouter(RouterConfig{Service: svc, Logger: zerolog.Nop()})
}

func TestBookAppointment(t *testing.T) {
	stub := newStub()
	pid := uuid.New()

	rec := serve(t, router(stub), http.MethodPost, "/appointments", BookAppointmentRequest{
		PractitionerID: pid.String(),
		Date:           "2024-03-04",
		Start:          "09:00",
		End:            "09:30",
		Patient:        PatientRequest{Name: "Ana Soto", Phone: "+56912345678"},
		Reason:         "checkup",
	})

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "/appointments/"+stub.appt.ID.String(), rec.Header().Get("Location"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	resp := decode[BookAppointmentResponse](t, rec)
	assert.Equal(t, "AB12CD34EF", resp.ConfirmationCode)
	assert.Equal(t, "pending", resp.Appointment.Status)
	assert.Equal(t, "2024-03-04", resp.Appointment.Date)
	assert.Equal(t, []string{"confirmed", "rejected", "cancelled"}, resp.Appointment.AllowedTransitions)

	assert.Equal(t, pid, stub.booking.PractitionerID)
	assert.Equal(t, monday, stub.booking.Date)
	assert.Equal(t, schedule.MustClock("09:30"), stub.booking.End)
	assert.Equal(t, "+56912345678", stub.booking.Patient.Phone)
}

func TestBookAppointment_BadInput(t *testing.T) {
	stub := newStub()

	rec := serve(t, router(stub), http.MethodPost, "/appointments", BookAppointmentRequest{
		PractitionerID: "nope",
		Date:           "04/03/2024",
		Start:          "9am",
		End:            "09:30",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code)
	resp := decode[ErrorResponse](t, rec)
	assert.Equal(t, "validation_error", resp.Error)
	assert.Contains(t, resp.Fields, "practitioner_id")
	assert.Contains(t, resp.Fields, "date")
	assert.Contains(t, resp.Fields, "start")
	assert.NotContains(t, resp.Fields, "end")

	req := httptest.NewRequest(http.MethodPost, "/appointments", bytes.NewBufferString(`{"practitioner_id":`))
	raw := httptest.NewRecorder()
	router(stub).ServeHTTP(raw, req)
	assert.Equal(t, http.StatusBadRequest, raw.Code)
	assert.Equal(t, "invalid_request_body", decode[ErrorResponse](t, raw).Error)
}

func TestServiceErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"validation", appointment.NewValidationError("patient.email", "must be a valid email address"), http.StatusBadRequest, "validation_error"},
		{"conflict", appointment.ErrSlotConflict, http.StatusConflict, "slot_conflict"},
		{"busy", appointment.ErrSlotBeingBooked, http.StatusConflict, "slot_being_booked"},
		{"practitioner", appointment.ErrPractitionerNotFound, http.StatusNotFound, "practitioner_not_found"},
		{"storage", &appointment.PersistenceError{Op: "book appointment", Err: errors.New("connection refused")}, http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			stub := newStub()
			stub.err = tc.err
			rec := serve(t, router(stub), http.MethodPost, "/appointments", BookAppointmentRequest{
				PractitionerID: uuid.NewString(),
				Date:           "2024-03-04",
				Start:          "09:00",
				End:            "09:30",
			})
			assert.Equal(t, tc.status, rec.Code)
			resp := decode[ErrorResponse](t, rec)
			assert.Equal(t, tc.code, resp.Error)
			assert.NotContains(t, resp.Details, "connection refused")
		})
	}
}

func TestAvailability(t *testing.T) {
	stub := newStub()
	pid := uuid.New()

	rec := serve(t, router(stub), http.MethodGet, "/practitioners/"+pid.String()+"/availability?from=2024-03-04&to=2024-03-10", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	days := decode[[]DayResponse](t, rec)
	require.Len(t, days, 1)
	assert.Equal(t, "2024-03-04", days[0].Date)
	require.Len(t, days[0].Slots, 2)
	assert.Equal(t, schedule.MustClock("09:30"), days[0].Slots[1].Start)
	assert.False(t, days[0].Slots[1].Available)
	assert.Contains(t, rec.Body.String(), `"start":"09:00"`)

	rec = serve(t, router(stub), http.MethodGet, "/practitioners/"+pid.String()+"/availability?from=monday", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	stub.err = appointment.NewValidationError("to", "must not be before from")
	rec = serve(t, router(stub), http.MethodGet, "/practitioners/"+pid.String()+"/availability?from=2024-03-10&to=2024-03-04", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decode[ErrorResponse](t, rec).Fields, "to")
}

func TestDaySlots(t *testing.T) {
	rec := serve(t, router(newStub()), http.MethodGet, "/practitioners/"+uuid.NewString()+"/slots?date=2024-03-04", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	day := decode[DayResponse](t, rec)
	assert.Equal(t, "2024-03-04", day.Date)
	require.Len(t, day.Slots, 1)
	assert.True(t, day.Slots[0].Available)
}

func TestTransition(t *testing.T) {
	stub := newStub()

	rec := serve(t, router(stub), http.MethodPost, "/appointments/"+stub.appt.ID.String()+"/transitions", TransitionRequest{
		Status: "confirmed",
		Actor:  "operator",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "confirmed", decode[AppointmentResponse](t, rec).Status)
	assert.Equal(t, appointment.StatusConfirmed, stub.transition.To)
	assert.Equal(t, appointment.ActorOperator, stub.transition.Actor)
	assert.Equal(t, stub.appt.ID, stub.transition.AppointmentID)

	stub.err = &appointment.TransitionError{From: appointment.StatusCancelled, To: appointment.StatusConfirmed}
	rec = serve(t, router(stub), http.MethodPost, "/appointments/"+stub.appt.ID.String()+"/transitions", TransitionRequest{Status: "confirmed", Actor: "operator"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invalid_state_transition", decode[ErrorResponse](t, rec).Error)

	rec = serve(t, router(stub), http.MethodPost, "/appointments/not-a-uuid/transitions", TransitionRequest{Status: "confirmed"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetAppointment(t *testing.T) {
	stub := newStub()
	rec := serve(t, router(stub), http.MethodGet, "/appointments/"+stub.appt.ID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, stub.appt.ID, decode[AppointmentResponse](t, rec).ID)

	stub.err = appointment.ErrAppointmentNotFound
	rec = serve(t, router(stub), http.MethodGet, "/appointments/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCodeEndpoints(t *testing.T) {
	stub := newStub()

	rec := serve(t, router(stub), http.MethodGet, "/appointments/code/ab12cd34ef", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "AB12CD34EF", stub.cancelCode)

	rec = serve(t, router(stub), http.MethodPost, "/appointments/code/AB12CD34EF/cancel", CancelRequest{Reason: "travelling"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "cancelled", decode[AppointmentResponse](t, rec).Status)
}

func TestHealth(t *testing.T) {
	down := func(context.Context) error { return errors.New("down") }
	up := func(context.Context) error { return nil }

	cases := []struct {
		name   string
		checks []Check
		status int
		want   string
	}{
		{"all up", []Check{{Name: "postgres", Ping: up, Critical: true}, {Name: "redis", Ping: up}}, http.StatusOK, "ok"},
		{"redis down", []Check{{Name: "postgres", Ping: up, Critical: true}, {Name: "redis", Ping: down}}, http.StatusOK, "degraded"},
		{"postgres down", []Check{{Name: "redis", Ping: up}, {Name: "postgres", Ping: down, Critical: true}}, http.StatusServiceUnavailable, "error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := NewRouter(RouterConfig{Service: newStub(), Checks: tc.checks, Logger: zerolog.Nop()})
			rec := serve(t, h, http.MethodGet, "/health/ready", nil)
			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, tc.want, decode[ReadinessResponse](t, rec).Status)
		})
	}

	rec := serve(t, router(newStub()), http.MethodGet, "/health/live", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimit(t *testing.T) {
	h := NewRouter(RouterConfig{Service: newStub(), Logger: zerolog.Nop(), BookingRPS: 0.001, BookingBurst: 2})
	body := BookAppointmentRequest{PractitionerID: uuid.NewString(), Date: "2024-03-04", Start: "09:00", End: "09:30"}

	assert.Equal(t, http.StatusCreated, serve(t, h, http.MethodPost, "/appointments", body).Code)
	assert.Equal(t, http.StatusCreated, serve(t, h, http.MethodPost, "/appointments", body).Code)
	rec := serve(t, h, http.MethodPost, "/appointments", body)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	// reads are not limited
	assert.Equal(t, http.StatusOK, serve(t, h, http.MethodGet, "/appointments/"+uuid.NewString(), nil).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	h := NewRouter(RouterConfig{
		Service:  newStub(),
		Logger:   zerolog.Nop(),
		Metrics:  metrics.New(reg),
		Gatherer: reg,
	})

	serve(t, h, http.MethodGet, "/practitioners/"+uuid.NewString()+"/slots?date=2024-03-04", nil)
	rec := serve(t, h, http.MethodGet, "/metrics", nil)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `route="/practitioners/{id}/slots"`)
}

func TestCORS(t *testing.T) {
	h := NewRouter(RouterConfig{Service: newStub(), Logger: zerolog.Nop(), AllowedOrigins: []string{"https://clinic.example"}})
	req := httptest.NewRequest(http.MethodOptions, "/appointments", nil)
	req.Header.Set("Origin", "https://clinic.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, "https://clinic.example", rec.Header().Get("Access-Control-Allow-Origin"))
}
