package dispatch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/medical-appointment-scheduling/internal/appointment"
	"github.com/hackgods/medical-appointment-scheduling/internal/outbox"
)

func drain(t *testing.T, p *Processor) {
	t.Helper()
	for {
		n, err := p.ProcessBatch(context.Background())
		require.NoError(t, err)
		if n == 0 {
			return
		}
	}
}

func TestScenario_BookConfirmCancel(t *testing.T) {
	h := newHarness(t, Config{})
	ctx := context.Background()

	res := h.book(t, "09:00", "09:30")
	assert.Equal(t, appointment.StatusPending, res.Appointment.Status)

	_, err := h.svc.BookAppointment(ctx, appointment.BookingRequest{
		PractitionerID: h.practitioner.ID,
		Date:           monday,
		Start:          res.Appointment.Start.Add(15),
		End:            res.Appointment.End.Add(15),
		Patient:        appointment.PatientInfo{Name: "Luis Pérez", Phone: "+56987654321"},
	})
	require.ErrorIs(t, err, appointment.ErrSlotConflict)

	drain(t, h.processor)
	appt, err := h.repo.GetAppointmentByID(ctx, res.AppointmentID)
	require.NoError(t, err)
	require.NotNil(t, appt.ExternalEventID)
	eventID := *appt.ExternalEventID

	_, err = h.svc.TransitionAppointment(ctx, appointment.TransitionRequest{
		AppointmentID: res.AppointmentID,
		To:            appointment.StatusConfirmed,
		Actor:         appointment.ActorOperator,
	})
	require.NoError(t, err)
	drain(t, h.processor)
	// the event created at booking is reused
	assert.Len(t, h.repo.Events(outbox.KindCalendarCreate), 1)
	assert.Equal(t, 1, h.cal.live())

	_, err = h.svc.CancelByCode(ctx, res.ConfirmationCode, "cannot make it")
	require.NoError(t, err)
	drain(t, h.processor)

	assert.Zero(t, h.cal.live())
	assert.Equal(t, []string{eventID}, h.cal.deleted)
	appt, err = h.repo.GetAppointmentByID(ctx, res.AppointmentID)
	require.NoError(t, err)
	assert.Equal(t, appointment.StatusCancelled, appt.Status)
	assert.Nil(t, appt.ExternalEventID)

	// booking notice plus the patient's cancellation notice
	assert.Len(t, h.repo.Notices(), 2)
	for _, ev := range h.repo.Events() {
		assert.Equal(t, outbox.StatusDone, ev.Status, ev.Kind)
	}

	slots, err := h.svc.GetDaySlots(ctx, h.practitioner.ID, monday)
	require.NoError(t, err)
	assert.True(t, slots[0].Available)
}
