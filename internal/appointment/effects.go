package appointment

import (
	"fmt"
	"time"

	"github.com/hackgods/medical-appointment-scheduling/internal/outbox"
	"github.com/hackgods/medical-appointment-scheduling/internal/schedule"
)

// effectContext is what the message builders need to describe an appointment.
type effectContext struct {
	appt         *Appointment
	patient      *Patient
	practitioner *Practitioner
	now          time.Time
}

func (c effectContext) when() string {
	return fmt.Sprintf("%s at %s", schedule.FormatDate(c.appt.Date), c.appt.Start)
}

func (c effectContext) practitionerName() string {
	if c.practitioner == nil || c.practitioner.Name == "" {
		return "your practitioner"
	}
	return c.practitioner.Name
}

type eventList struct {
	ctx    effectContext
	events []outbox.Event
	err    error
}

func (l *eventList) add(kind outbox.Kind, payload any) {
	if l.err != nil {
		return
	}
	ev, err := outbox.New(l.ctx.appt.ID, kind, payload, l.ctx.now)
	if err != nil {
		l.err = err
		return
	}
	l.events = append(l.events, ev)
}

// notifyPatient queues a chat message and, when an e-mail is on file, an
// e-mail copy of the same text.
func (l *eventList) notifyPatient(subject, body string) {
	if l.ctx.patient == nil {
		return
	}
	if phone := deref(l.ctx.patient.Phone); phone != "" {
		l.add(outbox.KindChatMessage, outbox.Message{Recipient: phone, Body: body})
	}
	if email := deref(l.ctx.patient.Email); email != "" {
		l.add(outbox.KindEmailMessage, outbox.Message{Recipient: email, Subject: subject, Body: body})
	}
}

func (l *eventList) notifyPractitioner(title, body string) {
	l.add(outbox.KindPractitionerNotice, outbox.PractitionerNotice{
		PractitionerID: l.ctx.appt.PractitionerID,
		Title:          title,
		Body:           body,
	})
}

func (l *eventList) createCalendarEvent() {
	c := l.ctx
	ev := outbox.CalendarEvent{Summary: "Appointment " + c.appt.ConfirmationCode}
	if c.patient != nil {
		ev.Summary = "Appointment: " + c.patient.Name
		ev.AttendeeEmail = deref(c.patient.Email)
	}
	ev.Description = fmt.Sprintf("Confirmation code %s", c.appt.ConfirmationCode)
	if r := deref(c.appt.Reason); r != "" {
		ev.Description += "\nReason: " + r
	}
	l.add(outbox.KindCalendarCreate, ev)
}

func bookingEffects(c effectContext) ([]outbox.Event, error) {
	l := &eventList{ctx: c}
	l.notifyPatient("Appointment request received", fmt.Sprintf(
		"Hi %s, we received your appointment request with %s on %s. Confirmation code: %s. We will confirm it shortly.",
		c.patient.Name, c.practitionerName(), c.when(), c.appt.ConfirmationCode))
	l.createCalendarEvent()
	l.notifyPractitioner("New appointment request", fmt.Sprintf(
		"%s requested %s (code %s).", c.patient.Name, c.when(), c.appt.ConfirmationCode))
	return l.events, l.err
}

func transitionEffects(c effectContext, actor Actor) ([]outbox.Event, error) {
	l := &eventList{ctx: c}
	a := c.appt
	switch a.Status {
	case StatusConfirmed:
		if a.ExternalEventID == nil {
			l.createCalendarEvent()
		}
		l.notifyPatient("Appointment confirmed", fmt.Sprintf(
			"Hi %s, your appointment with %s on %s is confirmed. Confirmation code: %s.",
			patientName(c.patient), c.practitionerName(), c.when(), a.ConfirmationCode))
	case StatusRejected:
		l.notifyPatient("Appointment not accepted", fmt.Sprintf(
			"Hi %s, your appointment request for %s could not be accepted. Reason: %s",
			patientName(c.patient), c.when(), deref(a.CancellationReason)))
	case StatusCancelled:
		if a.ExternalEventID != nil {
			l.add(outbox.KindCalendarDelete, outbox.CalendarRemoval{EventID: *a.ExternalEventID})
		}
		if actor == ActorPatient {
			l.notifyPractitioner("Appointment cancelled by patient", fmt.Sprintf(
				"%s cancelled %s (code %s). Reason: %s",
				patientName(c.patient), c.when(), a.ConfirmationCode, deref(a.CancellationReason)))
		} else {
			l.notifyPatient("Appointment cancelled", fmt.Sprintf(
				"Hi %s, your appointment on %s was cancelled. Reason: %s",
				patientName(c.patient), c.when(), deref(a.CancellationReason)))
		}
	}
	return l.events, l.err
}

func patientName(p *Patient) string {
	if p == nil {
		return "there"
	}
	return p.Name
}
