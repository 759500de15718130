package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/medical-appointment-scheduling/internal/appointment"
	"github.com/hackgods/medical-appointment-scheduling/internal/calendar"
	"github.com/hackgods/medical-appointment-scheduling/internal/chat"
	"github.com/hackgods/medical-appointment-scheduling/internal/email"
	"github.com/hackgods/medical-appointment-scheduling/internal/outbox"
)

// AppointmentStore is what the calendar and notice handlers read and write.
type AppointmentStore interface {
	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
	SetExternalEventID(ctx context.Context, id uuid.UUID, eventID string) (bool, error)
	ClearExternalEventID(ctx context.Context, id uuid.UUID, eventID string) error
	InsertPractitionerNotification(ctx context.Context, n appointment.PractitionerNotification) error
}

type Deps struct {
	Chat     chat.Notifier
	Calendar calendar.Sync
	Email    email.Sender
	Store    AppointmentStore
	Location *time.Location
	Log      zerolog.Logger
}

// Handlers builds the handler table for every outbox kind.
func Handlers(d Deps) map[outbox.Kind]Handler {
	if d.Location == nil {
		d.Location = time.UTC
	}
	if d.Calendar == nil {
		d.Calendar = calendar.Disabled{}
	}
	return map[outbox.Kind]Handler{
		outbox.KindChatMessage:        &chatHandler{notifier: d.Chat},
		outbox.KindEmailMessage:       &emailHandler{sender: d.Email},
		outbox.KindCalendarCreate:     &calendarCreateHandler{cal: d.Calendar, store: d.Store, loc: d.Location, log: d.Log},
		outbox.KindCalendarDelete:     &calendarDeleteHandler{cal: d.Calendar, store: d.Store},
		outbox.KindPractitionerNotice: &noticeHandler{store: d.Store},
	}
}

type chatHandler struct {
	notifier chat.Notifier
}

func (h *chatHandler) Handle(ctx context.Context, ev outbox.Event) (Outcome, error) {
	var msg outbox.Message
	if err := ev.Decode(&msg); err != nil {
		return Done, fmt.Errorf("%w: %w", ErrPermanent, err)
	}
	if h.notifier == nil || msg.Recipient == "" {
		return Skipped, nil
	}
	res, err := h.notifier.Send(ctx, msg.Recipient, msg.Body)
	if err != nil {
		return Done, err
	}
	if !res.Delivered && !res.Simulated {
		return Done, errors.New("chat message not delivered")
	}
	return Done, nil
}

type emailHandler struct {
	sender email.Sender
}

func (h *emailHandler) Handle(ctx context.Context, ev outbox.Event) (Outcome, error) {
	var msg outbox.Message
	if err := ev.Decode(&msg); err != nil {
		return Done, fmt.Errorf("%w: %w", ErrPermanent, err)
	}
	if h.sender == nil || !h.sender.IsConfigured() || msg.Recipient == "" {
		return Skipped, nil
	}
	return Done, h.sender.Send(ctx, msg.Recipient, msg.Subject, msg.Body)
}

type calendarCreateHandler struct {
	cal   calendar.Sync
	store AppointmentStore
	loc   *time.Location
	log   zerolog.Logger
}

// Handle creates the calendar event unless the appointment already has one
// or no longer occupies its slot, so replays are harmless.
func (h *calendarCreateHandler) Handle(ctx context.Context, ev outbox.Event) (Outcome, error) {
	if !h.cal.IsConfigured() {
		return Skipped, nil
	}
	var payload outbox.CalendarEvent
	if err := ev.Decode(&payload); err != nil {
		return Done, fmt.Errorf("%w: %w", ErrPermanent, err)
	}

	appt, err := h.store.GetAppointmentByID(ctx, ev.AppointmentID)
	if err != nil {
		if errors.Is(err, appointment.ErrAppointmentNotFound) {
			return Done, fmt.Errorf("%w: %w", ErrPermanent, err)
		}
		return Done, err
	}
	if appt.ExternalEventID != nil || !appt.Status.Blocking() {
		return Skipped, nil
	}

	eventID, err := h.cal.CreateEvent(ctx, calendar.EventDetails{
		Summary:       payload.Summary,
		Description:   payload.Description,
		Start:         appt.StartsAt(h.loc),
		End:           appt.EndsAt(h.loc),
		AttendeeEmail: payload.AttendeeEmail,
	})
	if err != nil {
		return Done, err
	}

	written, err := h.store.SetExternalEventID(ctx, appt.ID, eventID)
	if err == nil && written {
		return Done, nil
	}

	// The appointment was cancelled or got an event while we were calling
	// out, or the write failed: remove what we just created.
	if delErr := h.cal.DeleteEvent(ctx, eventID); delErr != nil {
		h.log.Warn().Err(delErr).Str("calendar_event_id", eventID).Msg("could not remove orphaned calendar event")
	}
	if err != nil {
		return Done, err
	}
	return Skipped, nil
}

type calendarDeleteHandler struct {
	cal   calendar.Sync
	store AppointmentStore
}

func (h *calendarDeleteHandler) Handle(ctx context.Context, ev outbox.Event) (Outcome, error) {
	if !h.cal.IsConfigured() {
		return Skipped, nil
	}
	var payload outbox.CalendarRemoval
	if err := ev.Decode(&payload); err != nil {
		return Done, fmt.Errorf("%w: %w", ErrPermanent, err)
	}
	if payload.EventID == "" {
		return Skipped, nil
	}
	if err := h.cal.DeleteEvent(ctx, payload.EventID); err != nil {
		return Done, err
	}
	return Done, h.store.ClearExternalEventID(ctx, ev.AppointmentID, payload.EventID)
}

type noticeHandler struct {
	store AppointmentStore
}

func (h *noticeHandler) Handle(ctx context.Context, ev outbox.Event) (Outcome, error) {
	var payload outbox.PractitionerNotice
	if err := ev.Decode(&payload); err != nil {
		return Done, fmt.Errorf("%w: %w", ErrPermanent, err)
	}
	// the event id doubles as the notification id so a replay inserts nothing
	return Done, h.store.InsertPractitionerNotification(ctx, appointment.PractitionerNotification{
		ID:             ev.ID,
		PractitionerID: payload.PractitionerID,
		AppointmentID:  ev.AppointmentID,
		Title:          payload.Title,
		Body:           payload.Body,
		CreatedAt:      ev.CreatedAt,
	})
}
