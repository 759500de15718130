package outbox

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Kind names the side effect an event asks the dispatcher to perform.
type Kind string

const (
	KindChatMessage        Kind = "chat_message"
	KindEmailMessage       Kind = "email_message"
	KindCalendarCreate     Kind = "calendar_create"
	KindCalendarDelete     Kind = "calendar_delete"
	KindPractitionerNotice Kind = "practitioner_notification"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusDone       Status = "done"
	StatusSkipped    Status = "skipped"
	StatusFailed     Status = "failed"
)

// Event is one row of the outbox. It is written in the same transaction as
// the appointment change that produced it.
type Event struct {
	ID            uuid.UUID       `json:"id"`
	AppointmentID uuid.UUID       `json:"appointment_id"`
	Kind          Kind            `json:"kind"`
	Payload       json.RawMessage `json:"payload"`
	Status        Status          `json:"status"`
	Attempts      int             `json:"attempts"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	LockedUntil   *time.Time      `json:"locked_until,omitempty"`
	LastError     *string         `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	ProcessedAt   *time.Time      `json:"processed_at,omitempty"`
}

// Message is the payload of chat and email events.
type Message struct {
	Recipient string `json:"recipient"`
	Subject   string `json:"subject,omitempty"`
	Body      string `json:"body"`
}

// CalendarEvent is the payload of calendar_create events. Times are taken
// from the appointment when the event is processed.
type CalendarEvent struct {
	Summary       string `json:"summary"`
	Description   string `json:"description,omitempty"`
	AttendeeEmail string `json:"attendee_email,omitempty"`
}

// CalendarRemoval is the payload of calendar_delete events.
type CalendarRemoval struct {
	EventID string `json:"event_id"`
}

// PractitionerNotice is the payload of practitioner_notification events.
type PractitionerNotice struct {
	PractitionerID uuid.UUID `json:"practitioner_id"`
	Title          string    `json:"title"`
	Body           string    `json:"body"`
}

// New builds a pending event due immediately.
func New(appointmentID uuid.UUID, kind Kind, payload any, now time.Time) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}
	return Event{
		ID:            uuid.New(),
		AppointmentID: appointmentID,
		Kind:          kind,
		Payload:       data,
		Status:        StatusPending,
		NextAttemptAt: now,
		CreatedAt:     now,
	}, nil
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload for event %s: %w", e.Kind, e.ID, err)
	}
	return nil
}
