package schedule

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ScheduleException blocks a practitioner's time on one date, either the
// whole day or a single window.
type ScheduleException struct {
	ID             uuid.UUID `json:"id"`
	PractitionerID uuid.UUID `json:"practitioner_id"`
	Date           time.Time `json:"date"`
	FullDay        bool      `json:"full_day"`
	Start          Clock     `json:"start,omitempty"`
	End            Clock     `json:"end,omitempty"`
	Reason         string    `json:"reason,omitempty"`
}

var ErrInvalidException = errors.New("invalid schedule exception")

func (x ScheduleException) Validate() error {
	if x.Date.IsZero() {
		return ErrInvalidException
	}
	if !x.FullDay && !(Interval{Start: x.Start, End: x.End}).Valid() {
		return ErrInvalidException
	}
	return nil
}

// Blocks reports whether the exception suppresses slot.
func (x ScheduleException) Blocks(slot Interval) bool {
	if x.FullDay {
		return true
	}
	return Overlaps(slot, Interval{Start: x.Start, End: x.End})
}

// ExceptionCalendar indexes exceptions by calendar date.
type ExceptionCalendar struct {
	byDate map[string][]ScheduleException
}

func NewExceptionCalendar(exceptions []ScheduleException) ExceptionCalendar {
	cal := ExceptionCalendar{byDate: make(map[string][]ScheduleException, len(exceptions))}
	for _, x := range exceptions {
		if x.Validate() != nil {
			continue
		}
		key := FormatDate(x.Date)
		cal.byDate[key] = append(cal.byDate[key], x)
	}
	return cal
}

// For returns the exception that applies on date. When more than one row
// exists for the same date a full-day exception wins, otherwise the first.
func (c ExceptionCalendar) For(date time.Time) (ScheduleException, bool) {
	list := c.byDate[FormatDate(date)]
	if len(list) == 0 {
		return ScheduleException{}, false
	}
	for _, x := range list {
		if x.FullDay {
			return x, true
		}
	}
	return list[0], true
}

// Blocks checks slot against every exception recorded for date.
func (c ExceptionCalendar) Blocks(date time.Time, slot Interval) bool {
	for _, x := range c.byDate[FormatDate(date)] {
		if x.Blocks(slot) {
			return true
		}
	}
	return false
}

// Filter drops the slots on date that an exception suppresses.
func (c ExceptionCalendar) Filter(date time.Time, slots []Interval) []Interval {
	if len(c.byDate[FormatDate(date)]) == 0 {
		return slots
	}
	out := make([]Interval, 0, len(slots))
	for _, s := range slots {
		if !c.Blocks(date, s) {
			out = append(out, s)
		}
	}
	return out
}
