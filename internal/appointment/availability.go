package appointment

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/medical-appointment-scheduling/internal/schedule"
)

// GetDaySlots lists every generated slot on date, tagged with whether it is
// still free. Slots removed by a schedule exception are not listed at all.
func (s *Service) GetDaySlots(ctx context.Context, practitionerID uuid.UUID, date time.Time) ([]Slot, error) {
	if practitionerID == uuid.Nil {
		return nil, NewValidationError("practitioner_id", "is required")
	}
	if date.IsZero() {
		return nil, NewValidationError("date", "is required")
	}
	day := schedule.Date(date)
	days, err := s.resolve(ctx, practitionerID, day, day)
	if err != nil {
		return nil, err
	}
	return days[0].Slots, nil
}

// GetAvailability resolves every calendar day from..to inclusive. The result
// is a snapshot; booking re-checks under lock.
func (s *Service) GetAvailability(ctx context.Context, practitionerID uuid.UUID, from, to time.Time) ([]DayAvailability, error) {
	verr := &ValidationError{}
	if practitionerID == uuid.Nil {
		verr.Add("practitioner_id", "is required")
	}
	if from.IsZero() {
		verr.Add("from", "is required")
	}
	if to.IsZero() {
		verr.Add("to", "is required")
	}
	if !verr.Empty() {
		return nil, verr
	}

	from, to = schedule.Date(from), schedule.Date(to)
	if to.Before(from) {
		return nil, NewValidationError("to", "must not be before from")
	}
	if days := daysBetween(from, to) + 1; days > s.opts.MaxRangeDays {
		return nil, NewValidationError("to", fmt.Sprintf("range of %d days exceeds the maximum of %d", days, s.opts.MaxRangeDays))
	}
	return s.resolve(ctx, practitionerID, from, to)
}

func (s *Service) resolve(ctx context.Context, practitionerID uuid.UUID, from, to time.Time) ([]DayAvailability, error) {
	entries, err := s.schedules.ListWeeklySchedule(ctx, practitionerID)
	if err != nil {
		return nil, persistence("load weekly schedule", err)
	}
	exceptions, err := s.schedules.ListScheduleExceptions(ctx, practitionerID, from, to)
	if err != nil {
		return nil, persistence("load schedule exceptions", err)
	}
	booked, err := s.repo.ListBlockingAppointments(ctx, practitionerID, from, to)
	if err != nil {
		return nil, persistence("load appointments", err)
	}

	calendar := schedule.NewExceptionCalendar(exceptions)
	bookedByDay := make(map[string][]schedule.Interval, len(booked))
	for _, a := range booked {
		if !a.Status.Blocking() {
			continue
		}
		key := schedule.FormatDate(a.Date)
		bookedByDay[key] = append(bookedByDay[key], a.Interval())
	}

	genOpts := schedule.GenerateOptions{Dedupe: s.opts.DedupeTemplateSlots}
	byWeekday := make(map[schedule.Weekday][]schedule.Interval, 7)

	out := make([]DayAvailability, 0, daysBetween(from, to)+1)
	for day := from; !day.After(to); day = day.AddDate(0, 0, 1) {
		wd := schedule.WeekdayOf(day)
		generated, ok := byWeekday[wd]
		if !ok {
			generated = schedule.GenerateSlots(schedule.EntriesFor(entries, wd), genOpts)
			byWeekday[wd] = generated
		}

		candidates := calendar.Filter(day, generated)
		taken := bookedByDay[schedule.FormatDate(day)]
		slots := make([]Slot, 0, len(candidates))
		for _, c := range candidates {
			slots = append(slots, Slot{
				Date:      day,
				Start:     c.Start,
				End:       c.End,
				Available: !overlapsAny(c, taken),
			})
		}
		out = append(out, DayAvailability{Date: day, Slots: slots})
	}
	return out, nil
}

func overlapsAny(iv schedule.Interval, others []schedule.Interval) bool {
	for _, o := range others {
		if schedule.Overlaps(iv, o) {
			return true
		}
	}
	return false
}

func daysBetween(from, to time.Time) int {
	return int(to.Sub(from).Hours() / 24)
}
