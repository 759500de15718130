package appointment_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/medical-appointment-scheduling/internal/appointment"
	"github.com/hackgods/medical-appointment-scheduling/internal/schedule"
)

func starts(slots []appointment.Slot) []string {
	out := make([]string, 0, len(slots))
	for _, s := range slots {
		out = append(out, s.Start.String())
	}
	return out
}

func TestGetDaySlots_MarksBookedSlots(t *testing.T) {
	f := newFixture(t, appointment.Options{})
	f.book(t, "09:00", "09:30")
	f.book(t, "14:30", "15:00")

	slots, err := f.svc.GetDaySlots(context.Background(), f.practitioner, monday)
	require.NoError(t, err)

	require.Len(t, slots, 10)
	assert.Equal(t, []string{
		"09:00", "09:30", "10:00", "10:30", "11:00", "11:30",
		"14:00", "14:30", "15:00", "15:30",
	}, starts(slots))
	for _, s := range slots {
		booked := s.Start == schedule.MustClock("09:00") || s.Start == schedule.MustClock("14:30")
		assert.Equal(t, !booked, s.Available, s.Start.String())
		assert.Equal(t, monday, s.Date)
	}
}

func TestGetDaySlots_OffBookingBoundaries(t *testing.T) {
	f := newFixture(t, appointment.Options{})
	// a 45 minute visit covers two generated slots
	f.book(t, "10:15", "11:00")

	slots, err := f.svc.GetDaySlots(context.Background(), f.practitioner, monday)
	require.NoError(t, err)

	var unavailable []string
	for _, s := range slots {
		if !s.Available {
			unavailable = append(unavailable, s.Start.String())
		}
	}
	assert.Equal(t, []string{"10:00", "10:30"}, unavailable)
}

func TestGetDaySlots_NonWorkingDay(t *testing.T) {
	f := newFixture(t, appointment.Options{})

	slots, err := f.svc.GetDaySlots(context.Background(), f.practitioner, sunday)
	require.NoError(t, err)
	assert.Empty(t, slots)
}

func TestGetDaySlots_Exceptions(t *testing.T) {
	t.Run("full day removes everything", func(t *testing.T) {
		f := newFixture(t, appointment.Options{})
		f.repo.AddException(schedule.ScheduleException{PractitionerID: f.practitioner, Date: monday, FullDay: true, Reason: "congress"})

		slots, err := f.svc.GetDaySlots(context.Background(), f.practitioner, monday)
		require.NoError(t, err)
		assert.Empty(t, slots)
	})

	t.Run("partial removes overlapping slots", func(t *testing.T) {
		f := newFixture(t, appointment.Options{})
		f.repo.AddException(schedule.ScheduleException{
			PractitionerID: f.practitioner,
			Date:           monday,
			Start:          schedule.MustClock("10:15"),
			End:            schedule.MustClock("11:00"),
		})

		slots, err := f.svc.GetDaySlots(context.Background(), f.practitioner, monday)
		require.NoError(t, err)
		assert.Equal(t, []string{
			"09:00", "09:30", "11:00", "11:30",
			"14:00", "14:30", "15:00", "15:30",
		}, starts(slots))
	})

	t.Run("other practitioner is unaffected", func(t *testing.T) {
		f := newFixture(t, appointment.Options{})
		f.repo.AddException(schedule.ScheduleException{PractitionerID: uuid.New(), Date: monday, FullDay: true})

		slots, err := f.svc.GetDaySlots(context.Background(), f.practitioner, monday)
		require.NoError(t, err)
		assert.Len(t, slots, 10)
	})
}

func TestGetDaySlots_RequiresInput(t *testing.T) {
	f := newFixture(t, appointment.Options{})

	_, err := f.svc.GetDaySlots(context.Background(), uuid.Nil, monday)
	var verr *appointment.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "practitioner_id")

	_, err = f.svc.GetDaySlots(context.Background(), f.practitioner, time.Time{})
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "date")
}

func TestGetAvailability_Week(t *testing.T) {
	f := newFixture(t, appointment.Options{})
	f.book(t, "11:30", "12:00")

	days, err := f.svc.GetAvailability(context.Background(), f.practitioner, monday, sunday)
	require.NoError(t, err)

	require.Len(t, days, 7)
	for i, d := range days {
		assert.Equal(t, monday.AddDate(0, 0, i), d.Date)
		if i == 0 {
			require.Len(t, d.Slots, 10)
			assert.False(t, d.Slots[5].Available)
			continue
		}
		assert.Empty(t, d.Slots, d.Date.Weekday().String())
	}
}

func TestGetAvailability_TruncatesToDates(t *testing.T) {
	f := newFixture(t, appointment.Options{})

	days, err := f.svc.GetAvailability(context.Background(), f.practitioner, monday.Add(15*time.Hour), monday.Add(23*time.Hour))
	require.NoError(t, err)
	require.Len(t, days, 1)
	assert.Equal(t, monday, days[0].Date)
}

func TestGetAvailability_RangeValidation(t *testing.T) {
	f := newFixture(t, appointment.Options{MaxRangeDays: 14})

	cases := []struct {
		name     string
		from, to time.Time
		field    string
	}{
		{"to before from", monday, monday.AddDate(0, 0, -1), "to"},
		{"too long", monday, monday.AddDate(0, 0, 14), "to"},
		{"missing from", time.Time{}, monday, "from"},
		{"missing to", monday, time.Time{}, "to"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := f.svc.GetAvailability(context.Background(), f.practitioner, tc.from, tc.to)
			var verr *appointment.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Contains(t, verr.Fields, tc.field)
		})
	}

	days, err := f.svc.GetAvailability(context.Background(), f.practitioner, monday, monday.AddDate(0, 0, 13))
	require.NoError(t, err)
	assert.Len(t, days, 14)
}

func TestGetAvailability_DedupeOption(t *testing.T) {
	overlapping := schedule.WeeklyScheduleEntry{
		Weekday:     schedule.Monday,
		Start:       schedule.MustClock("11:00"),
		End:         schedule.MustClock("12:00"),
		SlotMinutes: 30,
		Active:      true,
	}

	plain := newFixture(t, appointment.Options{})
	overlapping.PractitionerID = plain.practitioner
	plain.repo.AddWeeklyEntry(overlapping)
	slots, err := plain.svc.GetDaySlots(context.Background(), plain.practitioner, monday)
	require.NoError(t, err)
	assert.Len(t, slots, 12)

	deduped := newFixture(t, appointment.Options{DedupeTemplateSlots: true})
	overlapping.PractitionerID = deduped.practitioner
	deduped.repo.AddWeeklyEntry(overlapping)
	slots, err = deduped.svc.GetDaySlots(context.Background(), deduped.practitioner, monday)
	require.NoError(t, err)
	assert.Len(t, slots, 10)
}

func TestGetAvailability_StorageFailure(t *testing.T) {
	f := newFixture(t, appointment.Options{})
	f.repo.FailOn("ListScheduleExceptions", assert.AnError)

	_, err := f.svc.GetAvailability(context.Background(), f.practitioner, monday, monday)
	var perr *appointment.PersistenceError
	require.ErrorAs(t, err, &perr)
	assert.ErrorIs(t, err, assert.AnError)
}

type countingSource struct {
	appointment.ScheduleSource
	weekly atomic.Int32
}

func (c *countingSource) ListWeeklySchedule(ctx context.Context, pid uuid.UUID) ([]schedule.WeeklyScheduleEntry, error) {
	c.weekly.Add(1)
	return c.ScheduleSource.ListWeeklySchedule(ctx, pid)
}

func TestCachedScheduleSource(t *testing.T) {
	f := newFixture(t, appointment.Options{})
	counting := &countingSource{ScheduleSource: f.repo}
	cached := appointment.NewCachedScheduleSource(counting, time.Minute)
	svc := appointment.NewService(f.repo, nil, appointment.Options{},
		appointment.WithNow(func() time.Time { return fixedNow }),
		appointment.WithScheduleSource(cached),
	)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		slots, err := svc.GetDaySlots(ctx, f.practitioner, monday)
		require.NoError(t, err)
		assert.Len(t, slots, 10)
	}
	assert.Equal(t, int32(1), counting.weekly.Load())

	f.repo.AddException(schedule.ScheduleException{PractitionerID: f.practitioner, Date: monday, FullDay: true})
	slots, err := svc.GetDaySlots(ctx, f.practitioner, monday)
	require.NoError(t, err)
	assert.Empty(t, slots, "exceptions are read through")

	assert.Equal(t, int32(1), counting.weekly.Load())
}

func TestCachedScheduleSource_TemplateEditsWaitForTTL(t *testing.T) {
	f := newFixture(t, appointment.Options{})
	counting := &countingSource{ScheduleSource: f.repo}
	cached := appointment.NewCachedScheduleSource(counting, 50*time.Millisecond)
	ctx := context.Background()

	entries, err := cached.ListWeeklySchedule(ctx, f.practitioner)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	f.repo.AddWeeklyEntry(schedule.WeeklyScheduleEntry{
		PractitionerID: f.practitioner,
		Weekday:        schedule.Tuesday,
		Start:          schedule.MustClock("09:00"),
		End:            schedule.MustClock("10:00"),
		SlotMinutes:    30,
		Active:         true,
	})
	entries, err = cached.ListWeeklySchedule(ctx, f.practitioner)
	require.NoError(t, err)
	assert.Len(t, entries, 2, "served from cache until the ttl passes")

	require.Eventually(t, func() bool {
		entries, err := cached.ListWeeklySchedule(ctx, f.practitioner)
		return err == nil && len(entries) == 3
	}, time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, counting.weekly.Load(), int32(2))
}
