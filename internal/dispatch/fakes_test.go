package dispatch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/medical-appointment-scheduling/internal/appointment"
	"github.com/hackgods/medical-appointment-scheduling/internal/appointment/apptest"
	"github.com/hackgods/medical-appointment-scheduling/internal/calendar"
	"github.com/hackgods/medical-appointment-scheduling/internal/chat"
	"github.com/hackgods/medical-appointment-scheduling/internal/outbox"
	"github.com/hackgods/medical-appointment-scheduling/internal/schedule"
)

var (
	start  = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	monday = time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeChat struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (f *fakeChat) Send(ctx context.Context, phone, message string) (chat.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return chat.Result{}, f.err
	}
	f.sent = append(f.sent, phone)
	return chat.Result{Delivered: true}, nil
}

type fakeEmail struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeEmail) Send(ctx context.Context, to, subject, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, to)
	return nil
}

func (f *fakeEmail) IsConfigured() bool { return true }

type fakeCalendar struct {
	mu      sync.Mutex
	seq     int
	events  map[string]calendar.EventDetails
	deleted []string
	// onCreate runs after an event is created, before the id is returned.
	onCreate func()
}

func newFakeCalendar() *fakeCalendar {
	return &fakeCalendar{events: make(map[string]calendar.EventDetails)}
}

func (f *fakeCalendar) CreateEvent(ctx context.Context, d calendar.EventDetails) (string, error) {
	f.mu.Lock()
	f.seq++
	id := fmt.Sprintf("evt-%d", f.seq)
	f.events[id] = d
	hook := f.onCreate
	f.mu.Unlock()
	if hook != nil {
		hook()
	}
	return id, nil
}

func (f *fakeCalendar) DeleteEvent(ctx context.Context, eventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.events, eventID)
	f.deleted = append(f.deleted, eventID)
	return nil
}

func (f *fakeCalendar) IsConfigured() bool { return true }

func (f *fakeCalendar) live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.events)
}

type harness struct {
	repo         *apptest.MemoryRepository
	clock        *clock
	svc          *appointment.Service
	chat         *fakeChat
	email        *fakeEmail
	cal          *fakeCalendar
	processor    *Processor
	practitioner appointment.Practitioner
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	clk := &clock{t: start}
	repo := apptest.NewMemoryRepository()
	repo.Now = clk.Now

	pid := repo.AddPractitioner("Dr. Rivera")
	repo.AddWeeklyEntry(schedule.WeeklyScheduleEntry{
		PractitionerID: pid,
		Weekday:        schedule.Monday,
		Start:          schedule.MustClock("09:00"),
		End:            schedule.MustClock("12:00"),
		SlotMinutes:    30,
		Active:         true,
	})
	practitioner, err := repo.GetPractitionerByID(context.Background(), pid)
	require.NoError(t, err)

	h := &harness{
		repo:         repo,
		clock:        clk,
		chat:         &fakeChat{},
		email:        &fakeEmail{},
		cal:          newFakeCalendar(),
		practitioner: *practitioner,
	}
	handlers := Handlers(Deps{
		Chat:     h.chat,
		Calendar: h.cal,
		Email:    h.email,
		Store:    repo,
		Log:      zerolog.Nop(),
	})
	h.processor = NewProcessor(repo, handlers, cfg, zerolog.Nop(), nil)
	h.processor.now = clk.Now
	h.svc = appointment.NewService(repo, nil, appointment.Options{},
		appointment.WithNow(clk.Now),
		appointment.WithWaker(h.processor),
	)
	return h
}

func (h *harness) book(t *testing.T, startAt, endAt string) *appointment.BookingResult {
	t.Helper()
	res, err := h.svc.BookAppointment(context.Background(), appointment.BookingRequest{
		PractitionerID: h.practitioner.ID,
		Date:           monday,
		Start:          schedule.MustClock(startAt),
		End:            schedule.MustClock(endAt),
		Patient: appointment.PatientInfo{
			Name:  "Ana Soto",
			Email: "ana@example.com",
			Phone: "+56912345678",
		},
	})
	require.NoError(t, err)
	return res
}

func (h *harness) enqueue(t *testing.T, kind outbox.Kind, payload any) outbox.Event {
	t.Helper()
	ev, err := outbox.New(uuid.New(), kind, payload, h.clock.Now())
	require.NoError(t, err)
	err = h.repo.WithinTx(context.Background(), func(ctx context.Context, tx appointment.Tx) error {
		return tx.EnqueueEvents(ctx, ev)
	})
	require.NoError(t, err)
	return ev
}

func (h *harness) event(t *testing.T, id uuid.UUID) outbox.Event {
	t.Helper()
	for _, ev := range h.repo.Events() {
		if ev.ID == id {
			return ev
		}
	}
	t.Fatalf("event %s not found", id)
	return outbox.Event{}
}

func (h *harness) statuses(kind outbox.Kind) []outbox.Status {
	var out []outbox.Status
	for _, ev := range h.repo.Events(kind) {
		out = append(out, ev.Status)
	}
	return out
}
