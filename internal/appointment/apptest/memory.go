// Package apptest provides an in-memory repository for tests. It implements
// the booking repository, the transactional view and the outbox store used
// by the dispatcher.
package apptest

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/medical-appointment-scheduling/internal/appointment"
	"github.com/hackgods/medical-appointment-scheduling/internal/outbox"
	"github.com/hackgods/medical-appointment-scheduling/internal/schedule"
)

type state struct {
	practitioners map[uuid.UUID]appointment.Practitioner
	patients      map[uuid.UUID]appointment.Patient
	appointments  map[uuid.UUID]appointment.Appointment
	entries       []schedule.WeeklyScheduleEntry
	exceptions    []schedule.ScheduleException
	events        []outbox.Event
	notices       []appointment.PractitionerNotification
}

func newState() state {
	return state{
		practitioners: make(map[uuid.UUID]appointment.Practitioner),
		patients:      make(map[uuid.UUID]appointment.Patient),
		appointments:  make(map[uuid.UUID]appointment.Appointment),
	}
}

func (s state) clone() state {
	c := newState()
	for k, v := range s.practitioners {
		c.practitioners[k] = v
	}
	for k, v := range s.patients {
		c.patients[k] = v
	}
	for k, v := range s.appointments {
		c.appointments[k] = v
	}
	c.entries = append(c.entries, s.entries...)
	c.exceptions = append(c.exceptions, s.exceptions...)
	c.events = append(c.events, s.events...)
	c.notices = append(c.notices, s.notices...)
	return c
}

// MemoryRepository keeps everything in maps. Transactions are serialized
// and their writes become visible only on commit.
type MemoryRepository struct {
	txMu sync.Mutex
	mu   sync.Mutex
	st   state

	failures map[string]error
	dayLocks int

	// Now drives outbox due-time checks. Defaults to time.Now.
	Now func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		st:       newState(),
		failures: make(map[string]error),
		Now:      time.Now,
	}
}

// FailOn makes every call of op return err until cleared with a nil err.
func (r *MemoryRepository) FailOn(op string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err == nil {
		delete(r.failures, op)
		return
	}
	r.failures[op] = err
}

func (r *MemoryRepository) fail(op string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failures[op]
}

// Fixtures

func (r *MemoryRepository) AddPractitioner(name string) uuid.UUID {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := uuid.New()
	r.st.practitioners[id] = appointment.Practitioner{ID: id, Name: name, CreatedAt: r.Now(), UpdatedAt: r.Now()}
	return id
}

func (r *MemoryRepository) AddWeeklyEntry(e schedule.WeeklyScheduleEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	r.st.entries = append(r.st.entries, e)
}

func (r *MemoryRepository) AddException(x schedule.ScheduleException) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if x.ID == uuid.Nil {
		x.ID = uuid.New()
	}
	x.Date = schedule.Date(x.Date)
	r.st.exceptions = append(r.st.exceptions, x)
}

func (r *MemoryRepository) PutAppointment(a appointment.Appointment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.st.appointments[a.ID] = a
}

// Inspection

func (r *MemoryRepository) Appointments() []appointment.Appointment {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]appointment.Appointment, 0, len(r.st.appointments))
	for _, a := range r.st.appointments {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (r *MemoryRepository) Patients() []appointment.Patient {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]appointment.Patient, 0, len(r.st.patients))
	for _, p := range r.st.patients {
		out = append(out, p)
	}
	return out
}

// Events returns outbox events, optionally only those of kinds.
func (r *MemoryRepository) Events(kinds ...outbox.Kind) []outbox.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []outbox.Event
	for _, ev := range r.st.events {
		if len(kinds) == 0 || containsKind(kinds, ev.Kind) {
			out = append(out, ev)
		}
	}
	return out
}

func (r *MemoryRepository) Notices() []appointment.PractitionerNotification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]appointment.PractitionerNotification(nil), r.st.notices...)
}

// DayLocks counts LockPractitionerDay calls.
func (r *MemoryRepository) DayLocks() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dayLocks
}

func containsKind(kinds []outbox.Kind, k outbox.Kind) bool {
	for _, x := range kinds {
		if x == k {
			return true
		}
	}
	return false
}

// appointment.Repository

func (r *MemoryRepository) ListWeeklySchedule(ctx context.Context, practitionerID uuid.UUID) ([]schedule.WeeklyScheduleEntry, error) {
	if err := r.fail("ListWeeklySchedule"); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []schedule.WeeklyScheduleEntry
	for _, e := range r.st.entries {
		if e.PractitionerID == practitionerID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *MemoryRepository) ListScheduleExceptions(ctx context.Context, practitionerID uuid.UUID, from, to time.Time) ([]schedule.ScheduleException, error) {
	if err := r.fail("ListScheduleExceptions"); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []schedule.ScheduleException
	for _, x := range r.st.exceptions {
		if x.PractitionerID == practitionerID && !x.Date.Before(from) && !x.Date.After(to) {
			out = append(out, x)
		}
	}
	return out, nil
}

func (r *MemoryRepository) GetPractitionerByID(ctx context.Context, id uuid.UUID) (*appointment.Practitioner, error) {
	if err := r.fail("GetPractitionerByID"); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.st.practitioners[id]
	if !ok {
		return nil, appointment.ErrPractitionerNotFound
	}
	return &p, nil
}

func (r *MemoryRepository) GetPatientByID(ctx context.Context, id uuid.UUID) (*appointment.Patient, error) {
	if err := r.fail("GetPatientByID"); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.st.patients[id]
	if !ok {
		return nil, appointment.ErrPatientNotFound
	}
	return &p, nil
}

func (r *MemoryRepository) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error) {
	if err := r.fail("GetAppointmentByID"); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return findAppointment(&r.st, id)
}

func (r *MemoryRepository) GetAppointmentByCode(ctx context.Context, code string) (*appointment.Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.st.appointments {
		if a.ConfirmationCode == code {
			return &a, nil
		}
	}
	return nil, appointment.ErrAppointmentNotFound
}

func (r *MemoryRepository) ListBlockingAppointments(ctx context.Context, practitionerID uuid.UUID, from, to time.Time) ([]appointment.Appointment, error) {
	if err := r.fail("ListBlockingAppointments"); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return blocking(&r.st, practitionerID, from, to), nil
}

func (r *MemoryRepository) WithinTx(ctx context.Context, fn func(ctx context.Context, tx appointment.Tx) error) error {
	if err := r.fail("WithinTx"); err != nil {
		return err
	}
	r.txMu.Lock()
	defer r.txMu.Unlock()

	r.mu.Lock()
	work := r.st.clone()
	r.mu.Unlock()

	tx := &memTx{repo: r, st: &work}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := r.fail("Commit"); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, apply := range tx.journal {
		apply(&r.st)
	}
	return nil
}

func findAppointment(st *state, id uuid.UUID) (*appointment.Appointment, error) {
	a, ok := st.appointments[id]
	if !ok {
		return nil, appointment.ErrAppointmentNotFound
	}
	return &a, nil
}

func blocking(st *state, practitionerID uuid.UUID, from, to time.Time) []appointment.Appointment {
	var out []appointment.Appointment
	for _, a := range st.appointments {
		if a.PractitionerID != practitionerID || !a.Status.Blocking() {
			continue
		}
		if a.Date.Before(from) || a.Date.After(to) {
			continue
		}
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].Start < out[j].Start
	})
	return out
}

// memTx applies writes to a private copy and records them for commit.
type memTx struct {
	repo    *MemoryRepository
	st      *state
	journal []func(*state)
}

func (t *memTx) write(apply func(*state)) {
	apply(t.st)
	t.journal = append(t.journal, apply)
}

func (t *memTx) LockPractitionerDay(ctx context.Context, practitionerID uuid.UUID, date time.Time) error {
	if err := t.repo.fail("LockPractitionerDay"); err != nil {
		return err
	}
	t.repo.mu.Lock()
	t.repo.dayLocks++
	t.repo.mu.Unlock()
	return nil
}

func (t *memTx) ListBlockingAppointments(ctx context.Context, practitionerID uuid.UUID, date time.Time) ([]appointment.Appointment, error) {
	return blocking(t.st, practitionerID, date, date), nil
}

func (t *memTx) GetPractitionerByID(ctx context.Context, id uuid.UUID) (*appointment.Practitioner, error) {
	if err := t.repo.fail("Tx.GetPractitionerByID"); err != nil {
		return nil, err
	}
	p, ok := t.st.practitioners[id]
	if !ok {
		return nil, appointment.ErrPractitionerNotFound
	}
	return &p, nil
}

func (t *memTx) GetPatientByID(ctx context.Context, id uuid.UUID) (*appointment.Patient, error) {
	if err := t.repo.fail("Tx.GetPatientByID"); err != nil {
		return nil, err
	}
	p, ok := t.st.patients[id]
	if !ok {
		return nil, appointment.ErrPatientNotFound
	}
	return &p, nil
}

func (t *memTx) FindPatientByContact(ctx context.Context, email, phone string) (*appointment.Patient, error) {
	var byPhone *appointment.Patient
	for _, p := range t.st.patients {
		p := p
		if email != "" && p.Email != nil && strings.EqualFold(*p.Email, email) {
			return &p, nil
		}
		if phone != "" && p.Phone != nil && *p.Phone == phone && byPhone == nil {
			byPhone = &p
		}
	}
	if byPhone != nil {
		return byPhone, nil
	}
	return nil, appointment.ErrPatientNotFound
}

func (t *memTx) InsertPatient(ctx context.Context, p *appointment.Patient) error {
	if err := t.repo.fail("InsertPatient"); err != nil {
		return err
	}
	cp := *p
	t.write(func(st *state) { st.patients[cp.ID] = cp })
	return nil
}

func (t *memTx) UpdatePatientContact(ctx context.Context, p *appointment.Patient) error {
	cp := *p
	t.write(func(st *state) { st.patients[cp.ID] = cp })
	return nil
}

func (t *memTx) ConfirmationCodeExists(ctx context.Context, code string) (bool, error) {
	for _, a := range t.st.appointments {
		if a.ConfirmationCode == code {
			return true, nil
		}
	}
	return false, nil
}

func (t *memTx) InsertAppointment(ctx context.Context, a *appointment.Appointment) error {
	if err := t.repo.fail("InsertAppointment"); err != nil {
		return err
	}
	cp := *a
	t.write(func(st *state) { st.appointments[cp.ID] = cp })
	return nil
}

func (t *memTx) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error) {
	return findAppointment(t.st, id)
}

func (t *memTx) UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from appointment.AppointmentStatus, change appointment.StatusChange) (*appointment.Appointment, error) {
	if err := t.repo.fail("UpdateAppointmentStatus"); err != nil {
		return nil, err
	}
	a, ok := t.st.appointments[id]
	if !ok || a.Status != from {
		return nil, appointment.ErrStatusChanged
	}

	at := change.At
	a.Status = change.To
	a.UpdatedAt = at
	switch change.To {
	case appointment.StatusConfirmed:
		a.ConfirmedAt = &at
	case appointment.StatusRejected:
		a.RejectedAt = &at
		a.CancellationReason = change.Reason
	case appointment.StatusCancelled:
		actor := change.Actor
		a.CancelledAt = &at
		a.CancelledBy = &actor
		a.CancellationReason = change.Reason
	case appointment.StatusCompleted, appointment.StatusNoShow:
		a.CompletedAt = &at
	}

	// apply only the status columns on commit so a concurrent calendar id
	// write is not overwritten
	updated := a
	t.write(func(st *state) {
		cur := st.appointments[id]
		eventID := cur.ExternalEventID
		cur = updated
		cur.ExternalEventID = eventID
		st.appointments[id] = cur
	})
	return &updated, nil
}

func (t *memTx) EnqueueEvents(ctx context.Context, events ...outbox.Event) error {
	if err := t.repo.fail("EnqueueEvents"); err != nil {
		return err
	}
	cp := append([]outbox.Event(nil), events...)
	t.write(func(st *state) { st.events = append(st.events, cp...) })
	return nil
}

// dispatch.AppointmentStore

func (r *MemoryRepository) SetExternalEventID(ctx context.Context, id uuid.UUID, eventID string) (bool, error) {
	if err := r.fail("SetExternalEventID"); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.st.appointments[id]
	if !ok || a.ExternalEventID != nil || !a.Status.Blocking() {
		return false, nil
	}
	a.ExternalEventID = &eventID
	r.st.appointments[id] = a
	return true, nil
}

func (r *MemoryRepository) ClearExternalEventID(ctx context.Context, id uuid.UUID, eventID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.st.appointments[id]
	if ok && a.ExternalEventID != nil && *a.ExternalEventID == eventID {
		a.ExternalEventID = nil
		r.st.appointments[id] = a
	}
	return nil
}

func (r *MemoryRepository) InsertPractitionerNotification(ctx context.Context, n appointment.PractitionerNotification) error {
	if err := r.fail("InsertPractitionerNotification"); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.st.notices {
		if existing.ID == n.ID {
			return nil
		}
	}
	r.st.notices = append(r.st.notices, n)
	return nil
}

// dispatch.Store

func (r *MemoryRepository) Claim(ctx context.Context, limit int, lease time.Duration) ([]outbox.Event, error) {
	if err := r.fail("Claim"); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.Now()
	var out []outbox.Event
	for i := range r.st.events {
		if len(out) == limit {
			break
		}
		ev := &r.st.events[i]
		due := ev.Status == outbox.StatusPending && !ev.NextAttemptAt.After(now)
		expired := ev.Status == outbox.StatusProcessing && ev.LockedUntil != nil && ev.LockedUntil.Before(now)
		if !due && !expired {
			continue
		}
		until := now.Add(lease)
		ev.Status = outbox.StatusProcessing
		ev.LockedUntil = &until
		out = append(out, *ev)
	}
	return out, nil
}

func (r *MemoryRepository) updateEvent(id uuid.UUID, fn func(ev *outbox.Event)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.st.events {
		if r.st.events[i].ID == id {
			fn(&r.st.events[i])
			return
		}
	}
}

func (r *MemoryRepository) MarkDone(ctx context.Context, id uuid.UUID, status outbox.Status, attempts int) error {
	now := r.Now()
	r.updateEvent(id, func(ev *outbox.Event) {
		ev.Status = status
		ev.Attempts = attempts
		ev.LockedUntil = nil
		ev.ProcessedAt = &now
	})
	return nil
}

func (r *MemoryRepository) MarkRetry(ctx context.Context, id uuid.UUID, attempts int, next time.Time, lastErr string) error {
	r.updateEvent(id, func(ev *outbox.Event) {
		ev.Status = outbox.StatusPending
		ev.Attempts = attempts
		ev.NextAttemptAt = next
		ev.LastError = &lastErr
		ev.LockedUntil = nil
	})
	return nil
}

func (r *MemoryRepository) MarkFailed(ctx context.Context, id uuid.UUID, attempts int, lastErr string) error {
	now := r.Now()
	r.updateEvent(id, func(ev *outbox.Event) {
		ev.Status = outbox.StatusFailed
		ev.Attempts = attempts
		ev.LastError = &lastErr
		ev.LockedUntil = nil
		ev.ProcessedAt = &now
	})
	return nil
}

func (r *MemoryRepository) CountPending(ctx context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.st.events {
		if ev.Status == outbox.StatusPending || ev.Status == outbox.StatusProcessing {
			n++
		}
	}
	return n, nil
}

func (r *MemoryRepository) DeleteProcessedBefore(ctx context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.st.events[:0]
	var n int64
	for _, ev := range r.st.events {
		finished := ev.Status == outbox.StatusDone || ev.Status == outbox.StatusSkipped
		if finished && ev.ProcessedAt != nil && ev.ProcessedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, ev)
	}
	r.st.events = kept
	return n, nil
}
