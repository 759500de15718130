package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/medical-appointment-scheduling/internal/appointment"
	"github.com/hackgods/medical-appointment-scheduling/internal/db"
	"github.com/hackgods/medical-appointment-scheduling/internal/outbox"
	"github.com/hackgods/medical-appointment-scheduling/internal/schedule"
	"github.com/hackgods/medical-appointment-scheduling/internal/testenv"
)

func TestMain(m *testing.M) {
	testenv.Main(m)
}

// newPgStore books one appointment on a fresh database, which queues its
// four booking events: chat, e-mail, calendar and practitioner notice.
func newPgStore(t *testing.T) (*PgStore, *pgxpool.Pool) {
	t.Helper()
	pool := testenv.Postgres(t, db.PoolOptions{MaxConns: 10})
	ctx := context.Background()

	pid := uuid.New()
	_, err := pool.Exec(ctx, `INSERT INTO practitioners (id, name) VALUES ($1, 'Dr. Rivera')`, pid)
	require.NoError(t, err)
	_, err = pool.Exec(ctx, `
		INSERT INTO weekly_schedule_entries (id, practitioner_id, weekday, start_time, end_time, slot_minutes, gap_minutes, active)
		VALUES ($1, $2, 1, '09:00'::time, '12:00'::time, 30, 0, true)
	`, uuid.New(), pid)
	require.NoError(t, err)

	svc := appointment.NewService(appointment.NewPgRepository(pool), nil, appointment.Options{},
		appointment.WithNow(func() time.Time { return start }))
	_, err = svc.BookAppointment(ctx, appointment.BookingRequest{
		PractitionerID: pid,
		Date:           monday,
		Start:          schedule.MustClock("09:00"),
		End:            schedule.MustClock("09:30"),
		Patient:        appointment.PatientInfo{Name: "Ana Soto", Email: "ana@example.com", Phone: "+56912345678"},
	})
	require.NoError(t, err)
	return NewPgStore(pool), pool
}

func TestPgStore_ClaimLeases(t *testing.T) {
	store, _ := newPgStore(t)
	ctx := context.Background()

	claimed, err := store.Claim(ctx, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 4)
	for _, ev := range claimed {
		assert.Equal(t, outbox.StatusProcessing, ev.Status)
		assert.NotNil(t, ev.LockedUntil)
	}

	again, err := store.Claim(ctx, 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, again, "leased events are not handed out twice")

	pending, err := store.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, pending)
}

func TestPgStore_ConcurrentClaimsAreDisjoint(t *testing.T) {
	store, _ := newPgStore(t)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = map[uuid.UUID]int{}
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := store.Claim(context.Background(), 1, time.Minute)
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			for _, ev := range claimed {
				seen[ev.ID]++
			}
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, len(seen), 4)
	for id, n := range seen {
		assert.Equal(t, 1, n, id.String())
	}
}

func TestPgStore_ExpiredLeaseIsReclaimed(t *testing.T) {
	store, _ := newPgStore(t)
	ctx := context.Background()

	claimed, err := store.Claim(ctx, 1, time.Millisecond)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.Eventually(t, func() bool {
		again, err := store.Claim(ctx, 10, time.Minute)
		if err != nil {
			return false
		}
		for _, ev := range again {
			if ev.ID == claimed[0].ID {
				return true
			}
		}
		return false
	}, 5*time.Second, 50*time.Millisecond)
}

func TestPgStore_RetryDoneAndCleanup(t *testing.T) {
	store, pool := newPgStore(t)
	ctx := context.Background()

	claimed, err := store.Claim(ctx, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, claimed, 4)

	require.NoError(t, store.MarkRetry(ctx, claimed[0].ID, 1, time.Now().Add(time.Hour), "gateway timeout"))
	require.NoError(t, store.MarkDone(ctx, claimed[1].ID, outbox.StatusDone, 1))
	require.NoError(t, store.MarkFailed(ctx, claimed[2].ID, 5, "gave up"))
	require.NoError(t, store.MarkDone(ctx, claimed[3].ID, outbox.StatusSkipped, 1))

	due, err := store.Claim(ctx, 10, time.Minute)
	require.NoError(t, err)
	assert.Empty(t, due, "the retry is not due yet")

	pending, err := store.CountPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pending)

	var lastErr string
	require.NoError(t, pool.QueryRow(ctx, `SELECT last_error FROM outbox_events WHERE id = $1`, claimed[0].ID).Scan(&lastErr))
	assert.Equal(t, "gateway timeout", lastErr)

	deleted, err := store.DeleteProcessedBefore(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted, "failed events are kept")
}
