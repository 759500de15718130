package main

import (
	"context"
	"flag"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/hackgods/medical-appointment-scheduling/internal/config"
	"github.com/hackgods/medical-appointment-scheduling/internal/db"
	"github.com/hackgods/medical-appointment-scheduling/internal/logging"
	"github.com/hackgods/medical-appointment-scheduling/internal/schedule"
)

// Mornings and afternoons, Monday to Friday, in 30 minute slots.
var weekdayBlocks = []schedule.Interval{
	{Start: schedule.MustClock("09:00"), End: schedule.MustClock("13:00")},
	{Start: schedule.MustClock("15:00"), End: schedule.MustClock("19:00")},
}

func main() {
	patients := flag.Int("patients", 500, "number of fake patients to insert")
	migrate := flag.Bool("migrate", true, "apply pending schema migrations first")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logging.New(logging.Config{}).Fatal().Err(err).Msg("config load error")
	}
	log := logging.New(logging.Config{Env: cfg.Env, Level: cfg.LogLevel, Service: "seed"})
	log.Info().Msg("seed starting")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, db.PoolOptions{})
	if err != nil {
		log.Fatal().Err(err).Msg("connect postgres")
	}
	defer pool.Close()

	if *migrate {
		if _, err := db.Migrate(ctx, pool); err != nil {
			log.Fatal().Err(err).Msg("migrate")
		}
	}

	faker := gofakeit.New(uint64(time.Now().UnixNano()))

	practitionerID, err := seedPractitioner(ctx, pool, faker, cfg.PractitionerName)
	if err != nil {
		log.Fatal().Err(err).Msg("seed practitioner")
	}
	log.Info().Str("practitioner_id", practitionerID.String()).Str("name", cfg.PractitionerName).Msg("practitioner seeded")

	if err := seedExceptions(ctx, pool, practitionerID, time.Now().In(cfg.Location())); err != nil {
		log.Fatal().Err(err).Msg("seed exceptions")
	}
	if err := seedPatients(ctx, pool, faker, *patients, log); err != nil {
		log.Fatal().Err(err).Msg("seed patients")
	}

	log.Info().Msg("seed complete")
}

func seedPractitioner(ctx context.Context, pool *pgxpool.Pool, faker *gofakeit.Faker, name string) (uuid.UUID, error) {
	id := uuid.New()

	tx, err := pool.Begin(ctx)
	if err != nil {
		return uuid.Nil, err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO practitioners (id, name, email, phone, created_at, updated_at)
		VALUES ($1, $2, $3, $4, now(), now())
	`, id, name, faker.Email(), e164(faker))
	if err != nil {
		return uuid.Nil, err
	}

	for weekday := time.Monday; weekday <= time.Friday; weekday++ {
		for _, b := range weekdayBlocks {
			_, err := tx.Exec(ctx, `
				INSERT INTO weekly_schedule_entries (id, practitioner_id, weekday, start_time, end_time, slot_minutes, gap_minutes, active)
				VALUES ($1, $2, $3, $4, $5, 30, 0, true)
			`, uuid.New(), id, int16(weekday), timeOfDay(b.Start), timeOfDay(b.End))
			if err != nil {
				return uuid.Nil, err
			}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

// seedExceptions blocks a full day two weeks out and the first hour of the
// next working day.
func seedExceptions(ctx context.Context, pool *pgxpool.Pool, practitionerID uuid.UUID, now time.Time) error {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	next := nextWorkingDay(today)

	batch := &pgx.Batch{}
	batch.Queue(`
		INSERT INTO schedule_exceptions (id, practitioner_id, date, full_day, reason)
		VALUES ($1, $2, $3, true, 'Congress')
	`, uuid.New(), practitionerID, nextWorkingDay(today.AddDate(0, 0, 13)))
	batch.Queue(`
		INSERT INTO schedule_exceptions (id, practitioner_id, date, full_day, start_time, end_time, reason)
		VALUES ($1, $2, $3, false, '09:00'::time, '10:00'::time, 'Staff meeting')
	`, uuid.New(), practitionerID, next)

	return pool.SendBatch(ctx, batch).Close()
}

func timeOfDay(c schedule.Clock) pgtype.Time {
	return pgtype.Time{Microseconds: c.Duration().Microseconds(), Valid: true}
}

func nextWorkingDay(d time.Time) time.Time {
	d = d.AddDate(0, 0, 1)
	for d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
		d = d.AddDate(0, 0, 1)
	}
	return d
}

func seedPatients(ctx context.Context, pool *pgxpool.Pool, faker *gofakeit.Faker, count int, log zerolog.Logger) error {
	log.Info().Int("count", count).Msg("seeding patients")

	const batchSize = 500

	for offset := 0; offset < count; offset += batchSize {
		end := min(offset+batchSize, count)

		batch := &pgx.Batch{}
		for i := offset; i < end; i++ {
			batch.Queue(`
				INSERT INTO patients (id, name, email, phone, created_at, updated_at)
				VALUES ($1, $2, $3, $4, now(), now())
			`, uuid.New(), faker.Name(), faker.Email(), e164(faker))
		}
		if err := pool.SendBatch(ctx, batch).Close(); err != nil {
			return err
		}

		log.Info().Int("done", end).Int("total", count).Msg("patients seeded")
	}
	return nil
}

// e164 builds a Chilean mobile number, the format the booking API expects.
func e164(faker *gofakeit.Faker) string {
	return faker.Numerify("+569########")
}
