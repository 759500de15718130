// Package app holds the wiring shared by the api-server and dispatch-worker
// binaries.
package app

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/hackgods/medical-appointment-scheduling/internal/appointment"
	"github.com/hackgods/medical-appointment-scheduling/internal/calendar"
	"github.com/hackgods/medical-appointment-scheduling/internal/chat"
	"github.com/hackgods/medical-appointment-scheduling/internal/config"
	"github.com/hackgods/medical-appointment-scheduling/internal/dispatch"
	"github.com/hackgods/medical-appointment-scheduling/internal/email"
	"github.com/hackgods/medical-appointment-scheduling/internal/metrics"
	redisclient "github.com/hackgods/medical-appointment-scheduling/internal/redis"
)

// Dispatcher is a processor together with the connections it owns.
type Dispatcher struct {
	*dispatch.Processor
	closers []func() error
}

// Close releases the chat transport. It does not stop Run; cancel its
// context for that.
func (d *Dispatcher) Close() error {
	var first error
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func DispatchConfig(c config.Dispatch) dispatch.Config {
	return dispatch.Config{
		BatchSize:      c.BatchSize,
		PollInterval:   c.PollInterval.Std(),
		EffectTimeout:  c.EffectTimeout.Std(),
		MaxAttempts:    c.MaxAttempts,
		BackoffInitial: c.BackoffInitial.Std(),
		BackoffMax:     c.BackoffMax.Std(),
		Lease:          c.Lease.Std(),
		Retention:      c.Retention.Std(),
	}
}

// NewDispatcher builds the outbox processor with every integration the
// configuration enables. Unconfigured calendar or SMTP effects are skipped
// by their handlers.
func NewDispatcher(cfg config.Config, pool *pgxpool.Pool, log zerolog.Logger, m *metrics.Metrics) (*Dispatcher, error) {
	d := &Dispatcher{}

	notifier, closeChat, err := newChat(cfg, log)
	if err != nil {
		return nil, err
	}
	if closeChat != nil {
		d.closers = append(d.closers, closeChat)
	}

	var cal calendar.Sync = calendar.Disabled{}
	if cfg.CalendarConfigured() {
		cal = calendar.NewHTTPClient(calendar.Config{
			BaseURL:    cfg.CalendarBaseURL,
			Token:      cfg.CalendarToken,
			CalendarID: cfg.CalendarID,
			Timeout:    cfg.Dispatch.EffectTimeout.Std(),
		})
	}

	mailer := email.NewSMTPSender(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
	})

	log.Info().
		Str("chat", cfg.ChatMode).
		Bool("calendar", cal.IsConfigured()).
		Bool("email", mailer.IsConfigured()).
		Msg("side-effect integrations")

	handlers := dispatch.Handlers(dispatch.Deps{
		Chat:     notifier,
		Calendar: cal,
		Email:    mailer,
		Store:    appointment.NewPgRepository(pool),
		Location: cfg.Location(),
		Log:      log,
	})
	d.Processor = dispatch.NewProcessor(dispatch.NewPgStore(pool), handlers, DispatchConfig(cfg.Dispatch), log, m)
	return d, nil
}

func newChat(cfg config.Config, log zerolog.Logger) (chat.Notifier, func() error, error) {
	if cfg.ChatMode != config.ChatRabbitMQ {
		return chat.NewSimulated(log), nil, nil
	}

	conn, err := amqp.Dial(cfg.RabbitMQURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect rabbitmq: %w", err)
	}
	n, err := chat.NewRabbitMQNotifier(conn, cfg.ChatQueue, log)
	if err != nil {
		_ = conn.Close()
		return nil, nil, err
	}
	return n, func() error {
		_ = n.Close()
		return conn.Close()
	}, nil
}

// ConnectRedis returns nil when Redis is unreachable; booking then relies
// on the database lock alone.
func ConnectRedis(ctx context.Context, cfg config.Config, log zerolog.Logger) *redis.Client {
	rdb, err := redisclient.NewClient(ctx, redisclient.Options{
		Addr:     cfg.RedisAddr,
		Username: cfg.RedisUsername,
		Password: cfg.RedisPassword,
	})
	if err != nil {
		log.Warn().Err(err).Msg("redis unavailable, booking falls back to database locking")
		return nil
	}
	log.Info().Str("addr", cfg.RedisAddr).Msg("connected to redis")
	return rdb
}

// Locker returns nil for a nil client so the service skips the fast path.
func Locker(rdb *redis.Client, cfg config.Config) redisclient.Locker {
	if rdb == nil {
		return nil
	}
	return redisclient.NewRedisLocker(rdb, cfg.LockTTL.Std(), cfg.LockWait.Std())
}
