package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/hackgods/medical-appointment-scheduling/internal/metrics"
	"github.com/hackgods/medical-appointment-scheduling/internal/outbox"
)

// Store is the outbox persistence used by the processor.
type Store interface {
	// Claim leases up to limit due events so no other processor picks them
	// up until lease expires.
	Claim(ctx context.Context, limit int, lease time.Duration) ([]outbox.Event, error)
	MarkDone(ctx context.Context, id uuid.UUID, status outbox.Status, attempts int) error
	MarkRetry(ctx context.Context, id uuid.UUID, attempts int, next time.Time, lastErr string) error
	MarkFailed(ctx context.Context, id uuid.UUID, attempts int, lastErr string) error
	CountPending(ctx context.Context) (int, error)
	DeleteProcessedBefore(ctx context.Context, before time.Time) (int64, error)
}

// Outcome of one successful handler run.
type Outcome int

const (
	Done Outcome = iota
	// Skipped means there was nothing to do, for example an unconfigured
	// calendar. It is not a failure.
	Skipped
)

type Handler interface {
	Handle(ctx context.Context, ev outbox.Event) (Outcome, error)
}

type HandlerFunc func(ctx context.Context, ev outbox.Event) (Outcome, error)

func (f HandlerFunc) Handle(ctx context.Context, ev outbox.Event) (Outcome, error) {
	return f(ctx, ev)
}

// ErrPermanent marks a failure that retrying cannot fix.
var ErrPermanent = errors.New("permanent side-effect failure")

type Config struct {
	BatchSize      int
	PollInterval   time.Duration
	EffectTimeout  time.Duration
	MaxAttempts    int
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	Lease          time.Duration
	// Retention > 0 purges finished events older than this.
	Retention time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 20
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.EffectTimeout <= 0 {
		c.EffectTimeout = 10 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.BackoffInitial <= 0 {
		c.BackoffInitial = 2 * time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 5 * time.Minute
	}
	if c.Lease < c.EffectTimeout {
		c.Lease = 2 * c.EffectTimeout
	}
	return c
}

// Processor dispatches outbox events to their handlers. Each event runs in
// its own goroutine under its own timeout, so one slow or failing effect
// never holds up the others.
type Processor struct {
	store    Store
	handlers map[outbox.Kind]Handler
	cfg      Config
	log      zerolog.Logger
	metrics  *metrics.Metrics
	now      func() time.Time
	wake     chan struct{}
}

func NewProcessor(store Store, handlers map[outbox.Kind]Handler, cfg Config, log zerolog.Logger, m *metrics.Metrics) *Processor {
	return &Processor{
		store:    store,
		handlers: handlers,
		cfg:      cfg.withDefaults(),
		log:      log.With().Str("component", "dispatcher").Logger(),
		metrics:  m,
		now:      time.Now,
		wake:     make(chan struct{}, 1),
	}
}

// Wake asks the run loop to poll now. It never blocks.
func (p *Processor) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Processor) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	var purge <-chan time.Time
	if p.cfg.Retention > 0 {
		purgeTicker := time.NewTicker(time.Hour)
		defer purgeTicker.Stop()
		purge = purgeTicker.C
	}

	p.log.Info().Dur("poll_interval", p.cfg.PollInterval).Int("batch_size", p.cfg.BatchSize).Msg("dispatcher started")

	for {
		select {
		case <-ctx.Done():
			p.log.Info().Msg("dispatcher stopped")
			return
		case <-ticker.C:
		case <-p.wake:
		case <-purge:
			p.purge(ctx)
			continue
		}

		// drain everything that is due before waiting again
		for {
			n, err := p.ProcessBatch(ctx)
			if err != nil {
				if ctx.Err() == nil {
					p.log.Error().Err(err).Msg("process outbox batch")
				}
				break
			}
			if n < p.cfg.BatchSize {
				break
			}
		}
		p.refreshPending(ctx)
	}
}

// ProcessBatch claims one batch of due events and processes it. It returns
// the number of events claimed.
func (p *Processor) ProcessBatch(ctx context.Context) (int, error) {
	events, err := p.store.Claim(ctx, p.cfg.BatchSize, p.cfg.Lease)
	if err != nil {
		return 0, fmt.Errorf("claim outbox events: %w", err)
	}

	var wg sync.WaitGroup
	for _, ev := range events {
		wg.Add(1)
		go func(ev outbox.Event) {
			defer wg.Done()
			p.process(ctx, ev)
		}(ev)
	}
	wg.Wait()

	return len(events), nil
}

func (p *Processor) process(ctx context.Context, ev outbox.Event) {
	attempt := ev.Attempts + 1
	log := p.log.With().
		Str("event_id", ev.ID.String()).
		Str("kind", string(ev.Kind)).
		Str("appointment_id", ev.AppointmentID.String()).
		Int("attempt", attempt).
		Logger()

	handler, ok := p.handlers[ev.Kind]
	if !ok {
		log.Error().Msg("no handler for side effect")
		p.fail(ctx, log, ev, attempt, "no handler registered")
		return
	}

	started := time.Now()
	outcome, err := p.run(ctx, handler, ev)
	elapsed := time.Since(started)

	if err != nil {
		if ctx.Err() != nil {
			// shutting down: leave the lease to expire and retry later
			return
		}
		if errors.Is(err, ErrPermanent) || attempt >= p.cfg.MaxAttempts {
			log.Warn().Err(err).Msg("side effect failed permanently")
			p.metrics.ObserveSideEffect(string(ev.Kind), "failed", elapsed)
			p.fail(ctx, log, ev, attempt, err.Error())
			return
		}

		next := p.now().Add(p.retryDelay(attempt))
		log.Warn().Err(err).Time("next_attempt_at", next).Msg("side effect failed, will retry")
		p.metrics.ObserveSideEffect(string(ev.Kind), "retry", elapsed)
		if mErr := p.store.MarkRetry(ctx, ev.ID, attempt, next, err.Error()); mErr != nil {
			log.Error().Err(mErr).Msg("failed to schedule retry")
		}
		return
	}

	status, result := outbox.StatusDone, "done"
	if outcome == Skipped {
		status, result = outbox.StatusSkipped, "skipped"
	}
	p.metrics.ObserveSideEffect(string(ev.Kind), result, elapsed)
	if mErr := p.store.MarkDone(ctx, ev.ID, status, attempt); mErr != nil {
		log.Error().Err(mErr).Msg("failed to mark side effect done")
		return
	}
	log.Debug().Str("result", result).Dur("took", elapsed).Msg("side effect processed")
}

func (p *Processor) run(ctx context.Context, h Handler, ev outbox.Event) (outcome Outcome, err error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.EffectTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: handler panic: %v", ErrPermanent, r)
		}
	}()

	return h.Handle(ctx, ev)
}

func (p *Processor) fail(ctx context.Context, log zerolog.Logger, ev outbox.Event, attempt int, reason string) {
	if err := p.store.MarkFailed(ctx, ev.ID, attempt, reason); err != nil {
		log.Error().Err(err).Msg("failed to mark side effect failed")
	}
}

// retryDelay is the exponential backoff delay before retry number attempt.
func (p *Processor) retryDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.BackoffInitial
	b.MaxInterval = p.cfg.BackoffMax
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.NextBackOff()
	for i := 1; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

func (p *Processor) refreshPending(ctx context.Context) {
	if p.metrics == nil {
		return
	}
	n, err := p.store.CountPending(ctx)
	if err != nil {
		return
	}
	p.metrics.SetOutboxPending(n)
}

func (p *Processor) purge(ctx context.Context) {
	n, err := p.store.DeleteProcessedBefore(ctx, p.now().Add(-p.cfg.Retention))
	if err != nil {
		p.log.Error().Err(err).Msg("purge processed outbox events")
		return
	}
	if n > 0 {
		p.log.Info().Int64("deleted", n).Msg("purged processed outbox events")
	}
}
