package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"

	"github.com/hackgods/medical-appointment-scheduling/internal/api"
	"github.com/hackgods/medical-appointment-scheduling/internal/app"
	"github.com/hackgods/medical-appointment-scheduling/internal/appointment"
	"github.com/hackgods/medical-appointment-scheduling/internal/config"
	"github.com/hackgods/medical-appointment-scheduling/internal/db"
	"github.com/hackgods/medical-appointment-scheduling/internal/logging"
	"github.com/hackgods/medical-appointment-scheduling/internal/metrics"
)

var version = "dev"

func main() {
	migrate := flag.Bool("migrate", false, "apply pending schema migrations before serving")
	noDispatch := flag.Bool("no-dispatch", false, "do not run the side-effect dispatcher in this process")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		bootLog := logging.New(logging.Config{})
		bootLog.Fatal().Err(err).Msg("config load error")
	}

	log := logging.New(logging.Config{Env: cfg.Env, Level: cfg.LogLevel, Service: "api-server"})
	log.Info().Str("http_port", cfg.HTTPPort).Str("version", version).Msg("api-server starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(rootCtx, cfg, log, *migrate, !*noDispatch); err != nil {
		log.Error().Err(err).Msg("api-server stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("api-server shut down")
}

func run(ctx context.Context, cfg config.Config, log zerolog.Logger, migrate, dispatcher bool) error {
	// Connect Postgres
	pgCtx, cancelPg := context.WithTimeout(ctx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, db.PoolOptions{})
	cancelPg()
	if err != nil {
		return err
	}
	defer pgPool.Close()
	log.Info().Msg("connected to postgres")

	if migrate {
		applied, err := db.Migrate(ctx, pgPool)
		if err != nil {
			return err
		}
		log.Info().Int("applied", applied).Msg("migrations up to date")
	}

	rdb := app.ConnectRedis(ctx, cfg, log)
	if rdb != nil {
		defer func() {
			if err := rdb.Close(); err != nil {
				log.Warn().Err(err).Msg("error closing redis")
			}
		}()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	repo := appointment.NewPgRepository(pgPool)
	opts := []appointment.Option{
		appointment.WithMetrics(m),
		appointment.WithLogger(log),
	}
	if ttl := cfg.ScheduleCacheTTL.Std(); ttl > 0 {
		opts = append(opts, appointment.WithScheduleSource(appointment.NewCachedScheduleSource(repo, ttl)))
	}

	dispatchCtx, stopDispatch := context.WithCancel(ctx)
	dispatchDone := make(chan struct{})
	if dispatcher {
		d, err := app.NewDispatcher(cfg, pgPool, log, m)
		if err != nil {
			stopDispatch()
			return err
		}
		defer func() {
			if err := d.Close(); err != nil {
				log.Warn().Err(err).Msg("error closing chat transport")
			}
		}()
		opts = append(opts, appointment.WithWaker(d))
		go func() {
			defer close(dispatchDone)
			d.Run(dispatchCtx)
		}()
	} else {
		close(dispatchDone)
	}

	svc := appointment.NewService(repo, app.Locker(rdb, cfg), appointment.Options{
		MaxRangeDays:        cfg.MaxRangeDays,
		DedupeTemplateSlots: cfg.DedupeTemplateSlots,
		Location:            cfg.Location(),
	}, opts...)

	checks := []api.Check{{Name: "postgres", Ping: pgPool.Ping, Critical: true}}
	if rdb != nil {
		checks = append(checks, api.Check{Name: "redis", Ping: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
	}

	srv := &http.Server{
		Addr: ":" + cfg.HTTPPort,
		Handler: api.NewRouter(api.RouterConfig{
			Service:        svc,
			Checks:         checks,
			Logger:         log,
			Metrics:        m,
			Gatherer:       reg,
			AllowedOrigins: cfg.CORSAllowedOrigins,
			BookingRPS:     cfg.RateLimitRPS,
			BookingBurst:   cfg.RateLimitBurst,
			Env:            cfg.Env,
			Version:        version,
		}),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case runErr = <-serveErr:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout.Std())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown incomplete")
	}

	stopDispatch()
	select {
	case <-dispatchDone:
	case <-shutdownCtx.Done():
		log.Warn().Msg("dispatcher did not stop before the shutdown timeout")
	}
	return runErr
}
