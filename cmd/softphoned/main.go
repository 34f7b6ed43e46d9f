// softphoned демон софтфона: фасад сессии, журнал вызовов и HTTP API для UI
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/arzzra/softphone/pkg/backend"
	"github.com/arzzra/softphone/pkg/history"
	"github.com/arzzra/softphone/pkg/selector"
	"github.com/arzzra/softphone/pkg/session"
	"github.com/arzzra/softphone/pkg/uiapi"
)

const shutdownTimeout = 10 * time.Second

func main() {
	var (
		configPath = flag.String("config", "", "Path to YAML config")
		envFile    = flag.String("env", ".env", "Path to .env file")
		listen     = flag.String("listen", "", "Override api.listen")
		logLevel   = flag.String("log-level", "", "Override log.level")
	)
	flag.Parse()

	if err := loadDotEnv(*envFile); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.API.Listen = *listen
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}

	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg Config) error {
	logger, err := newLogger(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	seq := &backend.Sequencer{}
	sel := selector.New(cfg.selector(), seq, selector.WithLogger(logger))
	sess, err := session.New(cfg.Session, sel, seq,
		session.WithLogger(logger),
		session.WithMetrics(session.NewMetrics(reg, cfg.Metrics)))
	if err != nil {
		return err
	}
	sess.Start(ctx)
	// Close снимает регистрацию на активном адаптере
	defer sess.Close()

	store, err := history.Open(cfg.History)
	if err != nil {
		return err
	}
	defer store.Close()

	rec := history.NewRecorder(store, history.WithRecorderLogger(logger))
	snaps, unsubscribe := sess.Subscribe()
	recDone := make(chan struct{})
	go func() {
		defer close(recDone)
		rec.Run(ctx, snaps)
	}()
	// рекордер останавливается до закрытия журнала
	defer func() {
		unsubscribe()
		<-recDone
	}()

	api := uiapi.NewServer(sess,
		uiapi.WithHistory(store),
		uiapi.WithRejections(rec),
		uiapi.WithBackends(sel),
		uiapi.WithLogger(logger))

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Route("/api", api.RegisterHTTP)
	if cfg.API.MetricsPath != "" {
		r.Handle(cfg.API.MetricsPath, promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	}

	srv := &http.Server{
		Addr:              cfg.API.Listen,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP API запущен",
			slog.String("listen", cfg.API.Listen),
			slog.Any("backends", sel.AvailableBackends()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("Получен сигнал завершения")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("softphoned: http: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("HTTP сервер остановлен с ошибкой", slog.Any("error", err))
	}
	return nil
}
