package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"smm-scheduler/internal/adapters/httpapi"
	"smm-scheduler/internal/adapters/repo"
	"smm-scheduler/internal/infra/config"
	"smm-scheduler/internal/infra/db"
	httpinfra "smm-scheduler/internal/infra/http"
	applog "smm-scheduler/internal/infra/log"
	"smm-scheduler/internal/infra/metrics"
	"smm-scheduler/internal/usecase/planner"
	"smm-scheduler/internal/usecase/queues"
	"smm-scheduler/internal/usecase/recurrence"
	"smm-scheduler/internal/usecase/scheduling"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("api: нет подключения к БД")
	}
	defer pool.Close()

	queuePlanner := queues.NewPlanner()
	repoAdapter := repo.NewPostgres(pool, queuePlanner)

	resolver := planner.NewService(cfg.Scheduler.GraceWindow, applog.Component(logger, "planner"))
	materializer := recurrence.NewService(repoAdapter, repoAdapter, cfg.Scheduler.RecurrenceHorizon, applog.Component(logger, "recurrence"))
	scheduler := scheduling.NewService(repoAdapter, repoAdapter, repoAdapter, resolver, materializer, applog.Component(logger, "scheduling"))

	api := httpapi.NewHandler(scheduler, resolver, repoAdapter, repoAdapter, repoAdapter, applog.Component(logger, "api"))

	srv := httpinfra.NewServer(applog.Component(logger, "http"))
	api.Routes(srv.Router)

	metrics.StartServer(ctx, applog.Component(logger, "metrics"), ":9090")

	go func() {
		addr := fmt.Sprintf(":%d", cfg.Port)
		if err := srv.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("api: сервер остановлен")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("api: остановка")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}
