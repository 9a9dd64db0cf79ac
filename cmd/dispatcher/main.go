package main

import (
	"context"
	"os/signal"
	"sync"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"smm-scheduler/internal/adapters/connector"
	"smm-scheduler/internal/adapters/repo"
	"smm-scheduler/internal/domain"
	"smm-scheduler/internal/infra/cache"
	"smm-scheduler/internal/infra/config"
	"smm-scheduler/internal/infra/db"
	applog "smm-scheduler/internal/infra/log"
	"smm-scheduler/internal/infra/metrics"
	"smm-scheduler/internal/infra/queue"
	"smm-scheduler/internal/usecase/dispatch"
	"smm-scheduler/internal/usecase/queues"
	"smm-scheduler/internal/usecase/recurrence"
)

func main() {
	cfg := config.Load()
	logger := applog.NewLogger(cfg.AppEnv)

	metrics.MustRegister(prometheus.DefaultRegisterer)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(cfg.PGDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("dispatcher: нет подключения к БД")
	}
	defer pool.Close()

	repoAdapter := repo.NewPostgres(pool, queues.NewPlanner())

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer redisClient.Close()

	var jobQueue domain.DispatchQueue
	switch cfg.Queues.Backend {
	case "rabbitmq":
		jobQueue, err = queue.NewRabbitDispatchQueue(cfg.Queues.AMQPURL, cfg.Queues.ManagementURL, cfg.Queues.Key)
		if err != nil {
			log.Fatal().Err(err).Msg("dispatcher: очередь rabbitmq недоступна")
		}
	default:
		jobQueue = queue.NewRedisDispatchQueue(redisClient, cfg.Queues.Key)
	}

	connectors := map[string]domain.PlatformConnector{}
	if cfg.Telegram.Stub || cfg.Telegram.Token == "" {
		connectors["telegram"] = connector.NewStub("telegram", applog.Component(logger, "connector_stub"))
	} else {
		bot, err := tgbotapi.NewBotAPI(cfg.Telegram.Token)
		if err != nil {
			log.Fatal().Err(err).Msg("dispatcher: telegram bot api недоступен")
		}
		connectors["telegram"] = connector.NewTelegram(bot, applog.Component(logger, "connector_telegram"))
	}

	dispatchCfg := dispatch.Config{
		PollInterval:     cfg.Dispatch.PollInterval,
		BatchLimit:       cfg.Dispatch.BatchLimit,
		Lease:            cfg.Dispatch.Lease,
		ConnectorTimeout: cfg.Dispatch.ConnectorTimeout,
		RetryBase:        cfg.Dispatch.RetryBase,
		RetryFactor:      cfg.Dispatch.RetryFactor,
		RetryCap:         cfg.Dispatch.RetryCap,
		MaxAttempts:      cfg.Dispatch.MaxAttempts,
	}

	poller := dispatch.NewPoller(repoAdapter, jobQueue, dispatchCfg, applog.Component(logger, "poller"))

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := poller.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error().Err(err).Msg("dispatcher: поллер остановлен")
		}
	}()

	workers := cfg.Dispatch.Workers
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		worker := dispatch.NewWorker(repoAdapter, repoAdapter, repoAdapter, jobQueue, connectors, dispatchCfg, applog.Component(logger, "worker"))
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := worker.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Error().Err(err).Msg("dispatcher: воркер остановлен")
			}
		}()
	}

	// Периодика: материализация правил повторения и чистка терминальных
	// постов. Once в Redis не даёт нескольким экземплярам выполнить одно и
	// то же задание в один цикл.
	once := cache.NewRedis(redisClient)
	materializer := recurrence.NewService(repoAdapter, repoAdapter, cfg.Scheduler.RecurrenceHorizon, applog.Component(logger, "recurrence"))

	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.Scheduler.MaterializeSpec, func() {
		key := "cron:materialize:" + time.Now().UTC().Format("2006-01-02T15")
		err := once.Once(key, time.Hour, func() error {
			return materializer.MaterializeDue(ctx)
		})
		if err != nil {
			logger.Error().Err(err).Msg("dispatcher: материализация не удалась")
		}
	}); err != nil {
		log.Fatal().Err(err).Msg("dispatcher: некорректное cron-выражение материализации")
	}
	if _, err := scheduler.AddFunc(cfg.Scheduler.RetentionSpec, func() {
		key := "cron:retention:" + time.Now().UTC().Format("2006-01-02")
		err := once.Once(key, 24*time.Hour, func() error {
			cutoff := time.Now().UTC().Add(-cfg.Scheduler.RetentionWindow)
			deleted, err := repoAdapter.DeleteTerminalBefore(ctx, cutoff)
			if err != nil {
				return err
			}
			logger.Info().Int64("deleted", deleted).Msg("dispatcher: чистка терминальных постов")
			return nil
		})
		if err != nil {
			logger.Error().Err(err).Msg("dispatcher: чистка не удалась")
		}
	}); err != nil {
		log.Fatal().Err(err).Msg("dispatcher: некорректное cron-выражение чистки")
	}
	// Гейдж глубины очередей — срез из БД, а не счётчик: посты покидают
	// очередь по многим путям (захват, отмена, удаление очереди), и каждый
	// экземпляр держит свой собственный гейдж.
	if _, err := scheduler.AddFunc("@every 1m", func() {
		depths, err := repoAdapter.QueueDepths(ctx)
		if err != nil {
			logger.Error().Err(err).Msg("dispatcher: срез глубины очередей")
			return
		}
		metrics.SetQueueDepths(depths)
	}); err != nil {
		log.Fatal().Err(err).Msg("dispatcher: некорректный интервал среза очередей")
	}
	scheduler.Start()
	defer scheduler.Stop()

	metrics.StartServer(ctx, applog.Component(logger, "metrics"), ":9091")

	logger.Info().Int("workers", workers).Str("queue_backend", cfg.Queues.Backend).Msg("dispatcher: старт")
	<-ctx.Done()
	logger.Info().Msg("dispatcher: остановка")
	wg.Wait()
}
