package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	DispatchClaims = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_claims_total",
		Help: "Успешные захваты постов поллером",
	})
	DispatchClaimConflicts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "dispatch_claim_conflicts_total",
		Help: "Проигранные гонки захвата между поллерами",
	})
	PollTickSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "dispatch_poll_tick_seconds",
		Help:    "Длительность одного тика поллера",
		Buckets: prometheus.DefBuckets,
	})
	PublishOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "publish_outcomes_total",
		Help: "Исходы попыток публикации по платформам",
	}, []string{"platform", "outcome"})
	QueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "posting_queue_depth",
		Help: "Число постов, ожидающих в очереди",
	}, []string{"queue"})
	RecurrenceInstances = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "recurrence_instances_total",
		Help: "Материализованные экземпляры правил повторения",
	})

	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Длительность сетевых запросов",
		Buckets: prometheus.DefBuckets,
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Количество сетевых запросов",
	}, []string{"component", "operation", "target", "status"})
)

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		DispatchClaims,
		DispatchClaimConflicts,
		PollTickSeconds,
		PublishOutcomes,
		QueueDepth,
		RecurrenceInstances,
		NetworkRequestDuration,
		NetworkRequestTotal,
	)
}

// StartServer запускает HTTP сервер с эндпоинтом /metrics.
func StartServer(ctx context.Context, logger zerolog.Logger, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	shutdownCtx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-ctx.Done():
		case <-shutdownCtx.Done():
		}
		shutdownTimeout, timeoutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer timeoutCancel()
		if err := srv.Shutdown(shutdownTimeout); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: graceful shutdown failed")
		}
	}()

	go func() {
		logger.Info().Str("addr", addr).Msg("metrics: server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: server stopped")
		}
		cancel()
	}()
}

// SetQueueDepths перезаписывает гейдж глубины очередей свежим срезом.
// Старые серии сбрасываются, поэтому удалённые очереди исчезают из выдачи.
func SetQueueDepths(depths map[string]int) {
	QueueDepth.Reset()
	for name, depth := range depths {
		QueueDepth.WithLabelValues(name).Set(float64(depth))
	}
}

// ObserveNetworkRequest записывает длительность и статус сетевого запроса.
func ObserveNetworkRequest(component, operation, target string, start time.Time, err error) {
	if component == "" {
		component = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	if target == "" {
		target = "unknown"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	duration := time.Since(start).Seconds()
	NetworkRequestDuration.WithLabelValues(component, operation, target, status).Observe(duration)
	NetworkRequestTotal.WithLabelValues(component, operation, target, status).Inc()
}
