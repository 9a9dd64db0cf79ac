package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"smm-scheduler/internal/domain"
	"smm-scheduler/internal/infra/metrics"
)

// Config задаёт интервалы поллера и бюджет повторов.
type Config struct {
	PollInterval     time.Duration
	BatchLimit       int
	Lease            time.Duration
	ConnectorTimeout time.Duration
	RetryBase        time.Duration
	RetryFactor      int
	RetryCap         time.Duration
	MaxAttempts      int
}

// DefaultConfig — значения по умолчанию: тик раз в минуту, бэкофф 30с x2
// с потолком 30 минут, не более 5 попыток на аккаунт.
func DefaultConfig() Config {
	return Config{
		PollInterval:     time.Minute,
		BatchLimit:       100,
		Lease:            5 * time.Minute,
		ConnectorTimeout: 30 * time.Second,
		RetryBase:        30 * time.Second,
		RetryFactor:      2,
		RetryCap:         30 * time.Minute,
		MaxAttempts:      5,
	}
}

// Poller раз в интервал выбирает созревшие посты, эксклюзивно захватывает
// каждый и ставит задачу воркерам. Проигранный захват — не ошибка:
// при горизонтальном масштабировании пост достаётся ровно одному поллеру.
type Poller struct {
	repo  domain.DispatchRepo
	queue domain.DispatchQueue
	cfg   Config
	log   zerolog.Logger
	now   func() time.Time
}

// NewPoller создаёт поллер отправки.
func NewPoller(repo domain.DispatchRepo, queue domain.DispatchQueue, cfg Config, logger zerolog.Logger) *Poller {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Minute
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = 100
	}
	if cfg.Lease <= 0 {
		cfg.Lease = 5 * time.Minute
	}
	return &Poller{repo: repo, queue: queue, cfg: cfg, log: logger, now: time.Now}
}

// Run крутит тики до отмены контекста.
func (p *Poller) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := p.Tick(ctx); err != nil {
				p.log.Error().Err(err).Msg("dispatch: тик поллера")
			}
		}
	}
}

// Tick обрабатывает одну выборку и возвращает число захваченных постов.
func (p *Poller) Tick(ctx context.Context) (int, error) {
	started := p.now()
	defer func() {
		metrics.PollTickSeconds.Observe(time.Since(started).Seconds())
	}()

	due, err := p.repo.ListDuePosts(ctx, p.now(), p.cfg.BatchLimit)
	if err != nil {
		return 0, fmt.Errorf("выборка созревших постов: %w", err)
	}

	claimed := 0
	for _, post := range due {
		if err := ctx.Err(); err != nil {
			return claimed, err
		}
		err := p.repo.ClaimPost(ctx, post.ID, p.now().Add(p.cfg.Lease))
		if errors.Is(err, domain.ErrClaimConflict) {
			// Пост забрал другой экземпляр поллера.
			metrics.DispatchClaimConflicts.Inc()
			continue
		}
		if err != nil {
			p.log.Error().Err(err).Int64("post", post.ID).Msg("dispatch: захват поста")
			continue
		}
		job := domain.DispatchJob{ID: uuid.NewString(), PostID: post.ID, EnqueuedAt: p.now()}
		if err := p.queue.Enqueue(ctx, job); err != nil {
			// Аренда истечёт, и пост вернётся в следующую выборку.
			p.log.Error().Err(err).Int64("post", post.ID).Msg("dispatch: постановка задачи")
			continue
		}
		metrics.DispatchClaims.Inc()
		claimed++
	}
	return claimed, nil
}
