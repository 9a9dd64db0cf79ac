package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"smm-scheduler/internal/domain"
	"smm-scheduler/internal/infra/metrics"
)

// Worker вынимает задачи отправки и публикует посты через коннекторы
// платформ. Аккаунты одного поста публикуются параллельно, но итоговый
// статус выводится только после того, как каждый аккаунт пришёл к
// терминальному исходу или получил время повтора.
type Worker struct {
	posts      domain.PostRepo
	repo       domain.DispatchRepo
	attempts   domain.AttemptRepo
	queue      domain.DispatchQueue
	connectors map[string]domain.PlatformConnector
	cfg        Config
	log        zerolog.Logger
	now        func() time.Time
}

// NewWorker создаёт воркера отправки.
func NewWorker(posts domain.PostRepo, repo domain.DispatchRepo, attempts domain.AttemptRepo, queue domain.DispatchQueue, connectors map[string]domain.PlatformConnector, cfg Config, logger zerolog.Logger) *Worker {
	if cfg.ConnectorTimeout <= 0 {
		cfg.ConnectorTimeout = 30 * time.Second
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 30 * time.Second
	}
	if cfg.RetryFactor <= 1 {
		cfg.RetryFactor = 2
	}
	if cfg.RetryCap <= 0 {
		cfg.RetryCap = 30 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	return &Worker{posts: posts, repo: repo, attempts: attempts, queue: queue, connectors: connectors, cfg: cfg, log: logger, now: time.Now}
}

// Run обрабатывает задачи до отмены контекста.
func (w *Worker) Run(ctx context.Context) error {
	for {
		job, err := w.queue.Pop(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return ctx.Err()
			}
			w.log.Error().Err(err).Msg("dispatch: чтение задачи")
			continue
		}
		if err := w.Process(ctx, job); err != nil {
			w.log.Error().Err(err).Int64("post", job.PostID).Msg("dispatch: обработка задачи")
		}
	}
}

// Process выполняет одну задачу: публикует все созревшие аккаунты поста
// и, если все аккаунты терминальны, выводит итоговый статус.
func (w *Worker) Process(ctx context.Context, job domain.DispatchJob) error {
	post, err := w.posts.GetPost(ctx, job.PostID)
	if err != nil {
		return fmt.Errorf("пост %d: %w", job.PostID, err)
	}
	if post.Status != domain.StatusDispatching {
		// Задача устарела: пост уже финализирован другим путём.
		return nil
	}

	targets, err := w.repo.ListDueTargets(ctx, post.ID, w.now())
	if err != nil {
		return fmt.Errorf("цели поста %d: %w", post.ID, err)
	}

	if len(targets) > 0 {
		accounts, err := w.repo.GetAccounts(ctx, accountIDs(targets))
		if err != nil {
			return fmt.Errorf("аккаунты поста %d: %w", post.ID, err)
		}
		byID := make(map[int64]domain.Account, len(accounts))
		for _, account := range accounts {
			byID[account.ID] = account
		}

		// Аккаунты независимы: публикуем параллельно и ждём всех.
		var wg sync.WaitGroup
		for _, target := range targets {
			wg.Add(1)
			go func(target domain.PostTarget) {
				defer wg.Done()
				w.publishTarget(ctx, post, target, byID[target.AccountID])
			}(target)
		}
		wg.Wait()
	}

	status, done, err := w.repo.FinalizePost(ctx, post.ID)
	if err != nil {
		return fmt.Errorf("финализация поста %d: %w", post.ID, err)
	}
	if done {
		w.log.Info().Int64("post", post.ID).Str("status", string(status)).Msg("dispatch: пост финализирован")
		return nil
	}
	// Остались повторы: аренда доживает до ближайшей pending-цели,
	// и поллер заберёт пост ровно тогда, когда повтор созреет.
	if err := w.repo.ReleaseLease(ctx, post.ID); err != nil {
		return fmt.Errorf("снятие аренды поста %d: %w", post.ID, err)
	}
	return nil
}

// publishTarget выполняет одну попытку для одного аккаунта и записывает её
// в историю. Транзиентный сбой назначает время повтора, перманентный или
// исчерпанный бюджет завершает аккаунт со статусом failed.
func (w *Worker) publishTarget(ctx context.Context, post domain.ScheduledPost, target domain.PostTarget, account domain.Account) {
	started := w.now()

	var outcome domain.PublishOutcome
	if account.ID == 0 {
		outcome = domain.PublishOutcome{Kind: domain.OutcomePermanent, Reason: "account not found"}
	} else if connector, ok := w.connectors[account.Platform]; !ok {
		outcome = domain.PublishOutcome{Kind: domain.OutcomePermanent, Reason: fmt.Sprintf("no connector for platform %q", account.Platform)}
	} else {
		callCtx, cancel := context.WithTimeout(ctx, w.cfg.ConnectorTimeout)
		outcome = connector.Publish(callCtx, account, post.Content)
		cancel()
	}

	attemptNumber := target.Attempts + 1
	attempt := domain.PublishAttempt{
		PostID:        post.ID,
		AccountID:     target.AccountID,
		AttemptNumber: attemptNumber,
		StartedAt:     started,
		Outcome:       outcome.Kind,
		Error:         outcome.Reason,
		Latency:       time.Since(started),
	}
	if _, err := w.attempts.RecordAttempt(ctx, attempt); err != nil {
		w.log.Error().Err(err).Int64("post", post.ID).Int64("account", target.AccountID).Msg("dispatch: запись попытки")
	}
	metrics.PublishOutcomes.WithLabelValues(account.Platform, string(outcome.Kind)).Inc()

	target.Attempts = attemptNumber
	target.LastError = outcome.Reason
	switch outcome.Kind {
	case domain.OutcomeSuccess:
		target.Status = domain.TargetPublished
	case domain.OutcomePermanent:
		target.Status = domain.TargetFailed
	case domain.OutcomeTransient:
		if attemptNumber >= w.cfg.MaxAttempts {
			target.Status = domain.TargetFailed
		} else {
			target.Status = domain.TargetPending
			target.NextAttemptAt = started.Add(w.backoff(attemptNumber))
		}
	}
	if err := w.repo.UpdateTarget(ctx, target); err != nil {
		w.log.Error().Err(err).Int64("post", post.ID).Int64("account", target.AccountID).Msg("dispatch: обновление цели")
	}
}

// backoff считает задержку перед повтором после attempt-й неудачи:
// base * factor^(attempt-1) с потолком.
func (w *Worker) backoff(attempt int) time.Duration {
	delay := w.cfg.RetryBase
	for i := 1; i < attempt; i++ {
		delay *= time.Duration(w.cfg.RetryFactor)
		if delay >= w.cfg.RetryCap {
			return w.cfg.RetryCap
		}
	}
	if delay > w.cfg.RetryCap {
		delay = w.cfg.RetryCap
	}
	return delay
}

func accountIDs(targets []domain.PostTarget) []int64 {
	ids := make([]int64, 0, len(targets))
	for _, target := range targets {
		ids = append(ids, target.AccountID)
	}
	return ids
}
