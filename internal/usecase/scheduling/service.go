package scheduling

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"smm-scheduler/internal/domain"
	"smm-scheduler/internal/usecase/planner"
	"smm-scheduler/internal/usecase/recurrence"
)

// ErrNoTargetAccounts возвращается, если у поста нет целевых аккаунтов.
var ErrNoTargetAccounts = errors.New("post has no target accounts")

// ErrNoInstant возвращается, если не задано ни явное время, ни очередь.
var ErrNoInstant = errors.New("either explicit instant or queue is required")

// ErrNotCancellable возвращается при отмене поста, чья отправка уже началась.
var ErrNotCancellable = errors.New("post cannot be cancelled in its state")

// ErrNotReschedulable возвращается при переносе поста из статуса,
// не допускающего перенос.
var ErrNotReschedulable = errors.New("only failed or draft posts can be rescheduled")

// ScheduleParams описывает вход постановки поста в расписание.
type ScheduleParams struct {
	Content      domain.PostContent
	AccountIDs   []int64
	Timezone     string
	ScheduledFor *time.Time
	QueueID      *int64
	Recurrence   *RecurrenceParams
}

// RecurrenceParams описывает правило повторения при постановке.
type RecurrenceParams struct {
	Pattern        domain.RecurrencePattern
	IntervalDays   int
	EndsAt         *time.Time
	MaxOccurrences int
}

// Service реализует жизненный цикл запланированного поста: постановку,
// отмену и явный перенос после неудачи. Переходы отправки выполняет поллер.
type Service struct {
	posts        domain.PostRepo
	queueRepo    domain.QueueRepo
	rules        domain.RecurrenceRepo
	resolver     *planner.Service
	materializer *recurrence.Service
	log          zerolog.Logger
}

// NewService создаёт сервис расписания.
func NewService(posts domain.PostRepo, queueRepo domain.QueueRepo, rules domain.RecurrenceRepo, resolver *planner.Service, materializer *recurrence.Service, logger zerolog.Logger) *Service {
	return &Service{posts: posts, queueRepo: queueRepo, rules: rules, resolver: resolver, materializer: materializer, log: logger}
}

// Schedule переводит готовый контент в статус scheduled: либо по явному
// локальному времени с часовым поясом, либо через слот очереди. При правиле
// повторения сразу материализуются будущие экземпляры, поэтому ответ может
// содержать несколько постов; первым идёт якорь.
func (s *Service) Schedule(ctx context.Context, params ScheduleParams) ([]domain.ScheduledPost, error) {
	if len(params.AccountIDs) == 0 {
		return nil, ErrNoTargetAccounts
	}

	post := domain.ScheduledPost{
		PublicID:   uuid.NewString(),
		Content:    params.Content,
		AccountIDs: params.AccountIDs,
		Status:     domain.StatusScheduled,
	}

	var created domain.ScheduledPost
	switch {
	case params.QueueID != nil:
		queue, err := s.queueRepo.GetQueue(ctx, *params.QueueID)
		if err != nil {
			return nil, fmt.Errorf("очередь %d: %w", *params.QueueID, err)
		}
		post.Timezone = queue.Timezone
		created, err = s.queueRepo.EnqueuePost(ctx, queue.ID, post)
		if err != nil {
			return nil, fmt.Errorf("постановка в очередь %d: %w", queue.ID, err)
		}
	case params.ScheduledFor != nil:
		resolved, err := s.resolver.Resolve(*params.ScheduledFor, params.Timezone)
		if err != nil {
			return nil, err
		}
		_, normalized, err := s.resolver.Location(params.Timezone)
		if err != nil {
			return nil, err
		}
		post.Timezone = normalized
		post.ScheduledAt = resolved
		created, err = s.posts.CreatePost(ctx, post)
		if err != nil {
			return nil, fmt.Errorf("создание поста: %w", err)
		}
	default:
		return nil, ErrNoInstant
	}

	result := []domain.ScheduledPost{created}
	if params.Recurrence != nil {
		instances, err := s.attachRecurrence(ctx, created, *params.Recurrence)
		if err != nil {
			return nil, err
		}
		result = append(result, instances...)
	}
	return result, nil
}

// Cancel отменяет пост. Допустимо только из scheduled: начатую отправку
// прервать нельзя, такой вызов отклоняется явной ошибкой. Пост из очереди
// при отмене покидает её, освобождая позицию и слот для остальных.
func (s *Service) Cancel(ctx context.Context, id int64) error {
	err := s.posts.CancelPost(ctx, id)
	if errors.Is(err, domain.ErrStateConflict) {
		return fmt.Errorf("отмена поста %d: %w", id, ErrNotCancellable)
	}
	if err != nil {
		return fmt.Errorf("отмена поста %d: %w", id, err)
	}
	s.log.Info().Int64("post", id).Msg("scheduling: пост отменён")
	return nil
}

// Reschedule возвращает пост в scheduled по явному новому времени.
// Допустимы failed-посты и черновики, отвязанные при удалении очереди.
// Автоматического возврата в очередь нет: только явный момент.
func (s *Service) Reschedule(ctx context.Context, id int64, local time.Time, tz string) (domain.ScheduledPost, error) {
	resolved, err := s.resolver.Resolve(local, tz)
	if err != nil {
		return domain.ScheduledPost{}, err
	}
	err = s.posts.ReschedulePost(ctx, id, resolved)
	if errors.Is(err, domain.ErrStateConflict) {
		return domain.ScheduledPost{}, fmt.Errorf("перенос поста %d: %w", id, ErrNotReschedulable)
	}
	if err != nil {
		return domain.ScheduledPost{}, fmt.Errorf("перенос поста %d: %w", id, err)
	}
	return s.posts.GetPost(ctx, id)
}

func (s *Service) attachRecurrence(ctx context.Context, anchor domain.ScheduledPost, params RecurrenceParams) ([]domain.ScheduledPost, error) {
	rule := domain.RecurrenceRule{
		Pattern:        params.Pattern,
		IntervalDays:   params.IntervalDays,
		EndsAt:         params.EndsAt,
		MaxOccurrences: params.MaxOccurrences,
		AnchorPostID:   anchor.ID,
	}
	if err := recurrence.Validate(rule, anchor.ScheduledAt); err != nil {
		return nil, err
	}
	saved, err := s.rules.CreateRule(ctx, rule)
	if err != nil {
		return nil, fmt.Errorf("создание правила: %w", err)
	}
	instances, err := s.materializer.MaterializeRule(ctx, saved)
	if err != nil {
		return nil, fmt.Errorf("материализация правила %d: %w", saved.ID, err)
	}
	return instances, nil
}
