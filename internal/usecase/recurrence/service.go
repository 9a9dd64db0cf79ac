package recurrence

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"smm-scheduler/internal/domain"
)

// DefaultHorizon — как далеко вперёд материализуются экземпляры правил.
const DefaultHorizon = 30 * 24 * time.Hour

// Service материализует экземпляры правил повторения в запланированные посты.
type Service struct {
	posts   domain.PostRepo
	rules   domain.RecurrenceRepo
	horizon time.Duration
	log     zerolog.Logger
	now     func() time.Time
}

// NewService создаёт материализатор. При horizon <= 0 берётся значение по умолчанию.
func NewService(posts domain.PostRepo, rules domain.RecurrenceRepo, horizon time.Duration, logger zerolog.Logger) *Service {
	if horizon <= 0 {
		horizon = DefaultHorizon
	}
	return &Service{posts: posts, rules: rules, horizon: horizon, log: logger, now: time.Now}
}

// MaterializeDue обходит активные правила и дорождает недостающие экземпляры
// до горизонта. Ошибка одного правила не останавливает остальные.
func (s *Service) MaterializeDue(ctx context.Context) error {
	rules, err := s.rules.ListActiveRules(ctx, s.now())
	if err != nil {
		return fmt.Errorf("выборка активных правил: %w", err)
	}
	for _, rule := range rules {
		created, err := s.MaterializeRule(ctx, rule)
		if err != nil {
			s.log.Error().Err(err).Int64("rule", rule.ID).Msg("recurrence: материализация правила")
			continue
		}
		if len(created) > 0 {
			s.log.Info().Int64("rule", rule.ID).Int("created", len(created)).Msg("recurrence: созданы экземпляры")
		}
	}
	return nil
}

// MaterializeRule порождает экземпляры одного правила и возвращает их.
// Уже материализованные моменты пропускаются, так что вызов идемпотентен.
func (s *Service) MaterializeRule(ctx context.Context, rule domain.RecurrenceRule) ([]domain.ScheduledPost, error) {
	anchor, err := s.posts.GetPost(ctx, rule.AnchorPostID)
	if err != nil {
		return nil, fmt.Errorf("якорный пост %d: %w", rule.AnchorPostID, err)
	}
	loc, err := time.LoadLocation(anchor.Timezone)
	if err != nil {
		return nil, fmt.Errorf("часовой пояс якоря %q: %w", anchor.Timezone, err)
	}

	stats, err := s.rules.OccurrenceStats(ctx, rule.ID)
	if err != nil {
		return nil, fmt.Errorf("статистика правила %d: %w", rule.ID, err)
	}

	horizon := s.now().Add(s.horizon)
	it, err := Expand(rule, anchor.ScheduledAt.In(loc), horizon)
	if err != nil {
		return nil, err
	}

	budget := -1
	if rule.MaxOccurrences > 0 {
		// Якорь плюс уже материализованные экземпляры съедают бюджет.
		budget = rule.MaxOccurrences - 1 - stats.Count
		if budget <= 0 {
			return nil, nil
		}
	}

	var batch []domain.ScheduledPost
	for {
		occurrence, ok := it.Next()
		if !ok {
			break
		}
		if !stats.Last.IsZero() && !occurrence.After(stats.Last) {
			continue
		}
		batch = append(batch, instancePost(rule, anchor, occurrence))
		if budget > 0 && len(batch) >= budget {
			break
		}
	}
	if len(batch) == 0 {
		return nil, nil
	}

	created, err := s.posts.CreatePosts(ctx, batch)
	if err != nil {
		return nil, fmt.Errorf("создание экземпляров: %w", err)
	}
	return created, nil
}

// instancePost собирает новый экземпляр: контент и аккаунты якоря,
// собственный публичный id и ссылка на источник.
func instancePost(rule domain.RecurrenceRule, anchor domain.ScheduledPost, at time.Time) domain.ScheduledPost {
	accounts := make([]int64, len(anchor.AccountIDs))
	copy(accounts, anchor.AccountIDs)
	ruleID := rule.ID
	anchorID := anchor.ID
	return domain.ScheduledPost{
		PublicID:       uuid.NewString(),
		Content:        anchor.Content,
		AccountIDs:     accounts,
		Timezone:       anchor.Timezone,
		ScheduledAt:    at,
		Status:         domain.StatusScheduled,
		RuleID:         &ruleID,
		SourceAnchorID: &anchorID,
	}
}
