package recurrence

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"smm-scheduler/internal/domain"
)

type stubPostRepo struct {
	anchor  domain.ScheduledPost
	created []domain.ScheduledPost
}

func (s *stubPostRepo) CreatePost(_ context.Context, p domain.ScheduledPost) (domain.ScheduledPost, error) {
	s.created = append(s.created, p)
	return p, nil
}

func (s *stubPostRepo) CreatePosts(_ context.Context, posts []domain.ScheduledPost) ([]domain.ScheduledPost, error) {
	s.created = append(s.created, posts...)
	return posts, nil
}

func (s *stubPostRepo) GetPost(context.Context, int64) (domain.ScheduledPost, error) {
	return s.anchor, nil
}

func (s *stubPostRepo) ListByAnchor(context.Context, int64) ([]domain.ScheduledPost, error) {
	return nil, nil
}

func (s *stubPostRepo) CancelPost(context.Context, int64) error { return nil }

func (s *stubPostRepo) ReschedulePost(context.Context, int64, time.Time) error { return nil }

func (s *stubPostRepo) DeleteTerminalBefore(context.Context, time.Time) (int64, error) { return 0, nil }

type stubRuleRepo struct {
	rules []domain.RecurrenceRule
	stats domain.OccurrenceStats
}

func (s *stubRuleRepo) CreateRule(_ context.Context, r domain.RecurrenceRule) (domain.RecurrenceRule, error) {
	return r, nil
}

func (s *stubRuleRepo) GetRule(context.Context, int64) (domain.RecurrenceRule, error) {
	return domain.RecurrenceRule{}, nil
}

func (s *stubRuleRepo) ListActiveRules(context.Context, time.Time) ([]domain.RecurrenceRule, error) {
	return s.rules, nil
}

func (s *stubRuleRepo) OccurrenceStats(context.Context, int64) (domain.OccurrenceStats, error) {
	return s.stats, nil
}

func TestMaterializeRuleCreatesInstances(t *testing.T) {
	anchorAt := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	posts := &stubPostRepo{anchor: domain.ScheduledPost{
		ID:          7,
		Content:     domain.PostContent{Text: "анонс"},
		AccountIDs:  []int64{1, 2},
		Timezone:    "UTC",
		ScheduledAt: anchorAt,
		Status:      domain.StatusScheduled,
	}}
	rules := &stubRuleRepo{}
	svc := NewService(posts, rules, 0, zerolog.Nop())
	svc.now = func() time.Time { return anchorAt }

	created, err := svc.MaterializeRule(context.Background(), domain.RecurrenceRule{ID: 3, Pattern: domain.PatternWeekly, AnchorPostID: 7})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if len(created) != 4 {
		t.Fatalf("ожидали 4 экземпляра за 30-дневный горизонт, получили %d", len(created))
	}
	first := posts.created[0]
	if first.SourceAnchorID == nil || *first.SourceAnchorID != 7 {
		t.Fatalf("экземпляр не ссылается на якорь: %+v", first)
	}
	if first.RuleID == nil || *first.RuleID != 3 {
		t.Fatalf("экземпляр не ссылается на правило: %+v", first)
	}
	if first.PublicID == "" || first.PublicID == posts.anchor.PublicID {
		t.Fatalf("экземпляр обязан получить собственный публичный id")
	}
	if !first.ScheduledAt.Equal(anchorAt.AddDate(0, 0, 7)) {
		t.Fatalf("неверное время первого экземпляра: %v", first.ScheduledAt)
	}
}

func TestMaterializeRuleIdempotent(t *testing.T) {
	anchorAt := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	posts := &stubPostRepo{anchor: domain.ScheduledPost{ID: 7, Timezone: "UTC", ScheduledAt: anchorAt}}
	rules := &stubRuleRepo{stats: domain.OccurrenceStats{Count: 2, Last: anchorAt.AddDate(0, 0, 14)}}
	svc := NewService(posts, rules, 0, zerolog.Nop())
	svc.now = func() time.Time { return anchorAt }

	created, err := svc.MaterializeRule(context.Background(), domain.RecurrenceRule{ID: 3, Pattern: domain.PatternWeekly, AnchorPostID: 7})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	// Первые два недельных экземпляра уже материализованы.
	if len(created) != 2 {
		t.Fatalf("ожидали 2 новых экземпляра, получили %d", len(created))
	}
	if !posts.created[0].ScheduledAt.Equal(anchorAt.AddDate(0, 0, 21)) {
		t.Fatalf("неверное время продолжения: %v", posts.created[0].ScheduledAt)
	}
}

func TestMaterializeRuleHonorsOccurrenceBudget(t *testing.T) {
	anchorAt := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	posts := &stubPostRepo{anchor: domain.ScheduledPost{ID: 7, Timezone: "UTC", ScheduledAt: anchorAt}}
	rules := &stubRuleRepo{stats: domain.OccurrenceStats{Count: 1, Last: anchorAt.AddDate(0, 0, 1)}}
	svc := NewService(posts, rules, 365*24*time.Hour, zerolog.Nop())
	svc.now = func() time.Time { return anchorAt }

	created, err := svc.MaterializeRule(context.Background(), domain.RecurrenceRule{ID: 3, Pattern: domain.PatternDaily, AnchorPostID: 7, MaxOccurrences: 3})
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	// Бюджет: 3 всего, якорь + 1 материализованный, остаётся 1.
	if len(created) != 1 {
		t.Fatalf("ожидали 1 новый экземпляр, получили %d", len(created))
	}
}
