package planner

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"smm-scheduler/internal/domain"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestResolveFutureInstant(t *testing.T) {
	svc := NewService(time.Minute, zerolog.Nop())
	svc.now = fixedClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))

	local := time.Date(2024, 6, 2, 9, 30, 0, 0, time.UTC)
	resolved, err := svc.Resolve(local, "Europe/Amsterdam")
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	// Лето: Амстердам — UTC+2.
	if got := resolved.UTC(); !got.Equal(time.Date(2024, 6, 2, 7, 30, 0, 0, time.UTC)) {
		t.Fatalf("неверный абсолютный момент: %v", got)
	}
}

func TestResolveInvalidTimezone(t *testing.T) {
	svc := NewService(time.Minute, zerolog.Nop())
	if _, err := svc.Resolve(time.Now().Add(time.Hour), "Atlantis/Central"); !errors.Is(err, ErrInvalidTimezone) {
		t.Fatalf("ожидали ErrInvalidTimezone, получили %v", err)
	}
}

func TestResolveNormalizesTimezoneCase(t *testing.T) {
	svc := NewService(time.Minute, zerolog.Nop())
	svc.now = fixedClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	if _, err := svc.Resolve(time.Date(2024, 6, 2, 9, 0, 0, 0, time.UTC), "europe/amsterdam"); err != nil {
		t.Fatalf("ожидали нормализацию регистра, получили %v", err)
	}
}

func TestResolvePastInstant(t *testing.T) {
	svc := NewService(time.Minute, zerolog.Nop())
	svc.now = fixedClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))

	if _, err := svc.Resolve(time.Date(2024, 6, 1, 11, 0, 0, 0, time.UTC), "UTC"); !errors.Is(err, ErrPastInstant) {
		t.Fatalf("ожидали ErrPastInstant, получили %v", err)
	}
}

func TestResolveGraceWindow(t *testing.T) {
	svc := NewService(time.Minute, zerolog.Nop())
	svc.now = fixedClock(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))

	// 30 секунд назад — внутри допуска в минуту.
	resolved, err := svc.Resolve(time.Date(2024, 6, 1, 11, 59, 30, 0, time.UTC), "UTC")
	if err != nil {
		t.Fatalf("не ожидали ошибку внутри допуска: %v", err)
	}
	if !resolved.Equal(time.Date(2024, 6, 1, 11, 59, 30, 0, time.UTC)) {
		t.Fatalf("неверный момент: %v", resolved)
	}
}

func TestResolveSpringForwardGap(t *testing.T) {
	svc := NewService(time.Minute, zerolog.Nop())
	svc.now = fixedClock(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))

	// 2024-03-10 02:30 в Нью-Йорке не существует: часы прыгают с 02:00 на 03:00.
	resolved, err := svc.Resolve(time.Date(2024, 3, 10, 2, 30, 0, 0, time.UTC), "America/New_York")
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	loc, _ := time.LoadLocation("America/New_York")
	inLoc := resolved.In(loc)
	if inLoc.Hour() == 2 {
		t.Fatalf("получили несуществующее локальное время: %v", inLoc)
	}
	// 02:30 EST и 03:30 EDT — один и тот же момент: 07:30 UTC.
	if got := resolved.UTC(); !got.Equal(time.Date(2024, 3, 10, 7, 30, 0, 0, time.UTC)) {
		t.Fatalf("ожидали перевод вперёд на 07:30 UTC, получили %v", got)
	}
}

func TestSuggestOptimalTimesOrdering(t *testing.T) {
	svc := NewService(0, zerolog.Nop())
	samples := []domain.EngagementSample{
		{Weekday: time.Wednesday, At: domain.TimeOfDay{Hour: 18}, Score: 10},
		{Weekday: time.Monday, At: domain.TimeOfDay{Hour: 9}, Score: 25},
		{Weekday: time.Friday, At: domain.TimeOfDay{Hour: 12}, Score: 25},
		{Weekday: time.Monday, At: domain.TimeOfDay{Hour: 9}, Score: 5},
	}

	got := svc.SuggestOptimalTimes(samples)
	if len(got) != 3 {
		t.Fatalf("ожидали 3 рекомендации, получили %d", len(got))
	}
	// Понедельник 9:00 набрал 30 после слияния дублей.
	if got[0].Weekday != time.Monday || got[0].Score != 30 {
		t.Fatalf("неверный лидер: %+v", got[0])
	}
	if got[1].Weekday != time.Friday || got[2].Weekday != time.Wednesday {
		t.Fatalf("неверный порядок: %+v", got)
	}
}

func TestSuggestOptimalTimesTieBreaks(t *testing.T) {
	svc := NewService(0, zerolog.Nop())
	samples := []domain.EngagementSample{
		{Weekday: time.Thursday, At: domain.TimeOfDay{Hour: 10}, Score: 7},
		{Weekday: time.Tuesday, At: domain.TimeOfDay{Hour: 14}, Score: 7},
		{Weekday: time.Saturday, At: domain.TimeOfDay{Hour: 10}, Score: 7},
	}

	got := svc.SuggestOptimalTimes(samples)
	if len(got) != 3 {
		t.Fatalf("ожидали 3 рекомендации, получили %d", len(got))
	}
	// При равном счёте сначала более раннее время, затем меньший день недели.
	if got[0].Weekday != time.Thursday || got[0].At.Hour != 10 {
		t.Fatalf("неверный первый: %+v", got[0])
	}
	if got[1].Weekday != time.Saturday {
		t.Fatalf("неверный второй: %+v", got[1])
	}
	if got[2].Weekday != time.Tuesday || got[2].At.Hour != 14 {
		t.Fatalf("неверный третий: %+v", got[2])
	}
}

func TestSuggestOptimalTimesSkipsInvalidSamples(t *testing.T) {
	svc := NewService(0, zerolog.Nop())
	samples := []domain.EngagementSample{
		{Weekday: time.Monday, At: domain.TimeOfDay{Hour: 25}, Score: 100},
		{Weekday: time.Monday, At: domain.TimeOfDay{Hour: 9}, Score: 1},
	}
	got := svc.SuggestOptimalTimes(samples)
	if len(got) != 1 || got[0].At.Hour != 9 {
		t.Fatalf("ожидали отбрасывание некорректной выборки: %+v", got)
	}
}
