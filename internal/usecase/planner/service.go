package planner

import (
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"smm-scheduler/internal/domain"
)

// ErrInvalidTimezone возвращается, если указан некорректный часовой пояс.
var ErrInvalidTimezone = errors.New("invalid timezone")

// ErrPastInstant возвращается, если запрошенное время уже прошло.
var ErrPastInstant = errors.New("instant is in the past")

// DefaultGraceWindow — допуск на задержку запроса при проверке будущего времени.
const DefaultGraceWindow = 60 * time.Second

// Service разрешает локальное время в абсолютный момент и считает
// рекомендации оптимального времени публикации.
type Service struct {
	grace time.Duration
	now   func() time.Time
	log   zerolog.Logger
}

// NewService создаёт резолвер времени. При grace <= 0 берётся значение по умолчанию.
func NewService(grace time.Duration, log zerolog.Logger) *Service {
	if grace <= 0 {
		grace = DefaultGraceWindow
	}
	return &Service{grace: grace, now: time.Now, log: log}
}

// Resolve переводит локальное время (поля local читаются как настенные часы,
// его локация игнорируется) в абсолютный момент в поясе tz.
// Несуществующее из-за весеннего перевода часов время сдвигается вперёд
// по правилам базы часовых поясов, а не отбрасывается молча.
func (s *Service) Resolve(local time.Time, tz string) (time.Time, error) {
	loc, _, err := s.Location(tz)
	if err != nil {
		return time.Time{}, err
	}

	resolved := time.Date(local.Year(), local.Month(), local.Day(), local.Hour(), local.Minute(), local.Second(), 0, loc)
	if resolved.Hour() != local.Hour() || resolved.Minute() != local.Minute() {
		// Запрошенное настенное время не существует из-за перевода часов.
		s.log.Warn().
			Str("tz", tz).
			Time("requested", local).
			Time("resolved", resolved).
			Msg("настенное время попало в разрыв перевода часов, сдвинуто вперёд")
	}
	if !resolved.After(s.now().Add(-s.grace)) {
		return time.Time{}, ErrPastInstant
	}
	return resolved, nil
}

// Location проверяет идентификатор часового пояса и возвращает локацию
// вместе с нормализованным именем.
func (s *Service) Location(tz string) (*time.Location, string, error) {
	normalized, err := normalizeTimezone(tz)
	if err != nil {
		return nil, "", err
	}
	loc, err := time.LoadLocation(normalized)
	if err != nil {
		return nil, "", ErrInvalidTimezone
	}
	return loc, normalized, nil
}

// SuggestOptimalTimes ранжирует пары (день недели, время) по вовлечённости.
// Чистая функция над агрегированными выборками вызывающей стороны: одинаковые
// пары складываются, ничья решается более ранним временем суток, затем
// меньшим индексом дня недели. Результат только рекомендательный.
func (s *Service) SuggestOptimalTimes(samples []domain.EngagementSample) []domain.SlotSuggestion {
	type key struct {
		weekday time.Weekday
		minutes int
	}
	merged := make(map[key]domain.SlotSuggestion)
	for _, sample := range samples {
		if !sample.At.Valid() || sample.Weekday < time.Sunday || sample.Weekday > time.Saturday {
			continue
		}
		k := key{weekday: sample.Weekday, minutes: sample.At.Minutes()}
		entry, ok := merged[k]
		if !ok {
			entry = domain.SlotSuggestion{Weekday: sample.Weekday, At: sample.At}
		}
		entry.Score += sample.Score
		merged[k] = entry
	}

	suggestions := make([]domain.SlotSuggestion, 0, len(merged))
	for _, entry := range merged {
		suggestions = append(suggestions, entry)
	}
	sort.Slice(suggestions, func(i, j int) bool {
		if suggestions[i].Score != suggestions[j].Score {
			return suggestions[i].Score > suggestions[j].Score
		}
		if suggestions[i].At.Minutes() != suggestions[j].At.Minutes() {
			return suggestions[i].At.Minutes() < suggestions[j].At.Minutes()
		}
		return suggestions[i].Weekday < suggestions[j].Weekday
	})
	return suggestions
}

func normalizeTimezone(raw string) (string, error) {
	candidate := strings.TrimSpace(raw)
	if candidate == "" {
		return "", ErrInvalidTimezone
	}
	candidate = strings.ReplaceAll(candidate, " ", "_")
	if _, err := time.LoadLocation(candidate); err == nil {
		return candidate, nil
	}

	lower := strings.ToLower(candidate)
	parts := strings.Split(lower, "/")
	for i, part := range parts {
		segments := strings.Split(part, "_")
		for j, segment := range segments {
			pieces := strings.Split(segment, "-")
			for k, piece := range pieces {
				if piece == "" {
					continue
				}
				pieces[k] = strings.ToUpper(piece[:1]) + piece[1:]
			}
			segments[j] = strings.Join(pieces, "-")
		}
		parts[i] = strings.Join(segments, "_")
	}
	normalized := strings.Join(parts, "/")
	if _, err := time.LoadLocation(normalized); err == nil {
		return normalized, nil
	}
	return "", ErrInvalidTimezone
}
