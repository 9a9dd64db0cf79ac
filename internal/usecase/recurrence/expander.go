package recurrence

import (
	"errors"
	"time"

	"smm-scheduler/internal/domain"
)

// ErrInvalidRule возвращается при противоречивом правиле повторения.
var ErrInvalidRule = errors.New("invalid recurrence rule")

// Iterator лениво порождает строго возрастающие будущие моменты правила.
// Каждый вызов Next считает следующий экземпляр; остановка — по горизонту
// или по условию окончания правила.
type Iterator struct {
	rule    domain.RecurrenceRule
	anchor  time.Time
	horizon time.Time
	index   int
}

// Expand строит итератор моментов правила от якорного времени до горизонта
// (горизонт не включается). Сам якорь не порождается: он уже существует.
func Expand(rule domain.RecurrenceRule, anchor, horizon time.Time) (*Iterator, error) {
	if err := Validate(rule, anchor); err != nil {
		return nil, err
	}
	return &Iterator{rule: rule, anchor: anchor, horizon: horizon}, nil
}

// Validate проверяет согласованность шаблона, интервала и условия окончания.
func Validate(rule domain.RecurrenceRule, anchor time.Time) error {
	switch rule.Pattern {
	case domain.PatternDaily, domain.PatternWeekly, domain.PatternBiweekly, domain.PatternMonthly:
	case domain.PatternCustom:
		if rule.IntervalDays <= 0 {
			return ErrInvalidRule
		}
	default:
		return ErrInvalidRule
	}
	if rule.MaxOccurrences < 0 {
		return ErrInvalidRule
	}
	if rule.EndsAt != nil && !rule.EndsAt.After(anchor) {
		return ErrInvalidRule
	}
	return nil
}

// Next возвращает следующий момент. false — последовательность исчерпана.
func (it *Iterator) Next() (time.Time, bool) {
	// MaxOccurrences считает экземпляры вместе с якорем, поэтому
	// порождается не более MaxOccurrences-1 новых моментов.
	if it.rule.MaxOccurrences > 0 && it.index >= it.rule.MaxOccurrences-1 {
		return time.Time{}, false
	}
	occurrence := occurrenceAt(it.rule, it.anchor, it.index+1)
	if it.rule.EndsAt != nil && !occurrence.Before(*it.rule.EndsAt) {
		return time.Time{}, false
	}
	if !it.horizon.IsZero() && !occurrence.Before(it.horizon) {
		return time.Time{}, false
	}
	it.index++
	return occurrence, true
}

// occurrenceAt считает n-й момент после якоря (n >= 1). Календарная
// арифметика идёт в локации якоря, чтобы настенное время переживало
// переводы часов.
func occurrenceAt(rule domain.RecurrenceRule, anchor time.Time, n int) time.Time {
	switch rule.Pattern {
	case domain.PatternDaily:
		return anchor.AddDate(0, 0, n)
	case domain.PatternWeekly:
		return anchor.AddDate(0, 0, 7*n)
	case domain.PatternBiweekly:
		return anchor.AddDate(0, 0, 14*n)
	case domain.PatternMonthly:
		return monthlyOccurrence(anchor, n)
	case domain.PatternCustom:
		return anchor.AddDate(0, 0, rule.IntervalDays*n)
	}
	return time.Time{}
}

// monthlyOccurrence держит день месяца якоря, прижимая его к последнему
// дню более коротких месяцев: якорь 31-го в феврале даёт 28-е или 29-е.
func monthlyOccurrence(anchor time.Time, n int) time.Time {
	total := int(anchor.Month()) - 1 + n
	year := anchor.Year() + total/12
	month := time.Month(total%12 + 1)
	day := anchor.Day()
	if last := daysInMonth(year, month); day > last {
		day = last
	}
	return time.Date(year, month, day, anchor.Hour(), anchor.Minute(), anchor.Second(), 0, anchor.Location())
}

func daysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
