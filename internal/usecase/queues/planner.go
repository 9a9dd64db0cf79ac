package queues

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"smm-scheduler/internal/domain"
)

// ErrNoActiveSlots возвращается, если в очереди нет активных слотов.
var ErrNoActiveSlots = errors.New("queue has no active slots")

// ErrPositionOutOfRange возвращается при позиции вне диапазона очереди.
var ErrPositionOutOfRange = errors.New("position out of range")

// ErrPostNotReorderable возвращается, если пост нельзя двигать в его состоянии.
var ErrPostNotReorderable = errors.New("post not reorderable")

// Planner — чистые алгоритмы раскладки очереди. Репозиторий вызывает его
// внутри транзакции с блокировкой очереди, поэтому сам Planner состояния
// не держит и хранилище не трогает.
type Planner struct{}

var _ domain.QueuePlanner = (*Planner)(nil)

// NewPlanner создаёт планировщик очереди.
func NewPlanner() *Planner {
	return &Planner{}
}

// AssignNextSlot выбирает ближайшее будущее срабатывание среди активных
// слотов, не совпадающее с уже занятыми моментами taken. Коллизия двигает
// слот на неделю вперёд, поэтому выданные моменты уникальны.
func (p *Planner) AssignNextSlot(queue domain.PostingQueue, taken []time.Time, now time.Time) (domain.TimeSlot, time.Time, error) {
	loc, err := time.LoadLocation(queue.Timezone)
	if err != nil {
		return domain.TimeSlot{}, time.Time{}, fmt.Errorf("часовой пояс очереди %q: %w", queue.Timezone, err)
	}

	active := queue.ActiveSlots()
	if len(active) == 0 {
		return domain.TimeSlot{}, time.Time{}, ErrNoActiveSlots
	}
	sort.Slice(active, func(i, j int) bool {
		if active[i].Weekday != active[j].Weekday {
			return active[i].Weekday < active[j].Weekday
		}
		return active[i].At.Minutes() < active[j].At.Minutes()
	})

	occupied := make(map[int64]bool, len(taken))
	for _, instant := range taken {
		occupied[instant.Unix()] = true
	}

	var (
		best     time.Time
		bestSlot domain.TimeSlot
	)
	for _, slot := range active {
		occurrence := nextOccurrence(slot, now, loc)
		for occupied[occurrence.Unix()] {
			occurrence = occurrence.AddDate(0, 0, 7)
		}
		if best.IsZero() || occurrence.Before(best) {
			best = occurrence
			bestSlot = slot
		}
	}
	return bestSlot, best, nil
}

// Renumber переносит пост на newPosition, сдвигая промежуточные посты на
// единицу к освободившемуся месту. Вход не мутируется: при любой ошибке
// вызывающая сторона остаётся с прежним порядком.
func (p *Planner) Renumber(posts []domain.ScheduledPost, postID int64, newPosition int) ([]domain.ScheduledPost, error) {
	if newPosition < 0 || newPosition >= len(posts) {
		return nil, ErrPositionOutOfRange
	}
	from := -1
	for i, post := range posts {
		if post.ID == postID {
			from = i
			break
		}
	}
	if from == -1 {
		return nil, domain.ErrPostNotFound
	}
	switch posts[from].Status {
	case domain.StatusDraft, domain.StatusScheduled:
	default:
		return nil, ErrPostNotReorderable
	}

	out := make([]domain.ScheduledPost, len(posts))
	copy(out, posts)
	moved := out[from]
	out = append(out[:from], out[from+1:]...)
	out = append(out[:newPosition], append([]domain.ScheduledPost{moved}, out[newPosition:]...)...)
	for i := range out {
		position := i
		out[i].Position = &position
	}
	return out, nil
}

// ReplanInstants заново раздаёт времена постам в порядке позиций: позиция 0
// получает ближайшее срабатывание слота, следующие — следующие свободные.
// Времена получаются монотонно неубывающими по позиции.
func (p *Planner) ReplanInstants(queue domain.PostingQueue, posts []domain.ScheduledPost, now time.Time) ([]domain.ScheduledPost, error) {
	out := make([]domain.ScheduledPost, len(posts))
	copy(out, posts)

	taken := make([]time.Time, 0, len(posts))
	for i := range out {
		_, instant, err := p.AssignNextSlot(queue, taken, now)
		if err != nil {
			return nil, err
		}
		out[i].ScheduledAt = instant
		taken = append(taken, instant)
	}
	return out, nil
}

// nextOccurrence считает ближайшее будущее срабатывание слота в поясе очереди.
func nextOccurrence(slot domain.TimeSlot, now time.Time, loc *time.Location) time.Time {
	local := now.In(loc)
	daysAhead := (int(slot.Weekday) - int(local.Weekday()) + 7) % 7
	candidate := time.Date(local.Year(), local.Month(), local.Day()+daysAhead, slot.At.Hour, slot.At.Minute, 0, 0, loc)
	if !candidate.After(now) {
		candidate = candidate.AddDate(0, 0, 7)
	}
	return candidate
}
