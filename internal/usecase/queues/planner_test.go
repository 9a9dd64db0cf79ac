package queues

import (
	"errors"
	"testing"
	"time"

	"smm-scheduler/internal/domain"
)

func utcQueue(slots ...domain.TimeSlot) domain.PostingQueue {
	return domain.PostingQueue{ID: 1, Name: "основная", Timezone: "UTC", IsActive: true, Slots: slots}
}

func slot(id int64, weekday time.Weekday, hour, minute int, active bool) domain.TimeSlot {
	return domain.TimeSlot{ID: id, QueueID: 1, Weekday: weekday, At: domain.TimeOfDay{Hour: hour, Minute: minute}, IsActive: active}
}

func queuedPost(id int64, position int, status domain.PostStatus) domain.ScheduledPost {
	queueID := int64(1)
	pos := position
	return domain.ScheduledPost{ID: id, Status: status, QueueID: &queueID, Position: &pos}
}

// Сценарий из жизни: очередь Вт 14:00 / Чт 10:00 (UTC), три поста подряд.
func TestAssignNextSlotWalksWeek(t *testing.T) {
	planner := NewPlanner()
	queue := utcQueue(
		slot(1, time.Tuesday, 14, 0, true),
		slot(2, time.Thursday, 10, 0, true),
	)
	// Понедельник 2024-06-03 09:00 UTC.
	now := time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)

	var taken []time.Time
	want := []time.Time{
		time.Date(2024, 6, 4, 14, 0, 0, 0, time.UTC),  // ближайший вторник
		time.Date(2024, 6, 6, 10, 0, 0, 0, time.UTC),  // ближайший четверг
		time.Date(2024, 6, 11, 14, 0, 0, 0, time.UTC), // вторник через неделю
	}
	for i, expected := range want {
		gotSlot, instant, err := planner.AssignNextSlot(queue, taken, now)
		if err != nil {
			t.Fatalf("шаг %d: не ожидали ошибку: %v", i, err)
		}
		if !instant.Equal(expected) {
			t.Fatalf("шаг %d: ожидали %v, получили %v", i, expected, instant)
		}
		if gotSlot.ID == 0 {
			t.Fatalf("шаг %d: слот не выбран", i)
		}
		taken = append(taken, instant)
	}
}

func TestAssignNextSlotSkipsInactive(t *testing.T) {
	planner := NewPlanner()
	queue := utcQueue(
		slot(1, time.Monday, 8, 0, false),
		slot(2, time.Friday, 17, 30, true),
	)
	now := time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC) // понедельник

	chosen, instant, err := planner.AssignNextSlot(queue, nil, now)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if chosen.ID != 2 {
		t.Fatalf("выбран неактивный слот %d", chosen.ID)
	}
	if !instant.Equal(time.Date(2024, 6, 7, 17, 30, 0, 0, time.UTC)) {
		t.Fatalf("неверный момент: %v", instant)
	}
}

func TestAssignNextSlotNoActiveSlots(t *testing.T) {
	planner := NewPlanner()
	queue := utcQueue(slot(1, time.Monday, 8, 0, false))
	if _, _, err := planner.AssignNextSlot(queue, nil, time.Now()); !errors.Is(err, ErrNoActiveSlots) {
		t.Fatalf("ожидали ErrNoActiveSlots, получили %v", err)
	}
}

func TestAssignNextSlotSameDayLater(t *testing.T) {
	planner := NewPlanner()
	queue := utcQueue(slot(1, time.Monday, 18, 0, true))
	// Понедельник 09:00: слот сегодня в 18:00 ещё впереди.
	now := time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)
	_, instant, err := planner.AssignNextSlot(queue, nil, now)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if !instant.Equal(time.Date(2024, 6, 3, 18, 0, 0, 0, time.UTC)) {
		t.Fatalf("ожидали слот сегодня вечером, получили %v", instant)
	}
}

func TestAssignNextSlotRespectsQueueTimezone(t *testing.T) {
	planner := NewPlanner()
	queue := domain.PostingQueue{ID: 1, Timezone: "America/New_York", IsActive: true, Slots: []domain.TimeSlot{
		slot(1, time.Tuesday, 9, 0, true),
	}}
	// Вторник 2024-06-04 14:00 UTC = 10:00 в Нью-Йорке, слот 09:00 уже прошёл.
	now := time.Date(2024, 6, 4, 14, 0, 0, 0, time.UTC)
	_, instant, err := planner.AssignNextSlot(queue, nil, now)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if !instant.UTC().Equal(time.Date(2024, 6, 11, 13, 0, 0, 0, time.UTC)) {
		t.Fatalf("ожидали следующий вторник 09:00 EDT, получили %v", instant.UTC())
	}
}

func TestRenumberMovesAndShifts(t *testing.T) {
	planner := NewPlanner()
	posts := []domain.ScheduledPost{
		queuedPost(10, 0, domain.StatusScheduled),
		queuedPost(11, 1, domain.StatusScheduled),
		queuedPost(12, 2, domain.StatusScheduled),
		queuedPost(13, 3, domain.StatusScheduled),
	}

	out, err := planner.Renumber(posts, 13, 1)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	wantOrder := []int64{10, 13, 11, 12}
	for i, id := range wantOrder {
		if out[i].ID != id {
			t.Fatalf("позиция %d: ожидали пост %d, получили %d", i, id, out[i].ID)
		}
		if out[i].Position == nil || *out[i].Position != i {
			t.Fatalf("позиция %d: неверный номер %v", i, out[i].Position)
		}
	}
	// Исходный срез не изменился.
	if *posts[1].Position != 1 || posts[1].ID != 11 {
		t.Fatalf("вход мутирован: %+v", posts[1])
	}
}

func TestRenumberMoveDown(t *testing.T) {
	planner := NewPlanner()
	posts := []domain.ScheduledPost{
		queuedPost(10, 0, domain.StatusScheduled),
		queuedPost(11, 1, domain.StatusScheduled),
		queuedPost(12, 2, domain.StatusScheduled),
	}
	out, err := planner.Renumber(posts, 10, 2)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	wantOrder := []int64{11, 12, 10}
	for i, id := range wantOrder {
		if out[i].ID != id {
			t.Fatalf("позиция %d: ожидали пост %d, получили %d", i, id, out[i].ID)
		}
	}
}

func TestRenumberPositionOutOfRange(t *testing.T) {
	planner := NewPlanner()
	posts := []domain.ScheduledPost{queuedPost(10, 0, domain.StatusScheduled)}
	if _, err := planner.Renumber(posts, 10, 1); !errors.Is(err, ErrPositionOutOfRange) {
		t.Fatalf("ожидали ErrPositionOutOfRange, получили %v", err)
	}
	if _, err := planner.Renumber(posts, 10, -1); !errors.Is(err, ErrPositionOutOfRange) {
		t.Fatalf("ожидали ErrPositionOutOfRange, получили %v", err)
	}
}

func TestRenumberRejectsDispatchingPost(t *testing.T) {
	planner := NewPlanner()
	posts := []domain.ScheduledPost{
		queuedPost(10, 0, domain.StatusDispatching),
		queuedPost(11, 1, domain.StatusScheduled),
	}
	if _, err := planner.Renumber(posts, 10, 1); !errors.Is(err, ErrPostNotReorderable) {
		t.Fatalf("ожидали ErrPostNotReorderable, получили %v", err)
	}
}

func TestRenumberUnknownPost(t *testing.T) {
	planner := NewPlanner()
	posts := []domain.ScheduledPost{queuedPost(10, 0, domain.StatusScheduled)}
	if _, err := planner.Renumber(posts, 99, 0); !errors.Is(err, domain.ErrPostNotFound) {
		t.Fatalf("ожидали ErrPostNotFound, получили %v", err)
	}
}

func TestReplanInstantsMonotonic(t *testing.T) {
	planner := NewPlanner()
	queue := utcQueue(
		slot(1, time.Tuesday, 14, 0, true),
		slot(2, time.Thursday, 10, 0, true),
	)
	now := time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC)
	posts := []domain.ScheduledPost{
		queuedPost(10, 0, domain.StatusScheduled),
		queuedPost(11, 1, domain.StatusScheduled),
		queuedPost(12, 2, domain.StatusScheduled),
	}

	out, err := planner.ReplanInstants(queue, posts, now)
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	want := []time.Time{
		time.Date(2024, 6, 4, 14, 0, 0, 0, time.UTC),
		time.Date(2024, 6, 6, 10, 0, 0, 0, time.UTC),
		time.Date(2024, 6, 11, 14, 0, 0, 0, time.UTC),
	}
	for i := range want {
		if !out[i].ScheduledAt.Equal(want[i]) {
			t.Fatalf("позиция %d: ожидали %v, получили %v", i, want[i], out[i].ScheduledAt)
		}
	}
	for i := 1; i < len(out); i++ {
		if out[i].ScheduledAt.Before(out[i-1].ScheduledAt) {
			t.Fatalf("времена не монотонны по позиции: %v перед %v", out[i].ScheduledAt, out[i-1].ScheduledAt)
		}
	}
}
