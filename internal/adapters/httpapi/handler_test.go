package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	chi "github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"smm-scheduler/internal/domain"
	"smm-scheduler/internal/usecase/planner"
	"smm-scheduler/internal/usecase/queues"
	"smm-scheduler/internal/usecase/recurrence"
	"smm-scheduler/internal/usecase/scheduling"
)

type memPosts struct {
	nextID int64
	posts  map[int64]*domain.ScheduledPost
}

func newMemPosts() *memPosts {
	return &memPosts{nextID: 1, posts: make(map[int64]*domain.ScheduledPost)}
}

func (m *memPosts) CreatePost(_ context.Context, p domain.ScheduledPost) (domain.ScheduledPost, error) {
	p.ID = m.nextID
	m.nextID++
	p.CreatedAt = time.Now()
	m.posts[p.ID] = &p
	return p, nil
}

func (m *memPosts) CreatePosts(ctx context.Context, posts []domain.ScheduledPost) ([]domain.ScheduledPost, error) {
	out := make([]domain.ScheduledPost, 0, len(posts))
	for _, p := range posts {
		created, _ := m.CreatePost(ctx, p)
		out = append(out, created)
	}
	return out, nil
}

func (m *memPosts) GetPost(_ context.Context, id int64) (domain.ScheduledPost, error) {
	p, ok := m.posts[id]
	if !ok {
		return domain.ScheduledPost{}, domain.ErrPostNotFound
	}
	return *p, nil
}

func (m *memPosts) ListByAnchor(context.Context, int64) ([]domain.ScheduledPost, error) {
	return nil, nil
}

func (m *memPosts) CancelPost(_ context.Context, id int64) error {
	p, ok := m.posts[id]
	if !ok {
		return domain.ErrPostNotFound
	}
	if p.Status != domain.StatusScheduled {
		return domain.ErrStateConflict
	}
	p.Status = domain.StatusCancelled
	p.Position = nil
	return nil
}

func (m *memPosts) ReschedulePost(_ context.Context, id int64, at time.Time) error {
	p, ok := m.posts[id]
	if !ok {
		return domain.ErrPostNotFound
	}
	if p.Status != domain.StatusFailed && p.Status != domain.StatusDraft {
		return domain.ErrStateConflict
	}
	p.Status = domain.StatusScheduled
	p.ScheduledAt = at
	return nil
}

func (m *memPosts) DeleteTerminalBefore(context.Context, time.Time) (int64, error) { return 0, nil }

type memQueues struct {
	queues     map[int64]domain.PostingQueue
	reorderErr error
}

func (m *memQueues) CreateQueue(_ context.Context, q domain.PostingQueue) (domain.PostingQueue, error) {
	q.ID = int64(len(m.queues) + 1)
	for i := range q.Slots {
		q.Slots[i].ID = int64(i + 1)
		q.Slots[i].QueueID = q.ID
	}
	m.queues[q.ID] = q
	return q, nil
}

func (m *memQueues) GetQueue(_ context.Context, id int64) (domain.PostingQueue, error) {
	q, ok := m.queues[id]
	if !ok {
		return domain.PostingQueue{}, domain.ErrQueueNotFound
	}
	return q, nil
}

func (m *memQueues) ListQueues(context.Context) ([]domain.PostingQueue, error) {
	var out []domain.PostingQueue
	for _, q := range m.queues {
		out = append(out, q)
	}
	return out, nil
}

func (m *memQueues) DeleteQueue(_ context.Context, id int64, _ domain.QueueDeleteMode) error {
	if _, ok := m.queues[id]; !ok {
		return domain.ErrQueueNotFound
	}
	delete(m.queues, id)
	return nil
}

func (m *memQueues) AddSlot(_ context.Context, slot domain.TimeSlot) (domain.TimeSlot, error) {
	slot.ID = 42
	return slot, nil
}

func (m *memQueues) SetSlotActive(_ context.Context, queueID, slotID int64, _ bool) error {
	q, ok := m.queues[queueID]
	if !ok {
		return domain.ErrQueueNotFound
	}
	for _, slot := range q.Slots {
		if slot.ID == slotID {
			return nil
		}
	}
	return domain.ErrSlotNotFound
}

func (m *memQueues) ListQueuePosts(context.Context, int64) ([]domain.ScheduledPost, error) {
	return nil, nil
}

func (m *memQueues) EnqueuePost(_ context.Context, queueID int64, post domain.ScheduledPost) (domain.ScheduledPost, error) {
	post.ID = 77
	post.QueueID = &queueID
	position := 0
	post.Position = &position
	post.ScheduledAt = time.Now().Add(time.Hour)
	return post, nil
}

func (m *memQueues) Reorder(context.Context, int64, int64, int) error { return m.reorderErr }

func (m *memQueues) QueueDepths(context.Context) (map[string]int, error) { return nil, nil }

type memAttempts struct {
	attempts []domain.PublishAttempt
}

func (m *memAttempts) RecordAttempt(_ context.Context, a domain.PublishAttempt) (domain.PublishAttempt, error) {
	m.attempts = append(m.attempts, a)
	return a, nil
}

func (m *memAttempts) ListAttempts(_ context.Context, postID int64) ([]domain.PublishAttempt, error) {
	var out []domain.PublishAttempt
	for _, a := range m.attempts {
		if a.PostID == postID {
			out = append(out, a)
		}
	}
	return out, nil
}

type memRules struct{}

func (memRules) CreateRule(_ context.Context, r domain.RecurrenceRule) (domain.RecurrenceRule, error) {
	r.ID = 1
	return r, nil
}
func (memRules) GetRule(context.Context, int64) (domain.RecurrenceRule, error) {
	return domain.RecurrenceRule{}, domain.ErrRuleNotFound
}
func (memRules) ListActiveRules(context.Context, time.Time) ([]domain.RecurrenceRule, error) {
	return nil, nil
}
func (memRules) OccurrenceStats(context.Context, int64) (domain.OccurrenceStats, error) {
	return domain.OccurrenceStats{}, nil
}

type fixture struct {
	router   chi.Router
	posts    *memPosts
	queues   *memQueues
	attempts *memAttempts
}

func newFixture() *fixture {
	posts := newMemPosts()
	queueRepo := &memQueues{queues: make(map[int64]domain.PostingQueue)}
	attempts := &memAttempts{}
	resolver := planner.NewService(time.Minute, zerolog.Nop())
	materializer := recurrence.NewService(posts, memRules{}, 0, zerolog.Nop())
	scheduler := scheduling.NewService(posts, queueRepo, memRules{}, resolver, materializer, zerolog.Nop())

	h := NewHandler(scheduler, resolver, posts, queueRepo, attempts, zerolog.Nop())
	r := chi.NewRouter()
	h.Routes(r)
	return &fixture{router: r, posts: posts, queues: queueRepo, attempts: attempts}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("кодирование запроса: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func TestCreatePostExplicitInstant(t *testing.T) {
	f := newFixture()
	local := time.Now().Add(48 * time.Hour).Format("2006-01-02T15:04:05")
	rec := f.do(t, http.MethodPost, "/api/v1/schedule/posts", map[string]any{
		"content":       map[string]any{"text": "запуск продукта"},
		"account_ids":   []int64{1, 2},
		"timezone":      "Europe/Amsterdam",
		"scheduled_for": local,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("ожидали 201, получили %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		Posts []postResponse `json:"posts"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("декодирование ответа: %v", err)
	}
	if len(resp.Posts) != 1 {
		t.Fatalf("ожидали один пост, получили %d", len(resp.Posts))
	}
	if resp.Posts[0].Status != domain.StatusScheduled {
		t.Fatalf("ожидали scheduled, получили %s", resp.Posts[0].Status)
	}
	if resp.Posts[0].Timezone != "Europe/Amsterdam" {
		t.Fatalf("ожидали нормализованный пояс, получили %q", resp.Posts[0].Timezone)
	}
}

func TestCreatePostRejectsEmptyContent(t *testing.T) {
	f := newFixture()
	rec := f.do(t, http.MethodPost, "/api/v1/schedule/posts", map[string]any{
		"content":     map[string]any{},
		"account_ids": []int64{1},
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("ожидали 400, получили %d", rec.Code)
	}
}

func TestCreatePostPastInstant(t *testing.T) {
	f := newFixture()
	local := time.Now().Add(-24 * time.Hour).Format("2006-01-02T15:04:05")
	rec := f.do(t, http.MethodPost, "/api/v1/schedule/posts", map[string]any{
		"content":       map[string]any{"text": "опоздали"},
		"account_ids":   []int64{1},
		"timezone":      "UTC",
		"scheduled_for": local,
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("ожидали 422, получили %d: %s", rec.Code, rec.Body.String())
	}
}

func TestCreatePostRejectsOffsetInInstant(t *testing.T) {
	f := newFixture()
	rec := f.do(t, http.MethodPost, "/api/v1/schedule/posts", map[string]any{
		"content":       map[string]any{"text": "пост"},
		"account_ids":   []int64{1},
		"timezone":      "UTC",
		"scheduled_for": "2030-01-01T10:00:00Z",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("время со смещением должно отклоняться: %d", rec.Code)
	}
}

func TestGetPostNotFound(t *testing.T) {
	f := newFixture()
	rec := f.do(t, http.MethodGet, "/api/v1/schedule/posts/404", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("ожидали 404, получили %d", rec.Code)
	}
}

func TestCancelDispatchingConflict(t *testing.T) {
	f := newFixture()
	created, _ := f.posts.CreatePost(context.Background(), domain.ScheduledPost{Status: domain.StatusDispatching})

	rec := f.do(t, http.MethodDelete, fmt.Sprintf("/api/v1/schedule/posts/%d", created.ID), nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("ожидали 409, получили %d", rec.Code)
	}
}

func TestReschedule(t *testing.T) {
	f := newFixture()
	created, _ := f.posts.CreatePost(context.Background(), domain.ScheduledPost{Status: domain.StatusFailed, Timezone: "UTC"})

	local := time.Now().Add(72 * time.Hour).Format("2006-01-02T15:04:05")
	rec := f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/schedule/posts/%d/reschedule", created.ID), map[string]any{
		"scheduled_for": local,
		"timezone":      "UTC",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("ожидали 200, получили %d: %s", rec.Code, rec.Body.String())
	}

	// Черновик после detach-удаления очереди тоже возвращается в план.
	draft, _ := f.posts.CreatePost(context.Background(), domain.ScheduledPost{Status: domain.StatusDraft, Timezone: "UTC"})
	rec = f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/schedule/posts/%d/reschedule", draft.ID), map[string]any{
		"scheduled_for": local,
		"timezone":      "UTC",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("перенос черновика обязан проходить, получили %d: %s", rec.Code, rec.Body.String())
	}

	scheduled, _ := f.posts.CreatePost(context.Background(), domain.ScheduledPost{Status: domain.StatusScheduled})
	rec = f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/schedule/posts/%d/reschedule", scheduled.ID), map[string]any{
		"scheduled_for": local,
		"timezone":      "UTC",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("перенос активного поста должен давать 409, получили %d", rec.Code)
	}
}

func TestListAttempts(t *testing.T) {
	f := newFixture()
	created, _ := f.posts.CreatePost(context.Background(), domain.ScheduledPost{Status: domain.StatusPublished})
	_, _ = f.attempts.RecordAttempt(context.Background(), domain.PublishAttempt{
		PostID:        created.ID,
		AccountID:     7,
		AttemptNumber: 1,
		Outcome:       domain.OutcomeSuccess,
		Latency:       120 * time.Millisecond,
	})

	rec := f.do(t, http.MethodGet, fmt.Sprintf("/api/v1/schedule/posts/%d/attempts", created.ID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("ожидали 200, получили %d", rec.Code)
	}
	var resp struct {
		Attempts []attemptResponse `json:"attempts"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("декодирование ответа: %v", err)
	}
	if len(resp.Attempts) != 1 || resp.Attempts[0].AccountID != 7 || resp.Attempts[0].LatencyMS != 120 {
		t.Fatalf("неожиданная история попыток: %+v", resp.Attempts)
	}
}

func TestCreateQueueWithSlots(t *testing.T) {
	f := newFixture()
	rec := f.do(t, http.MethodPost, "/api/v1/schedule/queues", map[string]any{
		"name":     "основная",
		"timezone": "Europe/Amsterdam",
		"slots": []map[string]any{
			{"weekday": 2, "time": "14:00"},
			{"weekday": 4, "time": "10:00"},
		},
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("ожидали 201, получили %d: %s", rec.Code, rec.Body.String())
	}
	var resp queueResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("декодирование ответа: %v", err)
	}
	if len(resp.Slots) != 2 || resp.Slots[0].Time != "14:00" {
		t.Fatalf("неожиданные слоты: %+v", resp.Slots)
	}
}

func TestCreateQueueInvalidTimezone(t *testing.T) {
	f := newFixture()
	rec := f.do(t, http.MethodPost, "/api/v1/schedule/queues", map[string]any{
		"name":     "плохая",
		"timezone": "Mars/Olympus",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("ожидали 400, получили %d", rec.Code)
	}
}

func TestDeleteQueueModeValidation(t *testing.T) {
	f := newFixture()
	f.queues.queues[1] = domain.PostingQueue{ID: 1, Timezone: "UTC"}

	rec := f.do(t, http.MethodDelete, "/api/v1/schedule/queues/1?mode=explode", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("ожидали 400 для неизвестного режима, получили %d", rec.Code)
	}
	rec = f.do(t, http.MethodDelete, "/api/v1/schedule/queues/1?mode=cancel", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("ожидали 204, получили %d", rec.Code)
	}
}

func TestReorderMapsDomainErrors(t *testing.T) {
	f := newFixture()
	f.queues.queues[1] = domain.PostingQueue{ID: 1, Timezone: "UTC"}
	f.queues.reorderErr = queues.ErrPositionOutOfRange

	rec := f.do(t, http.MethodPut, "/api/v1/schedule/queues/1/reorder", map[string]any{
		"post_id":      5,
		"new_position": 99,
	})
	if rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("ожидали 422, получили %d", rec.Code)
	}

	f.queues.reorderErr = domain.ErrPostNotFound
	rec = f.do(t, http.MethodPut, "/api/v1/schedule/queues/1/reorder", map[string]any{
		"post_id":      5,
		"new_position": 0,
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("ожидали 404, получили %d", rec.Code)
	}
}

func TestSuggestions(t *testing.T) {
	f := newFixture()
	rec := f.do(t, http.MethodPost, "/api/v1/schedule/suggestions", map[string]any{
		"limit": 1,
		"samples": []map[string]any{
			{"weekday": 2, "at": map[string]int{"hour": 14, "minute": 0}, "score": 0.9},
			{"weekday": 4, "at": map[string]int{"hour": 10, "minute": 0}, "score": 0.5},
		},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("ожидали 200, получили %d", rec.Code)
	}
	var resp struct {
		Suggestions []domain.SlotSuggestion `json:"suggestions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("декодирование ответа: %v", err)
	}
	if len(resp.Suggestions) != 1 || resp.Suggestions[0].Weekday != time.Tuesday {
		t.Fatalf("неожиданные рекомендации: %+v", resp.Suggestions)
	}
}
