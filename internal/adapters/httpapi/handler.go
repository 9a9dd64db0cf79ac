package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	chi "github.com/go-chi/chi/v5"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/rs/zerolog"

	"smm-scheduler/internal/domain"
	"smm-scheduler/internal/usecase/planner"
	"smm-scheduler/internal/usecase/queues"
	"smm-scheduler/internal/usecase/recurrence"
	"smm-scheduler/internal/usecase/scheduling"
)

// Handler обслуживает REST API планировщика.
type Handler struct {
	scheduler *scheduling.Service
	suggester *planner.Service
	posts     domain.PostRepo
	queues    domain.QueueRepo
	attempts  domain.AttemptRepo
	log       zerolog.Logger
}

// NewHandler создаёт обработчик API.
func NewHandler(scheduler *scheduling.Service, suggester *planner.Service, posts domain.PostRepo, queueRepo domain.QueueRepo, attempts domain.AttemptRepo, log zerolog.Logger) *Handler {
	return &Handler{
		scheduler: scheduler,
		suggester: suggester,
		posts:     posts,
		queues:    queueRepo,
		attempts:  attempts,
		log:       log,
	}
}

// Routes монтирует маршруты API на роутер.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/api/v1/schedule", func(r chi.Router) {
		r.Post("/posts", h.createPost)
		r.Get("/posts/{id}", h.getPost)
		r.Delete("/posts/{id}", h.cancelPost)
		r.Post("/posts/{id}/reschedule", h.reschedulePost)
		r.Get("/posts/{id}/attempts", h.listAttempts)

		r.Get("/queues", h.listQueues)
		r.Post("/queues", h.createQueue)
		r.Delete("/queues/{id}", h.deleteQueue)
		r.Get("/queues/{id}/posts", h.listQueuePosts)
		r.Post("/queues/{id}/timeslots", h.addSlot)
		r.Patch("/queues/{id}/timeslots/{slotID}", h.patchSlot)
		r.Put("/queues/{id}/reorder", h.reorderQueue)

		r.Post("/suggestions", h.suggestTimes)
	})
}

type contentPayload struct {
	Text      string   `json:"text"`
	MediaRefs []string `json:"media_refs"`
}

type recurrencePayload struct {
	Pattern        string     `json:"pattern"`
	IntervalDays   int        `json:"interval_days"`
	EndsAt         *time.Time `json:"ends_at"`
	MaxOccurrences int        `json:"max_occurrences"`
}

type createPostRequest struct {
	Content      contentPayload     `json:"content"`
	AccountIDs   []int64            `json:"account_ids"`
	Timezone     string             `json:"timezone"`
	ScheduledFor *string            `json:"scheduled_for"`
	QueueID      *int64             `json:"queue_id"`
	Recurrence   *recurrencePayload `json:"recurrence"`
}

func (r createPostRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Content, validation.By(func(any) error {
			if r.Content.Text == "" && len(r.Content.MediaRefs) == 0 {
				return errors.New("text or media_refs is required")
			}
			return nil
		})),
		validation.Field(&r.AccountIDs, validation.Required, validation.Length(1, 0)),
		validation.Field(&r.Recurrence, validation.By(func(any) error {
			if r.Recurrence == nil {
				return nil
			}
			return validation.ValidateStruct(r.Recurrence,
				validation.Field(&r.Recurrence.Pattern, validation.Required, validation.In("daily", "weekly", "biweekly", "monthly", "custom")),
				validation.Field(&r.Recurrence.IntervalDays, validation.Min(0)),
				validation.Field(&r.Recurrence.MaxOccurrences, validation.Min(0)),
			)
		})),
	)
}

// localInstant разбирает локальное время без смещения: его смысл задаёт
// часовой пояс запроса, поэтому формат с Z или offset отклоняется.
func localInstant(value string) (time.Time, error) {
	return time.Parse("2006-01-02T15:04:05", value)
}

type postResponse struct {
	ID          int64              `json:"id"`
	PublicID    string             `json:"public_id"`
	Content     contentPayload     `json:"content"`
	AccountIDs  []int64            `json:"account_ids"`
	Timezone    string             `json:"timezone"`
	ScheduledAt time.Time          `json:"scheduled_at"`
	Status      domain.PostStatus  `json:"status"`
	QueueID     *int64             `json:"queue_id,omitempty"`
	Position    *int               `json:"position,omitempty"`
	RuleID      *int64             `json:"rule_id,omitempty"`
	Attempts    int                `json:"attempt_count"`
	LastError   string             `json:"last_error,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
}

func toPostResponse(post domain.ScheduledPost) postResponse {
	return postResponse{
		ID:          post.ID,
		PublicID:    post.PublicID,
		Content:     contentPayload{Text: post.Content.Text, MediaRefs: post.Content.MediaRefs},
		AccountIDs:  post.AccountIDs,
		Timezone:    post.Timezone,
		ScheduledAt: post.ScheduledAt,
		Status:      post.Status,
		QueueID:     post.QueueID,
		Position:    post.Position,
		RuleID:      post.RuleID,
		Attempts:    post.AttemptCount,
		LastError:   post.LastError,
		CreatedAt:   post.CreatedAt,
	}
}

func (h *Handler) createPost(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req createPostRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	params := scheduling.ScheduleParams{
		Content:    domain.PostContent{Text: req.Content.Text, MediaRefs: req.Content.MediaRefs},
		AccountIDs: req.AccountIDs,
		Timezone:   req.Timezone,
		QueueID:    req.QueueID,
	}
	if req.ScheduledFor != nil {
		local, err := localInstant(*req.ScheduledFor)
		if err != nil {
			writeError(w, http.StatusBadRequest, "scheduled_for must be local time in format 2006-01-02T15:04:05")
			return
		}
		params.ScheduledFor = &local
	}
	if req.Recurrence != nil {
		params.Recurrence = &scheduling.RecurrenceParams{
			Pattern:        domain.RecurrencePattern(req.Recurrence.Pattern),
			IntervalDays:   req.Recurrence.IntervalDays,
			EndsAt:         req.Recurrence.EndsAt,
			MaxOccurrences: req.Recurrence.MaxOccurrences,
		}
	}

	created, err := h.scheduler.Schedule(r.Context(), params)
	if err != nil {
		h.writeDomainError(w, err, "schedule post")
		return
	}
	resp := make([]postResponse, 0, len(created))
	for _, post := range created {
		resp = append(resp, toPostResponse(post))
	}
	writeJSONStatus(w, http.StatusCreated, map[string]any{"posts": resp})
}

func (h *Handler) getPost(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	post, err := h.posts.GetPost(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err, "get post")
		return
	}
	writeJSON(w, toPostResponse(post))
}

func (h *Handler) cancelPost(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := h.scheduler.Cancel(r.Context(), id); err != nil {
		h.writeDomainError(w, err, "cancel post")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type rescheduleRequest struct {
	ScheduledFor string `json:"scheduled_for"`
	Timezone     string `json:"timezone"`
}

func (r rescheduleRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.ScheduledFor, validation.Required),
		validation.Field(&r.Timezone, validation.Required),
	)
}

func (h *Handler) reschedulePost(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	defer r.Body.Close()
	var req rescheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	local, err := localInstant(req.ScheduledFor)
	if err != nil {
		writeError(w, http.StatusBadRequest, "scheduled_for must be local time in format 2006-01-02T15:04:05")
		return
	}
	post, err := h.scheduler.Reschedule(r.Context(), id, local, req.Timezone)
	if err != nil {
		h.writeDomainError(w, err, "reschedule post")
		return
	}
	writeJSON(w, toPostResponse(post))
}

type attemptResponse struct {
	AccountID     int64                 `json:"account_id"`
	AttemptNumber int                   `json:"attempt_number"`
	StartedAt     time.Time             `json:"started_at"`
	Outcome       domain.AttemptOutcome `json:"outcome"`
	Error         string                `json:"error,omitempty"`
	LatencyMS     int64                 `json:"latency_ms"`
}

func (h *Handler) listAttempts(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if _, err := h.posts.GetPost(r.Context(), id); err != nil {
		h.writeDomainError(w, err, "get post")
		return
	}
	attempts, err := h.attempts.ListAttempts(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err, "list attempts")
		return
	}
	resp := make([]attemptResponse, 0, len(attempts))
	for _, attempt := range attempts {
		resp = append(resp, attemptResponse{
			AccountID:     attempt.AccountID,
			AttemptNumber: attempt.AttemptNumber,
			StartedAt:     attempt.StartedAt,
			Outcome:       attempt.Outcome,
			Error:         attempt.Error,
			LatencyMS:     attempt.Latency.Milliseconds(),
		})
	}
	writeJSON(w, map[string]any{"attempts": resp})
}

type slotPayload struct {
	Weekday int    `json:"weekday"`
	Time    string `json:"time"`
	Active  *bool  `json:"active"`
}

type createQueueRequest struct {
	Name        string        `json:"name"`
	Description string        `json:"description"`
	Timezone    string        `json:"timezone"`
	Slots       []slotPayload `json:"slots"`
}

func (r createQueueRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.Name, validation.Required, validation.Length(1, 128)),
		validation.Field(&r.Timezone, validation.Required),
	)
}

func parseSlotTime(value string) (domain.TimeOfDay, error) {
	parsed, err := time.Parse("15:04", value)
	if err != nil {
		return domain.TimeOfDay{}, err
	}
	return domain.TimeOfDay{Hour: parsed.Hour(), Minute: parsed.Minute()}, nil
}

type slotResponse struct {
	ID      int64  `json:"id"`
	Weekday int    `json:"weekday"`
	Time    string `json:"time"`
	Active  bool   `json:"active"`
}

type queueResponse struct {
	ID          int64          `json:"id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Timezone    string         `json:"timezone"`
	Active      bool           `json:"active"`
	Slots       []slotResponse `json:"slots"`
}

func toQueueResponse(queue domain.PostingQueue) queueResponse {
	resp := queueResponse{
		ID:          queue.ID,
		Name:        queue.Name,
		Description: queue.Description,
		Timezone:    queue.Timezone,
		Active:      queue.IsActive,
		Slots:       make([]slotResponse, 0, len(queue.Slots)),
	}
	for _, slot := range queue.Slots {
		resp.Slots = append(resp.Slots, slotResponse{
			ID:      slot.ID,
			Weekday: int(slot.Weekday),
			Time:    formatSlotTime(slot.At),
			Active:  slot.IsActive,
		})
	}
	return resp
}

func formatSlotTime(at domain.TimeOfDay) string {
	return time.Date(0, 1, 1, at.Hour, at.Minute, 0, 0, time.UTC).Format("15:04")
}

func (h *Handler) listQueues(w http.ResponseWriter, r *http.Request) {
	all, err := h.queues.ListQueues(r.Context())
	if err != nil {
		h.writeDomainError(w, err, "list queues")
		return
	}
	resp := make([]queueResponse, 0, len(all))
	for _, queue := range all {
		resp = append(resp, toQueueResponse(queue))
	}
	writeJSON(w, map[string]any{"queues": resp})
}

func (h *Handler) createQueue(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req createQueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if _, _, err := h.suggester.Location(req.Timezone); err != nil {
		writeError(w, http.StatusBadRequest, "invalid timezone")
		return
	}

	queue := domain.PostingQueue{
		Name:        req.Name,
		Description: req.Description,
		Timezone:    req.Timezone,
		IsActive:    true,
	}
	for _, payload := range req.Slots {
		at, err := parseSlotTime(payload.Time)
		if err != nil {
			writeError(w, http.StatusBadRequest, "slot time must be in format 15:04")
			return
		}
		if payload.Weekday < 0 || payload.Weekday > 6 {
			writeError(w, http.StatusBadRequest, "slot weekday must be 0..6")
			return
		}
		active := true
		if payload.Active != nil {
			active = *payload.Active
		}
		queue.Slots = append(queue.Slots, domain.TimeSlot{
			Weekday:  time.Weekday(payload.Weekday),
			At:       at,
			IsActive: active,
		})
	}

	created, err := h.queues.CreateQueue(r.Context(), queue)
	if err != nil {
		h.writeDomainError(w, err, "create queue")
		return
	}
	writeJSONStatus(w, http.StatusCreated, toQueueResponse(created))
}

func (h *Handler) deleteQueue(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	mode := domain.QueueDeleteMode(r.URL.Query().Get("mode"))
	switch mode {
	case "", domain.QueueDeleteDetach:
		mode = domain.QueueDeleteDetach
	case domain.QueueDeleteCancel:
	default:
		writeError(w, http.StatusBadRequest, "mode must be detach or cancel")
		return
	}
	if err := h.queues.DeleteQueue(r.Context(), id, mode); err != nil {
		h.writeDomainError(w, err, "delete queue")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listQueuePosts(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if _, err := h.queues.GetQueue(r.Context(), id); err != nil {
		h.writeDomainError(w, err, "get queue")
		return
	}
	posts, err := h.queues.ListQueuePosts(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err, "list queue posts")
		return
	}
	resp := make([]postResponse, 0, len(posts))
	for _, post := range posts {
		resp = append(resp, toPostResponse(post))
	}
	writeJSON(w, map[string]any{"posts": resp})
}

func (h *Handler) addSlot(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	defer r.Body.Close()
	var payload slotPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	at, err := parseSlotTime(payload.Time)
	if err != nil {
		writeError(w, http.StatusBadRequest, "slot time must be in format 15:04")
		return
	}
	if payload.Weekday < 0 || payload.Weekday > 6 {
		writeError(w, http.StatusBadRequest, "slot weekday must be 0..6")
		return
	}
	if _, err := h.queues.GetQueue(r.Context(), id); err != nil {
		h.writeDomainError(w, err, "get queue")
		return
	}
	active := true
	if payload.Active != nil {
		active = *payload.Active
	}
	created, err := h.queues.AddSlot(r.Context(), domain.TimeSlot{
		QueueID:  id,
		Weekday:  time.Weekday(payload.Weekday),
		At:       at,
		IsActive: active,
	})
	if err != nil {
		h.writeDomainError(w, err, "add slot")
		return
	}
	writeJSONStatus(w, http.StatusCreated, slotResponse{
		ID:      created.ID,
		Weekday: int(created.Weekday),
		Time:    formatSlotTime(created.At),
		Active:  created.IsActive,
	})
}

type patchSlotRequest struct {
	Active *bool `json:"active"`
}

func (h *Handler) patchSlot(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	slotID, err := strconv.ParseInt(chi.URLParam(r, "slotID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid slot id")
		return
	}
	defer r.Body.Close()
	var req patchSlotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Active == nil {
		writeError(w, http.StatusBadRequest, "active is required")
		return
	}
	if err := h.queues.SetSlotActive(r.Context(), id, slotID, *req.Active); err != nil {
		h.writeDomainError(w, err, "patch slot")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type reorderRequest struct {
	PostID      int64 `json:"post_id"`
	NewPosition int   `json:"new_position"`
}

func (r reorderRequest) Validate() error {
	return validation.ValidateStruct(&r,
		validation.Field(&r.PostID, validation.Required),
		validation.Field(&r.NewPosition, validation.Min(0)),
	)
}

func (h *Handler) reorderQueue(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	defer r.Body.Close()
	var req reorderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := h.queues.Reorder(r.Context(), id, req.PostID, req.NewPosition); err != nil {
		h.writeDomainError(w, err, "reorder queue")
		return
	}
	posts, err := h.queues.ListQueuePosts(r.Context(), id)
	if err != nil {
		h.writeDomainError(w, err, "list queue posts")
		return
	}
	resp := make([]postResponse, 0, len(posts))
	for _, post := range posts {
		resp = append(resp, toPostResponse(post))
	}
	writeJSON(w, map[string]any{"posts": resp})
}

type suggestionsRequest struct {
	Samples []domain.EngagementSample `json:"samples"`
	Limit   int                       `json:"limit"`
}

func (h *Handler) suggestTimes(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req suggestionsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	suggestions := h.suggester.SuggestOptimalTimes(req.Samples)
	if req.Limit > 0 && req.Limit < len(suggestions) {
		suggestions = suggestions[:req.Limit]
	}
	writeJSON(w, map[string]any{"suggestions": suggestions})
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

// writeDomainError сводит доменные ошибки к HTTP-статусам.
func (h *Handler) writeDomainError(w http.ResponseWriter, err error, op string) {
	switch {
	case errors.Is(err, domain.ErrPostNotFound),
		errors.Is(err, domain.ErrQueueNotFound),
		errors.Is(err, domain.ErrSlotNotFound),
		errors.Is(err, domain.ErrRuleNotFound),
		errors.Is(err, domain.ErrAccountNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, scheduling.ErrNotCancellable),
		errors.Is(err, scheduling.ErrNotReschedulable),
		errors.Is(err, domain.ErrStateConflict),
		errors.Is(err, queues.ErrPostNotReorderable):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, planner.ErrInvalidTimezone),
		errors.Is(err, planner.ErrPastInstant),
		errors.Is(err, scheduling.ErrNoTargetAccounts),
		errors.Is(err, scheduling.ErrNoInstant),
		errors.Is(err, recurrence.ErrInvalidRule),
		errors.Is(err, queues.ErrNoActiveSlots),
		errors.Is(err, queues.ErrPositionOutOfRange):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		h.log.Error().Err(err).Str("op", op).Msg("api: internal error")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONStatus(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": msg})
}
