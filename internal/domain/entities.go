package domain

import "time"

// PostStatus описывает состояние запланированного поста.
type PostStatus string

const (
	StatusDraft       PostStatus = "draft"
	StatusScheduled   PostStatus = "scheduled"
	StatusDispatching PostStatus = "dispatching"
	StatusPublished   PostStatus = "published"
	StatusFailed      PostStatus = "failed"
	StatusCancelled   PostStatus = "cancelled"
)

// IsTerminal сообщает, что автоматических переходов для статуса больше нет.
func (s PostStatus) IsTerminal() bool {
	return s == StatusPublished || s == StatusFailed || s == StatusCancelled
}

// PostContent хранит финальный текст поста и ссылки на медиа.
type PostContent struct {
	Text      string   `json:"text"`
	MediaRefs []string `json:"media_refs,omitempty"`
}

// ScheduledPost описывает одно конкретное намерение публикации.
type ScheduledPost struct {
	ID             int64
	PublicID       string
	Content        PostContent
	AccountIDs     []int64
	Timezone       string
	ScheduledAt    time.Time
	Status         PostStatus
	QueueID        *int64
	Position       *int
	RuleID         *int64
	SourceAnchorID *int64
	AttemptCount   int
	LastError      string
	LeaseUntil     *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// InQueue сообщает, привязан ли пост к очереди.
func (p ScheduledPost) InQueue() bool { return p.QueueID != nil }

// TimeOfDay задаёт время внутри суток.
type TimeOfDay struct {
	Hour   int `json:"hour"`
	Minute int `json:"minute"`
}

// Minutes возвращает смещение от полуночи в минутах.
func (t TimeOfDay) Minutes() int { return t.Hour*60 + t.Minute }

// Valid проверяет границы часов и минут.
func (t TimeOfDay) Valid() bool {
	return t.Hour >= 0 && t.Hour < 24 && t.Minute >= 0 && t.Minute < 60
}

// TimeSlot описывает повторяющийся недельный слот очереди.
type TimeSlot struct {
	ID        int64
	QueueID   int64
	Weekday   time.Weekday
	At        TimeOfDay
	IsActive  bool
	CreatedAt time.Time
}

// PostingQueue описывает именованную очередь с недельными слотами.
type PostingQueue struct {
	ID          int64
	Name        string
	Description string
	Timezone    string
	IsActive    bool
	Slots       []TimeSlot
	CreatedAt   time.Time
}

// ActiveSlots возвращает только активные слоты очереди.
func (q PostingQueue) ActiveSlots() []TimeSlot {
	var active []TimeSlot
	for _, slot := range q.Slots {
		if slot.IsActive {
			active = append(active, slot)
		}
	}
	return active
}

// RecurrencePattern перечисляет поддерживаемые шаблоны повторения.
type RecurrencePattern string

const (
	PatternDaily    RecurrencePattern = "daily"
	PatternWeekly   RecurrencePattern = "weekly"
	PatternBiweekly RecurrencePattern = "biweekly"
	PatternMonthly  RecurrencePattern = "monthly"
	PatternCustom   RecurrencePattern = "custom"
)

// RecurrenceRule описывает, как пост-якорь порождает будущие экземпляры.
type RecurrenceRule struct {
	ID             int64
	Pattern        RecurrencePattern
	IntervalDays   int
	EndsAt         *time.Time
	MaxOccurrences int
	AnchorPostID   int64
	CreatedAt      time.Time
}

// AttemptOutcome описывает исход одной попытки публикации.
type AttemptOutcome string

const (
	OutcomeSuccess   AttemptOutcome = "success"
	OutcomeTransient AttemptOutcome = "transient_failure"
	OutcomePermanent AttemptOutcome = "permanent_failure"
)

// PublishAttempt — неизменяемая запись одной попытки публикации.
type PublishAttempt struct {
	ID            int64
	PostID        int64
	AccountID     int64
	AttemptNumber int
	StartedAt     time.Time
	Outcome       AttemptOutcome
	Error         string
	Latency       time.Duration
}

// TargetStatus описывает состояние публикации в конкретный аккаунт.
type TargetStatus string

const (
	TargetPending   TargetStatus = "pending"
	TargetPublished TargetStatus = "published"
	TargetFailed    TargetStatus = "failed"
)

// PostTarget хранит состояние публикации поста в один целевой аккаунт.
type PostTarget struct {
	PostID        int64
	AccountID     int64
	Status        TargetStatus
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
}

// Account описывает подключённый аккаунт платформы.
type Account struct {
	ID          int64
	Platform    string
	ExternalID  string
	DisplayName string
}

// EngagementSample — агрегированная вовлечённость для пары (день, время).
type EngagementSample struct {
	Weekday time.Weekday `json:"weekday"`
	At      TimeOfDay    `json:"at"`
	Score   float64      `json:"score"`
}

// SlotSuggestion — рекомендованное время публикации.
type SlotSuggestion struct {
	Weekday time.Weekday `json:"weekday"`
	At      TimeOfDay    `json:"at"`
	Score   float64      `json:"score"`
}
