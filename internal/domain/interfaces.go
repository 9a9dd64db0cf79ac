package domain

import (
	"context"
	"time"
)

// QueueDeleteMode задаёт политику для постов удаляемой очереди.
type QueueDeleteMode string

const (
	// QueueDeleteDetach возвращает посты в черновики без привязки к очереди.
	QueueDeleteDetach QueueDeleteMode = "detach"
	// QueueDeleteCancel отменяет все ещё не отправленные посты очереди.
	QueueDeleteCancel QueueDeleteMode = "cancel"
)

// PostRepo управляет запланированными постами.
type PostRepo interface {
	CreatePost(ctx context.Context, post ScheduledPost) (ScheduledPost, error)
	CreatePosts(ctx context.Context, posts []ScheduledPost) ([]ScheduledPost, error)
	GetPost(ctx context.Context, id int64) (ScheduledPost, error)
	ListByAnchor(ctx context.Context, anchorID int64) ([]ScheduledPost, error)
	CancelPost(ctx context.Context, id int64) error
	ReschedulePost(ctx context.Context, id int64, at time.Time) error
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// QueueRepo управляет очередями, их слотами и порядком постов.
type QueueRepo interface {
	CreateQueue(ctx context.Context, queue PostingQueue) (PostingQueue, error)
	GetQueue(ctx context.Context, id int64) (PostingQueue, error)
	ListQueues(ctx context.Context) ([]PostingQueue, error)
	DeleteQueue(ctx context.Context, id int64, mode QueueDeleteMode) error
	AddSlot(ctx context.Context, slot TimeSlot) (TimeSlot, error)
	SetSlotActive(ctx context.Context, queueID, slotID int64, active bool) error
	ListQueuePosts(ctx context.Context, queueID int64) ([]ScheduledPost, error)
	EnqueuePost(ctx context.Context, queueID int64, post ScheduledPost) (ScheduledPost, error)
	Reorder(ctx context.Context, queueID, postID int64, newPosition int) error
	QueueDepths(ctx context.Context) (map[string]int, error)
}

// DispatchRepo обслуживает поллер: выборка, захват и итоги публикаций.
type DispatchRepo interface {
	ListDuePosts(ctx context.Context, now time.Time, limit int) ([]ScheduledPost, error)
	ClaimPost(ctx context.Context, id int64, leaseUntil time.Time) error
	ReleaseLease(ctx context.Context, postID int64) error
	ListDueTargets(ctx context.Context, postID int64, now time.Time) ([]PostTarget, error)
	UpdateTarget(ctx context.Context, target PostTarget) error
	FinalizePost(ctx context.Context, postID int64) (PostStatus, bool, error)
	GetAccounts(ctx context.Context, ids []int64) ([]Account, error)
}

// AttemptRepo хранит историю попыток публикации.
type AttemptRepo interface {
	RecordAttempt(ctx context.Context, attempt PublishAttempt) (PublishAttempt, error)
	ListAttempts(ctx context.Context, postID int64) ([]PublishAttempt, error)
}

// RecurrenceRepo управляет правилами повторения.
type RecurrenceRepo interface {
	CreateRule(ctx context.Context, rule RecurrenceRule) (RecurrenceRule, error)
	GetRule(ctx context.Context, id int64) (RecurrenceRule, error)
	ListActiveRules(ctx context.Context, now time.Time) ([]RecurrenceRule, error)
	OccurrenceStats(ctx context.Context, ruleID int64) (OccurrenceStats, error)
}

// OccurrenceStats — сколько экземпляров правила уже материализовано.
type OccurrenceStats struct {
	Count int
	Last  time.Time
}

// QueuePlanner — чистые алгоритмы раскладки очереди: выбор слота,
// перенумерация позиций и пересчёт времён. Реализация не трогает хранилище,
// поэтому репозиторий может вызывать её внутри своей транзакции.
type QueuePlanner interface {
	AssignNextSlot(queue PostingQueue, taken []time.Time, now time.Time) (TimeSlot, time.Time, error)
	Renumber(posts []ScheduledPost, postID int64, newPosition int) ([]ScheduledPost, error)
	ReplanInstants(queue PostingQueue, posts []ScheduledPost, now time.Time) ([]ScheduledPost, error)
}

// PublishOutcome — результат вызова коннектора платформы.
type PublishOutcome struct {
	Kind   AttemptOutcome
	Reason string
}

// PlatformConnector публикует контент в аккаунт одной платформы.
// Таймаут вызова коннектор обязан трактовать как transient-исход.
type PlatformConnector interface {
	Publish(ctx context.Context, account Account, content PostContent) PublishOutcome
}

// DispatchQueue передаёт захваченные посты воркерам публикации.
type DispatchQueue interface {
	Enqueue(ctx context.Context, job DispatchJob) error
	Pop(ctx context.Context) (DispatchJob, error)
}

// Cache используется для простых TTL-хранилищ.
type Cache interface {
	Once(key string, ttl time.Duration, fn func() error) error
	Set(key string, value []byte, ttl time.Duration) error
	Get(key string) ([]byte, error)
}
