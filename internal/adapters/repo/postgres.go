package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"smm-scheduler/internal/domain"
	"smm-scheduler/internal/infra/metrics"
)

// Postgres реализует репозитории на основе pgxpool.
type Postgres struct {
	pool    *pgxpool.Pool
	planner domain.QueuePlanner
}

var (
	_ domain.PostRepo       = (*Postgres)(nil)
	_ domain.QueueRepo      = (*Postgres)(nil)
	_ domain.DispatchRepo   = (*Postgres)(nil)
	_ domain.AttemptRepo    = (*Postgres)(nil)
	_ domain.RecurrenceRepo = (*Postgres)(nil)
)

const postColumns = `id, public_id, content, account_ids, tz, scheduled_at, status, queue_id, position, rule_id, source_anchor_id, attempt_count, last_error, lease_until, created_at, updated_at`

// NewPostgres создаёт адаптер БД. Планировщик очереди вызывается внутри
// транзакций, удерживающих advisory-блокировку очереди.
func NewPostgres(pool *pgxpool.Pool, planner domain.QueuePlanner) *Postgres {
	return &Postgres{pool: pool, planner: planner}
}

func (p *Postgres) connCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 5*time.Second)
}

func (p *Postgres) connCtxWithParent(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		return p.connCtx()
	}
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

func scanPost(row pgx.Row) (domain.ScheduledPost, error) {
	var (
		post       domain.ScheduledPost
		content    []byte
		queueID    sql.NullInt64
		position   sql.NullInt32
		ruleID     sql.NullInt64
		anchorID   sql.NullInt64
		lastError  sql.NullString
		leaseUntil sql.NullTime
	)
	err := row.Scan(&post.ID, &post.PublicID, &content, &post.AccountIDs, &post.Timezone, &post.ScheduledAt, &post.Status, &queueID, &position, &ruleID, &anchorID, &post.AttemptCount, &lastError, &leaseUntil, &post.CreatedAt, &post.UpdatedAt)
	if err != nil {
		return domain.ScheduledPost{}, err
	}
	if len(content) > 0 {
		if err := json.Unmarshal(content, &post.Content); err != nil {
			return domain.ScheduledPost{}, fmt.Errorf("decode content: %w", err)
		}
	}
	if queueID.Valid {
		id := queueID.Int64
		post.QueueID = &id
	}
	if position.Valid {
		pos := int(position.Int32)
		post.Position = &pos
	}
	if ruleID.Valid {
		id := ruleID.Int64
		post.RuleID = &id
	}
	if anchorID.Valid {
		id := anchorID.Int64
		post.SourceAnchorID = &id
	}
	if lastError.Valid {
		post.LastError = lastError.String
	}
	if leaseUntil.Valid {
		ts := leaseUntil.Time
		post.LeaseUntil = &ts
	}
	return post, nil
}

func postInsertArgs(post domain.ScheduledPost) ([]any, error) {
	content, err := json.Marshal(post.Content)
	if err != nil {
		return nil, fmt.Errorf("encode content: %w", err)
	}
	var queueID any
	if post.QueueID != nil {
		queueID = *post.QueueID
	}
	var position any
	if post.Position != nil {
		position = *post.Position
	}
	var ruleID any
	if post.RuleID != nil {
		ruleID = *post.RuleID
	}
	var anchorID any
	if post.SourceAnchorID != nil {
		anchorID = *post.SourceAnchorID
	}
	return []any{post.PublicID, content, post.AccountIDs, post.Timezone, post.ScheduledAt, post.Status, queueID, position, ruleID, anchorID}, nil
}

const postInsertSQL = `
INSERT INTO scheduled_posts (public_id, content, account_ids, tz, scheduled_at, status, queue_id, position, rule_id, source_anchor_id)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
RETURNING ` + postColumns

// CreatePost сохраняет один пост.
func (p *Postgres) CreatePost(ctx context.Context, post domain.ScheduledPost) (domain.ScheduledPost, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	args, err := postInsertArgs(post)
	if err != nil {
		return domain.ScheduledPost{}, err
	}
	start := time.Now()
	created, err := scanPost(p.pool.QueryRow(ctx, postInsertSQL, args...))
	metrics.ObserveNetworkRequest("postgres", "posts_insert", "scheduled_posts", start, err)
	return created, err
}

// CreatePosts сохраняет посты батчем.
func (p *Postgres) CreatePosts(ctx context.Context, posts []domain.ScheduledPost) ([]domain.ScheduledPost, error) {
	if len(posts) == 0 {
		return nil, nil
	}
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	batch := &pgx.Batch{}
	for _, post := range posts {
		args, err := postInsertArgs(post)
		if err != nil {
			return nil, err
		}
		batch.Queue(postInsertSQL, args...)
	}
	start := time.Now()
	br := p.pool.SendBatch(ctx, batch)
	metrics.ObserveNetworkRequest("postgres", "posts_send_batch", "scheduled_posts", start, nil)
	defer br.Close()

	created := make([]domain.ScheduledPost, 0, len(posts))
	for range posts {
		start = time.Now()
		post, err := scanPost(br.QueryRow())
		metrics.ObserveNetworkRequest("postgres", "posts_batch_insert", "scheduled_posts", start, err)
		if err != nil {
			return nil, err
		}
		created = append(created, post)
	}
	return created, nil
}

// GetPost возвращает пост по ID.
func (p *Postgres) GetPost(ctx context.Context, id int64) (domain.ScheduledPost, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	post, err := scanPost(p.pool.QueryRow(ctx, `SELECT `+postColumns+` FROM scheduled_posts WHERE id=$1`, id))
	metrics.ObserveNetworkRequest("postgres", "posts_get", "scheduled_posts", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ScheduledPost{}, domain.ErrPostNotFound
	}
	return post, err
}

// ListByAnchor возвращает экземпляры, порождённые постом-якорем.
func (p *Postgres) ListByAnchor(ctx context.Context, anchorID int64) ([]domain.ScheduledPost, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT `+postColumns+`
FROM scheduled_posts WHERE source_anchor_id=$1
ORDER BY scheduled_at
`, anchorID)
	metrics.ObserveNetworkRequest("postgres", "posts_list_by_anchor", "scheduled_posts", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPosts(rows)
}

func collectPosts(rows pgx.Rows) ([]domain.ScheduledPost, error) {
	var posts []domain.ScheduledPost
	for rows.Next() {
		post, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		posts = append(posts, post)
	}
	return posts, rows.Err()
}

// CancelPost отменяет пост. CAS по статусу scheduled: начатую отправку
// отменить нельзя. Пост, стоявший в очереди, покидает её так же, как при
// захвате: позиция снимается, хвост сдвигается на освободившееся место,
// чтобы отменённый пост не участвовал в перепланировках.
func (p *Postgres) CancelPost(ctx context.Context, id int64) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	metrics.ObserveNetworkRequest("postgres", "begin_tx", "scheduled_posts", start, err)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var (
		queueID  sql.NullInt64
		position sql.NullInt32
	)
	start = time.Now()
	err = tx.QueryRow(ctx, `
UPDATE scheduled_posts
SET status=$2, updated_at=now()
WHERE id=$1 AND status=$3
RETURNING queue_id, position
`, id, domain.StatusCancelled, domain.StatusScheduled).Scan(&queueID, &position)
	metrics.ObserveNetworkRequest("postgres", "posts_cancel", "scheduled_posts", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return p.postConflict(ctx, id)
	}
	if err != nil {
		return err
	}

	if queueID.Valid && position.Valid {
		if err := lockQueue(ctx, tx, queueID.Int64); err != nil {
			return err
		}
		start = time.Now()
		_, err = tx.Exec(ctx, `
UPDATE scheduled_posts SET position=NULL WHERE id=$1
`, id)
		metrics.ObserveNetworkRequest("postgres", "posts_clear_position", "scheduled_posts", start, err)
		if err != nil {
			return err
		}
		start = time.Now()
		_, err = tx.Exec(ctx, `
UPDATE scheduled_posts SET position=position-1 WHERE queue_id=$1 AND position > $2
`, queueID.Int64, position.Int32)
		metrics.ObserveNetworkRequest("postgres", "queue_positions_compact", "scheduled_posts", start, err)
		if err != nil {
			return err
		}
	}

	start = time.Now()
	err = tx.Commit(ctx)
	metrics.ObserveNetworkRequest("postgres", "commit", "scheduled_posts", start, err)
	return err
}

// postConflict различает отсутствие поста и конфликт статуса.
func (p *Postgres) postConflict(ctx context.Context, id int64) error {
	var exists bool
	start := time.Now()
	err := p.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM scheduled_posts WHERE id=$1)`, id).Scan(&exists)
	metrics.ObserveNetworkRequest("postgres", "posts_exists", "scheduled_posts", start, err)
	if err != nil {
		return err
	}
	if !exists {
		return domain.ErrPostNotFound
	}
	return domain.ErrStateConflict
}

// ReschedulePost возвращает пост в план на новое время. Допустимы два
// исходных статуса: failed и draft (пост, отвязанный при удалении очереди).
// Цели публикации, не дошедшие до успеха, сбрасываются для повторной отправки.
func (p *Postgres) ReschedulePost(ctx context.Context, id int64, at time.Time) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	metrics.ObserveNetworkRequest("postgres", "begin_tx", "scheduled_posts", start, err)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	start = time.Now()
	tag, err := tx.Exec(ctx, `
UPDATE scheduled_posts
SET status=$3, scheduled_at=$2, attempt_count=0, last_error=NULL, lease_until=NULL, updated_at=now()
WHERE id=$1 AND status = ANY($4)
`, id, at, domain.StatusScheduled, []string{string(domain.StatusFailed), string(domain.StatusDraft)})
	metrics.ObserveNetworkRequest("postgres", "posts_reschedule", "scheduled_posts", start, err)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return p.postConflict(ctx, id)
	}

	start = time.Now()
	_, err = tx.Exec(ctx, `
UPDATE post_targets
SET status=$2, attempts=0, next_attempt_at=to_timestamp(0), last_error=NULL
WHERE post_id=$1 AND status <> $3
`, id, domain.TargetPending, domain.TargetPublished)
	metrics.ObserveNetworkRequest("postgres", "post_targets_reset", "post_targets", start, err)
	if err != nil {
		return err
	}

	start = time.Now()
	err = tx.Commit(ctx)
	metrics.ObserveNetworkRequest("postgres", "commit", "scheduled_posts", start, err)
	return err
}

// DeleteTerminalBefore удаляет терминальные посты старше отметки.
func (p *Postgres) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
DELETE FROM scheduled_posts
WHERE status = ANY($1) AND updated_at < $2
`, []string{string(domain.StatusPublished), string(domain.StatusFailed), string(domain.StatusCancelled)}, cutoff)
	metrics.ObserveNetworkRequest("postgres", "posts_delete_terminal", "scheduled_posts", start, err)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// CreateQueue сохраняет очередь вместе с начальными слотами.
func (p *Postgres) CreateQueue(ctx context.Context, queue domain.PostingQueue) (domain.PostingQueue, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	metrics.ObserveNetworkRequest("postgres", "begin_tx", "posting_queues", start, err)
	if err != nil {
		return domain.PostingQueue{}, err
	}
	defer tx.Rollback(ctx)

	var created domain.PostingQueue
	start = time.Now()
	err = tx.QueryRow(ctx, `
INSERT INTO posting_queues (name, description, tz, is_active)
VALUES ($1, NULLIF($2,''), $3, $4)
RETURNING id, name, COALESCE(description,''), tz, is_active, created_at
`, queue.Name, queue.Description, queue.Timezone, queue.IsActive).Scan(&created.ID, &created.Name, &created.Description, &created.Timezone, &created.IsActive, &created.CreatedAt)
	metrics.ObserveNetworkRequest("postgres", "queues_insert", "posting_queues", start, err)
	if err != nil {
		return domain.PostingQueue{}, err
	}

	for _, slot := range queue.Slots {
		var saved domain.TimeSlot
		start = time.Now()
		err = tx.QueryRow(ctx, `
INSERT INTO time_slots (queue_id, weekday, minute_of_day, is_active)
VALUES ($1,$2,$3,$4)
RETURNING id, queue_id, weekday, minute_of_day, is_active, created_at
`, created.ID, int(slot.Weekday), slot.At.Minutes(), slot.IsActive).Scan(&saved.ID, &saved.QueueID, scanWeekday(&saved.Weekday), scanMinuteOfDay(&saved.At), &saved.IsActive, &saved.CreatedAt)
		metrics.ObserveNetworkRequest("postgres", "time_slots_insert", "time_slots", start, err)
		if err != nil {
			return domain.PostingQueue{}, err
		}
		created.Slots = append(created.Slots, saved)
	}

	start = time.Now()
	err = tx.Commit(ctx)
	metrics.ObserveNetworkRequest("postgres", "commit", "posting_queues", start, err)
	if err != nil {
		return domain.PostingQueue{}, err
	}
	return created, nil
}

// scanWeekday адаптирует int-колонку под time.Weekday.
func scanWeekday(dst *time.Weekday) *weekdayScanner { return &weekdayScanner{dst: dst} }

type weekdayScanner struct{ dst *time.Weekday }

func (s *weekdayScanner) Scan(src any) error {
	switch v := src.(type) {
	case int64:
		*s.dst = time.Weekday(v)
		return nil
	case int32:
		*s.dst = time.Weekday(v)
		return nil
	default:
		return fmt.Errorf("unexpected weekday type %T", src)
	}
}

// scanMinuteOfDay адаптирует минуты от полуночи под domain.TimeOfDay.
func scanMinuteOfDay(dst *domain.TimeOfDay) *minuteScanner { return &minuteScanner{dst: dst} }

type minuteScanner struct{ dst *domain.TimeOfDay }

func (s *minuteScanner) Scan(src any) error {
	var minutes int
	switch v := src.(type) {
	case int64:
		minutes = int(v)
	case int32:
		minutes = int(v)
	default:
		return fmt.Errorf("unexpected minute type %T", src)
	}
	s.dst.Hour = minutes / 60
	s.dst.Minute = minutes % 60
	return nil
}

// GetQueue возвращает очередь со слотами.
func (p *Postgres) GetQueue(ctx context.Context, id int64) (domain.PostingQueue, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()
	return p.getQueue(ctx, p.pool, id)
}

func (p *Postgres) getQueue(ctx context.Context, q interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}, id int64) (domain.PostingQueue, error) {
	var queue domain.PostingQueue
	start := time.Now()
	err := q.QueryRow(ctx, `
SELECT id, name, COALESCE(description,''), tz, is_active, created_at
FROM posting_queues WHERE id=$1
`, id).Scan(&queue.ID, &queue.Name, &queue.Description, &queue.Timezone, &queue.IsActive, &queue.CreatedAt)
	metrics.ObserveNetworkRequest("postgres", "queues_get", "posting_queues", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.PostingQueue{}, domain.ErrQueueNotFound
	}
	if err != nil {
		return domain.PostingQueue{}, err
	}

	start = time.Now()
	rows, err := q.Query(ctx, `
SELECT id, queue_id, weekday, minute_of_day, is_active, created_at
FROM time_slots WHERE queue_id=$1
ORDER BY weekday, minute_of_day
`, id)
	metrics.ObserveNetworkRequest("postgres", "time_slots_list", "time_slots", start, err)
	if err != nil {
		return domain.PostingQueue{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var slot domain.TimeSlot
		if err := rows.Scan(&slot.ID, &slot.QueueID, scanWeekday(&slot.Weekday), scanMinuteOfDay(&slot.At), &slot.IsActive, &slot.CreatedAt); err != nil {
			return domain.PostingQueue{}, err
		}
		queue.Slots = append(queue.Slots, slot)
	}
	return queue, rows.Err()
}

// ListQueues возвращает все очереди со слотами.
func (p *Postgres) ListQueues(ctx context.Context) ([]domain.PostingQueue, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, name, COALESCE(description,''), tz, is_active, created_at
FROM posting_queues ORDER BY id
`)
	metrics.ObserveNetworkRequest("postgres", "queues_list", "posting_queues", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var queues []domain.PostingQueue
	for rows.Next() {
		var queue domain.PostingQueue
		if err := rows.Scan(&queue.ID, &queue.Name, &queue.Description, &queue.Timezone, &queue.IsActive, &queue.CreatedAt); err != nil {
			return nil, err
		}
		queues = append(queues, queue)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	start = time.Now()
	slotRows, err := p.pool.Query(ctx, `
SELECT id, queue_id, weekday, minute_of_day, is_active, created_at
FROM time_slots ORDER BY queue_id, weekday, minute_of_day
`)
	metrics.ObserveNetworkRequest("postgres", "time_slots_list_all", "time_slots", start, err)
	if err != nil {
		return nil, err
	}
	defer slotRows.Close()
	byQueue := make(map[int64][]domain.TimeSlot)
	for slotRows.Next() {
		var slot domain.TimeSlot
		if err := slotRows.Scan(&slot.ID, &slot.QueueID, scanWeekday(&slot.Weekday), scanMinuteOfDay(&slot.At), &slot.IsActive, &slot.CreatedAt); err != nil {
			return nil, err
		}
		byQueue[slot.QueueID] = append(byQueue[slot.QueueID], slot)
	}
	if err := slotRows.Err(); err != nil {
		return nil, err
	}
	for i := range queues {
		queues[i].Slots = byQueue[queues[i].ID]
	}
	return queues, nil
}

// DeleteQueue удаляет очередь: её посты либо возвращаются в черновики, либо отменяются.
func (p *Postgres) DeleteQueue(ctx context.Context, id int64, mode domain.QueueDeleteMode) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	metrics.ObserveNetworkRequest("postgres", "begin_tx", "posting_queues", start, err)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := lockQueue(ctx, tx, id); err != nil {
		return err
	}

	switch mode {
	case domain.QueueDeleteCancel:
		start = time.Now()
		_, err = tx.Exec(ctx, `
UPDATE scheduled_posts
SET status=$2, queue_id=NULL, position=NULL, updated_at=now()
WHERE queue_id=$1 AND status=$3
`, id, domain.StatusCancelled, domain.StatusScheduled)
		metrics.ObserveNetworkRequest("postgres", "queue_posts_cancel", "scheduled_posts", start, err)
	default:
		start = time.Now()
		_, err = tx.Exec(ctx, `
UPDATE scheduled_posts
SET status=$2, queue_id=NULL, position=NULL, updated_at=now()
WHERE queue_id=$1 AND status=$3
`, id, domain.StatusDraft, domain.StatusScheduled)
		metrics.ObserveNetworkRequest("postgres", "queue_posts_detach", "scheduled_posts", start, err)
	}
	if err != nil {
		return err
	}

	// Посты в полёте и терминальные теряют только привязку к очереди.
	start = time.Now()
	_, err = tx.Exec(ctx, `
UPDATE scheduled_posts SET queue_id=NULL, position=NULL, updated_at=now() WHERE queue_id=$1
`, id)
	metrics.ObserveNetworkRequest("postgres", "queue_posts_unlink", "scheduled_posts", start, err)
	if err != nil {
		return err
	}

	start = time.Now()
	tag, err := tx.Exec(ctx, `DELETE FROM posting_queues WHERE id=$1`, id)
	metrics.ObserveNetworkRequest("postgres", "queues_delete", "posting_queues", start, err)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrQueueNotFound
	}

	start = time.Now()
	err = tx.Commit(ctx)
	metrics.ObserveNetworkRequest("postgres", "commit", "posting_queues", start, err)
	return err
}

// AddSlot добавляет слот в очередь.
func (p *Postgres) AddSlot(ctx context.Context, slot domain.TimeSlot) (domain.TimeSlot, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var saved domain.TimeSlot
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
INSERT INTO time_slots (queue_id, weekday, minute_of_day, is_active)
VALUES ($1,$2,$3,$4)
RETURNING id, queue_id, weekday, minute_of_day, is_active, created_at
`, slot.QueueID, int(slot.Weekday), slot.At.Minutes(), slot.IsActive).Scan(&saved.ID, &saved.QueueID, scanWeekday(&saved.Weekday), scanMinuteOfDay(&saved.At), &saved.IsActive, &saved.CreatedAt)
	metrics.ObserveNetworkRequest("postgres", "time_slots_insert", "time_slots", start, err)
	if err != nil && strings.Contains(err.Error(), "fk_time_slots_queue") {
		return domain.TimeSlot{}, domain.ErrQueueNotFound
	}
	return saved, err
}

// SetSlotActive включает или выключает слот.
func (p *Postgres) SetSlotActive(ctx context.Context, queueID, slotID int64, active bool) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
UPDATE time_slots SET is_active=$3 WHERE id=$2 AND queue_id=$1
`, queueID, slotID, active)
	metrics.ObserveNetworkRequest("postgres", "time_slots_set_active", "time_slots", start, err)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrSlotNotFound
	}
	return nil
}

// ListQueuePosts возвращает посты очереди в порядке позиций.
func (p *Postgres) ListQueuePosts(ctx context.Context, queueID int64) ([]domain.ScheduledPost, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT `+postColumns+`
FROM scheduled_posts WHERE queue_id=$1
ORDER BY position
`, queueID)
	metrics.ObserveNetworkRequest("postgres", "queue_posts_list", "scheduled_posts", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPosts(rows)
}

func lockQueue(ctx context.Context, tx pgx.Tx, queueID int64) error {
	start := time.Now()
	_, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, queueID)
	metrics.ObserveNetworkRequest("postgres", "queue_advisory_lock", "posting_queues", start, err)
	return err
}

// EnqueuePost добавляет пост в хвост очереди, назначая ему следующий
// свободный слот. Раскладка выполняется под advisory-блокировкой очереди.
func (p *Postgres) EnqueuePost(ctx context.Context, queueID int64, post domain.ScheduledPost) (domain.ScheduledPost, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	metrics.ObserveNetworkRequest("postgres", "begin_tx", "scheduled_posts", start, err)
	if err != nil {
		return domain.ScheduledPost{}, err
	}
	defer tx.Rollback(ctx)

	if err := lockQueue(ctx, tx, queueID); err != nil {
		return domain.ScheduledPost{}, err
	}

	queue, err := p.getQueue(ctx, tx, queueID)
	if err != nil {
		return domain.ScheduledPost{}, err
	}

	start = time.Now()
	rows, err := tx.Query(ctx, `
SELECT scheduled_at, COALESCE(position, -1)
FROM scheduled_posts
WHERE queue_id=$1 AND status = ANY($2)
`, queueID, []string{string(domain.StatusScheduled), string(domain.StatusDispatching)})
	metrics.ObserveNetworkRequest("postgres", "queue_posts_taken", "scheduled_posts", start, err)
	if err != nil {
		return domain.ScheduledPost{}, err
	}
	var (
		taken   []time.Time
		maxPos  = -1
		scanErr error
	)
	for rows.Next() {
		var (
			at  time.Time
			pos int
		)
		if scanErr = rows.Scan(&at, &pos); scanErr != nil {
			break
		}
		taken = append(taken, at)
		if pos > maxPos {
			maxPos = pos
		}
	}
	rows.Close()
	if scanErr != nil {
		return domain.ScheduledPost{}, scanErr
	}
	if err := rows.Err(); err != nil {
		return domain.ScheduledPost{}, err
	}

	_, instant, err := p.planner.AssignNextSlot(queue, taken, time.Now().UTC())
	if err != nil {
		return domain.ScheduledPost{}, err
	}

	position := maxPos + 1
	post.QueueID = &queueID
	post.Position = &position
	post.Timezone = queue.Timezone
	post.ScheduledAt = instant

	args, err := postInsertArgs(post)
	if err != nil {
		return domain.ScheduledPost{}, err
	}
	start = time.Now()
	created, err := scanPost(tx.QueryRow(ctx, postInsertSQL, args...))
	metrics.ObserveNetworkRequest("postgres", "posts_enqueue", "scheduled_posts", start, err)
	if err != nil {
		return domain.ScheduledPost{}, err
	}

	start = time.Now()
	err = tx.Commit(ctx)
	metrics.ObserveNetworkRequest("postgres", "commit", "scheduled_posts", start, err)
	if err != nil {
		return domain.ScheduledPost{}, err
	}
	return created, nil
}

// QueueDepths возвращает по каждой очереди число ожидающих постов.
// Срез используется для гейджа глубины: посты, покинувшие очередь любым
// путём, в нём уже не участвуют.
func (p *Postgres) QueueDepths(ctx context.Context) (map[string]int, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT q.name, COUNT(sp.id)
FROM posting_queues q
LEFT JOIN scheduled_posts sp ON sp.queue_id=q.id AND sp.position IS NOT NULL
GROUP BY q.name
`)
	metrics.ObserveNetworkRequest("postgres", "queue_depths", "posting_queues", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	depths := make(map[string]int)
	for rows.Next() {
		var (
			name  string
			depth int
		)
		if err := rows.Scan(&name, &depth); err != nil {
			return nil, err
		}
		depths[name] = depth
	}
	return depths, rows.Err()
}

// Reorder перемещает пост на новую позицию и пересчитывает времена всей очереди.
func (p *Postgres) Reorder(ctx context.Context, queueID, postID int64, newPosition int) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	metrics.ObserveNetworkRequest("postgres", "begin_tx", "scheduled_posts", start, err)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := lockQueue(ctx, tx, queueID); err != nil {
		return err
	}

	queue, err := p.getQueue(ctx, tx, queueID)
	if err != nil {
		return err
	}

	start = time.Now()
	rows, err := tx.Query(ctx, `
SELECT `+postColumns+`
FROM scheduled_posts
WHERE queue_id=$1 AND position IS NOT NULL AND status=$2
ORDER BY position
`, queueID, domain.StatusScheduled)
	metrics.ObserveNetworkRequest("postgres", "queue_posts_for_reorder", "scheduled_posts", start, err)
	if err != nil {
		return err
	}
	posts, err := collectPosts(rows)
	if err != nil {
		return err
	}

	renumbered, err := p.planner.Renumber(posts, postID, newPosition)
	if err != nil {
		return err
	}
	replanned, err := p.planner.ReplanInstants(queue, renumbered, time.Now().UTC())
	if err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, post := range replanned {
		if post.Position == nil {
			continue
		}
		batch.Queue(`
UPDATE scheduled_posts SET position=$2, scheduled_at=$3, updated_at=now() WHERE id=$1
`, post.ID, *post.Position, post.ScheduledAt)
	}
	start = time.Now()
	br := tx.SendBatch(ctx, batch)
	metrics.ObserveNetworkRequest("postgres", "queue_posts_renumber", "scheduled_posts", start, nil)
	for range replanned {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return err
		}
	}
	if err := br.Close(); err != nil {
		return err
	}

	start = time.Now()
	err = tx.Commit(ctx)
	metrics.ObserveNetworkRequest("postgres", "commit", "scheduled_posts", start, err)
	return err
}

// ListDuePosts возвращает посты, готовые к отправке: запланированные с
// наступившим временем и зависшие в dispatching с истёкшей арендой.
func (p *Postgres) ListDuePosts(ctx context.Context, now time.Time, limit int) ([]domain.ScheduledPost, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT `+postColumns+`
FROM scheduled_posts
WHERE (status=$1 AND scheduled_at <= $3)
   OR (status=$2 AND lease_until IS NOT NULL AND lease_until <= $3)
ORDER BY scheduled_at, id
LIMIT $4
`, domain.StatusScheduled, domain.StatusDispatching, now, limit)
	metrics.ObserveNetworkRequest("postgres", "posts_list_due", "scheduled_posts", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectPosts(rows)
}

// ClaimPost захватывает пост для отправки. CAS по статусу гарантирует,
// что при нескольких поллерах пост достаётся ровно одному.
func (p *Postgres) ClaimPost(ctx context.Context, id int64, leaseUntil time.Time) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	metrics.ObserveNetworkRequest("postgres", "begin_tx", "scheduled_posts", start, err)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	var (
		queueID  sql.NullInt64
		position sql.NullInt32
	)
	start = time.Now()
	err = tx.QueryRow(ctx, `
UPDATE scheduled_posts
SET status=$2, lease_until=$3, attempt_count=attempt_count+1, updated_at=now()
WHERE id=$1
  AND (status=$4 OR (status=$2 AND lease_until IS NOT NULL AND lease_until <= now()))
RETURNING queue_id, position
`, id, domain.StatusDispatching, leaseUntil, domain.StatusScheduled).Scan(&queueID, &position)
	metrics.ObserveNetworkRequest("postgres", "posts_claim", "scheduled_posts", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrClaimConflict
	}
	if err != nil {
		return err
	}

	// Первый захват: пост покидает очередь, хвост сдвигается на его место.
	if queueID.Valid && position.Valid {
		if err := lockQueue(ctx, tx, queueID.Int64); err != nil {
			return err
		}
		start = time.Now()
		_, err = tx.Exec(ctx, `
UPDATE scheduled_posts SET position=NULL WHERE id=$1
`, id)
		metrics.ObserveNetworkRequest("postgres", "posts_clear_position", "scheduled_posts", start, err)
		if err != nil {
			return err
		}
		start = time.Now()
		_, err = tx.Exec(ctx, `
UPDATE scheduled_posts SET position=position-1 WHERE queue_id=$1 AND position > $2
`, queueID.Int64, position.Int32)
		metrics.ObserveNetworkRequest("postgres", "queue_positions_compact", "scheduled_posts", start, err)
		if err != nil {
			return err
		}
	}

	start = time.Now()
	_, err = tx.Exec(ctx, `
INSERT INTO post_targets (post_id, account_id, status, attempts, next_attempt_at)
SELECT sp.id, account_id, $2, 0, to_timestamp(0)
FROM scheduled_posts sp, unnest(sp.account_ids) AS account_id
WHERE sp.id=$1
ON CONFLICT (post_id, account_id) DO NOTHING
`, id, domain.TargetPending)
	metrics.ObserveNetworkRequest("postgres", "post_targets_seed", "post_targets", start, err)
	if err != nil {
		return err
	}

	start = time.Now()
	err = tx.Commit(ctx)
	metrics.ObserveNetworkRequest("postgres", "commit", "scheduled_posts", start, err)
	return err
}

// ReleaseLease снимает аренду после волны попыток. Аренда доживает до
// ближайшей pending-цели: до этого момента поллер пост не перехватывает
// и не накручивает счётчик захватов вхолостую.
func (p *Postgres) ReleaseLease(ctx context.Context, id int64) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	tag, err := p.pool.Exec(ctx, `
UPDATE scheduled_posts
SET lease_until=GREATEST(
        now(),
        COALESCE((SELECT MIN(next_attempt_at) FROM post_targets WHERE post_id=$1 AND status=$2), now())
    ),
    updated_at=now()
WHERE id=$1 AND status=$3
`, id, domain.TargetPending, domain.StatusDispatching)
	metrics.ObserveNetworkRequest("postgres", "posts_release_lease", "scheduled_posts", start, err)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrStateConflict
	}
	return nil
}

// ListDueTargets возвращает цели поста, готовые к попытке публикации.
func (p *Postgres) ListDueTargets(ctx context.Context, postID int64, now time.Time) ([]domain.PostTarget, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT post_id, account_id, status, attempts, next_attempt_at, COALESCE(last_error,'')
FROM post_targets
WHERE post_id=$1 AND status=$2 AND next_attempt_at <= $3
ORDER BY account_id
`, postID, domain.TargetPending, now)
	metrics.ObserveNetworkRequest("postgres", "post_targets_list_due", "post_targets", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var targets []domain.PostTarget
	for rows.Next() {
		var target domain.PostTarget
		if err := rows.Scan(&target.PostID, &target.AccountID, &target.Status, &target.Attempts, &target.NextAttemptAt, &target.LastError); err != nil {
			return nil, err
		}
		targets = append(targets, target)
	}
	return targets, rows.Err()
}

// UpdateTarget сохраняет новое состояние цели публикации.
func (p *Postgres) UpdateTarget(ctx context.Context, target domain.PostTarget) error {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	_, err := p.pool.Exec(ctx, `
UPDATE post_targets
SET status=$3, attempts=$4, next_attempt_at=$5, last_error=NULLIF($6,'')
WHERE post_id=$1 AND account_id=$2
`, target.PostID, target.AccountID, target.Status, target.Attempts, target.NextAttemptAt, target.LastError)
	metrics.ObserveNetworkRequest("postgres", "post_targets_update", "post_targets", start, err)
	return err
}

// FinalizePost сводит итог по целям поста. Пока остаются pending-цели,
// пост остаётся в dispatching и done=false.
func (p *Postgres) FinalizePost(ctx context.Context, postID int64) (domain.PostStatus, bool, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{})
	metrics.ObserveNetworkRequest("postgres", "begin_tx", "post_targets", start, err)
	if err != nil {
		return "", false, err
	}
	defer tx.Rollback(ctx)

	var (
		pending   int
		published int
		failed    int
		attempts  int
		lastError sql.NullString
	)
	start = time.Now()
	err = tx.QueryRow(ctx, `
SELECT
    COUNT(*) FILTER (WHERE status=$2),
    COUNT(*) FILTER (WHERE status=$3),
    COUNT(*) FILTER (WHERE status=$4),
    COALESCE(MAX(attempts), 0),
    MAX(last_error) FILTER (WHERE status=$4)
FROM post_targets WHERE post_id=$1
`, postID, domain.TargetPending, domain.TargetPublished, domain.TargetFailed).Scan(&pending, &published, &failed, &attempts, &lastError)
	metrics.ObserveNetworkRequest("postgres", "post_targets_summary", "post_targets", start, err)
	if err != nil {
		return "", false, err
	}

	if pending > 0 {
		return domain.StatusDispatching, false, nil
	}

	status := domain.StatusFailed
	if published > 0 {
		status = domain.StatusPublished
	}
	var lastErrArg any
	if lastError.Valid {
		lastErrArg = lastError.String
	}
	start = time.Now()
	_, err = tx.Exec(ctx, `
UPDATE scheduled_posts
SET status=$2, lease_until=NULL, attempt_count=$3, last_error=$4, updated_at=now()
WHERE id=$1 AND status=$5
`, postID, status, attempts, lastErrArg, domain.StatusDispatching)
	metrics.ObserveNetworkRequest("postgres", "posts_finalize", "scheduled_posts", start, err)
	if err != nil {
		return "", false, err
	}

	start = time.Now()
	err = tx.Commit(ctx)
	metrics.ObserveNetworkRequest("postgres", "commit", "post_targets", start, err)
	if err != nil {
		return "", false, err
	}
	return status, true, nil
}

// GetAccounts возвращает аккаунты по списку ID.
func (p *Postgres) GetAccounts(ctx context.Context, ids []int64) ([]domain.Account, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, platform, external_id, COALESCE(display_name,'')
FROM accounts WHERE id = ANY($1)
`, ids)
	metrics.ObserveNetworkRequest("postgres", "accounts_get", "accounts", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var accounts []domain.Account
	for rows.Next() {
		var account domain.Account
		if err := rows.Scan(&account.ID, &account.Platform, &account.ExternalID, &account.DisplayName); err != nil {
			return nil, err
		}
		accounts = append(accounts, account)
	}
	return accounts, rows.Err()
}

// RecordAttempt сохраняет запись о попытке публикации.
func (p *Postgres) RecordAttempt(ctx context.Context, attempt domain.PublishAttempt) (domain.PublishAttempt, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	err := p.pool.QueryRow(ctx, `
INSERT INTO publish_attempts (post_id, account_id, attempt_number, started_at, outcome, error, latency_ms)
VALUES ($1,$2,$3,$4,$5,NULLIF($6,''),$7)
RETURNING id
`, attempt.PostID, attempt.AccountID, attempt.AttemptNumber, attempt.StartedAt, attempt.Outcome, attempt.Error, attempt.Latency.Milliseconds()).Scan(&attempt.ID)
	metrics.ObserveNetworkRequest("postgres", "publish_attempts_insert", "publish_attempts", start, err)
	return attempt, err
}

// ListAttempts возвращает историю попыток поста.
func (p *Postgres) ListAttempts(ctx context.Context, postID int64) ([]domain.PublishAttempt, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, post_id, account_id, attempt_number, started_at, outcome, COALESCE(error,''), latency_ms
FROM publish_attempts WHERE post_id=$1
ORDER BY started_at, account_id
`, postID)
	metrics.ObserveNetworkRequest("postgres", "publish_attempts_list", "publish_attempts", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var attempts []domain.PublishAttempt
	for rows.Next() {
		var (
			attempt   domain.PublishAttempt
			latencyMS int64
		)
		if err := rows.Scan(&attempt.ID, &attempt.PostID, &attempt.AccountID, &attempt.AttemptNumber, &attempt.StartedAt, &attempt.Outcome, &attempt.Error, &latencyMS); err != nil {
			return nil, err
		}
		attempt.Latency = time.Duration(latencyMS) * time.Millisecond
		attempts = append(attempts, attempt)
	}
	return attempts, rows.Err()
}

// CreateRule сохраняет правило повторения.
func (p *Postgres) CreateRule(ctx context.Context, rule domain.RecurrenceRule) (domain.RecurrenceRule, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var endsAt any
	if rule.EndsAt != nil {
		endsAt = *rule.EndsAt
	}
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
INSERT INTO recurrence_rules (pattern, interval_days, ends_at, max_occurrences, anchor_post_id)
VALUES ($1,$2,$3,$4,$5)
RETURNING id, created_at
`, rule.Pattern, rule.IntervalDays, endsAt, rule.MaxOccurrences, rule.AnchorPostID).Scan(&rule.ID, &rule.CreatedAt)
	metrics.ObserveNetworkRequest("postgres", "recurrence_rules_insert", "recurrence_rules", start, err)
	if err != nil {
		return domain.RecurrenceRule{}, err
	}

	start = time.Now()
	_, err = p.pool.Exec(ctx, `UPDATE scheduled_posts SET rule_id=$2, updated_at=now() WHERE id=$1`, rule.AnchorPostID, rule.ID)
	metrics.ObserveNetworkRequest("postgres", "posts_set_rule", "scheduled_posts", start, err)
	if err != nil {
		return domain.RecurrenceRule{}, err
	}
	return rule, nil
}

func scanRule(row pgx.Row) (domain.RecurrenceRule, error) {
	var (
		rule   domain.RecurrenceRule
		endsAt sql.NullTime
	)
	err := row.Scan(&rule.ID, &rule.Pattern, &rule.IntervalDays, &endsAt, &rule.MaxOccurrences, &rule.AnchorPostID, &rule.CreatedAt)
	if err != nil {
		return domain.RecurrenceRule{}, err
	}
	if endsAt.Valid {
		ts := endsAt.Time
		rule.EndsAt = &ts
	}
	return rule, nil
}

// GetRule возвращает правило по ID.
func (p *Postgres) GetRule(ctx context.Context, id int64) (domain.RecurrenceRule, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rule, err := scanRule(p.pool.QueryRow(ctx, `
SELECT id, pattern, interval_days, ends_at, max_occurrences, anchor_post_id, created_at
FROM recurrence_rules WHERE id=$1
`, id))
	metrics.ObserveNetworkRequest("postgres", "recurrence_rules_get", "recurrence_rules", start, err)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.RecurrenceRule{}, domain.ErrRuleNotFound
	}
	return rule, err
}

// ListActiveRules возвращает правила, срок действия которых ещё не истёк.
func (p *Postgres) ListActiveRules(ctx context.Context, now time.Time) ([]domain.RecurrenceRule, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	start := time.Now()
	rows, err := p.pool.Query(ctx, `
SELECT id, pattern, interval_days, ends_at, max_occurrences, anchor_post_id, created_at
FROM recurrence_rules
WHERE ends_at IS NULL OR ends_at > $1
ORDER BY id
`, now)
	metrics.ObserveNetworkRequest("postgres", "recurrence_rules_list_active", "recurrence_rules", start, err)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var rules []domain.RecurrenceRule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

// OccurrenceStats считает уже материализованные экземпляры правила.
func (p *Postgres) OccurrenceStats(ctx context.Context, ruleID int64) (domain.OccurrenceStats, error) {
	ctx, cancel := p.connCtxWithParent(ctx)
	defer cancel()

	var (
		stats domain.OccurrenceStats
		last  sql.NullTime
	)
	start := time.Now()
	err := p.pool.QueryRow(ctx, `
SELECT COUNT(*), MAX(scheduled_at)
FROM scheduled_posts
WHERE rule_id=$1 AND source_anchor_id IS NOT NULL
`, ruleID).Scan(&stats.Count, &last)
	metrics.ObserveNetworkRequest("postgres", "recurrence_occurrence_stats", "scheduled_posts", start, err)
	if err != nil {
		return domain.OccurrenceStats{}, err
	}
	if last.Valid {
		stats.Last = last.Time
	}
	return stats, nil
}
