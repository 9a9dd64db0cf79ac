package domain

import "time"

// DispatchJob — задача воркеру: опубликовать захваченный пост.
type DispatchJob struct {
	ID         string    `json:"id"`
	PostID     int64     `json:"post_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}
