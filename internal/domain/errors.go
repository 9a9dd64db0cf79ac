package domain

import "errors"

// ErrPostNotFound возвращается, если пост не найден.
var ErrPostNotFound = errors.New("post not found")

// ErrQueueNotFound возвращается, если очередь не найдена.
var ErrQueueNotFound = errors.New("queue not found")

// ErrSlotNotFound возвращается, если слот очереди не найден.
var ErrSlotNotFound = errors.New("time slot not found")

// ErrRuleNotFound возвращается, если правило повторения не найдено.
var ErrRuleNotFound = errors.New("recurrence rule not found")

// ErrAccountNotFound возвращается, если целевой аккаунт не найден.
var ErrAccountNotFound = errors.New("account not found")

// ErrStateConflict возвращается при недопустимом переходе статуса.
var ErrStateConflict = errors.New("post state conflict")

// ErrClaimConflict означает, что захват поста проиграл другому поллеру.
// Это не ошибка пользователя: проигравший просто пропускает пост.
var ErrClaimConflict = errors.New("dispatch claim lost")
