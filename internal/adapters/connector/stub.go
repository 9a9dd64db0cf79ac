package connector

import (
	"context"
	"hash/fnv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"smm-scheduler/internal/domain"
)

// Stub имитирует коннектор платформы для окружений без реальных токенов.
// Исход определяется детерминированно по содержимому, чтобы прогоны
// в стейджинге были воспроизводимыми.
type Stub struct {
	platform  string
	log       zerolog.Logger
	published atomic.Int64
}

// NewStub создаёт стаб-коннектор для указанной платформы.
func NewStub(platform string, log zerolog.Logger) *Stub {
	return &Stub{platform: platform, log: log}
}

var _ domain.PlatformConnector = (*Stub)(nil)

// Publish всегда успешен, кроме двух маркеров в тексте: "[[fail]]"
// даёт постоянную ошибку, "[[flaky]]" — временную.
func (s *Stub) Publish(ctx context.Context, account domain.Account, content domain.PostContent) domain.PublishOutcome {
	if err := ctx.Err(); err != nil {
		return domain.PublishOutcome{Kind: domain.OutcomeTransient, Reason: err.Error()}
	}
	select {
	case <-ctx.Done():
		return domain.PublishOutcome{Kind: domain.OutcomeTransient, Reason: ctx.Err().Error()}
	case <-time.After(s.latency(content.Text)):
	}

	switch {
	case strings.Contains(content.Text, "[[fail]]"):
		return domain.PublishOutcome{Kind: domain.OutcomePermanent, Reason: "stub: permanent failure marker"}
	case strings.Contains(content.Text, "[[flaky]]"):
		return domain.PublishOutcome{Kind: domain.OutcomeTransient, Reason: "stub: transient failure marker"}
	}

	n := s.published.Add(1)
	s.log.Debug().
		Str("platform", s.platform).
		Str("account", account.ExternalID).
		Int64("total", n).
		Msg("stub: post published")
	return domain.PublishOutcome{Kind: domain.OutcomeSuccess}
}

// Published возвращает число успешных публикаций.
func (s *Stub) Published() int64 { return s.published.Load() }

func (s *Stub) latency(text string) time.Duration {
	h := fnv.New32a()
	_, _ = h.Write([]byte(text))
	return time.Duration(h.Sum32()%50) * time.Millisecond
}
