package connector

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"smm-scheduler/internal/domain"
)

func TestSplitTextRespectsLimit(t *testing.T) {
	var builder strings.Builder
	builder.WriteString(strings.Repeat("a", 3000))
	builder.WriteString("\n\n")
	builder.WriteString(strings.Repeat("b", 2000))
	builder.WriteString("\n")
	builder.WriteString(strings.Repeat("c", 500))

	parts := splitText(builder.String())
	if len(parts) != 2 {
		t.Fatalf("ожидали 2 части, получили %d", len(parts))
	}
	for i, part := range parts {
		if length := len([]rune(part)); length > telegramMessageLimit {
			t.Fatalf("часть %d превышает лимит: %d", i, length)
		}
	}
	if parts[0] != strings.Repeat("a", 3000) {
		t.Fatalf("неожиданное содержимое первой части")
	}
	if !strings.HasSuffix(parts[1], strings.Repeat("c", 500)) {
		t.Fatalf("вторая часть должна кончаться блоком 'c'")
	}
}

func TestSplitTextShortAndEmpty(t *testing.T) {
	if parts := splitText("hello world"); len(parts) != 1 || parts[0] != "hello world" {
		t.Fatalf("короткий текст должен остаться одной частью: %v", parts)
	}
	if parts := splitText("   \n  "); len(parts) != 0 {
		t.Fatalf("пустой текст не должен давать частей: %v", parts)
	}
}

func TestStubOutcomes(t *testing.T) {
	stub := NewStub("telegram", zerolog.Nop())
	account := domain.Account{ID: 1, Platform: "telegram", ExternalID: "@demo"}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if out := stub.Publish(ctx, account, domain.PostContent{Text: "обычный пост"}); out.Kind != domain.OutcomeSuccess {
		t.Fatalf("ожидали успех, получили %v", out)
	}
	if out := stub.Publish(ctx, account, domain.PostContent{Text: "текст [[fail]]"}); out.Kind != domain.OutcomePermanent {
		t.Fatalf("маркер [[fail]] должен давать постоянную ошибку: %v", out)
	}
	if out := stub.Publish(ctx, account, domain.PostContent{Text: "текст [[flaky]]"}); out.Kind != domain.OutcomeTransient {
		t.Fatalf("маркер [[flaky]] должен давать временную ошибку: %v", out)
	}
	if stub.Published() != 1 {
		t.Fatalf("успешной должна быть одна публикация, счётчик: %d", stub.Published())
	}
}

func TestStubRespectsCancelledContext(t *testing.T) {
	stub := NewStub("telegram", zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := stub.Publish(ctx, domain.Account{ExternalID: "@demo"}, domain.PostContent{Text: "пост"})
	if out.Kind != domain.OutcomeTransient {
		t.Fatalf("отменённый контекст должен давать временную ошибку: %v", out)
	}
}
