package connector

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog"

	"smm-scheduler/internal/domain"
	"smm-scheduler/internal/infra/metrics"
)

// Telegram публикует посты в Telegram-каналы через Bot API.
// ExternalID аккаунта — числовой chat ID либо @username канала.
type Telegram struct {
	bot *tgbotapi.BotAPI
	log zerolog.Logger
}

// NewTelegram создаёт коннектор.
func NewTelegram(bot *tgbotapi.BotAPI, log zerolog.Logger) *Telegram {
	return &Telegram{bot: bot, log: log}
}

var _ domain.PlatformConnector = (*Telegram)(nil)

// Publish отправляет контент в канал. Длинный текст уходит несколькими
// сообщениями, медиа — отдельными фото после текста.
func (t *Telegram) Publish(ctx context.Context, account domain.Account, content domain.PostContent) domain.PublishOutcome {
	for _, part := range splitText(content.Text) {
		msg := tgbotapi.NewMessageToChannel(account.ExternalID, part)
		if chatID, err := strconv.ParseInt(account.ExternalID, 10, 64); err == nil {
			msg = tgbotapi.NewMessage(chatID, part)
		}
		if outcome := t.send(ctx, account, msg); outcome.Kind != domain.OutcomeSuccess {
			return outcome
		}
	}
	for _, ref := range content.MediaRefs {
		photo := tgbotapi.NewPhotoToChannel(account.ExternalID, tgbotapi.FileURL(ref))
		if chatID, err := strconv.ParseInt(account.ExternalID, 10, 64); err == nil {
			photo = tgbotapi.NewPhoto(chatID, tgbotapi.FileURL(ref))
		}
		if outcome := t.send(ctx, account, photo); outcome.Kind != domain.OutcomeSuccess {
			return outcome
		}
	}
	return domain.PublishOutcome{Kind: domain.OutcomeSuccess}
}

func (t *Telegram) send(ctx context.Context, account domain.Account, msg tgbotapi.Chattable) domain.PublishOutcome {
	if err := ctx.Err(); err != nil {
		return domain.PublishOutcome{Kind: domain.OutcomeTransient, Reason: err.Error()}
	}
	start := time.Now()
	_, err := t.bot.Send(msg)
	metrics.ObserveNetworkRequest("telegram", "send_message", account.ExternalID, start, err)
	if err == nil {
		return domain.PublishOutcome{Kind: domain.OutcomeSuccess}
	}
	t.log.Warn().Err(err).Str("chat", account.ExternalID).Msg("telegram: send failed")
	return classify(err)
}

// classify относит ошибку Bot API к временным либо постоянным.
// Таймауты и лимиты частоты лечатся повтором, ошибки доступа — нет.
func classify(err error) domain.PublishOutcome {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return domain.PublishOutcome{Kind: domain.OutcomeTransient, Reason: err.Error()}
	}
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.Code == 429:
			reason := fmt.Sprintf("rate limited, retry after %ds", apiErr.RetryAfter)
			return domain.PublishOutcome{Kind: domain.OutcomeTransient, Reason: reason}
		case apiErr.Code >= 500:
			return domain.PublishOutcome{Kind: domain.OutcomeTransient, Reason: apiErr.Message}
		default:
			return domain.PublishOutcome{Kind: domain.OutcomePermanent, Reason: apiErr.Message}
		}
	}
	// Сетевые сбои без ответа API считаем временными.
	return domain.PublishOutcome{Kind: domain.OutcomeTransient, Reason: err.Error()}
}
