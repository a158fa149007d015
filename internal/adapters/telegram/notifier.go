package telegram

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/stablepay-ng/quotegate/internal/adapters/config"
	"github.com/stablepay-ng/quotegate/pkg/logger"
	"github.com/stablepay-ng/quotegate/pkg/models"
)

// Notifier sends quota alerts to the configured operations chat. The process
// runs without one when no bot token is configured; callers hold a nil
// notifier in that case and skip alerting.
type Notifier struct {
	api    *tgbotapi.BotAPI
	chatID int64
}

// NewNotifier creates new Telegram notifier
func NewNotifier(cfg *config.TelegramConfig) (*Notifier, error) {
	if cfg.BotToken == "" {
		return nil, fmt.Errorf("telegram bot token is required")
	}

	bot, err := tgbotapi.NewBotAPI(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot API: %w", err)
	}

	bot.Debug = false

	logger.Info("telegram notifier initialized",
		zap.String("bot_username", bot.Self.UserName),
	)

	return &Notifier{
		api:    bot,
		chatID: cfg.ChatID,
	}, nil
}

// QuotaThresholdAlert warns that the period's usage crossed the alert
// threshold
func (n *Notifier) QuotaThresholdAlert(status models.QuotaStatus, period string) error {
	text := fmt.Sprintf("⚠️ Quota alert for %s: %d of %d upstream calls used (%.1f%%)",
		period, status.Used, status.Limit, status.PercentUsed)
	return n.send(text)
}

// RunSkippedAlert reports a refresh run skipped for lack of quota headroom
func (n *Notifier) RunSkippedAlert(remaining, required int64) error {
	text := fmt.Sprintf("🛑 Refresh run skipped: %d calls remaining, %d required",
		remaining, required)
	return n.send(text)
}

func (n *Notifier) send(text string) error {
	msg := tgbotapi.NewMessage(n.chatID, text)

	if _, err := n.api.Send(msg); err != nil {
		logger.Error("failed to send telegram message",
			zap.Int64("chat_id", n.chatID),
			zap.Error(err),
		)
		return err
	}
	return nil
}
