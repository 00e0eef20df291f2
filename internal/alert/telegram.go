// Package alert formats trade lifecycle notifications for Telegram. It is a
// pure notification sink: cmd/sniper sends the startup notice through it,
// and NoopNotifier stands in when Telegram is not configured.
package alert

import (
	"fmt"
	"os"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/btc-updown-sniper/internal/model"
)

// Notifier is the capability interface the rest of the tree depends on, so
// tests and dry-run setups can pass a no-op implementation.
type Notifier interface {
	NotifyTrade(t *model.Trade)
	NotifyResolution(t *model.Trade)
	NotifyError(err error)
	NotifyStartup(mode string, balance decimal.Decimal)
}

// TelegramNotifier sends Markdown-formatted alerts to one chat.
type TelegramNotifier struct {
	api    *tgbotapi.BotAPI
	chatID int64
}

// NewTelegramNotifier reads TELEGRAM_BOT_TOKEN/TELEGRAM_CHAT_ID and builds a
// bound notifier. Returns an error if either is unset or the token is
// rejected by Telegram.
func NewTelegramNotifier() (*TelegramNotifier, error) {
	token := os.Getenv("TELEGRAM_BOT_TOKEN")
	if token == "" {
		return nil, fmt.Errorf("alert: TELEGRAM_BOT_TOKEN not set")
	}
	chatIDStr := os.Getenv("TELEGRAM_CHAT_ID")
	if chatIDStr == "" {
		return nil, fmt.Errorf("alert: TELEGRAM_CHAT_ID not set")
	}
	chatID, err := strconv.ParseInt(chatIDStr, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("alert: invalid TELEGRAM_CHAT_ID: %w", err)
	}

	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("alert: failed to create bot: %w", err)
	}

	log.Info().Str("username", api.Self.UserName).Msg("telegram notifier initialized")
	return &TelegramNotifier{api: api, chatID: chatID}, nil
}

// NotifyTrade announces a newly placed trade.
func (n *TelegramNotifier) NotifyTrade(t *model.Trade) {
	msg := fmt.Sprintf(`✅ *TRADE PLACED*

📊 %s — %s
💵 Entry odds: *%s¢*
📦 Stake: *$%s*
📝 %s`,
		t.CandleWindow, t.Side,
		t.EntryOdds.Mul(decimal.NewFromInt(100)).StringFixed(1),
		t.Stake.StringFixed(2),
		t.StrategyTag,
	)
	n.sendMarkdown(msg)
}

// NotifyResolution announces a trade reaching a terminal state.
func (n *TelegramNotifier) NotifyResolution(t *model.Trade) {
	emoji := "📈"
	switch t.State {
	case model.TradeLose:
		emoji = "📉"
	case model.TradeCancelled:
		emoji = "⚪"
	}

	sign := "+"
	if t.PnL.IsNegative() {
		sign = ""
	}

	msg := fmt.Sprintf(`%s *TRADE %s*

📊 %s — %s
💵 P&L: *%s$%s*`,
		emoji, t.State,
		t.CandleWindow, t.Side,
		sign, t.PnL.StringFixed(2),
	)
	n.sendMarkdown(msg)
}

// NotifyError alerts on an unrecoverable component error.
func (n *TelegramNotifier) NotifyError(err error) {
	msg := fmt.Sprintf("⚠️ *ERROR*\n\n`%s`", err.Error())
	n.sendMarkdown(msg)
}

// NotifyStartup announces the bot coming online.
func (n *TelegramNotifier) NotifyStartup(mode string, balance decimal.Decimal) {
	msg := fmt.Sprintf(`🤖 *SNIPER STARTED*

⚙️ Mode: *%s*
💰 Balance: *$%s*`,
		mode, balance.StringFixed(2),
	)
	n.sendMarkdown(msg)
}

func (n *TelegramNotifier) sendMarkdown(text string) {
	msg := tgbotapi.NewMessage(n.chatID, text)
	msg.ParseMode = "Markdown"
	if _, err := n.api.Send(msg); err != nil {
		log.Error().Err(err).Msg("alert: failed to send telegram message")
	}
}

// NoopNotifier discards every notification; used when Telegram isn't
// configured.
type NoopNotifier struct{}

func (NoopNotifier) NotifyTrade(*model.Trade)                       {}
func (NoopNotifier) NotifyResolution(*model.Trade)                  {}
func (NoopNotifier) NotifyError(error)                               {}
func (NoopNotifier) NotifyStartup(string, decimal.Decimal)           {}
