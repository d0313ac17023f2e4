// Package telegram delivers vault alerts through the Telegram Bot API.
//
// Client formats and sends MarkdownV2 messages with retry. Notifier watches
// pipeline cycles and decides when a message is worth sending: the first
// failure of a streak, the recovery that ends it, and an urn whose safety
// falls under the configured threshold.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/rewired-gh/vaultwatch/internal/models"
	"github.com/rewired-gh/vaultwatch/internal/units"
)

// botAPI is the part of tgbotapi.BotAPI the client uses.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Client handles Telegram notifications
type Client struct {
	bot            botAPI
	chatID         int64
	maxRetries     int
	retryDelayBase time.Duration
}

// NewClient creates a new Telegram client
func NewClient(botToken, chatID string, maxRetries int, retryDelayBase time.Duration) (*Client, error) {
	bot, err := tgbotapi.NewBotAPI(botToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}
	return newClient(bot, chatID, maxRetries, retryDelayBase)
}

func newClient(bot botAPI, chatID string, maxRetries int, retryDelayBase time.Duration) (*Client, error) {
	chatIDInt, err := strconv.ParseInt(chatID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid chat ID: %w", err)
	}

	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelayBase <= 0 {
		retryDelayBase = time.Second
	}

	return &Client{
		bot:            bot,
		chatID:         chatIDInt,
		maxRetries:     maxRetries,
		retryDelayBase: retryDelayBase,
	}, nil
}

// Send sends a MarkdownV2 message, retrying with a linear backoff until the
// retries run out or ctx is done.
func (c *Client) Send(ctx context.Context, text string) error {
	msg := tgbotapi.NewMessage(c.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdownV2

	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		_, err := c.bot.Send(msg)
		if err == nil {
			return nil
		}
		lastErr = err

		select {
		case <-ctx.Done():
			return fmt.Errorf("failed to send message: %w", ctx.Err())
		case <-time.After(c.retryDelayBase * time.Duration(i+1)):
		}
	}

	return fmt.Errorf("failed to send message after %d retries: %w", c.maxRetries, lastErr)
}

// formatFailure announces the first failed cycle of a streak.
func formatFailure(name string, err error, at time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🚨 *%s: polling failed*\n\n", escapeMarkdownV2(name))
	fmt.Fprintf(&b, "📅 %s\n", escapeMarkdownV2(at.UTC().Format("2006-01-02 15:04:05 MST")))
	fmt.Fprintf(&b, "`%s`\n\n", escapeCode(err.Error()))
	b.WriteString("The last good snapshot is still shown\\.")
	return b.String()
}

// formatRecovery announces the successful cycle that ends a failure streak.
func formatRecovery(name string, failures int, down time.Duration) string {
	return fmt.Sprintf("✅ *%s: polling recovered*\n\nAfter %s failed %s over %s\\.",
		escapeMarkdownV2(name),
		escapeMarkdownV2(humanize.Comma(int64(failures))),
		plural(failures, "cycle", "cycles"),
		escapeMarkdownV2(formatDuration(down)))
}

// formatLowSafety lists the urns under the safety threshold.
func formatLowSafety(name string, urns []models.Urn, threshold float64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "⚠️ *%s: low safety*\n\n", escapeMarkdownV2(name))
	for i, u := range urns {
		fmt.Fprintf(&b, "%d\\. *%s*  safety %s \\(threshold %s\\)\n",
			i+1,
			escapeMarkdownV2(u.Ilk),
			escapeMarkdownV2(fmt.Sprintf("%.3f", u.Safety)),
			escapeMarkdownV2(fmt.Sprintf("%.3f", threshold)))
		if u.Loan != nil && u.Value != nil {
			fmt.Fprintf(&b, "   loan %s  value %s\n",
				escapeMarkdownV2(units.ToDecimal(u.Loan, 18).StringFixed(2)),
				escapeMarkdownV2(units.ToDecimal(u.Value, 18).StringFixed(2)))
		}
	}
	return b.String()
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2
func escapeMarkdownV2(text string) string {
	// Characters that need escaping in MarkdownV2:
	// _ * [ ] ( ) ~ ` > # + - = | { } . ! and the escape character itself
	var b strings.Builder
	for _, char := range text {
		switch char {
		case '\\', '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!':
			b.WriteRune('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
}

// escapeCode escapes text placed inside a MarkdownV2 code span.
func escapeCode(text string) string {
	return strings.NewReplacer("\\", "\\\\", "`", "\\`").Replace(text)
}

// formatDuration formats a duration in a human-readable way
func formatDuration(d time.Duration) string {
	if hours := int(d.Hours()); hours >= 1 {
		return fmt.Sprintf("%dh", hours)
	}
	if mins := int(d.Minutes()); mins >= 1 {
		return fmt.Sprintf("%dm", mins)
	}
	return fmt.Sprintf("%ds", int(d.Seconds()))
}
