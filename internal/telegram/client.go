// Package telegram provides a client for sending notifications via Telegram Bot API.
// It formats detected price swings into human-readable messages and handles
// delivery with retry logic for reliability.
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/rewired-gh/powermatcher/internal/logger"
	"github.com/rewired-gh/powermatcher/internal/models"
)

// sender is the part of the bot API the client uses
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Client handles Telegram notifications
type Client struct {
	bot            sender
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

func newClient(bot sender, chatID string, maxRetries int, retryDelayBase time.Duration) (*Client, error) {
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

// Notify sends a notification with the detected price changes
func (c *Client) Notify(ctx context.Context, changes []models.PriceChange) error {
	if len(changes) == 0 {
		return nil
	}
	msg := tgbotapi.NewMessage(c.chatID, formatMessage(changes))
	msg.ParseMode = "MarkdownV2"

	var lastErr error
	for i := 0; i < c.maxRetries; i++ {
		_, err := c.bot.Send(msg)
		if err == nil {
			return nil
		}
		lastErr = err
		logger.Warn("Telegram send attempt %d/%d failed: %v", i+1, c.maxRetries, err)

		if i == c.maxRetries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("telegram send cancelled: %w", ctx.Err())
		case <-time.After(c.retryDelayBase * time.Duration(i+1)):
		}
	}

	return fmt.Errorf("failed to send message after %d retries: %w", c.maxRetries, lastErr)
}

// formatMessage formats changes into a Telegram message
func formatMessage(changes []models.PriceChange) string {
	var b strings.Builder
	b.WriteString("⚡ *Price Swings Detected*\n\n")

	dateStr := escapeMarkdownV2(changes[0].DetectedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "📅 Detected: %s\n\n", dateStr)

	for i, change := range changes {
		directionEmoji := "📈"
		if change.Direction == "decrease" {
			directionEmoji = "📉"
		}

		magnitudeStr := escapeMarkdownV2(fmt.Sprintf("%.1f%%", change.Magnitude*100))
		oldStr := escapeMarkdownV2(fmt.Sprintf("%.4f", change.OldPrice))
		newStr := escapeMarkdownV2(fmt.Sprintf("%.4f", change.NewPrice))
		windowStr := escapeMarkdownV2(formatDuration(change.TimeWindow))

		fmt.Fprintf(&b, "%d\\. %s %s\n", i+1, escapeMarkdownV2(change.ClusterID), escapeMarkdownV2(change.Commodity))
		fmt.Fprintf(&b, "   %s Change: *%s* \\(%s → %s %s\\)\n",
			directionEmoji, magnitudeStr, oldStr, newStr, escapeMarkdownV2(change.Currency))
		fmt.Fprintf(&b, "   ⏱ Window: %s\n\n", windowStr)
	}

	return b.String()
}

// escapeMarkdownV2 escapes special characters for Telegram MarkdownV2
func escapeMarkdownV2(text string) string {
	var b strings.Builder
	for _, char := range text {
		switch char {
		case '_', '*', '[', ']', '(', ')', '~', '`', '>', '#', '+', '-', '=', '|', '{', '}', '.', '!':
			b.WriteRune('\\')
		}
		b.WriteRune(char)
	}
	return b.String()
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
