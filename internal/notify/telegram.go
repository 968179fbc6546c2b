// Package notify announces completed experiments to chat channels.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-telegram/bot"
	"github.com/go-telegram/bot/models"

	"github.com/haasonsaas/abkit/internal/experiments"
	"github.com/haasonsaas/abkit/internal/observability"
)

const defaultSendTimeout = 10 * time.Second

// Sender is the subset of the Telegram bot API used for notifications.
type Sender interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*models.Message, error)
}

// Telegram posts a summary of each completed experiment to one chat.
type Telegram struct {
	sender  Sender
	chatID  int64
	timeout time.Duration
	logger  *observability.Logger
}

// Option configures a Telegram notifier.
type Option func(*Telegram)

// WithLogger sets the logger used for delivery failures.
func WithLogger(logger *observability.Logger) Option {
	return func(t *Telegram) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithTimeout bounds each send.
func WithTimeout(timeout time.Duration) Option {
	return func(t *Telegram) {
		if timeout > 0 {
			t.timeout = timeout
		}
	}
}

// NewTelegram creates a notifier backed by the Bot API.
func NewTelegram(token string, chatID int64, opts ...Option) (*Telegram, error) {
	if strings.TrimSpace(token) == "" {
		return nil, errors.New("telegram bot token is required")
	}
	b, err := bot.New(token, bot.WithSkipGetMe())
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return NewTelegramWithSender(b, chatID, opts...)
}

// NewTelegramWithSender creates a notifier around an existing sender.
func NewTelegramWithSender(sender Sender, chatID int64, opts ...Option) (*Telegram, error) {
	if sender == nil {
		return nil, errors.New("telegram sender is required")
	}
	if chatID == 0 {
		return nil, errors.New("telegram chat id is required")
	}
	t := &Telegram{
		sender:  sender,
		chatID:  chatID,
		timeout: defaultSendTimeout,
		logger:  observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Hook adapts the notifier to a completion hook. Delivery failures are
// logged and never reach the engine.
func (t *Telegram) Hook() experiments.CompletionHook {
	return func(ctx context.Context, exp experiments.Experiment, res *experiments.ExperimentResult) {
		if err := t.Notify(ctx, exp, res); err != nil {
			t.logger.Warn(ctx, "Failed to send completion notification", "error", err)
		}
	}
}

// Notify sends the summary for exp.
func (t *Telegram) Notify(ctx context.Context, exp experiments.Experiment, res *experiments.ExperimentResult) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), t.timeout)
	defer cancel()

	_, err := t.sender.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: t.chatID,
		Text:   Summary(exp, res),
	})
	if err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	t.logger.Info(observability.AddExperimentID(ctx, exp.ID), "Completion notification sent", "chat_id", t.chatID)
	return nil
}

// Summary renders a plain-text report of a completed experiment.
func Summary(exp experiments.Experiment, res *experiments.ExperimentResult) string {
	var b strings.Builder
	name := exp.Name
	if name == "" {
		name = exp.ID
	}
	fmt.Fprintf(&b, "Experiment %q completed\n", name)

	if exp.Winner == "" {
		b.WriteString("Winner: none declared\n")
	} else {
		winner := exp.Winner
		if v, ok := exp.VariantByID(exp.Winner); ok && v.Name != "" {
			winner = v.Name
		}
		fmt.Fprintf(&b, "Winner: %s\n", winner)
		if vr, ok := res.Variant(exp.Winner); ok {
			if vr.Uplift != nil {
				fmt.Fprintf(&b, "Uplift: %+.1f%%\n", *vr.Uplift)
			}
			if vr.PValue != nil {
				fmt.Fprintf(&b, "p-value: %.4f\n", *vr.PValue)
			}
		}
	}
	if res != nil {
		fmt.Fprintf(&b, "Samples: %d over %d day(s)", res.OverallSampleSize, res.RunDays)
	}
	return strings.TrimRight(b.String(), "\n")
}
