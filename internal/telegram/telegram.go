// Package telegram is the Telegram transport: a long-poll update loop for
// private chats feeding the dispatcher, with rate-limited replies.
package telegram

import (
	"context"
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/susu3304/ledgerbot/internal/commands"
	"github.com/susu3304/ledgerbot/internal/logging"
	"golang.org/x/time/rate"
)

const (
	transportName = "telegram"
	maxMessageLen = 4096
	// Telegram rejects callback data longer than this.
	maxCallbackData = 64
	buttonsPerRow   = 3
)

type Submitter interface {
	Submit(ctx context.Context, in commands.Inbound, reply commands.ReplyFunc) bool
}

// sender is the part of *tgbotapi.BotAPI used to talk back to Telegram.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

type Bot struct {
	api        *tgbotapi.BotAPI
	sender     sender
	dispatcher Submitter
	limiter    *rate.Limiter
	logger     logging.Logger
}

// New connects to the Bot API. Outbound messages are limited to perSecond
// across all chats.
func New(token string, dispatcher Submitter, logger logging.Logger, perSecond float64) (*Bot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	api.Debug = false
	return newBot(api, api, dispatcher, logger, perSecond), nil
}

func newBot(api *tgbotapi.BotAPI, s sender, dispatcher Submitter, logger logging.Logger, perSecond float64) *Bot {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	return &Bot{
		api:        api,
		sender:     s,
		dispatcher: dispatcher,
		limiter:    rate.NewLimiter(limit, 1),
		logger:     logger.With("transport", transportName),
	}
}

// Run polls for updates until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := b.api.GetUpdatesChan(u)
	defer b.api.StopReceivingUpdates()

	b.logger.Info(ctx, "telegram bot started", "username", b.api.Self.UserName)
	for {
		select {
		case <-ctx.Done():
			return nil
		case upd, ok := <-updates:
			if !ok {
				return nil
			}
			b.handleUpdate(ctx, upd)
		}
	}
}

func (b *Bot) handleUpdate(ctx context.Context, upd tgbotapi.Update) {
	if q := upd.CallbackQuery; q != nil {
		if _, err := b.sender.Request(tgbotapi.NewCallback(q.ID, "")); err != nil {
			b.logger.Warn(ctx, "failed to answer callback", "err", err)
		}
		if q.Message == nil || q.From == nil || !q.Message.Chat.IsPrivate() {
			return
		}
		b.submit(ctx, q.From.ID, q.Message.Chat.ID, q.Data)
		return
	}

	msg := upd.Message
	if msg == nil || msg.From == nil || msg.Text == "" {
		return
	}
	// Private chats only.
	if !msg.Chat.IsPrivate() {
		return
	}
	b.submit(ctx, msg.From.ID, msg.Chat.ID, msg.Text)
}

func (b *Bot) submit(ctx context.Context, userID, chatID int64, text string) {
	in := commands.Inbound{UserID: userID, Text: text, Transport: transportName}
	b.dispatcher.Submit(ctx, in, b.replyTo(chatID))
}

func (b *Bot) replyTo(chatID int64) commands.ReplyFunc {
	return func(ctx context.Context, resp commands.Response) {
		chunks := commands.SplitMessage(resp.Text, maxMessageLen)
		for i, chunk := range chunks {
			msg := tgbotapi.NewMessage(chatID, chunk)
			msg.DisableWebPagePreview = true
			if i == len(chunks)-1 && resp.Attachment == nil {
				if kb, ok := keyboard(resp.Choices); ok {
					msg.ReplyMarkup = kb
				}
			}
			if err := b.send(ctx, msg); err != nil {
				b.logger.Error(ctx, "failed to send reply", "chat_id", chatID, "err", err)
				return
			}
		}

		if a := resp.Attachment; a != nil {
			doc := tgbotapi.NewDocument(chatID, tgbotapi.FileBytes{Name: a.Name, Bytes: a.Data})
			if err := b.send(ctx, doc); err != nil {
				b.logger.Error(ctx, "failed to send document", "chat_id", chatID, "name", a.Name, "err", err)
			}
		}
	}
}

func (b *Bot) send(ctx context.Context, c tgbotapi.Chattable) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}
	_, err := b.sender.Send(c)
	return err
}

func keyboard(choices []string) (tgbotapi.InlineKeyboardMarkup, bool) {
	var rows [][]tgbotapi.InlineKeyboardButton
	var row []tgbotapi.InlineKeyboardButton
	for _, c := range choices {
		if len(c) > maxCallbackData {
			continue
		}
		row = append(row, tgbotapi.NewInlineKeyboardButtonData(c, c))
		if len(row) == buttonsPerRow {
			rows = append(rows, row)
			row = nil
		}
	}
	if len(row) > 0 {
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return tgbotapi.InlineKeyboardMarkup{}, false
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...), true
}
