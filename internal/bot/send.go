package bot

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"net"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/susu3304/ledgerbot/internal/commands"
	"github.com/susu3304/ledgerbot/internal/conversation"
)

const (
	maxMessageLen  = 2000
	buttonsPerRow  = 5
	maxButtonRows  = 5
	maxButtonLabel = 80
)

func (b *Bot) replyTo(channelID string) commands.ReplyFunc {
	return func(ctx context.Context, resp commands.Response) {
		for _, msg := range buildMessages(resp) {
			if err := b.sendWithRetry(ctx, channelID, msg); err != nil {
				b.logger.Error(ctx, "failed to send reply", "channel_id", channelID, "err", err)
				return
			}
		}
	}
}

// outgoing is one Discord message before it is turned into a MessageSend.
// messageSend builds a fresh file reader on every call.
type outgoing struct {
	content    string
	attachment *conversation.Attachment
	components []discordgo.MessageComponent
}

func (o outgoing) messageSend() *discordgo.MessageSend {
	ms := &discordgo.MessageSend{Content: o.content, Components: o.components}
	if a := o.attachment; a != nil {
		ms.Files = []*discordgo.File{{
			Name:        a.Name,
			ContentType: a.ContentType,
			Reader:      bytes.NewReader(a.Data),
		}}
	}
	return ms
}

// buildMessages splits a response into Discord-sized messages. The
// attachment and the choice buttons go on the last one.
func buildMessages(resp commands.Response) []outgoing {
	chunks := commands.SplitMessage(resp.Text, maxMessageLen)
	out := make([]outgoing, len(chunks))
	for i, c := range chunks {
		out[i].content = c
	}
	last := &out[len(out)-1]
	last.attachment = resp.Attachment
	last.components = choiceButtons(resp.Choices)
	return out
}

func choiceButtons(choices []string) []discordgo.MessageComponent {
	var rows []discordgo.MessageComponent
	var row []discordgo.MessageComponent
	for _, c := range choices {
		if len(rows) == maxButtonRows {
			break
		}
		row = append(row, discordgo.Button{
			Label:    truncateRunes(c, maxButtonLabel),
			Style:    discordgo.SecondaryButton,
			CustomID: choicePrefix + c,
		})
		if len(row) == buttonsPerRow {
			rows = append(rows, discordgo.ActionsRow{Components: row})
			row = nil
		}
	}
	if len(row) > 0 && len(rows) < maxButtonRows {
		rows = append(rows, discordgo.ActionsRow{Components: row})
	}
	return rows
}

// truncateRunes cuts s to at most n runes.
func truncateRunes(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

func (b *Bot) sendWithRetry(ctx context.Context, channelID string, msg outgoing) error {
	const attemptTimeout = 12 * time.Second
	const maxAttempts = 2

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		sendCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
		_, err := b.sender.ChannelMessageSendComplex(channelID, msg.messageSend(), discordgo.WithContext(sendCtx))
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		if !isTemporaryOrTimeout(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return lastErr
		case <-time.After(time.Duration(300+rand.Intn(500)) * time.Millisecond):
		}
	}
	return lastErr
}

func isTemporaryOrTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return errors.Is(err, context.DeadlineExceeded)
}
