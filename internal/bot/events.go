package bot

import (
	"strings"

	"github.com/bwmarrin/discordgo"
	"github.com/susu3304/ledgerbot/internal/commands"
)

const choicePrefix = "choice:"

func (b *Bot) onReady(s *discordgo.Session, event *discordgo.Ready) {
	b.logger.Info(b.ctx, "connected", "username", event.User.Username)
	if err := b.registerCommands(); err != nil {
		b.logger.Error(b.ctx, "failed to register commands", "err", err)
	}
}

func (b *Bot) onMessageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	selfID := ""
	if s.State != nil && s.State.User != nil {
		selfID = s.State.User.ID
	}
	text, ok := messageText(m.Message, selfID)
	if !ok {
		return
	}
	b.submit(m.Author.ID, m.ChannelID, text)
}

// messageText extracts the text meant for the bot: everything in a direct
// message, and only messages that mention the bot in a guild.
func messageText(m *discordgo.Message, selfID string) (string, bool) {
	content := strings.TrimSpace(m.Content)
	if m.GuildID == "" {
		return content, content != ""
	}
	if selfID == "" {
		return "", false
	}
	for _, mention := range []string{"<@" + selfID + ">", "<@!" + selfID + ">"} {
		if strings.Contains(content, mention) {
			content = strings.TrimSpace(strings.ReplaceAll(content, mention, ""))
			return content, content != ""
		}
	}
	return "", false
}

func (b *Bot) onInteractionCreate(s *discordgo.Session, i *discordgo.InteractionCreate) {
	user := interactionUser(i)
	if user == nil {
		return
	}

	var text string
	var ack *discordgo.InteractionResponse
	switch i.Type {
	case discordgo.InteractionApplicationCommand:
		text = slashText(i.ApplicationCommandData())
		ack = &discordgo.InteractionResponse{
			Type: discordgo.InteractionResponseChannelMessageWithSource,
			Data: &discordgo.InteractionResponseData{Content: "> " + text},
		}
	case discordgo.InteractionMessageComponent:
		id := i.MessageComponentData().CustomID
		if !strings.HasPrefix(id, choicePrefix) {
			return
		}
		text = strings.TrimPrefix(id, choicePrefix)
		ack = &discordgo.InteractionResponse{Type: discordgo.InteractionResponseDeferredMessageUpdate}
	default:
		return
	}

	if err := s.InteractionRespond(i.Interaction, ack); err != nil {
		b.logger.Warn(b.ctx, "failed to acknowledge interaction", "user_id", user.ID, "err", err)
	}
	b.submit(user.ID, i.ChannelID, text)
}

func interactionUser(i *discordgo.InteractionCreate) *discordgo.User {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User
	}
	return i.User
}

// slashText renders a slash command as the "/name args" text the dispatcher
// classifies.
func slashText(data discordgo.ApplicationCommandInteractionData) string {
	text := "/" + data.Name
	for _, opt := range data.Options {
		if opt.Type == discordgo.ApplicationCommandOptionString {
			if v := strings.TrimSpace(opt.StringValue()); v != "" {
				text += " " + v
			}
		}
	}
	return text
}

func (b *Bot) submit(authorID, channelID, text string) {
	userID, err := commands.ParseUserID(authorID)
	if err != nil {
		b.logger.Warn(b.ctx, "ignoring message", "err", err)
		return
	}
	in := commands.Inbound{UserID: userID, Text: text, Transport: transportName}
	b.dispatcher.Submit(b.ctx, in, b.replyTo(channelID))
}
