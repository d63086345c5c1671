// Package bot is the Discord transport. It turns direct messages, mentions,
// slash commands and button presses into dispatcher messages and sends the
// replies back to the originating channel.
package bot

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"github.com/susu3304/ledgerbot/internal/commands"
	"github.com/susu3304/ledgerbot/internal/logging"
)

const transportName = "discord"

// Submitter accepts inbound messages for asynchronous handling.
type Submitter interface {
	Submit(ctx context.Context, in commands.Inbound, reply commands.ReplyFunc) bool
}

// messageSender is the part of *discordgo.Session used to deliver replies.
type messageSender interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

type Bot struct {
	session    *discordgo.Session
	sender     messageSender
	dispatcher Submitter
	logger     logging.Logger
	ctx        context.Context
}

func New(token string, dispatcher Submitter, logger logging.Logger) (*Bot, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}

	b := &Bot{
		session:    session,
		sender:     session,
		dispatcher: dispatcher,
		logger:     logger.With("transport", transportName),
		ctx:        context.Background(),
	}

	session.AddHandler(b.onReady)
	session.AddHandler(b.onMessageCreate)
	session.AddHandler(b.onInteractionCreate)

	// Handlers for one connection run in arrival order.
	session.SyncEvents = true
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	return b, nil
}

// Run connects and serves until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	b.ctx = ctx
	if err := b.session.Open(); err != nil {
		return fmt.Errorf("failed to open discord session: %w", err)
	}
	b.logger.Info(ctx, "discord bot is running")

	<-ctx.Done()
	if err := b.session.Close(); err != nil {
		return fmt.Errorf("close discord session: %w", err)
	}
	return nil
}

// slashCommands builds the application commands from the dispatcher catalog.
func slashCommands() []*discordgo.ApplicationCommand {
	var out []*discordgo.ApplicationCommand
	for _, def := range commands.Catalog() {
		cmd := &discordgo.ApplicationCommand{
			Name:         def.Name,
			Description:  def.Description,
			DMPermission: boolPtr(true),
		}
		if def.Arg != nil {
			cmd.Options = []*discordgo.ApplicationCommandOption{{
				Type:        discordgo.ApplicationCommandOptionString,
				Name:        def.Arg.Name,
				Description: def.Arg.Description,
			}}
		}
		out = append(out, cmd)
	}
	return out
}

func (b *Bot) registerCommands() error {
	cmds := slashCommands()
	// Replaces whatever was registered before.
	if _, err := b.session.ApplicationCommandBulkOverwrite(b.session.State.User.ID, "", cmds); err != nil {
		return err
	}
	b.logger.Info(b.ctx, "registered application commands", "count", len(cmds))
	return nil
}

func boolPtr(b bool) *bool {
	return &b
}
