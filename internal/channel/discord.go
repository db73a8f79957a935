package channel

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/bwmarrin/discordgo"

	"wabridge/internal/domain"
)

const discordMaxMsgLen = 2000

// Discord implements domain.Channel for a Discord bot. Guild messages need
// the "!" prefix; direct messages may be plain text. Slash commands mirror
// the same set. It never requests auto-send.
type Discord struct {
	token   string
	guildID string
	relay   *chatRelay
	session *discordgo.Session
	logger  *slog.Logger
}

type DiscordConfig struct {
	Token     string
	GuildID   string   // empty = every guild the bot is in
	AllowFrom []string // Discord user IDs
	Status    StatusFunc
	Logger    *slog.Logger
}

func NewDiscord(cfg DiscordConfig) *Discord {
	return &Discord{
		token:   cfg.Token,
		guildID: cfg.GuildID,
		relay: &chatRelay{
			channel: "discord",
			prefix:  "!",
			header:  "wabridge is running",
			status:  cfg.Status,
			allow:   newAllowList(cfg.AllowFrom),
			logger:  cfg.Logger,
		},
		logger: cfg.Logger,
	}
}

func (d *Discord) Name() string { return "discord" }

// Start connects the gateway session and serves until ctx is cancelled.
func (d *Discord) Start(ctx context.Context, bus domain.MessageBus) error {
	d.relay.bus = bus

	session, err := discordgo.New("Bot " + d.token)
	if err != nil {
		return fmt.Errorf("discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages | discordgo.IntentsMessageContent
	d.session = session

	session.AddHandler(func(s *discordgo.Session, m *discordgo.MessageCreate) {
		d.onMessage(ctx, s, m)
	})
	session.AddHandler(func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		d.onInteraction(ctx, s, i)
	})

	if err := session.Open(); err != nil {
		return fmt.Errorf("discord connect: %w", err)
	}
	d.logger.Info("discord bot connected", "user", session.State.User.Username)
	d.registerCommands()

	<-ctx.Done()
	d.logger.Info("discord channel stopping")
	return session.Close()
}

// Stop is a no-op: the session closes when Start's context is cancelled.
func (d *Discord) Stop() error { return nil }

func (d *Discord) onMessage(ctx context.Context, s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	if s.State != nil && s.State.User != nil && m.Author.ID == s.State.User.ID {
		return
	}
	if d.guildID != "" && m.GuildID != "" && m.GuildID != d.guildID {
		return
	}
	command, args, ok := discordCommand(m.Content, m.GuildID == "")
	if !ok {
		return
	}

	go func() {
		reply := d.relay.reply(ctx, m.Author.ID, command, args)
		for _, chunk := range splitMessage(reply, discordMaxMsgLen) {
			if _, err := s.ChannelMessageSend(m.ChannelID, chunk); err != nil {
				d.logger.Error("discord send failed", "channel", m.ChannelID, "err", err)
			}
		}
	}()
}

// discordCommand decides whether a message is addressed to the bridge.
// Plain text only counts in direct messages.
func discordCommand(content string, direct bool) (command, args string, ok bool) {
	command, args, prefixed := parseCommand(content, "!")
	if !prefixed && (!direct || args == "") {
		return "", "", false
	}
	return command, args, true
}

func (d *Discord) onInteraction(ctx context.Context, s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionApplicationCommand {
		return
	}
	command, args := interactionCommand(i.ApplicationCommandData())
	user := interactionUser(i.Interaction)

	err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseDeferredChannelMessageWithSource,
	})
	if err != nil {
		d.logger.Warn("discord interaction ack failed", "command", command, "err", err)
		return
	}

	go func() {
		reply := d.relay.reply(ctx, user, command, args)
		if reply == "" {
			reply = "Nothing to do."
		}
		for _, chunk := range splitMessage(reply, discordMaxMsgLen) {
			if _, err := s.FollowupMessageCreate(i.Interaction, true, &discordgo.WebhookParams{Content: chunk}); err != nil {
				d.logger.Error("discord followup failed", "command", command, "err", err)
			}
		}
	}()
}

func interactionCommand(data discordgo.ApplicationCommandInteractionData) (command, args string) {
	for _, opt := range data.Options {
		if opt.Type == discordgo.ApplicationCommandOptionString && opt.Name == "text" {
			args = opt.StringValue()
		}
	}
	return data.Name, args
}

// interactionUser is the invoking user: Member in guilds, User in DMs.
func interactionUser(i *discordgo.Interaction) string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID
	}
	if i.User != nil {
		return i.User.ID
	}
	return ""
}

func discordCommands() []*discordgo.ApplicationCommand {
	text := []*discordgo.ApplicationCommandOption{{
		Type:        discordgo.ApplicationCommandOptionString,
		Name:        "text",
		Description: "Text for the WhatsApp composer",
		Required:    true,
	}}
	return []*discordgo.ApplicationCommand{
		{Name: "ping", Description: "Check the WhatsApp tab listener"},
		{Name: "paste", Description: "Put text into the open chat's composer", Options: text},
		{Name: "insert", Description: "Find the WhatsApp tab and fill its composer", Options: text},
		{Name: "status", Description: "Show daemon status"},
		{Name: "help", Description: "Show available commands"},
	}
}

func (d *Discord) registerCommands() {
	appID := d.session.State.User.ID
	if _, err := d.session.ApplicationCommandBulkOverwrite(appID, d.guildID, discordCommands()); err != nil {
		d.logger.Warn("failed to register discord commands", "err", err)
	}
}
