package channel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"wabridge/internal/domain"
)

const slackMaxMsgLen = 4000

// Slack implements domain.Channel for a Slack app over Socket Mode. It
// answers direct messages, @mentions and the /wabridge slash command. It
// never requests auto-send.
type Slack struct {
	botToken string
	appToken string
	relay    *chatRelay
	client   *slack.Client
	botUID   string
	logger   *slog.Logger
}

type SlackConfig struct {
	BotToken  string // xoxb-
	AppToken  string // xapp-, Socket Mode
	AllowFrom []string
	Status    StatusFunc
	Logger    *slog.Logger
}

func NewSlack(cfg SlackConfig) *Slack {
	return &Slack{
		botToken: cfg.BotToken,
		appToken: cfg.AppToken,
		relay: &chatRelay{
			channel: "slack",
			prefix:  "/",
			header:  "wabridge is running",
			status:  cfg.Status,
			allow:   newAllowList(cfg.AllowFrom),
			logger:  cfg.Logger,
		},
		logger: cfg.Logger,
	}
}

func (s *Slack) Name() string { return "slack" }

// Start authenticates, then runs the Socket Mode loop until ctx is
// cancelled.
func (s *Slack) Start(ctx context.Context, bus domain.MessageBus) error {
	s.relay.bus = bus

	api := slack.New(s.botToken, slack.OptionAppLevelToken(s.appToken))
	s.client = api

	auth, err := api.AuthTestContext(ctx)
	if err != nil {
		return fmt.Errorf("slack auth: %w", err)
	}
	s.botUID = auth.UserID
	s.relay.header = "wabridge is running as @" + auth.User
	s.logger.Info("slack bot connected", "user", auth.User, "user_id", auth.UserID)

	socket := socketmode.New(api)
	go s.consume(ctx, socket)

	errCh := make(chan error, 1)
	go func() {
		errCh <- socket.RunContext(ctx)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("slack channel stopping")
		return nil
	case err := <-errCh:
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("slack socket mode: %w", err)
	}
}

// Stop is a no-op: Socket Mode stops when Start's context is cancelled.
func (s *Slack) Stop() error { return nil }

func (s *Slack) consume(ctx context.Context, socket *socketmode.Client) {
	for {
		var evt socketmode.Event
		select {
		case <-ctx.Done():
			return
		case evt = <-socket.Events:
		}

		// Slack redelivers anything not acked.
		if evt.Request != nil {
			socket.Ack(*evt.Request)
		}
		switch evt.Type {
		case socketmode.EventTypeEventsAPI:
			if e, ok := evt.Data.(slackevents.EventsAPIEvent); ok {
				s.handleEventsAPI(ctx, e)
			}
		case socketmode.EventTypeSlashCommand:
			if cmd, ok := evt.Data.(slack.SlashCommand); ok {
				command, args := slashCommand(cmd.Text)
				go s.answer(ctx, cmd.ChannelID, cmd.UserID, command, args)
			}
		case socketmode.EventTypeConnecting, socketmode.EventTypeConnected:
			s.logger.Debug("slack socket mode", "state", evt.Type)
		case socketmode.EventTypeConnectionError:
			s.logger.Warn("slack socket mode connection error", "data", evt.Data)
		}
	}
}

func (s *Slack) handleEventsAPI(ctx context.Context, event slackevents.EventsAPIEvent) {
	if event.Type != slackevents.CallbackEvent {
		return
	}
	switch ev := event.InnerEvent.Data.(type) {
	case *slackevents.MessageEvent:
		if ev.User == "" || ev.User == s.botUID || ev.BotID != "" || ev.SubType != "" {
			return
		}
		// Channel messages arrive as app_mention as well.
		if ev.ChannelType != "im" {
			return
		}
		command, args, _ := parseCommand(ev.Text, "/")
		go s.answer(ctx, ev.Channel, ev.User, command, args)

	case *slackevents.AppMentionEvent:
		if ev.User == "" || ev.BotID != "" {
			return
		}
		command, args := slashCommand(stripMention(ev.Text))
		go s.answer(ctx, ev.Channel, ev.User, command, args)
	}
}

func (s *Slack) answer(ctx context.Context, channelID, user, command, args string) {
	reply := s.relay.reply(ctx, user, command, args)
	for _, chunk := range splitMessage(reply, slackMaxMsgLen) {
		if _, _, err := s.client.PostMessageContext(ctx, channelID, slack.MsgOptionText(chunk, false)); err != nil {
			s.logger.Error("slack send failed", "channel", channelID, "err", err)
		}
	}
}

// slashCommand reads "/wabridge insert hello" style arguments: the first
// word names the command when it is one the bridge knows, otherwise the
// whole text is plain.
func slashCommand(text string) (command, args string) {
	text = strings.TrimSpace(text)
	word, rest, _ := strings.Cut(text, " ")
	switch w := strings.ToLower(strings.TrimPrefix(word, "/")); w {
	case "ping", "paste", "insert", "status", "help":
		return w, strings.TrimSpace(rest)
	}
	if strings.HasPrefix(word, "/") {
		return strings.TrimPrefix(word, "/"), strings.TrimSpace(rest)
	}
	return "", text
}

// stripMention drops the leading <@U123> of an app mention.
func stripMention(text string) string {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "<@") {
		if idx := strings.Index(text, ">"); idx >= 0 {
			return strings.TrimSpace(text[idx+1:])
		}
	}
	return text
}
