package channel

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"wabridge/internal/domain"
)

// chatRequestTimeout bounds one insertion requested from a chat bot.
const chatRequestTimeout = 90 * time.Second

// chatHelp lists the commands every chat bot understands. prefix is how
// the platform marks a command ("/" or "!").
func chatHelp(prefix string) string {
	return fmt.Sprintf(`wabridge commands:
%[1]sping - check the WhatsApp tab listener
%[1]spaste <text> - put text into the open chat's composer
%[1]sinsert <text> - same, resolving the WhatsApp tab first
%[1]sstatus - daemon status
Plain text in a direct message is treated as %[1]sinsert. Nothing is ever sent automatically.`, prefix)
}

// commandMessage maps a bot command to a bridge envelope. An empty command
// means plain text.
func commandMessage(command, args string) (domain.Message, error) {
	switch command {
	case "ping":
		return domain.Message{Type: domain.TypePing}, nil
	case "paste", "insert", "":
		if args == "" {
			return domain.Message{}, fmt.Errorf("usage: /%s <text>", cmp.Or(command, "insert"))
		}
		typ := domain.TypeInsert
		if command == "paste" {
			typ = domain.TypePaste
		}
		return domain.Message{Type: typ, Text: args}, nil
	default:
		return domain.Message{}, fmt.Errorf("unknown command /%s, try /help", command)
	}
}

// parseCommand splits "!insert hello" into ("insert", "hello"). Text that
// does not start with prefix comes back as plain text with ok false.
func parseCommand(text, prefix string) (command, args string, ok bool) {
	text = strings.TrimSpace(text)
	if prefix == "" || !strings.HasPrefix(text, prefix) {
		return "", text, false
	}
	word, rest, _ := strings.Cut(strings.TrimPrefix(text, prefix), " ")
	word, _, _ = strings.Cut(word, "@")
	return strings.ToLower(word), strings.TrimSpace(rest), true
}

func replyText(typ string, resp domain.Response) string {
	if !resp.OK {
		if resp.Error == "" {
			return "Failed."
		}
		return "Failed: " + resp.Error
	}
	if typ == domain.TypePing {
		return "pong: WhatsApp tab listener is attached."
	}
	return "Inserted into the WhatsApp composer. Review it and press send."
}

// formatStatus renders header followed by the status fields, sorted.
func formatStatus(ctx context.Context, header string, status StatusFunc) string {
	var sb strings.Builder
	sb.WriteString(header)
	sb.WriteString("\n")
	if status != nil {
		st := status(ctx)
		keys := make([]string, 0, len(st))
		for k := range st {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&sb, "%s: %v\n", k, st[k])
		}
	}
	return strings.TrimRight(sb.String(), "\n")
}

// splitMessage cuts text into chunks of at most maxLen bytes, preferring a
// newline in the second half of the window.
func splitMessage(text string, maxLen int) []string {
	var chunks []string
	for len(text) > maxLen {
		cutAt := strings.LastIndex(text[:maxLen], "\n")
		if cutAt < maxLen/2 {
			cutAt = maxLen
		}
		chunks = append(chunks, text[:cutAt])
		text = text[cutAt:]
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}

// allowList holds platform user IDs; empty allows everyone.
type allowList []string

func newAllowList(ids []string) allowList {
	var out allowList
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			out = append(out, id)
		}
	}
	return out
}

func (a allowList) allows(id string) bool {
	return len(a) == 0 || slices.Contains(a, id)
}

// chatRelay is the request path the Discord and Slack bots share: answer
// help and status locally, everything else goes to the bus.
type chatRelay struct {
	channel string
	prefix  string
	header  string
	status  StatusFunc
	allow   allowList
	bus     domain.MessageBus
	logger  *slog.Logger
}

// reply runs one command from user and returns the text to post back.
// An empty reply means there is nothing to say.
func (r *chatRelay) reply(ctx context.Context, user, command, args string) string {
	if !r.allow.allows(user) {
		r.logger.Warn("unauthorized "+r.channel+" user", "user_id", user)
		return "Unauthorized. Your user ID is not in the allow list."
	}
	if command == "" && args == "" {
		return ""
	}

	switch command {
	case "start", "help":
		return chatHelp(r.prefix)
	case "status":
		return formatStatus(ctx, r.header, r.status)
	}

	msg, err := commandMessage(command, args)
	if err != nil {
		return err.Error()
	}
	msg.ID = uuid.NewString()
	msg.Channel = r.channel

	r.logger.Info(r.channel+" message received", "id", msg.ID, "type", msg.Type, "user_id", user, "text_len", len(msg.Text))

	reqCtx, cancel := context.WithTimeout(ctx, chatRequestTimeout)
	defer cancel()
	resp, err := r.bus.Send(reqCtx, msg)
	if err != nil {
		resp = domain.ErrorResponse(err)
	}
	return replyText(msg.Type, resp)
}
