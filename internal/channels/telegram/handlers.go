package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/trellis/internal/bus"
	"github.com/nextlevelbuilder/trellis/internal/channels"
)

// maxMessageLen is Telegram's hard limit per message.
const maxMessageLen = 4096

func (c *Channel) handleMessage(message *telego.Message) {
	user := message.From
	if user == nil {
		return
	}
	text := message.Text
	if text == "" {
		text = message.Caption
	}
	if text == "" {
		return
	}

	userID := fmt.Sprintf("%d", user.ID)
	if len(c.allow) > 0 && !c.allow[userID] && !c.allow[user.Username] {
		slog.Debug("telegram.rejected_by_allowlist", "user_id", userID, "username", user.Username)
		return
	}

	slog.Debug("telegram.message", "agent", c.agentID, "chat_id", message.Chat.ID,
		"user_id", user.ID, "preview", channels.Truncate(text, 60))

	c.bus.PublishInbound(bus.InboundMessage{
		Channel: c.Name(),
		AgentID: c.agentID,
		UserID:  userID,
		ChatID:  fmt.Sprintf("%d", message.Chat.ID),
		Content: text,
	})
}

func (c *Channel) handleCallbackQuery(ctx context.Context, q *telego.CallbackQuery) {
	// Ack immediately so the client stops its spinner; routing happens
	// after.
	err := c.bot.AnswerCallbackQuery(ctx, &telego.AnswerCallbackQueryParams{
		CallbackQueryID: q.ID,
	})
	if err != nil {
		slog.Debug("telegram.callback_ack_failed", "error", err)
	}

	chatID := ""
	if q.Message != nil {
		chatID = fmt.Sprintf("%d", q.Message.GetChat().ID)
	}
	c.bus.PublishCallback(bus.CallbackReply{
		Channel: c.Name(),
		AgentID: c.agentID,
		UserID:  fmt.Sprintf("%d", q.From.ID),
		ChatID:  chatID,
		Data:    q.Data,
	})
}

// send delivers one outbound message, chunked to the API limit.
// Buttons attach to the last chunk so they sit under the full text.
func (c *Channel) send(msg bus.OutboundMessage) error {
	chatID, err := parseChatID(msg.ChatID)
	if err != nil {
		return fmt.Errorf("bad chat id %q: %w", msg.ChatID, err)
	}

	chunks := splitMessage(msg.Content, maxMessageLen)
	for i, chunk := range chunks {
		if err := c.limiter.Wait(context.Background()); err != nil {
			return err
		}
		params := tu.Message(tu.ID(chatID), chunk)
		params.ParseMode = telego.ModeMarkdown
		if i == len(chunks)-1 && len(msg.Buttons) > 0 {
			params.ReplyMarkup = keyboard(msg.Buttons)
		}
		if _, err := c.bot.SendMessage(context.Background(), params); err != nil {
			// Markdown rejections (unbalanced markers in model output)
			// retry as plain text rather than dropping the message.
			params.ParseMode = ""
			if _, plainErr := c.bot.SendMessage(context.Background(), params); plainErr != nil {
				return fmt.Errorf("send message: %w", plainErr)
			}
		}
	}
	return nil
}

func (c *Channel) typing(n bus.TypingNotice) {
	chatID, err := parseChatID(n.ChatID)
	if err != nil {
		return
	}
	action := tu.ChatAction(tu.ID(chatID), telego.ChatActionTyping)
	if err := c.bot.SendChatAction(context.Background(), action); err != nil {
		slog.Debug("telegram.typing_failed", "error", err)
	}
}

func keyboard(rows [][]bus.Button) *telego.InlineKeyboardMarkup {
	kb := make([][]telego.InlineKeyboardButton, 0, len(rows))
	for _, row := range rows {
		btns := make([]telego.InlineKeyboardButton, 0, len(row))
		for _, b := range row {
			btns = append(btns, tu.InlineKeyboardButton(b.Label).WithCallbackData(b.Data))
		}
		kb = append(kb, btns)
	}
	return &telego.InlineKeyboardMarkup{InlineKeyboard: kb}
}

// splitMessage cuts text into chunks of at most max runes, preferring
// newline boundaries and falling back to a hard cut.
func splitMessage(text string, max int) []string {
	if text == "" {
		return nil
	}
	var chunks []string
	remaining := []rune(text)
	for len(remaining) > max {
		cut := max
		for i := max; i > max/2; i-- {
			if remaining[i-1] == '\n' {
				cut = i
				break
			}
		}
		chunks = append(chunks, strings.TrimRight(string(remaining[:cut]), "\n"))
		remaining = remaining[cut:]
	}
	if len(remaining) > 0 {
		chunks = append(chunks, string(remaining))
	}
	return chunks
}
