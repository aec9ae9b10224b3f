// Package telegram connects one agent's bot to the message bus via the
// Bot API with long polling.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/mymmrac/telego"
	"golang.org/x/time/rate"

	"github.com/nextlevelbuilder/trellis/internal/bus"
	"github.com/nextlevelbuilder/trellis/internal/config"
)

const pollTimeout = 30

// Telegram allows roughly 30 messages per second bot-wide; staying a
// little under avoids 429 churn on bursts.
var sendInterval = rate.Every(40 * time.Millisecond)

// Channel is one bot connection. Each deployed agent gets its own.
type Channel struct {
	agentID string
	bot     *telego.Bot
	cfg     config.TelegramConfig
	bus     *bus.MessageBus
	limiter *rate.Limiter
	allow   map[string]bool

	pollCancel context.CancelFunc
	pollDone   chan struct{}
}

// New builds the channel and registers its sender on the bus.
func New(agentID, token string, cfg config.TelegramConfig, msgBus *bus.MessageBus) (*Channel, error) {
	var opts []telego.BotOption
	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", cfg.Proxy, err)
		}
		opts = append(opts, telego.WithHTTPClient(&http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxyURL)},
		}))
	}

	bot, err := telego.NewBot(token, opts...)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}

	allow := make(map[string]bool, len(cfg.AllowFrom))
	for _, id := range cfg.AllowFrom {
		allow[id] = true
	}

	c := &Channel{
		agentID: agentID,
		bot:     bot,
		cfg:     cfg,
		bus:     msgBus,
		limiter: rate.NewLimiter(sendInterval, 3),
		allow:   allow,
	}
	msgBus.RegisterSender(c.Name(), c.send, c.typing)
	return c, nil
}

func (c *Channel) Name() string { return "telegram" }

// Start begins long polling for updates.
func (c *Channel) Start(ctx context.Context) error {
	pollCtx, cancel := context.WithCancel(ctx)
	c.pollCancel = cancel
	c.pollDone = make(chan struct{})

	updates, err := c.bot.UpdatesViaLongPolling(pollCtx, &telego.GetUpdatesParams{
		Timeout:        pollTimeout,
		AllowedUpdates: []string{"message", "callback_query"},
	})
	if err != nil {
		cancel()
		return fmt.Errorf("start long polling: %w", err)
	}
	slog.Info("telegram.connected", "agent", c.agentID, "username", c.bot.Username())

	go func() {
		defer close(c.pollDone)
		for {
			select {
			case <-pollCtx.Done():
				return
			case update, ok := <-updates:
				if !ok {
					slog.Info("telegram.updates_closed", "agent", c.agentID)
					return
				}
				switch {
				case update.Message != nil:
					c.handleMessage(update.Message)
				case update.CallbackQuery != nil:
					c.handleCallbackQuery(pollCtx, update.CallbackQuery)
				}
			}
		}
	}()
	return nil
}

// Stop cancels polling and waits for the receive loop, so Telegram
// releases the getUpdates lock before a restart.
func (c *Channel) Stop(context.Context) error {
	if c.pollCancel != nil {
		c.pollCancel()
	}
	if c.pollDone != nil {
		select {
		case <-c.pollDone:
		case <-time.After(10 * time.Second):
			slog.Warn("telegram.poll_exit_timeout", "agent", c.agentID)
		}
	}
	return nil
}

func parseChatID(chatIDStr string) (int64, error) {
	var id int64
	_, err := fmt.Sscanf(chatIDStr, "%d", &id)
	return id, err
}
