package bus

import (
	"log/slog"
	"sync"
)

// MessageBus routes messages between channels and the agent runtime.
// Inbound and callback traffic fans out to the registered handlers on
// the publisher's goroutine; outbound traffic goes to the channel sender
// registered for the message's channel name.
type MessageBus struct {
	mu        sync.RWMutex
	inbound   []MessageHandler
	callbacks []CallbackHandler
	senders   map[string]func(OutboundMessage) error
	typing    map[string]func(TypingNotice)
}

func New() *MessageBus {
	return &MessageBus{
		senders: make(map[string]func(OutboundMessage) error),
		typing:  make(map[string]func(TypingNotice)),
	}
}

// OnInbound registers a handler for inbound chat messages.
func (b *MessageBus) OnInbound(h MessageHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inbound = append(b.inbound, h)
}

// OnCallback registers a handler for button presses.
func (b *MessageBus) OnCallback(h CallbackHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.callbacks = append(b.callbacks, h)
}

// RegisterSender binds a channel name to its outbound send function.
func (b *MessageBus) RegisterSender(channel string, send func(OutboundMessage) error, typing func(TypingNotice)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.senders[channel] = send
	if typing != nil {
		b.typing[channel] = typing
	}
}

// PublishInbound delivers an inbound message to all handlers.
func (b *MessageBus) PublishInbound(msg InboundMessage) {
	b.mu.RLock()
	handlers := b.inbound
	b.mu.RUnlock()
	for _, h := range handlers {
		h(msg)
	}
}

// PublishCallback delivers a button press to all handlers.
func (b *MessageBus) PublishCallback(cb CallbackReply) {
	b.mu.RLock()
	handlers := b.callbacks
	b.mu.RUnlock()
	for _, h := range handlers {
		h(cb)
	}
}

// PublishOutbound sends a message through the bound channel sender.
func (b *MessageBus) PublishOutbound(msg OutboundMessage) error {
	b.mu.RLock()
	send, ok := b.senders[msg.Channel]
	b.mu.RUnlock()
	if !ok {
		slog.Warn("bus.outbound.no_sender", "channel", msg.Channel, "chat_id", msg.ChatID)
		return nil
	}
	return send(msg)
}

// NotifyTyping signals a typing indicator, best effort.
func (b *MessageBus) NotifyTyping(n TypingNotice) {
	b.mu.RLock()
	fn, ok := b.typing[n.Channel]
	b.mu.RUnlock()
	if ok {
		fn(n)
	}
}
