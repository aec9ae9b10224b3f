package bus

// InboundMessage is a message received from a chat channel or the web UI.
type InboundMessage struct {
	Channel  string            `json:"channel"`
	AgentID  string            `json:"agent_id,omitempty"`
	UserID   string            `json:"user_id,omitempty"`
	ChatID   string            `json:"chat_id"`
	Content  string            `json:"content"`
	Voice    bool              `json:"voice,omitempty"` // transcript merged into Content upstream
	Media    []string          `json:"media,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// CallbackReply is a button press relayed from a chat channel.
// Data carries the raw callback payload (approve:<id>, deny:<id>,
// replyid:<ticket>, reply:<urlenc-text>).
type CallbackReply struct {
	Channel string `json:"channel"`
	AgentID string `json:"agent_id,omitempty"`
	UserID  string `json:"user_id,omitempty"`
	ChatID  string `json:"chat_id"`
	Data    string `json:"data"`
}

// Button is one inline keyboard button.
type Button struct {
	Label string `json:"label"` // rendered, clipped to the channel limit
	Data  string `json:"data"`  // callback payload
}

// OutboundMessage is a message to deliver to a chat channel.
type OutboundMessage struct {
	Channel string     `json:"channel"`
	ChatID  string     `json:"chat_id"`
	Content string     `json:"content"`
	Buttons [][]Button `json:"buttons,omitempty"` // rows of inline buttons
}

// TypingNotice asks the channel to show a typing indicator (best effort).
type TypingNotice struct {
	Channel string `json:"channel"`
	ChatID  string `json:"chat_id"`
}

// MessageHandler consumes inbound chat messages.
type MessageHandler func(InboundMessage)

// CallbackHandler consumes button presses.
type CallbackHandler func(CallbackReply)
