package tools

import "context"

// Tool execution context keys. The registry injects invocation scope
// into context before Execute so tool instances stay stateless and safe
// for concurrent use.

type toolContextKey string

const (
	ctxUserID  toolContextKey = "tool_user_id"
	ctxAgentID toolContextKey = "tool_agent_id"
	ctxChatID  toolContextKey = "tool_chat_id"
	ctxChannel toolContextKey = "tool_channel"
)

func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxUserID, id)
}

func UserIDFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxUserID).(string)
	return v
}

func WithAgentID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxAgentID, id)
}

func AgentIDFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxAgentID).(string)
	return v
}

func WithChatID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxChatID, id)
}

func ChatIDFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxChatID).(string)
	return v
}

func WithChannel(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, ctxChannel, name)
}

func ChannelFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(ctxChannel).(string)
	return v
}
