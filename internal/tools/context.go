package tools

import "context"

type ctxKey int

const (
	callerKey ctxKey = iota
	conversationKey
)

// WithCaller records the executing agent's pubkey for tools that validate
// against it (self-delegation checks).
func WithCaller(ctx context.Context, pubkey string) context.Context {
	return context.WithValue(ctx, callerKey, pubkey)
}

// CallerFromCtx returns the executing agent's pubkey, if set.
func CallerFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(callerKey).(string)
	return v
}

// WithConversation records the conversation id the tool call runs in.
func WithConversation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, conversationKey, id)
}

// ConversationFromCtx returns the conversation id, if set.
func ConversationFromCtx(ctx context.Context) string {
	v, _ := ctx.Value(conversationKey).(string)
	return v
}
