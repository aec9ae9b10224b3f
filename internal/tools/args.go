package tools

import (
	"context"
	"fmt"

	"github.com/nextlevelbuilder/trellis/internal/store"
)

// strArg reads a string argument, tolerating absent keys.
func strArg(args map[string]interface{}, key string) string {
	v, _ := args[key].(string)
	return v
}

// floatArg reads a numeric argument. JSON numbers decode as float64;
// integers typed by the model as strings are not accepted.
func floatArg(args map[string]interface{}, key string) (float64, bool) {
	v, ok := args[key].(float64)
	return v, ok
}

// intArg reads a numeric argument as int.
func intArg(args map[string]interface{}, key string) (int, bool) {
	v, ok := args[key].(float64)
	return int(v), ok
}

// boolArg reads a boolean argument.
func boolArg(args map[string]interface{}, key string) (bool, bool) {
	v, ok := args[key].(bool)
	return v, ok
}

// strSliceArg reads a []string argument from a JSON array.
func strSliceArg(args map[string]interface{}, key string) []string {
	raw, ok := args[key].([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// scopeFromCtx builds the storage scope from invocation context. Tools
// must never read or write outside the calling (user, agent) pair.
func scopeFromCtx(ctx context.Context) (store.Scope, error) {
	user := UserIDFromCtx(ctx)
	agent := AgentIDFromCtx(ctx)
	if user == "" || agent == "" {
		return store.Scope{}, fmt.Errorf("missing invocation scope")
	}
	return store.Scope{UserID: user, AgentID: agent}, nil
}
