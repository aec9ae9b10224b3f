package agent

import (
	"encoding/json"
	"html"
	"regexp"
	"strings"
)

// ParsedCall is a tool invocation recovered from assistant text. Used
// for providers without native tool calling and as a safety net when
// native mode returns prose containing call markup.
type ParsedCall struct {
	Name string
	Args map[string]interface{}
}

var (
	// <tool_call>{"name": ..., "arguments": {...}}</tool_call>
	toolCallBlockRe = regexp.MustCompile(`(?s)<tool_call>\s*(\{.*?\})\s*</tool_call>`)

	// <tool_call name="x" arguments="{&quot;k&quot;:1}"/> with
	// HTML-entity-encoded attribute JSON.
	toolCallAttrRe = regexp.MustCompile(`<tool_call\s+name="([^"]+)"(?:\s+(?:arguments|params|parameters)="([^"]*)")?\s*/>`)

	// Residual markup that should never reach the user.
	artifactRe = regexp.MustCompile(`(?s)</?(?:tool_call|tool_use|function_calls?|invoke|parameter)\b[^>]*>`)
)

// ParseToolCalls extracts every recognized tool-call representation
// from text and returns the calls plus the text with all matched
// fragments removed.
func ParseToolCalls(text string) ([]ParsedCall, string) {
	var calls []ParsedCall

	for _, m := range toolCallBlockRe.FindAllStringSubmatch(text, -1) {
		if c, ok := callFromJSON(m[1]); ok {
			calls = append(calls, c)
		}
	}
	cleaned := toolCallBlockRe.ReplaceAllString(text, "")

	for _, m := range toolCallAttrRe.FindAllStringSubmatch(cleaned, -1) {
		c := ParsedCall{Name: m[1], Args: map[string]interface{}{}}
		if m[2] != "" {
			var args map[string]interface{}
			if json.Unmarshal([]byte(html.UnescapeString(m[2])), &args) == nil {
				c.Args = args
			}
		}
		calls = append(calls, c)
	}
	cleaned = toolCallAttrRe.ReplaceAllString(cleaned, "")

	// Bare JSON objects on their own lines.
	var kept []string
	for _, line := range strings.Split(cleaned, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}") {
			if c, ok := callFromJSON(trimmed); ok {
				calls = append(calls, c)
				continue
			}
		}
		kept = append(kept, line)
	}
	cleaned = strings.Join(kept, "\n")

	return calls, strings.TrimSpace(cleaned)
}

// callFromJSON accepts {name, params|parameters|arguments}.
func callFromJSON(raw string) (ParsedCall, bool) {
	var obj map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return ParsedCall{}, false
	}
	name, _ := obj["name"].(string)
	if name == "" {
		return ParsedCall{}, false
	}
	args := map[string]interface{}{}
	for _, key := range []string{"params", "parameters", "arguments"} {
		if m, ok := obj[key].(map[string]interface{}); ok {
			args = m
			break
		}
	}
	return ParsedCall{Name: name, Args: args}, true
}

// HasToolCallMarkup reports whether text still carries call-like
// fragments. Drives the native-mode safety net.
func HasToolCallMarkup(text string) bool {
	if artifactRe.MatchString(text) {
		return true
	}
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}") {
			if _, ok := callFromJSON(trimmed); ok {
				return true
			}
		}
	}
	return false
}
