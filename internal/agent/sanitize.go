package agent

import (
	"regexp"
	"strings"
)

var (
	thinkingTagRe = regexp.MustCompile(`(?s)<(?:thinking|think|reflection)>.*?</(?:thinking|think|reflection)>`)
	finalTagRe    = regexp.MustCompile(`(?s)</?(?:final|answer|response)>`)
	toolCallsNote = regexp.MustCompile(`\[tool_calls?:[^\]]*\]`)
	systemEchoRe  = regexp.MustCompile(`(?m)^\[System Message\].*$`)
)

// SanitizeReply scrubs assistant text before it reaches a user: call
// markup, thinking tags, echoed system injections, duplicated blocks.
// Returns "" when nothing presentable remains.
func SanitizeReply(text string) string {
	if text == "" {
		return ""
	}
	_, text = ParseToolCalls(text)
	text = artifactRe.ReplaceAllString(text, "")
	text = thinkingTagRe.ReplaceAllString(text, "")
	text = finalTagRe.ReplaceAllString(text, "")
	text = toolCallsNote.ReplaceAllString(text, "")
	text = systemEchoRe.ReplaceAllString(text, "")
	text = collapseDuplicateBlocks(text)
	return strings.TrimSpace(text)
}

// collapseDuplicateBlocks drops consecutive identical paragraphs, a
// common degenerate output under repeated sampling.
func collapseDuplicateBlocks(text string) string {
	blocks := strings.Split(text, "\n\n")
	var out []string
	for _, b := range blocks {
		trimmed := strings.TrimSpace(b)
		if trimmed == "" {
			continue
		}
		if len(out) > 0 && out[len(out)-1] == trimmed {
			continue
		}
		out = append(out, trimmed)
	}
	return strings.Join(out, "\n\n")
}

// IsSilentReply reports whether the model chose not to respond.
func IsSilentReply(text string) bool {
	trimmed := strings.TrimSpace(text)
	return trimmed == "" || strings.EqualFold(trimmed, "NO_REPLY") || strings.EqualFold(trimmed, "[no reply]")
}
