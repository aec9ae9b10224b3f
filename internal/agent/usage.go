package agent

import (
	"unicode/utf8"

	"github.com/nextlevelbuilder/trellis/internal/providers"
)

// estimateTokens approximates token counts at four characters per
// token, the usual upper bound for Latin-script chat text. Used when a
// provider omits usage so budget accounting never silently records
// zero.
func estimateTokens(parts ...string) int {
	chars := 0
	for _, p := range parts {
		chars += utf8.RuneCountInString(p)
	}
	if chars == 0 {
		return 0
	}
	return chars/4 + 1
}

// usageFor returns provider-reported usage, or a deterministic
// estimate from the request and response text.
func usageFor(req providers.ChatRequest, resp *providers.ChatResponse) providers.Usage {
	if resp != nil && resp.Usage != nil && resp.Usage.TotalTokens > 0 {
		return *resp.Usage
	}
	var promptParts []string
	for _, m := range req.Messages {
		promptParts = append(promptParts, m.Content)
	}
	prompt := estimateTokens(promptParts...)
	completion := 0
	if resp != nil {
		completion = estimateTokens(resp.Content)
	}
	return providers.Usage{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}
}

// modelPricing is USD per million tokens (input, output). Unknown
// models fall back to a conservative mid-tier rate so budget
// enforcement errs toward stopping.
var modelPricing = []struct {
	prefix  string
	in, out float64
}{
	{"claude-3-5-haiku", 0.80, 4.00},
	{"claude-haiku", 1.00, 5.00},
	{"claude-sonnet", 3.00, 15.00},
	{"claude-opus", 15.00, 75.00},
	{"claude", 3.00, 15.00},
	{"gpt-4o-mini", 0.15, 0.60},
	{"gpt-4o", 2.50, 10.00},
	{"gpt-4.1", 2.00, 8.00},
	{"o3", 2.00, 8.00},
}

func costUSD(model string, u providers.Usage) float64 {
	in, out := 3.00, 15.00
	for _, p := range modelPricing {
		if len(model) >= len(p.prefix) && model[:len(p.prefix)] == p.prefix {
			in, out = p.in, p.out
			break
		}
	}
	return float64(u.PromptTokens)*in/1e6 + float64(u.CompletionTokens)*out/1e6
}

func addUsage(total *providers.Usage, u providers.Usage) {
	total.PromptTokens += u.PromptTokens
	total.CompletionTokens += u.CompletionTokens
	total.TotalTokens += u.TotalTokens
}
