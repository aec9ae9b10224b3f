package agent

import (
	"strings"
	"testing"
)

func TestSanitizeReplyStripsArtifacts(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{
			"call block removed",
			"Done.\n<tool_call>{\"name\": \"x\", \"arguments\": {}}</tool_call>",
			"Done.",
		},
		{
			"thinking removed",
			"<thinking>let me reason</thinking>The answer is 4.",
			"The answer is 4.",
		},
		{
			"tool calls note removed",
			"Here you go [tool_calls: web_search]",
			"Here you go",
		},
		{
			"echoed system message removed",
			"[System Message] internal directive\nHello!",
			"Hello!",
		},
		{
			"stray invoke tags removed",
			"<invoke name=\"x\">Hi</invoke>",
			"Hi",
		},
	}
	for _, tc := range cases {
		if got := SanitizeReply(tc.in); got != tc.want {
			t.Errorf("%s: got %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestSanitizeReplyCollapsesDuplicateBlocks(t *testing.T) {
	in := "Same paragraph.\n\nSame paragraph.\n\nDifferent one."
	got := SanitizeReply(in)
	if strings.Count(got, "Same paragraph.") != 1 {
		t.Errorf("duplicate block survived: %q", got)
	}
	if !strings.Contains(got, "Different one.") {
		t.Errorf("distinct block lost: %q", got)
	}
}

func TestIsSilentReply(t *testing.T) {
	for _, s := range []string{"", "  ", "NO_REPLY", "no_reply", "[no reply]"} {
		if !IsSilentReply(s) {
			t.Errorf("IsSilentReply(%q) = false, want true", s)
		}
	}
	if IsSilentReply("hello") {
		t.Error("normal text flagged as silent")
	}
}
