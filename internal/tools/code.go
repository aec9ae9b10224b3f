package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/nextlevelbuilder/trellis/internal/approval"
)

// RunCodeTool executes a short script through an interpreter after user
// approval. Only the interpreters on the allowlist are accepted.
type RunCodeTool struct {
	approvals    *approval.Manager
	workDir      string
	timeout      time.Duration
	interpreters map[string][]string
}

func NewRunCodeTool(approvals *approval.Manager, workDir string) *RunCodeTool {
	return &RunCodeTool{
		approvals: approvals,
		workDir:   workDir,
		timeout:   60 * time.Second,
		interpreters: map[string][]string{
			"python": {"python3"},
			"node":   {"node"},
			"sh":     {"sh"},
		},
	}
}

func (t *RunCodeTool) Name() string { return "run_code" }
func (t *RunCodeTool) Description() string {
	return "Run a short script (python, node or sh) and return its output. Asks the user for approval first."
}
func (t *RunCodeTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"language": map[string]interface{}{"type": "string", "description": "python, node or sh"},
			"code":     map[string]interface{}{"type": "string", "description": "Script source"},
		},
		"required": []string{"language", "code"},
	}
}

func (t *RunCodeTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	lang := strArg(args, "language")
	code := strArg(args, "code")
	if code == "" {
		return KindError(KindInvalidArgs, "code is required")
	}
	interp, ok := t.interpreters[lang]
	if !ok {
		return KindError(KindInvalidArgs, fmt.Sprintf("unsupported language %q", lang))
	}

	decision, err := t.approvals.Ask(ctx, approval.Request{
		Kind:    approval.KindCode,
		AgentID: AgentIDFromCtx(ctx),
		UserID:  UserIDFromCtx(ctx),
		Channel: ChannelFromCtx(ctx),
		ChatID:  ChatIDFromCtx(ctx),
		Summary: fmt.Sprintf("run %s code", lang),
		Detail:  code,
	})
	if err != nil {
		return KindError(KindApprovalDenied, fmt.Sprintf("approval failed: %v", err)).WithError(err)
	}
	switch decision {
	case approval.Denied:
		return KindError(KindApprovalDenied, "code execution denied by user")
	case approval.TimedOut:
		return KindError(KindApprovalTimeout, "approval request timed out")
	}

	f, err := os.CreateTemp(t.workDir, "snippet-*")
	if err != nil {
		return ErrorResult(fmt.Sprintf("stage script: %v", err)).WithError(err)
	}
	path := f.Name()
	defer os.Remove(path)
	if _, err := f.WriteString(code); err != nil {
		f.Close()
		return ErrorResult(fmt.Sprintf("stage script: %v", err)).WithError(err)
	}
	f.Close()

	cmdline := interp[0] + " " + shellQuote(path)
	return runShell(ctx, cmdline, t.workDir, t.timeout)
}

func shellQuote(path string) string {
	return "'" + filepath.ToSlash(path) + "'"
}
