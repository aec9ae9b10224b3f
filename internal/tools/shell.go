package tools

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"time"

	"github.com/nextlevelbuilder/trellis/internal/approval"
)

// Deny patterns applied before the approval prompt is even shown.
var denyPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\brm\s+-[rf]{1,2}\b`),
	regexp.MustCompile(`\b(mkfs|diskpart)\b|\bformat\s`),
	regexp.MustCompile(`\bdd\s+if=`),
	regexp.MustCompile(`>\s*/dev/sd[a-z]\b`),
	regexp.MustCompile(`\b(shutdown|reboot|poweroff)\b`),
	regexp.MustCompile(`:\(\)\s*\{.*\};\s*:`), // fork bomb
	regexp.MustCompile(`\bcurl\b.*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`\bwget\b.*-O\s*-\s*\|\s*(ba)?sh\b`),
	regexp.MustCompile(`\bsudo\b`),
	regexp.MustCompile(`\bsu\s+-`),
	regexp.MustCompile(`\bprintenv\b`),
	regexp.MustCompile(`^\s*env\s*($|\|)`),
}

// TerminalTool runs shell commands on the host after explicit user
// approval. Disabled unless the agent has the terminal permission.
type TerminalTool struct {
	approvals *approval.Manager
	workDir   string
	timeout   time.Duration
}

func NewTerminalTool(approvals *approval.Manager, workDir string) *TerminalTool {
	return &TerminalTool{approvals: approvals, workDir: workDir, timeout: 60 * time.Second}
}

func (t *TerminalTool) Name() string { return "terminal" }
func (t *TerminalTool) Description() string {
	return "Run a shell command on the host. Every invocation asks the user for approval first."
}
func (t *TerminalTool) Parameters() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"command": map[string]interface{}{"type": "string", "description": "The shell command to run"},
			"reason":  map[string]interface{}{"type": "string", "description": "Why the command is needed"},
		},
		"required": []string{"command"},
	}
}

func (t *TerminalTool) Execute(ctx context.Context, args map[string]interface{}) *Result {
	command := strArg(args, "command")
	if command == "" {
		return KindError(KindInvalidArgs, "command is required")
	}
	for _, pattern := range denyPatterns {
		if pattern.MatchString(command) {
			return KindError(KindPermissionDenied, "command denied by safety policy")
		}
	}

	decision, err := t.approvals.Ask(ctx, approval.Request{
		Kind:    approval.KindShell,
		AgentID: AgentIDFromCtx(ctx),
		UserID:  UserIDFromCtx(ctx),
		Channel: ChannelFromCtx(ctx),
		ChatID:  ChatIDFromCtx(ctx),
		Summary: "run a terminal command",
		Detail:  command,
		Reason:  strArg(args, "reason"),
	})
	if err != nil {
		return KindError(KindApprovalDenied, fmt.Sprintf("approval failed: %v", err)).WithError(err)
	}
	switch decision {
	case approval.Denied:
		return KindError(KindApprovalDenied, "command denied by user")
	case approval.TimedOut:
		return KindError(KindApprovalTimeout, "approval request timed out")
	}

	return runShell(ctx, command, t.workDir, t.timeout)
}

func runShell(ctx context.Context, command, dir string, timeout time.Duration) *Result {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()

	output := stdout.String()
	if stderr.Len() > 0 {
		if output != "" {
			output += "\n"
		}
		output += "STDERR:\n" + stderr.String()
	}

	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return KindError(KindTimeout, fmt.Sprintf("command timed out after %s", timeout))
		}
		if output == "" {
			output = err.Error()
		}
		return ErrorResult(output)
	}
	if output == "" {
		output = "(command completed with no output)"
	}
	return SilentResult(output)
}
