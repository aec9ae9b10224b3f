package tools

// Kind classifies tool failures so the agent loop and history can react
// without string matching.
const (
	KindUnknownTool       = "unknown_tool"
	KindInvalidArgs       = "invalid_args"
	KindTimeout           = "timeout"
	KindToolLoopBlocked   = "tool_loop_blocked"
	KindApprovalDenied    = "approval_denied"
	KindApprovalTimeout   = "approval_timeout"
	KindServerUnavailable = "server_unavailable"
	KindBudgetExhausted   = "budget_exhausted"
	KindPermissionDenied  = "permission_denied"
)

// Result is the unified return type from tool execution.
type Result struct {
	ForLLM  string `json:"for_llm"`            // content sent to the LLM
	ForUser string `json:"for_user,omitempty"` // content shown to the user
	Silent  bool   `json:"silent"`             // suppress user message
	IsError bool   `json:"is_error"`
	Kind    string `json:"kind,omitempty"` // failure classification
	Err     error  `json:"-"`              // internal error (not serialized)
}

func NewResult(forLLM string) *Result {
	return &Result{ForLLM: forLLM}
}

func SilentResult(forLLM string) *Result {
	return &Result{ForLLM: forLLM, Silent: true}
}

func ErrorResult(message string) *Result {
	return &Result{ForLLM: message, IsError: true}
}

// KindError marks an error with a failure classification.
func KindError(kind, message string) *Result {
	return &Result{ForLLM: message, IsError: true, Kind: kind}
}

func UserResult(content string) *Result {
	return &Result{ForLLM: content, ForUser: content}
}

func (r *Result) WithError(err error) *Result {
	r.Err = err
	return r
}
