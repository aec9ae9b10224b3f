package agent

import (
	"encoding/json"
	"sort"
	"strings"
)

// callSignature identifies a call by name plus its arguments with keys
// in sorted order, so semantically identical calls compare equal
// regardless of map iteration.
func callSignature(name string, args map[string]interface{}) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(name)
	b.WriteByte('(')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte('=')
		raw, err := json.Marshal(args[k])
		if err != nil {
			b.WriteString("?")
			continue
		}
		b.Write(raw)
	}
	b.WriteByte(')')
	return b.String()
}

// loopGuard short-circuits a call after it has failed identically
// twice. The failure count keys on the full signature so retries with
// corrected arguments stay allowed.
type loopGuard struct {
	failures map[string]int
}

func newLoopGuard() *loopGuard {
	return &loopGuard{failures: make(map[string]int)}
}

func (g *loopGuard) blocked(sig string) bool {
	return g.failures[sig] >= 2
}

func (g *loopGuard) recordFailure(sig string) {
	g.failures[sig]++
}

var promisePhrases = []string{
	"i'll ", "i will ", "let me ", "i'm going to ", "going to go ahead",
	"voy a ", "ahora mismo ", "en seguida ", "procedo a ", "déjame ",
	"un momento, ", "dame un segundo",
}

var claimVerbs = []string{
	"i've added", "i added", "i've saved", "i saved", "i've created",
	"i created", "i've deleted", "i deleted", "i've removed", "i removed",
	"i've updated", "i updated", "i've scheduled", "i scheduled",
	"i've set", "i set a", "done! ", "done. ",
	"agregué", "añadí", "guardé", "creé", "borré", "eliminé",
	"actualicé", "programé", "anoté", "apunté", "listo, ", "¡listo!",
}

var dataDomains = []string{
	"note", "list", "expense", "reminder", "schedule", "calendar", "event",
	"nota", "lista", "gasto", "recordatorio", "agenda", "evento", "cita",
}

var confirmPhrases = []string{
	"confirm", "do you want me to", "should i ", "would you like me to",
	"shall i ", "¿quieres que", "¿confirmas", "¿procedo", "¿lo hago",
	"¿deseas que",
}

// promisesExecution reports text that defers an action to the future
// instead of calling a tool now.
func promisesExecution(text string) bool {
	lower := strings.ToLower(text)
	for _, p := range promisePhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// claimsDataAction reports text asserting a completed change to user
// data. Only meaningful when no tool actually ran this turn.
func claimsDataAction(text string) bool {
	lower := strings.ToLower(text)
	claimed := false
	for _, v := range claimVerbs {
		if strings.Contains(lower, v) {
			claimed = true
			break
		}
	}
	if !claimed {
		return false
	}
	for _, d := range dataDomains {
		if strings.Contains(lower, d) {
			return true
		}
	}
	return false
}

// asksConfirmation reports a reply that asks the user to confirm.
func asksConfirmation(text string) bool {
	lower := strings.ToLower(text)
	if !strings.Contains(lower, "?") && !strings.Contains(lower, "¿") {
		return false
	}
	for _, p := range confirmPhrases {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// hallucinatedReply decides whether a toolless reply to an action
// request needs a corrective round. confirmed marks a turn where the
// user already said yes, which makes re-asking confirmation a failure
// too.
func hallucinatedReply(text string, confirmed bool) bool {
	if promisesExecution(text) || claimsDataAction(text) {
		return true
	}
	return confirmed && asksConfirmation(text)
}

const correctiveInstruction = "[System Message] Your previous reply described or promised an action but no tool was invoked. Nothing was executed. Call the appropriate tool now; do not answer with text until the tool has run."
