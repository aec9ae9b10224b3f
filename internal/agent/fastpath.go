package agent

import "strings"

var affirmatives = map[string]bool{
	"yes": true, "yes please": true, "yep": true, "yeah": true, "sure": true,
	"ok": true, "okay": true, "go ahead": true, "do it": true, "confirm": true,
	"confirmed": true, "sí": true, "si": true, "sí por favor": true,
	"dale": true, "claro": true, "hazlo": true, "adelante": true,
	"confirmo": true, "venga": true, "va": true,
}

var imperativeVerbs = []string{
	"add", "create", "delete", "remove", "save", "schedule", "set", "remind",
	"cancel", "update", "buy", "send",
	"agrega", "añade", "crea", "borra", "elimina", "guarda", "programa",
	"apunta", "anota", "recuérdame", "recuerdame", "cancela", "actualiza",
	"pon", "quita", "manda", "envía",
}

// IsAffirmative reports a bare confirmation message. Punctuation and
// casing are ignored so "Sí!" and "ok." count.
func IsAffirmative(msg string) bool {
	norm := strings.ToLower(strings.TrimSpace(msg))
	norm = strings.Trim(norm, ".!¡?¿ ")
	return affirmatives[norm]
}

// HasImperativeVerb reports whether the message starts an actionable
// request, used to tighten the tool directive in the system prompt.
func HasImperativeVerb(msg string) bool {
	padded := " " + strings.ToLower(msg) + " "
	for _, v := range imperativeVerbs {
		if strings.Contains(padded, " "+v+" ") {
			return true
		}
	}
	return false
}
