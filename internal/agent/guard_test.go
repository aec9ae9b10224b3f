package agent

import "testing"

func TestCallSignatureStableAcrossKeyOrder(t *testing.T) {
	a := callSignature("t", map[string]interface{}{"x": 1, "y": "z"})
	b := callSignature("t", map[string]interface{}{"y": "z", "x": 1})
	if a != b {
		t.Errorf("signatures differ: %q vs %q", a, b)
	}
	c := callSignature("t", map[string]interface{}{"x": 2, "y": "z"})
	if a == c {
		t.Error("different arguments must produce different signatures")
	}
}

func TestLoopGuardThreshold(t *testing.T) {
	g := newLoopGuard()
	sig := callSignature("t", nil)
	if g.blocked(sig) {
		t.Error("fresh signature blocked")
	}
	g.recordFailure(sig)
	if g.blocked(sig) {
		t.Error("blocked after one failure")
	}
	g.recordFailure(sig)
	if !g.blocked(sig) {
		t.Error("not blocked after two failures")
	}
}

func TestPromisesExecution(t *testing.T) {
	for _, s := range []string{
		"I'll add that to your list now.",
		"Voy a crear el recordatorio.",
		"Let me save that note for you.",
	} {
		if !promisesExecution(s) {
			t.Errorf("promisesExecution(%q) = false", s)
		}
	}
	if promisesExecution("The list has three items.") {
		t.Error("plain statement flagged as promise")
	}
}

func TestClaimsDataAction(t *testing.T) {
	for _, s := range []string{
		"I've added milk to your shopping list.",
		"Listo, agregué el gasto de 20 euros.",
		"I scheduled the reminder for tomorrow.",
	} {
		if !claimsDataAction(s) {
			t.Errorf("claimsDataAction(%q) = false", s)
		}
	}
	if claimsDataAction("I've added some thoughts on the matter.") {
		t.Error("claim without a data domain flagged")
	}
}

func TestAsksConfirmation(t *testing.T) {
	if !asksConfirmation("Do you want me to delete the list?") {
		t.Error("english confirmation question not detected")
	}
	if !asksConfirmation("¿Quieres que borre la lista?") {
		t.Error("spanish confirmation question not detected")
	}
	if asksConfirmation("The list is deleted.") {
		t.Error("statement flagged as confirmation question")
	}
}

func TestHallucinatedReplyConfirmedReask(t *testing.T) {
	reask := "Do you want me to add it? Please confirm."
	if !hallucinatedReply(reask, true) {
		t.Error("re-asking after a confirmation must trigger correction")
	}
	if hallucinatedReply(reask, false) {
		t.Error("asking for confirmation the first time is fine")
	}
}

func TestDetectLanguage(t *testing.T) {
	if got := DetectLanguage("¿Puedes agregar leche a la lista para mañana?"); got != "es" {
		t.Errorf("spanish = %q", got)
	}
	if got := DetectLanguage("Can you add milk to the shopping list for tomorrow?"); got != "en" {
		t.Errorf("english = %q", got)
	}
	// Ambiguous short text defaults to Spanish.
	if got := DetectLanguage("ok"); got != "es" {
		t.Errorf("tie = %q, want es", got)
	}
}

func TestIsAffirmative(t *testing.T) {
	for _, s := range []string{"yes", "Sí!", "ok.", "dale", "go ahead", "  Confirmo  "} {
		if !IsAffirmative(s) {
			t.Errorf("IsAffirmative(%q) = false", s)
		}
	}
	for _, s := range []string{"yes, but change the time", "no", "maybe"} {
		if IsAffirmative(s) {
			t.Errorf("IsAffirmative(%q) = true", s)
		}
	}
}

func TestHasImperativeVerb(t *testing.T) {
	if !HasImperativeVerb("please add milk to the list") {
		t.Error("english imperative not detected")
	}
	if !HasImperativeVerb("por favor agrega leche") {
		t.Error("spanish imperative not detected")
	}
	if HasImperativeVerb("what a nice day") {
		t.Error("non-imperative flagged")
	}
}
