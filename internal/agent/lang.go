package agent

import "strings"

var esMarkers = []string{
	" el ", " la ", " los ", " las ", " que ", " para ", " con ", " una ",
	" está ", " qué ", " cómo ", " pero ", " gracias", " hola", " por favor",
	" recuérda", " mañana", " también", " según", " año",
}

var enMarkers = []string{
	" the ", " and ", " for ", " with ", " you ", " this ", " that ",
	" what ", " how ", " please", " hello", " thanks", " tomorrow",
	" would ", " should ", " about ",
}

// DetectLanguage guesses the working language from recent user text.
// Only Spanish and English are distinguished; a tie favors Spanish
// since accents and markers are sparser there.
func DetectLanguage(texts ...string) string {
	var es, en int
	for _, t := range texts {
		padded := " " + strings.ToLower(t) + " "
		for _, m := range esMarkers {
			es += strings.Count(padded, m)
		}
		for _, m := range enMarkers {
			en += strings.Count(padded, m)
		}
		for _, r := range t {
			switch r {
			case 'á', 'é', 'í', 'ó', 'ú', 'ñ', '¿', '¡':
				es += 2
			}
		}
	}
	if en > es {
		return "en"
	}
	return "es"
}
