package approval

import (
	"fmt"
	"regexp"
	"strings"
)

// credentialFields are argument names whose values must never reach an
// approval prompt or log line.
var credentialFields = []string{
	"password",
	"appSpecificPassword",
	"clientSecret",
	"refreshToken",
	"botToken",
	"access_token",
	"secret",
	"token",
	"api_key",
}

var redactPatterns []*regexp.Regexp

func init() {
	for _, field := range credentialFields {
		f := regexp.QuoteMeta(field)
		redactPatterns = append(redactPatterns,
			// "field": "value"  /  "field": value
			regexp.MustCompile(`(?i)("`+f+`"\s*:\s*)("(?:[^"\\]|\\.)*"|[^,}\s]+)`),
			// field=value
			regexp.MustCompile(`(?i)\b(`+f+`\s*=\s*)(\S+)`),
		)
	}
}

// Redact masks credential values in free-form text such as serialized
// tool arguments.
func Redact(s string) string {
	for i := 0; i < len(redactPatterns); i += 2 {
		s = redactPatterns[i].ReplaceAllString(s, `${1}"[REDACTED]"`)
		s = redactPatterns[i+1].ReplaceAllString(s, `${1}[REDACTED]`)
	}
	return s
}

// RedactArgs masks credential values in a decoded argument map,
// returning a copy safe to render.
func RedactArgs(args map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(args))
	for k, v := range args {
		if isCredentialField(k) {
			out[k] = "[REDACTED]"
			continue
		}
		switch vv := v.(type) {
		case map[string]interface{}:
			out[k] = RedactArgs(vv)
		case string:
			out[k] = Redact(vv)
		default:
			out[k] = v
		}
	}
	return out
}

func isCredentialField(name string) bool {
	for _, f := range credentialFields {
		if strings.EqualFold(name, f) {
			return true
		}
	}
	return false
}

// MaskIdentifier keeps the first character of an identifier and masks
// the rest; email-shaped values keep their domain.
func MaskIdentifier(v string) string {
	if v == "" {
		return ""
	}
	if at := strings.IndexByte(v, '@'); at > 0 {
		return fmt.Sprintf("%c***@%s", v[0], v[at+1:])
	}
	r := []rune(v)
	if len(r) == 1 {
		return string(r[0]) + "***"
	}
	return string(r[0]) + "***"
}
