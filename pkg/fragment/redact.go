package fragment

import "regexp"

// The redaction rules run in a fixed order against fragment content only;
// never topic, keywords or source. Redaction is destructive: originals are
// not stored anywhere. Each replacement is chosen so a second pass over
// already-redacted text is a no-op.
var (
	reAPIKey   = regexp.MustCompile(`sk-[A-Za-z0-9]{32,}|AIza[0-9A-Za-z_-]{35}`)
	reEmail    = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	rePassword = regexp.MustCompile(`(?i)(password|passwd|pwd|비밀번호|비번)\s*[:=]\s*\S+`)
	rePhone    = regexp.MustCompile(`01[016789][-\s]?\d{3,4}[-\s]?\d{4}`)
)

const (
	redactedAPIKey = "[REDACTED_API_KEY]"
	redactedEmail  = "[REDACTED_EMAIL]"
	redactedPwd    = "[REDACTED_PWD]"
	redactedPhone  = "[REDACTED_PHONE]"
)

// Redact applies the four PII substitutions to s and returns the result.
// Idempotent: Redact(Redact(s)) == Redact(s).
func Redact(s string) string {
	s = reAPIKey.ReplaceAllString(s, redactedAPIKey)
	s = reEmail.ReplaceAllString(s, redactedEmail)
	s = rePassword.ReplaceAllString(s, "${1}: "+redactedPwd)
	s = rePhone.ReplaceAllString(s, redactedPhone)
	return s
}
