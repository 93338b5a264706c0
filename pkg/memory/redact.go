package memory

import (
	"fmt"
	"regexp"
)

// Secret-shaped token patterns. Checked against fact content before it
// is persisted; the memory store outlives any single conversation, so
// credentials pasted into chat must never reach it.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-[A-Za-z0-9_-]{16,}`),                      // API keys (OpenAI/Anthropic style)
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9._~+/-]{16,}=*`),      // bearer tokens
	regexp.MustCompile(`eyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9._-]{10,}`), // JWTs
	regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{20,}`),                 // GitHub tokens
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),                           // AWS access key ids
	regexp.MustCompile(`(?i)(password|passwd|secret|token|api[_-]?key)\s*[=:]\s*\S{6,}`),
	regexp.MustCompile(`-----BEGIN [A-Z ]*PRIVATE KEY-----`),
}

// Redact replaces secret-shaped spans in s with a placeholder.
func Redact(s string) string {
	for _, re := range secretPatterns {
		s = re.ReplaceAllString(s, "[REDACTED]")
	}
	return s
}

// Sanitize redacts s and verifies no secret shape survived the pass.
// An error means the fact must be dropped rather than stored.
func Sanitize(s string) (string, error) {
	out := Redact(s)
	for _, re := range secretPatterns {
		if re.MatchString(out) {
			return "", fmt.Errorf("secret-shaped content survived redaction")
		}
	}
	return out, nil
}
