package runner

import "regexp"

// TailLimit is the maximum number of bytes of redacted output returned to the
// caller.
const TailLimit = 2000

// sensitiveRE matches key/value lines whose key looks credential-bearing.
// The key-name match is a heuristic, not a secret-detection engine.
var sensitiveRE = regexp.MustCompile(`(?im)^([ \t]*)([^\s:=]*(?:secret|token|password|passwd|pwd|key)[^:=]*?)[ \t]*[:=][ \t]*([^\n\r]+)`)

// Sanitize redacts the value of every sensitive-looking key/value line while
// preserving the key and its indentation.
func Sanitize(text string) string {
	return sensitiveRE.ReplaceAllString(text, "${1}${2}: ***")
}

// Tail truncates text to its last TailLimit bytes. Callers must sanitize
// first: truncating before redaction could strip a key label and leave its
// bare secret value inside the window.
func Tail(text string) string {
	if len(text) <= TailLimit {
		return text
	}
	return text[len(text)-TailLimit:]
}
