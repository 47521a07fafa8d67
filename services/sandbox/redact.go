package sandbox

import (
	"regexp"
	"strings"
)

const redacted = "[REDACTED]"

var (
	// key=value or key: value assignments with a sensitive key
	assignmentPattern = regexp.MustCompile(`(?i)((?:api[_\-]?key|apikey|access[_\-]?token|token|secret|password|passwd|pwd|authorization)\s*[:=]\s*)(['"]?)([^\s'"&]+)`)

	// well-known credential shapes that need no key name
	credentialPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9_\-\.=]{8,}`),
		regexp.MustCompile(`\bsk-ant-[A-Za-z0-9\-_]{20,}`),
		regexp.MustCompile(`\bsk-[A-Za-z0-9\-_]{20,}`),
		regexp.MustCompile(`\bAKIA[0-9A-Z]{16}\b`),
		regexp.MustCompile(`\bAIza[0-9A-Za-z\-_]{35}\b`),
		regexp.MustCompile(`\bgh[pousr]_[A-Za-z0-9]{36,}\b`),
		regexp.MustCompile(`\bxox[baprs]-[A-Za-z0-9\-]{10,}\b`),
		regexp.MustCompile(`\beyJ[A-Za-z0-9_\-]+\.eyJ[A-Za-z0-9_\-]+\.[A-Za-z0-9_\-]+\b`),
		regexp.MustCompile(`(?i)(?:postgres|postgresql|mysql|mongodb|redis)://[^\s'"]+:[^\s'"]+@[^\s'"]+`),
	}

	// flags whose following argument is a secret
	sensitiveFlagPattern = regexp.MustCompile(`(?i)^--?(?:api[_\-]?key|apikey|token|access[_\-]?token|secret|password|passwd|auth|authorization)$`)
)

// Redact masks credential-like substrings in s
func Redact(s string) string {
	for _, p := range credentialPatterns {
		s = p.ReplaceAllString(s, redacted)
	}
	return assignmentPattern.ReplaceAllString(s, "${1}${2}"+redacted)
}

// RedactArgs masks secrets in an argument vector, including values that
// follow a sensitive flag such as "--api-key VALUE".
func RedactArgs(args []string) []string {
	out := make([]string, len(args))
	maskNext := false
	for i, arg := range args {
		if maskNext {
			out[i] = redacted
			maskNext = false
			continue
		}
		if sensitiveFlagPattern.MatchString(arg) {
			out[i] = arg
			maskNext = true
			continue
		}
		out[i] = Redact(arg)
	}
	return out
}

// RedactCommand renders a redacted, loggable form of a command line
func RedactCommand(command string, args []string) string {
	return strings.Join(append([]string{Redact(command)}, RedactArgs(args)...), " ")
}
