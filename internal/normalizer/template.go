package normalizer

import (
	"regexp"
	"strings"
)

// TemplateNormalizer replaces the dynamic parts of a log message with
// placeholders so records of the same kind share one template
type TemplateNormalizer struct {
	guidPattern      *regexp.Regexp
	timestampPattern *regexp.Regexp
	hostPattern      *regexp.Regexp
	userPattern      *regexp.Regexp
	ipPattern        *regexp.Regexp
	hexPattern       *regexp.Regexp
	numberPattern    *regexp.Regexp
	stringPattern    *regexp.Regexp
}

// NewTemplateNormalizer creates a normalizer with compiled patterns
func NewTemplateNormalizer() *TemplateNormalizer {
	return &TemplateNormalizer{
		guidPattern: regexp.MustCompile(`(?i)[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`),

		// 2024-01-15 10:30:45, 2024-01-15T10:30:45.123Z, 2024-01-15T10:30:45+03:00
		timestampPattern: regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}(?:[.,]\d+)?(?:Z|[+-]\d{2}:?\d{2})?`),

		// "host=web-1", "hostname: db01", "computer: STEEL-PC"
		hostPattern: regexp.MustCompile(`(?i)\b(host(?:name)?|computer)(\s*[:=]\s*)[^,\s]+`),

		// "user=alice", "username: bob"
		userPattern: regexp.MustCompile(`(?i)\b(user(?:name)?)(\s*[:=]\s*)[^,\s]+`),

		// IPv4 with an optional port
		ipPattern: regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}(?::\d+)?\b`),

		hexPattern:    regexp.MustCompile(`\b0x[0-9a-fA-F]+\b`),
		numberPattern: regexp.MustCompile(`\b\d+\b`),
		stringPattern: regexp.MustCompile(`"[^"]*"`),
	}
}

var defaultNormalizer = NewTemplateNormalizer()

// Template normalizes msg with the package default normalizer
func Template(msg string) string {
	return defaultNormalizer.Template(msg)
}

// Template returns msg with dynamic parts replaced.
// Pattern order matters: more specific patterns run first.
func (n *TemplateNormalizer) Template(msg string) string {
	if msg == "" {
		return ""
	}

	normalized := n.guidPattern.ReplaceAllString(msg, "<GUID>")
	normalized = n.timestampPattern.ReplaceAllString(normalized, "<TIMESTAMP>")

	// Before IPs and numbers so "host=10.0.0.1" becomes one placeholder
	normalized = n.hostPattern.ReplaceAllString(normalized, "${1}${2}<HOST>")
	normalized = n.userPattern.ReplaceAllString(normalized, "${1}${2}<USER>")

	normalized = n.ipPattern.ReplaceAllString(normalized, "<IP>")
	normalized = n.hexPattern.ReplaceAllString(normalized, "<HEX>")
	normalized = n.numberPattern.ReplaceAllString(normalized, "<NUMBER>")

	// Last, quoted strings may contain any of the above
	normalized = n.stringPattern.ReplaceAllString(normalized, "<STRING>")

	return strings.TrimSpace(normalized)
}
