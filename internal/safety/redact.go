// Package safety masks secrets in agent output before it is persisted and
// surfaced back into a session.
package safety

import (
	"regexp"
	"strings"
)

// Leak describes one secret found in agent output.
type Leak struct {
	Pattern string
	Sample  string // first few chars of the match, for logging
}

var leakPatterns = []struct {
	re   *regexp.Regexp
	desc string
}{
	{
		re:   regexp.MustCompile(`-----BEGIN\s+(?:RSA\s+|EC\s+|OPENSSH\s+)?PRIVATE\s+KEY-----[\s\S]*?-----END\s+(?:RSA\s+|EC\s+|OPENSSH\s+)?PRIVATE\s+KEY-----`),
		desc: "private key",
	},
	{
		re:   regexp.MustCompile(`sk-ant-[A-Za-z0-9_\-]{20,}`),
		desc: "Anthropic API key",
	},
	{
		re:   regexp.MustCompile(`sk-[A-Za-z0-9_\-]{20,}`),
		desc: "OpenAI API key",
	},
	{
		re:   regexp.MustCompile(`AIza[A-Za-z0-9_\-]{30,}`),
		desc: "Google API key",
	},
	{
		re:   regexp.MustCompile(`(?:AKIA|ASIA)[A-Z0-9]{16}`),
		desc: "AWS access key",
	},
	{
		re:   regexp.MustCompile(`gh[pousr]_[A-Za-z0-9]{36,}`),
		desc: "GitHub token",
	},
	{
		re:   regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9_\-./+=]{16,}`),
		desc: "Bearer token",
	},
	{
		re:   regexp.MustCompile(`(?i)(?:api[_-]?key|apikey|secret|token)\s*[:=]\s*"?[A-Za-z0-9_\-./+=]{16,}"?`),
		desc: "API key",
	},
	{
		re:   regexp.MustCompile(`(?i)(?:password|passwd|pwd)\s*[:=]\s*"?[^\s"]{8,}"?`),
		desc: "password",
	},
	{
		re:   regexp.MustCompile(`[a-z][a-z0-9+.-]*://[^\s:/@]+:[^\s@/]{4,}@`),
		desc: "URL credentials",
	},
}

// Placeholder replaces every masked secret.
const Placeholder = "[REDACTED]"

// Scan reports secrets in text without modifying it.
func Scan(text string) []Leak {
	if text == "" {
		return nil
	}
	var leaks []Leak
	for _, pat := range leakPatterns {
		for _, match := range pat.re.FindAllString(text, 3) {
			leaks = append(leaks, Leak{Pattern: pat.desc, Sample: sample(match)})
		}
	}
	return leaks
}

// Redact masks every secret in text and reports what it masked. Patterns run
// in order, so a specific match is masked before a broader one can see it.
func Redact(text string) (string, []Leak) {
	if text == "" {
		return text, nil
	}
	var leaks []Leak
	for _, pat := range leakPatterns {
		if !pat.re.MatchString(text) {
			continue
		}
		text = pat.re.ReplaceAllStringFunc(text, func(match string) string {
			leaks = append(leaks, Leak{Pattern: pat.desc, Sample: sample(match)})
			return Placeholder
		})
	}
	return text, leaks
}

// Patterns lists the distinct pattern names in leaks.
func Patterns(leaks []Leak) string {
	seen := make(map[string]bool, len(leaks))
	var names []string
	for _, l := range leaks {
		if !seen[l.Pattern] {
			seen[l.Pattern] = true
			names = append(names, l.Pattern)
		}
	}
	return strings.Join(names, ",")
}

func sample(match string) string {
	if len(match) > 8 {
		return match[:6] + "..."
	}
	return "..."
}
