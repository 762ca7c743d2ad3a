package analysis

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const maxSanitizedLength = 1000

// Patterns that must never survive sanitization. Each is replaced with a
// bracketed token that no other pattern matches, so a second pass over the
// output is a no-op.
var (
	// "ignore all previous instructions" and friends
	instructionOverrideRe = regexp.MustCompile(`(?i)(ignore|disregard|forget|override)\s+(all\s+|any\s+)?(previous|prior|above|earlier|preceding)\s+(instructions?|prompts?|messages?|context|rules?)`)

	// role-play / role-switch directives
	roleSwitchRe = regexp.MustCompile(`(?i)\b(you\s+are\s+now|act\s+as\s+if|act\s+as\s+an?|pretend\s+(to\s+be|you\s+are)|roleplay\s+as|from\s+now\s+on,?\s+you)\b`)

	// fake system/assistant/user message markers at a line start
	fakeMarkerRe = regexp.MustCompile(`(?im)^\s*(system|assistant|user|human|ai)\s*:`)

	// chat-template special tokens like <|im_start|>
	specialTokenRe = regexp.MustCompile(`<\|[^|>]*\|>`)

	// script blocks, then any leftover markup tags
	scriptBlockRe = regexp.MustCompile(`(?is)<script\b.*?</script>`)
	markupTagRe   = regexp.MustCompile(`<[^<>]+>`)

	// fenced code blocks and inline data URIs
	codeFenceRe = regexp.MustCompile("(?s)```.*?```")
	fenceTickRe = regexp.MustCompile("```+")
	dataURIRe   = regexp.MustCompile(`(?i)data:[a-z0-9/+.-]+;base64,[a-zA-Z0-9+/=]+`)

	// template-variable syntax: {{...}}, ${...}, {%...%}
	templateVarRe = regexp.MustCompile(`\{\{[^{}]*\}\}|\$\{[^{}]*\}|\{%[^{}]*%\}`)

	collapseSpaceRe = regexp.MustCompile(`[ \t]{2,}`)
)

// Sanitize strips adversarial control sequences from upstream text before it
// is interpolated into a classifier prompt. It is a pure transform: it never
// fails, and applying it twice to clean ASCII input yields the same result.
func Sanitize(text string) string {
	if text == "" {
		return ""
	}

	s := text

	s = scriptBlockRe.ReplaceAllString(s, " ")
	s = codeFenceRe.ReplaceAllString(s, " ")
	s = fenceTickRe.ReplaceAllString(s, " ")
	s = markupTagRe.ReplaceAllString(s, " ")
	s = dataURIRe.ReplaceAllString(s, "[data]")
	s = templateVarRe.ReplaceAllString(s, "[var]")

	s = instructionOverrideRe.ReplaceAllString(s, "[ignore instruction]")
	s = roleSwitchRe.ReplaceAllString(s, "[role directive]")
	s = fakeMarkerRe.ReplaceAllString(s, "[marker]")
	s = specialTokenRe.ReplaceAllString(s, "[token]")

	s = collapseSpaceRe.ReplaceAllString(s, " ")
	s = strings.TrimSpace(s)

	return truncateToRune(s, maxSanitizedLength)
}

// truncateToRune caps s at max bytes without splitting a multi-byte rune.
func truncateToRune(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
