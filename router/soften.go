package router

import (
	"regexp"
	"strings"
)

// fenceRe matches fenced code blocks including their fence lines.
var fenceRe = regexp.MustCompile("(?s)```[a-zA-Z0-9_-]*\n?(.*?)```")

// softenReplacements maps vocabulary that tends to trip content filters to
// neutral equivalents. Word-boundary matched, case preserved on the first
// letter.
var softenReplacements = map[string]string{
	"kill":       "stop",
	"attack":     "approach",
	"exploit":    "make use of",
	"destroy":    "remove",
	"crush":      "reduce",
	"aggressive": "assertive",
	"dominate":   "lead",
	"weapon":     "tool",
	"force":      "apply",
}

var softenRe = func() *regexp.Regexp {
	words := make([]string, 0, len(softenReplacements))
	for w := range softenReplacements {
		words = append(words, w)
	}
	return regexp.MustCompile(`(?i)\b(` + strings.Join(words, "|") + `)\b`)
}()

// SoftenPrompt rewrites a prompt for a final attempt after repeated content
// rejections: code fences are unwrapped to plain text and charged vocabulary
// is replaced with neutral terms. The transform is lossy on formatting but
// preserves the instructional content.
func SoftenPrompt(text string) string {
	// Unwrap fenced blocks, keeping their content.
	text = fenceRe.ReplaceAllString(text, "$1")
	text = strings.ReplaceAll(text, "```", "")

	return softenRe.ReplaceAllStringFunc(text, func(match string) string {
		replacement := softenReplacements[strings.ToLower(match)]
		if replacement == "" {
			return match
		}
		if match[0] >= 'A' && match[0] <= 'Z' {
			return strings.ToUpper(replacement[:1]) + replacement[1:]
		}
		return replacement
	})
}

// softenMessages applies SoftenPrompt to every user and system message.
func softenMessages(messages []Message) []Message {
	out := make([]Message, len(messages))
	for i, m := range messages {
		if m.Role == "user" || m.Role == "system" {
			m.Content = SoftenPrompt(m.Content)
		}
		out[i] = m
	}
	return out
}
