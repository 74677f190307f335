// Package responder implements the Agent Responder (C5): for each world
// message it decides whether a given agent responds, and if so drives a
// streaming LLM turn with tool calls and approvals.
package responder

import (
	"regexp"
	"strings"

	"github.com/agentworld/orchestrator/internal/model"
)

// mentionRegex matches a paragraph-initial "@token".
var mentionRegex = regexp.MustCompile(`(?i)^@([a-zA-Z0-9_\-]+)`)

// paragraphs splits content on blank lines, matching "a paragraph begins at
// the message start or after a blank line."
func paragraphs(content string) []string {
	return regexp.MustCompile(`\n\s*\n`).Split(content, -1)
}

// Mentions extracts every paragraph-initial @mention token from content,
// lower-cased for case-insensitive comparison.
func Mentions(content string) map[string]bool {
	m := make(map[string]bool)
	for _, p := range paragraphs(content) {
		p = strings.TrimLeft(p, " \t\r\n")
		if match := mentionRegex.FindStringSubmatch(p); match != nil {
			m[strings.ToLower(match[1])] = true
		}
	}
	return m
}

// ShouldRespond implements the addressing predicate for agent a reacting to
// message m in world w.
func ShouldRespond(w *model.World, a *model.Agent, m model.Message) bool {
	if m.Sender == a.ID {
		return false
	}
	mentions := Mentions(m.Content)
	if len(mentions) == 0 {
		return m.Sender == model.SenderHuman || m.Sender == model.SenderSystem
	}
	return mentions[strings.ToLower(a.ID)]
}

// ApplyAutoMention prefixes content with "@sender ", unless replySender is
// empty, HUMAN or SYSTEM, or content already begins (paragraph-initially,
// case-insensitively) with that mention.
func ApplyAutoMention(content, replySender string) string {
	if replySender == "" || replySender == model.SenderHuman || replySender == model.SenderSystem {
		return content
	}
	first := paragraphs(content)
	if len(first) > 0 {
		trimmed := strings.TrimLeft(first[0], " \t\r\n")
		if match := mentionRegex.FindStringSubmatch(trimmed); match != nil && strings.EqualFold(match[1], replySender) {
			return content
		}
	}
	return "@" + replySender + " " + content
}

// hasPassDirective reports whether content contains a case-insensitive
// <world>pass</world> marker.
func hasPassDirective(content string) bool {
	return regexp.MustCompile(`(?i)<world>\s*pass\s*</world>`).MatchString(content)
}
