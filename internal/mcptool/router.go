// Package mcptool generalizes the tool-name routing and execution pattern
// from pkg/mcp onto github.com/modelcontextprotocol/go-sdk's client, gating
// every call behind the Agent Responder's tool phase.
package mcptool

import (
	"fmt"
	"regexp"
	"strings"
)

// toolNameRegex validates the "server.tool" format.
var toolNameRegex = regexp.MustCompile(`^([\w][\w-]*)\.([\w][\w-]*)$`)

// NormalizeToolName converts "server__tool" (used by providers whose
// function-name grammar forbids dots) to canonical "server.tool".
func NormalizeToolName(name string) string {
	if strings.Contains(name, "__") && !strings.Contains(name, ".") {
		return strings.Replace(name, "__", ".", 1)
	}
	return name
}

// SplitToolName splits "server.tool" into its two parts.
func SplitToolName(name string) (serverID, toolName string, err error) {
	matches := toolNameRegex.FindStringSubmatch(name)
	if matches == nil {
		return "", "", fmt.Errorf("mcptool: invalid tool name %q, want 'server.tool'", name)
	}
	return matches[1], matches[2], nil
}

// QualifyToolName joins a server id and bare tool name into routable form.
func QualifyToolName(serverID, toolName string) string {
	return serverID + "." + toolName
}
