package responder

import "encoding/json"

// toolResultEnvelope is the JSON-wrapped inbound form recognized via its
// __type discriminator.
type toolResultEnvelope struct {
	Type       string `json:"__type"`
	ToolCallID string `json:"tool_call_id"`
	AgentID    string `json:"agentId"`
	Content    string `json:"content"`
}

// parseToolResultEnvelope attempts to decode content as a tool_result
// envelope. Unrecognized or malformed JSON is treated as plain user text
// (ok=false).
func parseToolResultEnvelope(content string) (env toolResultEnvelope, ok bool) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return toolResultEnvelope{}, false
	}
	if _, present := raw["__type"]; !present {
		return toolResultEnvelope{}, false
	}
	if err := json.Unmarshal([]byte(content), &env); err != nil {
		return toolResultEnvelope{}, false
	}
	if env.Type != "tool_result" {
		return toolResultEnvelope{}, false
	}
	return env, true
}
