package export

import (
	"context"
	"encoding/json"

	"github.com/agentworld/orchestrator/internal/model"
)

// JSONTranscript is the machine-readable export mode: the same data the
// textual transcript renders, structured for programmatic re-ingestion
// rather than human reading. Supplemental to the textual mode, which
// remains the one covered by the export round-trip property.
type JSONTranscript struct {
	World    *model.World     `json:"world"`
	Chat     *model.Chat      `json:"chat"`
	Agents   []*model.Agent   `json:"agents"`
	Messages []*model.Message `json:"messages"`
}

// BuildJSON produces the JSON transcript for worldID's chatID.
func (b *Builder) BuildJSON(ctx context.Context, worldID, chatID string) (JSONTranscript, error) {
	var t JSONTranscript
	w, err := b.store.LoadWorld(ctx, worldID)
	if err != nil {
		return t, err
	}
	chat, err := b.store.LoadChatData(ctx, worldID, chatID)
	if err != nil {
		return t, err
	}
	agents, err := b.store.ListAgents(ctx, worldID)
	if err != nil {
		return t, err
	}
	messages, err := b.store.ListMessages(ctx, worldID, chatID)
	if err != nil {
		return t, err
	}
	t = JSONTranscript{World: w, Chat: chat, Agents: agents, Messages: messages}
	return t, nil
}

// MarshalIndent renders t as indented JSON, the output of the hub's /export
// command in JSON mode.
func (t JSONTranscript) MarshalIndent() ([]byte, error) {
	return json.MarshalIndent(t, "", "  ")
}
