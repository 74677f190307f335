// Package export builds and reconstructs the deterministic textual
// transcript for one world's chat: a header of world/agent configuration
// followed by the chat's messages in timestamp order, using a stateless,
// string.Builder-based style of text assembly.
package export

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/agentworld/orchestrator/internal/model"
	"github.com/agentworld/orchestrator/internal/responder"
	"github.com/agentworld/orchestrator/internal/storage"
)

const (
	headerRule  = "================================================================"
	sectionRule = "----------------------------------------------------------------"
)

// Builder renders a world's chat as a textual transcript. Stateless and
// safe for concurrent use; all state comes from the storage.Contract passed
// to Build.
type Builder struct {
	store storage.Contract
}

// New creates a Builder backed by store.
func New(store storage.Contract) *Builder {
	return &Builder{store: store}
}

// Build produces the transcript for worldID's chatID: a header of world and
// agent configuration, deliberately excluding agent memory, followed by the
// chat's messages in timestamp order.
func (b *Builder) Build(ctx context.Context, worldID, chatID string) (string, error) {
	w, err := b.store.LoadWorld(ctx, worldID)
	if err != nil {
		return "", err
	}
	if w == nil {
		return "", fmt.Errorf("export: world %q not found", worldID)
	}
	chat, err := b.store.LoadChatData(ctx, worldID, chatID)
	if err != nil {
		return "", err
	}
	if chat == nil {
		return "", fmt.Errorf("export: chat %q not found in world %q", chatID, worldID)
	}
	agents, err := b.store.ListAgents(ctx, worldID)
	if err != nil {
		return "", err
	}
	messages, err := b.store.ListMessages(ctx, worldID, chatID)
	if err != nil {
		return "", err
	}

	var out strings.Builder
	writeHeader(&out, w, chat, agents)
	writeBody(&out, agents, messages)
	return out.String(), nil
}

func writeHeader(out *strings.Builder, w *model.World, chat *model.Chat, agents []*model.Agent) {
	fmt.Fprintln(out, headerRule)
	fmt.Fprintf(out, "World: %s (%s)\n", w.Name, w.ID)
	fmt.Fprintf(out, "Description: %s\n", w.Description)
	fmt.Fprintf(out, "TurnLimit: %d\n", w.TurnLimit)
	fmt.Fprintf(out, "ChatLLM: %s/%s\n", w.ChatLLMProvider, w.ChatLLMModel)
	fmt.Fprintf(out, "Chat: %s (%s)\n", chat.Name, chat.ID)
	fmt.Fprintf(out, "CreatedAt: %s\n", chat.CreatedAt.UTC().Format(time.RFC3339))
	fmt.Fprintln(out, sectionRule)
	fmt.Fprintln(out, "Agents:")
	for _, a := range agents {
		fmt.Fprintf(out, "  - id=%s name=%s provider=%s model=%s llmCallCount=%d lastActiveAt=%s\n",
			a.ID, a.Name, a.Provider, a.Model, a.LLMCallCount, a.LastActiveAt.UTC().Format(time.RFC3339))
		if a.SystemPrompt != "" {
			fmt.Fprintf(out, "    systemPrompt: %s\n", oneLine(a.SystemPrompt))
		}
	}
	fmt.Fprintln(out, headerRule)
	fmt.Fprintln(out)
}

func writeBody(out *strings.Builder, agents []*model.Agent, messages []*model.Message) {
	names := agentNames(agents)
	for _, m := range messages {
		writeMessage(out, names, m)
		fmt.Fprintln(out)
	}
}

func writeMessage(out *strings.Builder, names map[string]string, m *model.Message) {
	switch m.Role {
	case model.RoleAssistant:
		name := names[m.Sender]
		if name == "" {
			name = m.Sender
		}
		fmt.Fprintf(out, "Agent: %s (reply)\n", name)
	default:
		to := "all"
		if mentions := responder.Mentions(m.Content); len(mentions) > 0 {
			to = strings.Join(mentionedNames(names, mentions), ", ")
		}
		fmt.Fprintf(out, "From: %s\n", m.Sender)
		fmt.Fprintf(out, "To: %s\n", to)
	}
	fmt.Fprintln(out, m.Content)
	fmt.Fprintf(out, "[id: %s]\n", m.MessageID)
}

func agentNames(agents []*model.Agent) map[string]string {
	names := make(map[string]string, len(agents))
	for _, a := range agents {
		names[a.ID] = a.Name
	}
	return names
}

func mentionedNames(names map[string]string, mentions map[string]bool) []string {
	out := make([]string, 0, len(mentions))
	for id, name := range names {
		if mentions[strings.ToLower(id)] {
			out = append(out, name)
		}
	}
	if len(out) == 0 {
		for id := range mentions {
			out = append(out, id)
		}
	}
	return out
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// Reconstructed is what Parse recovers from a textual transcript: enough to
// check the round-trip property (same chat metadata, same ordered
// message-id sequence), not a full re-hydration of message content.
type Reconstructed struct {
	WorldID   string
	WorldName string
	ChatID    string
	ChatName  string
	TurnLimit int
	MessageIDs []string
}

// Parse recovers a Reconstructed summary from a transcript produced by
// Build, for the round-trip property: exporting a chat and reconstructing
// it yields the same chat metadata and the same ordered message-id
// sequence.
func Parse(transcript string) (Reconstructed, error) {
	var r Reconstructed
	lines := strings.Split(transcript, "\n")
	for _, line := range lines {
		switch {
		case strings.HasPrefix(line, "World: "):
			name, id, ok := parseNameID(strings.TrimPrefix(line, "World: "))
			if ok {
				r.WorldName, r.WorldID = name, id
			}
		case strings.HasPrefix(line, "TurnLimit: "):
			n, err := strconv.Atoi(strings.TrimPrefix(line, "TurnLimit: "))
			if err != nil {
				return r, fmt.Errorf("export: parse TurnLimit: %w", err)
			}
			r.TurnLimit = n
		case strings.HasPrefix(line, "Chat: "):
			name, id, ok := parseNameID(strings.TrimPrefix(line, "Chat: "))
			if ok {
				r.ChatName, r.ChatID = name, id
			}
		case strings.HasPrefix(line, "[id: ") && strings.HasSuffix(line, "]"):
			id := strings.TrimSuffix(strings.TrimPrefix(line, "[id: "), "]")
			r.MessageIDs = append(r.MessageIDs, id)
		}
	}
	return r, nil
}

// parseNameID splits "Name (id)" into its two parts.
func parseNameID(s string) (name, id string, ok bool) {
	open := strings.LastIndex(s, " (")
	if open < 0 || !strings.HasSuffix(s, ")") {
		return "", "", false
	}
	return s[:open], s[open+2 : len(s)-1], true
}
