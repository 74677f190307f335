package responder

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/agentworld/orchestrator/internal/model"
)

func TestMentionsExtractsParagraphInitialMentions(t *testing.T) {
	content := "@researcher can you look into this?\n\nSome unrelated paragraph."
	m := Mentions(content)
	assert.True(t, m["researcher"])
	assert.Len(t, m, 1)
}

func TestMentionsIgnoresMidParagraphAt(t *testing.T) {
	m := Mentions("hey, cc @researcher on this one")
	assert.Empty(t, m)
}

func TestMentionsIsCaseInsensitive(t *testing.T) {
	m := Mentions("@Researcher take a look")
	assert.True(t, m["researcher"])
}

func TestMentionsCoversEveryParagraph(t *testing.T) {
	content := "@alice first\n\n@bob second"
	m := Mentions(content)
	assert.True(t, m["alice"])
	assert.True(t, m["bob"])
}

func TestShouldRespondIgnoresOwnMessages(t *testing.T) {
	a := &model.Agent{ID: "researcher"}
	m := model.Message{Sender: "researcher", Content: "hi"}
	assert.False(t, ShouldRespond(nil, a, m))
}

func TestShouldRespondRespondsToUnaddressedHuman(t *testing.T) {
	a := &model.Agent{ID: "researcher"}
	m := model.Message{Sender: model.SenderHuman, Content: "hello everyone"}
	assert.True(t, ShouldRespond(nil, a, m))
}

func TestShouldRespondRespondsToUnaddressedSystem(t *testing.T) {
	a := &model.Agent{ID: "researcher"}
	m := model.Message{Sender: model.SenderSystem, Content: "world paused"}
	assert.True(t, ShouldRespond(nil, a, m))
}

func TestShouldRespondIgnoresUnaddressedAgentMessage(t *testing.T) {
	a := &model.Agent{ID: "researcher"}
	m := model.Message{Sender: "writer", Content: "drafting now"}
	assert.False(t, ShouldRespond(nil, a, m))
}

func TestShouldRespondRespondsWhenMentioned(t *testing.T) {
	a := &model.Agent{ID: "researcher"}
	m := model.Message{Sender: "writer", Content: "@researcher can you verify this?"}
	assert.True(t, ShouldRespond(nil, a, m))
}

func TestShouldRespondIgnoresMentionOfSomeoneElse(t *testing.T) {
	a := &model.Agent{ID: "researcher"}
	m := model.Message{Sender: "writer", Content: "@editor please review"}
	assert.False(t, ShouldRespond(nil, a, m))
}

func TestApplyAutoMentionSkipsHumanReply(t *testing.T) {
	out := ApplyAutoMention("here's what I found", "HUMAN")
	assert.Equal(t, "here's what I found", out, "replies to HUMAN are never auto-mentioned")
}

func TestApplyAutoMentionPrefixesAgentReply(t *testing.T) {
	out := ApplyAutoMention("here's what I found", "researcher")
	assert.Equal(t, "@researcher here's what I found", out)
}

func TestApplyAutoMentionSkipsWhenAlreadyMentioned(t *testing.T) {
	out := ApplyAutoMention("@researcher already addressed", "researcher")
	assert.Equal(t, "@researcher already addressed", out)
}

func TestHasPassDirectiveDetectsMarker(t *testing.T) {
	assert.True(t, hasPassDirective("nothing to add <world>pass</world>"))
	assert.True(t, hasPassDirective("<WORLD> PASS </WORLD>"))
	assert.False(t, hasPassDirective("I'll pass on dessert"))
}
