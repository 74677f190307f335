package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworld/orchestrator/internal/approval"
	"github.com/agentworld/orchestrator/internal/eventbus"
	"github.com/agentworld/orchestrator/internal/model"
	"github.com/agentworld/orchestrator/internal/queue"
	"github.com/agentworld/orchestrator/internal/storage/memory"
	"github.com/agentworld/orchestrator/internal/world"
)

func messagePayload(chatID, content, sender string) eventbus.MessagePayload {
	return eventbus.MessagePayload{
		MessageID: "msg-" + sender + "-" + content,
		Sender:    sender,
		Content:   content,
		ChatID:    chatID,
		Role:      model.RoleUser,
	}
}

// stubRunner is a PipelineRunner that never actually calls an LLM, so Hub
// tests never drive the Agent Responder pipeline.
type stubRunner struct{}

func (stubRunner) HandleMessage(ctx context.Context, h world.Handle, a *model.Agent, msg model.Message) {
}

func setupTestHub(t *testing.T) (*Hub, *httptest.Server, *world.Registry, *memory.Store) {
	t.Helper()

	store := memory.New()
	require.NoError(t, store.SaveWorld(context.Background(), &model.World{
		ID:        "world-1",
		Name:      "test world",
		TurnLimit: 5,
	}))

	approvals := approval.NewMemCache()
	registry := world.NewRegistry(store, approvals, stubRunner{}, nil)
	q := queue.New(store, queue.DefaultConfig(), registry)
	h := New(registry, store, q, 5*time.Second, nil)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			t.Logf("websocket accept error: %v", err)
			return
		}
		h.HandleConnection(r.Context(), conn)
	}))
	t.Cleanup(server.Close)

	return h, server, registry, store
}

func connectWS(t *testing.T, server *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + server.URL[len("http"):] + "/"
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
}

func readFrame(t *testing.T, conn *websocket.Conn) serverMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var frame serverMessage
	require.NoError(t, json.Unmarshal(data, &frame))
	return frame
}

// waitForSubscriber blocks until the hub has finished processing a pending
// subscribe frame for worldID, so a test's subsequent direct bus.Emit call
// isn't racing the connection's own read loop.
func waitForSubscriber(t *testing.T, h *Hub, worldID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		h.worldMu.Lock()
		ws, ok := h.worlds[worldID]
		h.worldMu.Unlock()
		if !ok {
			return false
		}
		ws.mu.Lock()
		defer ws.mu.Unlock()
		return len(ws.conns) > 0
	}, 2*time.Second, 5*time.Millisecond, "subscriber never registered")
}

func TestHubSubscribeUnknownWorldReturnsError(t *testing.T) {
	_, server, _, _ := setupTestHub(t)
	conn := connectWS(t, server)

	writeJSON(t, conn, clientMessage{Type: msgTypeSubscribe, WorldID: "does-not-exist"})

	frame := readFrame(t, conn)
	assert.Equal(t, "error", frame.Type)
}

func TestHubEnqueueCreatesChatAndQueuesEntry(t *testing.T) {
	_, server, _, store := setupTestHub(t)
	conn := connectWS(t, server)

	// Subscribe before any chat exists, so the CRUD event the enqueue's
	// chat-creation emits (this connection is already listening to the
	// whole world) arrives ahead of the enqueue's own status reply.
	writeJSON(t, conn, clientMessage{Type: msgTypeSubscribe, WorldID: "world-1"})

	writeJSON(t, conn, clientMessage{
		Type:    msgTypeEnqueue,
		WorldID: "world-1",
		Content: "hello there",
	})

	crudFrame := readFrame(t, conn)
	require.Equal(t, "crud", crudFrame.Type, "chat creation should broadcast a crud event first")

	frame := readFrame(t, conn)
	require.Equal(t, "status", frame.Type)

	payload, err := json.Marshal(frame.Payload)
	require.NoError(t, err)
	var status statusPayload
	require.NoError(t, json.Unmarshal(payload, &status))
	assert.Equal(t, "queued", status.Status)
	assert.NotEmpty(t, status.MessageID)

	w, err := store.LoadWorld(context.Background(), "world-1")
	require.NoError(t, err)
	assert.NotEmpty(t, w.CurrentChatID, "enqueue with no chat should create one")
}

func TestHubBroadcastDeliversToSubscribedChat(t *testing.T) {
	h, server, registry, _ := setupTestHub(t)

	rt, err := registry.Get(context.Background(), "world-1")
	require.NoError(t, err)
	chat, err := rt.CreateChat(context.Background(), "")
	require.NoError(t, err)

	conn := connectWS(t, server)
	writeJSON(t, conn, clientMessage{Type: msgTypeSubscribe, WorldID: "world-1", ChatID: chat.ID})
	waitForSubscriber(t, h, "world-1")

	rt.Bus().EmitMessage(context.Background(), messagePayload(chat.ID, "agent reply", "agent-1"))

	frame := readFrame(t, conn)
	assert.Equal(t, "message", frame.Type)
	assert.EqualValues(t, 1, frame.Seq)
}

func TestHubBroadcastsStatusEventsFromBus(t *testing.T) {
	h, server, registry, _ := setupTestHub(t)

	rt, err := registry.Get(context.Background(), "world-1")
	require.NoError(t, err)

	conn := connectWS(t, server)
	writeJSON(t, conn, clientMessage{Type: msgTypeSubscribe, WorldID: "world-1"})
	waitForSubscriber(t, h, "world-1")

	rt.Bus().EmitStatus(context.Background(), eventbus.StatusPayload{
		MessageID: "msg-1", Status: eventbus.StatusProcessing,
	})

	frame := readFrame(t, conn)
	require.Equal(t, "status", frame.Type)

	payload, err := json.Marshal(frame.Payload)
	require.NoError(t, err)
	var status statusPayload
	require.NoError(t, json.Unmarshal(payload, &status))
	assert.Equal(t, "processing", status.Status)
	assert.Equal(t, "msg-1", status.MessageID)
}

func TestHubBroadcastSuppressesHumanEcho(t *testing.T) {
	h, server, registry, _ := setupTestHub(t)

	rt, err := registry.Get(context.Background(), "world-1")
	require.NoError(t, err)
	chat, err := rt.CreateChat(context.Background(), "")
	require.NoError(t, err)

	conn := connectWS(t, server)
	writeJSON(t, conn, clientMessage{Type: msgTypeSubscribe, WorldID: "world-1", ChatID: chat.ID})
	waitForSubscriber(t, h, "world-1")

	// The human's own message is never echoed back to them; the first thing
	// they should see is the agent reply that follows.
	rt.Bus().EmitMessage(context.Background(), messagePayload(chat.ID, "from the human", model.SenderHuman))
	rt.Bus().EmitMessage(context.Background(), messagePayload(chat.ID, "agent reply", "agent-1"))

	frame := readFrame(t, conn)
	require.Equal(t, "message", frame.Type)
	assert.EqualValues(t, 2, frame.Seq, "seq 1 (the human echo) was suppressed, not delivered")
}

func TestHubGetWorldCommandReturnsSnapshot(t *testing.T) {
	_, server, _, _ := setupTestHub(t)
	conn := connectWS(t, server)

	writeJSON(t, conn, clientMessage{Type: msgTypeSubscribe, WorldID: "world-1"})
	writeJSON(t, conn, clientMessage{Type: msgTypeCommand, WorldID: "world-1", Text: "/getworld"})

	frame := readFrame(t, conn)
	assert.Equal(t, "world-snapshot", frame.Type)
}

func TestHubExportCommandReturnsTranscript(t *testing.T) {
	_, server, registry, store := setupTestHub(t)

	rt, err := registry.Get(context.Background(), "world-1")
	require.NoError(t, err)
	chat, err := rt.CreateChat(context.Background(), "")
	require.NoError(t, err)
	require.NoError(t, store.SaveMessage(context.Background(), &model.Message{
		MessageID: "m1", ChatID: chat.ID, WorldID: "world-1",
		Role: model.RoleUser, Sender: model.SenderHuman, Content: "hi there",
	}))

	conn := connectWS(t, server)
	writeJSON(t, conn, clientMessage{Type: msgTypeSubscribe, WorldID: "world-1"})
	writeJSON(t, conn, clientMessage{Type: msgTypeCommand, WorldID: "world-1", Text: "/export " + chat.ID})

	frame := readFrame(t, conn)
	require.Equal(t, "export", frame.Type)

	payload, err := json.Marshal(frame.Payload)
	require.NoError(t, err)
	var export exportPayload
	require.NoError(t, json.Unmarshal(payload, &export))
	assert.Equal(t, chat.ID, export.ChatID)
	assert.Equal(t, "text", export.Format)
	assert.Contains(t, export.Content, "hi there")
}

func TestHubExportCommandJSONFormat(t *testing.T) {
	_, server, registry, store := setupTestHub(t)

	rt, err := registry.Get(context.Background(), "world-1")
	require.NoError(t, err)
	chat, err := rt.CreateChat(context.Background(), "")
	require.NoError(t, err)
	require.NoError(t, store.SaveMessage(context.Background(), &model.Message{
		MessageID: "m1", ChatID: chat.ID, WorldID: "world-1",
		Role: model.RoleUser, Sender: model.SenderHuman, Content: "hi there",
	}))

	conn := connectWS(t, server)
	writeJSON(t, conn, clientMessage{Type: msgTypeSubscribe, WorldID: "world-1"})
	writeJSON(t, conn, clientMessage{Type: msgTypeCommand, WorldID: "world-1", Text: "/export " + chat.ID + " --format=json"})

	frame := readFrame(t, conn)
	require.Equal(t, "export", frame.Type)

	payload, err := json.Marshal(frame.Payload)
	require.NoError(t, err)
	var export exportPayload
	require.NoError(t, json.Unmarshal(payload, &export))
	assert.Equal(t, "json", export.Format)
	assert.Contains(t, export.Content, `"hi there"`)
}

func TestHubAddAgentCommandCreatesAgent(t *testing.T) {
	_, server, _, store := setupTestHub(t)
	conn := connectWS(t, server)

	writeJSON(t, conn, clientMessage{Type: msgTypeSubscribe, WorldID: "world-1"})
	writeJSON(t, conn, clientMessage{Type: msgTypeCommand, WorldID: "world-1", Text: "/addagent researcher handles lit review"})

	// /addagent has no direct success reply (only the crud broadcast), so
	// poll storage instead of reading a frame.
	require.Eventually(t, func() bool {
		agents, err := store.ListAgents(context.Background(), "world-1")
		return err == nil && len(agents) == 1
	}, 2*time.Second, 5*time.Millisecond)

	agents, err := store.ListAgents(context.Background(), "world-1")
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, "researcher", agents[0].Name)
}
