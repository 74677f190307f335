// Package hub implements the Subscription Hub (C8): it accepts WebSocket
// connections, multiplexes one process's per-world Event Bus to many
// clients, replays missed history on subscribe, and turns client commands
// into World Runtime and Queue operations, adapted from PostgreSQL
// LISTEN/NOTIFY channel fan-out to direct in-process Event Bus subscription.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/agentworld/orchestrator/internal/eventbus"
	"github.com/agentworld/orchestrator/internal/export"
	"github.com/agentworld/orchestrator/internal/model"
	"github.com/agentworld/orchestrator/internal/queue"
	"github.com/agentworld/orchestrator/internal/storage"
	"github.com/agentworld/orchestrator/internal/world"
)

// ringCapacity bounds how many broadcast envelopes a world retains for
// sequence-based replay. A subscriber whose gap exceeds this must replay
// from "beginning" instead.
const ringCapacity = 500

// Hub is one process's Subscription Hub. One Hub serves every world.
type Hub struct {
	registry     *world.Registry
	store        storage.Contract
	q            *queue.Queue
	writeTimeout time.Duration
	log          *slog.Logger

	connMu sync.RWMutex
	conns  map[string]*connection

	worldMu sync.Mutex
	worlds  map[string]*worldState
}

// New creates a Hub. writeTimeout bounds how long a single client send may
// block before the connection is treated as backpressured and dropped.
func New(registry *world.Registry, store storage.Contract, q *queue.Queue, writeTimeout time.Duration, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		registry:     registry,
		store:        store,
		q:            q,
		writeTimeout: writeTimeout,
		log:          log,
		conns:        make(map[string]*connection),
		worlds:       make(map[string]*worldState),
	}
}

// connection is a single WebSocket client. subs is guarded by its own mutex
// because broadcasts from world tasks running on other goroutines read it
// concurrently with the client's own read loop issuing subscribe/unsubscribe.
type connection struct {
	id     string
	conn   *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc

	// identity is this connection's outgoing sender label, set by its most
	// recent enqueue call (default HUMAN). Used for echo suppression: a
	// connection never receives a message event it effectively authored.
	mu       sync.Mutex
	identity string
	subs     map[string]string // worldID -> chatID filter ("" = all chats)
}

// envelope is one broadcastable unit retained in a world's replay ring.
type envelope struct {
	seq     int64
	frame   serverMessage
	sender  string // set only for message-family envelopes, for echo suppression
	worldID string
}

// worldState is the hub's per-world subscription bookkeeping: which
// connections are listening, the bus handlers currently attached, and the
// replay ring.
type worldState struct {
	mu        sync.Mutex
	seq       int64
	ring      []envelope
	disposers []eventbus.Disposer
	conns     map[string]*connection
}

// HandleConnection manages one WebSocket client's lifecycle, from upgrade to
// close. Blocks until the connection closes. Call from an echo handler after
// websocket.Accept.
func (h *Hub) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(parentCtx)
	c := &connection{
		id:       uuid.NewString(),
		conn:     conn,
		ctx:      ctx,
		cancel:   cancel,
		identity: model.SenderHuman,
		subs:     make(map[string]string),
	}

	h.connMu.Lock()
	h.conns[c.id] = c
	h.connMu.Unlock()

	defer h.teardown(c)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			h.sendJSON(c, serverMessage{Type: "error", Payload: errorPayload{Message: "invalid JSON frame"}})
			continue
		}
		h.dispatch(ctx, c, msg)
	}
}

func (h *Hub) teardown(c *connection) {
	c.mu.Lock()
	worldIDs := make([]string, 0, len(c.subs))
	for w := range c.subs {
		worldIDs = append(worldIDs, w)
	}
	c.mu.Unlock()

	for _, w := range worldIDs {
		h.unsubscribe(c, w)
	}

	h.connMu.Lock()
	delete(h.conns, c.id)
	h.connMu.Unlock()

	c.cancel()
	_ = c.conn.Close(websocket.StatusNormalClosure, "")
}

func (h *Hub) dispatch(ctx context.Context, c *connection, msg clientMessage) {
	switch msg.Type {
	case msgTypeSubscribe:
		h.handleSubscribe(ctx, c, msg)
	case msgTypeUnsubscribe:
		h.unsubscribe(c, msg.WorldID)
	case msgTypeEnqueue:
		h.handleEnqueue(ctx, c, msg)
	case msgTypeCommand:
		h.handleCommand(ctx, c, msg)
	default:
		h.sendJSON(c, serverMessage{Type: "error", Payload: errorPayload{Message: fmt.Sprintf("unknown message type %q", msg.Type)}})
	}
}

// handleSubscribe attaches c to worldID's bus (hydrating the world and the
// hub's own subscription state on first access), then replays history per
// msg.ReplayFrom.
func (h *Hub) handleSubscribe(ctx context.Context, c *connection, msg clientMessage) {
	if msg.WorldID == "" {
		h.sendJSON(c, serverMessage{Type: "error", Payload: errorPayload{Message: "worldId is required for subscribe"}})
		return
	}

	rt, err := h.registry.Get(ctx, msg.WorldID)
	if err != nil {
		h.sendJSON(c, serverMessage{Type: "error", Payload: errorPayload{Message: "world not found"}})
		return
	}

	ws := h.getOrAttachWorldState(msg.WorldID, rt)
	ws.mu.Lock()
	ws.conns[c.id] = c
	ws.mu.Unlock()

	c.mu.Lock()
	c.subs[msg.WorldID] = msg.ChatID
	c.mu.Unlock()

	h.replay(ctx, c, msg, ws)
}

func (h *Hub) replay(ctx context.Context, c *connection, msg clientMessage, ws *worldState) {
	if len(msg.ReplayFrom) == 0 {
		return
	}

	var asString string
	if err := json.Unmarshal(msg.ReplayFrom, &asString); err == nil && asString == replayFromBeginning {
		h.replayFromBeginning(ctx, c, msg.WorldID, msg.ChatID)
		return
	}

	var since int64
	if err := json.Unmarshal(msg.ReplayFrom, &since); err != nil {
		return
	}
	h.replayFromSeq(c, ws, since)
}

func (h *Hub) replayFromBeginning(ctx context.Context, c *connection, worldID, chatID string) {
	if chatID == "" {
		return
	}
	msgs, err := h.store.ListMessages(ctx, worldID, chatID)
	if err != nil {
		h.log.Warn("hub: replay from beginning failed", "world_id", worldID, "chat_id", chatID, "error", err)
		return
	}
	for _, m := range msgs {
		h.sendJSON(c, serverMessage{Type: string(eventbus.FamilyMessage), Payload: toMessagePayload(m)})
	}
}

func (h *Hub) replayFromSeq(c *connection, ws *worldState, since int64) {
	ws.mu.Lock()
	pending := make([]envelope, 0, len(ws.ring))
	for _, e := range ws.ring {
		if e.seq > since {
			pending = append(pending, e)
		}
	}
	ws.mu.Unlock()

	for _, e := range pending {
		if h.suppressed(c, e) {
			continue
		}
		h.sendJSON(c, e.frame)
	}
}

func (h *Hub) unsubscribe(c *connection, worldID string) {
	c.mu.Lock()
	delete(c.subs, worldID)
	c.mu.Unlock()

	h.worldMu.Lock()
	ws, ok := h.worlds[worldID]
	if !ok {
		h.worldMu.Unlock()
		return
	}
	ws.mu.Lock()
	delete(ws.conns, c.id)
	empty := len(ws.conns) == 0
	var disposers []eventbus.Disposer
	if empty {
		disposers = ws.disposers
		delete(h.worlds, worldID)
	}
	ws.mu.Unlock()
	h.worldMu.Unlock()

	eventbus.DisposeAll(disposers...)
}

// getOrAttachWorldState returns the hub's bookkeeping for worldID, attaching
// bus handlers for every family on first access (a LISTEN-on-first-subscriber
// pattern, generalized to an in-process bus).
func (h *Hub) getOrAttachWorldState(worldID string, rt *world.Runtime) *worldState {
	h.worldMu.Lock()
	defer h.worldMu.Unlock()

	if ws, ok := h.worlds[worldID]; ok {
		return ws
	}

	ws := &worldState{conns: make(map[string]*connection)}
	h.attachBus(worldID, rt, ws)
	h.worlds[worldID] = ws
	return ws
}

func (h *Hub) attachBus(worldID string, rt *world.Runtime, ws *worldState) {
	bus := rt.Bus()
	ws.disposers = []eventbus.Disposer{
		bus.OnMessage(func(ctx context.Context, p eventbus.MessagePayload) {
			h.broadcast(worldID, ws, serverMessage{Type: string(eventbus.FamilyMessage), Payload: p}, p.Sender)
		}),
		bus.OnSSE(func(ctx context.Context, p eventbus.SSEPayload) {
			h.broadcast(worldID, ws, serverMessage{Type: string(eventbus.FamilySSE), Payload: p}, "")
		}),
		bus.OnWorld(func(ctx context.Context, p eventbus.WorldPayload) {
			h.broadcast(worldID, ws, serverMessage{Type: string(eventbus.FamilyWorld), Payload: p}, "")
		}),
		bus.OnCRUD(func(ctx context.Context, p eventbus.CRUDPayload) {
			h.broadcast(worldID, ws, serverMessage{Type: string(eventbus.FamilyCRUD), Payload: p}, "")
		}),
		bus.OnStatus(func(ctx context.Context, p eventbus.StatusPayload) {
			h.broadcast(worldID, ws, serverMessage{Type: "status", Payload: statusPayload{
				WorldID: worldID, MessageID: p.MessageID, Status: string(p.Status), Error: p.Error,
			}}, "")
		}),
	}
}

// broadcast assigns the next sequence number, retains the envelope in the
// replay ring, and fans it out to every connection subscribed to worldID,
// honoring per-connection chat filters and echo suppression.
func (h *Hub) broadcast(worldID string, ws *worldState, frame serverMessage, sender string) {
	ws.mu.Lock()
	ws.seq++
	frame.Seq = ws.seq
	e := envelope{seq: ws.seq, frame: frame, sender: sender, worldID: worldID}
	ws.ring = append(ws.ring, e)
	if len(ws.ring) > ringCapacity {
		ws.ring = ws.ring[len(ws.ring)-ringCapacity:]
	}
	conns := make([]*connection, 0, len(ws.conns))
	for _, c := range ws.conns {
		conns = append(conns, c)
	}
	ws.mu.Unlock()

	chatID := messageChatID(frame)
	for _, c := range conns {
		if h.suppressed(c, e) {
			continue
		}
		if chatID != "" && !c.wantsChat(worldID, chatID) {
			continue
		}
		h.sendJSON(c, frame)
	}
}

func messageChatID(frame serverMessage) string {
	if p, ok := frame.Payload.(eventbus.MessagePayload); ok {
		return p.ChatID
	}
	return ""
}

func (c *connection) wantsChat(worldID, chatID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	filter, ok := c.subs[worldID]
	if !ok {
		return false
	}
	return filter == "" || filter == chatID
}

// suppressed implements user-echo suppression: an event whose sender is
// HUMAN or matches this connection's own outgoing identity is not delivered
// to it.
func (h *Hub) suppressed(c *connection, e envelope) bool {
	if e.sender == "" {
		return false
	}
	if e.sender == model.SenderHuman {
		return true
	}
	c.mu.Lock()
	identity := c.identity
	c.mu.Unlock()
	return e.sender == identity
}

// handleEnqueue resolves the target chat (creating one via the new-chat
// reuse rule if the world has none yet), enqueues the message, and reports
// queued status back to the originating connection.
func (h *Hub) handleEnqueue(ctx context.Context, c *connection, msg clientMessage) {
	if msg.WorldID == "" || msg.Content == "" {
		h.sendJSON(c, serverMessage{Type: "error", Payload: errorPayload{Message: "worldId and content are required for enqueue"}})
		return
	}

	rt, err := h.registry.Get(ctx, msg.WorldID)
	if err != nil {
		h.sendJSON(c, serverMessage{Type: "error", Payload: errorPayload{Message: "world not found"}})
		return
	}

	sender := msg.Sender
	if sender == "" {
		sender = model.SenderHuman
	}
	c.mu.Lock()
	c.identity = sender
	c.mu.Unlock()

	chatID := msg.ChatID
	if chatID == "" {
		chatID = rt.CurrentChatID()
		if chatID == "" {
			chat, err := rt.CreateChat(ctx, "")
			if err != nil {
				h.sendJSON(c, serverMessage{Type: "error", Payload: errorPayload{Message: "failed to create chat"}})
				return
			}
			chatID = chat.ID
		}
	}

	entry, err := h.q.Enqueue(ctx, msg.WorldID, msg.Content, sender, chatID)
	if err != nil {
		h.sendJSON(c, serverMessage{Type: "status", Payload: statusPayload{WorldID: msg.WorldID, Status: "failed", Error: err.Error()}})
		return
	}
	h.sendJSON(c, serverMessage{Type: "status", Payload: statusPayload{WorldID: msg.WorldID, MessageID: entry.MessageID, Status: "queued"}})
}

// handleCommand parses and executes one of the slash commands the
// subscription protocol supports: /clear, /getworld, /addagent, /export.
func (h *Hub) handleCommand(ctx context.Context, c *connection, msg clientMessage) {
	if msg.WorldID == "" {
		h.sendJSON(c, serverMessage{Type: "error", Payload: errorPayload{Message: "worldId is required for command"}})
		return
	}
	rt, err := h.registry.Get(ctx, msg.WorldID)
	if err != nil {
		h.sendJSON(c, serverMessage{Type: "error", Payload: errorPayload{Message: "world not found"}})
		return
	}

	fields := strings.Fields(strings.TrimSpace(msg.Text))
	if len(fields) == 0 {
		h.sendJSON(c, serverMessage{Type: "error", Payload: errorPayload{Message: "empty command"}})
		return
	}

	switch fields[0] {
	case "/clear":
		h.handleClear(ctx, c, rt, msg.WorldID, fields)
	case "/getworld":
		h.sendJSON(c, serverMessage{Type: "world-snapshot", Payload: rt.Snapshot()})
	case "/addagent":
		h.handleAddAgent(ctx, c, rt, msg.WorldID, fields)
	case "/export":
		h.handleExport(ctx, c, rt, msg.WorldID, fields)
	default:
		h.sendJSON(c, serverMessage{Type: "error", Payload: errorPayload{Message: fmt.Sprintf("unknown command %q", fields[0])}})
	}
}

func (h *Hub) handleClear(ctx context.Context, c *connection, rt *world.Runtime, worldID string, fields []string) {
	var err error
	if len(fields) >= 2 {
		agentID, ok := h.resolveAgentByName(ctx, worldID, fields[1])
		if !ok {
			h.sendJSON(c, serverMessage{Type: "error", Payload: errorPayload{Message: fmt.Sprintf("no agent named %q", fields[1])}})
			return
		}
		err = rt.ClearAgentMemory(ctx, agentID)
	} else {
		err = rt.ClearAllMemory(ctx)
	}
	if err != nil {
		h.sendJSON(c, serverMessage{Type: "error", Payload: errorPayload{Message: err.Error()}})
		return
	}
	h.refreshWorld(ctx, worldID)
}

func (h *Hub) handleAddAgent(ctx context.Context, c *connection, rt *world.Runtime, worldID string, fields []string) {
	if len(fields) < 2 {
		h.sendJSON(c, serverMessage{Type: "error", Payload: errorPayload{Message: "usage: /addagent <name> [description]"}})
		return
	}
	name := fields[1]
	description := strings.Join(fields[2:], " ")
	if _, err := rt.CreateAgent(ctx, name, description, "", ""); err != nil {
		h.sendJSON(c, serverMessage{Type: "error", Payload: errorPayload{Message: err.Error()}})
		return
	}
	h.refreshWorld(ctx, worldID)
}

// handleExport renders a chat transcript and sends it back to the
// requesting connection only, never broadcast. Usage:
//
//	/export [chatId] [--format=json]
//
// chatId defaults to the world's current chat; format defaults to text.
func (h *Hub) handleExport(ctx context.Context, c *connection, rt *world.Runtime, worldID string, fields []string) {
	chatID := rt.CurrentChatID()
	format := "text"
	for _, f := range fields[1:] {
		if strings.HasPrefix(f, "--format=") {
			format = strings.TrimPrefix(f, "--format=")
			continue
		}
		chatID = f
	}
	if chatID == "" {
		h.sendJSON(c, serverMessage{Type: "error", Payload: errorPayload{Message: "no chat to export: specify a chatId or set a current chat"}})
		return
	}

	b := export.New(h.store)
	switch format {
	case "json":
		tr, err := b.BuildJSON(ctx, worldID, chatID)
		if err != nil {
			h.sendJSON(c, serverMessage{Type: "error", Payload: errorPayload{Message: err.Error()}})
			return
		}
		data, err := tr.MarshalIndent()
		if err != nil {
			h.sendJSON(c, serverMessage{Type: "error", Payload: errorPayload{Message: err.Error()}})
			return
		}
		h.sendJSON(c, serverMessage{Type: "export", Payload: exportPayload{ChatID: chatID, Format: "json", Content: string(data)}})
	case "text":
		out, err := b.Build(ctx, worldID, chatID)
		if err != nil {
			h.sendJSON(c, serverMessage{Type: "error", Payload: errorPayload{Message: err.Error()}})
			return
		}
		h.sendJSON(c, serverMessage{Type: "export", Payload: exportPayload{ChatID: chatID, Format: "text", Content: out}})
	default:
		h.sendJSON(c, serverMessage{Type: "error", Payload: errorPayload{Message: fmt.Sprintf("unknown export format %q", format)}})
	}
}

func (h *Hub) resolveAgentByName(ctx context.Context, worldID, name string) (string, bool) {
	agents, err := h.store.ListAgents(ctx, worldID)
	if err != nil {
		return "", false
	}
	for _, a := range agents {
		if a.Name == name {
			return a.ID, true
		}
	}
	return "", false
}

// refreshWorld re-hydrates worldID's Runtime from storage and re-attaches
// the hub's bus subscription, per the refresh-after-mutation rule. Failures
// are logged as warnings rather than surfaced to the client:
// the mutation that triggered the refresh already succeeded.
func (h *Hub) refreshWorld(ctx context.Context, worldID string) {
	h.worldMu.Lock()
	ws, ok := h.worlds[worldID]
	h.worldMu.Unlock()
	if !ok {
		return
	}

	h.registry.Evict(worldID)
	rt, err := h.registry.Get(ctx, worldID)
	if err != nil {
		h.log.Warn("hub: world refresh failed", "world_id", worldID, "error", err)
		return
	}

	ws.mu.Lock()
	old := ws.disposers
	ws.mu.Unlock()
	eventbus.DisposeAll(old...)

	ws.mu.Lock()
	h.attachBus(worldID, rt, ws)
	ws.mu.Unlock()
}

func (h *Hub) sendJSON(c *connection, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.log.Warn("hub: marshal outgoing frame failed", "connection_id", c.id, "error", err)
		return
	}
	writeCtx, cancel := context.WithTimeout(c.ctx, h.writeTimeout)
	defer cancel()
	if err := c.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		h.log.Warn("hub: send to client failed", "connection_id", c.id, "error", err)
	}
}

func toMessagePayload(m *model.Message) eventbus.MessagePayload {
	return eventbus.MessagePayload{
		MessageID:        m.MessageID,
		Sender:           m.Sender,
		Content:          m.Content,
		ChatID:           m.ChatID,
		Timestamp:        m.Timestamp.UnixMilli(),
		Role:             m.Role,
		ToolCalls:        m.ToolCalls,
		ToolCallID:       m.ToolCallID,
		ReplyToMessageID: m.ReplyToMessageID,
	}
}
