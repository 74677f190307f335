// Package processor implements the Queue Processor (C7): a single
// process-wide polling worker that claims pending queue entries one world at
// a time and drives each through that world's Runtime, generalized from
// "claim a pending AlertSession" to "claim a pending QueueEntry for a world
// not already leased locally."
package processor

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/agentworld/orchestrator/internal/eventbus"
	"github.com/agentworld/orchestrator/internal/model"
	"github.com/agentworld/orchestrator/internal/queue"
	"github.com/agentworld/orchestrator/internal/storage"
	"github.com/agentworld/orchestrator/internal/world"
)

// Config holds the processor's timing and concurrency knobs.
type Config struct {
	PollInterval        time.Duration // default 1s
	PollIntervalJitter  time.Duration // default 200ms
	MaxConcurrentWorlds int           // default 5
	WorldIdleTimeout    time.Duration // default 60s
	ShutdownGrace       time.Duration // default 30s
}

// DefaultConfig returns the documented default tuning values.
func DefaultConfig() Config {
	return Config{
		PollInterval:        1 * time.Second,
		PollIntervalJitter:  200 * time.Millisecond,
		MaxConcurrentWorlds: 5,
		WorldIdleTimeout:    60 * time.Second,
		ShutdownGrace:       30 * time.Second,
	}
}

// Processor is the single process-wide poll loop that feeds queued messages
// into world Runtimes.
type Processor struct {
	q        *queue.Queue
	registry *world.Registry
	store    storage.Contract
	cfg      Config
	log      *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu     sync.Mutex
	active map[string]bool // worldID -> has a task running locally
}

// New creates a Processor. Call Start to begin polling.
func New(q *queue.Queue, registry *world.Registry, store storage.Contract, cfg Config, log *slog.Logger) *Processor {
	if log == nil {
		log = slog.Default()
	}
	return &Processor{
		q:        q,
		registry: registry,
		store:    store,
		cfg:      cfg,
		log:      log,
		stopCh:   make(chan struct{}),
		active:   make(map[string]bool),
	}
}

// Start reclaims stale leased entries, then launches the poll loop.
func (p *Processor) Start(ctx context.Context) error {
	n, err := p.q.ReclaimStale(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		p.log.Info("processor: reclaimed stale queue entries", "count", n)
	}

	p.wg.Add(1)
	go p.run(ctx)
	return nil
}

// Stop halts polling and waits up to cfg.ShutdownGrace for in-flight world
// tasks to finish.
func (p *Processor) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(p.cfg.ShutdownGrace):
		p.log.Warn("processor: shutdown grace period elapsed with tasks still in flight")
	}
}

func (p *Processor) run(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		default:
			p.pollAndSpawn(ctx)
			p.sleep(p.pollInterval())
		}
	}
}

func (p *Processor) sleep(d time.Duration) {
	select {
	case <-p.stopCh:
	case <-time.After(d):
	}
}

func (p *Processor) pollInterval() time.Duration {
	base, jitter := p.cfg.PollInterval, p.cfg.PollIntervalJitter
	if jitter <= 0 {
		return base
	}
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}

// pollAndSpawn fetches queue stats and spawns one task per world that has
// pending work and is not already being processed locally, up to
// MaxConcurrentWorlds.
func (p *Processor) pollAndSpawn(ctx context.Context) {
	stats, err := p.q.Stats(ctx)
	if err != nil {
		p.log.Error("processor: get queue stats failed", "error", err)
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for worldID, count := range stats.PendingByWorld {
		if count == 0 || p.active[worldID] {
			continue
		}
		if len(p.active) >= p.cfg.MaxConcurrentWorlds {
			break
		}
		p.active[worldID] = true
		p.wg.Add(1)
		go p.runWorldTask(ctx, worldID)
	}
}

// runWorldTask loads worldID's Runtime once, then loops claiming and
// processing entries until none remain eligible.
func (p *Processor) runWorldTask(ctx context.Context, worldID string) {
	defer p.wg.Done()
	defer func() {
		p.mu.Lock()
		delete(p.active, worldID)
		p.mu.Unlock()
	}()

	rt, err := p.registry.Get(ctx, worldID)
	if err != nil {
		p.log.Error("processor: load world runtime failed", "world_id", worldID, "error", err)
		return
	}

	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		entry, err := p.q.Dequeue(ctx, worldID)
		if err != nil {
			p.log.Error("processor: dequeue failed", "world_id", worldID, "error", err)
			return
		}
		if entry == nil {
			return
		}
		p.processEntry(ctx, rt, entry)
	}
}

// processEntry persists and broadcasts entry's content, waits for the world
// to go idle (or WorldIdleTimeout to elapse), and resolves the queue entry's
// terminal state.
func (p *Processor) processEntry(ctx context.Context, rt *world.Runtime, entry *model.QueueEntry) {
	log := p.log.With("world_id", entry.WorldID, "queue_id", entry.QueueID)

	rt.Bus().EmitStatus(ctx, eventbus.StatusPayload{
		MessageID: entry.MessageID, ChatID: entry.ChatID, Status: eventbus.StatusProcessing,
	})

	heartbeatCtx, cancelHeartbeat := context.WithCancel(ctx)
	defer cancelHeartbeat()
	go p.runHeartbeat(heartbeatCtx, entry.QueueID)

	msg, err := p.persistIncoming(ctx, rt, entry)
	if err != nil {
		log.Error("processor: persist incoming message failed", "error", err)
		p.fail(ctx, rt, entry, err)
		return
	}

	idle := p.awaitIdle(ctx, rt, func() {
		rt.Bus().EmitMessage(ctx, toEventPayload(msg))
	})
	if !idle {
		log.Warn("processor: world idle timeout elapsed", "timeout", p.cfg.WorldIdleTimeout)
	}

	if err := p.q.Complete(ctx, entry.QueueID); err != nil {
		log.Error("processor: mark completed failed", "error", err)
	}
	rt.Bus().EmitStatus(ctx, eventbus.StatusPayload{
		MessageID: entry.MessageID, ChatID: entry.ChatID, Status: eventbus.StatusCompleted,
	})
}

// persistIncoming resolves entry's chat (falling back to the world's current
// chat), builds the corresponding Message, saves it, and bumps the chat's
// message count.
func (p *Processor) persistIncoming(ctx context.Context, rt *world.Runtime, entry *model.QueueEntry) (model.Message, error) {
	chatID := entry.ChatID
	if chatID == "" {
		chatID = rt.CurrentChatID()
	}

	msg := model.Message{
		MessageID: entry.MessageID,
		ChatID:    chatID,
		WorldID:   entry.WorldID,
		Role:      roleForSender(entry.Sender),
		Sender:    entry.Sender,
		Content:   entry.Content,
		Timestamp: time.Now(),
	}

	if err := p.store.SaveMessage(ctx, &msg); err != nil {
		return msg, err
	}

	if chatID != "" {
		if _, err := p.store.UpdateChatData(ctx, entry.WorldID, chatID, func(c *model.Chat) error {
			c.MessageCount++
			return nil
		}); err != nil {
			log := p.log.With("world_id", entry.WorldID, "chat_id", chatID)
			log.Warn("processor: update chat message count failed", "error", err)
		}
	}
	return msg, nil
}

func roleForSender(sender string) model.MessageRole {
	switch sender {
	case model.SenderSystem:
		return model.RoleSystem
	default:
		return model.RoleUser
	}
}

func toEventPayload(m model.Message) eventbus.MessagePayload {
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

// awaitIdle subscribes to rt's world-idle notice, runs emit (which fans the
// message out to every agent subscriber, each spawning its own pipeline
// goroutine), and waits until every spawned pipeline finishes or
// WorldIdleTimeout elapses. It returns false on timeout.
func (p *Processor) awaitIdle(ctx context.Context, rt *world.Runtime, emit func()) bool {
	idleCh := make(chan struct{}, 1)
	dispose := rt.Bus().OnWorld(func(_ context.Context, ev eventbus.WorldPayload) {
		if ev.Type == eventbus.WorldIdle {
			select {
			case idleCh <- struct{}{}:
			default:
			}
		}
	})
	defer dispose()

	emit()

	// The bus calls subscriber handlers synchronously in registration order;
	// by the time emit() returns, every agent pipeline has at least started
	// (world.Runtime.dispatch increments inFlight before spawning). If none
	// were ever in flight, there is nothing to await.
	if rt.InFlight() == 0 {
		return true
	}

	timer := time.NewTimer(p.cfg.WorldIdleTimeout)
	defer timer.Stop()
	select {
	case <-idleCh:
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

func (p *Processor) fail(ctx context.Context, rt *world.Runtime, entry *model.QueueEntry, cause error) {
	rt.Bus().EmitStatus(ctx, eventbus.StatusPayload{
		MessageID: entry.MessageID, ChatID: entry.ChatID, Status: eventbus.StatusFailed, Error: cause.Error(),
	})
	if err := p.q.Fail(ctx, entry.WorldID, entry.QueueID, entry.MessageID, cause, entry.AttemptCount); err != nil {
		p.log.Error("processor: mark failed failed", "world_id", entry.WorldID, "queue_id", entry.QueueID, "error", err)
	}
}

func (p *Processor) runHeartbeat(ctx context.Context, queueID string) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.q.Heartbeat(ctx, queueID); err != nil && !errors.Is(err, context.Canceled) {
				p.log.Warn("processor: heartbeat update failed", "queue_id", queueID, "error", err)
			}
		}
	}
}
