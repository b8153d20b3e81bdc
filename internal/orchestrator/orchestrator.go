// Package orchestrator drives group-chat turns: it owns the per-session
// task queues, runs the scheduler, invokes the persona runtime and
// commits the results, emitting streaming events along the way.
//
// Execution is strictly serial within a session (one worker per session,
// FIFO queue) and concurrent across sessions.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/parley-ai/parley/internal/eventbus"
	"github.com/parley-ai/parley/internal/observe"
	"github.com/parley-ai/parley/internal/runtime"
	"github.com/parley-ai/parley/internal/scheduler"
	"github.com/parley-ai/parley/internal/store"
)

// ErrQueueFull is returned by Enqueue when a session's task queue is at
// capacity. The user message is still persisted; only the generation
// task is refused.
var ErrQueueFull = errors.New("orchestrator: session task queue full")

// taskQueueSize bounds queued-but-unprocessed turns per session.
const taskQueueSize = 128

// Store is the persistence surface the orchestrator needs.
type Store interface {
	store.ProfileStore
	store.PersonaStore
	store.ConversationStore
}

// Options tune the orchestrator. Zero values select defaults.
type Options struct {
	// LLMCallTimeout bounds each persona invocation.
	LLMCallTimeout time.Duration

	// IdleEviction is how long an unused session binding survives.
	IdleEviction time.Duration

	// MaxHistory caps the history window loaded per turn.
	MaxHistory int

	// SubscriberBuffer is the per-subscriber event buffer size.
	SubscriberBuffer int

	// SchedulerSeed seeds each session's scheduler noise source. Zero
	// selects a time-based seed.
	SchedulerSeed int64

	Logger *slog.Logger
}

// Orchestrator is the session registry. Safe for concurrent use.
type Orchestrator struct {
	st       Store
	searcher runtime.Searcher
	factory  runtime.ProviderFactory
	opts     Options
	log      *slog.Logger
	metrics  *observe.Metrics

	mu       sync.Mutex
	bindings map[string]*binding

	stop     chan struct{}
	stopOnce sync.Once
}

// binding is the sticky per-session runtime state: queue, worker, bus,
// scheduler and resolved provider clients. Created on first use, evicted
// on idle timeout or session deletion.
type binding struct {
	sessionID string
	owner     string

	ctx    context.Context
	cancel context.CancelFunc

	tasks chan task
	bus   *eventbus.Bus
	sched *scheduler.Scheduler
	state *scheduler.State
	rt    *runtime.Runtime

	mu       sync.Mutex
	lastUsed time.Time
	running  bool
}

type task struct {
	userMessage store.Message
	userPersona string
	targets     []string
	enqueuedAt  time.Time
}

// New creates an orchestrator and starts its idle-eviction janitor.
// Call Close to release it.
func New(st Store, searcher runtime.Searcher, factory runtime.ProviderFactory, opts Options) *Orchestrator {
	if opts.LLMCallTimeout <= 0 {
		opts.LLMCallTimeout = 60 * time.Second
	}
	if opts.IdleEviction <= 0 {
		opts.IdleEviction = 30 * time.Minute
	}
	if opts.MaxHistory <= 0 {
		opts.MaxHistory = 50
	}
	if opts.SchedulerSeed == 0 {
		opts.SchedulerSeed = time.Now().UnixNano()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	o := &Orchestrator{
		st:       st,
		searcher: searcher,
		factory:  factory,
		opts:     opts,
		log:      opts.Logger,
		metrics:  observe.DefaultMetrics(),
		bindings: make(map[string]*binding),
		stop:     make(chan struct{}),
	}
	go o.janitor()
	return o
}

// Enqueue persists the user message, publishes message.new and queues a
// generation task. It returns the persisted message without waiting for
// generation. targets, when non-empty, overrides mention detection.
func (o *Orchestrator) Enqueue(ctx context.Context, owner, sessionID, content string, targets []string) (*store.Message, error) {
	sess, err := o.authorize(ctx, owner, sessionID)
	if err != nil {
		return nil, err
	}

	msg, err := o.st.AppendMessage(ctx, sessionID, sess.UserHandle, content)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: persist user message: %w", err)
	}

	b := o.bindingFor(sess)
	b.bus.Publish(eventbus.Event{
		Type:      eventbus.TypeMessageNew,
		MessageID: msg.ID,
		Sender:    msg.Sender,
		Content:   msg.Content,
	})

	t := task{
		userMessage: *msg,
		userPersona: sess.UserPersona,
		targets:     targets,
		enqueuedAt:  time.Now(),
	}
	select {
	case b.tasks <- t:
	default:
		// the message is committed either way; only generation is refused
		return msg, ErrQueueFull
	}
	b.touch()
	return msg, nil
}

// Subscribe attaches a live event subscriber to a session's bus,
// creating the session binding if needed.
func (o *Orchestrator) Subscribe(ctx context.Context, owner, sessionID string) (*eventbus.Subscription, error) {
	sess, err := o.authorize(ctx, owner, sessionID)
	if err != nil {
		return nil, err
	}
	b := o.bindingFor(sess)
	b.touch()
	return b.bus.Subscribe(), nil
}

// DeleteSession cancels any in-flight task for the session, closes its
// event bus and removes the stored session. In-flight partial replies
// are not persisted.
func (o *Orchestrator) DeleteSession(ctx context.Context, owner, sessionID string) error {
	if _, err := o.authorize(ctx, owner, sessionID); err != nil {
		return err
	}

	o.mu.Lock()
	b := o.bindings[sessionID]
	delete(o.bindings, sessionID)
	o.mu.Unlock()
	if b != nil {
		b.shutdown()
		o.metrics.ActiveSessions.Add(ctx, -1)
	}

	return o.st.DeleteSession(ctx, sessionID)
}

// ForgetPersona drops cached provider clients for a persona across all
// session bindings. Called after persona or profile updates so the next
// turn re-resolves credentials.
func (o *Orchestrator) ForgetPersona(personaID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, b := range o.bindings {
		b.rt.Forget(personaID)
	}
}

// SessionCount reports live session bindings.
func (o *Orchestrator) SessionCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.bindings)
}

// Close stops the janitor and tears down all session bindings. Queued
// tasks are abandoned.
func (o *Orchestrator) Close() {
	o.stopOnce.Do(func() { close(o.stop) })

	o.mu.Lock()
	bindings := make([]*binding, 0, len(o.bindings))
	for id, b := range o.bindings {
		bindings = append(bindings, b)
		delete(o.bindings, id)
	}
	o.mu.Unlock()

	for _, b := range bindings {
		b.shutdown()
		o.metrics.ActiveSessions.Add(context.Background(), -1)
	}
}

// authorize validates the session-id shape, checks the embedded owner
// and loads the session. Owner mismatch is reported as permission
// denied without revealing whether the session exists.
func (o *Orchestrator) authorize(ctx context.Context, owner, sessionID string) (*store.Session, error) {
	embedded, err := store.ParseSessionID(sessionID)
	if err != nil {
		return nil, err
	}
	if embedded != owner {
		return nil, fmt.Errorf("orchestrator: session %q: %w", sessionID, store.ErrPermissionDenied)
	}
	sess, err := o.st.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Owner != owner {
		return nil, fmt.Errorf("orchestrator: session %q: %w", sessionID, store.ErrPermissionDenied)
	}
	return sess, nil
}

func (o *Orchestrator) bindingFor(sess *store.Session) *binding {
	o.mu.Lock()
	defer o.mu.Unlock()
	if b, ok := o.bindings[sess.ID]; ok {
		return b
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &binding{
		sessionID: sess.ID,
		owner:     sess.Owner,
		ctx:       ctx,
		cancel:    cancel,
		tasks:     make(chan task, taskQueueSize),
		bus:       eventbus.New(o.opts.SubscriberBuffer),
		sched:     scheduler.New(o.opts.SchedulerSeed),
		state:     scheduler.NewState(),
		rt:        runtime.New(o.st, o.searcher, o.factory, runtime.WithLogger(o.log)),
		lastUsed:  time.Now(),
	}
	o.bindings[sess.ID] = b
	o.metrics.ActiveSessions.Add(ctx, 1)
	go o.worker(b)
	return b
}

func (o *Orchestrator) worker(b *binding) {
	for {
		select {
		case <-b.ctx.Done():
			return
		case t := <-b.tasks:
			o.runTurn(b, t)
		}
	}
}

// runTurn executes one scheduling turn: select speakers, then drive each
// selected persona sequentially.
func (o *Orchestrator) runTurn(b *binding, t task) {
	b.setRunning(true)
	defer b.setRunning(false)
	defer b.touch()
	start := time.Now()
	defer func() {
		o.metrics.TurnDuration.Record(b.ctx, time.Since(start).Seconds())
	}()

	personas, err := o.st.ListPersonas(b.ctx, b.owner)
	if err != nil {
		o.systemError(b, fmt.Errorf("orchestrator: list personas: %w", err))
		return
	}

	byHandle := make(map[string]*store.Persona, len(personas))
	candidates := make([]scheduler.Candidate, 0, len(personas))
	for i := range personas {
		p := &personas[i]
		byHandle[p.Handle] = p
		candidates = append(candidates, scheduler.Candidate{
			Handle:           p.Handle,
			Proactivity:      p.Proactivity,
			MaxAgentsPerTurn: p.MaxAgentsPerTurn,
			IsDefault:        p.IsDefault,
		})
	}

	selected := b.sched.NextTurn(candidates, b.state, scheduler.Input{
		Message: t.userMessage.Content,
		Fresh:   time.Since(t.enqueuedAt) < scheduler.FreshnessWindow,
		Targets: t.targets,
	})
	if len(selected) == 0 {
		return
	}

	window := 0
	for _, c := range selected {
		if p := byHandle[c.Handle]; p != nil && p.MemoryWindow > window {
			window = p.MemoryWindow
		}
	}
	if window > o.opts.MaxHistory {
		window = o.opts.MaxHistory
	}

	// +1 covers the triggering message itself, stripped below
	msgs, err := o.st.ListMessages(b.ctx, b.sessionID, window+1)
	if err != nil {
		o.systemError(b, fmt.Errorf("orchestrator: load history: %w", err))
		return
	}
	history := make([]store.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.ID != t.userMessage.ID {
			history = append(history, m)
		}
	}

	for _, c := range selected {
		p := byHandle[c.Handle]
		if p == nil {
			continue
		}
		o.invokePersona(b, t, p, history)
		if b.ctx.Err() != nil {
			return
		}
	}
}

// invokePersona streams one persona reply, forwarding chunks to the bus
// and persisting the assembled text on success.
func (o *Orchestrator) invokePersona(b *binding, t task, p *store.Persona, history []store.Message) {
	msgID := store.NewMessageID(p.Handle)
	b.bus.Publish(eventbus.Event{
		Type:      eventbus.TypeAgentStart,
		MessageID: msgID,
		Sender:    p.Handle,
	})

	mode := runtime.ModeDirect
	if p.EmbeddingProfileID != "" {
		mode = runtime.ModeRetrieval
	}

	ctx, cancel := context.WithTimeout(b.ctx, o.opts.LLMCallTimeout)
	defer cancel()

	llmStart := time.Now()
	defer func() {
		o.metrics.LLMStreamDuration.Record(ctx, time.Since(llmStart).Seconds())
	}()

	events, err := b.rt.Invoke(ctx, runtime.InvokeRequest{
		Persona:     p,
		History:     history,
		UserMessage: t.userMessage,
		UserPersona: t.userPersona,
		Mode:        mode,
	})
	if err != nil {
		o.log.Warn("persona invocation refused",
			"session", b.sessionID,
			"persona", p.Handle,
			"error", err)
		o.agentError(b, msgID, p.Handle, err)
		return
	}

	for ev := range events {
		switch ev.Type {
		case runtime.EventChunk:
			o.metrics.RecordChunk(ctx)
			b.bus.Publish(eventbus.Event{
				Type:      eventbus.TypeAgentChunk,
				MessageID: msgID,
				Sender:    p.Handle,
				Content:   ev.Text,
			})

		case runtime.EventDone:
			persisted, err := o.st.AppendMessage(b.ctx, b.sessionID, p.Handle, ev.Text)
			if err != nil {
				o.log.Error("persist persona reply",
					"session", b.sessionID,
					"persona", p.Handle,
					"error", err)
				o.agentError(b, msgID, p.Handle, err)
				return
			}
			o.metrics.RecordAgentReply(ctx, p.Handle, "ok")
			b.bus.Publish(eventbus.Event{
				Type:               eventbus.TypeAgentEnd,
				MessageID:          msgID,
				Sender:             p.Handle,
				Content:            ev.Text,
				PersistedMessageID: persisted.ID,
			})

		case runtime.EventError:
			if b.ctx.Err() != nil {
				// Session deleted or shutting down: terminal agent.end
				// without the partial text, nothing persisted.
				o.metrics.RecordAgentReply(ctx, p.Handle, "cancelled")
				b.bus.Publish(eventbus.Event{
					Type:      eventbus.TypeAgentEnd,
					MessageID: msgID,
					Sender:    p.Handle,
				})
				return
			}
			o.log.Warn("persona invocation failed",
				"session", b.sessionID,
				"persona", p.Handle,
				"error", ev.Err)
			o.agentError(b, msgID, p.Handle, ev.Err)
			return
		}
	}
}

func (o *Orchestrator) agentError(b *binding, msgID, sender string, err error) {
	o.metrics.RecordAgentReply(context.Background(), sender, "error")
	b.bus.Publish(eventbus.Event{
		Type:      eventbus.TypeAgentError,
		MessageID: msgID,
		Sender:    sender,
		Reason:    err.Error(),
	})
}

func (o *Orchestrator) systemError(b *binding, err error) {
	o.log.Error("turn aborted", "session", b.sessionID, "error", err)
	b.bus.Publish(eventbus.Event{
		Type:   eventbus.TypeSystemError,
		Reason: err.Error(),
	})
}

// janitor evicts session bindings that have been idle past the
// configured timeout. Bindings with queued work, a running task or live
// subscribers are never evicted.
func (o *Orchestrator) janitor() {
	interval := o.opts.IdleEviction / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-o.stop:
			return
		case <-ticker.C:
			o.evictIdle(time.Now())
		}
	}
}

func (o *Orchestrator) evictIdle(now time.Time) {
	var evicted []*binding
	o.mu.Lock()
	for id, b := range o.bindings {
		if b.idle(now, o.opts.IdleEviction) {
			delete(o.bindings, id)
			evicted = append(evicted, b)
		}
	}
	o.mu.Unlock()

	for _, b := range evicted {
		o.log.Debug("evicted idle session binding", "session", b.sessionID)
		b.shutdown()
		o.metrics.ActiveSessions.Add(context.Background(), -1)
	}
}

func (b *binding) shutdown() {
	b.cancel()
	b.bus.Close()
}

func (b *binding) touch() {
	b.mu.Lock()
	b.lastUsed = time.Now()
	b.mu.Unlock()
}

func (b *binding) setRunning(v bool) {
	b.mu.Lock()
	b.running = v
	b.mu.Unlock()
}

func (b *binding) idle(now time.Time, timeout time.Duration) bool {
	if len(b.tasks) > 0 || b.bus.SubscriberCount() > 0 {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return !b.running && now.Sub(b.lastUsed) > timeout
}
