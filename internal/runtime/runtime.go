// Package runtime drives one streaming LLM invocation per persona reply.
//
// Given a persona, a history window and the triggering user message, the
// runtime assembles the prompt, optionally binds the knowledge-search
// tool, and streams the model's reply as text chunks followed by exactly
// one terminal event. The runtime persists nothing; the orchestrator
// decides what to commit.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/parley-ai/parley/internal/observe"
	"github.com/parley-ai/parley/internal/resilience"
	"github.com/parley-ai/parley/internal/store"
	"github.com/parley-ai/parley/pkg/provider/llm"
	llmopenai "github.com/parley-ai/parley/pkg/provider/llm/openai"
)

// Mode selects how a persona reaches its knowledge base.
type Mode string

const (
	// ModeDirect sends the prompt without tools.
	ModeDirect Mode = "direct"

	// ModeRetrieval advertises the search_knowledge tool to the model.
	ModeRetrieval Mode = "retrieval"
)

// toolLoopLimit caps tool-call round trips per invocation.
const toolLoopLimit = 4

// EventType discriminates runtime stream events.
type EventType int

const (
	// EventChunk carries incremental reply text.
	EventChunk EventType = iota

	// EventDone terminates the stream; Text holds the full reply.
	EventDone

	// EventError terminates the stream; Err holds the cause.
	EventError
)

// Event is one element of an invocation's output stream. The stream is
// zero or more EventChunk values followed by exactly one EventDone or
// EventError.
type Event struct {
	Type EventType
	Text string
	Err  error
}

// InvokeRequest describes one persona reply to generate.
type InvokeRequest struct {
	Persona *store.Persona

	// History is the conversation before the triggering message, oldest
	// first. The runtime renders at most Persona.MemoryWindow entries.
	History []store.Message

	// UserMessage is the triggering message.
	UserMessage store.Message

	// UserPersona optionally describes the human to the model.
	UserPersona string

	Mode Mode
}

// ProviderFactory builds a chat provider from a resolved profile config.
// Injected so tests can substitute scripted providers.
type ProviderFactory func(cfg *store.LLMConfig) (llm.Provider, error)

// OpenAIProviderFactory is the production factory.
func OpenAIProviderFactory(timeout time.Duration) ProviderFactory {
	return func(cfg *store.LLMConfig) (llm.Provider, error) {
		return llmopenai.New(cfg.APIKey, cfg.Model,
			llmopenai.WithBaseURL(cfg.BaseURL),
			llmopenai.WithTimeout(timeout),
		)
	}
}

// Runtime is the sticky per-session runtime binding: it lazily resolves
// and caches one provider client per persona for the session's owner.
// Safe for concurrent use, though the orchestrator serialises calls
// within a session.
type Runtime struct {
	profiles store.ProfileStore
	searcher Searcher
	factory  ProviderFactory
	log      *slog.Logger

	mu        sync.Mutex
	providers map[string]boundProvider // keyed by persona id
}

type boundProvider struct {
	provider    llm.Provider
	temperature float64

	// breaker rejects calls fast while the persona's endpoint keeps
	// failing at stream setup.
	breaker *resilience.CircuitBreaker
}

// Option is a functional option for Runtime.
type Option func(*Runtime)

// WithLogger sets the runtime's logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) { r.log = l }
}

// New creates a runtime binding. profiles resolves persona credentials,
// searcher serves the knowledge tool (may be nil when retrieval is never
// used), factory builds provider clients.
func New(profiles store.ProfileStore, searcher Searcher, factory ProviderFactory, opts ...Option) *Runtime {
	r := &Runtime{
		profiles:  profiles,
		searcher:  searcher,
		factory:   factory,
		log:       slog.Default(),
		providers: make(map[string]boundProvider),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Invoke streams one persona reply. The returned channel emits chunks in
// generation order and is closed after the terminal event. A non-nil
// error means the stream could not start (configuration or provider
// construction failure); upstream errors during generation arrive as an
// EventError instead.
//
// Cancellation is cooperative: when ctx is cancelled the stream stops
// promptly and terminates with an EventError wrapping ctx.Err().
func (r *Runtime) Invoke(ctx context.Context, req InvokeRequest) (<-chan Event, error) {
	bound, err := r.providerFor(ctx, req.Persona)
	if err != nil {
		return nil, err
	}

	var tools []Tool
	if req.Mode == ModeRetrieval {
		if r.searcher == nil {
			return nil, fmt.Errorf("runtime: retrieval mode without a searcher: %w", store.ErrConfig)
		}
		tools = []Tool{NewSearchTool(r.searcher, req.Persona)}
	}

	creq := llm.CompletionRequest{
		SystemPrompt: buildSystemPrompt(req.Persona, req.UserPersona, nil),
		Messages:     buildMessages(req.History, req.UserMessage, req.Persona.MemoryWindow),
		Temperature:  bound.temperature,
		Tools:        toolDefinitions(tools),
	}

	out := make(chan Event, 16)
	go r.generate(ctx, bound, creq, tools, req.Persona.Handle, out)
	return out, nil
}

// generate runs the streaming tool loop and closes out when done.
func (r *Runtime) generate(ctx context.Context, bound boundProvider, creq llm.CompletionRequest, tools []Tool, handle string, out chan<- Event) {
	defer close(out)

	var full strings.Builder

	// emit is for chunks only: a cancelled consumer stops caring about
	// incremental text. Terminal events are sent with a plain send; the
	// consumer drains the channel to close, so it cannot wedge, and a
	// cancellable send here would race ctx.Done and drop the terminal
	// event the stream contract promises.
	emit := func(ev Event) bool {
		select {
		case out <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}
	terminal := func(ev Event) {
		out <- ev
	}

	for round := 0; ; round++ {
		// The breaker observes stream setup only: auth and connection
		// failures surface here, before any chunk arrives.
		var stream <-chan llm.Chunk
		err := bound.breaker.Execute(func() error {
			var serr error
			stream, serr = bound.provider.StreamCompletion(ctx, creq)
			return serr
		})
		if err != nil {
			terminal(Event{Type: EventError, Err: fmt.Errorf("runtime: start stream: %w", err)})
			return
		}

		var toolCalls []llm.ToolCall
		finish := ""

	consume:
		for {
			select {
			case <-ctx.Done():
				terminal(Event{Type: EventError, Err: ctx.Err()})
				return
			case chunk, ok := <-stream:
				if !ok {
					break consume
				}
				if chunk.FinishReason == "error" {
					terminal(Event{Type: EventError, Err: errors.New(chunk.Text)})
					return
				}
				if chunk.Text != "" {
					full.WriteString(chunk.Text)
					if !emit(Event{Type: EventChunk, Text: chunk.Text}) {
						terminal(Event{Type: EventError, Err: ctx.Err()})
						return
					}
				}
				if len(chunk.ToolCalls) > 0 {
					toolCalls = chunk.ToolCalls
				}
				if chunk.FinishReason != "" {
					finish = chunk.FinishReason
				}
			}
		}

		if ctx.Err() != nil {
			terminal(Event{Type: EventError, Err: ctx.Err()})
			return
		}

		if len(toolCalls) == 0 || finish != "tool_calls" {
			terminal(Event{Type: EventDone, Text: full.String()})
			return
		}
		if round >= toolLoopLimit {
			terminal(Event{Type: EventError, Err: fmt.Errorf("runtime: tool loop exceeded %d rounds", toolLoopLimit)})
			return
		}

		// execute the requested tools and loop with their results
		creq.Messages = append(creq.Messages, llm.Message{
			Role:      "assistant",
			ToolCalls: toolCalls,
		})
		for _, tc := range toolCalls {
			result, err := r.callTool(ctx, tools, tc)
			if err != nil {
				r.log.Warn("tool call failed",
					"persona", handle,
					"tool", tc.Name,
					"error", err)
				result = "Tool error: " + err.Error()
			}
			creq.Messages = append(creq.Messages, llm.Message{
				Role:       "tool",
				ToolCallID: tc.ID,
				Content:    result,
			})
		}
	}
}

func (r *Runtime) callTool(ctx context.Context, tools []Tool, tc llm.ToolCall) (string, error) {
	for _, t := range tools {
		if t.Name() == tc.Name {
			result, err := t.Call(ctx, tc.Arguments)
			status := "ok"
			if err != nil {
				status = "error"
			}
			observe.DefaultMetrics().RecordToolCall(ctx, tc.Name, status)
			return result, err
		}
	}
	observe.DefaultMetrics().RecordToolCall(ctx, tc.Name, "error")
	return "", fmt.Errorf("runtime: unknown tool %q", tc.Name)
}

// providerFor resolves and caches the provider client for a persona.
// Plaintext credentials stay inside this call frame; the cache keeps only
// the constructed client.
func (r *Runtime) providerFor(ctx context.Context, persona *store.Persona) (boundProvider, error) {
	r.mu.Lock()
	if b, ok := r.providers[persona.ID]; ok {
		r.mu.Unlock()
		return b, nil
	}
	r.mu.Unlock()

	cfg, err := r.profiles.ResolveLLMConfig(ctx, persona)
	if err != nil {
		return boundProvider{}, err
	}
	provider, err := r.factory(cfg)
	if err != nil {
		return boundProvider{}, fmt.Errorf("runtime: build provider for %q: %w", persona.Handle, err)
	}
	b := boundProvider{
		provider:    provider,
		temperature: cfg.Temperature,
		breaker: resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:        "llm:" + persona.Handle,
			MaxFailures: 3,
		}),
	}

	r.mu.Lock()
	r.providers[persona.ID] = b
	r.mu.Unlock()
	return b, nil
}

// Forget drops the cached provider for a persona, forcing the next
// invocation to re-resolve its profile. Called after persona updates.
func (r *Runtime) Forget(personaID string) {
	r.mu.Lock()
	delete(r.providers, personaID)
	r.mu.Unlock()
}
