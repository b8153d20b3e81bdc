package runtime

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/parley-ai/parley/internal/rag"
	"github.com/parley-ai/parley/internal/resilience"
	"github.com/parley-ai/parley/internal/store"
	"github.com/parley-ai/parley/pkg/provider/llm"
	llmmock "github.com/parley-ai/parley/pkg/provider/llm/mock"
)

// fakeSearcher records queries and returns canned passages.
type fakeSearcher struct {
	passages []rag.Passage
	err      error

	gotPersona *store.Persona
	gotQuery   string
	gotTopK    int
}

func (f *fakeSearcher) Search(_ context.Context, persona *store.Persona, query string, topK int) ([]rag.Passage, error) {
	f.gotPersona = persona
	f.gotQuery = query
	f.gotTopK = topK
	return f.passages, f.err
}

// fakeProfiles resolves every persona to a static config.
type fakeProfiles struct {
	store.ProfileStore
	cfg store.LLMConfig
	err error
}

func (f *fakeProfiles) ResolveLLMConfig(context.Context, *store.Persona) (*store.LLMConfig, error) {
	if f.err != nil {
		return nil, f.err
	}
	cfg := f.cfg
	return &cfg, nil
}

func testPersona() *store.Persona {
	return &store.Persona{
		ID:           "p1",
		Owner:        "alice",
		Handle:       "maid",
		DisplayName:  "Maid",
		SystemPrompt: "You are a helpful housekeeper.",
		Tone:         "warm",
		MemoryWindow: 3,
	}
}

func newTestRuntime(provider *llmmock.Provider, searcher Searcher) *Runtime {
	profiles := &fakeProfiles{cfg: store.LLMConfig{Model: "m", Temperature: 0.5}}
	factory := func(*store.LLMConfig) (llm.Provider, error) { return provider, nil }
	return New(profiles, searcher, factory)
}

func collect(t *testing.T, ch <-chan Event) (chunks []string, terminal Event) {
	t.Helper()
	for ev := range ch {
		switch ev.Type {
		case EventChunk:
			chunks = append(chunks, ev.Text)
		default:
			terminal = ev
		}
	}
	return chunks, terminal
}

func TestInvokeStreamsChunksThenDone(t *testing.T) {
	t.Parallel()

	provider := &llmmock.Provider{
		StreamChunks: []llm.Chunk{
			{Text: "Hello"},
			{Text: ", "},
			{Text: "world"},
			{FinishReason: "stop"},
		},
	}
	rt := newTestRuntime(provider, nil)

	ch, err := rt.Invoke(context.Background(), InvokeRequest{
		Persona:     testPersona(),
		UserMessage: store.Message{Sender: "user", Content: "hi"},
		Mode:        ModeDirect,
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	chunks, terminal := collect(t, ch)
	if terminal.Type != EventDone {
		t.Fatalf("terminal = %+v, want EventDone", terminal)
	}
	// chunk round-trip: joined chunks equal the terminal text
	if joined := strings.Join(chunks, ""); joined != terminal.Text || joined != "Hello, world" {
		t.Fatalf("join(chunks) = %q, terminal = %q", joined, terminal.Text)
	}
}

func TestInvokePromptComposition(t *testing.T) {
	t.Parallel()

	provider := &llmmock.Provider{StreamChunks: []llm.Chunk{{FinishReason: "stop"}}}
	rt := newTestRuntime(provider, nil)

	history := []store.Message{
		{Sender: "user", Content: "one"},
		{Sender: "bob", Content: "two"},
		{Sender: "user", Content: "three"},
		{Sender: "bob", Content: "four"},
	}
	ch, err := rt.Invoke(context.Background(), InvokeRequest{
		Persona:     testPersona(),
		History:     history,
		UserMessage: store.Message{Sender: "user", Content: "the question"},
		UserPersona: "a curious tester",
		Mode:        ModeDirect,
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	collect(t, ch)

	call := provider.LastStreamCall()
	if call == nil {
		t.Fatal("provider was not called")
	}

	sys := call.Req.SystemPrompt
	for _, want := range []string{"helpful housekeeper", "Tone: warm", "@maid", "curious tester"} {
		if !strings.Contains(sys, want) {
			t.Errorf("system prompt missing %q:\n%s", want, sys)
		}
	}

	// memory window 3: only the last three history lines plus the trigger
	msgs := call.Req.Messages
	if len(msgs) != 4 {
		t.Fatalf("got %d messages, want 3 history + 1 trigger", len(msgs))
	}
	if msgs[0].Content != "bob: two" {
		t.Errorf("window should drop oldest history, first = %q", msgs[0].Content)
	}
	if last := msgs[len(msgs)-1].Content; last != "user: the question" {
		t.Errorf("trigger must come last, got %q", last)
	}
	if call.Req.Temperature != 0.5 {
		t.Errorf("temperature = %v, want profile value", call.Req.Temperature)
	}
	if len(call.Req.Tools) != 0 {
		t.Errorf("direct mode must not advertise tools")
	}
}

func TestInvokeRetrievalToolRoundTrip(t *testing.T) {
	t.Parallel()

	searcher := &fakeSearcher{
		passages: []rag.Passage{{Text: "The secret code is 42.", Source: "background", Score: 0.9}},
	}
	provider := &llmmock.Provider{
		StreamScripts: [][]llm.Chunk{
			{
				{FinishReason: "tool_calls", ToolCalls: []llm.ToolCall{{
					ID:        "call_1",
					Name:      "search_knowledge",
					Arguments: `{"query":"secret code","top_k":3}`,
				}}},
			},
			{
				{Text: "The code is "},
				{Text: "42."},
				{FinishReason: "stop"},
			},
		},
	}
	rt := newTestRuntime(provider, searcher)

	persona := testPersona()
	ch, err := rt.Invoke(context.Background(), InvokeRequest{
		Persona:     persona,
		UserMessage: store.Message{Sender: "user", Content: "what is the secret code?"},
		Mode:        ModeRetrieval,
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	chunks, terminal := collect(t, ch)
	if terminal.Type != EventDone {
		t.Fatalf("terminal = %+v", terminal)
	}
	if !strings.Contains(terminal.Text, "42") {
		t.Fatalf("reply %q should contain the retrieved fact", terminal.Text)
	}
	if strings.Join(chunks, "") != terminal.Text {
		t.Fatal("chunk round-trip broken")
	}

	// the handler read owner and persona from the bound context
	if searcher.gotPersona != persona {
		t.Error("search tool must be bound to the invoking persona")
	}
	if searcher.gotQuery != "secret code" || searcher.gotTopK != 3 {
		t.Errorf("search args = (%q, %d)", searcher.gotQuery, searcher.gotTopK)
	}

	// the second LLM call carried the tool result
	if len(provider.StreamCalls) != 2 {
		t.Fatalf("stream calls = %d, want 2", len(provider.StreamCalls))
	}
	second := provider.StreamCalls[1].Req.Messages
	var sawResult bool
	for _, m := range second {
		if m.Role == "tool" && strings.Contains(m.Content, "secret code is 42") {
			sawResult = true
			if m.ToolCallID != "call_1" {
				t.Errorf("tool result bound to %q, want call_1", m.ToolCallID)
			}
		}
	}
	if !sawResult {
		t.Error("second call missing the tool result message")
	}
	// first call advertised exactly the one knowledge tool
	first := provider.StreamCalls[0].Req
	if len(first.Tools) != 1 || first.Tools[0].Name != "search_knowledge" {
		t.Errorf("tools = %+v", first.Tools)
	}
}

func TestInvokeUpstreamErrorIsTerminal(t *testing.T) {
	t.Parallel()

	provider := &llmmock.Provider{
		StreamChunks: []llm.Chunk{
			{Text: "partial"},
			{FinishReason: "error", Text: "rate limited"},
		},
	}
	rt := newTestRuntime(provider, nil)

	ch, err := rt.Invoke(context.Background(), InvokeRequest{
		Persona:     testPersona(),
		UserMessage: store.Message{Sender: "user", Content: "hi"},
		Mode:        ModeDirect,
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	_, terminal := collect(t, ch)
	if terminal.Type != EventError {
		t.Fatalf("terminal = %+v, want EventError", terminal)
	}
	if !strings.Contains(terminal.Err.Error(), "rate limited") {
		t.Errorf("err = %v", terminal.Err)
	}
}

func TestInvokeCancellation(t *testing.T) {
	t.Parallel()

	provider := &llmmock.Provider{
		ChunkDelay: 50 * time.Millisecond,
		StreamChunks: []llm.Chunk{
			{Text: "a"}, {Text: "b"}, {Text: "c"}, {Text: "d"},
			{FinishReason: "stop"},
		},
	}
	rt := newTestRuntime(provider, nil)

	ctx, cancel := context.WithCancel(context.Background())
	ch, err := rt.Invoke(ctx, InvokeRequest{
		Persona:     testPersona(),
		UserMessage: store.Message{Sender: "user", Content: "hi"},
		Mode:        ModeDirect,
	})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}

	// cancel after the first chunk arrives
	first := <-ch
	if first.Type != EventChunk {
		t.Fatalf("first event = %+v", first)
	}
	cancel()

	deadline := time.After(time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return // closed promptly after cancel
			}
			if ev.Type == EventError && errors.Is(ev.Err, context.Canceled) {
				continue
			}
			if ev.Type == EventChunk {
				continue // one buffered chunk may slip through
			}
			t.Fatalf("unexpected event after cancel: %+v", ev)
		case <-deadline:
			t.Fatal("stream did not close within 1s of cancellation")
		}
	}
}

func TestInvokeTimeoutAlwaysDeliversTerminalEvent(t *testing.T) {
	t.Parallel()

	provider := &llmmock.Provider{
		ChunkDelay:   time.Minute,
		StreamChunks: []llm.Chunk{{Text: "never"}, {FinishReason: "stop"}},
	}
	rt := newTestRuntime(provider, nil)

	req := InvokeRequest{
		Persona:     testPersona(),
		UserMessage: store.Message{Sender: "user", Content: "hi"},
		Mode:        ModeDirect,
	}

	// An already-cancelled context makes ctx.Done race the event sends
	// inside the generator. Every run must still end with exactly one
	// terminal event before the channel closes; a run that closes with
	// none would leave the consumer without agent.end or agent.error.
	for i := 0; i < 200; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		ch, err := rt.Invoke(ctx, req)
		if err != nil {
			t.Fatalf("Invoke %d: %v", i, err)
		}
		sawTerminal := false
		for ev := range ch {
			if ev.Type == EventChunk {
				continue
			}
			if sawTerminal {
				t.Fatalf("run %d: more than one terminal event", i)
			}
			sawTerminal = true
			if ev.Type != EventError || !errors.Is(ev.Err, context.Canceled) {
				t.Fatalf("run %d: terminal = %+v, want EventError wrapping context.Canceled", i, ev)
			}
		}
		if !sawTerminal {
			t.Fatalf("run %d: stream closed without a terminal event", i)
		}
	}
}

func TestInvokeRetrievalWithoutSearcher(t *testing.T) {
	t.Parallel()

	provider := &llmmock.Provider{}
	rt := newTestRuntime(provider, nil)

	_, err := rt.Invoke(context.Background(), InvokeRequest{
		Persona:     testPersona(),
		UserMessage: store.Message{Sender: "user", Content: "hi"},
		Mode:        ModeRetrieval,
	})
	if !errors.Is(err, store.ErrConfig) {
		t.Fatalf("want ErrConfig, got %v", err)
	}
}

func TestInvokeRepeatedStartFailuresOpenBreaker(t *testing.T) {
	t.Parallel()

	provider := &llmmock.Provider{StreamErr: errors.New("connection refused")}
	rt := newTestRuntime(provider, nil)

	req := InvokeRequest{
		Persona:     testPersona(),
		UserMessage: store.Message{Sender: "user", Content: "hi"},
		Mode:        ModeDirect,
	}

	// Three consecutive setup failures trip the breaker.
	for i := 0; i < 3; i++ {
		ch, err := rt.Invoke(context.Background(), req)
		if err != nil {
			t.Fatalf("Invoke %d: %v", i, err)
		}
		_, terminal := collect(t, ch)
		if terminal.Type != EventError {
			t.Fatalf("call %d terminal = %+v, want EventError", i, terminal)
		}
	}
	if got := len(provider.StreamCalls); got != 3 {
		t.Fatalf("upstream calls = %d, want 3", got)
	}

	// The fourth call is rejected without reaching the provider.
	ch, err := rt.Invoke(context.Background(), req)
	if err != nil {
		t.Fatalf("Invoke after trip: %v", err)
	}
	_, terminal := collect(t, ch)
	if terminal.Type != EventError || !errors.Is(terminal.Err, resilience.ErrCircuitOpen) {
		t.Fatalf("terminal = %+v, want ErrCircuitOpen", terminal)
	}
	if got := len(provider.StreamCalls); got != 3 {
		t.Fatalf("upstream calls after trip = %d, want still 3", got)
	}

	// Forgetting the persona resets its breaker with the provider cache.
	rt.Forget("p1")
	provider.StreamErr = nil
	provider.StreamChunks = []llm.Chunk{{Text: "back"}, {FinishReason: "stop"}}
	ch, err = rt.Invoke(context.Background(), req)
	if err != nil {
		t.Fatalf("Invoke after Forget: %v", err)
	}
	if _, terminal := collect(t, ch); terminal.Type != EventDone || terminal.Text != "back" {
		t.Fatalf("terminal after Forget = %+v, want EventDone %q", terminal, "back")
	}
}
