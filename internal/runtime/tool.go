package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/parley-ai/parley/internal/rag"
	"github.com/parley-ai/parley/internal/store"
	"github.com/parley-ai/parley/pkg/provider/llm"
)

// Tool is an LLM-callable function bound to a single invocation. There is
// no global tool registry: the runtime constructs the tool set per call,
// closing over whatever per-call state the handler needs. Tool arguments
// visible to the LLM never carry tenant identifiers.
type Tool interface {
	// Name is the tool's identifier within the call.
	Name() string

	// Description explains the tool to the model.
	Description() string

	// Schema is the JSON Schema for the tool's arguments.
	Schema() map[string]any

	// Call executes the tool with the model-supplied JSON arguments and
	// returns the result text handed back to the model.
	Call(ctx context.Context, argsJSON string) (string, error)
}

// Searcher is the slice of the retrieval engine the runtime needs.
type Searcher interface {
	Search(ctx context.Context, persona *store.Persona, query string, topK int) ([]rag.Passage, error)
}

// searchKnowledgeName is the single tool advertised in retrieval mode.
const searchKnowledgeName = "search_knowledge"

// searchTool exposes one persona's private knowledge collection. The
// owner and persona are fixed at construction from the call context, so
// the model cannot reach another tenant's collection by crafting
// arguments.
type searchTool struct {
	searcher Searcher
	persona  *store.Persona
}

var _ Tool = (*searchTool)(nil)

// NewSearchTool binds the search_knowledge tool to a persona.
func NewSearchTool(searcher Searcher, persona *store.Persona) Tool {
	return &searchTool{searcher: searcher, persona: persona}
}

func (t *searchTool) Name() string { return searchKnowledgeName }

func (t *searchTool) Description() string {
	return "Search this persona's private knowledge base. " +
		"Given a natural-language query, returns up to top_k relevant passages."
}

func (t *searchTool) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "Natural-language search query.",
			},
			"top_k": map[string]any{
				"type":        "integer",
				"description": "Maximum number of passages to return (default 3).",
			},
		},
		"required": []string{"query"},
	}
}

func (t *searchTool) Call(ctx context.Context, argsJSON string) (string, error) {
	var args struct {
		Query string `json:"query"`
		TopK  int    `json:"top_k"`
	}
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
		return "", fmt.Errorf("runtime: %s: bad arguments: %w", searchKnowledgeName, err)
	}
	if strings.TrimSpace(args.Query) == "" {
		return "", fmt.Errorf("runtime: %s: query is required", searchKnowledgeName)
	}
	if args.TopK <= 0 {
		args.TopK = 3
	}

	passages, err := t.searcher.Search(ctx, t.persona, args.Query, args.TopK)
	if err != nil {
		return "", fmt.Errorf("runtime: %s: %w", searchKnowledgeName, err)
	}
	if len(passages) == 0 {
		return "No relevant passages found.", nil
	}

	var b strings.Builder
	for i, p := range passages {
		fmt.Fprintf(&b, "[%d] (%s) %s\n", i+1, p.Source, p.Text)
	}
	return b.String(), nil
}

// toolDefinitions converts bound tools into wire definitions.
func toolDefinitions(tools []Tool) []llm.ToolDefinition {
	defs := make([]llm.ToolDefinition, 0, len(tools))
	for _, t := range tools {
		defs = append(defs, llm.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Schema(),
		})
	}
	return defs
}
