package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/sashabaranov/go-openai"

	"workbench/models"
)

var (
	ErrToolUnregistered = errors.New("tool is not registered")
	ErrNilToolHandler   = errors.New("tool handler is nil")
	ErrToolNameEmpty    = errors.New("tool name is empty")
)

// ToolOutcome is what a tool hands back: text for the model plus any
// citations the tool can vouch for directly.
type ToolOutcome struct {
	Text    string
	Sources []models.Source
}

// ToolHandler executes one call with the raw JSON arguments the model
// assembled. Handlers validate their own arguments.
type ToolHandler func(ctx context.Context, args json.RawMessage) (ToolOutcome, error)

// Tool pairs a function definition (what the model sees) with its handler.
type Tool struct {
	Definition openai.FunctionDefinition
	Handler    ToolHandler
}

// ToolRegistry resolves tool names to handlers. Registration order is
// preserved so the declared tool set is stable across turns.
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	order []string
}

func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]Tool)}
}

func (r *ToolRegistry) Register(tool Tool) error {
	if tool.Definition.Name == "" {
		return ErrToolNameEmpty
	}
	if tool.Handler == nil {
		return fmt.Errorf("%w: %q", ErrNilToolHandler, tool.Definition.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[tool.Definition.Name]; !exists {
		r.order = append(r.order, tool.Definition.Name)
	}
	r.tools[tool.Definition.Name] = tool
	return nil
}

// Definitions returns the tool set in the shape the model request wants.
func (r *ToolRegistry) Definitions() []openai.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]openai.Tool, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, openai.Tool{
			Type:     openai.ToolTypeFunction,
			Function: r.tools[name].Definition,
		})
	}
	return defs
}

func (r *ToolRegistry) Execute(ctx context.Context, name string, args json.RawMessage) (ToolOutcome, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ToolOutcome{}, ctxErr
	}
	if name == "" {
		return ToolOutcome{}, ErrToolNameEmpty
	}

	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return ToolOutcome{}, fmt.Errorf("%w: %q", ErrToolUnregistered, name)
	}

	return tool.Handler(ctx, args)
}
