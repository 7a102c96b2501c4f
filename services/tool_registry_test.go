package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/sashabaranov/go-openai"
)

func TestRegistryExecute(t *testing.T) {
	registry := NewToolRegistry()
	err := registry.Register(Tool{
		Definition: openai.FunctionDefinition{Name: "echo"},
		Handler: func(_ context.Context, args json.RawMessage) (ToolOutcome, error) {
			return ToolOutcome{Text: string(args)}, nil
		},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	outcome, err := registry.Execute(context.Background(), "echo", json.RawMessage(`{"a":1}`))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if outcome.Text != `{"a":1}` {
		t.Fatalf("outcome = %q", outcome.Text)
	}
}

func TestRegistryUnknownTool(t *testing.T) {
	registry := NewToolRegistry()
	_, err := registry.Execute(context.Background(), "nope", nil)
	if !errors.Is(err, ErrToolUnregistered) {
		t.Fatalf("err = %v, want ErrToolUnregistered", err)
	}
}

func TestRegistryRejectsBadRegistrations(t *testing.T) {
	registry := NewToolRegistry()
	if err := registry.Register(Tool{Handler: func(context.Context, json.RawMessage) (ToolOutcome, error) {
		return ToolOutcome{}, nil
	}}); !errors.Is(err, ErrToolNameEmpty) {
		t.Fatalf("err = %v, want ErrToolNameEmpty", err)
	}
	if err := registry.Register(Tool{Definition: openai.FunctionDefinition{Name: "x"}}); !errors.Is(err, ErrNilToolHandler) {
		t.Fatalf("err = %v, want ErrNilToolHandler", err)
	}
}

func TestRegistryDefinitionsKeepRegistrationOrder(t *testing.T) {
	registry := NewToolRegistry()
	handler := func(context.Context, json.RawMessage) (ToolOutcome, error) { return ToolOutcome{}, nil }
	for _, name := range []string{"b", "a", "c"} {
		_ = registry.Register(Tool{Definition: openai.FunctionDefinition{Name: name}, Handler: handler})
	}

	defs := registry.Definitions()
	if len(defs) != 3 {
		t.Fatalf("definitions = %d, want 3", len(defs))
	}
	for i, want := range []string{"b", "a", "c"} {
		if defs[i].Function.Name != want {
			t.Fatalf("defs[%d] = %q, want %q", i, defs[i].Function.Name, want)
		}
	}
}

func TestRegistryExecuteHonorsContext(t *testing.T) {
	registry := NewToolRegistry()
	_ = registry.Register(Tool{
		Definition: openai.FunctionDefinition{Name: "slow"},
		Handler: func(context.Context, json.RawMessage) (ToolOutcome, error) {
			t.Fatal("handler ran on a cancelled context")
			return ToolOutcome{}, nil
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := registry.Execute(ctx, "slow", nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
