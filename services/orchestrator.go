package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/sashabaranov/go-openai"

	"workbench/models"
)

const (
	defaultHistoryLimit  = 20
	defaultMaxToolRounds = 8
	titleMaxRunes        = 64

	systemPrompt = "You are the workspace assistant. Answer using the " +
		"conversation so far and any tool results. Be concise."

	// What clients see when a collaborator fails; the cause stays in the logs.
	genericTurnError = "the assistant could not complete this turn"
)

var (
	// ErrToolRoundsExceeded guards against a model that keeps requesting tools.
	ErrToolRoundsExceeded = errors.New("tool round limit exceeded")
	// ErrEmptyMessage rejects a turn with nothing to say, before any
	// streaming begins.
	ErrEmptyMessage = errors.New("message is empty")
)

// EmitFunc delivers one wire event to the client. A non-nil error means the
// client is gone and the turn must stop producing side effects.
type EmitFunc func(models.WireEvent) error

// TurnRequest is one user message plus the scope it runs under. Context
// blocks and the collection scope shape the model input for this turn only;
// they are never persisted as message content.
type TurnRequest struct {
	OwnerID        string
	TeamID         *string
	ConversationID string
	Message        string
	Model          string
	ContextBlocks  []string
	Collection     string
}

// Orchestrator drives one chat turn: prompt assembly, model streaming,
// tool dispatch, persistence, wire events. One Orchestrator serves many
// concurrent turns; all per-turn state lives on the stack of runTurn.
type Orchestrator struct {
	store         ConversationStore
	streamer      ModelStreamer
	logger        *slog.Logger
	historyLimit  int
	maxToolRounds int
}

func NewOrchestrator(store ConversationStore, streamer ModelStreamer, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:         store,
		streamer:      streamer,
		logger:        logger,
		historyLimit:  defaultHistoryLimit,
		maxToolRounds: defaultMaxToolRounds,
	}
}

// RunAskTurn executes a turn with no tools declared.
func (o *Orchestrator) RunAskTurn(ctx context.Context, req TurnRequest, emit EmitFunc) error {
	return o.runTurn(ctx, req, nil, emit)
}

// RunAgentTurn executes a turn with the registry's tool set declared.
func (o *Orchestrator) RunAgentTurn(ctx context.Context, req TurnRequest, registry *ToolRegistry, emit EmitFunc) error {
	return o.runTurn(ctx, req, registry, emit)
}

// runTurn resolves the conversation before anything streams: a resolution
// failure is returned as a plain error so the handler can answer with a
// normal status code. Every failure after that point is reported as a single
// terminal error event instead.
func (o *Orchestrator) runTurn(ctx context.Context, req TurnRequest, registry *ToolRegistry, emit EmitFunc) error {
	if strings.TrimSpace(req.Message) == "" {
		return ErrEmptyMessage
	}

	conv, created, err := o.resolveConversation(ctx, req)
	if err != nil {
		return err
	}

	if created {
		if err := emit(models.WireEvent{Type: models.WireEventConversation, ConversationID: conv.ID}); err != nil {
			return nil
		}
	}

	// History is loaded before the user message is written so the new
	// message appears exactly once in the model input.
	history, err := o.store.ListHistory(ctx, conv.ID, o.historyLimit)
	if err != nil {
		return o.fail(emit, "load history", err)
	}

	// The user message is durable before the model is ever invoked; a model
	// failure loses nothing the user typed.
	if _, err := o.store.AppendMessage(ctx, conv.ID, NewMessage{
		Role:    models.RoleUser,
		Content: req.Message,
		Kind:    models.KindContent,
	}); err != nil {
		return o.fail(emit, "persist user message", err)
	}

	messages := o.buildPrompt(req, history)

	var tools []openai.Tool
	if registry != nil {
		tools = registry.Definitions()
	}

	turn := newTurnState()
	if err := o.streamRounds(ctx, req, registry, tools, messages, turn, emit); err != nil {
		if errors.Is(err, errClientGone) {
			return nil
		}
		return o.fail(emit, "stream turn", err)
	}

	return o.finalize(ctx, conv, req, turn, emit)
}

func (o *Orchestrator) resolveConversation(ctx context.Context, req TurnRequest) (models.Conversation, bool, error) {
	if req.ConversationID == "" {
		conv, err := o.store.CreateConversation(ctx, req.OwnerID, req.TeamID, nil)
		if err != nil {
			return models.Conversation{}, false, fmt.Errorf("failed to create conversation: %w", err)
		}
		return conv, true, nil
	}
	conv, err := o.store.GetConversation(ctx, req.ConversationID, req.OwnerID)
	if err != nil {
		return models.Conversation{}, false, err
	}
	return conv, false, nil
}

// buildPrompt assembles the effective model input: system instructions,
// per-turn context blocks, replayed history, then the new user message.
// Context blocks ride along as instruction text only.
func (o *Orchestrator) buildPrompt(req TurnRequest, history []models.Message) []openai.ChatCompletionMessage {
	system := systemPrompt
	if req.Collection != "" {
		system += fmt.Sprintf("\nThe user is currently working in the %q collection; prefer results scoped to it.", req.Collection)
	}
	for _, block := range req.ContextBlocks {
		system += "\n\nContext:\n" + block
	}

	messages := []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: system},
	}
	for _, msg := range history {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    msg.Role,
			Content: msg.Content,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: req.Message,
	})
	return messages
}

// errClientGone marks an emit failure: the client disconnected, the turn
// stops quietly, nothing more is persisted.
var errClientGone = errors.New("client disconnected")

// streamRounds consumes model streams until a round completes without tool
// calls. Each round that does request tools is answered with the tool
// results and the model is invoked again.
func (o *Orchestrator) streamRounds(ctx context.Context, req TurnRequest, registry *ToolRegistry, tools []openai.Tool, messages []openai.ChatCompletionMessage, turn *turnState, emit EmitFunc) error {
	for round := 0; round < o.maxToolRounds; round++ {
		stream, err := o.streamer.Open(ctx, ModelRequest{
			Model:    req.Model,
			Messages: messages,
			Tools:    tools,
		})
		if err != nil {
			return err
		}

		roundText, completed, err := o.consumeStream(ctx, stream, registry, turn, emit)
		stream.Close()
		if err != nil {
			return err
		}

		if len(completed) == 0 {
			return nil
		}
		messages = appendToolExchange(messages, roundText, completed)
	}
	return ErrToolRoundsExceeded
}

// consumeStream is the Streaming state: fragments are handled strictly in
// arrival order, text deltas are forwarded as they come in, and a completed
// tool call is dispatched before the next fragment is read.
func (o *Orchestrator) consumeStream(ctx context.Context, stream ModelStream, registry *ToolRegistry, turn *turnState, emit EmitFunc) (string, []*toolCall, error) {
	var roundText strings.Builder
	var completed []*toolCall

	for {
		frag, err := stream.Recv()
		if err == io.EOF {
			return roundText.String(), completed, nil
		}
		if err != nil {
			return "", nil, err
		}

		switch frag.Type {
		case FragmentText:
			roundText.WriteString(frag.Text)
			turn.text.WriteString(frag.Text)
			if err := emit(models.WireEvent{Type: models.WireEventContent, Delta: frag.Text}); err != nil {
				return "", nil, errClientGone
			}

		case FragmentToolCallStart:
			call := turn.calls.register(frag.CorrelationID, frag.ToolName)
			if err := emit(models.WireEvent{
				Type:          models.WireEventToolCallStart,
				ToolName:      call.name,
				CorrelationID: call.key,
			}); err != nil {
				return "", nil, errClientGone
			}

		case FragmentToolCallArgs:
			turn.calls.appendArgs(frag.CorrelationID, frag.Args)

		case FragmentToolCallComplete:
			call, degraded := turn.calls.resolve(frag.CorrelationID, frag.ToolName)
			if call == nil {
				return "", nil, fmt.Errorf("tool call completion for %q matches no pending call", frag.ToolName)
			}
			if degraded {
				// Name-based matching can mis-attribute when one tool is
				// called twice in a turn; keep it observable.
				o.logger.Warn("tool call matched by name, not correlation id",
					"tool", call.name, "correlation_id", frag.CorrelationID)
			}
			if err := o.dispatchToolCall(ctx, registry, turn, call, emit); err != nil {
				return "", nil, err
			}
			completed = append(completed, call)
		}
	}
}

// dispatchToolCall is the ToolDispatch state for one assembled call.
func (o *Orchestrator) dispatchToolCall(ctx context.Context, registry *ToolRegistry, turn *turnState, call *toolCall, emit EmitFunc) error {
	if err := emit(models.WireEvent{
		Type:          models.WireEventToolCall,
		ToolName:      call.name,
		ToolArgs:      call.arguments(),
		CorrelationID: call.key,
	}); err != nil {
		return errClientGone
	}

	if registry == nil {
		return fmt.Errorf("model requested tool %q but no tools are declared", call.name)
	}

	outcome, err := registry.Execute(ctx, call.name, call.argumentsJSON())
	if err != nil {
		return fmt.Errorf("tool %q failed: %w", call.name, err)
	}
	call.result = outcome.Text
	call.completed = true
	turn.calls.markCompleted(call)

	turn.addSources(outcome.Sources)
	turn.addSources(extractNoteSources(outcome.Text))

	if err := emit(models.WireEvent{
		Type:       models.WireEventToolResult,
		ToolName:   call.name,
		ToolResult: outcome.Text,
	}); err != nil {
		return errClientGone
	}
	return nil
}

// finalize persists the turn's outcome: tool-call records in completion
// order, then the assistant message, then the terminal events.
func (o *Orchestrator) finalize(ctx context.Context, conv models.Conversation, req TurnRequest, turn *turnState, emit EmitFunc) error {
	for _, call := range turn.calls.completed {
		if _, err := o.store.AppendMessage(ctx, conv.ID, NewMessage{
			Role:    models.RoleAssistant,
			Content: "",
			Kind:    models.KindToolCall,
			Metadata: models.MessageMetadata{
				ToolName:   call.name,
				ToolArgs:   call.arguments(),
				ToolResult: call.result,
			},
		}); err != nil {
			return o.fail(emit, "persist tool call", err)
		}
	}

	if _, err := o.store.AppendMessage(ctx, conv.ID, NewMessage{
		Role:    models.RoleAssistant,
		Content: turn.text.String(),
		Kind:    models.KindContent,
		Metadata: models.MessageMetadata{
			Model:   req.Model,
			Sources: turn.sources,
		},
	}); err != nil {
		return o.fail(emit, "persist assistant message", err)
	}

	if err := o.store.SetTitleIfAbsent(ctx, conv.ID, deriveTitle(req.Message)); err != nil {
		return o.fail(emit, "set title", err)
	}

	if len(turn.sources) > 0 {
		if err := emit(models.WireEvent{Type: models.WireEventSources, Sources: turn.sources}); err != nil {
			return nil
		}
	}
	if err := emit(models.WireEvent{Type: models.WireEventDone}); err != nil {
		return nil
	}
	return nil
}

// fail logs the cause and reports a generic terminal error to the client.
// The returned error is nil: the failure has been delivered on the stream.
func (o *Orchestrator) fail(emit EmitFunc, stage string, cause error) error {
	o.logger.Error("turn failed", "stage", stage, "error", cause)
	_ = emit(models.WireEvent{Type: models.WireEventError, Message: genericTurnError})
	return nil
}

// appendToolExchange extends the model input with the assistant's tool-call
// round and one tool message per result, so the follow-up stream sees what
// the tools said.
func appendToolExchange(messages []openai.ChatCompletionMessage, roundText string, completed []*toolCall) []openai.ChatCompletionMessage {
	assistant := openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleAssistant,
		Content: roundText,
	}
	for _, call := range completed {
		assistant.ToolCalls = append(assistant.ToolCalls, openai.ToolCall{
			ID:   call.key,
			Type: openai.ToolTypeFunction,
			Function: openai.FunctionCall{
				Name:      call.name,
				Arguments: call.arguments(),
			},
		})
	}
	messages = append(messages, assistant)
	for _, call := range completed {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:       openai.ChatMessageRoleTool,
			ToolCallID: call.key,
			Content:    call.result,
		})
	}
	return messages
}

// deriveTitle truncates the first user message into a conversation title.
func deriveTitle(message string) string {
	title := strings.Join(strings.Fields(message), " ")
	runes := []rune(title)
	if len(runes) <= titleMaxRunes {
		return title
	}
	return string(runes[:titleMaxRunes]) + "…"
}

// noteRefPattern matches the "[note:<id>] <title>" markers the note tools
// embed in their result text.
var noteRefPattern = regexp.MustCompile(`\[note:([A-Za-z0-9-]+)\]\s*([^\n|]+)`)

func extractNoteSources(text string) []models.Source {
	matches := noteRefPattern.FindAllStringSubmatch(text, -1)
	sources := make([]models.Source, 0, len(matches))
	for _, m := range matches {
		sources = append(sources, models.Source{
			ID:    m[1],
			Title: strings.TrimSpace(m[2]),
			Type:  "note",
		})
	}
	return sources
}

// turnState is everything a single turn accumulates. It lives on one
// goroutine; no locking.
type turnState struct {
	text    strings.Builder
	calls   *callTable
	sources []models.Source
	seen    map[string]bool
}

func newTurnState() *turnState {
	return &turnState{
		calls: newCallTable(),
		seen:  make(map[string]bool),
	}
}

func (t *turnState) addSources(sources []models.Source) {
	for _, src := range sources {
		if src.ID == "" || t.seen[src.ID] {
			continue
		}
		t.seen[src.ID] = true
		t.sources = append(t.sources, src)
	}
}

// toolCall is the turn-local assembly buffer for one model tool call. Only
// its outcome is persisted, as a tool_call message.
type toolCall struct {
	key       string
	name      string
	args      strings.Builder
	result    string
	completed bool
}

func (c *toolCall) arguments() string {
	return c.args.String()
}

func (c *toolCall) argumentsJSON() []byte {
	if c.args.Len() == 0 {
		return []byte("{}")
	}
	return []byte(c.args.String())
}

// callTable correlates fragmented tool-call deltas. Keys are the provider's
// correlation ids; a missing or colliding id gets a synthetic one so every
// call stays individually addressable.
type callTable struct {
	order     []*toolCall
	byKey     map[string]*toolCall
	completed []*toolCall
}

func newCallTable() *callTable {
	return &callTable{byKey: make(map[string]*toolCall)}
}

func (t *callTable) register(correlationID, name string) *toolCall {
	key := correlationID
	if _, collision := t.byKey[key]; key == "" || collision {
		key = "call_" + uuid.New().String()
	}
	call := &toolCall{key: key, name: name}
	t.order = append(t.order, call)
	t.byKey[key] = call
	return call
}

// appendArgs routes an argument delta to its call. Deltas without a
// correlation id belong to the most recently started unfinished call.
func (t *callTable) appendArgs(correlationID, delta string) {
	if call, ok := t.byKey[correlationID]; ok && correlationID != "" && !call.completed {
		call.args.WriteString(delta)
		return
	}
	for i := len(t.order) - 1; i >= 0; i-- {
		if !t.order[i].completed {
			t.order[i].args.WriteString(delta)
			return
		}
	}
}

// resolve finds the call a completion fragment refers to. Exact correlation
// id first; otherwise the oldest unresolved call with the same tool name,
// reported as degraded so callers can log it.
func (t *callTable) resolve(correlationID, name string) (*toolCall, bool) {
	if call, ok := t.byKey[correlationID]; ok && correlationID != "" && !call.completed {
		return call, false
	}
	for _, call := range t.order {
		if !call.completed && call.name == name {
			return call, true
		}
	}
	return nil, false
}

func (t *callTable) markCompleted(call *toolCall) {
	t.completed = append(t.completed, call)
}
