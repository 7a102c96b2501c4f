package services

import (
	"context"
	"fmt"
	"io"

	"github.com/sashabaranov/go-openai"
)

// FragmentType distinguishes the units a model stream yields.
type FragmentType string

const (
	FragmentText             FragmentType = "text"
	FragmentToolCallStart    FragmentType = "tool_call_start"
	FragmentToolCallArgs     FragmentType = "tool_call_args"
	FragmentToolCallComplete FragmentType = "tool_call_complete"
)

// Fragment is one unit from the model stream. Text fragments carry a content
// delta; tool-call fragments carry the correlation id the provider assigned
// (possibly empty) plus a name or an argument chunk. Complete fragments mark
// that the provider finished emitting one call; arguments are assembled by
// the consumer from the preceding fragments.
type Fragment struct {
	Type          FragmentType
	Text          string
	CorrelationID string
	ToolName      string
	Args          string
}

// ModelRequest is one model invocation: full message history plus the
// declared tool set. An empty tool set means plain text generation.
type ModelRequest struct {
	Model    string
	Messages []openai.ChatCompletionMessage
	Tools    []openai.Tool
}

// ModelStream yields fragments in provider order. Recv returns io.EOF after
// the final fragment.
type ModelStream interface {
	Recv() (Fragment, error)
	Close() error
}

// ModelStreamer opens model streams. The orchestrator opens a fresh stream
// for each model round of a turn.
type ModelStreamer interface {
	Open(ctx context.Context, req ModelRequest) (ModelStream, error)
}

// OpenAIStreamer is the production ModelStreamer.
type OpenAIStreamer struct {
	client *openai.Client
}

func NewOpenAIStreamer(apiKey string) (*OpenAIStreamer, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY is not set")
	}
	return &OpenAIStreamer{client: openai.NewClient(apiKey)}, nil
}

func (s *OpenAIStreamer) Open(ctx context.Context, req ModelRequest) (ModelStream, error) {
	stream, err := s.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: req.Messages,
		Tools:    req.Tools,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open completion stream: %w", err)
	}
	return &openAIStream{stream: stream}, nil
}

type openCall struct {
	id   string
	name string
}

// openAIStream flattens the provider's indexed tool-call deltas into the
// Fragment union. Calls complete when the provider reports a tool_calls
// finish reason or the stream ends.
type openAIStream struct {
	stream  *openai.ChatCompletionStream
	pending []Fragment
	order   []int
	open    map[int]*openCall
	done    bool
}

func (s *openAIStream) Recv() (Fragment, error) {
	for {
		if len(s.pending) > 0 {
			next := s.pending[0]
			s.pending = s.pending[1:]
			return next, nil
		}
		if s.done {
			return Fragment{}, io.EOF
		}

		resp, err := s.stream.Recv()
		if err == io.EOF {
			s.done = true
			s.completeOpenCalls()
			continue
		}
		if err != nil {
			return Fragment{}, fmt.Errorf("completion stream failed: %w", err)
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]

		if choice.Delta.Content != "" {
			s.pending = append(s.pending, Fragment{Type: FragmentText, Text: choice.Delta.Content})
		}
		for _, tc := range choice.Delta.ToolCalls {
			s.absorbToolCallDelta(tc)
		}
		if choice.FinishReason == openai.FinishReasonToolCalls {
			s.completeOpenCalls()
		}
	}
}

func (s *openAIStream) absorbToolCallDelta(tc openai.ToolCall) {
	if s.open == nil {
		s.open = make(map[int]*openCall)
	}

	index := 0
	if tc.Index != nil {
		index = *tc.Index
	} else if len(s.order) > 0 {
		index = s.order[len(s.order)-1]
	}

	call, ok := s.open[index]
	if !ok {
		call = &openCall{id: tc.ID, name: tc.Function.Name}
		s.open[index] = call
		s.order = append(s.order, index)
		s.pending = append(s.pending, Fragment{
			Type:          FragmentToolCallStart,
			CorrelationID: call.id,
			ToolName:      call.name,
		})
	}
	if tc.Function.Arguments != "" {
		s.pending = append(s.pending, Fragment{
			Type:          FragmentToolCallArgs,
			CorrelationID: call.id,
			ToolName:      call.name,
			Args:          tc.Function.Arguments,
		})
	}
}

func (s *openAIStream) completeOpenCalls() {
	for _, index := range s.order {
		call := s.open[index]
		s.pending = append(s.pending, Fragment{
			Type:          FragmentToolCallComplete,
			CorrelationID: call.id,
			ToolName:      call.name,
		})
	}
	s.order = nil
	s.open = nil
}

func (s *openAIStream) Close() error {
	s.stream.Close()
	return nil
}
