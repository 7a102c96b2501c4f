package services

import (
	"testing"

	"github.com/sashabaranov/go-openai"
)

func intptr(i int) *int { return &i }

// Exercises the delta-flattening logic directly: indexed tool-call deltas in,
// start/args/complete fragments out.
func TestAbsorbToolCallDeltas(t *testing.T) {
	s := &openAIStream{}

	s.absorbToolCallDelta(openai.ToolCall{
		Index: intptr(0),
		ID:    "call-1",
		Function: openai.FunctionCall{
			Name:      "search_notes",
			Arguments: `{"qu`,
		},
	})
	s.absorbToolCallDelta(openai.ToolCall{
		Index:    intptr(0),
		Function: openai.FunctionCall{Arguments: `ery":"x"}`},
	})
	s.completeOpenCalls()

	want := []Fragment{
		{Type: FragmentToolCallStart, CorrelationID: "call-1", ToolName: "search_notes"},
		{Type: FragmentToolCallArgs, CorrelationID: "call-1", ToolName: "search_notes", Args: `{"qu`},
		{Type: FragmentToolCallArgs, CorrelationID: "call-1", ToolName: "search_notes", Args: `ery":"x"}`},
		{Type: FragmentToolCallComplete, CorrelationID: "call-1", ToolName: "search_notes"},
	}
	if len(s.pending) != len(want) {
		t.Fatalf("pending = %+v, want %d fragments", s.pending, len(want))
	}
	for i := range want {
		if s.pending[i] != want[i] {
			t.Fatalf("pending[%d] = %+v, want %+v", i, s.pending[i], want[i])
		}
	}
}

func TestAbsorbParallelToolCallsCompleteInIndexOrder(t *testing.T) {
	s := &openAIStream{}

	s.absorbToolCallDelta(openai.ToolCall{Index: intptr(0), ID: "a", Function: openai.FunctionCall{Name: "search_notes"}})
	s.absorbToolCallDelta(openai.ToolCall{Index: intptr(1), ID: "b", Function: openai.FunctionCall{Name: "get_note"}})
	s.absorbToolCallDelta(openai.ToolCall{Index: intptr(0), Function: openai.FunctionCall{Arguments: `{}`}})
	s.completeOpenCalls()

	var completes []string
	for _, frag := range s.pending {
		if frag.Type == FragmentToolCallComplete {
			completes = append(completes, frag.CorrelationID)
		}
	}
	if len(completes) != 2 || completes[0] != "a" || completes[1] != "b" {
		t.Fatalf("completion order = %v, want [a b]", completes)
	}

	// A second flush must not re-complete anything.
	s.pending = nil
	s.completeOpenCalls()
	if len(s.pending) != 0 {
		t.Fatalf("re-completed calls: %+v", s.pending)
	}
}

func TestDeltaWithoutIndexJoinsLatestCall(t *testing.T) {
	s := &openAIStream{}

	s.absorbToolCallDelta(openai.ToolCall{Index: intptr(0), ID: "a", Function: openai.FunctionCall{Name: "search_notes"}})
	s.absorbToolCallDelta(openai.ToolCall{Function: openai.FunctionCall{Arguments: `{"q":1}`}})

	last := s.pending[len(s.pending)-1]
	if last.Type != FragmentToolCallArgs || last.CorrelationID != "a" || last.Args != `{"q":1}` {
		t.Fatalf("unindexed delta routed to %+v", last)
	}
}
