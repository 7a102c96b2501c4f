package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"

	"workbench/models"
)

const (
	searchNotesLimit    = 5
	semanticSearchLimit = 5
	snippetMaxRunes     = 160
)

// Toolset builds the agent-mode tool registry from the workspace services.
// The registry is assembled per turn: the semantic_search tool only exists
// when the caller has an active collection to scope it to.
type Toolset struct {
	notes    *NotesService
	vectors  *VectorService
	research *ResearchService
}

func NewToolset(notes *NotesService, vectors *VectorService, research *ResearchService) *Toolset {
	return &Toolset{notes: notes, vectors: vectors, research: research}
}

func (ts *Toolset) RegistryFor(ownerID, collection string) (*ToolRegistry, error) {
	registry := NewToolRegistry()

	tools := []Tool{
		ts.searchNotesTool(ownerID),
		ts.getNoteTool(ownerID),
	}
	if collection != "" {
		tools = append(tools, ts.semanticSearchTool(ownerID, collection))
	}
	if ts.research != nil {
		tools = append(tools, ts.researchWebTool())
	}

	for _, tool := range tools {
		if err := registry.Register(tool); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func (ts *Toolset) searchNotesTool(ownerID string) Tool {
	return Tool{
		Definition: openai.FunctionDefinition{
			Name:        "search_notes",
			Description: "Search the user's notes by keyword. Returns matching notes with their ids.",
			Parameters:  queryParameters("Keywords to search the user's notes for."),
		},
		Handler: func(ctx context.Context, args json.RawMessage) (ToolOutcome, error) {
			var params struct {
				Query string `json:"query"`
			}
			if err := json.Unmarshal(args, &params); err != nil {
				return ToolOutcome{}, fmt.Errorf("invalid search_notes arguments: %w", err)
			}

			notes, err := ts.notes.SearchNotes(ctx, ownerID, params.Query, searchNotesLimit)
			if err != nil {
				return ToolOutcome{}, err
			}
			if len(notes) == 0 {
				return ToolOutcome{Text: "No notes matched."}, nil
			}

			var b strings.Builder
			outcome := ToolOutcome{}
			for _, note := range notes {
				fmt.Fprintf(&b, "[note:%s] %s | %s\n", note.ID, note.Title, snippet(note.Body))
				outcome.Sources = append(outcome.Sources, models.Source{
					ID: note.ID, Title: note.Title, Type: "note",
				})
			}
			outcome.Text = b.String()
			return outcome, nil
		},
	}
}

func (ts *Toolset) getNoteTool(ownerID string) Tool {
	return Tool{
		Definition: openai.FunctionDefinition{
			Name:        "get_note",
			Description: "Fetch one note by id, including its full body.",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"note_id": map[string]any{
						"type":        "string",
						"description": "The id of the note to fetch.",
					},
				},
				"required": []string{"note_id"},
			},
		},
		Handler: func(ctx context.Context, args json.RawMessage) (ToolOutcome, error) {
			var params struct {
				NoteID string `json:"note_id"`
			}
			if err := json.Unmarshal(args, &params); err != nil {
				return ToolOutcome{}, fmt.Errorf("invalid get_note arguments: %w", err)
			}

			note, err := ts.notes.GetNote(ctx, ownerID, params.NoteID)
			if err != nil {
				return ToolOutcome{}, err
			}
			return ToolOutcome{
				Text: fmt.Sprintf("[note:%s] %s\n\n%s", note.ID, note.Title, note.Body),
				Sources: []models.Source{
					{ID: note.ID, Title: note.Title, Type: "note"},
				},
			}, nil
		},
	}
}

func (ts *Toolset) semanticSearchTool(ownerID, collection string) Tool {
	return Tool{
		Definition: openai.FunctionDefinition{
			Name:        "semantic_search",
			Description: fmt.Sprintf("Find notes in the %q collection that are semantically close to a query.", collection),
			Parameters:  queryParameters("What to look for."),
		},
		Handler: func(ctx context.Context, args json.RawMessage) (ToolOutcome, error) {
			var params struct {
				Query string `json:"query"`
			}
			if err := json.Unmarshal(args, &params); err != nil {
				return ToolOutcome{}, fmt.Errorf("invalid semantic_search arguments: %w", err)
			}

			matches, err := ts.vectors.SearchSimilar(ctx, ownerID, params.Query, collection, semanticSearchLimit)
			if err != nil {
				return ToolOutcome{}, err
			}
			if len(matches) == 0 {
				return ToolOutcome{Text: "No similar notes found."}, nil
			}

			var b strings.Builder
			outcome := ToolOutcome{}
			for _, m := range matches {
				fmt.Fprintf(&b, "[note:%s] %s\n", m.NoteID, m.Title)
				outcome.Sources = append(outcome.Sources, models.Source{
					ID: m.NoteID, Title: m.Title, Type: "note",
				})
			}
			outcome.Text = b.String()
			return outcome, nil
		},
	}
}

func (ts *Toolset) researchWebTool() Tool {
	return Tool{
		Definition: openai.FunctionDefinition{
			Name:        "research_web",
			Description: "Research a topic on the web and return a concise summary.",
			Parameters:  queryParameters("The topic or question to research."),
		},
		Handler: func(ctx context.Context, args json.RawMessage) (ToolOutcome, error) {
			var params struct {
				Query string `json:"query"`
			}
			if err := json.Unmarshal(args, &params); err != nil {
				return ToolOutcome{}, fmt.Errorf("invalid research_web arguments: %w", err)
			}

			answer, err := ts.research.Research(ctx, params.Query)
			if err != nil {
				return ToolOutcome{}, err
			}
			return ToolOutcome{Text: answer}, nil
		},
	}
}

func queryParameters(description string) map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": description,
			},
		},
		"required": []string{"query"},
	}
}

func snippet(body string) string {
	flat := strings.Join(strings.Fields(body), " ")
	runes := []rune(flat)
	if len(runes) <= snippetMaxRunes {
		return flat
	}
	return string(runes[:snippetMaxRunes]) + "…"
}
