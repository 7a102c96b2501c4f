package services

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"workbench/models"

	"github.com/google/uuid"
)

// memStore is an in-memory ConversationStore with the same atomicity
// contract as the Postgres implementation: position assignment happens
// under one lock.
type memStore struct {
	mu            sync.Mutex
	conversations map[string]models.Conversation
	messages      map[string][]models.Message
}

func newMemStore() *memStore {
	return &memStore{
		conversations: make(map[string]models.Conversation),
		messages:      make(map[string][]models.Message),
	}
}

func (s *memStore) CreateConversation(_ context.Context, ownerID string, teamID *string, title *string) (models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv := models.Conversation{
		ID:        uuid.New().String(),
		OwnerID:   ownerID,
		TeamID:    teamID,
		Title:     title,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
	s.conversations[conv.ID] = conv
	return conv, nil
}

func (s *memStore) GetConversation(_ context.Context, id, ownerID string) (models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[id]
	if !ok || conv.OwnerID != ownerID {
		return models.Conversation{}, ErrConversationNotFound
	}
	return conv, nil
}

func (s *memStore) AppendMessage(_ context.Context, conversationID string, msg NewMessage) (models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return models.Message{}, ErrConversationNotFound
	}

	next := 0
	for _, existing := range s.messages[conversationID] {
		if existing.Position >= next {
			next = existing.Position + 1
		}
	}

	persisted := models.Message{
		ID:             uuid.New().String(),
		ConversationID: conversationID,
		Role:           msg.Role,
		Content:        msg.Content,
		Kind:           msg.Kind,
		Metadata:       msg.Metadata,
		Position:       next,
		CreatedAt:      time.Now(),
	}
	s.messages[conversationID] = append(s.messages[conversationID], persisted)

	conv.UpdatedAt = time.Now()
	s.conversations[conversationID] = conv
	return persisted, nil
}

func (s *memStore) ListHistory(_ context.Context, conversationID string, limit int) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	content := make([]models.Message, 0)
	for _, msg := range s.messages[conversationID] {
		if msg.Kind == models.KindContent {
			content = append(content, msg)
		}
	}
	if limit > 0 && len(content) > limit {
		content = content[len(content)-limit:]
	}
	return content, nil
}

func (s *memStore) SetTitleIfAbsent(_ context.Context, conversationID, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return ErrConversationNotFound
	}
	if conv.Title == nil {
		conv.Title = &title
		s.conversations[conversationID] = conv
	}
	return nil
}

func (s *memStore) ListConversations(_ context.Context, ownerID string) ([]models.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conversations := make([]models.Conversation, 0)
	for _, conv := range s.conversations {
		if conv.OwnerID == ownerID {
			conversations = append(conversations, conv)
		}
	}
	return conversations, nil
}

func (s *memStore) ListMessages(ctx context.Context, conversationID, ownerID string) ([]models.Message, error) {
	if _, err := s.GetConversation(ctx, conversationID, ownerID); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Message, len(s.messages[conversationID]))
	copy(out, s.messages[conversationID])
	return out, nil
}

func (s *memStore) RenameConversation(_ context.Context, id, ownerID, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[id]
	if !ok || conv.OwnerID != ownerID {
		return ErrConversationNotFound
	}
	conv.Title = &title
	s.conversations[id] = conv
	return nil
}

func (s *memStore) DeleteConversation(_ context.Context, id, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[id]
	if !ok || conv.OwnerID != ownerID {
		return ErrConversationNotFound
	}
	delete(s.conversations, id)
	delete(s.messages, id)
	return nil
}

var _ ConversationStore = (*memStore)(nil)

// scriptedRound is one model invocation in a scripted turn: its fragments,
// then either a clean end or an error.
type scriptedRound struct {
	frags   []Fragment
	err     error
	openErr error
}

// scriptedStreamer plays back deterministic fragment sequences, one round
// per Open call.
type scriptedStreamer struct {
	mu       sync.Mutex
	rounds   []scriptedRound
	opened   int
	requests []ModelRequest
}

func newScriptedStreamer(rounds ...scriptedRound) *scriptedStreamer {
	return &scriptedStreamer{rounds: rounds}
}

func (s *scriptedStreamer) Open(_ context.Context, req ModelRequest) (ModelStream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.opened >= len(s.rounds) {
		return nil, fmt.Errorf("script exhausted at round %d", s.opened+1)
	}
	round := s.rounds[s.opened]
	s.opened++
	s.requests = append(s.requests, req)
	if round.openErr != nil {
		return nil, round.openErr
	}
	return &scriptedStream{round: round}, nil
}

var _ ModelStreamer = (*scriptedStreamer)(nil)

type scriptedStream struct {
	round scriptedRound
	index int
}

func (s *scriptedStream) Recv() (Fragment, error) {
	if s.index < len(s.round.frags) {
		frag := s.round.frags[s.index]
		s.index++
		return frag, nil
	}
	if s.round.err != nil {
		return Fragment{}, s.round.err
	}
	return Fragment{}, io.EOF
}

func (s *scriptedStream) Close() error { return nil }

// eventCollector records emitted events; failAt simulates a client that
// disconnects after that many events (-1 means never).
type eventCollector struct {
	events []models.WireEvent
	failAt int
}

func newEventCollector() *eventCollector {
	return &eventCollector{failAt: -1}
}

func (c *eventCollector) emit(event models.WireEvent) error {
	if c.failAt >= 0 && len(c.events) >= c.failAt {
		return fmt.Errorf("client went away")
	}
	c.events = append(c.events, event)
	return nil
}

func (c *eventCollector) types() []models.WireEventType {
	out := make([]models.WireEventType, len(c.events))
	for i, e := range c.events {
		out[i] = e.Type
	}
	return out
}

func (c *eventCollector) concatContent() string {
	var text string
	for _, e := range c.events {
		if e.Type == models.WireEventContent {
			text += e.Delta
		}
	}
	return text
}
