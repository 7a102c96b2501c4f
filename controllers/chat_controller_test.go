package controllers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"

	"workbench/models"
	"workbench/services"
)

type stubStreamer struct{}

func (stubStreamer) Open(context.Context, services.ModelRequest) (services.ModelStream, error) {
	return nil, errors.New("streamer must not be reached")
}

// brokenStore fails conversation resolution the way a dead database would.
type brokenStore struct {
	createErr error
	loadErr   error
}

func (s *brokenStore) CreateConversation(context.Context, string, *string, *string) (models.Conversation, error) {
	return models.Conversation{}, s.createErr
}

func (s *brokenStore) GetConversation(context.Context, string, string) (models.Conversation, error) {
	return models.Conversation{}, s.loadErr
}

func (s *brokenStore) AppendMessage(context.Context, string, services.NewMessage) (models.Message, error) {
	return models.Message{}, errors.New("store is down")
}

func (s *brokenStore) ListHistory(context.Context, string, int) ([]models.Message, error) {
	return nil, errors.New("store is down")
}

func (s *brokenStore) SetTitleIfAbsent(context.Context, string, string) error {
	return errors.New("store is down")
}

func (s *brokenStore) ListConversations(context.Context, string) ([]models.Conversation, error) {
	return nil, errors.New("store is down")
}

func (s *brokenStore) ListMessages(context.Context, string, string) ([]models.Message, error) {
	return nil, errors.New("store is down")
}

func (s *brokenStore) RenameConversation(context.Context, string, string, string) error {
	return errors.New("store is down")
}

func (s *brokenStore) DeleteConversation(context.Context, string, string) error {
	return errors.New("store is down")
}

var _ services.ConversationStore = (*brokenStore)(nil)

func performAsk(t *testing.T, store services.ConversationStore, body string) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	orch := services.NewOrchestrator(store, stubStreamer{}, logger)
	ctrl := NewChatController(orch, nil, store, "m", logger)

	r := gin.New()
	r.POST("/chat/ask", ctrl.HandleAsk)

	req := httptest.NewRequest(http.MethodPost, "/chat/ask", strings.NewReader(body))
	req.Header.Set("X-User-ID", "user-1")
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

// A store failure before streaming answers 500 with a generic body; the
// driver error stays in the logs.
func TestStoreFailureDoesNotLeakCause(t *testing.T) {
	store := &brokenStore{createErr: errors.New("pq: connection refused at 10.0.0.5:5432")}

	w := performAsk(t, store, `{"message":"hello"}`)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	body := w.Body.String()
	if strings.Contains(body, "pq:") || strings.Contains(body, "10.0.0.5") {
		t.Fatalf("response leaks store cause: %q", body)
	}
	if !strings.Contains(body, "failed to start turn") {
		t.Fatalf("response missing generic message: %q", body)
	}
}

func TestBlankMessageRejectedWith400(t *testing.T) {
	store := &brokenStore{createErr: errors.New("must not be reached")}

	w := performAsk(t, store, `{"message":"   "}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if !strings.Contains(w.Body.String(), "message is required") {
		t.Fatalf("body = %q", w.Body.String())
	}
}

func TestUnknownConversationAnswers404(t *testing.T) {
	store := &brokenStore{loadErr: services.ErrConversationNotFound}

	w := performAsk(t, store, `{"message":"hello","conversation_id":"missing"}`)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}
