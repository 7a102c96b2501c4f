package controllers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"workbench/models"
	"workbench/services"
)

// ChatController exposes the chat turn endpoints and the conversation CRUD
// around them. Authentication happens upstream; the validated user id
// arrives in the X-User-ID header.
type ChatController struct {
	orchestrator *services.Orchestrator
	toolset      *services.Toolset
	store        services.ConversationStore
	defaultModel string
	logger       *slog.Logger
}

func NewChatController(orchestrator *services.Orchestrator, toolset *services.Toolset, store services.ConversationStore, defaultModel string, logger *slog.Logger) *ChatController {
	if logger == nil {
		logger = slog.Default()
	}
	return &ChatController{
		orchestrator: orchestrator,
		toolset:      toolset,
		store:        store,
		defaultModel: defaultModel,
		logger:       logger,
	}
}

type turnRequestBody struct {
	Message        string   `json:"message" binding:"required"`
	ConversationID string   `json:"conversation_id"`
	Model          string   `json:"model"`
	Context        []string `json:"context"`
	Collection     string   `json:"collection"`
	TeamID         *string  `json:"team_id"`
}

// HandleAsk runs a turn with no tools declared.
func (ctrl *ChatController) HandleAsk(c *gin.Context) {
	req, ok := ctrl.bindTurnRequest(c)
	if !ok {
		return
	}

	emitter := newEventEmitter(c)
	err := ctrl.orchestrator.RunAskTurn(c.Request.Context(), req, emitter.emit)
	ctrl.finishTurn(c, emitter, err)
}

// HandleAgent runs a turn with the note, search and research tools declared.
func (ctrl *ChatController) HandleAgent(c *gin.Context) {
	req, ok := ctrl.bindTurnRequest(c)
	if !ok {
		return
	}

	registry, err := ctrl.toolset.RegistryFor(req.OwnerID, req.Collection)
	if err != nil {
		ctrl.logger.Error("failed to build tool registry", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to prepare tools"})
		return
	}

	emitter := newEventEmitter(c)
	err = ctrl.orchestrator.RunAgentTurn(c.Request.Context(), req, registry, emitter.emit)
	ctrl.finishTurn(c, emitter, err)
}

func (ctrl *ChatController) bindTurnRequest(c *gin.Context) (services.TurnRequest, bool) {
	ownerID := c.GetHeader("X-User-ID")
	if ownerID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "X-User-ID header is required"})
		return services.TurnRequest{}, false
	}

	var body turnRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is required"})
		return services.TurnRequest{}, false
	}

	model := body.Model
	if model == "" {
		model = ctrl.defaultModel
	}

	return services.TurnRequest{
		OwnerID:        ownerID,
		TeamID:         body.TeamID,
		ConversationID: body.ConversationID,
		Message:        body.Message,
		Model:          model,
		ContextBlocks:  body.Context,
		Collection:     body.Collection,
	}, true
}

// finishTurn maps a pre-stream error to a plain status response. Once the
// first event went out, errors have already been delivered on the stream.
// Only input errors carry a specific body; store failures stay in the logs.
func (ctrl *ChatController) finishTurn(c *gin.Context, emitter *eventEmitter, err error) {
	if err == nil || emitter.started {
		return
	}
	switch {
	case errors.Is(err, services.ErrConversationNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
	case errors.Is(err, services.ErrEmptyMessage):
		c.JSON(http.StatusBadRequest, gin.H{"error": "message is required"})
	default:
		ctrl.logger.Error("failed to start turn", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start turn"})
	}
}

func (ctrl *ChatController) GetConversations(c *gin.Context) {
	ownerID := c.GetHeader("X-User-ID")
	if ownerID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "X-User-ID header is required"})
		return
	}

	conversations, err := ctrl.store.ListConversations(c.Request.Context(), ownerID)
	if err != nil {
		ctrl.logger.Error("failed to list conversations", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch conversations"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"conversations": conversations})
}

func (ctrl *ChatController) GetMessages(c *gin.Context) {
	ownerID := c.GetHeader("X-User-ID")
	if ownerID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "X-User-ID header is required"})
		return
	}

	messages, err := ctrl.store.ListMessages(c.Request.Context(), c.Param("id"), ownerID)
	if errors.Is(err, services.ErrConversationNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		return
	}
	if err != nil {
		ctrl.logger.Error("failed to list messages", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to fetch messages"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

func (ctrl *ChatController) RenameConversation(c *gin.Context) {
	ownerID := c.GetHeader("X-User-ID")
	if ownerID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "X-User-ID header is required"})
		return
	}

	var body struct {
		Title string `json:"title" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "title is required"})
		return
	}

	err := ctrl.store.RenameConversation(c.Request.Context(), c.Param("id"), ownerID, body.Title)
	if errors.Is(err, services.ErrConversationNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		return
	}
	if err != nil {
		ctrl.logger.Error("failed to rename conversation", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to rename conversation"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "conversation renamed"})
}

func (ctrl *ChatController) DeleteConversation(c *gin.Context) {
	ownerID := c.GetHeader("X-User-ID")
	if ownerID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "X-User-ID header is required"})
		return
	}

	err := ctrl.store.DeleteConversation(c.Request.Context(), c.Param("id"), ownerID)
	if errors.Is(err, services.ErrConversationNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		return
	}
	if err != nil {
		ctrl.logger.Error("failed to delete conversation", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete conversation"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "conversation deleted"})
}

// eventEmitter writes wire events as NDJSON, flushing per event so deltas
// reach the client as they are produced. Headers go out lazily on the first
// event, which leaves room for a plain error response before streaming.
type eventEmitter struct {
	c       *gin.Context
	started bool
}

func newEventEmitter(c *gin.Context) *eventEmitter {
	return &eventEmitter{c: c}
}

func (e *eventEmitter) emit(event models.WireEvent) error {
	line, err := services.EncodeWireEvent(event)
	if err != nil {
		return err
	}

	if !e.started {
		e.started = true
		e.c.Header("Content-Type", "application/x-ndjson")
		e.c.Header("Cache-Control", "no-cache")
		e.c.Header("X-Accel-Buffering", "no")
		e.c.Status(http.StatusOK)
	}

	if _, err := e.c.Writer.Write(line); err != nil {
		return err
	}
	e.c.Writer.Flush()
	return nil
}
