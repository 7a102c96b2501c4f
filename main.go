package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lmittmann/tint"

	"workbench/config"
	"workbench/controllers"
	"workbench/routes"
	"workbench/services"
)

func main() {
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		TimeFormat: time.Kitchen,
	}))
	slog.SetDefault(logger)

	cfg := config.Load()
	gin.SetMode(gin.ReleaseMode)

	store, err := services.NewPostgresStore(cfg.PostgresURI)
	if err != nil {
		logger.Error("failed to open conversation store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	dynamoClient, err := services.NewDynamoDBClient(context.Background(), cfg.DynamoRegion, cfg.DynamoEndpoint)
	if err != nil {
		logger.Error("failed to connect to dynamodb", "error", err)
		os.Exit(1)
	}
	notes := services.NewNotesService(dynamoClient)
	if err := notes.EnsureTable(context.Background()); err != nil {
		logger.Error("failed to ensure notes table", "error", err)
		os.Exit(1)
	}

	streamer, err := services.NewOpenAIStreamer(cfg.OpenAIKey)
	if err != nil {
		logger.Error("failed to create model streamer", "error", err)
		os.Exit(1)
	}

	vectors := services.NewVectorService(store.DB(), cfg.OpenAIKey)
	research := services.NewResearchService(cfg.PerplexityKey)
	toolset := services.NewToolset(notes, vectors, research)

	orchestrator := services.NewOrchestrator(store, streamer, logger)
	chat := controllers.NewChatController(orchestrator, toolset, store, cfg.ChatModel, logger)

	router := routes.SetupRouter(chat, logger)

	addr := ":" + cfg.Port
	logger.Info("server starting", "addr", addr)
	if err := router.Run(addr); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}
