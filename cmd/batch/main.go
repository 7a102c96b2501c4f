package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"

	"workbench/config"
	"workbench/services"
)

func main() {
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		TimeFormat: time.Kitchen,
	}))
	slog.SetDefault(logger)

	cfg := config.Load()
	ctx := context.Background()

	var store *services.PostgresStore
	var err error
	for i := 0; i < 3; i++ {
		store, err = services.NewPostgresStore(cfg.PostgresURI)
		if err == nil {
			break
		}
		logger.Warn("postgres not ready, retrying", "attempt", i+1, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		logger.Error("failed to open store after retries", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	dynamoClient, err := services.NewDynamoDBClient(ctx, cfg.DynamoRegion, cfg.DynamoEndpoint)
	if err != nil {
		logger.Error("failed to connect to dynamodb", "error", err)
		os.Exit(1)
	}

	notes := services.NewNotesService(dynamoClient)
	vectors := services.NewVectorService(store.DB(), cfg.OpenAIKey)
	indexer := services.NewBatchIndexer(notes, vectors, logger)

	logger.Info("starting batch indexer")
	if err := indexer.ProcessNotes(ctx); err != nil {
		logger.Error("initial indexing failed", "error", err)
	}

	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		if err := indexer.ProcessNotes(ctx); err != nil {
			logger.Error("indexing run failed", "error", err)
		}
	}
}
