package config

import (
	"os"
)

// Config collects everything the service reads from the environment.
type Config struct {
	Port           string
	PostgresURI    string
	DynamoRegion   string
	DynamoEndpoint string
	OpenAIKey      string
	PerplexityKey  string
	ChatModel      string
}

func Load() Config {
	return Config{
		Port:           getenv("PORT", "8080"),
		PostgresURI:    getenv("DATABASE_URL", "host=localhost port=5432 user=postgres password=postgres dbname=workbench"),
		DynamoRegion:   getenv("AWS_REGION", "us-east-1"),
		DynamoEndpoint: os.Getenv("DYNAMODB_ENDPOINT"),
		OpenAIKey:      os.Getenv("OPENAI_API_KEY"),
		PerplexityKey:  os.Getenv("PERPLEXITY_API_KEY"),
		ChatModel:      getenv("CHAT_MODEL", "gpt-4o-mini"),
	}
}

func getenv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
