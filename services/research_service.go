package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-resty/resty/v2"
)

const perplexityURL = "https://api.perplexity.ai/chat/completions"

type perplexityResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// ResearchService answers web research queries through the Perplexity API.
// It backs the research_web agent tool.
type ResearchService struct {
	client *resty.Client
	apiKey string
}

func NewResearchService(apiKey string) *ResearchService {
	return &ResearchService{
		client: resty.New(),
		apiKey: apiKey,
	}
}

func (rs *ResearchService) Research(ctx context.Context, query string) (string, error) {
	if rs.apiKey == "" {
		return "", fmt.Errorf("PERPLEXITY_API_KEY is not set")
	}

	requestBody := map[string]interface{}{
		"model": "sonar",
		"messages": []map[string]string{
			{"role": "system", "content": "Be precise and concise."},
			{"role": "user", "content": query},
		},
		"temperature":           0.2,
		"top_p":                 0.9,
		"search_recency_filter": "month",
	}

	resp, err := rs.client.R().
		SetContext(ctx).
		SetHeader("Authorization", "Bearer "+rs.apiKey).
		SetHeader("Content-Type", "application/json").
		SetBody(requestBody).
		Post(perplexityURL)
	if err != nil {
		return "", err
	}
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("research request failed, status: %d", resp.StatusCode())
	}

	var result perplexityResponse
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		return "", fmt.Errorf("failed to parse research response: %w", err)
	}
	if len(result.Choices) == 0 || result.Choices[0].Message.Content == "" {
		return "", fmt.Errorf("no content in research response")
	}
	return result.Choices[0].Message.Content, nil
}
