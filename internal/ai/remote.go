package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"pimssync/internal/models"
)

// RemoteGenerator calls the clinic AI service over HTTP
type RemoteGenerator struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewRemoteGenerator creates a generator for the AI service at baseURL
func NewRemoteGenerator(baseURL, apiKey string) *RemoteGenerator {
	return &RemoteGenerator{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

func (g *RemoteGenerator) ExtractEntities(ctx context.Context, clinicalText string) (*models.ExtractedEntities, error) {
	var out struct {
		Entities *models.ExtractedEntities `json:"entities"`
	}
	if err := g.post(ctx, "/v1/entities", map[string]string{"text": clinicalText}, &out); err != nil {
		return nil, err
	}
	return out.Entities, nil
}

func (g *RemoteGenerator) GenerateDischargeSummary(ctx context.Context, job Job) (string, error) {
	var out struct {
		Summary string `json:"summary"`
	}
	if err := g.post(ctx, "/v1/discharge-summary", job, &out); err != nil {
		return "", err
	}
	return out.Summary, nil
}

func (g *RemoteGenerator) GenerateCallIntelligence(ctx context.Context, job Job) (map[string]any, error) {
	var out struct {
		Intelligence map[string]any `json:"intelligence"`
	}
	if err := g.post(ctx, "/v1/call-intelligence", job, &out); err != nil {
		return nil, err
	}
	return out.Intelligence, nil
}

func (g *RemoteGenerator) post(ctx context.Context, path string, payload, out any) error {
	reqBody, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", g.baseURL+path, bytes.NewBuffer(reqBody))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		log.Printf("⚠️  [AI] %s returned %d", path, resp.StatusCode)
		return fmt.Errorf("AI service error (status %d): %s", resp.StatusCode, string(body))
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse AI response: %w", err)
	}
	return nil
}
