package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// OllamaClient generates text embeddings via the Ollama API. It satisfies
// Model; Close asks the server to drop the model from memory.
type OllamaClient struct {
	baseURL    string
	model      string
	httpClient *http.Client

	mu  sync.Mutex
	dim int
}

func NewOllamaClient(baseURL, model string) *OllamaClient {
	return &OllamaClient{
		baseURL: baseURL,
		model:   model,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// OllamaLoader returns a Loader that health-checks the server before
// handing out a client.
func OllamaLoader(baseURL, model string) Loader {
	return func(ctx context.Context) (Model, error) {
		c := NewOllamaClient(baseURL, model)
		if err := c.HealthCheck(ctx); err != nil {
			return nil, err
		}
		return c, nil
	}
}

type embedRequest struct {
	Model     string `json:"model"`
	Input     string `json:"input"`
	KeepAlive *int   `json:"keep_alive,omitempty"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

func (c *OllamaClient) Name() string {
	return c.model
}

// Dimensions returns the native output size, known after the first Embed.
func (c *OllamaClient) Dimensions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dim
}

// Embed generates an embedding vector for the given text.
func (c *OllamaClient) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := c.post(ctx, embedRequest{Model: c.model, Input: text})
	if err != nil {
		return nil, fmt.Errorf("ollama embed: %w", err)
	}

	var result embedResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}
	if len(result.Embeddings) == 0 || len(result.Embeddings[0]) == 0 {
		return nil, fmt.Errorf("ollama returned no embeddings")
	}

	vec := result.Embeddings[0]
	c.mu.Lock()
	c.dim = len(vec)
	c.mu.Unlock()
	return vec, nil
}

// Close unloads the model on the server by sending an empty request with
// keep_alive 0.
func (c *OllamaClient) Close(ctx context.Context) error {
	zero := 0
	if _, err := c.post(ctx, embedRequest{Model: c.model, KeepAlive: &zero}); err != nil {
		return fmt.Errorf("ollama unload: %w", err)
	}
	return nil
}

// HealthCheck verifies Ollama is reachable.
func (c *OllamaClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("ollama health check: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("ollama health check: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("ollama health check: status %d", resp.StatusCode)
	}
	return nil
}

func (c *OllamaClient) post(ctx context.Context, payload embedRequest) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/embed", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read embed response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, string(body))
	}
	return body, nil
}
