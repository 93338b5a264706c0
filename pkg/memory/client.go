// Package memory provides persistent semantic memory for conversations.
//
// Facts are distilled from exchanges by an LLM, embedded via HuggingFace
// Text Embeddings Inference (TEI), and stored in pgvector (PostgreSQL)
// for cosine-similarity retrieval. Everything here is best-effort from
// the daemon's point of view: retrieval degrades to an empty result and
// capture is fire-and-forget, so a memory outage never blocks replies.
package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/courier-bot/courier/pkg/retry"
)

const (
	// PrefixDocument is the task prefix for document embeddings (storage).
	// Required by nomic-embed-text for optimal performance.
	PrefixDocument = "search_document: "
	// PrefixQuery is the task prefix for query embeddings (search).
	PrefixQuery = "search_query: "
)

// EmbedClient is an HTTP client for HuggingFace Text Embeddings Inference.
// Transient failures are retried under the shared backoff policy;
// 4xx responses are not (the request itself is bad).
type EmbedClient struct {
	baseURL    string
	httpClient *http.Client
	policy     retry.Policy
}

// NewEmbedClient creates a new TEI client.
func NewEmbedClient(baseURL string) *EmbedClient {
	return &EmbedClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		policy: retry.Policy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 10 * time.Second},
	}
}

// embedRequest is the TEI /embed request body.
type embedRequest struct {
	Inputs any `json:"inputs"` // string or []string
}

// Embed generates embeddings for one or more texts.
// taskPrefix should be PrefixDocument or PrefixQuery.
func (c *EmbedClient) Embed(ctx context.Context, texts []string, taskPrefix string) ([][]float32, error) {
	prefixed := make([]string, len(texts))
	for i, t := range texts {
		prefixed[i] = taskPrefix + t
	}

	var body embedRequest
	if len(prefixed) == 1 {
		body = embedRequest{Inputs: prefixed[0]}
	} else {
		body = embedRequest{Inputs: prefixed}
	}

	reqBytes, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	var embeddings [][]float32
	err = c.policy.Do(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embed", bytes.NewReader(reqBytes))
		if err != nil {
			return retry.Permanent(fmt.Errorf("create embed request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("embed request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			respBody, _ := io.ReadAll(resp.Body)
			err := fmt.Errorf("TEI returned %d: %s", resp.StatusCode, string(respBody))
			if resp.StatusCode >= 400 && resp.StatusCode < 500 {
				return retry.Permanent(err)
			}
			return err
		}

		embeddings = nil
		if err := json.NewDecoder(resp.Body).Decode(&embeddings); err != nil {
			return fmt.Errorf("decode embed response: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return embeddings, nil
}

// EmbedDocument generates an embedding for fact storage.
func (c *EmbedClient) EmbedDocument(ctx context.Context, text string) ([]float32, error) {
	results, err := c.Embed(ctx, []string{text}, PrefixDocument)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("empty embedding response")
	}
	return results[0], nil
}

// EmbedQuery generates an embedding for retrieval queries.
func (c *EmbedClient) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	results, err := c.Embed(ctx, []string{text}, PrefixQuery)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("empty embedding response")
	}
	return results[0], nil
}

// Health checks if the TEI service is available.
func (c *EmbedClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("TEI health check: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("TEI unhealthy: status %d", resp.StatusCode)
	}
	return nil
}
