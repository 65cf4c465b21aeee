// Package embeddings provides semantic retrieval over room knowledge bases.
//
// Knowledge entries and document chunks are embedded through a Text
// Embeddings Inference server and indexed either in pgvector or, without
// Postgres, in an embedded chromem-go index. SyncWorker keeps the index in
// step with the store; Retriever fuses vector and FTS5 keyword hits.
package embeddings

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/nous-labs/huddle/pkg/apperr"
)

// Task prefixes expected by nomic-style embedding models. Stored knowledge
// and chat queries are embedded asymmetrically.
const (
	PrefixDocument = "search_document: "
	PrefixQuery    = "search_query: "
)

// Embedder turns text into vectors.
type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
}

// TEIClient embeds room knowledge through a TEI server's /embed endpoint.
type TEIClient struct {
	baseURL string
	http    *http.Client
}

// NewTEIClient returns a client for the TEI server at baseURL.
func NewTEIClient(baseURL string) *TEIClient {
	return &TEIClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Embed returns one vector per text, in input order, with prefix applied to
// every text. Server errors and transport failures are ErrUnavailable so the
// retriever falls back to keyword search.
func (c *TEIClient) Embed(ctx context.Context, texts []string, prefix string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	inputs := make([]string, len(texts))
	for i, t := range texts {
		inputs[i] = prefix + t
	}

	body, err := json.Marshal(struct {
		Inputs []string `json:"inputs"`
	}{inputs})
	if err != nil {
		return nil, fmt.Errorf("encode knowledge batch: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, apperr.Unavailable("embeddings", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("embed %d texts: status %d: %s", len(texts), resp.StatusCode, bytes.TrimSpace(msg))
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, apperr.Unavailable("embeddings", err)
		}
		return nil, err
	}

	var vectors [][]float32
	if err := json.NewDecoder(resp.Body).Decode(&vectors); err != nil {
		return nil, fmt.Errorf("decode embeddings: %w", err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("embeddings server returned %d vectors for %d texts", len(vectors), len(texts))
	}
	return vectors, nil
}

// EmbedQuery embeds a chat message or search query.
func (c *TEIClient) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := c.Embed(ctx, []string{text}, PrefixQuery)
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, errors.New("no query embedding returned")
	}
	return vectors[0], nil
}

// EmbedDocuments embeds knowledge entries and document chunks in one batch.
func (c *TEIClient) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	return c.Embed(ctx, texts, PrefixDocument)
}

// Health reports whether the embeddings server answers.
func (c *TEIClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return apperr.Unavailable("embeddings", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return apperr.Unavailable("embeddings", fmt.Errorf("health status %d", resp.StatusCode))
	}
	return nil
}
