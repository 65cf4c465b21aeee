// Package search provides the web lookups behind the web_search tool.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nous-labs/huddle/pkg/apperr"
)

// DefaultMaxResults caps results returned by a backend.
const DefaultMaxResults = 5

// Result is one search hit.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// Searcher runs a web search.
type Searcher interface {
	Search(ctx context.Context, query string) ([]Result, error)
}

// SearXNG queries a SearXNG instance through its JSON API.
type SearXNG struct {
	baseURL    string
	maxResults int
	httpClient *http.Client
}

// NewSearXNG creates a client for the instance at baseURL.
func NewSearXNG(baseURL string, maxResults int) *SearXNG {
	if maxResults <= 0 {
		maxResults = DefaultMaxResults
	}
	return &SearXNG{
		baseURL:    strings.TrimRight(baseURL, "/"),
		maxResults: maxResults,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

type searxResponse struct {
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
	} `json:"results"`
}

// Search runs query and returns up to maxResults hits.
func (s *SearXNG) Search(ctx context.Context, query string) ([]Result, error) {
	q := url.Values{}
	q.Set("q", query)
	q.Set("format", "json")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/search?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create search request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, apperr.Unavailable("searxng", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return nil, apperr.Unavailable("searxng", err)
		}
		return nil, fmt.Errorf("searxng: %w", err)
	}

	var parsed searxResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	out := make([]Result, 0, s.maxResults)
	for _, r := range parsed.Results {
		if len(out) == s.maxResults {
			break
		}
		out = append(out, Result{Title: r.Title, URL: r.URL, Snippet: strings.TrimSpace(r.Content)})
	}
	return out, nil
}
