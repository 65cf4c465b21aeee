package search

import (
	"context"
	"strings"

	"github.com/nous-labs/huddle/internal/llm"
)

// WebGrounder answers a query with a model grounded on live search.
type WebGrounder interface {
	SearchWeb(ctx context.Context, query string) (string, []llm.WebSource, error)
}

// Grounded adapts a grounded model answer into search results. The
// synthesized answer comes first, followed by the cited pages.
type Grounded struct {
	g          WebGrounder
	maxResults int
}

// NewGrounded wraps g.
func NewGrounded(g WebGrounder, maxResults int) *Grounded {
	if maxResults <= 0 {
		maxResults = DefaultMaxResults
	}
	return &Grounded{g: g, maxResults: maxResults}
}

// Search implements Searcher.
func (s *Grounded) Search(ctx context.Context, query string) ([]Result, error) {
	text, sources, err := s.g.SearchWeb(ctx, query)
	if err != nil {
		return nil, err
	}
	var out []Result
	if text = strings.TrimSpace(text); text != "" {
		out = append(out, Result{Title: "Answer", Snippet: text})
	}
	for _, src := range sources {
		if len(out) == s.maxResults {
			break
		}
		out = append(out, Result{Title: src.Title, URL: src.URL})
	}
	return out, nil
}
