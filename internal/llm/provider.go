// Package llm provides the LLM capability boundary used by the classifier,
// the orchestrator and the language tools.
package llm

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/nous-labs/huddle/pkg/apperr"
)

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"` // user, assistant
	Content string `json:"content"`
}

// CompletionRequest holds parameters for an LLM completion.
type CompletionRequest struct {
	Messages    []Message `json:"messages"`
	Model       string    `json:"model,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Temperature float64   `json:"temperature,omitempty"`
	System      string    `json:"system,omitempty"`
}

// CompletionResponse holds the LLM's response. Either Content, ToolCalls or
// both may be set.
type CompletionResponse struct {
	Content      string     `json:"content"`
	Model        string     `json:"model"`
	InputTokens  int        `json:"input_tokens"`
	OutputTokens int        `json:"output_tokens"`
	StopReason   string     `json:"stop_reason"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
}

// Provider is the interface for LLM providers.
type Provider interface {
	// Name returns the provider identifier (e.g., "anthropic", "gemini").
	Name() string

	// Complete sends a completion request and returns the response.
	Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)
}

// ToolProvider is a Provider that supports native tool calling.
type ToolProvider interface {
	Provider
	CompleteWithTools(ctx context.Context, req CompletionRequest, tools []ToolDefinition) (*CompletionResponse, error)
}

// Tier represents the quality/cost tier for model selection.
type Tier int

const (
	TierFast Tier = iota // trigger classification
	TierMid              // translate, summarize, rephrase
	TierDeep             // planning and reply composition
)

func (t Tier) String() string {
	switch t {
	case TierFast:
		return "fast"
	case TierMid:
		return "mid"
	case TierDeep:
		return "deep"
	}
	return "unknown"
}

// DefaultRetryBackoff is the pause before the single retry of an
// unavailable provider.
const DefaultRetryBackoff = 500 * time.Millisecond

// Router selects the appropriate provider based on task tier.
type Router struct {
	providers map[Tier]Provider
	backoff   time.Duration
}

// NewRouter creates a provider router with the given tier mappings.
func NewRouter(providers map[Tier]Provider) *Router {
	return &Router{providers: providers, backoff: DefaultRetryBackoff}
}

// WithBackoff sets the retry pause. Zero retries immediately.
func (r *Router) WithBackoff(d time.Duration) *Router {
	r.backoff = d
	return r
}

// Complete routes a request to the appropriate provider based on tier.
// Fallback chain: requested tier → deep → mid → fast. A provider that is
// unavailable is retried once after the router's backoff.
func (r *Router) Complete(ctx context.Context, tier Tier, req CompletionRequest) (*CompletionResponse, error) {
	p := r.resolveProvider(tier)
	if p == nil {
		return nil, ErrNoProvider
	}
	return r.withRetry(ctx, p, func() (*CompletionResponse, error) {
		return p.Complete(ctx, req)
	})
}

// CompleteWithTools routes a request with tools to the appropriate provider.
// If the provider supports tools (implements ToolProvider), uses CompleteWithTools;
// otherwise falls back to regular Complete (ignoring tools).
func (r *Router) CompleteWithTools(ctx context.Context, tier Tier, req CompletionRequest, tools []ToolDefinition) (*CompletionResponse, error) {
	p := r.resolveProvider(tier)
	if p == nil {
		return nil, ErrNoProvider
	}
	return r.withRetry(ctx, p, func() (*CompletionResponse, error) {
		if tp, ok := p.(ToolProvider); ok {
			return tp.CompleteWithTools(ctx, req, tools)
		}
		return p.Complete(ctx, req)
	})
}

func (r *Router) withRetry(ctx context.Context, p Provider, call func() (*CompletionResponse, error)) (*CompletionResponse, error) {
	resp, err := call()
	if err == nil || !errors.Is(err, apperr.ErrUnavailable) || ctx.Err() != nil {
		return resp, err
	}
	slog.Warn("llm provider unavailable, retrying once", "provider", p.Name(), "backoff", r.backoff, "error", err)
	if r.backoff > 0 {
		t := time.NewTimer(r.backoff)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return nil, apperr.Unavailable(p.Name(), ctx.Err())
		case <-t.C:
		}
	}
	return call()
}

// resolveProvider finds the best provider for the given tier using the fallback chain.
func (r *Router) resolveProvider(tier Tier) Provider {
	if p, ok := r.providers[tier]; ok {
		return p
	}
	for _, fallback := range []Tier{TierDeep, TierMid, TierFast} {
		if fallback == tier {
			continue
		}
		if p, ok := r.providers[fallback]; ok {
			return p
		}
	}
	return nil
}

// HasToolProvider returns true if the provider serving the given tier supports tools.
func (r *Router) HasToolProvider(tier Tier) bool {
	p := r.resolveProvider(tier)
	if p == nil {
		return false
	}
	_, ok := p.(ToolProvider)
	return ok
}

// ErrNoProvider is returned when no provider is configured for the requested tier.
var ErrNoProvider = &ProviderError{Message: "no provider configured for requested tier"}

// ProviderError represents an LLM provider error.
type ProviderError struct {
	Message    string
	StatusCode int
	Provider   string
}

func (e *ProviderError) Error() string {
	if e.Provider != "" {
		return e.Provider + ": " + e.Message
	}
	return e.Message
}

// Unwrap reports transport failures, rate limits and server errors as
// apperr.ErrUnavailable. Other HTTP statuses are caller errors and unwrap to nil.
func (e *ProviderError) Unwrap() error {
	switch {
	case e.StatusCode == 0,
		e.StatusCode == http.StatusTooManyRequests,
		e.StatusCode == http.StatusRequestTimeout,
		e.StatusCode >= 500:
		return apperr.ErrUnavailable
	}
	return nil
}
