package llm

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nous-labs/huddle/pkg/apperr"
)

type scriptedProvider struct {
	name  string
	errs  []error
	calls int
}

func (p *scriptedProvider) Name() string { return p.name }

func (p *scriptedProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	p.calls++
	if len(p.errs) >= p.calls && p.errs[p.calls-1] != nil {
		return nil, p.errs[p.calls-1]
	}
	return &CompletionResponse{Content: p.name}, nil
}

func TestRouterFallsBackAcrossTiers(t *testing.T) {
	deep := &scriptedProvider{name: "deep"}
	r := NewRouter(map[Tier]Provider{TierDeep: deep})

	resp, err := r.Complete(context.Background(), TierFast, CompletionRequest{})
	require.NoError(t, err)
	assert.Equal(t, "deep", resp.Content)
	assert.False(t, r.HasToolProvider(TierFast))
}

func TestRouterNoProvider(t *testing.T) {
	r := NewRouter(nil)
	_, err := r.Complete(context.Background(), TierMid, CompletionRequest{})
	assert.ErrorIs(t, err, apperr.ErrUnavailable)
}

func TestRouterRetriesUnavailableOnce(t *testing.T) {
	p := &scriptedProvider{name: "p", errs: []error{
		&ProviderError{Message: "503", StatusCode: http.StatusServiceUnavailable},
	}}
	r := NewRouter(map[Tier]Provider{TierMid: p}).WithBackoff(time.Millisecond)

	resp, err := r.Complete(context.Background(), TierMid, CompletionRequest{})
	require.NoError(t, err)
	assert.Equal(t, "p", resp.Content)
	assert.Equal(t, 2, p.calls)
}

func TestRouterGivesUpAfterSecondFailure(t *testing.T) {
	unavailable := &ProviderError{Message: "down"}
	p := &scriptedProvider{name: "p", errs: []error{unavailable, unavailable, nil}}
	r := NewRouter(map[Tier]Provider{TierMid: p}).WithBackoff(0)

	_, err := r.Complete(context.Background(), TierMid, CompletionRequest{})
	assert.ErrorIs(t, err, apperr.ErrUnavailable)
	assert.Equal(t, 2, p.calls)
}

func TestRouterDoesNotRetryClientErrors(t *testing.T) {
	p := &scriptedProvider{name: "p", errs: []error{
		&ProviderError{Message: "bad request", StatusCode: http.StatusBadRequest},
	}}
	r := NewRouter(map[Tier]Provider{TierMid: p}).WithBackoff(0)

	_, err := r.Complete(context.Background(), TierMid, CompletionRequest{})
	require.Error(t, err)
	assert.False(t, errors.Is(err, apperr.ErrUnavailable))
	assert.Equal(t, 1, p.calls)
}
