package apperr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKind(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{Validation("title is empty"), "validation"},
		{fmt.Errorf("create task: %w", Validation("bad")), "validation"},
		{NotFound("task", "t-1"), "not_found"},
		{Forbidden("mallory", "r-1"), "forbidden"},
		{Unavailable("web search", context.DeadlineExceeded), "unavailable"},
		{fmt.Errorf("plan: %w", ErrAborted), "aborted"},
		{errors.New("boom"), "internal"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Kind(tc.err), "%v", tc.err)
	}
}

func TestUnavailableKeepsCause(t *testing.T) {
	err := Unavailable("llm", context.DeadlineExceeded)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "llm")
}
