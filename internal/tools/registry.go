// Package tools is the registry of capabilities the assistant may invoke.
// Every tool call goes through Registry.Invoke, which validates arguments,
// bounds execution time, retries unavailable services once and logs the call.
package tools

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/nous-labs/huddle/internal/llm"
	"github.com/nous-labs/huddle/pkg/apperr"
	"github.com/nous-labs/huddle/pkg/store"
)

const (
	// DefaultTimeout bounds a single tool attempt.
	DefaultTimeout = 10 * time.Second
	// DefaultBackoff is the pause before retrying an unavailable tool.
	DefaultBackoff = 500 * time.Millisecond
)

// Effect classifies what a tool touches.
type Effect int

const (
	ReadOnly Effect = iota // reads room state or external services
	Pure                   // depends only on its arguments
	Mutating               // writes room state
)

func (e Effect) String() string {
	switch e {
	case ReadOnly:
		return "read-only"
	case Pure:
		return "pure"
	case Mutating:
		return "mutating"
	}
	return "unknown"
}

// Param is one argument of a tool.
type Param struct {
	Name        string
	Type        string // string, integer or boolean
	Description string
	Enum        []string
	Required    bool
}

// Definition describes a tool to the registry and to the LLM.
type Definition struct {
	Name        string
	Description string
	Params      []Param
	Effect      Effect
	// Timeout overrides the registry timeout for one attempt.
	Timeout time.Duration
	// NoRetry disables the registry retry, for tools whose dependency
	// already retries on its own.
	NoRetry bool
}

// LLM returns the definition in the form providers expect.
func (d Definition) LLM() llm.ToolDefinition {
	props := make(map[string]interface{}, len(d.Params))
	var required []string
	for _, p := range d.Params {
		prop := map[string]interface{}{"type": p.Type}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		props[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	return llm.ToolDefinition{
		Name:        d.Name,
		Description: d.Description,
		InputSchema: props,
		Required:    required,
	}
}

// Validate checks args against the parameter list and returns a cleaned copy:
// strings trimmed, integers converted to int, unknown keys dropped.
func (d Definition) Validate(args map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(d.Params))
	for _, p := range d.Params {
		raw, ok := args[p.Name]
		if !ok || raw == nil {
			if p.Required {
				return nil, apperr.Validation("%s: missing required argument %q", d.Name, p.Name)
			}
			continue
		}
		v, err := coerce(p, raw)
		if err != nil {
			return nil, apperr.Validation("%s: argument %q: %v", d.Name, p.Name, err)
		}
		if s, isStr := v.(string); isStr && s == "" {
			if p.Required {
				return nil, apperr.Validation("%s: argument %q is empty", d.Name, p.Name)
			}
			continue
		}
		out[p.Name] = v
	}
	return out, nil
}

func coerce(p Param, raw any) (any, error) {
	switch p.Type {
	case "integer":
		switch n := raw.(type) {
		case int:
			return n, nil
		case int64:
			return int(n), nil
		case float64:
			if n != math.Trunc(n) {
				return nil, fmt.Errorf("want integer, got %v", n)
			}
			return int(n), nil
		}
		return nil, fmt.Errorf("want integer, got %T", raw)
	case "boolean":
		b, ok := raw.(bool)
		if !ok {
			return nil, fmt.Errorf("want boolean, got %T", raw)
		}
		return b, nil
	default:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("want string, got %T", raw)
		}
		s = strings.TrimSpace(s)
		if len(p.Enum) > 0 && s != "" {
			for _, e := range p.Enum {
				if strings.EqualFold(e, s) {
					return e, nil
				}
			}
			return nil, fmt.Errorf("%q is not one of %s", s, strings.Join(p.Enum, ", "))
		}
		return s, nil
	}
}

// Invocation is one request to run a tool in a room.
type Invocation struct {
	RoomID    string
	MessageID string // triggering message
	SenderID  string // author of the triggering message
	// Slot names the planned call within the triggering message, such as
	// "create_task#0". Mutating tools key their idempotency on it so a
	// re-planned message cannot repeat a mutation under reworded arguments.
	Slot string
	Args map[string]any
}

// Output is what a tool produced.
type Output struct {
	// Text is handed to reply composition.
	Text string
	// Task is set by task tools.
	Task *store.Task
	// Created reports that create_task inserted a new task.
	Created bool
}

// Record is the transient log entry of one tool call.
type Record struct {
	Tool     string
	Args     map[string]any
	Output   Output
	Err      error
	Elapsed  time.Duration
	Attempts int
}

// OK reports whether the call succeeded.
func (r Record) OK() bool { return r.Err == nil }

// Executor runs one tool.
type Executor interface {
	Definition() Definition
	Execute(ctx context.Context, inv Invocation) (Output, error)
}

type funcExecutor struct {
	definition Definition
	run        func(ctx context.Context, inv Invocation) (Output, error)
}

func (e funcExecutor) Definition() Definition { return e.definition }

func (e funcExecutor) Execute(ctx context.Context, inv Invocation) (Output, error) {
	return e.run(ctx, inv)
}

// Registry holds the tool set. It is read-only after construction.
type Registry struct {
	byName  map[string]Executor
	timeout time.Duration
	backoff time.Duration
}

// Option configures a Registry.
type Option func(*Registry)

// WithTimeout sets the default per-attempt timeout.
func WithTimeout(d time.Duration) Option {
	return func(r *Registry) { r.timeout = d }
}

// WithBackoff sets the retry pause. Zero retries immediately.
func WithBackoff(d time.Duration) Option {
	return func(r *Registry) { r.backoff = d }
}

// NewRegistry builds a registry. Duplicate names are an error.
func NewRegistry(executors []Executor, opts ...Option) (*Registry, error) {
	r := &Registry{
		byName:  make(map[string]Executor, len(executors)),
		timeout: DefaultTimeout,
		backoff: DefaultBackoff,
	}
	for _, opt := range opts {
		opt(r)
	}
	for _, ex := range executors {
		name := ex.Definition().Name
		if name == "" {
			return nil, fmt.Errorf("tool with empty name")
		}
		if _, dup := r.byName[name]; dup {
			return nil, fmt.Errorf("duplicate tool %q", name)
		}
		r.byName[name] = ex
	}
	return r, nil
}

// Definition returns the definition of a registered tool.
func (r *Registry) Definition(name string) (Definition, bool) {
	ex, ok := r.byName[name]
	if !ok {
		return Definition{}, false
	}
	return ex.Definition(), true
}

// Names returns the registered tool names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.byName))
	for name := range r.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LLMDefinitions returns every tool in provider form, sorted by name.
func (r *Registry) LLMDefinitions() []llm.ToolDefinition {
	names := r.Names()
	defs := make([]llm.ToolDefinition, 0, len(names))
	for _, name := range names {
		defs = append(defs, r.byName[name].Definition().LLM())
	}
	return defs
}

// Invoke validates and runs a tool. It never panics on tool failure; the
// outcome is in the returned Record.
func (r *Registry) Invoke(ctx context.Context, name string, inv Invocation) Record {
	start := time.Now()
	rec := Record{Tool: name, Args: inv.Args}
	defer func() {
		rec.Elapsed = time.Since(start)
		attrs := []any{
			"tool", name,
			"room", inv.RoomID,
			"duration", rec.Elapsed.Round(time.Millisecond),
			"attempts", rec.Attempts,
			"ok", rec.OK(),
		}
		if rec.Err != nil {
			attrs = append(attrs, "error_kind", apperr.Kind(rec.Err), "error", rec.Err)
		}
		slog.Info("tool call", attrs...)
	}()

	ex, ok := r.byName[name]
	if !ok {
		rec.Err = apperr.Validation("unknown tool %q", name)
		return rec
	}
	def := ex.Definition()

	args, err := def.Validate(inv.Args)
	if err != nil {
		rec.Err = err
		return rec
	}
	inv.Args = args
	rec.Args = args

	timeout := r.timeout
	if def.Timeout > 0 {
		timeout = def.Timeout
	}

	rec.Output, rec.Err = r.attempt(ctx, ex, inv, timeout)
	rec.Attempts = 1
	if rec.Err == nil || def.NoRetry || !errors.Is(rec.Err, apperr.ErrUnavailable) || ctx.Err() != nil {
		return rec
	}

	if r.backoff > 0 {
		t := time.NewTimer(r.backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return rec
		case <-t.C:
		}
	}
	rec.Output, rec.Err = r.attempt(ctx, ex, inv, timeout)
	rec.Attempts = 2
	return rec
}

func (r *Registry) attempt(ctx context.Context, ex Executor, inv Invocation, timeout time.Duration) (Output, error) {
	toolCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := ex.Execute(toolCtx, inv)
	if err != nil && errors.Is(toolCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil &&
		!errors.Is(err, apperr.ErrUnavailable) {
		// A tool that overran its own deadline counts as an unavailable dependency.
		err = apperr.Unavailable(ex.Definition().Name, err)
	}
	return out, err
}
