// Package orchestrator turns a triggering message into an assistant reply:
// it plans tool calls with one LLM call, runs them through the tool
// registry and composes the final text.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nous-labs/huddle/internal/llm"
	"github.com/nous-labs/huddle/internal/roomcontext"
	"github.com/nous-labs/huddle/internal/tools"
	"github.com/nous-labs/huddle/pkg/apperr"
	"github.com/nous-labs/huddle/pkg/store"
)

// State is the terminal state of one orchestration pass.
type State int

const (
	Replied State = iota
	RepliedWithPartialFailure
	Aborted
)

func (s State) String() string {
	switch s {
	case Replied:
		return "replied"
	case RepliedWithPartialFailure:
		return "replied_with_partial_failure"
	case Aborted:
		return "aborted"
	}
	return "unknown"
}

// LLM is the model capability the orchestrator plans and composes with.
type LLM interface {
	Complete(ctx context.Context, tier llm.Tier, req llm.CompletionRequest) (*llm.CompletionResponse, error)
	CompleteWithTools(ctx context.Context, tier llm.Tier, req llm.CompletionRequest, defs []llm.ToolDefinition) (*llm.CompletionResponse, error)
	HasToolProvider(tier llm.Tier) bool
}

// Invoker runs tools. *tools.Registry implements it.
type Invoker interface {
	Invoke(ctx context.Context, name string, inv tools.Invocation) tools.Record
	LLMDefinitions() []llm.ToolDefinition
}

// Config holds orchestration limits.
type Config struct {
	Persona        string
	MaxCalls       int
	PlanTimeout    time.Duration
	ComposeTimeout time.Duration
}

// DefaultConfig returns the production limits.
func DefaultConfig() Config {
	return Config{
		Persona:        "Huddle",
		MaxCalls:       3,
		PlanTimeout:    30 * time.Second,
		ComposeTimeout: 30 * time.Second,
	}
}

// Request is one orchestration input.
type Request struct {
	Message store.Message
	Context *roomcontext.Payload
}

// Reply is the outcome of Respond. Text is empty when State is Aborted.
type Reply struct {
	State   State
	Text    string
	Records []tools.Record
	// Tasks lists tasks created or changed during the pass, in call order.
	Tasks []store.Task
	// Err explains an Aborted pass.
	Err error
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	cfg   Config
	llm   LLM
	tools Invoker
}

// New creates an orchestrator. Zero fields of cfg take defaults.
func New(cfg Config, model LLM, invoker Invoker) *Orchestrator {
	def := DefaultConfig()
	if cfg.Persona == "" {
		cfg.Persona = def.Persona
	}
	if cfg.MaxCalls <= 0 {
		cfg.MaxCalls = def.MaxCalls
	}
	if cfg.PlanTimeout <= 0 {
		cfg.PlanTimeout = def.PlanTimeout
	}
	if cfg.ComposeTimeout <= 0 {
		cfg.ComposeTimeout = def.ComposeTimeout
	}
	return &Orchestrator{cfg: cfg, llm: model, tools: invoker}
}

// Plan is the decoded result of the planning call. No intents and no
// rejected calls is the NoTool variant.
type Plan struct {
	Text     string
	Intents  []Intent
	Rejected []tools.Record
}

// Respond runs plan, execute and compose for one message.
func (o *Orchestrator) Respond(ctx context.Context, req Request) Reply {
	start := time.Now()
	msg := req.Message

	plan, err := o.plan(ctx, req)
	if err != nil {
		slog.Warn("orchestrator plan failed", "room", msg.RoomID, "message", msg.ID, "error", err)
		return Reply{State: Aborted, Err: fmt.Errorf("plan: %w: %w", apperr.ErrAborted, err)}
	}

	kept, dropped := arrange(plan.Intents, o.cfg.MaxCalls)
	for _, in := range dropped {
		slog.Info("planned tool call dropped", "room", msg.RoomID, "tool", in.Tool())
	}

	records := append([]tools.Record(nil), plan.Rejected...)
	slot := slots(kept)
	for i, in := range kept {
		records = append(records, o.tools.Invoke(ctx, in.Tool(), tools.Invocation{
			RoomID:    msg.RoomID,
			MessageID: msg.ID,
			SenderID:  msg.SenderID,
			Slot:      slot[i],
			Args:      in.Args(),
		}))
	}

	reply := o.compose(ctx, req, plan, records)
	reply.Records = records
	reply.Tasks = touchedTasks(records)

	slog.Info("orchestration complete",
		"room", msg.RoomID,
		"message", msg.ID,
		"state", reply.State,
		"tools", len(records),
		"duration", time.Since(start).Round(time.Millisecond),
	)
	return reply
}

func (o *Orchestrator) plan(ctx context.Context, req Request) (*Plan, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.PlanTimeout)
	defer cancel()

	defs := o.tools.LLMDefinitions()
	native := o.llm.HasToolProvider(llm.TierDeep)
	creq := llm.CompletionRequest{
		System:    o.planPrompt(req, defs, native),
		Messages:  []llm.Message{{Role: "user", Content: fmt.Sprintf("%s: %s", req.Message.SenderID, req.Message.Content)}},
		MaxTokens: 1024,
	}

	if native {
		resp, err := o.llm.CompleteWithTools(ctx, llm.TierDeep, creq, defs)
		if err != nil {
			return nil, err
		}
		plan := &Plan{Text: strings.TrimSpace(resp.Content)}
		for _, call := range resp.ToolCalls {
			plan.add(call.Name, call.Input)
		}
		return plan, nil
	}

	resp, err := o.llm.Complete(ctx, llm.TierDeep, creq)
	if err != nil {
		return nil, err
	}
	return parseJSONPlan(resp.Content)
}

func (p *Plan) add(name string, input json.RawMessage) {
	intent, err := decodeIntent(name, input)
	if err != nil {
		p.Rejected = append(p.Rejected, tools.Record{Tool: name, Err: err})
		return
	}
	p.Intents = append(p.Intents, intent)
}

// parseJSONPlan reads {"reply": "...", "actions": [{"tool": "...", "args": {...}}]}.
// Plain prose with no JSON object is taken as a direct reply.
func parseJSONPlan(content string) (*Plan, error) {
	content = strings.TrimSpace(content)
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end < start {
		if content == "" {
			return nil, fmt.Errorf("empty plan")
		}
		return &Plan{Text: content}, nil
	}

	var raw struct {
		Reply   string `json:"reply"`
		Actions []struct {
			Tool string          `json:"tool"`
			Args json.RawMessage `json:"args"`
		} `json:"actions"`
	}
	if err := json.Unmarshal([]byte(content[start:end+1]), &raw); err != nil {
		return nil, fmt.Errorf("decode plan: %w", err)
	}
	plan := &Plan{Text: strings.TrimSpace(raw.Reply)}
	for _, a := range raw.Actions {
		plan.add(a.Tool, a.Args)
	}
	return plan, nil
}

func (o *Orchestrator) planPrompt(req Request, defs []llm.ToolDefinition, native bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, an assistant taking part in a group chat room. Today is %s.\n",
		o.cfg.Persona, time.Now().UTC().Format("2006-01-02"))
	b.WriteString("Decide how to answer the last message. Use tools only when they are needed:\n")
	b.WriteString("- create_task when someone asks for work to be tracked; prefer it over lookups about the same thing\n")
	b.WriteString("- at most one call per intent, and never more than ")
	fmt.Fprintf(&b, "%d calls\n", o.cfg.MaxCalls)
	b.WriteString("- search_documents for questions about files uploaded to the room\n")
	b.WriteString("- if no tool is needed, answer directly and briefly\n\n")
	writeInstructions(&b, req)

	if req.Context != nil {
		b.WriteString(req.Context.Render())
		b.WriteString("\n")
	}

	if !native {
		specs, _ := json.Marshal(defs)
		b.WriteString("\nAvailable tools (JSON schema):\n")
		b.Write(specs)
		b.WriteString("\n\nRespond with JSON only, in this shape:\n")
		b.WriteString(`{"reply": "<direct answer when no tool is needed, else empty>", "actions": [{"tool": "<name>", "args": {...}}]}`)
		b.WriteString("\nUse an empty actions list when no tool is needed.\n")
	}
	return b.String()
}

func (o *Orchestrator) compose(ctx context.Context, req Request, plan *Plan, records []tools.Record) Reply {
	if len(records) == 0 && plan.Text != "" {
		return Reply{State: Replied, Text: plan.Text}
	}

	text, err := o.composeCall(ctx, req, records)
	failed := failedRecords(records)
	usable := len(records) - len(failed)

	if err != nil {
		slog.Warn("orchestrator compose failed", "room", req.Message.RoomID, "usable_results", usable, "error", err)
		if usable == 0 {
			return Reply{State: Aborted, Err: fmt.Errorf("compose: %w: %w", apperr.ErrAborted, err)}
		}
		return Reply{State: RepliedWithPartialFailure, Text: fallbackText(records)}
	}

	text = ensureConfirmations(text, records)
	if len(failed) > 0 {
		return Reply{State: RepliedWithPartialFailure, Text: appendAcknowledgments(text, failed)}
	}
	return Reply{State: Replied, Text: text}
}

func (o *Orchestrator) composeCall(ctx context.Context, req Request, records []tools.Record) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, o.cfg.ComposeTimeout)
	defer cancel()

	var sys strings.Builder
	fmt.Fprintf(&sys, "You are %s, an assistant in a group chat room. Write the reply to the last message.\n", o.cfg.Persona)
	sys.WriteString("Be brief and friendly. Confirm any task you created by its exact title. ")
	sys.WriteString("If a tool failed, say plainly what you could not do. Do not invent tool results.\n\n")
	writeInstructions(&sys, req)
	if req.Context != nil {
		sys.WriteString(req.Context.Render())
	}

	var user strings.Builder
	fmt.Fprintf(&user, "Last message from %s: %s\n", req.Message.SenderID, req.Message.Content)
	if len(records) > 0 {
		user.WriteString("\nTool results:\n")
		for _, r := range records {
			if r.OK() {
				fmt.Fprintf(&user, "- %s succeeded: %s\n", r.Tool, r.Output.Text)
			} else {
				fmt.Fprintf(&user, "- %s FAILED (%s): %v\n", r.Tool, apperr.Kind(r.Err), r.Err)
			}
		}
	}

	resp, err := o.llm.Complete(ctx, llm.TierDeep, llm.CompletionRequest{
		System:    sys.String(),
		Messages:  []llm.Message{{Role: "user", Content: user.String()}},
		MaxTokens: 1024,
	})
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(resp.Content)
	if text == "" {
		return "", errors.New("empty composition")
	}
	return text, nil
}

// writeInstructions adds the room owner's instructions. They take priority
// over the default style but never over the tool rules.
func writeInstructions(b *strings.Builder, req Request) {
	if req.Context == nil || strings.TrimSpace(req.Context.Instructions) == "" {
		return
	}
	b.WriteString("## Priority instructions from the room owner\n")
	b.WriteString(strings.TrimSpace(req.Context.Instructions))
	b.WriteString("\n\n")
}

func failedRecords(records []tools.Record) []tools.Record {
	var failed []tools.Record
	for _, r := range records {
		if !r.OK() {
			failed = append(failed, r)
		}
	}
	return failed
}

// ensureConfirmations appends a confirmation for every created task whose
// title the composed text does not mention.
func ensureConfirmations(text string, records []tools.Record) string {
	lower := strings.ToLower(text)
	var lines []string
	for _, r := range records {
		if !r.OK() || !r.Output.Created || r.Output.Task == nil {
			continue
		}
		if !strings.Contains(lower, strings.ToLower(r.Output.Task.Title)) {
			lines = append(lines, fmt.Sprintf("Created task: %q.", r.Output.Task.Title))
		}
	}
	if len(lines) == 0 {
		return text
	}
	return text + "\n" + strings.Join(lines, "\n")
}

func appendAcknowledgments(text string, failed []tools.Record) string {
	seen := make(map[string]bool)
	var lines []string
	for _, r := range failed {
		name := capability(r.Tool)
		if seen[name] {
			continue
		}
		seen[name] = true
		lines = append(lines, fmt.Sprintf("(I couldn't complete %s: %s.)", name, reason(r.Err)))
	}
	if text == "" {
		return strings.Join(lines, "\n")
	}
	return text + "\n" + strings.Join(lines, "\n")
}

// fallbackText is the deterministic reply used when composition fails but
// some tools produced results.
func fallbackText(records []tools.Record) string {
	var lines []string
	for _, r := range records {
		if r.OK() && r.Output.Text != "" {
			lines = append(lines, r.Output.Text)
		}
	}
	return appendAcknowledgments(strings.Join(lines, "\n"), failedRecords(records))
}

func capability(tool string) string {
	switch tool {
	case "web_search":
		return "the web search"
	case "create_task":
		return "creating the task"
	case "list_tasks":
		return "listing tasks"
	case "update_task":
		return "updating the task"
	case "translate":
		return "the translation"
	case "summarize":
		return "the summary"
	case "rephrase":
		return "the rephrasing"
	case "remember":
		return "saving to the knowledge base"
	case "search_documents":
		return "the document search"
	}
	return "the " + strings.ReplaceAll(tool, "_", " ") + " request"
}

func reason(err error) string {
	switch apperr.Kind(err) {
	case "unavailable":
		return "the service is unavailable right now"
	case "not_found":
		return "it was not found"
	case "validation":
		msg := err.Error()
		if i := strings.LastIndex(msg, ": "); i >= 0 {
			msg = msg[i+2:]
		}
		return msg
	}
	return "an internal error occurred"
}

// touchedTasks returns the tasks created or updated by successful calls,
// first occurrence wins.
func touchedTasks(records []tools.Record) []store.Task {
	seen := make(map[string]bool)
	var out []store.Task
	for _, r := range records {
		if !r.OK() || r.Output.Task == nil || seen[r.Output.Task.ID] {
			continue
		}
		if r.Tool == "create_task" && !r.Output.Created {
			continue
		}
		seen[r.Output.Task.ID] = true
		out = append(out, *r.Output.Task)
	}
	return out
}
