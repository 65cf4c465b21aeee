// Package classifier decides whether the assistant should reply to a chat
// message.
//
// Stage one is a set of compiled rules that never suspends. Stage two asks
// the fast LLM tier, but only for messages that look substantive; any
// failure there means "do not respond".
package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/nous-labs/huddle/internal/llm"
	"github.com/nous-labs/huddle/pkg/store"
)

// Rationale explains a Decision.
type Rationale string

const (
	RuleMatched    Rationale = "rule-matched"
	LLMDecided     Rationale = "llm-decided"
	BelowThreshold Rationale = "below-threshold"
	FailClosed     Rationale = "fail-closed"
	SelfMessage    Rationale = "self-message"
)

// Decision is the classifier's verdict for one message.
type Decision struct {
	Respond   bool      `json:"respond"`
	Rationale Rationale `json:"rationale"`
	// Rule is the matched rule, e.g. "mention:ai".
	Rule string `json:"rule,omitempty"`
	// Reason is the LLM's explanation for llm-decided verdicts.
	Reason string `json:"reason,omitempty"`
}

// Config is the classifier's rule set and thresholds. It is copied at
// construction; later changes to the caller's value have no effect.
type Config struct {
	AssistantName string        `json:"assistant_name"`
	Mentions      []string      `json:"mentions"`
	Questions     []string      `json:"questions"`
	TaskIntents   []string      `json:"task_intents"`
	CommandPrefix string        `json:"command_prefix"`
	MinWords      int           `json:"min_words"` // below this, never ask the LLM
	Window        int           `json:"window"`    // recent messages shown to the LLM
	Timeout       time.Duration `json:"timeout"`
}

// DefaultConfig returns the stock trigger rules.
func DefaultConfig() Config {
	return Config{
		AssistantName: "Huddle",
		Mentions:      []string{"ai", "@ai", "assistant", "bot"},
		Questions:     []string{"can you", "how do i", "what is", "why"},
		TaskIntents:   []string{"create a task", "remind me", "add todo"},
		CommandPrefix: "/",
		MinWords:      4,
		Window:        6,
		Timeout:       5 * time.Second,
	}
}

// Completer is the LLM boundary used for stage two. *llm.Router satisfies it.
type Completer interface {
	Complete(ctx context.Context, tier llm.Tier, req llm.CompletionRequest) (*llm.CompletionResponse, error)
}

type ruleGroup struct {
	kind string
	re   *regexp.Regexp
}

// Classifier implements the two-stage trigger decision. Safe for concurrent use.
type Classifier struct {
	cfg    Config
	groups []ruleGroup
	llm    Completer
}

// New compiles cfg. A nil completer disables stage two.
func New(cfg Config, completer Completer) (*Classifier, error) {
	def := DefaultConfig()
	if cfg.MinWords <= 0 {
		cfg.MinWords = def.MinWords
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.AssistantName == "" {
		cfg.AssistantName = def.AssistantName
	}
	cfg.Mentions = append([]string(nil), cfg.Mentions...)
	cfg.Questions = append([]string(nil), cfg.Questions...)
	cfg.TaskIntents = append([]string(nil), cfg.TaskIntents...)

	c := &Classifier{cfg: cfg, llm: completer}
	for _, g := range []struct {
		kind    string
		phrases []string
	}{
		{"mention", cfg.Mentions},
		{"task", cfg.TaskIntents},
		{"question", cfg.Questions},
	} {
		re, err := compilePhrases(g.phrases)
		if err != nil {
			return nil, fmt.Errorf("compile %s rules: %w", g.kind, err)
		}
		if re != nil {
			c.groups = append(c.groups, ruleGroup{kind: g.kind, re: re})
		}
	}
	return c, nil
}

// Config returns a copy of the classifier's configuration.
func (c *Classifier) Config() Config {
	cfg := c.cfg
	cfg.Mentions = append([]string(nil), c.cfg.Mentions...)
	cfg.Questions = append([]string(nil), c.cfg.Questions...)
	cfg.TaskIntents = append([]string(nil), c.cfg.TaskIntents...)
	return cfg
}

// compilePhrases builds one case-insensitive alternation. A phrase matches
// only as whole words, so "ai" does not fire on "said".
func compilePhrases(phrases []string) (*regexp.Regexp, error) {
	var alts []string
	for _, p := range phrases {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		words := strings.Fields(regexp.QuoteMeta(strings.ToLower(p)))
		alts = append(alts, strings.Join(words, `\s+`))
	}
	if len(alts) == 0 {
		return nil, nil
	}
	const boundaryL = `(?:^|[^\p{L}\p{N}_@])`
	const boundaryR = `(?:$|[^\p{L}\p{N}_])`
	return regexp.Compile(`(?i)` + boundaryL + `(` + strings.Join(alts, "|") + `)` + boundaryR)
}

// MatchRule runs stage one only. It returns the matched rule or "".
func (c *Classifier) MatchRule(content string) string {
	trimmed := strings.TrimSpace(content)
	if c.cfg.CommandPrefix != "" && strings.HasPrefix(trimmed, c.cfg.CommandPrefix) {
		cmd := strings.Fields(trimmed)[0]
		return "command:" + cmd
	}
	for _, g := range c.groups {
		if m := g.re.FindStringSubmatch(trimmed); m != nil {
			return g.kind + ":" + strings.Join(strings.Fields(strings.ToLower(m[1])), " ")
		}
	}
	return ""
}

// ShouldRespond decides whether the assistant replies to msg. recent is the
// room's preceding messages, oldest first; only the last Window are used.
func (c *Classifier) ShouldRespond(ctx context.Context, msg store.Message, recent []store.Message) Decision {
	if msg.FromAssistant() {
		return Decision{Respond: false, Rationale: SelfMessage}
	}

	if rule := c.MatchRule(msg.Content); rule != "" {
		return Decision{Respond: true, Rationale: RuleMatched, Rule: rule}
	}

	if len(strings.Fields(msg.Content)) < c.cfg.MinWords {
		return Decision{Respond: false, Rationale: BelowThreshold}
	}

	if c.llm == nil {
		return Decision{Respond: false, Rationale: FailClosed, Reason: "no llm configured"}
	}

	return c.askLLM(ctx, msg, recent)
}

func (c *Classifier) askLLM(ctx context.Context, msg store.Message, recent []store.Message) Decision {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	start := time.Now()
	resp, err := c.llm.Complete(ctx, llm.TierFast, llm.CompletionRequest{
		System:      c.systemPrompt(),
		Messages:    []llm.Message{{Role: "user", Content: c.transcript(msg, recent)}},
		MaxTokens:   120,
		Temperature: 0,
	})
	if err != nil {
		slog.Warn("classifier llm failed, not responding",
			"room", msg.RoomID,
			"elapsed", time.Since(start).Round(time.Millisecond),
			"error", err,
		)
		return Decision{Respond: false, Rationale: FailClosed, Reason: err.Error()}
	}

	respond, reason, err := parseVerdict(resp.Content)
	if err != nil {
		slog.Warn("classifier verdict unparseable, not responding", "room", msg.RoomID, "error", err)
		return Decision{Respond: false, Rationale: FailClosed, Reason: err.Error()}
	}

	slog.Debug("classifier llm verdict",
		"room", msg.RoomID,
		"respond", respond,
		"reason", reason,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return Decision{Respond: respond, Rationale: LLMDecided, Reason: reason}
}

func (c *Classifier) systemPrompt() string {
	return fmt.Sprintf(`You watch a group chat on behalf of an assistant named %s.
Decide whether %s should reply to the LAST message. Reply only when the
message asks for help, information, a task, a translation or a summary, or
clearly addresses the assistant. Stay silent during human small talk.
Answer with JSON only: {"respond": true|false, "reason": "<short reason>"}`,
		c.cfg.AssistantName, c.cfg.AssistantName)
}

func (c *Classifier) transcript(msg store.Message, recent []store.Message) string {
	if len(recent) > c.cfg.Window {
		recent = recent[len(recent)-c.cfg.Window:]
	}
	var b strings.Builder
	b.WriteString("Recent messages:\n")
	for _, m := range recent {
		if m.ID == msg.ID {
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", m.SenderID, m.Content)
	}
	fmt.Fprintf(&b, "\nLAST message:\n%s: %s\n", msg.SenderID, msg.Content)
	return b.String()
}

// parseVerdict extracts {"respond": bool, "reason": string} from model
// output, tolerating surrounding prose or code fences.
func parseVerdict(s string) (bool, string, error) {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return false, "", fmt.Errorf("no json object in %q", truncate(s, 80))
	}
	var v struct {
		Respond *bool  `json:"respond"`
		Reason  string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(s[start:end+1]), &v); err != nil {
		return false, "", fmt.Errorf("decode verdict: %w", err)
	}
	if v.Respond == nil {
		return false, "", fmt.Errorf("verdict missing respond field")
	}
	return *v.Respond, v.Reason, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
