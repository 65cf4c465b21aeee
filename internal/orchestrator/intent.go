package orchestrator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nous-labs/huddle/internal/tools"
	"github.com/nous-labs/huddle/pkg/apperr"
)

// Intent is one planned tool call, decoded into the typed arguments of a
// known tool. The set of implementations is closed.
type Intent interface {
	Tool() string
	Args() map[string]any
}

type CreateTask struct {
	Title    string `json:"title"`
	Assignee string `json:"assignee,omitempty"`
	DueDate  string `json:"due_date,omitempty"`
}

type ListTasks struct {
	Status string `json:"status,omitempty"`
}

type UpdateTask struct {
	TaskID   string `json:"task_id,omitempty"`
	Title    string `json:"title,omitempty"`
	Status   string `json:"status,omitempty"`
	Assignee string `json:"assignee,omitempty"`
	DueDate  string `json:"due_date,omitempty"`
}

type Translate struct {
	Text           string `json:"text"`
	TargetLanguage string `json:"target_language"`
}

type WebSearch struct {
	Query string `json:"query"`
}

type Summarize struct {
	LastN *int `json:"last_n,omitempty"`
}

type Rephrase struct {
	Text  string `json:"text"`
	Style string `json:"style,omitempty"`
}

type Remember struct {
	Content string `json:"content"`
	Kind    string `json:"kind,omitempty"`
}

type SearchDocuments struct {
	Query string `json:"query"`
}

func (CreateTask) Tool() string { return "create_task" }
func (ListTasks) Tool() string  { return "list_tasks" }
func (UpdateTask) Tool() string { return "update_task" }
func (Translate) Tool() string  { return "translate" }
func (WebSearch) Tool() string  { return "web_search" }
func (Summarize) Tool() string  { return "summarize" }
func (Rephrase) Tool() string   { return "rephrase" }
func (Remember) Tool() string   { return "remember" }

func (SearchDocuments) Tool() string { return "search_documents" }

func (i CreateTask) Args() map[string]any {
	return compact(map[string]any{"title": i.Title, "assignee": i.Assignee, "due_date": i.DueDate})
}

func (i ListTasks) Args() map[string]any {
	return compact(map[string]any{"status": i.Status})
}

func (i UpdateTask) Args() map[string]any {
	return compact(map[string]any{
		"task_id": i.TaskID, "title": i.Title, "status": i.Status, "assignee": i.Assignee, "due_date": i.DueDate,
	})
}

func (i Translate) Args() map[string]any {
	return compact(map[string]any{"text": i.Text, "target_language": i.TargetLanguage})
}

func (i WebSearch) Args() map[string]any {
	return compact(map[string]any{"query": i.Query})
}

func (i Summarize) Args() map[string]any {
	if i.LastN == nil {
		return map[string]any{}
	}
	return map[string]any{"last_n": *i.LastN}
}

func (i Rephrase) Args() map[string]any {
	return compact(map[string]any{"text": i.Text, "style": i.Style})
}

func (i Remember) Args() map[string]any {
	return compact(map[string]any{"content": i.Content, "kind": i.Kind})
}

func (i SearchDocuments) Args() map[string]any {
	return compact(map[string]any{"query": i.Query})
}

// compact drops empty strings so optional arguments stay absent.
func compact(m map[string]any) map[string]any {
	for k, v := range m {
		if s, ok := v.(string); ok && strings.TrimSpace(s) == "" {
			delete(m, k)
		}
	}
	return m
}

// decodeIntent maps a raw tool call onto its typed intent.
func decodeIntent(name string, input json.RawMessage) (Intent, error) {
	var intent Intent
	switch name {
	case "create_task":
		intent = &CreateTask{}
	case "list_tasks":
		intent = &ListTasks{}
	case "update_task":
		intent = &UpdateTask{}
	case "translate":
		intent = &Translate{}
	case "web_search":
		intent = &WebSearch{}
	case "summarize":
		intent = &Summarize{}
	case "rephrase":
		intent = &Rephrase{}
	case "remember":
		intent = &Remember{}
	case "search_documents":
		intent = &SearchDocuments{}
	default:
		return nil, apperr.Validation("unknown tool %q", name)
	}

	input = bytes.TrimSpace(input)
	if len(input) > 0 && !bytes.Equal(input, []byte("null")) {
		if err := json.Unmarshal(input, intent); err != nil {
			return nil, apperr.Validation("%s: bad arguments: %v", name, err)
		}
	}

	switch v := intent.(type) {
	case *CreateTask:
		return *v, nil
	case *ListTasks:
		return *v, nil
	case *UpdateTask:
		return *v, nil
	case *Translate:
		return *v, nil
	case *WebSearch:
		return *v, nil
	case *Summarize:
		return *v, nil
	case *Rephrase:
		return *v, nil
	case *Remember:
		return *v, nil
	case *SearchDocuments:
		return *v, nil
	}
	return intent, nil
}

// arrange applies the plan policy: a mutating intent repeating an earlier
// one (same tool, same normalized target) collapses to the first, task
// creation runs before everything else, web searches about a task being
// created are dropped, and at most maxCalls intents survive. Dropped intents
// are returned for logging.
func arrange(intents []Intent, maxCalls int) (kept, dropped []Intent) {
	var creates, rest []Intent
	titles := make(map[string]bool)
	seen := make(map[string]bool)
	for _, in := range intents {
		if key, ok := mutationKey(in); ok {
			if seen[key] {
				dropped = append(dropped, in)
				continue
			}
			seen[key] = true
		}
		if c, ok := in.(CreateTask); ok {
			titles[tools.NormalizeTitle(c.Title)] = true
			creates = append(creates, in)
			continue
		}
		rest = append(rest, in)
	}

	kept = append(kept, creates...)
	for _, in := range rest {
		if ws, ok := in.(WebSearch); ok && overlapsAny(ws.Query, titles) {
			dropped = append(dropped, in)
			continue
		}
		kept = append(kept, in)
	}

	if maxCalls > 0 && len(kept) > maxCalls {
		dropped = append(dropped, kept[maxCalls:]...)
		kept = kept[:maxCalls]
	}
	return kept, dropped
}

// mutationKey identifies what a mutating intent changes. Read-only and pure
// intents have no key and are never collapsed.
func mutationKey(in Intent) (string, bool) {
	switch v := in.(type) {
	case CreateTask:
		return "create_task/" + tools.NormalizeTitle(v.Title), true
	case Remember:
		return "remember/" + tools.NormalizeTitle(v.Content), true
	case UpdateTask:
		target := v.TaskID
		if target == "" {
			target = tools.NormalizeTitle(v.Title)
		}
		return fmt.Sprintf("update_task/%s/%s/%s/%s", target, strings.ToLower(v.Status), strings.ToLower(v.Assignee), v.DueDate), true
	}
	return "", false
}

// slots numbers each tool's calls in plan order, e.g. "create_task#0".
func slots(intents []Intent) []string {
	seen := make(map[string]int)
	out := make([]string, len(intents))
	for i, in := range intents {
		out[i] = fmt.Sprintf("%s#%d", in.Tool(), seen[in.Tool()])
		seen[in.Tool()]++
	}
	return out
}

// overlapsAny reports whether subject and one of the normalized titles
// contain each other.
func overlapsAny(subject string, titles map[string]bool) bool {
	s := tools.NormalizeTitle(subject)
	if s == "" {
		return false
	}
	for t := range titles {
		if t != "" && (strings.Contains(t, s) || strings.Contains(s, t)) {
			return true
		}
	}
	return false
}
