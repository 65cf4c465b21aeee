package tools

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/nous-labs/huddle/internal/search"
	"github.com/nous-labs/huddle/pkg/store"
)

const webSearchTimeout = 20 * time.Second

const documentExcerpts = 5

// KnowledgeWriter appends to a room's knowledge base.
type KnowledgeWriter interface {
	AddKnowledge(ctx context.Context, nk store.NewKnowledge) (*store.KnowledgeEntry, bool, error)
}

// DocumentSearcher finds the uploaded document chunks of a room relevant to
// a query, best first.
type DocumentSearcher interface {
	SearchDocuments(ctx context.Context, roomID, query string, limit int) ([]store.KnowledgeEntry, error)
}

// Deps are the capabilities the built-in tools run against. A nil Search
// leaves web_search out of the set, a nil Knowledge leaves out remember and
// a nil Documents leaves out search_documents.
type Deps struct {
	Tasks     TaskStore
	Members   MemberStore
	Messages  MessageSource
	Knowledge KnowledgeWriter
	Documents DocumentSearcher
	LLM       Completer
	Search    search.Searcher
	// Assistant is the persona name accepted as an assignee.
	Assistant string
}

// Builtin returns the executors of the fixed tool set.
func Builtin(d Deps) []Executor {
	executors := taskExecutors(&taskTools{tasks: d.Tasks, members: d.Members, assistant: d.Assistant})
	executors = append(executors, languageExecutors(&languageTools{llm: d.LLM, messages: d.Messages})...)
	if d.Search != nil {
		executors = append(executors, webSearchExecutor(d.Search))
	}
	if d.Knowledge != nil {
		executors = append(executors, rememberExecutor(d.Knowledge))
	}
	if d.Documents != nil {
		executors = append(executors, searchDocumentsExecutor(d.Documents))
	}
	return executors
}

func webSearchExecutor(s search.Searcher) Executor {
	return funcExecutor{
		definition: Definition{
			Name:        "web_search",
			Description: "Search the web for current facts the room is asking about.",
			Effect:      ReadOnly,
			Timeout:     webSearchTimeout,
			Params: []Param{
				{Name: "query", Type: "string", Required: true},
			},
		},
		run: func(ctx context.Context, inv Invocation) (Output, error) {
			query, _ := inv.Args["query"].(string)
			results, err := s.Search(ctx, query)
			if err != nil {
				return Output{}, err
			}
			if len(results) == 0 {
				return Output{Text: fmt.Sprintf("No web results for %q.", query)}, nil
			}
			var b strings.Builder
			fmt.Fprintf(&b, "Web results for %q:\n", query)
			for i, r := range results {
				fmt.Fprintf(&b, "%d. %s", i+1, r.Title)
				if r.URL != "" {
					b.WriteString(" <" + r.URL + ">")
				}
				if r.Snippet != "" {
					b.WriteString("\n   " + truncate(r.Snippet, 400))
				}
				b.WriteString("\n")
			}
			return Output{Text: strings.TrimRight(b.String(), "\n")}, nil
		},
	}
}

func rememberExecutor(kb KnowledgeWriter) Executor {
	return funcExecutor{
		definition: Definition{
			Name:        "remember",
			Description: "Record a decision, link, summary or note in the room knowledge base when someone asks to keep it.",
			Effect:      Mutating,
			Params: []Param{
				{Name: "content", Type: "string", Required: true},
				{Name: "kind", Type: "string", Enum: []string{
					store.KnowledgeNote, store.KnowledgeDecision, store.KnowledgeLink, store.KnowledgeSummary,
				}},
			},
		},
		run: func(ctx context.Context, inv Invocation) (Output, error) {
			content, _ := inv.Args["content"].(string)
			kind, _ := inv.Args["kind"].(string)
			entry, created, err := kb.AddKnowledge(ctx, store.NewKnowledge{
				RoomID:         inv.RoomID,
				Kind:           kind,
				Content:        content,
				IdempotencyKey: IdempotencyKey(inv, content),
			})
			if err != nil {
				return Output{}, err
			}
			verb := "Saved"
			if !created {
				verb = "Already saved"
			}
			return Output{Text: fmt.Sprintf("%s %s to the knowledge base: %s", verb, entry.Kind, truncate(entry.Content, 200))}, nil
		},
	}
}

func searchDocumentsExecutor(docs DocumentSearcher) Executor {
	return funcExecutor{
		definition: Definition{
			Name:        "search_documents",
			Description: "Search the documents uploaded to this room for passages that answer a question about them.",
			Effect:      ReadOnly,
			Params: []Param{
				{Name: "query", Type: "string", Required: true, Description: "What to look for in the documents"},
			},
		},
		run: func(ctx context.Context, inv Invocation) (Output, error) {
			query, _ := inv.Args["query"].(string)
			hits, err := docs.SearchDocuments(ctx, inv.RoomID, query, documentExcerpts)
			if err != nil {
				return Output{}, err
			}
			if len(hits) == 0 {
				return Output{Text: fmt.Sprintf("No uploaded document mentions %q.", query)}, nil
			}
			var b strings.Builder
			fmt.Fprintf(&b, "Document excerpts for %q:\n", query)
			for i, h := range hits {
				fmt.Fprintf(&b, "[%d] %s: %s\n", i+1, h.Source, truncate(h.Content, 600))
			}
			return Output{Text: strings.TrimRight(b.String(), "\n")}, nil
		},
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
