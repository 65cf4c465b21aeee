package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/nous-labs/huddle/internal/llm"
	"github.com/nous-labs/huddle/pkg/apperr"
	"github.com/nous-labs/huddle/pkg/store"
)

const (
	defaultSummarizeN = 20
	maxSummarizeN     = 100
	defaultStyle      = "professional"
)

// Completer is the LLM capability used by the language tools.
type Completer interface {
	Complete(ctx context.Context, tier llm.Tier, req llm.CompletionRequest) (*llm.CompletionResponse, error)
}

// MessageSource reads recent room messages for summaries.
type MessageSource interface {
	Recent(ctx context.Context, roomID string, n int) ([]store.Message, error)
}

// Languages maps supported ISO 639-1 codes to English names.
var Languages = map[string]string{
	"ar": "Arabic", "bg": "Bulgarian", "bn": "Bengali", "cs": "Czech",
	"da": "Danish", "de": "German", "el": "Greek", "en": "English",
	"es": "Spanish", "et": "Estonian", "fa": "Persian", "fi": "Finnish",
	"fr": "French", "he": "Hebrew", "hi": "Hindi", "hr": "Croatian",
	"hu": "Hungarian", "id": "Indonesian", "it": "Italian", "ja": "Japanese",
	"ko": "Korean", "lt": "Lithuanian", "lv": "Latvian", "ms": "Malay",
	"nl": "Dutch", "no": "Norwegian", "pl": "Polish", "pt": "Portuguese",
	"ro": "Romanian", "ru": "Russian", "sk": "Slovak", "sl": "Slovenian",
	"sr": "Serbian", "sv": "Swedish", "sw": "Swahili", "ta": "Tamil",
	"th": "Thai", "tl": "Tagalog", "tr": "Turkish", "uk": "Ukrainian",
	"ur": "Urdu", "vi": "Vietnamese", "zh": "Chinese",
}

type languageTools struct {
	llm      Completer
	messages MessageSource
}

func (l *languageTools) complete(ctx context.Context, system, prompt string) (string, error) {
	resp, err := l.llm.Complete(ctx, llm.TierMid, llm.CompletionRequest{
		System:    system,
		Messages:  []llm.Message{{Role: "user", Content: prompt}},
		MaxTokens: 1024,
	})
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(resp.Content)
	if text == "" {
		return "", fmt.Errorf("empty model response")
	}
	return text, nil
}

func (l *languageTools) translate(ctx context.Context, inv Invocation) (Output, error) {
	text, _ := inv.Args["text"].(string)
	code, _ := inv.Args["target_language"].(string)
	code = strings.ToLower(code)
	name, ok := Languages[code]
	if !ok {
		return Output{}, apperr.Validation("unsupported language code %q", code)
	}
	out, err := l.complete(ctx,
		"You are a translator. Return only the translation, with no preamble, notes or quotes.",
		fmt.Sprintf("Translate the following text to %s:\n\n%s", name, text))
	if err != nil {
		return Output{}, err
	}
	return Output{Text: fmt.Sprintf("Translation (%s): %s", code, out)}, nil
}

func (l *languageTools) rephrase(ctx context.Context, inv Invocation) (Output, error) {
	text, _ := inv.Args["text"].(string)
	if text == "" {
		return Output{}, apperr.Validation("rephrase text is empty")
	}
	style, _ := inv.Args["style"].(string)
	if style == "" {
		style = defaultStyle
	}
	out, err := l.complete(ctx, "",
		fmt.Sprintf("Rephrase the following text to be more %s. Return ONLY the rephrased text without any introductory or concluding remarks, and without any formatting like markdown or quotes:\n\n%s", style, text))
	if err != nil {
		return Output{}, err
	}
	return Output{Text: fmt.Sprintf("Rephrased (%s): %s", style, out)}, nil
}

func (l *languageTools) summarize(ctx context.Context, inv Invocation) (Output, error) {
	n := defaultSummarizeN
	if v, ok := inv.Args["last_n"].(int); ok {
		n = v
	}
	if n <= 0 {
		return Output{}, apperr.Validation("last_n must be positive, got %d", n)
	}
	if n > maxSummarizeN {
		n = maxSummarizeN
	}

	msgs, err := l.messages.Recent(ctx, inv.RoomID, n)
	if err != nil {
		return Output{}, err
	}
	if len(msgs) == 0 {
		return Output{Text: "No messages found to summarize."}, nil
	}

	var b strings.Builder
	for _, m := range msgs {
		b.WriteString(m.SenderID)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	out, err := l.complete(ctx,
		"Summarize chat conversations in a few short bullet points. Mention decisions and owners.",
		"Summarize the following conversation:\n\n"+b.String())
	if err != nil {
		return Output{}, err
	}
	return Output{Text: fmt.Sprintf("Summary of the last %d messages:\n%s", len(msgs), out)}, nil
}

func languageExecutors(l *languageTools) []Executor {
	return []Executor{
		funcExecutor{
			definition: Definition{
				Name:        "translate",
				Description: "Translate text into another language given as an ISO 639-1 code.",
				Effect:      Pure,
				NoRetry:     true,
				Params: []Param{
					{Name: "text", Type: "string", Required: true},
					{Name: "target_language", Type: "string", Required: true, Description: "ISO 639-1 code, e.g. es, de, ja"},
				},
			},
			run: l.translate,
		},
		funcExecutor{
			definition: Definition{
				Name:        "summarize",
				Description: "Summarize the most recent messages of this room.",
				Effect:      ReadOnly,
				NoRetry:     true,
				Params: []Param{
					{Name: "last_n", Type: "integer", Description: "Number of recent messages, default 20, at most 100"},
				},
			},
			run: l.summarize,
		},
		funcExecutor{
			definition: Definition{
				Name:        "rephrase",
				Description: "Rewrite text in a given style such as professional, casual or concise.",
				Effect:      Pure,
				NoRetry:     true,
				Params: []Param{
					{Name: "text", Type: "string", Required: true},
					{Name: "style", Type: "string", Description: "Target style, default professional"},
				},
			},
			run: l.rephrase,
		},
	}
}
