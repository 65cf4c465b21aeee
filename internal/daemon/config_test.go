package daemon

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "huddle.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("HUDDLE_DATA_DIR", "/srv/huddle")
	t.Setenv("HUDDLE_NAME", "")
	t.Setenv("HUDDLE_DB_PATH", "")

	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "Huddle", cfg.Name)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "/srv/huddle/huddle.db", cfg.DatabasePath())
	assert.Equal(t, "/srv/huddle/vectors", cfg.Embeddings.LocalDir)
	assert.Equal(t, "anthropic", cfg.LLM.Deep.Provider)
}

func TestLoadConfigFileOverridesAndResolvesEnv(t *testing.T) {
	t.Setenv("TEST_DEEP_KEY", "sk-deep")
	t.Setenv("HUDDLE_REMINDER_INTERVAL", "")
	path := writeConfig(t, `{
		"name": "Scout",
		"db_path": "/tmp/scout.db",
		"llm": {
			"deep": {"provider": "kimi", "model": "kimi-k2", "api_key": "$TEST_DEEP_KEY", "base_url": "https://api.moonshot.ai/anthropic"}
		},
		"search": {"backend": "searxng", "searxng_url": "http://searxng:8080"},
		"orchestrator": {"max_calls": 2, "tool_timeout": "4s"}
	}`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "Scout", cfg.Name)
	assert.Equal(t, "/tmp/scout.db", cfg.DatabasePath())
	assert.Equal(t, "sk-deep", cfg.LLM.Deep.APIKey)
	assert.Equal(t, "kimi", cfg.LLM.Deep.Provider)
	assert.Equal(t, 2, cfg.Orchestrator.MaxCalls)
	// Unset sections keep their defaults
	assert.Equal(t, "gemini", cfg.LLM.Mid.Provider)
	assert.Equal(t, "1m", cfg.Reminders.Interval)
}

func TestLoadConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"unknown provider", `{"llm": {"deep": {"provider": "acme"}}}`, "unknown provider"},
		{"compat without base url", `{"llm": {"mid": {"provider": "anthropic-compat", "api_key": "k"}}}`, "needs base_url"},
		{"searxng without url", `{"search": {"backend": "searxng"}}`, "needs searxng_url"},
		{"unknown search backend", `{"search": {"backend": "bing"}}`, "unknown backend"},
		{"bad duration", `{"orchestrator": {"plan_timeout": "soon"}}`, "orchestrator.plan_timeout"},
		{"bad json", `{"name": `, "parse config"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tt.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestClassifierConfigAddsPersona(t *testing.T) {
	cfg := defaultConfig()
	cfg.Name = "Scout"
	cfg.Classifier.MinWords = 6
	cfg.Classifier.Timeout = "2s"

	cc := cfg.classifierConfig()
	assert.Equal(t, "Scout", cc.AssistantName)
	assert.Contains(t, cc.Mentions, "Scout")
	assert.Contains(t, cc.Mentions, "ai")
	assert.Equal(t, 6, cc.MinWords)
	assert.Equal(t, 2*time.Second, cc.Timeout)

	cfg.Classifier.Mentions = []string{"scout bot"}
	assert.Equal(t, []string{"scout bot"}, cfg.classifierConfig().Mentions)
}

func TestDurationOr(t *testing.T) {
	assert.Equal(t, 3*time.Second, durationOr("3s", time.Minute))
	assert.Equal(t, time.Minute, durationOr("", time.Minute))
	assert.Equal(t, time.Minute, durationOr("-1s", time.Minute))
	assert.Equal(t, time.Minute, durationOr("nope", time.Minute))
}

func TestSplitList(t *testing.T) {
	assert.Equal(t, []string{"@a:x", "@b:x"}, splitList(" @a:x, ,@b:x "))
	assert.Nil(t, splitList(""))
}

func TestNewProviderSelection(t *testing.T) {
	p, err := newProvider(t.Context(), ProviderConfig{Provider: "openai", Model: "gpt-4o-mini", APIKey: "k", BaseURL: "http://localhost"})
	require.NoError(t, err)
	assert.NotNil(t, p)

	p, err = newProvider(t.Context(), ProviderConfig{Provider: "anthropic", Model: "claude-sonnet-4-5", APIKey: "k"})
	require.NoError(t, err)
	assert.NotNil(t, p)
}
