// Package daemon runs huddle: the HTTP and websocket surface, the per-room
// message pipeline, background workers and the Matrix bridge.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nous-labs/huddle/internal/channel/matrix"
	"github.com/nous-labs/huddle/internal/classifier"
	"github.com/nous-labs/huddle/internal/llm"
	"github.com/nous-labs/huddle/internal/orchestrator"
	"github.com/nous-labs/huddle/internal/roomcontext"
	"github.com/nous-labs/huddle/internal/search"
	"github.com/nous-labs/huddle/internal/tools"
	"github.com/nous-labs/huddle/pkg/broadcast"
	"github.com/nous-labs/huddle/pkg/embeddings"
	"github.com/nous-labs/huddle/pkg/reminder"
	"github.com/nous-labs/huddle/pkg/store"
)

// Daemon is the main huddle process.
type Daemon struct {
	config *Config
	store  *store.Store
	model  orchestrator.LLM

	classifier   *classifier.Classifier
	assembler    *roomcontext.Assembler
	registry     *tools.Registry
	orchestrator *orchestrator.Orchestrator
	gateway      *broadcast.Gateway
	queue        *roomQueue
	memory       *semanticMemory
	reminders    *reminder.Worker
	upgrader     websocket.Upgrader

	// Matrix bridge (optional)
	matrix *matrix.Channel
	// bridged maps room id -> channel for rooms fed by a bridge
	bridged sync.Map

	startedAt time.Time
	healthy   atomic.Bool
}

// New creates a daemon over an open store, building LLM providers and the
// search backend from cfg.
func New(st *store.Store, cfg *Config) (*Daemon, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	router, err := newRouter(ctx, cfg)
	if err != nil {
		return nil, err
	}
	searcher, err := newSearcher(ctx, cfg)
	if err != nil {
		return nil, err
	}

	d, err := newDaemon(cfg, st, router, searcher)
	if err != nil {
		return nil, err
	}

	if cfg.Matrix.Enabled {
		d.matrix = matrix.New(matrix.Config{
			Homeserver:   cfg.Matrix.Homeserver,
			UserID:       cfg.Matrix.UserID,
			Password:     cfg.Matrix.Password,
			ServerName:   cfg.Matrix.ServerName,
			AllowedUsers: cfg.Matrix.AllowedUsers,
			DataDir:      cfg.Matrix.DataDir,
		})
	}

	// Semantic retrieval is optional; keyword search serves until it is up.
	// If pgvector is not ready yet (startup race), Run retries in background.
	if cfg.Embeddings.Enabled && cfg.Embeddings.TEIURL != "" {
		if !d.tryInitSemanticMemory() {
			slog.Info("semantic memory will retry in background when pgvector becomes available")
		}
	} else if cfg.Embeddings.Enabled {
		slog.Warn("semantic memory enabled but missing config", "has_tei_url", cfg.Embeddings.TEIURL != "")
	}
	return d, nil
}

// newDaemon wires the pipeline around a model and an optional searcher.
func newDaemon(cfg *Config, st *store.Store, model orchestrator.LLM, searcher search.Searcher) (*Daemon, error) {
	cls, err := classifier.New(cfg.classifierConfig(), model)
	if err != nil {
		return nil, fmt.Errorf("classifier: %w", err)
	}

	memory := &semanticMemory{kb: st}
	registry, err := tools.NewRegistry(tools.Builtin(tools.Deps{
		Tasks:     st,
		Members:   st,
		Messages:  st,
		Knowledge: st,
		Documents: memory,
		LLM:       model,
		Search:    searcher,
		Assistant: cfg.Name,
	}), tools.WithTimeout(durationOr(cfg.Orchestrator.ToolTimeout, 10*time.Second)))
	if err != nil {
		return nil, fmt.Errorf("tool registry: %w", err)
	}

	d := &Daemon{
		config:     cfg,
		store:      st,
		model:      model,
		classifier: cls,
		assembler:  roomcontext.New(st, st, st, st, memory, roomcontext.DefaultLimits()),
		registry:   registry,
		orchestrator: orchestrator.New(orchestrator.Config{
			Persona:        cfg.Name,
			MaxCalls:       cfg.Orchestrator.MaxCalls,
			PlanTimeout:    durationOr(cfg.Orchestrator.PlanTimeout, 0),
			ComposeTimeout: durationOr(cfg.Orchestrator.ComposeTimeout, 0),
		}, model, registry),
		gateway:   broadcast.NewGateway(broadcast.DefaultBuffer),
		queue:     newRoomQueue(defaultMaxPending),
		memory:    memory,
		startedAt: time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Identity is caller-supplied; origin checks belong to the fronting proxy
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	if !cfg.Reminders.Disabled {
		rc := reminder.DefaultConfig()
		rc.Interval = durationOr(cfg.Reminders.Interval, rc.Interval)
		d.reminders = reminder.NewWorker(st, d.postReminder, rc)
	}

	slog.Info("pipeline configured",
		"persona", cfg.Name,
		"tools", registry.Names(),
		"native_tools", model.HasToolProvider(llm.TierDeep),
	)
	return d, nil
}

// newRouter builds one provider per configured tier.
func newRouter(ctx context.Context, cfg *Config) (*llm.Router, error) {
	providers := make(map[llm.Tier]llm.Provider)
	for _, t := range []struct {
		tier llm.Tier
		pc   ProviderConfig
	}{
		{llm.TierDeep, cfg.LLM.Deep},
		{llm.TierMid, cfg.LLM.Mid},
		{llm.TierFast, cfg.LLM.Fast},
	} {
		if t.pc.APIKey == "" {
			continue
		}
		p, err := newProvider(ctx, t.pc)
		if err != nil {
			return nil, fmt.Errorf("llm %s tier: %w", t.tier, err)
		}
		providers[t.tier] = p
		slog.Info("LLM provider configured",
			"tier", t.tier,
			"provider", t.pc.Provider,
			"model", t.pc.Model,
		)
	}
	if len(providers) == 0 {
		slog.Warn("no LLM providers configured; the assistant will stay silent")
	}
	return llm.NewRouter(providers), nil
}

func newProvider(ctx context.Context, pc ProviderConfig) (llm.Provider, error) {
	switch pc.Provider {
	case "", "anthropic":
		if pc.BaseURL != "" {
			return llm.NewAnthropicCompat("anthropic", pc.BaseURL, pc.APIKey, pc.Model), nil
		}
		return llm.NewAnthropic(pc.APIKey, pc.Model), nil
	case "anthropic-compat", "kimi":
		// Kimi and friends expose an Anthropic-format API
		return llm.NewAnthropicCompat(pc.Provider, pc.BaseURL, pc.APIKey, pc.Model), nil
	case "gemini":
		g, err := llm.NewGemini(ctx, pc.APIKey, pc.Model)
		if err != nil {
			return nil, err
		}
		return g, nil
	default:
		return llm.NewOpenAICompat(pc.Provider, pc.BaseURL, pc.APIKey, pc.Model), nil
	}
}

// newSearcher builds the web_search backend, or nil when disabled.
func newSearcher(ctx context.Context, cfg *Config) (search.Searcher, error) {
	sc := cfg.Search
	switch sc.Backend {
	case "searxng":
		slog.Info("web search configured", "backend", "searxng", "url", sc.SearXNGURL)
		return search.NewSearXNG(sc.SearXNGURL, sc.MaxResults), nil
	case "gemini":
		key := sc.APIKey
		for _, pc := range []ProviderConfig{cfg.LLM.Mid, cfg.LLM.Deep, cfg.LLM.Fast} {
			if key == "" && pc.Provider == "gemini" {
				key = pc.APIKey
			}
		}
		if key == "" {
			slog.Warn("gemini web search configured without an API key; web_search disabled")
			return nil, nil
		}
		g, err := llm.NewGemini(ctx, key, sc.Model)
		if err != nil {
			return nil, fmt.Errorf("gemini search: %w", err)
		}
		slog.Info("web search configured", "backend", "gemini", "model", sc.Model)
		return search.NewGrounded(g, sc.MaxResults), nil
	}
	return nil, nil
}

// Run starts the daemon. Blocks until ctx is cancelled or a fatal error.
func (d *Daemon) Run(ctx context.Context) error {
	slog.Info("huddle daemon running",
		"name", d.config.Name,
		"http", d.config.HTTPAddr,
		"matrix", d.matrix != nil,
	)

	ln, err := net.Listen("tcp", d.config.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", d.config.HTTPAddr, err)
	}
	errCh := make(chan error, 2)
	go func() {
		if err := d.serve(ctx, ln); err != nil {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	// Start embedding sync (if semantic memory is available), otherwise keep
	// retrying in background until pgvector comes up.
	if d.memory.ready() {
		d.startEmbeddingSyncWorker(ctx)
	} else if d.config.Embeddings.Enabled && d.config.Embeddings.PostgresURL != "" && d.config.Embeddings.TEIURL != "" {
		go d.retrySemanticMemory(ctx)
	}

	if d.reminders != nil {
		go d.reminders.Run(ctx)
	} else {
		slog.Info("reminder worker disabled by config")
	}

	if d.matrix != nil {
		go func() {
			slog.Info("starting matrix channel")
			if err := d.matrix.Start(ctx, d.onChannelMessage(d.matrix)); err != nil {
				errCh <- fmt.Errorf("matrix channel: %w", err)
			}
		}()
	}

	d.healthy.Store(true)

	select {
	case <-ctx.Done():
		slog.Info("context cancelled, shutting down")
	case err := <-errCh:
		if ctx.Err() == nil {
			d.shutdown()
			return err
		}
	}
	d.shutdown()
	return nil
}

func (d *Daemon) shutdown() {
	d.healthy.Store(false)
	if d.matrix != nil {
		d.matrix.Stop()
	}
	// Finish in-flight room jobs before closing connections
	d.queue.Close()
	d.gateway.Close()
	d.memory.close()
	slog.Info("huddle daemon stopped")
}

// serve runs the HTTP API until ctx is cancelled.
func (d *Daemon) serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           d.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	slog.Info("API listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// semanticMemory holds the optional vector index behind knowledge retrieval.
// The index may come up after startup, so readers take a snapshot per call.
type semanticMemory struct {
	kb *store.Store

	mu       sync.RWMutex
	index    embeddings.Index
	embedder embeddings.Embedder
	pg       *embeddings.Store
}

// Search implements roomcontext.KnowledgeSource with hybrid retrieval when
// the index is up and keyword search otherwise.
func (m *semanticMemory) Search(ctx context.Context, roomID, query string, limit int) ([]store.KnowledgeEntry, error) {
	m.mu.RLock()
	index, embedder := m.index, m.embedder
	m.mu.RUnlock()
	return embeddings.NewRetriever(m.kb, index, embedder).Search(ctx, roomID, query, limit)
}

// SearchDocuments is Search restricted to document chunks. It over-fetches
// because notes and decisions compete for the same ranks.
func (m *semanticMemory) SearchDocuments(ctx context.Context, roomID, query string, limit int) ([]store.KnowledgeEntry, error) {
	if limit <= 0 {
		limit = 5
	}
	hits, err := m.Search(ctx, roomID, query, limit*4)
	if err != nil {
		return nil, err
	}
	var out []store.KnowledgeEntry
	for _, e := range hits {
		if e.Kind != store.KnowledgeDocument {
			continue
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *semanticMemory) set(index embeddings.Index, embedder embeddings.Embedder, pg *embeddings.Store) {
	m.mu.Lock()
	m.index, m.embedder, m.pg = index, embedder, pg
	m.mu.Unlock()
}

func (m *semanticMemory) ready() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.index != nil && m.embedder != nil
}

func (m *semanticMemory) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pg != nil {
		m.pg.Close()
		m.pg = nil
	}
}

// tryInitSemanticMemory connects the vector index: pgvector when a Postgres
// URL is configured, otherwise the embedded chromem index. Returns false if
// pgvector is unreachable (caller should retry later).
func (d *Daemon) tryInitSemanticMemory() bool {
	ec := d.config.Embeddings
	tei := embeddings.NewTEIClient(ec.TEIURL)
	hctx, hcancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := tei.Health(hctx); err != nil {
		// Not fatal: retrieval degrades to keyword search per query
		slog.Warn("embeddings server not answering yet", "tei", ec.TEIURL, "error", err)
	}
	hcancel()

	if ec.PostgresURL == "" {
		local, err := embeddings.NewLocalIndex(ec.LocalDir)
		if err != nil {
			slog.Warn("semantic memory unavailable, local index failed", "dir", ec.LocalDir, "error", err)
			return false
		}
		d.memory.set(local, tei, nil)
		slog.Info("semantic memory initialized", "index", "local", "dir", ec.LocalDir, "tei", ec.TEIURL)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pg, err := embeddings.NewStore(ctx, ec.PostgresURL, ec.Dimensions)
	if err != nil {
		slog.Warn("semantic memory unavailable, pgvector connection failed", "error", err)
		return false
	}
	if err := pg.Init(ctx); err != nil {
		slog.Warn("semantic memory unavailable, schema init failed", "error", err)
		pg.Close()
		return false
	}

	d.memory.set(pg, tei, pg)
	slog.Info("semantic memory initialized", "index", "pgvector", "tei", ec.TEIURL)
	return true
}

// retrySemanticMemory reconnects pgvector every 30s for up to 10 minutes.
func (d *Daemon) retrySemanticMemory(ctx context.Context) {
	const maxRetries = 20
	const retryInterval = 30 * time.Second

	for attempt := 1; attempt <= maxRetries; attempt++ {
		select {
		case <-ctx.Done():
			slog.Info("semantic memory retry cancelled")
			return
		case <-time.After(retryInterval):
		}

		slog.Info("retrying semantic memory connection", "attempt", attempt, "max", maxRetries)
		if d.tryInitSemanticMemory() {
			slog.Info("semantic memory reconnected, starting embedding sync")
			d.startEmbeddingSyncWorker(ctx)
			return
		}
	}
	slog.Error("semantic memory permanently unavailable after retries", "attempts", maxRetries)
}

// startEmbeddingSyncWorker starts the background embedding sync goroutine.
func (d *Daemon) startEmbeddingSyncWorker(ctx context.Context) {
	d.memory.mu.RLock()
	index, embedder := d.memory.index, d.memory.embedder
	d.memory.mu.RUnlock()
	if index == nil || embedder == nil {
		return
	}

	interval := durationOr(d.config.Embeddings.SyncInterval, 30*time.Second)
	worker := embeddings.NewSyncWorker(d.store, index, embedder, interval, d.config.Embeddings.BatchSize)
	go worker.Run(ctx)
}
