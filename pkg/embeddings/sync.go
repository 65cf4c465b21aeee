package embeddings

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nous-labs/huddle/pkg/store"
)

// RefSource lists knowledge entries for sync.
type RefSource interface {
	KnowledgeRefs(ctx context.Context) ([]store.KnowledgeRef, error)
	KnowledgeByIDs(ctx context.Context, ids []int64) ([]store.KnowledgeEntry, error)
}

// SyncWorker keeps the vector index in sync with the SQLite knowledge table.
// It polls for un-embedded or stale entries and processes them in batches.
type SyncWorker struct {
	kb        RefSource
	index     Index
	embedder  Embedder
	interval  time.Duration
	batchSize int
}

// NewSyncWorker creates a new background sync worker.
func NewSyncWorker(kb RefSource, index Index, embedder Embedder, interval time.Duration, batchSize int) *SyncWorker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 32
	}
	return &SyncWorker{
		kb:        kb,
		index:     index,
		embedder:  embedder,
		interval:  interval,
		batchSize: batchSize,
	}
}

// Run starts the sync loop. Blocks until ctx is cancelled.
func (w *SyncWorker) Run(ctx context.Context) {
	slog.Info("embedding sync worker started",
		"interval", w.interval,
		"batch_size", w.batchSize,
	)

	// Initial sync on startup (backfill)
	if embedded, err := w.SyncOnce(ctx); err != nil {
		slog.Warn("initial embedding sync failed", "error", err)
	} else if embedded > 0 {
		slog.Info("initial embedding sync complete", "embedded", embedded)
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("embedding sync worker stopping")
			return
		case <-ticker.C:
			if embedded, err := w.SyncOnce(ctx); err != nil {
				slog.Warn("embedding sync cycle failed", "error", err)
			} else if embedded > 0 {
				slog.Info("embedding sync cycle", "embedded", embedded)
			}
		}
	}
}

// SyncOnce runs one cycle: vectors of deleted entries are dropped, then
// entries that are missing from the index or whose content hash changed are
// embedded in batches and upserted. It returns the number embedded.
func (w *SyncWorker) SyncOnce(ctx context.Context) (int, error) {
	refs, err := w.kb.KnowledgeRefs(ctx)
	if err != nil {
		return 0, fmt.Errorf("get knowledge refs: %w", err)
	}

	embedded, err := w.index.Embedded(ctx)
	if err != nil {
		return 0, fmt.Errorf("get embedded: %w", err)
	}

	live := make(map[int64]bool, len(refs))
	var toEmbed []store.KnowledgeRef
	for _, ref := range refs {
		live[ref.ID] = true
		existingHash, exists := embedded[ref.ID]
		if !exists || existingHash != ref.ContentHash {
			toEmbed = append(toEmbed, ref)
		}
	}

	var gone []int64
	for id := range embedded {
		if !live[id] {
			gone = append(gone, id)
		}
	}
	if len(gone) > 0 {
		if err := w.index.Delete(ctx, gone); err != nil {
			slog.Warn("prune deleted knowledge vectors failed", "count", len(gone), "error", err)
		} else {
			slog.Info("pruned deleted knowledge vectors", "count", len(gone))
		}
	}

	if len(toEmbed) == 0 {
		return 0, nil
	}

	slog.Info("knowledge entries need embedding",
		"total", len(refs),
		"already_embedded", len(embedded),
		"to_embed", len(toEmbed),
	)

	totalEmbedded := 0
	for i := 0; i < len(toEmbed); i += w.batchSize {
		end := i + w.batchSize
		if end > len(toEmbed) {
			end = len(toEmbed)
		}
		batch := toEmbed[i:end]

		ids := make([]int64, len(batch))
		for j, ref := range batch {
			ids[j] = ref.ID
		}
		entries, err := w.kb.KnowledgeByIDs(ctx, ids)
		if err != nil {
			slog.Warn("fetch batch entries failed", "error", err, "batch_start", i)
			continue
		}
		if len(entries) == 0 {
			continue
		}

		texts := make([]string, len(entries))
		for j, e := range entries {
			texts[j] = e.Content
		}

		vectors, err := w.embedder.EmbedDocuments(ctx, texts)
		if err != nil {
			slog.Warn("embed batch failed", "error", err, "batch_start", i, "batch_size", len(texts))
			continue
		}
		if len(vectors) != len(entries) {
			slog.Warn("embed batch size mismatch", "want", len(entries), "got", len(vectors))
			continue
		}

		vecs := make([]Vector, len(entries))
		for j, e := range entries {
			vecs[j] = Vector{
				EntryID:     e.ID,
				RoomID:      e.RoomID,
				Embedding:   vectors[j],
				ContentHash: store.ContentHash(e.Content),
			}
		}
		if err := w.index.Upsert(ctx, vecs); err != nil {
			slog.Warn("store batch failed", "error", err, "batch_start", i)
			continue
		}

		totalEmbedded += len(vecs)
		slog.Debug("batch embedded",
			"batch", i/w.batchSize+1,
			"count", len(vecs),
			"total_so_far", totalEmbedded,
		)
	}

	return totalEmbedded, nil
}
