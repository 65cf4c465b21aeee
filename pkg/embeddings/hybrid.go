package embeddings

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/nous-labs/huddle/pkg/store"
)

const (
	// rrfK is the smoothing constant for Reciprocal Rank Fusion.
	// Standard value from Cormack et al. (2009).
	rrfK = 60
	// overFetchMultiplier fetches more results from each source for better fusion.
	overFetchMultiplier = 3
)

// KnowledgeStore is the keyword side of hybrid retrieval.
type KnowledgeStore interface {
	SearchKnowledge(ctx context.Context, roomID, query string, limit int) ([]store.KnowledgeEntry, error)
	KnowledgeByIDs(ctx context.Context, ids []int64) ([]store.KnowledgeEntry, error)
}

// FusedResult holds a hybrid search result with combined RRF score.
type FusedResult struct {
	EntryID int64
	Score   float64 // RRF score (higher = more relevant)
}

// Retriever combines vector similarity with FTS5 keyword search using
// Reciprocal Rank Fusion (RRF, k=60).
//
// Flow:
//  1. Embed query via the embedder
//  2. Vector search in the index (parallel)
//  3. Keyword search in SQLite FTS5 (parallel)
//  4. Fuse results with RRF
//  5. Fetch full entries from SQLite, ordered by RRF score
//
// Degrades gracefully: with no index, or when embedding or vector search
// fails, it returns keyword-only results.
type Retriever struct {
	kb       KnowledgeStore
	index    Index
	embedder Embedder
}

// NewRetriever creates a retriever. index and embedder may be nil.
func NewRetriever(kb KnowledgeStore, index Index, embedder Embedder) *Retriever {
	return &Retriever{kb: kb, index: index, embedder: embedder}
}

// Search returns up to limit knowledge entries of roomID relevant to query.
func (r *Retriever) Search(ctx context.Context, roomID, query string, limit int) ([]store.KnowledgeEntry, error) {
	if limit <= 0 {
		return nil, nil
	}
	if r.index == nil || r.embedder == nil {
		return r.kb.SearchKnowledge(ctx, roomID, query, limit)
	}

	queryEmbedding, err := r.embedder.EmbedQuery(ctx, query)
	if err != nil {
		slog.Warn("semantic embed failed, falling back to keyword-only", "room", roomID, "error", err)
		return r.kb.SearchKnowledge(ctx, roomID, query, limit)
	}

	fetchLimit := limit * overFetchMultiplier

	var vectorResults []SearchResult
	var keywordResults []store.KnowledgeEntry
	var vectorErr, keywordErr error
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		vectorResults, vectorErr = r.index.Search(ctx, roomID, queryEmbedding, fetchLimit)
	}()

	go func() {
		defer wg.Done()
		keywordResults, keywordErr = r.kb.SearchKnowledge(ctx, roomID, query, fetchLimit)
	}()

	wg.Wait()

	if vectorErr != nil && keywordErr != nil {
		return nil, keywordErr
	}

	if vectorErr != nil {
		slog.Warn("vector search failed, using keyword-only", "room", roomID, "error", vectorErr)
		if len(keywordResults) > limit {
			keywordResults = keywordResults[:limit]
		}
		return keywordResults, nil
	}

	if keywordErr != nil {
		slog.Warn("keyword search failed, using vector-only", "room", roomID, "error", keywordErr)
	}

	vectorRanked := make([]FusedResult, len(vectorResults))
	for i, res := range vectorResults {
		vectorRanked[i] = FusedResult{EntryID: res.EntryID}
	}

	keywordRanked := make([]FusedResult, len(keywordResults))
	for i, e := range keywordResults {
		keywordRanked[i] = FusedResult{EntryID: e.ID}
	}

	fused := reciprocalRankFusion([][]FusedResult{vectorRanked, keywordRanked}, rrfK)

	ids := make([]int64, len(fused))
	for i, res := range fused {
		ids[i] = res.EntryID
	}
	entries, err := r.kb.KnowledgeByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := make([]store.KnowledgeEntry, 0, limit)
	for _, e := range entries {
		if e.RoomID != roomID {
			continue
		}
		out = append(out, e)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// reciprocalRankFusion merges multiple ranked lists using RRF.
// Formula: RRF_score(d) = Σ 1/(k + rank_i(d)). Equal scores order by id.
func reciprocalRankFusion(lists [][]FusedResult, k int) []FusedResult {
	scores := make(map[int64]float64)

	for _, list := range lists {
		for rank, result := range list {
			// rank is 0-indexed, RRF uses 1-indexed
			scores[result.EntryID] += 1.0 / (float64(k) + float64(rank+1))
		}
	}

	fused := make([]FusedResult, 0, len(scores))
	for id, score := range scores {
		fused = append(fused, FusedResult{EntryID: id, Score: score})
	}

	sort.Slice(fused, func(i, j int) bool {
		if fused[i].Score != fused[j].Score {
			return fused[i].Score > fused[j].Score
		}
		return fused[i].EntryID < fused[j].EntryID
	})

	return fused
}
