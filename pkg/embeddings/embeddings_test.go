package embeddings

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/nous-labs/huddle/pkg/apperr"
	"github.com/nous-labs/huddle/pkg/store"
)

// keywordEmbedder maps text onto a tiny fixed vocabulary.
type keywordEmbedder struct {
	mu    sync.Mutex
	calls int
	err   error
}

var vocab = []string{"deploy", "budget", "design", "holiday"}

func (e *keywordEmbedder) vector(text string) []float32 {
	v := make([]float32, len(vocab))
	lower := strings.ToLower(text)
	for i, w := range vocab {
		if strings.Contains(lower, w) {
			v[i] = 1
		}
	}
	v[len(v)-1] += 0.01
	return v
}

func (e *keywordEmbedder) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	return e.vector(text), nil
}

func (e *keywordEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	e.mu.Lock()
	e.calls += len(texts)
	e.mu.Unlock()
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = e.vector(t)
	}
	return out, nil
}

// memIndex returns canned results and records upserts.
type memIndex struct {
	results []SearchResult
	err     error
	vecs    map[int64]Vector
}

func (m *memIndex) Upsert(_ context.Context, vecs []Vector) error {
	if m.vecs == nil {
		m.vecs = make(map[int64]Vector)
	}
	for _, v := range vecs {
		m.vecs[v.EntryID] = v
	}
	return nil
}

func (m *memIndex) Search(context.Context, string, []float32, int) ([]SearchResult, error) {
	return m.results, m.err
}

func (m *memIndex) Delete(_ context.Context, ids []int64) error {
	for _, id := range ids {
		delete(m.vecs, id)
	}
	return nil
}

func (m *memIndex) Embedded(context.Context) (map[int64]string, error) {
	out := make(map[int64]string, len(m.vecs))
	for id, v := range m.vecs {
		out[id] = v.ContentHash
	}
	return out, nil
}

func openStore(t *testing.T) (*store.Store, string) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "huddle.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	room, err := s.CreateRoom(context.Background(), "Ops", "alice")
	require.NoError(t, err)
	return s, room.ID
}

func addKnowledge(t *testing.T, s *store.Store, roomID string, contents ...string) []int64 {
	t.Helper()
	ids := make([]int64, len(contents))
	for i, c := range contents {
		e, _, err := s.AddKnowledge(context.Background(), store.NewKnowledge{RoomID: roomID, Kind: store.KnowledgeNote, Content: c})
		require.NoError(t, err)
		ids[i] = e.ID
	}
	return ids
}

func TestReciprocalRankFusion(t *testing.T) {
	fused := reciprocalRankFusion([][]FusedResult{
		{{EntryID: 1}, {EntryID: 2}, {EntryID: 3}},
		{{EntryID: 3}, {EntryID: 1}},
	}, rrfK)

	require.Len(t, fused, 3)
	assert.Equal(t, int64(1), fused[0].EntryID)
	assert.Equal(t, int64(3), fused[1].EntryID)
	assert.Equal(t, int64(2), fused[2].EntryID)
	assert.InDelta(t, 1.0/61+1.0/62, fused[0].Score, 1e-9)
}

func TestReciprocalRankFusionTiesByID(t *testing.T) {
	fused := reciprocalRankFusion([][]FusedResult{
		{{EntryID: 9}},
		{{EntryID: 4}},
	}, rrfK)

	require.Len(t, fused, 2)
	assert.Equal(t, int64(4), fused[0].EntryID)
	assert.Equal(t, int64(9), fused[1].EntryID)
}

func TestRetrieverKeywordOnlyWithoutIndex(t *testing.T) {
	s, roomID := openStore(t)
	addKnowledge(t, s, roomID, "deploy freeze starts friday", "holiday schedule")

	r := NewRetriever(s, nil, nil)
	got, err := r.Search(context.Background(), roomID, "when is the deploy freeze", 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "deploy freeze starts friday", got[0].Content)
}

func TestRetrieverFusesVectorAndKeyword(t *testing.T) {
	s, roomID := openStore(t)
	ids := addKnowledge(t, s, roomID, "deploy freeze starts friday", "budget review notes", "design system link")

	idx := &memIndex{results: []SearchResult{{EntryID: ids[2]}, {EntryID: ids[0]}}}
	r := NewRetriever(s, idx, &keywordEmbedder{})

	got, err := r.Search(context.Background(), roomID, "deploy", 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	// ids[0] is ranked by both sources.
	assert.Equal(t, ids[0], got[0].ID)
	assert.Equal(t, ids[2], got[1].ID)
}

func TestRetrieverDropsOtherRooms(t *testing.T) {
	s, roomID := openStore(t)
	other, err := s.CreateRoom(context.Background(), "Other", "bob")
	require.NoError(t, err)
	foreign := addKnowledge(t, s, other.ID, "deploy secrets")
	addKnowledge(t, s, roomID, "deploy notes")

	idx := &memIndex{results: []SearchResult{{EntryID: foreign[0]}}}
	got, err := NewRetriever(s, idx, &keywordEmbedder{}).Search(context.Background(), roomID, "deploy", 5)
	require.NoError(t, err)
	for _, e := range got {
		assert.Equal(t, roomID, e.RoomID)
	}
}

func TestRetrieverDegradesOnEmbedFailure(t *testing.T) {
	s, roomID := openStore(t)
	addKnowledge(t, s, roomID, "budget review notes")

	r := NewRetriever(s, &memIndex{}, &keywordEmbedder{err: errors.New("tei down")})
	got, err := r.Search(context.Background(), roomID, "budget", 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestRetrieverDegradesOnVectorFailure(t *testing.T) {
	s, roomID := openStore(t)
	addKnowledge(t, s, roomID, "budget review notes")

	r := NewRetriever(s, &memIndex{err: errors.New("pg down")}, &keywordEmbedder{})
	got, err := r.Search(context.Background(), roomID, "budget", 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestSyncOnceEmbedsNewAndStale(t *testing.T) {
	s, roomID := openStore(t)
	ids := addKnowledge(t, s, roomID, "deploy notes", "budget notes", "design notes")

	idx := &memIndex{}
	emb := &keywordEmbedder{}
	w := NewSyncWorker(s, idx, emb, 0, 2)

	n, err := w.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, roomID, idx.vecs[ids[1]].RoomID)

	n, err = w.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	stale := idx.vecs[ids[0]]
	stale.ContentHash = "old"
	idx.vecs[ids[0]] = stale

	n, err = w.SyncOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 4, emb.calls)
}

func TestSyncOncePrunesDeletedDocuments(t *testing.T) {
	s, roomID := openStore(t)
	ctx := context.Background()
	kept := addKnowledge(t, s, roomID, "deploy notes")
	doc, err := s.AddDocument(ctx, store.NewDocument{
		RoomID:  roomID,
		Title:   "Budget plan",
		Content: strings.Repeat("The budget for the design sprint is fixed. ", 60),
	})
	require.NoError(t, err)

	idx := &memIndex{}
	w := NewSyncWorker(s, idx, &keywordEmbedder{}, 0, 8)
	n, err := w.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1+doc.ChunkCount, n)

	_, err = s.DeleteDocument(ctx, doc.ID)
	require.NoError(t, err)
	n, err = w.SyncOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	require.Len(t, idx.vecs, 1)
	assert.Contains(t, idx.vecs, kept[0])
}

func TestRetrieverSkipsDeletedEntries(t *testing.T) {
	s, roomID := openStore(t)
	ids := addKnowledge(t, s, roomID, "budget review notes", "budget freeze")
	require.NoError(t, s.DeleteKnowledge(context.Background(), ids[0]))

	// The index still ranks the deleted entry until the next sync
	idx := &memIndex{results: []SearchResult{{EntryID: ids[0]}, {EntryID: ids[1]}}}
	got, err := NewRetriever(s, idx, &keywordEmbedder{}).Search(context.Background(), roomID, "budget", 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, ids[1], got[0].ID)
}

func TestTEIClientEmbed(t *testing.T) {
	var got struct {
		Inputs []string `json:"inputs"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/embed", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		out := make([][]float32, len(got.Inputs))
		for i := range out {
			out[i] = []float32{float32(i), 1}
		}
		json.NewEncoder(w).Encode(out)
	}))
	defer srv.Close()

	c := NewTEIClient(srv.URL)
	vecs, err := c.EmbedDocuments(context.Background(), []string{"deploy notes", "budget"})
	require.NoError(t, err)
	require.Len(t, vecs, 2)
	assert.Equal(t, []string{PrefixDocument + "deploy notes", PrefixDocument + "budget"}, got.Inputs)

	q, err := c.EmbedQuery(context.Background(), "when do we deploy")
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 1}, q)
	assert.Equal(t, []string{PrefixQuery + "when do we deploy"}, got.Inputs)
}

func TestTEIClientErrors(t *testing.T) {
	status := http.StatusServiceUnavailable
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model loading", status)
	}))
	defer srv.Close()
	c := NewTEIClient(srv.URL)

	_, err := c.EmbedQuery(context.Background(), "deploy")
	assert.ErrorIs(t, err, apperr.ErrUnavailable)
	assert.ErrorIs(t, c.Health(context.Background()), apperr.ErrUnavailable)

	status = http.StatusRequestEntityTooLarge
	_, err = c.EmbedDocuments(context.Background(), []string{"x", "y"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, apperr.ErrUnavailable)
	assert.Contains(t, err.Error(), "status 413")
}

func TestLocalIndexSearchIsRoomScoped(t *testing.T) {
	idx, err := NewLocalIndex("")
	require.NoError(t, err)
	emb := &keywordEmbedder{}
	ctx := context.Background()

	require.NoError(t, idx.Upsert(ctx, []Vector{
		{EntryID: 1, RoomID: "a", Embedding: emb.vector("deploy"), ContentHash: "h1"},
		{EntryID: 2, RoomID: "a", Embedding: emb.vector("budget"), ContentHash: "h2"},
		{EntryID: 3, RoomID: "b", Embedding: emb.vector("deploy"), ContentHash: "h3"},
	}))

	got, err := idx.Search(ctx, "a", emb.vector("deploy"), 5)
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Equal(t, int64(1), got[0].EntryID)
	for _, r := range got {
		assert.NotEqual(t, int64(3), r.EntryID)
	}

	none, err := idx.Search(ctx, "missing", emb.vector("deploy"), 5)
	require.NoError(t, err)
	assert.Empty(t, none)

	embedded, err := idx.Embedded(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[int64]string{1: "h1", 2: "h2", 3: "h3"}, embedded)

	require.NoError(t, idx.Delete(ctx, []int64{1, 42}))
	got, err = idx.Search(ctx, "a", emb.vector("deploy"), 5)
	require.NoError(t, err)
	for _, r := range got {
		assert.NotEqual(t, int64(1), r.EntryID)
	}
	embedded, err = idx.Embedded(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[int64]string{2: "h2", 3: "h3"}, embedded)
}
