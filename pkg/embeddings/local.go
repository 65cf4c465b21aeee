package embeddings

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	chromem "github.com/philippgille/chromem-go"
)

// LocalIndex is an embedded vector index used when no Postgres is configured.
// Each room gets its own collection; vectors are always supplied precomputed.
type LocalIndex struct {
	mu       sync.RWMutex
	db       *chromem.DB
	embedded map[int64]localEntry
}

type localEntry struct {
	roomID string
	hash   string
}

var errPrecomputed = errors.New("local index expects precomputed embeddings")

// noEmbed is handed to chromem so it never calls out to a default provider.
func noEmbed(context.Context, string) ([]float32, error) {
	return nil, errPrecomputed
}

// NewLocalIndex opens a persistent index under dir, or an in-memory one when
// dir is empty. Hashes are tracked per process, so the first sync after a
// restart re-embeds every entry in place.
func NewLocalIndex(dir string) (*LocalIndex, error) {
	var db *chromem.DB
	if dir == "" {
		db = chromem.NewDB()
	} else {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create vector index dir: %w", err)
		}
		var err error
		db, err = chromem.NewPersistentDB(filepath.Clean(dir), false)
		if err != nil {
			return nil, fmt.Errorf("open vector index: %w", err)
		}
	}
	return &LocalIndex{db: db, embedded: make(map[int64]localEntry)}, nil
}

func collectionName(roomID string) string {
	return "room_" + roomID
}

func (l *LocalIndex) collection(roomID string, create bool) (*chromem.Collection, error) {
	name := collectionName(roomID)
	if col := l.db.GetCollection(name, noEmbed); col != nil || !create {
		return col, nil
	}
	return l.db.CreateCollection(name, nil, noEmbed)
}

// Upsert indexes (or re-indexes) entries.
func (l *LocalIndex) Upsert(ctx context.Context, vecs []Vector) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, v := range vecs {
		col, err := l.collection(v.RoomID, true)
		if err != nil {
			return fmt.Errorf("vector collection for room %s: %w", v.RoomID, err)
		}
		doc := chromem.Document{
			ID:        strconv.FormatInt(v.EntryID, 10),
			Embedding: v.Embedding,
			Metadata:  map[string]string{"hash": v.ContentHash},
		}
		if err := col.AddDocument(ctx, doc); err != nil {
			return fmt.Errorf("index entry %d: %w", v.EntryID, err)
		}
		l.embedded[v.EntryID] = localEntry{roomID: v.RoomID, hash: v.ContentHash}
	}
	return nil
}

// Search returns up to limit entries of the room closest to query.
func (l *LocalIndex) Search(ctx context.Context, roomID string, query []float32, limit int) ([]SearchResult, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	col, err := l.collection(roomID, false)
	if err != nil || col == nil {
		return nil, err
	}
	count := col.Count()
	if count == 0 || limit <= 0 {
		return nil, nil
	}
	if limit > count {
		limit = count
	}

	// chromem can reject nResults close to the document count; step down.
	var results []chromem.Result
	for k := limit; k > 0; k-- {
		results, err = col.QueryEmbedding(ctx, query, k, nil, nil)
		if err == nil {
			break
		}
	}
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}

	out := make([]SearchResult, 0, len(results))
	for _, r := range results {
		id, err := strconv.ParseInt(r.ID, 10, 64)
		if err != nil {
			continue
		}
		out = append(out, SearchResult{EntryID: id, Distance: float64(1 - r.Similarity)})
	}
	return out, nil
}

// Embedded returns the entries indexed by this process with their content hashes.
func (l *LocalIndex) Embedded(context.Context) (map[int64]string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make(map[int64]string, len(l.embedded))
	for id, e := range l.embedded {
		out[id] = e.hash
	}
	return out, nil
}

// Delete removes entries from their room collections. Entries indexed by an
// earlier process are unknown here; the retriever skips them because their
// rows are gone.
func (l *LocalIndex) Delete(ctx context.Context, ids []int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	byRoom := make(map[string][]string)
	for _, id := range ids {
		e, ok := l.embedded[id]
		if !ok {
			continue
		}
		byRoom[e.roomID] = append(byRoom[e.roomID], strconv.FormatInt(id, 10))
	}
	for roomID, docIDs := range byRoom {
		col, err := l.collection(roomID, false)
		if err != nil {
			return fmt.Errorf("vector collection for room %s: %w", roomID, err)
		}
		if col != nil {
			if err := col.Delete(ctx, nil, nil, docIDs...); err != nil {
				return fmt.Errorf("delete from room %s: %w", roomID, err)
			}
		}
		for _, d := range docIDs {
			id, _ := strconv.ParseInt(d, 10, 64)
			delete(l.embedded, id)
		}
	}
	return nil
}
