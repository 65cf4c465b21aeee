package store

import (
	"context"
	"crypto/md5"
	"database/sql"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/nous-labs/huddle/pkg/apperr"
)

// Knowledge entry kinds. Document entries are chunks written by AddDocument.
const (
	KnowledgeSummary  = "summary"
	KnowledgeDecision = "decision"
	KnowledgeLink     = "link"
	KnowledgeNote     = "note"
	KnowledgeDocument = "document"
)

// KnowledgeEntry is one item of a room's knowledge base.
type KnowledgeEntry struct {
	ID        int64     `json:"id"`
	RoomID    string    `json:"room_id"`
	Kind      string    `json:"kind"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	// DocumentID and Source (the document title) are set on document chunks.
	DocumentID string `json:"document_id,omitempty"`
	Source     string `json:"source,omitempty"`
}

// NewKnowledge holds the fields for AddKnowledge.
type NewKnowledge struct {
	RoomID  string
	Kind    string
	Content string
	// IdempotencyKey, when set, makes the insert at-most-once per key.
	IdempotencyKey string
}

// KnowledgeRef is a lightweight reference for embedding sync.
type KnowledgeRef struct {
	ID          int64
	RoomID      string
	ContentHash string // MD5 of content for staleness detection
}

const (
	knowledgeColumns = `k.id, k.room_id, k.kind, k.content, k.created_at, COALESCE(k.document_id, ''), COALESCE(d.title, '')`
	knowledgeJoin    = `LEFT JOIN documents d ON d.id = k.document_id`
)

// AddKnowledge appends an entry to a room's knowledge base. If an entry
// already holds the same idempotency key, it is returned with created=false.
func (s *Store) AddKnowledge(ctx context.Context, nk NewKnowledge) (entry *KnowledgeEntry, created bool, err error) {
	kind := nk.Kind
	switch kind {
	case KnowledgeSummary, KnowledgeDecision, KnowledgeLink, KnowledgeNote:
	case "":
		kind = KnowledgeNote
	case KnowledgeDocument:
		return nil, false, apperr.Validation("document entries are added by uploading a document")
	default:
		return nil, false, apperr.Validation("unknown knowledge kind %q", kind)
	}
	content := strings.TrimSpace(nk.Content)
	if content == "" {
		return nil, false, apperr.Validation("knowledge content is empty")
	}
	if err := s.roomExists(ctx, nk.RoomID); err != nil {
		return nil, false, err
	}

	var key any
	if nk.IdempotencyKey != "" {
		key = nk.IdempotencyKey
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO knowledge (room_id, kind, content, created_at, idempotency_key) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT DO NOTHING`,
		nk.RoomID, kind, content, s.stamp(), key,
	)
	if err != nil {
		return nil, false, fmt.Errorf("add knowledge: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		existing, err := s.knowledgeBy(ctx, `k.idempotency_key = ?`, nk.IdempotencyKey)
		if err != nil {
			return nil, false, fmt.Errorf("load existing knowledge: %w", err)
		}
		return existing, false, nil
	}
	id, _ := res.LastInsertId()
	entry, err = s.knowledgeBy(ctx, `k.id = ?`, id)
	return entry, true, err
}

func (s *Store) knowledgeBy(ctx context.Context, where string, args ...any) (*KnowledgeEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+knowledgeColumns+` FROM knowledge k `+knowledgeJoin+` WHERE `+where+` LIMIT 1`, args...)
	if err != nil {
		return nil, fmt.Errorf("get knowledge: %w", err)
	}
	entries, err := scanKnowledge(rows)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, apperr.NotFound("knowledge entry", fmt.Sprint(args...))
	}
	return &entries[0], nil
}

// GetKnowledge returns one entry by id.
func (s *Store) GetKnowledge(ctx context.Context, id int64) (*KnowledgeEntry, error) {
	return s.knowledgeBy(ctx, `k.id = ?`, id)
}

// DeleteKnowledge removes a single entry. Document chunks are removed with
// their document instead.
func (s *Store) DeleteKnowledge(ctx context.Context, id int64) error {
	e, err := s.GetKnowledge(ctx, id)
	if err != nil {
		return err
	}
	if e.DocumentID != "" {
		return apperr.Validation("entry %d belongs to document %s; delete the document", id, e.DocumentID)
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM knowledge WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete knowledge: %w", err)
	}
	return nil
}

// ListKnowledge returns the newest entries of a room, leaving out document
// chunks.
func (s *Store) ListKnowledge(ctx context.Context, roomID string, limit int) ([]KnowledgeEntry, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+knowledgeColumns+` FROM knowledge k `+knowledgeJoin+` WHERE k.room_id = ? AND k.document_id IS NULL ORDER BY k.id DESC LIMIT ?`,
		roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("list knowledge: %w", err)
	}
	return scanKnowledge(rows)
}

// SearchKnowledge runs an FTS5 keyword search over a room's entries, best
// match first. Queries with no usable terms return no results.
func (s *Store) SearchKnowledge(ctx context.Context, roomID, query string, limit int) ([]KnowledgeEntry, error) {
	match := ftsQuery(query)
	if match == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+knowledgeColumns+`
		 FROM knowledge_fts JOIN knowledge k ON k.id = knowledge_fts.rowid `+knowledgeJoin+`
		 WHERE knowledge_fts MATCH ? AND k.room_id = ?
		 ORDER BY bm25(knowledge_fts), k.id
		 LIMIT ?`,
		match, roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("search knowledge: %w", err)
	}
	return scanKnowledge(rows)
}

// KnowledgeRefs returns every entry id with a content hash.
func (s *Store) KnowledgeRefs(ctx context.Context) ([]KnowledgeRef, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, room_id, content FROM knowledge ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("get knowledge refs: %w", err)
	}
	defer rows.Close()

	var refs []KnowledgeRef
	for rows.Next() {
		var ref KnowledgeRef
		var content string
		if err := rows.Scan(&ref.ID, &ref.RoomID, &content); err != nil {
			return nil, fmt.Errorf("scan knowledge ref: %w", err)
		}
		ref.ContentHash = ContentHash(content)
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// KnowledgeByIDs fetches entries, returned in the order of ids. Unknown ids
// are skipped.
func (s *Store) KnowledgeByIDs(ctx context.Context, ids []int64) ([]KnowledgeEntry, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+knowledgeColumns+` FROM knowledge k `+knowledgeJoin+` WHERE k.id IN (`+strings.Join(placeholders, ",")+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("knowledge by ids: %w", err)
	}
	found, err := scanKnowledge(rows)
	if err != nil {
		return nil, err
	}

	byID := make(map[int64]KnowledgeEntry, len(found))
	for _, e := range found {
		byID[e.ID] = e
	}
	ordered := make([]KnowledgeEntry, 0, len(found))
	for _, id := range ids {
		if e, ok := byID[id]; ok {
			ordered = append(ordered, e)
		}
	}
	return ordered, nil
}

func scanKnowledge(rows *sql.Rows) ([]KnowledgeEntry, error) {
	defer rows.Close()

	var out []KnowledgeEntry
	for rows.Next() {
		var e KnowledgeEntry
		var createdAt string
		if err := rows.Scan(&e.ID, &e.RoomID, &e.Kind, &e.Content, &createdAt, &e.DocumentID, &e.Source); err != nil {
			return nil, fmt.Errorf("scan knowledge: %w", err)
		}
		e.CreatedAt = parseTime(createdAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ftsQuery turns free text into an OR of quoted terms so user input can
// never be parsed as FTS5 syntax.
func ftsQuery(q string) string {
	seen := make(map[string]bool)
	var terms []string
	for _, f := range strings.FieldsFunc(strings.ToLower(q), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len([]rune(f)) < 3 || seen[f] {
			continue
		}
		seen[f] = true
		terms = append(terms, `"`+f+`"`)
	}
	return strings.Join(terms, " OR ")
}

// ContentHash computes an MD5 hash of content for staleness detection.
func ContentHash(content string) string {
	return fmt.Sprintf("%x", md5.Sum([]byte(content)))
}
