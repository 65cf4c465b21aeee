package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/nous-labs/huddle/pkg/apperr"
)

// Document chunking and size limits.
const (
	ChunkSize        = 1000 // characters per chunk
	ChunkOverlap     = 200  // characters repeated at the start of the next chunk
	MaxDocumentBytes = 2 << 20
	MaxDocumentTitle = 200

	// breakWindow is how far back from a chunk's end a natural break is sought.
	breakWindow = 100
)

// Document is an uploaded text stored as knowledge chunks of kind document.
type Document struct {
	ID         string    `json:"id"`
	RoomID     string    `json:"room_id"`
	Title      string    `json:"title"`
	Size       int       `json:"size"`
	ChunkCount int       `json:"chunk_count"`
	UploadedBy string    `json:"uploaded_by"`
	CreatedAt  time.Time `json:"created_at"`
}

// NewDocument holds the fields for AddDocument.
type NewDocument struct {
	RoomID     string
	Title      string
	Content    string
	UploadedBy string
}

const documentColumns = `id, room_id, title, size, chunk_count, uploaded_by, created_at`

// AddDocument splits content into overlapping chunks and stores the document
// and its chunks in one transaction.
func (s *Store) AddDocument(ctx context.Context, nd NewDocument) (*Document, error) {
	title := strings.TrimSpace(nd.Title)
	if title == "" {
		return nil, apperr.Validation("document title is required")
	}
	if len([]rune(title)) > MaxDocumentTitle {
		return nil, apperr.Validation("document title longer than %d characters", MaxDocumentTitle)
	}
	if len(nd.Content) > MaxDocumentBytes {
		return nil, apperr.Validation("document larger than %d bytes", MaxDocumentBytes)
	}
	chunks := ChunkText(nd.Content, ChunkSize, ChunkOverlap)
	if len(chunks) == 0 {
		return nil, apperr.Validation("document is empty")
	}
	if err := s.roomExists(ctx, nd.RoomID); err != nil {
		return nil, err
	}

	now := s.now()
	doc := &Document{
		ID:         uuid.NewString(),
		RoomID:     nd.RoomID,
		Title:      title,
		Size:       len(nd.Content),
		ChunkCount: len(chunks),
		UploadedBy: nd.UploadedBy,
		CreatedAt:  now,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin add document: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO documents (`+documentColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.RoomID, doc.Title, doc.Size, doc.ChunkCount, doc.UploadedBy, formatTime(now),
	); err != nil {
		return nil, fmt.Errorf("insert document: %w", err)
	}
	for i, chunk := range chunks {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO knowledge (room_id, kind, content, created_at, document_id) VALUES (?, ?, ?, ?, ?)`,
			doc.RoomID, KnowledgeDocument, chunk, formatTime(now), doc.ID,
		); err != nil {
			return nil, fmt.Errorf("insert chunk %d: %w", i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit add document: %w", err)
	}
	return doc, nil
}

// GetDocument returns a document by id.
func (s *Store) GetDocument(ctx context.Context, id string) (*Document, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = ?`, id)
	d, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return nil, apperr.NotFound("document", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	return d, nil
}

// ListDocuments returns a room's documents, newest first.
func (s *Store) ListDocuments(ctx context.Context, roomID string) ([]Document, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE room_id = ? ORDER BY created_at DESC, id`, roomID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, *d)
	}
	return docs, rows.Err()
}

// DeleteDocument removes a document and its chunks and returns what was
// deleted. The FTS index follows through the delete trigger; vector indexes
// drop the chunks on their next sync.
func (s *Store) DeleteDocument(ctx context.Context, id string) (*Document, error) {
	doc, err := s.GetDocument(ctx, id)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin delete document: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM knowledge WHERE document_id = ?`, id); err != nil {
		return nil, fmt.Errorf("delete chunks: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE id = ?`, id); err != nil {
		return nil, fmt.Errorf("delete document: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit delete document: %w", err)
	}
	return doc, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*Document, error) {
	var d Document
	var createdAt string
	if err := row.Scan(&d.ID, &d.RoomID, &d.Title, &d.Size, &d.ChunkCount, &d.UploadedBy, &createdAt); err != nil {
		return nil, err
	}
	d.CreatedAt = parseTime(createdAt)
	return &d, nil
}

// ChunkText splits text into chunks of at most size characters, each
// starting overlap characters before the previous one ended. A chunk ends
// at the last sentence, paragraph, line or word break within breakWindow
// characters of its limit when there is one.
func ChunkText(text string, size, overlap int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if size <= 0 {
		size = ChunkSize
	}
	if overlap < 0 || overlap >= size/2 {
		overlap = 0
	}
	runes := []rune(text)
	if len(runes) <= size {
		return []string{text}
	}

	var chunks []string
	for start := 0; start < len(runes); {
		end := start + size
		if end >= len(runes) {
			end = len(runes)
		} else if b := breakPoint(runes, start, end); b > start {
			end = b
		}
		if c := strings.TrimSpace(string(runes[start:end])); c != "" {
			chunks = append(chunks, c)
		}
		if end == len(runes) {
			break
		}
		next := end - overlap
		if next <= start {
			next = end
		}
		start = next
	}
	return chunks
}

// breakPoint returns the index just past the preferred break in
// runes[end-breakWindow:end], or -1.
func breakPoint(runes []rune, start, end int) int {
	lo := end - breakWindow
	if lo <= start {
		lo = start + 1
	}
	window := string(runes[lo:end])
	for _, sep := range []string{". ", ".\n", "\n\n", "\n", " "} {
		if i := strings.LastIndex(window, sep); i >= 0 {
			return lo + utf8.RuneCountInString(window[:i]) + utf8.RuneCountInString(sep)
		}
	}
	return -1
}
